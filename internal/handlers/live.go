package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gorilla/websocket"

	"github.com/omnistudio/backend/internal/live"
	"github.com/omnistudio/backend/internal/logging"
)

const (
	liveReadLimit    = 4 << 20
	liveWriteTimeout = 10 * time.Second
)

// LiveHandler relays a live session between the browser and the provider stream.
type LiveHandler struct {
	Sessions LiveSessions
	// CheckOrigin overrides the websocket same-origin check.
	CheckOrigin func(r *http.Request) bool
}

// clientMessage is one browser to server frame.
type clientMessage struct {
	Type     string    `json:"type"`
	Data     string    `json:"data,omitempty"`
	Samples  []float32 `json:"samples,omitempty"`
	SourceID uint64    `json:"sourceId,omitempty"`
}

// serverMessage is one server to browser frame. Offsets are milliseconds on the session's
// playback clock.
type serverMessage struct {
	Type       string   `json:"type"`
	SessionID  string   `json:"sessionId,omitempty"`
	SourceID   uint64   `json:"sourceId,omitempty"`
	Data       []byte   `json:"data,omitempty"`
	StartMS    int64    `json:"startMs,omitempty"`
	DurationMS int64    `json:"durationMs,omitempty"`
	Sources    []uint64 `json:"sources,omitempty"`
	Speaker    string   `json:"speaker,omitempty"`
	Text       string   `json:"text,omitempty"`
	At         string   `json:"at,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// Stream handles GET /api/v1/live by upgrading to a websocket.
func (h LiveHandler) Stream(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	ctx := r.Context()
	logger := logging.FromContext(ctx)
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	if h.Sessions == nil {
		respondServiceError(ctx, w, live.ErrSetupFailed)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  32 << 10,
		WriteBufferSize: 32 << 10,
		CheckOrigin:     h.CheckOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		logger.Warn("live upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(liveReadLimit)

	sink := &wsSink{conn: conn, logger: logger}
	session, err := h.Sessions.Start(ctx, userID, sink)
	if err != nil {
		msg := "live session unavailable"
		if errors.Is(err, live.ErrSessionActive) {
			msg = live.ErrSessionActive.Error()
		}
		logger.Warn("live session start failed", "error", err)
		sink.send(serverMessage{Type: "error", Error: msg})
		sink.shutdown(websocket.CloseTryAgainLater)
		return
	}
	sink.send(serverMessage{Type: "ready", SessionID: session.ID()})

	h.readLoop(ctx, conn, session, logger)
	_ = session.Close()
}

func (h LiveHandler) readLoop(ctx context.Context, conn *websocket.Conn, session *live.Session, logger *slog.Logger) {
	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("live read ended", "error", err)
			}
			return
		}

		var err error
		switch msg.Type {
		case "audio":
			if len(msg.Samples) > 0 {
				err = session.SendAudio(ctx, msg.Samples)
				break
			}
			var pcm []byte
			pcm, err = base64.StdEncoding.DecodeString(msg.Data)
			if err == nil {
				err = session.SendPCM16(ctx, pcm)
			}
		case "frame":
			err = submitFrame(session, msg.Data)
		case "ended":
			session.SourceEnded(msg.SourceID)
		case "close":
			return
		default:
			logger.Debug("unknown live message", "type", msg.Type)
		}

		if errors.Is(err, live.ErrSessionClosed) {
			return
		}
		if err != nil {
			logger.Debug("live message rejected", "type", msg.Type, "error", err)
		}
	}
}

func submitFrame(session *live.Session, data string) error {
	raw, err := base64.StdEncoding.DecodeString(stripDataURL(data))
	if err != nil {
		return err
	}
	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	return session.SubmitFrame(img)
}

// wsSink writes session output to the browser websocket.
type wsSink struct {
	conn   *websocket.Conn
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

func (s *wsSink) send(msg serverMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return live.ErrSessionClosed
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
	return s.conn.WriteJSON(msg)
}

func (s *wsSink) shutdown(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(time.Second))
	_ = s.conn.Close()
}

func (s *wsSink) Audio(chunk live.AudioChunk) error {
	return s.send(serverMessage{
		Type:       "audio",
		SourceID:   chunk.SourceID,
		Data:       chunk.PCM,
		StartMS:    chunk.Start.Milliseconds(),
		DurationMS: chunk.Duration.Milliseconds(),
	})
}

func (s *wsSink) Interrupted(stopped []live.ScheduledSource) error {
	ids := make([]uint64, 0, len(stopped))
	for _, src := range stopped {
		ids = append(ids, src.ID)
	}
	return s.send(serverMessage{Type: "interrupted", Sources: ids})
}

func (s *wsSink) Transcript(entry live.TranscriptEntry) error {
	return s.send(serverMessage{
		Type:    "transcript",
		Speaker: string(entry.Speaker),
		Text:    entry.Text,
		At:      entry.At.Format(time.RFC3339Nano),
	})
}

func (s *wsSink) Closed(cause error) {
	msg := serverMessage{Type: "closed"}
	code := websocket.CloseNormalClosure
	if cause != nil {
		msg.Error = "live session ended unexpectedly"
		code = websocket.CloseInternalServerErr
		s.logger.Warn("live session ended", "error", cause)
	}
	if err := s.send(msg); err != nil && !errors.Is(err, live.ErrSessionClosed) {
		s.logger.Debug("send live close", "error", err)
	}
	s.shutdown(code)
}
