package live

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// MIME types of outbound realtime chunks.
const (
	MIMEAudioPCM = "audio/pcm;rate=16000"
	MIMEImageJPG = "image/jpeg"
)

// Chunk is one outbound realtime media chunk. Data is base64 encoded.
type Chunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

// Event is one inbound message of the provider stream.
type Event struct {
	// Audio is raw PCM16 at OutputSampleRate.
	Audio            []byte
	Interrupted      bool
	TurnComplete     bool
	InputTranscript  string
	OutputTranscript string
}

// SetupConfig is the fixed session configuration sent when the stream opens.
type SetupConfig struct {
	Model   string
	Voice   string
	Persona string
}

// Transport is an open provider stream. Send may be called concurrently; Receive blocks
// until the next event or until Close.
type Transport interface {
	Send(ctx context.Context, chunk Chunk) error
	Receive() (Event, error)
	Close() error
}

// Dialer opens provider streams.
type Dialer interface {
	Dial(ctx context.Context, setup SetupConfig) (Transport, error)
}

// GeminiLiveDialer opens Gemini Live API streams over a websocket.
type GeminiLiveDialer struct {
	URL    string
	APIKey string
	// SetupTimeout bounds the wait for the setup acknowledgement.
	SetupTimeout time.Duration
	Dialer       *websocket.Dialer
}

// Dial connects, sends the setup message and waits for setupComplete.
func (d *GeminiLiveDialer) Dial(ctx context.Context, setup SetupConfig) (Transport, error) {
	if strings.TrimSpace(d.APIKey) == "" {
		return nil, errors.New("live api key missing")
	}
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("parse live url: %w", err)
	}
	q := u.Query()
	q.Set("key", d.APIKey)
	u.RawQuery = q.Encode()

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), http.Header{})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial live stream: status %d", resp.StatusCode)
		}
		// url errors carry the key; report the cause only.
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return nil, fmt.Errorf("dial live stream: %w", err)
	}

	t := &geminiTransport{conn: conn}
	if err := t.writeJSON(setupMessage(setup)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send setup: %w", err)
	}

	timeout := d.SetupTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetReadDeadline(deadline)
	var ack serverMessage
	if err := conn.ReadJSON(&ack); err != nil {
		conn.Close()
		return nil, fmt.Errorf("await setup: %w", err)
	}
	if ack.SetupComplete == nil {
		conn.Close()
		return nil, errors.New("provider did not acknowledge setup")
	}
	_ = conn.SetReadDeadline(time.Time{})
	return t, nil
}

type geminiTransport struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (t *geminiTransport) writeJSON(v any) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteJSON(v)
}

func (t *geminiTransport) Send(ctx context.Context, chunk Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := map[string]any{
		"realtimeInput": map[string]any{"mediaChunks": []Chunk{chunk}},
	}
	return t.writeJSON(msg)
}

func (t *geminiTransport) Receive() (Event, error) {
	for {
		var msg serverMessage
		if err := t.conn.ReadJSON(&msg); err != nil {
			return Event{}, err
		}
		ev, ok, err := msg.event()
		if err != nil {
			return Event{}, err
		}
		if ok {
			return ev, nil
		}
	}
}

func (t *geminiTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}

func setupMessage(s SetupConfig) map[string]any {
	setup := map[string]any{
		"model": s.Model,
		"generationConfig": map[string]any{
			"responseModalities": []string{"AUDIO"},
			"speechConfig": map[string]any{
				"voiceConfig": map[string]any{
					"prebuiltVoiceConfig": map[string]any{"voiceName": s.Voice},
				},
			},
		},
		"inputAudioTranscription":  map[string]any{},
		"outputAudioTranscription": map[string]any{},
	}
	if s.Persona != "" {
		setup["systemInstruction"] = map[string]any{
			"parts": []map[string]string{{"text": s.Persona}},
		}
	}
	return map[string]any{"setup": setup}
}

type inlineBlob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type contentPart struct {
	InlineData *inlineBlob `json:"inlineData,omitempty"`
}

type modelTurn struct {
	Parts []contentPart `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
}

// event flattens a server message. ok is false for messages without content.
func (m serverMessage) event() (Event, bool, error) {
	sc := m.ServerContent
	if sc == nil {
		return Event{}, false, nil
	}
	ev := Event{Interrupted: sc.Interrupted, TurnComplete: sc.TurnComplete}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil || !strings.HasPrefix(p.InlineData.MIMEType, "audio/") {
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil {
				return Event{}, false, fmt.Errorf("decode inbound audio: %w", err)
			}
			ev.Audio = append(ev.Audio, pcm...)
		}
	}
	if sc.InputTranscription != nil {
		ev.InputTranscript = sc.InputTranscription.Text
	}
	if sc.OutputTranscription != nil {
		ev.OutputTranscript = sc.OutputTranscription.Text
	}
	return ev, true, nil
}
