package live

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/omnistudio/backend/internal/logging"
)

var (
	// ErrSessionActive indicates the user already owns a live session.
	ErrSessionActive = errors.New("live session already active")
	// ErrSessionClosed indicates the session was closed.
	ErrSessionClosed = errors.New("live session closed")
	// ErrInvalidState indicates an operation not allowed in the current state.
	ErrInvalidState = errors.New("invalid live session state")
	// ErrSetupFailed indicates the provider stream could not be opened.
	ErrSetupFailed = errors.New("live session setup failed")
)

// State of a live session.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateClosed     State = "closed"
)

// Speaker tags transcript entries.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerModel Speaker = "model"
)

// TranscriptEntry is one transcription fragment.
type TranscriptEntry struct {
	Speaker Speaker   `json:"speaker"`
	Text    string    `json:"text"`
	At      time.Time `json:"at"`
}

// AudioChunk is inbound audio placed on the playback timeline.
type AudioChunk struct {
	SourceID uint64
	// PCM is mono PCM16 at OutputSampleRate.
	PCM      []byte
	Start    time.Duration
	Duration time.Duration
}

// Sink receives the session's output. Calls come from the session's receive goroutine
// and from Close.
type Sink interface {
	Audio(chunk AudioChunk) error
	Interrupted(stopped []ScheduledSource) error
	Transcript(entry TranscriptEntry) error
	Closed(cause error)
}

// Options configure a Session.
type Options struct {
	Setup SetupConfig
	// FrameInterval is the cadence of outbound video frames.
	FrameInterval time.Duration
	Logger        *slog.Logger
}

// Session is one logical call: outbound microphone and camera, inbound scheduled audio
// and a transcript.
type Session struct {
	id     string
	userID string
	dialer Dialer
	sink   Sink
	opts   Options
	frames *FrameEncoder
	sched  *PlaybackScheduler
	logger *slog.Logger

	onClose func(*Session)

	mu         sync.Mutex
	state      State
	transport  Transport
	cancel     context.CancelFunc
	frame      image.Image
	transcript []TranscriptEntry

	closeOnce sync.Once
	done      chan struct{}
}

// NewSession constructs an idle session.
func NewSession(userID string, dialer Dialer, sink Sink, opts Options) *Session {
	if opts.FrameInterval <= 0 {
		opts.FrameInterval = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	return &Session{
		id:     id,
		userID: userID,
		dialer: dialer,
		sink:   sink,
		opts:   opts,
		frames: NewFrameEncoder(),
		sched:  NewPlaybackScheduler(),
		logger: logger.With(slog.String("live_session_id", id), slog.String("user_id", userID)),
		state:  StateIdle,
		done:   make(chan struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Transcript returns a copy of the transcript so far.
func (s *Session) Transcript() []TranscriptEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TranscriptEntry(nil), s.transcript...)
}

// Start opens the provider stream and activates the session. A failed setup closes the
// session; it never reaches active.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		if state == StateClosed {
			return ErrSessionClosed
		}
		return fmt.Errorf("%w: start from %s", ErrInvalidState, state)
	}
	runCtx, cancel := context.WithCancel(logging.WithLogger(context.WithoutCancel(ctx), s.logger))
	s.state = StateConnecting
	s.cancel = cancel
	s.mu.Unlock()

	// Dialing honours the caller's context; the session itself outlives it.
	dialCtx, stopDial := context.WithCancel(ctx)
	go func() {
		select {
		case <-runCtx.Done():
			stopDial()
		case <-dialCtx.Done():
		}
	}()
	transport, err := s.dialer.Dial(dialCtx, s.opts.Setup)
	stopDial()

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		if transport != nil {
			_ = transport.Close()
		}
		return ErrSessionClosed
	}
	if err != nil {
		s.mu.Unlock()
		setupErr := fmt.Errorf("%w: %v", ErrSetupFailed, err)
		s.close(setupErr)
		return setupErr
	}
	s.transport = transport
	s.state = StateActive
	s.mu.Unlock()

	s.logger.Info("live session active")

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return s.receiveLoop(gctx, transport) })
	g.Go(func() error { return s.frameLoop(gctx, transport) })
	go func() {
		err := g.Wait()
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		s.close(err)
	}()
	return nil
}

// SendAudio converts float samples to PCM16 and sends them immediately.
func (s *Session) SendAudio(ctx context.Context, samples []float32) error {
	return s.SendPCM16(ctx, Float32ToPCM16(samples))
}

// SendPCM16 sends raw 16 kHz mono PCM16 immediately.
func (s *Session) SendPCM16(ctx context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	t, err := s.activeTransport()
	if err != nil {
		return err
	}
	return t.Send(ctx, Chunk{MIMEType: MIMEAudioPCM, Data: base64.StdEncoding.EncodeToString(pcm)})
}

// SubmitFrame stores the latest camera frame. Frames are sent on the frame cadence, so
// only the newest one between two ticks goes out.
func (s *Session) SubmitFrame(img image.Image) error {
	if img == nil {
		return errors.New("nil frame")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireActiveLocked(); err != nil {
		return err
	}
	s.frame = img
	return nil
}

// SourceEnded tells the scheduler that the client finished playing a source.
func (s *Session) SourceEnded(id uint64) {
	s.sched.Ended(id)
}

// Close tears the session down. It is idempotent.
func (s *Session) Close() error {
	s.close(nil)
	return nil
}

func (s *Session) close(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		transport := s.transport
		cancel := s.cancel
		s.frame = nil
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if transport != nil {
			if err := transport.Close(); err != nil {
				s.logger.Debug("close live transport", slog.Any("error", err))
			}
		}
		s.sched.Interrupt()

		if s.onClose != nil {
			s.onClose(s)
		}
		if s.sink != nil {
			s.sink.Closed(cause)
		}
		close(s.done)

		if cause != nil {
			s.logger.Warn("live session closed", slog.Any("error", cause))
		} else {
			s.logger.Info("live session closed")
		}
	})
}

func (s *Session) activeTransport() (Transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireActiveLocked(); err != nil {
		return nil, err
	}
	return s.transport, nil
}

func (s *Session) requireActiveLocked() error {
	switch s.state {
	case StateActive:
		return nil
	case StateClosed:
		return ErrSessionClosed
	default:
		return fmt.Errorf("%w: %s", ErrInvalidState, s.state)
	}
}

func (s *Session) receiveLoop(ctx context.Context, t Transport) error {
	for {
		ev, err := t.Receive()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return fmt.Errorf("provider stream: %w", err)
		}
		if err := s.handleEvent(ev); err != nil {
			return err
		}
	}
}

func (s *Session) handleEvent(ev Event) error {
	if ev.Interrupted {
		stopped := s.sched.Interrupt()
		if err := s.sink.Interrupted(stopped); err != nil {
			return fmt.Errorf("deliver interruption: %w", err)
		}
	}

	if len(ev.Audio) > 0 {
		d := PCMDuration(len(ev.Audio), OutputSampleRate)
		src := s.sched.Schedule(d)
		chunk := AudioChunk{SourceID: src.ID, PCM: ev.Audio, Start: src.Start, Duration: d}
		if err := s.sink.Audio(chunk); err != nil {
			return fmt.Errorf("deliver audio: %w", err)
		}
	}

	for _, entry := range []TranscriptEntry{
		{Speaker: SpeakerUser, Text: ev.InputTranscript},
		{Speaker: SpeakerModel, Text: ev.OutputTranscript},
	} {
		if entry.Text == "" {
			continue
		}
		entry.At = time.Now().UTC()
		s.mu.Lock()
		s.transcript = append(s.transcript, entry)
		s.mu.Unlock()
		if err := s.sink.Transcript(entry); err != nil {
			return fmt.Errorf("deliver transcript: %w", err)
		}
	}
	return nil
}

// frameLoop sends the latest frame at most once per FrameInterval until ctx ends.
func (s *Session) frameLoop(ctx context.Context, t Transport) error {
	limiter := rate.NewLimiter(rate.Every(s.opts.FrameInterval), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}

		s.mu.Lock()
		frame := s.frame
		s.frame = nil
		s.mu.Unlock()
		if frame == nil {
			continue
		}

		data, err := s.frames.Encode(frame)
		if err != nil {
			s.logger.Debug("encode frame", slog.Any("error", err))
			continue
		}
		if err := t.Send(ctx, Chunk{MIMEType: MIMEImageJPG, Data: data}); err != nil {
			return fmt.Errorf("send frame: %w", err)
		}
	}
}
