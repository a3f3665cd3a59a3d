package live

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Policy decides what happens when a user starting a session already owns one.
type Policy int

const (
	// PolicyReplace tears the existing session down before starting the new one.
	PolicyReplace Policy = iota
	// PolicyReject refuses the new session with ErrSessionActive.
	PolicyReject
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Policy        Policy
	Setup         SetupConfig
	FrameInterval time.Duration
}

// Manager owns at most one live session per user.
type Manager struct {
	dialer Dialer
	cfg    ManagerConfig
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewManager constructs a Manager.
func NewManager(dialer Dialer, cfg ManagerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dialer:   dialer,
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Start opens a session for userID that reports to sink. Under PolicyReplace any existing
// session of the user is closed first and its teardown has finished when the new one dials.
func (m *Manager) Start(ctx context.Context, userID string, sink Sink) (*Session, error) {
	session := NewSession(userID, m.dialer, sink, Options{
		Setup:         m.cfg.Setup,
		FrameInterval: m.cfg.FrameInterval,
		Logger:        m.logger,
	})
	session.onClose = m.release

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrSessionClosed
		}
		existing, ok := m.sessions[userID]
		if !ok {
			m.sessions[userID] = session
			m.mu.Unlock()
			break
		}
		m.mu.Unlock()

		if m.cfg.Policy == PolicyReject {
			return nil, ErrSessionActive
		}
		// Close runs the release hook, which frees the slot.
		_ = existing.Close()
		select {
		case <-existing.Done():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err := session.Start(ctx); err != nil {
		return nil, err
	}
	return session, nil
}

// Get returns the session of userID, if any.
func (m *Manager) Get(userID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	return s, ok
}

// Active returns the number of open sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown closes every session and refuses new ones.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *Manager) release(s *Session) {
	m.mu.Lock()
	if current, ok := m.sessions[s.userID]; ok && current == s {
		delete(m.sessions, s.userID)
	}
	m.mu.Unlock()
}
