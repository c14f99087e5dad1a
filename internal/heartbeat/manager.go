package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/volition/gcs-core/internal/infrastructure/logging"
)

// Manager tracks one heartbeat session per device, for callers that
// start and stop DRC keep-alives by serial rather than holding Session
// handles themselves (the HTTP control surface does).
type Manager struct {
	conns    Connections
	interval time.Duration

	mu       sync.Mutex
	sessions map[string]*Session

	logger *logging.Logger
}

// NewManager creates a manager using one cadence for all devices.
func NewManager(conns Connections, interval time.Duration) *Manager {
	return &Manager{
		conns:    conns,
		interval: interval,
		sessions: make(map[string]*Session),
	}
}

// SetLogger wires structured logging, passed through to new sessions.
func (m *Manager) SetLogger(logger *logging.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger = logger
}

// Start begins a heartbeat session for the device.
func (m *Manager) Start(ctx context.Context, deviceID string) error {
	m.mu.Lock()
	s, ok := m.sessions[deviceID]
	if !ok {
		s = NewSession(m.conns, deviceID, m.interval)
		if m.logger != nil {
			s.SetLogger(m.logger)
		}
		m.sessions[deviceID] = s
	}
	m.mu.Unlock()

	return s.Start(ctx)
}

// Stop halts the device's session and tears down its heartbeat
// connection.
func (m *Manager) Stop(deviceID string) error {
	m.mu.Lock()
	s, ok := m.sessions[deviceID]
	m.mu.Unlock()

	if !ok {
		return ErrNotRunning
	}
	return s.Stop()
}

// Running reports whether the device has an active session.
func (m *Manager) Running(deviceID string) bool {
	m.mu.Lock()
	s, ok := m.sessions[deviceID]
	m.mu.Unlock()
	return ok && s.Running()
}

// StopAll halts every running session. Used at shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		if s.Running() {
			s.Stop() //nolint:errcheck
		}
	}
}
