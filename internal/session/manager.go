// Package session tracks open calls and runs their end callbacks.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

var (
	// ErrNotFound is returned for unknown or already ended sessions.
	ErrNotFound = errors.New("session not found")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session manager closed")
)

type session struct {
	id        string
	startedAt time.Time
	handlers  []domain.EndHandler
}

func (s *session) ID() string           { return s.id }
func (s *session) StartedAt() time.Time { return s.startedAt }

// Manager is an in-memory session manager. Each session's handlers run
// exactly once: on End, or as discarded on Close.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
	clock    domain.Clock
	logger   *slog.Logger
}

var _ domain.SessionManager = (*Manager)(nil)

// NewManager creates a session manager.
func NewManager(clock domain.Clock, logger *slog.Logger) *Manager {
	if clock == nil {
		clock = domain.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions: make(map[string]*session),
		clock:    clock,
		logger:   logger,
	}
}

// GetOrCreate returns the open session id, or starts a new one.
// An empty id starts a session with a generated id.
func (m *Manager) GetOrCreate(_ context.Context, id string) (domain.Session, error) {
	if id == "" {
		id = uuid.New().String()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if s, ok := m.sessions[id]; ok {
		return s, nil
	}

	s := &session{id: id, startedAt: m.clock.Now()}
	m.sessions[id] = s
	metrics.SessionsOpen.Inc()
	return s, nil
}

// OnEnd registers h on an open session.
func (m *Manager) OnEnd(s domain.Session, h domain.EndHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	open, ok := m.sessions[s.ID()]
	if !ok {
		return ErrNotFound
	}
	open.handlers = append(open.handlers, h)
	return nil
}

// End terminates a session and runs its handlers. A zero endedAt means now.
func (m *Manager) End(id string, endedAt time.Time) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	metrics.SessionsOpen.Dec()

	if endedAt.IsZero() {
		endedAt = m.clock.Now()
	}
	for _, h := range s.handlers {
		h.SessionEnded(s, endedAt)
	}

	m.logger.Debug("session ended",
		"session_id", id,
		"duration_s", endedAt.Sub(s.startedAt).Seconds(),
		"handlers", len(s.handlers),
	)
	return nil
}

// Get returns an open session.
func (m *Manager) Get(id string) (domain.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return s, true
}

// Len returns the number of open sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close discards every open session without ending it.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	open := m.sessions
	m.sessions = make(map[string]*session)
	m.mu.Unlock()

	metrics.SessionsOpen.Sub(float64(len(open)))
	for _, s := range open {
		for _, h := range s.handlers {
			h.SessionDiscarded(s)
		}
	}

	if len(open) > 0 {
		m.logger.Info("discarded open sessions", "count", len(open))
	}
	return nil
}
