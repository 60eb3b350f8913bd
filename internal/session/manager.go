package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/genia-platform/nl2sql/internal/config"
	"github.com/genia-platform/nl2sql/internal/history"
	"github.com/genia-platform/nl2sql/internal/logger"
	"github.com/genia-platform/nl2sql/internal/pipeline"
)

// Manager owns all live sessions in a concurrent-safe mapping keyed by id.
// Creation and teardown hooks are invoked by the transport layer; idle
// sessions are swept out after the configured timeout.
type Manager struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session

	cfg   config.SessionConfig
	audit *history.Log
}

func NewManager(cfg config.SessionConfig, audit *history.Log) *Manager {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 32
	}
	if cfg.ConsumerTimeout <= 0 {
		cfg.ConsumerTimeout = 5 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 15 * time.Minute
	}
	return &Manager{
		sessions: make(map[uuid.UUID]*Session),
		cfg:      cfg,
		audit:    audit,
	}
}

// Create registers a new session.
func (m *Manager) Create() *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:              uuid.New(),
		lastActive:      time.Now().UTC(),
		msgs:            make(chan pipeline.AgentMessage, m.cfg.Buffer),
		ctx:             ctx,
		cancel:          cancel,
		audit:           m.audit,
		consumerTimeout: m.cfg.ConsumerTimeout,
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	logger.WithSession(s.ID.String()).Info("session created")
	return s
}

// Get returns the live session with the given id.
func (m *Manager) Get(id uuid.UUID) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session %s not found", id)
	}
	return s, nil
}

// Close tears down one session and removes it from the mapping.
func (m *Manager) Close(id uuid.UUID) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	s.close()
	logger.WithSession(id.String()).Info("session closed")
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sweep closes every session idle since before the idle timeout and returns
// how many were removed.
func (m *Manager) Sweep(now time.Time) int {
	cutoff := now.Add(-m.cfg.IdleTimeout)

	m.mu.RLock()
	var stale []uuid.UUID
	for id, s := range m.sessions {
		if s.idleSince(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range stale {
		logger.WithSession(id.String()).Info("sweeping idle session")
		m.Close(id)
	}
	return len(stale)
}

// StartSweeper runs Sweep periodically until ctx is cancelled.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				m.Sweep(now)
			}
		}
	}()
}
