package multiplayer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/vovakirdan/lockstep/internal/channel"
	"github.com/vovakirdan/lockstep/internal/clock"
	"github.com/vovakirdan/lockstep/internal/wakequeue"
)

// ManagerConfig holds configuration for the session manager.
type ManagerConfig struct {
	Resolution    time.Duration // Coarse timer period
	StartTimeout  time.Duration // How long a session may wait for its participants to load; 0 disables
	CleanupPeriod time.Duration // How often to look for expired sessions
	Channel       channel.Options
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Resolution:    5 * time.Millisecond,
		StartTimeout:  5 * time.Minute,
		CleanupPeriod: 30 * time.Second,
		Channel:       channel.DefaultOptions(),
	}
}

// Manager owns every live session and drives their wake schedulers from a
// single coarse timer.
type Manager struct {
	config ManagerConfig
	clock  clock.Clock
	logger *log.Logger
	saver  HistorySaver // Optional, can be nil

	mu       sync.Mutex
	sessions map[SessionID]*Session
	queue    *wakequeue.Queue[*Session]

	done     chan struct{}
	stopOnce sync.Once
}

// NewManager creates a manager. A nil clock means real time.
func NewManager(cfg ManagerConfig, clk clock.Clock, logger *log.Logger) *Manager {
	if clk == nil {
		clk = clock.NewReal()
	}
	if logger == nil {
		logger = log.Default()
	}
	if cfg.Resolution <= 0 {
		cfg.Resolution = DefaultManagerConfig().Resolution
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = DefaultManagerConfig().CleanupPeriod
	}
	return &Manager{
		config:   cfg,
		clock:    clk,
		logger:   logger,
		sessions: make(map[SessionID]*Session),
		queue:    wakequeue.New[*Session](),
		done:     make(chan struct{}),
	}
}

// SetHistorySaver sets the optional history saver.
func (m *Manager) SetHistorySaver(saver HistorySaver) {
	m.saver = saver
}

// Clock returns the manager's time source.
func (m *Manager) Clock() clock.Clock {
	return m.clock
}

// Create instantiates a session from spec and registers it.
func (m *Manager) Create(spec Spec) (*Session, error) {
	s, err := NewSession(spec, SessionOptions{
		Clock:   m.clock,
		Logger:  m.logger,
		Channel: m.config.Channel,
	})
	if err != nil {
		return nil, err
	}
	if err := m.Add(s); err != nil {
		return nil, err
	}
	return s, nil
}

// Add registers a session and schedules it. A session id that is already
// registered is rejected, never overwritten.
func (m *Manager) Add(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[s.ID()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateSession, s.ID())
	}
	m.sessions[s.ID()] = s
	m.queue.Enqueue(s)
	m.logger.Info("session created", "session", s.ID(), "participants", len(s.spec.Players),
		"tps", s.spec.TicksPerSecond, "lag", s.spec.AcceptedLag)
	return nil
}

// Get retrieves a session by id.
func (m *Manager) Get(id SessionID) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Scheduled returns the number of sessions waiting in the wake queue.
func (m *Manager) Scheduled() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.Len()
}

// List returns summaries of every live session, ordered by id.
func (m *Manager) List() []Summary {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID() < sessions[j].ID() })
	out := make([]Summary, len(sessions))
	for i, s := range sessions {
		out[i] = s.Summary()
	}
	return out
}

// Remove tears a session down and records its history.
func (m *Manager) Remove(id SessionID, reason CloseReason) error {
	m.mu.Lock()
	s, exists := m.sessions[id]
	if exists {
		delete(m.sessions, id)
		m.queue.Remove(s)
	}
	m.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	m.teardown(s, reason)
	return nil
}

func (m *Manager) teardown(s *Session, reason CloseReason) {
	rec, first := s.Close(reason)
	if !first || m.saver == nil {
		return
	}
	// Best effort: a storage failure must not keep the session alive.
	if err := m.saver.SaveSession(rec); err != nil {
		m.logger.Error("failed to save session history", "session", s.ID(), "error", err)
	}
}

// Poll wakes every session that is due at now and reschedules it.
// It returns the number of sessions woken.
func (m *Manager) Poll(now int64) int {
	var woken []*Session
	for {
		m.mu.Lock()
		s, ok := m.queue.TryDequeue(now)
		m.mu.Unlock()
		if !ok {
			break
		}
		s.Wake(now)
		woken = append(woken, s)
	}

	// Re-enqueue after the sweep so a session is woken at most once per poll.
	m.mu.Lock()
	for _, s := range woken {
		if m.sessions[s.ID()] == s && !s.Closed() {
			m.queue.Enqueue(s)
		}
	}
	m.mu.Unlock()
	return len(woken)
}

// ExpireStale removes sessions that have not started within the start timeout.
func (m *Manager) ExpireStale(now time.Time) int {
	if m.config.StartTimeout <= 0 {
		return 0
	}

	m.mu.Lock()
	var stale []SessionID
	for id, s := range m.sessions {
		if now.Sub(s.createdAt) > m.config.StartTimeout && !s.Running() {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	n := 0
	for _, id := range stale {
		if m.Remove(id, CloseReasonExpired) == nil {
			n++
		}
	}
	return n
}

// Run drives the wake queue until ctx is cancelled or Stop is called.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.config.Resolution)
	defer ticker.Stop()
	cleanup := time.NewTicker(m.config.CleanupPeriod)
	defer cleanup.Stop()

	m.logger.Info("session manager running", "resolution", m.config.Resolution)
	for {
		select {
		case <-ticker.C:
			m.Poll(m.clock.NowMillis())
		case now := <-cleanup.C:
			if n := m.ExpireStale(now); n > 0 {
				m.logger.Info("expired sessions", "count", n)
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-m.done:
			return nil
		}
	}
}

// Stop ends Run.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
}

// Close tears down every live session.
func (m *Manager) Close() {
	m.mu.Lock()
	ids := make([]SessionID, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		_ = m.Remove(id, CloseReasonShutdown) //nolint:errcheck // concurrent removal is fine
	}
}
