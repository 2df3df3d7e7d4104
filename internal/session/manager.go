package session

import (
	"context"
	"errors"
	"sync"

	appconfig "zapflow/config"
	"zapflow/internal/channel/events"
	"zapflow/logger"
	"zapflow/processor"
)

// Manager owns the sessions of every configured target.
type Manager struct {
	cfg      *appconfig.Config
	proc     *processor.ReceiptProcessor
	channels *events.Channels
	log      *logger.Log

	mu       sync.RWMutex
	sessions []*Session
	byKey    map[string]*Session
}

func NewManager(cfg *appconfig.Config, proc *processor.ReceiptProcessor, ch *events.Channels) *Manager {
	return &Manager{
		cfg:      cfg,
		proc:     proc,
		channels: ch,
		log:      logger.GetLogger(),
		byKey:    make(map[string]*Session),
	}
}

// StartAll starts one session per target concurrently and waits for their
// initial loads. Sessions that failed stay listed so their error is visible.
func (m *Manager) StartAll(ctx context.Context, targets []appconfig.Target) {
	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func(t appconfig.Target) {
			defer wg.Done()
			if _, err := m.Add(ctx, t); err != nil && !errors.Is(err, ErrNoRelays) {
				m.log.WithComponent("session_manager").WithTarget(t.Name).WithError(err).Error("failed to start session")
			}
		}(t)
	}
	wg.Wait()
	m.log.WithComponent("session_manager").WithFields(logger.Fields{"sessions": m.Len()}).Info("sessions started")
}

// Add creates and starts a session for t. The session is listed even when
// Start returns an error.
func (m *Manager) Add(ctx context.Context, t appconfig.Target) (*Session, error) {
	s := New(m.cfg, t, m.proc, m.channels)
	m.mu.Lock()
	m.sessions = append(m.sessions, s)
	m.index(t.Name, s)
	m.index(t.NoteID, s)
	m.mu.Unlock()

	err := s.Start(ctx)

	m.mu.Lock()
	m.index(s.NoteID(), s)
	m.mu.Unlock()
	return s, err
}

// first writer wins
func (m *Manager) index(key string, s *Session) {
	if key == "" {
		return
	}
	if _, ok := m.byKey[key]; !ok {
		m.byKey[key] = s
	}
}

// Get looks a session up by target name, configured id or hex id.
func (m *Manager) Get(key string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byKey[key]
	return s, ok
}

func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Session(nil), m.sessions...)
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// StopAll stops every session.
func (m *Manager) StopAll() {
	var wg sync.WaitGroup
	for _, s := range m.List() {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Stop()
		}(s)
	}
	wg.Wait()
}
