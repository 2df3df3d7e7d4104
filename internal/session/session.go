// Package session tracks the zaps of one piece of content: it owns a relay
// pool, runs the historical and live queries and exposes the resulting view.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	appconfig "zapflow/config"
	"zapflow/internal/accumulator"
	"zapflow/internal/channel/events"
	"zapflow/internal/metrics"
	"zapflow/internal/noteid"
	"zapflow/internal/relay"
	"zapflow/internal/subscription"
	"zapflow/logger"
	"zapflow/models"
	"zapflow/processor"
)

var (
	// ErrInvalidNoteID is returned by Start for ids that are neither 64-hex
	// nor note1 bech32.
	ErrInvalidNoteID = fmt.Errorf("session: %w", noteid.ErrInvalid)
	// ErrNoRelays is returned when no relay could be reached. The session
	// keeps running and can recover through Reconnect.
	ErrNoRelays = errors.New("no relays connected")

	errNotStarted = errors.New("session not started")
)

// View is the read model handed to callers.
type View struct {
	Name     string                 `json:"name"`
	NoteID   string                 `json:"note_id"`
	Payments []models.PaymentRecord `json:"payments"`
	Stats    models.AggregatedStats `json:"stats"`
	Relays   []models.RelayStatus   `json:"relays"`
	Loading  bool                   `json:"loading"`
	Error    string                 `json:"error,omitempty"`
}

type Session struct {
	cfg      *appconfig.Config
	target   appconfig.Target
	urls     []string
	proc     *processor.ReceiptProcessor
	channels *events.Channels
	acc      *accumulator.Accumulator
	log      *logger.Log

	mu         sync.Mutex
	noteID     string
	registered bool
	pool       *relay.Pool
	engine     *subscription.Engine
	cancelLive func()
	ctx        context.Context
	cancel     context.CancelFunc
	loading    bool
	errMsg     string
	startErr   error
	started    bool
	stopped    bool
}

// New prepares a session for target. Accepted events are routed through proc;
// live events are queued on ch.
func New(cfg *appconfig.Config, target appconfig.Target, proc *processor.ReceiptProcessor, ch *events.Channels) *Session {
	return &Session{
		cfg:      cfg,
		target:   target,
		urls:     cfg.RelaysFor(target),
		proc:     proc,
		channels: ch,
		acc:      accumulator.New(accumulator.WithDedupWindow(cfg.Accumulator.DedupWindow)),
		log:      logger.GetLogger(),
	}
}

func (s *Session) Name() string { return s.target.Name }

// NoteID returns the normalized hex id once Start succeeded, the configured
// id otherwise.
func (s *Session) NoteID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.noteID != "" {
		return s.noteID
	}
	return s.target.NoteID
}

// Start validates the note id, connects to the relays, loads the historical
// receipts and opens the live subscription. It blocks until the initial load
// finished. Only an invalid id is fatal; ErrNoRelays leaves the session
// running.
func (s *Session) Start(ctx context.Context) error {
	log := s.log.WithComponent("session").WithFields(logger.Fields{"target": s.target.Name, "operation": "start"})

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("session %s already started", s.target.Name)
	}
	s.started = true

	hexID, err := noteid.Normalize(s.target.NoteID)
	if err != nil {
		s.startErr = fmt.Errorf("%w: %q", ErrInvalidNoteID, s.target.NoteID)
		s.errMsg = "invalid note id"
		s.mu.Unlock()
		log.WithError(err).Warn("rejected note id")
		return s.startErr
	}
	s.noteID = hexID
	if err := s.proc.Register(hexID, s.acc); err != nil {
		s.startErr = err
		s.errMsg = err.Error()
		s.mu.Unlock()
		return err
	}
	s.registered = true

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.pool = relay.NewPool(poolOptions(s.cfg.Relays), s.log)
	s.engine = subscription.New(s.pool, s.log)
	s.loading = true
	s.mu.Unlock()

	log.WithFields(logger.Fields{"note_id": hexID, "relays": s.urls}).Info("starting session")
	return s.load(ctx)
}

// Reconnect clears the error, redials relays that are not connected, refetches
// history and restarts the live subscription.
func (s *Session) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.pool == nil || s.stopped {
		err := s.startErr
		s.mu.Unlock()
		if err != nil {
			return err
		}
		return errNotStarted
	}
	s.errMsg = ""
	s.loading = true
	prev := s.cancelLive
	s.cancelLive = nil
	s.mu.Unlock()

	if prev != nil {
		prev()
	}
	s.log.WithComponent("session").WithTarget(s.target.Name).Info("reconnecting session")
	return s.load(ctx)
}

func (s *Session) load(ctx context.Context) error {
	log := s.log.WithComponent("session").WithFields(logger.Fields{"target": s.target.Name, "note_id": s.noteID})
	start := time.Now()
	q := s.cfg.Query

	if err := s.pool.Connect(ctx, s.urls); err != nil {
		s.finish(err.Error())
		return err
	}
	s.pool.StartHealthCheck(s.ctx, s.cfg.Relays.HealthInterval)

	now := time.Now()
	history := s.engine.HistoricalFetch(ctx, models.ZapFilter(s.noteID, q.HistoricalWindow, q.HistoricalLimit, now), q.HistoricalTimeout)
	accepted := s.proc.ProcessBatch(ctx, s.noteID, "", history)

	live := s.engine.Subscribe(s.ctx, models.ZapFilter(s.noteID, q.LiveWindow, q.LiveLimit, now), s.onEvent, s.onError)
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		live()
		return relay.ErrPoolClosed
	}
	s.cancelLive = live
	s.mu.Unlock()

	connected := 0
	for _, st := range s.pool.Status() {
		if !st.Connected {
			continue
		}
		connected++
		metrics.EmitMetric(s.log, "session", "relay_latency_ms", st.LatencyMs, "gauge", logger.Fields{
			logger.FieldRelay:  st.URL,
			logger.FieldTarget: s.noteID,
		})
	}
	metrics.EmitMetric(s.log, "session", "relay_connected_count", connected, "gauge", logger.Fields{
		logger.FieldTarget: s.noteID,
		"relays":           len(s.urls),
	})
	logger.LogPerformanceEntry(log, "session", "load", time.Since(start), logger.Fields{
		"connected": connected,
		"history":   len(history),
		"accepted":  accepted,
	})

	if connected == 0 {
		log.Warn("no relays connected")
		s.finish(ErrNoRelays.Error())
		return ErrNoRelays
	}
	s.finish("")
	return nil
}

func (s *Session) finish(errMsg string) {
	s.mu.Lock()
	s.loading = false
	s.errMsg = errMsg
	s.mu.Unlock()
}

func (s *Session) onEvent(relayURL string, evt models.RawEvent) {
	msg := models.RawEventMessage{Relay: relayURL, Target: s.noteID, Event: evt, ReceivedAt: time.Now()}
	if s.channels.SendRaw(s.ctx, msg) || s.ctx.Err() != nil {
		return
	}
	// a payment is never discarded on a full buffer
	s.proc.Process(s.ctx, msg)
	metrics.EmitDropMetric(s.log, metrics.DropMetricRawOverflow, relayURL, s.noteID, "subscription")
	s.log.WithComponent("session").WithFields(logger.Fields{
		"target":   s.target.Name,
		"relay":    relayURL,
		"event_id": evt.ID,
	}).Debug("raw channel full, live event ingested inline")
}

func (s *Session) onError(relayURL string, err error) {
	s.log.WithComponent("session").WithFields(logger.Fields{
		"target": s.target.Name,
		"relay":  relayURL,
	}).WithError(err).Warn("live subscription error")
}

// View returns a snapshot of the payments, statistics and relay health.
func (s *Session) View() View {
	s.mu.Lock()
	pool := s.pool
	v := View{
		Name:    s.target.Name,
		NoteID:  s.noteID,
		Loading: s.loading,
		Error:   s.errMsg,
	}
	s.mu.Unlock()

	if v.NoteID == "" {
		v.NoteID = s.target.NoteID
	}
	v.Payments = s.acc.Records()
	v.Stats = s.acc.Stats()
	if pool != nil {
		v.Relays = pool.Status()
	} else {
		v.Relays = make([]models.RelayStatus, 0, len(s.urls))
		for _, u := range s.urls {
			v.Relays = append(v.Relays, models.RelayStatus{URL: u, State: models.RelayDisconnected})
		}
	}
	return v
}

// Stop cancels the live subscription and closes every relay. It is safe to
// call more than once.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.loading = false
	live, pool, cancel := s.cancelLive, s.pool, s.cancel
	s.cancelLive = nil
	registered := s.registered
	s.mu.Unlock()

	if live != nil {
		live()
	}
	if pool != nil {
		pool.Disconnect()
	}
	if cancel != nil {
		cancel()
	}
	if registered {
		s.proc.Unregister(s.noteID)
	}
	s.log.WithComponent("session").WithTarget(s.target.Name).Info("session stopped")
}

func poolOptions(cfg appconfig.RelaysConfig) relay.Options {
	return relay.Options{
		ConnectTimeout:  cfg.ConnectTimeout,
		OverallTimeout:  cfg.OverallTimeout,
		PingTimeout:     cfg.PingTimeout,
		ConnectAttempts: cfg.ConnectAttempts,
		RetryDelay:      cfg.RetryDelay,
		ReconnectRate:   cfg.ReconnectRate,
		ReconnectBurst:  cfg.ReconnectBurst,
	}
}
