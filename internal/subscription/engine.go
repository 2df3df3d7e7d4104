// Package subscription runs historical and live zap queries across the
// relays of a pool.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"

	"zapflow/internal/relay"
	"zapflow/logger"
	"zapflow/models"
)

// EventFunc receives one event from one relay.
type EventFunc func(relayURL string, evt models.RawEvent)

// ErrorFunc receives a transport error for one relay. It never ends the
// subscription.
type ErrorFunc func(relayURL string, err error)

// Engine issues queries through a relay pool it does not own.
type Engine struct {
	pool *relay.Pool
	log  *logger.Log
	live *xsync.Map[string, *liveSub]
}

type liveSub struct {
	id     string
	urls   []string
	filter models.Filter
	once   sync.Once

	// deliver is held for reading while a callback runs; cancel takes it
	// for writing so no callback is in flight once it returns.
	deliver sync.RWMutex
	closed  bool
}

// run calls fn unless the subscription was cancelled.
func (s *liveSub) run(fn func()) {
	s.deliver.RLock()
	defer s.deliver.RUnlock()
	if s.closed {
		return
	}
	fn()
}

func (s *liveSub) close() {
	s.deliver.Lock()
	s.closed = true
	s.deliver.Unlock()
}

func New(pool *relay.Pool, log *logger.Log) *Engine {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Engine{
		pool: pool,
		log:  log,
		live: xsync.NewMap[string, *liveSub](),
	}
}

// HistoricalFetch runs a one-shot query against the connected relays and
// waits until each of them reported end of stored events. If no relay is
// connected it redials the whole pool first. A timeout or cancelled context
// yields an empty result; events are neither deduplicated nor ordered.
func (e *Engine) HistoricalFetch(ctx context.Context, filter models.Filter, timeout time.Duration) []models.RawEvent {
	log := e.log.WithComponent("subscription").WithFields(logger.Fields{"operation": "historical_fetch"})
	start := time.Now()

	fetchCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	urls := e.pool.ConnectedURLs()
	if len(urls) == 0 {
		urls = e.pool.URLs()
		if err := e.pool.Connect(fetchCtx, urls); err != nil {
			log.WithError(err).Warn("historical fetch skipped")
			return []models.RawEvent{}
		}
	}
	if len(urls) == 0 {
		log.Warn("historical fetch without relays")
		return []models.RawEvent{}
	}

	subID := "hist-" + uuid.NewString()
	var (
		mu     sync.Mutex
		events []models.RawEvent
		wg     sync.WaitGroup
	)
	settle := make(map[string]func(), len(urls))
	for _, url := range urls {
		var once sync.Once
		wg.Add(1)
		settle[url] = func() { once.Do(wg.Done) }
	}

	for _, url := range urls {
		done := settle[url]
		err := e.pool.Subscribe(url, subID, filter, relay.Handler{
			OnEvent: func(_ string, evt models.RawEvent) {
				mu.Lock()
				events = append(events, evt)
				mu.Unlock()
			},
			OnEOSE:   func(string) { done() },
			OnClosed: func(string, string) { done() },
			OnError:  func(string, error) { done() },
		})
		if err != nil {
			log.WithRelay(url).WithError(err).Debug("relay skipped for historical fetch")
			done()
		}
	}
	defer func() {
		for _, url := range urls {
			e.pool.Unsubscribe(url, subID)
		}
	}()

	settled := make(chan struct{})
	go func() {
		wg.Wait()
		close(settled)
	}()

	select {
	case <-settled:
	case <-fetchCtx.Done():
		log.WithFields(logger.Fields{"timeout": timeout.String()}).WithError(fetchCtx.Err()).Warn("historical fetch did not complete")
		return []models.RawEvent{}
	}

	mu.Lock()
	out := append([]models.RawEvent(nil), events...)
	mu.Unlock()
	if out == nil {
		out = []models.RawEvent{}
	}
	logger.LogPerformanceEntry(log, "subscription", "historical_fetch", time.Since(start), logger.Fields{
		"relays": len(urls),
		"events": len(out),
	})
	return out
}

// Subscribe opens a live query on every relay of the pool. Relays that are
// down keep the query registered and receive it once redialed. The returned
// cancel func stops delivery and sends CLOSE; it is safe to call repeatedly
// and is also triggered when ctx is done. No callback runs after cancel
// returns, so callbacks must not call cancel themselves.
func (e *Engine) Subscribe(ctx context.Context, filter models.Filter, onEvent EventFunc, onError ErrorFunc) func() {
	log := e.log.WithComponent("subscription").WithFields(logger.Fields{"operation": "subscribe"})
	sub := &liveSub{
		id:     "live-" + uuid.NewString(),
		urls:   e.pool.URLs(),
		filter: filter,
	}
	log = log.WithSubscription(sub.id)

	reportErr := func(url string, err error) {
		sub.run(func() {
			log.WithRelay(url).WithError(err).Warn("live subscription error")
			if onError != nil {
				onError(url, err)
			}
		})
	}

	handler := relay.Handler{
		OnEvent: func(url string, evt models.RawEvent) {
			if onEvent == nil {
				return
			}
			sub.run(func() { onEvent(url, evt) })
		},
		OnClosed: func(url, reason string) {
			reportErr(url, fmt.Errorf("subscription closed by relay: %s", reason))
		},
		OnError: reportErr,
	}

	e.live.Store(sub.id, sub)
	for _, url := range sub.urls {
		if err := e.pool.Subscribe(url, sub.id, filter, handler); err != nil {
			if errors.Is(err, relay.ErrPoolClosed) {
				break
			}
			reportErr(url, err)
		}
	}
	log.WithFields(logger.Fields{"relays": len(sub.urls)}).Info("live subscription opened")

	cancel := func() {
		sub.once.Do(func() {
			sub.close()
			for _, url := range sub.urls {
				e.pool.Unsubscribe(url, sub.id)
			}
			e.live.Delete(sub.id)
			log.Info("live subscription closed")
		})
	}
	stop := context.AfterFunc(ctx, cancel)
	return func() {
		stop()
		cancel()
	}
}

// Active returns the number of open live subscriptions.
func (e *Engine) Active() int {
	return e.live.Size()
}
