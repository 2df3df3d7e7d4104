// Package relay manages connections to a set of relays and routes their
// messages to subscription handlers.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/time/rate"

	"zapflow/internal/metrics"
	"zapflow/logger"
	"zapflow/models"
)

var (
	// ErrNotConnected is returned when a relay has no live connection.
	ErrNotConnected = errors.New("relay not connected")
	// ErrPoolClosed is returned once Disconnect has been called.
	ErrPoolClosed = errors.New("relay pool closed")
)

// Options tunes connection behaviour. Zero values fall back to defaults.
type Options struct {
	ConnectTimeout  time.Duration // per attempt
	OverallTimeout  time.Duration // ceiling for Connect
	PingTimeout     time.Duration
	ConnectAttempts uint          // attempts per redial in RefreshStatus
	RetryDelay      time.Duration // base delay between redial attempts
	ReconnectRate   float64       // redials per second across the pool
	ReconnectBurst  int
	Header          http.Header
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 5 * time.Second
	}
	if o.OverallTimeout <= 0 {
		o.OverallTimeout = 10 * time.Second
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = 5 * time.Second
	}
	if o.ConnectAttempts == 0 {
		o.ConnectAttempts = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 500 * time.Millisecond
	}
	if o.ReconnectRate <= 0 {
		o.ReconnectRate = 2
	}
	if o.ReconnectBurst <= 0 {
		o.ReconnectBurst = 4
	}
	return o
}

// Pool is an explicit set of relay endpoints. Endpoints are added by Connect
// and live until Disconnect.
type Pool struct {
	opts      Options
	endpoints *xsync.Map[string, *Endpoint]
	limiter   *rate.Limiter
	dialer    *websocket.Dialer
	log       *logger.Log

	mu     sync.Mutex
	urls   []string
	closed bool
	health context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPool(opts Options, log *logger.Log) *Pool {
	if log == nil {
		log = logger.GetLogger()
	}
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		opts:      opts,
		endpoints: xsync.NewMap[string, *Endpoint](),
		limiter:   rate.NewLimiter(rate.Limit(opts.ReconnectRate), opts.ReconnectBurst),
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
	}
	p.dialer = &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.ConnectTimeout,
		NetDialContext:   p.netDial,
	}
	return p
}

// poolConn closes with the pool, so Disconnect also aborts handshakes that
// are still waiting on the relay.
type poolConn struct {
	net.Conn
	stop func() bool
}

func (c *poolConn) Close() error {
	c.stop()
	return c.Conn.Close()
}

func (p *Pool) netDial(ctx context.Context, network, addr string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(p.ctx, func() { conn.Close() })
	return &poolConn{Conn: conn, stop: stop}, nil
}

// Connect makes one time-bounded attempt per url, concurrently. It returns
// when every attempt settled or the overall ceiling elapsed, whichever comes
// first. Individual failures only mark their endpoint Failed; a pool with no
// connected endpoint is still usable.
func (p *Pool) Connect(ctx context.Context, urls []string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	var targets []*Endpoint
	for _, url := range urls {
		ep, loaded := p.endpoints.LoadOrStore(url, newEndpoint(url))
		if !loaded {
			p.urls = append(p.urls, url)
		}
		if ep.beginConnect() {
			targets = append(targets, ep)
		}
	}
	// Disconnect waits on p.wg only after it has set closed under p.mu
	p.wg.Add(len(targets))
	p.mu.Unlock()

	log := p.log.WithComponent("relay_pool").WithFields(logger.Fields{"operation": "connect", "relays": len(urls)})
	start := time.Now()

	var wg sync.WaitGroup
	for _, ep := range targets {
		wg.Add(1)
		go func(ep *Endpoint) {
			defer p.wg.Done()
			defer wg.Done()
			if err := p.dial(ctx, ep); err != nil {
				log.WithRelay(ep.url).WithError(err).Warn("relay connect failed")
			}
		}(ep)
	}

	settled := make(chan struct{})
	go func() {
		wg.Wait()
		close(settled)
	}()

	timer := time.NewTimer(p.opts.OverallTimeout)
	defer timer.Stop()
	select {
	case <-settled:
	case <-timer.C:
		log.Warn("connect ceiling reached before all relays settled")
	case <-ctx.Done():
	case <-p.ctx.Done():
	}

	logger.LogPerformanceEntry(log, "relay_pool", "connect", time.Since(start), logger.Fields{
		"connected": len(p.ConnectedURLs()),
	})
	return nil
}

// dial performs a single attempt against ep, which must be Connecting.
func (p *Pool) dial(ctx context.Context, ep *Endpoint) error {
	attemptCtx, cancel := context.WithTimeout(ctx, p.opts.ConnectTimeout)
	defer cancel()
	stop := context.AfterFunc(p.ctx, cancel)
	defer stop()

	start := time.Now()
	ws, _, err := p.dialer.DialContext(attemptCtx, ep.url, p.opts.Header)
	if err != nil {
		if p.ctx.Err() != nil {
			return ErrPoolClosed
		}
		ep.fail(nil, err)
		metrics.RecordConnectFailure(ep.url)
		return fmt.Errorf("dial %s: %w", ep.url, err)
	}

	// install the connection and its read loop in one step with respect to
	// Disconnect
	conn := newConn(ws, ep, p.log)
	p.mu.Lock()
	if p.closed || !ep.setConnected(conn, time.Since(start).Milliseconds()) {
		p.mu.Unlock()
		ws.Close()
		return ErrPoolClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()
	go func() {
		defer p.wg.Done()
		conn.readLoop()
	}()

	// replay subscriptions that were active on a previous connection
	ep.subs.Range(func(subID string, sub subscription) bool {
		if err := conn.sendReq(subID, sub.filter); err != nil {
			p.log.WithComponent("relay_pool").WithFields(logger.Fields{"relay": ep.url, "subscription": subID}).
				WithError(err).Warn("failed to resubscribe")
		}
		return true
	})
	return nil
}

// redial retries a Failed endpoint, paced by the pool limiter.
func (p *Pool) redial(ctx context.Context, ep *Endpoint) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	return retry.Do(
		func() error {
			if !ep.beginConnect() {
				return nil
			}
			return p.dial(ctx, ep)
		},
		retry.Context(ctx),
		retry.Attempts(p.opts.ConnectAttempts),
		retry.Delay(p.opts.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return !errors.Is(err, ErrPoolClosed) }),
	)
}

// Status returns a snapshot of every endpoint in the order they were added.
func (p *Pool) Status() []models.RelayStatus {
	urls := p.URLs()
	out := make([]models.RelayStatus, 0, len(urls))
	for _, url := range urls {
		if ep, ok := p.endpoints.Load(url); ok {
			out = append(out, ep.Status())
		}
	}
	return out
}

// RefreshStatus pings connected endpoints to update latency and redials
// Failed ones. It returns the refreshed snapshot.
func (p *Pool) RefreshStatus(ctx context.Context) ([]models.RelayStatus, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}
	log := p.log.WithComponent("relay_pool").WithFields(logger.Fields{"operation": "refresh_status"})

	var wg sync.WaitGroup
	p.endpoints.Range(func(url string, ep *Endpoint) bool {
		wg.Add(1)
		go func() {
			defer wg.Done()
			switch ep.State() {
			case models.RelayConnected:
				if err := p.ping(ctx, ep); err != nil {
					log.WithRelay(url).WithError(err).Warn("relay ping failed")
				}
			case models.RelayFailed:
				if err := p.redial(ctx, ep); err != nil {
					log.WithRelay(url).WithError(err).Warn("relay redial failed")
				}
			}
		}()
		return true
	})
	wg.Wait()
	return p.Status(), nil
}

func (p *Pool) ping(ctx context.Context, ep *Endpoint) error {
	conn := ep.current()
	if conn == nil {
		return ErrNotConnected
	}
	pingCtx, cancel := context.WithTimeout(ctx, p.opts.PingTimeout)
	defer cancel()
	rtt, err := conn.Ping(pingCtx)
	if err != nil {
		ep.fail(conn, err)
		conn.Close()
		return err
	}
	ep.setLatency(rtt.Milliseconds())
	return nil
}

// StartHealthCheck calls RefreshStatus every interval until ctx is done or
// the pool is disconnected. A second call replaces the first.
func (p *Pool) StartHealthCheck(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if p.health != nil {
		p.health()
	}
	hctx, cancel := context.WithCancel(ctx)
	p.health = cancel
	p.wg.Add(1)
	p.mu.Unlock()

	stop := context.AfterFunc(p.ctx, cancel)
	go func() {
		defer p.wg.Done()
		defer stop()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-hctx.Done():
				return
			case <-ticker.C:
				if _, err := p.RefreshStatus(hctx); err != nil {
					return
				}
			}
		}
	}()
}

// Disconnect closes every connection. It is safe to call more than once.
func (p *Pool) Disconnect() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.endpoints.Range(func(_ string, ep *Endpoint) bool {
		ep.teardown()
		return true
	})
	p.wg.Wait()
	p.log.WithComponent("relay_pool").Info("relay pool disconnected")
}

// ConnectedURLs lists endpoints that currently hold a live connection.
func (p *Pool) ConnectedURLs() []string {
	var out []string
	for _, url := range p.URLs() {
		if ep, ok := p.endpoints.Load(url); ok && ep.State() == models.RelayConnected {
			out = append(out, url)
		}
	}
	return out
}

// URLs lists every endpoint the pool knows about.
func (p *Pool) URLs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.urls...)
}

// Subscribe registers h for subID on url and sends the REQ. The
// subscription is replayed automatically if the relay is redialed.
func (p *Pool) Subscribe(url, subID string, filter models.Filter, h Handler) error {
	if p.isClosed() {
		return ErrPoolClosed
	}
	ep, ok := p.endpoints.Load(url)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, url)
	}
	ep.subs.Store(subID, subscription{filter: filter, handler: h})
	conn := ep.current()
	if conn == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, url)
	}
	if err := conn.sendReq(subID, filter); err != nil {
		return fmt.Errorf("send REQ to %s: %w", url, err)
	}
	return nil
}

// Unsubscribe drops the handler and sends CLOSE when connected.
func (p *Pool) Unsubscribe(url, subID string) {
	ep, ok := p.endpoints.Load(url)
	if !ok {
		return
	}
	if _, ok := ep.subs.LoadAndDelete(subID); !ok {
		return
	}
	if conn := ep.current(); conn != nil {
		if err := conn.sendClose(subID); err != nil {
			p.log.WithComponent("relay_pool").WithFields(logger.Fields{"relay": url, "subscription": subID}).
				WithError(err).Debug("failed to send CLOSE")
		}
	}
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
