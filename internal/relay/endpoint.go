package relay

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v4"

	"zapflow/models"
)

// Endpoint is one relay and its connection state. All status fields are
// guarded by mu; the active subscriptions outlive individual connections so
// they can be replayed after a redial.
type Endpoint struct {
	url string

	mu         sync.Mutex
	state      models.RelayState
	latencyMs  int64
	eventCount int64
	errorCount int64
	lastError  string
	conn       *Conn
	torndown   bool

	subs *xsync.Map[string, subscription]
}

type subscription struct {
	filter  models.Filter
	handler Handler
}

func newEndpoint(url string) *Endpoint {
	return &Endpoint{
		url:   url,
		state: models.RelayDisconnected,
		subs:  xsync.NewMap[string, subscription](),
	}
}

func (e *Endpoint) URL() string { return e.url }

// Status returns a snapshot of the endpoint.
func (e *Endpoint) Status() models.RelayStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return models.RelayStatus{
		URL:        e.url,
		Connected:  e.state == models.RelayConnected,
		State:      e.state,
		LatencyMs:  e.latencyMs,
		EventCount: e.eventCount,
		ErrorCount: e.errorCount,
		LastError:  e.lastError,
	}
}

func (e *Endpoint) State() models.RelayState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// beginConnect moves the endpoint to Connecting. It returns false when a
// connection is already up, an attempt is in flight or the endpoint was
// torn down.
func (e *Endpoint) beginConnect() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.torndown || e.state == models.RelayConnected || e.state == models.RelayConnecting {
		return false
	}
	e.state = models.RelayConnecting
	return true
}

// setConnected installs conn. It returns false once the endpoint is torn
// down; the caller owns conn in that case.
func (e *Endpoint) setConnected(conn *Conn, latencyMs int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.torndown {
		return false
	}
	e.state = models.RelayConnected
	e.conn = conn
	e.latencyMs = latencyMs
	e.lastError = ""
	return true
}

// fail marks the endpoint Failed. A conn argument that is no longer current
// is ignored so a stale read loop cannot clobber a fresh connection, and a
// torn down endpoint keeps its cleared state.
func (e *Endpoint) fail(conn *Conn, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.torndown || (conn != nil && e.conn != conn) {
		return
	}
	e.state = models.RelayFailed
	e.conn = nil
	e.errorCount++
	if err != nil {
		e.lastError = err.Error()
	}
}

func (e *Endpoint) setLatency(ms int64) {
	e.mu.Lock()
	e.latencyMs = ms
	e.mu.Unlock()
}

func (e *Endpoint) recordEvent() {
	e.mu.Lock()
	e.eventCount++
	e.mu.Unlock()
}

// current returns the live connection, or nil.
func (e *Endpoint) current() *Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != models.RelayConnected {
		return nil
	}
	return e.conn
}

// teardown closes the connection and leaves the endpoint Disconnected for
// good. Later attempts and failures no longer touch it.
func (e *Endpoint) teardown() {
	e.mu.Lock()
	conn := e.conn
	e.conn = nil
	e.torndown = true
	e.state = models.RelayDisconnected
	e.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	e.subs.Clear()
}
