package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"

	"zapflow/internal/metrics"
	"zapflow/logger"
	"zapflow/models"
)

const writeWait = 10 * time.Second

// Handler receives the messages a relay sends for one subscription. All
// callbacks for a relay run on that relay's read loop, in arrival order, and
// must not block.
type Handler struct {
	OnEvent  func(relayURL string, evt models.RawEvent)
	OnEOSE   func(relayURL string)
	OnClosed func(relayURL, reason string)
	OnError  func(relayURL string, err error)
}

// Conn is a single websocket session with a relay.
type Conn struct {
	ws       *websocket.Conn
	endpoint *Endpoint
	log      *logger.Entry

	writeMu sync.Mutex
	pongs   chan struct{}
	done    chan struct{}
	closing atomic.Bool
	once    sync.Once
}

func newConn(ws *websocket.Conn, ep *Endpoint, log *logger.Log) *Conn {
	c := &Conn{
		ws:       ws,
		endpoint: ep,
		log:      log.WithComponent("relay_conn").WithRelay(ep.url),
		pongs:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	ws.SetPongHandler(func(string) error {
		select {
		case c.pongs <- struct{}{}:
		default:
		}
		return nil
	})
	return c
}

// Done is closed once the read loop exits.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) writeJSON(v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

func (c *Conn) sendReq(subID string, filter models.Filter) error {
	env := nostr.ReqEnvelope{SubscriptionID: subID, Filters: nostr.Filters{toNostrFilter(filter)}}
	return c.writeJSON(&env)
}

func (c *Conn) sendClose(subID string) error {
	env := nostr.CloseEnvelope(subID)
	return c.writeJSON(&env)
}

// Ping sends a websocket ping and waits for the pong.
func (c *Conn) Ping(ctx context.Context) (time.Duration, error) {
	// drain a stale pong
	select {
	case <-c.pongs:
	default:
	}

	start := time.Now()
	deadline := start.Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	err := c.ws.WriteControl(websocket.PingMessage, nil, deadline)
	c.writeMu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("write ping: %w", err)
	}

	select {
	case <-c.pongs:
		return time.Since(start), nil
	case <-c.done:
		return 0, errors.New("connection closed")
	case <-ctx.Done():
		return 0, fmt.Errorf("wait pong: %w", ctx.Err())
	}
}

// Close shuts the connection without marking the endpoint failed.
func (c *Conn) Close() {
	c.once.Do(func() {
		c.closing.Store(true)
		c.writeMu.Lock()
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.ws.Close()
	})
}

func (c *Conn) readLoop() {
	defer close(c.done)
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if c.closing.Load() {
				return
			}
			c.log.WithError(err).Warn("relay read error")
			c.endpoint.fail(c, err)
			c.ws.Close()
			c.endpoint.subs.Range(func(_ string, sub subscription) bool {
				if sub.handler.OnError != nil {
					sub.handler.OnError(c.endpoint.url, err)
				}
				return true
			})
			return
		}
		c.processMessage(msg)
	}
}

func (c *Conn) processMessage(msg []byte) {
	env := nostr.ParseMessage(msg)
	if env == nil {
		c.log.Debug("unrecognized relay message")
		return
	}

	switch v := env.(type) {
	case *nostr.EventEnvelope:
		if v.SubscriptionID == nil {
			return
		}
		sub, ok := c.endpoint.subs.Load(*v.SubscriptionID)
		if !ok {
			return
		}
		c.endpoint.recordEvent()
		metrics.RecordRelayEvent(c.endpoint.url)
		logger.IncrementRelayEvent(len(msg))
		if sub.handler.OnEvent != nil {
			sub.handler.OnEvent(c.endpoint.url, fromNostrEvent(v.Event))
		}
	case *nostr.EOSEEnvelope:
		if sub, ok := c.endpoint.subs.Load(string(*v)); ok && sub.handler.OnEOSE != nil {
			sub.handler.OnEOSE(c.endpoint.url)
		}
	case *nostr.ClosedEnvelope:
		sub, ok := c.endpoint.subs.LoadAndDelete(v.SubscriptionID)
		c.log.WithFields(logger.Fields{"subscription": v.SubscriptionID, "reason": v.Reason}).Debug("subscription closed by relay")
		if ok && sub.handler.OnClosed != nil {
			sub.handler.OnClosed(c.endpoint.url, v.Reason)
		}
	case *nostr.NoticeEnvelope:
		c.log.WithFields(logger.Fields{"notice": string(*v)}).Debug("relay notice")
	}
}

func toNostrFilter(f models.Filter) nostr.Filter {
	nf := nostr.Filter{Kinds: f.Kinds, Limit: f.Limit}
	if len(f.EventRefs) > 0 {
		nf.Tags = nostr.TagMap{"e": f.EventRefs}
	}
	if !f.Since.IsZero() {
		since := nostr.Timestamp(f.Since.Unix())
		nf.Since = &since
	}
	if !f.Until.IsZero() {
		until := nostr.Timestamp(f.Until.Unix())
		nf.Until = &until
	}
	return nf
}

func fromNostrEvent(evt nostr.Event) models.RawEvent {
	tags := make([][]string, len(evt.Tags))
	for i, tag := range evt.Tags {
		tags[i] = []string(tag)
	}
	return models.RawEvent{
		ID:        evt.ID,
		PubKey:    evt.PubKey,
		CreatedAt: int64(evt.CreatedAt),
		Kind:      evt.Kind,
		Tags:      tags,
		Content:   evt.Content,
		Sig:       evt.Sig,
	}
}
