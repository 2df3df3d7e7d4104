// Package relaytest runs in-process relays for tests.
package relaytest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"zapflow/models"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// Server is a minimal relay. Every REQ is answered with the stored events
// followed by EOSE; Publish pushes an event to every open subscription.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	events   []models.RawEvent
	noEOSE   bool
	delay    time.Duration
	reqs     []string
	closes   []string
	sessions map[*session]struct{}
}

type session struct {
	ws   *websocket.Conn
	wmu  sync.Mutex
	subs map[string]struct{}
}

func (s *session) write(v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.ws.WriteMessage(websocket.TextMessage, payload)
}

func (s *session) writeRaw(payload []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.ws.WriteMessage(websocket.TextMessage, payload)
}

// NewServer starts a relay that replays events on every REQ.
func NewServer(events ...models.RawEvent) *Server {
	s := &Server{
		events:   events,
		sessions: make(map[*session]struct{}),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// WSURL returns the ws:// address of the relay.
func (s *Server) WSURL() string {
	return "ws" + strings.TrimPrefix(s.Server.URL, "http")
}

// WithoutEOSE stops the relay from sending EOSE after stored events.
func (s *Server) WithoutEOSE() *Server {
	s.mu.Lock()
	s.noEOSE = true
	s.mu.Unlock()
	return s
}

// WithDelay makes the relay wait before answering a REQ.
func (s *Server) WithDelay(d time.Duration) *Server {
	s.mu.Lock()
	s.delay = d
	s.mu.Unlock()
	return s
}

// Requests returns the subscription ids received in REQ messages.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.reqs...)
}

// Closes returns the subscription ids received in CLOSE messages.
func (s *Server) Closes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.closes...)
}

// Publish sends evt to every open subscription on every session.
func (s *Server) Publish(evt models.RawEvent) {
	for sess, subs := range s.snapshot() {
		for _, id := range subs {
			sess.write([]interface{}{"EVENT", id, evt})
		}
	}
}

// SendRaw writes payload verbatim to every session.
func (s *Server) SendRaw(payload string) {
	for sess := range s.snapshot() {
		sess.writeRaw([]byte(payload))
	}
}

// CloseSubscriptions sends CLOSED for every open subscription.
func (s *Server) CloseSubscriptions(reason string) {
	for sess, subs := range s.snapshot() {
		for _, id := range subs {
			sess.write([]interface{}{"CLOSED", id, reason})
		}
	}
}

// DropConnections closes every websocket without a close frame.
func (s *Server) DropConnections() {
	for sess := range s.snapshot() {
		sess.ws.Close()
	}
}

// Sessions returns the number of open websocket sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) snapshot() map[*session][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[*session][]string, len(s.sessions))
	for sess := range s.sessions {
		ids := make([]string, 0, len(sess.subs))
		for id := range sess.subs {
			ids = append(ids, id)
		}
		out[sess] = ids
	}
	return out
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sess := &session{ws: ws, subs: make(map[string]struct{})}
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
		ws.Close()
	}()

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var frame []json.RawMessage
		if err := json.Unmarshal(msg, &frame); err != nil || len(frame) < 2 {
			continue
		}
		var label, id string
		if json.Unmarshal(frame[0], &label) != nil || json.Unmarshal(frame[1], &id) != nil {
			continue
		}

		switch label {
		case "REQ":
			s.mu.Lock()
			s.reqs = append(s.reqs, id)
			sess.subs[id] = struct{}{}
			events := append([]models.RawEvent(nil), s.events...)
			noEOSE, delay := s.noEOSE, s.delay
			s.mu.Unlock()

			if delay > 0 {
				time.Sleep(delay)
			}
			for _, evt := range events {
				sess.write([]interface{}{"EVENT", id, evt})
			}
			if !noEOSE {
				sess.write([]interface{}{"EOSE", id})
			}
		case "CLOSE":
			s.mu.Lock()
			s.closes = append(s.closes, id)
			delete(sess.subs, id)
			s.mu.Unlock()
		}
	}
}
