package session

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	appconfig "zapflow/config"
	"zapflow/internal/channel/events"
	"zapflow/internal/noteid"
	"zapflow/internal/relay/relaytest"
	"zapflow/models"
	"zapflow/processor"
)

const target = "d4f8c0a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d"

func testConfig(urls ...string) *appconfig.Config {
	cfg := appconfig.Default()
	cfg.Relays.URLs = urls
	cfg.Relays.ConnectTimeout = time.Second
	cfg.Relays.OverallTimeout = 2 * time.Second
	cfg.Relays.HealthInterval = 0
	cfg.Query.HistoricalTimeout = 2 * time.Second
	cfg.Processor.ReportInterval = 0
	return &cfg
}

func newPipeline(t *testing.T, cfg *appconfig.Config) (*processor.ReceiptProcessor, *events.Channels) {
	t.Helper()
	ch := events.NewChannels(cfg.Channels.RawBuffer, cfg.Channels.RecordBuffer)
	proc := processor.NewReceiptProcessor(cfg, ch, nil)
	if err := proc.Start(context.Background()); err != nil {
		t.Fatalf("start processor: %v", err)
	}
	t.Cleanup(proc.Stop)
	return proc, ch
}

func newSession(t *testing.T, cfg *appconfig.Config, noteID string) *Session {
	t.Helper()
	proc, ch := newPipeline(t, cfg)
	s := New(cfg, appconfig.Target{Name: "post", NoteID: noteID}, proc, ch)
	t.Cleanup(s.Stop)
	return s
}

func refusedURL(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return "ws://" + addr
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStartLoadsHistoryThenLive(t *testing.T) {
	srv := relaytest.NewServer(
		relaytest.ZapReceipt("e1", target, "lnbc500n1pxyz", "alice", 1_700_000_000),
		relaytest.ZapReceipt("e2", target, "lnbc10u1pxyz", "bob", 1_700_000_100),
	)
	defer srv.Close()

	s := newSession(t, testConfig(srv.WSURL()), target)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	v := s.View()
	if v.Loading || v.Error != "" {
		t.Fatalf("unexpected state: loading=%v error=%q", v.Loading, v.Error)
	}
	if len(v.Payments) != 2 || v.Payments[0].SourceEventID != "e2" {
		t.Fatalf("unexpected payments: %+v", v.Payments)
	}
	if v.Stats.TotalAmountSats != 1050 || v.Stats.TotalCount != 2 {
		t.Fatalf("unexpected stats: %+v", v.Stats)
	}
	if len(v.Relays) != 1 || v.Relays[0].State != models.RelayConnected {
		t.Fatalf("unexpected relays: %+v", v.Relays)
	}

	// the live subscription replays stored events; they collapse by id
	waitFor(t, 2*time.Second, func() bool { return len(srv.Requests()) >= 2 })
	srv.Publish(relaytest.ZapReceipt("e3", target, "lnbc1m1pxyz", "carol", 1_700_000_200))
	waitFor(t, 2*time.Second, func() bool { return len(s.View().Payments) == 3 })
	if got := s.View().Stats.TotalAmountSats; got != 101_050 {
		t.Fatalf("total after live event = %d", got)
	}
}

func TestLiveEventsSurviveFullRawChannel(t *testing.T) {
	srv := relaytest.NewServer(relaytest.ZapReceipt("e1", target, "lnbc500n1", "alice", 1_700_000_000))
	defer srv.Close()

	// nothing drains the raw channel
	cfg := testConfig(srv.WSURL())
	ch := events.NewChannels(1, cfg.Channels.RecordBuffer)
	proc := processor.NewReceiptProcessor(cfg, ch, nil)
	s := New(cfg, appconfig.Target{Name: "post", NoteID: target}, proc, ch)
	t.Cleanup(s.Stop)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return len(srv.Requests()) >= 2 })

	srv.Publish(relaytest.ZapReceipt("e2", target, "lnbc1u1", "bob", 1_700_000_100))
	srv.Publish(relaytest.ZapReceipt("e3", target, "lnbc2u1", "carol", 1_700_000_200))
	waitFor(t, 2*time.Second, func() bool { return len(s.View().Payments) == 3 })
	if got := s.View().Stats.TotalAmountSats; got != 350 {
		t.Fatalf("total = %d, want 350", got)
	}
	if ch.GetStats().RawOverflow == 0 {
		t.Fatal("expected the raw channel to overflow")
	}
}

func TestStartAcceptsNoteBech32(t *testing.T) {
	srv := relaytest.NewServer(relaytest.ZapReceipt("e1", target, "lnbc500n1", "alice", 1))
	defer srv.Close()

	note, err := noteid.Encode(target)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	s := newSession(t, testConfig(srv.WSURL()), note)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.NoteID() != target {
		t.Fatalf("note id not normalized: %s", s.NoteID())
	}
	if v := s.View(); len(v.Payments) != 1 {
		t.Fatalf("unexpected payments: %+v", v.Payments)
	}
}

func TestStartRejectsInvalidNoteID(t *testing.T) {
	s := newSession(t, testConfig(refusedURL(t)), "not-a-note")
	err := s.Start(context.Background())
	if !errors.Is(err, ErrInvalidNoteID) || !errors.Is(err, noteid.ErrInvalid) {
		t.Fatalf("Start error = %v", err)
	}
	v := s.View()
	if v.Error == "" || v.Loading {
		t.Fatalf("invalid id not surfaced: %+v", v)
	}
	if len(v.Relays) != 1 || v.Relays[0].State != models.RelayDisconnected {
		t.Fatalf("unexpected relays: %+v", v.Relays)
	}
	if err := s.Reconnect(context.Background()); !errors.Is(err, ErrInvalidNoteID) {
		t.Fatalf("Reconnect error = %v", err)
	}
}

func TestStartWithoutRelays(t *testing.T) {
	s := newSession(t, testConfig(refusedURL(t), refusedURL(t)), target)
	start := time.Now()
	if err := s.Start(context.Background()); !errors.Is(err, ErrNoRelays) {
		t.Fatalf("Start error = %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("start took %s", time.Since(start))
	}
	v := s.View()
	if v.Error != ErrNoRelays.Error() || v.Loading {
		t.Fatalf("unexpected state: %+v", v)
	}
	for _, r := range v.Relays {
		if r.State != models.RelayFailed || r.ErrorCount == 0 {
			t.Fatalf("relay not failed: %+v", r)
		}
	}
	if v.Stats.TotalCount != 0 || v.Stats.LastPaymentTimestamp != nil {
		t.Fatalf("stats not empty: %+v", v.Stats)
	}
}

func TestReconnectRecoversDroppedRelay(t *testing.T) {
	srv := relaytest.NewServer(relaytest.ZapReceipt("e1", target, "lnbc500n1", "alice", 1))
	defer srv.Close()

	s := newSession(t, testConfig(srv.WSURL()), target)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	before := len(srv.Requests())

	srv.DropConnections()
	waitFor(t, 2*time.Second, func() bool { return s.View().Relays[0].State == models.RelayFailed })

	if err := s.Reconnect(context.Background()); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	v := s.View()
	if v.Error != "" || v.Relays[0].State != models.RelayConnected {
		t.Fatalf("relay not recovered: %+v", v)
	}
	// history refetched and live query reopened
	if got := len(srv.Requests()); got < before+2 {
		t.Fatalf("requests after reconnect = %d, before = %d", got, before)
	}
	if len(v.Payments) != 1 {
		t.Fatalf("refetch duplicated payments: %+v", v.Payments)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	srv := relaytest.NewServer()
	defer srv.Close()

	s := newSession(t, testConfig(srv.WSURL()), target)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop()
	s.Stop()

	waitFor(t, 2*time.Second, func() bool { return len(srv.Closes()) >= 1 })
	if err := s.Reconnect(context.Background()); err == nil {
		t.Fatal("expected error reconnecting a stopped session")
	}
	if v := s.View(); v.Loading {
		t.Fatalf("stopped session still loading")
	}
}

func TestManagerLookup(t *testing.T) {
	srv := relaytest.NewServer()
	defer srv.Close()

	cfg := testConfig(srv.WSURL())
	proc, ch := newPipeline(t, cfg)
	m := NewManager(cfg, proc, ch)
	t.Cleanup(m.StopAll)

	note, _ := noteid.Encode(target)
	m.StartAll(context.Background(), []appconfig.Target{
		{Name: "launch-post", NoteID: note},
		{Name: "broken", NoteID: "xyz"},
	})
	if m.Len() != 2 {
		t.Fatalf("sessions = %d", m.Len())
	}

	for _, key := range []string{"launch-post", note, target} {
		s, ok := m.Get(key)
		if !ok || s.Name() != "launch-post" {
			t.Fatalf("lookup %q failed", key)
		}
	}
	broken, ok := m.Get("broken")
	if !ok || broken.View().Error == "" {
		t.Fatalf("failed session not listed with its error")
	}
	if _, ok := m.Get("missing"); ok {
		t.Fatal("unexpected session for unknown key")
	}
}
