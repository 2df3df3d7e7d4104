package relay

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"zapflow/internal/relay/relaytest"
	"zapflow/models"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func newTestPool(t *testing.T, opts Options) *Pool {
	t.Helper()
	p := NewPool(opts, nil)
	t.Cleanup(p.Disconnect)
	return p
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

// hangingURL accepts TCP connections but never answers the handshake.
func hangingURL(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	return "ws://" + ln.Addr().String()
}

func statusOf(p *Pool, url string) models.RelayStatus {
	for _, st := range p.Status() {
		if st.URL == url {
			return st
		}
	}
	return models.RelayStatus{}
}

func TestConnectReportsConnectedRelays(t *testing.T) {
	a := relaytest.NewServer()
	defer a.Close()
	b := relaytest.NewServer()
	defer b.Close()

	p := newTestPool(t, Options{})
	if err := p.Connect(context.Background(), []string{a.WSURL(), b.WSURL()}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if got := p.ConnectedURLs(); len(got) != 2 || got[0] != a.WSURL() || got[1] != b.WSURL() {
		t.Fatalf("unexpected connected urls: %v", got)
	}
	for _, st := range p.Status() {
		if !st.Connected || st.State != models.RelayConnected || st.ErrorCount != 0 {
			t.Fatalf("unexpected status: %+v", st)
		}
	}
}

func TestConnectUnreachableReturnsWithinCeiling(t *testing.T) {
	p := newTestPool(t, Options{ConnectTimeout: 3 * time.Second, OverallTimeout: 300 * time.Millisecond})
	urls := []string{refusedURL(t), hangingURL(t)}

	start := time.Now()
	if err := p.Connect(context.Background(), urls); err != nil {
		t.Fatalf("Connect should not fail on unreachable relays: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 1500*time.Millisecond {
		t.Fatalf("Connect took %s, ceiling is 300ms", elapsed)
	}
	if got := p.ConnectedURLs(); len(got) != 0 {
		t.Fatalf("expected no connected relays, got %v", got)
	}
	if got := p.URLs(); len(got) != 2 {
		t.Fatalf("pool should still know both relays, got %v", got)
	}
}

func TestConnectPartialFailureIsolated(t *testing.T) {
	good := relaytest.NewServer()
	defer good.Close()
	bad := refusedURL(t)

	p := newTestPool(t, Options{ConnectTimeout: time.Second})
	p.Connect(context.Background(), []string{bad, good.WSURL()})

	if st := statusOf(p, good.WSURL()); st.State != models.RelayConnected {
		t.Fatalf("good relay should be connected: %+v", st)
	}
	st := statusOf(p, bad)
	if st.State != models.RelayFailed || st.Connected || st.ErrorCount != 1 || st.LastError == "" {
		t.Fatalf("unexpected failed status: %+v", st)
	}
}

func TestConnectSkipsAlreadyConnected(t *testing.T) {
	srv := relaytest.NewServer()
	defer srv.Close()

	p := newTestPool(t, Options{})
	p.Connect(context.Background(), []string{srv.WSURL()})
	p.Connect(context.Background(), []string{srv.WSURL()})

	if got := p.URLs(); len(got) != 1 {
		t.Fatalf("duplicate url registered: %v", got)
	}
	waitFor(t, time.Second, func() bool { return srv.Sessions() == 1 })
}

func TestSubscribeDeliversInOrder(t *testing.T) {
	srv := relaytest.NewServer(
		relaytest.ZapReceipt("e1", "note", "lnbc10n1", "s1", 100),
		relaytest.ZapReceipt("e2", "note", "lnbc20n1", "s2", 50),
		relaytest.ZapReceipt("e3", "note", "lnbc30n1", "s3", 200),
	)
	defer srv.Close()

	p := newTestPool(t, Options{})
	p.Connect(context.Background(), []string{srv.WSURL()})

	var mu sync.Mutex
	var ids []string
	eose := make(chan struct{})
	err := p.Subscribe(srv.WSURL(), "sub-1", models.ZapFilter("note", time.Hour, 10, time.Now()), Handler{
		OnEvent: func(_ string, evt models.RawEvent) {
			mu.Lock()
			ids = append(ids, evt.ID)
			mu.Unlock()
		},
		OnEOSE: func(string) { close(eose) },
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	select {
	case <-eose:
	case <-time.After(2 * time.Second):
		t.Fatal("no EOSE received")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(ids) != 3 || ids[0] != "e1" || ids[1] != "e2" || ids[2] != "e3" {
		t.Fatalf("unexpected delivery order: %v", ids)
	}
	if st := statusOf(p, srv.WSURL()); st.EventCount != 3 {
		t.Fatalf("event count = %d, want 3", st.EventCount)
	}
}

func TestSubscribeDecodesTags(t *testing.T) {
	srv := relaytest.NewServer(relaytest.ZapReceipt("e1", "note", "lnbc10n1", "alice", 100))
	defer srv.Close()

	p := newTestPool(t, Options{})
	p.Connect(context.Background(), []string{srv.WSURL()})

	got := make(chan models.RawEvent, 1)
	p.Subscribe(srv.WSURL(), "sub", models.Filter{}, Handler{
		OnEvent: func(_ string, evt models.RawEvent) { got <- evt },
	})

	select {
	case evt := <-got:
		if evt.Kind != models.KindZapReceipt || evt.CreatedAt != 100 {
			t.Fatalf("unexpected event: %+v", evt)
		}
		if inv, ok := evt.TagValue("bolt11"); !ok || inv != "lnbc10n1" {
			t.Fatalf("bolt11 tag lost: %+v", evt.Tags)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSubscribeNotConnected(t *testing.T) {
	p := newTestPool(t, Options{ConnectTimeout: 200 * time.Millisecond})
	bad := refusedURL(t)
	p.Connect(context.Background(), []string{bad})

	if err := p.Subscribe(bad, "sub", models.Filter{}, Handler{}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := p.Subscribe("wss://unknown.example", "sub", models.Filter{}, Handler{}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected for unknown relay, got %v", err)
	}
}

func TestUnsubscribeSendsClose(t *testing.T) {
	srv := relaytest.NewServer()
	defer srv.Close()

	p := newTestPool(t, Options{})
	p.Connect(context.Background(), []string{srv.WSURL()})
	p.Subscribe(srv.WSURL(), "live", models.Filter{}, Handler{})
	p.Unsubscribe(srv.WSURL(), "live")
	p.Unsubscribe(srv.WSURL(), "live")

	waitFor(t, time.Second, func() bool { return len(srv.Closes()) == 1 })
	time.Sleep(20 * time.Millisecond)
	if got := srv.Closes(); len(got) != 1 || got[0] != "live" {
		t.Fatalf("unexpected CLOSE messages: %v", got)
	}
}

func TestRelayClosedSubscription(t *testing.T) {
	srv := relaytest.NewServer()
	defer srv.Close()

	p := newTestPool(t, Options{})
	p.Connect(context.Background(), []string{srv.WSURL()})

	reasons := make(chan string, 1)
	p.Subscribe(srv.WSURL(), "sub", models.Filter{}, Handler{
		OnClosed: func(_ string, reason string) { reasons <- reason },
	})
	waitFor(t, time.Second, func() bool { return len(srv.Requests()) == 1 })
	srv.CloseSubscriptions("rate-limited: slow down")

	select {
	case r := <-reasons:
		if r != "rate-limited: slow down" {
			t.Fatalf("unexpected reason %q", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("CLOSED not delivered")
	}
}

func TestMalformedMessagesAreSkipped(t *testing.T) {
	srv := relaytest.NewServer()
	defer srv.Close()

	p := newTestPool(t, Options{})
	p.Connect(context.Background(), []string{srv.WSURL()})

	got := make(chan string, 4)
	p.Subscribe(srv.WSURL(), "sub", models.Filter{}, Handler{
		OnEvent: func(_ string, evt models.RawEvent) { got <- evt.ID },
	})
	waitFor(t, time.Second, func() bool { return len(srv.Requests()) == 1 })

	srv.SendRaw("garbage")
	srv.SendRaw(`["NOTICE","hello"]`)
	srv.SendRaw(`["EVENT","other-sub",{"id":"x","kind":1}]`)
	srv.Publish(relaytest.ZapReceipt("after", "note", "lnbc1n1", "s", 1))

	select {
	case id := <-got:
		if id != "after" {
			t.Fatalf("unexpected event %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event after malformed messages not delivered")
	}
	if st := statusOf(p, srv.WSURL()); st.State != models.RelayConnected {
		t.Fatalf("malformed input must not fail the relay: %+v", st)
	}
}

func TestReadErrorMarksFailedAndNotifies(t *testing.T) {
	srv := relaytest.NewServer()
	defer srv.Close()

	p := newTestPool(t, Options{})
	p.Connect(context.Background(), []string{srv.WSURL()})

	errs := make(chan error, 1)
	p.Subscribe(srv.WSURL(), "sub", models.Filter{}, Handler{
		OnError: func(_ string, err error) { errs <- err },
	})
	waitFor(t, time.Second, func() bool { return len(srv.Requests()) == 1 })
	srv.DropConnections()

	select {
	case err := <-errs:
		if err == nil {
			t.Fatal("expected non-nil error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnError not called")
	}
	st := statusOf(p, srv.WSURL())
	if st.State != models.RelayFailed || st.ErrorCount != 1 {
		t.Fatalf("unexpected status after drop: %+v", st)
	}
}

func TestRefreshStatusRedialsAndResubscribes(t *testing.T) {
	srv := relaytest.NewServer()
	defer srv.Close()

	p := newTestPool(t, Options{RetryDelay: 10 * time.Millisecond, ReconnectRate: 100})
	p.Connect(context.Background(), []string{srv.WSURL()})
	p.Subscribe(srv.WSURL(), "live", models.Filter{}, Handler{})
	waitFor(t, time.Second, func() bool { return len(srv.Requests()) == 1 })

	srv.DropConnections()
	waitFor(t, time.Second, func() bool { return statusOf(p, srv.WSURL()).State == models.RelayFailed })

	statuses, err := p.RefreshStatus(context.Background())
	if err != nil {
		t.Fatalf("RefreshStatus: %v", err)
	}
	if len(statuses) != 1 || statuses[0].State != models.RelayConnected {
		t.Fatalf("relay not redialed: %+v", statuses)
	}
	if statuses[0].ErrorCount != 1 {
		t.Fatalf("error count should survive redial: %+v", statuses[0])
	}
	waitFor(t, time.Second, func() bool {
		reqs := srv.Requests()
		return len(reqs) == 2 && reqs[1] == "live"
	})
}

func TestRefreshStatusPingsConnected(t *testing.T) {
	srv := relaytest.NewServer()
	defer srv.Close()

	p := newTestPool(t, Options{})
	p.Connect(context.Background(), []string{srv.WSURL()})

	statuses, err := p.RefreshStatus(context.Background())
	if err != nil {
		t.Fatalf("RefreshStatus: %v", err)
	}
	if statuses[0].State != models.RelayConnected || statuses[0].LatencyMs < 0 {
		t.Fatalf("unexpected status after ping: %+v", statuses[0])
	}
}

func TestStartHealthCheckRecovers(t *testing.T) {
	srv := relaytest.NewServer()
	defer srv.Close()

	p := newTestPool(t, Options{RetryDelay: 10 * time.Millisecond, ReconnectRate: 100})
	p.Connect(context.Background(), []string{srv.WSURL()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.StartHealthCheck(ctx, 20*time.Millisecond)

	srv.DropConnections()
	waitFor(t, 2*time.Second, func() bool {
		st := statusOf(p, srv.WSURL())
		return st.State == models.RelayConnected && st.ErrorCount == 1
	})
}

func TestDisconnectIsIdempotent(t *testing.T) {
	srv := relaytest.NewServer()
	defer srv.Close()

	p := NewPool(Options{}, nil)
	p.Connect(context.Background(), []string{srv.WSURL()})

	p.Disconnect()
	p.Disconnect()

	for _, st := range p.Status() {
		if st.Connected || st.State != models.RelayDisconnected {
			t.Fatalf("relay still connected after Disconnect: %+v", st)
		}
	}
	if err := p.Connect(context.Background(), []string{srv.WSURL()}); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
	if _, err := p.RefreshStatus(context.Background()); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
	waitFor(t, time.Second, func() bool { return srv.Sessions() == 0 })
}

func TestDisconnectAbortsPendingHandshake(t *testing.T) {
	url := hangingURL(t)
	p := NewPool(Options{ConnectTimeout: 2 * time.Second, OverallTimeout: 3 * time.Second}, nil)

	connected := make(chan struct{})
	go func() {
		defer close(connected)
		p.Connect(context.Background(), []string{url})
	}()
	waitFor(t, time.Second, func() bool { return statusOf(p, url).State == models.RelayConnecting })
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	p.Disconnect()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Disconnect waited %s for the handshake", elapsed)
	}
	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("Connect did not return after Disconnect")
	}

	st := statusOf(p, url)
	if st.State != models.RelayDisconnected || st.Connected || st.ErrorCount != 0 || st.LastError != "" {
		t.Fatalf("endpoint not cleared after Disconnect: %+v", st)
	}
}

func TestDisconnectRacingConnect(t *testing.T) {
	srv := relaytest.NewServer()
	defer srv.Close()

	for i := 0; i < 50; i++ {
		p := NewPool(Options{ConnectTimeout: time.Second}, nil)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			p.Connect(context.Background(), []string{srv.WSURL()})
		}()
		go func() {
			defer wg.Done()
			p.Disconnect()
		}()
		wg.Wait()

		for _, st := range p.Status() {
			if st.Connected || st.State != models.RelayDisconnected {
				t.Fatalf("iteration %d: relay left %s after Disconnect", i, st.State)
			}
		}
	}
	waitFor(t, 2*time.Second, func() bool { return srv.Sessions() == 0 })
}

func TestToNostrFilter(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	f := toNostrFilter(models.ZapFilter("abc", time.Hour, 25, now))
	if len(f.Kinds) != 1 || f.Kinds[0] != models.KindZapReceipt || f.Limit != 25 {
		t.Fatalf("unexpected filter: %+v", f)
	}
	if refs := f.Tags["e"]; len(refs) != 1 || refs[0] != "abc" {
		t.Fatalf("unexpected #e tags: %v", f.Tags)
	}
	if f.Since == nil || int64(*f.Since) != now.Add(-time.Hour).Unix() || f.Until != nil {
		t.Fatalf("unexpected time bounds: since=%v until=%v", f.Since, f.Until)
	}
}
