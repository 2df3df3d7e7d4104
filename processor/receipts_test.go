package processor

import (
	"context"
	"testing"
	"time"

	appconfig "zapflow/config"
	"zapflow/internal/accumulator"
	"zapflow/internal/channel/events"
	"zapflow/internal/relay/relaytest"
	"zapflow/models"
)

const target = "d4f8c0a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d"

func minimalConfig() *appconfig.Config {
	return &appconfig.Config{
		Processor: appconfig.ProcessorConfig{MaxWorkers: 2},
	}
}

func newProcessor(t *testing.T, cfg *appconfig.Config, acc *accumulator.Accumulator, ch *events.Channels) *ReceiptProcessor {
	t.Helper()
	p := NewReceiptProcessor(cfg, ch, nil)
	if err := p.Register(target, acc); err != nil {
		t.Fatalf("register: %v", err)
	}
	return p
}

func TestReceiptProcessorStartStop(t *testing.T) {
	ch := events.NewChannels(1, 1)
	p := newProcessor(t, minimalConfig(), accumulator.New(), ch)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.Start(ctx); err == nil {
		t.Fatalf("expected error on second start")
	}
	p.Stop()
	p.Stop()
}

func TestProcessCountsOutcomes(t *testing.T) {
	ch := events.NewChannels(1, 4)
	acc := accumulator.New()
	p := newProcessor(t, minimalConfig(), acc, ch)
	ctx := context.Background()

	good := relaytest.ZapReceipt("e1", target, "lnbc500n1pxyz", "alice", 1_700_000_000)
	noInvoice := models.RawEvent{ID: "e2", Kind: models.KindZapReceipt, Tags: [][]string{{"description", "{}"}}}

	if !p.Process(ctx, models.RawEventMessage{Target: target, Event: good}) {
		t.Fatal("valid receipt not accepted")
	}
	if p.Process(ctx, models.RawEventMessage{Target: target, Event: good}) {
		t.Fatal("duplicate receipt accepted")
	}
	if p.Process(ctx, models.RawEventMessage{Target: target, Event: noInvoice}) {
		t.Fatal("receipt without bolt11 accepted")
	}

	stats := p.Stats()
	if stats.EventsProcessed != 3 || stats.RecordsAccepted != 1 || stats.Duplicates != 1 || stats.Skipped != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	recs := acc.Records()
	if len(recs) != 1 || recs[0].AmountMillisats != 50_000 || recs[0].SenderKey != "alice" {
		t.Fatalf("unexpected records: %+v", recs)
	}
	// export disabled
	if len(ch.Records) != 0 || stats.RecordsForwarded != 0 {
		t.Fatalf("records forwarded while writer disabled")
	}
}

func TestProcessForwardsWhenWriterEnabled(t *testing.T) {
	cfg := minimalConfig()
	cfg.Writer.Enabled = true
	ch := events.NewChannels(1, 1)
	p := newProcessor(t, cfg, accumulator.New(), ch)
	ctx := context.Background()

	p.Process(ctx, models.RawEventMessage{Relay: "wss://r", Target: target, Event: relaytest.ZapReceipt("e1", target, "lnbc1u1", "a", 1)})
	p.Process(ctx, models.RawEventMessage{Relay: "wss://r", Target: target, Event: relaytest.ZapReceipt("e2", target, "lnbc2u1", "b", 2)})

	select {
	case msg := <-ch.Records:
		if msg.Target != target || msg.Record.SourceEventID != "e1" {
			t.Fatalf("unexpected forwarded record: %+v", msg)
		}
	default:
		t.Fatal("record not forwarded")
	}
	if got := ch.GetStats(); got.RecordsSent != 1 || got.RecordsDropped != 1 {
		t.Fatalf("unexpected channel stats: %+v", got)
	}
	if p.Stats().RecordsForwarded != 1 {
		t.Fatalf("unexpected forwarded count: %+v", p.Stats())
	}
}

func TestWorkersDrainRawChannel(t *testing.T) {
	ch := events.NewChannels(8, 1)
	acc := accumulator.New()
	p := newProcessor(t, minimalConfig(), acc, ch)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop()

	ch.SendRaw(ctx, models.RawEventMessage{Target: target, Event: relaytest.ZapReceipt("e1", target, "lnbc10n1", "a", 10)})
	ch.SendRaw(ctx, models.RawEventMessage{Target: target, Event: relaytest.ZapReceipt("e2", target, "lnbc20n1", "b", 20)})
	ch.SendRaw(ctx, models.RawEventMessage{Target: target, Event: models.RawEvent{ID: "note", Kind: 1}})

	deadline := time.Now().Add(2 * time.Second)
	for p.Stats().EventsProcessed < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("workers did not drain the channel: %+v", p.Stats())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if acc.Len() != 2 {
		t.Fatalf("expected 2 records, got %d", acc.Len())
	}
}

func TestProcessBatch(t *testing.T) {
	acc := accumulator.New()
	p := newProcessor(t, minimalConfig(), acc, events.NewChannels(1, 1))
	evts := []models.RawEvent{
		relaytest.ZapReceipt("e1", target, "lnbc10n1", "a", 10),
		relaytest.ZapReceipt("e1", target, "lnbc10n1", "a", 10),
		relaytest.ZapReceipt("e2", target, "lnbc10n1", "a", 10),
		relaytest.ZapReceipt("e3", target, "lnbc10n1", "b", 10),
	}
	// e2 collapses into e1: same sender and amount within a second
	if got := p.ProcessBatch(context.Background(), target, "", evts); got != 2 {
		t.Fatalf("accepted = %d, want 2", got)
	}
}

func TestRegisterRoutesByTarget(t *testing.T) {
	first, second := accumulator.New(), accumulator.New()
	p := newProcessor(t, minimalConfig(), first, events.NewChannels(1, 1))
	if err := p.Register(target, accumulator.New()); err == nil {
		t.Fatal("expected error registering a target twice")
	}
	const other = "0000000000000000000000000000000000000000000000000000000000000001"
	if err := p.Register(other, second); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx := context.Background()
	p.Process(ctx, models.RawEventMessage{Target: target, Event: relaytest.ZapReceipt("e1", target, "lnbc10n1", "a", 10)})
	p.Process(ctx, models.RawEventMessage{Target: other, Event: relaytest.ZapReceipt("e2", other, "lnbc10n1", "a", 10)})
	if first.Len() != 1 || second.Len() != 1 {
		t.Fatalf("records not routed per target: %d %d", first.Len(), second.Len())
	}

	p.Unregister(other)
	if p.Process(ctx, models.RawEventMessage{Target: other, Event: relaytest.ZapReceipt("e3", other, "lnbc10n1", "b", 10)}) {
		t.Fatal("event accepted for unregistered target")
	}
	if st := p.Stats(); st.Targets != 1 || st.Skipped != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}
