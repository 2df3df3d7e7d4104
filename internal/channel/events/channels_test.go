package events

import (
	"context"
	"testing"

	"zapflow/models"
)

func TestChannelsStats(t *testing.T) {
	ch := NewChannels(2, 2)
	ch.IncrementRawSent()
	ch.IncrementRecordsSent()
	ch.IncrementRawOverflow()
	ch.IncrementRecordsDropped()
	stats := ch.GetStats()
	if stats.RawSent != 1 || stats.RecordsSent != 1 || stats.RawOverflow != 1 || stats.RecordsDropped != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestSendRawRejectsWhenFull(t *testing.T) {
	ch := NewChannels(1, 1)
	ctx := context.Background()
	if !ch.SendRaw(ctx, models.RawEventMessage{Relay: "a"}) {
		t.Fatal("first send should succeed")
	}
	if ch.SendRaw(ctx, models.RawEventMessage{Relay: "b"}) {
		t.Fatal("second send should be rejected")
	}
	stats := ch.GetStats()
	if stats.RawSent != 1 || stats.RawOverflow != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if got := <-ch.Raw; got.Relay != "a" {
		t.Fatalf("unexpected message: %+v", got)
	}
}

func TestSendRecordHonoursCancelledContext(t *testing.T) {
	ch := NewChannels(1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if ch.SendRecord(ctx, models.PaymentRecordMessage{Target: "t"}) {
		t.Fatal("send on cancelled context should fail")
	}
	if stats := ch.GetStats(); stats.RecordsDropped != 0 {
		t.Fatalf("cancelled send must not count as a drop: %+v", stats)
	}
}

func TestChannelsCloseIdempotent(t *testing.T) {
	ch := NewChannels(1, 1)
	ch.Close()
	ch.Close()
}
