package models

import "time"

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// GENERAL ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// KindZapReceipt is the event kind relays use for zap receipts.
const KindZapReceipt = 9735

// RawEvent is a protocol event exactly as a relay delivered it.
type RawEvent struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// TagValue returns the value of the first tag named name.
func (e RawEvent) TagValue(name string) (string, bool) {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1], true
		}
	}
	return "", false
}

// RawEventMessage wraps an event with the relay it arrived from.
type RawEventMessage struct {
	Relay      string
	Target     string
	Event      RawEvent
	ReceivedAt time.Time
}

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// PAYMENTS //////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// PaymentRecord is a decoded zap receipt. Records are never mutated once built.
type PaymentRecord struct {
	SourceEventID   string `json:"source_event_id"`
	AmountMillisats int64  `json:"amount_millisats"`
	TimestampMs     int64  `json:"timestamp_ms"`
	SenderKey       string `json:"sender_key,omitempty"`
	Message         string `json:"message"`
	Invoice         string `json:"invoice"`
}

// AmountSats returns the amount rounded down to whole satoshis.
func (p PaymentRecord) AmountSats() int64 {
	return p.AmountMillisats / 1000
}

// PaymentRecordMessage carries a newly accepted record downstream.
type PaymentRecordMessage struct {
	Target     string
	Record     PaymentRecord
	AcceptedAt time.Time
}

// BatchPaymentMessage groups accepted records for export.
type BatchPaymentMessage struct {
	BatchID     string          `json:"batch_id"`
	Target      string          `json:"target"`
	Records     []PaymentRecord `json:"records"`
	RecordCount int             `json:"record_count"`
	Timestamp   time.Time       `json:"timestamp"`
}

// AggregatedStats is derived from the current record set on every read.
// LastPaymentTimestamp is nil when no records exist.
type AggregatedStats struct {
	TotalAmountSats      int64  `json:"total_amount_sats"`
	TotalCount           int    `json:"total_count"`
	RecentCount          int    `json:"recent_count"`
	AverageAmountSats    int64  `json:"average_amount_sats"`
	LastPaymentTimestamp *int64 `json:"last_payment_timestamp,omitempty"`
}
