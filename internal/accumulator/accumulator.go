// Package accumulator holds the deduplicated set of payment records for a
// target and derives statistics from it.
package accumulator

import (
	"sort"
	"sync"
	"time"

	"zapflow/models"
)

const (
	// DefaultDedupWindow is the rebroadcast tolerance between two receipts
	// with the same sender and amount.
	DefaultDedupWindow = time.Second
	// RecentWindow bounds RecentCount in AggregatedStats.
	RecentWindow = time.Hour
)

// Accumulator is safe for concurrent use. All mutations go through one lock.
type Accumulator struct {
	mu       sync.RWMutex
	records  []models.PaymentRecord // newest first
	ids      map[string]struct{}
	windowMs int64
	now      func() time.Time
}

// Option configures an Accumulator.
type Option func(*Accumulator)

// WithDedupWindow overrides DefaultDedupWindow. Non-positive values disable
// the sender/amount rule, leaving only id dedup.
func WithDedupWindow(d time.Duration) Option {
	return func(a *Accumulator) { a.windowMs = d.Milliseconds() }
}

// WithClock sets the clock used for RecentCount.
func WithClock(now func() time.Time) Option {
	return func(a *Accumulator) {
		if now != nil {
			a.now = now
		}
	}
}

func New(opts ...Option) *Accumulator {
	a := &Accumulator{
		ids:      make(map[string]struct{}),
		windowMs: DefaultDedupWindow.Milliseconds(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Ingest adds rec unless it duplicates a stored record and returns the
// current records, newest first.
func (a *Accumulator) Ingest(rec models.PaymentRecord) []models.PaymentRecord {
	a.Add(rec)
	return a.Records()
}

// Add reports whether rec was stored.
func (a *Accumulator) Add(rec models.PaymentRecord) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.isDuplicateLocked(rec) {
		return false
	}

	// keep newest-first order; equal timestamps keep arrival order
	i := sort.Search(len(a.records), func(i int) bool {
		return a.records[i].TimestampMs < rec.TimestampMs
	})
	a.records = append(a.records, models.PaymentRecord{})
	copy(a.records[i+1:], a.records[i:])
	a.records[i] = rec
	a.ids[rec.SourceEventID] = struct{}{}
	return true
}

func (a *Accumulator) isDuplicateLocked(rec models.PaymentRecord) bool {
	if _, ok := a.ids[rec.SourceEventID]; ok {
		return true
	}
	if a.windowMs <= 0 {
		return false
	}
	for _, existing := range a.records {
		if existing.SenderKey != rec.SenderKey || existing.AmountMillisats != rec.AmountMillisats {
			continue
		}
		diff := existing.TimestampMs - rec.TimestampMs
		if diff < 0 {
			diff = -diff
		}
		if diff < a.windowMs {
			return true
		}
	}
	return false
}

// Records returns a copy of the stored records, newest first.
func (a *Accumulator) Records() []models.PaymentRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]models.PaymentRecord, len(a.records))
	copy(out, a.records)
	return out
}

func (a *Accumulator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.records)
}

// Clear drops every record.
func (a *Accumulator) Clear() {
	a.mu.Lock()
	a.records = nil
	a.ids = make(map[string]struct{})
	a.mu.Unlock()
}

// Stats recomputes AggregatedStats from the current record set.
func (a *Accumulator) Stats() models.AggregatedStats {
	return ComputeStats(a.Records(), a.now())
}

// ComputeStats derives statistics from records as seen at now.
func ComputeStats(records []models.PaymentRecord, now time.Time) models.AggregatedStats {
	if len(records) == 0 {
		return models.AggregatedStats{}
	}

	var sumMsat int64
	var recent int
	last := records[0].TimestampMs
	cutoff := now.Add(-RecentWindow).UnixMilli()
	for _, r := range records {
		sumMsat += r.AmountMillisats
		if r.TimestampMs > cutoff {
			recent++
		}
		if r.TimestampMs > last {
			last = r.TimestampMs
		}
	}

	total := roundDiv(sumMsat, 1000)
	count := len(records)
	return models.AggregatedStats{
		TotalAmountSats:      total,
		TotalCount:           count,
		RecentCount:          recent,
		AverageAmountSats:    roundDiv(total, int64(count)),
		LastPaymentTimestamp: &last,
	}
}

// roundDiv divides non-negative n by d rounding halves up.
func roundDiv(n, d int64) int64 {
	return (2*n + d) / (2 * d)
}
