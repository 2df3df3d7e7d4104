package dashboard

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"zapflow/internal/metrics"
	"zapflow/logger"
)

// bounded keeps the newest limit items.
func bounded[T any](items []T, limit int) []T {
	if len(items) <= limit {
		return items
	}
	return append([]T(nil), items[len(items)-limit:]...)
}

// scope matches records against one tracked target. A target is known by its
// configured name in logs and by its note id in metrics, so both are kept.
type scope struct {
	keys  []string
	relay string
}

func (sc scope) matches(target, relay string) bool {
	if sc.relay != "" && sc.relay != relay {
		return false
	}
	if len(sc.keys) == 0 {
		return true
	}
	for _, k := range sc.keys {
		if k != "" && k == target {
			return true
		}
	}
	return false
}

// metricStore keeps the recent metric stream, a history per target and the
// latest value of every metric per relay.
type metricStore struct {
	mu       sync.RWMutex
	recent   []metrics.Metric
	byTarget map[string][]metrics.Metric
	byRelay  map[string]map[string]metrics.Metric
	limit    int
}

func newMetricStore(limit int) *metricStore {
	if limit <= 0 {
		limit = 200
	}
	return &metricStore{
		limit:    limit,
		byTarget: make(map[string][]metrics.Metric),
		byRelay:  make(map[string]map[string]metrics.Metric),
	}
}

func (s *metricStore) handle(m metrics.Metric) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recent = bounded(append(s.recent, m), s.limit)
	if m.Target != "" {
		s.byTarget[m.Target] = bounded(append(s.byTarget[m.Target], m), s.limit)
	}
	if m.Relay != "" {
		latest, ok := s.byRelay[m.Relay]
		if !ok {
			latest = make(map[string]metrics.Metric)
			s.byRelay[m.Relay] = latest
		}
		latest[m.Name] = m
	}
}

// snapshot returns the metrics in scope, oldest first.
func (s *metricStore) snapshot(sc scope) []metrics.Metric {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(sc.keys) == 0 {
		return filterMetrics(s.recent, sc)
	}
	var out []metrics.Metric
	for _, k := range sc.keys {
		out = append(out, filterMetrics(s.byTarget[k], sc)...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func filterMetrics(items []metrics.Metric, sc scope) []metrics.Metric {
	out := make([]metrics.Metric, 0, len(items))
	for _, m := range items {
		if sc.relay == "" || m.Relay == sc.relay {
			out = append(out, m)
		}
	}
	return out
}

// relay returns the latest value of each metric reported for url, keyed by
// metric name. Metrics scoped to another target are skipped when targets is
// non-empty.
func (s *metricStore) relay(url string, targets ...string) map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sc := scope{keys: targets}
	out := make(map[string]interface{})
	for name, m := range s.byRelay[url] {
		if m.Target == "" || sc.matches(m.Target, url) {
			out[name] = m.Value
		}
	}
	return out
}

type logRecord struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Target    string                 `json:"target,omitempty"`
	Relay     string                 `json:"relay,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// logStore is a logrus hook retaining the most recent entries of the
// application logger.
type logStore struct {
	mu      sync.RWMutex
	items   []logRecord
	limit   int
	enabled atomic.Bool
}

func newLogStore(limit int) *logStore {
	if limit <= 0 {
		limit = 200
	}
	ls := &logStore{limit: limit}
	ls.enabled.Store(true)
	return ls
}

func (s *logStore) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (s *logStore) Fire(entry *logrus.Entry) error {
	if !s.enabled.Load() {
		return nil
	}

	record := logRecord{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
	}
	for k, v := range entry.Data {
		switch k {
		case logger.FieldComponent:
			record.Component, _ = v.(string)
			continue
		case logger.FieldTarget:
			record.Target, _ = v.(string)
			continue
		case logger.FieldRelay:
			record.Relay, _ = v.(string)
			continue
		}
		if record.Fields == nil {
			record.Fields = make(map[string]interface{}, len(entry.Data))
		}
		switch val := v.(type) {
		case error:
			record.Fields[k] = val.Error()
		case fmt.Stringer:
			record.Fields[k] = val.String()
		default:
			record.Fields[k] = val
		}
	}

	s.mu.Lock()
	s.items = bounded(append(s.items, record), s.limit)
	s.mu.Unlock()
	return nil
}

// snapshot returns the records in scope at or above minLevel. An empty
// minLevel keeps every level.
func (s *logStore) snapshot(sc scope, minLevel string) []logRecord {
	threshold := logrus.TraceLevel
	if lvl, err := logrus.ParseLevel(strings.TrimSpace(minLevel)); err == nil {
		threshold = lvl
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]logRecord, 0, len(s.items))
	for _, r := range s.items {
		if !sc.matches(r.Target, r.Relay) {
			continue
		}
		if lvl, err := logrus.ParseLevel(r.Level); err == nil && lvl > threshold {
			continue
		}
		out = append(out, r)
	}
	return out
}

func (s *logStore) close() {
	s.enabled.Store(false)
}
