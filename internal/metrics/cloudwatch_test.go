package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"zapflow/logger"
)

const (
	damus  = "wss://relay.damus.io"
	nosLol = "wss://nos.lol"
	note   = "d4f8a9c1e2b3a4d5c6e7f8091a2b3c4d5e6f708192a3b4c5d6e7f8091a2b3c4d"
)

// captureCloudWatch installs a fake client and a fixed clock and returns the
// published batches and a function that moves the clock.
func captureCloudWatch(t *testing.T) (*[][]cwtypes.MetricDatum, func(time.Duration)) {
	t.Helper()
	prevState := cwState.Load()
	cwState.Store(&cloudWatchState{client: &cloudwatch.Client{}})
	t.Cleanup(func() { cwState.Store(prevState) })

	resetMetricPublishTimes()
	t.Cleanup(resetMetricPublishTimes)

	originalInterval := cloudWatchPublishInterval
	cloudWatchPublishInterval = 50 * time.Millisecond
	t.Cleanup(func() { cloudWatchPublishInterval = originalInterval })

	base := time.Now()
	now := base
	timeNow = func() time.Time { return now }
	t.Cleanup(func() { timeNow = time.Now })

	batches := make([][]cwtypes.MetricDatum, 0)
	publishMetricsFunc = func(ctx context.Context, state *cloudWatchState, data []cwtypes.MetricDatum) {
		batches = append(batches, append([]cwtypes.MetricDatum(nil), data...))
	}
	t.Cleanup(func() { publishMetricsFunc = publishMetrics })

	return &batches, func(d time.Duration) { now = base.Add(d) }
}

func relayMetric(relay string) Metric {
	return Metric{
		Component: "session",
		Name:      "relay_events_received",
		Relay:     relay,
		Target:    note,
		Fields: logger.Fields{
			logger.FieldRelay:  relay,
			logger.FieldTarget: note,
			"event_id":         "5c83da77af1dec6d7289834998ad7aafbd9e2191396d75ec3cc27f5a77226f36",
		},
	}
}

func dimensionMap(datum cwtypes.MetricDatum) map[string]string {
	out := make(map[string]string, len(datum.Dimensions))
	for _, d := range datum.Dimensions {
		out[*d.Name] = *d.Value
	}
	return out
}

func TestPublishMetricDatumThrottlesRelaySeries(t *testing.T) {
	batches, advance := captureCloudWatch(t)

	publishMetricDatum(relayMetric(damus), 1)
	advance(25 * time.Millisecond)
	publishMetricDatum(relayMetric(damus), 2)

	if len(*batches) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(*batches))
	}
	datum := (*batches)[0][0]
	if *datum.MetricName != "relay_events_received" || *datum.Value != 1 {
		t.Fatalf("unexpected datum: %s=%v", *datum.MetricName, *datum.Value)
	}
}

func TestPublishMetricDatumRelaysThrottleIndependently(t *testing.T) {
	batches, advance := captureCloudWatch(t)

	publishMetricDatum(relayMetric(damus), 1)
	advance(10 * time.Millisecond)
	publishMetricDatum(relayMetric(nosLol), 1)

	if len(*batches) != 2 {
		t.Fatalf("expected one publish per relay, got %d", len(*batches))
	}
	if got := dimensionMap((*batches)[1][0])[logger.FieldRelay]; got != nosLol {
		t.Fatalf("second publish relay = %q", got)
	}
}

func TestPublishMetricDatumAllowsAfterInterval(t *testing.T) {
	batches, advance := captureCloudWatch(t)

	m := Metric{Component: "processor", Name: "receipts_accepted", Target: note, Fields: logger.Fields{logger.FieldTarget: note}}
	publishMetricDatum(m, 1)
	advance(75 * time.Millisecond)
	publishMetricDatum(m, 2)

	if len(*batches) != 2 {
		t.Fatalf("expected 2 publishes, got %d", len(*batches))
	}
	if v := *(*batches)[1][0].Value; v != 2 {
		t.Fatalf("second value = %v", v)
	}
}

func TestPublishMetricDatumDimensions(t *testing.T) {
	batches, _ := captureCloudWatch(t)

	m := relayMetric(damus)
	m.Fields["reason"] = "bad_bolt11"
	publishMetricDatum(m, 1)

	if len(*batches) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(*batches))
	}
	dims := dimensionMap((*batches)[0][0])
	want := map[string]string{
		logger.FieldComponent: "session",
		logger.FieldRelay:     damus,
		logger.FieldTarget:    note,
		"reason":              "bad_bolt11",
	}
	if len(dims) != len(want) {
		t.Fatalf("dimensions = %v, want %v", dims, want)
	}
	for k, v := range want {
		if dims[k] != v {
			t.Fatalf("dimension %s = %q, want %q", k, dims[k], v)
		}
	}
	if _, ok := dims["event_id"]; ok {
		t.Fatal("event id must not become a dimension")
	}
}
