package metrics

import (
	"strings"
	"sync/atomic"

	"zapflow/config"
)

// Feature names an optional family of emitted metrics.
type Feature string

const (
	FeatureChannelSize Feature = "channel_size"
	FeatureRelayStatus Feature = "relay_status"
)

var (
	channelSizeEnabled atomic.Bool
	relayStatusEnabled atomic.Bool
)

func init() {
	channelSizeEnabled.Store(true)
	relayStatusEnabled.Store(true)
}

// Configure applies the feature toggles from the metrics config section.
func Configure(cfg config.MetricsConfig) {
	channelSizeEnabled.Store(cfg.ChannelSize)
	relayStatusEnabled.Store(cfg.RelayStatus)
}

// IsFeatureEnabled reports whether metrics of the given family are emitted.
func IsFeatureEnabled(f Feature) bool {
	switch f {
	case FeatureChannelSize:
		return channelSizeEnabled.Load()
	case FeatureRelayStatus:
		return relayStatusEnabled.Load()
	default:
		return true
	}
}

// featureForMetric maps a metric name to the feature gating it.
func featureForMetric(name string) (Feature, bool) {
	switch {
	case strings.HasSuffix(name, "_buffer_length"):
		return FeatureChannelSize, true
	case strings.HasPrefix(name, "relay_"):
		return FeatureRelayStatus, true
	default:
		return "", false
	}
}
