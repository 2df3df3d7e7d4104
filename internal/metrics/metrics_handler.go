package metrics

import (
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"zapflow/logger"
)

// Metric is one emitted measurement. Relay and Target are lifted out of the
// fields so consumers can index by them; Fields keeps them as well.
type Metric struct {
	Timestamp time.Time
	Component string
	Name      string
	Value     interface{}
	Type      string
	Relay     string
	Target    string
	Fields    logger.Fields
}

// Scoped reports whether the metric belongs to a relay or a target.
func (m Metric) Scoped() bool { return m.Relay != "" || m.Target != "" }

// MetricHandler consumes emitted metrics. Handlers run on the emitting
// goroutine.
type MetricHandler func(Metric)

// MetricHandlerID identifies a registered handler. Zero is never issued.
type MetricHandlerID uint64

var (
	metricHandlers      = xsync.NewMap[MetricHandlerID, MetricHandler]()
	nextMetricHandlerID atomic.Uint64
)

// RegisterMetricHandler subscribes handler to every emitted metric. A nil
// handler is ignored and yields zero.
func RegisterMetricHandler(handler MetricHandler) MetricHandlerID {
	if handler == nil {
		return 0
	}
	id := MetricHandlerID(nextMetricHandlerID.Add(1))
	metricHandlers.Store(id, handler)
	return id
}

func UnregisterMetricHandler(id MetricHandlerID) {
	if id != 0 {
		metricHandlers.Delete(id)
	}
}

// recordMetric logs the metric, hands it to every handler and returns it.
// Unnamed metrics and metrics of a disabled feature are dropped.
func recordMetric(log *logger.Log, component, name string, value interface{}, metricType string, fields logger.Fields) (Metric, bool) {
	if name == "" {
		return Metric{}, false
	}
	if feature, gated := featureForMetric(name); gated && !IsFeatureEnabled(feature) {
		return Metric{}, false
	}
	if metricType == "" {
		metricType = "counter"
	}
	if log == nil {
		log = logger.GetLogger()
	}

	m := Metric{
		Timestamp: time.Now(),
		Component: component,
		Name:      name,
		Value:     value,
		Type:      metricType,
		Fields:    make(logger.Fields, len(fields)),
	}
	for k, v := range fields {
		m.Fields[k] = v
	}
	m.Relay, _ = m.Fields[logger.FieldRelay].(string)
	m.Target, _ = m.Fields[logger.FieldTarget].(string)

	entry := log.WithComponent(component).WithFields(m.Fields).WithFields(logger.Fields{
		"metric":      name,
		"metric_type": metricType,
		"value":       value,
	})
	entry.Info("metric")

	metricHandlers.Range(func(_ MetricHandlerID, h MetricHandler) bool {
		h(m)
		return true
	})
	return m, true
}
