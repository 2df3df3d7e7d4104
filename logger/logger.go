package logger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Field keys shared by every component. The dashboard log store and the
// CloudWatch publisher index on them.
const (
	FieldComponent    = "component"
	FieldRelay        = "relay"
	FieldTarget       = "target"
	FieldSubscription = "subscription"
)

// Fields mirrors logrus.Fields.
type Fields map[string]interface{}

// Log wraps logrus.Logger.
type Log struct {
	*logrus.Logger
}

// Entry wraps logrus.Entry so Warn and Error feed the runtime report.
type Entry struct {
	*logrus.Entry
}

var globalLogger *Log

func init() {
	globalLogger = Logger()
}

// Logger builds a JSON logger whose level comes from LOG_LEVEL.
func Logger() *Log {
	l := &Log{Logger: logrus.New()}
	l.SetReportCaller(true)

	lvl, err := parseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	f, _ := newFormatter("json")
	l.SetFormatter(f)
	l.AddHook(&callerHook{})
	return l
}

func GetLogger() *Log {
	return globalLogger
}

// parseLevel accepts logrus levels plus "report", which logs at info and
// turns on the periodic runtime report. Empty means info.
func parseLevel(level string) (logrus.Level, error) {
	level = strings.ToLower(strings.TrimSpace(level))
	switch level {
	case "", "report":
		return logrus.InfoLevel, nil
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return 0, fmt.Errorf("invalid log level '%s'", level)
	}
	return lvl, nil
}

func newFormatter(format string) (logrus.Formatter, error) {
	prettyCaller := func(f *runtime.Frame) (string, string) {
		return "", fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
	}
	switch format {
	case "json":
		return &logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
			CallerPrettyfier: prettyCaller,
		}, nil
	case "text":
		return &logrus.TextFormatter{
			FullTimestamp:    true,
			TimestampFormat:  time.RFC3339,
			CallerPrettyfier: prettyCaller,
		}, nil
	default:
		return nil, fmt.Errorf("invalid log format '%s'", format)
	}
}

func (l *Log) entry() *Entry { return &Entry{Entry: logrus.NewEntry(l.Logger)} }

func (l *Log) WithComponent(component string) *Entry { return l.entry().WithComponent(component) }
func (l *Log) WithFields(fields Fields) *Entry       { return l.entry().WithFields(fields) }
func (l *Log) WithError(err error) *Entry            { return l.entry().WithError(err) }
func (l *Log) WithEnv(envs ...string) *Entry         { return l.entry().WithEnv(envs...) }
func (l *Log) WithRelay(url string) *Entry           { return l.entry().WithRelay(url) }
func (l *Log) WithTarget(target string) *Entry       { return l.entry().WithTarget(target) }

func (e *Entry) WithComponent(component string) *Entry {
	return &Entry{Entry: e.Entry.WithField(FieldComponent, component)}
}

func (e *Entry) WithFields(fields Fields) *Entry {
	return &Entry{Entry: e.Entry.WithFields(logrus.Fields(fields))}
}

func (e *Entry) WithError(err error) *Entry {
	return &Entry{Entry: e.Entry.WithError(err)}
}

// WithEnv attaches the current value of each environment variable.
func (e *Entry) WithEnv(envs ...string) *Entry {
	fields := make(logrus.Fields, len(envs))
	for _, env := range envs {
		fields[env] = os.Getenv(env)
	}
	return &Entry{Entry: e.Entry.WithFields(fields)}
}

// WithRelay scopes the entry to one relay URL.
func (e *Entry) WithRelay(url string) *Entry {
	return &Entry{Entry: e.Entry.WithField(FieldRelay, url)}
}

// WithTarget scopes the entry to one tracked note.
func (e *Entry) WithTarget(target string) *Entry {
	return &Entry{Entry: e.Entry.WithField(FieldTarget, target)}
}

// WithSubscription scopes the entry to one relay subscription id.
func (e *Entry) WithSubscription(id string) *Entry {
	return &Entry{Entry: e.Entry.WithField(FieldSubscription, id)}
}

func (e *Entry) component() (string, bool) {
	c, ok := e.Entry.Data[FieldComponent].(string)
	return c, ok
}

func (e *Entry) Info(args ...interface{})  { e.Entry.Info(args...) }
func (e *Entry) Debug(args ...interface{}) { e.Entry.Debug(args...) }

func (e *Entry) Warn(args ...interface{}) {
	if c, ok := e.component(); ok {
		recordWarn(c)
	}
	e.Entry.Warn(args...)
}

func (e *Entry) Error(args ...interface{}) {
	if c, ok := e.component(); ok {
		recordError(c)
	}
	e.Entry.Error(args...)
}

// metricDimensions are the string fields forwarded to CloudWatch. Anything
// else (event ids, counts) would explode the dimension cardinality.
var metricDimensions = []string{FieldRelay, FieldTarget, "stage", "reason"}

// LogMetric logs a metric and publishes numeric values to CloudWatch.
func (e *Entry) LogMetric(component string, metric string, value interface{}, metricType string, fields Fields) {
	if fields == nil {
		fields = make(Fields)
	}
	if metricType == "" {
		metricType = "counter"
	}
	fields["metric"] = metric
	fields["value"] = value
	fields["metric_type"] = metricType

	e.WithComponent(component).WithFields(fields).Info("metric")

	val, ok := toFloat(value)
	if !ok {
		return
	}
	publishMetrics(context.Background(), []cwtypes.MetricDatum{{
		MetricName: aws.String(metric),
		Dimensions: dimensionsFor(component, fields),
		Unit:       unitFor(metric),
		Value:      aws.Float64(val),
	}})
}

func (l *Log) LogMetric(component string, metric string, value interface{}, metricType string, fields Fields) {
	l.WithComponent(component).LogMetric(component, metric, value, metricType, fields)
}

func toFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}

func dimensionsFor(component string, fields Fields) []cwtypes.Dimension {
	dims := []cwtypes.Dimension{{Name: aws.String(FieldComponent), Value: aws.String(component)}}
	for _, key := range metricDimensions {
		if s, ok := fields[key].(string); ok && s != "" {
			dims = append(dims, cwtypes.Dimension{Name: aws.String(key), Value: aws.String(s)})
		}
	}
	return dims
}

func unitFor(metric string) cwtypes.StandardUnit {
	switch {
	case strings.HasSuffix(metric, "_ms"):
		return cwtypes.StandardUnitMilliseconds
	case strings.HasSuffix(metric, "_bytes"), strings.HasPrefix(metric, "bytes_"):
		return cwtypes.StandardUnitBytes
	default:
		return cwtypes.StandardUnitCount
	}
}

// Configure applies the logging section. LOG_LEVEL overrides level.
func (l *Log) Configure(level string, format string, output string, maxAge int) error {
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		level = env
	}
	if strings.TrimSpace(level) == "" {
		return fmt.Errorf("invalid log level '%s'", level)
	}
	lvl, err := parseLevel(level)
	if err != nil {
		return err
	}
	formatter, err := newFormatter(format)
	if err != nil {
		return err
	}

	l.SetLevel(lvl)
	l.SetReportCaller(true)
	l.SetFormatter(formatter)

	switch output {
	case "stdout", "":
		l.SetOutput(os.Stdout)
	case "stderr":
		l.SetOutput(os.Stderr)
	default:
		if maxAge > 0 {
			l.SetOutput(&lumberjack.Logger{
				Filename: output,
				MaxAge:   maxAge,
				MaxSize:  100,
				Compress: true,
			})
			return nil
		}
		file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
		if err != nil {
			return fmt.Errorf("failed to open log file '%s': %w", output, err)
		}
		l.SetOutput(file)
	}
	return nil
}

// LogPerformanceEntry logs how long operation took under component.
func LogPerformanceEntry(entry *Entry, component string, operation string, duration time.Duration, fields Fields) {
	if fields == nil {
		fields = make(Fields)
	}
	fields["duration_ms"] = float64(duration.Nanoseconds()) / 1e6
	fields["operation"] = operation

	entry.WithFields(fields).WithComponent(component).Info("performance metric")
}

// LogDataFlowEntry logs a hop of recordCount items between two stages.
func LogDataFlowEntry(entry *Entry, source string, destination string, recordCount int, dataType string) {
	entry.WithFields(Fields{
		"source":       source,
		"destination":  destination,
		"record_count": recordCount,
		"data_type":    dataType,
		"flow_type":    "data_flow",
	}).Info("data flow metric")
}
