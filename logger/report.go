package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

// Counters is a snapshot of the process-wide report counters.
type Counters struct {
	ErrorsRelay      int64            `json:"errors_relay"`
	ErrorsPipeline   int64            `json:"errors_pipeline"`
	WarnsRelay       int64            `json:"warns_relay"`
	WarnsPipeline    int64            `json:"warns_pipeline"`
	RelayEvents      int64            `json:"relay_events"`
	ReceiptsAccepted int64            `json:"receipts_accepted"`
	ExportWrites     int64            `json:"export_writes"`
	Channels         map[string]int64 `json:"channels"`
}

var (
	errorsRelay      int64
	errorsPipeline   int64
	warnsRelay       int64
	warnsPipeline    int64
	relayEvents      int64
	receiptsAccepted int64
	exportWrites     int64
	channels         sync.Map // map[string]*channelStat
)

// relay side components; everything else counts as pipeline
func isRelayComponent(component string) bool {
	return strings.HasPrefix(component, "relay") || strings.HasPrefix(component, "subscription")
}

func recordWarn(component string) {
	if isRelayComponent(component) {
		atomic.AddInt64(&warnsRelay, 1)
	} else {
		atomic.AddInt64(&warnsPipeline, 1)
	}
}

func recordError(component string) {
	if isRelayComponent(component) {
		atomic.AddInt64(&errorsRelay, 1)
	} else {
		atomic.AddInt64(&errorsPipeline, 1)
	}
}

func IncrementRelayEvent(size int) {
	atomic.AddInt64(&relayEvents, 1)
	recordChannel("relay_ws", size)
}

func IncrementReceiptAccepted() {
	atomic.AddInt64(&receiptsAccepted, 1)
}

func IncrementExportWrite(size int64) {
	atomic.AddInt64(&exportWrites, 1)
	recordChannel("export_write", int(size))
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// Snapshot returns the current report counters.
func Snapshot() Counters {
	c := Counters{
		ErrorsRelay:      atomic.LoadInt64(&errorsRelay),
		ErrorsPipeline:   atomic.LoadInt64(&errorsPipeline),
		WarnsRelay:       atomic.LoadInt64(&warnsRelay),
		WarnsPipeline:    atomic.LoadInt64(&warnsPipeline),
		RelayEvents:      atomic.LoadInt64(&relayEvents),
		ReceiptsAccepted: atomic.LoadInt64(&receiptsAccepted),
		ExportWrites:     atomic.LoadInt64(&exportWrites),
		Channels:         map[string]int64{},
	}
	channels.Range(func(k, v any) bool {
		c.Channels[k.(string)] = atomic.LoadInt64(&v.(*channelStat).messages)
		return true
	})
	return c
}

// StartReport logs a runtime report every interval until ctx is done.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	netStats, _ := gnet.IOCounters(false)
	counters := Snapshot()

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}
	memUsed := uint64(0)
	if memStats != nil {
		memUsed = memStats.Used
	}
	bytesSent, bytesRecv := uint64(0), uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}
	goroutines := runtime.NumGoroutine()

	log.WithComponent("report").WithFields(Fields{
		"errors_relay":      counters.ErrorsRelay,
		"errors_pipeline":   counters.ErrorsPipeline,
		"warns_relay":       counters.WarnsRelay,
		"warns_pipeline":    counters.WarnsPipeline,
		"relay_events":      counters.RelayEvents,
		"receipts_accepted": counters.ReceiptsAccepted,
		"export_writes":     counters.ExportWrites,
		"channels":          counters.Channels,
		"goroutines":        goroutines,
		"cpu_percent":       cpuPct,
		"memory_mb":         int64(memUsed) / 1024 / 1024,
		"net_bytes_sent":    int64(bytesSent),
		"net_bytes_recv":    int64(bytesRecv),
	}).Info("runtime report")

	count := func(name string, v int64) cwtypes.MetricDatum {
		return cwtypes.MetricDatum{MetricName: aws.String(name), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(v))}
	}
	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memUsed) / 1024 / 1024)},
		{MetricName: aws.String("NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		{MetricName: aws.String("NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
		count("Goroutines", int64(goroutines)),
		count("ErrorsRelay", counters.ErrorsRelay),
		count("ErrorsPipeline", counters.ErrorsPipeline),
		count("WarnsRelay", counters.WarnsRelay),
		count("WarnsPipeline", counters.WarnsPipeline),
		count("RelayEvents", counters.RelayEvents),
		count("ReceiptsAccepted", counters.ReceiptsAccepted),
		count("ExportWrites", counters.ExportWrites),
	}
	for name, messages := range counters.Channels {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String("ChannelMessages"),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
			Value:      aws.Float64(float64(messages)),
		})
	}

	publishMetrics(ctx, data)
}
