package dashboard

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"zapflow/logger"
)

// resourceSnapshot is one sample of host usage next to the relay fan-out it
// is serving.
type resourceSnapshot struct {
	Timestamp       time.Time `json:"timestamp"`
	Goroutines      int       `json:"goroutines"`
	RelaysConnected int       `json:"relays_connected"`
	RelaysTotal     int       `json:"relays_total"`
	CPUPercent      float64   `json:"cpu_percent"`
	MemoryUsed      uint64    `json:"memory_used"`
	MemoryTotal     uint64    `json:"memory_total"`
	MemoryPct       float64   `json:"memory_percent"`
	DiskUsed        uint64    `json:"disk_used"`
	DiskTotal       uint64    `json:"disk_total"`
	DiskPct         float64   `json:"disk_percent"`
}

// relayCounter reports connected and configured relay connections across
// every tracked target.
type relayCounter func() (connected, total int)

// Host collectors, replaced in tests.
var (
	cpuPercentFn = func(ctx context.Context, interval time.Duration) ([]float64, error) {
		return cpu.PercentWithContext(ctx, interval, false)
	}
	memoryStatsFn = mem.VirtualMemoryWithContext
	diskUsageFn   = disk.UsageWithContext
)

// resourceSampler records a bounded history of resourceSnapshots. The CPU
// measurement blocks for one interval, which paces the loop.
type resourceSampler struct {
	interval time.Duration
	diskPath string
	relays   relayCounter
	log      *logger.Log

	mu      sync.RWMutex
	history []resourceSnapshot
	limit   int
	cancel  context.CancelFunc
	done    chan struct{}
}

func newResourceSampler(limit int, interval time.Duration, diskPath string, relays relayCounter, log *logger.Log) *resourceSampler {
	if limit <= 0 {
		limit = 200
	}
	if interval <= 0 {
		interval = time.Second
	}
	if diskPath == "" {
		diskPath = "/"
	}
	return &resourceSampler{limit: limit, interval: interval, diskPath: diskPath, relays: relays, log: log}
}

// start launches the loop once; later calls are no-ops until stop.
func (s *resourceSampler) start(ctx context.Context) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
}

func (s *resourceSampler) stop() {
	if s == nil {
		return
	}
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (s *resourceSampler) snapshot() []resourceSnapshot {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]resourceSnapshot(nil), s.history...)
}

func (s *resourceSampler) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	log := s.log.WithComponent("resource_sampler")
	for ctx.Err() == nil {
		snap, err := s.sample(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.WithError(err).Debug("resource sample skipped")
			}
			select {
			case <-ctx.Done():
			case <-time.After(s.interval):
			}
			continue
		}
		s.mu.Lock()
		s.history = bounded(append(s.history, snap), s.limit)
		s.mu.Unlock()
	}
}

func (s *resourceSampler) sample(ctx context.Context) (resourceSnapshot, error) {
	cpuPct, err := cpuPercentFn(ctx, s.interval)
	if err != nil {
		return resourceSnapshot{}, fmt.Errorf("cpu: %w", err)
	}
	vm, err := memoryStatsFn(ctx)
	if err != nil {
		return resourceSnapshot{}, fmt.Errorf("memory: %w", err)
	}
	du, err := diskUsageFn(ctx, s.diskPath)
	if err != nil {
		return resourceSnapshot{}, fmt.Errorf("disk %s: %w", s.diskPath, err)
	}

	snap := resourceSnapshot{
		Timestamp:   time.Now(),
		Goroutines:  runtime.NumGoroutine(),
		MemoryUsed:  vm.Used,
		MemoryTotal: vm.Total,
		MemoryPct:   vm.UsedPercent,
		DiskUsed:    du.Used,
		DiskTotal:   du.Total,
		DiskPct:     du.UsedPercent,
	}
	if len(cpuPct) > 0 {
		snap.CPUPercent = cpuPct[0]
	}
	if s.relays != nil {
		snap.RelaysConnected, snap.RelaysTotal = s.relays()
	}
	return snap, nil
}
