// Package metrics keeps lightweight in-process counters and periodic
// host readings. Counters feed the structured logs; there is no external
// metrics backend.
package metrics // import "github.com/atriumhq/atrium/host-service/metrics"

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	logger "github.com/atriumhq/atrium/atriumlogger"
)

var (
	countersLock sync.Mutex
	counters     = map[string]int64{}
)

// Increment bumps a named counter by one.
func Increment(name string) {
	Add(name, 1)
}

// Add bumps a named counter by n.
func Add(name string, n int64) {
	countersLock.Lock()
	defer countersLock.Unlock()
	counters[name] += n
}

// Snapshot returns a copy of all counters.
func Snapshot() map[string]int64 {
	countersLock.Lock()
	defer countersLock.Unlock()

	snapshot := make(map[string]int64, len(counters))
	for name, value := range counters {
		snapshot[name] = value
	}
	return snapshot
}

// RuntimeMetrics is one periodic reading of host health.
type RuntimeMetrics struct {
	UsedMemoryKB    uint64
	FreeMemoryKB    uint64
	CPUUsagePercent float64
	LoadAverage1Min float64
}

func collectRuntimeMetrics() RuntimeMetrics {
	var m RuntimeMetrics
	if vm, err := mem.VirtualMemory(); err == nil {
		m.UsedMemoryKB = vm.Used / 1024
		m.FreeMemoryKB = vm.Available / 1024
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		m.CPUUsagePercent = percents[0]
	}
	if avg, err := load.Avg(); err == nil {
		m.LoadAverage1Min = avg.Load1
	}
	return m
}

func logMetrics() {
	m := collectRuntimeMetrics()

	snapshot := Snapshot()
	names := make([]string, 0, len(snapshot))
	for name := range snapshot {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := []interface{}{
		"used_memory_kb", m.UsedMemoryKB,
		"free_memory_kb", m.FreeMemoryKB,
		"cpu_usage_percent", m.CPUUsagePercent,
		"load_average_1min", m.LoadAverage1Min,
	}
	for _, name := range names {
		fields = append(fields, name, snapshot[name])
	}
	logger.Infow("Host metrics", fields...)
}

// StartCollectionGoroutine logs host metrics and counters on a jittered
// ~60s interval until the context is cancelled.
func StartCollectionGoroutine(ctx context.Context, goroutineTracker *sync.WaitGroup) {
	goroutineTracker.Add(1)
	go func() {
		defer goroutineTracker.Done()
		defer logger.Infof("Finished metrics collection goroutine.")

		for {
			sleepTime := 60000 - rand.Intn(10001)
			timer := time.NewTimer(time.Duration(sleepTime) * time.Millisecond)

			select {
			case <-ctx.Done():
				if !timer.Stop() {
					<-timer.C
				}
				return
			case <-timer.C:
				logMetrics()
			}
		}
	}()
}
