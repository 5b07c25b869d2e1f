package dbdriver // import "github.com/atriumhq/atrium/dbdriver"

import (
	"context"
	"math/rand"
	"os"
	"time"

	"github.com/atriumhq/atrium/utils"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	logger "github.com/atriumhq/atrium/atriumlogger"
)

// WriteHeartbeat updates the host's row with the latest readings about
// this VPS. Operators use it to spot a wedged host before users do.
func (c *Client) WriteHeartbeat(ctx context.Context) error {
	hostname, err := os.Hostname()
	if err != nil {
		return utils.MakeError("couldn't write heartbeat: couldn't get hostname: %s", err)
	}

	var memoryUsedMB int64
	if vm, err := mem.VirtualMemory(); err == nil {
		memoryUsedMB = int64(vm.Used / 1024 / 1024)
	}

	var cpuPercent float64
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		cpuPercent = percents[0]
	}

	_, err = c.pool.Exec(ctx,
		`INSERT INTO host_heartbeats (hostname, last_heartbeat, memory_used_mb, cpu_percent)
		 VALUES ($1, now(), $2, $3)
		 ON CONFLICT (hostname) DO UPDATE SET
		     last_heartbeat = now(),
		     memory_used_mb = EXCLUDED.memory_used_mb,
		     cpu_percent = EXCLUDED.cpu_percent`,
		hostname, memoryUsedMB, cpuPercent)
	if err != nil {
		return utils.MakeError("couldn't write heartbeat for host %s: %s", hostname, err)
	}
	return nil
}

// HeartbeatGoroutine writes heartbeats until the context is cancelled.
// Instead of running exactly every minute, we choose a random time in the
// range [55, 65] seconds to prevent several services on one host from
// repeatedly crowding the database at the same instant.
func (c *Client) HeartbeatGoroutine(ctx context.Context) {
	defer logger.Infof("Finished heartbeat goroutine.")

	if err := c.WriteHeartbeat(ctx); err != nil {
		logger.Errorf("Error writing initial heartbeat: %s", err)
	}

	// Buffered so the AfterFunc callback can't block forever if the timer
	// fires in the same instant the context is cancelled.
	timerChan := make(chan struct{}, 1)
	for {
		sleepTime := 60000 - rand.Intn(10001)
		timer := time.AfterFunc(time.Duration(sleepTime)*time.Millisecond, func() { timerChan <- struct{}{} })

		select {
		case <-ctx.Done():
			utils.StopAndDrainTimer(timer)
			return

		case <-timerChan:
			if err := c.WriteHeartbeat(ctx); err != nil {
				logger.Errorf("Error writing heartbeat: %s", err)
			}
		}
	}
}
