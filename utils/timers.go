package utils // import "github.com/atriumhq/atrium/utils"

import (
	"sync"
	"time"
)

// StopAndDrainTimer stops a timer and drains its channel if the timer had
// already fired, so the timer value can be garbage collected promptly.
func StopAndDrainTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}

// WaitWithTimeout waits on the provided WaitGroup, but gives up after the
// timeout elapses. Returns true if the WaitGroup finished in time. We use
// this during shutdown so a single stuck goroutine can't wedge the whole
// teardown sequence.
func WaitWithTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		wg.Wait()
	}()

	timer := time.NewTimer(timeout)
	defer StopAndDrainTimer(timer)

	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}
