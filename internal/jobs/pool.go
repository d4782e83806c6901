package jobs

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// slotPoll bounds how long a submission waits for a worker slot before
// re-checking the cancel/pause probes, so interruption is observed within
// this latency even when the pool is saturated.
const slotPoll = 250 * time.Millisecond

// PoolProbes are polled between submissions. Cancelled stops submission
// and reports the remainder; Paused stops submission quietly. In-flight
// tasks always run to completion either way.
type PoolProbes struct {
	Cancelled func() bool
	Paused    func() bool
}

func (p PoolProbes) cancelled() bool { return p.Cancelled != nil && p.Cancelled() }
func (p PoolProbes) paused() bool    { return p.Paused != nil && p.Paused() }

// RunPool processes indices with at most limit concurrent tasks,
// submitting incrementally. It returns the indices that were never
// submitted (because of cancel, pause or context end) after all
// in-flight tasks have finished.
//
// A panicking task is reported through onPanic and never takes the pool
// down with it.
func RunPool(ctx context.Context, indices []int, limit int, probes PoolProbes, task func(ctx context.Context, index int), onPanic func(index int, recovered any)) []int {
	if limit < 1 {
		limit = 1
	}

	sem := semaphore.NewWeighted(int64(limit))
	var wg sync.WaitGroup
	var remaining []int

	for pos, index := range indices {
		stopped := false
		for {
			if probes.cancelled() || probes.paused() || ctx.Err() != nil {
				stopped = true
				break
			}
			slotCtx, cancel := context.WithTimeout(ctx, slotPoll)
			err := sem.Acquire(slotCtx, 1)
			cancel()
			if err == nil {
				break
			}
			// Timed out waiting for a slot; go around and re-check.
		}
		if stopped {
			remaining = append(remaining, indices[pos:]...)
			break
		}

		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			defer sem.Release(1)
			defer func() {
				if r := recover(); r != nil && onPanic != nil {
					onPanic(index, r)
				}
			}()
			task(ctx, index)
		}(index)
	}

	wg.Wait()
	return remaining
}
