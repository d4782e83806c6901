package jobs

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunPoolBoundsConcurrency(t *testing.T) {
	var current, peak int64
	indices := make([]int, 20)
	for i := range indices {
		indices[i] = i
	}

	remaining := RunPool(context.Background(), indices, 3, PoolProbes{}, func(_ context.Context, _ int) {
		n := atomic.AddInt64(&current, 1)
		for {
			p := atomic.LoadInt64(&peak)
			if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt64(&current, -1)
	}, nil)

	if len(remaining) != 0 {
		t.Fatalf("remaining = %v, want none", remaining)
	}
	if p := atomic.LoadInt64(&peak); p > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", p)
	}
}

func TestRunPoolStopsSubmittingOnPause(t *testing.T) {
	var paused atomic.Bool
	started := make(chan int, 4)
	release := make(chan struct{})
	var ran sync.Map

	done := make(chan []int, 1)
	go func() {
		done <- RunPool(context.Background(), []int{0, 1, 2, 3}, 2, PoolProbes{
			Paused: paused.Load,
		}, func(_ context.Context, idx int) {
			started <- idx
			<-release
			ran.Store(idx, true)
		}, nil)
	}()

	// Wait for both slots to fill, then request the pause.
	<-started
	<-started
	paused.Store(true)
	close(release)

	remaining := <-done
	if len(remaining) != 2 {
		t.Fatalf("remaining = %v, want 2 unsubmitted indices", remaining)
	}
	for _, idx := range []int{0, 1} {
		if _, ok := ran.Load(idx); !ok {
			t.Errorf("in-flight chunk %d should have run to completion", idx)
		}
	}
	for _, idx := range remaining {
		if _, ok := ran.Load(idx); ok {
			t.Errorf("chunk %d ran after pause", idx)
		}
	}
}

func TestRunPoolStopsSubmittingOnCancel(t *testing.T) {
	var cancelled atomic.Bool
	cancelled.Store(true)

	var ranAny atomic.Bool
	remaining := RunPool(context.Background(), []int{0, 1, 2}, 2, PoolProbes{
		Cancelled: cancelled.Load,
	}, func(_ context.Context, _ int) {
		ranAny.Store(true)
	}, nil)

	if len(remaining) != 3 {
		t.Fatalf("remaining = %v, want all 3", remaining)
	}
	if ranAny.Load() {
		t.Error("no task should run when cancelled before submission")
	}
}

func TestRunPoolRecoversPanics(t *testing.T) {
	var panicked atomic.Int64
	var completed atomic.Int64

	remaining := RunPool(context.Background(), []int{0, 1, 2, 3}, 2, PoolProbes{}, func(_ context.Context, idx int) {
		if idx == 1 {
			panic("boom")
		}
		completed.Add(1)
	}, func(idx int, _ any) {
		if idx != 1 {
			t.Errorf("panic reported for chunk %d, want 1", idx)
		}
		panicked.Add(1)
	})

	if len(remaining) != 0 {
		t.Fatalf("remaining = %v, want none", remaining)
	}
	if panicked.Load() != 1 {
		t.Errorf("panics reported = %d, want 1", panicked.Load())
	}
	if completed.Load() != 3 {
		t.Errorf("completed = %d, want 3", completed.Load())
	}
}
