package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSchedulerInitialAndPeriodicRuns(t *testing.T) {
	var runs atomic.Int32
	s := &Scheduler{
		Log:          discard(),
		Name:         "test",
		Job:          func(context.Context) { runs.Add(1) },
		InitialDelay: 5 * time.Millisecond,
		Interval:     20 * time.Millisecond,
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.Arm(ctx)

	waitFor(t, func() bool { return runs.Load() >= 1 })
	waitFor(t, func() bool { return runs.Load() >= 3 })

	cancel()
	s.Wait()

	stopped := runs.Load()
	time.Sleep(50 * time.Millisecond)
	if runs.Load() != stopped {
		t.Errorf("job ran after context was cancelled")
	}
}

func TestSchedulerArmOnce(t *testing.T) {
	var runs atomic.Int32
	s := &Scheduler{
		Log:          discard(),
		Job:          func(context.Context) { runs.Add(1) },
		InitialDelay: time.Millisecond,
		Interval:     time.Hour,
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.Arm(ctx)
	s.Arm(ctx)
	s.Arm(ctx)

	waitFor(t, func() bool { return runs.Load() >= 1 })
	time.Sleep(20 * time.Millisecond)

	cancel()
	s.Wait()

	if runs.Load() != 1 {
		t.Errorf("expected a single initial run, got %d", runs.Load())
	}
}

func TestSchedulerSurvivesPanics(t *testing.T) {
	var runs atomic.Int32
	s := &Scheduler{
		Log: discard(),
		Job: func(context.Context) {
			runs.Add(1)
			panic("boom")
		},
		InitialDelay: time.Millisecond,
		Interval:     5 * time.Millisecond,
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.Arm(ctx)

	waitFor(t, func() bool { return runs.Load() >= 3 })

	cancel()
	s.Wait()
}

func TestSchedulerOverlappingRuns(t *testing.T) {
	var concurrent, maxConcurrent atomic.Int32
	release := make(chan struct{})

	s := &Scheduler{
		Log: discard(),
		Job: func(context.Context) {
			n := concurrent.Add(1)
			defer concurrent.Add(-1)
			for {
				m := maxConcurrent.Load()
				if n <= m || maxConcurrent.CompareAndSwap(m, n) {
					break
				}
			}
			<-release
		},
		InitialDelay: time.Millisecond,
		Interval:     2 * time.Millisecond,
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.Arm(ctx)

	waitFor(t, func() bool { return maxConcurrent.Load() >= 2 })

	cancel()
	close(release)
	s.Wait()
}
