package scheduler

import (
	"context"
	"sync"
	"time"

	"nuclight.org/chat-archiver/pkg/logger"
)

const (
	DefaultInitialDelay = 15 * time.Second
	DefaultInterval     = 2 * time.Minute
)

// Scheduler runs Job once InitialDelay after Arm and then every Interval
// until the context passed to Arm is done. Triggers are independent: each
// run is dispatched on its own goroutine and may overlap a previous one, the
// job guards itself against that.
type Scheduler struct {
	Log          logger.Logger
	Name         string
	Job          func(ctx context.Context)
	InitialDelay time.Duration
	Interval     time.Duration

	once sync.Once
	wg   sync.WaitGroup
}

// Arm starts the timers. Only the first call has an effect.
func (s *Scheduler) Arm(ctx context.Context) {
	s.once.Do(func() {
		delay, interval := s.InitialDelay, s.Interval
		if delay <= 0 {
			delay = DefaultInitialDelay
		}
		if interval <= 0 {
			interval = DefaultInterval
		}

		s.Log.Info("scheduling job", "job", s.Name, "initial_delay", delay, "interval", interval)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.loop(ctx, delay, interval)
		}()
	})
}

// Wait blocks until the timers are stopped and running jobs have returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, delay, interval time.Duration) {
	initial := time.NewTimer(delay)
	defer initial.Stop()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Log.Info("job schedule stopped", "job", s.Name)
			return
		case <-initial.C:
			s.dispatch(ctx, "initial")
		case <-ticker.C:
			s.dispatch(ctx, "periodic")
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, trigger string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if err := recover(); err != nil {
				s.Log.Error("job panicked", "job", s.Name, "trigger", trigger, "error", err)
			}
		}()

		s.Log.Debug("running job", "job", s.Name, "trigger", trigger)
		s.Job(ctx)
	}()
}
