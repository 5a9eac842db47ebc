// Package scheduler is the periodic trigger described in spec.md §4.7: a
// time.Ticker loop on its own goroutine that invokes the batch processor
// directly and synchronously, so the processor's own single-flight latch
// — not a second layer of locking here — is what drops overlapping
// triggers. Grounded on the teacher's HealthChecker.loop() ticker pattern
// (core/fault_tolerance.go).
package scheduler

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Runner is the subset of *batch.Processor the scheduler depends on.
type Runner interface {
	ProcessBatch(ctx context.Context) error
}

// Scheduler ticks at a fixed interval, invoking Runner.ProcessBatch on its
// own goroutine. It never launches a second goroutine per tick — per
// spec.md §4.7, doing so would reintroduce the time-of-check-to-time-of-use
// race the single-flight latch exists to avoid.
type Scheduler struct {
	interval time.Duration
	runner   Runner
	log      *logrus.Logger

	stop chan struct{}
	done chan struct{}
}

// New constructs a Scheduler that will tick every interval once Start is
// called.
func New(interval time.Duration, runner Runner, log *logrus.Logger) *Scheduler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Scheduler{
		interval: interval,
		runner:   runner,
		log:      log,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the ticker loop on its own goroutine. Start may be called
// at most once per Scheduler; a stopped Scheduler cannot be restarted.
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := s.runner.ProcessBatch(ctx); err != nil {
				s.log.WithError(err).Error("scheduler: batch invocation returned an error")
			}
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		}
	}
}

// Stop requests the ticker loop to exit and blocks until it has. It does
// not stop an in-flight batch; callers that need that should also call the
// processor's RequestStop.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}
