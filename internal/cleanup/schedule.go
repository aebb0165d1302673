package cleanup

import (
	"context"
	"errors"
	"time"
)

// NextRun returns the first instant strictly after now whose UTC hour is
// anchorHour, on the hour.
func NextRun(now time.Time, anchorHour int) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), anchorHour, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Start arms the scheduler: an optional immediate run, then a run at the
// next anchor hour and every Interval after that. Failed runs leave the
// scheduler armed.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.cfg.Enabled {
		s.log.Info("cleanup scheduler disabled")
		return
	}
	s.mu.Lock()
	if s.stop != nil {
		s.mu.Unlock()
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(ctx)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	if s.cfg.RunOnStartup {
		s.trigger(ctx)
	}

	next := NextRun(s.cfg.Now(), s.cfg.AnchorHour)
	s.log.Info("cleanup scheduled", "next_run", next, "interval", s.cfg.Interval)
	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
			s.trigger(ctx)
			timer.Reset(s.cfg.Interval)
		}
	}
}

func (s *Scheduler) trigger(ctx context.Context) {
	if _, err := s.RunCleanup(ctx); errors.Is(err, ErrAlreadyRunning) {
		s.log.Info("cleanup trigger dropped, run in progress")
	}
}

// Stop disarms the scheduler and waits for an in-progress run to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stop == nil || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.stop)
	done := s.done
	s.mu.Unlock()
	<-done
}
