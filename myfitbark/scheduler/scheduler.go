// Package scheduler fires the hub's recurring callbacks: the per-entity poll and the
// once-daily refresh hooks.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/asnowfix/myfitbark/hlog"
	"github.com/asnowfix/myfitbark/internal/myfitbark"
)

// Job is a scheduled callback. ctx is canceled when the job or the scheduler stops.
type Job func(ctx context.Context)

type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    logr.Logger
}

func New(ctx context.Context, log logr.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(ctx)
	return &Scheduler{
		ctx:    ctx,
		cancel: cancel,
		log:    log.WithName("Scheduler"),
	}
}

// Every runs fn every interval, the first time one interval from now. Runs of the same
// job never overlap: a tick that fires while fn is still running is dropped.
func (s *Scheduler) Every(name string, interval time.Duration, fn Job) (stop func()) {
	ctx, cancel := context.WithCancel(s.ctx)
	log := s.log.WithValues("job", name, "interval", interval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		log.V(1).Info("Scheduled")
		for {
			select {
			case <-ctx.Done():
				log.V(1).Info("Stopped")
				return
			case <-ticker.C:
				s.run(ctx, log, fn)
			}
		}
	}()
	return cancel
}

// Once runs fn at the given time, or immediately if it is past.
func (s *Scheduler) Once(name string, at time.Time, fn Job) (stop func()) {
	ctx, cancel := context.WithCancel(s.ctx)
	log := s.log.WithValues("job", name, "at", at)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(time.Until(at))
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
			s.run(ctx, log, fn)
		}
	}()
	return cancel
}

// Daily runs fn every day at the given local time of day.
func (s *Scheduler) Daily(name string, at TimeOfDay, fn Job) (stop func()) {
	ctx, cancel := context.WithCancel(s.ctx)
	log := s.log.WithValues("job", name, "at", at.String())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			next := at.Next(time.Now())
			log.V(1).Info("Next run", "next", next)
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				s.run(ctx, log, fn)
			}
		}
	}()
	return cancel
}

// Stop cancels every job and waits for running ones to return.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context, log logr.Logger, fn Job) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(fmt.Errorf("panic: %v", r), "Job panicked")
		}
	}()
	start := time.Now()
	fn(ctx)
	if ctx.Err() != nil {
		hlog.ErrorIfNotCanceled(log, ctx.Err(), "Job interrupted")
		return
	}
	log.V(1).Info("Job done", "elapsed", time.Since(start))
}

// TimeOfDay is a local wall-clock time.
type TimeOfDay struct {
	Hour   int
	Minute int
}

func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("%w: time of day %q is not HH:MM", myfitbark.ErrUserInput, s)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// Next returns the first occurrence strictly after now, in now's location.
func (t TimeOfDay) Next(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), t.Hour, t.Minute, 0, 0, now.Location())
	if !next.After(now) {
		next = time.Date(now.Year(), now.Month(), now.Day()+1, t.Hour, t.Minute, 0, 0, now.Location())
	}
	return next
}
