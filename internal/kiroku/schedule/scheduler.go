// Package schedule fires Kiroku's recurring jobs at fixed local times of day.
//
// Each trigger fires once per calendar day at its configured time. Next-fire
// times are recomputed from the wall clock before every wait rather than
// persisted, so a restart near a trigger time may skip (or rarely repeat)
// one fire across the restart boundary. Triggers are independent: a failed
// report never blocks cleanup, and vice versa.
//
// Clock injection: the scheduler accepts an optional clock interface so that
// tests can advance time precisely without relying on wall-clock sleeps.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// clock is an interface over time.Now and time.After, allowing tests to
// substitute a controlled fake clock that advances on demand.
type clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// realClock delegates to the standard library.
type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// TimeOfDay is a wall-clock firing time, evaluated in the scheduler's local
// time zone.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM" (24-hour clock).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return TimeOfDay{}, fmt.Errorf("time of day must be HH:MM, got %q", s)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return TimeOfDay{}, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return TimeOfDay{}, fmt.Errorf("invalid minute in %q", s)
	}
	return TimeOfDay{Hour: hour, Minute: minute}, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// Next returns the next occurrence of t strictly after now, in now's
// location. Built with time.Date so day arithmetic stays correct across DST
// transitions.
func (t TimeOfDay) Next(now time.Time) time.Time {
	candidate := time.Date(now.Year(), now.Month(), now.Day(), t.Hour, t.Minute, 0, 0, now.Location())
	if !candidate.After(now) {
		candidate = time.Date(now.Year(), now.Month(), now.Day()+1, t.Hour, t.Minute, 0, 0, now.Location())
	}
	return candidate
}

// Job is the work a trigger performs. fireTime is the wall-clock time of the
// tick that caused the run; jobs must honor ctx cancellation.
type Job func(ctx context.Context, fireTime time.Time)

// trigger is one recurring time-of-day job with its overlap guard.
type trigger struct {
	name     string
	at       TimeOfDay
	job      Job
	inFlight atomic.Bool
}

// Scheduler runs a set of daily time-of-day triggers.
type Scheduler struct {
	clk      clock
	triggers []*trigger
}

// New returns a scheduler driven by the real wall clock.
func New() *Scheduler {
	return NewWithClock(realClock{})
}

// NewWithClock is like New but injects a custom clock. Intended for tests
// that need to advance time without wall-clock sleeps.
func NewWithClock(clk clock) *Scheduler {
	return &Scheduler{clk: clk}
}

// Add registers a trigger that fires job once per day at the given time.
// Must be called before Run.
func (s *Scheduler) Add(name string, at TimeOfDay, job Job) {
	s.triggers = append(s.triggers, &trigger{name: name, at: at, job: job})
}

// Run starts one firing loop per trigger and blocks until ctx is cancelled
// and all loops have exited. Job executions run in their own goroutines so a
// slow job never delays the computation of its trigger's next fire time; the
// per-trigger in-flight guard skips a tick whose previous run is still
// going, so at most one execution per trigger is ever in flight.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, tr := range s.triggers {
		wg.Add(1)
		go func(tr *trigger) {
			defer wg.Done()
			s.runTrigger(ctx, tr)
		}(tr)
	}
	wg.Wait()
}

// runTrigger runs the firing loop for a single trigger until ctx is
// cancelled.
func (s *Scheduler) runTrigger(ctx context.Context, tr *trigger) {
	slog.Info("schedule: trigger armed", "name", tr.name, "at", tr.at)
	for {
		now := s.clk.Now()
		next := tr.at.Next(now)

		delay := next.Sub(now)
		if delay < 0 {
			delay = 0
		}

		select {
		case <-ctx.Done():
			slog.Info("schedule: trigger stopped", "name", tr.name)
			return
		case <-s.clk.After(delay):
			s.fire(ctx, tr, next)
		}
	}
}

// fire launches one job execution unless the previous one is still running.
func (s *Scheduler) fire(ctx context.Context, tr *trigger, fireTime time.Time) {
	if !tr.inFlight.CompareAndSwap(false, true) {
		slog.Warn("schedule: previous run still in flight, skipping tick",
			"name", tr.name, "fire_time", fireTime)
		return
	}
	slog.Info("schedule: trigger fired", "name", tr.name, "fire_time", fireTime)
	go func() {
		defer tr.inFlight.Store(false)
		tr.job(ctx, fireTime)
	}()
}
