// Package scheduler runs a single job on a cron cadence that can be
// replaced at runtime. Each installed cadence owns one trigger goroutine;
// replacing the cadence cancels that goroutine and starts a new one while
// jobs already running are left to finish.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Klomgor/Maintainerr/executor"
	"github.com/Klomgor/Maintainerr/internal/logger"
)

// Job is the work run on every firing
type Job func(ctx context.Context) error

// CronStore persists the active cron expression
type CronStore interface {
	LoadCron(ctx context.Context) (string, error)
	SaveCron(ctx context.Context, expr string) error
}

// State of the scheduler lifecycle
type State int

const (
	Uninitialized State = iota
	Scheduled
	Stopped
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Scheduled:
		return "scheduled"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrNotInitialized = errors.New("scheduler not initialized")
	ErrStopped        = errors.New("scheduler stopped")
)

// InvalidScheduleError reports a cron expression that failed to parse
type InvalidScheduleError struct {
	Expr string
	Err  error
}

func (e *InvalidScheduleError) Error() string {
	return fmt.Sprintf("invalid cron expression %q: %v", e.Expr, e.Err)
}

func (e *InvalidScheduleError) Unwrap() error { return e.Err }

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Parse parses a cron expression with optional seconds and descriptors
func Parse(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, &InvalidScheduleError{Expr: expr, Err: errors.New("empty expression")}
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, &InvalidScheduleError{Expr: expr, Err: err}
	}
	return sched, nil
}

// Validate reports whether expr is an accepted cron expression
func Validate(expr string) error {
	_, err := Parse(expr)
	return err
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithLocation evaluates cron expressions in loc instead of UTC
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// Scheduler fires a Job on the active cron expression
type Scheduler struct {
	job   Job
	store CronStore
	loc   *time.Location
	now   func() time.Time
	log   *slog.Logger

	mu       sync.Mutex
	state    State
	expr     string
	schedule cron.Schedule
	cancel   context.CancelFunc
	loopDone chan struct{}
	baseCtx  context.Context

	// written by the trigger loop without taking mu
	next atomic.Pointer[time.Time]

	runs sync.WaitGroup
}

// New creates an uninitialized scheduler
func New(job Job, store CronStore, opts ...Option) *Scheduler {
	s := &Scheduler{
		job:   job,
		store: store,
		loc:   time.UTC,
		now:   time.Now,
		log:   logger.With("component", "scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start installs the initial cadence. An empty expression falls back to
// the persisted one.
func (s *Scheduler) Start(ctx context.Context, initialCron string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Scheduled:
		return errors.New("scheduler already started")
	case Stopped:
		return ErrStopped
	}

	expr := strings.TrimSpace(initialCron)
	if expr == "" && s.store != nil {
		stored, err := s.store.LoadCron(ctx)
		if err != nil {
			return fmt.Errorf("failed to load cron expression: %w", err)
		}
		expr = strings.TrimSpace(stored)
	}

	sched, err := Parse(expr)
	if err != nil {
		return err
	}

	// the trigger loop outlives the caller's request
	s.baseCtx = context.WithoutCancel(ctx)
	s.install(expr, sched)
	s.state = Scheduled

	s.log.Info("scheduler started", "cron", expr, "next", s.Next())
	return nil
}

// Reschedule validates and persists expr, then swaps the trigger. On any
// error the previous cadence stays active.
func (s *Scheduler) Reschedule(ctx context.Context, expr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Uninitialized:
		return ErrNotInitialized
	case Stopped:
		return ErrStopped
	}

	expr = strings.TrimSpace(expr)
	sched, err := Parse(expr)
	if err != nil {
		return err
	}

	if s.store != nil {
		if err := s.store.SaveCron(ctx, expr); err != nil {
			return fmt.Errorf("failed to save cron expression: %w", err)
		}
	}

	previous := s.expr
	s.stopLoop()
	s.install(expr, sched)

	s.log.Info("schedule updated", "previous", previous, "cron", expr, "next", s.Next())
	return nil
}

// Stop cancels the trigger and waits for running jobs or ctx
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case Uninitialized:
		s.mu.Unlock()
		return ErrNotInitialized
	case Stopped:
		s.mu.Unlock()
		return nil
	}
	s.stopLoop()
	s.state = Stopped
	s.next.Store(nil)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running job: %w", ctx.Err())
	}
}

// Expression returns the active cron expression
func (s *Scheduler) Expression() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expr
}

// State returns the lifecycle state
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Next returns the next planned firing, zero when not scheduled
func (s *Scheduler) Next() time.Time {
	if next := s.next.Load(); next != nil {
		return *next
	}
	return time.Time{}
}

// install starts a trigger loop for sched. Caller holds mu.
func (s *Scheduler) install(expr string, sched cron.Schedule) {
	loopCtx, cancel := context.WithCancel(s.baseCtx)
	done := make(chan struct{})

	s.expr = expr
	s.schedule = sched
	s.cancel = cancel
	s.loopDone = done
	next := sched.Next(s.now().In(s.loc))
	s.next.Store(&next)

	go s.loop(loopCtx, sched, done)
}

// stopLoop cancels the current trigger loop and waits for it to exit.
// The loop never takes mu, so waiting here cannot deadlock. Caller holds mu.
func (s *Scheduler) stopLoop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.loopDone
	s.cancel = nil
	s.loopDone = nil
}

func (s *Scheduler) loop(ctx context.Context, sched cron.Schedule, done chan struct{}) {
	defer close(done)

	for {
		now := s.now().In(s.loc)
		next := sched.Next(now)
		if next.IsZero() {
			s.log.Warn("cron expression has no future firings")
			return
		}
		timer := time.NewTimer(next.Sub(now))

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		s.runs.Add(1)
		go s.fire(ctx)

		s.setNext(ctx, sched.Next(s.now().In(s.loc)))
	}
}

// setNext publishes the following firing. A cancelled loop leaves next
// alone; install or Stop sets it once the loop has exited.
func (s *Scheduler) setNext(ctx context.Context, next time.Time) {
	if ctx.Err() == nil {
		s.next.Store(&next)
	}
}

func (s *Scheduler) fire(ctx context.Context) {
	defer s.runs.Done()

	// jobs are not interrupted when the cadence changes
	err := s.job(context.WithoutCancel(ctx))
	switch {
	case err == nil:
	case errors.Is(err, executor.ErrAlreadyRunning):
		s.log.Info("previous run still in progress, skipping firing")
	default:
		logger.Error("scheduled job failed", "component", "scheduler", "error", err)
	}
}
