// Package executor runs every enabled rule group against a snapshot of the
// library and dispatches the configured action for each match.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Klomgor/Maintainerr/internal/logger"
	"github.com/Klomgor/Maintainerr/rules"
)

// Catalog provides the library items to evaluate
type Catalog interface {
	SnapshotItems(ctx context.Context) ([]rules.Item, error)
}

// ActionExecutor applies an action to one item
type ActionExecutor interface {
	Apply(ctx context.Context, action string, item rules.Item) error
}

// GroupSource lists the rule groups taking part in a run.
// *rules.Service is the production implementation.
type GroupSource interface {
	ListEnabled(ctx context.Context) ([]rules.RuleGroup, error)
}

// Matcher decides whether an item satisfies a group.
// *rules.Runner is the production implementation.
type Matcher interface {
	Match(group *rules.RuleGroup, item rules.Item) rules.MatchResult
}

// Config tunes action dispatch
type Config struct {
	Workers          int           // concurrent action calls
	ActionTimeout    time.Duration // per attempt
	ActionRetries    int           // retries after the first attempt
	RetryInterval    time.Duration // initial backoff between attempts
	ActionsPerSecond float64       // 0 means unlimited
}

// DefaultConfig returns the dispatch settings used when none are configured
func DefaultConfig() Config {
	return Config{
		Workers:          4,
		ActionTimeout:    30 * time.Second,
		ActionRetries:    2,
		RetryInterval:    500 * time.Millisecond,
		ActionsPerSecond: 10,
	}
}

// Option configures an Executor
type Option func(*Executor)

// WithMetrics records run statistics on m
func WithMetrics(m *Metrics) Option {
	return func(e *Executor) {
		e.metrics = m
	}
}

// Executor orchestrates runs. At most one run is in progress at a time.
type Executor struct {
	groups  GroupSource
	catalog Catalog
	matcher Matcher
	actions ActionExecutor
	cfg     Config
	limiter *rate.Limiter
	metrics *Metrics
	log     *slog.Logger

	running atomic.Bool

	mu         sync.Mutex
	currentID  string
	lastReport *RunReport
}

// New creates an executor
func New(groups GroupSource, catalog Catalog, matcher Matcher, actions ActionExecutor, cfg Config, opts ...Option) *Executor {
	defaults := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = defaults.ActionTimeout
	}
	if cfg.ActionRetries < 0 {
		cfg.ActionRetries = 0
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaults.RetryInterval
	}

	limit := rate.Inf
	burst := 1
	if cfg.ActionsPerSecond > 0 {
		limit = rate.Limit(cfg.ActionsPerSecond)
		burst = max(int(cfg.ActionsPerSecond), 1)
	}

	e := &Executor{
		groups:  groups,
		catalog: catalog,
		matcher: matcher,
		actions: actions,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		log:     logger.With("component", "executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteAll runs synchronously as a manual run
func (e *Executor) ExecuteAll(ctx context.Context) (*RunReport, error) {
	return e.Execute(ctx, TriggerManual)
}

// Execute runs synchronously. It returns *AlreadyRunningError without
// waiting when another run holds the guard. Cancelling ctx does not stop
// a run once it has started.
func (e *Executor) Execute(ctx context.Context, trigger string) (*RunReport, error) {
	id, err := e.acquire()
	if err != nil {
		return nil, err
	}
	defer e.release()

	return e.run(context.WithoutCancel(ctx), id, trigger)
}

// Start acquires the guard and runs in the background, returning the run id
func (e *Executor) Start(ctx context.Context, trigger string) (string, error) {
	id, err := e.acquire()
	if err != nil {
		return "", err
	}

	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer e.release()
		if _, err := e.run(runCtx, id, trigger); err != nil {
			logger.Error("rule execution failed", "component", "executor", "run_id", id, "error", err)
		}
	}()
	return id, nil
}

// LastReport returns a copy of the most recent finished run, or nil
func (e *Executor) LastReport() *RunReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastReport.clone()
}

// Running reports whether a run is in progress
func (e *Executor) Running() bool {
	return e.running.Load()
}

func (e *Executor) acquire() (string, error) {
	if !e.running.CompareAndSwap(false, true) {
		e.mu.Lock()
		current := e.currentID
		e.mu.Unlock()
		return "", &AlreadyRunningError{RunID: current}
	}
	id := uuid.NewString()
	e.mu.Lock()
	e.currentID = id
	e.mu.Unlock()
	return id, nil
}

func (e *Executor) release() {
	e.mu.Lock()
	e.currentID = ""
	e.mu.Unlock()
	e.running.Store(false)
}

type actionKey struct {
	action string
	itemID string
}

type dispatch struct {
	slot  int
	group *rules.RuleGroup
	item  rules.Item
}

func (e *Executor) run(ctx context.Context, id, trigger string) (*RunReport, error) {
	report := &RunReport{
		ID:        id,
		Trigger:   trigger,
		StartedAt: time.Now().UTC(),
		Groups:    []GroupSummary{},
		Actions:   []ActionOutcome{},
		Notes:     []Note{},
	}
	log := e.log.With("run_id", id, "trigger", trigger)
	log.Info("rule execution started")
	e.metrics.runStarted()

	err := e.evaluateAndDispatch(ctx, report, log)
	if err != nil {
		report.Error = err.Error()
	}
	report.FinishedAt = time.Now().UTC()

	e.metrics.runFinished(report)
	e.mu.Lock()
	e.lastReport = report
	e.mu.Unlock()

	if err != nil {
		return report.clone(), err
	}

	log.Info("rule execution finished",
		"items", report.Items,
		"succeeded", report.Succeeded(),
		"failed", report.Failed(),
		"skipped", report.Skipped(),
		"notes", len(report.Notes),
		"duration", report.FinishedAt.Sub(report.StartedAt))
	return report.clone(), nil
}

func (e *Executor) evaluateAndDispatch(ctx context.Context, report *RunReport, log *slog.Logger) error {
	groups, err := e.groups.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("failed to load rule groups: %w", err)
	}
	items, err := e.catalog.SnapshotItems(ctx)
	if err != nil {
		return fmt.Errorf("failed to load library items: %w", err)
	}
	report.Items = len(items)

	report.Groups = make([]GroupSummary, len(groups))
	for i, g := range groups {
		report.Groups[i] = GroupSummary{GroupID: g.ID, Name: g.Name}
	}

	seen := make(map[actionKey]bool)
	var jobs []dispatch
	for _, item := range items {
		for gi := range groups {
			g := &groups[gi]
			if g.LibraryID != "" && g.LibraryID != item.LibraryID {
				continue
			}

			res := e.matcher.Match(g, item)
			report.Groups[gi].Evaluated++
			for _, n := range res.Notes {
				report.Notes = append(report.Notes, newNote(g.ID, item.ID, n))
			}
			e.metrics.recordEvaluation(res.Matched, len(res.Notes))
			if !res.Matched {
				continue
			}
			report.Groups[gi].Matched++

			outcome := ActionOutcome{GroupID: g.ID, GroupName: g.Name, ItemID: item.ID, Action: g.Action}
			key := actionKey{action: g.Action, itemID: item.ID}
			if seen[key] {
				outcome.Status = StatusSkipped
				outcome.Error = "action already dispatched for this item"
				report.Actions = append(report.Actions, outcome)
				e.metrics.recordAction(StatusSkipped, 0)
				continue
			}
			seen[key] = true
			report.Actions = append(report.Actions, outcome)
			jobs = append(jobs, dispatch{slot: len(report.Actions) - 1, group: g, item: item})
		}
	}

	log.Debug("evaluation finished", "groups", len(groups), "items", len(items), "actions", len(jobs))

	var eg errgroup.Group
	eg.SetLimit(e.cfg.Workers)
	for _, job := range jobs {
		job := job
		eg.Go(func() error {
			out := &report.Actions[job.slot]
			e.apply(ctx, job, out, log)
			return nil
		})
	}
	return eg.Wait()
}

// apply calls the action with retries and fills out. Errors never escape.
func (e *Executor) apply(ctx context.Context, job dispatch, out *ActionOutcome, log *slog.Logger) {
	start := time.Now()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.RetryInterval
	b.MaxInterval = max(e.cfg.RetryInterval*10, b.InitialInterval)

	op := func() error {
		out.Attempts++
		if err := e.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.ActionTimeout)
		defer cancel()
		err := e.actions.Apply(callCtx, job.group.Action, job.item)
		if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			// the call may have reached the service, sending it again could apply the action twice
			return backoff.Permanent(fmt.Errorf("action timed out after %s: %w", e.cfg.ActionTimeout, err))
		}
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.cfg.ActionRetries)), ctx))
	out.Duration = time.Since(start)
	if err != nil {
		out.Status = StatusFailed
		out.Error = err.Error()
		logger.Warn("action failed",
			"component", "executor",
			"group_id", job.group.ID,
			"item_id", job.item.ID,
			"action", job.group.Action,
			"attempts", out.Attempts,
			"error", err)
	} else {
		out.Status = StatusSucceeded
		log.Debug("action applied", "group_id", job.group.ID, "item_id", job.item.ID, "action", job.group.Action)
	}
	e.metrics.recordAction(out.Status, out.Duration)
}

func newNote(groupID int64, itemID string, err error) Note {
	n := Note{GroupID: groupID, ItemID: itemID, Message: err.Error()}
	var missing *rules.FieldMissingError
	var typeErr *rules.FieldTypeError
	switch {
	case errors.As(err, &missing):
		n.Field = missing.Field
	case errors.As(err, &typeErr):
		n.Field = typeErr.Field
	}
	return n
}
