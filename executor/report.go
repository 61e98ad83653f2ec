package executor

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Trigger labels what started a run
const (
	TriggerManual   = "manual"
	TriggerSchedule = "schedule"
)

// Action outcome statuses
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// GroupSummary counts items evaluated and matched by one group
type GroupSummary struct {
	GroupID   int64  `json:"groupId"`
	Name      string `json:"name"`
	Evaluated int    `json:"evaluated"`
	Matched   int    `json:"matched"`
}

// ActionOutcome records one dispatched (or skipped) action
type ActionOutcome struct {
	GroupID   int64         `json:"groupId"`
	GroupName string        `json:"groupName"`
	ItemID    string        `json:"itemId"`
	Action    string        `json:"action"`
	Status    string        `json:"status"`
	Error     string        `json:"error,omitempty"`
	Attempts  int           `json:"attempts"`
	Duration  time.Duration `json:"duration"`
}

// Note is a rule that could not be evaluated against an item
type Note struct {
	GroupID int64  `json:"groupId"`
	ItemID  string `json:"itemId"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// RunReport summarizes one execution
type RunReport struct {
	ID         string          `json:"id"`
	Trigger    string          `json:"trigger"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt time.Time       `json:"finishedAt"`
	Items      int             `json:"items"`
	Groups     []GroupSummary  `json:"groups"`
	Actions    []ActionOutcome `json:"actions"`
	Notes      []Note          `json:"notes"`
	Error      string          `json:"error,omitempty"`
}

// Succeeded counts successful actions
func (r *RunReport) Succeeded() int {
	return r.count(StatusSucceeded)
}

// Failed counts failed actions
func (r *RunReport) Failed() int {
	return r.count(StatusFailed)
}

// Skipped counts duplicate actions that were not dispatched
func (r *RunReport) Skipped() int {
	return r.count(StatusSkipped)
}

func (r *RunReport) count(status string) int {
	n := 0
	for _, a := range r.Actions {
		if a.Status == status {
			n++
		}
	}
	return n
}

// Err aggregates the run error and every failed action, nil when the run was clean
func (r *RunReport) Err() error {
	var result *multierror.Error
	if r.Error != "" {
		result = multierror.Append(result, fmt.Errorf("run: %s", r.Error))
	}
	for _, a := range r.Actions {
		if a.Status == StatusFailed {
			result = multierror.Append(result, fmt.Errorf("action %s on item %s (group %d): %s", a.Action, a.ItemID, a.GroupID, a.Error))
		}
	}
	return result.ErrorOrNil()
}

func (r *RunReport) clone() *RunReport {
	if r == nil {
		return nil
	}
	c := *r
	c.Groups = append([]GroupSummary(nil), r.Groups...)
	c.Actions = append([]ActionOutcome(nil), r.Actions...)
	c.Notes = append([]Note(nil), r.Notes...)
	return &c
}
