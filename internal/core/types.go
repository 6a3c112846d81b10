package core

import (
	"time"

	"github.com/cockroachdb/errors"
)

// ExecutionState describes where a job execution is in its lifecycle.
type ExecutionState string

const (
	StateWaiting   ExecutionState = "WAITING"
	StateRunning   ExecutionState = "RUNNING"
	StateActive    ExecutionState = "ACTIVE"
	StateFinished  ExecutionState = "FINISHED"
	StateFailed    ExecutionState = "FAILED"
	StateCancelled ExecutionState = "CANCELLED"
	StateResolved  ExecutionState = "RESOLVED"
)

// AllStates lists every execution state in display order.
var AllStates = []ExecutionState{
	StateWaiting, StateRunning, StateActive, StateFinished, StateFailed, StateCancelled, StateResolved,
}

// ParseExecutionState returns the state matching s, or false if s names no state.
func ParseExecutionState(s string) (ExecutionState, bool) {
	for _, st := range AllStates {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// IsTerminal reports whether no further automatic transition follows this state.
func (s ExecutionState) IsTerminal() bool {
	switch s {
	case StateFinished, StateFailed, StateCancelled, StateResolved:
		return true
	default:
		return false
	}
}

// IsRunningOrActive reports whether the state occupies a pool slot.
func (s ExecutionState) IsRunningOrActive() bool {
	return s == StateRunning || s == StateActive
}

// TriggerKind discriminates the Trigger variants.
type TriggerKind string

const (
	TriggerCron   TriggerKind = "cron"
	TriggerManual TriggerKind = "manual"
	TriggerEvent  TriggerKind = "event"
)

// ParseTriggerKind validates a trigger kind name.
func ParseTriggerKind(s string) (TriggerKind, error) {
	switch k := TriggerKind(s); k {
	case TriggerCron, TriggerManual, TriggerEvent:
		return k, nil
	}
	return "", errors.Wrapf(ErrInvalidTrigger, "unknown trigger kind %q", s)
}

// Trigger decides when a job runs. Cron is set for TriggerCron, EventType for TriggerEvent.
type Trigger struct {
	Kind      TriggerKind       `json:"kind" yaml:"kind"`
	Cron      string            `json:"cron,omitempty" yaml:"cron,omitempty"`
	EventType string            `json:"event_type,omitempty" yaml:"event_type,omitempty"`
	Data      map[string]string `json:"data,omitempty" yaml:"data,omitempty"`
}

// Action is one step of a job's pipeline.
type Action struct {
	Type   string            `json:"type" yaml:"type"`
	Name   string            `json:"name,omitempty" yaml:"name,omitempty"`
	Active bool              `json:"active" yaml:"active"`
	Params map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
}

// Job is a persisted trigger plus action pipeline.
type Job struct {
	ID            string
	Name          string
	Description   string
	Active        bool
	FaultTolerant bool
	HistoryLimit  int
	Trigger       Trigger
	Actions       []Action
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// DefaultHistoryLimit is used when a job does not configure one.
const DefaultHistoryLimit = 5

// WorkInProgress describes a unit the running job is currently processing.
type WorkInProgress struct {
	Name     string  `json:"name"`
	Progress float64 `json:"progress"`
}

// JobExecution captures a single run of a job.
type JobExecution struct {
	ID         int64          `json:"id"`
	JobID      string         `json:"job_id"`
	State      ExecutionState `json:"state"`
	Created    time.Time      `json:"created"`
	Started    *time.Time     `json:"started,omitempty"`
	Finished   *time.Time     `json:"finished,omitempty"`
	ErrorCause *string        `json:"error_cause,omitempty"`

	// Live values, only written to the store on state transitions.
	WorkInProgress  []WorkInProgress `json:"work_in_progress,omitempty"`
	ProcessedEvents int              `json:"processed_events"`
}

// Clone returns a deep copy safe to hand to other goroutines.
func (e *JobExecution) Clone() *JobExecution {
	c := *e
	if e.Started != nil {
		t := *e.Started
		c.Started = &t
	}
	if e.Finished != nil {
		t := *e.Finished
		c.Finished = &t
	}
	if e.ErrorCause != nil {
		s := *e.ErrorCause
		c.ErrorCause = &s
	}
	c.WorkInProgress = append([]WorkInProgress(nil), e.WorkInProgress...)
	return &c
}

// Page is one page of a larger result set.
type Page[T any] struct {
	Number     int `json:"number"`
	Size       int `json:"size"`
	TotalPages int `json:"total_pages"`
	Items      []T `json:"items"`
}

// Unpaged requests every matching row.
const Unpaged = 0

func ptrString(v string) *string {
	return &v
}

func ptrTime(v time.Time) *time.Time {
	return &v
}
