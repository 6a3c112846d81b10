package core

import (
	"context"
)

// JobStore abstracts persistence of job definitions.
type JobStore interface {
	UpsertJob(ctx context.Context, job *Job) (*Job, error)
	FindJob(ctx context.Context, id string) (*Job, error) // nil, nil if absent
	FindJobByName(ctx context.Context, name string) (*Job, error)
	FindAllJobs(ctx context.Context) ([]*Job, error)
	FindJobPage(ctx context.Context, page, size int, nameFilter string) (Page[*Job], error)
	DeleteJob(ctx context.Context, id string) error
}

// ExecutionStore abstracts persistence of job executions.
type ExecutionStore interface {
	// UpsertExecution inserts when exec.ID is zero and assigns the new ID, updates otherwise.
	UpsertExecution(ctx context.Context, exec *JobExecution) (*JobExecution, error)
	FindExecution(ctx context.Context, id int64) (*JobExecution, error) // nil, nil if absent
	FindInState(ctx context.Context, state ExecutionState, page, size int) (Page[*JobExecution], error)
	FindAllOfJob(ctx context.Context, jobID string, page, size int) (Page[*JobExecution], error)
	FindAllOfJobInState(ctx context.Context, jobID string, state ExecutionState) ([]*JobExecution, error)
	CountAllOfJobInState(ctx context.Context, jobID string, state ExecutionState) (int, error)
	CountInState(ctx context.Context, state ExecutionState) (int, error)
	// Cleanup keeps the newest historyLimit non-FAILED executions of the job; FAILED ones are kept.
	Cleanup(ctx context.Context, jobID string, historyLimit int) error
	DeleteByJobID(ctx context.Context, jobID string) error
	// TransitionExecution writes exec only while the stored row is still in state from and
	// reports whether it did.
	TransitionExecution(ctx context.Context, exec *JobExecution, from ExecutionState) (bool, error)
	UpdateAllOfJobInState(ctx context.Context, jobID string, from, to ExecutionState) error
}

// Runner executes a job's action pipeline for one execution. It must return once ctx is
// cancelled; a returned error fails the execution.
type Runner interface {
	Run(ctx context.Context, live *LiveJob) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, live *LiveJob) error

func (f RunnerFunc) Run(ctx context.Context, live *LiveJob) error {
	return f(ctx, live)
}
