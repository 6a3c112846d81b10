package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
)

const eventBufferSize = 16

// LiveJob is the in-memory handle of a job execution that currently occupies a pool slot.
// The pool creates it on claim; the Runner reports progress through it and observes
// cancellation through the context it is given.
type LiveJob struct {
	job *Job
	now func() time.Time

	mu   sync.Mutex
	exec *JobExecution

	ctx        context.Context
	cancel     context.CancelFunc
	cancelOnce sync.Once
	cancelled  atomic.Bool

	events chan map[string]any
	done   chan struct{}
}

// JobResult is what a finished LiveJob hands back to the pool.
type JobResult struct {
	Job       *Job
	Execution *JobExecution
}

// NewLiveJob creates a handle for exec that is not managed by a pool, for driving a Runner
// directly.
func NewLiveJob(parent context.Context, job *Job, exec *JobExecution) *LiveJob {
	return newLiveJob(parent, job, exec, time.Now)
}

func newLiveJob(parent context.Context, job *Job, exec *JobExecution, now func() time.Time) *LiveJob {
	ctx, cancel := context.WithCancel(parent)
	l := &LiveJob{
		job:    job,
		now:    now,
		exec:   exec.Clone(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if job.Trigger.Kind == TriggerEvent {
		l.events = make(chan map[string]any, eventBufferSize)
	}
	return l
}

// Job returns the job definition the execution was started with.
func (l *LiveJob) Job() *Job {
	return l.job
}

// Execution returns a snapshot of the live execution.
func (l *LiveJob) Execution() *JobExecution {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.exec.Clone()
}

// State returns the current execution state.
func (l *LiveJob) State() ExecutionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.exec.State
}

// Cancel signals the job to stop. Only the first call has an effect; it does not wait.
// A RUNNING execution becomes CANCELLED, an ACTIVE one FINISHED.
func (l *LiveJob) Cancel() {
	l.cancelOnce.Do(func() {
		l.mu.Lock()
		switch l.exec.State {
		case StateRunning:
			l.exec.State = StateCancelled
		case StateActive:
			l.exec.State = StateFinished
		}
		l.cancelled.Store(true)
		l.mu.Unlock()
		l.cancel()
	})
}

// CancelRequested reports whether Cancel has been called.
func (l *LiveJob) CancelRequested() bool {
	return l.cancelled.Load()
}

// IsRunning reports whether the runner has not returned yet.
func (l *LiveJob) IsRunning() bool {
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}

// Done is closed once the runner returned and the final state is set.
func (l *LiveJob) Done() <-chan struct{} {
	return l.done
}

// Wait blocks until the job stopped or ctx ends.
func (l *LiveJob) Wait(ctx context.Context) error {
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "waiting for job %s to stop", l.job.ID)
	}
}

// Events delivers trigger events to the runner of an event-triggered job. It is nil for
// other trigger kinds.
func (l *LiveJob) Events() <-chan map[string]any {
	return l.events
}

// Deliver hands an event to the runner without blocking. It returns false if the job does
// not accept events, has stopped, or its buffer is full.
func (l *LiveJob) Deliver(data map[string]any) bool {
	if l.events == nil || !l.IsRunning() || l.CancelRequested() {
		return false
	}
	select {
	case l.events <- data:
		return true
	default:
		return false
	}
}

// SetWorkInProgress records progress (0..1) of a named unit of work.
func (l *LiveJob) SetWorkInProgress(name string, progress float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.exec.WorkInProgress {
		if l.exec.WorkInProgress[i].Name == name {
			l.exec.WorkInProgress[i].Progress = progress
			return
		}
	}
	l.exec.WorkInProgress = append(l.exec.WorkInProgress, WorkInProgress{Name: name, Progress: progress})
}

// ClearWorkInProgress removes a named unit of work.
func (l *LiveJob) ClearWorkInProgress(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.exec.WorkInProgress[:0]
	for _, w := range l.exec.WorkInProgress {
		if w.Name != name {
			kept = append(kept, w)
		}
	}
	l.exec.WorkInProgress = kept
}

// AddProcessedEvent increments the processed event counter.
func (l *LiveJob) AddProcessedEvent() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.exec.ProcessedEvents++
}

// Result returns the job and a snapshot of its execution.
func (l *LiveJob) Result() JobResult {
	return JobResult{Job: l.job, Execution: l.Execution()}
}

func (l *LiveJob) run(runner Runner) {
	defer close(l.done)
	defer l.cancel()
	l.finish(l.invoke(runner))
}

func (l *LiveJob) invoke(runner Runner) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("panic during job execution: %v", r)
		}
	}()
	return runner.Run(l.ctx, l)
}

func (l *LiveJob) finish(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case l.cancelled.Load():
		// Cancel already chose the final state; errors caused by the stop are expected.
	case err != nil:
		l.exec.State = StateFailed
		l.exec.ErrorCause = ptrString(err.Error())
	case l.exec.State.IsRunningOrActive():
		l.exec.State = StateFinished
	}
	l.exec.Finished = ptrTime(l.now())
	l.exec.WorkInProgress = nil
}
