package core

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// RecoveryCause is the error cause written to executions orphaned by an unclean shutdown.
const RecoveryCause = "job interrupted due to application restart"

// Runtime is the part of the execution pool the manager depends on.
type Runtime interface {
	Cancel(ctx context.Context, jobID string) error
	JobExecution(jobID string) (*JobExecution, bool)
	DispatchEvent(jobID, eventType string, data map[string]any) bool
	Slots() int
}

// ScheduledJob is an active cron job with its next firing time.
type ScheduledJob struct {
	Job     *Job
	NextRun time.Time
}

// JobManager keeps job definitions, their timers and their executions consistent.
type JobManager struct {
	jobs      JobStore
	execs     ExecutionStore
	runtime   Runtime
	timers    Timers
	publisher Publisher
	logger    *zap.SugaredLogger
	location  *time.Location
	now       func() time.Time

	defaultHistoryLimit int

	entryMu sync.Mutex
	entries map[string]TimerHandle

	jobLocks *keyedMutex

	ctx    context.Context
	cancel context.CancelFunc
}

// NewJobManager creates a manager. Timer callbacks run with a context that ends on Stop.
func NewJobManager(jobs JobStore, execs ExecutionStore, runtime Runtime, timers Timers, opts ...Option[JobManager]) *JobManager {
	m := &JobManager{
		jobs:                jobs,
		execs:               execs,
		runtime:             runtime,
		timers:              timers,
		publisher:           NopPublisher,
		logger:              zap.NewNop().Sugar(),
		location:            time.Local,
		now:                 time.Now,
		defaultHistoryLimit: DefaultHistoryLimit,
		entries:             make(map[string]TimerHandle),
		jobLocks:            newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// Activate registers the job's trigger. Inactive jobs are left alone.
func (m *JobManager) Activate(ctx context.Context, job *Job) error {
	if job == nil || job.ID == "" {
		return ErrJobIDRequired
	}
	unlock := m.jobLocks.Lock(job.ID)
	defer unlock()
	return m.activateLocked(ctx, job)
}

func (m *JobManager) activateLocked(ctx context.Context, job *Job) error {
	if !job.Active {
		m.logger.Debugw("job is not active, not activating", "job_id", job.ID, "job_name", job.Name)
		return nil
	}
	switch job.Trigger.Kind {
	case TriggerCron:
		m.entryMu.Lock()
		_, exists := m.entries[job.ID]
		m.entryMu.Unlock()
		if exists {
			return errors.Wrapf(ErrDuplicateTimer, "activate job %s", job.ID)
		}
		jobID := job.ID
		handle, err := m.timers.Schedule(job.Trigger.Cron, func() { m.fire(jobID) })
		if err != nil {
			return errors.Wrapf(err, "activate job %s", job.ID)
		}
		m.entryMu.Lock()
		m.entries[job.ID] = handle
		m.entryMu.Unlock()
		m.logger.Infow("job scheduled", "job_id", job.ID, "job_name", job.Name, "cron", job.Trigger.Cron)
	case TriggerEvent:
		if _, err := m.enqueueLocked(ctx, job); err != nil {
			return err
		}
	case TriggerManual:
	default:
		return errors.Wrapf(ErrInvalidTrigger, "unknown trigger kind %q", job.Trigger.Kind)
	}
	return nil
}

// fire is the timer callback of a cron job. It enqueues the stored version of the job.
func (m *JobManager) fire(jobID string) {
	ctx := m.ctx
	if ctx.Err() != nil {
		return
	}
	job, err := m.jobs.FindJob(ctx, jobID)
	if err != nil {
		m.logger.Errorw("load job for scheduled run", "job_id", jobID, "error", err)
		return
	}
	if job == nil || !job.Active {
		return
	}
	if _, err := m.Enqueue(ctx, job); err != nil {
		m.logger.Errorw("enqueue scheduled run", "job_id", jobID, "error", err)
	}
}

// Deactivate removes the job's timer, or stops its listening run for event triggers. A timer
// that cannot be cancelled is returned as an error.
func (m *JobManager) Deactivate(ctx context.Context, job *Job) error {
	if job == nil || job.ID == "" {
		return ErrJobIDRequired
	}
	unlock := m.jobLocks.Lock(job.ID)
	defer unlock()
	return m.deactivateLocked(ctx, job)
}

func (m *JobManager) deactivateLocked(ctx context.Context, job *Job) error {
	m.entryMu.Lock()
	handle, ok := m.entries[job.ID]
	m.entryMu.Unlock()
	if ok {
		if err := handle.Cancel(); err != nil {
			return errors.Wrapf(err, "deactivate job %s", job.ID)
		}
		m.entryMu.Lock()
		delete(m.entries, job.ID)
		m.entryMu.Unlock()
		m.logger.Infow("job unscheduled", "job_id", job.ID, "job_name", job.Name)
		return nil
	}
	if job.Trigger.Kind == TriggerEvent {
		return m.runtime.Cancel(ctx, job.ID)
	}
	return nil
}

// Enqueue creates a WAITING execution unless the job already has one waiting or running. A
// job that is not fault-tolerant and has a FAILED execution is not enqueued. The returned
// execution is nil when nothing was created.
func (m *JobManager) Enqueue(ctx context.Context, job *Job) (*JobExecution, error) {
	if job == nil || job.ID == "" {
		return nil, ErrJobIDRequired
	}
	unlock := m.jobLocks.Lock(job.ID)
	defer unlock()
	return m.enqueueLocked(ctx, job)
}

func (m *JobManager) enqueueLocked(ctx context.Context, job *Job) (*JobExecution, error) {
	counts := make(map[ExecutionState]int, 4)
	for _, st := range []ExecutionState{StateRunning, StateActive, StateWaiting, StateFailed} {
		n, err := m.execs.CountAllOfJobInState(ctx, job.ID, st)
		if err != nil {
			return nil, errors.Wrapf(err, "count %s executions of job %s", st, job.ID)
		}
		counts[st] = n
	}

	if counts[StateFailed] > 0 && !job.FaultTolerant {
		m.logger.Warnw("job has failed executions and is not fault tolerant, not enqueued",
			"job_id", job.ID, "job_name", job.Name, "failed", counts[StateFailed])
		return nil, nil
	}
	if counts[StateRunning]+counts[StateActive]+counts[StateWaiting] > 0 {
		m.logger.Infow("job is already waiting or running, skipped",
			"job_id", job.ID, "job_name", job.Name,
			"running", counts[StateRunning]+counts[StateActive], "waiting", counts[StateWaiting])
		return nil, nil
	}

	exec, err := m.execs.UpsertExecution(ctx, &JobExecution{
		JobID:   job.ID,
		State:   StateWaiting,
		Created: m.now(),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "create execution of job %s", job.ID)
	}
	if err := m.execs.Cleanup(ctx, job.ID, m.historyLimit(job)); err != nil {
		return nil, errors.Wrapf(err, "clean up executions of job %s", job.ID)
	}
	m.logger.Debugw("job enqueued", "job_id", job.ID, "execution_id", exec.ID)
	m.publisher.Publish(newJobEvent(EventStateChange, job, exec, m.now()))
	return exec, nil
}

func (m *JobManager) historyLimit(job *Job) int {
	if job.HistoryLimit > 0 {
		return job.HistoryLimit
	}
	return m.defaultHistoryLimit
}

// Save validates and persists the job, then replaces its trigger registration: the previous
// one is removed and, for active jobs, the new one registered.
func (m *JobManager) Save(ctx context.Context, job *Job) (*Job, error) {
	if job == nil {
		return nil, ErrJobIDRequired
	}
	if err := ValidateTrigger(job.Trigger); err != nil {
		return nil, err
	}
	if job.ID == "" {
		job.ID = NewID()
	}
	if job.HistoryLimit <= 0 {
		job.HistoryLimit = m.defaultHistoryLimit
	}

	unlock := m.jobLocks.Lock(job.ID)
	defer unlock()

	prev, err := m.jobs.FindJob(ctx, job.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "load job %s", job.ID)
	}
	now := m.now()
	job.UpdatedAt = now
	if prev != nil {
		job.CreatedAt = prev.CreatedAt
	} else if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}

	saved, err := m.jobs.UpsertJob(ctx, job)
	if err != nil {
		return nil, errors.Wrapf(err, "save job %s", job.ID)
	}

	registered := saved
	if prev != nil {
		registered = prev
	}
	if err := m.deactivateLocked(ctx, registered); err != nil {
		return nil, err
	}
	if saved.Active {
		if err := m.activateLocked(ctx, saved); err != nil {
			return nil, err
		}
	}
	m.logger.Infow("job saved", "job_id", saved.ID, "job_name", saved.Name, "active", saved.Active)
	m.publisher.Publish(newJobEvent(EventSave, saved, nil, m.now()))
	return saved, nil
}

// Delete stops the job, removes its trigger and deletes it with its execution history.
func (m *JobManager) Delete(ctx context.Context, jobID string) error {
	if jobID == "" {
		return ErrJobIDRequired
	}
	unlock := m.jobLocks.Lock(jobID)
	defer unlock()

	if err := m.runtime.Cancel(ctx, jobID); err != nil {
		return errors.Wrapf(err, "cancel running execution of job %s", jobID)
	}
	job, err := m.jobs.FindJob(ctx, jobID)
	if err != nil {
		return errors.Wrapf(err, "load job %s", jobID)
	}
	if job == nil {
		return errors.Wrapf(ErrJobNotFound, "delete job %s", jobID)
	}
	if err := m.deactivateLocked(ctx, job); err != nil {
		return err
	}
	if err := m.jobs.DeleteJob(ctx, jobID); err != nil {
		return errors.Wrapf(err, "delete job %s", jobID)
	}
	if err := m.execs.DeleteByJobID(ctx, jobID); err != nil {
		return errors.Wrapf(err, "delete executions of job %s", jobID)
	}
	m.logger.Infow("job deleted", "job_id", jobID, "job_name", job.Name)
	m.publisher.Publish(newJobEvent(EventDelete, job, nil, m.now()))
	return nil
}

// Recover resolves executions left over by an unclean shutdown and activates every job.
// RUNNING executions become FAILED and ACTIVE ones FINISHED. Activation errors are logged and
// returned together once every job was tried.
func (m *JobManager) Recover(ctx context.Context) error {
	running, err := m.execs.FindInState(ctx, StateRunning, 0, Unpaged)
	if err != nil {
		return errors.Wrap(err, "find running executions")
	}
	for _, exec := range running.Items {
		exec.State = StateFailed
		exec.ErrorCause = ptrString(RecoveryCause)
		exec.Finished = ptrTime(m.now())
		if _, err := m.execs.UpsertExecution(ctx, exec); err != nil {
			return errors.Wrapf(err, "fail orphaned execution %d", exec.ID)
		}
		m.logger.Warnw("orphaned execution marked failed", "job_id", exec.JobID, "execution_id", exec.ID)
	}

	active, err := m.execs.FindInState(ctx, StateActive, 0, Unpaged)
	if err != nil {
		return errors.Wrap(err, "find active executions")
	}
	for _, exec := range active.Items {
		exec.State = StateFinished
		exec.Finished = ptrTime(m.now())
		if _, err := m.execs.UpsertExecution(ctx, exec); err != nil {
			return errors.Wrapf(err, "finish orphaned execution %d", exec.ID)
		}
		m.logger.Infow("orphaned listening execution finished", "job_id", exec.JobID, "execution_id", exec.ID)
	}

	jobs, err := m.jobs.FindAllJobs(ctx)
	if err != nil {
		return errors.Wrap(err, "load jobs")
	}
	var combined error
	for _, job := range jobs {
		if err := m.Activate(ctx, job); err != nil {
			m.logger.Errorw("activate job", "job_id", job.ID, "job_name", job.Name, "error", err)
			combined = errors.CombineErrors(combined, err)
		}
	}
	m.logger.Infow("recovery complete", "failed", len(running.Items), "finished", len(active.Items), "jobs", len(jobs))
	return combined
}

// Stop cancels every timer. Running executions are left to the pool.
func (m *JobManager) Stop() {
	m.cancel()
	m.entryMu.Lock()
	defer m.entryMu.Unlock()
	for id, handle := range m.entries {
		if err := handle.Cancel(); err != nil {
			m.logger.Warnw("cancel job timer", "job_id", id, "error", err)
		}
		delete(m.entries, id)
	}
}

// CancelExecution cancels a single execution: a WAITING one is marked CANCELLED, a running or
// listening one is stopped through the pool.
func (m *JobManager) CancelExecution(ctx context.Context, executionID int64) (*JobExecution, error) {
	if executionID == 0 {
		return nil, ErrExecutionIDRequired
	}
	exec, err := m.execs.FindExecution(ctx, executionID)
	if err != nil {
		return nil, errors.Wrapf(err, "load execution %d", executionID)
	}
	if exec == nil {
		return nil, errors.Wrapf(ErrExecutionNotFound, "cancel execution %d", executionID)
	}

	switch {
	case exec.State == StateWaiting:
		cancelled := exec.Clone()
		cancelled.State = StateCancelled
		cancelled.Finished = ptrTime(m.now())
		ok, err := m.execs.TransitionExecution(ctx, cancelled, StateWaiting)
		if err != nil {
			return nil, errors.Wrapf(err, "cancel execution %d", executionID)
		}
		if !ok {
			// Claimed by the pool in the meantime; nothing moves back to WAITING.
			return m.CancelExecution(ctx, executionID)
		}
		job, _ := m.jobs.FindJob(ctx, exec.JobID)
		m.publisher.Publish(newJobEvent(EventStateChange, job, cancelled, m.now()))
		return cancelled, nil
	case exec.State.IsRunningOrActive():
		if err := m.runtime.Cancel(ctx, exec.JobID); err != nil {
			return nil, err
		}
		return m.execs.FindExecution(ctx, executionID)
	default:
		return exec, nil
	}
}

// UpdateExecutionState sets the state of one execution. It is an operator action, used for
// example to resolve a FAILED execution that blocks a job which is not fault tolerant.
func (m *JobManager) UpdateExecutionState(ctx context.Context, executionID int64, state ExecutionState) (*JobExecution, error) {
	if executionID == 0 {
		return nil, ErrExecutionIDRequired
	}
	if err := checkOperatorState(state); err != nil {
		return nil, err
	}
	exec, err := m.execs.FindExecution(ctx, executionID)
	if err != nil {
		return nil, errors.Wrapf(err, "load execution %d", executionID)
	}
	if exec == nil {
		return nil, errors.Wrapf(ErrExecutionNotFound, "update execution %d", executionID)
	}
	if exec.State.IsRunningOrActive() {
		return nil, errors.WithHint(
			errors.Wrapf(ErrInvalidTransition, "execution %d is %s", executionID, exec.State),
			"cancel the execution instead")
	}
	updated := exec.Clone()
	updated.State = state
	ok, err := m.execs.TransitionExecution(ctx, updated, exec.State)
	if err != nil {
		return nil, errors.Wrapf(err, "update execution %d", executionID)
	}
	if !ok {
		return nil, errors.WithHint(
			errors.Wrapf(ErrInvalidTransition, "execution %d changed state concurrently", executionID),
			"reload the execution and retry")
	}
	exec = updated
	job, _ := m.jobs.FindJob(ctx, exec.JobID)
	m.publisher.Publish(newJobEvent(EventStateChange, job, exec, m.now()))
	return exec, nil
}

// UpdateAllExecutionsOfJob moves every execution of the job in state from to state to.
func (m *JobManager) UpdateAllExecutionsOfJob(ctx context.Context, jobID string, from, to ExecutionState) error {
	if jobID == "" {
		return ErrJobIDRequired
	}
	if from == "" {
		return ErrStateRequired
	}
	if from.IsRunningOrActive() {
		return errors.WithHint(
			errors.Wrapf(ErrInvalidTransition, "executions in state %s are owned by the pool", from),
			"cancel the job instead")
	}
	if err := checkOperatorState(to); err != nil {
		return err
	}
	if err := m.execs.UpdateAllOfJobInState(ctx, jobID, from, to); err != nil {
		return errors.Wrapf(err, "update %s executions of job %s", from, jobID)
	}
	job, _ := m.jobs.FindJob(ctx, jobID)
	if job == nil {
		job = &Job{ID: jobID}
	}
	m.publisher.Publish(newJobEvent(EventStateChange, job, nil, m.now()))
	return nil
}

func checkOperatorState(state ExecutionState) error {
	if state == "" {
		return ErrStateRequired
	}
	if _, ok := ParseExecutionState(string(state)); !ok {
		return errors.Wrapf(ErrInvalidTransition, "unknown state %q", state)
	}
	if state.IsRunningOrActive() || state == StateWaiting {
		return errors.WithHint(
			errors.Wrapf(ErrInvalidTransition, "state %s can only be set by the scheduler", state),
			"enqueue the job to run it")
	}
	return nil
}

// TriggerEvent delivers an event to the listening execution of an event-triggered job.
func (m *JobManager) TriggerEvent(ctx context.Context, jobID, eventType string, data map[string]any) error {
	job, err := m.Load(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Trigger.Kind != TriggerEvent || job.Trigger.EventType != eventType {
		return errors.Wrapf(ErrEventRejected, "job %s does not listen for %q events", jobID, eventType)
	}
	if !m.runtime.DispatchEvent(jobID, eventType, data) {
		return errors.WithHint(
			errors.Wrapf(ErrEventRejected, "job %s is not listening", jobID),
			"activate the job and retry")
	}
	return nil
}

// Load returns the job with the given ID.
func (m *JobManager) Load(ctx context.Context, jobID string) (*Job, error) {
	if jobID == "" {
		return nil, ErrJobIDRequired
	}
	job, err := m.jobs.FindJob(ctx, jobID)
	if err != nil {
		return nil, errors.Wrapf(err, "load job %s", jobID)
	}
	if job == nil {
		return nil, errors.Wrapf(ErrJobNotFound, "job %s", jobID)
	}
	return job, nil
}

// LoadByName returns the job with the given name.
func (m *JobManager) LoadByName(ctx context.Context, name string) (*Job, error) {
	job, err := m.jobs.FindJobByName(ctx, name)
	if err != nil {
		return nil, errors.Wrapf(err, "load job %q", name)
	}
	if job == nil {
		return nil, errors.Wrapf(ErrJobNotFound, "job %q", name)
	}
	return job, nil
}

// LoadPage returns a page of jobs whose name contains nameFilter. With states set, only jobs
// having at least one execution in one of those states are included.
func (m *JobManager) LoadPage(ctx context.Context, page, size int, nameFilter string, states []ExecutionState) (Page[*Job], error) {
	if len(states) == 0 {
		p, err := m.jobs.FindJobPage(ctx, page, size, nameFilter)
		return p, errors.Wrap(err, "load job page")
	}

	all, err := m.jobs.FindAllJobs(ctx)
	if err != nil {
		return Page[*Job]{}, errors.Wrap(err, "load jobs")
	}
	filter := strings.ToLower(nameFilter)
	var matched []*Job
	for _, job := range all {
		if filter != "" && !strings.Contains(strings.ToLower(job.Name), filter) {
			continue
		}
		for _, st := range states {
			n, err := m.execs.CountAllOfJobInState(ctx, job.ID, st)
			if err != nil {
				return Page[*Job]{}, errors.Wrapf(err, "count executions of job %s", job.ID)
			}
			if n > 0 {
				matched = append(matched, job)
				break
			}
		}
	}
	return Paginate(matched, page, size), nil
}

// LoadScheduled returns the active cron jobs ordered by their next firing time.
func (m *JobManager) LoadScheduled(ctx context.Context) ([]ScheduledJob, error) {
	all, err := m.jobs.FindAllJobs(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load jobs")
	}
	base := m.now().In(m.location)
	var scheduled []ScheduledJob
	for _, job := range all {
		if !job.Active {
			continue
		}
		next, ok := NextRun(job, base)
		if !ok {
			continue
		}
		scheduled = append(scheduled, ScheduledJob{Job: job, NextRun: next})
	}
	sort.SliceStable(scheduled, func(i, j int) bool {
		return scheduled[i].NextRun.Before(scheduled[j].NextRun)
	})
	return scheduled, nil
}

// ExecutionsOfJob returns a page of the job's executions, newest first.
func (m *JobManager) ExecutionsOfJob(ctx context.Context, jobID string, page, size int) (Page[*JobExecution], error) {
	if jobID == "" {
		return Page[*JobExecution]{}, ErrJobIDRequired
	}
	p, err := m.execs.FindAllOfJob(ctx, jobID, page, size)
	if err != nil {
		return Page[*JobExecution]{}, errors.Wrapf(err, "load executions of job %s", jobID)
	}
	m.mergeLive(p.Items)
	return p, nil
}

// ExecutionsInState returns a page of executions in the given state, oldest first.
func (m *JobManager) ExecutionsInState(ctx context.Context, state ExecutionState, page, size int) (Page[*JobExecution], error) {
	if state == "" {
		return Page[*JobExecution]{}, ErrStateRequired
	}
	p, err := m.execs.FindInState(ctx, state, page, size)
	if err != nil {
		return Page[*JobExecution]{}, errors.Wrapf(err, "load %s executions", state)
	}
	m.mergeLive(p.Items)
	return p, nil
}

// Execution returns one execution. For a running execution the live work in progress and
// processed event count are included.
func (m *JobManager) Execution(ctx context.Context, executionID int64) (*JobExecution, error) {
	if executionID == 0 {
		return nil, ErrExecutionIDRequired
	}
	exec, err := m.execs.FindExecution(ctx, executionID)
	if err != nil {
		return nil, errors.Wrapf(err, "load execution %d", executionID)
	}
	if exec == nil {
		return nil, errors.Wrapf(ErrExecutionNotFound, "execution %d", executionID)
	}
	m.mergeLive([]*JobExecution{exec})
	return exec, nil
}

func (m *JobManager) mergeLive(execs []*JobExecution) {
	for _, exec := range execs {
		if !exec.State.IsRunningOrActive() {
			continue
		}
		live, ok := m.runtime.JobExecution(exec.JobID)
		if !ok || live.ID != exec.ID {
			continue
		}
		exec.WorkInProgress = live.WorkInProgress
		exec.ProcessedEvents = live.ProcessedEvents
	}
}

// CountExecutions returns the number of executions in state across all jobs.
func (m *JobManager) CountExecutions(ctx context.Context, state ExecutionState) (int, error) {
	if state == "" {
		return 0, ErrStateRequired
	}
	n, err := m.execs.CountInState(ctx, state)
	return n, errors.Wrapf(err, "count %s executions", state)
}

// CountExecutionsOfJobInState returns the number of the job's executions in state.
func (m *JobManager) CountExecutionsOfJobInState(ctx context.Context, jobID string, state ExecutionState) (int, error) {
	if jobID == "" {
		return 0, ErrJobIDRequired
	}
	if state == "" {
		return 0, ErrStateRequired
	}
	n, err := m.execs.CountAllOfJobInState(ctx, jobID, state)
	return n, errors.Wrapf(err, "count %s executions of job %s", state, jobID)
}

// Slots returns the number of parallel execution slots.
func (m *JobManager) Slots() int {
	return m.runtime.Slots()
}

// Paginate slices items into the requested page. Size Unpaged returns everything.
func Paginate[T any](items []T, page, size int) Page[T] {
	if size <= 0 {
		return Page[T]{Number: 0, Size: len(items), TotalPages: 1, Items: items}
	}
	if page < 0 {
		page = 0
	}
	total := (len(items) + size - 1) / size
	start := page * size
	if start > len(items) {
		start = len(items)
	}
	end := start + size
	if end > len(items) {
		end = len(items)
	}
	return Page[T]{Number: page, Size: size, TotalPages: total, Items: items[start:end]}
}
