package core

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// PoolConfig controls the execution pool.
type PoolConfig struct {
	Slots        int
	TickInterval time.Duration
}

// DefaultPoolConfig returns five slots polled every second.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{Slots: 5, TickInterval: time.Second}
}

// ExecutionPool bounds concurrent job execution to a fixed number of slots and drives
// WAITING executions to a terminal state.
type ExecutionPool struct {
	jobs      JobStore
	execs     ExecutionStore
	runner    Runner
	publisher Publisher
	metrics   *Metrics
	logger    *zap.SugaredLogger
	cfg       PoolConfig
	now       func() time.Time

	mu       sync.Mutex
	running  map[string]*LiveJob
	inflight []*LiveJob

	runCtx    context.Context
	runCancel context.CancelFunc
	workers   sync.WaitGroup
	loopDone  chan struct{}
}

// NewExecutionPool creates a pool. Runs started by the pool outlive the ctx of the Tick that
// claimed them; they end on Cancel or Stop.
func NewExecutionPool(jobs JobStore, execs ExecutionStore, runner Runner, cfg PoolConfig, opts ...Option[ExecutionPool]) *ExecutionPool {
	def := DefaultPoolConfig()
	if cfg.Slots <= 0 {
		cfg.Slots = def.Slots
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	p := &ExecutionPool{
		jobs:      jobs,
		execs:     execs,
		runner:    runner,
		publisher: NopPublisher,
		logger:    zap.NewNop().Sugar(),
		cfg:       cfg,
		now:       time.Now,
		running:   make(map[string]*LiveJob),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.runCtx, p.runCancel = context.WithCancel(context.Background())
	p.metrics.setSlots(cfg.Slots)
	return p
}

// Slots returns the configured number of parallel executions.
func (p *ExecutionPool) Slots() int {
	return p.cfg.Slots
}

// RunningCount returns the number of occupied slots.
func (p *ExecutionPool) RunningCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

// Tick collects finished runs and claims WAITING executions up to the free capacity.
func (p *ExecutionPool) Tick(ctx context.Context) error {
	start := p.now()
	defer func() { p.metrics.observeTick(p.now().Sub(start)) }()

	p.collectFinished(ctx)

	p.mu.Lock()
	live := make([]*LiveJob, 0, len(p.running))
	for _, l := range p.running {
		live = append(live, l)
	}
	freeSlots := p.cfg.Slots - len(p.running)
	p.mu.Unlock()

	for _, l := range live {
		p.publisher.Publish(newJobEvent(EventStateRefresh, l.Job(), l.Execution(), p.now()))
	}
	if freeSlots <= 0 {
		return nil
	}

	waiting, err := p.execs.FindInState(ctx, StateWaiting, 0, Unpaged)
	if err != nil {
		return errors.Wrap(err, "find waiting executions")
	}
	for _, exec := range waiting.Items {
		if freeSlots == 0 {
			break
		}
		if p.isRunning(exec.JobID) {
			continue
		}
		job, err := p.jobs.FindJob(ctx, exec.JobID)
		if err != nil {
			return errors.Wrapf(err, "find job %s", exec.JobID)
		}
		if job == nil {
			p.logger.Debugw("job of waiting execution no longer exists, skipping",
				"job_id", exec.JobID, "execution_id", exec.ID)
			continue
		}
		claimed, err := p.claim(ctx, job, exec)
		if err != nil {
			return err
		}
		if claimed {
			freeSlots--
		}
	}
	return nil
}

func (p *ExecutionPool) isRunning(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.running[jobID]
	return ok
}

// claim moves exec from WAITING to RUNNING, or ACTIVE for event triggers, and starts it. It
// reports false when the execution left WAITING since it was read, e.g. it was cancelled.
func (p *ExecutionPool) claim(ctx context.Context, job *Job, exec *JobExecution) (bool, error) {
	claimed := exec.Clone()
	claimed.State = StateRunning
	if job.Trigger.Kind == TriggerEvent {
		claimed.State = StateActive
	}
	claimed.Started = ptrTime(p.now())

	live := newLiveJob(p.runCtx, job, claimed, p.now)
	p.mu.Lock()
	p.running[job.ID] = live
	p.inflight = append(p.inflight, live)
	p.mu.Unlock()

	ok, err := p.execs.TransitionExecution(ctx, claimed.Clone(), StateWaiting)
	if err != nil || !ok {
		p.mu.Lock()
		p.detach(live)
		p.mu.Unlock()
		live.cancel()
		close(live.done)
		if err != nil {
			return false, errors.Wrapf(err, "persist claimed execution %d of job %s", exec.ID, job.ID)
		}
		p.logger.Debugw("execution is no longer waiting, skipping",
			"job_id", job.ID, "execution_id", exec.ID)
		return false, nil
	}

	p.workers.Add(1)
	go func() {
		defer p.workers.Done()
		live.run(p.runner)
	}()

	p.logger.Infow("job execution started", "job_id", job.ID, "job_name", job.Name,
		"execution_id", claimed.ID, "state", claimed.State)
	p.metrics.incClaimed()
	p.metrics.setRunning(p.RunningCount())
	p.publisher.Publish(newJobEvent(EventStateChange, job, claimed, p.now()))
	return true, nil
}

// detach removes live from the in-flight list and, if it still owns the slot, from the
// running set. It reports whether live was in flight. Callers hold p.mu.
func (p *ExecutionPool) detach(live *LiveJob) bool {
	found := false
	for i, l := range p.inflight {
		if l == live {
			p.inflight = append(p.inflight[:i], p.inflight[i+1:]...)
			found = true
			break
		}
	}
	if cur, ok := p.running[live.Job().ID]; ok && cur == live {
		delete(p.running, live.Job().ID)
	}
	return found
}

func (p *ExecutionPool) collectFinished(ctx context.Context) {
	p.mu.Lock()
	var done []*LiveJob
	for _, l := range p.inflight {
		if !l.IsRunning() {
			done = append(done, l)
		}
	}
	p.mu.Unlock()
	for _, l := range done {
		p.complete(ctx, l)
	}
}

// complete persists the final state of a stopped run and frees its slot. Only the first
// caller for a given handle does the work.
func (p *ExecutionPool) complete(ctx context.Context, live *LiveJob) {
	p.mu.Lock()
	owned := p.detach(live)
	p.mu.Unlock()
	if !owned {
		return
	}
	defer p.metrics.setRunning(p.RunningCount())

	res := live.Result()
	exec := res.Execution
	if !exec.State.IsTerminal() {
		exec.State = StateFailed
		exec.ErrorCause = ptrString("job stopped without reaching a terminal state")
		if exec.Finished == nil {
			exec.Finished = ptrTime(p.now())
		}
	}

	if exec.State == StateFinished && res.Job.FaultTolerant {
		if err := p.execs.UpdateAllOfJobInState(ctx, res.Job.ID, StateFailed, StateResolved); err != nil {
			p.logger.Warnw("resolve failed executions", "job_id", res.Job.ID, "error", err)
		}
	}
	if _, err := p.execs.UpsertExecution(ctx, exec); err != nil {
		p.logger.Errorw("persist final execution state", "job_id", res.Job.ID,
			"execution_id", exec.ID, "state", exec.State, "error", err)
	}

	fields := []any{"job_id", res.Job.ID, "job_name", res.Job.Name, "execution_id", exec.ID, "state", exec.State}
	if exec.State == StateFailed && exec.ErrorCause != nil {
		p.logger.Warnw("job execution failed", append(fields, "cause", *exec.ErrorCause)...)
	} else {
		p.logger.Infow("job execution ended", fields...)
	}
	p.metrics.incFinished(exec.State)
	p.publisher.Publish(newJobEvent(EventStateChange, res.Job, exec, p.now()))
}

// Cancel signals the running execution of the job to stop and blocks until it has stopped
// and its final state is persisted, or ctx ends. It is a no-op if the job is not running.
func (p *ExecutionPool) Cancel(ctx context.Context, jobID string) error {
	if jobID == "" {
		return ErrJobIDRequired
	}
	p.mu.Lock()
	live, ok := p.running[jobID]
	p.mu.Unlock()
	if !ok {
		return nil
	}

	p.logger.Infow("cancelling job execution", "job_id", jobID)
	live.Cancel()
	p.publisher.Publish(newJobEvent(EventStateChange, live.Job(), live.Execution(), p.now()))
	if err := live.Wait(ctx); err != nil {
		return err
	}
	p.complete(ctx, live)
	return nil
}

// JobExecution returns a snapshot of the live execution of a running job.
func (p *ExecutionPool) JobExecution(jobID string) (*JobExecution, bool) {
	p.mu.Lock()
	live, ok := p.running[jobID]
	p.mu.Unlock()
	if !ok {
		return nil, false
	}
	return live.Execution(), true
}

// DispatchEvent hands an event to the running event-triggered job, provided its trigger
// listens for eventType. It reports whether the event was accepted.
func (p *ExecutionPool) DispatchEvent(jobID, eventType string, data map[string]any) bool {
	p.mu.Lock()
	live, ok := p.running[jobID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	trigger := live.Job().Trigger
	if trigger.Kind != TriggerEvent || trigger.EventType != eventType {
		return false
	}
	return live.Deliver(data)
}

// Start runs Tick every TickInterval until ctx ends or Stop is called.
func (p *ExecutionPool) Start(ctx context.Context) {
	p.loopDone = make(chan struct{})
	go func() {
		defer close(p.loopDone)
		ticker := time.NewTicker(p.cfg.TickInterval)
		defer ticker.Stop()
		p.logger.Infow("execution pool started", "slots", p.cfg.Slots, "tick_interval", p.cfg.TickInterval)
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.runCtx.Done():
				return
			case <-ticker.C:
				if err := p.Tick(ctx); err != nil {
					p.logger.Warnw("execution pool tick failed", "error", err)
				}
			}
		}
	}()
}

// Stop cancels every running execution, waits until the runners return or ctx ends and
// persists the final states of those that returned. Runners still going when ctx ends are
// abandoned and their executions stay RUNNING or ACTIVE until the next Recover.
func (p *ExecutionPool) Stop(ctx context.Context) {
	p.mu.Lock()
	live := append([]*LiveJob(nil), p.inflight...)
	p.mu.Unlock()
	for _, l := range live {
		l.Cancel()
	}
	p.runCancel()
	if p.loopDone != nil {
		<-p.loopDone
	}

	workersDone := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(workersDone)
	}()
	select {
	case <-workersDone:
	case <-ctx.Done():
		for _, l := range live {
			if l.IsRunning() {
				p.logger.Warnw("runner did not stop in time, abandoning it",
					"job_id", l.job.ID, "execution_id", l.Execution().ID)
			}
		}
	}
	p.collectFinished(context.WithoutCancel(ctx))
	p.logger.Infow("execution pool stopped", "cancelled", len(live))
}
