// Package pipeline runs the action pipeline of a job execution.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"jobengine/internal/core"
)

// Item is one unit of data flowing through a pipeline.
type Item map[string]any

func (it Item) clone() Item {
	c := make(Item, len(it))
	for k, v := range it {
		c[k] = v
	}
	return c
}

// Expand replaces ${key} references in s with values of the item.
func (it Item) Expand(s string) string {
	return os.Expand(s, func(key string) string {
		v, ok := it[key]
		if !ok || v == nil {
			return ""
		}
		return fmt.Sprint(v)
	})
}

// Env is what an action sees of the execution it runs in.
type Env struct {
	JobID       string
	ExecutionID int64
	Logger      *zap.SugaredLogger
	// Output receives command output and log lines; it is the execution's run log.
	Output io.Writer
}

// Action transforms items. Returning no items stops the pipeline for that input.
type Action interface {
	Process(ctx context.Context, env Env, items []Item) ([]Item, error)
}

// Factory builds an action from its configured parameters.
type Factory func(params map[string]string) (Action, error)

// Registry maps action types to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry with the built-in action types.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("command", newCommandAction)
	r.Register("http", newHTTPAction)
	r.Register("filter", newFilterAction)
	r.Register("delay", newDelayAction)
	r.Register("log", newLogAction)
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(actionType string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[actionType] = f
}

// Types lists the registered action types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Build creates an action, failing for unknown types or invalid parameters.
func (r *Registry) Build(a core.Action) (Action, error) {
	r.mu.RLock()
	f, ok := r.factories[a.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Newf("unknown action type %q", a.Type)
	}
	action, err := f(a.Params)
	if err != nil {
		return nil, errors.Wrapf(err, "configure %s action %q", a.Type, a.Name)
	}
	return action, nil
}

// Validate checks that every active action of the job can be built.
func (r *Registry) Validate(job *core.Job) error {
	_, err := r.buildAll(job)
	return err
}

type step struct {
	name   string
	action Action
}

func (r *Registry) buildAll(job *core.Job) ([]step, error) {
	var steps []step
	for i, a := range job.Actions {
		if !a.Active {
			continue
		}
		action, err := r.Build(a)
		if err != nil {
			return nil, err
		}
		name := a.Name
		if name == "" {
			name = fmt.Sprintf("%d-%s", i+1, a.Type)
		}
		steps = append(steps, step{name: name, action: action})
	}
	return steps, nil
}

// RunLogs locates execution run logs.
type RunLogs interface {
	EnsureRunLogDir(executionID int64) error
	RunLogPath(executionID int64) string
}

// Runner executes job pipelines. It implements core.Runner.
type Runner struct {
	registry *Registry
	logs     RunLogs
	logger   *zap.SugaredLogger
}

// NewRunner creates a runner. logs may be nil, in which case output is discarded.
func NewRunner(registry *Registry, logs RunLogs, logger *zap.SugaredLogger) *Runner {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Runner{registry: registry, logs: logs, logger: logger}
}

// Run executes the job's pipeline. Jobs with an event trigger process delivered events until
// ctx is cancelled; all others run once on the trigger data.
func (r *Runner) Run(ctx context.Context, live *core.LiveJob) error {
	job := live.Job()
	exec := live.Execution()
	steps, err := r.registry.buildAll(job)
	if err != nil {
		return err
	}

	out, closeOut, err := r.openOutput(exec.ID)
	if err != nil {
		return err
	}
	defer closeOut()

	env := Env{
		JobID:       job.ID,
		ExecutionID: exec.ID,
		Logger:      r.logger.With("job_id", job.ID, "execution_id", exec.ID),
		Output:      out,
	}

	if job.Trigger.Kind != core.TriggerEvent {
		return r.runSteps(ctx, live, env, steps, triggerItem(job, nil))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case data := <-live.Events():
			err := r.runSteps(ctx, live, env, steps, triggerItem(job, data))
			live.AddProcessedEvent()
			if err == nil {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			if !job.FaultTolerant {
				return err
			}
			env.Logger.Warnw("event processing failed", "error", err)
		}
	}
}

func triggerItem(job *core.Job, data map[string]any) Item {
	item := make(Item, len(job.Trigger.Data)+len(data))
	for k, v := range job.Trigger.Data {
		item[k] = v
	}
	for k, v := range data {
		item[k] = v
	}
	return item
}

func (r *Runner) runSteps(ctx context.Context, live *core.LiveJob, env Env, steps []step, initial Item) error {
	items := []Item{initial}
	for i, s := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		live.SetWorkInProgress(s.name, float64(i)/float64(len(steps)))
		next, err := s.action.Process(ctx, env, items)
		live.ClearWorkInProgress(s.name)
		if err != nil {
			return errors.Wrapf(err, "action %s", s.name)
		}
		if len(next) == 0 {
			env.Logger.Debugw("pipeline stopped, no items left", "action", s.name)
			return nil
		}
		items = next
	}
	return nil
}

func (r *Runner) openOutput(executionID int64) (io.Writer, func(), error) {
	if r.logs == nil || executionID == 0 {
		return io.Discard, func() {}, nil
	}
	if err := r.logs.EnsureRunLogDir(executionID); err != nil {
		return nil, nil, errors.Wrap(err, "ensure run log dir")
	}
	f, err := os.OpenFile(r.logs.RunLogPath(executionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, errors.Wrap(err, "open run log")
	}
	return &syncWriter{w: f}, func() { f.Close() }, nil
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
