package core

import (
	"context"
	"sort"
	"strings"
	"sync"
)

type memJobStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

func newMemJobStore(jobs ...*Job) *memJobStore {
	s := &memJobStore{jobs: make(map[string]*Job)}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return s
}

func (s *memJobStore) UpsertJob(_ context.Context, job *Job) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *job
	s.jobs[job.ID] = &c
	out := c
	return &out, nil
}

func (s *memJobStore) FindJob(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	c := *j
	return &c, nil
}

func (s *memJobStore) FindJobByName(_ context.Context, name string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.Name == name {
			c := *j
			return &c, nil
		}
	}
	return nil, nil
}

func (s *memJobStore) FindAllJobs(_ context.Context) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		c := *j
		out = append(out, &c)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out, nil
}

func (s *memJobStore) FindJobPage(ctx context.Context, page, size int, nameFilter string) (Page[*Job], error) {
	all, _ := s.FindAllJobs(ctx)
	var matched []*Job
	for _, j := range all {
		if strings.Contains(strings.ToLower(j.Name), strings.ToLower(nameFilter)) {
			matched = append(matched, j)
		}
	}
	return Paginate(matched, page, size), nil
}

func (s *memJobStore) DeleteJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

type memExecStore struct {
	mu     sync.Mutex
	nextID int64
	execs  map[int64]*JobExecution

	findInStateCalls map[ExecutionState]int
	upserts          []JobExecution
	upsertErr        error
	beforeTransition func(id int64)
}

func newMemExecStore(execs ...*JobExecution) *memExecStore {
	s := &memExecStore{
		execs:            make(map[int64]*JobExecution),
		findInStateCalls: make(map[ExecutionState]int),
	}
	for _, e := range execs {
		if e.ID > s.nextID {
			s.nextID = e.ID
		}
		s.execs[e.ID] = e.Clone()
	}
	return s
}

func (s *memExecStore) UpsertExecution(_ context.Context, exec *JobExecution) (*JobExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return nil, s.upsertErr
	}
	c := exec.Clone()
	if c.ID == 0 {
		s.nextID++
		c.ID = s.nextID
	}
	c.WorkInProgress = nil
	s.execs[c.ID] = c
	s.upserts = append(s.upserts, *c.Clone())
	return c.Clone(), nil
}

func (s *memExecStore) FindExecution(_ context.Context, id int64) (*JobExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.execs[id]
	if !ok {
		return nil, nil
	}
	return e.Clone(), nil
}

func (s *memExecStore) sorted(match func(*JobExecution) bool) []*JobExecution {
	var out []*JobExecution
	for _, e := range s.execs {
		if match(e) {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

func (s *memExecStore) FindInState(_ context.Context, state ExecutionState, page, size int) (Page[*JobExecution], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.findInStateCalls[state]++
	return Paginate(s.sorted(func(e *JobExecution) bool { return e.State == state }), page, size), nil
}

func (s *memExecStore) FindAllOfJob(_ context.Context, jobID string, page, size int) (Page[*JobExecution], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.sorted(func(e *JobExecution) bool { return e.JobID == jobID })
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return Paginate(items, page, size), nil
}

func (s *memExecStore) FindAllOfJobInState(_ context.Context, jobID string, state ExecutionState) ([]*JobExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sorted(func(e *JobExecution) bool { return e.JobID == jobID && e.State == state }), nil
}

func (s *memExecStore) CountAllOfJobInState(ctx context.Context, jobID string, state ExecutionState) (int, error) {
	items, err := s.FindAllOfJobInState(ctx, jobID, state)
	return len(items), err
}

func (s *memExecStore) CountInState(_ context.Context, state ExecutionState) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sorted(func(e *JobExecution) bool { return e.State == state })), nil
}

func (s *memExecStore) Cleanup(_ context.Context, jobID string, historyLimit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.sorted(func(e *JobExecution) bool { return e.JobID == jobID && e.State != StateFailed })
	for i := 0; i < len(items)-historyLimit; i++ {
		delete(s.execs, items[i].ID)
	}
	return nil
}

func (s *memExecStore) DeleteByJobID(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.execs {
		if e.JobID == jobID {
			delete(s.execs, id)
		}
	}
	return nil
}

func (s *memExecStore) TransitionExecution(_ context.Context, exec *JobExecution, from ExecutionState) (bool, error) {
	if s.beforeTransition != nil {
		s.beforeTransition(exec.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return false, s.upsertErr
	}
	e, ok := s.execs[exec.ID]
	if !ok || e.State != from {
		return false, nil
	}
	c := exec.Clone()
	c.WorkInProgress = nil
	s.execs[c.ID] = c
	s.upserts = append(s.upserts, *c.Clone())
	return true, nil
}

func (s *memExecStore) UpdateAllOfJobInState(_ context.Context, jobID string, from, to ExecutionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.execs {
		if e.JobID == jobID && e.State == from {
			e.State = to
		}
	}
	return nil
}

// setState changes a stored execution behind the back of its readers.
func (s *memExecStore) setState(id int64, state ExecutionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs[id].State = state
}

func (s *memExecStore) get(id int64) *JobExecution {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.execs[id]; ok {
		return e.Clone()
	}
	return nil
}

func (s *memExecStore) ofJob(jobID string) []*JobExecution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sorted(func(e *JobExecution) bool { return e.JobID == jobID })
}

func (s *memExecStore) waitingQueries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findInStateCalls[StateWaiting]
}

func (s *memExecStore) upsertedIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.upserts))
	for _, u := range s.upserts {
		ids = append(ids, u.ID)
	}
	return ids
}

type fakeTimers struct {
	mu        sync.Mutex
	scheduled int
	cancelled int
	live      map[*fakeTimer]func()
	cancelErr error
}

type fakeTimer struct {
	owner *fakeTimers
}

func newFakeTimers() *fakeTimers {
	return &fakeTimers{live: make(map[*fakeTimer]func())}
}

func (t *fakeTimers) Schedule(expr string, fn func()) (TimerHandle, error) {
	if _, err := ParseCron(expr); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	h := &fakeTimer{owner: t}
	t.live[h] = fn
	t.scheduled++
	return h, nil
}

func (h *fakeTimer) Cancel() error {
	t := h.owner
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelled++
	if t.cancelErr != nil {
		return t.cancelErr
	}
	delete(t.live, h)
	return nil
}

func (t *fakeTimers) liveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.live)
}

func (t *fakeTimers) fireAll() {
	t.mu.Lock()
	fns := make([]func(), 0, len(t.live))
	for _, fn := range t.live {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []JobEvent
}

func (p *recordingPublisher) Publish(ev JobEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) ofType(t EventType) []JobEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []JobEvent
	for _, ev := range p.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// blockingRunner runs until its context is cancelled.
func blockingRunner() Runner {
	return RunnerFunc(func(ctx context.Context, _ *LiveJob) error {
		<-ctx.Done()
		return ctx.Err()
	})
}

type stubRuntime struct {
	mu        sync.Mutex
	cancelled []string
	live      map[string]*JobExecution
	accept    bool
}

func (r *stubRuntime) Cancel(_ context.Context, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = append(r.cancelled, jobID)
	return nil
}

func (r *stubRuntime) JobExecution(jobID string) (*JobExecution, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.live[jobID]
	return e, ok
}

func (r *stubRuntime) DispatchEvent(string, string, map[string]any) bool {
	return r.accept
}

func (r *stubRuntime) Slots() int { return 3 }
