package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"

	"jobengine/internal/core"
)

type triggerRequest struct {
	Kind      string            `json:"kind"`
	Cron      string            `json:"cron"`
	EventType string            `json:"event_type"`
	Data      map[string]string `json:"data"`
}

type actionRequest struct {
	Type   string            `json:"type"`
	Name   string            `json:"name"`
	Active *bool             `json:"active"`
	Params map[string]string `json:"params"`
}

// jobRequest is used for both create and update; on update, absent fields keep their value.
type jobRequest struct {
	Name          *string         `json:"name"`
	Description   *string         `json:"description"`
	Active        *bool           `json:"active"`
	FaultTolerant *bool           `json:"fault_tolerant"`
	HistoryLimit  *int            `json:"history_limit"`
	Trigger       *triggerRequest `json:"trigger"`
	Actions       []actionRequest `json:"actions"`
}

type jobResponse struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Description   string        `json:"description,omitempty"`
	Active        bool          `json:"active"`
	FaultTolerant bool          `json:"fault_tolerant"`
	HistoryLimit  int           `json:"history_limit"`
	Trigger       core.Trigger  `json:"trigger"`
	Actions       []core.Action `json:"actions"`
	NextRunAt     *string       `json:"next_run_at,omitempty"`
	CreatedAt     string        `json:"created_at"`
	UpdatedAt     string        `json:"updated_at"`
}

type scheduledResponse struct {
	Job       jobResponse `json:"job"`
	NextRunAt string      `json:"next_run_at"`
}

type jobEventRequest struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

type bulkStateRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

var errInvalidInput = errors.New("invalid input")

func invalidInput(format string, args ...any) error {
	return errors.Wrapf(errInvalidInput, format, args...)
}

func (s *Server) newJob() *core.Job {
	return &core.Job{
		Active:        true,
		FaultTolerant: true,
		HistoryLimit:  s.opts.Defaults.HistoryLimit,
		Trigger:       core.Trigger{Kind: s.opts.Defaults.Trigger},
	}
}

// apply copies the request onto job, filling defaults for unset trigger and action fields.
func (s *Server) apply(job *core.Job, req jobRequest) error {
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return invalidInput("name cannot be empty")
		}
		job.Name = name
	}
	if req.Description != nil {
		job.Description = strings.TrimSpace(*req.Description)
	}
	if req.Active != nil {
		job.Active = *req.Active
	}
	if req.FaultTolerant != nil {
		job.FaultTolerant = *req.FaultTolerant
	}
	if req.HistoryLimit != nil {
		if *req.HistoryLimit < 0 {
			return invalidInput("history_limit must be non-negative")
		}
		job.HistoryLimit = *req.HistoryLimit
	}
	if req.Trigger != nil {
		kind := strings.TrimSpace(req.Trigger.Kind)
		if kind == "" {
			kind = string(s.opts.Defaults.Trigger)
		}
		parsed, err := core.ParseTriggerKind(kind)
		if err != nil {
			return err
		}
		job.Trigger = core.Trigger{
			Kind:      parsed,
			Cron:      strings.TrimSpace(req.Trigger.Cron),
			EventType: strings.TrimSpace(req.Trigger.EventType),
			Data:      req.Trigger.Data,
		}
	}
	if req.Actions != nil {
		actions := make([]core.Action, 0, len(req.Actions))
		for _, a := range req.Actions {
			action := core.Action{
				Type:   strings.TrimSpace(a.Type),
				Name:   strings.TrimSpace(a.Name),
				Active: true,
				Params: a.Params,
			}
			if action.Type == "" {
				action.Type = s.opts.Defaults.Action
			}
			if a.Active != nil {
				action.Active = *a.Active
			}
			actions = append(actions, action)
		}
		job.Actions = actions
	}
	return nil
}

// validate checks everything Save does not: the name and the action pipeline.
func (s *Server) validate(ctx context.Context, job *core.Job) (int, error) {
	if job.Name == "" {
		return http.StatusBadRequest, invalidInput("name is required")
	}
	if err := core.ValidateTrigger(job.Trigger); err != nil {
		return http.StatusBadRequest, err
	}
	if err := s.registry.Validate(job); err != nil {
		return http.StatusBadRequest, invalidInput("%v", err)
	}
	existing, err := s.manager.LoadByName(ctx, job.Name)
	switch {
	case errors.Is(err, core.ErrJobNotFound):
		return 0, nil
	case err != nil:
		return http.StatusInternalServerError, err
	case existing.ID != job.ID:
		return http.StatusConflict, errors.Newf("a job named %q already exists", job.Name)
	}
	return 0, nil
}

func (s *Server) jobToResponse(job *core.Job) jobResponse {
	res := jobResponse{
		ID:            job.ID,
		Name:          job.Name,
		Description:   job.Description,
		Active:        job.Active,
		FaultTolerant: job.FaultTolerant,
		HistoryLimit:  job.HistoryLimit,
		Trigger:       job.Trigger,
		Actions:       job.Actions,
		CreatedAt:     job.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:     job.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if res.Actions == nil {
		res.Actions = []core.Action{}
	}
	if job.Active {
		if next, ok := core.NextRun(job, time.Now().In(s.location)); ok {
			formatted := next.UTC().Format(time.RFC3339)
			res.NextRunAt = &formatted
		}
	}
	return res
}

func (s *Server) decodeJob(w http.ResponseWriter, r *http.Request, job *core.Job) bool {
	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	if err := s.apply(job, req); err != nil {
		s.writeInvalid(w, r, http.StatusBadRequest, err)
		return false
	}
	if status, err := s.validate(r.Context(), job); err != nil {
		s.writeInvalid(w, r, status, err)
		return false
	}
	return true
}

func (s *Server) writeInvalid(w http.ResponseWriter, r *http.Request, status int, err error) {
	switch {
	case status == http.StatusConflict:
		writeError(w, status, "conflict", err.Error())
	case errors.Is(err, errInvalidInput):
		writeError(w, status, "invalid_input", err.Error())
	default:
		s.writeFailure(w, r, err, "validate job")
	}
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	job := s.newJob()
	if !s.decodeJob(w, r, job) {
		return
	}
	saved, err := s.manager.Save(r.Context(), job)
	if err != nil {
		s.writeFailure(w, r, err, "save job")
		return
	}
	writeJSON(w, http.StatusCreated, s.jobToResponse(saved))
}

func (s *Server) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.manager.Load(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeFailure(w, r, err, "load job")
		return
	}
	if !s.decodeJob(w, r, job) {
		return
	}
	saved, err := s.manager.Save(r.Context(), job)
	if err != nil {
		s.writeFailure(w, r, err, "save job")
		return
	}
	writeJSON(w, http.StatusOK, s.jobToResponse(saved))
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.manager.Load(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeFailure(w, r, err, "load job")
		return
	}
	writeJSON(w, http.StatusOK, s.jobToResponse(job))
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Delete(r.Context(), chi.URLParam(r, "jobID")); err != nil {
		s.writeFailure(w, r, err, "delete job")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseStates(values []string) ([]core.ExecutionState, error) {
	var states []core.ExecutionState
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			st, ok := core.ParseExecutionState(strings.ToUpper(part))
			if !ok {
				return nil, invalidInput("unknown state %q", part)
			}
			states = append(states, st)
		}
	}
	return states, nil
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	states, err := parseStates(r.URL.Query()["state"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	page, size := pageParams(r)
	result, err := s.manager.LoadPage(r.Context(), page, size, strings.TrimSpace(r.URL.Query().Get("name")), states)
	if err != nil {
		s.writeFailure(w, r, err, "list jobs")
		return
	}
	items := make([]jobResponse, 0, len(result.Items))
	for _, job := range result.Items {
		items = append(items, s.jobToResponse(job))
	}
	writeJSON(w, http.StatusOK, core.Page[jobResponse]{
		Number:     result.Number,
		Size:       result.Size,
		TotalPages: result.TotalPages,
		Items:      items,
	})
}

func (s *Server) handleScheduledJobs(w http.ResponseWriter, r *http.Request) {
	scheduled, err := s.manager.LoadScheduled(r.Context())
	if err != nil {
		s.writeFailure(w, r, err, "list scheduled jobs")
		return
	}
	res := make([]scheduledResponse, 0, len(scheduled))
	for _, sj := range scheduled {
		res = append(res, scheduledResponse{
			Job:       s.jobToResponse(sj.Job),
			NextRunAt: sj.NextRun.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.manager.Load(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeFailure(w, r, err, "load job")
		return
	}
	exec, err := s.manager.Enqueue(r.Context(), job)
	if err != nil {
		s.writeFailure(w, r, err, "enqueue job")
		return
	}
	if exec == nil {
		writeError(w, http.StatusConflict, "not_enqueued",
			"job is already waiting or running, or is blocked by a failed execution")
		return
	}
	writeJSON(w, http.StatusAccepted, exec)
}

func (s *Server) handleJobEvent(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	var req jobEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	if req.Type == "" {
		job, err := s.manager.Load(r.Context(), jobID)
		if err != nil {
			s.writeFailure(w, r, err, "load job")
			return
		}
		req.Type = job.Trigger.EventType
	}
	if err := s.manager.TriggerEvent(r.Context(), jobID, req.Type, req.Data); err != nil {
		s.writeFailure(w, r, err, "deliver event")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

func (s *Server) handleListJobExecutions(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if _, err := s.manager.Load(r.Context(), jobID); err != nil {
		s.writeFailure(w, r, err, "load job")
		return
	}
	page, size := pageParams(r)
	result, err := s.manager.ExecutionsOfJob(r.Context(), jobID, page, size)
	if err != nil {
		s.writeFailure(w, r, err, "list executions")
		return
	}
	writeJSON(w, http.StatusOK, nonNilItems(result))
}

func (s *Server) handleCountJobExecutions(w http.ResponseWriter, r *http.Request) {
	state, ok := core.ParseExecutionState(strings.ToUpper(chi.URLParam(r, "state")))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_input", "unknown state")
		return
	}
	n, err := s.manager.CountExecutionsOfJobInState(r.Context(), chi.URLParam(r, "jobID"), state)
	if err != nil {
		s.writeFailure(w, r, err, "count executions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (s *Server) handleUpdateJobExecutions(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	var req bulkStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	if _, err := s.manager.Load(r.Context(), jobID); err != nil {
		s.writeFailure(w, r, err, "load job")
		return
	}
	from := core.ExecutionState(strings.ToUpper(strings.TrimSpace(req.From)))
	to := core.ExecutionState(strings.ToUpper(strings.TrimSpace(req.To)))
	if err := s.manager.UpdateAllExecutionsOfJob(r.Context(), jobID, from, to); err != nil {
		s.writeFailure(w, r, err, "update executions")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func nonNilItems(p core.Page[*core.JobExecution]) core.Page[*core.JobExecution] {
	if p.Items == nil {
		p.Items = []*core.JobExecution{}
	}
	return p
}
