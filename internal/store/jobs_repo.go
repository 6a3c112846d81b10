package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"

	"jobengine/internal/core"
)

type jobRow struct {
	ID            string `db:"id"`
	Name          string `db:"name"`
	Description   string `db:"description"`
	Active        bool   `db:"active"`
	FaultTolerant bool   `db:"fault_tolerant"`
	HistoryLimit  int    `db:"history_limit"`
	TriggerKind   string `db:"trigger_kind"`
	TriggerSpec   string `db:"trigger_spec"`
	Actions       string `db:"actions"`
	CreatedAt     string `db:"created_at"`
	UpdatedAt     string `db:"updated_at"`
}

const jobColumns = `id, name, description, active, fault_tolerant, history_limit, trigger_kind, trigger_spec, actions, created_at, updated_at`

func toJobRow(job *core.Job) (jobRow, error) {
	trigger, err := json.Marshal(job.Trigger)
	if err != nil {
		return jobRow{}, errors.Wrap(err, "encode trigger")
	}
	actions := job.Actions
	if actions == nil {
		actions = []core.Action{}
	}
	encodedActions, err := json.Marshal(actions)
	if err != nil {
		return jobRow{}, errors.Wrap(err, "encode actions")
	}
	return jobRow{
		ID:            job.ID,
		Name:          job.Name,
		Description:   job.Description,
		Active:        job.Active,
		FaultTolerant: job.FaultTolerant,
		HistoryLimit:  job.HistoryLimit,
		TriggerKind:   string(job.Trigger.Kind),
		TriggerSpec:   string(trigger),
		Actions:       string(encodedActions),
		CreatedAt:     formatTime(job.CreatedAt),
		UpdatedAt:     formatTime(job.UpdatedAt),
	}, nil
}

func (r jobRow) toJob() (*core.Job, error) {
	job := &core.Job{
		ID:            r.ID,
		Name:          r.Name,
		Description:   r.Description,
		Active:        r.Active,
		FaultTolerant: r.FaultTolerant,
		HistoryLimit:  r.HistoryLimit,
	}
	if err := json.Unmarshal([]byte(r.TriggerSpec), &job.Trigger); err != nil {
		return nil, errors.Wrapf(err, "decode trigger of job %s", r.ID)
	}
	if err := json.Unmarshal([]byte(r.Actions), &job.Actions); err != nil {
		return nil, errors.Wrapf(err, "decode actions of job %s", r.ID)
	}
	var err error
	if job.CreatedAt, err = parseTime(r.CreatedAt); err != nil {
		return nil, err
	}
	if job.UpdatedAt, err = parseTime(r.UpdatedAt); err != nil {
		return nil, err
	}
	return job, nil
}

func toJobs(rows []jobRow) ([]*core.Job, error) {
	jobs := make([]*core.Job, 0, len(rows))
	for _, row := range rows {
		job, err := row.toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// UpsertJob inserts the job or replaces the stored definition with the same ID.
func (s *Store) UpsertJob(ctx context.Context, job *core.Job) (*core.Job, error) {
	row, err := toJobRow(job)
	if err != nil {
		return nil, err
	}
	_, err = s.DB.NamedExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (:id, :name, :description, :active, :fault_tolerant, :history_limit, :trigger_kind, :trigger_spec, :actions, :created_at, :updated_at)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			active = excluded.active,
			fault_tolerant = excluded.fault_tolerant,
			history_limit = excluded.history_limit,
			trigger_kind = excluded.trigger_kind,
			trigger_spec = excluded.trigger_spec,
			actions = excluded.actions,
			updated_at = excluded.updated_at
	`, row)
	if err != nil {
		return nil, errors.Wrapf(err, "upsert job %s", job.ID)
	}
	return s.FindJob(ctx, job.ID)
}

// FindJob returns the job with the given ID, or nil if it does not exist.
func (s *Store) FindJob(ctx context.Context, id string) (*core.Job, error) {
	return s.findJobBy(ctx, "id", id)
}

// FindJobByName returns the job with the given name, or nil if it does not exist.
func (s *Store) FindJobByName(ctx context.Context, name string) (*core.Job, error) {
	return s.findJobBy(ctx, "name", name)
}

func (s *Store) findJobBy(ctx context.Context, column, value string) (*core.Job, error) {
	var row jobRow
	err := s.DB.GetContext(ctx, &row, s.DB.Rebind(`SELECT `+jobColumns+` FROM jobs WHERE `+column+` = ?`), value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "find job by %s", column)
	}
	return row.toJob()
}

// FindAllJobs returns every job ordered by name.
func (s *Store) FindAllJobs(ctx context.Context) ([]*core.Job, error) {
	var rows []jobRow
	if err := s.DB.SelectContext(ctx, &rows, `SELECT `+jobColumns+` FROM jobs ORDER BY name`); err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	return toJobs(rows)
}

// FindJobPage returns a page of jobs whose name contains nameFilter, case-insensitively.
func (s *Store) FindJobPage(ctx context.Context, page, size int, nameFilter string) (core.Page[*core.Job], error) {
	pattern := "%" + strings.ToLower(nameFilter) + "%"
	var total int
	if err := s.DB.GetContext(ctx, &total,
		s.DB.Rebind(`SELECT COUNT(1) FROM jobs WHERE LOWER(name) LIKE ?`), pattern); err != nil {
		return core.Page[*core.Job]{}, errors.Wrap(err, "count jobs")
	}
	var rows []jobRow
	if err := s.DB.SelectContext(ctx, &rows,
		s.DB.Rebind(`SELECT `+jobColumns+` FROM jobs WHERE LOWER(name) LIKE ? ORDER BY name`+limitClause(page, size)),
		pattern); err != nil {
		return core.Page[*core.Job]{}, errors.Wrap(err, "list jobs")
	}
	jobs, err := toJobs(rows)
	if err != nil {
		return core.Page[*core.Job]{}, err
	}
	return core.Page[*core.Job]{Number: page, Size: size, TotalPages: totalPages(total, size), Items: jobs}, nil
}

// DeleteJob removes the job definition. Deleting a missing job is not an error.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	if _, err := s.DB.ExecContext(ctx, s.DB.Rebind(`DELETE FROM jobs WHERE id = ?`), id); err != nil {
		return errors.Wrapf(err, "delete job %s", id)
	}
	return nil
}
