package store

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"

	"jobengine/internal/core"
)

type executionRow struct {
	ID              int64          `db:"id"`
	JobID           string         `db:"job_id"`
	State           string         `db:"state"`
	Created         string         `db:"created"`
	Started         sql.NullString `db:"started"`
	Finished        sql.NullString `db:"finished"`
	ErrorCause      sql.NullString `db:"error_cause"`
	ProcessedEvents int            `db:"processed_events"`
}

const executionColumns = `id, job_id, state, created, started, finished, error_cause, processed_events`

func (r executionRow) toExecution() (*core.JobExecution, error) {
	exec := &core.JobExecution{
		ID:              r.ID,
		JobID:           r.JobID,
		State:           core.ExecutionState(r.State),
		ProcessedEvents: r.ProcessedEvents,
	}
	var err error
	if exec.Created, err = parseTime(r.Created); err != nil {
		return nil, err
	}
	if exec.Started, err = parseNullTime(r.Started); err != nil {
		return nil, err
	}
	if exec.Finished, err = parseNullTime(r.Finished); err != nil {
		return nil, err
	}
	if r.ErrorCause.Valid {
		cause := r.ErrorCause.String
		exec.ErrorCause = &cause
	}
	return exec, nil
}

func toExecutions(rows []executionRow) ([]*core.JobExecution, error) {
	execs := make([]*core.JobExecution, 0, len(rows))
	for _, row := range rows {
		exec, err := row.toExecution()
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, nil
}

// UpsertExecution inserts a new execution when its ID is zero and updates it otherwise.
// Work in progress is never persisted.
func (s *Store) UpsertExecution(ctx context.Context, exec *core.JobExecution) (*core.JobExecution, error) {
	if exec.ID == 0 {
		var id int64
		err := s.DB.GetContext(ctx, &id, s.DB.Rebind(`
			INSERT INTO job_executions (job_id, state, created, started, finished, error_cause, processed_events)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			RETURNING id
		`), exec.JobID, exec.State, formatTime(exec.Created), nullableTime(exec.Started),
			nullableTime(exec.Finished), nullableString(exec.ErrorCause), exec.ProcessedEvents)
		if err != nil {
			return nil, errors.Wrapf(err, "insert execution of job %s", exec.JobID)
		}
		return s.FindExecution(ctx, id)
	}

	res, err := s.DB.ExecContext(ctx, s.DB.Rebind(`
		UPDATE job_executions
		SET state = ?, started = ?, finished = ?, error_cause = ?, processed_events = ?
		WHERE id = ?
	`), exec.State, nullableTime(exec.Started), nullableTime(exec.Finished),
		nullableString(exec.ErrorCause), exec.ProcessedEvents, exec.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "update execution %d", exec.ID)
	}
	if err := expectRows(res, exec.ID); err != nil {
		return nil, err
	}
	return s.FindExecution(ctx, exec.ID)
}

func expectRows(res sql.Result, id int64) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(core.ErrExecutionNotFound, "execution %d", id)
	}
	return nil
}

// FindExecution returns the execution with the given ID, or nil if it does not exist.
func (s *Store) FindExecution(ctx context.Context, id int64) (*core.JobExecution, error) {
	var row executionRow
	err := s.DB.GetContext(ctx, &row,
		s.DB.Rebind(`SELECT `+executionColumns+` FROM job_executions WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "find execution %d", id)
	}
	return row.toExecution()
}

func (s *Store) findPage(ctx context.Context, where, order string, page, size int, args ...any) (core.Page[*core.JobExecution], error) {
	var total int
	if err := s.DB.GetContext(ctx, &total,
		s.DB.Rebind(`SELECT COUNT(1) FROM job_executions WHERE `+where), args...); err != nil {
		return core.Page[*core.JobExecution]{}, errors.Wrap(err, "count executions")
	}
	var rows []executionRow
	query := `SELECT ` + executionColumns + ` FROM job_executions WHERE ` + where + ` ORDER BY ` + order + limitClause(page, size)
	if err := s.DB.SelectContext(ctx, &rows, s.DB.Rebind(query), args...); err != nil {
		return core.Page[*core.JobExecution]{}, errors.Wrap(err, "list executions")
	}
	execs, err := toExecutions(rows)
	if err != nil {
		return core.Page[*core.JobExecution]{}, err
	}
	if size <= 0 {
		size = len(execs)
	}
	return core.Page[*core.JobExecution]{Number: page, Size: size, TotalPages: totalPages(total, size), Items: execs}, nil
}

// FindInState returns a page of executions in state, oldest first.
func (s *Store) FindInState(ctx context.Context, state core.ExecutionState, page, size int) (core.Page[*core.JobExecution], error) {
	return s.findPage(ctx, `state = ?`, `id ASC`, page, size, state)
}

// FindAllOfJob returns a page of the job's executions, newest first.
func (s *Store) FindAllOfJob(ctx context.Context, jobID string, page, size int) (core.Page[*core.JobExecution], error) {
	return s.findPage(ctx, `job_id = ?`, `id DESC`, page, size, jobID)
}

// FindAllOfJobInState returns every execution of the job in state, oldest first.
func (s *Store) FindAllOfJobInState(ctx context.Context, jobID string, state core.ExecutionState) ([]*core.JobExecution, error) {
	var rows []executionRow
	if err := s.DB.SelectContext(ctx, &rows, s.DB.Rebind(`
		SELECT `+executionColumns+` FROM job_executions
		WHERE job_id = ? AND state = ?
		ORDER BY id ASC
	`), jobID, state); err != nil {
		return nil, errors.Wrapf(err, "list %s executions of job %s", state, jobID)
	}
	return toExecutions(rows)
}

// CountAllOfJobInState counts the job's executions in state.
func (s *Store) CountAllOfJobInState(ctx context.Context, jobID string, state core.ExecutionState) (int, error) {
	var n int
	err := s.DB.GetContext(ctx, &n,
		s.DB.Rebind(`SELECT COUNT(1) FROM job_executions WHERE job_id = ? AND state = ?`), jobID, state)
	return n, errors.Wrapf(err, "count %s executions of job %s", state, jobID)
}

// CountInState counts executions in state across all jobs.
func (s *Store) CountInState(ctx context.Context, state core.ExecutionState) (int, error) {
	var n int
	err := s.DB.GetContext(ctx, &n, s.DB.Rebind(`SELECT COUNT(1) FROM job_executions WHERE state = ?`), state)
	return n, errors.Wrapf(err, "count %s executions", state)
}

// Cleanup keeps the newest historyLimit executions of the job that are not FAILED and deletes
// the rest together with their run logs. FAILED executions are never removed here.
func (s *Store) Cleanup(ctx context.Context, jobID string, historyLimit int) error {
	if historyLimit <= 0 {
		historyLimit = core.DefaultHistoryLimit
	}
	var ids []int64
	if err := s.DB.SelectContext(ctx, &ids, s.DB.Rebind(`
		SELECT id FROM job_executions
		WHERE job_id = ? AND state <> ?
		ORDER BY id DESC
	`), jobID, core.StateFailed); err != nil {
		return errors.Wrapf(err, "list executions of job %s", jobID)
	}
	if len(ids) <= historyLimit {
		return nil
	}
	return s.deleteExecutions(ctx, ids[historyLimit:])
}

// DeleteByJobID removes every execution of the job and their run logs.
func (s *Store) DeleteByJobID(ctx context.Context, jobID string) error {
	var ids []int64
	if err := s.DB.SelectContext(ctx, &ids,
		s.DB.Rebind(`SELECT id FROM job_executions WHERE job_id = ?`), jobID); err != nil {
		return errors.Wrapf(err, "list executions of job %s", jobID)
	}
	if len(ids) == 0 {
		return nil
	}
	return s.deleteExecutions(ctx, ids)
}

func (s *Store) deleteExecutions(ctx context.Context, ids []int64) error {
	query, args, err := sqlx.In(`DELETE FROM job_executions WHERE id IN (?)`, ids)
	if err != nil {
		return errors.Wrap(err, "build delete query")
	}
	if _, err := s.DB.ExecContext(ctx, s.DB.Rebind(query), args...); err != nil {
		return errors.Wrap(err, "delete executions")
	}
	s.removeRunLogs(ids)
	return nil
}

// TransitionExecution updates exec only if its row is still in state from.
func (s *Store) TransitionExecution(ctx context.Context, exec *core.JobExecution, from core.ExecutionState) (bool, error) {
	res, err := s.DB.ExecContext(ctx, s.DB.Rebind(`
		UPDATE job_executions
		SET state = ?, started = ?, finished = ?, error_cause = ?, processed_events = ?
		WHERE id = ? AND state = ?
	`), exec.State, nullableTime(exec.Started), nullableTime(exec.Finished),
		nullableString(exec.ErrorCause), exec.ProcessedEvents, exec.ID, from)
	if err != nil {
		return false, errors.Wrapf(err, "move execution %d from %s to %s", exec.ID, from, exec.State)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "rows affected")
	}
	return rows > 0, nil
}

// UpdateAllOfJobInState moves every execution of the job in state from to state to.
func (s *Store) UpdateAllOfJobInState(ctx context.Context, jobID string, from, to core.ExecutionState) error {
	_, err := s.DB.ExecContext(ctx,
		s.DB.Rebind(`UPDATE job_executions SET state = ? WHERE job_id = ? AND state = ?`), to, jobID, from)
	return errors.Wrapf(err, "update %s executions of job %s", from, jobID)
}
