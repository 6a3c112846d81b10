package mcp

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobengine/internal/core"
	"jobengine/internal/store"
)

type testEnv struct {
	server  *MCPServer
	store   *store.Store
	manager *core.JobManager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, store.Options{StateDir: t.TempDir()})
	require.NoError(t, err)

	runner := core.RunnerFunc(func(ctx context.Context, live *core.LiveJob) error {
		<-ctx.Done()
		return nil
	})
	pool := core.NewExecutionPool(st, st, runner, core.DefaultPoolConfig())
	manager := core.NewJobManager(st, st, pool, core.NewCronTimers(time.UTC), core.WithLocation(time.UTC))

	t.Cleanup(func() {
		pool.Stop(ctx)
		manager.Stop()
		st.Close()
	})
	return &testEnv{
		server:  NewMCPServer(manager, st, nil, time.UTC),
		store:   st,
		manager: manager,
	}
}

func call(t *testing.T, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) (string, bool) {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	res, err := handler(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text, res.IsError
}

func (e *testEnv) createJob(t *testing.T, args map[string]any) *core.Job {
	t.Helper()
	text, isErr := call(t, e.server.handleCreateCommandJob, args)
	require.False(t, isErr, text)
	job, err := e.manager.LoadByName(context.Background(), args["name"].(string))
	require.NoError(t, err)
	return job
}

func TestCreateCommandJob(t *testing.T) {
	env := newTestEnv(t)

	job := env.createJob(t, map[string]any{
		"name":            "backup",
		"command":         "tar czf /tmp/backup.tgz /srv",
		"cron":            "0 3 * * *",
		"working_dir":     "/srv",
		"timeout_minutes": float64(30),
		"shell":           true,
	})

	assert.True(t, job.Active)
	assert.True(t, job.FaultTolerant)
	assert.Equal(t, core.TriggerCron, job.Trigger.Kind)
	assert.Equal(t, "0 3 * * *", job.Trigger.Cron)
	require.Len(t, job.Actions, 1)
	assert.Equal(t, map[string]string{
		"command":     "tar czf /tmp/backup.tgz /srv",
		"working_dir": "/srv",
		"timeout":     "30m0s",
		"shell":       "true",
	}, job.Actions[0].Params)

	manual := env.createJob(t, map[string]any{"name": "adhoc", "command": "date", "fault_tolerant": false})
	assert.Equal(t, core.TriggerManual, manual.Trigger.Kind)
	assert.False(t, manual.FaultTolerant)
}

func TestCreateCommandJobRejects(t *testing.T) {
	env := newTestEnv(t)
	env.createJob(t, map[string]any{"name": "taken", "command": "true"})

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing command", map[string]any{"name": "x"}, "required"},
		{"duplicate name", map[string]any{"name": "taken", "command": "true"}, "already exists"},
		{"bad cron", map[string]any{"name": "y", "command": "true", "cron": "not a cron"}, "create job"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, isErr := call(t, env.server.handleCreateCommandJob, tt.args)
			assert.True(t, isErr)
			assert.Contains(t, text, tt.want)
		})
	}
}

func TestListAndGetJobs(t *testing.T) {
	env := newTestEnv(t)

	text, isErr := call(t, env.server.handleListJobs, map[string]any{})
	assert.False(t, isErr)
	assert.Equal(t, "No jobs found", text)

	job := env.createJob(t, map[string]any{"name": "nightly-report", "command": "report", "cron": "0 1 * * *"})
	env.createJob(t, map[string]any{"name": "cleanup", "command": "rm -rf /tmp/cache"})

	text, _ = call(t, env.server.handleListJobs, map[string]any{"name": "REPORT"})
	assert.Contains(t, text, "Found 1 jobs")
	assert.Contains(t, text, "nightly-report")
	assert.Contains(t, text, "Next run:")
	assert.NotContains(t, text, "cleanup")

	text, isErr = call(t, env.server.handleListJobs, map[string]any{"state": "bogus"})
	assert.True(t, isErr)
	assert.Contains(t, text, "unknown state")

	text, isErr = call(t, env.server.handleGetJob, map[string]any{"job_id": job.ID})
	assert.False(t, isErr)
	assert.Contains(t, text, "cron 0 1 * * *")
	assert.Contains(t, text, "Action 1: command report")

	text, isErr = call(t, env.server.handleGetJob, map[string]any{"job_id": "missing"})
	assert.True(t, isErr)
	assert.Contains(t, text, "not found")
}

func TestRunListAndCancelExecution(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t, map[string]any{"name": "adhoc", "command": "sleep 60"})

	text, isErr := call(t, env.server.handleRunJob, map[string]any{"job_id": job.ID})
	require.False(t, isErr, text)
	assert.Contains(t, text, "Job queued")

	text, isErr = call(t, env.server.handleRunJob, map[string]any{"job_id": job.ID})
	assert.True(t, isErr)
	assert.Contains(t, text, "not queued")

	page, err := env.manager.ExecutionsOfJob(context.Background(), job.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	execID := page.Items[0].ID

	text, _ = call(t, env.server.handleListExecutions, map[string]any{"job_id": job.ID})
	assert.Contains(t, text, "Found 1 executions")
	assert.Contains(t, text, "[WAITING]")

	text, _ = call(t, env.server.handleListExecutions, map[string]any{"state": "waiting"})
	assert.Contains(t, text, "[WAITING]")

	text, _ = call(t, env.server.handleListExecutions, map[string]any{"job_id": job.ID, "state": "FAILED"})
	assert.Equal(t, "No executions found", text)

	text, isErr = call(t, env.server.handleListExecutions, map[string]any{})
	assert.True(t, isErr)
	assert.Contains(t, text, "job_id or state")

	text, isErr = call(t, env.server.handleCancelExecution, map[string]any{"execution_id": float64(execID)})
	require.False(t, isErr, text)
	assert.Contains(t, text, "CANCELLED")

	exec, err := env.manager.Execution(context.Background(), execID)
	require.NoError(t, err)
	assert.Equal(t, core.StateCancelled, exec.State)
}

func TestExecutionLog(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t, map[string]any{"name": "adhoc", "command": "date"})
	exec, err := env.manager.Enqueue(context.Background(), job)
	require.NoError(t, err)
	require.NotNil(t, exec)

	text, isErr := call(t, env.server.handleExecutionLog, map[string]any{"execution_id": float64(exec.ID)})
	assert.False(t, isErr)
	assert.Equal(t, "No output recorded", text)

	require.NoError(t, env.store.EnsureRunLogDir(exec.ID))
	require.NoError(t, os.WriteFile(env.store.RunLogPath(exec.ID), []byte("one\ntwo\nthree\n"), 0o644))

	text, _ = call(t, env.server.handleExecutionLog, map[string]any{"execution_id": float64(exec.ID), "tail": float64(2)})
	assert.Equal(t, "two\nthree\n", text)

	text, isErr = call(t, env.server.handleExecutionLog, map[string]any{"execution_id": float64(999)})
	assert.True(t, isErr)
	assert.Contains(t, text, "not found")
}

func TestDeleteJob(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t, map[string]any{"name": "doomed", "command": "true"})

	text, isErr := call(t, env.server.handleDeleteJob, map[string]any{"job_id": job.ID})
	require.False(t, isErr, text)

	_, err := env.manager.Load(context.Background(), job.ID)
	assert.ErrorIs(t, err, core.ErrJobNotFound)
}

func TestCronPreview(t *testing.T) {
	env := newTestEnv(t)

	text, isErr := call(t, env.server.handleCronPreview, map[string]any{"cron": "*/5 * * * *", "count": float64(3)})
	require.False(t, isErr, text)
	assert.Contains(t, text, "Time zone: UTC")
	assert.Contains(t, text, "  3. ")
	assert.NotContains(t, text, "  4. ")

	text, isErr = call(t, env.server.handleCronPreview, map[string]any{"cron": "every minute"})
	assert.True(t, isErr)
	assert.Contains(t, text, "invalid cron expression")
}

func TestBuildCommandActionQuotesArgs(t *testing.T) {
	action := BuildCommandAction(CommandSpec{Command: "echo", Args: []string{"hello world", "it's"}})
	assert.Equal(t, "command", action.Type)
	assert.True(t, action.Active)
	words, err := shellquote.Split(action.Params["command"])
	require.NoError(t, err)
	assert.Equal(t, []string{"echo", "hello world", "it's"}, words)
	assert.NotContains(t, action.Params, "shell")
}
