package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobengine/internal/core"
	"jobengine/internal/events"
	"jobengine/internal/pipeline"
	"jobengine/internal/store"
)

type testEnv struct {
	server  *Server
	store   *store.Store
	manager *core.JobManager
	pool    *core.ExecutionPool
	broker  *events.Broker
	events  chan map[string]any
	token   string
}

func newTestEnv(t *testing.T, token string) *testEnv {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, store.Options{StateDir: t.TempDir()})
	require.NoError(t, err)

	env := &testEnv{store: st, broker: events.NewBroker(nil), events: make(chan map[string]any, 8), token: token}
	runner := core.RunnerFunc(func(ctx context.Context, live *core.LiveJob) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case data := <-live.Events():
				env.events <- data
			}
		}
	})
	reg := prometheus.NewRegistry()
	env.pool = core.NewExecutionPool(st, st, runner, core.DefaultPoolConfig(),
		core.WithPoolPublisher(env.broker), core.WithPoolMetrics(core.NewMetrics(reg)))
	env.manager = core.NewJobManager(st, st, env.pool, core.NewCronTimers(time.UTC),
		core.WithManagerPublisher(env.broker), core.WithLocation(time.UTC))
	env.server = NewServer(env.manager, env.pool, pipeline.NewRegistry(), st, env.broker, Options{
		AuthToken: token,
		Location:  time.UTC,
		Gatherer:  reg,
		Defaults:  JobDefaults{Trigger: core.TriggerManual, Action: "command", HistoryLimit: 3},
	})

	t.Cleanup(func() {
		env.pool.Stop(ctx)
		env.manager.Stop()
		env.broker.Close()
		st.Close()
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[map[string]errorBody](t, rec)["error"].Code
}

func (e *testEnv) createJob(t *testing.T, body map[string]any) jobResponse {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/v1/jobs", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[jobResponse](t, rec)
}

func commandJob(name string) map[string]any {
	return map[string]any{
		"name":    name,
		"actions": []map[string]any{{"params": map[string]string{"command": "echo hi"}}},
	}
}

func TestCreateJobAppliesDefaults(t *testing.T) {
	env := newTestEnv(t, "")
	job := env.createJob(t, commandJob("report"))

	assert.NotEmpty(t, job.ID)
	assert.True(t, job.Active)
	assert.True(t, job.FaultTolerant)
	assert.Equal(t, 3, job.HistoryLimit)
	assert.Equal(t, core.TriggerManual, job.Trigger.Kind)
	require.Len(t, job.Actions, 1)
	assert.Equal(t, "command", job.Actions[0].Type)
	assert.True(t, job.Actions[0].Active)
	assert.Nil(t, job.NextRunAt)

	rec := env.do(t, http.MethodGet, "/v1/jobs/"+job.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "report", decode[jobResponse](t, rec).Name)
}

func TestCreateJobValidation(t *testing.T) {
	env := newTestEnv(t, "")
	env.createJob(t, commandJob("taken"))

	tests := []struct {
		name   string
		body   map[string]any
		status int
		code   string
	}{
		{name: "missing name", body: map[string]any{}, status: http.StatusBadRequest, code: "invalid_input"},
		{name: "blank name", body: map[string]any{"name": "  "}, status: http.StatusBadRequest, code: "invalid_input"},
		{
			name:   "bad cron",
			body:   map[string]any{"name": "x", "trigger": map[string]any{"kind": "cron", "cron": "every day"}},
			status: http.StatusBadRequest, code: "invalid_trigger",
		},
		{
			name:   "event without type",
			body:   map[string]any{"name": "x", "trigger": map[string]any{"kind": "event"}},
			status: http.StatusBadRequest, code: "invalid_trigger",
		},
		{
			name:   "unknown trigger kind",
			body:   map[string]any{"name": "x", "trigger": map[string]any{"kind": "webhook"}},
			status: http.StatusBadRequest, code: "invalid_trigger",
		},
		{
			name:   "unknown action",
			body:   map[string]any{"name": "x", "actions": []map[string]any{{"type": "ftp"}}},
			status: http.StatusBadRequest, code: "invalid_input",
		},
		{name: "duplicate name", body: commandJob("taken"), status: http.StatusConflict, code: "conflict"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/v1/jobs", tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, errorCode(t, rec))
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateJob(t *testing.T) {
	env := newTestEnv(t, "")
	job := env.createJob(t, commandJob("nightly"))

	rec := env.do(t, http.MethodPut, "/v1/jobs/"+job.ID, map[string]any{
		"trigger": map[string]any{"kind": "cron", "cron": "0 3 * * *"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[jobResponse](t, rec)
	assert.Equal(t, "nightly", updated.Name)
	assert.Equal(t, "0 3 * * *", updated.Trigger.Cron)
	require.NotNil(t, updated.NextRunAt)
	assert.True(t, strings.HasSuffix(*updated.NextRunAt, "T03:00:00Z"))

	rec = env.do(t, http.MethodGet, "/v1/jobs/scheduled", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	scheduled := decode[[]scheduledResponse](t, rec)
	require.Len(t, scheduled, 1)
	assert.Equal(t, job.ID, scheduled[0].Job.ID)

	rec = env.do(t, http.MethodPut, "/v1/jobs/"+job.ID, map[string]any{"active": false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, decode[jobResponse](t, rec).NextRunAt)

	rec = env.do(t, http.MethodPut, "/v1/jobs/missing", map[string]any{"active": false})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListJobs(t *testing.T) {
	env := newTestEnv(t, "")
	for _, name := range []string{"import a", "import b", "export"} {
		env.createJob(t, commandJob(name))
	}

	rec := env.do(t, http.MethodGet, "/v1/jobs?name=import&size=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[core.Page[jobResponse]](t, rec)
	assert.Equal(t, 2, page.TotalPages)
	require.Len(t, page.Items, 1)

	rec = env.do(t, http.MethodGet, "/v1/jobs?state=WAITING", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[core.Page[jobResponse]](t, rec).Items)

	rec = env.do(t, http.MethodGet, "/v1/jobs?state=SLEEPING", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunAndCancel(t *testing.T) {
	env := newTestEnv(t, "")
	job := env.createJob(t, commandJob("run-me"))

	rec := env.do(t, http.MethodPost, "/v1/jobs/"+job.ID+"/run", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	exec := decode[core.JobExecution](t, rec)
	assert.Equal(t, core.StateWaiting, exec.State)

	rec = env.do(t, http.MethodPost, "/v1/jobs/"+job.ID+"/run", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "not_enqueued", errorCode(t, rec))

	rec = env.do(t, http.MethodGet, "/v1/jobs/"+job.ID+"/executions/waiting/count", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[map[string]int](t, rec)["count"])

	rec = env.do(t, http.MethodGet, "/v1/executions?state=WAITING", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode[core.Page[*core.JobExecution]](t, rec).Items, 1)

	rec = env.do(t, http.MethodGet, "/v1/pool", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, poolResponse{Slots: 5, Running: 0, Waiting: 1}, decode[poolResponse](t, rec))

	path := "/v1/executions/" + strconv.FormatInt(exec.ID, 10)
	rec = env.do(t, http.MethodPost, path+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, core.StateCancelled, decode[core.JobExecution](t, rec).State)

	rec = env.do(t, http.MethodGet, "/v1/jobs/"+job.ID+"/executions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[core.Page[*core.JobExecution]](t, rec)
	require.Len(t, page.Items, 1)
	assert.Equal(t, core.StateCancelled, page.Items[0].State)
}

func TestExecutionStateUpdates(t *testing.T) {
	env := newTestEnv(t, "")
	job := env.createJob(t, commandJob("flaky"))
	failed, err := env.store.UpsertExecution(context.Background(), &core.JobExecution{
		JobID: job.ID, State: core.StateFailed, Created: time.Now(),
	})
	require.NoError(t, err)
	path := "/v1/executions/" + strconv.FormatInt(failed.ID, 10)

	rec := env.do(t, http.MethodPut, path+"/state", map[string]string{"state": "RUNNING"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_transition", errorCode(t, rec))

	rec = env.do(t, http.MethodPut, path+"/state", map[string]string{"state": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPut, "/v1/jobs/"+job.ID+"/executions/state", map[string]string{"from": "failed", "to": "resolved"})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, core.StateResolved, decode[core.JobExecution](t, rec).State)

	rec = env.do(t, http.MethodPut, path+"/state", map[string]string{"state": "FAILED"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, core.StateFailed, decode[core.JobExecution](t, rec).State)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/v1/executions/abc", nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/executions/999", nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/v1/executions", nil).Code)
}

func TestExecutionLog(t *testing.T) {
	env := newTestEnv(t, "")
	job := env.createJob(t, commandJob("logged"))
	exec, err := env.store.UpsertExecution(context.Background(), &core.JobExecution{
		JobID: job.ID, State: core.StateFinished, Created: time.Now(),
	})
	require.NoError(t, err)
	path := "/v1/executions/" + strconv.FormatInt(exec.ID, 10) + "/log"

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, path, nil).Code)

	require.NoError(t, env.store.EnsureRunLogDir(exec.ID))
	require.NoError(t, os.WriteFile(env.store.RunLogPath(exec.ID), []byte("one\ntwo\nthree\n"), 0o644))

	rec := env.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "one\ntwo\nthree\n", rec.Body.String())

	rec = env.do(t, http.MethodGet, path+"?tail=2&follow=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "two\nthree\n", rec.Body.String())
}

func TestDeleteJob(t *testing.T) {
	env := newTestEnv(t, "")
	job := env.createJob(t, commandJob("gone"))

	require.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, "/v1/jobs/"+job.ID, nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/jobs/"+job.ID, nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodDelete, "/v1/jobs/"+job.ID, nil).Code)
}

func TestJobEvents(t *testing.T) {
	env := newTestEnv(t, "")
	job := env.createJob(t, map[string]any{
		"name":    "on-upload",
		"trigger": map[string]any{"kind": "event", "event_type": "upload"},
		"actions": []map[string]any{{"type": "log", "params": map[string]string{"message": "hi"}}},
	})

	// Activation enqueued a listener; the pool claims it on the next tick.
	require.NoError(t, env.pool.Tick(context.Background()))
	running, ok := env.pool.JobExecution(job.ID)
	require.True(t, ok)
	assert.Equal(t, core.StateActive, running.State)

	rec := env.do(t, http.MethodPost, "/v1/jobs/"+job.ID+"/events", map[string]any{"data": map[string]any{"file": "a.csv"}})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	select {
	case data := <-env.events:
		assert.Equal(t, "a.csv", data["file"])
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	rec = env.do(t, http.MethodPost, "/v1/jobs/"+job.ID+"/events", map[string]any{"type": "delete"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "event_rejected", errorCode(t, rec))
}

func TestAuth(t *testing.T) {
	env := newTestEnv(t, "secret")
	handler := env.server.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs?token=secret", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/v1/jobs", nil).Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCronPreview(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodPost, "/v1/cron/preview", map[string]any{
		"expr": "0 9 * * *", "now": "2024-03-01T10:00:00Z", "count": 2,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[cronPreviewResponse](t, rec)
	assert.True(t, res.Valid)
	assert.Equal(t, []string{"2024-03-02T09:00:00Z", "2024-03-03T09:00:00Z"}, res.NextTimes)
	assert.Equal(t, "UTC", res.Location)

	rec = env.do(t, http.MethodPost, "/v1/cron/preview", map[string]any{"expr": "0 9 * * *", "now": "yesterday"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/cron/preview", map[string]any{"expr": "61 * * * *"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[cronPreviewResponse](t, rec).Valid)

	rec = env.do(t, http.MethodPost, "/v1/cron/preview", map[string]any{"expr": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "jobengine_pool_slots")
}

func TestEventStream(t *testing.T) {
	env := newTestEnv(t, "")
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return env.broker.Len() == 1 }, time.Second, 5*time.Millisecond)

	job := env.createJob(t, commandJob("streamed"))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev core.JobEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, core.EventSave, ev.Type)
	assert.Equal(t, job.ID, ev.JobID)
	assert.Equal(t, "streamed", ev.JobName)
}
