// Package mcp exposes job management as Model Context Protocol tools.
package mcp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"jobengine/internal/core"
)

// RunLogs locates execution run logs.
type RunLogs interface {
	RunLogPath(executionID int64) string
}

// MCPServer represents the MCP server that handles protocol communication.
type MCPServer struct {
	manager  *core.JobManager
	logs     RunLogs
	logger   *zap.SugaredLogger
	location *time.Location

	server *server.MCPServer
	http   *server.StreamableHTTPServer
}

// NewMCPServer creates a new MCP server instance with every tool registered.
func NewMCPServer(manager *core.JobManager, logs RunLogs, logger *zap.SugaredLogger, location *time.Location) *MCPServer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if location == nil {
		location = time.Local
	}
	s := &MCPServer{
		manager:  manager,
		logs:     logs,
		logger:   logger,
		location: location,
	}
	s.server = server.NewMCPServer(
		"jobengine",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools()
	s.http = server.NewStreamableHTTPServer(s.server)
	return s
}

// ServeHTTP serves the streamable HTTP transport.
func (s *MCPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.http.ServeHTTP(w, r)
}

// Run serves the stdio transport until ctx is done or stdin closes.
func (s *MCPServer) Run(ctx context.Context) error {
	return s.Serve(ctx, os.Stdin, os.Stdout)
}

// Serve runs the stdio transport on the given streams.
func (s *MCPServer) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.logger.Infow("MCP server starting on stdio")
	return server.NewStdioServer(s.server).Listen(ctx, in, out)
}

func (s *MCPServer) registerTools() {
	s.server.AddTool(mcp.NewTool("job_list",
		mcp.WithDescription("List jobs, optionally filtered by name or by the state of their executions"),
		mcp.WithString("name",
			mcp.Description("Case-insensitive substring of the job name"),
		),
		mcp.WithString("state",
			mcp.Description("Only jobs having an execution in this state"),
			mcp.Enum(stateNames()...),
		),
	), s.handleListJobs)

	s.server.AddTool(mcp.NewTool("job_get",
		mcp.WithDescription("Show a job with its most recent executions"),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("Job ID"),
		),
	), s.handleGetJob)

	s.server.AddTool(mcp.NewTool("job_create_command",
		mcp.WithDescription("Create a job that runs a command. With a cron expression (5 fields, or 6 with leading seconds) the job is scheduled; without one it only runs on demand"),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Unique job name"),
		),
		mcp.WithString("command",
			mcp.Required(),
			mcp.Description("Command line to execute"),
		),
		mcp.WithString("cron",
			mcp.Description("Cron expression, e.g. '0 9 * * 1-5' for 09:00 on weekdays"),
		),
		mcp.WithString("working_dir",
			mcp.Description("Directory the command runs in"),
		),
		mcp.WithNumber("timeout_minutes",
			mcp.Description("Maximum run time in minutes, 0 for none"),
			mcp.Min(0),
		),
		mcp.WithBoolean("shell",
			mcp.Description("Run the command line through the shell"),
		),
		mcp.WithBoolean("fault_tolerant",
			mcp.Description("Keep scheduling after a failed execution, default true"),
		),
	), s.handleCreateCommandJob)

	s.server.AddTool(mcp.NewTool("job_run",
		mcp.WithDescription("Queue a job for immediate execution"),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("Job ID"),
		),
	), s.handleRunJob)

	s.server.AddTool(mcp.NewTool("job_delete",
		mcp.WithDescription("Delete a job, stopping it if it is running, and remove its executions"),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("Job ID"),
		),
	), s.handleDeleteJob)

	s.server.AddTool(mcp.NewTool("execution_list",
		mcp.WithDescription("List the executions of a job, newest first, or all executions in a state"),
		mcp.WithString("job_id",
			mcp.Description("Job ID"),
		),
		mcp.WithString("state",
			mcp.Description("Execution state, required without job_id"),
			mcp.Enum(stateNames()...),
		),
		mcp.WithNumber("limit",
			mcp.Description("Number of executions to return, default 20"),
			mcp.Min(1),
			mcp.Max(100),
		),
	), s.handleListExecutions)

	s.server.AddTool(mcp.NewTool("execution_cancel",
		mcp.WithDescription("Cancel a waiting or running execution"),
		mcp.WithNumber("execution_id",
			mcp.Required(),
			mcp.Description("Execution ID"),
		),
	), s.handleCancelExecution)

	s.server.AddTool(mcp.NewTool("execution_log",
		mcp.WithDescription("Read the output of an execution"),
		mcp.WithNumber("execution_id",
			mcp.Required(),
			mcp.Description("Execution ID"),
		),
		mcp.WithNumber("tail",
			mcp.Description("Return only the last N lines"),
			mcp.Min(0),
		),
	), s.handleExecutionLog)

	s.server.AddTool(mcp.NewTool("cron_preview",
		mcp.WithDescription("Preview the next firing times of a cron expression"),
		mcp.WithString("cron",
			mcp.Required(),
			mcp.Description("Cron expression"),
		),
		mcp.WithNumber("count",
			mcp.Description("Number of firing times, default 5"),
			mcp.Min(1),
			mcp.Max(10),
		),
	), s.handleCronPreview)

	s.logger.Debugw("MCP tools registered", "count", 9)
}

func stateNames() []string {
	names := make([]string, 0, len(core.AllStates))
	for _, st := range core.AllStates {
		names = append(names, string(st))
	}
	return names
}

func toolError(action string, err error) *mcp.CallToolResult {
	msg := fmt.Sprintf("%s: %v", action, err)
	if hint := errors.FlattenHints(err); hint != "" {
		msg += "\nhint: " + hint
	}
	return mcp.NewToolResultError(msg)
}

func (s *MCPServer) handleListJobs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var states []core.ExecutionState
	if raw := mcp.ParseString(request, "state", ""); raw != "" {
		st, ok := core.ParseExecutionState(strings.ToUpper(raw))
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("unknown state %q", raw)), nil
		}
		states = append(states, st)
	}

	page, err := s.manager.LoadPage(ctx, 0, core.Unpaged, mcp.ParseString(request, "name", ""), states)
	if err != nil {
		s.logger.Errorw("list jobs", "error", err)
		return toolError("list jobs", err), nil
	}
	if len(page.Items) == 0 {
		return mcp.NewToolResultText("No jobs found"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d jobs:\n\n", len(page.Items))
	for _, job := range page.Items {
		s.writeJobSummary(&b, job)
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) writeJobSummary(b *strings.Builder, job *core.Job) {
	status := "active"
	if !job.Active {
		status = "inactive"
	}
	fmt.Fprintf(b, "%s %s (%s)\n", job.ID, job.Name, status)
	fmt.Fprintf(b, "  Trigger: %s\n", describeTrigger(job.Trigger))
	if job.Active {
		if next, ok := core.NextRun(job, time.Now().In(s.location)); ok {
			fmt.Fprintf(b, "  Next run: %s\n", formatTime(&next))
		}
	}
}

func describeTrigger(t core.Trigger) string {
	switch t.Kind {
	case core.TriggerCron:
		return "cron " + t.Cron
	case core.TriggerEvent:
		return "event " + t.EventType
	default:
		return string(t.Kind)
	}
}

func (s *MCPServer) handleGetJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID, err := request.RequireString("job_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	job, err := s.manager.Load(ctx, jobID)
	if err != nil {
		return toolError("load job", err), nil
	}

	var b strings.Builder
	s.writeJobSummary(&b, job)
	if job.Description != "" {
		fmt.Fprintf(&b, "  Description: %s\n", job.Description)
	}
	fmt.Fprintf(&b, "  Fault tolerant: %t\n", job.FaultTolerant)
	for i, a := range job.Actions {
		fmt.Fprintf(&b, "  Action %d: %s", i+1, a.Type)
		if cmd := a.Params["command"]; cmd != "" {
			fmt.Fprintf(&b, " %s", truncateString(cmd, 80))
		}
		if !a.Active {
			b.WriteString(" (inactive)")
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "  Created: %s\n", formatTime(&job.CreatedAt))

	execs, err := s.manager.ExecutionsOfJob(ctx, job.ID, 0, 5)
	if err != nil {
		return toolError("load executions", err), nil
	}
	if len(execs.Items) > 0 {
		b.WriteString("\nRecent executions:\n")
		for _, e := range execs.Items {
			writeExecution(&b, e)
		}
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleCreateCommandJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := strings.TrimSpace(mcp.ParseString(request, "name", ""))
	command := strings.TrimSpace(mcp.ParseString(request, "command", ""))
	if name == "" || command == "" {
		return mcp.NewToolResultError("name and command are required"), nil
	}
	if _, err := s.manager.LoadByName(ctx, name); err == nil {
		return mcp.NewToolResultError(fmt.Sprintf("a job named %q already exists", name)), nil
	} else if !errors.Is(err, core.ErrJobNotFound) {
		return toolError("check job name", err), nil
	}

	trigger := core.Trigger{Kind: core.TriggerManual}
	if cronExpr := strings.TrimSpace(mcp.ParseString(request, "cron", "")); cronExpr != "" {
		trigger = core.Trigger{Kind: core.TriggerCron, Cron: cronExpr}
	}

	timeout := time.Duration(mcp.ParseFloat64(request, "timeout_minutes", 0) * float64(time.Minute))
	action := BuildCommandAction(CommandSpec{
		Command:    command,
		WorkingDir: mcp.ParseString(request, "working_dir", ""),
		Timeout:    timeout,
		Shell:      mcp.ParseBoolean(request, "shell", false),
	})

	job, err := s.manager.Save(ctx, &core.Job{
		Name:          name,
		Active:        true,
		FaultTolerant: mcp.ParseBoolean(request, "fault_tolerant", true),
		Trigger:       trigger,
		Actions:       []core.Action{action},
	})
	if err != nil {
		s.logger.Warnw("create job", "name", name, "error", err)
		return toolError("create job", err), nil
	}
	s.logger.Infow("job created", "job_id", job.ID, "trigger", describeTrigger(job.Trigger))

	var b strings.Builder
	fmt.Fprintf(&b, "Job created\nID: %s\n", job.ID)
	if next, ok := core.NextRun(job, time.Now().In(s.location)); ok {
		fmt.Fprintf(&b, "Next run: %s\n", formatTime(&next))
	} else {
		b.WriteString("Runs on demand, use job_run\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleRunJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID, err := request.RequireString("job_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	job, err := s.manager.Load(ctx, jobID)
	if err != nil {
		return toolError("load job", err), nil
	}
	exec, err := s.manager.Enqueue(ctx, job)
	if err != nil {
		return toolError("run job", err), nil
	}
	if exec == nil {
		return mcp.NewToolResultError(
			"job not queued: it is already waiting or running, or a failed execution blocks it"), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Job queued\nJob ID: %s\nExecution ID: %d", job.ID, exec.ID)), nil
}

func (s *MCPServer) handleDeleteJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID, err := request.RequireString("job_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.manager.Delete(ctx, jobID); err != nil {
		return toolError("delete job", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Job deleted: %s", jobID)), nil
}

func (s *MCPServer) handleListExecutions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := int(mcp.ParseFloat64(request, "limit", 20))
	if limit <= 0 {
		limit = 20
	}
	jobID := mcp.ParseString(request, "job_id", "")
	rawState := mcp.ParseString(request, "state", "")

	var (
		page core.Page[*core.JobExecution]
		err  error
	)
	switch {
	case jobID != "":
		page, err = s.manager.ExecutionsOfJob(ctx, jobID, 0, limit)
	case rawState != "":
		st, ok := core.ParseExecutionState(strings.ToUpper(rawState))
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("unknown state %q", rawState)), nil
		}
		page, err = s.manager.ExecutionsInState(ctx, st, 0, limit)
	default:
		return mcp.NewToolResultError("job_id or state is required"), nil
	}
	if err != nil {
		return toolError("list executions", err), nil
	}

	var b strings.Builder
	var shown int
	for _, e := range page.Items {
		if jobID != "" && rawState != "" && !strings.EqualFold(string(e.State), rawState) {
			continue
		}
		writeExecution(&b, e)
		shown++
	}
	if shown == 0 {
		return mcp.NewToolResultText("No executions found"), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Found %d executions:\n\n%s", shown, b.String())), nil
}

func writeExecution(b *strings.Builder, e *core.JobExecution) {
	fmt.Fprintf(b, "[%s] execution %d of job %s\n", e.State, e.ID, e.JobID)
	fmt.Fprintf(b, "    Created: %s\n", formatTime(&e.Created))
	if e.Started != nil {
		fmt.Fprintf(b, "    Started: %s\n", formatTime(e.Started))
	}
	if e.Finished != nil {
		fmt.Fprintf(b, "    Finished: %s\n", formatTime(e.Finished))
	}
	if e.ErrorCause != nil {
		fmt.Fprintf(b, "    Error: %s\n", truncateString(*e.ErrorCause, 200))
	}
	for _, w := range e.WorkInProgress {
		fmt.Fprintf(b, "    Working on %s (%.0f%%)\n", w.Name, w.Progress*100)
	}
	if e.ProcessedEvents > 0 {
		fmt.Fprintf(b, "    Processed events: %d\n", e.ProcessedEvents)
	}
}

func (s *MCPServer) handleCancelExecution(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := int64(mcp.ParseFloat64(request, "execution_id", 0))
	exec, err := s.manager.CancelExecution(ctx, id)
	if err != nil {
		return toolError("cancel execution", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Execution %d is %s", exec.ID, exec.State)), nil
}

func (s *MCPServer) handleExecutionLog(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := int64(mcp.ParseFloat64(request, "execution_id", 0))
	if _, err := s.manager.Execution(ctx, id); err != nil {
		return toolError("load execution", err), nil
	}

	data, err := os.ReadFile(s.logs.RunLogPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return mcp.NewToolResultText("No output recorded"), nil
		}
		return toolError("read log", err), nil
	}
	content := string(data)
	if tail := int(mcp.ParseFloat64(request, "tail", 0)); tail > 0 {
		content = tailLines(content, tail)
	}
	return mcp.NewToolResultText(content), nil
}

func (s *MCPServer) handleCronPreview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cronExpr := mcp.ParseString(request, "cron", "")
	count := int(mcp.ParseFloat64(request, "count", 0))

	nextTimes, err := core.PreviewCron(cronExpr, time.Now().In(s.location), count)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid cron expression: %v", err)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Cron expression: %s\n", cronExpr)
	fmt.Fprintf(&b, "Time zone: %s\n\n", s.location)
	b.WriteString("Next firing times:\n")
	for i, t := range nextTimes {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, t.Format("2006-01-02 15:04:05"))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format("2006-01-02 15:04:05")
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func tailLines(content string, n int) string {
	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n") + "\n"
}
