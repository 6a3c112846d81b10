package mcp

import (
	"strconv"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"jobengine/internal/core"
)

// CommandSpec describes a single command step created through MCP.
type CommandSpec struct {
	Command    string
	Args       []string
	WorkingDir string
	Timeout    time.Duration
	Shell      bool
}

// BuildCommandAction builds the command action of a job. Args are quoted onto the command line
// so that the pipeline splits them back unchanged.
func BuildCommandAction(c CommandSpec) core.Action {
	line := strings.TrimSpace(c.Command)
	if len(c.Args) > 0 {
		line += " " + shellquote.Join(c.Args...)
	}
	params := map[string]string{"command": line}
	if c.WorkingDir != "" {
		params["working_dir"] = c.WorkingDir
	}
	if c.Timeout > 0 {
		params["timeout"] = c.Timeout.String()
	}
	if c.Shell {
		params["shell"] = strconv.FormatBool(true)
	}
	return core.Action{Type: "command", Name: "command", Active: true, Params: params}
}
