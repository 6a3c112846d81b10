package pipeline

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kballard/go-shellquote"
)

// killDelay is how long a terminated command gets before it is killed.
const killDelay = 5 * time.Second

// commandAction runs a command once per item. Parameters:
//
//	command      command line, ${key} expanded from the item
//	shell        "true" runs the line through /bin/sh -c instead of splitting it
//	working_dir  directory to run in
//	timeout      maximum run time, e.g. "30s"
//
// Item values are exported as ITEM_<KEY> environment variables; the exit code is stored in
// the item under "exit_code".
type commandAction struct {
	command    string
	shell      bool
	workingDir string
	timeout    time.Duration
}

func newCommandAction(params map[string]string) (Action, error) {
	a := &commandAction{
		command:    strings.TrimSpace(params["command"]),
		workingDir: params["working_dir"],
	}
	if a.command == "" {
		return nil, errors.New("command is required")
	}
	if v := params["shell"]; v != "" {
		shell, err := strconv.ParseBool(v)
		if err != nil {
			return nil, errors.Wrap(err, "invalid shell flag")
		}
		a.shell = shell
	}
	if !a.shell {
		if _, err := shellquote.Split(a.command); err != nil {
			return nil, errors.Wrap(err, "invalid command line")
		}
	}
	if v := params["timeout"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, errors.Newf("invalid timeout %q", v)
		}
		a.timeout = d
	}
	return a, nil
}

func (a *commandAction) Process(ctx context.Context, env Env, items []Item) ([]Item, error) {
	out := make([]Item, 0, len(items))
	for _, item := range items {
		code, err := a.run(ctx, env, item)
		if err != nil {
			return nil, err
		}
		next := item.clone()
		next["exit_code"] = code
		out = append(out, next)
	}
	return out, nil
}

func (a *commandAction) run(ctx context.Context, env Env, item Item) (int, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	line := item.Expand(a.command)
	cmd, err := a.buildCmd(ctx, line)
	if err != nil {
		return -1, err
	}
	cmd.Dir = a.workingDir
	cmd.Env = append(os.Environ(), itemEnv(item)...)
	cmd.Stdout = env.Output
	cmd.Stderr = env.Output
	cmd.Cancel = func() error { return terminate(cmd.Process) }
	cmd.WaitDelay = killDelay

	env.Logger.Infow("running command", "command", line)
	fmt.Fprintf(env.Output, "$ %s\n", line)
	err = cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return -1, errors.Newf("command timed out after %s", a.timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), errors.Newf("command exited with code %d", exitErr.ExitCode())
		}
		return -1, errors.Wrap(err, "run command")
	}
	return 0, nil
}

func (a *commandAction) buildCmd(ctx context.Context, line string) (*exec.Cmd, error) {
	if a.shell {
		if runtime.GOOS == "windows" {
			return exec.CommandContext(ctx, "cmd", "/C", line), nil // #nosec G204
		}
		return exec.CommandContext(ctx, "/bin/sh", "-c", line), nil // #nosec G204
	}
	args, err := shellquote.Split(line)
	if err != nil {
		return nil, errors.Wrap(err, "split command line")
	}
	if len(args) == 0 {
		return nil, errors.New("empty command line")
	}
	return exec.CommandContext(ctx, args[0], args[1:]...), nil // #nosec G204
}

func itemEnv(item Item) []string {
	keys := make([]string, 0, len(item))
	for k := range item {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		name := "ITEM_" + strings.ToUpper(strings.Map(func(r rune) rune {
			if r == '-' || r == '.' || r == ' ' {
				return '_'
			}
			return r
		}, k))
		env = append(env, fmt.Sprintf("%s=%v", name, item[k]))
	}
	return env
}

func terminate(process *os.Process) error {
	if process == nil {
		return nil
	}
	if runtime.GOOS == "windows" {
		return process.Kill()
	}
	return process.Signal(syscall.SIGTERM)
}
