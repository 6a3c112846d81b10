package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
)

// filterAction keeps items whose value under key equals value, or differs from it when
// negate is set.
type filterAction struct {
	key    string
	value  string
	negate bool
}

func newFilterAction(params map[string]string) (Action, error) {
	a := &filterAction{key: params["key"], value: params["value"]}
	if a.key == "" {
		return nil, errors.New("key is required")
	}
	if v := params["negate"]; v != "" {
		negate, err := strconv.ParseBool(v)
		if err != nil {
			return nil, errors.Wrap(err, "invalid negate flag")
		}
		a.negate = negate
	}
	return a, nil
}

func (a *filterAction) Process(_ context.Context, _ Env, items []Item) ([]Item, error) {
	var out []Item
	for _, item := range items {
		v, ok := item[a.key]
		match := ok && fmt.Sprint(v) == a.value
		if match != a.negate {
			out = append(out, item)
		}
	}
	return out, nil
}

// delayAction waits before passing items on.
type delayAction struct {
	duration time.Duration
}

func newDelayAction(params map[string]string) (Action, error) {
	d, err := time.ParseDuration(params["duration"])
	if err != nil || d < 0 {
		return nil, errors.Newf("invalid duration %q", params["duration"])
	}
	return &delayAction{duration: d}, nil
}

func (a *delayAction) Process(ctx context.Context, _ Env, items []Item) ([]Item, error) {
	t := time.NewTimer(a.duration)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
		return items, nil
	}
}

// logAction writes a message per item to the run log.
type logAction struct {
	message string
}

func newLogAction(params map[string]string) (Action, error) {
	msg := params["message"]
	if msg == "" {
		msg = "item received"
	}
	return &logAction{message: msg}, nil
}

func (a *logAction) Process(_ context.Context, env Env, items []Item) ([]Item, error) {
	for _, item := range items {
		msg := item.Expand(a.message)
		env.Logger.Infow(msg, "item", map[string]any(item))
		fmt.Fprintln(env.Output, msg)
	}
	return items, nil
}
