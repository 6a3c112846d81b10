// Package notify delivers operator notifications about job executions.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"jobengine/internal/core"
	"jobengine/internal/events"
)

// Notifier defines the interface for sending notifications.
type Notifier interface {
	Send(ctx context.Context, title, body string) error
}

// MultiNotifier combines multiple notifiers.
type MultiNotifier struct {
	notifiers []Notifier
}

func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send tries every notifier and returns the combined errors of those that failed.
func (m *MultiNotifier) Send(ctx context.Context, title, body string) error {
	var result error
	for _, n := range m.notifiers {
		if err := n.Send(ctx, title, body); err != nil {
			result = errors.CombineErrors(result, err)
		}
	}
	return result
}

// NoOpNotifier does nothing.
type NoOpNotifier struct{}

func (n *NoOpNotifier) Send(ctx context.Context, title, body string) error {
	return nil
}

// FailureNotifier sends a notification whenever an execution ends FAILED.
type FailureNotifier struct {
	broker   *events.Broker
	notifier Notifier
	logger   *zap.SugaredLogger
	timeout  time.Duration
}

func NewFailureNotifier(broker *events.Broker, notifier Notifier, logger *zap.SugaredLogger) *FailureNotifier {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &FailureNotifier{broker: broker, notifier: notifier, logger: logger, timeout: 15 * time.Second}
}

func isFailure(e core.JobEvent) bool {
	return e.Type == core.EventStateChange && e.Execution != nil && e.Execution.State == core.StateFailed
}

// Run delivers notifications until ctx is done or the broker is closed.
func (f *FailureNotifier) Run(ctx context.Context) {
	sub := f.broker.Subscribe(0, isFailure)
	defer f.broker.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			title, body := failureMessage(ev)
			sendCtx, cancel := context.WithTimeout(ctx, f.timeout)
			if err := f.notifier.Send(sendCtx, title, body); err != nil {
				f.logger.Warnw("failure notification not sent", "job_id", ev.JobID, "error", err)
			}
			cancel()
		}
	}
}

func failureMessage(ev core.JobEvent) (string, string) {
	name := ev.JobName
	if name == "" {
		name = ev.JobID
	}
	title := fmt.Sprintf("Job %s failed", name)
	body := fmt.Sprintf("Execution %d failed", ev.Execution.ID)
	if ev.Execution.ErrorCause != nil {
		body += ": " + *ev.Execution.ErrorCause
	}
	return title, body
}
