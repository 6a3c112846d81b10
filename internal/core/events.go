package core

import "time"

// EventType names a job lifecycle notification.
type EventType string

const (
	EventSave         EventType = "SAVE"
	EventDelete       EventType = "DELETE"
	EventStateChange  EventType = "STATE_CHANGE"
	EventStateRefresh EventType = "STATE_REFRESH"
)

// JobEvent is published after every mutating operation on a job or its executions.
type JobEvent struct {
	Type      EventType     `json:"type"`
	JobID     string        `json:"job_id"`
	JobName   string        `json:"job_name,omitempty"`
	Execution *JobExecution `json:"execution,omitempty"`
	At        time.Time     `json:"at"`
}

// Publisher delivers job events to interested parties. Implementations must not block.
type Publisher interface {
	Publish(event JobEvent)
}

type nopPublisher struct{}

func (nopPublisher) Publish(JobEvent) {}

// NopPublisher discards every event.
var NopPublisher Publisher = nopPublisher{}

func newJobEvent(t EventType, job *Job, exec *JobExecution, now time.Time) JobEvent {
	ev := JobEvent{Type: t, At: now}
	if job != nil {
		ev.JobID = job.ID
		ev.JobName = job.Name
	}
	if exec != nil {
		ev.Execution = exec.Clone()
		if ev.JobID == "" {
			ev.JobID = exec.JobID
		}
	}
	return ev
}
