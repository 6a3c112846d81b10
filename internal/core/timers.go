package core

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

// TimerHandle is a recurring timer registered for one job.
type TimerHandle interface {
	Cancel() error
}

// Timers registers recurring callbacks from cron expressions.
type Timers interface {
	Schedule(expr string, fn func()) (TimerHandle, error)
}

// CronTimers runs timers on a robfig/cron scheduler.
type CronTimers struct {
	cron *cron.Cron
	once sync.Once
}

// NewCronTimers creates timers evaluated in loc (time.Local if nil).
func NewCronTimers(loc *time.Location) *CronTimers {
	if loc == nil {
		loc = time.Local
	}
	return &CronTimers{
		cron: cron.New(
			cron.WithParser(cronParser),
			cron.WithLocation(loc),
		),
	}
}

// Start begins firing timers.
func (t *CronTimers) Start() {
	t.cron.Start()
}

// Stop halts the scheduler and waits for running callbacks to return.
func (t *CronTimers) Stop() {
	t.once.Do(func() {
		<-t.cron.Stop().Done()
	})
}

// Schedule registers fn to run on every firing of expr.
func (t *CronTimers) Schedule(expr string, fn func()) (TimerHandle, error) {
	schedule, err := ParseCron(expr)
	if err != nil {
		return nil, err
	}
	id := t.cron.Schedule(schedule, cron.FuncJob(fn))
	return &cronTimer{cron: t.cron, id: id}, nil
}

type cronTimer struct {
	cron *cron.Cron
	id   cron.EntryID
}

func (h *cronTimer) Cancel() error {
	h.cron.Remove(h.id)
	if h.cron.Entry(h.id).Valid() {
		return errors.Wrapf(ErrTimerNotCancelled, "cron entry %d still registered", h.id)
	}
	return nil
}
