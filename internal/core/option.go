package core

import (
	"time"

	"go.uber.org/zap"
)

// Option configures a component of type T.
type Option[T any] func(*T)

// WithPoolPublisher sets the event publisher of the pool.
func WithPoolPublisher(p Publisher) Option[ExecutionPool] {
	return func(pool *ExecutionPool) {
		pool.publisher = p
	}
}

// WithPoolMetrics sets the metrics collectors of the pool.
func WithPoolMetrics(m *Metrics) Option[ExecutionPool] {
	return func(pool *ExecutionPool) {
		pool.metrics = m
	}
}

// WithPoolClock overrides time.Now, for tests.
func WithPoolClock(now func() time.Time) Option[ExecutionPool] {
	return func(pool *ExecutionPool) {
		pool.now = now
	}
}

// WithPoolLogger sets the logger of the pool.
func WithPoolLogger(l *zap.SugaredLogger) Option[ExecutionPool] {
	return func(pool *ExecutionPool) {
		pool.logger = l
	}
}

// WithManagerPublisher sets the event publisher of the manager.
func WithManagerPublisher(p Publisher) Option[JobManager] {
	return func(m *JobManager) {
		m.publisher = p
	}
}

// WithManagerClock overrides time.Now, for tests.
func WithManagerClock(now func() time.Time) Option[JobManager] {
	return func(m *JobManager) {
		m.now = now
	}
}

// WithManagerLogger sets the logger of the manager.
func WithManagerLogger(l *zap.SugaredLogger) Option[JobManager] {
	return func(m *JobManager) {
		m.logger = l
	}
}

// WithDefaultHistoryLimit sets the retention used for jobs without their own limit.
func WithDefaultHistoryLimit(limit int) Option[JobManager] {
	return func(m *JobManager) {
		if limit > 0 {
			m.defaultHistoryLimit = limit
		}
	}
}

// WithLocation sets the time zone used to compute next cron runs.
func WithLocation(loc *time.Location) Option[JobManager] {
	return func(m *JobManager) {
		if loc != nil {
			m.location = loc
		}
	}
}
