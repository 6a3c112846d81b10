package core

import "github.com/cockroachdb/errors"

var (
	ErrJobIDRequired       = errors.New("job ID required")
	ErrExecutionIDRequired = errors.New("job execution ID required")
	ErrStateRequired       = errors.New("job execution state required")
	ErrInvalidTrigger      = errors.New("invalid trigger")
	ErrTimerNotCancelled   = errors.New("job timer could not be cancelled")
	ErrDuplicateTimer      = errors.New("job already has a timer")
	ErrEventRejected       = errors.New("event not accepted by job")
	ErrInvalidTransition   = errors.New("invalid execution state transition")
	ErrJobNotFound         = errors.New("job not found")
	ErrExecutionNotFound   = errors.New("job execution not found")
)
