package scheduler

import (
	"errors"
	"fmt"
)

// Validation errors surfaced synchronously at job creation. They are never
// persisted as jobs.
var (
	ErrInvalidJobType   = errors.New("invalid job type")
	ErrInvalidMediaType = errors.New("invalid media type")
	ErrAmbiguousSource  = errors.New("source must reference exactly one of content or file")
	ErrMissingStages    = errors.New("batch jobs must declare stages in job_config")
)

// TerminalError marks a stage failure that must not be retried (malformed
// input, unsupported media). Everything not marked terminal is retryable by
// default.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string { return "terminal: " + e.Err.Error() }
func (e *TerminalError) Unwrap() error { return e.Err }

// Terminal wraps err so the retry manager classifies it as non-retryable.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &TerminalError{Err: err}
}

// IsTerminal reports whether err carries a TerminalError marker.
func IsTerminal(err error) bool {
	var te *TerminalError
	return errors.As(err, &te)
}

// StageError ties a stage executor failure to the stage that raised it.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("stage %s: %v", e.Stage, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }
