package app

import "time"

// Operation tracks the CLI command being run. Its ID tags every log line of
// the invocation.
type Operation struct {
	ID      string
	Command string
	Started time.Time
	Status  string // "success" or "error"
	Err     error
}

// NewOperation creates a new operation started at now.
func NewOperation(command string, now time.Time) *Operation {
	return &Operation{
		ID:      now.UTC().Format("20060102T150405Z"),
		Command: command,
		Started: now,
		Status:  "success",
	}
}

// Fail marks the operation as failed. The first error is kept.
func (op *Operation) Fail(err error) {
	if op.Err == nil {
		op.Err = err
	}
	op.Status = "error"
}

// Failed returns true if any step of the operation failed.
func (op *Operation) Failed() bool {
	return op.Status == "error"
}

// Elapsed returns the time since the operation started.
func (op *Operation) Elapsed(now time.Time) time.Duration {
	return now.Sub(op.Started)
}
