package queue

import "errors"

// ErrRetryWindowExceeded marks a job whose total lifetime passed the
// maximum retry window.
var ErrRetryWindowExceeded = errors.New("job retry window exceeded")

// ErrShutdown is returned from suspension points once shutdown begins. A
// job failing with it stays persisted and resumes on the next start.
var ErrShutdown = errors.New("job queue is shutting down")

type resultKind int

const (
	resultCompleted resultKind = iota
	resultCancelled
	resultAborted
	resultRetryable
	resultFatal
)

// Result is the outcome of one run attempt. The retry loop branches on the
// result kind alone and never inspects error types.
type Result struct {
	kind resultKind
	err  error
}

// Completed marks the job done; its record is deleted.
func Completed() Result {
	return Result{kind: resultCompleted}
}

// Cancelled marks the job abandoned on purpose; its record is deleted and
// no error propagates.
func Cancelled() Result {
	return Result{kind: resultCancelled}
}

// Aborted marks the attempt interrupted by shutdown. The record stays
// persisted and the job resumes on the next process start.
func Aborted(err error) Result {
	return Result{kind: resultAborted, err: err}
}

// Retryable marks a failed attempt subject to backoff and retry.
func Retryable(err error) Result {
	return Result{kind: resultRetryable, err: err}
}

// Fatal marks a permanent failure; the record is deleted and the job is
// never retried.
func Fatal(err error) Result {
	return Result{kind: resultFatal, err: err}
}

// Err returns the error carried by the result, if any.
func (r Result) Err() error {
	return r.err
}

// Terminal outcome labels, as recorded in job history.
const (
	OutcomeCompleted      = "completed"
	OutcomeCancelled      = "cancelled"
	OutcomeFatal          = "fatal"
	OutcomeExhausted      = "exhausted"
	OutcomeWindowExceeded = "window_exceeded"
)
