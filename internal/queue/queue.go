package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/courierhq/courier/internal/store"
)

// Default retry policy. The window bounds total job lifetime; the attempt
// cap is derived from it so no retry is ever scheduled past the window.
const (
	DefaultRetryWindow = 24 * time.Hour
	DefaultBaseDelay   = 5 * time.Second
	DefaultMaxDelay    = 10 * time.Minute
)

// RunInfo carries per-attempt bookkeeping into Runner.Run.
type RunInfo struct {
	Attempt        int
	IsFinalAttempt bool
	TimeRemaining  time.Duration
}

// Runner is the concrete behavior a JobQueue is parameterized by: payload
// validation, lane selection, and the actual work.
type Runner[T any] interface {
	// ParseData validates a raw payload and returns the typed form. A
	// failure here is fatal; malformed jobs are dropped, never retried.
	ParseData(raw json.RawMessage) (T, error)

	// LaneKey returns the serialization key for a payload. Jobs sharing a
	// key never run concurrently.
	LaneKey(data T) string

	// Run executes one attempt.
	Run(ctx context.Context, job *store.Job, data T, info RunInfo) Result
}

// TerminalRecorder receives every terminal job outcome. Shutdown aborts are
// not terminal and are not recorded.
type TerminalRecorder interface {
	RecordTerminal(job *store.Job, outcome string, attempt int, err error)
}

// Options tunes a JobQueue. Zero values take the defaults above.
type Options struct {
	RetryWindow time.Duration
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Logger      *slog.Logger
	Recorder    TerminalRecorder
}

// JobQueue owns the persistence round-trip and retry loop for one queue
// type. Payload semantics live in the Runner.
type JobQueue[T any] struct {
	queueType   string
	runner      Runner[T]
	store       store.JobStore
	queues      *InMemoryQueues
	retryWindow time.Duration
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	logger      *slog.Logger
	recorder    TerminalRecorder

	shutdownCh   chan struct{}
	shuttingDown atomic.Bool
	wg           sync.WaitGroup
}

// New creates a JobQueue for queueType backed by js.
func New[T any](queueType string, runner Runner[T], js store.JobStore, opts Options) *JobQueue[T] {
	if opts.RetryWindow == 0 {
		opts.RetryWindow = DefaultRetryWindow
	}
	if opts.BaseDelay == 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay == 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &JobQueue[T]{
		queueType:   queueType,
		runner:      runner,
		store:       js,
		queues:      NewInMemoryQueues(),
		retryWindow: opts.RetryWindow,
		baseDelay:   opts.BaseDelay,
		maxDelay:    opts.MaxDelay,
		maxAttempts: MaxAttempts(opts.RetryWindow, opts.BaseDelay, opts.MaxDelay),
		logger:      opts.Logger.With("queue_type", queueType),
		recorder:    opts.Recorder,
		shutdownCh:  make(chan struct{}),
	}
}

// Queues exposes the lane map for introspection.
func (q *JobQueue[T]) Queues() *InMemoryQueues {
	return q.queues
}

// RetryWindow returns the maximum total job lifetime.
func (q *JobQueue[T]) RetryWindow() time.Duration {
	return q.retryWindow
}

// ShutdownChan is closed when shutdown begins. Suspension points race
// against it.
func (q *JobQueue[T]) ShutdownChan() <-chan struct{} {
	return q.shutdownCh
}

// IsShuttingDown reports whether shutdown has begun.
func (q *JobQueue[T]) IsShuttingDown() bool {
	return q.shuttingDown.Load()
}

// InsertHook runs after a job is persisted but before it is scheduled,
// letting callers write related records alongside the job.
type InsertHook func(job *store.Job) error

// Add validates raw, persists a new job, and schedules its first attempt.
// The job handle returns immediately; execution is asynchronous.
func (q *JobQueue[T]) Add(ctx context.Context, raw json.RawMessage) (*store.Job, error) {
	return q.AddWithHook(ctx, raw, nil)
}

// AddWithHook is Add with an insertion hook invoked after persistence.
func (q *JobQueue[T]) AddWithHook(ctx context.Context, raw json.RawMessage, hook InsertHook) (*store.Job, error) {
	data, err := q.runner.ParseData(raw)
	if err != nil {
		return nil, err
	}
	job := &store.Job{
		ID:        store.NewJobID(),
		Timestamp: time.Now().UnixMilli(),
		QueueType: q.queueType,
		Data:      raw,
	}
	if q.IsShuttingDown() {
		return nil, ErrShutdown
	}
	if err := q.store.Save(job); err != nil {
		return nil, fmt.Errorf("persist job: %w", err)
	}
	if hook != nil {
		if err := hook(job); err != nil {
			return nil, fmt.Errorf("insert hook: %w", err)
		}
	}
	q.schedule(job, data, 1)
	return job, nil
}

// Recover streams persisted jobs and re-schedules those owned by this
// queue. IDs and timestamps are untouched; attempt counters are recomputed
// from elapsed wall-clock time.
func (q *JobQueue[T]) Recover() error {
	recovered := 0
	err := q.store.StreamPending(func(job *store.Job) error {
		if job.QueueType != q.queueType {
			return nil
		}
		data, err := q.runner.ParseData(job.Data)
		if err != nil {
			q.logger.Error("dropping malformed persisted job", "job_id", job.ID, "error", err)
			q.finish(job, OutcomeFatal, 0, err)
			return nil
		}
		attempt := AttemptForElapsed(time.Since(job.CreatedAt()), q.baseDelay, q.maxDelay)
		q.schedule(job, data, attempt)
		recovered++
		return nil
	})
	if err != nil {
		return fmt.Errorf("recover pending jobs: %w", err)
	}
	if recovered > 0 {
		q.logger.Info("recovered pending jobs", "count", recovered)
	}
	return nil
}

// Shutdown flags every suspension point and waits for in-flight work to
// drain, bounded by ctx. Persisted jobs are not cancelled; they resume on
// the next start.
func (q *JobQueue[T]) Shutdown(ctx context.Context) error {
	if q.shuttingDown.CompareAndSwap(false, true) {
		close(q.shutdownCh)
	}
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("job queue drain: %w", ctx.Err())
	}
}

func (q *JobQueue[T]) schedule(job *store.Job, data T, attempt int) {
	q.wg.Add(1)
	q.queues.Get(q.runner.LaneKey(data)).Enqueue(func() {
		defer q.wg.Done()
		q.runAttempt(job, data, attempt)
	})
}

// runAttempt drives a job to a terminal outcome or a shutdown abort. The
// whole retry loop runs inside the job's lane task: a retryable failure
// backs off without releasing the lane, so a later job for the same key
// never dispatches ahead of an earlier one that is still retrying.
func (q *JobQueue[T]) runAttempt(job *store.Job, data T, attempt int) {
	for {
		remaining := q.retryWindow - time.Since(job.CreatedAt())
		if remaining <= 0 {
			q.logger.Warn("job retry window exceeded", "job_id", job.ID, "attempt", attempt)
			q.finish(job, OutcomeWindowExceeded, attempt, ErrRetryWindowExceeded)
			return
		}

		delay := Backoff(attempt, q.baseDelay, q.maxDelay)
		final := attempt >= q.maxAttempts || delay >= remaining

		info := RunInfo{Attempt: attempt, IsFinalAttempt: final, TimeRemaining: remaining}
		res := q.runner.Run(context.Background(), job, data, info)

		switch res.kind {
		case resultCompleted:
			q.finish(job, OutcomeCompleted, attempt, nil)
			return
		case resultCancelled:
			q.finish(job, OutcomeCancelled, attempt, res.err)
			return
		case resultFatal:
			// A runner may detect window expiry itself (e.g. while gated);
			// keep one outcome label for that condition.
			outcome := OutcomeFatal
			if errors.Is(res.err, ErrRetryWindowExceeded) {
				outcome = OutcomeWindowExceeded
			}
			q.logger.Error("job failed permanently", "job_id", job.ID, "attempt", attempt, "error", res.err)
			q.finish(job, outcome, attempt, res.err)
			return
		case resultAborted:
			q.logger.Info("job attempt aborted by shutdown", "job_id", job.ID, "attempt", attempt)
			return
		case resultRetryable:
			if final {
				q.logger.Error("job attempts exhausted", "job_id", job.ID, "attempt", attempt, "error", res.err)
				q.finish(job, OutcomeExhausted, attempt, res.err)
				return
			}
			q.logger.Warn("job attempt failed, retrying",
				"job_id", job.ID, "attempt", attempt, "delay", delay, "error", res.err)
			if Await(nil, delay, q.shutdownCh) == WaitCancelled {
				// Record stays persisted for the next process start.
				return
			}
			attempt++
		}
	}
}

// finish deletes the record and reports the terminal outcome. The delete
// happens strictly after the outcome is decided, never before.
func (q *JobQueue[T]) finish(job *store.Job, outcome string, attempt int, cause error) {
	if err := q.store.Delete(job.ID); err != nil {
		q.logger.Error("delete job record", "job_id", job.ID, "error", err)
	}
	if q.recorder != nil {
		q.recorder.RecordTerminal(job, outcome, attempt, cause)
	}
}
