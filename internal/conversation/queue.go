package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/courierhq/courier/internal/queue"
	"github.com/courierhq/courier/internal/store"
)

// DefaultGateTimeout bounds each captcha/verification wait before the
// gating state is re-checked.
const DefaultGateTimeout = 5 * time.Minute

// Config wires the conversation queue's collaborators.
type Config struct {
	Store        store.JobStore
	Directory    Directory
	Verification VerificationStore
	Challenges   ChallengeHandler
	Handlers     Handlers
	Connectivity Connectivity // nil means always online
	GateTimeout  time.Duration
	Queue        queue.Options
}

// Queue serializes outgoing message work per conversation: payloads are
// validated, persisted, gated on captcha/verification state, dispatched to
// per-kind handlers, and retried with backoff on failure.
type Queue struct {
	inner        *queue.JobQueue[Payload]
	directory    Directory
	verification VerificationStore
	challenges   ChallengeHandler
	handlers     Handlers
	connectivity Connectivity
	waiters      *Waiters
	gateTimeout  time.Duration
	logger       *slog.Logger
}

// New builds the conversation queue.
func New(cfg Config) (*Queue, error) {
	if cfg.Store == nil {
		return nil, errors.New("conversation queue requires a job store")
	}
	if cfg.Directory == nil || cfg.Verification == nil || cfg.Challenges == nil {
		return nil, errors.New("conversation queue requires directory, verification and challenge collaborators")
	}
	if cfg.Connectivity == nil {
		cfg.Connectivity = alwaysOnline{}
	}
	if cfg.GateTimeout == 0 {
		cfg.GateTimeout = DefaultGateTimeout
	}
	if cfg.Queue.Logger == nil {
		cfg.Queue.Logger = slog.Default()
	}
	q := &Queue{
		directory:    cfg.Directory,
		verification: cfg.Verification,
		challenges:   cfg.Challenges,
		handlers:     cfg.Handlers,
		connectivity: cfg.Connectivity,
		waiters:      NewWaiters(),
		gateTimeout:  cfg.GateTimeout,
		logger:       cfg.Queue.Logger,
	}
	if q.handlers == nil {
		q.handlers = make(Handlers)
	}
	q.inner = queue.New(store.QueueTypeConversation, q, cfg.Store, cfg.Queue)
	return q, nil
}

// Add validates, persists, and schedules a job, then gives any registered
// challenge solver a chance to run.
func (q *Queue) Add(ctx context.Context, raw json.RawMessage) (*store.Job, error) {
	return q.AddWithHook(ctx, raw, nil)
}

// AddWithHook is Add with an insertion hook run right after persistence.
func (q *Queue) AddWithHook(ctx context.Context, raw json.RawMessage, hook queue.InsertHook) (*store.Job, error) {
	job, err := q.inner.AddWithHook(ctx, raw, hook)
	if err != nil {
		return nil, err
	}
	q.challenges.MaybeSolve(ctx)
	return job, nil
}

// Recover re-schedules persisted jobs after a restart.
func (q *Queue) Recover() error {
	return q.inner.Recover()
}

// Shutdown drains in-flight work, bounded by ctx.
func (q *Queue) Shutdown(ctx context.Context) error {
	return q.inner.Shutdown(ctx)
}

// Lanes exposes the per-conversation lanes for introspection.
func (q *Queue) Lanes() []*queue.Lane {
	return q.inner.Queues().All()
}

// NotifyConversation wakes every job blocked on the conversation's gate so
// it re-checks challenge and verification state. Returns false if nothing
// was blocked.
func (q *Queue) NotifyConversation(conversationID string) bool {
	return q.waiters.Resolve(conversationID)
}

// Waiters exposes the rendezvous coordinator.
func (q *Queue) Waiters() *Waiters {
	return q.waiters
}

// ParseData implements queue.Runner.
func (q *Queue) ParseData(raw json.RawMessage) (Payload, error) {
	return ParsePayload(raw)
}

// LaneKey implements queue.Runner: the conversation ID serializes all job
// kinds for one conversation.
func (q *Queue) LaneKey(data Payload) string {
	return data.Conversation()
}

// Run implements queue.Runner: resolve the conversation, pass the gate,
// dispatch to the kind's handler, classify any failure.
func (q *Queue) Run(ctx context.Context, job *store.Job, data Payload, info queue.RunInfo) queue.Result {
	convo, ok := q.directory.Get(data.Conversation())
	if !ok {
		return queue.Fatal(&NotFoundError{ConversationID: data.Conversation()})
	}

	res, proceed := q.passGate(job, data, info)
	if !proceed {
		return res
	}

	handler, ok := q.handlers[data.Kind()]
	if !ok {
		return queue.Fatal(fmt.Errorf("no handler registered for job kind %s", data.Kind()))
	}
	bundle := Bundle{
		Attempt:        info.Attempt,
		IsFinalAttempt: info.IsFinalAttempt,
		TimeRemaining:  q.timeRemaining(job),
		Timestamp:      job.Timestamp,
	}
	if err := handler(ctx, convo, bundle, data); err != nil {
		return q.classify(job, data, err)
	}
	return queue.Completed()
}

func (q *Queue) timeRemaining(job *store.Job) time.Duration {
	return q.inner.RetryWindow() - time.Since(job.CreatedAt())
}

// passGate runs the gating loop. It returns proceed=true when the job may
// dispatch; otherwise the returned result is the attempt's outcome.
func (q *Queue) passGate(job *store.Job, data Payload, info queue.RunInfo) (queue.Result, bool) {
	convoID := data.Conversation()
	shutdown := q.inner.ShutdownChan()
	firstPass := true
	for {
		remaining := q.timeRemaining(job)
		if remaining <= 0 {
			return queue.Fatal(queue.ErrRetryWindowExceeded), false
		}

		// Continuation check: on the first pass only, wait for the
		// transport to come online.
		if firstPass {
			firstPass = false
			wait := remaining
			if wait > q.gateTimeout {
				wait = q.gateTimeout
			}
			switch queue.Await(q.connectivity.OnlineChan(), wait, shutdown) {
			case queue.WaitCancelled:
				return queue.Aborted(queue.ErrShutdown), false
			case queue.WaitTimedOut:
				return queue.Retryable(errors.New("transport offline")), false
			}
		}

		if q.challenges.IsRegistered(convoID) {
			if q.inner.IsShuttingDown() {
				return queue.Aborted(queue.ErrShutdown), false
			}
			q.logger.Info("job waiting on rate limit challenge",
				"job_id", job.ID, "conversation_id", convoID)
			if q.awaitGate(convoID, remaining, shutdown) == queue.WaitCancelled {
				return queue.Aborted(queue.ErrShutdown), false
			}
			continue
		}

		v := q.verification.Verification(convoID)
		if v.Pending {
			if data.Kind() == KindProfileKey {
				// Sharing a profile key is best-effort; not worth
				// blocking on verification.
				q.logger.Info("profile key job dropped during pending verification",
					"job_id", job.ID, "conversation_id", convoID)
				return queue.Cancelled(), false
			}
			if q.inner.IsShuttingDown() {
				return queue.Aborted(queue.ErrShutdown), false
			}
			q.logger.Info("job waiting on identity verification",
				"job_id", job.ID, "conversation_id", convoID)
			if q.awaitGate(convoID, remaining, shutdown) == queue.WaitCancelled {
				return queue.Aborted(queue.ErrShutdown), false
			}
			continue
		}
		if v.CancelledAt != 0 {
			if v.CancelledAt >= job.Timestamp {
				q.logger.Info("job abandoned by verification cancellation",
					"job_id", job.ID, "conversation_id", convoID, "cancelled_at", v.CancelledAt)
				return queue.Cancelled(), false
			}
			// The cancellation predates this job; a stale marker must not
			// block the conversation forever.
			q.verification.ClearCancelled(convoID, v.CancelVersion)
		}
		return queue.Result{}, true
	}
}

func (q *Queue) awaitGate(conversationID string, remaining time.Duration, shutdown <-chan struct{}) queue.WaitOutcome {
	timeout := q.gateTimeout
	if remaining < timeout {
		timeout = remaining
	}
	return queue.Await(q.waiters.Get(conversationID).Done(), timeout, shutdown)
}

// classify inspects a handler failure, mutates gating state for the two
// known recoverable shapes, and maps everything else straight onto the
// generic retry policy.
func (q *Queue) classify(job *store.Job, data Payload, err error) queue.Result {
	convoID := data.Conversation()

	untrusted := collectUntrusted(err)
	if len(untrusted) > 0 {
		kind := data.Kind()
		if kind == KindProfileKey || kind == KindReceipts {
			// Best-effort kinds give up instead of gating the whole
			// conversation on re-verification.
			q.logger.Info("best-effort job dropped on untrusted identity",
				"job_id", job.ID, "kind", kind, "conversation_id", convoID)
			return queue.Cancelled()
		}
		q.logger.Warn("send blocked by untrusted identities",
			"job_id", job.ID, "conversation_id", convoID, "identities", untrusted)
		q.verification.RecordUntrusted(convoID, untrusted)
		return queue.Retryable(err)
	}

	if ch := findChallenge(err); ch != nil {
		q.challenges.Register(ChallengeRecord{
			ConversationID: convoID,
			Token:          ch.Token,
			RetryAt:        time.Now().Add(ch.RetryAfter),
		}, job.Data)
		return queue.Retryable(err)
	}

	return queue.Retryable(err)
}

// collectUntrusted walks an error tree (including aggregates exposing
// Unwrap() []error) and gathers every untrusted identity.
func collectUntrusted(err error) []string {
	seen := make(map[string]struct{})
	var walk func(error)
	walk = func(e error) {
		if e == nil {
			return
		}
		var ue *UntrustedIdentityError
		if errors.As(e, &ue) {
			seen[ue.ServiceID] = struct{}{}
		}
		switch x := e.(type) {
		case interface{ Unwrap() []error }:
			for _, sub := range x.Unwrap() {
				walk(sub)
			}
		case interface{ Unwrap() error }:
			walk(x.Unwrap())
		}
	}
	walk(err)
	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out
}

// findChallenge returns the first rate-limit challenge in an error tree.
func findChallenge(err error) *ChallengeError {
	if err == nil {
		return nil
	}
	var ch *ChallengeError
	if errors.As(err, &ch) {
		return ch
	}
	if agg, ok := err.(interface{ Unwrap() []error }); ok {
		for _, sub := range agg.Unwrap() {
			if ch := findChallenge(sub); ch != nil {
				return ch
			}
		}
	}
	return nil
}
