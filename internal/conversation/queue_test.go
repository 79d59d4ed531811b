package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/courierhq/courier/internal/queue"
	"github.com/courierhq/courier/internal/store"
)

// memJobStore is an in-memory JobStore for queue tests.
type memJobStore struct {
	mu   sync.Mutex
	jobs map[string]*store.Job
}

func newMemJobStore() *memJobStore {
	return &memJobStore{jobs: make(map[string]*store.Job)}
}

func (m *memJobStore) Save(job *store.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *memJobStore) Delete(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, jobID)
	return nil
}

func (m *memJobStore) StreamPending(fn func(*store.Job) error) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.jobs))
	for id := range m.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	jobs := make([]*store.Job, 0, len(ids))
	for _, id := range ids {
		jobs = append(jobs, m.jobs[id])
	}
	m.mu.Unlock()
	for _, j := range jobs {
		if err := fn(j); err != nil {
			return err
		}
	}
	return nil
}

func (m *memJobStore) Close() error { return nil }

func (m *memJobStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

// callRecorder is a scripted send handler.
type callRecorder struct {
	mu      sync.Mutex
	bundles []Bundle
	errs    []error // popped per call; last entry is sticky
	called  chan struct{}
}

func newCallRecorder(errs ...error) *callRecorder {
	if len(errs) == 0 {
		errs = []error{nil}
	}
	return &callRecorder{errs: errs, called: make(chan struct{}, 64)}
}

func (r *callRecorder) handler(ctx context.Context, convo *Conversation, b Bundle, p Payload) error {
	r.mu.Lock()
	r.bundles = append(r.bundles, b)
	err := r.errs[0]
	if len(r.errs) > 1 {
		r.errs = r.errs[1:]
	}
	r.mu.Unlock()
	r.called <- struct{}{}
	return err
}

func (r *callRecorder) calls() []Bundle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Bundle(nil), r.bundles...)
}

type fixture struct {
	store *memJobStore
	dir   *MemoryDirectory
	ver   *MemoryVerificationStore
	ch    *ChallengeRegistry
	q     *Queue
}

func newFixture(t *testing.T, gateTimeout time.Duration, handlers Handlers) *fixture {
	t.Helper()
	f := &fixture{
		store: newMemJobStore(),
		dir:   NewMemoryDirectory(),
		ver:   NewMemoryVerificationStore(),
		ch:    NewChallengeRegistry(nil),
	}
	f.dir.Add(&Conversation{ID: "c1", Kind: ConversationDirect, Identifier: "svc-1"})
	q, err := New(Config{
		Store:        f.store,
		Directory:    f.dir,
		Verification: f.ver,
		Challenges:   f.ch,
		Handlers:     handlers,
		GateTimeout:  gateTimeout,
		Queue: queue.Options{
			RetryWindow: 10 * time.Second,
			BaseDelay:   20 * time.Millisecond,
			MaxDelay:    200 * time.Millisecond,
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.q = q
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		q.Shutdown(ctx)
	})
	return f
}

func waitCond(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func mustAdd(t *testing.T, f *fixture, raw string) *store.Job {
	t.Helper()
	job, err := f.q.Add(context.Background(), json.RawMessage(raw))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	return job
}

func TestSuccessfulSendNoGating(t *testing.T) {
	rec := newCallRecorder()
	f := newFixture(t, 200*time.Millisecond, Handlers{KindNormalMessage: rec.handler})

	mustAdd(t, f, `{"type":"NormalMessage","conversationId":"c1","messageId":"m1"}`)
	<-rec.called
	waitCond(t, "record deletion", func() bool { return f.store.count() == 0 })

	calls := rec.calls()
	if len(calls) != 1 {
		t.Fatalf("handler calls = %d, want 1", len(calls))
	}
	if calls[0].Attempt != 1 || calls[0].IsFinalAttempt {
		t.Errorf("bundle = %+v, want non-final first attempt", calls[0])
	}
	if f.q.Waiters().Outstanding() != 0 {
		t.Error("no gating wait should have been performed")
	}
}

func TestUnknownConversationIsFatal(t *testing.T) {
	rec := newCallRecorder()
	f := newFixture(t, 200*time.Millisecond, Handlers{KindNormalMessage: rec.handler})

	mustAdd(t, f, `{"type":"NormalMessage","conversationId":"ghost","messageId":"m1"}`)
	waitCond(t, "record deletion", func() bool { return f.store.count() == 0 })
	if len(rec.calls()) != 0 {
		t.Error("handler must not run for an unknown conversation")
	}
}

func TestCaptchaChallengeBlocksUntilResolved(t *testing.T) {
	rec := newCallRecorder()
	f := newFixture(t, 10*time.Second, Handlers{KindGroupUpdate: rec.handler})

	f.ch.Register(ChallengeRecord{ConversationID: "c1", Token: "tok", RetryAt: time.Now()}, nil)
	mustAdd(t, f, `{"type":"GroupUpdate","conversationId":"c1","recipients":["svc-a"],"revision":3}`)

	// The job must block on the rendezvous, not dispatch.
	waitCond(t, "gating wait", func() bool { return f.q.Waiters().Outstanding() == 1 })
	select {
	case <-rec.called:
		t.Fatal("handler ran while a challenge was registered")
	case <-time.After(50 * time.Millisecond):
	}

	f.ch.Solve("c1")
	f.q.NotifyConversation("c1")

	select {
	case <-rec.called:
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not run after the challenge was solved")
	}
	waitCond(t, "record deletion", func() bool { return f.store.count() == 0 })
}

func TestProfileKeyDropsOnPendingVerification(t *testing.T) {
	rec := newCallRecorder()
	f := newFixture(t, 200*time.Millisecond, Handlers{KindProfileKey: rec.handler})

	f.ver.RecordUntrusted("c1", []string{"svc-x"})
	mustAdd(t, f, `{"type":"ProfileKey","conversationId":"c1"}`)

	waitCond(t, "record deletion", func() bool { return f.store.count() == 0 })
	if len(rec.calls()) != 0 {
		t.Error("profile key job must drop without dispatching")
	}
	if f.q.Waiters().Outstanding() != 0 {
		t.Error("profile key job must not block on verification")
	}
}

func TestVerificationBlocksOtherKindsUntilApproved(t *testing.T) {
	rec := newCallRecorder()
	f := newFixture(t, 10*time.Second, Handlers{KindReaction: rec.handler})

	f.ver.RecordUntrusted("c1", []string{"svc-x"})
	mustAdd(t, f, `{"type":"Reaction","conversationId":"c1","messageId":"m1","emoji":"x","targetAuthorServiceId":"svc-a","targetTimestamp":1}`)

	waitCond(t, "gating wait", func() bool { return f.q.Waiters().Outstanding() == 1 })
	select {
	case <-rec.called:
		t.Fatal("handler ran while verification was pending")
	case <-time.After(50 * time.Millisecond):
	}

	f.ver.Verify("c1")
	f.q.NotifyConversation("c1")

	select {
	case <-rec.called:
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not run after verification")
	}
	waitCond(t, "record deletion", func() bool { return f.store.count() == 0 })
}

func TestReceiptsUntrustedAggregateDropsSilently(t *testing.T) {
	agg := &SendError{Errs: []error{
		&UntrustedIdentityError{ServiceID: "svc-a"},
		&UntrustedIdentityError{ServiceID: "svc-b"},
	}}
	rec := newCallRecorder(agg)
	f := newFixture(t, 200*time.Millisecond, Handlers{KindReceipts: rec.handler})

	mustAdd(t, f, `{"type":"Receipts","conversationId":"c1","receiptsType":"read","receipts":[{"messageId":"m1","conversationId":"c1","timestamp":1}]}`)
	<-rec.called
	waitCond(t, "record deletion", func() bool { return f.store.count() == 0 })

	if len(rec.calls()) != 1 {
		t.Errorf("handler calls = %d, want 1 (no retry)", len(rec.calls()))
	}
	if got := f.ver.Untrusted("c1"); len(got) != 0 {
		t.Errorf("receipts job must not mutate verification state, got %v", got)
	}
}

func TestNormalMessageUntrustedRecordsAndRetries(t *testing.T) {
	rec := newCallRecorder(&UntrustedIdentityError{ServiceID: "svc-x"}, nil)
	f := newFixture(t, 100*time.Millisecond, Handlers{KindNormalMessage: rec.handler})

	mustAdd(t, f, `{"type":"NormalMessage","conversationId":"c1","messageId":"m1"}`)
	<-rec.called

	waitCond(t, "untrusted identities recorded", func() bool {
		return len(f.ver.Untrusted("c1")) == 1
	})

	// The retry now gates on pending verification; approving lets it through.
	f.ver.Verify("c1")
	f.q.NotifyConversation("c1")

	waitCond(t, "record deletion", func() bool { return f.store.count() == 0 })
	if len(rec.calls()) != 2 {
		t.Errorf("handler calls = %d, want 2 (one retry)", len(rec.calls()))
	}
}

func TestFreshCancellationAbandonsJob(t *testing.T) {
	rec := newCallRecorder()
	f := newFixture(t, 200*time.Millisecond, Handlers{KindNormalMessage: rec.handler})

	f.ver.Cancel("c1", time.Now().Add(time.Minute).UnixMilli())
	mustAdd(t, f, `{"type":"NormalMessage","conversationId":"c1","messageId":"m1"}`)

	waitCond(t, "record deletion", func() bool { return f.store.count() == 0 })
	if len(rec.calls()) != 0 {
		t.Error("cancelled job must not dispatch")
	}
}

func TestStaleCancellationIsClearedAndJobDispatches(t *testing.T) {
	rec := newCallRecorder()
	f := newFixture(t, 200*time.Millisecond, Handlers{KindNormalMessage: rec.handler})

	f.ver.Cancel("c1", time.Now().Add(-time.Hour).UnixMilli())
	mustAdd(t, f, `{"type":"NormalMessage","conversationId":"c1","messageId":"m1"}`)

	<-rec.called
	waitCond(t, "record deletion", func() bool { return f.store.count() == 0 })
	if got := f.ver.Verification("c1"); got.CancelledAt != 0 {
		t.Errorf("stale cancellation marker not cleared: %+v", got)
	}
}

func TestChallengeErrorRegistersAndGatesRetry(t *testing.T) {
	rec := newCallRecorder(&ChallengeError{Token: "tok", RetryAfter: time.Minute}, nil)
	f := newFixture(t, 10*time.Second, Handlers{KindNormalMessage: rec.handler})

	mustAdd(t, f, `{"type":"NormalMessage","conversationId":"c1","messageId":"m1"}`)
	<-rec.called

	waitCond(t, "challenge registration", func() bool { return f.ch.IsRegistered("c1") })
	waitCond(t, "retry gating on challenge", func() bool { return f.q.Waiters().Outstanding() == 1 })

	f.ch.Solve("c1")
	f.q.NotifyConversation("c1")

	waitCond(t, "record deletion", func() bool { return f.store.count() == 0 })
	if len(rec.calls()) != 2 {
		t.Errorf("handler calls = %d, want 2", len(rec.calls()))
	}
}

func TestShutdownDuringGatingWaitKeepsRecord(t *testing.T) {
	rec := newCallRecorder()
	f := newFixture(t, 10*time.Second, Handlers{KindNormalMessage: rec.handler})

	f.ch.Register(ChallengeRecord{ConversationID: "c1", Token: "tok", RetryAt: time.Now()}, nil)
	mustAdd(t, f, `{"type":"NormalMessage","conversationId":"c1","messageId":"m1"}`)
	waitCond(t, "gating wait", func() bool { return f.q.Waiters().Outstanding() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.q.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if f.store.count() != 1 {
		t.Errorf("records after shutdown = %d, want 1 (job resumes next start)", f.store.count())
	}
	if len(rec.calls()) != 0 {
		t.Error("handler must not run during shutdown")
	}
}

func TestAggregateWithChallengeSubError(t *testing.T) {
	err := &SendError{Errs: []error{
		errors.New("recipient offline"),
		&ChallengeError{Token: "tok", RetryAfter: time.Second},
	}}
	if findChallenge(err) == nil {
		t.Error("challenge inside an aggregate must be found")
	}
	if ids := collectUntrusted(err); len(ids) != 0 {
		t.Errorf("no untrusted identities expected, got %v", ids)
	}
}

func TestCollectUntrustedDeduplicates(t *testing.T) {
	err := &SendError{Errs: []error{
		&UntrustedIdentityError{ServiceID: "svc-a"},
		&UntrustedIdentityError{ServiceID: "svc-a"},
		&UntrustedIdentityError{ServiceID: "svc-b"},
	}}
	ids := collectUntrusted(err)
	if len(ids) != 2 {
		t.Errorf("untrusted = %v, want two distinct identities", ids)
	}
}
