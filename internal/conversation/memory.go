package conversation

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// MemoryDirectory is a process-local Directory.
type MemoryDirectory struct {
	mu      sync.Mutex
	byID    map[string]*Conversation
	byIdent map[string]*Conversation
	nextID  int
}

// NewMemoryDirectory creates an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		byID:    make(map[string]*Conversation),
		byIdent: make(map[string]*Conversation),
	}
}

// Add registers a conversation under its ID and identifier.
func (d *MemoryDirectory) Add(c *Conversation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byID[c.ID] = c
	if c.Identifier != "" {
		d.byIdent[c.Identifier] = c
	}
}

func (d *MemoryDirectory) Get(conversationID string) (*Conversation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.byID[conversationID]
	return c, ok
}

func (d *MemoryDirectory) GetOrCreate(identifier, kind string) *Conversation {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.byIdent[identifier]; ok {
		return c
	}
	d.nextID++
	c := &Conversation{
		ID:         "conv_" + identifier,
		Kind:       kind,
		Identifier: identifier,
	}
	d.byID[c.ID] = c
	d.byIdent[identifier] = c
	return c
}

// MemoryVerificationStore is a process-local VerificationStore with the
// mutators the application and admin surface use.
type MemoryVerificationStore struct {
	mu      sync.Mutex
	entries map[string]*verificationEntry
}

type verificationEntry struct {
	untrusted     map[string]struct{}
	cancelledAt   int64
	cancelVersion uint64
}

// NewMemoryVerificationStore creates an empty store.
func NewMemoryVerificationStore() *MemoryVerificationStore {
	return &MemoryVerificationStore{entries: make(map[string]*verificationEntry)}
}

func (s *MemoryVerificationStore) entry(conversationID string) *verificationEntry {
	e, ok := s.entries[conversationID]
	if !ok {
		e = &verificationEntry{untrusted: make(map[string]struct{})}
		s.entries[conversationID] = e
	}
	return e
}

func (s *MemoryVerificationStore) Verification(conversationID string) Verification {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[conversationID]
	if !ok {
		return Verification{}
	}
	return Verification{
		Pending:       len(e.untrusted) > 0,
		CancelledAt:   e.cancelledAt,
		CancelVersion: e.cancelVersion,
	}
}

func (s *MemoryVerificationStore) RecordUntrusted(conversationID string, serviceIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entry(conversationID)
	for _, id := range serviceIDs {
		e.untrusted[id] = struct{}{}
	}
}

// Untrusted returns the identities currently blocking the conversation.
func (s *MemoryVerificationStore) Untrusted(conversationID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[conversationID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(e.untrusted))
	for id := range e.untrusted {
		out = append(out, id)
	}
	return out
}

// Verify clears the pending-verification gate, marking every recorded
// identity as trusted again.
func (s *MemoryVerificationStore) Verify(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[conversationID]; ok {
		e.untrusted = make(map[string]struct{})
	}
}

// Cancel places a cancellation marker: jobs created at or before at are
// abandoned on their next gating pass.
func (s *MemoryVerificationStore) Cancel(conversationID string, at int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entry(conversationID)
	e.cancelledAt = at
	e.cancelVersion++
	e.untrusted = make(map[string]struct{})
}

func (s *MemoryVerificationStore) ClearCancelled(conversationID string, version uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[conversationID]
	if !ok {
		return
	}
	// Compare-and-clear: a cancellation placed after the caller read the
	// state keeps its marker.
	if e.cancelVersion == version {
		e.cancelledAt = 0
	}
}

// ChallengeRegistry is a process-local ChallengeHandler. An optional solver
// is invoked by MaybeSolve; without one, challenges wait for the admin
// surface to mark them solved.
type ChallengeRegistry struct {
	mu      sync.Mutex
	byConvo map[string]ChallengeRecord
	solver  func(ctx context.Context, rec ChallengeRecord) bool
	logger  *slog.Logger
}

// NewChallengeRegistry creates an empty registry.
func NewChallengeRegistry(logger *slog.Logger) *ChallengeRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChallengeRegistry{byConvo: make(map[string]ChallengeRecord), logger: logger}
}

// SetSolver installs an automatic solver tried by MaybeSolve.
func (r *ChallengeRegistry) SetSolver(fn func(ctx context.Context, rec ChallengeRecord) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.solver = fn
}

func (r *ChallengeRegistry) IsRegistered(conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byConvo[conversationID]
	return ok
}

func (r *ChallengeRegistry) Register(rec ChallengeRecord, raw json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byConvo[rec.ConversationID] = rec
	r.logger.Warn("rate limit challenge registered",
		"conversation_id", rec.ConversationID, "retry_at", rec.RetryAt.Format(time.RFC3339))
}

// Solve removes the conversation's challenge. Returns false if none was
// registered.
func (r *ChallengeRegistry) Solve(conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byConvo[conversationID]; !ok {
		return false
	}
	delete(r.byConvo, conversationID)
	return true
}

// Registered returns a snapshot of outstanding challenges.
func (r *ChallengeRegistry) Registered() []ChallengeRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ChallengeRecord, 0, len(r.byConvo))
	for _, rec := range r.byConvo {
		out = append(out, rec)
	}
	return out
}

// MaybeSolve runs the solver against every due challenge. Called on every
// job add so a waiting lane can unblock as soon as a challenge is solvable.
func (r *ChallengeRegistry) MaybeSolve(ctx context.Context) {
	r.mu.Lock()
	var due []ChallengeRecord
	now := time.Now()
	for _, rec := range r.byConvo {
		if r.solver != nil && !now.Before(rec.RetryAt) {
			due = append(due, rec)
		}
	}
	solver := r.solver
	r.mu.Unlock()

	for _, rec := range due {
		if solver(ctx, rec) {
			r.Solve(rec.ConversationID)
			r.logger.Info("rate limit challenge solved", "conversation_id", rec.ConversationID)
		}
	}
}
