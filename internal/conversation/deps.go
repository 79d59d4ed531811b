package conversation

import (
	"context"
	"encoding/json"
	"time"
)

// Conversation kinds known to the directory.
const (
	ConversationDirect = "direct"
	ConversationGroup  = "group"
)

// Conversation is the directory's view of a chat target.
type Conversation struct {
	ID         string
	Kind       string // direct | group
	Identifier string // service ID for direct chats, group ID for groups
	Title      string
}

// Directory resolves conversation IDs. It is an external collaborator; the
// queue only reads from it.
type Directory interface {
	Get(conversationID string) (*Conversation, bool)
	GetOrCreate(identifier, kind string) *Conversation
}

// Verification is the externally held verification state consulted on
// every gating pass.
type Verification struct {
	// Pending blocks dispatch until the user re-verifies the changed
	// identities.
	Pending bool
	// CancelledAt is the epoch-millis timestamp of a send cancellation, 0
	// when none. Jobs created at or before it are abandoned.
	CancelledAt int64
	// CancelVersion increases with every new cancellation marker; clearing
	// a stale marker is compare-and-clear on this version so a concurrent
	// newer cancellation is never erased.
	CancelVersion uint64
}

// VerificationStore reads and mutates per-conversation verification state.
type VerificationStore interface {
	Verification(conversationID string) Verification
	RecordUntrusted(conversationID string, serviceIDs []string)
	ClearCancelled(conversationID string, version uint64)
}

// ChallengeRecord registers a server-issued rate-limit challenge against a
// conversation.
type ChallengeRecord struct {
	ConversationID string
	Token          string
	RetryAt        time.Time
}

// ChallengeHandler tracks outstanding captcha challenges. Registered
// challenges gate every job for the conversation until solved.
type ChallengeHandler interface {
	IsRegistered(conversationID string) bool
	Register(rec ChallengeRecord, raw json.RawMessage)
	MaybeSolve(ctx context.Context)
}

// Connectivity exposes the online signal the continuation check waits on
// before a first attempt dispatches.
type Connectivity interface {
	// OnlineChan returns a channel that is closed while the transport is
	// online.
	OnlineChan() <-chan struct{}
}

type alwaysOnline struct{}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func (alwaysOnline) OnlineChan() <-chan struct{} { return closedChan }
