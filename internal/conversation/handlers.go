package conversation

import (
	"context"
	"time"
)

// Bundle is the per-attempt contract between the queue and a send handler.
type Bundle struct {
	Attempt        int
	IsFinalAttempt bool
	TimeRemaining  time.Duration
	Timestamp      int64 // job creation time, epoch millis
}

// Handler sends one job kind. Handlers are external collaborators; the
// queue classifies their failures but never inspects their work.
type Handler func(ctx context.Context, convo *Conversation, b Bundle, p Payload) error

// Handlers maps job kinds to send handlers.
type Handlers map[string]Handler

// Register binds a handler to a kind, replacing any previous binding.
func (h Handlers) Register(kind string, fn Handler) {
	h[kind] = fn
}
