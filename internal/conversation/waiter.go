package conversation

import "sync"

// Waiter is the single rendezvous shared by every job blocked on one
// conversation's gate. It resolves at most once.
type Waiter struct {
	done chan struct{}

	mu  sync.Mutex
	err error
}

// Done is closed when the waiter resolves or is rejected.
func (w *Waiter) Done() <-chan struct{} {
	return w.done
}

// Err returns the rejection error, if any. Valid only after Done closes.
func (w *Waiter) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Waiters coordinates verification rendezvous, one live entry per
// conversation. Get-or-create is atomic so concurrent lanes blocking on the
// same conversation always share one waiter.
type Waiters struct {
	mu             sync.Mutex
	byConversation map[string]*Waiter
}

// NewWaiters creates an empty coordinator.
func NewWaiters() *Waiters {
	return &Waiters{byConversation: make(map[string]*Waiter)}
}

// Get returns the live waiter for conversationID, creating one if none
// exists. Repeated calls before resolution return the same waiter.
func (ws *Waiters) Get(conversationID string) *Waiter {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	w, ok := ws.byConversation[conversationID]
	if !ok {
		w = &Waiter{done: make(chan struct{})}
		ws.byConversation[conversationID] = w
	}
	return w
}

// Resolve wakes every job blocked on the conversation and removes the
// entry. Returns false if no waiter was outstanding.
func (ws *Waiters) Resolve(conversationID string) bool {
	return ws.complete(conversationID, nil)
}

// Reject wakes every blocked job with an error and removes the entry.
func (ws *Waiters) Reject(conversationID string, err error) bool {
	return ws.complete(conversationID, err)
}

func (ws *Waiters) complete(conversationID string, err error) bool {
	ws.mu.Lock()
	w, ok := ws.byConversation[conversationID]
	if ok {
		delete(ws.byConversation, conversationID)
	}
	ws.mu.Unlock()
	if !ok {
		return false
	}
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
	close(w.done)
	return true
}

// Outstanding returns the number of live waiters.
func (ws *Waiters) Outstanding() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return len(ws.byConversation)
}
