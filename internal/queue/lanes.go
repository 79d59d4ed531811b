package queue

import "sync"

// Lane is a per-key FIFO execution context with concurrency 1. Tasks
// enqueued on one lane never overlap; the backlog is unbounded.
type Lane struct {
	key string

	mu        sync.Mutex
	backlog   []func()
	running   bool
	processed uint64
}

// Key returns the lane's serialization key.
func (l *Lane) Key() string {
	return l.key
}

// Enqueue appends a task to the lane's backlog and starts the drain
// goroutine if the lane is idle.
func (l *Lane) Enqueue(task func()) {
	l.mu.Lock()
	l.backlog = append(l.backlog, task)
	if !l.running {
		l.running = true
		go l.drain()
	}
	l.mu.Unlock()
}

func (l *Lane) drain() {
	for {
		l.mu.Lock()
		if len(l.backlog) == 0 {
			l.running = false
			l.mu.Unlock()
			return
		}
		task := l.backlog[0]
		l.backlog = l.backlog[1:]
		l.mu.Unlock()

		task()

		l.mu.Lock()
		l.processed++
		l.mu.Unlock()
	}
}

// Pending returns the number of tasks waiting in the backlog.
func (l *Lane) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.backlog)
}

// Processed returns the number of tasks the lane has completed.
func (l *Lane) Processed() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.processed
}

// Busy reports whether the lane is currently executing or has backlog.
func (l *Lane) Busy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// InMemoryQueues maps serialization keys to lanes. Lanes are created on
// first reference and retained for the life of the process.
type InMemoryQueues struct {
	mu    sync.Mutex
	lanes map[string]*Lane
}

// NewInMemoryQueues creates an empty lane map.
func NewInMemoryQueues() *InMemoryQueues {
	return &InMemoryQueues{lanes: make(map[string]*Lane)}
}

// Get returns the lane for key, creating it on first access.
func (q *InMemoryQueues) Get(key string) *Lane {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.lanes[key]
	if !ok {
		l = &Lane{key: key}
		q.lanes[key] = l
	}
	return l
}

// All returns a snapshot of every lane ever created.
func (q *InMemoryQueues) All() []*Lane {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Lane, 0, len(q.lanes))
	for _, l := range q.lanes {
		out = append(out, l)
	}
	return out
}
