package history

import (
	"log/slog"
	"time"

	"github.com/courierhq/courier/internal/store"
)

// Recorder adapts the outcome log to the queue's terminal hook. Write
// failures are logged, not surfaced: losing a history row must never fail
// a job transition.
type Recorder struct {
	db     *DB
	logger *slog.Logger
}

// NewRecorder wraps db. A nil logger uses slog's default.
func NewRecorder(db *DB, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{db: db, logger: logger}
}

// RecordTerminal implements queue.TerminalRecorder.
func (r *Recorder) RecordTerminal(job *store.Job, outcome string, attempt int, err error) {
	kind, convoID := ParseHeader(job.Data)
	entry := Entry{
		JobID:          job.ID,
		QueueType:      job.QueueType,
		Kind:           kind,
		ConversationID: convoID,
		Outcome:        outcome,
		Attempts:       attempt,
		CreatedAt:      job.CreatedAt(),
		FinishedAt:     time.Now(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if werr := r.db.Record(entry); werr != nil {
		r.logger.Error("history write failed", "job_id", job.ID, "error", werr)
	}
}
