package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// Queue types. The queue type selects which concrete queue owns a persisted
// job after a restart.
const (
	QueueTypeConversation = "conversation"
)

// recordFormat is the on-disk job record format version. Records are a
// single version byte followed by the JSON body.
const recordFormat byte = 1

// Job is one persisted unit of work. A job is written before its first
// execution attempt and deleted exactly once, after a terminal outcome.
// Retries reuse the same record; ID and Timestamp never change.
type Job struct {
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"` // creation time, epoch millis
	QueueType string          `json:"queue_type"`
	Data      json.RawMessage `json:"data"`
}

// CreatedAt returns the job's creation time.
func (j *Job) CreatedAt() time.Time {
	return time.UnixMilli(j.Timestamp)
}

// EncodeJob serializes a job record for storage.
func EncodeJob(j *Job) ([]byte, error) {
	body, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("encode job %s: %w", j.ID, err)
	}
	out := make([]byte, 0, 1+len(body))
	out = append(out, recordFormat)
	return append(out, body...), nil
}

// DecodeJob deserializes a stored job record.
func DecodeJob(data []byte) (*Job, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("decode job: empty record")
	}
	if data[0] != recordFormat {
		return nil, fmt.Errorf("decode job: unsupported record format %d", data[0])
	}
	var j Job
	if err := json.Unmarshal(data[1:], &j); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &j, nil
}
