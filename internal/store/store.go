package store

import "fmt"

// JobStore is the narrow persistence contract the queues depend on.
// Writes are whole-record: a job is saved once before its first attempt and
// deleted once after a terminal outcome. StreamPending is used by the
// startup recovery sweep and yields records in creation order.
type JobStore interface {
	Save(job *Job) error
	Delete(jobID string) error
	StreamPending(fn func(*Job) error) error
	Close() error
}

// Backends selectable via Open.
const (
	BackendPebble = "pebble"
	BackendBadger = "badger"
)

// storeFormat is stamped into new stores and checked on open so an old
// binary refuses a store written by a newer one.
const storeFormat uint64 = 1

func verifyFormat(v uint64) error {
	if v > storeFormat {
		return fmt.Errorf("job store format %d is newer than supported format %d", v, storeFormat)
	}
	return nil
}

// Open opens the job store at dir using the named backend. With noSync set,
// writes skip fsync; pending jobs written in the last moments before a power
// loss may then be dropped, which at-least-once delivery tolerates.
func Open(backend, dir string, noSync bool) (JobStore, error) {
	switch backend {
	case BackendPebble, "":
		return openPebbleStore(dir, noSync)
	case BackendBadger:
		return openBadgerStore(dir, noSync)
	default:
		return nil, fmt.Errorf("unknown job store backend %q", backend)
	}
}
