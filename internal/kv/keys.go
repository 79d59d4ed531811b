package kv

import "bytes"

// Key prefixes. Each prefix ends with '|' as a separator.
//
// Job IDs are lexicographically time-sortable (see store.NewJobID), so a
// forward scan over PrefixJob yields jobs in creation order. The recovery
// sweep depends on that ordering to re-enqueue pending jobs FIFO.
const (
	PrefixJob = "j|" // j|{job_id} => encoded job record
	KeyFormat = "m|format"
)

// JobKey returns the store key for a job record: j|{job_id}
func JobKey(jobID string) []byte {
	return append([]byte(PrefixJob), jobID...)
}

// JobIDFromKey extracts the job ID from a job record key.
func JobIDFromKey(k []byte) (string, bool) {
	if !bytes.HasPrefix(k, []byte(PrefixJob)) {
		return "", false
	}
	return string(k[len(PrefixJob):]), true
}

// JobPrefix returns the scan prefix covering every job record.
func JobPrefix() []byte {
	return []byte(PrefixJob)
}

// FormatKey returns the key holding the store format version (uint64 BE).
func FormatKey() []byte {
	return []byte(KeyFormat)
}

// PrefixUpperBound returns the smallest key greater than every key carrying
// prefix, for use as an exclusive iteration upper bound.
func PrefixUpperBound(prefix []byte) []byte {
	if len(prefix) == 0 {
		return nil
	}
	b := append([]byte(nil), prefix...)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xFF {
			b[i]++
			return b[:i+1]
		}
	}
	return append(append([]byte(nil), prefix...), bytes.Repeat([]byte{0xFF}, 8)...)
}
