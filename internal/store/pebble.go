package store

import (
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/courierhq/courier/internal/kv"
)

type pebbleStore struct {
	db     *pebble.DB
	noSync bool
}

func openPebbleStore(dir string, noSync bool) (*pebbleStore, error) {
	db, err := pebble.Open(dir+"/pebble", &pebble.Options{
		MemTableSize:          16 << 20, // 16MB
		L0CompactionThreshold: 8,
		MaxConcurrentCompactions: func() int {
			return 2
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open pebble job store: %w", err)
	}
	s := &pebbleStore{db: db, noSync: noSync}
	if err := s.checkFormat(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *pebbleStore) syncOpt() *pebble.WriteOptions {
	if s.noSync {
		return pebble.NoSync
	}
	return pebble.Sync
}

func (s *pebbleStore) checkFormat() error {
	v, closer, err := s.db.Get(kv.FormatKey())
	if err == pebble.ErrNotFound {
		return s.db.Set(kv.FormatKey(), kv.PutUint64BE(nil, storeFormat), s.syncOpt())
	}
	if err != nil {
		return fmt.Errorf("read store format: %w", err)
	}
	defer func() { _ = closer.Close() }()
	return verifyFormat(kv.GetUint64BE(v))
}

func (s *pebbleStore) Close() error {
	return s.db.Close()
}

func (s *pebbleStore) Save(job *Job) error {
	enc, err := EncodeJob(job)
	if err != nil {
		return err
	}
	return s.db.Set(kv.JobKey(job.ID), enc, s.syncOpt())
}

func (s *pebbleStore) Delete(jobID string) error {
	return s.db.Delete(kv.JobKey(jobID), s.syncOpt())
}

func (s *pebbleStore) StreamPending(fn func(*Job) error) error {
	lower := kv.JobPrefix()
	upper := kv.PrefixUpperBound(lower)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return fmt.Errorf("scan pending jobs: %w", err)
	}
	defer func() { _ = iter.Close() }()
	for iter.First(); iter.Valid(); iter.Next() {
		job, err := DecodeJob(iter.Value())
		if err != nil {
			return err
		}
		if err := fn(job); err != nil {
			return err
		}
	}
	return iter.Error()
}
