package store

import (
	"bytes"
	"fmt"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"

	"github.com/courierhq/courier/internal/kv"
)

type badgerStore struct {
	db *badger.DB
}

func openBadgerStore(dir string, noSync bool) (*badgerStore, error) {
	opts := badger.DefaultOptions(filepath.Join(dir, "badger"))
	opts.Logger = nil
	opts.SyncWrites = !noSync
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger job store: %w", err)
	}
	s := &badgerStore{db: db}
	if err := s.checkFormat(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *badgerStore) checkFormat() error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(kv.FormatKey())
		if err == badger.ErrKeyNotFound {
			return txn.Set(kv.FormatKey(), kv.PutUint64BE(nil, storeFormat))
		}
		if err != nil {
			return fmt.Errorf("read store format: %w", err)
		}
		return item.Value(func(v []byte) error {
			return verifyFormat(kv.GetUint64BE(v))
		})
	})
}

func (s *badgerStore) Close() error {
	return s.db.Close()
}

func (s *badgerStore) Save(job *Job) error {
	enc, err := EncodeJob(job)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(kv.JobKey(job.ID), enc)
	})
}

func (s *badgerStore) Delete(jobID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(kv.JobKey(jobID))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
}

func (s *badgerStore) StreamPending(fn func(*Job) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := kv.JobPrefix()
		for it.Seek(prefix); it.Valid(); it.Next() {
			item := it.Item()
			if !bytes.HasPrefix(item.Key(), prefix) {
				break
			}
			var job *Job
			err := item.Value(func(v []byte) error {
				var derr error
				job, derr = DecodeJob(v)
				return derr
			})
			if err != nil {
				return err
			}
			if err := fn(job); err != nil {
				return err
			}
		}
		return nil
	})
}
