// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"sync/atomic"

	"github.com/AleutianAI/AleutianChrono/services/temporal/storage"
	"github.com/dgraph-io/badger/v4"
)

// deleteChunk bounds keys deleted per transaction in DeleteRange.
const deleteChunk = 1000

// Store implements storage.Backend on BadgerDB.
//
// Description:
//
//	Wraps a BadgerDB handle with lifecycle management (optional value log
//	GC) and the narrow Put/TryGet/Scan/DeleteRange/Apply contract.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	db       *badger.DB
	gc       *valueLogGC
	path     string
	inMemory bool
	closed   atomic.Bool
}

var _ storage.Backend = (*Store)(nil)

// Open opens a Badger-backed store.
//
// Description:
//
//	Opens the database and, for on-disk stores with a GCInterval, starts
//	background value log GC.
//
// Inputs:
//
//	cfg - Database configuration. Path is required unless InMemory is true.
//
// Outputs:
//
//	*Store - The opened store. Caller must call Close() when done.
//	error - Non-nil if the database cannot be opened.
func Open(cfg Config) (*Store, error) {
	opts, err := cfg.options()
	if err != nil {
		return nil, err
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	s := &Store{db: db, path: cfg.Path, inMemory: cfg.InMemory}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gc = startValueLogGC(db, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
	}
	return s, nil
}

// OpenInMemory opens an in-memory store for tests. Data is lost on Close.
func OpenInMemory() (*Store, error) {
	return Open(InMemoryConfig())
}

// Path returns the database path, or empty string for in-memory stores.
func (s *Store) Path() string {
	return s.path
}

// InMemory returns true if this is an in-memory store.
func (s *Store) InMemory() bool {
	return s.inMemory
}

// DB exposes the raw handle for maintenance tooling.
func (s *Store) DB() *badger.DB {
	return s.db
}

func (s *Store) check(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context must not be nil")
	}
	if s.closed.Load() {
		return storage.ErrBackendClosed
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	return nil
}

// Put writes a single key.
func (s *Store) Put(ctx context.Context, key, value []byte) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(bytes.Clone(key), bytes.Clone(value))
	})
}

// TryGet reads a key.
func (s *Store) TryGet(ctx context.Context, key []byte) ([]byte, bool, error) {
	if err := s.check(ctx); err != nil {
		return nil, false, err
	}

	var out []byte
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		out, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("badger get: %w", err)
	}
	return out, found, nil
}

// Scan yields pairs under prefix in key order.
//
// Description:
//
//	Each range over the returned sequence opens its own read-only
//	transaction, so the sequence is restartable and observes a consistent
//	view for the duration of one pass.
func (s *Store) Scan(ctx context.Context, prefix []byte, opts storage.ScanOptions) iter.Seq2[storage.KV, error] {
	return func(yield func(storage.KV, error) bool) {
		if err := s.check(ctx); err != nil {
			yield(storage.KV{}, err)
			return
		}

		stopped := false
		err := s.db.View(func(txn *badger.Txn) error {
			iopts := badger.DefaultIteratorOptions
			iopts.Prefix = prefix
			iopts.Reverse = opts.Reverse
			iopts.PrefetchValues = !opts.KeysOnly

			it := txn.NewIterator(iopts)
			defer it.Close()

			count := 0
			for it.Seek(seekKey(prefix, opts)); it.ValidForPrefix(prefix); it.Next() {
				if err := ctx.Err(); err != nil {
					return err
				}

				item := it.Item()
				key := item.KeyCopy(nil)
				if len(opts.End) > 0 && bytes.Compare(key, opts.End) >= 0 {
					if opts.Reverse {
						continue
					}
					return nil
				}
				if len(opts.Start) > 0 && bytes.Compare(key, opts.Start) < 0 {
					if opts.Reverse {
						return nil
					}
					continue
				}

				kv := storage.KV{Key: key}
				if !opts.KeysOnly {
					val, err := item.ValueCopy(nil)
					if err != nil {
						return fmt.Errorf("read value: %w", err)
					}
					kv.Value = val
				}

				if !yield(kv, nil) {
					stopped = true
					return nil
				}
				count++
				if opts.Limit > 0 && count >= opts.Limit {
					return nil
				}
			}
			return nil
		})
		if err != nil && !stopped {
			yield(storage.KV{}, fmt.Errorf("badger scan: %w", err))
		}
	}
}

// seekKey picks the iterator start position for a scan.
func seekKey(prefix []byte, opts storage.ScanOptions) []byte {
	if !opts.Reverse {
		if len(opts.Start) > 0 && bytes.Compare(opts.Start, prefix) > 0 {
			return opts.Start
		}
		return prefix
	}
	if len(opts.End) > 0 && bytes.HasPrefix(opts.End, prefix) {
		return opts.End
	}
	// Reverse iteration seeks to the largest key <= seek key; pad with 0xFF
	// so every key under the prefix is included.
	return append(bytes.Clone(prefix), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
}

// DeleteRange removes every key under prefix.
func (s *Store) DeleteRange(ctx context.Context, prefix []byte) (int, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}

	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		iopts := badger.DefaultIteratorOptions
		iopts.Prefix = prefix
		iopts.PrefetchValues = false
		it := txn.NewIterator(iopts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("badger scan for delete: %w", err)
	}

	deleted := 0
	for start := 0; start < len(keys); start += deleteChunk {
		end := min(start+deleteChunk, len(keys))
		err := s.db.Update(func(txn *badger.Txn) error {
			for _, k := range keys[start:end] {
				if err := txn.Delete(k); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return deleted, fmt.Errorf("badger delete range: %w", err)
		}
		deleted = end
	}
	return deleted, nil
}

// Apply writes a batch in one transaction.
func (s *Store) Apply(ctx context.Context, batch []storage.Mutation) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, m := range batch {
			if m.Delete {
				if err := txn.Delete(bytes.Clone(m.Key)); err != nil {
					return err
				}
				continue
			}
			if err := txn.Set(bytes.Clone(m.Key), bytes.Clone(m.Value)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("badger apply batch: %w", err)
	}
	return nil
}

// Sync flushes pending writes to disk. No-op for in-memory stores.
func (s *Store) Sync() error {
	if s.inMemory || s.closed.Load() {
		return nil
	}
	return s.db.Sync()
}

// Close stops GC and closes the database. Safe to call multiple times.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if s.gc != nil {
		s.gc.stop()
	}
	return s.db.Close()
}
