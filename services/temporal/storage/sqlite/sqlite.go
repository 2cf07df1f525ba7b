// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sqlite implements storage.Backend on a single SQLite table.
//
// Keys are BLOB primary keys in a WITHOUT ROWID table. SQLite compares BLOBs
// with memcmp, so ORDER BY k gives the same lexicographic order as Badger.
// Scans page through the table by key so no connection is held while the
// caller consumes results.
package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/AleutianAI/AleutianChrono/services/temporal/storage"
	_ "modernc.org/sqlite"
)

const schema = `CREATE TABLE IF NOT EXISTS kv (
	k BLOB PRIMARY KEY,
	v BLOB NOT NULL
) WITHOUT ROWID`

// DefaultPageSize is the number of rows fetched per scan page.
const DefaultPageSize = 256

// Config configures the SQLite store.
type Config struct {
	// Path is the database file. ":memory:" opens a private in-memory DB.
	Path string

	// BusyTimeoutMS sets PRAGMA busy_timeout. Default: 10000.
	BusyTimeoutMS int

	// Synchronous sets PRAGMA synchronous. Default: "NORMAL".
	Synchronous string

	// PageSize is the number of rows fetched per scan page.
	PageSize int

	// Logger for store lifecycle events. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns production pragmas for a file at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:          path,
		BusyTimeoutMS: 10_000,
		Synchronous:   "NORMAL",
		PageSize:      DefaultPageSize,
	}
}

// Store implements storage.Backend on SQLite.
//
// Thread Safety: Safe for concurrent use. Writes are serialised through a
// single connection.
type Store struct {
	db       *sql.DB
	pageSize int
	logger   *slog.Logger
	closed   atomic.Bool
}

var _ storage.Backend = (*Store)(nil)

// Open opens (creating if needed) the database and applies the schema.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("path is required")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.BusyTimeoutMS <= 0 {
		cfg.BusyTimeoutMS = 10_000
	}
	if cfg.Synchronous == "" {
		cfg.Synchronous = "NORMAL"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
			return nil, fmt.Errorf("sqlite: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// One connection: SQLite allows a single writer, and ":memory:" databases
	// are per-connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeoutMS),
		fmt.Sprintf("PRAGMA synchronous = %s", cfg.Synchronous),
	}
	if cfg.Path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range append(pragmas, schema) {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: exec %q: %w", p, err)
		}
	}

	cfg.Logger.Debug("sqlite store opened", slog.String("path", cfg.Path))
	return &Store{db: db, pageSize: cfg.PageSize, logger: cfg.Logger}, nil
}

// OpenMemory opens a private in-memory store.
func OpenMemory() (*Store, error) {
	return Open(DefaultConfig(":memory:"))
}

func (s *Store) check(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context must not be nil")
	}
	if s.closed.Load() {
		return storage.ErrBackendClosed
	}
	return ctx.Err()
}

// Put writes a single key.
func (s *Store) Put(ctx context.Context, key, value []byte) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO kv (k, v) VALUES (?, ?)
		ON CONFLICT(k) DO UPDATE SET v = excluded.v`, key, value)
	if err != nil {
		return fmt.Errorf("sqlite put: %w", err)
	}
	return nil
}

// TryGet reads a key.
func (s *Store) TryGet(ctx context.Context, key []byte) ([]byte, bool, error) {
	if err := s.check(ctx); err != nil {
		return nil, false, err
	}
	var v []byte
	err := s.db.QueryRowContext(ctx, `SELECT v FROM kv WHERE k = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlite get: %w", err)
	}
	return v, true, nil
}

// Scan yields pairs under prefix, one page at a time.
func (s *Store) Scan(ctx context.Context, prefix []byte, opts storage.ScanOptions) iter.Seq2[storage.KV, error] {
	return func(yield func(storage.KV, error) bool) {
		if err := s.check(ctx); err != nil {
			yield(storage.KV{}, err)
			return
		}

		lower := prefix
		if len(opts.Start) > 0 && bytes.Compare(opts.Start, lower) > 0 {
			lower = opts.Start
		}
		upper := storage.PrefixEnd(prefix)
		if len(opts.End) > 0 && (upper == nil || bytes.Compare(opts.End, upper) < 0) {
			upper = opts.End
		}

		emitted := 0
		var cursor []byte
		for {
			page, err := s.page(ctx, lower, upper, cursor, opts)
			if err != nil {
				yield(storage.KV{}, err)
				return
			}
			for _, kv := range page {
				if !yield(kv, nil) {
					return
				}
				emitted++
				if opts.Limit > 0 && emitted >= opts.Limit {
					return
				}
			}
			if len(page) < s.pageSize {
				return
			}
			cursor = page[len(page)-1].Key
		}
	}
}

// page fetches one page strictly after cursor in scan direction.
func (s *Store) page(ctx context.Context, lower, upper, cursor []byte, opts storage.ScanOptions) ([]storage.KV, error) {
	cols := "k, v"
	if opts.KeysOnly {
		cols = "k"
	}
	q := "SELECT " + cols + " FROM kv WHERE k >= ?"
	args := []any{lower}
	if upper != nil {
		q += " AND k < ?"
		args = append(args, upper)
	}
	if cursor != nil {
		if opts.Reverse {
			q += " AND k < ?"
		} else {
			q += " AND k > ?"
		}
		args = append(args, cursor)
	}
	if opts.Reverse {
		q += " ORDER BY k DESC"
	} else {
		q += " ORDER BY k ASC"
	}
	q += " LIMIT ?"
	args = append(args, s.pageSize)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite scan: %w", err)
	}
	defer rows.Close()

	out := make([]storage.KV, 0, s.pageSize)
	for rows.Next() {
		var kv storage.KV
		if opts.KeysOnly {
			err = rows.Scan(&kv.Key)
		} else {
			err = rows.Scan(&kv.Key, &kv.Value)
		}
		if err != nil {
			return nil, fmt.Errorf("sqlite scan row: %w", err)
		}
		out = append(out, kv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite scan rows: %w", err)
	}
	return out, nil
}

// DeleteRange removes every key under prefix.
func (s *Store) DeleteRange(ctx context.Context, prefix []byte) (int, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	q := `DELETE FROM kv WHERE k >= ?`
	args := []any{prefix}
	if upper := storage.PrefixEnd(prefix); upper != nil {
		q += ` AND k < ?`
		args = append(args, upper)
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("sqlite delete range: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite delete range: %w", err)
	}
	return int(n), nil
}

// Apply writes a batch in one transaction.
func (s *Store) Apply(ctx context.Context, batch []storage.Mutation) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", err)
	}
	defer tx.Rollback()

	for _, m := range batch {
		if m.Delete {
			if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE k = ?`, m.Key); err != nil {
				return fmt.Errorf("sqlite batch delete: %w", err)
			}
			continue
		}
		v := m.Value
		if v == nil {
			v = []byte{}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO kv (k, v) VALUES (?, ?)
			ON CONFLICT(k) DO UPDATE SET v = excluded.v`, m.Key, v); err != nil {
			return fmt.Errorf("sqlite batch put: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite commit: %w", err)
	}
	return nil
}

// Close closes the database. Safe to call multiple times.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
