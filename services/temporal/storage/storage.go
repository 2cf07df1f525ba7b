// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage defines the ordered key-value contract the temporal engine
// consumes.
//
// Durability, compaction and replication belong to the backend. The engine
// only needs point reads and writes, atomic batches, and prefix scans in
// stable lexicographic key order.
//
// Implementations:
//
//   - storage/badger: embedded BadgerDB (default)
//   - storage/sqlite: single-table SQLite store (modernc, pure Go)
package storage

import (
	"bytes"
	"context"
	"errors"
	"iter"
)

// ErrBackendClosed is returned by operations on a closed backend.
var ErrBackendClosed = errors.New("storage backend is closed")

// KV is one key/value pair yielded by Scan.
type KV struct {
	Key   []byte
	Value []byte
}

// Mutation is one write in an atomic batch.
type Mutation struct {
	Key   []byte
	Value []byte

	// Delete removes Key instead of writing Value.
	Delete bool
}

// ScanOptions narrows a prefix scan.
type ScanOptions struct {
	// Start is the inclusive lower bound. Empty means the prefix itself.
	Start []byte

	// End is the exclusive upper bound. Empty means the end of the prefix.
	End []byte

	// Reverse yields keys in descending order.
	Reverse bool

	// Limit stops after this many pairs. 0 means unlimited.
	Limit int

	// KeysOnly skips value reads. Value is nil in yielded pairs.
	KeysOnly bool
}

// Backend is an ordered key-value store.
//
// Description:
//
//	All calls are synchronous and bounded. Values returned by TryGet and
//	Scan are owned by the caller and remain valid after the call.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Backend interface {
	// Put writes a single key.
	Put(ctx context.Context, key, value []byte) error

	// TryGet reads a key. The bool is false when the key does not exist.
	TryGet(ctx context.Context, key []byte) ([]byte, bool, error)

	// Scan yields pairs whose key has the prefix, in lexicographic order
	// (descending when opts.Reverse). The sequence is lazy and restartable:
	// ranging over it again performs a fresh scan.
	Scan(ctx context.Context, prefix []byte, opts ScanOptions) iter.Seq2[KV, error]

	// DeleteRange removes every key with the prefix and returns the count.
	DeleteRange(ctx context.Context, prefix []byte) (int, error)

	// Apply writes a batch atomically: either every mutation is visible
	// or none is.
	Apply(ctx context.Context, batch []Mutation) error

	// Close releases resources.
	Close() error
}

// PrefixEnd returns the smallest key greater than every key with the
// prefix, or nil when no such key exists (prefix is all 0xFF).
func PrefixEnd(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// InRange reports whether key satisfies the prefix and the optional bounds.
func InRange(key, prefix []byte, opts ScanOptions) bool {
	if !bytes.HasPrefix(key, prefix) {
		return false
	}
	if len(opts.Start) > 0 && bytes.Compare(key, opts.Start) < 0 {
		return false
	}
	if len(opts.End) > 0 && bytes.Compare(key, opts.End) >= 0 {
		return false
	}
	return true
}

// First returns the first pair of a scan, if any.
func First(ctx context.Context, b Backend, prefix []byte, opts ScanOptions) (KV, bool, error) {
	opts.Limit = 1
	for kv, err := range b.Scan(ctx, prefix, opts) {
		if err != nil {
			return KV{}, false, err
		}
		return kv, true, nil
	}
	return KV{}, false, nil
}

// Collect drains a scan into a slice.
func Collect(seq iter.Seq2[KV, error]) ([]KV, error) {
	var out []KV
	for kv, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, kv)
	}
	return out, nil
}
