// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger provides the BadgerDB implementation of storage.Backend.
//
// Every temporal index (snapshot ticks, version chains, the per-tick change
// log) is a prefix scan over ordered keys, which BadgerDB's LSM iterator
// serves directly. Record versions live in the key layout, so Badger keeps
// a single MVCC version per key.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Config describes one store directory.
type Config struct {
	// Path is the store directory. Required unless InMemory is set.
	Path string

	// InMemory keeps everything in RAM. Used by tests and the "memory"
	// backend.
	InMemory bool

	// SyncWrites fsyncs every committed batch.
	SyncWrites bool

	// Logger receives Badger's internal messages. Nil silences them.
	Logger *slog.Logger

	// GCInterval is the value log GC period. Zero disables GC.
	GCInterval time.Duration

	// GCDiscardRatio is the garbage fraction a value log file needs before
	// it is rewritten. Must be in [0, 1].
	GCDiscardRatio float64
}

// DefaultConfig returns durable settings for an on-disk store: synced
// writes and value log GC every 5 minutes at a 0.5 discard ratio. Path
// must still be set.
func DefaultConfig() Config {
	return Config{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns settings for a throwaway store.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

func (c Config) options() (badger.Options, error) {
	var opts badger.Options
	switch {
	case c.InMemory:
		opts = badger.DefaultOptions("").WithInMemory(true)
	case c.Path == "":
		return opts, errors.New("badger: path is required for an on-disk store")
	default:
		if err := os.MkdirAll(c.Path, 0o750); err != nil {
			return opts, fmt.Errorf("badger: create %s: %w", c.Path, err)
		}
		opts = badger.DefaultOptions(c.Path)
	}
	if c.GCDiscardRatio < 0 || c.GCDiscardRatio > 1 {
		return opts, fmt.Errorf("badger: gc discard ratio %v outside [0, 1]", c.GCDiscardRatio)
	}

	opts = opts.WithSyncWrites(c.SyncWrites).WithNumVersionsToKeep(1)
	if c.Logger != nil {
		opts = opts.WithLogger(slogAdapter{c.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}
	return opts, nil
}

// slogAdapter satisfies badger.Logger. Badger's Info output is startup
// and compaction chatter, so it is demoted to Debug.
type slogAdapter struct {
	l *slog.Logger
}

func (a slogAdapter) Errorf(format string, args ...any) { a.l.Error(fmt.Sprintf(format, args...)) }

func (a slogAdapter) Warningf(format string, args ...any) { a.l.Warn(fmt.Sprintf(format, args...)) }

func (a slogAdapter) Infof(format string, args ...any) { a.l.Debug(fmt.Sprintf(format, args...)) }

func (a slogAdapter) Debugf(format string, args ...any) { a.l.Debug(fmt.Sprintf(format, args...)) }

// valueLogGC rewrites value log files in the background until stopped.
type valueLogGC struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func startValueLogGC(db *badger.DB, interval time.Duration, ratio float64, logger *slog.Logger) *valueLogGC {
	ctx, cancel := context.WithCancel(context.Background())
	gc := &valueLogGC{cancel: cancel}
	gc.wg.Add(1)
	go func() {
		defer gc.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			// One file per round; ErrNoRewrite means nothing qualified.
			for {
				err := db.RunValueLogGC(ratio)
				if err == nil {
					continue
				}
				if !errors.Is(err, badger.ErrNoRewrite) && logger != nil {
					logger.Warn("value log gc failed", slog.String("error", err.Error()))
				}
				break
			}
		}
	}()
	return gc
}

func (g *valueLogGC) stop() {
	g.cancel()
	g.wg.Wait()
}
