// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package temporal is the tick-indexed temporal storage engine.
//
// Engine ties the stores together over one storage.Backend:
//
//   - timeline.Manager: the arena of timelines and their ancestry
//   - version.Store: per-entity version chains and the per-tick change log
//   - snapshot.Manager: compressed, hashed whole-state captures
//   - query.Engine: point-in-time lookups and snapshot-plus-replay
//
// Writes go to the active timeline. Every tick is supplied by the caller;
// the engine never reads a clock for ticks and runs no background work.
//
// # Thread Safety
//
// Engine is safe for concurrent use. Writers on one timeline must be
// serialised by the caller.
package temporal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianChrono/services/temporal/config"
	"github.com/AleutianAI/AleutianChrono/services/temporal/model"
	"github.com/AleutianAI/AleutianChrono/services/temporal/query"
	"github.com/AleutianAI/AleutianChrono/services/temporal/snapshot"
	"github.com/AleutianAI/AleutianChrono/services/temporal/storage"
	"github.com/AleutianAI/AleutianChrono/services/temporal/timeline"
	"github.com/AleutianAI/AleutianChrono/services/temporal/version"
	"github.com/google/uuid"
)

// FormatVersion is the on-disk layout version recorded in the store identity.
const FormatVersion = 1

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithOwnedBackend makes Close also close the backend.
func WithOwnedBackend() Option {
	return func(e *Engine) {
		e.ownsBackend = true
	}
}

// Identity is persisted at meta:store on first open.
type Identity struct {
	StoreID       string `json:"store_id"`
	FormatVersion int    `json:"format_version"`
	CreatedAt     int64  `json:"created_at"`
}

// Engine is the temporal storage engine.
type Engine struct {
	cfg         config.Config
	backend     storage.Backend
	ownsBackend bool
	baseLogger  *slog.Logger
	logger      *slog.Logger
	identity    Identity

	timelines *timeline.Manager
	versions  *version.Store
	snapshots *snapshot.Manager
	query     *query.Engine

	mu     sync.RWMutex
	active model.TimelineID

	closed atomic.Bool
}

// Open opens an engine over backend.
//
// Description:
//
//	Reads (or creates) the store identity, loads the timeline arena and the
//	snapshot index, and ensures the main timeline exists. Version chains are
//	loaded per timeline on first use. The active timeline starts as main.
//
// Inputs:
//
//	ctx - Context for the initial loads. Must not be nil.
//	cfg - Engine configuration. Validated.
//	backend - The storage backend. Closed by Close only with WithOwnedBackend.
//
// Outputs:
//
//	*Engine - The open engine. Caller must call Close.
//	error - Configuration, storage or integrity errors.
func Open(ctx context.Context, cfg config.Config, backend storage.Backend, opts ...Option) (*Engine, error) {
	if ctx == nil {
		return nil, model.ErrNilContext
	}
	if backend == nil {
		return nil, errors.New("backend must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:     cfg,
		backend: backend,
		logger:  slog.Default(),
		active:  model.MainTimelineID,
	}
	for _, opt := range opts {
		opt(e)
	}
	// Sub-managers tag their own component.
	e.baseLogger = e.logger
	e.logger = e.baseLogger.With(slog.String("component", "temporal_engine"))

	if err := e.open(ctx); err != nil {
		if e.snapshots != nil {
			e.snapshots.Close()
		}
		if e.ownsBackend {
			backend.Close()
		}
		return nil, err
	}

	e.logger.Info("temporal engine opened",
		slog.String("store_id", e.identity.StoreID),
		slog.Int("timelines", len(e.timelines.List())),
		slog.Int64("snapshots", e.snapshots.Stats().Count))
	return e, nil
}

// OpenWithConfig opens the backend selected by cfg and an engine that owns it.
func OpenWithConfig(ctx context.Context, cfg config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	defaults := &Engine{logger: slog.Default()}
	for _, opt := range opts {
		opt(defaults)
	}
	backend, err := OpenBackend(cfg, defaults.logger)
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", cfg.Backend, err)
	}
	return Open(ctx, cfg, backend, append(opts, WithOwnedBackend())...)
}

func (e *Engine) open(ctx context.Context) error {
	if err := e.loadIdentity(ctx); err != nil {
		return err
	}

	var err error
	e.timelines, err = timeline.NewManager(e.backend, e.baseLogger)
	if err != nil {
		return err
	}
	if err := e.timelines.Load(ctx); err != nil {
		return fmt.Errorf("load timelines: %w", err)
	}
	if _, err := e.timelines.EnsureMain(ctx); err != nil {
		return fmt.Errorf("ensure main timeline: %w", err)
	}

	e.snapshots, err = snapshot.NewManager(e.backend, snapshot.Options{
		CompressionLevel: e.cfg.Snapshots.CompressionLevel,
		MaxStateBytes:    e.cfg.Snapshots.MaxStateBytes,
		Logger:           e.baseLogger,
	})
	if err != nil {
		return err
	}
	if err := e.snapshots.Load(ctx); err != nil {
		return fmt.Errorf("load snapshot index: %w", err)
	}

	e.versions, err = version.NewStore(e.backend, e.timelines, version.Options{
		MaxDeltaChain:   e.cfg.Versions.MaxDeltaChain,
		DeltaMinSavings: e.cfg.Versions.DeltaMinSavings,
		Seals:           e.snapshots,
		Logger:          e.baseLogger,
	})
	if err != nil {
		return err
	}

	e.query, err = query.NewEngine(e.versions, e.snapshots, e.timelines, query.Options{
		CacheSize: e.cfg.Cache.Size,
		HashFn:    snapshot.SHA256,
		Logger:    e.baseLogger,
	})
	return err
}

// loadIdentity reads meta:store, writing a fresh identity on first open.
func (e *Engine) loadIdentity(ctx context.Context) error {
	data, ok, err := e.backend.TryGet(ctx, model.StoreMetaKey)
	if err != nil {
		return fmt.Errorf("read store identity: %w", err)
	}
	if ok {
		if err := json.Unmarshal(data, &e.identity); err != nil {
			return fmt.Errorf("%w: store identity: %v", model.ErrIntegrity, err)
		}
		if e.identity.FormatVersion != FormatVersion {
			return fmt.Errorf("unsupported store format version %d", e.identity.FormatVersion)
		}
		return nil
	}

	e.identity = Identity{
		StoreID:       uuid.NewString(),
		FormatVersion: FormatVersion,
		CreatedAt:     time.Now().UnixMilli(),
	}
	data, err = json.Marshal(e.identity)
	if err != nil {
		return err
	}
	if err := e.backend.Put(ctx, model.StoreMetaKey, data); err != nil {
		return fmt.Errorf("write store identity: %w", err)
	}
	e.logger.Info("store initialised", slog.String("store_id", e.identity.StoreID))
	return nil
}

// check guards every operation.
func (e *Engine) check(ctx context.Context) error {
	if ctx == nil {
		return model.ErrNilContext
	}
	if e.closed.Load() {
		return model.ErrEngineClosed
	}
	return ctx.Err()
}

// Identity returns the persisted store identity.
func (e *Engine) Identity() Identity {
	return e.identity
}

// Close releases the engine. Safe to call multiple times.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	e.snapshots.Close()
	e.logger.Info("temporal engine closed", slog.String("store_id", e.identity.StoreID))
	if e.ownsBackend {
		return e.backend.Close()
	}
	return nil
}

// -----------------------------------------------------------------------------
// Stats
// -----------------------------------------------------------------------------

// Stats summarises the store.
type Stats struct {
	StoreID           string         `json:"store_id"`
	Timelines         int            `json:"timelines"`
	ActiveTimelines   int            `json:"active_timelines"`
	ArchivedTimelines int            `json:"archived_timelines"`
	Snapshots         snapshot.Stats `json:"snapshots"`
	Versions          version.Stats  `json:"versions"`
	Query             query.Stats    `json:"query"`
}

// GetStats loads every timeline's versions and reports totals.
func (e *Engine) GetStats(ctx context.Context) (Stats, error) {
	if err := e.check(ctx); err != nil {
		return Stats{}, err
	}
	s := Stats{StoreID: e.identity.StoreID}
	for _, t := range e.timelines.List() {
		if err := e.versions.Load(ctx, t.ID); err != nil {
			observe("stats", err)
			return Stats{}, fmt.Errorf("load timeline %d: %w", t.ID, err)
		}
		s.Timelines++
		switch t.Status {
		case model.TimelineActive:
			s.ActiveTimelines++
		case model.TimelineArchived:
			s.ArchivedTimelines++
		}
	}
	s.Snapshots = e.snapshots.Stats()
	s.Versions = e.versions.Stats()
	s.Query = e.query.Stats()
	observe("stats", nil)
	return s, nil
}
