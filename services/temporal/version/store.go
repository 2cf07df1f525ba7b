// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package version implements the per-entity version store.
//
// Every write appends an immutable EntityVersion to the (timeline, entity)
// chain and sets the prior version's superseded tick exactly once. Reads
// resolve "value of entity E at tick T" by binary search over an in-memory
// index, falling back through timeline ancestry for history older than a
// branch point.
//
// Persisted layout:
//
//	ev:{timeline}:{entity}:{version} -> [CRC32][gob record]
//	tk:{timeline}:{tick}:{entity}    -> version number (8 bytes, big endian)
package version

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianChrono/services/temporal/model"
	"github.com/AleutianAI/AleutianChrono/services/temporal/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MaxTick is the upper bound used for "current" lookups.
const MaxTick = model.Tick(math.MaxInt64)

// Lineage resolves timeline ancestry.
//
// Implemented by timeline.Manager.
type Lineage interface {
	// Lineage returns the timeline followed by its ancestors up to main.
	Lineage(id model.TimelineID) ([]model.Timeline, error)

	// MaxChildBranchPoint returns the highest branch point of any child.
	MaxChildBranchPoint(id model.TimelineID) (model.Tick, bool)
}

// Seals reports the highest tick covered by a whole-state capture on a
// timeline. Writes at or below it would be invisible to replay.
//
// Implemented by snapshot.Manager.
type Seals interface {
	MaxTick(tl model.TimelineID) (model.Tick, bool)
}

// Options configures payload encoding and write admission.
type Options struct {
	// MaxDeltaChain caps consecutive delta payloads before a full payload
	// is forced. 0 disables delta encoding.
	MaxDeltaChain int

	// DeltaMinSavings is the minimum fraction of the full size a delta
	// must save to be used.
	DeltaMinSavings float64

	// Seals, when set, rejects writes at or below a timeline's latest
	// snapshot tick.
	Seals Seals

	// Logger for store events. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultOptions returns the default payload encoding options.
func DefaultOptions() Options {
	return Options{
		MaxDeltaChain:   8,
		DeltaMinSavings: 0.25,
	}
}

// Stats summarises the loaded version index.
type Stats struct {
	Versions      int64 `json:"versions"`
	Entities      int64 `json:"entities"`
	DeltaVersions int64 `json:"delta_versions"`
	PayloadBytes  int64 `json:"payload_bytes"`
	ValueBytes    int64 `json:"value_bytes"`
}

// entry is one indexed version with its resolved value.
type entry struct {
	v     model.EntityVersion
	depth int
}

// Store is the version store.
//
// Thread Safety: Safe for concurrent use. Writes are serialised internally;
// callers still own single-writer-per-timeline tick ordering.
type Store struct {
	backend storage.Backend
	lineage Lineage
	opts    Options
	logger  *slog.Logger

	writeMu sync.Mutex

	mu     sync.RWMutex
	chains map[model.TimelineID]map[string][]entry
	loaded map[model.TimelineID]bool
}

// NewStore creates a version store over backend.
//
// Inputs:
//
//	backend - Ordered key-value store. Must not be nil.
//	lineage - Timeline ancestry resolver. Must not be nil.
//	opts - Payload encoding options.
//
// Outputs:
//
//	*Store - The store. Timelines are loaded lazily on first access.
//	error - Non-nil if a dependency is missing.
func NewStore(backend storage.Backend, lineage Lineage, opts Options) (*Store, error) {
	if backend == nil {
		return nil, errors.New("backend must not be nil")
	}
	if lineage == nil {
		return nil, errors.New("lineage must not be nil")
	}
	if opts.DeltaMinSavings < 0 || opts.DeltaMinSavings > 1 {
		return nil, fmt.Errorf("delta min savings must be within [0,1], got %f", opts.DeltaMinSavings)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{
		backend: backend,
		lineage: lineage,
		opts:    opts,
		logger:  opts.Logger.With(slog.String("component", "version_store")),
		chains:  make(map[model.TimelineID]map[string][]entry),
		loaded:  make(map[model.TimelineID]bool),
	}, nil
}

// -----------------------------------------------------------------------------
// Loading
// -----------------------------------------------------------------------------

// Load reads a timeline's version chains into memory. Idempotent.
//
// Outputs:
//
//	error - model.ErrIntegrity if a record fails its checksum or a delta
//	  cannot be resolved.
func (s *Store) Load(ctx context.Context, tl model.TimelineID) error {
	if ctx == nil {
		return model.ErrNilContext
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx, tl)
}

func (s *Store) loadLocked(ctx context.Context, tl model.TimelineID) error {
	if s.loaded[tl] {
		return nil
	}

	ctx, span := tracer.Start(ctx, "version.Load",
		trace.WithAttributes(attribute.Int64("timeline_id", int64(tl))))
	defer span.End()
	start := time.Now()

	chains := make(map[string][]entry)
	count := 0
	for kv, err := range s.backend.Scan(ctx, model.VersionTimelinePrefix(tl), storage.ScanOptions{}) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "scan failed")
			return fmt.Errorf("scan versions of timeline %d: %w", tl, err)
		}
		r, err := decodeRecord(kv.Value)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "decode failed")
			return fmt.Errorf("version %q: %w", kv.Key, err)
		}
		v := r.toVersion(tl)
		chain := chains[v.EntityID]

		e, err := resolve(chain, v)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "resolve failed")
			return fmt.Errorf("version %q: %w", kv.Key, err)
		}
		chains[v.EntityID] = append(chain, e)
		count++
	}

	s.chains[tl] = chains
	s.loaded[tl] = true
	versionLoadDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("versions", count), attribute.Int("entities", len(chains)))

	s.logger.Debug("timeline versions loaded",
		slog.Uint64("timeline_id", uint64(tl)),
		slog.Int("versions", count),
		slog.Int("entities", len(chains)))
	return nil
}

// resolve computes the value of v against the already loaded chain.
func resolve(chain []entry, v model.EntityVersion) (entry, error) {
	switch v.Payload.Kind {
	case model.PayloadFull:
		if !v.IsDelete() {
			v.Value = v.Payload.Data
			if v.Value == nil {
				v.Value = []byte{}
			}
		}
		return entry{v: v}, nil
	case model.PayloadDelta:
		base, ok := findVersion(chain, v.Payload.BaseVersion)
		if !ok {
			return entry{}, fmt.Errorf("%w: delta base version %d missing", model.ErrIntegrity, v.Payload.BaseVersion)
		}
		val, err := applyDelta(base.v.Value, v.Payload.Data)
		if err != nil {
			return entry{}, fmt.Errorf("%w: %v", model.ErrIntegrity, err)
		}
		v.Value = val
		return entry{v: v, depth: base.depth + 1}, nil
	default:
		return entry{}, fmt.Errorf("%w: unknown payload kind %d", model.ErrIntegrity, v.Payload.Kind)
	}
}

// findVersion binary searches a chain by version number.
func findVersion(chain []entry, number uint64) (entry, bool) {
	i := sort.Search(len(chain), func(i int) bool {
		return chain[i].v.VersionNumber >= number
	})
	if i < len(chain) && chain[i].v.VersionNumber == number {
		return chain[i], true
	}
	return entry{}, false
}

// ensureLoaded loads every timeline in the lineage.
func (s *Store) ensureLoaded(ctx context.Context, lin []model.Timeline) error {
	s.mu.RLock()
	missing := false
	for _, t := range lin {
		if !s.loaded[t.ID] {
			missing = true
			break
		}
	}
	s.mu.RUnlock()
	if !missing {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range lin {
		if err := s.loadLocked(ctx, t.ID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) resolveLineage(ctx context.Context, tl model.TimelineID) ([]model.Timeline, error) {
	if ctx == nil {
		return nil, model.ErrNilContext
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lin, err := s.lineage.Lineage(tl)
	if err != nil {
		return nil, err
	}
	if err := s.ensureLoaded(ctx, lin); err != nil {
		return nil, err
	}
	return lin, nil
}

// -----------------------------------------------------------------------------
// Reads
// -----------------------------------------------------------------------------

// GetAt returns the version of entity valid at tick on timeline tl.
//
// Description:
//
//	Binary searches the entity's own chain for the version with
//	created <= tick < superseded. Ticks at or before the timeline's branch
//	point resolve on the parent at that tick; ticks after it with no own
//	version resolve on the parent at the branch point.
//
// Outputs:
//
//	model.EntityVersion - The version, with Value resolved. A delete version
//	  is returned as-is; callers decide what absence means.
//	error - model.ErrNotFound if nothing exists at or before tick.
func (s *Store) GetAt(ctx context.Context, tl model.TimelineID, entityID string, tick model.Tick) (model.EntityVersion, error) {
	if err := model.ValidateTick(tick); err != nil {
		return model.EntityVersion{}, err
	}
	lin, err := s.resolveLineage(ctx, tl)
	if err != nil {
		return model.EntityVersion{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.lookupLocked(lin, entityID, tick)
	if !ok {
		return model.EntityVersion{}, fmt.Errorf("%w: entity %q at tick %d on timeline %d",
			model.ErrNotFound, entityID, tick, tl)
	}
	return e.v, nil
}

// Latest returns the current version of entity on timeline tl.
func (s *Store) Latest(ctx context.Context, tl model.TimelineID, entityID string) (model.EntityVersion, error) {
	return s.GetAt(ctx, tl, entityID, MaxTick)
}

// lookupLocked walks the lineage for the version valid at tick.
func (s *Store) lookupLocked(lin []model.Timeline, entityID string, tick model.Tick) (entry, bool) {
	t := tick
	for i, node := range lin {
		if i > 0 {
			t = min(t, lin[i-1].BranchPointTick)
		}
		if e, ok := ownAt(s.chains[node.ID][entityID], t); ok {
			e.v = s.viewLocked(lin, i, e.v)
			return e, true
		}
	}
	return entry{}, false
}

// ownAt binary searches one chain for the version valid at tick.
func ownAt(chain []entry, tick model.Tick) (entry, bool) {
	i := sort.Search(len(chain), func(i int) bool {
		return chain[i].v.CreatedTick > tick
	})
	if i == 0 {
		return entry{}, false
	}
	return chain[i-1], true
}

// viewLocked rewrites the superseded tick of a version found at lineage
// depth i so it reflects the history seen from lin[0].
func (s *Store) viewLocked(lin []model.Timeline, i int, v model.EntityVersion) model.EntityVersion {
	if i == 0 {
		return v
	}
	cutoff := lin[i-1].BranchPointTick
	if v.HasSuperseded && v.SupersededTick <= cutoff {
		return v
	}
	v.HasSuperseded = false
	v.SupersededTick = 0
	for j := i - 1; j >= 0; j-- {
		chain := s.chains[lin[j].ID][v.EntityID]
		if len(chain) == 0 {
			continue
		}
		bound := MaxTick
		if j > 0 {
			bound = lin[j-1].BranchPointTick
		}
		if first := chain[0].v.CreatedTick; first <= bound {
			v.HasSuperseded = true
			v.SupersededTick = first
			break
		}
	}
	return v
}

// effectiveLocked returns the entity's chain as seen from lin[0], ascending.
func (s *Store) effectiveLocked(lin []model.Timeline, entityID string) []model.EntityVersion {
	var out []model.EntityVersion
	for i := len(lin) - 1; i >= 0; i-- {
		bound := MaxTick
		if i > 0 {
			bound = lin[i-1].BranchPointTick
		}
		for _, e := range s.chains[lin[i].ID][entityID] {
			if e.v.CreatedTick > bound {
				break
			}
			out = append(out, s.viewLocked(lin, i, e.v))
		}
	}
	return out
}

// History yields versions of entity created within [start, end), ascending.
//
// Description:
//
//	Includes versions inherited from ancestors up to each branch point.
//	The sequence is lazy and restartable: each range re-reads the index.
func (s *Store) History(ctx context.Context, tl model.TimelineID, entityID string, start, end model.Tick) iter.Seq2[model.EntityVersion, error] {
	return func(yield func(model.EntityVersion, error) bool) {
		lin, err := s.resolveLineage(ctx, tl)
		if err != nil {
			yield(model.EntityVersion{}, err)
			return
		}

		s.mu.RLock()
		chain := s.effectiveLocked(lin, entityID)
		s.mu.RUnlock()

		i := sort.Search(len(chain), func(i int) bool {
			return chain[i].CreatedTick >= start
		})
		for ; i < len(chain) && chain[i].CreatedTick < end; i++ {
			if !yield(chain[i], nil) {
				return
			}
		}
	}
}

// ChangesBetween yields versions written on tl itself with created tick in
// (after, upto], ordered by tick then entity id.
//
// Description:
//
//	Reads the tick index, so entries removed by PruneTickIndex are not
//	returned. Inherited versions are not included; replay across a branch
//	walks the lineage explicitly.
func (s *Store) ChangesBetween(ctx context.Context, tl model.TimelineID, after, upto model.Tick) iter.Seq2[model.EntityVersion, error] {
	return func(yield func(model.EntityVersion, error) bool) {
		if ctx == nil {
			yield(model.EntityVersion{}, model.ErrNilContext)
			return
		}
		if upto <= after {
			return
		}
		s.mu.Lock()
		err := s.loadLocked(ctx, tl)
		s.mu.Unlock()
		if err != nil {
			yield(model.EntityVersion{}, err)
			return
		}

		prefix := model.TickIndexPrefix(tl)
		var opts storage.ScanOptions
		if upto < MaxTick {
			opts.End = model.TickIndexTickPrefix(tl, upto+1)
		}
		if after >= 0 {
			opts.Start = model.TickIndexTickPrefix(tl, after+1)
		}

		for kv, err := range s.backend.Scan(ctx, prefix, opts) {
			if err != nil {
				yield(model.EntityVersion{}, fmt.Errorf("scan tick index: %w", err))
				return
			}
			_, entityID, err := model.ParseTickIndexKey(kv.Key)
			if err != nil {
				yield(model.EntityVersion{}, fmt.Errorf("%w: %v", model.ErrIntegrity, err))
				return
			}
			if len(kv.Value) != 8 {
				yield(model.EntityVersion{}, fmt.Errorf("%w: tick index %q value", model.ErrIntegrity, kv.Key))
				return
			}
			number := binary.BigEndian.Uint64(kv.Value)

			s.mu.RLock()
			e, ok := findVersion(s.chains[tl][entityID], number)
			s.mu.RUnlock()
			if !ok {
				yield(model.EntityVersion{}, fmt.Errorf("%w: tick index %q references missing version %d",
					model.ErrIntegrity, kv.Key, number))
				return
			}
			if !yield(e.v, nil) {
				return
			}
		}
	}
}

// -----------------------------------------------------------------------------
// Writes
// -----------------------------------------------------------------------------

// PutVersion appends a version of entity on timeline tl at tick.
//
// Description:
//
//	Writes the new record, the prior record's superseded tick and the tick
//	index entry in one atomic batch. On any error nothing is written.
//
// Inputs:
//
//	tl - Target timeline. Must be Active.
//	entityID - Entity id (see model.ValidateEntityID).
//	tick - Must exceed the prior version's created tick, the timeline's
//	  branch point and every child's branch point.
//	op - Insert, Update or Delete. Delete requires a live current value.
//	value - New value. Ignored for Delete.
//
// Outputs:
//
//	model.EntityVersion - The appended version with Value resolved.
//	error - model.ErrInvalidOrder, model.ErrArchivedTimeline,
//	  model.ErrNotFound (delete of absent entity), or a storage error.
func (s *Store) PutVersion(ctx context.Context, tl model.TimelineID, entityID string, tick model.Tick, op model.Operation, value []byte) (model.EntityVersion, error) {
	if ctx == nil {
		return model.EntityVersion{}, model.ErrNilContext
	}
	if err := model.ValidateEntityID(entityID); err != nil {
		return model.EntityVersion{}, err
	}
	if err := model.ValidateTick(tick); err != nil {
		return model.EntityVersion{}, err
	}
	if op != model.OpInsert && op != model.OpUpdate && op != model.OpDelete {
		return model.EntityVersion{}, fmt.Errorf("unsupported operation %d", op)
	}

	ctx, span := tracer.Start(ctx, "version.PutVersion",
		trace.WithAttributes(
			attribute.Int64("timeline_id", int64(tl)),
			attribute.String("entity_id", entityID),
			attribute.Int64("tick", int64(tick)),
			attribute.String("operation", op.String()),
		),
	)
	defer span.End()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	lin, err := s.resolveLineage(ctx, tl)
	if err != nil {
		span.RecordError(err)
		return model.EntityVersion{}, err
	}
	node := lin[0]

	if err := s.checkWritable(node, tick); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "write rejected")
		return model.EntityVersion{}, err
	}

	s.mu.RLock()
	prior, hasPrior := s.lookupLocked(lin, entityID, MaxTick)
	s.mu.RUnlock()

	if hasPrior && tick <= prior.v.CreatedTick {
		versionWriteRejections.WithLabelValues("order").Inc()
		err := fmt.Errorf("%w: entity %q tick %d <= prior version tick %d",
			model.ErrInvalidOrder, entityID, tick, prior.v.CreatedTick)
		span.RecordError(err)
		span.SetStatus(codes.Error, "write rejected")
		return model.EntityVersion{}, err
	}
	if op == model.OpDelete && (!hasPrior || prior.v.IsDelete()) {
		versionWriteRejections.WithLabelValues("delete_absent").Inc()
		return model.EntityVersion{}, fmt.Errorf("%w: delete of absent entity %q", model.ErrNotFound, entityID)
	}

	next := model.EntityVersion{
		EntityID:      entityID,
		TimelineID:    tl,
		VersionNumber: 1,
		CreatedTick:   tick,
		Operation:     op,
	}
	if hasPrior {
		next.VersionNumber = prior.v.VersionNumber + 1
	}
	ownPrior := hasPrior && prior.v.TimelineID == tl
	e := s.encodePayload(next, value, prior, ownPrior)

	data, err := encodeRecord(e.v)
	if err != nil {
		span.RecordError(err)
		return model.EntityVersion{}, fmt.Errorf("encode version: %w", err)
	}
	tickRef := make([]byte, 8)
	binary.BigEndian.PutUint64(tickRef, e.v.VersionNumber)

	batch := []storage.Mutation{
		{Key: model.VersionKey(tl, entityID, e.v.VersionNumber), Value: data},
		{Key: model.TickIndexKey(tl, tick, entityID), Value: tickRef},
	}
	var superseded model.EntityVersion
	if ownPrior {
		superseded = prior.v
		superseded.HasSuperseded = true
		superseded.SupersededTick = tick
		pdata, err := encodeRecord(superseded)
		if err != nil {
			span.RecordError(err)
			return model.EntityVersion{}, fmt.Errorf("encode superseded version: %w", err)
		}
		batch = append(batch, storage.Mutation{
			Key:   model.VersionKey(tl, entityID, superseded.VersionNumber),
			Value: pdata,
		})
	}

	if err := s.backend.Apply(ctx, batch); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
		return model.EntityVersion{}, fmt.Errorf("write version: %w", err)
	}

	s.mu.Lock()
	chains := s.chains[tl]
	chain := chains[entityID]
	if ownPrior {
		chain[len(chain)-1].v.HasSuperseded = true
		chain[len(chain)-1].v.SupersededTick = tick
	}
	chains[entityID] = append(chain, e)
	s.mu.Unlock()

	versionWrites.WithLabelValues(op.String()).Inc()
	if e.v.Payload.Kind == model.PayloadDelta {
		versionDeltaPayloads.Inc()
	}
	span.SetAttributes(
		attribute.Int64("version", int64(e.v.VersionNumber)),
		attribute.Bool("delta", e.v.Payload.Kind == model.PayloadDelta),
	)

	s.logger.Debug("version written",
		slog.Uint64("timeline_id", uint64(tl)),
		slog.String("entity_id", entityID),
		slog.Int64("tick", int64(tick)),
		slog.Uint64("version", e.v.VersionNumber),
		slog.String("operation", op.String()))

	return e.v, nil
}

// checkWritable enforces timeline status and frozen history. History is
// frozen at or below a branch point (own or child), at or below the latest
// snapshot, and below the history floor.
func (s *Store) checkWritable(node model.Timeline, tick model.Tick) error {
	if !node.IsActive() {
		versionWriteRejections.WithLabelValues("archived").Inc()
		return fmt.Errorf("%w: timeline %q is %s", model.ErrArchivedTimeline, node.Name, node.Status)
	}
	if node.HasBranchPoint && tick <= node.BranchPointTick {
		versionWriteRejections.WithLabelValues("branch_point").Inc()
		return fmt.Errorf("%w: tick %d <= branch point %d of timeline %q",
			model.ErrInvalidOrder, tick, node.BranchPointTick, node.Name)
	}
	if frozen, ok := s.lineage.MaxChildBranchPoint(node.ID); ok && tick <= frozen {
		versionWriteRejections.WithLabelValues("frozen").Inc()
		return fmt.Errorf("%w: tick %d <= child branch point %d on timeline %q",
			model.ErrInvalidOrder, tick, frozen, node.Name)
	}
	if s.opts.Seals != nil {
		if sealed, ok := s.opts.Seals.MaxTick(node.ID); ok && tick <= sealed {
			versionWriteRejections.WithLabelValues("snapshot").Inc()
			return fmt.Errorf("%w: tick %d <= latest snapshot tick %d on timeline %q",
				model.ErrInvalidOrder, tick, sealed, node.Name)
		}
	}
	if tick < node.HistoryFloor {
		versionWriteRejections.WithLabelValues("history_floor").Inc()
		return fmt.Errorf("%w: tick %d < history floor %d of timeline %q",
			model.ErrInvalidOrder, tick, node.HistoryFloor, node.Name)
	}
	return nil
}

// encodePayload chooses a full or delta payload for next.
func (s *Store) encodePayload(next model.EntityVersion, value []byte, prior entry, ownPrior bool) entry {
	if next.IsDelete() {
		next.Payload = model.Payload{Kind: model.PayloadFull}
		return entry{v: next}
	}

	val := make([]byte, len(value))
	copy(val, value)
	next.Value = val
	next.Payload = model.Payload{Kind: model.PayloadFull, Data: val}

	if !ownPrior || prior.v.IsDelete() || s.opts.MaxDeltaChain <= 0 || prior.depth >= s.opts.MaxDeltaChain {
		return entry{v: next}
	}

	delta := encodeDelta(prior.v.Value, val)
	saved := len(val) - len(delta)
	if saved <= 0 || float64(saved) < s.opts.DeltaMinSavings*float64(len(val)) {
		return entry{v: next}
	}

	next.Payload = model.Payload{
		Kind:        model.PayloadDelta,
		Data:        delta,
		BaseVersion: prior.v.VersionNumber,
	}
	return entry{v: next, depth: prior.depth + 1}
}

// -----------------------------------------------------------------------------
// Maintenance
// -----------------------------------------------------------------------------

// PruneTickIndex deletes tick index entries of tl with tick < before.
//
// Description:
//
//	Version records are kept, so entity-scoped reads still work. Whole
//	state replay across the pruned range is no longer possible.
//
// Outputs:
//
//	int - Number of entries removed.
func (s *Store) PruneTickIndex(ctx context.Context, tl model.TimelineID, before model.Tick) (int, error) {
	if ctx == nil {
		return 0, model.ErrNilContext
	}
	if before <= 0 {
		return 0, nil
	}

	var ticks []model.Tick
	last := model.NoTick
	opts := storage.ScanOptions{End: model.TickIndexTickPrefix(tl, before), KeysOnly: true}
	for kv, err := range s.backend.Scan(ctx, model.TickIndexPrefix(tl), opts) {
		if err != nil {
			return 0, fmt.Errorf("scan tick index: %w", err)
		}
		tick, _, err := model.ParseTickIndexKey(kv.Key)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", model.ErrIntegrity, err)
		}
		if tick != last {
			ticks = append(ticks, tick)
			last = tick
		}
	}

	removed := 0
	for _, tick := range ticks {
		n, err := s.backend.DeleteRange(ctx, model.TickIndexTickPrefix(tl, tick))
		removed += n
		if err != nil {
			return removed, fmt.Errorf("delete tick index at %d: %w", tick, err)
		}
	}

	s.logger.Info("tick index pruned",
		slog.Uint64("timeline_id", uint64(tl)),
		slog.Int64("before", int64(before)),
		slog.Int("ticks", len(ticks)),
		slog.Int("entries", removed))
	return removed, nil
}

// Stats summarises every loaded timeline.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Stats
	for _, chains := range s.chains {
		st.Entities += int64(len(chains))
		for _, chain := range chains {
			for _, e := range chain {
				st.Versions++
				st.PayloadBytes += int64(len(e.v.Payload.Data))
				st.ValueBytes += int64(len(e.v.Value))
				if e.v.Payload.Kind == model.PayloadDelta {
					st.DeltaVersions++
				}
			}
		}
	}
	return st
}
