// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package snapshot creates, compresses, verifies and retrieves full-state
// captures.
//
// A snapshot is immutable once created. Its state hash is computed over the
// uncompressed bytes, so two snapshots of identical state hash equally even
// if their compressed encodings differ.
//
// Persisted layout:
//
//	sn:{timeline}:{tick}:{snapshot} -> JSON model.Snapshot
//	sd:{snapshot}                   -> [format_version][state_hash][uncompressed_size][zstd]
//	meta:snapshot_seq               -> highest allocated id (8 bytes, big endian)
package snapshot

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianChrono/pkg/logging"
	"github.com/AleutianAI/AleutianChrono/services/temporal/model"
	"github.com/AleutianAI/AleutianChrono/services/temporal/storage"
	"github.com/klauspost/compress/zstd"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Options configures the manager.
type Options struct {
	// CompressionLevel is a zstd level (1-22). Default: 3.
	CompressionLevel int

	// MaxStateBytes bounds a single snapshot's uncompressed size.
	// Default: 256 MiB.
	MaxStateBytes uint64

	// Logger for snapshot events. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultOptions returns the default manager options.
func DefaultOptions() Options {
	return Options{
		CompressionLevel: 3,
		MaxStateBytes:    256 << 20,
	}
}

// CreateOptions configures a single snapshot.
type CreateOptions struct {
	// Label is a free-form annotation.
	Label string
}

// Stats summarises stored snapshots.
type Stats struct {
	Count             int64   `json:"count"`
	CompressedBytes   int64   `json:"compressed_bytes"`
	UncompressedBytes int64   `json:"uncompressed_bytes"`
	CompressionRatio  float64 `json:"compression_ratio"`
}

// Manager owns snapshot records and payloads.
//
// Thread Safety: Safe for concurrent use.
type Manager struct {
	backend storage.Backend
	opts    Options
	logger  *slog.Logger
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	now     func() time.Time

	mu     sync.RWMutex
	lastID model.SnapshotID
	byID   map[model.SnapshotID]model.Snapshot
	// index holds each timeline's snapshots sorted by (tick, id).
	index map[model.TimelineID][]model.Snapshot
}

// NewManager creates a manager. Call Load before use.
func NewManager(backend storage.Backend, opts Options) (*Manager, error) {
	if backend == nil {
		return nil, errors.New("backend must not be nil")
	}
	if opts.CompressionLevel == 0 {
		opts.CompressionLevel = DefaultOptions().CompressionLevel
	}
	if opts.MaxStateBytes == 0 {
		opts.MaxStateBytes = DefaultOptions().MaxStateBytes
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(opts.CompressionLevel)),
		zstd.WithEncoderConcurrency(1),
		zstd.WithZeroFrames(true))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(0),
		zstd.WithDecoderMaxMemory(opts.MaxStateBytes))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &Manager{
		backend: backend,
		opts:    opts,
		logger:  opts.Logger.With(slog.String("component", "snapshot_manager")),
		encoder: enc,
		decoder: dec,
		now:     time.Now,
		byID:    make(map[model.SnapshotID]model.Snapshot),
		index:   make(map[model.TimelineID][]model.Snapshot),
	}, nil
}

// Close releases the zstd encoder and decoder.
func (m *Manager) Close() {
	m.encoder.Close()
	m.decoder.Close()
}

// Load rebuilds the in-memory index from snapshot records.
func (m *Manager) Load(ctx context.Context) error {
	if ctx == nil {
		return model.ErrNilContext
	}

	ctx, span := tracer.Start(ctx, "snapshot.Load")
	defer span.End()

	byID := make(map[model.SnapshotID]model.Snapshot)
	index := make(map[model.TimelineID][]model.Snapshot)
	var maxID model.SnapshotID

	for kv, err := range m.backend.Scan(ctx, model.SnapshotIndexAllPrefix(), storage.ScanOptions{}) {
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("scan snapshot index: %w", err)
		}
		tl, tick, id, err := model.ParseSnapshotIndexKey(kv.Key)
		if err != nil {
			return fmt.Errorf("%w: %v", model.ErrIntegrity, err)
		}
		var s model.Snapshot
		if err := json.Unmarshal(kv.Value, &s); err != nil {
			return fmt.Errorf("%w: snapshot record %q: %v", model.ErrIntegrity, kv.Key, err)
		}
		if s.ID != id || s.TimelineID != tl || s.Tick != tick {
			return fmt.Errorf("%w: snapshot record %q does not match its key", model.ErrIntegrity, kv.Key)
		}
		byID[id] = s
		// Keys sort by (timeline, tick, id), so appends keep each slice ordered.
		index[tl] = append(index[tl], s)
		maxID = max(maxID, id)
	}

	seq, ok, err := m.backend.TryGet(ctx, model.SnapshotSeqKey)
	if err != nil {
		return fmt.Errorf("read snapshot sequence: %w", err)
	}
	if ok {
		if len(seq) != 8 {
			return fmt.Errorf("%w: snapshot sequence value", model.ErrIntegrity)
		}
		maxID = max(maxID, model.SnapshotID(binary.BigEndian.Uint64(seq)))
	}

	m.mu.Lock()
	m.byID = byID
	m.index = index
	m.lastID = maxID
	m.mu.Unlock()

	snapshotsStored.Set(float64(len(byID)))
	span.SetAttributes(attribute.Int("snapshots", len(byID)))
	m.logger.Debug("snapshots loaded",
		slog.Int("count", len(byID)),
		slog.Uint64("last_id", uint64(maxID)))
	return nil
}

// Create compresses state and persists a new snapshot.
//
// Description:
//
//	Computes the state hash over the uncompressed bytes, compresses with
//	zstd and writes the payload, the record and the id sequence in one
//	atomic batch. Identical state at different ticks yields distinct ids
//	with identical hashes.
//
// Inputs:
//
//	tl - Owning timeline. Status checks are the caller's job.
//	tick - Tick the state describes.
//	state - Uncompressed state bytes. Not retained.
//	opts - Label and other per-snapshot options.
//
// Outputs:
//
//	model.Snapshot - The persisted record.
//	error - Non-nil on validation or storage failure.
func (m *Manager) Create(ctx context.Context, tl model.TimelineID, tick model.Tick, state []byte, opts CreateOptions) (model.Snapshot, error) {
	if ctx == nil {
		return model.Snapshot{}, model.ErrNilContext
	}
	if err := model.ValidateTick(tick); err != nil {
		return model.Snapshot{}, err
	}
	if uint64(len(state)) > m.opts.MaxStateBytes {
		return model.Snapshot{}, fmt.Errorf("state of %d bytes exceeds limit %d", len(state), m.opts.MaxStateBytes)
	}

	ctx, span := tracer.Start(ctx, "snapshot.Create",
		trace.WithAttributes(
			attribute.Int64("timeline_id", int64(tl)),
			attribute.Int64("tick", int64(tick)),
			attribute.Int("state_bytes", len(state)),
		),
	)
	defer span.End()
	start := time.Now()

	hash := SHA256(state)
	payload := encodePayload(m.encoder, hash, state)

	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.lastID + 1
	snap := model.Snapshot{
		ID:               id,
		TimelineID:       tl,
		Tick:             tick,
		StateHash:        hash,
		UncompressedSize: uint64(len(state)),
		CompressedSize:   uint64(len(payload) - headerSize),
		Label:            opts.Label,
		CreatedAt:        m.now().UnixMilli(),
	}
	record, err := json.Marshal(snap)
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("marshal snapshot record: %w", err)
	}
	seq := make([]byte, 8)
	binary.BigEndian.PutUint64(seq, uint64(id))

	err = m.backend.Apply(ctx, []storage.Mutation{
		{Key: model.SnapshotDataKey(id), Value: payload},
		{Key: model.SnapshotIndexKey(tl, tick, id), Value: record},
		{Key: model.SnapshotSeqKey, Value: seq},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		return model.Snapshot{}, fmt.Errorf("persist snapshot: %w", err)
	}

	m.lastID = id
	m.byID[id] = snap
	m.insertLocked(snap)

	snapshotsCreated.Inc()
	snapshotsStored.Set(float64(len(m.byID)))
	snapshotCreateDuration.Observe(time.Since(start).Seconds())
	if snap.UncompressedSize > 0 {
		snapshotCompressionRatio.Observe(snap.CompressionRatio())
	}
	span.SetAttributes(
		attribute.Int64("snapshot_id", int64(id)),
		attribute.Int64("compressed_bytes", int64(snap.CompressedSize)),
	)

	logging.WithTrace(ctx, m.logger).Info("snapshot created",
		slog.Uint64("snapshot_id", uint64(id)),
		slog.Uint64("timeline_id", uint64(tl)),
		slog.Int64("tick", int64(tick)),
		slog.String("state_hash", hash.String()),
		slog.Uint64("uncompressed_bytes", snap.UncompressedSize),
		slog.Uint64("compressed_bytes", snap.CompressedSize))

	return snap, nil
}

// insertLocked adds snap to its timeline index keeping (tick, id) order.
func (m *Manager) insertLocked(snap model.Snapshot) {
	list := m.index[snap.TimelineID]
	i := sort.Search(len(list), func(i int) bool {
		return list[i].Tick > snap.Tick || (list[i].Tick == snap.Tick && list[i].ID > snap.ID)
	})
	list = append(list, model.Snapshot{})
	copy(list[i+1:], list[i:])
	list[i] = snap
	m.index[snap.TimelineID] = list
}

// -----------------------------------------------------------------------------
// Lookups
// -----------------------------------------------------------------------------

// Get returns a snapshot record.
func (m *Manager) Get(id model.SnapshotID) (model.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[id]
	if !ok {
		return model.Snapshot{}, fmt.Errorf("%w: %d", model.ErrUnknownSnapshot, id)
	}
	return s, nil
}

// List returns a timeline's snapshots ordered by (tick, id).
func (m *Manager) List(tl model.TimelineID) []model.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Snapshot, len(m.index[tl]))
	copy(out, m.index[tl])
	return out
}

// MaxTick returns the highest snapshot tick of tl. The bool is false when
// tl has no snapshots.
func (m *Manager) MaxTick(tl model.TimelineID) (model.Tick, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.index[tl]
	if len(list) == 0 {
		return 0, false
	}
	return list[len(list)-1].Tick, true
}

// FindLatestBefore returns the snapshot of tl with the greatest tick <= tick.
// The bool is false when none exists; the caller replays from tick zero.
func (m *Manager) FindLatestBefore(tl model.TimelineID, tick model.Tick) (model.Snapshot, bool) {
	return m.FindBefore(tl, tick, nil)
}

// FindBefore is FindLatestBefore stepping past snapshots for which skip
// returns true. Among snapshots at the same tick the newest id wins.
func (m *Manager) FindBefore(tl model.TimelineID, tick model.Tick, skip func(model.Snapshot) bool) (model.Snapshot, bool) {
	m.mu.RLock()
	list := m.index[tl]
	m.mu.RUnlock()

	i := sort.Search(len(list), func(i int) bool {
		return list[i].Tick > tick
	})
	for i--; i >= 0; i-- {
		if skip == nil || !skip(list[i]) {
			return list[i], true
		}
	}
	return model.Snapshot{}, false
}

// -----------------------------------------------------------------------------
// Integrity
// -----------------------------------------------------------------------------

// Verify recomputes the hash of the decompressed payload and compares it to
// the stored state hash. It never repairs anything.
//
// Outputs:
//
//	bool - False if the payload is missing, undecodable or mismatched.
//	error - model.ErrUnknownSnapshot for an unknown id; storage errors.
func (m *Manager) Verify(ctx context.Context, id model.SnapshotID, hashFn model.HashFunc) (bool, error) {
	if ctx == nil {
		return false, model.ErrNilContext
	}
	ctx, span := tracer.Start(ctx, "snapshot.Verify",
		trace.WithAttributes(attribute.Int64("snapshot_id", int64(id))))
	defer span.End()

	_, _, err := m.read(ctx, id, hashFn)
	switch {
	case err == nil:
		snapshotVerifications.WithLabelValues("ok").Inc()
		return true, nil
	case errors.Is(err, model.ErrIntegrity):
		snapshotVerifications.WithLabelValues("corrupt").Inc()
		span.SetAttributes(attribute.Bool("corrupt", true))
		logging.WithTrace(ctx, m.logger).Warn("snapshot failed verification",
			slog.Uint64("snapshot_id", uint64(id)),
			slog.String("error", err.Error()))
		return false, nil
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "verify failed")
		return false, err
	}
}

// ReadState returns the verified uncompressed state of a snapshot.
//
// Outputs:
//
//	[]byte - Uncompressed state. Never returned when verification fails.
//	model.Snapshot - The record.
//	error - model.ErrIntegrity on any mismatch; model.ErrUnknownSnapshot.
func (m *Manager) ReadState(ctx context.Context, id model.SnapshotID) ([]byte, model.Snapshot, error) {
	if ctx == nil {
		return nil, model.Snapshot{}, model.ErrNilContext
	}
	return m.read(ctx, id, SHA256)
}

func (m *Manager) read(ctx context.Context, id model.SnapshotID, hashFn model.HashFunc) ([]byte, model.Snapshot, error) {
	if hashFn == nil {
		hashFn = SHA256
	}
	meta, err := m.Get(id)
	if err != nil {
		return nil, model.Snapshot{}, err
	}
	payload, ok, err := m.backend.TryGet(ctx, model.SnapshotDataKey(id))
	if err != nil {
		return nil, meta, fmt.Errorf("read snapshot payload %d: %w", id, err)
	}
	if !ok {
		return nil, meta, fmt.Errorf("%w: snapshot %d payload missing", model.ErrIntegrity, id)
	}
	state, err := decodePayload(m.decoder, meta, payload, hashFn, m.opts.MaxStateBytes)
	if err != nil {
		return nil, meta, fmt.Errorf("snapshot %d: %w", id, err)
	}
	return state, meta, nil
}

// -----------------------------------------------------------------------------
// Maintenance
// -----------------------------------------------------------------------------

// Prune deletes snapshots of tl with tick < before.
//
// Outputs:
//
//	int - Number of snapshots removed.
func (m *Manager) Prune(ctx context.Context, tl model.TimelineID, before model.Tick) (int, error) {
	if ctx == nil {
		return 0, model.ErrNilContext
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.index[tl]
	cut := sort.Search(len(list), func(i int) bool {
		return list[i].Tick >= before
	})
	if cut == 0 {
		return 0, nil
	}

	batch := make([]storage.Mutation, 0, 2*cut)
	for _, s := range list[:cut] {
		batch = append(batch,
			storage.Mutation{Key: model.SnapshotDataKey(s.ID), Delete: true},
			storage.Mutation{Key: model.SnapshotIndexKey(tl, s.Tick, s.ID), Delete: true},
		)
	}
	if err := m.backend.Apply(ctx, batch); err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}

	for _, s := range list[:cut] {
		delete(m.byID, s.ID)
	}
	m.index[tl] = append([]model.Snapshot(nil), list[cut:]...)
	snapshotsStored.Set(float64(len(m.byID)))

	m.logger.Info("snapshots pruned",
		slog.Uint64("timeline_id", uint64(tl)),
		slog.Int64("before", int64(before)),
		slog.Int("count", cut))
	return cut, nil
}

// Stats summarises every stored snapshot.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var st Stats
	for _, s := range m.byID {
		st.Count++
		st.CompressedBytes += int64(s.CompressedSize)
		st.UncompressedBytes += int64(s.UncompressedSize)
	}
	if st.UncompressedBytes > 0 {
		st.CompressionRatio = float64(st.CompressedBytes) / float64(st.UncompressedBytes)
	}
	return st
}
