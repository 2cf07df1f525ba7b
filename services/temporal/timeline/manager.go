// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package timeline tracks the timeline tree.
//
// Timelines live in an append-only arena indexed by id. Parent references are
// ids, never pointers, and a child's id is always greater than its parent's,
// so the ancestry graph is cycle-free by construction.
//
// Each timeline moves through Created -> Active -> Archived. Only Active
// timelines accept writes; Archived ones stay queryable.
package timeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianChrono/services/temporal/model"
	"github.com/AleutianAI/AleutianChrono/services/temporal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MaxNameLength bounds timeline names.
const MaxNameLength = 128

var (
	// ErrInvalidTransition indicates a status change the state machine forbids.
	ErrInvalidTransition = errors.New("invalid timeline status transition")

	// ErrInvalidName indicates an empty or oversized timeline name.
	ErrInvalidName = errors.New("invalid timeline name")
)

var tracer = otel.Tracer("temporal.timeline")

// BranchOptions configures a new branch.
type BranchOptions struct {
	// Name must be unique across the store.
	Name string

	// SnapshotID records the snapshot the branch was created from.
	SnapshotID model.SnapshotID
}

// Manager owns the timeline arena.
//
// Thread Safety: Safe for concurrent use.
type Manager struct {
	backend storage.Backend
	logger  *slog.Logger
	now     func() time.Time

	mu          sync.RWMutex
	arena       []model.Timeline
	byName      map[string]model.TimelineID
	children    map[model.TimelineID][]model.TimelineID
	generations []uint64
}

// NewManager creates an empty manager. Call Load then EnsureMain.
func NewManager(backend storage.Backend, logger *slog.Logger) (*Manager, error) {
	if backend == nil {
		return nil, errors.New("backend must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		backend:  backend,
		logger:   logger.With(slog.String("component", "timeline_manager")),
		now:      time.Now,
		byName:   make(map[string]model.TimelineID),
		children: make(map[model.TimelineID][]model.TimelineID),
	}, nil
}

// Load rebuilds the arena from persisted metadata.
//
// Description:
//
//	Scans tl: in id order. Ids must be contiguous from 1 and every parent
//	must precede its child. Timelines left in Created by an interrupted
//	Branch are activated.
//
// Outputs:
//
//	error - model.ErrIntegrity if the arena is inconsistent.
func (m *Manager) Load(ctx context.Context) error {
	if ctx == nil {
		return model.ErrNilContext
	}

	ctx, span := tracer.Start(ctx, "timeline.Load")
	defer span.End()

	var loaded []model.Timeline
	for kv, err := range m.backend.Scan(ctx, model.TimelinePrefix(), storage.ScanOptions{}) {
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("scan timelines: %w", err)
		}
		var t model.Timeline
		if err := json.Unmarshal(kv.Value, &t); err != nil {
			return fmt.Errorf("%w: timeline %q: %v", model.ErrIntegrity, kv.Key, err)
		}
		id, err := model.ParseTimelineKey(kv.Key)
		if err != nil || id != t.ID {
			return fmt.Errorf("%w: timeline key %q does not match id %d", model.ErrIntegrity, kv.Key, t.ID)
		}
		loaded = append(loaded, t)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.arena = m.arena[:0]
	m.generations = m.generations[:0]
	clear(m.byName)
	clear(m.children)

	for _, t := range loaded {
		if t.ID != model.TimelineID(len(m.arena)+1) {
			err := fmt.Errorf("%w: timeline ids not contiguous at %d", model.ErrIntegrity, t.ID)
			span.RecordError(err)
			span.SetStatus(codes.Error, "arena inconsistent")
			return err
		}
		if !t.IsMain() && t.ParentID >= t.ID {
			return fmt.Errorf("%w: timeline %d has parent %d", model.ErrIntegrity, t.ID, t.ParentID)
		}
		if t.Status == model.TimelineCreated {
			t.Status = model.TimelineActive
			if err := m.persist(ctx, t); err != nil {
				return err
			}
			m.logger.Warn("activated timeline left in created state",
				slog.Uint64("timeline_id", uint64(t.ID)),
				slog.String("name", t.Name))
		}
		m.addLocked(t)
	}

	span.SetAttributes(attribute.Int("timelines", len(m.arena)))
	m.logger.Debug("timelines loaded", slog.Int("count", len(m.arena)))
	return nil
}

func (m *Manager) addLocked(t model.Timeline) {
	m.arena = append(m.arena, t)
	m.generations = append(m.generations, 0)
	m.byName[t.Name] = t.ID
	if !t.IsMain() {
		m.children[t.ParentID] = append(m.children[t.ParentID], t.ID)
	}
}

func (m *Manager) persist(ctx context.Context, t model.Timeline) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal timeline: %w", err)
	}
	if err := m.backend.Put(ctx, model.TimelineKey(t.ID), data); err != nil {
		return fmt.Errorf("persist timeline %d: %w", t.ID, err)
	}
	return nil
}

// EnsureMain returns the main timeline, creating it on first use.
func (m *Manager) EnsureMain(ctx context.Context) (model.Timeline, error) {
	if ctx == nil {
		return model.Timeline{}, model.ErrNilContext
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.arena) > 0 {
		return m.arena[0], nil
	}

	main := model.Timeline{
		ID:            model.MainTimelineID,
		Name:          model.MainTimelineName,
		CreatedAtTick: 0,
		Status:        model.TimelineActive,
		CreatedAt:     m.now().UnixMilli(),
	}
	if err := m.persist(ctx, main); err != nil {
		return model.Timeline{}, err
	}
	m.addLocked(main)

	m.logger.Info("main timeline created")
	return main, nil
}

// Branch creates a child of parent diverging at branchPoint.
//
// Description:
//
//	The child is persisted in Created state, then activated. It inherits
//	every version of the parent with created tick <= branchPoint.
//
// Outputs:
//
//	model.Timeline - The new Active timeline.
//	error - model.ErrUnknownTimeline, model.ErrTimelineExists, ErrInvalidName,
//	  or model.ErrInvalidOrder if branchPoint precedes the parent's own
//	  branch point.
func (m *Manager) Branch(ctx context.Context, parent model.TimelineID, branchPoint model.Tick, opts BranchOptions) (model.Timeline, error) {
	if ctx == nil {
		return model.Timeline{}, model.ErrNilContext
	}
	if err := model.ValidateTick(branchPoint); err != nil {
		return model.Timeline{}, err
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" || len(name) > MaxNameLength {
		return model.Timeline{}, fmt.Errorf("%w: %q", ErrInvalidName, opts.Name)
	}

	ctx, span := tracer.Start(ctx, "timeline.Branch",
		trace.WithAttributes(
			attribute.Int64("parent_id", int64(parent)),
			attribute.Int64("branch_point", int64(branchPoint)),
			attribute.String("name", name),
		),
	)
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.getLocked(parent)
	if err != nil {
		span.RecordError(err)
		return model.Timeline{}, err
	}
	if _, taken := m.byName[name]; taken {
		return model.Timeline{}, fmt.Errorf("%w: %q", model.ErrTimelineExists, name)
	}
	if p.HasBranchPoint && branchPoint < p.BranchPointTick {
		return model.Timeline{}, fmt.Errorf("%w: branch point %d precedes parent branch point %d",
			model.ErrInvalidOrder, branchPoint, p.BranchPointTick)
	}

	child := model.Timeline{
		ID:               model.TimelineID(len(m.arena) + 1),
		Name:             name,
		ParentID:         parent,
		BranchPointTick:  branchPoint,
		HasBranchPoint:   true,
		BranchSnapshotID: opts.SnapshotID,
		CreatedAtTick:    branchPoint,
		CurrentTick:      branchPoint,
		Status:           model.TimelineCreated,
		CreatedAt:        m.now().UnixMilli(),
	}
	if err := m.persist(ctx, child); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		return model.Timeline{}, err
	}
	child.Status = model.TimelineActive
	if err := m.persist(ctx, child); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "activate failed")
		return model.Timeline{}, err
	}
	m.addLocked(child)

	m.logger.Info("timeline branched",
		slog.Uint64("timeline_id", uint64(child.ID)),
		slog.String("name", name),
		slog.Uint64("parent_id", uint64(parent)),
		slog.Int64("branch_point", int64(branchPoint)))
	return child, nil
}

// -----------------------------------------------------------------------------
// Lookups
// -----------------------------------------------------------------------------

func (m *Manager) getLocked(id model.TimelineID) (model.Timeline, error) {
	if id == 0 || int(id) > len(m.arena) {
		return model.Timeline{}, fmt.Errorf("%w: %d", model.ErrUnknownTimeline, id)
	}
	return m.arena[id-1], nil
}

// Get returns a timeline by id.
func (m *Manager) Get(id model.TimelineID) (model.Timeline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(id)
}

// ByName returns a timeline by name.
func (m *Manager) ByName(name string) (model.Timeline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byName[name]
	if !ok {
		return model.Timeline{}, fmt.Errorf("%w: %q", model.ErrUnknownTimeline, name)
	}
	return m.arena[id-1], nil
}

// List returns every timeline in id order.
func (m *Manager) List() []model.Timeline {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Timeline, len(m.arena))
	copy(out, m.arena)
	return out
}

// Lineage returns the timeline followed by its ancestors up to main.
func (m *Manager) Lineage(id model.TimelineID) ([]model.Timeline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Timeline
	for {
		t, err := m.getLocked(id)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
		if t.IsMain() {
			return out, nil
		}
		id = t.ParentID
	}
}

// Children returns the direct children of id in creation order.
func (m *Manager) Children(id model.TimelineID) []model.Timeline {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.children[id]
	out := make([]model.Timeline, 0, len(ids))
	for _, c := range ids {
		out = append(out, m.arena[c-1])
	}
	return out
}

// MaxChildBranchPoint returns the highest branch point among the children
// of id. History at or before it is frozen on id.
func (m *Manager) MaxChildBranchPoint(id model.TimelineID) (model.Tick, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	best, found := model.NoTick, false
	for _, c := range m.children[id] {
		if bp := m.arena[c-1].BranchPointTick; bp > best {
			best, found = bp, true
		}
	}
	return best, found
}

// -----------------------------------------------------------------------------
// Mutations
// -----------------------------------------------------------------------------

// update applies fn to a copy of the timeline, persists it, then publishes.
func (m *Manager) update(ctx context.Context, id model.TimelineID, fn func(*model.Timeline) (bool, error)) (model.Timeline, error) {
	if ctx == nil {
		return model.Timeline{}, model.ErrNilContext
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.getLocked(id)
	if err != nil {
		return model.Timeline{}, err
	}
	changed, err := fn(&t)
	if err != nil || !changed {
		return t, err
	}
	if err := m.persist(ctx, t); err != nil {
		return model.Timeline{}, err
	}
	m.arena[id-1] = t
	return t, nil
}

// Archive moves an Active timeline to Archived. Archiving twice is a no-op.
func (m *Manager) Archive(ctx context.Context, id model.TimelineID) (model.Timeline, error) {
	t, err := m.update(ctx, id, func(t *model.Timeline) (bool, error) {
		switch t.Status {
		case model.TimelineArchived:
			return false, nil
		case model.TimelineActive:
			t.Status = model.TimelineArchived
			return true, nil
		default:
			return false, fmt.Errorf("%w: %s -> archived", ErrInvalidTransition, t.Status)
		}
	})
	if err == nil {
		m.logger.Info("timeline archived", slog.Uint64("timeline_id", uint64(id)))
	}
	return t, err
}

// Advance records a write at tick: raises CurrentTick (never lowers it) and
// bumps the write generation.
func (m *Manager) Advance(ctx context.Context, id model.TimelineID, tick model.Tick) error {
	_, err := m.update(ctx, id, func(t *model.Timeline) (bool, error) {
		m.generations[id-1]++
		if tick <= t.CurrentTick {
			return false, nil
		}
		t.CurrentTick = tick
		return true, nil
	})
	return err
}

// SetHistoryFloor raises the lowest replayable tick of id.
func (m *Manager) SetHistoryFloor(ctx context.Context, id model.TimelineID, floor model.Tick) error {
	_, err := m.update(ctx, id, func(t *model.Timeline) (bool, error) {
		if floor <= t.HistoryFloor {
			return false, nil
		}
		m.generations[id-1]++
		t.HistoryFloor = floor
		return true, nil
	})
	return err
}

// Generation returns the in-memory write generation of id.
//
// Generations start at 0 on every process start; they order changes within
// one process only.
func (m *Manager) Generation(id model.TimelineID) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id == 0 || int(id) > len(m.generations) {
		return 0
	}
	return m.generations[id-1]
}

// LineageGeneration sums the generations of id and its ancestors. It
// changes whenever any write could alter state visible from id.
func (m *Manager) LineageGeneration(id model.TimelineID) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var sum uint64
	for id != 0 && int(id) <= len(m.arena) {
		sum += m.generations[id-1]
		id = m.arena[id-1].ParentID
	}
	return sum
}
