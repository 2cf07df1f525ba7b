// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package temporal

import (
	"context"
	"log/slog"

	"github.com/AleutianAI/AleutianChrono/services/temporal/model"
	"github.com/AleutianAI/AleutianChrono/services/temporal/timeline"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Branch creates a timeline forked at a snapshot.
//
// Description:
//
//	The child's parent is the snapshot's timeline and its branch point is
//	the snapshot's tick. The child inherits every parent version created at
//	or before that tick. Branching does not switch the active timeline.
//
// Outputs:
//
//	model.Timeline - The new Active timeline.
//	error - model.ErrUnknownSnapshot, model.ErrTimelineExists,
//	  timeline.ErrInvalidName.
func (e *Engine) Branch(ctx context.Context, snapshotID model.SnapshotID, name string) (model.Timeline, error) {
	if err := e.check(ctx); err != nil {
		return model.Timeline{}, err
	}
	ctx, span := tracer.Start(ctx, "temporal.Branch",
		trace.WithAttributes(
			attribute.Int64("snapshot_id", int64(snapshotID)),
			attribute.String("name", name),
		),
	)
	defer span.End()

	snap, err := e.snapshots.Get(snapshotID)
	if err != nil {
		observe("branch", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "unknown snapshot")
		return model.Timeline{}, err
	}

	t, err := e.timelines.Branch(ctx, snap.TimelineID, snap.Tick, timeline.BranchOptions{
		Name:       name,
		SnapshotID: snap.ID,
	})
	observe("branch", err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "branch failed")
		return model.Timeline{}, err
	}
	return t, nil
}

// SwitchTimeline sets the timeline subsequent writes and reads use.
func (e *Engine) SwitchTimeline(ctx context.Context, id model.TimelineID) (model.Timeline, error) {
	if err := e.check(ctx); err != nil {
		return model.Timeline{}, err
	}
	t, err := e.timelines.Get(id)
	if err != nil {
		return model.Timeline{}, err
	}
	e.mu.Lock()
	e.active = t.ID
	e.mu.Unlock()
	e.logger.Debug("active timeline switched", slog.Uint64("timeline_id", uint64(t.ID)), slog.String("name", t.Name))
	return t, nil
}

// SwitchTimelineByName is SwitchTimeline by timeline name.
func (e *Engine) SwitchTimelineByName(ctx context.Context, name string) (model.Timeline, error) {
	if err := e.check(ctx); err != nil {
		return model.Timeline{}, err
	}
	t, err := e.timelines.ByName(name)
	if err != nil {
		return model.Timeline{}, err
	}
	return e.SwitchTimeline(ctx, t.ID)
}

// ActiveTimeline returns the current metadata of the active timeline.
func (e *Engine) ActiveTimeline() model.Timeline {
	t, _ := e.timelines.Get(e.activeID())
	return t
}

func (e *Engine) activeID() model.TimelineID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active
}

// Timeline returns a timeline by id.
func (e *Engine) Timeline(ctx context.Context, id model.TimelineID) (model.Timeline, error) {
	if err := e.check(ctx); err != nil {
		return model.Timeline{}, err
	}
	return e.timelines.Get(id)
}

// TimelineByName returns a timeline by name.
func (e *Engine) TimelineByName(ctx context.Context, name string) (model.Timeline, error) {
	if err := e.check(ctx); err != nil {
		return model.Timeline{}, err
	}
	return e.timelines.ByName(name)
}

// Timelines lists every timeline in id order.
func (e *Engine) Timelines(ctx context.Context) ([]model.Timeline, error) {
	if err := e.check(ctx); err != nil {
		return nil, err
	}
	return e.timelines.List(), nil
}

// Archive makes a timeline read-only. It stays fully queryable.
func (e *Engine) Archive(ctx context.Context, id model.TimelineID) (model.Timeline, error) {
	if err := e.check(ctx); err != nil {
		return model.Timeline{}, err
	}
	t, err := e.timelines.Archive(ctx, id)
	observe("archive", err)
	return t, err
}
