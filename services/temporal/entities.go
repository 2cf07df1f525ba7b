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
	"errors"
	"fmt"
	"iter"

	"github.com/AleutianAI/AleutianChrono/services/temporal/model"
	"github.com/AleutianAI/AleutianChrono/services/temporal/query"
)

// -----------------------------------------------------------------------------
// Writes
// -----------------------------------------------------------------------------

// Put writes value for entity at tick on the active timeline. The version is
// an Insert when the entity has no live value, otherwise an Update.
func (e *Engine) Put(ctx context.Context, entityID string, tick model.Tick, value []byte) (model.EntityVersion, error) {
	if err := e.check(ctx); err != nil {
		return model.EntityVersion{}, err
	}
	op := model.OpInsert
	prior, err := e.versions.Latest(ctx, e.activeID(), entityID)
	switch {
	case err == nil && !prior.IsDelete():
		op = model.OpUpdate
	case err != nil && !errors.Is(err, model.ErrNotFound):
		return model.EntityVersion{}, err
	}
	return e.PutVersion(ctx, entityID, tick, op, value)
}

// Delete writes a tombstone for entity at tick on the active timeline.
func (e *Engine) Delete(ctx context.Context, entityID string, tick model.Tick) (model.EntityVersion, error) {
	return e.PutVersion(ctx, entityID, tick, model.OpDelete, nil)
}

// PutVersion appends a version on the active timeline.
//
// Description:
//
//	The version and its change-log entry are written atomically, then the
//	timeline's current tick is raised. Cached states of the timeline and
//	its descendants become stale.
//
// Outputs:
//
//	model.EntityVersion - The appended version.
//	error - model.ErrInvalidOrder, model.ErrArchivedTimeline,
//	  model.ErrInvalidEntityID, model.ErrNotFound (delete of absent entity).
func (e *Engine) PutVersion(ctx context.Context, entityID string, tick model.Tick, op model.Operation, value []byte) (model.EntityVersion, error) {
	if err := e.check(ctx); err != nil {
		return model.EntityVersion{}, err
	}
	tl := e.activeID()
	v, err := e.versions.PutVersion(ctx, tl, entityID, tick, op, value)
	if err == nil {
		err = e.timelines.Advance(ctx, tl, tick)
		if err != nil {
			err = fmt.Errorf("advance timeline %d: %w", tl, err)
		}
	}
	observe("put_version", err)
	return v, err
}

// -----------------------------------------------------------------------------
// Reads
// -----------------------------------------------------------------------------

// AsOf returns the value of entity at tick on the active timeline.
func (e *Engine) AsOf(ctx context.Context, entityID string, tick model.Tick) ([]byte, error) {
	if err := e.check(ctx); err != nil {
		return nil, err
	}
	v, err := e.query.AsOf(ctx, e.activeID(), entityID, tick)
	observe("as_of", err)
	return v, err
}

// Between returns versions of entity created within [start, end) on the
// active timeline, ascending.
func (e *Engine) Between(ctx context.Context, entityID string, start, end model.Tick) ([]model.EntityVersion, error) {
	if err := e.check(ctx); err != nil {
		return nil, err
	}
	var out []model.EntityVersion
	for v, err := range e.query.Between(ctx, e.activeID(), entityID, start, end) {
		if err != nil {
			observe("between", err)
			return nil, err
		}
		out = append(out, v)
	}
	observe("between", nil)
	return out, nil
}

// History yields every version of entity visible from the active timeline.
// The sequence is lazy and restartable.
func (e *Engine) History(ctx context.Context, entityID string) iter.Seq2[model.EntityVersion, error] {
	if err := e.check(ctx); err != nil {
		return func(yield func(model.EntityVersion, error) bool) {
			yield(model.EntityVersion{}, err)
		}
	}
	return e.query.FullHistory(ctx, e.activeID(), entityID)
}

// Compare reconstructs timelines a and b at tick and diffs them by entity.
func (e *Engine) Compare(ctx context.Context, a, b model.TimelineID, tick model.Tick) (query.Comparison, error) {
	if err := e.check(ctx); err != nil {
		return query.Comparison{}, err
	}
	c, err := e.query.Compare(ctx, a, b, tick)
	observe("compare", err)
	return c, err
}
