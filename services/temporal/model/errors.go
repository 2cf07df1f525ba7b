// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package model

import "errors"

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

// Sentinel errors shared by every temporal component. Components wrap them
// with fmt.Errorf("...: %w", err); callers match with errors.Is.
//
// None of these are retried internally. A stale-tick write or a corrupted
// read is never self-correcting.
var (
	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrNotFound indicates a missing timeline, snapshot or version for a key.
	ErrNotFound = errors.New("not found")

	// ErrInvalidOrder indicates a write whose tick does not advance the
	// entity's version chain (or lands inside history frozen by a branch).
	ErrInvalidOrder = errors.New("invalid tick order")

	// ErrIntegrity indicates a hash or checksum mismatch on stored data.
	ErrIntegrity = errors.New("integrity check failed")

	// ErrArchivedTimeline indicates a write on a timeline that is not Active.
	ErrArchivedTimeline = errors.New("timeline is archived")

	// ErrUnknownSnapshot indicates a dangling snapshot reference.
	ErrUnknownSnapshot = errors.New("unknown snapshot")

	// ErrUnknownTimeline indicates a dangling timeline reference.
	ErrUnknownTimeline = errors.New("unknown timeline")

	// ErrInsufficientHistory indicates reconstruction needs history that was
	// pruned. Distinct from ErrNotFound so operators can tell "pruned too
	// aggressively" from "storage corrupted".
	ErrInsufficientHistory = errors.New("insufficient history: required range was pruned")

	// ErrInvalidEntityID indicates an empty, oversized, or malformed entity id.
	ErrInvalidEntityID = errors.New("invalid entity id")

	// ErrInvalidTick indicates a negative tick.
	ErrInvalidTick = errors.New("tick must be non-negative")

	// ErrTimelineExists indicates a timeline name is already taken.
	ErrTimelineExists = errors.New("timeline name already exists")

	// ErrEngineClosed indicates the engine has been closed.
	ErrEngineClosed = errors.New("temporal engine is closed")
)
