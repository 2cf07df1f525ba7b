// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package model holds the types, error taxonomy and key layout shared by the
// temporal storage components.
//
// The engine is tick-indexed: a Tick is the only time axis for versioning
// and queries. Ticks are threaded explicitly through every write; nothing in
// the engine reads an ambient clock to decide ordering.
package model

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Tick is a discrete simulation-time unit. Valid ticks are >= 0.
type Tick int64

// NoTick is the exclusive lower bound used when replaying from tick zero.
const NoTick Tick = -1

// ValidateTick returns ErrInvalidTick for negative ticks.
func ValidateTick(t Tick) error {
	if t < 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidTick, t)
	}
	return nil
}

// TimelineID identifies a timeline. IDs are assigned monotonically and are
// never reused; 0 means "no timeline".
type TimelineID uint64

// MainTimelineID is the ID of the distinguished main timeline.
const MainTimelineID TimelineID = 1

// MainTimelineName is the name of the distinguished main timeline.
const MainTimelineName = "main"

// SnapshotID identifies a snapshot. IDs are assigned monotonically so that
// ordering and staleness checks are plain integer comparisons.
type SnapshotID uint64

// -----------------------------------------------------------------------------
// Timeline
// -----------------------------------------------------------------------------

// TimelineStatus is the lifecycle state of a timeline.
type TimelineStatus int

const (
	// TimelineCreated is the transient state while a branch is registered.
	TimelineCreated TimelineStatus = iota

	// TimelineActive permits new versions and snapshots.
	TimelineActive

	// TimelineArchived is fully queryable but rejects writes.
	TimelineArchived
)

// String returns the status name.
func (s TimelineStatus) String() string {
	switch s {
	case TimelineCreated:
		return "created"
	case TimelineActive:
		return "active"
	case TimelineArchived:
		return "archived"
	default:
		return "unknown"
	}
}

// Timeline is a named, independently-versioned history of entity state.
//
// Description:
//
//	Timelines form a tree. A child references its parent by ID and records
//	the branch point tick; every ID is strictly larger than its parent's,
//	so the ancestry graph cannot contain cycles.
//
// Thread Safety: Value type; copies are safe to share.
type Timeline struct {
	// ID is the arena index of this timeline.
	ID TimelineID `json:"id"`

	// Name is unique across the store.
	Name string `json:"name"`

	// ParentID is 0 for the main timeline.
	ParentID TimelineID `json:"parent_id,omitempty"`

	// BranchPointTick is the parent tick this timeline diverges from.
	// Only meaningful when HasBranchPoint is true.
	BranchPointTick Tick `json:"branch_point_tick"`

	// HasBranchPoint is true for every timeline except main.
	HasBranchPoint bool `json:"has_branch_point"`

	// BranchSnapshotID is the snapshot the branch was created from.
	BranchSnapshotID SnapshotID `json:"branch_snapshot_id,omitempty"`

	// CreatedAtTick is the tick at which the timeline came into existence.
	CreatedAtTick Tick `json:"created_at_tick"`

	// CurrentTick is the highest tick written to this timeline.
	CurrentTick Tick `json:"current_tick"`

	// Status is the lifecycle state.
	Status TimelineStatus `json:"status"`

	// HistoryFloor is the lowest tick from which whole-state replay is still
	// possible. Raised by pruning; 0 means complete history.
	HistoryFloor Tick `json:"history_floor"`

	// CreatedAt is wall-clock creation time (Unix milliseconds UTC).
	// Informational only.
	CreatedAt int64 `json:"created_at"`
}

// IsActive reports whether the timeline accepts writes.
func (t Timeline) IsActive() bool {
	return t.Status == TimelineActive
}

// IsMain reports whether this is the root timeline.
func (t Timeline) IsMain() bool {
	return t.ParentID == 0
}

// -----------------------------------------------------------------------------
// Snapshot
// -----------------------------------------------------------------------------

// HashSize is the length of a state hash.
const HashSize = 32

// StateHash is a cryptographic digest of uncompressed state bytes.
type StateHash [HashSize]byte

// String returns the hex encoding.
func (h StateHash) String() string {
	return hex.EncodeToString(h[:])
}

// HashFunc computes a StateHash over uncompressed bytes.
type HashFunc func(data []byte) StateHash

// Snapshot is an immutable, hashed, compressed capture of complete state at a
// tick on a timeline.
//
// Thread Safety: Immutable after creation.
type Snapshot struct {
	ID               SnapshotID `json:"id"`
	TimelineID       TimelineID `json:"timeline_id"`
	Tick             Tick       `json:"tick"`
	StateHash        StateHash  `json:"state_hash"`
	UncompressedSize uint64     `json:"uncompressed_size"`
	CompressedSize   uint64     `json:"compressed_size"`
	Label            string     `json:"label,omitempty"`

	// CreatedAt is wall-clock creation time (Unix milliseconds UTC).
	CreatedAt int64 `json:"created_at"`
}

// CreatedTime returns CreatedAt as a time.Time.
func (s Snapshot) CreatedTime() time.Time {
	return time.UnixMilli(s.CreatedAt).UTC()
}

// CompressionRatio returns compressed/uncompressed, or 0 for empty state.
func (s Snapshot) CompressionRatio() float64 {
	if s.UncompressedSize == 0 {
		return 0
	}
	return float64(s.CompressedSize) / float64(s.UncompressedSize)
}

// -----------------------------------------------------------------------------
// EntityVersion
// -----------------------------------------------------------------------------

// Operation is the kind of write a version records.
type Operation int

const (
	OpInsert Operation = iota + 1
	OpUpdate
	OpDelete
)

// String returns the operation name.
func (o Operation) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// ParseOperation parses an operation name.
func ParseOperation(s string) (Operation, error) {
	switch strings.ToLower(s) {
	case "insert":
		return OpInsert, nil
	case "update":
		return OpUpdate, nil
	case "delete":
		return OpDelete, nil
	default:
		return 0, fmt.Errorf("unknown operation %q", s)
	}
}

// PayloadKind tags how a version's value is stored.
type PayloadKind int

const (
	// PayloadFull stores the complete value.
	PayloadFull PayloadKind = iota + 1

	// PayloadDelta stores a patch against BaseVersion.
	PayloadDelta
)

// Payload is the stored form of a version's value: Full(bytes) or
// Delta(bytes, base_version). It is a storage-format choice only; readers
// always see the resolved value.
type Payload struct {
	Kind        PayloadKind
	Data        []byte
	BaseVersion uint64
}

// EntityVersion is one immutable revision of an entity's value, valid over
// [CreatedTick, SupersededTick).
type EntityVersion struct {
	EntityID      string
	TimelineID    TimelineID
	VersionNumber uint64
	CreatedTick   Tick

	// SupersededTick is set exactly once, when a newer version is written.
	// Only meaningful when HasSuperseded is true.
	SupersededTick Tick
	HasSuperseded  bool

	Operation Operation
	Payload   Payload

	// Value is the resolved value. Nil for deletes.
	Value []byte
}

// ValidAt reports whether the version is the valid one at tick.
func (v EntityVersion) ValidAt(tick Tick) bool {
	if v.CreatedTick > tick {
		return false
	}
	return !v.HasSuperseded || v.SupersededTick > tick
}

// IsDelete reports whether the version is a tombstone.
func (v EntityVersion) IsDelete() bool {
	return v.Operation == OpDelete
}

// MaxEntityIDLength bounds entity ids so keys stay small.
const MaxEntityIDLength = 512

// ValidateEntityID checks that an entity id can be embedded in a key.
func ValidateEntityID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: must not be empty", ErrInvalidEntityID)
	}
	if len(id) > MaxEntityIDLength {
		return fmt.Errorf("%w: length %d exceeds %d", ErrInvalidEntityID, len(id), MaxEntityIDLength)
	}
	if strings.ContainsRune(id, KeySeparator) {
		return fmt.Errorf("%w: must not contain %q", ErrInvalidEntityID, KeySeparator)
	}
	return nil
}
