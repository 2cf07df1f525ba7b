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

import (
	"fmt"
	"strconv"
	"strings"
)

// Key layout
//
//	tl:{timeline}                       timeline metadata (JSON)
//	sn:{timeline}:{tick}:{snapshot}     snapshot index entry (JSON metadata)
//	sd:{snapshot}                       snapshot payload
//	ev:{timeline}:{entity}:{version}    version record (CRC + gob)
//	tk:{timeline}:{tick}:{entity}       tick index (value: version number)
//	meta:store                          store identity
//
// Numeric components are zero-padded to 20 digits so lexicographic key order
// equals numeric order.

// KeySeparator separates key components. Entity ids must not contain it.
const KeySeparator = ':'

const numWidth = 20

const (
	prefixTimeline      = "tl:"
	prefixSnapshotIndex = "sn:"
	prefixSnapshotData  = "sd:"
	prefixVersion       = "ev:"
	prefixTickIndex     = "tk:"
)

// StoreMetaKey holds the store identity record.
var StoreMetaKey = []byte("meta:store")

// SnapshotSeqKey holds the highest snapshot id ever allocated, so ids are
// never reused after pruning.
var SnapshotSeqKey = []byte("meta:snapshot_seq")

func pad(n uint64) string {
	return fmt.Sprintf("%0*d", numWidth, n)
}

// TimelinePrefix is the scan prefix for all timeline records.
func TimelinePrefix() []byte {
	return []byte(prefixTimeline)
}

// TimelineKey returns the metadata key for a timeline.
func TimelineKey(id TimelineID) []byte {
	return []byte(prefixTimeline + pad(uint64(id)))
}

// SnapshotIndexPrefix is the scan prefix for one timeline's snapshot index.
func SnapshotIndexPrefix(tl TimelineID) []byte {
	return []byte(prefixSnapshotIndex + pad(uint64(tl)) + ":")
}

// SnapshotIndexAllPrefix is the scan prefix for every snapshot index entry.
func SnapshotIndexAllPrefix() []byte {
	return []byte(prefixSnapshotIndex)
}

// SnapshotIndexKey returns the index key for a snapshot.
func SnapshotIndexKey(tl TimelineID, tick Tick, id SnapshotID) []byte {
	return []byte(prefixSnapshotIndex + pad(uint64(tl)) + ":" + pad(uint64(tick)) + ":" + pad(uint64(id)))
}

// SnapshotDataPrefix is the scan prefix for every snapshot payload.
func SnapshotDataPrefix() []byte {
	return []byte(prefixSnapshotData)
}

// SnapshotDataKey returns the payload key for a snapshot.
func SnapshotDataKey(id SnapshotID) []byte {
	return []byte(prefixSnapshotData + pad(uint64(id)))
}

// VersionTimelinePrefix is the scan prefix for every version on a timeline.
func VersionTimelinePrefix(tl TimelineID) []byte {
	return []byte(prefixVersion + pad(uint64(tl)) + ":")
}

// VersionPrefix is the scan prefix for one entity's versions on a timeline.
func VersionPrefix(tl TimelineID, entityID string) []byte {
	return []byte(prefixVersion + pad(uint64(tl)) + ":" + entityID + ":")
}

// VersionKey returns the record key for a version.
func VersionKey(tl TimelineID, entityID string, version uint64) []byte {
	return []byte(prefixVersion + pad(uint64(tl)) + ":" + entityID + ":" + pad(version))
}

// TickIndexPrefix is the scan prefix for a timeline's tick index.
func TickIndexPrefix(tl TimelineID) []byte {
	return []byte(prefixTickIndex + pad(uint64(tl)) + ":")
}

// TickIndexTickPrefix is the scan prefix for one tick on a timeline.
func TickIndexTickPrefix(tl TimelineID, tick Tick) []byte {
	return []byte(prefixTickIndex + pad(uint64(tl)) + ":" + pad(uint64(tick)) + ":")
}

// TickIndexKey returns the tick index key for an entity write.
func TickIndexKey(tl TimelineID, tick Tick, entityID string) []byte {
	return []byte(prefixTickIndex + pad(uint64(tl)) + ":" + pad(uint64(tick)) + ":" + entityID)
}

// ParseTimelineKey extracts the timeline id from a tl: key.
func ParseTimelineKey(key []byte) (TimelineID, error) {
	s := string(key)
	if !strings.HasPrefix(s, prefixTimeline) {
		return 0, fmt.Errorf("not a timeline key: %q", s)
	}
	n, err := strconv.ParseUint(s[len(prefixTimeline):], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse timeline key %q: %w", s, err)
	}
	return TimelineID(n), nil
}

// ParseSnapshotIndexKey extracts (timeline, tick, snapshot) from an sn: key.
func ParseSnapshotIndexKey(key []byte) (TimelineID, Tick, SnapshotID, error) {
	s := string(key)
	if !strings.HasPrefix(s, prefixSnapshotIndex) {
		return 0, 0, 0, fmt.Errorf("not a snapshot index key: %q", s)
	}
	parts := strings.Split(s[len(prefixSnapshotIndex):], ":")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("malformed snapshot index key: %q", s)
	}
	nums := make([]uint64, 3)
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("parse snapshot index key %q: %w", s, err)
		}
		nums[i] = n
	}
	return TimelineID(nums[0]), Tick(nums[1]), SnapshotID(nums[2]), nil
}

// ParseSnapshotDataKey extracts the snapshot id from an sd: key.
func ParseSnapshotDataKey(key []byte) (SnapshotID, error) {
	s := string(key)
	if !strings.HasPrefix(s, prefixSnapshotData) {
		return 0, fmt.Errorf("not a snapshot data key: %q", s)
	}
	n, err := strconv.ParseUint(s[len(prefixSnapshotData):], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse snapshot data key %q: %w", s, err)
	}
	return SnapshotID(n), nil
}

// ParseTickIndexKey extracts (tick, entity) from a tk: key.
func ParseTickIndexKey(key []byte) (Tick, string, error) {
	s := string(key)
	if !strings.HasPrefix(s, prefixTickIndex) {
		return 0, "", fmt.Errorf("not a tick index key: %q", s)
	}
	parts := strings.SplitN(s[len(prefixTickIndex):], ":", 3)
	if len(parts) != 3 {
		return 0, "", fmt.Errorf("malformed tick index key: %q", s)
	}
	n, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("parse tick index key %q: %w", s, err)
	}
	return Tick(n), parts[2], nil
}

// ParseVersionKey extracts (entity, version) from an ev: key.
func ParseVersionKey(key []byte) (string, uint64, error) {
	s := string(key)
	if !strings.HasPrefix(s, prefixVersion) {
		return "", 0, fmt.Errorf("not a version key: %q", s)
	}
	rest := s[len(prefixVersion):]
	first := strings.IndexByte(rest, KeySeparator)
	last := strings.LastIndexByte(rest, KeySeparator)
	if first < 0 || last <= first {
		return "", 0, fmt.Errorf("malformed version key: %q", s)
	}
	n, err := strconv.ParseUint(rest[last+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("parse version key %q: %w", s, err)
	}
	return rest[first+1 : last], n, nil
}
