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
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -----------------------------------------------------------------------------
// State Tests
// -----------------------------------------------------------------------------

func TestState_EncodeIsCanonical(t *testing.T) {
	a := State{"b": []byte("2"), "a": []byte("1"), "c": nil}
	b := State{"c": {}, "a": []byte("1"), "b": []byte("2")}

	assert.Equal(t, a.Encode(), b.Encode(), "insertion order must not affect encoding")

	decoded, err := DecodeState(a.Encode())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, decoded.Keys())
	assert.Equal(t, []byte("2"), decoded["b"])
}

func TestState_EmptyRoundTrip(t *testing.T) {
	enc := State{}.Encode()
	assert.Equal(t, []byte{0}, enc)

	s, err := DecodeState(enc)
	require.NoError(t, err)
	assert.Empty(t, s)
}

func TestDecodeState_Malformed(t *testing.T) {
	valid := State{"a": []byte("x"), "b": []byte("y")}.Encode()

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"truncated", valid[:len(valid)-1]},
		{"trailing", append(bytes.Clone(valid), 0x01)},
		{"count too large", []byte{0x05, 0x01, 'a', 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeState(tt.data)
			assert.True(t, errors.Is(err, ErrMalformedState), "got %v", err)
		})
	}

	t.Run("out of order keys", func(t *testing.T) {
		data := []byte{0x02, 0x01, 'b', 0x00, 0x01, 'a', 0x00}
		_, err := DecodeState(data)
		assert.ErrorIs(t, err, ErrMalformedState)
	})
}

func TestState_Apply(t *testing.T) {
	s := State{}
	s.Apply(EntityVersion{EntityID: "e1", Operation: OpInsert, Value: []byte("A")})
	s.Apply(EntityVersion{EntityID: "e2", Operation: OpInsert, Value: []byte("B")})
	s.Apply(EntityVersion{EntityID: "e1", Operation: OpDelete})

	assert.Equal(t, State{"e2": []byte("B")}, s)
}

func TestDiffStates(t *testing.T) {
	a := State{"same": []byte("x"), "changed": []byte("1"), "only_a": []byte("a")}
	b := State{"same": []byte("x"), "changed": []byte("2"), "only_b": []byte("b")}

	assert.Equal(t, []string{"changed", "only_a", "only_b"}, DiffStates(a, b))
	assert.Empty(t, DiffStates(a, a.Clone()))
}

// -----------------------------------------------------------------------------
// Key Tests
// -----------------------------------------------------------------------------

func TestKeys_OrderMatchesNumericOrder(t *testing.T) {
	k9 := SnapshotIndexKey(1, 9, 1)
	k10 := SnapshotIndexKey(1, 10, 2)
	assert.Less(t, string(k9), string(k10))

	assert.True(t, bytes.HasPrefix(k9, SnapshotIndexPrefix(1)))
	assert.False(t, bytes.HasPrefix(SnapshotIndexKey(11, 0, 1), SnapshotIndexPrefix(1)))
}

func TestKeys_ParseRoundTrip(t *testing.T) {
	tl, tick, id, err := ParseSnapshotIndexKey(SnapshotIndexKey(3, 150, 42))
	require.NoError(t, err)
	assert.Equal(t, TimelineID(3), tl)
	assert.Equal(t, Tick(150), tick)
	assert.Equal(t, SnapshotID(42), id)

	gotTick, entity, err := ParseTickIndexKey(TickIndexKey(2, 77, "unit-7"))
	require.NoError(t, err)
	assert.Equal(t, Tick(77), gotTick)
	assert.Equal(t, "unit-7", entity)

	ent, ver, err := ParseVersionKey(VersionKey(2, "unit-7", 12))
	require.NoError(t, err)
	assert.Equal(t, "unit-7", ent)
	assert.Equal(t, uint64(12), ver)

	tid, err := ParseTimelineKey(TimelineKey(9))
	require.NoError(t, err)
	assert.Equal(t, TimelineID(9), tid)

	sid, err := ParseSnapshotDataKey(SnapshotDataKey(5))
	require.NoError(t, err)
	assert.Equal(t, SnapshotID(5), sid)

	_, _, _, err = ParseSnapshotIndexKey([]byte("sn:bad"))
	assert.Error(t, err)
}

func TestValidateEntityID(t *testing.T) {
	assert.NoError(t, ValidateEntityID("unit-1"))
	assert.ErrorIs(t, ValidateEntityID(""), ErrInvalidEntityID)
	assert.ErrorIs(t, ValidateEntityID("a:b"), ErrInvalidEntityID)
	assert.ErrorIs(t, ValidateEntityID(string(make([]byte, MaxEntityIDLength+1))), ErrInvalidEntityID)
}

func TestEntityVersion_ValidAt(t *testing.T) {
	v := EntityVersion{CreatedTick: 10, SupersededTick: 20, HasSuperseded: true}
	assert.False(t, v.ValidAt(9))
	assert.True(t, v.ValidAt(10))
	assert.True(t, v.ValidAt(19))
	assert.False(t, v.ValidAt(20))

	current := EntityVersion{CreatedTick: 20}
	assert.True(t, current.ValidAt(1_000_000))
}

func TestSnapshot_JSONHashIsHex(t *testing.T) {
	s := Snapshot{ID: 1, StateHash: StateHash{0xab, 0xcd}}
	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"state_hash":"abcd00`)

	var back Snapshot
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, s.StateHash, back.StateHash)
}

func TestValidateTick(t *testing.T) {
	assert.NoError(t, ValidateTick(0))
	assert.ErrorIs(t, ValidateTick(-1), ErrInvalidTick)
}
