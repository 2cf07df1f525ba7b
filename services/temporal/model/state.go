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
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
)

// State is the complete entity state of a timeline at one tick.
//
// Description:
//
//	Maps entity id to its value bytes. Deleted entities are absent. The
//	binary encoding is canonical (keys sorted, length-prefixed), so equal
//	states always produce equal bytes and equal hashes.
//
// Thread Safety: Not safe for concurrent mutation. Clone before sharing.
type State map[string][]byte

// ErrMalformedState is returned when state bytes cannot be decoded.
var ErrMalformedState = errors.New("malformed state encoding")

// Clone returns a deep copy.
func (s State) Clone() State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = bytes.Clone(v)
	}
	return out
}

// Keys returns entity ids in ascending order.
func (s State) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Apply folds one version into the state.
func (s State) Apply(v EntityVersion) {
	if v.IsDelete() {
		delete(s, v.EntityID)
		return
	}
	s[v.EntityID] = bytes.Clone(v.Value)
}

// Encode returns the canonical encoding:
//
//	[count: uvarint] then per entity in key order
//	[key_len: uvarint][key][value_len: uvarint][value]
func (s State) Encode() []byte {
	size := binary.MaxVarintLen64
	for k, v := range s {
		size += 2*binary.MaxVarintLen64 + len(k) + len(v)
	}
	buf := make([]byte, 0, size)
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	for _, k := range s.Keys() {
		v := s[k]
		buf = binary.AppendUvarint(buf, uint64(len(k)))
		buf = append(buf, k...)
		buf = binary.AppendUvarint(buf, uint64(len(v)))
		buf = append(buf, v...)
	}
	return buf
}

// DecodeState parses a canonical state encoding.
//
// Outputs:
//
//	State - The decoded state.
//	error - ErrMalformedState if the bytes are truncated, carry trailing
//	        data, or list keys out of order.
func DecodeState(data []byte) (State, error) {
	count, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, fmt.Errorf("%w: bad entity count", ErrMalformedState)
	}
	data = data[n:]
	if count > uint64(len(data)) {
		return nil, fmt.Errorf("%w: entity count %d exceeds payload", ErrMalformedState, count)
	}

	s := make(State, count)
	var prev string
	for i := uint64(0); i < count; i++ {
		key, rest, err := readChunk(data)
		if err != nil {
			return nil, fmt.Errorf("%w: entity %d key: %v", ErrMalformedState, i, err)
		}
		val, rest, err := readChunk(rest)
		if err != nil {
			return nil, fmt.Errorf("%w: entity %d value: %v", ErrMalformedState, i, err)
		}
		k := string(key)
		if i > 0 && k <= prev {
			return nil, fmt.Errorf("%w: keys not strictly ascending at %q", ErrMalformedState, k)
		}
		s[k] = bytes.Clone(val)
		prev = k
		data = rest
	}
	if len(data) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedState, len(data))
	}
	return s, nil
}

func readChunk(data []byte) ([]byte, []byte, error) {
	l, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, nil, errors.New("bad length")
	}
	data = data[n:]
	if l > uint64(len(data)) {
		return nil, nil, fmt.Errorf("length %d exceeds remaining %d", l, len(data))
	}
	return data[:l], data[l:], nil
}

// DiffStates returns the sorted entity ids whose values differ between a and
// b, including entities present on only one side.
func DiffStates(a, b State) []string {
	var diff []string
	for k, va := range a {
		vb, ok := b[k]
		if !ok || !bytes.Equal(va, vb) {
			diff = append(diff, k)
		}
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			diff = append(diff, k)
		}
	}
	slices.Sort(diff)
	return diff
}

// MarshalText encodes the hash as hex.
func (h StateHash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText decodes a hex hash.
func (h *StateHash) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("decode state hash: %w", err)
	}
	if len(b) != HashSize {
		return fmt.Errorf("state hash must be %d bytes, got %d", HashSize, len(b))
	}
	copy(h[:], b)
	return nil
}
