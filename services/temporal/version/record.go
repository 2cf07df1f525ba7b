// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package version

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/AleutianAI/AleutianChrono/services/temporal/model"
)

// record is the persisted form of an EntityVersion.
//
// The resolved value is never persisted; Payload carries either the full
// bytes or a patch against BaseVersion.
type record struct {
	EntityID       string
	Version        uint64
	CreatedTick    int64
	SupersededTick int64
	HasSuperseded  bool
	Operation      int
	PayloadKind    int
	PayloadData    []byte
	BaseVersion    uint64
}

func toRecord(v model.EntityVersion) record {
	return record{
		EntityID:       v.EntityID,
		Version:        v.VersionNumber,
		CreatedTick:    int64(v.CreatedTick),
		SupersededTick: int64(v.SupersededTick),
		HasSuperseded:  v.HasSuperseded,
		Operation:      int(v.Operation),
		PayloadKind:    int(v.Payload.Kind),
		PayloadData:    v.Payload.Data,
		BaseVersion:    v.Payload.BaseVersion,
	}
}

func (r record) toVersion(tl model.TimelineID) model.EntityVersion {
	return model.EntityVersion{
		EntityID:       r.EntityID,
		TimelineID:     tl,
		VersionNumber:  r.Version,
		CreatedTick:    model.Tick(r.CreatedTick),
		SupersededTick: model.Tick(r.SupersededTick),
		HasSuperseded:  r.HasSuperseded,
		Operation:      model.Operation(r.Operation),
		Payload: model.Payload{
			Kind:        model.PayloadKind(r.PayloadKind),
			Data:        r.PayloadData,
			BaseVersion: r.BaseVersion,
		},
	}
}

// encodeRecord encodes a version as [4-byte CRC32][gob record].
func encodeRecord(v model.EntityVersion) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(toRecord(v)); err != nil {
		return nil, fmt.Errorf("gob encode: %w", err)
	}

	crc := crc32.ChecksumIEEE(buf.Bytes())
	out := make([]byte, 4+buf.Len())
	binary.BigEndian.PutUint32(out[:4], crc)
	copy(out[4:], buf.Bytes())
	return out, nil
}

// decodeRecord validates the CRC32 prefix and decodes the record.
func decodeRecord(data []byte) (record, error) {
	if len(data) < 5 {
		return record{}, fmt.Errorf("%w: version record too short", model.ErrIntegrity)
	}

	stored := binary.BigEndian.Uint32(data[:4])
	body := data[4:]
	if computed := crc32.ChecksumIEEE(body); stored != computed {
		return record{}, fmt.Errorf("%w: version record crc stored=%08x computed=%08x",
			model.ErrIntegrity, stored, computed)
	}

	var r record
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&r); err != nil {
		return record{}, fmt.Errorf("%w: gob decode: %v", model.ErrIntegrity, err)
	}
	return r, nil
}

// -----------------------------------------------------------------------------
// Delta payloads
// -----------------------------------------------------------------------------

var errBadDelta = errors.New("malformed delta payload")

// encodeDelta produces a prefix/suffix patch turning base into target.
//
// Format: [uvarint prefix_len][uvarint suffix_len][middle bytes]
func encodeDelta(base, target []byte) []byte {
	prefix := 0
	for prefix < len(base) && prefix < len(target) && base[prefix] == target[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(base)-prefix && suffix < len(target)-prefix &&
		base[len(base)-1-suffix] == target[len(target)-1-suffix] {
		suffix++
	}

	middle := target[prefix : len(target)-suffix]
	out := make([]byte, 0, 2*binary.MaxVarintLen64+len(middle))
	out = binary.AppendUvarint(out, uint64(prefix))
	out = binary.AppendUvarint(out, uint64(suffix))
	return append(out, middle...)
}

// applyDelta reverses encodeDelta.
func applyDelta(base, delta []byte) ([]byte, error) {
	prefix, n := binary.Uvarint(delta)
	if n <= 0 {
		return nil, fmt.Errorf("%w: prefix length", errBadDelta)
	}
	delta = delta[n:]
	suffix, n := binary.Uvarint(delta)
	if n <= 0 {
		return nil, fmt.Errorf("%w: suffix length", errBadDelta)
	}
	middle := delta[n:]
	if prefix > uint64(len(base)) || suffix > uint64(len(base))-prefix {
		return nil, fmt.Errorf("%w: patch %d+%d exceeds base of %d bytes", errBadDelta, prefix, suffix, len(base))
	}

	out := make([]byte, 0, int(prefix)+len(middle)+int(suffix))
	out = append(out, base[:prefix]...)
	out = append(out, middle...)
	return append(out, base[uint64(len(base))-suffix:]...), nil
}
