// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package snapshot

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/AleutianAI/AleutianChrono/services/temporal/model"
	"github.com/klauspost/compress/zstd"
)

// FormatVersion is the payload format written by this package.
const FormatVersion byte = 1

// headerSize is [format_version:1][state_hash:32][uncompressed_size:8].
const headerSize = 1 + model.HashSize + 8

// SHA256 is the default state hash.
func SHA256(data []byte) model.StateHash {
	return sha256.Sum256(data)
}

// header is the fixed prefix of a snapshot payload.
type header struct {
	version          byte
	hash             model.StateHash
	uncompressedSize uint64
}

// encodePayload builds [format_version][state_hash][uncompressed_size BE][compressed].
func encodePayload(enc *zstd.Encoder, hash model.StateHash, state []byte) []byte {
	out := make([]byte, headerSize, headerSize+len(state)/2+64)
	out[0] = FormatVersion
	copy(out[1:1+model.HashSize], hash[:])
	binary.BigEndian.PutUint64(out[1+model.HashSize:headerSize], uint64(len(state)))
	return enc.EncodeAll(state, out)
}

// decodeHeader splits a payload into its header and compressed body.
func decodeHeader(payload []byte) (header, []byte, error) {
	if len(payload) < headerSize {
		return header{}, nil, fmt.Errorf("%w: payload of %d bytes shorter than header", model.ErrIntegrity, len(payload))
	}
	var h header
	h.version = payload[0]
	if h.version != FormatVersion {
		return header{}, nil, fmt.Errorf("%w: unsupported payload format %d", model.ErrIntegrity, h.version)
	}
	copy(h.hash[:], payload[1:1+model.HashSize])
	h.uncompressedSize = binary.BigEndian.Uint64(payload[1+model.HashSize : headerSize])
	return h, payload[headerSize:], nil
}

// decodePayload decompresses a payload and checks it against meta. Sizes
// above maxSize are rejected before anything is allocated.
//
// Every failure wraps model.ErrIntegrity: a payload that cannot be decoded
// is as corrupt as one whose hash does not match.
func decodePayload(dec *zstd.Decoder, meta model.Snapshot, payload []byte, hashFn model.HashFunc, maxSize uint64) ([]byte, error) {
	h, body, err := decodeHeader(payload)
	if err != nil {
		return nil, err
	}
	if h.hash != meta.StateHash {
		return nil, fmt.Errorf("%w: payload header hash differs from snapshot record", model.ErrIntegrity)
	}
	if h.uncompressedSize != meta.UncompressedSize {
		return nil, fmt.Errorf("%w: payload size %d, record says %d", model.ErrIntegrity, h.uncompressedSize, meta.UncompressedSize)
	}
	if h.uncompressedSize > maxSize {
		return nil, fmt.Errorf("%w: payload size %d exceeds limit %d", model.ErrIntegrity, h.uncompressedSize, maxSize)
	}

	state, err := dec.DecodeAll(body, make([]byte, 0, h.uncompressedSize))
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %v", model.ErrIntegrity, err)
	}
	if uint64(len(state)) != h.uncompressedSize {
		return nil, fmt.Errorf("%w: decompressed %d bytes, expected %d", model.ErrIntegrity, len(state), h.uncompressedSize)
	}
	if got := hashFn(state); got != h.hash {
		return nil, fmt.Errorf("%w: state hash %s, expected %s", model.ErrIntegrity, got, h.hash)
	}
	return state, nil
}
