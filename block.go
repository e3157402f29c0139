// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ace

import "encoding/binary"

// IndexSize is the number of bytes used to encode a block's index at the
// head of its serialized form.
const IndexSize = 4

// A Block is an indexed unit of work or result. A block's index is its
// position in the global decomposition of the problem; negative indices
// are reserved for control blocks.
//
// The serialized form of a block always begins with its index (see
// PutIndex), so that a bare byte buffer identifies the block it carries.
// Unmarshaling replaces the block's entire state, including its index.
type Block interface {
	// Index returns the block's index. It never changes after the block
	// is constructed, except by UnmarshalBinary.
	Index() int

	MarshalBinary() ([]byte, error)
	UnmarshalBinary(data []byte) error
}

// PutIndex encodes index into the first IndexSize bytes of b.
func PutIndex(b []byte, index int) {
	binary.LittleEndian.PutUint32(b, uint32(int32(index)))
}

// ExtractIndex returns the index encoded at the head of a serialized
// block.
func ExtractIndex(data []byte) (int, error) {
	if len(data) < IndexSize {
		return 0, IOError("Read Error", "failed reading index from %d-byte buffer", len(data))
	}
	return int(int32(binary.LittleEndian.Uint32(data))), nil
}

// Header is embedded by block implementations to provide the index and
// the framing of serialized blocks.
type Header struct {
	index int
}

// NewHeader returns a header for the block with the provided index.
func NewHeader(index int) Header {
	return Header{index}
}

// Index implements Block.
func (h Header) Index() int { return h.index }

// MarshalPayload returns the serialized form of a block with this header
// and the provided payload.
func (h Header) MarshalPayload(payload []byte) []byte {
	b := make([]byte, IndexSize+len(payload))
	PutIndex(b, h.index)
	copy(b[IndexSize:], payload)
	return b
}

// UnmarshalPayload reads the index of a serialized block into h and
// returns the block's payload. The payload aliases data.
func (h *Header) UnmarshalPayload(data []byte) ([]byte, error) {
	index, err := ExtractIndex(data)
	if err != nil {
		return nil, err
	}
	h.index = index
	return data[IndexSize:], nil
}

// RawBlock is a block whose payload is an uninterpreted byte slice.
type RawBlock struct {
	Header
	Payload []byte
}

// NewRawBlock returns a raw block with the provided index and payload.
func NewRawBlock(index int, payload []byte) *RawBlock {
	return &RawBlock{Header: NewHeader(index), Payload: payload}
}

// MarshalBinary implements Block.
func (b *RawBlock) MarshalBinary() ([]byte, error) {
	return b.MarshalPayload(b.Payload), nil
}

// UnmarshalBinary implements Block.
func (b *RawBlock) UnmarshalBinary(data []byte) error {
	p, err := b.UnmarshalPayload(data)
	if err != nil {
		return err
	}
	b.Payload = append([]byte(nil), p...)
	return nil
}

// Control returns a payload-less block carrying a negative control
// code in place of an index.
func Control(code int) Block {
	if code >= 0 {
		panic("ace.Control: non-negative control code")
	}
	return &RawBlock{Header: NewHeader(code)}
}

// IsControl tells whether index denotes a control signal rather than a
// work or result block.
func IsControl(index int) bool {
	return index < 0
}
