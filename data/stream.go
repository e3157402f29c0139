// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package data

import (
	"encoding/binary"
	"io"

	"github.com/aceproject/ace"
)

// A Stream is a byte-addressable view of the data section of a data
// object. Reads and writes start at the stream's position, which is set
// by Seek. Writes past the end extend the section.
type Stream struct {
	buf []byte
	off int64
}

// NewStream returns a stream over p.
func NewStream(p []byte) *Stream {
	return &Stream{buf: p}
}

// Len returns the size of the data section.
func (s *Stream) Len() int64 { return int64(len(s.buf)) }

// Bytes returns the first n bytes of the data section.
func (s *Stream) Bytes(n int64) []byte {
	if n > int64(len(s.buf)) {
		n = int64(len(s.buf))
	}
	return s.buf[:n]
}

// Seek sets the stream's position. Seeking past the end of the data
// section is an error; use Allocate first.
func (s *Stream) Seek(offset int64) error {
	if offset < 0 || offset > int64(len(s.buf)) {
		return ace.IOError("Seek Error", "cannot seek to %d in %d-byte data", offset, len(s.buf))
	}
	s.off = offset
	return nil
}

// Allocate grows the data section to at least size bytes.
func (s *Stream) Allocate(size int64) error {
	if size < 0 {
		return ace.IOError("System Error", "cannot allocate %d bytes", size)
	}
	if size > int64(len(s.buf)) {
		s.buf = append(s.buf, make([]byte, size-int64(len(s.buf)))...)
	}
	return nil
}

// Read implements io.Reader.
func (s *Stream) Read(p []byte) (int, error) {
	if s.off >= int64(len(s.buf)) {
		return 0, io.EOF
	}
	n := copy(p, s.buf[s.off:])
	s.off += int64(n)
	return n, nil
}

// Write implements io.Writer.
func (s *Stream) Write(p []byte) (int, error) {
	if end := s.off + int64(len(p)); end > int64(len(s.buf)) {
		s.Allocate(end)
	}
	n := copy(s.buf[s.off:], p)
	s.off += int64(n)
	return n, nil
}

// ReadUint32 reads a little-endian uint32.
func (s *Stream) ReadUint32() (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(s, b[:]); err != nil {
		return 0, ace.IOError("Read Error", "failed reading data at offset %d: %v", s.off, err)
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// ReadInt32 reads a little-endian int32.
func (s *Stream) ReadInt32() (int32, error) {
	v, err := s.ReadUint32()
	return int32(v), err
}

// WriteUint32 writes a little-endian uint32.
func (s *Stream) WriteUint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	s.Write(b[:])
}

// WriteInt32 writes a little-endian int32.
func (s *Stream) WriteInt32(v int32) {
	s.WriteUint32(uint32(v))
}
