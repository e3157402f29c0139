// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package chunkio implements the files written by chunk processes.
//
// A batch run of N blocks split into C chunks assigns chunk i the
// index range [i*S, min(N, (i+1)*S)) where S = ceil(N/C). Each chunk
// process writes its serialized result blocks, in ascending index
// order, to the file <dir>/<prefix><i>.<extension> as a sequence of
// records. A record is a little-endian uint32 length followed by that
// many bytes. Chunk files have no header and no trailer.
package chunkio

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"strconv"

	"github.com/aceproject/ace"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/must"
)

// Size returns the number of indices assigned to each chunk when n
// blocks are split into c chunks. The last chunk may receive fewer.
func Size(n, c int) int {
	if c <= 0 {
		return n
	}
	return n/c + btoi(n%c != 0)
}

// Range returns the index range [start, end) of chunk i when n blocks
// are split into c chunks. Ranges of trailing chunks may be empty.
func Range(n, c, i int) (start, end int) {
	must.Truef(i >= 0, "negative chunk index %d", i)
	size := Size(n, c)
	start, end = i*size, (i+1)*size
	if start > n {
		start = n
	}
	if end > n {
		end = n
	}
	return
}

func btoi(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Naming determines the paths of chunk files. Dir may be any path
// supported by github.com/grailbio/base/file.
type Naming struct {
	Dir, Prefix, Extension string
}

// Path returns the path of the file of chunk i.
func (n Naming) Path(i int) string {
	return file.Join(n.Dir, n.Prefix+strconv.Itoa(i)+"."+n.Extension)
}

// A Writer appends records to a chunk file.
type Writer struct {
	path    string
	file    file.File
	w       *bufio.Writer
	records int
}

// Create creates (or truncates) the chunk file at path.
func Create(ctx context.Context, path string) (*Writer, error) {
	f, err := file.Create(ctx, path)
	if err != nil {
		return nil, ace.IOError("Open Error", "failed opening temporary chunk file %s: %v", path, err)
	}
	return &Writer{path: path, file: f, w: bufio.NewWriter(f.Writer(ctx))}, nil
}

// Write appends a record holding p.
func (w *Writer) Write(p []byte) error {
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(p)))
	if _, err := w.w.Write(n[:]); err != nil {
		return ace.IOError("Write Error", "failed writing to temporary chunk file %s: %v", w.path, err)
	}
	if _, err := w.w.Write(p); err != nil {
		return ace.IOError("Write Error", "failed writing to temporary chunk file %s: %v", w.path, err)
	}
	w.records++
	return nil
}

// Append appends the serialized block b.
func (w *Writer) Append(b ace.Block) error {
	p, err := b.MarshalBinary()
	if err != nil {
		return err
	}
	return w.Write(p)
}

// Records returns the number of records written so far.
func (w *Writer) Records() int { return w.records }

// Close flushes and closes the chunk file.
func (w *Writer) Close(ctx context.Context) error {
	if err := w.w.Flush(); err != nil {
		w.file.Discard(ctx)
		return ace.IOError("Write Error", "failed writing to temporary chunk file %s: %v", w.path, err)
	}
	if err := w.file.Close(ctx); err != nil {
		return ace.IOError("Write Error", "failed closing temporary chunk file %s: %v", w.path, err)
	}
	return nil
}

// Discard abandons the chunk file.
func (w *Writer) Discard(ctx context.Context) {
	w.file.Discard(ctx)
}

// A Reader reads records from a chunk file.
type Reader struct {
	path string
	file file.File
	r    *bufio.Reader
}

// Open opens the chunk file at path.
func Open(ctx context.Context, path string) (*Reader, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, ace.IOError("Open Error", "failed opening temporary chunk file %s: %v", path, err)
	}
	return &Reader{path: path, file: f, r: bufio.NewReader(f.Reader(ctx))}, nil
}

// Next returns the next record. It returns io.EOF once all records
// have been read; a truncated record is a read error.
func (r *Reader) Next() ([]byte, error) {
	var n [4]byte
	if _, err := io.ReadFull(r.r, n[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, ace.IOError("Read Error", "failed reading temporary chunk file %s: %v", r.path, err)
	}
	p := make([]byte, binary.LittleEndian.Uint32(n[:]))
	if _, err := io.ReadFull(r.r, p); err != nil {
		return nil, ace.IOError("Read Error", "failed reading temporary chunk file %s: %v", r.path, err)
	}
	return p, nil
}

// Close closes the chunk file.
func (r *Reader) Close(ctx context.Context) error {
	return r.file.Close(ctx)
}
