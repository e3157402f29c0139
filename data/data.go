// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package data implements the data objects read and written by
// analytics. A data object is a file holding a typed data section and
// metadata. The engine treats the data section as opaque: it is
// interpreted by a Data implementation made by a program's Factory.
//
// A data object owns its stream; Data implementations only see the
// stream for the duration of a call.
package data

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io/ioutil"

	"github.com/aceproject/ace"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
)

// Data is implemented by data types. A new data object is initialized
// by WriteNewData and finalized by Finish; an existing one is loaded by
// ReadData.
type Data interface {
	// ReadData reads the data section of an existing object.
	ReadData(s *Stream) error
	// WriteNewData initializes the data section of a new object.
	WriteNewData(s *Stream) error
	// Finish writes the final contents of a new object's data section,
	// after the analytic that produced it has finished.
	Finish(s *Stream) error
	// DataEnd returns the size of the data section.
	DataEnd() int64
}

// A Factory makes the data types supported by a program.
type Factory interface {
	// Size returns the number of data types.
	Size() int
	// Name returns the name of a data type.
	Name(typ int) string
	// Extension returns the file extension of a data type.
	Extension(typ int) string
	// Make returns a new, empty data of the provided type.
	Make(typ int) (Data, error)
}

// Metadata is a tree of JSON-compatible values.
type Metadata map[string]interface{}

const magic = uint64(0x41434544415441) // "ACEDATA"

const headerSize = 8 + 2 + 8

// An Object is a data object file.
type Object struct {
	path   string
	typ    int
	data   Data
	stream *Stream
	system Metadata
	user   Metadata
	isNew  bool
}

type fileMeta struct {
	System Metadata `json:"system"`
	User   Metadata `json:"user"`
}

// Open opens and reads the existing data object at path.
func Open(ctx context.Context, f Factory, path string) (*Object, error) {
	rf, err := file.Open(ctx, path)
	if err != nil {
		return nil, ace.IOError("Open Error", "failed opening data object %s: %v", path, err)
	}
	defer rf.Close(ctx)
	p, err := ioutil.ReadAll(rf.Reader(ctx))
	if err != nil {
		return nil, ace.IOError("Read Error", "failed reading data object %s: %v", path, err)
	}
	if len(p) < headerSize || binary.LittleEndian.Uint64(p) != magic {
		return nil, ace.IOError("Invalid File", "%s is not a data object", path)
	}
	typ := int(binary.LittleEndian.Uint16(p[8:]))
	n := binary.LittleEndian.Uint64(p[10:])
	p = p[headerSize:]
	if uint64(len(p)) < n {
		return nil, ace.IOError("Invalid File", "data object %s is truncated", path)
	}
	if typ >= f.Size() {
		return nil, ace.IOError("Invalid File", "data object %s has unknown type %d", path, typ)
	}
	var meta fileMeta
	if len(p[n:]) > 0 {
		if err := json.Unmarshal(p[n:], &meta); err != nil {
			return nil, ace.IOError("Invalid File", "data object %s has bad metadata: %v", path, err)
		}
	}
	d, err := f.Make(typ)
	if err != nil {
		return nil, err
	}
	o := &Object{
		path:   path,
		typ:    typ,
		data:   d,
		stream: NewStream(p[:n]),
		system: meta.System,
		user:   meta.User,
	}
	if err := d.ReadData(o.stream); err != nil {
		return nil, err
	}
	log.Debug.Printf("data: opened %s object %s (%d bytes)", f.Name(typ), path, n)
	return o, nil
}

// Create returns a new data object of the provided type with the
// provided system metadata. The object is written to path by Finish.
func Create(ctx context.Context, f Factory, path string, typ int, system Metadata) (*Object, error) {
	if typ < 0 || typ >= f.Size() {
		return nil, ace.LogicError("%d is not a valid data type (max is %d)", typ, f.Size()-1)
	}
	d, err := f.Make(typ)
	if err != nil {
		return nil, err
	}
	o := &Object{
		path:   path,
		typ:    typ,
		data:   d,
		stream: NewStream(nil),
		system: system,
		user:   make(Metadata),
		isNew:  true,
	}
	if err := d.WriteNewData(o.stream); err != nil {
		return nil, err
	}
	return o, nil
}

// Path returns the object's path.
func (o *Object) Path() string { return o.path }

// Type returns the object's data type.
func (o *Object) Type() int { return o.typ }

// Data returns the object's data.
func (o *Object) Data() Data { return o.data }

// SystemMeta returns the metadata written by the engine: provenance of
// the run that produced the object.
func (o *Object) SystemMeta() Metadata { return o.system }

// UserMeta returns the user metadata of the object.
func (o *Object) UserMeta() Metadata { return o.user }

// SetUserMeta replaces the user metadata of the object.
func (o *Object) SetUserMeta(m Metadata) { o.user = m }

// Finish finalizes a new object's data and writes the object to its
// path.
func (o *Object) Finish(ctx context.Context) error {
	if !o.isNew {
		return ace.LogicError("data object %s was opened for reading", o.path)
	}
	if err := o.data.Finish(o.stream); err != nil {
		return err
	}
	n := o.data.DataEnd()
	if n > o.stream.Len() {
		return ace.LogicError("data object %s: data end %d beyond %d-byte data", o.path, n, o.stream.Len())
	}
	meta, err := json.Marshal(fileMeta{System: o.system, User: o.user})
	if err != nil {
		return ace.IOError("Write Error", "data object %s: encoding metadata: %v", o.path, err)
	}
	var b bytes.Buffer
	var hdr [headerSize]byte
	binary.LittleEndian.PutUint64(hdr[:], magic)
	binary.LittleEndian.PutUint16(hdr[8:], uint16(o.typ))
	binary.LittleEndian.PutUint64(hdr[10:], uint64(n))
	b.Write(hdr[:])
	b.Write(o.stream.Bytes(n))
	b.Write(meta)

	wf, err := file.Create(ctx, o.path)
	if err != nil {
		return ace.IOError("Open Error", "failed opening data object %s: %v", o.path, err)
	}
	if _, err := wf.Writer(ctx).Write(b.Bytes()); err != nil {
		wf.Discard(ctx)
		return ace.IOError("Write Error", "failed writing data object %s: %v", o.path, err)
	}
	if err := wf.Close(ctx); err != nil {
		return ace.IOError("Write Error", "failed closing data object %s: %v", o.path, err)
	}
	o.isNew = false
	return nil
}
