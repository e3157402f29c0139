// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package data

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/aceproject/ace"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
)

type words struct {
	vals []int32
}

func (w *words) ReadData(s *Stream) error {
	if err := s.Seek(0); err != nil {
		return err
	}
	n, err := s.ReadUint32()
	if err != nil {
		return err
	}
	for ; n > 0; n-- {
		v, err := s.ReadInt32()
		if err != nil {
			return err
		}
		w.vals = append(w.vals, v)
	}
	return nil
}

func (w *words) WriteNewData(s *Stream) error {
	if err := s.Seek(0); err != nil {
		return err
	}
	s.WriteUint32(0)
	return nil
}

func (w *words) Finish(s *Stream) error {
	if err := s.Seek(0); err != nil {
		return err
	}
	s.WriteUint32(uint32(len(w.vals)))
	for _, v := range w.vals {
		s.WriteInt32(v)
	}
	return nil
}

func (w *words) DataEnd() int64 { return 4 + 4*int64(len(w.vals)) }

type factory struct{}

func (factory) Size() int                  { return 1 }
func (factory) Name(int) string            { return "words" }
func (factory) Extension(int) string       { return "wrd" }
func (factory) Make(typ int) (Data, error) { return new(words), nil }

func TestObject(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	path := filepath.Join(dir, "out.wrd")
	o, err := Create(ctx, factory{}, path, 0, Metadata{"uuid": "1234"})
	assert.NoError(t, err)
	o.Data().(*words).vals = []int32{1, -2, 3}
	o.SetUserMeta(Metadata{"note": "hello"})
	assert.NoError(t, o.Finish(ctx))
	assert.EQ(t, ace.TitleOf(o.Finish(ctx)), "Logic Error")

	o, err = Open(ctx, factory{}, path)
	assert.NoError(t, err)
	assert.EQ(t, o.Data().(*words).vals, []int32{1, -2, 3})
	assert.EQ(t, o.SystemMeta()["uuid"], interface{}("1234"))
	assert.EQ(t, o.UserMeta()["note"], interface{}("hello"))
	assert.EQ(t, o.Type(), 0)
}

func TestOpenErrors(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	_, err := Open(ctx, factory{}, filepath.Join(dir, "missing"))
	assert.EQ(t, ace.TitleOf(err), "Open Error")

	bad := filepath.Join(dir, "bad")
	if err := ioutil.WriteFile(bad, []byte("not a data object at all"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err = Open(ctx, factory{}, bad)
	assert.EQ(t, ace.TitleOf(err), "Invalid File")
}

func TestStream(t *testing.T) {
	s := NewStream(nil)
	assert.NoError(t, s.Allocate(8))
	assert.EQ(t, s.Len(), int64(8))
	assert.NoError(t, s.Seek(6))
	s.WriteUint32(7)
	assert.EQ(t, s.Len(), int64(10))
	assert.NoError(t, s.Seek(6))
	v, err := s.ReadUint32()
	assert.NoError(t, err)
	assert.EQ(t, v, uint32(7))
	_, err = s.ReadUint32()
	assert.EQ(t, ace.TitleOf(err), "Read Error")
	assert.EQ(t, ace.TitleOf(s.Seek(11)), "Seek Error")
}
