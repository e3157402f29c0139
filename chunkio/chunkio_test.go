// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package chunkio

import (
	"context"
	"io"
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/aceproject/ace"
	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
)

func TestRange(t *testing.T) {
	start, end := Range(10, 3, 1)
	assert.EQ(t, start, 4)
	assert.EQ(t, end, 8)
	start, end = Range(10, 3, 2)
	assert.EQ(t, start, 8)
	assert.EQ(t, end, 10)
	assert.EQ(t, Size(9, 3), 3)
	assert.EQ(t, Size(0, 3), 0)
}

// TestPartition checks that the chunk ranges of any batch exactly
// cover the index space, without overlap.
func TestPartition(t *testing.T) {
	fz := fuzz.NewWithSeed(123)
	for i := 0; i < 500; i++ {
		var n, c uint16
		fz.Fuzz(&n)
		fz.Fuzz(&c)
		N, C := int(n%5000), int(c%200)+1
		next := 0
		for j := 0; j < C; j++ {
			start, end := Range(N, C, j)
			if start != next {
				t.Fatalf("N=%d C=%d chunk %d: starts at %d, want %d", N, C, j, start, next)
			}
			if end < start {
				t.Fatalf("N=%d C=%d chunk %d: bad range [%d, %d)", N, C, j, start, end)
			}
			next = end
		}
		if next != N {
			t.Fatalf("N=%d C=%d: chunks end at %d", N, C, next)
		}
	}
}

func TestNaming(t *testing.T) {
	n := Naming{Dir: "/tmp/x", Prefix: "chunk", Extension: "abd"}
	assert.EQ(t, n.Path(12), "/tmp/x/chunk12.abd")
}

func TestRecords(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	path := Naming{Dir: dir, Prefix: "chunk", Extension: "abd"}.Path(0)
	w, err := Create(ctx, path)
	assert.NoError(t, err)
	var blocks []*ace.RawBlock
	fz := fuzz.NewWithSeed(1)
	fz.NumElements(0, 100)
	for i := 0; i < 50; i++ {
		var p []byte
		fz.Fuzz(&p)
		b := ace.NewRawBlock(100+i, p)
		blocks = append(blocks, b)
		assert.NoError(t, w.Append(b))
	}
	assert.EQ(t, w.Records(), 50)
	assert.NoError(t, w.Close(ctx))

	r, err := Open(ctx, path)
	assert.NoError(t, err)
	for _, want := range blocks {
		p, err := r.Next()
		assert.NoError(t, err)
		var got ace.RawBlock
		assert.NoError(t, got.UnmarshalBinary(p))
		assert.EQ(t, got.Index(), want.Index())
		assert.EQ(t, string(got.Payload), string(want.Payload))
	}
	_, err = r.Next()
	assert.EQ(t, err, io.EOF)
	assert.NoError(t, r.Close(ctx))
}

func TestTruncated(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(dir, "chunk0.abd")
	if err := ioutil.WriteFile(path, []byte{10, 0, 0, 0, 1, 2}, 0644); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	r, err := Open(ctx, path)
	assert.NoError(t, err)
	defer r.Close(ctx)
	_, err = r.Next()
	assert.EQ(t, ace.TitleOf(err), "Read Error")

	_, err = Open(ctx, filepath.Join(dir, "missing.abd"))
	assert.EQ(t, ace.TitleOf(err), "Open Error")
}
