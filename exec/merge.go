// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"io"

	"github.com/aceproject/ace"
	"github.com/aceproject/ace/chunkio"
	"github.com/grailbio/base/log"
)

// Merge processes the results of a batch of chunk runs. It reads every
// chunk file in chunk order and hands the results to the analytic,
// which then finishes and writes its outputs as if it had run in a
// single process.
type Merge struct {
	*manager
	count  int
	hopper *hopper
}

// NewMerge returns a manager that merges the files of count chunks.
func NewMerge(a ace.Analytic, args Args, cfg *Config, count int) *Merge {
	return &Merge{
		manager: newManager("merge", a, args, cfg, true),
		count:   count,
	}
}

// Run implements Manager.
func (m *Merge) Run(ctx context.Context) (err error) {
	defer func() { m.close(err) }()
	if m.count < 1 {
		return ace.ConfigurationError("merge of %d chunks", m.count)
	}
	if err = m.initialize(ctx); err != nil {
		return err
	}
	m.hopper = newHopper(0, direct, m.process)
	for i := 0; i < m.count; i++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		if err = m.readChunk(ctx, i); err != nil {
			return err
		}
	}
	if m.hopper.Next() != m.size {
		return ace.LogicError("Merged %d results when it should be %d.", m.hopper.Next(), m.size)
	}
	log.Printf("merge: processed %d results from %d chunks", m.size, m.count)
	return m.finish()
}

func (m *Merge) readChunk(ctx context.Context, index int) error {
	start, end := chunkio.Range(m.size, m.count, index)
	path := m.cfg.Chunks.Path(index)
	r, err := chunkio.Open(ctx, path)
	if err != nil {
		return err
	}
	defer r.Close(ctx)
	for i := start; i < end; i++ {
		p, err := r.Next()
		if err == io.EOF {
			return ace.IOError("Read Error", "chunk file %s ended after %d of %d results", path, i-start, end-start)
		}
		if err != nil {
			return err
		}
		result := m.analytic.NewResult()
		if result == nil {
			return ace.LogicError("Analytic returned null result block pointer.")
		}
		if err := result.UnmarshalBinary(p); err != nil {
			return ace.IOError("Read Error", "chunk file %s: %v", path, err)
		}
		if err := m.hopper.Put(result); err != nil {
			return err
		}
	}
	switch _, err := r.Next(); err {
	case io.EOF:
		return nil
	case nil:
		return ace.IOError("Read Error", "chunk file %s has more than %d results", path, end-start)
	default:
		return err
	}
}
