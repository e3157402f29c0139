// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"

	"github.com/aceproject/ace"
	"github.com/aceproject/ace/chunkio"
	"github.com/grailbio/base/log"
)

// Chunk runs one chunk of a batch: a contiguous range of the
// analytic's blocks. Results are not processed; they are written, in
// index order, to the chunk's file, to be processed later by a merge.
// A chunk does not open the analytic's outputs.
type Chunk struct {
	*manager
	index, count int

	loop       *loop
	hopper     *hopper
	writer     *chunkio.Writer
	start, end int
	nextWork   int
}

// NewChunk returns a manager that runs chunk index of count chunks.
func NewChunk(a ace.Analytic, args Args, cfg *Config, index, count int) *Chunk {
	return &Chunk{
		manager: newManager("chunk", a, args, cfg, false),
		index:   index,
		count:   count,
	}
}

// Range returns the range of block indices of this chunk. It is valid
// once the chunk's analytic is initialized.
func (c *Chunk) Range() (start, end int) { return c.start, c.end }

// Path returns the path of the chunk's file.
func (c *Chunk) Path() string { return c.cfg.Chunks.Path(c.index) }

// Run implements Manager.
func (c *Chunk) Run(ctx context.Context) (err error) {
	defer func() {
		if err != nil && c.writer != nil {
			c.writer.Discard(ctx)
		}
		c.close(err)
	}()
	if c.count < 1 || c.index < 0 || c.index >= c.count {
		return ace.ConfigurationError("chunk index %d out of range for %d chunks", c.index, c.count)
	}
	if err = c.initialize(ctx); err != nil {
		return err
	}
	c.start, c.end = chunkio.Range(c.size, c.count, c.index)
	c.nextWork = c.start
	b, err := resolveBackend(c.analytic, c.cfg.ordinal(c.index))
	if err != nil {
		return err
	}
	c.loop = newLoop()
	r, err := newRunner(c.loop, c, b, c.cfg, c.done)
	if err != nil {
		return err
	}
	if c.writer, err = chunkio.Create(ctx, c.Path()); err != nil {
		return err
	}
	c.hopper = newHopper(c.start, sorting, c.writer.Append)
	log.Printf("chunk %d/%d: running blocks [%d, %d) into %s", c.index, c.count, c.start, c.end, c.Path())
	return drive(ctx, c.loop, r)
}

func (c *Chunk) done() error {
	c.loop.Stop()
	w := c.writer
	c.writer = nil
	if err := w.Close(c.ctx); err != nil {
		return err
	}
	return c.finish()
}

// HasWork implements IOBase.
func (c *Chunk) HasWork() bool { return c.nextWork < c.end }

// MakeWork implements IOBase.
func (c *Chunk) MakeWork() (ace.Block, error) {
	work, err := c.makeWork(c.nextWork)
	if err != nil {
		return nil, err
	}
	c.nextWork++
	return work, nil
}

// SaveResult implements IOBase.
func (c *Chunk) SaveResult(result ace.Block) error {
	if err := c.hopper.Put(result); err != nil {
		return err
	}
	c.progress(c.hopper.Next()-c.start, c.end-c.start)
	return nil
}

// IsFinished implements IOBase.
func (c *Chunk) IsFinished() bool { return c.hopper.Next() >= c.end }
