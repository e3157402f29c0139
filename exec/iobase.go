// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"github.com/aceproject/ace"
	"github.com/google/btree"
)

// An IOBase mediates between a runner and an analytic: it supplies
// work blocks on demand, accepts result blocks, and reports
// completion. Each manager implements IOBase for the runner it drives.
// IOBase methods are called only from the manager's loop.
type IOBase interface {
	// HasWork tells whether a work block is available now.
	HasWork() bool
	// MakeWork returns the next work block. It is called only when
	// HasWork returns true.
	MakeWork() (ace.Block, error)
	// SaveResult accepts a result block. Results may arrive in any
	// order.
	SaveResult(result ace.Block) error
	// IsFinished tells whether every result has been saved.
	IsFinished() bool
}

// Ordering modes of a hopper.
const (
	// direct hoppers require results to arrive in index order.
	direct = false
	// sorting hoppers buffer results that arrive early.
	sorting = true
)

// A hopper delivers result blocks in strictly increasing index order,
// starting at a base index. A direct hopper rejects a result that is
// not the next expected one; a sorting hopper buffers it in an ordered
// tree until every lower index has been delivered.
type hopper struct {
	next    int
	sorting bool
	tree    *btree.BTree
	deliver func(ace.Block) error
}

type hopperItem struct{ ace.Block }

func (a hopperItem) Less(b btree.Item) bool {
	return a.Index() < b.(hopperItem).Index()
}

func newHopper(next int, sorting bool, deliver func(ace.Block) error) *hopper {
	h := &hopper{next: next, sorting: sorting, deliver: deliver}
	if sorting {
		h.tree = btree.New(8)
	}
	return h
}

// Next returns the index of the next result to be delivered.
func (h *hopper) Next() int { return h.next }

// Pending returns the number of results buffered and not yet
// delivered.
func (h *hopper) Pending() int {
	if h.tree == nil {
		return 0
	}
	return h.tree.Len()
}

// Put adds a result to the hopper and delivers every result that is
// now in order.
func (h *hopper) Put(b ace.Block) error {
	index := b.Index()
	if index < h.next || (!h.sorting && index != h.next) {
		return ace.LogicError("Given result block with index %d when it should be %d.", index, h.next)
	}
	if !h.sorting {
		h.next++
		return h.deliver(b)
	}
	if h.tree.Has(hopperItem{b}) {
		return ace.LogicError("Given duplicate result block with index %d.", index)
	}
	h.tree.ReplaceOrInsert(hopperItem{b})
	for h.tree.Len() > 0 {
		min := h.tree.Min().(hopperItem)
		if min.Index() != h.next {
			break
		}
		h.tree.DeleteMin()
		h.next++
		if err := h.deliver(min.Block); err != nil {
			return err
		}
	}
	return nil
}
