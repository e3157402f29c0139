// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"testing"
	"time"

	"github.com/aceproject/ace"
	"github.com/aceproject/ace/mpi"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigmachine/testsystem"
	"github.com/grailbio/testutil/assert"
)

func TestOutbox(t *testing.T) {
	o := newOutbox()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	_, err := o.take(ctx)
	cancel()
	assert.EQ(t, err, context.DeadlineExceeded)

	p := []byte("abc")
	o.put(p)
	p[0] = 'x'
	o.put([]byte("def"))
	msgs, err := o.take(context.Background())
	assert.NoError(t, err)
	assert.EQ(t, len(msgs), 2)
	assert.EQ(t, string(msgs[0]), "abc")
	assert.EQ(t, string(msgs[1]), "def")
}

func TestRankService(t *testing.T) {
	registerTestFactory()
	ctx := context.Background()
	var r rankService
	err := r.Deliver(ctx, mpi.EncodeAbort(ace.LogicError("x")), new(struct{}))
	assert.EQ(t, ace.TitleOf(err), "MPI Failed")

	r.Factory = "no.such.factory"
	err = r.Start(ctx, rankRequest{Analytic: "squares", Rank: 1, Size: 2, ThreadSize: 1, BufferSize: 1}, new(struct{}))
	assert.EQ(t, ace.TitleOf(err), "Invalid Argument")

	r.Factory = "exec.test"
	req := rankRequest{
		Analytic:   "squares",
		Args:       Args{"n": "3"},
		Rank:       1,
		Size:       2,
		ThreadSize: 1,
		BufferSize: 1,
		Device:     "none",
	}
	assert.NoError(t, r.Start(ctx, req, new(struct{})))
	var msgs [][]byte
	assert.NoError(t, r.Collect(ctx, struct{}{}, &msgs))
	index, err := ace.ExtractIndex(msgs[0])
	assert.NoError(t, err)
	assert.EQ(t, index, mpi.ReadyAsSerial)

	work := ace.NewRawBlock(2, encodeInt(2))
	p, err := work.MarshalBinary()
	assert.NoError(t, err)
	assert.NoError(t, r.Deliver(ctx, p, new(struct{})))
	p, err = ace.Control(mpi.Terminate).MarshalBinary()
	assert.NoError(t, err)
	assert.NoError(t, r.Deliver(ctx, p, new(struct{})))

	msgs = nil
	assert.NoError(t, r.Collect(ctx, struct{}{}, &msgs))
	var result ace.RawBlock
	assert.NoError(t, result.UnmarshalBinary(msgs[0]))
	assert.EQ(t, result.Index(), 2)
	assert.EQ(t, result.Payload, encodeInt(4))
}

func TestStartRanks(t *testing.T) {
	system := testsystem.New()
	b := bigmachine.Start(system)
	defer b.Shutdown()
	ctx := context.Background()
	machines, err := startRanks(ctx, b, nil, "exec.test", 3)
	assert.NoError(t, err)
	assert.EQ(t, len(machines), 3)
	assert.EQ(t, system.N(), 3)
	for _, m := range machines {
		assert.EQ(t, m.State(), bigmachine.Running)
		m.Cancel()
	}
}
