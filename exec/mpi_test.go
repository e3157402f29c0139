// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/aceproject/ace"
	"github.com/aceproject/ace/acetest"
	"github.com/aceproject/ace/device"
	"github.com/aceproject/ace/mpi"
	"github.com/grailbio/testutil/assert"
	"golang.org/x/sync/errgroup"
)

// A rankDriver plays one rank of a world by hand.
type rankDriver struct {
	t    *testing.T
	comm mpi.Comm
}

// recv returns the index of the next message received by the rank,
// and its data.
func (d rankDriver) recv() (int, []byte) {
	d.t.Helper()
	select {
	case msg, ok := <-d.comm.Messages():
		if !ok {
			d.t.Fatal("communicator closed")
		}
		index, err := msg.Index()
		assert.NoError(d.t, err)
		return index, msg.Data
	case <-time.After(10 * time.Second):
		d.t.Fatal("timed out waiting for message")
	}
	panic("not reached")
}

// quiet checks that the rank receives nothing for a while.
func (d rankDriver) quiet() {
	d.t.Helper()
	select {
	case msg := <-d.comm.Messages():
		index, _ := msg.Index()
		d.t.Fatalf("unexpected message %d (%s) from rank %d", index, mpi.CodeName(index), msg.From)
	case <-time.After(50 * time.Millisecond):
	}
}

func (d rankDriver) send(to int, b ace.Block) {
	d.t.Helper()
	assert.NoError(d.t, mpi.SendBlock(context.Background(), d.comm, to, b))
}

func (d rankDriver) control(to, code int) {
	d.t.Helper()
	assert.NoError(d.t, mpi.SendControl(context.Background(), d.comm, to, code))
}

func squareBlock(i int) ace.Block {
	return ace.NewRawBlock(i, encodeInt(i*i))
}

func closeAll(comms []mpi.Comm) {
	for _, c := range comms {
		c.Close()
	}
}

// serve plays a slave that returns the results of the provided
// blocks, and then of every block it receives, until it is
// terminated.
func serve(comm mpi.Comm, pending []int) <-chan error {
	errc := make(chan error, 1)
	go func() {
		ctx := context.Background()
		for _, i := range pending {
			if err := mpi.SendBlock(ctx, comm, 0, squareBlock(i)); err != nil {
				errc <- err
				return
			}
		}
		for msg := range comm.Messages() {
			index, err := msg.Index()
			if err != nil {
				errc <- err
				return
			}
			switch {
			case index == mpi.Terminate:
				errc <- nil
				return
			case index < 0:
				errc <- fmt.Errorf("unexpected %s from rank %d", mpi.CodeName(index), msg.From)
				return
			}
			if err := mpi.SendBlock(ctx, comm, 0, squareBlock(index)); err != nil {
				errc <- err
				return
			}
		}
		errc <- fmt.Errorf("rank %d: communicator closed", comm.Rank())
	}()
	return errc
}

func runAsync(m Manager) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- m.Run(context.Background()) }()
	return errc
}

func TestMasterDispatch(t *testing.T) {
	cfg, cleanup := testConfig(t)
	defer cleanup()
	cfg.BufferSize = 2
	comms := mpi.NewWorld(2)
	defer closeAll(comms)
	sq := &acetest.Squares{N: 3}
	m := NewMaster(acetest.Serial{Squares: sq}, nil, cfg, comms[0])
	errc := runAsync(m)

	slave := rankDriver{t, comms[1]}
	slave.control(0, mpi.ReadyAsSerial)
	first, _ := slave.recv()
	second, _ := slave.recv()
	assert.EQ(t, []int{first, second}, []int{0, 1})
	slave.quiet()

	slave.send(0, squareBlock(0))
	index, _ := slave.recv()
	assert.EQ(t, index, 2)
	slave.send(0, squareBlock(1))
	slave.quiet()
	slave.send(0, squareBlock(2))
	index, _ = slave.recv()
	assert.EQ(t, index, mpi.Terminate)

	assert.NoError(t, <-errc)
	assert.EQ(t, m.State(), "done")
	assert.EQ(t, sq.Processed(), []int{0, 1, 2})
	assert.EQ(t, sq.Finished(), 1)
}

func TestMasterDeviceQuota(t *testing.T) {
	cfg, cleanup := testConfig(t)
	defer cleanup()
	cfg.BufferSize = 2
	cfg.ThreadSize = 3
	comms := mpi.NewWorld(3)
	defer closeAll(comms)
	sq := &acetest.Squares{N: 20}
	errc := runAsync(NewMaster(acetest.Serial{Squares: sq}, nil, cfg, comms[0]))

	gpu, cpu := rankDriver{t, comms[1]}, rankDriver{t, comms[2]}
	gpu.control(0, mpi.ReadyAsCUDA)
	var got []int
	for i := 0; i < 6; i++ {
		index, _ := gpu.recv()
		got = append(got, index)
	}
	assert.EQ(t, got, acetest.Indices(0, 6))
	gpu.quiet()
	cpu.control(0, mpi.ReadyAsSerial)
	got = got[:0]
	for i := 0; i < 2; i++ {
		index, _ := cpu.recv()
		got = append(got, index)
	}
	assert.EQ(t, got, []int{6, 7})
	cpu.quiet()

	// Results returned out of order are processed in order.
	gpuc := serve(comms[1], []int{5, 4, 3, 2, 1, 0})
	cpuc := serve(comms[2], []int{7, 6})
	assert.NoError(t, <-gpuc)
	assert.NoError(t, <-cpuc)
	assert.NoError(t, <-errc)
	assert.EQ(t, sq.Processed(), acetest.Indices(0, 20))
	assert.EQ(t, sq.Values(), acetest.Want(20))
}

func TestMasterQuotaExceedsWork(t *testing.T) {
	cfg, cleanup := testConfig(t)
	defer cleanup()
	cfg.BufferSize = 2
	cfg.ThreadSize = 3
	comms := mpi.NewWorld(2)
	defer closeAll(comms)
	// The device quota is 6 blocks, more than there are.
	sq := &acetest.Squares{N: 4}
	errc := runAsync(NewMaster(acetest.Serial{Squares: sq}, nil, cfg, comms[0]))

	gpu := rankDriver{t, comms[1]}
	gpu.control(0, mpi.ReadyAsOpenCL)
	var got []int
	for i := 0; i < 4; i++ {
		index, _ := gpu.recv()
		got = append(got, index)
	}
	assert.EQ(t, got, acetest.Indices(0, 4))
	// Terminate waits for the outstanding results.
	gpu.quiet()
	for _, i := range []int{2, 0, 3} {
		gpu.send(0, squareBlock(i))
	}
	gpu.quiet()
	gpu.send(0, squareBlock(1))
	index, _ := gpu.recv()
	assert.EQ(t, index, mpi.Terminate)
	assert.NoError(t, <-errc)
	assert.EQ(t, sq.Processed(), acetest.Indices(0, 4))
}

func TestMasterRemoteAbort(t *testing.T) {
	cfg, cleanup := testConfig(t)
	defer cleanup()
	comms := mpi.NewWorld(3)
	defer closeAll(comms)
	sq := &acetest.Squares{N: 20}
	errc := runAsync(NewMaster(acetest.Serial{Squares: sq}, nil, cfg, comms[0]))

	bad, good := rankDriver{t, comms[1]}, rankDriver{t, comms[2]}
	bad.control(0, mpi.ReadyAsSerial)
	bad.recv()
	p := mpi.EncodeAbort(ace.IOError("Read Error", "disk on fire"))
	assert.NoError(t, comms[1].Send(context.Background(), 0, p))

	err := <-errc
	assert.EQ(t, ace.TitleOf(err), "Read Error")
	assert.EQ(t, ace.DetailsOf(err), "rank 1: disk on fire")
	assert.EQ(t, sq.Finished(), 0)

	// The abort is broadcast to the other slaves, but not returned to
	// the rank that sent it.
	index, data := good.recv()
	assert.EQ(t, index, mpi.Abort)
	e, err := mpi.DecodeAbort(data)
	assert.NoError(t, err)
	assert.EQ(t, e.Title, "Read Error")
	for {
		index, _ := bad.recv()
		if index == mpi.Abort {
			t.Fatal("abort returned to failed rank")
		}
		if index < 0 {
			t.Fatalf("unexpected %s", mpi.CodeName(index))
		}
		if index == cfg.BufferSize-1 {
			break
		}
	}
	bad.quiet()
}

// failingProcess fails to process result 1.
type failingProcess struct{ acetest.Serial }

func (f failingProcess) Process(result ace.Block) error {
	if result.Index() == 1 {
		return ace.IOError("Write Error", "no space left")
	}
	return f.Serial.Process(result)
}

func TestMasterUndispatchedResult(t *testing.T) {
	cfg, cleanup := testConfig(t)
	defer cleanup()
	cfg.BufferSize = 2
	comms := mpi.NewWorld(2)
	defer closeAll(comms)
	sq := &acetest.Squares{N: 10}
	errc := runAsync(NewMaster(acetest.Serial{Squares: sq}, nil, cfg, comms[0]))

	slave := rankDriver{t, comms[1]}
	slave.control(0, mpi.ReadyAsSerial)
	slave.recv()
	slave.recv()
	slave.send(0, squareBlock(5))
	err := <-errc
	assert.EQ(t, ace.TitleOf(err), "Logic Error")
	assert.EQ(t, ace.DetailsOf(err), "Given result block with index 5 that was never dispatched.")
	assert.EQ(t, len(sq.Processed()), 0)
}

func TestMasterLocalAbort(t *testing.T) {
	cfg, cleanup := testConfig(t)
	defer cleanup()
	cfg.BufferSize = 1
	comms := mpi.NewWorld(2)
	defer closeAll(comms)
	sq := &acetest.Squares{N: 5}
	errc := runAsync(NewMaster(failingProcess{acetest.Serial{Squares: sq}}, nil, cfg, comms[0]))

	slave := rankDriver{t, comms[1]}
	slave.control(0, mpi.ReadyAsSerial)
	index, _ := slave.recv()
	assert.EQ(t, index, 0)
	slave.send(0, squareBlock(0))
	index, _ = slave.recv()
	assert.EQ(t, index, 1)
	slave.send(0, squareBlock(1))

	err := <-errc
	assert.EQ(t, ace.TitleOf(err), "Write Error")
	index, data := slave.recv()
	assert.EQ(t, index, mpi.Abort)
	e, err := mpi.DecodeAbort(data)
	assert.NoError(t, err)
	assert.EQ(t, e.Title, "Write Error")
	assert.EQ(t, e.Details, "no space left")
}

// tcpWorld connects a world of n ranks over loopback TCP.
func tcpWorld(t *testing.T, n int) []mpi.Comm {
	t.Helper()
	addrs := make([]string, n)
	for i := range addrs {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		assert.NoError(t, err)
		addrs[i] = l.Addr().String()
		assert.NoError(t, l.Close())
	}
	comms := make([]mpi.Comm, n)
	var g errgroup.Group
	for _, addr := range addrs {
		addr := addr
		g.Go(func() error {
			c, err := mpi.Network{Addr: addr, Addrs: addrs, Timeout: 10 * time.Second}.Connect(context.Background())
			if err != nil {
				return err
			}
			comms[c.Rank()] = c
			return nil
		})
	}
	assert.NoError(t, g.Wait())
	return comms
}

func TestMasterSlaveLost(t *testing.T) {
	cfg, cleanup := testConfig(t)
	defer cleanup()
	comms := tcpWorld(t, 2)
	defer closeAll(comms)
	sq := &acetest.Squares{N: 10}
	errc := runAsync(NewMaster(acetest.Serial{Squares: sq}, nil, cfg, comms[0]))

	// The slave leaves without being terminated.
	assert.NoError(t, mpi.SendControl(context.Background(), comms[1], 0, mpi.ReadyAsSerial))
	assert.NoError(t, comms[1].Close())
	select {
	case err := <-errc:
		assert.EQ(t, ace.TitleOf(err), "MPI Failed")
	case <-time.After(10 * time.Second):
		t.Fatal("master did not notice the lost slave")
	}
	assert.EQ(t, sq.Finished(), 0)
}

func TestMasterRequiresSlaves(t *testing.T) {
	cfg, cleanup := testConfig(t)
	defer cleanup()
	comms := mpi.NewWorld(1)
	defer closeAll(comms)
	err := NewMaster(acetest.Serial{Squares: &acetest.Squares{N: 1}}, nil, cfg, comms[0]).Run(context.Background())
	assert.EQ(t, ace.TitleOf(err), "Invalid Argument")
}

func TestMasterEmpty(t *testing.T) {
	cfg, cleanup := testConfig(t)
	defer cleanup()
	comms := mpi.NewWorld(2)
	defer closeAll(comms)
	sq := &acetest.Squares{}
	errc := runAsync(NewMaster(acetest.Serial{Squares: sq}, nil, cfg, comms[0]))
	slave := rankDriver{t, comms[1]}
	index, _ := slave.recv()
	assert.EQ(t, index, mpi.Terminate)
	assert.NoError(t, <-errc)
	assert.EQ(t, sq.Finished(), 1)
}

func TestSlave(t *testing.T) {
	cfg, cleanup := testConfig(t)
	defer cleanup()
	comms := mpi.NewWorld(2)
	defer closeAll(comms)
	sq := &acetest.Squares{N: 10}
	errc := runAsync(NewSlave(acetest.Serial{Squares: sq}, nil, cfg, comms[1]))

	master := rankDriver{t, comms[0]}
	index, _ := master.recv()
	assert.EQ(t, index, mpi.ReadyAsSerial)
	for _, i := range []int{3, 7, 1} {
		master.send(1, ace.NewRawBlock(i, encodeInt(i)))
	}
	master.control(1, mpi.Terminate)
	for _, i := range []int{3, 7, 1} {
		index, data := master.recv()
		assert.EQ(t, index, i)
		var b ace.RawBlock
		assert.NoError(t, b.UnmarshalBinary(data))
		assert.EQ(t, b.Payload, encodeInt(i*i))
	}
	assert.NoError(t, <-errc)
	assert.EQ(t, sq.Executed(), []int{3, 7, 1})
	assert.EQ(t, len(sq.Made()), 0)
	assert.EQ(t, len(sq.Processed()), 0)
	assert.EQ(t, sq.Finished(), 1)
}

func TestSlaveDeviceOrdinal(t *testing.T) {
	cfg, cleanup := testConfig(t)
	defer cleanup()
	cfg.Devices = device.NewHostList(0, 1)
	cfg.Device = device.Selection{Kind: device.CUDA}
	comms := mpi.NewWorld(3)
	defer closeAll(comms)
	master := rankDriver{t, comms[0]}
	for rank, code := range map[int]int{1: mpi.ReadyAsCUDA, 2: mpi.ReadyAsSerial} {
		errc := runAsync(NewSlave(deviceSquares(&acetest.Squares{N: 4}), nil, cfg, comms[rank]))
		index, _ := master.recv()
		assert.EQ(t, index, code)
		master.control(rank, mpi.Terminate)
		assert.NoError(t, <-errc)
	}
}

func TestSlaveFailure(t *testing.T) {
	cfg, cleanup := testConfig(t)
	defer cleanup()
	comms := mpi.NewWorld(2)
	defer closeAll(comms)
	sq := &acetest.Squares{
		N: 10,
		Fail: func(i int) error {
			return ace.IOError("Read Error", "bad block %d", i)
		},
	}
	errc := runAsync(NewSlave(acetest.Serial{Squares: sq}, nil, cfg, comms[1]))
	master := rankDriver{t, comms[0]}
	master.recv()
	master.send(1, ace.NewRawBlock(4, encodeInt(4)))

	err := <-errc
	assert.EQ(t, ace.TitleOf(err), "Read Error")
	index, data := master.recv()
	assert.EQ(t, index, mpi.Abort)
	e, err := mpi.DecodeAbort(data)
	assert.NoError(t, err)
	assert.EQ(t, e.Details, "bad block 4")
}

func TestSlaveAborted(t *testing.T) {
	cfg, cleanup := testConfig(t)
	defer cleanup()
	comms := mpi.NewWorld(2)
	defer closeAll(comms)
	sq := &acetest.Squares{N: 10}
	errc := runAsync(NewSlave(acetest.Serial{Squares: sq}, nil, cfg, comms[1]))
	master := rankDriver{t, comms[0]}
	master.recv()
	assert.NoError(t, comms[0].Send(context.Background(), 1, mpi.EncodeAbort(ace.LogicError("master failed"))))

	err := <-errc
	assert.EQ(t, ace.TitleOf(err), "Logic Error")
	assert.EQ(t, ace.DetailsOf(err), "rank 0: master failed")
	assert.EQ(t, sq.Finished(), 0)
	master.quiet()
}
