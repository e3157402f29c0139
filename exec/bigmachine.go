// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"encoding/gob"
	"net/http"
	"sync"

	"github.com/aceproject/ace"
	"github.com/aceproject/ace/ctxsync"
	"github.com/aceproject/ace/data"
	"github.com/aceproject/ace/device"
	"github.com/aceproject/ace/mpi"
	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"golang.org/x/sync/errgroup"
)

func init() {
	gob.Register(&rankService{})
}

// rankRequest starts a slave rank on a machine. Devices are described
// by their counts.
type rankRequest struct {
	Analytic   string
	Args       Args
	Rank, Size int

	ThreadSize, BufferSize int
	Device                 string
	OpenCL, CUDA           int
}

// rankService is the bigmachine service that hosts a slave rank. The
// master delivers messages with Rank.Deliver, and collects the slave's
// messages by long-polling Rank.Collect.
type rankService struct {
	// Factory is the name under which the machine's binary registers
	// its analytic and data factories.
	Factory string

	mu     sync.Mutex
	ep     *mpi.Endpoint
	out    *outbox
	cancel func()
}

// Start starts a slave rank as described by the request. A slave rank
// already running on the machine is canceled.
func (r *rankService) Start(ctx context.Context, req rankRequest, _ *struct{}) error {
	factory, ok := ace.LookupFactory(r.Factory)
	if !ok {
		return errors.E(errors.Fatal, ace.ConfigurationError("factory %s is not registered", r.Factory))
	}
	typ, err := ace.TypeOf(factory, req.Analytic)
	if err != nil {
		return err
	}
	a, err := ace.MakeAnalytic(factory, typ)
	if err != nil {
		return err
	}
	sel, err := device.ParseSelection(req.Device)
	if err != nil {
		return ace.ConfigurationError("%v", err)
	}
	cfg := DefaultConfig()
	cfg.ThreadSize = req.ThreadSize
	cfg.BufferSize = req.BufferSize
	cfg.Device = sel
	cfg.Devices = device.NewHostList(req.OpenCL, req.CUDA)
	if f, ok := data.LookupFactory(r.Factory); ok {
		cfg.Data = f
	}

	out := newOutbox()
	ep := mpi.NewEndpoint(req.Rank, req.Size, func(ctx context.Context, to int, p []byte) error {
		if to != 0 {
			return ace.TransportError("rank %d: machine ranks only send to the master", req.Rank)
		}
		out.put(p)
		return nil
	})
	runCtx, cancel := context.WithCancel(backgroundcontext.Get())
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
		r.ep.Close()
	}
	r.ep, r.out, r.cancel = ep, out, cancel
	r.mu.Unlock()

	slave := NewSlave(a, req.Args, cfg, ep)
	go func() {
		if err := slave.Run(runCtx); err != nil {
			log.Error.Printf("rank %d: %v", req.Rank, err)
			return
		}
		log.Printf("rank %d: done", req.Rank)
	}()
	return nil
}

// Deliver delivers a message from the master to the slave rank.
func (r *rankService) Deliver(ctx context.Context, p []byte, _ *struct{}) error {
	r.mu.Lock()
	ep := r.ep
	r.mu.Unlock()
	if ep == nil {
		return ace.TransportError("no rank started")
	}
	if !ep.Deliver(0, p) {
		return ace.TransportError("rank %d: communicator closed", ep.Rank())
	}
	return nil
}

// Collect returns the messages sent by the slave rank to the master,
// waiting until there is at least one.
func (r *rankService) Collect(ctx context.Context, _ struct{}, reply *[][]byte) error {
	r.mu.Lock()
	out := r.out
	r.mu.Unlock()
	if out == nil {
		return ace.TransportError("no rank started")
	}
	msgs, err := out.take(ctx)
	if err != nil {
		return err
	}
	*reply = msgs
	return nil
}

// An outbox queues the messages of a machine rank until they are
// collected.
type outbox struct {
	mu   sync.Mutex
	cond *ctxsync.Cond
	msgs [][]byte
}

func newOutbox() *outbox {
	o := new(outbox)
	o.cond = ctxsync.NewCond(&o.mu)
	return o
}

func (o *outbox) put(p []byte) {
	o.mu.Lock()
	o.msgs = append(o.msgs, append([]byte(nil), p...))
	o.cond.Broadcast()
	o.mu.Unlock()
}

func (o *outbox) take(ctx context.Context) ([][]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.cond.WaitFor(ctx, func() bool { return len(o.msgs) > 0 }); err != nil {
		return nil, err
	}
	msgs := o.msgs
	o.msgs = nil
	return msgs, nil
}

// HandleDebug adds the debug handlers of the session's bigmachine
// system, if any, to the provided mux.
func (s *Session) HandleDebug(handler *http.ServeMux) {
	if s.b != nil {
		s.b.HandleDebug(handler)
	}
}

// MachineStatusGroup is the status group under which the machines of
// distributed runs are reported.
const MachineStatusGroup = "ace machines"

// RunMachines runs the named analytic distributed over n slave ranks,
// each started as a machine of the session's bigmachine system. The
// master runs in this process. The session's analytic factory, and its
// data factory if any, must be registered under the same name so that
// the machines can find them.
func (s *Session) RunMachines(ctx context.Context, name string, args Args, n int) error {
	if s.b == nil {
		return ace.ConfigurationError("session is not configured with a bigmachine system")
	}
	if n < 1 {
		return ace.ConfigurationError("distributed run needs at least one slave, got %d", n)
	}
	factory, ok := ace.FactoryName(s.factory)
	if !ok {
		return ace.ConfigurationError("session factory is not registered")
	}
	a, err := s.Analytic(name)
	if err != nil {
		return err
	}
	var group *status.Group
	if s.status != nil {
		group = s.status.Group(MachineStatusGroup)
	}
	machines, err := startRanks(ctx, s.b, group, factory, n, s.params...)
	if err != nil {
		return err
	}
	defer func() {
		for _, m := range machines {
			m.Cancel()
		}
	}()
	ep := mpi.NewEndpoint(0, n+1, func(ctx context.Context, to int, p []byte) error {
		return machines[to-1].Call(ctx, "Rank.Deliver", p, new(struct{}))
	})
	defer ep.Close()

	cfg := s.Config()
	req := rankRequest{
		Analytic:   name,
		Args:       args,
		Size:       n + 1,
		ThreadSize: cfg.ThreadSize,
		BufferSize: cfg.BufferSize,
		Device:     cfg.Device.String(),
		OpenCL:     cfg.Devices.Size(device.OpenCL),
		CUDA:       cfg.Devices.Size(device.CUDA),
	}
	g, gctx := errgroup.WithContext(ctx)
	for i, m := range machines {
		req := req
		req.Rank = i + 1
		m := m
		g.Go(func() error {
			return m.RetryCall(gctx, "Rank.Start", req, new(struct{}))
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	collectCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	for i, m := range machines {
		go collect(collectCtx, m, i+1, ep)
	}
	return s.run(ctx, name, NewMaster(a, args, cfg, ep))
}

// collect delivers the messages of the slave rank on machine m to ep
// until ctx is done. A failure to collect is delivered as an abort
// from the rank.
func collect(ctx context.Context, m *bigmachine.Machine, rank int, ep *mpi.Endpoint) {
	for {
		var msgs [][]byte
		if err := m.Call(ctx, "Rank.Collect", struct{}{}, &msgs); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error.Printf("rank %d (%s): collect: %v", rank, m.Addr, err)
			ep.Deliver(rank, mpi.EncodeAbort(ace.TransportError("rank %d (%s): %v", rank, m.Addr, err)))
			return
		}
		for _, p := range msgs {
			if !ep.Deliver(rank, p) {
				return
			}
		}
	}
}

// startRanks starts n machines on b, each hosting a rank service for
// the named factory, and waits for them to be running. Machines that
// fail to start fail the whole set.
func startRanks(ctx context.Context, b *bigmachine.B, group *status.Group, factory string, n int, params ...bigmachine.Param) ([]*bigmachine.Machine, error) {
	params = append([]bigmachine.Param{bigmachine.Services{"Rank": &rankService{Factory: factory}}}, params...)
	machines, err := b.Start(ctx, n, params...)
	if err != nil {
		return nil, err
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := range machines {
		m := machines[i]
		var task *status.Task
		if group != nil {
			task = group.Start()
			task.Print("waiting for machine to boot")
		}
		g.Go(func() error {
			select {
			case <-m.Wait(bigmachine.Running):
			case <-ctx.Done():
				return ctx.Err()
			}
			if err := m.Err(); err != nil {
				if task != nil {
					task.Printf("failed to start: %v", err)
					task.Done()
				}
				return errors.E(errors.Unavailable, "machine failed to start", err)
			}
			if task != nil {
				task.Title(m.Addr)
				task.Print("running")
			}
			log.Printf("machine %v is ready", m.Addr)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, m := range machines {
			m.Cancel()
		}
		return nil, err
	}
	return machines, nil
}
