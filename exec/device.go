// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"sync"

	"github.com/aceproject/ace"
	"github.com/aceproject/ace/device"
	"github.com/aceproject/ace/stats"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// A deviceWorker owns one stream of the device context and executes
// one block at a time on its own goroutine.
type deviceWorker struct {
	id     int
	stream *device.Stream
	worker ace.DeviceWorker
	work   chan ace.Block

	// Loop state.
	busy  bool
	index int

	// Set by the worker's goroutine before it reports completion.
	result ace.Block
	err    error
}

// A deviceRun executes blocks on a pool of device workers. Dispatch and
// result handling happen on the loop; only block execution happens on
// the workers' goroutines. At most one block is in flight per worker.
type deviceRun struct {
	loop    *loop
	base    IOBase
	context *device.Context
	stats   runStats
	finish  func() error

	workers  []*deviceWorker
	idle     []*deviceWorker
	wg       sync.WaitGroup
	finished bool
}

// newDeviceRun sets up a context on dev, initializes program on it,
// and starts threads workers, each with its own stream. The returned
// runner takes over the loop's completion channel.
func newDeviceRun(l *loop, base IOBase, program ace.DeviceProgram, dev *device.Device, threads int, m *stats.Map, finish func() error) (*deviceRun, error) {
	if threads < 1 {
		return nil, ace.ConfigurationError("thread size must be positive, got %d", threads)
	}
	ctx, err := device.NewContext(dev)
	if err != nil {
		return nil, ace.DeviceError(err)
	}
	r := &deviceRun{
		loop:    l,
		base:    base,
		context: ctx,
		stats:   newRunStats(m),
		finish:  finish,
	}
	if err := program.Initialize(ctx); err != nil {
		ctx.Release()
		return nil, deviceErr(err)
	}
	for i := 0; i < threads; i++ {
		stream, err := ctx.NewStream()
		if err == nil {
			var w ace.DeviceWorker
			w, err = program.MakeWorker()
			if err == nil {
				r.workers = append(r.workers, &deviceWorker{
					id:     i,
					stream: stream,
					worker: w,
					work:   make(chan ace.Block, 1),
				})
				continue
			}
			stream.Close()
		}
		for _, w := range r.workers {
			w.stream.Close()
		}
		ctx.Release()
		return nil, deviceErr(err)
	}
	r.idle = append(r.idle, r.workers...)
	l.completions = make(chan int)
	l.complete = r.complete
	for _, w := range r.workers {
		r.wg.Add(1)
		go r.run(w)
	}
	log.Debug.Printf("device %s: started %d workers", dev, threads)
	return r, nil
}

func (r *deviceRun) ReadyCode() int { return readyCode(r.context.Device().Kind) }

func (r *deviceRun) Start() error { return r.Wake() }

// Wake assigns available work to idle workers, and finishes the run if
// every worker is idle and the base is finished.
func (r *deviceRun) Wake() error {
	if r.finished {
		return nil
	}
	for len(r.idle) > 0 && r.base.HasWork() {
		w := r.idle[len(r.idle)-1]
		r.idle = r.idle[:len(r.idle)-1]
		if err := r.assign(w); err != nil {
			return err
		}
	}
	return r.maybeFinish()
}

func (r *deviceRun) assign(w *deviceWorker) error {
	if w.busy {
		return ace.LogicError("Cannot assign work to busy worker %d.", w.id)
	}
	work, err := r.base.MakeWork()
	if err != nil {
		return err
	}
	w.busy = true
	w.index = work.Index()
	r.stats.dispatch()
	w.work <- work
	return nil
}

// complete handles a completion reported by worker id.
func (r *deviceRun) complete(id int) error {
	w := r.workers[id]
	if !w.busy {
		return ace.LogicError("Completion from idle worker %d.", id)
	}
	w.busy = false
	r.stats.complete()
	result, err := w.result, w.err
	w.result, w.err = nil, nil
	if err != nil {
		return deviceErr(err)
	}
	if err := checkResult(w.index, result); err != nil {
		return err
	}
	if err := r.base.SaveResult(result); err != nil {
		return err
	}
	if r.base.HasWork() {
		return r.assign(w)
	}
	r.idle = append(r.idle, w)
	return r.maybeFinish()
}

func (r *deviceRun) maybeFinish() error {
	if r.finished || len(r.idle) != len(r.workers) || !r.base.IsFinished() {
		return nil
	}
	r.finished = true
	return r.finish()
}

func (r *deviceRun) run(w *deviceWorker) {
	defer r.wg.Done()
	for work := range w.work {
		w.result, w.err = r.execute(w, work)
		select {
		case r.loop.completions <- w.id:
		case <-r.loop.Exited():
			return
		}
	}
}

func (r *deviceRun) execute(w *deviceWorker, work ace.Block) (result ace.Block, err error) {
	defer recoverBlock(work.Index(), &err)
	result, err = w.worker.Execute(w.stream, work)
	if err == nil {
		err = w.stream.Finish()
	}
	return
}

// Close stops the workers, waiting for blocks in flight, and releases
// the device context. Close must be called after the loop has exited.
func (r *deviceRun) Close() error {
	for _, w := range r.workers {
		close(w.work)
	}
	r.wg.Wait()
	var err error
	for _, w := range r.workers {
		if e := w.stream.Close(); e != nil && err == nil {
			err = deviceErr(e)
		}
	}
	r.context.Release()
	return err
}

// deviceErr maps an error raised by device code to a device error,
// keeping errors that already carry an exception.
func deviceErr(err error) error {
	if _, ok := err.(*errors.Error); ok {
		return err
	}
	return ace.DeviceError(err)
}
