// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"time"

	"github.com/aceproject/ace"
	"github.com/aceproject/ace/data"
	"github.com/aceproject/ace/device"
	"github.com/aceproject/ace/mpi"
	"github.com/aceproject/ace/stats"
	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bigmachine"
	"golang.org/x/sync/errgroup"
)

// Session is an execution session: a factory of analytics, and the
// settings with which they are run. A session can run any number of
// analytics, in any execution mode, for the lifetime of the binary.
//
//	sess := exec.Start(factory, exec.ThreadSize(16))
//	if err := sess.Run(ctx, "transform", exec.Args{"in": path}); err != nil {
//		log.Fatal(err)
//	}
type Session struct {
	context.Context
	factory ace.Factory
	cfg     Config
	p       int
	limiter *limiter.Limiter
	status  *status.Status
	stats   *stats.Map

	system bigmachine.System
	params []bigmachine.Param
	b      *bigmachine.B
}

// An Option represents a session configuration parameter value.
type Option func(s *Session)

// ThreadSize configures the number of workers of device runners.
func ThreadSize(n int) Option {
	if n <= 0 {
		panic("exec.ThreadSize: n <= 0")
	}
	return func(s *Session) {
		s.cfg.ThreadSize = n
	}
}

// BufferSize configures the number of blocks a master keeps
// outstanding on each slave.
func BufferSize(n int) Option {
	if n <= 0 {
		panic("exec.BufferSize: n <= 0")
	}
	return func(s *Session) {
		s.cfg.BufferSize = n
	}
}

// Device configures the device of single process runs, and the kind
// of device used by chunk and slave runs.
func Device(sel device.Selection) Option {
	return func(s *Session) {
		s.cfg.Device = sel
	}
}

// Devices configures the devices available to the session.
func Devices(l *device.List) Option {
	return func(s *Session) {
		s.cfg.Devices = l
	}
}

// ChunkDir configures the directory of chunk files.
func ChunkDir(dir string) Option {
	return func(s *Session) {
		s.cfg.Chunks.Dir = dir
	}
}

// ChunkPrefix configures the file name prefix of chunk files.
func ChunkPrefix(prefix string) Option {
	return func(s *Session) {
		s.cfg.Chunks.Prefix = prefix
	}
}

// ChunkExtension configures the file name extension of chunk files.
func ChunkExtension(ext string) Option {
	return func(s *Session) {
		s.cfg.Chunks.Extension = ext
	}
}

// Data configures the factory of the data objects bound to data
// arguments.
func Data(f data.Factory) Option {
	return func(s *Session) {
		s.cfg.Data = f
	}
}

// Parallelism configures the maximum number of runs the session
// executes concurrently.
func Parallelism(p int) Option {
	if p <= 0 {
		panic("exec.Parallelism: p <= 0")
	}
	return func(s *Session) {
		s.p = p
	}
}

// Status configures the session with a status object to which
// run statuses are reported.
func Status(status *status.Status) Option {
	return func(s *Session) {
		s.status = status
	}
}

// Bigmachine configures the session to start the slaves of
// distributed runs as machines of the provided system. If any params
// are provided, they are applied to each machine.
func Bigmachine(system bigmachine.System, params ...bigmachine.Param) Option {
	return func(s *Session) {
		s.system = system
		s.params = params
	}
}

// Start creates a new session for the analytics made by factory,
// configured by the provided options.
func Start(factory ace.Factory, options ...Option) *Session {
	s := &Session{
		Context: backgroundcontext.Get(),
		factory: factory,
		cfg:     *DefaultConfig(),
		stats:   stats.NewMap(),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.p == 0 {
		s.p = 1
	}
	s.limiter = limiter.New()
	s.limiter.Release(s.p)
	if s.system != nil {
		s.b = bigmachine.Start(s.system)
	}
	return s
}

// Shutdown releases the session's resources, including any machines it
// started.
func (s *Session) Shutdown() {
	if s.b != nil {
		s.b.Shutdown()
	}
}

// Factory returns the session's analytic factory.
func (s *Session) Factory() ace.Factory { return s.factory }

// Status returns the session's status object, or nil if there is none.
func (s *Session) Status() *status.Status { return s.status }

// Stats returns the block counters of the session's runs.
func (s *Session) Stats() *stats.Map { return s.stats }

// Parallelism returns the session's parallelism.
func (s *Session) Parallelism() int { return s.p }

// Config returns a copy of the configuration given to the session's
// managers.
func (s *Session) Config() *Config {
	cfg := s.cfg
	cfg.Status = s.status
	cfg.Stats = s.stats
	return &cfg
}

// Analytic makes a new instance of the analytic with the provided
// name.
func (s *Session) Analytic(name string) (ace.Analytic, error) {
	typ, err := ace.TypeOf(s.factory, name)
	if err != nil {
		return nil, err
	}
	return ace.MakeAnalytic(s.factory, typ)
}

// Run runs the named analytic in this process.
func (s *Session) Run(ctx context.Context, name string, args Args) error {
	a, err := s.Analytic(name)
	if err != nil {
		return err
	}
	return s.run(ctx, name, NewSingle(a, args, s.Config()))
}

// RunChunk runs chunk index of count chunks of the named analytic,
// writing the chunk's results to its chunk file.
func (s *Session) RunChunk(ctx context.Context, name string, args Args, index, count int) error {
	a, err := s.Analytic(name)
	if err != nil {
		return err
	}
	return s.run(ctx, name, NewChunk(a, args, s.Config(), index, count))
}

// RunMerge processes the chunk files of count chunks of the named
// analytic and writes its outputs.
func (s *Session) RunMerge(ctx context.Context, name string, args Args, count int) error {
	a, err := s.Analytic(name)
	if err != nil {
		return err
	}
	return s.run(ctx, name, NewMerge(a, args, s.Config(), count))
}

// RunChunks runs a batch of count chunks of the named analytic in this
// process, at most Parallelism at a time, followed by their merge. The
// chunk files are removed once merged, and kept if the batch fails so
// that the merge may be retried.
func (s *Session) RunChunks(ctx context.Context, name string, args Args, count int) error {
	err := traverse.Limit(s.p).Each(count, func(i int) error {
		return s.RunChunk(ctx, name, args, i, count)
	})
	if err == nil {
		err = s.RunMerge(ctx, name, args, count)
	}
	if err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		path := s.cfg.Chunks.Path(i)
		if rerr := file.Remove(ctx, path); rerr != nil {
			log.Debug.Printf("removing chunk file %s: %v", path, rerr)
		}
	}
	return nil
}

// RunWorld runs the named analytic distributed over a world of size
// ranks that live in this process: a master and size-1 slaves. A
// world counts as a single run against the session's parallelism.
func (s *Session) RunWorld(ctx context.Context, name string, args Args, size int) error {
	if size < 2 {
		return ace.ConfigurationError("world size must be at least 2, got %d", size)
	}
	comms := mpi.NewWorld(size)
	defer func() {
		for _, c := range comms {
			c.Close()
		}
	}()
	managers := make([]Manager, size)
	for rank, comm := range comms {
		a, err := s.Analytic(name)
		if err != nil {
			return err
		}
		managers[rank] = s.rankManager(a, args, comm)
	}
	if err := s.limiter.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.limiter.Release(1)
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range managers {
		m := m
		g.Go(func() error { return m.Run(gctx) })
	}
	if err := g.Wait(); err != nil {
		log.Error.Printf("%s: world of %d ranks failed after %s: %v", name, size, time.Since(start), err)
		return err
	}
	log.Printf("%s: world of %d ranks done in %s", name, size, time.Since(start))
	return nil
}

// RunRank runs the named analytic as the rank of comm in a distributed
// run: as the master on rank 0, and as a slave otherwise.
func (s *Session) RunRank(ctx context.Context, name string, args Args, comm mpi.Comm) error {
	a, err := s.Analytic(name)
	if err != nil {
		return err
	}
	return s.run(ctx, name, s.rankManager(a, args, comm))
}

func (s *Session) rankManager(a ace.Analytic, args Args, comm mpi.Comm) Manager {
	if mpi.IsMaster(comm) {
		return NewMaster(a, args, s.Config(), comm)
	}
	return NewSlave(a, args, s.Config(), comm)
}

func (s *Session) run(ctx context.Context, name string, m Manager) error {
	if err := s.limiter.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.limiter.Release(1)
	start := time.Now()
	if err := m.Run(ctx); err != nil {
		log.Error.Printf("%s: failed after %s: %v", name, time.Since(start), err)
		return err
	}
	log.Printf("%s: done in %s", name, time.Since(start))
	return nil
}
