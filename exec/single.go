// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"

	"github.com/aceproject/ace"
	"github.com/grailbio/base/log"
)

// Single runs an analytic in this process, on the configured device
// or serially. Serial runs deliver results in dispatch order; device
// runs complete blocks out of order, and results are sorted before
// they are processed.
type Single struct {
	*manager

	loop     *loop
	hopper   *hopper
	nextWork int
}

// NewSingle returns a manager that runs analytic a with the provided
// arguments in this process.
func NewSingle(a ace.Analytic, args Args, cfg *Config) *Single {
	return &Single{manager: newManager("single", a, args, cfg, true)}
}

// Run implements Manager.
func (s *Single) Run(ctx context.Context) (err error) {
	defer func() { s.close(err) }()
	if err = s.initialize(ctx); err != nil {
		return err
	}
	dev, err := s.cfg.selected()
	if err != nil {
		return err
	}
	b, err := resolveBackend(s.analytic, dev)
	if err != nil {
		return err
	}
	s.loop = newLoop()
	r, err := newRunner(s.loop, s, b, s.cfg, s.done)
	if err != nil {
		return err
	}
	order := direct
	if _, ok := r.(*deviceRun); ok {
		order = sorting
	}
	s.hopper = newHopper(0, order, s.process)
	log.Printf("single: running %d blocks", s.size)
	return drive(ctx, s.loop, r)
}

func (s *Single) done() error {
	s.loop.Stop()
	return s.finish()
}

// HasWork implements IOBase.
func (s *Single) HasWork() bool { return s.nextWork < s.size }

// MakeWork implements IOBase.
func (s *Single) MakeWork() (ace.Block, error) {
	work, err := s.makeWork(s.nextWork)
	if err != nil {
		return nil, err
	}
	s.nextWork++
	return work, nil
}

// SaveResult implements IOBase.
func (s *Single) SaveResult(result ace.Block) error { return s.hopper.Put(result) }

// IsFinished implements IOBase.
func (s *Single) IsFinished() bool { return s.hopper.Next() >= s.size }

// drive starts runner r on loop l and runs the loop. The runner is
// closed after the loop exits.
func drive(ctx context.Context, l *loop, r runner) error {
	l.Post(r.Start)
	err := l.Run(ctx)
	if cerr := r.Close(); err == nil {
		err = cerr
	}
	return err
}
