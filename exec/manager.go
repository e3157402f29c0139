// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/aceproject/ace"
	"github.com/aceproject/ace/data"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/spaolacci/murmur3"
)

// Args holds the command line values of an analytic's arguments,
// keyed by argument name.
type Args map[string]string

// A Manager runs an analytic to completion in one execution mode.
type Manager interface {
	// Run runs the analytic. Run returns after the analytic has
	// finished and its outputs are written, or after the first error.
	Run(ctx context.Context) error
}

// Host opens files and data objects on behalf of an analytic, beyond
// those bound to its declared arguments. Handles opened through a Host
// are owned by the manager and closed when the run ends. Managers that
// do not write outputs (chunk and slave runs) return nil writers and
// objects from the output methods.
type Host interface {
	AddInputFile(path string) (io.Reader, error)
	AddOutputFile(path string) (io.Writer, error)
	AddInputData(path string) (*data.Object, error)
	AddOutputData(path string, typ int) (*data.Object, error)
}

// A HostedAnalytic is given the Host of its manager before its
// arguments are bound.
type HostedAnalytic interface {
	SetHost(h Host)
}

type openFile struct {
	file   file.File
	output bool
}

// A manager implements the parts common to every execution mode:
// argument binding, data objects, provenance, checking the analytic's
// work blocks, progress, and finalization.
type manager struct {
	name     string
	analytic ace.Analytic
	args     Args
	cfg      *Config

	// openOutputs tells whether output files and data objects are
	// opened by this manager.
	openOutputs bool

	size    int
	percent int
	task    *status.Task

	// mu guards the registry of open handles, which an analytic may
	// extend through Host at any time.
	mu      sync.Mutex
	ctx     context.Context
	files   []openFile
	inputs  []*data.Object
	outputs []*data.Object
	system  data.Metadata
}

func newManager(name string, a ace.Analytic, args Args, cfg *Config, openOutputs bool) *manager {
	if args == nil {
		args = make(Args)
	}
	return &manager{
		name:        name,
		analytic:    a,
		args:        args,
		cfg:         cfg,
		openOutputs: openOutputs,
		percent:     -1,
	}
}

// initialize binds the analytic's arguments, initializes it, and
// queries its size.
func (m *manager) initialize(ctx context.Context) error {
	if err := m.cfg.check(); err != nil {
		return err
	}
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()
	if h, ok := m.analytic.(HostedAnalytic); ok {
		h.SetHost(m)
	}
	if err := m.bind(); err != nil {
		return err
	}
	if err := m.analytic.Initialize(); err != nil {
		return err
	}
	if m.openOutputs {
		if init, ok := m.analytic.(ace.OutputInitializer); ok {
			if err := init.InitializeOutputs(); err != nil {
				return err
			}
		}
	}
	m.size = m.analytic.Size()
	if m.size < 0 {
		return ace.LogicError("Analytic returned negative size %d.", m.size)
	}
	if m.cfg.Status != nil {
		m.task = m.cfg.Status.Group("ace").Start(m.name)
		m.task.Printf("0/%d blocks", m.size)
	}
	log.Debug.Printf("%s: initialized analytic with %d blocks", m.name, m.size)
	return nil
}

// bind sets the analytic's arguments from m.args: basic values first,
// then files, then input data objects, and finally output data objects,
// whose provenance includes the metadata of the inputs.
func (m *manager) bind() error {
	decl := m.analytic.Arguments()
	for name := range m.args {
		if _, ok := ace.FindArgument(decl, name); !ok {
			return ace.ConfigurationError("unknown argument %s", name)
		}
	}
	for _, arg := range decl {
		if _, ok := m.args[arg.Name]; !ok && arg.Required && arg.Default == nil {
			return ace.ConfigurationError("argument %s is required", arg.Name)
		}
	}
	for _, arg := range decl {
		if !arg.Type.IsBasic() {
			continue
		}
		value, ok := m.args[arg.Name]
		if !ok {
			if arg.Default != nil {
				if err := m.analytic.Set(arg.Name, arg.Default); err != nil {
					return err
				}
			}
			continue
		}
		v, err := arg.Parse(value)
		if err != nil {
			return err
		}
		if err := m.analytic.Set(arg.Name, v); err != nil {
			return err
		}
	}
	for _, arg := range decl {
		path := m.args[arg.Name]
		if path == "" {
			continue
		}
		var (
			v   interface{}
			err error
		)
		switch arg.Type {
		case ace.FileIn:
			v, err = m.AddInputFile(path)
		case ace.FileOut:
			var w io.Writer
			if w, err = m.AddOutputFile(path); w != nil {
				v = w
			}
		default:
			continue
		}
		if err != nil {
			return err
		}
		if v == nil {
			continue
		}
		if err := m.analytic.Set(arg.Name, v); err != nil {
			return err
		}
	}
	for _, arg := range decl {
		path := m.args[arg.Name]
		if arg.Type != ace.DataIn || path == "" {
			continue
		}
		obj, err := m.AddInputData(path)
		if err != nil {
			return err
		}
		if err := m.analytic.Set(arg.Name, obj); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.system = m.provenance()
	m.mu.Unlock()
	for _, arg := range decl {
		path := m.args[arg.Name]
		if arg.Type != ace.DataOut || path == "" {
			continue
		}
		obj, err := m.AddOutputData(path, arg.DataType)
		if err != nil {
			return err
		}
		if obj == nil {
			continue
		}
		if err := m.analytic.Set(arg.Name, obj); err != nil {
			return err
		}
	}
	return nil
}

// provenance returns the system metadata of the data objects written
// by this run: a run id, the engine version, the metadata of every
// input data object, and the command line. It must be called with
// m.mu held.
func (m *manager) provenance() data.Metadata {
	names := make([]string, 0, len(m.args))
	for name := range m.args {
		names = append(names, name)
	}
	sort.Strings(names)
	var (
		h       = murmur3.New64()
		command = make(map[string]interface{}, len(names))
	)
	fmt.Fprintf(h, "%s %d", m.name, time.Now().UnixNano())
	for _, name := range names {
		fmt.Fprintf(h, " --%s %s", name, m.args[name])
		command[name] = m.args[name]
	}
	input := make(map[string]interface{}, len(m.inputs))
	for _, obj := range m.inputs {
		input[filepath.Base(obj.Path())] = map[string]interface{}{
			"system": obj.SystemMeta(),
			"user":   obj.UserMeta(),
		}
	}
	return data.Metadata{
		"uuid":    fmt.Sprintf("%016x", h.Sum64()),
		"version": map[string]interface{}{"ace": ace.Version},
		"input":   input,
		"command": command,
	}
}

func (m *manager) dataFactory() (data.Factory, error) {
	if m.cfg.Data == nil {
		return nil, ace.ConfigurationError("%s: no data factory configured", m.name)
	}
	return m.cfg.Data, nil
}

// AddInputFile implements Host.
func (m *manager) AddInputFile(path string) (io.Reader, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, err := file.Open(m.ctx, path)
	if err != nil {
		return nil, ace.IOError("System Error", "Failed opening file %s: %v", path, err)
	}
	m.files = append(m.files, openFile{file: f})
	return f.Reader(m.ctx), nil
}

// AddOutputFile implements Host.
func (m *manager) AddOutputFile(path string) (io.Writer, error) {
	if !m.openOutputs {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	f, err := file.Create(m.ctx, path)
	if err != nil {
		return nil, ace.IOError("System Error", "Failed opening file %s: %v", path, err)
	}
	m.files = append(m.files, openFile{file: f, output: true})
	return f.Writer(m.ctx), nil
}

// AddInputData implements Host.
func (m *manager) AddInputData(path string) (*data.Object, error) {
	f, err := m.dataFactory()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, err := data.Open(m.ctx, f, path)
	if err != nil {
		return nil, err
	}
	m.inputs = append(m.inputs, obj)
	return obj, nil
}

// AddOutputData implements Host. The new object's system metadata is
// the provenance of this run.
func (m *manager) AddOutputData(path string, typ int) (*data.Object, error) {
	if !m.openOutputs {
		return nil, nil
	}
	f, err := m.dataFactory()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.system == nil {
		m.system = m.provenance()
	}
	obj, err := data.Create(m.ctx, f, path, typ, m.system)
	if err != nil {
		return nil, err
	}
	m.outputs = append(m.outputs, obj)
	return obj, nil
}

// makeWork returns the analytic's work block for the provided index,
// checking that it is well formed.
func (m *manager) makeWork(index int) (ace.Block, error) {
	work, err := m.analytic.MakeWork(index)
	if err != nil {
		return nil, err
	}
	if work == nil {
		return nil, ace.LogicError("Analytic returned null work block pointer.")
	}
	if work.Index() != index {
		return nil, ace.LogicError("Analytic returned work block with index %d when it should be %d.", work.Index(), index)
	}
	return work, nil
}

// process hands a result to the analytic. Results must be given in
// index order.
func (m *manager) process(result ace.Block) error {
	if err := m.analytic.Process(result); err != nil {
		return err
	}
	m.progress(result.Index()+1, m.size)
	return nil
}

// progress reports that done of total blocks are complete.
func (m *manager) progress(done, total int) {
	if total <= 0 {
		return
	}
	percent := done * 100 / total
	if percent == m.percent {
		return
	}
	m.percent = percent
	if m.task != nil {
		m.task.Printf("%d/%d blocks (%d%%)", done, total, percent)
	}
	log.Debug.Printf("%s: %d%% complete", m.name, percent)
}

// finish finalizes the analytic and writes its outputs.
func (m *manager) finish() error {
	if err := m.analytic.Finish(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, obj := range m.outputs {
		if err := obj.Finish(m.ctx); err != nil {
			return err
		}
	}
	m.outputs = nil
	for _, f := range m.files {
		if err := f.file.Close(m.ctx); err != nil {
			if f.output {
				return ace.IOError("Write Error", "Failed closing file %s: %v", f.file.Name(), err)
			}
			log.Error.Printf("%s: closing %s: %v", m.name, f.file.Name(), err)
		}
	}
	m.files = nil
	return nil
}

// close releases every handle still open. Outputs that were not
// finished are discarded, so that a failed run writes no output.
func (m *manager) close(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.files {
		if f.output {
			f.file.Discard(m.ctx)
			continue
		}
		if err := f.file.Close(m.ctx); err != nil {
			log.Error.Printf("%s: closing %s: %v", m.name, f.file.Name(), err)
		}
	}
	m.files = nil
	m.outputs = nil
	if m.task != nil {
		if err != nil {
			m.task.Printf("failed: %v", err)
		} else {
			m.task.Print("done")
		}
		m.task.Done()
	}
}
