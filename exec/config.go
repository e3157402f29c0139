// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"os"

	"github.com/aceproject/ace"
	"github.com/aceproject/ace/chunkio"
	"github.com/aceproject/ace/data"
	"github.com/aceproject/ace/device"
	"github.com/aceproject/ace/stats"
	"github.com/grailbio/base/config"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
)

// Options is a list of session options. The "ace" configuration
// instance provides the options read from a profile:
//
//	param ace threads = 16
//	param ace device = "opencl:0:1"
//	param ace system = bigmachine/ec2system
//
//	var opts exec.Options
//	config.Must("ace", &opts)
//	sess := exec.Start(factory, opts...)
type Options []Option

func init() {
	config.Register("ace", func(inst *config.Constructor) {
		var (
			p, threads, buffer int
			opencl, cuda       int
			sel                string
			dir, prefix, ext   string
			system             bigmachine.System
		)
		inst.IntVar(&p, "parallelism", 1, "number of runs executed concurrently")
		inst.InstanceVar(&system, "system", "", "the bigmachine system used for distributed runs over machines")
		inst.IntVar(&threads, "threads", DefaultThreadSize, "number of workers driving each device")
		inst.IntVar(&buffer, "buffer", DefaultBufferSize, "number of blocks kept outstanding on each slave")
		inst.StringVar(&sel, "device", "none", "the device used by runs")
		inst.IntVar(&opencl, "opencl", 0, "number of emulated OpenCL devices")
		inst.IntVar(&cuda, "cuda", 0, "number of emulated CUDA devices")
		inst.StringVar(&dir, "chunk-dir", os.TempDir(), "directory of chunk files")
		inst.StringVar(&prefix, "chunk-prefix", "chunk", "file name prefix of chunk files")
		inst.StringVar(&ext, "chunk-ext", "abd", "file name extension of chunk files")
		inst.Doc = "ace configures the analytic execution engine"
		inst.New = func() (interface{}, error) {
			if p < 1 || threads < 1 || buffer < 1 {
				return nil, ace.ConfigurationError("parallelism, threads, and buffer must be positive")
			}
			if opencl < 0 || cuda < 0 {
				return nil, ace.ConfigurationError("device counts must be non-negative")
			}
			d, err := device.ParseSelection(sel)
			if err != nil {
				return nil, ace.ConfigurationError("%v", err)
			}
			opts := Options{
				Parallelism(p),
				ThreadSize(threads),
				BufferSize(buffer),
				Device(d),
				Devices(device.NewHostList(opencl, cuda)),
				ChunkDir(dir),
				ChunkPrefix(prefix),
				ChunkExtension(ext),
			}
			if system != nil {
				opts = append(opts, Bigmachine(system))
			}
			return opts, nil
		}
	})
}

// Default engine settings.
const (
	DefaultThreadSize = 8
	DefaultBufferSize = 4
)

// Config holds the settings shared by the managers of a run. Managers
// never consult global state: everything they need is passed in a
// Config.
type Config struct {
	// ThreadSize is the number of workers of a device runner.
	ThreadSize int
	// BufferSize is the number of blocks a master keeps outstanding on
	// a serial slave. Device slaves are kept ThreadSize+1 blocks
	// further ahead.
	BufferSize int
	// Device is the device used by single process runs. Chunk and
	// slave processes pick their device by ordinal into Devices.
	Device device.Selection
	// Devices lists the devices available to the process.
	Devices *device.List
	// Chunks names the files written by chunk runs.
	Chunks chunkio.Naming
	// Data makes the data objects bound to data arguments. It may be
	// nil if no analytic takes data arguments.
	Data data.Factory
	// Status, if non-nil, receives the progress of each run.
	Status *status.Status
	// Stats, if non-nil, receives block counters.
	Stats *stats.Map
}

// DefaultConfig returns a Config with the default settings and no
// devices.
func DefaultConfig() *Config {
	return &Config{
		ThreadSize: DefaultThreadSize,
		BufferSize: DefaultBufferSize,
		Devices:    device.NewHostList(0, 0),
		Chunks: chunkio.Naming{
			Dir:       os.TempDir(),
			Prefix:    "chunk",
			Extension: "abd",
		},
	}
}

func (c *Config) check() error {
	if c.ThreadSize < 1 {
		return ace.ConfigurationError("thread size must be positive, got %d", c.ThreadSize)
	}
	if c.BufferSize < 1 {
		return ace.ConfigurationError("buffer size must be positive, got %d", c.BufferSize)
	}
	return nil
}

// selected returns the device chosen by c.Device, or nil if none is.
func (c *Config) selected() (*device.Device, error) {
	if c.Device.IsNone() {
		return nil, nil
	}
	if c.Devices == nil {
		return nil, ace.ConfigurationError("device %s selected but no devices are configured", c.Device)
	}
	d, err := c.Devices.Get(c.Device.Kind, c.Device.Platform, c.Device.Device)
	if err != nil {
		return nil, ace.ConfigurationError("device %s: %v", c.Device, err)
	}
	return d, nil
}

// ordinal returns the device at position n of the flattened list of
// devices of the selected kind. It returns nil if no device is
// selected or n exceeds the number of devices.
func (c *Config) ordinal(n int) *device.Device {
	if c.Device.IsNone() {
		return nil
	}
	return c.Devices.Ordinal(c.Device.Kind, n)
}
