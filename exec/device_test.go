// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aceproject/ace"
	"github.com/aceproject/ace/acetest"
	"github.com/aceproject/ace/device"
	"github.com/aceproject/ace/mpi"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func deviceConfig(t *testing.T, threads int) (*Config, func()) {
	cfg, cleanup := testConfig(t)
	cfg.ThreadSize = threads
	cfg.Devices = device.NewHostList(2, 1)
	cfg.Device = device.Selection{Kind: device.OpenCL}
	return cfg, cleanup
}

func deviceSquares(sq *acetest.Squares) acetest.Device {
	return acetest.Device{Serial: acetest.Serial{Squares: sq}}
}

func TestDeviceSortsCompletions(t *testing.T) {
	cfg, cleanup := deviceConfig(t, 2)
	defer cleanup()
	sq := &acetest.Squares{
		N: 4,
		Delay: func(i int) time.Duration {
			if i == 0 {
				return 200 * time.Millisecond
			}
			return time.Millisecond
		},
	}
	assert.NoError(t, NewSingle(deviceSquares(sq), nil, cfg).Run(context.Background()))
	assert.EQ(t, sq.Executed(), []int{1, 2, 3, 0})
	assert.EQ(t, sq.Processed(), []int{0, 1, 2, 3})
	assert.EQ(t, sq.Values(), acetest.Want(4))
	assert.EQ(t, sq.Finished(), 1)
}

func TestDeviceInflightBound(t *testing.T) {
	for _, threads := range []int{1, 3, 8} {
		t.Run(fmt.Sprint(threads), func(t *testing.T) {
			cfg, cleanup := deviceConfig(t, threads)
			defer cleanup()
			sq := &acetest.Squares{
				N:     40,
				Delay: func(int) time.Duration { return 2 * time.Millisecond },
			}
			assert.NoError(t, NewSingle(deviceSquares(sq), nil, cfg).Run(context.Background()))
			assert.EQ(t, sq.Processed(), acetest.Indices(0, 40))
			vals := cfg.Stats.Snapshot()
			expect.EQ(t, vals[statDispatched], int64(40))
			expect.EQ(t, vals[statCompleted], int64(40))
			expect.EQ(t, vals[statInflight], int64(0))
			expect.EQ(t, vals[statInflightHW], int64(threads))
		})
	}
}

func TestDeviceCUDA(t *testing.T) {
	cfg, cleanup := deviceConfig(t, 4)
	defer cleanup()
	cfg.Device = device.Selection{Kind: device.CUDA, Platform: 1}
	sq := &acetest.Squares{N: 17}
	assert.NoError(t, NewSingle(deviceSquares(sq), nil, cfg).Run(context.Background()))
	assert.EQ(t, sq.Values(), acetest.Want(17))
}

func TestDeviceSelectionInvalid(t *testing.T) {
	cfg, cleanup := deviceConfig(t, 4)
	defer cleanup()
	cfg.Device = device.Selection{Kind: device.CUDA, Platform: 0}
	sq := &acetest.Squares{N: 1}
	err := NewSingle(deviceSquares(sq), nil, cfg).Run(context.Background())
	assert.EQ(t, ace.TitleOf(err), "Invalid Argument")
	assert.EQ(t, len(sq.Made()), 0)
}

func TestDeviceFallback(t *testing.T) {
	cfg, cleanup := deviceConfig(t, 4)
	defer cleanup()
	cfg.Devices.Platforms[0].Devices[0].Unavailable = true
	sq := &acetest.Squares{N: 6}
	assert.NoError(t, NewSingle(deviceSquares(sq), nil, cfg).Run(context.Background()))
	assert.EQ(t, sq.Values(), acetest.Want(6))
	// Serial execution keeps one block in flight.
	assert.EQ(t, cfg.Stats.Snapshot()[statInflightHW], int64(1))
}

// deviceOnly offers an OpenCL program but no serial executor.
type deviceOnly struct {
	*acetest.Squares
}

func (d deviceOnly) MakeOpenCL() (ace.DeviceProgram, error) {
	return deviceSquares(d.Squares).MakeOpenCL()
}

func TestDeviceUnavailable(t *testing.T) {
	cfg, cleanup := deviceConfig(t, 4)
	defer cleanup()
	cfg.Devices.Platforms[0].Devices[0].Unavailable = true
	sq := &acetest.Squares{N: 6}
	err := NewSingle(deviceOnly{sq}, nil, cfg).Run(context.Background())
	assert.EQ(t, ace.TitleOf(err), "Device Error")
	assert.EQ(t, len(sq.Made()), 0)
}

func TestDeviceKernelError(t *testing.T) {
	cfg, cleanup := deviceConfig(t, 3)
	defer cleanup()
	sq := &acetest.Squares{
		N: 20,
		Fail: func(i int) error {
			if i == 7 {
				return fmt.Errorf("out of registers")
			}
			return nil
		},
	}
	err := NewSingle(deviceSquares(sq), nil, cfg).Run(context.Background())
	assert.EQ(t, ace.TitleOf(err), "Device Error")
	assert.EQ(t, sq.Finished(), 0)
	for _, i := range sq.Processed() {
		if i >= 7 {
			t.Errorf("processed block %d after failed block 7", i)
		}
	}
}

func TestDeviceAssignBusy(t *testing.T) {
	cfg, cleanup := deviceConfig(t, 2)
	defer cleanup()
	sq := &acetest.Squares{N: 2}
	program, err := deviceSquares(sq).MakeOpenCL()
	assert.NoError(t, err)
	dev := cfg.Devices.Ordinal(device.OpenCL, 0)
	base := new(queueBase)
	l := newLoop()
	r, err := newDeviceRun(l, base, program, dev, 2, nil, func() error { return nil })
	assert.NoError(t, err)
	assert.EQ(t, r.ReadyCode(), mpi.ReadyAsOpenCL)
	w := r.workers[0]
	w.busy = true
	err = r.assign(w)
	assert.EQ(t, ace.TitleOf(err), "Logic Error")
	assert.EQ(t, ace.DetailsOf(err), "Cannot assign work to busy worker 0.")
	w.busy = false
	assert.NoError(t, r.Close())
}

func TestDeviceThreads(t *testing.T) {
	cfg, cleanup := deviceConfig(t, 2)
	defer cleanup()
	program, err := deviceSquares(new(acetest.Squares)).MakeOpenCL()
	assert.NoError(t, err)
	_, err = newDeviceRun(newLoop(), new(queueBase), program, cfg.Devices.Ordinal(device.OpenCL, 0), 0, nil, nil)
	assert.EQ(t, ace.TitleOf(err), "Invalid Argument")
}
