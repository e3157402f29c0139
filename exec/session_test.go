// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aceproject/ace"
	"github.com/aceproject/ace/acetest"
	"github.com/aceproject/ace/device"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigmachine/testsystem"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
)

func init() {
	log.AddFlags()
}

var (
	registerOnce sync.Once
	testFactory  = acetest.NewFactory(nil)
)

// registerTestFactory registers testFactory so that machine ranks can
// find it.
func registerTestFactory() {
	registerOnce.Do(func() {
		ace.RegisterFactory("exec.test", testFactory)
	})
}

type mode func(ctx context.Context, sess *Session, name string, args Args) error

var modes = map[string]mode{
	"Single": func(ctx context.Context, sess *Session, name string, args Args) error {
		return sess.Run(ctx, name, args)
	},
	"Chunks": func(ctx context.Context, sess *Session, name string, args Args) error {
		return sess.RunChunks(ctx, name, args, 3)
	},
	"World": func(ctx context.Context, sess *Session, name string, args Args) error {
		return sess.RunWorld(ctx, name, args, 4)
	},
	"Machines": func(ctx context.Context, sess *Session, name string, args Args) error {
		return sess.RunMachines(ctx, name, args, 2)
	},
}

func testSession(t *testing.T, options []Option, run func(t *testing.T, sess *Session, mode mode)) {
	t.Helper()
	registerTestFactory()
	for name, mode := range modes {
		mode := mode
		t.Run(name, func(t *testing.T) {
			dir, cleanup := testutil.TempDir(t, "", "ace")
			defer cleanup()
			opts := append([]Option{ChunkDir(dir), Bigmachine(testsystem.New())}, options...)
			sess := Start(testFactory, opts...)
			defer sess.Shutdown()
			run(t, sess, mode)
		})
	}
}

func squaresText(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "%d %d\n", i, i*i)
	}
	return b.String()
}

func TestSessionModes(t *testing.T) {
	const N = 37
	for _, name := range []string{"squares", "squares-device"} {
		name := name
		t.Run(name, func(t *testing.T) {
			options := []Option{
				Devices(device.NewHostList(2, 1)),
				Device(device.Selection{Kind: device.OpenCL}),
				ThreadSize(3),
				BufferSize(2),
			}
			testSession(t, options, func(t *testing.T, sess *Session, mode mode) {
				out := filepath.Join(sess.Config().Chunks.Dir, "out.txt")
				ctx := context.Background()
				assert.NoError(t, mode(ctx, sess, name, Args{"n": fmt.Sprint(N), "out": out}))
				p, err := ioutil.ReadFile(out)
				assert.NoError(t, err)
				assert.EQ(t, string(p), squaresText(N))
			})
		})
	}
}

func TestSessionNoBackend(t *testing.T) {
	testSession(t, nil, func(t *testing.T, sess *Session, mode mode) {
		err := mode(context.Background(), sess, "squares-none", Args{"n": "10"})
		assert.EQ(t, ace.TitleOf(err), "Logic Error")
	})
}

func TestSessionUnknownAnalytic(t *testing.T) {
	sess := Start(testFactory)
	err := sess.Run(context.Background(), "cubes", nil)
	assert.EQ(t, ace.TitleOf(err), "Invalid Argument")
	assert.EQ(t, ace.DetailsOf(err), `unknown analytic "cubes"`)
}

func TestSessionWorldFailure(t *testing.T) {
	factory := acetest.NewFactory(func(s *acetest.Squares) {
		s.Fail = func(i int) error {
			if i == 13 {
				return ace.IOError("Read Error", "block %d is corrupt", i)
			}
			return nil
		}
	})
	sess := Start(factory, BufferSize(1))
	err := sess.RunWorld(context.Background(), "squares", Args{"n": "40"}, 3)
	assert.EQ(t, ace.TitleOf(err), "Read Error")
	if !strings.HasSuffix(ace.DetailsOf(err), "block 13 is corrupt") {
		t.Errorf("unexpected details %q", ace.DetailsOf(err))
	}
	for i, sq := range factory.Made() {
		if sq.Finished() != 0 {
			t.Errorf("rank %d finished a failed run", i)
		}
	}
}

func TestSessionChunksRemoved(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "ace")
	defer cleanup()
	sess := Start(testFactory, ChunkDir(dir), ChunkPrefix("part"), ChunkExtension("bin"), Parallelism(2))
	assert.NoError(t, sess.RunChunks(context.Background(), "squares", Args{"n": "20"}, 4))
	for i := 0; i < 4; i++ {
		path := filepath.Join(dir, fmt.Sprintf("part%d.bin", i))
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Errorf("chunk file %s not removed: %v", path, err)
		}
	}
}

func TestSessionChunksKeptOnFailure(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "ace")
	defer cleanup()
	sess := Start(testFactory, ChunkDir(dir), Parallelism(2))
	// Chunks do not open outputs, so only the merge fails to write to
	// a directory.
	out := filepath.Join(dir, "out")
	assert.NoError(t, os.Mkdir(out, 0777))
	err := sess.RunChunks(context.Background(), "squares", Args{"n": "20", "out": out}, 4)
	if err == nil {
		t.Fatal("expected merge to fail")
	}
	for i := 0; i < 4; i++ {
		if _, err := os.Stat(sess.Config().Chunks.Path(i)); err != nil {
			t.Errorf("chunk %d: %v", i, err)
		}
	}
}

func TestSessionParallelism(t *testing.T) {
	const P = 2
	var running, peak int64
	factory := acetest.NewFactory(func(s *acetest.Squares) {
		s.Delay = func(int) time.Duration {
			n := atomic.AddInt64(&running, 1)
			for {
				m := atomic.LoadInt64(&peak)
				if n <= m || atomic.CompareAndSwapInt64(&peak, m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&running, -1)
			return 0
		}
	})
	sess := Start(factory, Parallelism(P))
	assert.EQ(t, sess.Parallelism(), P)
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, sess.Run(context.Background(), "squares", Args{"n": "4"}))
		}()
	}
	wg.Wait()
	if peak > P {
		t.Errorf("ran %d analytics concurrently, parallelism is %d", peak, P)
	}
	assert.EQ(t, sess.Stats().Snapshot()[statCompleted], int64(24))
}

func TestSessionMachinesUnconfigured(t *testing.T) {
	sess := Start(testFactory)
	err := sess.RunMachines(context.Background(), "squares", nil, 2)
	assert.EQ(t, ace.TitleOf(err), "Invalid Argument")
}
