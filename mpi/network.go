// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package mpi

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/aceproject/ace"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
)

var dialPolicy = retry.Backoff(100*time.Millisecond, 2*time.Second, 1.5)

// A Network configures a TCP world. Every rank is started with the
// same list of addresses and its own address; ranks are assigned by the
// position of each address in the sorted list, so that all processes
// agree on them without further coordination.
type Network struct {
	// Addr is the address of this process. It must be among Addrs.
	Addr string
	// Addrs are the addresses of all processes in the world.
	Addrs []string
	// Timeout bounds the time taken to establish all connections. If
	// zero, Connect waits until its context is done.
	Timeout time.Duration
}

// Connect establishes an all-to-all set of connections among the
// network's processes and returns this process's communicator. Each
// rank dials every lower rank and accepts connections from every higher
// rank.
func (n Network) Connect(ctx context.Context) (Comm, error) {
	addrs := append([]string(nil), n.Addrs...)
	sort.Strings(addrs)
	for i := 1; i < len(addrs); i++ {
		if addrs[i] == addrs[i-1] {
			return nil, ace.ConfigurationError("duplicate address %s", addrs[i])
		}
	}
	rank := sort.SearchStrings(addrs, n.Addr)
	if rank == len(addrs) || addrs[rank] != n.Addr {
		return nil, ace.ConfigurationError("local address %s not among %v", n.Addr, addrs)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if n.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, n.Timeout)
		defer cancel()
	}
	listener, err := net.Listen("tcp", n.Addr)
	if err != nil {
		return nil, ace.TransportError("listen on %s: %v", n.Addr, err)
	}
	box := newMailbox()
	c := &netComm{
		rank:     rank,
		size:     len(addrs),
		listener: listener,
		box:      box,
		conns:    make([]*peer, len(addrs)),
		settled:  make([]bool, len(addrs)),
	}
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs errors.Once
	)
	add := func(r int, conn net.Conn) {
		mu.Lock()
		defer mu.Unlock()
		if r <= rank || r >= len(addrs) || c.conns[r] != nil {
			conn.Close()
			errs.Set(ace.TransportError("unexpected handshake from rank %d", r))
			return
		}
		c.conns[r] = &peer{conn: conn, w: bufio.NewWriter(conn)}
	}
	// Accept from higher ranks.
	wg.Add(1)
	go func() {
		defer wg.Done()
		go func() {
			<-ctx.Done()
			// Unblock Accept on timeout. The listener is not needed
			// once all connections are made.
			listener.Close()
		}()
		for i := rank + 1; i < len(addrs); i++ {
			conn, err := listener.Accept()
			if err != nil {
				errs.Set(ace.TransportError("accept on %s: %v", n.Addr, err))
				return
			}
			var hs [4]byte
			if _, err := io.ReadFull(conn, hs[:]); err != nil {
				conn.Close()
				errs.Set(ace.TransportError("handshake on %s: %v", n.Addr, err))
				return
			}
			add(int(binary.LittleEndian.Uint32(hs[:])), conn)
		}
	}()
	// Dial lower ranks.
	for i := 0; i < rank; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, err := dial(ctx, addrs[i])
			if err != nil {
				errs.Set(err)
				return
			}
			var hs [4]byte
			binary.LittleEndian.PutUint32(hs[:], uint32(rank))
			if _, err := conn.Write(hs[:]); err != nil {
				conn.Close()
				errs.Set(ace.TransportError("handshake with %s: %v", addrs[i], err))
				return
			}
			mu.Lock()
			c.conns[i] = &peer{conn: conn, w: bufio.NewWriter(conn)}
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	cancel()
	if err := errs.Err(); err != nil {
		c.closeConns()
		return nil, err
	}
	c.poller = startPoller(box)
	for r, p := range c.conns {
		if p != nil {
			c.readers.Add(1)
			go c.read(r, p.conn)
		}
	}
	log.Debug.Printf("mpi: rank %d of %d connected on %s", rank, len(addrs), n.Addr)
	return c, nil
}

func dial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	for retries := 0; ; retries++ {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		if err := retry.Wait(ctx, dialPolicy, retries); err != nil {
			return nil, ace.TransportError("dial %s: %v", addr, err)
		}
	}
}

type peer struct {
	mu   sync.Mutex
	conn net.Conn
	w    *bufio.Writer
}

type netComm struct {
	rank, size int
	listener   net.Listener
	conns      []*peer
	box        *mailbox
	poller     *poller
	readers    sync.WaitGroup

	mu     sync.Mutex
	closed bool
	// settled records the peers that have exchanged Terminate or Abort
	// with this rank. Their connections may close without failing the
	// run.
	settled []bool
}

func (c *netComm) Rank() int { return c.rank }

func (c *netComm) Size() int { return c.size }

func (c *netComm) Send(ctx context.Context, to int, data []byte) error {
	if to < 0 || to >= c.size {
		return ace.TransportError("send to rank %d: invalid rank (size %d)", to, c.size)
	}
	if to == c.rank {
		if !c.box.Put(Message{From: c.rank, Data: append([]byte(nil), data...)}) {
			return ace.TransportError("send to rank %d: communicator closed", to)
		}
		return nil
	}
	c.settle(to, data)
	p := c.conns[to]
	p.mu.Lock()
	defer p.mu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		p.conn.SetWriteDeadline(deadline)
	}
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(data)))
	if _, err := p.w.Write(n[:]); err != nil {
		return ace.TransportError("send to rank %d: %v", to, err)
	}
	if _, err := p.w.Write(data); err != nil {
		return ace.TransportError("send to rank %d: %v", to, err)
	}
	if err := p.w.Flush(); err != nil {
		return ace.TransportError("send to rank %d: %v", to, err)
	}
	return nil
}

func (c *netComm) read(from int, conn net.Conn) {
	defer c.readers.Done()
	r := bufio.NewReader(conn)
	for {
		var n [4]byte
		if _, err := io.ReadFull(r, n[:]); err != nil {
			c.readErr(from, err)
			return
		}
		data := make([]byte, binary.LittleEndian.Uint32(n[:]))
		if _, err := io.ReadFull(r, data); err != nil {
			c.readErr(from, err)
			return
		}
		c.settle(from, data)
		if !c.box.Put(Message{From: from, Data: data}) {
			return
		}
	}
}

// settle marks peer as settled if data is a Terminate or an Abort.
func (c *netComm) settle(peer int, data []byte) {
	index, err := ace.ExtractIndex(data)
	if err != nil || (index != Terminate && index != Abort) {
		return
	}
	c.mu.Lock()
	c.settled[peer] = true
	c.mu.Unlock()
}

// readErr handles the loss of the connection to rank from. A peer lost
// before it settled with this rank fails the run: an Abort carrying a
// transport error is queued as if sent by the peer. Slaves exchange no
// messages, so a connection between two slaves is not needed by either.
func (c *netComm) readErr(from int, err error) {
	c.mu.Lock()
	closed, settled := c.closed, c.settled[from]
	c.mu.Unlock()
	if closed || settled {
		return
	}
	if c.rank != 0 && from != 0 {
		log.Debug.Printf("mpi: rank %d: lost slave rank %d: %v", c.rank, from, err)
		return
	}
	log.Error.Printf("mpi: rank %d: receive from rank %d: %v", c.rank, from, err)
	c.box.Put(Message{From: from, Data: EncodeAbort(ace.TransportError("connection lost: %v", err))})
}

func (c *netComm) Messages() <-chan Message { return c.poller.c }

func (c *netComm) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.closeConns()
	c.readers.Wait()
	c.poller.Stop()
	return nil
}

func (c *netComm) closeConns() {
	c.listener.Close()
	for _, p := range c.conns {
		if p != nil {
			p.conn.Close()
		}
	}
}
