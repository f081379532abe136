// Copyright (c) 2025, Grigory Buteyko aka Hrissan
// Licensed under the MIT License. See LICENSE for details.

// Package gopoll is the portable goroutine-per-socket backend, for
// platforms without epoll(7). It wraps a plain net.Conn instead of a raw
// descriptor, so Socket.FD() is only a loop-local identity here, not a
// kernel fd — record-size governor TCP_INFO probing (socketcore's
// governor_linux.go) is unavailable over this backend and degrades to
// disabled, which the governor already treats as a normal outcome.
// Grounded on the blocking-read-loop idiom of dtlsudp/receiver.go (one
// goroutine blocked in a socket Read call, feeding a processing
// function), adapted
// from one goroutine per UDP listener to one read goroutine per TCP
// connection, plus a write goroutine per in-flight write.
package gopoll

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/hrissan/tlssocket/socketcore"
)

// entry is the gopoll-side bookkeeping for one Socket.
type entry struct {
	conn net.Conn

	mu      sync.Mutex
	sock    *socketcore.Socket
	reading bool
	closed  bool
}

// Loop is a registry of live connections; unlike epoll.Loop it owns no
// reactor goroutine — each connection drives its own read goroutine, and
// each write runs on a goroutine of its own so callers never block.
type Loop struct {
	mu     sync.Mutex
	conns  map[uintptr]*entry
	nextID uintptr
}

// NewLoop creates an empty registry.
func NewLoop() *Loop {
	return &Loop{conns: make(map[uintptr]*entry)}
}

// Accept wraps an already-accepted net.Conn as a socketcore.Socket bound
// to this Loop, and starts nothing until ReadStart is called: a freshly
// created socket starts with no operation pending.
func (l *Loop) Accept(conn net.Conn) *socketcore.Socket {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.mu.Unlock()

	e := &entry{conn: conn}
	sock := socketcore.NewSocket(l, id)
	e.sock = sock

	l.mu.Lock()
	l.conns[id] = e
	l.mu.Unlock()
	return sock
}

func (l *Loop) entryFor(s *socketcore.Socket) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conns[s.FD()]
}

// ReadStart implements socketcore.Backend by starting a dedicated read
// goroutine if one is not already running; idempotent.
func (l *Loop) ReadStart(s *socketcore.Socket) {
	e := l.entryFor(s)
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.reading || e.closed {
		e.mu.Unlock()
		return
	}
	e.reading = true
	e.mu.Unlock()
	go l.readLoop(s, e)
}

func (l *Loop) readLoop(s *socketcore.Socket, e *entry) {
	buf := make([]byte, 32*1024)
	for {
		e.mu.Lock()
		stop := !e.reading || e.closed
		e.mu.Unlock()
		if stop {
			return
		}

		n, err := e.conn.Read(buf)
		if n > 0 {
			s.DeliverRead(append([]byte(nil), buf[:n]...), nil)
		}
		if err != nil {
			e.mu.Lock()
			e.reading = false
			e.mu.Unlock()
			s.DeliverRead(nil, err)
			return
		}
	}
}

// ReadStop implements socketcore.Backend: the read goroutine notices on
// its next loop iteration and exits; in-flight Read calls are not
// interrupted (net.Conn has no portable "stop reading now").
func (l *Loop) ReadStop(s *socketcore.Socket) {
	e := l.entryFor(s)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.reading = false
	e.mu.Unlock()
}

// Write implements socketcore.Backend: socketcore itself enforces that
// at most one write is outstanding per socket, so this just fires a
// goroutine per call.
func (l *Loop) Write(s *socketcore.Socket, iovecs [][]byte, cb func(err error)) {
	e := l.entryFor(s)
	if e == nil {
		if cb != nil {
			go cb(fmt.Errorf("gopoll: write on unregistered socket"))
		}
		return
	}
	go func() {
		var err error
		for _, b := range iovecs {
			if len(b) == 0 {
				continue
			}
			if _, werr := e.conn.Write(b); werr != nil {
				err = werr
				break
			}
		}
		if cb != nil {
			cb(err)
		}
	}()
}

// DisposeSocket implements socketcore.Backend.
func (l *Loop) DisposeSocket(s *socketcore.Socket) {
	e := l.entryFor(s)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.closed = true
	e.reading = false
	e.mu.Unlock()
	_ = e.conn.Close()

	l.mu.Lock()
	delete(l.conns, s.FD())
	l.mu.Unlock()
}

// errExportUnsupported is returned by Export/Import: unlike a raw kernel
// descriptor, a net.Conn has no process-wide numeric identity that a
// second Loop could re-attach to independently, so cross-loop migration
// is not implemented over this backend. Sockets that need to migrate
// belong on loop/epoll.
var errExportUnsupported = errors.New("gopoll: export/import not supported; use loop/epoll for socket migration")

// Export implements socketcore.Backend.
func (l *Loop) Export(s *socketcore.Socket) (socketcore.ExportedSocket, error) {
	return socketcore.ExportedSocket{}, errExportUnsupported
}

// Import implements socketcore.Backend.
func (l *Loop) Import(ex socketcore.ExportedSocket) (*socketcore.Socket, error) {
	return nil, errExportUnsupported
}

// PeernameUncached implements socketcore.Backend via net.Conn.RemoteAddr.
func (l *Loop) PeernameUncached(s *socketcore.Socket) (netip.AddrPort, error) {
	e := l.entryFor(s)
	if e == nil {
		return netip.AddrPort{}, fmt.Errorf("gopoll: peername of unregistered socket")
	}
	addr := e.conn.RemoteAddr()
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("gopoll: unsupported remote address type %T", addr)
	}
	ipAddr, ok := netip.AddrFromSlice(tcpAddr.IP)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("gopoll: unparseable remote address %v", tcpAddr.IP)
	}
	if ipAddr.Is4In6() {
		ipAddr = ipAddr.Unmap()
	}
	return netip.AddrPortFrom(ipAddr, uint16(tcpAddr.Port)), nil
}
