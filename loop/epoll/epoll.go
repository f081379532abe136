// Copyright (c) 2025, Grigory Buteyko aka Hrissan
// Licensed under the MIT License. See LICENSE for details.

// Package epoll is the true non-blocking Linux backend: one reactor
// goroutine per Loop, driving epoll(7) readiness over raw, non-blocking
// file descriptors. Grounded on the socket-opening idiom of
// dtlsudp/sockets.go and on the blocking-read-loop shape of
// dtlsudp/receiver.go, adapted from one goroutine per connection to one
// goroutine for the whole Loop, dispatching by fd.
package epoll

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/hrissan/tlssocket/socketcore"
)

// errClosedByPeer wraps io.EOF so socketcore's mapIOError (handshake.go)
// and read.go's errors.Is(err, io.EOF) check recognize a connection
// reset the same way they recognize a plain EOF.
var errClosedByPeer = fmt.Errorf("epoll: connection reset by peer: %w", io.EOF)

// entry is the epoll-side bookkeeping for one Socket: everything the
// reactor goroutine needs that socketcore.Socket does not itself expose.
type entry struct {
	fd int

	mu        sync.Mutex
	sock      *socketcore.Socket
	wantRead  bool
	wantWrite bool
	pending   [][]byte // queued write payload, written chunk by chunk on flush
	writeCB   func(err error)
	closed    bool
}

// Loop owns one epoll instance plus the fd->entry registry the reactor
// goroutine dispatches readiness events against.
type Loop struct {
	epfd int

	mu    sync.Mutex
	conns map[int]*entry

	wakeR, wakeW int // self-pipe: lets Write/ReadStart/ReadStop wake a blocked EpollWait
}

// NewLoop creates an epoll instance and its wake-up pipe. Callers run the
// reactor by calling Run in its own goroutine.
func NewLoop() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll: create: %w", err)
	}
	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("epoll: wake pipe: %w", err)
	}
	l := &Loop{
		epfd:  epfd,
		conns: make(map[int]*entry),
		wakeR: fds[0],
		wakeW: fds[1],
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, l.wakeR, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(l.wakeR),
	}); err != nil {
		_ = unix.Close(epfd)
		_ = unix.Close(l.wakeR)
		_ = unix.Close(l.wakeW)
		return nil, fmt.Errorf("epoll: arm wake pipe: %w", err)
	}
	return l, nil
}

// Accept wraps an already-accepted, caller-owned raw file descriptor as a
// socketcore.Socket bound to this Loop. The descriptor is switched to
// non-blocking mode (idempotent if already so) before being registered.
func (l *Loop) Accept(fd int) (*socketcore.Socket, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("epoll: set non-blocking: %w", err)
	}
	e := &entry{fd: fd}
	sock := socketcore.NewSocket(l, uintptr(fd))
	e.sock = sock

	l.mu.Lock()
	l.conns[fd] = e
	l.mu.Unlock()

	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLRDHUP,
		Fd:     int32(fd),
	}); err != nil {
		l.mu.Lock()
		delete(l.conns, fd)
		l.mu.Unlock()
		return nil, fmt.Errorf("epoll: register: %w", err)
	}
	return sock, nil
}

// Run is the reactor loop, the one goroutine this Loop instance ever
// runs on: blocks in EpollWait, dispatching readiness to whichever
// entry owns the ready fd, until Close is called.
func (l *Loop) Run() error {
	events := make([]unix.EpollEvent, 128)
	for {
		n, err := unix.EpollWait(l.epfd, events, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("epoll: wait: %w", err)
		}
		for i := 0; i < n; i++ {
			ev := events[i]
			fd := int(ev.Fd)
			if fd == l.wakeR {
				l.drainWake()
				continue
			}
			l.dispatch(fd, ev.Events)
		}
	}
}

func (l *Loop) drainWake() {
	buf := make([]byte, 64)
	for {
		_, err := unix.Read(l.wakeR, buf)
		if err != nil {
			return
		}
	}
}

func (l *Loop) wake() {
	_, _ = unix.Write(l.wakeW, []byte{0})
}

func (l *Loop) entryFor(fd int) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conns[fd]
}

func (l *Loop) dispatch(fd int, events uint32) {
	e := l.entryFor(fd)
	if e == nil {
		return
	}
	if events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		l.handleReadable(e) // surfaces the error/EOF through a zero-length read
		return
	}
	if events&unix.EPOLLIN != 0 {
		l.handleReadable(e)
	}
	if events&unix.EPOLLOUT != 0 {
		l.handleWritable(e)
	}
}

func (l *Loop) handleReadable(e *entry) {
	buf := make([]byte, 32*1024)
	for {
		n, err := unix.Read(e.fd, buf)
		if n > 0 {
			e.sock.DeliverRead(append([]byte(nil), buf[:n]...), nil)
		}
		if err == nil && n > 0 {
			continue
		}
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return
			}
			e.sock.DeliverRead(nil, mapErrno(err))
			return
		}
		if n == 0 {
			e.sock.DeliverRead(nil, io.EOF) // orderly close
			return
		}
	}
}

func (l *Loop) handleWritable(e *entry) {
	e.mu.Lock()
	for len(e.pending) > 0 {
		chunk := e.pending[0]
		n, err := unix.Write(e.fd, chunk)
		if n > 0 {
			chunk = chunk[n:]
		}
		if len(chunk) > 0 {
			e.pending[0] = chunk
			if err != nil && !errors.Is(err, unix.EAGAIN) {
				cb := e.writeCB
				e.writeCB = nil
				e.pending = nil
				l.disarmWrite(e)
				e.mu.Unlock()
				if cb != nil {
					cb(mapErrno(err))
				}
				return
			}
			e.mu.Unlock()
			return // EAGAIN: wait for the next EPOLLOUT
		}
		e.pending = e.pending[1:]
	}
	cb := e.writeCB
	e.writeCB = nil
	l.disarmWrite(e)
	e.mu.Unlock()
	if cb != nil {
		cb(nil)
	}
}

func (l *Loop) disarmWrite(e *entry) {
	e.wantWrite = false
	l.rearm(e)
}

// rearm recomputes and applies the fd's epoll interest mask. Callers must
// hold e.mu.
func (l *Loop) rearm(e *entry) {
	events := uint32(unix.EPOLLRDHUP)
	if e.wantRead {
		events |= unix.EPOLLIN
	}
	if e.wantWrite {
		events |= unix.EPOLLOUT
	}
	_ = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, e.fd, &unix.EpollEvent{
		Events: events,
		Fd:     int32(e.fd),
	})
}

// Write implements socketcore.Backend: queues iovecs for the reactor
// goroutine to drain on EPOLLOUT, attempting an immediate inline send
// first so a write that fits the socket buffer completes without a round
// trip through the event loop. cb always runs on a goroutine of its own,
// never on the caller's, since socketcore calls Write with the socket's
// mutex held and its completion callbacks take that mutex.
func (l *Loop) Write(s *socketcore.Socket, iovecs [][]byte, cb func(err error)) {
	if cb != nil {
		userCB := cb
		cb = func(err error) { go userCB(err) }
	}
	e := l.entryFor(int(s.FD()))
	if e == nil {
		if cb != nil {
			cb(fmt.Errorf("epoll: write on unregistered socket"))
		}
		return
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		if cb != nil {
			cb(fmt.Errorf("epoll: write on closed socket"))
		}
		return
	}
	queued := make([][]byte, 0, len(iovecs))
	for _, b := range iovecs {
		if len(b) > 0 {
			queued = append(queued, b)
		}
	}
	if len(queued) == 0 {
		e.mu.Unlock()
		if cb != nil {
			cb(nil)
		}
		return
	}
	e.pending = queued
	e.writeCB = cb
	e.mu.Unlock()

	l.handleWritable(e) // try to drain inline before arming EPOLLOUT
	e.mu.Lock()
	if len(e.pending) > 0 {
		e.wantWrite = true
		l.rearm(e)
	}
	e.mu.Unlock()
	l.wake()
}

// ReadStart implements socketcore.Backend.
func (l *Loop) ReadStart(s *socketcore.Socket) {
	e := l.entryFor(int(s.FD()))
	if e == nil {
		return
	}
	e.mu.Lock()
	e.wantRead = true
	l.rearm(e)
	e.mu.Unlock()
	l.wake()
}

// ReadStop implements socketcore.Backend.
func (l *Loop) ReadStop(s *socketcore.Socket) {
	e := l.entryFor(int(s.FD()))
	if e == nil {
		return
	}
	e.mu.Lock()
	e.wantRead = false
	l.rearm(e)
	e.mu.Unlock()
}

// DisposeSocket implements socketcore.Backend.
func (l *Loop) DisposeSocket(s *socketcore.Socket) {
	fd := int(s.FD())
	e := l.entryFor(fd)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	_ = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	_ = unix.Close(fd)
	l.mu.Lock()
	delete(l.conns, fd)
	l.mu.Unlock()
}

// Export implements socketcore.Backend: the descriptor is a process-wide
// integer, so exporting it is just removing it from this Loop's epoll
// interest set without closing it — the returned FD remains valid for
// Accept/Import on any Loop, in this process or a forked one that
// inherited it.
func (l *Loop) Export(s *socketcore.Socket) (socketcore.ExportedSocket, error) {
	fd := int(s.FD())
	e := l.entryFor(fd)
	if e == nil {
		return socketcore.ExportedSocket{}, fmt.Errorf("epoll: export of unregistered socket")
	}
	e.mu.Lock()
	if len(e.pending) > 0 || e.writeCB != nil {
		e.mu.Unlock()
		return socketcore.ExportedSocket{}, fmt.Errorf("epoll: export with write in flight")
	}
	e.mu.Unlock()

	_ = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	l.mu.Lock()
	delete(l.conns, fd)
	l.mu.Unlock()
	return socketcore.ExportedSocket{FD: uintptr(fd)}, nil
}

// Import implements socketcore.Backend: re-registers a previously
// exported descriptor with this Loop and hands back a live Socket bound
// to it.
func (l *Loop) Import(ex socketcore.ExportedSocket) (*socketcore.Socket, error) {
	fd := int(ex.FD)
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("epoll: import set non-blocking: %w", err)
	}
	e := &entry{fd: fd}
	sock := socketcore.ImportSocket(l, uintptr(fd), ex)
	e.sock = sock

	l.mu.Lock()
	l.conns[fd] = e
	l.mu.Unlock()

	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLRDHUP,
		Fd:     int32(fd),
	}); err != nil {
		l.mu.Lock()
		delete(l.conns, fd)
		l.mu.Unlock()
		return nil, fmt.Errorf("epoll: import register: %w", err)
	}
	return sock, nil
}

// PeernameUncached implements socketcore.Backend via getpeername(2).
func (l *Loop) PeernameUncached(s *socketcore.Socket) (netip.AddrPort, error) {
	sa, err := unix.Getpeername(int(s.FD()))
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("epoll: getpeername: %w", err)
	}
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port)), nil
	case *unix.SockaddrInet6:
		addr := netip.AddrFrom16(sa.Addr)
		if sa.ZoneId != 0 {
			addr = addr.WithZone(fmt.Sprintf("%d", sa.ZoneId))
		}
		return netip.AddrPortFrom(addr, uint16(sa.Port)), nil
	default:
		return netip.AddrPort{}, fmt.Errorf("epoll: unsupported address family")
	}
}

// Close releases the Loop's own epoll instance and wake pipe. Sockets
// still registered are left exactly as they were (DisposeSocket owns
// per-socket teardown); callers are expected to have disposed every
// socket before calling Close.
func (l *Loop) Close() error {
	_ = unix.Close(l.wakeR)
	_ = unix.Close(l.wakeW)
	return unix.Close(l.epfd)
}

// mapErrno turns a raw unix errno from a read/write syscall into a plain
// error carrying io.EOF for the connection-reset and broken-pipe cases,
// which socketcore's
// handshake/read drivers already know how to map onto sockerr sentinels.
func mapErrno(err error) error {
	if errors.Is(err, unix.ECONNRESET) || errors.Is(err, unix.EPIPE) {
		return errClosedByPeer
	}
	return err
}
