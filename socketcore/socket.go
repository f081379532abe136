// Copyright (c) 2025, Grigory Buteyko aka Hrissan
// Licensed under the MIT License. See LICENSE for details.

package socketcore

import (
	"net/netip"
	"sync"

	"github.com/hrissan/tlssocket/circular"
	"github.com/hrissan/tlssocket/sockerr"
)

// Socket is the core entity of this package: a non-blocking handle with
// a file-descriptor identity, an application-level input buffer, at most
// one pending read callback and one pending write callback, an optional
// cached peer address, an optional TLS session and latency-optimization
// state. Grounded on dtlscore.Connection's shape (mutex-guarded struct,
// handler invoked under the lock) adapted from a UDP demux entry to a
// 1:1 TCP socket handle.
type Socket struct {
	// mu guards every field below. Grounded on dtlscore.Connection.mu.
	// User callbacks (read, write, handshake, close hook) are invoked with
	// mu released, so they may call back into Socket methods.
	mu sync.Mutex

	fd      uintptr
	backend Backend

	input circular.Buffer[byte] // application-visible bytes: cleartext for TLS sockets, raw otherwise

	readCB  func(err error)
	writeCB func(err error)

	peername    netip.AddrPort
	peernameSet bool

	sess *session // nil for a plaintext socket

	closeHook func()
	closed    bool
	closing   bool // true once Close has been called but a flush it must wait on is still in flight

	gov governorState
}

// NewSocket wraps a backend-assigned descriptor identity. Sockets are
// created by the event loop and destroyed by Close.
func NewSocket(backend Backend, fd uintptr) *Socket {
	return &Socket{backend: backend, fd: fd}
}

func (s *Socket) Lock()   { s.mu.Lock() }
func (s *Socket) Unlock() { s.mu.Unlock() }

func (s *Socket) FD() uintptr { return s.fd }

// SetCloseHook registers a callback invoked exactly once, from Dispose,
// after all socket resources are released.
func (s *Socket) SetCloseHook(hook func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeHook = hook
}

// SetPeername seeds the peer-address cache explicitly; this is the only
// way to invalidate/replace it short of Socket destruction.
func (s *Socket) SetPeername(addr netip.AddrPort) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peername = addr
	s.peernameSet = true
}

// Peername returns the cached peer address, querying the backend once
// and caching the result if it is not already known.
func (s *Socket) Peername() (netip.AddrPort, error) {
	s.mu.Lock()
	if s.peernameSet {
		addr := s.peername
		s.mu.Unlock()
		return addr, nil
	}
	s.mu.Unlock()

	addr, err := s.backend.PeernameUncached(s)
	if err != nil {
		return netip.AddrPort{}, err
	}
	s.mu.Lock()
	s.peername = addr
	s.peernameSet = true
	s.mu.Unlock()
	return addr, nil
}

// HasTLSSession reports whether this socket carries a live TLS session.
func (s *Socket) HasTLSSession() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess != nil
}

// ReadStart arms the read callback. At most one is outstanding at a
// time; a second call simply replaces the first's callback, matching
// the backend's idempotent read_start contract.
func (s *Socket) ReadStart(cb func(err error)) {
	s.mu.Lock()
	s.readCB = cb
	s.mu.Unlock()
	s.backend.ReadStart(s)
}

// ReadStop disarms the read callback. Idempotent and immediate.
func (s *Socket) ReadStop() {
	s.backend.ReadStop(s)
	s.mu.Lock()
	s.readCB = nil
	s.mu.Unlock()
}

// unlockedReadStart/unlockedReadStop are ReadStart/ReadStop for callers
// (the handshake and read drivers) that already hold s.mu. The backend
// calls themselves never touch s.mu, so they are safe to make while
// still holding it.
func (s *Socket) unlockedReadStart(cb func(err error)) {
	s.readCB = cb
	s.backend.ReadStart(s)
}

func (s *Socket) unlockedReadStop() {
	s.backend.ReadStop(s)
	s.readCB = nil
}

// deliverPlaintextRead appends newly-arrived application bytes to the
// input buffer and invokes whatever is currently armed as the read
// callback. DeliverRead (read.go), the entry point backends call, uses it
// only for plaintext sockets; for TLS sockets it routes the ciphertext
// through readDispatch into the session's read pipeline instead.
func (s *Socket) deliverPlaintextRead(data []byte, readErr error) {
	s.mu.Lock()
	cb := s.readCB
	if len(data) > 0 {
		s.input.Reserve(s.input.Len() + len(data))
		for _, b := range data {
			s.input.PushBack(b)
		}
	}
	s.mu.Unlock()
	if cb != nil {
		cb(readErr)
	}
}

// Write is the public write entry point. Plaintext sockets pass iovecs
// straight to the backend; TLS sockets are routed through the write
// pipeline (write.go).
func (s *Socket) Write(iovecs [][]byte, cb func(err error)) {
	s.mu.Lock()
	sess := s.sess
	closed := s.closed
	s.mu.Unlock()
	if closed {
		if cb != nil {
			cb(sockerr.ErrIO)
		}
		return
	}
	if sess == nil {
		s.mu.Lock()
		if s.writeCB != nil {
			// Only one write may be outstanding per socket.
			s.mu.Unlock()
			if cb != nil {
				cb(sockerr.ErrIO)
			}
			return
		}
		s.writeCB = cb
		s.mu.Unlock()
		s.backend.Write(s, iovecs, func(err error) {
			s.mu.Lock()
			s.writeCB = nil
			s.mu.Unlock()
			if cb != nil {
				cb(err)
			}
		})
		return
	}
	s.tlsWrite(sess, iovecs, cb)
}

// ReadInto drains up to len(p) already-decoded application bytes (used by
// tests and by higher layers that prefer pull-based reads over the push
// callback). Returns 0 if nothing is buffered.
func (s *Socket) ReadInto(p []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for n < len(p) && s.input.Len() > 0 {
		p[n] = s.input.PopFront()
		n++
	}
	return n
}

// InputLen reports how many decoded application bytes are buffered.
func (s *Socket) InputLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.input.Len()
}
