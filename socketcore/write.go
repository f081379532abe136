// Copyright (c) 2025, Grigory Buteyko aka Hrissan
// Licensed under the MIT License. See LICENSE for details.

package socketcore

import (
	"github.com/hrissan/tlssocket/sockerr"
)

// tlsWrite drives the write pipeline for a TLS socket: chunk plaintext
// into records sized by the governor, feed each chunk through the
// engine, then flush the accumulated ciphertext as one backend write.
// Socket.Write routes here once it has determined sess != nil.
//
// sock.mu is released for the encrypt loop itself. sess.engine.Write
// runs synchronously on this goroutine and, through crypto/tls.Conn's
// write path, calls back into sessionBridge.WriteCiphertext, which
// takes sock.mu to append the produced ciphertext — holding sock.mu
// across that call would deadlock this goroutine against itself, since
// sync.Mutex is not reentrant. writeInFlight substitutes for the
// output-buffer check while the lock is released, preserving the
// at-most-one-outstanding-write invariant.
func (s *Socket) tlsWrite(sess *session, iovecs [][]byte, cb func(err error)) {
	s.mu.Lock()
	if sess.writeErrorLatched {
		sess.writeErrorLatched = false
		s.mu.Unlock()
		if cb != nil {
			cb(sockerr.ErrIO)
		}
		return
	}
	if len(sess.output.bufs) > 0 || sess.pendingWriteCB != nil || sess.writeInFlight {
		// Only one write may be outstanding per socket; the caller issued
		// an overlapping write while the output buffer was still non-empty.
		s.mu.Unlock()
		if cb != nil {
			cb(sockerr.ErrIO)
		}
		return
	}

	// recordPayloadSize reads whatever mode the governor is currently in;
	// PrepareForLatencyOptimizedWrite is what moves it out of
	// TBD/NEEDS_UPDATE in the first place.
	recordSize := s.gov.recordPayloadSize()
	sess.writeInFlight = true
	s.mu.Unlock()

	writeFailed := false
loop:
	for _, iov := range iovecs {
		for len(iov) > 0 {
			chunk := iov
			if len(chunk) > recordSize {
				chunk = chunk[:recordSize]
			}
			iov = iov[len(chunk):]

			n, err := sess.engine.Write(chunk)
			if err != nil || n != len(chunk) {
				// A prior fatal read raced this write.
				writeFailed = true
				break loop
			}
		}
	}

	s.mu.Lock()
	sess.writeInFlight = false
	bufs := sess.output.bufs
	sess.clearOutput()
	if writeFailed {
		// Flush whatever ciphertext the engine already produced anyway, to
		// drive the callback, and latch the error for the next turn.
		sess.writeErrorLatched = true
	}
	s.flushLocked(sess, bufs, cb)
	s.mu.Unlock()
}

// flushLocked dispatches a single event-loop write for the accumulated
// ciphertext and wires its completion to the user's write callback.
func (s *Socket) flushLocked(sess *session, bufs [][]byte, cb func(err error)) {
	if len(bufs) == 0 {
		if cb != nil {
			s.mu.Unlock()
			cb(nil)
			s.mu.Lock()
		}
		return
	}
	sess.pendingWriteCB = cb
	s.backend.Write(s, bufs, func(err error) {
		s.mu.Lock()
		userCB := sess.pendingWriteCB
		sess.pendingWriteCB = nil
		if s.closing {
			// A Close arrived while this write was in flight and
			// dropped the callback in favor of graceful shutdown; the
			// settled write itself is what unblocks the deferred dispose.
			s.disposeLocked()
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		if userCB != nil {
			userCB(err)
		}
	})
}
