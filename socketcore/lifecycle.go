// Copyright (c) 2025, Grigory Buteyko aka Hrissan
// Licensed under the MIT License. See LICENSE for details.

package socketcore

import (
	"github.com/hrissan/tlssocket/circular"
	"github.com/hrissan/tlssocket/sockerr"
)

// Close disposes a plaintext socket immediately; a socket carrying a
// live TLS session runs a graceful shutdown first.
func (s *Socket) Close() {
	s.mu.Lock()
	if s.closed || s.closing {
		s.mu.Unlock()
		return
	}
	sess := s.sess
	if sess == nil {
		s.disposeLocked()
		s.mu.Unlock()
		return
	}
	if sess.writeErrorLatched {
		// An error was already observed on this session; there is nothing
		// left to shut down gracefully.
		s.disposeLocked()
		s.mu.Unlock()
		return
	}
	if sess.pendingWriteCB != nil {
		// Cancel the in-flight write's callback and dispose once it
		// settles (write.go's flush completion closure checks s.closing).
		sess.pendingWriteCB = nil
		s.closing = true
		s.mu.Unlock()
		return
	}
	// Marks the socket closing before releasing sock.mu, so a concurrent
	// Close() call arriving during the unlocked Shutdown() below sees
	// s.closing and bails instead of racing this goroutine into a second
	// shutdown/dispose of the same session.
	s.closing = true
	s.mu.Unlock()
	s.runShutdown(sess)
}

// runShutdown sends the close_notify alert and either disposes
// immediately or waits for it to flush. crypto/tls.Conn.Close is a
// single synchronous call over the non-blocking bridge — it never
// reports an intermediate WANT_READ the way a hand-rolled shutdown state
// machine might (see DESIGN.md) — so there is no "started a read,
// continue in shutdown driver" arm here: either the close_notify alert
// needs flushing, or disposal proceeds immediately.
//
// Called with sock.mu already released by Close: sess.engine.Shutdown
// runs tls.Conn.Close synchronously on this goroutine, which writes the
// close_notify alert through sessionBridge.WriteCiphertext, and that
// takes sock.mu itself to append the ciphertext. Holding sock.mu across
// Shutdown would deadlock this goroutine against itself.
func (s *Socket) runShutdown(sess *session) {
	_ = sess.engine.Shutdown() // any error here is swallowed; we're closing regardless

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(sess.output.bufs) == 0 {
		s.disposeLocked()
		return
	}
	if sess.readArmed {
		sess.readArmed = false
		s.unlockedReadStop()
	}
	bufs := sess.output.bufs
	sess.clearOutput()
	s.closing = true
	s.backend.Write(s, bufs, func(err error) {
		s.mu.Lock()
		s.disposeLocked()
		s.mu.Unlock()
	})
}

// disposeLocked releases the session, the input buffer, and the cached
// peer-name, then invokes the close hook.
func (s *Socket) disposeLocked() {
	if s.closed {
		return
	}
	if s.sess != nil {
		s.sess.destroy()
		s.sess = nil
	}
	s.input.Clear()
	s.peernameSet = false
	s.closed = true
	s.closing = false
	s.backend.DisposeSocket(s)

	hook := s.closeHook
	if hook == nil {
		return
	}
	s.mu.Unlock()
	hook()
	s.mu.Lock()
}

// Export detaches the socket's identity and re-parents its buffers into
// an ExportedSocket safe to hand to another event-loop instance or
// goroutine. Forbidden while a write is still in flight.
func (s *Socket) Export() (ExportedSocket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess != nil && s.sess.pendingWriteCB != nil {
		return ExportedSocket{}, sockerr.ErrIO
	}
	if s.sess == nil && s.writeCB != nil {
		return ExportedSocket{}, sockerr.ErrIO
	}

	ex, err := s.backend.Export(s)
	if err != nil {
		return ExportedSocket{}, err
	}
	ex.sess = s.sess
	ex.InputBuffer = drainBytes(&s.input)
	if s.sess != nil {
		ex.encryptedBuf = drainBytes(&s.sess.encrypted)
	}

	s.sess = nil
	s.input.Clear()
	s.closed = true
	return ex, nil
}

// ImportSocket is Export's inverse: it re-binds the byte-queue adapter
// to the restored session before returning a live Socket, backed by
// backend. Backend implementations call this from their own Import to
// finish re-parenting the session/buffers onto the new Socket shell.
func ImportSocket(backend Backend, fd uintptr, ex ExportedSocket) *Socket {
	s := NewSocket(backend, fd)
	for _, b := range ex.InputBuffer {
		s.input.PushBack(b)
	}
	if ex.sess == nil {
		return s
	}
	sess := ex.sess
	// The engine's notify/bridge closures (session.go's buildEngine)
	// dereference sess.sock at call time rather than capturing it, so
	// repointing it here re-binds the byte-queue adapter to the restored
	// engine without tearing down and losing the established
	// cryptographic state.
	sess.sock = s
	s.sess = sess
	for _, b := range ex.encryptedBuf {
		sess.encrypted.PushBack(b)
	}
	return s
}

// drainBytes copies a circular.Buffer[byte] out into a plain, non-pooled
// slice, so it is safe to move across threads/loops, and clears the
// source.
func drainBytes(buf *circular.Buffer[byte]) []byte {
	n := buf.Len()
	if n == 0 {
		return nil
	}
	out := make([]byte, n)
	for i := range out {
		out[i] = buf.PopFront()
	}
	return out
}
