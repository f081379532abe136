// Copyright (c) 2025, Grigory Buteyko aka Hrissan
// Licensed under the MIT License. See LICENSE for details.

package socketcore

import (
	"crypto/x509"
	"errors"
	"io"

	"github.com/hrissan/tlssocket/constants"
	"github.com/hrissan/tlssocket/sockerr"
)

// Handshake attaches a new TLS session to the socket and starts the
// handshake driver. serverName is the SNI/hostname a client verifies
// against; it is ignored for the server role.
func (s *Socket) Handshake(opts *Options, serverName string, cb func(err error)) {
	s.mu.Lock()
	if s.sess != nil || s.closed {
		s.mu.Unlock()
		if cb != nil {
			cb(sockerr.ErrIO)
		}
		return
	}
	sess := newSession(s, opts, serverName)
	s.sess = sess
	sess.hs.cb = cb
	hadCiphertext := sess.encrypted.Len() > 0

	if opts.RoleServer && !hadCiphertext {
		// Nothing buffered yet for a server handshake: arm a read and
		// wait for the ClientHello bytes to arrive before driving.
		sess.readArmed = true
		s.unlockedReadStart(func(err error) { readDispatch(s, nil, err) })
		s.mu.Unlock()
		return
	}
	driveHandshakeLocked(sess, nil)
	s.mu.Unlock()
}

// driveHandshakeLocked runs under sock.mu. crypto/tls's accept/connect
// call is asynchronous here (it runs on the engine goroutine), so this
// function is re-entered — via the engine's notify hook or a read/write
// completion — every time there is new information to act on, rather
// than looping to completion in one pass.
func driveHandshakeLocked(sess *session, writeErr error) {
	if writeErr != nil {
		completeHandshakeLocked(sess, mapIOError(writeErr))
		return
	}

	if !sess.hsDone {
		// Server, resumption still being recorded: snapshot now, before
		// the next accept() attempt touches the encrypted buffer, so a
		// later REQUEST_SENT rebuild can replay it.
		if sess.opts.RoleServer && sess.hs.resumption == resumptionRecord {
			n := sess.encrypted.Len()
			if n > constants.MaxResumptionSnapshot {
				sess.hs.resumption = resumptionComplete
			} else {
				sess.hs.resumptionSnap = snapshotEncryptedLocked(sess, n)
			}
		}

		// Start the accept/connect attempt if not already running, or
		// consume its posted result.
		err, ready := sess.engine.PollHandshake()
		if !ready {
			if sess.opts.RoleServer {
				sess.engine.Accept()
			} else {
				sess.engine.Connect()
			}
			if !sess.readArmed {
				sess.readArmed = true
				sess.sock.unlockedReadStart(func(e error) { readDispatch(sess.sock, nil, e) })
			}
			return
		}

		switch sess.hs.resumption {
		case resumptionRecord:
			sess.hs.resumption = resumptionComplete
		case resumptionRequestSent:
			// The async session-cache lookup callback fired but did not
			// resolve synchronously. Destroy/rebuild the engine and
			// replay the snapshotted ciphertext, then suspend until
			// ResumeServerHandshake settles it.
			sess.rebuildEngine()
			sess.encrypted.Clear()
			pushBytesLocked(sess, sess.hs.resumptionSnap)
			sess.readArmed = false
			sess.sock.unlockedReadStop()
			sess.resumeTimer = sess.opts.Clock.After(sess.opts.ResumptionTimeout, func() {
				sess.sock.mu.Lock()
				if sess.hs.resumption == resumptionRequestSent {
					sess.hs.resumption = resumptionComplete
					completeHandshakeLocked(sess, sockerr.ErrConnectionFailure)
				}
				sess.sock.mu.Unlock()
			})
			return
		}

		sess.hsDone = true
		sess.hsErr = err
	}

	// Terminal, non-WANT_READ outcome.
	if sess.hsErr != nil {
		completeHandshakeLocked(sess, sockerr.HandshakeFailure(sess.hsErr.Error()))
		return
	}

	// Flush handshake output before declaring success. Any output
	// already in flight is drained by maybeFlushHandshakeOutputLocked's
	// own continuation, which re-enters here.
	if len(sess.output.bufs) > 0 {
		sess.maybeFlushHandshakeOutputLocked()
		return
	}

	// Success.
	if !sess.opts.RoleServer {
		if verr := clientVerifyHostnameLocked(sess); verr != nil {
			completeHandshakeLocked(sess, verr)
			return
		}
	}
	completeHandshakeLocked(sess, nil)
}

// maybeFlushHandshakeOutputLocked hands whatever handshake-flight bytes
// have accumulated to the backend as a single write, taking exclusive
// ownership of the current output snapshot so further WriteCiphertext
// calls accumulate into a fresh one rather than racing the in-flight
// write — the same single-write-at-a-time discipline write.go uses for
// application data, reused here for handshake flights.
func (sess *session) maybeFlushHandshakeOutputLocked() {
	if sess.hs.cb == nil || sess.flushingHandshake || len(sess.output.bufs) == 0 {
		return
	}
	sess.flushingHandshake = true
	bufs := sess.output.bufs
	sess.output.bufs = nil
	sess.output.pool = nil

	sess.sock.backend.Write(sess.sock, bufs, func(err error) {
		sess.sock.mu.Lock()
		sess.flushingHandshake = false
		hsActive := sess.hs.cb != nil
		if err != nil {
			if hsActive {
				completeHandshakeLocked(sess, sockerr.ErrIO)
			}
			sess.sock.mu.Unlock()
			return
		}
		if len(sess.output.bufs) > 0 {
			sess.maybeFlushHandshakeOutputLocked()
		} else if hsActive {
			driveHandshakeLocked(sess, nil)
		}
		sess.sock.mu.Unlock()
	})
}

// completeHandshakeLocked stops reads, clears the handshake callback
// (which also turns the completion of any handshake-flight flush still
// in flight into a no-op), drains whatever ciphertext already arrived
// through the read pipeline so the first application read can see early
// bytes, then invokes the user's handshake callback.
func completeHandshakeLocked(sess *session, err error) {
	cb := sess.hs.cb
	sess.hs.cb = nil
	if sess.readArmed {
		sess.readArmed = false
		sess.sock.unlockedReadStop()
	}
	continueDecodeLocked(sess)
	if cb == nil {
		return
	}
	sess.sock.mu.Unlock()
	cb(err)
	sess.sock.mu.Lock()
}

// clientVerifyHostnameLocked runs the client-only post-handshake
// hostname check, mapping {Found -> ok, NotFound -> name mismatch,
// other -> invalid certificate}.
func clientVerifyHostnameLocked(sess *session) error {
	cert := sess.engine.PeerCertificate()
	if cert == nil {
		return sockerr.ErrSSLNoCertificate
	}
	err := cert.VerifyHostname(sess.hs.serverName)
	if err == nil {
		return nil
	}
	var hostErr x509.HostnameError
	if errors.As(err, &hostErr) {
		return sockerr.ErrSSLCertificateNameMismatch
	}
	return sockerr.ErrSSLCertificateInvalid
}

// mapIOError maps a backend-reported write/read error onto the core's
// stable sentinels.
func mapIOError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) {
		return sockerr.ErrClosedByPeer
	}
	return sockerr.ErrIO
}

// snapshotEncryptedLocked copies, without consuming, up to n bytes
// currently queued in the encrypted buffer.
func snapshotEncryptedLocked(sess *session, n int) []byte {
	if n == 0 {
		return nil
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = sess.encrypted.Index(i)
	}
	return out
}

// pushBytesLocked appends data to the encrypted buffer and wakes the
// engine, restoring ciphertext snapshotted before a resumption rebuild.
func pushBytesLocked(sess *session, data []byte) {
	if len(data) == 0 {
		return
	}
	sess.encrypted.Reserve(sess.encrypted.Len() + len(data))
	for _, b := range data {
		sess.encrypted.PushBack(b)
	}
	sess.engine.Feed()
}
