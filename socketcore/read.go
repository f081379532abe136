// Copyright (c) 2025, Grigory Buteyko aka Hrissan
// Licensed under the MIT License. See LICENSE for details.

package socketcore

import (
	"errors"
	"io"

	"github.com/hrissan/tlssocket/constants"
	"github.com/hrissan/tlssocket/sockerr"
)

// DeliverRead is the single entry point backends call with newly-arrived
// bytes: raw ciphertext for a TLS socket, application bytes otherwise.
// Plaintext sockets go straight to the input buffer; TLS sockets are
// routed through readDispatch into the session's read pipeline.
func (s *Socket) DeliverRead(data []byte, readErr error) {
	s.mu.Lock()
	sess := s.sess
	s.mu.Unlock()
	if sess == nil {
		s.deliverPlaintextRead(data, readErr)
		return
	}
	readDispatch(s, data, readErr)
}

// readDispatch feeds newly-arrived ciphertext into the session and
// re-enters whichever driver currently owns the session: the handshake
// driver, if ciphertext arrived mid-handshake, or the decode loop
// otherwise.
func readDispatch(s *Socket, data []byte, readErr error) {
	s.mu.Lock()
	sess := s.sess
	if sess == nil {
		s.mu.Unlock()
		return
	}
	if len(data) > 0 {
		pushBytesLocked(sess, data)
	}
	if readErr != nil {
		if errors.Is(readErr, io.EOF) {
			sess.engine.FeedEOF()
		}
		if sess.hs.cb != nil {
			driveHandshakeLocked(sess, readErr)
		} else {
			continueDecodeLocked(sess)
		}
		s.mu.Unlock()
		return
	}
	if sess.hs.cb != nil {
		driveHandshakeLocked(sess, nil)
	} else {
		continueDecodeLocked(sess)
	}
	s.mu.Unlock()
}

// continueDecodeLocked drives the decrypt loop, adapted to Engine's
// asynchronous Read: each call either starts a new engine Read (if none
// is outstanding and there is something to decode) or consumes a
// previously-posted result and decides whether to loop again. Re-entered
// via onEngineNotifyLocked when the outstanding Read completes.
func continueDecodeLocked(sess *session) {
	if sess.decodePending {
		n, err, ready := sess.engine.PollRead()
		if !ready {
			return
		}
		sess.decodePending = false

		if sess.renegotiationDetected {
			sess.renegotiationDetected = false
			deliverDecodedLocked(sess, nil, sockerr.ErrSSLRenegotiationNotSupported)
			return
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Clean end of the cleartext stream, not itself an error.
				return
			}
			deliverDecodedLocked(sess, nil, sockerr.ErrSSLDecode)
			return
		}
		if n > 0 {
			deliverDecodedLocked(sess, sess.scratch[:n], nil)
		}
		// loop: fall through to consider starting another Read.
	}

	if sess.encrypted.Len() == 0 && sess.engine.PendingBytes() == 0 {
		return
	}
	if len(sess.scratch) < constants.MinApplicationReadReserve {
		sess.scratch = make([]byte, constants.MinApplicationReadReserve)
	}
	sess.decodePending = true
	sess.engine.Read(sess.scratch)
}

// deliverDecodedLocked appends newly-decrypted plaintext to the
// application input buffer and invokes the user's read callback. The
// lock is dropped for the duration of the callback so it may safely call
// back into Socket methods, then reacquired to restore the caller's
// locked-on-entry contract.
func deliverDecodedLocked(sess *session, data []byte, err error) {
	sock := sess.sock
	if len(data) > 0 {
		sock.input.Reserve(sock.input.Len() + len(data))
		for _, b := range data {
			sock.input.PushBack(b)
		}
	}
	cb := sock.readCB
	if cb == nil {
		return
	}
	sock.mu.Unlock()
	cb(err)
	sock.mu.Lock()
}
