// Copyright (c) 2025, Grigory Buteyko aka Hrissan
// Licensed under the MIT License. See LICENSE for details.

package socketcore

import (
	"crypto/tls"
	"errors"
)

// ErrResumptionPending is returned by an AsyncResumptionLookup to signal
// that the cached session is not available within this call; the
// handshake driver then suspends (RECORD -> REQUEST_SENT): the in-flight
// engine attempt is discarded and a fresh one built, parked until
// ResumeServerHandshake delivers the answer.
var ErrResumptionPending = errors.New("socketcore: resumption lookup pending")

// wireResumption wires the per-context session-cache hooks. For this
// TLS-engine binding, they are a single AsyncResumptionLookup wired into
// crypto/tls.Config.UnwrapSession — the closest stdlib analogue to an
// out-of-band session-cache callback. Idempotent per *tls.Config, so
// reinitializing an already-wired context on a later session is a no-op.
func wireResumption(opts *Options, sess *session) {
	if opts.AsyncResumption == nil {
		return
	}
	cfg := opts.TLSConfig
	if cfg.UnwrapSession == nil {
		cfg.UnwrapSession = sess.unwrapSession
		cfg.WrapSession = wrapSession
	}
}

// wrapSession is the counterpart hook: crypto/tls calls it to serialize
// a new ticket's state for caching. Callers that want it cached
// externally do so from within their own AsyncResumptionLookup
// population path, so this just returns the engine's canonical
// serialized form unchanged.
func wrapSession(cs tls.ConnectionState, state *tls.SessionState) ([]byte, error) {
	return state.Bytes()
}

// unwrapSession is crypto/tls.Config.UnwrapSession bound to one session,
// realizing the async-resumption sub-state machine:
//
//   - a rebuilt engine replaying the snapshotted ClientHello
//     (resumedSessionData != nil, sub-state already COMPLETE) resolves
//     synchronously from the attached answer — this is the
//     REQUEST_SENT -> COMPLETE replay path, which must not suspend again;
//   - otherwise, while sub-state is RECORD, the lookup is invoked
//     synchronously; an immediate answer (found or definitely not
//     found) keeps sub-state at RECORD for the driver's normal
//     promote-to-COMPLETE step; ErrResumptionPending moves sub-state to
//     REQUEST_SENT and returns without resolving anything — the current
//     (soon to be discarded) engine attempt is left to run to its own
//     conclusion in the background.
func (sess *session) unwrapSession(identity []byte, _ tls.ConnectionState) (*tls.SessionState, error) {
	sess.sock.mu.Lock()
	if sess.resumedSessionData != nil {
		data := sess.resumedSessionData
		sess.resumedSessionData = nil
		sess.sock.mu.Unlock()
		if len(data) == 0 {
			return nil, nil
		}
		return tls.ParseSessionState(data)
	}
	if sess.hs.resumption != resumptionRecord {
		sess.sock.mu.Unlock()
		return nil, nil
	}
	sess.sock.mu.Unlock()

	data, err := sess.opts.AsyncResumption(identity)
	if errors.Is(err, ErrResumptionPending) {
		sess.sock.mu.Lock()
		sess.hs.resumption = resumptionRequestSent
		sess.sock.mu.Unlock()
		return nil, nil
	}
	if err != nil || len(data) == 0 {
		return nil, nil
	}
	return tls.ParseSessionState(data)
}

// ResumeServerHandshake delivers the external lookup's answer (possibly
// empty, meaning "not found"), re-enters the handshake driver and
// releases the attached session data once that drive step consumes it.
// Safe to call from any goroutine, including the one that originated the
// async lookup.
func (s *Socket) ResumeServerHandshake(sessionData []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sess
	if sess == nil || sess.hs.resumption != resumptionRequestSent {
		return
	}
	if sess.resumeTimer != nil {
		sess.opts.Clock.Cancel(sess.resumeTimer)
		sess.resumeTimer = nil
	}
	if len(sessionData) > 0 {
		sess.resumedSessionData = append([]byte(nil), sessionData...) // always heap-allocated, never a stack array
	}
	sess.hs.resumption = resumptionComplete
	driveHandshakeLocked(sess, nil)
}
