// Copyright (c) 2025, Grigory Buteyko aka Hrissan
// Licensed under the MIT License. See LICENSE for details.

package socketcore

import (
	"github.com/hrissan/tlssocket/circular"
	"github.com/hrissan/tlssocket/tlsengine"
)

// resumptionState is the role-tagged async-resumption sub-state a server
// handshake steps through while an external session-cache lookup is
// outstanding.
type resumptionState int

const (
	resumptionComplete resumptionState = iota // just pass through
	resumptionRecord                          // recording first input in case state moves to requestSent
	resumptionRequestSent                     // external lookup in flight, no live engine
)

// handshakeState is the handshake block: completion callback plus a
// role-tagged union. Go has no unions, so both arms are present and only
// the one matching sess.opts.RoleServer is meaningful, keeping
// role-specific handshake fields directly on the struct rather than
// behind an interface.
type handshakeState struct {
	cb func(err error)

	// server arm
	resumption     resumptionState
	resumptionSnap []byte // ≤ constants.MaxResumptionSnapshot bytes, replayed on REQUEST_SENT -> COMPLETE

	// client arm
	serverName string
}

// session is the TLS session attached to a socket, owned exclusively by
// that Socket.
type session struct {
	sock *Socket
	opts *Options

	engine *tlsengine.Engine

	// generation increments every time the engine is destroyed and
	// rebuilt (the REQUEST_SENT resumption edge). Callbacks captured from
	// a given engine instance close over the generation they were issued
	// for and no-op if it no longer matches sess.generation, since that
	// means the driver has already abandoned that engine.
	generation int

	// renegotiation detector: armed (readInProgress) and fired
	// (renegotiationDetected) only ever touched by the engine's own
	// Read-invoking goroutine during the span of one Read call; the
	// driving goroutine observes the final value of
	// renegotiationDetected only after that call's result crosses the
	// readResult channel, which is itself a happens-before edge — no
	// atomics needed.
	readInProgress        bool
	renegotiationDetected bool

	hs handshakeState

	// resumedSessionData is the blob ResumeServerHandshake attached;
	// consumed by the rebuilt engine's next UnwrapSession call, then
	// cleared once the drive step has used it.
	resumedSessionData []byte

	encrypted circular.Buffer[byte] // ciphertext input, fed by the read path

	output struct {
		bufs [][]byte // descriptors into pool
		pool []byte   // arena backing bufs; clearing implies re-slicing pool to len 0
	}

	writeErrorLatched bool            // latched so the next turn reports an I/O error
	pendingWriteCB    func(err error) // non-nil while a flush is in flight at the backend
	writeInFlight     bool            // true while tlsWrite is running the engine's encrypt loop with sock.mu released
	resumeTimer       *Timer

	// decodePending is true between starting an Engine.Read and
	// consuming its PollRead result (read.go's decode loop).
	decodePending bool
	scratch       []byte // reused decrypt-into buffer, sized constants.MinApplicationReadReserve

	// flushingHandshake is true while a handshake-flight flush
	// (handshake.go's maybeFlushHandshakeOutputLocked) is in flight at
	// the backend. Guards against starting a second overlapping write.
	flushingHandshake bool

	// readArmed tracks whether the handshake driver itself started reads
	// (as opposed to the caller having already armed them before calling
	// Handshake), so completeHandshakeLocked only stops what it started.
	readArmed bool

	// hsDone/hsErr latch the engine's accept/connect outcome the first
	// time driveHandshakeLocked observes it, so a later re-entry (e.g.
	// from a handshake-flight flush completing) does not call Accept or
	// Connect a second time on an already-finished crypto/tls handshake.
	hsDone bool
	hsErr  error
}

// newSession constructs the TLS session attached to sock.
func newSession(sock *Socket, opts *Options, serverName string) *session {
	sess := &session{sock: sock, opts: opts}

	// Bytes already sitting in the plaintext buffer are ciphertext with
	// respect to the fresh session (pre-buffered/early bytes).
	sock.input.Swap(&sess.encrypted)

	if opts.RoleServer {
		if opts.AsyncResumption != nil {
			sess.hs.resumption = resumptionRecord
		} else {
			sess.hs.resumption = resumptionComplete
		}
	} else {
		sess.hs.serverName = serverName
	}

	sess.buildEngine(serverName)
	if opts.RoleServer {
		wireResumption(opts, sess)
	}
	return sess
}

// buildEngine constructs a fresh tlsengine.Engine bound to this session's
// bridge and wires the notify/renegotiation hooks, bumping generation so
// stale callbacks captured from a prior (destroyed) engine become no-ops.
// Used both by newSession and by the handshake driver's REQUEST_SENT
// rebuild.
func (sess *session) buildEngine(serverName string) {
	sess.generation++
	gen := sess.generation
	cfg := sess.opts.TLSConfig
	if !sess.opts.RoleServer {
		cfg = clientVerifyConfig(cfg)
	}
	sess.engine = tlsengine.New(cfg, sess.opts.RoleServer, serverName, &sessionBridge{sess: sess})
	sess.engine.SetNotify(func() {
		sess.sock.mu.Lock()
		defer sess.sock.mu.Unlock()
		if sess.generation != gen {
			return // engine already destroyed/rebuilt; this callback is stale
		}
		sess.onEngineNotifyLocked()
	})
	sess.engine.SetRenegotiationHooks(
		func() { sess.readInProgress = true },
		func() { sess.readInProgress = false },
	)
}

// sessionBridge adapts session's encrypted/output buffers to
// tlsengine.Bridge, keeping the byte-queue adapter as the only place raw
// bytes cross the TLS boundary.
type sessionBridge struct {
	sess *session
}

// ReadCiphertext implements tlsengine.Bridge: pull up to len(p) bytes of
// already-received ciphertext, or report "retry" via ok=false when the
// encrypted input is currently empty.
// Locking note: ReadCiphertext/WriteCiphertext run on the engine's own
// goroutine, concurrently with the driving goroutine's calls into
// session/Socket methods under sock.mu, so both take that same lock.
// readInProgress/renegotiationDetected are the one documented exception
// (touched only from the engine's Read-invoking goroutine; see the
// field comment above).
func (b *sessionBridge) ReadCiphertext(p []byte) (n int, ok bool) {
	sess := b.sess
	sess.sock.mu.Lock()
	defer sess.sock.mu.Unlock()
	if sess.encrypted.Len() == 0 {
		return 0, false
	}
	n = sess.encrypted.Len()
	if n > len(p) {
		n = len(p)
	}
	for i := 0; i < n; i++ {
		p[i] = sess.encrypted.PopFront()
	}
	return n, true
}

// WriteCiphertext implements tlsengine.Bridge: append to the session's
// output buffer, unless the renegotiation detector is armed.
func (b *sessionBridge) WriteCiphertext(p []byte) (n int, renegotiation bool) {
	sess := b.sess
	if sess.readInProgress {
		sess.renegotiationDetected = true
		return 0, true
	}
	sess.sock.mu.Lock()
	defer sess.sock.mu.Unlock()
	off := len(sess.output.pool)
	sess.output.pool = append(sess.output.pool, p...)
	sess.output.bufs = append(sess.output.bufs, sess.output.pool[off:off+len(p)])
	// During a handshake the engine produces flight bytes on its own
	// goroutine with nothing else prompting a flush; outside a handshake,
	// write.go owns flushing explicitly, so this is a no-op (hs.cb ==
	// nil) for ordinary application writes.
	sess.maybeFlushHandshakeOutputLocked()
	return len(p), false
}

// clearOutput clears the output buffer along with the pool backing it.
func (sess *session) clearOutput() {
	sess.output.bufs = sess.output.bufs[:0]
	sess.output.pool = sess.output.pool[:0]
}

// onEngineNotifyLocked runs (under sock.mu, already held by the caller)
// whenever the engine goroutine has posted a handshake or read result.
// It routes to whichever driver is currently waiting: the handshake
// driver while hs.cb is armed, otherwise the read pipeline's decode loop.
func (sess *session) onEngineNotifyLocked() {
	if sess.hs.cb != nil {
		driveHandshakeLocked(sess, nil)
		return
	}
	if sess.decodePending {
		continueDecodeLocked(sess)
	}
}

// rebuildEngine destroys the current engine and rebuilds a fresh one from
// the same context, for the REQUEST_SENT resumption edge: the old
// engine's goroutine is left to park or unwind on its own (guarded
// against by the generation check in buildEngine's notify closure); the
// new engine starts fresh against the same *Options.
func (sess *session) rebuildEngine() {
	serverName := sess.hs.serverName
	old := sess.engine
	sess.hsDone = false
	sess.hsErr = nil
	sess.buildEngine(serverName)
	if old != nil {
		old.Close()
	}
}

// destroy tears down the session's engine, timer, and buffers.
func (sess *session) destroy() {
	sess.hs.serverName = ""
	if sess.resumeTimer != nil {
		sess.opts.Clock.Cancel(sess.resumeTimer)
		sess.resumeTimer = nil
	}
	if sess.engine != nil {
		sess.engine.Close()
		sess.engine = nil
	}
	sess.encrypted.Clear()
	sess.clearOutput()
}
