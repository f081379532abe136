// Copyright (c) 2025, Grigory Buteyko aka Hrissan
// Licensed under the MIT License. See LICENSE for details.

package tlsengine

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"sync"
)

type readOutcome struct {
	n   int
	err error
}

// Engine is a black-box TLS cryptographic engine, realized over
// crypto/tls.Conn and exposing only: accept/connect/read/write/shutdown,
// pending-bytes, cipher suite id, negotiated version, peer certificate,
// ALPN/NPN result, session reuse, verified chains. crypto/tls.Conn supports concurrent
// Read/Write from different
// goroutines, which this type relies on: Write runs synchronously on
// the caller's goroutine (it can never block — see bridgeConn.Write),
// while Accept/Connect/Read run on a dedicated per-engine goroutine
// because they may block inside bridgeConn.Read waiting for more
// ciphertext.
type Engine struct {
	conn *tls.Conn
	bc   *bridgeConn

	// notify is invoked, possibly from the engine's own goroutine, after
	// a handshake or read result has been posted, so the driver knows to
	// recheck. Set once via SetNotify before Accept/Connect/Read.
	notify func()

	// armReneg/disarmReneg bracket each engine Read call on the engine's
	// own goroutine, arming the renegotiation detector for its duration:
	// safe without atomics because only that goroutine calls them.
	armReneg    func()
	disarmReneg func()

	mu        sync.Mutex
	hsRunning bool
	hsResult  chan error // buffered 1

	readRunning bool
	readResult  chan readOutcome // buffered 1

	closed bool
}

// New constructs an Engine around cfg bound to bridge. serverName, used
// only for the client role, sets SNI.
func New(cfg *tls.Config, isServer bool, serverName string, bridge Bridge) *Engine {
	bc := newBridgeConn(bridge)
	e := &Engine{
		bc:         bc,
		hsResult:   make(chan error, 1),
		readResult: make(chan readOutcome, 1),
	}
	if isServer {
		e.conn = tls.Server(bc, cfg)
	} else {
		c := cfg
		if serverName != "" && cfg.ServerName != serverName {
			clone := cfg.Clone()
			clone.ServerName = serverName
			c = clone
		}
		e.conn = tls.Client(bc, c)
	}
	return e
}

// SetNotify installs the driver's re-entry callback. Must be called
// before Accept/Connect/Read.
func (e *Engine) SetNotify(fn func()) { e.notify = fn }

// SetRenegotiationHooks installs the arm/disarm pair bracketing every
// engine Read call, so a Write arriving mid-Read can be flagged as a
// renegotiation attempt instead of silently interleaving.
func (e *Engine) SetRenegotiationHooks(arm, disarm func()) {
	e.armReneg, e.disarmReneg = arm, disarm
}

// Feed signals a Read blocked in the bridge that the core has pushed
// more ciphertext into the session's encrypted buffer.
func (e *Engine) Feed() { e.bc.feed() }

// FeedEOF signals that the peer will send no further bytes.
func (e *Engine) FeedEOF() { e.bc.feedEOF() }

// Accept starts (if not already running) the server handshake on a
// dedicated goroutine; poll completion with PollHandshake.
func (e *Engine) Accept() { e.driveHandshake() }

// Connect starts the client handshake the same way.
func (e *Engine) Connect() { e.driveHandshake() }

func (e *Engine) driveHandshake() {
	e.mu.Lock()
	if e.hsRunning {
		e.mu.Unlock()
		return
	}
	e.hsRunning = true
	e.mu.Unlock()

	go func() {
		err := e.conn.HandshakeContext(context.Background())
		e.hsResult <- err
		e.mu.Lock()
		e.hsRunning = false
		e.mu.Unlock()
		if e.notify != nil {
			e.notify()
		}
	}()
}

// PollHandshake reports a previously-completed handshake result without
// blocking; ready is false while the handshake goroutine is still
// running or has not been started.
func (e *Engine) PollHandshake() (err error, ready bool) {
	select {
	case err = <-e.hsResult:
		return err, true
	default:
		return nil, false
	}
}

// Read starts a decrypt attempt into p on the dedicated engine
// goroutine. p must not be touched by the caller until PollRead reports
// ready: only one Read may be outstanding at a time.
func (e *Engine) Read(p []byte) {
	e.mu.Lock()
	if e.readRunning {
		e.mu.Unlock()
		return
	}
	e.readRunning = true
	e.mu.Unlock()

	go func() {
		if e.armReneg != nil {
			e.armReneg()
		}
		n, err := e.conn.Read(p)
		if e.disarmReneg != nil {
			e.disarmReneg()
		}
		e.readResult <- readOutcome{n, err}
		e.mu.Lock()
		e.readRunning = false
		e.mu.Unlock()
		if e.notify != nil {
			e.notify()
		}
	}()
}

// PollRead reports a previously-posted Read result without blocking.
func (e *Engine) PollRead() (n int, err error, ready bool) {
	select {
	case r := <-e.readResult:
		return r.n, r.err, true
	default:
		return 0, nil, false
	}
}

// Write encrypts p and hands the ciphertext to the bridge. Never
// blocks: bridgeConn.Write only appends to the session's output buffer
// and returns immediately.
func (e *Engine) Write(p []byte) (int, error) {
	return e.conn.Write(p)
}

// Shutdown sends the TLS close_notify alert and closes the bridge.
// crypto/tls.Conn.Close writes the alert synchronously over the bridge's
// non-blocking Write and does not wait for the peer's close_notify, so
// unlike engines that can suspend mid-shutdown waiting for more
// ciphertext, Close here never suspends (see DESIGN.md).
func (e *Engine) Shutdown() error {
	return e.conn.Close()
}

// Close releases the bridge, unblocking any goroutine parked in Read.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	_ = e.bc.Close()
}

// PendingBytes reports ciphertext buffered inside the engine but not
// yet surfaced as cleartext. crypto/tls does not expose this internal
// count, so this always reports 0; the caller's own encrypted-input
// buffer length is the authoritative "more to feed" signal instead.
func (e *Engine) PendingBytes() int { return 0 }

func (e *Engine) CipherSuite() uint16 { return e.conn.ConnectionState().CipherSuite }

func (e *Engine) Version() uint16 { return e.conn.ConnectionState().Version }

func (e *Engine) PeerCertificate() *x509.Certificate {
	cs := e.conn.ConnectionState()
	if len(cs.PeerCertificates) == 0 {
		return nil
	}
	return cs.PeerCertificates[0]
}

// SelectedProtocol reports the negotiated application protocol, with
// ALPN taking precedence over NPN. crypto/tls never implements NPN, so
// that arm is always empty and ALPN's result is simply returned.
func (e *Engine) SelectedProtocol() string {
	return e.conn.ConnectionState().NegotiatedProtocol
}

func (e *Engine) SessionReused() bool { return e.conn.ConnectionState().DidResume }

func (e *Engine) VerifiedChains() [][]*x509.Certificate {
	return e.conn.ConnectionState().VerifiedChains
}
