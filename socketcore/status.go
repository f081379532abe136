// Copyright (c) 2025, Grigory Buteyko aka Hrissan
// Licensed under the MIT License. See LICENSE for details.

package socketcore

import "crypto/tls"

// SelectedProtocol reports the negotiated application protocol. ALPN
// takes precedence over NPN (tlsengine.Engine.SelectedProtocol documents
// why the NPN arm is always empty over crypto/tls).
func (s *Socket) SelectedProtocol() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil {
		return ""
	}
	return s.sess.engine.SelectedProtocol()
}

// ProtocolVersion reports the negotiated TLS protocol version.
func (s *Socket) ProtocolVersion() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil {
		return 0
	}
	return s.sess.engine.Version()
}

// Cipher reports the negotiated cipher suite's stable name, or empty
// before/without a TLS session.
func (s *Socket) Cipher() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil {
		return ""
	}
	return tls.CipherSuiteName(s.sess.engine.CipherSuite())
}

// CipherBits reports the negotiated suite's symmetric key length.
// crypto/tls does not expose this directly, so it is derived from the
// negotiated suite id via a small table of the suites the engine can
// actually negotiate.
func (s *Socket) CipherBits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil {
		return 0
	}
	switch s.sess.engine.CipherSuite() {
	case tls.TLS_AES_128_GCM_SHA256, tls.TLS_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256, tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_RSA_WITH_AES_128_CBC_SHA, tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA:
		return 128
	case tls.TLS_AES_256_GCM_SHA384, tls.TLS_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384, tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA, tls.TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA:
		return 256
	case tls.TLS_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305, tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305:
		return 256
	default:
		return 0
	}
}

// SessionReused reports whether the handshake resumed a prior session.
func (s *Socket) SessionReused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil {
		return false
	}
	return s.sess.engine.SessionReused()
}
