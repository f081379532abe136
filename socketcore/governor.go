// Copyright (c) 2025, Grigory Buteyko aka Hrissan
// Licensed under the MIT License. See LICENSE for details.

package socketcore

import (
	"crypto/tls"
	"math"
	"time"

	"github.com/hrissan/tlssocket/constants"
)

// governorMode is the record-size governor's latency-optimization mode.
type governorMode int

const (
	governorTBD governorMode = iota // initial, not yet probed
	governorDisabled
	governorNeedsUpdate
	governorTiny
	governorLarge
)

// governorState is the latency-optimization state held inline on Socket.
type governorState struct {
	mode          governorMode
	mss           uint32
	overhead      uint32
	lastSuggested int
}

// noSizeHint is the "no hint"/"no cap" sentinel returned when the
// governor has nothing useful to suggest.
const noSizeHint = math.MaxInt

// recordOverheadFor maps a negotiated cipher suite to its per-record
// authenticated-encryption overhead. The real negotiated suite is
// inspected directly, so AES-GCM and ChaCha20-Poly1305 are always
// distinguished correctly rather than approximated.
func recordOverheadFor(cipherSuite uint16) (overhead uint32, ok bool) {
	switch cipherSuite {
	case tls.TLS_AES_128_GCM_SHA256, tls.TLS_AES_256_GCM_SHA384,
		tls.TLS_RSA_WITH_AES_128_GCM_SHA256, tls.TLS_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256, tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256, tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384:
		return constants.AESGCMRecordOverhead, true
	case tls.TLS_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305, tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305:
		return constants.ChaCha20Poly1305RecordOverhead, true
	default:
		return 0, false
	}
}

// PrepareForLatencyOptimizedWrite lets the caller (typically the HTTP
// layer, before framing a response) ask for the current suggested write
// ceiling. The governor probes TCP_INFO at most once per mode
// transition; callers that never call this get the disabled/TBD default
// of 1400 bytes per record.
func (s *Socket) PrepareForLatencyOptimizedWrite(minimumRTT time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil || s.sess.engine == nil {
		return noSizeHint
	}
	return s.prepareLocked(minimumRTT.Microseconds(), s.sess.engine.CipherSuite())
}

// prepareLocked runs the governor's decision function. It returns the
// suggested write ceiling (plaintext bytes per record), or noSizeHint
// when there is no useful cap.
func (s *Socket) prepareLocked(minimumRTT int64, cipherSuite uint16) int {
	gov := &s.gov
	switch gov.mode {
	case governorTBD:
		info, rtt, err := tcpInfo(s.fd)
		if err != nil {
			gov.mode = governorDisabled
			return noSizeHint
		}
		if rtt < minimumRTT {
			gov.mode = governorDisabled
			return noSizeHint
		}
		overhead, ok := recordOverheadFor(cipherSuite)
		if !ok {
			gov.mode = governorDisabled
			return noSizeHint
		}
		gov.overhead = overhead
		if err := setNotsentLowat(s.fd, 1); err != nil {
			gov.mode = governorDisabled
			return noSizeHint
		}
		gov.mss = info.mss
		return gov.decide(info)
	case governorNeedsUpdate:
		info, _, err := tcpInfo(s.fd)
		if err != nil {
			return noSizeHint
		}
		return gov.decide(info)
	case governorDisabled:
		return noSizeHint
	default:
		// TINY/LARGE should have been demoted to NEEDS_UPDATE by the
		// previous write; treat as "nothing gathered yet" defensively.
		return noSizeHint
	}
}

// decide applies the cwnd-based threshold and switches the mode to TINY
// or LARGE; recordPayloadSize then demotes either mode to NEEDS_UPDATE
// after one write, so the next write re-probes TCP_INFO.
func (gov *governorState) decide(info tcpInfoSample) int {
	inFlight := uint64(info.cwnd) * uint64(gov.mss)
	if inFlight >= 65536 {
		gov.mode = governorLarge
		gov.lastSuggested = noSizeHint
		return noSizeHint
	}
	gov.mode = governorTiny
	sendable := int64(info.cwnd) - int64(info.unacked)
	if sendable < 0 {
		sendable = 0
	}
	suggested := int((sendable + 1) * int64(gov.mss-gov.overhead))
	gov.lastSuggested = suggested
	return suggested
}

// recordPayloadSize selects the record size for one write, consulted
// once per write() after prepareLocked has run.
func (gov *governorState) recordPayloadSize() int {
	switch gov.mode {
	case governorTiny, governorNeedsUpdate:
		gov.mode = governorNeedsUpdate
		return int(gov.mss)
	case governorLarge:
		gov.mode = governorNeedsUpdate
		return constants.MaxTLSRecordPayload - int(gov.overhead)
	default: // DISABLED, TBD
		return constants.DefaultWriteSize
	}
}
