// Copyright (c) 2025, Grigory Buteyko aka Hrissan
// Licensed under the MIT License. See LICENSE for details.

package socketcore

import (
	"crypto/tls"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hrissan/tlssocket/constants"
)

func TestRecordOverheadForKnownSuites(t *testing.T) {
	cases := []struct {
		suite    uint16
		overhead uint32
	}{
		{tls.TLS_AES_128_GCM_SHA256, constants.AESGCMRecordOverhead},
		{tls.TLS_AES_256_GCM_SHA384, constants.AESGCMRecordOverhead},
		{tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256, constants.AESGCMRecordOverhead},
		{tls.TLS_CHACHA20_POLY1305_SHA256, constants.ChaCha20Poly1305RecordOverhead},
		{tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305, constants.ChaCha20Poly1305RecordOverhead},
	}
	for _, c := range cases {
		overhead, ok := recordOverheadFor(c.suite)
		assert.True(t, ok, "suite %x", c.suite)
		assert.Equal(t, c.overhead, overhead)
	}
}

func TestRecordOverheadForUnknownSuite(t *testing.T) {
	_, ok := recordOverheadFor(0xffff)
	assert.False(t, ok)
}

// decide applies the cwnd*MSS >= 65536 threshold and jumps straight to
// governorTiny/governorLarge; recordPayloadSize then demotes that mode
// to governorNeedsUpdate after one use.
func TestGovernorDecideLargeInFlight(t *testing.T) {
	gov := &governorState{mss: 1460, overhead: constants.AESGCMRecordOverhead}
	got := gov.decide(tcpInfoSample{mss: 1460, cwnd: 64, unacked: 0})
	assert.Equal(t, noSizeHint, got)
	assert.Equal(t, governorLarge, gov.mode)
}

func TestGovernorDecideTinyInFlight(t *testing.T) {
	gov := &governorState{mss: 1460, overhead: constants.AESGCMRecordOverhead}
	got := gov.decide(tcpInfoSample{mss: 1460, cwnd: 4, unacked: 1})
	assert.Equal(t, governorTiny, gov.mode)
	// sendable = cwnd-unacked = 3, suggested = (3+1)*(mss-overhead)
	assert.Equal(t, int(4*(1460-constants.AESGCMRecordOverhead)), got)
}

func TestGovernorDecideUnackedExceedsCwnd(t *testing.T) {
	gov := &governorState{mss: 1460, overhead: constants.AESGCMRecordOverhead}
	got := gov.decide(tcpInfoSample{mss: 1460, cwnd: 1, unacked: 5})
	assert.Equal(t, governorTiny, gov.mode)
	assert.Equal(t, int(1*(1460-constants.AESGCMRecordOverhead)), got)
}

func TestRecordPayloadSizeDemotesTinyAndLarge(t *testing.T) {
	gov := &governorState{mode: governorTiny, mss: 1200}
	assert.Equal(t, 1200, gov.recordPayloadSize())
	assert.Equal(t, governorNeedsUpdate, gov.mode)

	gov2 := &governorState{mode: governorLarge, overhead: constants.AESGCMRecordOverhead}
	assert.Equal(t, constants.MaxTLSRecordPayload-constants.AESGCMRecordOverhead, gov2.recordPayloadSize())
	assert.Equal(t, governorNeedsUpdate, gov2.mode)
}

func TestRecordPayloadSizeNeedsUpdateStaysAtMSS(t *testing.T) {
	gov := &governorState{mode: governorNeedsUpdate, mss: 900}
	assert.Equal(t, 900, gov.recordPayloadSize())
	assert.Equal(t, governorNeedsUpdate, gov.mode)
}

func TestRecordPayloadSizeDefaultsWhenDisabledOrTBD(t *testing.T) {
	gov := &governorState{mode: governorDisabled}
	assert.Equal(t, constants.DefaultWriteSize, gov.recordPayloadSize())

	gov2 := &governorState{mode: governorTBD}
	assert.Equal(t, constants.DefaultWriteSize, gov2.recordPayloadSize())
}

func TestPrepareForLatencyOptimizedWriteWithoutSession(t *testing.T) {
	s := NewSocket(&nopBackend{}, 0)
	assert.Equal(t, noSizeHint, s.PrepareForLatencyOptimizedWrite(0))
}

// nopBackend is a minimal Backend good enough for tests that never drive
// real I/O, only socket construction and governor bookkeeping.
type nopBackend struct{}

func (nopBackend) DisposeSocket(s *Socket)                       {}
func (nopBackend) Write(s *Socket, iovecs [][]byte, cb func(error)) {}
func (nopBackend) ReadStart(s *Socket)                           {}
func (nopBackend) ReadStop(s *Socket)                            {}
func (nopBackend) Export(s *Socket) (ExportedSocket, error)      { return ExportedSocket{}, nil }
func (nopBackend) Import(ex ExportedSocket) (*Socket, error)     { return nil, nil }
func (nopBackend) PeernameUncached(s *Socket) (netip.AddrPort, error) {
	return netip.AddrPort{}, nil
}
