// Copyright (c) 2025, Grigory Buteyko aka Hrissan
// Licensed under the MIT License. See LICENSE for details.

// Package netaddr supplies leaf address utilities treated as external
// collaborators by socketcore: socket-address comparison and numeric
// host/port formatting, kept free of any socketcore dependency so they
// can be reused by the event-loop backends too.
package netaddr

import (
	"net/netip"

	"github.com/hrissan/tlssocket/safecast"
)

// Compare imposes a total order over the supported address families.
// Family first (so mixed-family comparisons are still well-defined),
// then family-specific tiebreakers: UNIX (not representable by
// netip.AddrPort, so treated as
// unreachable here — backends that support AF_UNIX compare paths
// directly), IPv4 (host-order address, then port), IPv6 (16-byte
// address, port; netip.Addr has no flowinfo, so zone is used as the
// closest analogue of scope_id).
func Compare(a, b netip.AddrPort) int {
	aAddr, bAddr := a.Addr(), b.Addr()
	if c := familyRank(aAddr) - familyRank(bAddr); c != 0 {
		return c
	}
	if c := aAddr.Compare(bAddr); c != 0 {
		return c
	}
	if a.Port() != b.Port() {
		if a.Port() < b.Port() {
			return -1
		}
		return 1
	}
	if aAddr.Zone() == bAddr.Zone() {
		return 0
	}
	if aAddr.Zone() < bAddr.Zone() {
		return -1
	}
	return 1
}

func familyRank(a netip.Addr) int {
	switch {
	case a.Is4() || a.Is4In6():
		return 4
	case a.Is6():
		return 6
	default:
		return 0
	}
}

// NumericHost formats addr the way getnameinfo(NI_NUMERICHOST) would:
// an IPv4 fast path formats the dotted-quad directly; everything else
// (IPv6, unspecified) delegates to netip.Addr.String(), the
// numeric-only equivalent for addresses already in netip form.
func NumericHost(addr netip.Addr) string {
	if addr.Is4() || addr.Is4In6() {
		a4 := addr.As4()
		buf := make([]byte, 0, 15)
		for i, b := range a4 {
			if i > 0 {
				buf = append(buf, '.')
			}
			buf = safecast.Append(buf, b, 10)
		}
		return string(buf)
	}
	return addr.String()
}

// Port reports the host-order port for IPv4/IPv6, or −1 for families
// without one.
func Port(addr netip.AddrPort) int {
	if !addr.IsValid() {
		return -1
	}
	return int(addr.Port())
}
