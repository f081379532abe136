// Copyright (c) 2025, Grigory Buteyko aka Hrissan
// Licensed under the MIT License. See LICENSE for details.

package socketcore

import (
	"golang.org/x/crypto/cryptobyte"
)

// ErrALPNMalformed is returned when a client's raw ALPN wire list fails
// to parse; the caller should reject the offer with no ALPN ack rather
// than propagate a decode error to the handshake.
var ErrALPNMalformed = sockerrMalformedALPN{}

type sockerrMalformedALPN struct{}

func (sockerrMalformedALPN) Error() string { return "socketcore: malformed ALPN protocol list" }

// DecodeALPNProtocolList parses the wire form of a TLS ALPN extension's
// ProtocolNameList (a sequence of 1-byte-length-prefixed strings, passed
// without the list's own 2-byte length prefix) into an ordered slice of
// protocol names. crypto/tls
// parses this internally for its own negotiation; this entry point
// exists for callers that need to inspect a client's raw offer before or
// independently of the engine (selection-policy introspection, metrics).
func DecodeALPNProtocolList(wire []byte) (protocols [][]byte, err error) {
	s := cryptobyte.String(wire)
	for !s.Empty() {
		var proto cryptobyte.String
		if !s.ReadUint8LengthPrefixed(&proto) || len(proto) == 0 {
			return nil, ErrALPNMalformed
		}
		protocols = append(protocols, []byte(proto))
	}
	return protocols, nil
}
