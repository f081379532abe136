// Copyright (c) 2025, Grigory Buteyko aka Hrissan
// Licensed under the MIT License. See LICENSE for details.

package socketcore

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/hrissan/tlssocket/entropy"
)

// Options configures one TLS context's worth of sockets: roughly h2o's
// st_h2o_ssl_context_t plus the process-wide knobs this package treats
// as configuration rather than per-socket state.
type Options struct {
	RoleServer bool

	TLSConfig *tls.Config
	Rand      entropy.Rand // fed into TLSConfig.Rand by Validate, for reproducible tests

	// ALPN protocols in server-preference order: the server selects the
	// first protocol from its own ordered list that appears anywhere in
	// the client's offer.
	ALPN [][]byte

	// MinimumRTT gates the record-size governor: below this, optimization
	// is not worth the syscalls.
	MinimumRTT time.Duration

	// ResumptionTimeout bounds how long the handshake driver waits on a
	// suspended async session-cache lookup before giving up and failing
	// the handshake.
	ResumptionTimeout time.Duration

	// AsyncResumption, if non-nil, is invoked by the TLS engine during a
	// server accept to look up a cached session out of band. Installed
	// once per context.
	AsyncResumption AsyncResumptionLookup

	Logger *slog.Logger

	Preallocate bool

	// Clock schedules the async-resumption-wait timeout edge. Defaulted
	// by DefaultOptions; callers sharing one Clock across many contexts
	// may set it explicitly.
	Clock *Clock
}

// AsyncResumptionLookup is the per-context hook wired into the TLS
// context's session-cache callbacks. identity names the session
// externally; the returned blob is the engine's canonical serialized
// session state, or nil if not found. Implementations may answer
// synchronously or asynchronously; the driver only cares whether the
// answer was ready within the same call (RECORD) or not (REQUEST_SENT).
type AsyncResumptionLookup func(identity []byte) (sessionData []byte, err error)

func DefaultOptions(roleServer bool) *Options {
	return &Options{
		RoleServer:        roleServer,
		Rand:              entropy.CryptoRand(),
		MinimumRTT:        0,
		ResumptionTimeout: 5 * time.Second,
		Logger:            slog.Default(),
		Preallocate:       true,
		Clock:             NewClock(true, 64),
	}
}

func (o *Options) Validate() error {
	if o.TLSConfig == nil {
		return fmt.Errorf("socketcore: Options.TLSConfig must be set")
	}
	if o.RoleServer && len(o.TLSConfig.Certificates) == 0 && o.TLSConfig.GetCertificate == nil {
		return fmt.Errorf("socketcore: server role requires a certificate")
	}
	if o.ResumptionTimeout <= 0 {
		return fmt.Errorf("socketcore: ResumptionTimeout (%v) must be positive", o.ResumptionTimeout)
	}
	if o.Rand != nil {
		o.TLSConfig.Rand = o.Rand
	}
	if len(o.ALPN) > 0 && len(o.TLSConfig.NextProtos) == 0 {
		// crypto/tls already negotiates "server order wins", so the
		// engine's own ALPN handling is used directly rather than
		// duplicating it; DecodeALPNProtocolList (alpn.go) is for callers
		// inspecting the raw wire offer.
		protos := make([]string, len(o.ALPN))
		for i, p := range o.ALPN {
			protos[i] = string(p)
		}
		o.TLSConfig.NextProtos = protos
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = NewClock(o.Preallocate, 64)
	}
	return nil
}

// FindALPN applies the ALPN selection rule over an already
// length-prefix-decoded client offer: the server's own order wins.
func (o *Options) FindALPN(clientOffer [][]byte) (selected []byte, ok bool) {
	for _, server := range o.ALPN {
		for _, client := range clientOffer {
			if string(server) == string(client) {
				return server, true
			}
		}
	}
	return nil, false
}
