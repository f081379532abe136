// Copyright (c) 2025, Grigory Buteyko aka Hrissan
// Licensed under the MIT License. See LICENSE for details.

package socketcore

import (
	"crypto/tls"
	"crypto/x509"
)

// clientVerifyConfig produces a per-connection *tls.Config that performs
// chain-only verification during the handshake, deferring hostname
// validation to the driver (handshake.go's clientVerifyHostnameLocked).
// This keeps engine-side chain verification (a generic failure) distinct
// from the driver-side hostname check (a specific mismatch category).
// crypto/tls otherwise bundles both checks into one when ServerName is
// set, so InsecureSkipVerify plus a custom VerifyConnection is the only
// way to pull them apart.
func clientVerifyConfig(base *tls.Config) *tls.Config {
	cfg := base.Clone()
	cfg.InsecureSkipVerify = true
	cfg.VerifyConnection = func(cs tls.ConnectionState) error {
		if len(cs.PeerCertificates) == 0 {
			return nil // absence is reported via PeerCertificate() == nil, in the driver's hostname step
		}
		opts := x509.VerifyOptions{
			Roots:         cfg.RootCAs,
			Intermediates: x509.NewCertPool(),
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		}
		for _, cert := range cs.PeerCertificates[1:] {
			opts.Intermediates.AddCert(cert)
		}
		_, err := cs.PeerCertificates[0].Verify(opts)
		return err
	}
	return cfg
}
