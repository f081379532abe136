// Copyright (c) 2025, Grigory Buteyko aka Hrissan
// Licensed under the MIT License. See LICENSE for details.

package socketcore

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrissan/tlssocket/sockerr"
)

// generateSelfSignedCert produces a throwaway ECDSA certificate for
// "localhost", good enough to exercise a real crypto/tls handshake
// end to end without any external PKI.
func generateSelfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "localhost"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:              []string{"localhost"},
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

// pipeBackend is a Backend test double connecting two in-process Sockets
// directly: Write on one side delivers straight into the other's
// DeliverRead, asynchronously (a goroutine per call), matching the
// "backend completes on its own, never reentrantly under the caller's
// lock" contract every real Backend (loop/epoll, loop/gopoll) upholds.
type pipeBackend struct {
	peer *Socket
}

func (b *pipeBackend) DisposeSocket(s *Socket) {}

func (b *pipeBackend) Write(s *Socket, iovecs [][]byte, cb func(err error)) {
	peer := b.peer
	go func() {
		for _, chunk := range iovecs {
			if len(chunk) == 0 {
				continue
			}
			peer.DeliverRead(append([]byte(nil), chunk...), nil)
		}
		if cb != nil {
			cb(nil)
		}
	}()
}

func (b *pipeBackend) ReadStart(s *Socket) {}
func (b *pipeBackend) ReadStop(s *Socket)  {}

func (b *pipeBackend) Export(s *Socket) (ExportedSocket, error) {
	return ExportedSocket{}, sockerr.ErrIO
}

func (b *pipeBackend) Import(ex ExportedSocket) (*Socket, error) {
	return nil, sockerr.ErrIO
}

func (b *pipeBackend) PeernameUncached(s *Socket) (netip.AddrPort, error) {
	return netip.AddrPort{}, nil
}

func newPipedSockets() (server, client *Socket) {
	serverBackend := &pipeBackend{}
	clientBackend := &pipeBackend{}
	server = NewSocket(serverBackend, 1)
	client = NewSocket(clientBackend, 2)
	serverBackend.peer = client
	clientBackend.peer = server
	return server, client
}

func waitWithTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for handshake/read completion")
	}
}

// TestHandshakeSuccessAndApplicationData drives a full client/server TLS
// handshake over the pipe backend end to end: the handshake completes,
// then application bytes flow both ways.
func TestHandshakeSuccessAndApplicationData(t *testing.T) {
	cert := generateSelfSignedCert(t)
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	pool := x509.NewCertPool()
	pool.AddCert(leaf)

	serverSock, clientSock := newPipedSockets()

	serverOpts := DefaultOptions(true)
	serverOpts.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	require.NoError(t, serverOpts.Validate())

	clientOpts := DefaultOptions(false)
	clientOpts.TLSConfig = &tls.Config{RootCAs: pool}
	require.NoError(t, clientOpts.Validate())

	var wg sync.WaitGroup
	wg.Add(2)
	var serverErr, clientErr error
	serverSock.Handshake(serverOpts, "", func(err error) {
		serverErr = err
		wg.Done()
	})
	clientSock.Handshake(clientOpts, "localhost", func(err error) {
		clientErr = err
		wg.Done()
	})
	waitWithTimeout(t, &wg, 5*time.Second)

	require.NoError(t, serverErr)
	require.NoError(t, clientErr)
	assert.True(t, serverSock.HasTLSSession())
	assert.True(t, clientSock.HasTLSSession())
	assert.NotEmpty(t, clientSock.Cipher())
	assert.False(t, clientSock.SessionReused())

	var readWG sync.WaitGroup
	readWG.Add(1)
	var readErr error
	serverSock.ReadStart(func(err error) {
		readErr = err
		readWG.Done()
	})

	var writeWG sync.WaitGroup
	writeWG.Add(1)
	clientSock.Write([][]byte{[]byte("hello")}, func(err error) {
		require.NoError(t, err)
		writeWG.Done()
	})
	waitWithTimeout(t, &writeWG, 5*time.Second)
	waitWithTimeout(t, &readWG, 5*time.Second)
	require.NoError(t, readErr)

	buf := make([]byte, 5)
	n := serverSock.ReadInto(buf)
	assert.Equal(t, "hello", string(buf[:n]))
}

// TestHandshakeClientRejectsUnknownCA exercises the chain-validation
// failure path: a client with no trust in the server's self-signed
// certificate must fail the handshake.
func TestHandshakeClientRejectsUnknownCA(t *testing.T) {
	cert := generateSelfSignedCert(t)
	serverSock, clientSock := newPipedSockets()

	serverOpts := DefaultOptions(true)
	serverOpts.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	require.NoError(t, serverOpts.Validate())

	clientOpts := DefaultOptions(false)
	clientOpts.TLSConfig = &tls.Config{} // no RootCAs: the self-signed cert is untrusted
	require.NoError(t, clientOpts.Validate())

	var wg sync.WaitGroup
	wg.Add(2)
	var clientErr error
	serverSock.Handshake(serverOpts, "", func(err error) { wg.Done() })
	clientSock.Handshake(clientOpts, "localhost", func(err error) {
		clientErr = err
		wg.Done()
	})
	waitWithTimeout(t, &wg, 5*time.Second)

	require.Error(t, clientErr)
	assert.ErrorIs(t, clientErr, sockerr.ErrSSLHandshakeFailure)
}

// TestHandshakeClientHostnameMismatch exercises the separate
// post-handshake hostname check: a trusted chain for the wrong name
// must still fail, distinctly from a chain failure.
func TestHandshakeClientHostnameMismatch(t *testing.T) {
	cert := generateSelfSignedCert(t)
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	pool := x509.NewCertPool()
	pool.AddCert(leaf)

	serverSock, clientSock := newPipedSockets()

	serverOpts := DefaultOptions(true)
	serverOpts.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	require.NoError(t, serverOpts.Validate())

	clientOpts := DefaultOptions(false)
	clientOpts.TLSConfig = &tls.Config{RootCAs: pool}
	require.NoError(t, clientOpts.Validate())

	var wg sync.WaitGroup
	wg.Add(2)
	var clientErr error
	serverSock.Handshake(serverOpts, "", func(err error) { wg.Done() })
	clientSock.Handshake(clientOpts, "not-the-right-name", func(err error) {
		clientErr = err
		wg.Done()
	})
	waitWithTimeout(t, &wg, 5*time.Second)

	require.ErrorIs(t, clientErr, sockerr.ErrSSLCertificateNameMismatch)
}
