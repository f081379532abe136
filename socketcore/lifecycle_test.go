// Copyright (c) 2025, Grigory Buteyko aka Hrissan
// Licensed under the MIT License. See LICENSE for details.

package socketcore

import (
	"crypto/tls"
	"crypto/x509"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrissan/tlssocket/sockerr"
)

// recordingBackend is a Backend test double that records disposal and
// hands back a fixed FD-carrying ExportedSocket on Export, letting tests
// assert on the sequence of calls without any real I/O.
type recordingBackend struct {
	disposed   []uintptr
	writeCB    func(err error)
	exportFD   uintptr
	exportErr  error
}

func (b *recordingBackend) DisposeSocket(s *Socket) {
	b.disposed = append(b.disposed, s.FD())
}

func (b *recordingBackend) Write(s *Socket, iovecs [][]byte, cb func(err error)) {
	b.writeCB = cb // left pending until the test fires it, simulating an in-flight write
}

func (b *recordingBackend) ReadStart(s *Socket) {}
func (b *recordingBackend) ReadStop(s *Socket)  {}

func (b *recordingBackend) Export(s *Socket) (ExportedSocket, error) {
	if b.exportErr != nil {
		return ExportedSocket{}, b.exportErr
	}
	return ExportedSocket{FD: b.exportFD}, nil
}

func (b *recordingBackend) Import(ex ExportedSocket) (*Socket, error) {
	return ImportSocket(b, ex.FD, ex), nil
}

func (b *recordingBackend) PeernameUncached(s *Socket) (netip.AddrPort, error) {
	return netip.AddrPort{}, nil
}

// TestCloseDisposesPlaintextSocketImmediately verifies that a plaintext
// socket (no TLS session) disposes right away, invoking the backend's
// DisposeSocket and the registered close hook exactly once.
func TestCloseDisposesPlaintextSocketImmediately(t *testing.T) {
	backend := &recordingBackend{}
	s := NewSocket(backend, 7)
	hookCalled := 0
	s.SetCloseHook(func() { hookCalled++ })

	s.Close()

	assert.Equal(t, []uintptr{7}, backend.disposed)
	assert.Equal(t, 1, hookCalled)

	// Idempotent: a second Close is a no-op.
	s.Close()
	assert.Equal(t, []uintptr{7}, backend.disposed)
	assert.Equal(t, 1, hookCalled)
}

// TestCloseRunsGracefulShutdownOnTLSSession verifies that Close on a
// socket carrying a live TLS session completes without ever blocking the
// calling goroutine: sess.engine.Shutdown re-enters the socket's own
// mutex synchronously through sessionBridge.WriteCiphertext to send the
// close_notify alert, and Close must not still be holding that mutex
// when it does.
func TestCloseRunsGracefulShutdownOnTLSSession(t *testing.T) {
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
	var handshakeErr error
	serverSock.Handshake(serverOpts, "", func(err error) { wg.Done() })
	clientSock.Handshake(clientOpts, "localhost", func(err error) {
		handshakeErr = err
		wg.Done()
	})
	waitWithTimeout(t, &wg, 5*time.Second)
	require.NoError(t, handshakeErr)
	require.True(t, clientSock.HasTLSSession())

	closed := make(chan struct{})
	go func() {
		clientSock.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close deadlocked shutting down a TLS session")
	}

	// The close_notify alert flush is dispatched asynchronously by
	// pipeBackend, so disposal (which clears the session) may land a
	// moment after Close itself returns.
	deadline := time.Now().Add(5 * time.Second)
	for clientSock.HasTLSSession() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.False(t, clientSock.HasTLSSession())
}

// TestExportRefusesWithPendingWrite verifies that Export fails while a
// write is still in flight at the backend.
func TestExportRefusesWithPendingWrite(t *testing.T) {
	backend := &recordingBackend{}
	s := NewSocket(backend, 3)

	var writeDone bool
	s.Write([][]byte{[]byte("x")}, func(err error) { writeDone = true })
	require.NotNil(t, backend.writeCB, "backend should have captured the pending write")

	_, err := s.Export()
	require.ErrorIs(t, err, sockerr.ErrIO)

	// once the write settles, export is allowed again
	backend.writeCB(nil)
	assert.True(t, writeDone)
	_, err = s.Export()
	require.NoError(t, err)
}

// TestExportImportRoundTripPreservesInput verifies that bytes already
// buffered in the application input survive an export/import cycle
// across backends.
func TestExportImportRoundTripPreservesInput(t *testing.T) {
	backendA := &recordingBackend{exportFD: 42}
	s := NewSocket(backendA, 1)
	s.deliverPlaintextRead([]byte("buffered"), nil)

	ex, err := s.Export()
	require.NoError(t, err)
	assert.Equal(t, uintptr(42), ex.FD)
	assert.False(t, ex.HasTLSSession())

	backendB := &recordingBackend{}
	imported, err := backendB.Import(ex)
	require.NoError(t, err)

	buf := make([]byte, 8)
	n := imported.ReadInto(buf)
	assert.Equal(t, "buffered", string(buf[:n]))
}
