// Copyright (c) 2025, Grigory Buteyko aka Hrissan
// Licensed under the MIT License. See LICENSE for details.

package socketcore

import "net/netip"

// Backend is the event-loop collaborator socketcore treats as external:
// the seven primitive operations a concrete loop (loop/epoll, loop/gopoll)
// must provide. socketcore never assumes which one is in play.
type Backend interface {
	// DisposeSocket releases whatever OS resources back the socket. Called
	// exactly once, from Lifecycle's dispose step.
	DisposeSocket(s *Socket)

	// Write hands a list of plaintext-or-ciphertext byte slices to the
	// backend as a single contiguous write; cb runs once, on completion,
	// with the backend's error (nil on success). The backend does not check
	// for overlapping writes; socketcore's Socket.Write keeps at most one
	// outstanding write per Socket.
	Write(s *Socket, iovecs [][]byte, cb func(err error))

	// ReadStart arms the socket for readiness notifications; delivered
	// bytes land in s.input via DeliverRead, then s's read callback fires.
	// Idempotent.
	ReadStart(s *Socket)

	// ReadStop disarms read notifications. Idempotent and immediate.
	ReadStop(s *Socket)

	// Export detaches the socket's file-descriptor identity so it can be
	// handed to another Loop/goroutine. Socket must have no write pending.
	Export(s *Socket) (ExportedSocket, error)

	// Import re-attaches a previously exported descriptor to this backend,
	// returning a live Socket.
	Import(ex ExportedSocket) (*Socket, error)

	// PeernameUncached performs the actual getpeername(2)-equivalent
	// syscall, bypassing any cache; peer-name caching itself is a leaf
	// utility layered above this.
	PeernameUncached(s *Socket) (netip.AddrPort, error)
}

// ExportedSocket is a self-contained migration record: a file-descriptor
// identity plus the buffers that must survive a migration between
// event-loop instances, detached from any per-loop pool.
type ExportedSocket struct {
	FD           uintptr
	InputBuffer  []byte // detached application input, non-pooled
	sess         *session
	encryptedBuf []byte // detached encrypted input, if a TLS session was attached
}

// HasTLSSession reports whether the exported socket carries a live TLS
// session.
func (e ExportedSocket) HasTLSSession() bool {
	return e.sess != nil
}
