// Copyright (c) 2025, Grigory Buteyko aka Hrissan
// Licensed under the MIT License. See LICENSE for details.

package constants

// Maximum ciphertext snapshotted for possible async-resumption replay.
// Buffered input beyond this size forgoes the async-lookup opportunity
// rather than paying for a large copy.
const MaxResumptionSnapshot = 1024

// Minimum reservation made in the application input buffer before each
// engine Read call.
const MinApplicationReadReserve = 4096

// TLS record ceiling used by the large-record governor mode.
const MaxTLSRecordPayload = 16384

// Fallback write size used while the governor is disabled or still
// awaiting its first TCP_INFO sample.
const DefaultWriteSize = 1400

// Per-record authenticated-encryption overhead for the two AEAD families
// the governor distinguishes.
const AESGCMRecordOverhead = 25
const ChaCha20Poly1305RecordOverhead = 21

// Size threshold for backing a buffer by a memory-mapped temp file. No
// buffer in this module consults it: all buffers stay in ordinary memory.
const MaxInMemoryBufferSize = 32 << 20

// Default ceiling on how long a suspended async-resumption lookup is
// allowed to run before the handshake driver gives up on it.
const DefaultResumptionTimeout = 5_000 // milliseconds; see socketcore.Options
