/*
 *
 * Copyright 2025 The iceoryx-go Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// Package shm provides the shared-memory primitives the middleware is built
// on: mmapped segments with a validated management header, relative pointers
// that stay meaningful across address spaces, futex wait/wake, and a
// process-shared mutex.
package shm

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"
)

// Memory layout constants.
const (
	// SegmentMagic identifies an initialized segment.
	SegmentMagic = "IOXSHMEM"

	// SegmentVersion is the current on-disk protocol version. Breaking layout
	// changes bump it.
	SegmentVersion = uint32(1)

	// ManagementHeaderSize is the reserved space at offset 0 of every
	// segment, aligned to 128 bytes.
	ManagementHeaderSize = 128

	// CacheLineSize is the alignment applied to every shared structure to
	// keep independently mutated words off shared cache lines.
	CacheLineSize = 64
)

var (
	ErrFutexTimeout    = errors.New("shm: futex wait timed out")
	ErrBadMagic        = errors.New("shm: invalid segment magic")
	ErrVersionMismatch = errors.New("shm: segment version mismatch")
	ErrConfigMismatch  = errors.New("shm: segment config hash mismatch")
	ErrNotReady        = errors.New("shm: segment not initialized")
)

// ManagementHeader sits at offset 0 of every segment. All peers validate it
// before touching anything behind it.
type ManagementHeader struct {
	magic      [8]byte // 0x00: "IOXSHMEM"
	version    uint32  // 0x08: protocol version
	_          uint32  // 0x0C: padding
	configHash uint64  // 0x10: layout digest of the configuration record
	totalSize  uint64  // 0x18: total segment size in bytes
	ready      uint32  // 0x20: creator sets 1 once initialization is complete
	brokerPID  uint32  // 0x24: pid of the creating broker
	_          [88]byte // 0x28-0x7F: reserved to 128B
}

func (h *ManagementHeader) Magic() [8]byte         { return h.magic }
func (h *ManagementHeader) SetMagic(m [8]byte)     { h.magic = m }
func (h *ManagementHeader) Version() uint32        { return atomic.LoadUint32(&h.version) }
func (h *ManagementHeader) SetVersion(v uint32)    { atomic.StoreUint32(&h.version, v) }
func (h *ManagementHeader) ConfigHash() uint64     { return atomic.LoadUint64(&h.configHash) }
func (h *ManagementHeader) SetConfigHash(x uint64) { atomic.StoreUint64(&h.configHash, x) }
func (h *ManagementHeader) TotalSize() uint64      { return atomic.LoadUint64(&h.totalSize) }
func (h *ManagementHeader) SetTotalSize(n uint64)  { atomic.StoreUint64(&h.totalSize, n) }
func (h *ManagementHeader) BrokerPID() uint32      { return atomic.LoadUint32(&h.brokerPID) }
func (h *ManagementHeader) SetBrokerPID(p uint32)  { atomic.StoreUint32(&h.brokerPID, p) }

// Ready reports whether the creator finished initializing the segment.
func (h *ManagementHeader) Ready() bool { return atomic.LoadUint32(&h.ready) != 0 }

// SetReady publishes the segment to openers. Must be the last store of the
// initialization sequence.
func (h *ManagementHeader) SetReady() { atomic.StoreUint32(&h.ready, 1) }

// Validate checks magic, version and config hash against expectations.
func (h *ManagementHeader) Validate(wantHash uint64) error {
	if string(h.magic[:]) != SegmentMagic {
		return ErrBadMagic
	}
	if h.Version() != SegmentVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, h.Version(), SegmentVersion)
	}
	if !h.Ready() {
		return ErrNotReady
	}
	if got := h.ConfigHash(); got != wantHash {
		return fmt.Errorf("%w: got %#x, want %#x", ErrConfigMismatch, got, wantHash)
	}
	return nil
}

// Segment is a mapped shared memory segment. The same segment maps at
// different base addresses in different processes; all shared references are
// offsets from the base, never raw pointers.
type Segment struct {
	File *os.File
	Mem  []byte
	Path string
	Name string
}

// Header returns the typed view of the management header.
func (s *Segment) Header() *ManagementHeader {
	return (*ManagementHeader)(unsafe.Pointer(&s.Mem[0]))
}

// At resolves a segment offset to a local address.
func (s *Segment) At(off uint64) unsafe.Pointer {
	return unsafe.Pointer(uintptr(unsafe.Pointer(&s.Mem[0])) + uintptr(off))
}

// Bytes returns a byte view of [off, off+n) within the segment.
func (s *Segment) Bytes(off, n uint64) []byte {
	return s.Mem[off : off+n : off+n]
}

// Size returns the mapped size in bytes.
func (s *Segment) Size() uint64 { return uint64(len(s.Mem)) }

// Close unmaps the memory and closes the backing file. The segment file
// itself stays in place; see RemoveSegment.
func (s *Segment) Close() error {
	var firstErr error
	if s.Mem != nil {
		if err := unmapMemory(s.Mem); err != nil {
			firstErr = err
		}
		s.Mem = nil
	}
	if s.File != nil {
		if err := s.File.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.File = nil
	}
	return firstErr
}

// AlignUp rounds n up to the next multiple of align. align must be a power
// of two.
func AlignUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}

// IsPowerOfTwo reports whether n is a power of two.
func IsPowerOfTwo(n uint64) bool {
	return n > 0 && n&(n-1) == 0
}
