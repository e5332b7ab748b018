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

package mepoo

import (
	"sync/atomic"
	"unsafe"

	"github.com/quanqixian/iceoryx/internal/shm"
)

const (
	// ChunkHeaderVersion is the on-the-wire version of the header layout.
	// Breaking layout changes bump it.
	ChunkHeaderVersion = uint8(1)

	// ChunkHeaderSize is the fixed prefix every block carries. The payload
	// begins at or after this offset, depending on its alignment.
	ChunkHeaderSize = 56
)

// ChunkRef names a block as (pool id, block index) packed into 32 bits so a
// reference fits one index-queue slot. The pool id occupies the top byte.
type ChunkRef uint32

// NullChunkRef refers to nothing.
const NullChunkRef = ChunkRef(0xFFFFFFFF)

// MakeChunkRef packs a pool id and block index.
func MakeChunkRef(poolID, index uint32) ChunkRef {
	return ChunkRef(poolID<<24 | index&0x00FFFFFF)
}

func (r ChunkRef) PoolID() uint32 { return uint32(r) >> 24 }
func (r ChunkRef) Index() uint32  { return uint32(r) & 0x00FFFFFF }
func (r ChunkRef) IsNull() bool   { return r == NullChunkRef }

// ChunkHeader is the in-place metadata prefix of every allocated block. The
// reference count and owner bitmap are mutated concurrently from multiple
// processes; everything else is written once by the allocator before the
// chunk becomes visible to anyone else.
type ChunkHeader struct {
	version          uint8   // 0x00: ChunkHeaderVersion
	_                [3]byte // 0x01: padding
	chunkSize        uint32  // 0x04: full block size in bytes
	payloadSize      uint32  // 0x08: user payload size in bytes
	payloadAlign     uint32  // 0x0C: declared payload alignment
	originID         uint64  // 0x10: publisher port that produced the chunk
	sequence         uint64  // 0x18: monotonically increasing per origin
	refCount         uint32  // 0x20: atomic, shared across processes
	selfRef          uint32  // 0x24: ChunkRef of the backing block
	ownerBitmap      uint64  // 0x28: atomic, one bit per runtime slot
	userHeaderOffset int32   // 0x30: reserved for a user header, zero when absent
	payloadOffset    int32   // 0x34: payload start relative to the chunk start
}

// initChunkHeader rewrites the header of a freshly acquired block. blockOff
// is the block's segment offset; the payload offset is derived from it, not
// from the local mapping address, so every peer computes the same value.
func initChunkHeader(h *ChunkHeader, blockOff uint64, chunkSize, payloadSize, payloadAlign uint32, ref ChunkRef) {
	h.version = ChunkHeaderVersion
	h.chunkSize = chunkSize
	h.payloadSize = payloadSize
	h.payloadAlign = payloadAlign
	h.originID = 0
	h.sequence = 0
	h.selfRef = uint32(ref)
	h.userHeaderOffset = 0
	h.payloadOffset = int32(payloadOffset(blockOff, payloadAlign))
	atomic.StoreUint64(&h.ownerBitmap, 0)
	atomic.StoreUint32(&h.refCount, 1)
}

// payloadOffset places the payload after the header so that its segment
// address, and therefore its address in every page-aligned mapping, honors
// align.
func payloadOffset(blockOff uint64, align uint32) uint64 {
	if align <= 1 {
		return ChunkHeaderSize
	}
	return shm.AlignUp(blockOff+ChunkHeaderSize, uint64(align)) - blockOff
}

// RequiredChunkSize returns the smallest block that can hold the header plus
// a payload of the given size and alignment, assuming worst-case placement of
// the block within the segment.
func RequiredChunkSize(payloadSize, payloadAlign uint32) uint32 {
	switch {
	case payloadAlign <= 8:
		return ChunkHeaderSize + payloadSize
	case payloadAlign <= shm.CacheLineSize:
		return uint32(shm.AlignUp(ChunkHeaderSize, uint64(payloadAlign))) + payloadSize
	default:
		// Blocks are only 64-byte aligned, so stricter alignments may need
		// up to a full align of leading pad.
		return payloadAlign + payloadSize
	}
}

func (h *ChunkHeader) Version() uint8       { return h.version }
func (h *ChunkHeader) ChunkSize() uint32    { return h.chunkSize }
func (h *ChunkHeader) PayloadSize() uint32  { return h.payloadSize }
func (h *ChunkHeader) PayloadAlign() uint32 { return h.payloadAlign }
func (h *ChunkHeader) Ref() ChunkRef        { return ChunkRef(h.selfRef) }

func (h *ChunkHeader) Origin() uint64      { return h.originID }
func (h *ChunkHeader) SetOrigin(id uint64) { h.originID = id }

func (h *ChunkHeader) Sequence() uint64     { return h.sequence }
func (h *ChunkHeader) SetSequence(n uint64) { h.sequence = n }

// RefCount returns the current shared reference count.
func (h *ChunkHeader) RefCount() uint32 { return atomic.LoadUint32(&h.refCount) }

// Payload returns the user payload as a byte slice over shared memory.
func (h *ChunkHeader) Payload() []byte {
	p := unsafe.Pointer(uintptr(unsafe.Pointer(h)) + uintptr(h.payloadOffset))
	return unsafe.Slice((*byte)(p), h.payloadSize)
}

// SetOwner marks runtime slot as holding a reference to this chunk.
func (h *ChunkHeader) SetOwner(slot uint32) {
	bit := uint64(1) << slot
	for {
		old := atomic.LoadUint64(&h.ownerBitmap)
		if old&bit != 0 || atomic.CompareAndSwapUint64(&h.ownerBitmap, old, old|bit) {
			return
		}
	}
}

// ClearOwner removes runtime slot from the owner set. Reports whether the
// bit was set.
func (h *ChunkHeader) ClearOwner(slot uint32) bool {
	bit := uint64(1) << slot
	for {
		old := atomic.LoadUint64(&h.ownerBitmap)
		if old&bit == 0 {
			return false
		}
		if atomic.CompareAndSwapUint64(&h.ownerBitmap, old, old&^bit) {
			return true
		}
	}
}

// Owners returns the current owner bitmap.
func (h *ChunkHeader) Owners() uint64 { return atomic.LoadUint64(&h.ownerBitmap) }
