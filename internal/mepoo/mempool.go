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

// Package mepoo implements the shared-memory chunk layer: fixed size-class
// memory pools with lock-free free lists, reference-counted chunks with an
// in-place header, and the bounded index queue that carries chunk references
// between processes.
package mepoo

import (
	"sync/atomic"

	"github.com/quanqixian/iceoryx/internal/report"
	"github.com/quanqixian/iceoryx/internal/shm"
)

const (
	// PoolMetaSize is the shared footprint of one pool descriptor, one
	// cache line.
	PoolMetaSize = 64

	// noFreeBlock terminates the free list.
	noFreeBlock = ^uint32(0)
)

// poolMeta lives in shared memory, one per pool.
type poolMeta struct {
	freeHead   uint64 // 0x00: atomic (generation<<32 | index)
	freeCount  uint32 // 0x08: atomic, introspection only
	blockSize  uint32 // 0x0C
	blockCount uint32 // 0x10
	poolID     uint32 // 0x14
	blocksOff  uint64 // 0x18: segment offset of block 0
	_          [32]byte
}

// MemPool is a process-local view over one shared pool descriptor and its
// block array. The free list is a lock-free LIFO threaded through the first
// word of each free block. The head carries a generation counter so a stale
// compare-and-swap cannot relink an index that was popped and pushed back in
// between.
type MemPool struct {
	meta *poolMeta
	seg  *shm.Segment
}

// InitMemPool lays out a pool in a freshly created segment and pushes every
// block onto the free list. Only the segment creator calls this, before the
// segment is marked ready.
func InitMemPool(seg *shm.Segment, metaOff, blocksOff uint64, poolID, blockSize, blockCount uint32) *MemPool {
	meta := (*poolMeta)(seg.At(metaOff))
	meta.blockSize = blockSize
	meta.blockCount = blockCount
	meta.poolID = poolID
	meta.blocksOff = blocksOff

	p := &MemPool{meta: meta, seg: seg}
	for i := uint32(0); i < blockCount; i++ {
		next := i + 1
		if next == blockCount {
			next = noFreeBlock
		}
		atomic.StoreUint32(p.nextFree(i), next)
	}
	head := uint32(0)
	if blockCount == 0 {
		head = noFreeBlock
	}
	atomic.StoreUint64(&meta.freeHead, uint64(head))
	atomic.StoreUint32(&meta.freeCount, blockCount)
	return p
}

// OpenMemPool wraps an already initialized pool descriptor.
func OpenMemPool(seg *shm.Segment, metaOff uint64) *MemPool {
	return &MemPool{meta: (*poolMeta)(seg.At(metaOff)), seg: seg}
}

// nextFree returns the link word of a block, valid only while the block is
// on the free list. The word is rewritten as header data on allocation.
func (m *MemPool) nextFree(idx uint32) *uint32 {
	return (*uint32)(m.seg.At(m.BlockOffset(idx)))
}

// AcquireBlock pops a free block index. Exhaustion is a normal result, not
// an error.
func (m *MemPool) AcquireBlock() (uint32, bool) {
	for {
		head := atomic.LoadUint64(&m.meta.freeHead)
		idx := uint32(head)
		if idx == noFreeBlock {
			return 0, false
		}
		next := atomic.LoadUint32(m.nextFree(idx))
		gen := (head >> 32) + 1
		if atomic.CompareAndSwapUint64(&m.meta.freeHead, head, gen<<32|uint64(next)) {
			atomic.AddUint32(&m.meta.freeCount, ^uint32(0))
			return idx, true
		}
	}
}

// ReleaseBlock pushes a block index back onto the free list. All writes to
// the block by the releaser happen-before a later acquirer's reads via the
// compare-and-swap on the head.
func (m *MemPool) ReleaseBlock(idx uint32) {
	report.Enforce(idx < m.meta.blockCount,
		"mempool %d: release of out-of-range block index %d, pool has %d blocks",
		m.meta.poolID, idx, m.meta.blockCount)
	for {
		head := atomic.LoadUint64(&m.meta.freeHead)
		atomic.StoreUint32(m.nextFree(idx), uint32(head))
		gen := (head >> 32) + 1
		if atomic.CompareAndSwapUint64(&m.meta.freeHead, head, gen<<32|uint64(idx)) {
			atomic.AddUint32(&m.meta.freeCount, 1)
			return
		}
	}
}

// BlockOffset returns the segment offset of a block.
func (m *MemPool) BlockOffset(idx uint32) uint64 {
	return m.meta.blocksOff + uint64(idx)*uint64(m.meta.blockSize)
}

// HeaderAt returns the chunk header view of a block.
func (m *MemPool) HeaderAt(idx uint32) *ChunkHeader {
	return (*ChunkHeader)(m.seg.At(m.BlockOffset(idx)))
}

func (m *MemPool) PoolID() uint32     { return m.meta.poolID }
func (m *MemPool) BlockSize() uint32  { return m.meta.blockSize }
func (m *MemPool) BlockCount() uint32 { return m.meta.blockCount }

// FreeCount returns the current number of free blocks. The value is exact
// only when no acquire or release is in flight.
func (m *MemPool) FreeCount() uint32 { return atomic.LoadUint32(&m.meta.freeCount) }
