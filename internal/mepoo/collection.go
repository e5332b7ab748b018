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
	"errors"
	"sort"

	"github.com/quanqixian/iceoryx/internal/config"
	"github.com/quanqixian/iceoryx/internal/report"
	"github.com/quanqixian/iceoryx/internal/shm"
)

var (
	// ErrNoFreeChunk means the matching pool is exhausted.
	ErrNoFreeChunk = errors.New("mepoo: no free block in matching pool")

	// ErrChunkTooLarge means no pool block can hold the request.
	ErrChunkTooLarge = errors.New("mepoo: payload exceeds largest pool block")
)

// PoolPlacement fixes where one pool's descriptor and block array live
// inside the segment.
type PoolPlacement struct {
	MetaOff    uint64
	BlocksOff  uint64
	BlockSize  uint32
	BlockCount uint32
}

// PlanPools lays out the pool descriptor table and block arrays starting at
// startOff. The plan is a pure function of the configuration, so every peer
// computes identical offsets. Returns the placements and the first offset
// past the pool area.
func PlanPools(pools []config.PoolConfig, startOff uint64) ([]PoolPlacement, uint64) {
	off := shm.AlignUp(startOff, shm.CacheLineSize)
	metaOff := off
	off += uint64(len(pools)) * PoolMetaSize

	placements := make([]PoolPlacement, len(pools))
	for i, pc := range pools {
		off = shm.AlignUp(off, config.BlockAlignment)
		placements[i] = PoolPlacement{
			MetaOff:    metaOff + uint64(i)*PoolMetaSize,
			BlocksOff:  off,
			BlockSize:  pc.BlockSize,
			BlockCount: pc.BlockCount,
		}
		off += uint64(pc.BlockSize) * uint64(pc.BlockCount)
	}
	return placements, off
}

// Collection is the ordered set of pools of one segment, sorted by strictly
// increasing block size.
type Collection struct {
	seg   *shm.Segment
	pools []*MemPool
}

// InitCollection initializes every pool per the placements. Creator side.
func InitCollection(seg *shm.Segment, placements []PoolPlacement) *Collection {
	c := &Collection{seg: seg, pools: make([]*MemPool, len(placements))}
	for i, pl := range placements {
		c.pools[i] = InitMemPool(seg, pl.MetaOff, pl.BlocksOff, uint32(i), pl.BlockSize, pl.BlockCount)
	}
	return c
}

// OpenCollection wraps the pools of an already initialized segment.
func OpenCollection(seg *shm.Segment, placements []PoolPlacement) *Collection {
	c := &Collection{seg: seg, pools: make([]*MemPool, len(placements))}
	for i, pl := range placements {
		c.pools[i] = OpenMemPool(seg, pl.MetaOff)
	}
	return c
}

// Pool returns the pool with the given id.
func (c *Collection) Pool(id uint32) *MemPool {
	report.Enforce(id < uint32(len(c.pools)), "mepoo: unknown pool id %d", id)
	return c.pools[id]
}

// Pools returns all pools in block-size order.
func (c *Collection) Pools() []*MemPool { return c.pools }

// lookup selects the smallest pool whose block size fits the request. There
// is no fallback to a larger pool when the chosen one is exhausted;
// predictability wins over utilization.
func (c *Collection) lookup(payloadSize, payloadAlign uint32) (*MemPool, bool) {
	need := RequiredChunkSize(payloadSize, payloadAlign)
	i := sort.Search(len(c.pools), func(i int) bool {
		return c.pools[i].BlockSize() >= need
	})
	if i == len(c.pools) {
		return nil, false
	}
	return c.pools[i], true
}

// AcquireChunk allocates a chunk for a payload of the given size and
// alignment. The returned chunk holds one reference. payloadAlign must be a
// power of two; zero means no alignment requirement.
func (c *Collection) AcquireChunk(payloadSize, payloadAlign uint32) (SharedChunk, error) {
	report.Enforce(payloadAlign == 0 || shm.IsPowerOfTwo(uint64(payloadAlign)),
		"mepoo: payload alignment %d is not a power of two", payloadAlign)

	pool, ok := c.lookup(payloadSize, payloadAlign)
	if !ok {
		return SharedChunk{}, ErrChunkTooLarge
	}
	idx, ok := pool.AcquireBlock()
	if !ok {
		return SharedChunk{}, ErrNoFreeChunk
	}
	hdr := pool.HeaderAt(idx)
	ref := MakeChunkRef(pool.PoolID(), idx)
	initChunkHeader(hdr, pool.BlockOffset(idx), pool.BlockSize(), payloadSize, payloadAlign, ref)
	return SharedChunk{header: hdr, coll: c}, nil
}

// ChunkFromRef reconstructs a chunk handle from a reference popped off a
// queue. The reference count is not touched; ownership of the count the
// reference represents transfers to the caller.
func (c *Collection) ChunkFromRef(ref ChunkRef) SharedChunk {
	pool := c.Pool(ref.PoolID())
	report.Enforce(ref.Index() < pool.BlockCount(),
		"mepoo: chunk ref %#x indexes past pool %d", uint32(ref), ref.PoolID())
	return SharedChunk{header: pool.HeaderAt(ref.Index()), coll: c}
}

// TotalFree sums the free counts of all pools.
func (c *Collection) TotalFree() uint32 {
	var n uint32
	for _, p := range c.pools {
		n += p.FreeCount()
	}
	return n
}
