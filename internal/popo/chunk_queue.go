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

package popo

import (
	"sync/atomic"
	"time"

	"github.com/quanqixian/iceoryx/internal/config"
	"github.com/quanqixian/iceoryx/internal/mepoo"
)

// Blocked-producer backoff bounds.
const (
	blockBackoffMin = time.Microsecond
	blockBackoffMax = time.Millisecond
)

// ChunkQueue is the consumer endpoint: a shared index queue of chunk
// references plus the subscriber record that carries its policy and the
// sticky loss flag. Each queued value owns one chunk reference; popping
// transfers that reference to the caller.
type ChunkQueue struct {
	rec  *subscriberShared
	q    *mepoo.IndexQueue
	coll *mepoo.Collection
}

// deliver pushes one chunk reference for the distributor. The reference is
// already paid for by the caller; a false return means the queue did not
// take it and the caller must give it back.
//
// On overflow with DiscardOldestData the displaced oldest chunk is released
// and the loss flag set. With BlockProducer the push retries with backoff
// until space appears or cancelled reports true.
func (c *ChunkQueue) deliver(ref mepoo.ChunkRef, cancelled func() bool) bool {
	if atomic.LoadUint32(&c.rec.state) != portActive {
		return false
	}
	if c.q.Push(uint32(ref)) {
		return true
	}

	if config.QueuePolicy(c.rec.policy) == config.BlockProducer {
		backoff := blockBackoffMin
		for {
			if cancelled != nil && cancelled() {
				return false
			}
			if atomic.LoadUint32(&c.rec.state) != portActive {
				return false
			}
			if c.q.Push(uint32(ref)) {
				return true
			}
			time.Sleep(backoff)
			if backoff < blockBackoffMax {
				backoff *= 2
			}
		}
	}

	// DiscardOldestData: displace the oldest queued chunk and retry once.
	if old, ok := c.q.Pop(); ok {
		c.coll.ChunkFromRef(mepoo.ChunkRef(old)).Release()
		c.markLost()
		if c.q.Push(uint32(ref)) {
			return true
		}
	}
	return false
}

// TryPop takes the oldest queued chunk. The queue's reference transfers to
// the returned handle; no count is touched.
func (c *ChunkQueue) TryPop() (mepoo.SharedChunk, bool) {
	v, ok := c.q.Pop()
	if !ok {
		return mepoo.SharedChunk{}, false
	}
	return c.coll.ChunkFromRef(mepoo.ChunkRef(v)), true
}

// SetCapacity resizes the queue. Chunks displaced by a shrink are released
// and count as lost.
func (c *ChunkQueue) SetCapacity(n uint64) {
	shrunk := false
	c.q.SetCapacity(n, func(v uint32) {
		c.coll.ChunkFromRef(mepoo.ChunkRef(v)).Release()
		shrunk = true
	})
	if shrunk {
		c.markLost()
	}
}

// Size returns the number of queued chunks.
func (c *ChunkQueue) Size() uint64 { return c.q.Size() }

// Capacity returns the current logical capacity.
func (c *ChunkQueue) Capacity() uint64 { return c.q.Capacity() }

func (c *ChunkQueue) markLost() { atomic.StoreUint32(&c.rec.lostSamples, 1) }

// HasLostSamples reports the sticky loss flag.
func (c *ChunkQueue) HasLostSamples() bool { return atomic.LoadUint32(&c.rec.lostSamples) != 0 }
