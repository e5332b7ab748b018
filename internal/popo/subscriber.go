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

	"github.com/quanqixian/iceoryx/internal/mepoo"
)

// Subscriber is the user-facing consumer port over one subscriber record
// and its chunk queue.
type Subscriber struct {
	reg         *PortRegistry
	rec         *subscriberShared
	queue       *ChunkQueue
	id          PortID
	idx         uint32
	runtimeSlot uint32
}

// Subscriber resolves a port handle for the owning process.
func (r *PortRegistry) Subscriber(id PortID, runtimeSlot uint32) (*Subscriber, error) {
	rec, idx, err := r.resolveSubscriber(id)
	if err != nil {
		return nil, err
	}
	return &Subscriber{
		reg:         r,
		rec:         rec,
		queue:       r.chunkQueueAt(idx),
		id:          id,
		idx:         idx,
		runtimeSlot: runtimeSlot,
	}, nil
}

// ID returns the persistent port identity.
func (s *Subscriber) ID() PortID { return s.id }

// Subscribe attaches the port to every active publisher of its service
// tuple, whether or not that publisher is currently offering. Late-joining
// history is spliced ahead of fresh deliveries per the
// port's history request.
func (s *Subscriber) Subscribe() { s.reg.WireSubscriber(s.idx) }

// Unsubscribe detaches from every publisher. Chunks already queued remain
// takeable.
func (s *Subscriber) Unsubscribe() {
	atomic.StoreUint32(&s.rec.subscribed, 0)
	s.reg.detachEverywhere(s.idx)
}

// TryTake pops the oldest delivered chunk. The chunk stays valid until
// Release.
func (s *Subscriber) TryTake() (mepoo.SharedChunk, bool) {
	chunk, ok := s.queue.TryPop()
	if !ok {
		return mepoo.SharedChunk{}, false
	}
	chunk.Header().SetOwner(s.runtimeSlot)
	return chunk, true
}

// Release returns a taken chunk.
func (s *Subscriber) Release(chunk mepoo.SharedChunk) {
	chunk.Header().ClearOwner(s.runtimeSlot)
	chunk.Release()
}

// HasLostSamples reports the sticky flag set when the queue overflowed
// under DiscardOldestData or was shrunk below its fill level.
func (s *Subscriber) HasLostSamples() bool { return s.queue.HasLostSamples() }

// SetQueueCapacity resizes the delivery queue; displaced chunks are
// released and count as lost.
func (s *Subscriber) SetQueueCapacity(n uint64) {
	s.queue.SetCapacity(n)
}
