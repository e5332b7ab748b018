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
	"errors"
	"sync/atomic"

	"github.com/quanqixian/iceoryx/internal/mepoo"
)

// Publisher is the user-facing producer port. It is bound to one publisher
// record and may be used from one goroutine at a time; the underlying
// record outlives the process-local object.
type Publisher struct {
	reg         *PortRegistry
	rec         *publisherShared
	id          PortID
	idx         uint32
	runtimeSlot uint32
}

// Publisher resolves a port handle for the owning process.
func (r *PortRegistry) Publisher(id PortID, runtimeSlot uint32) (*Publisher, error) {
	rec, idx, err := r.resolvePublisher(id)
	if err != nil {
		return nil, err
	}
	return &Publisher{reg: r, rec: rec, id: id, idx: idx, runtimeSlot: runtimeSlot}, nil
}

// ID returns the persistent port identity.
func (p *Publisher) ID() PortID { return p.id }

// Offer makes the port discoverable and accepts loans again.
func (p *Publisher) Offer() { atomic.StoreUint32(&p.rec.offering, 1) }

// StopOffer stops the port: further loans are rejected and a publish
// blocked on a full BlockProducer queue is cancelled.
func (p *Publisher) StopOffer() { atomic.StoreUint32(&p.rec.offering, 0) }

// IsOffering reports the offer state.
func (p *Publisher) IsOffering() bool { return atomic.LoadUint32(&p.rec.offering) != 0 }

// Loan allocates a chunk for a payload of the given size and alignment. The
// caller owns the chunk until Publish or Release.
func (p *Publisher) Loan(payloadSize, payloadAlign uint32) (mepoo.SharedChunk, error) {
	if !p.IsOffering() {
		return mepoo.SharedChunk{}, ErrNotOffering
	}
	chunk, err := p.reg.coll.AcquireChunk(payloadSize, payloadAlign)
	switch {
	case errors.Is(err, mepoo.ErrNoFreeChunk):
		return mepoo.SharedChunk{}, ErrNoMemory
	case errors.Is(err, mepoo.ErrChunkTooLarge):
		return mepoo.SharedChunk{}, ErrSizeExceedsMax
	case err != nil:
		return mepoo.SharedChunk{}, err
	}
	chunk.Header().SetOwner(p.runtimeSlot)
	return chunk, nil
}

// Publish stamps the chunk with this port's identity and sequence number,
// stores it in the history, and fans it out to every attached subscriber.
// Ownership of the loan transfers: with a history the ring keeps the loan's
// reference, without one it is dropped after delivery.
func (p *Publisher) Publish(chunk mepoo.SharedChunk) error {
	if !p.IsOffering() {
		p.Release(chunk)
		return ErrNotOffering
	}

	hdr := chunk.Header()
	d := p.reg.distributorAt(p.idx)

	d.lock.Lock()
	seq := p.rec.sequence
	p.rec.sequence++
	hdr.SetOrigin(uint64(p.id))
	hdr.SetSequence(seq)
	hdr.ClearOwner(p.runtimeSlot)
	d.appendHistory(chunk.Ref())
	d.lock.Unlock()

	d.deliver(chunk, seq, func() bool { return !p.IsOffering() })

	if p.rec.histCap == 0 {
		chunk.Release()
	}
	return nil
}

// Release returns an unpublished loan to its pool.
func (p *Publisher) Release(chunk mepoo.SharedChunk) {
	chunk.Header().ClearOwner(p.runtimeSlot)
	chunk.Release()
}
