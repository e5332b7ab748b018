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

// Package popo implements the port layer: persistent shared-memory endpoint
// records, the fan-out chunk distributor with history, the per-subscriber
// chunk queue, and the user-facing publisher and subscriber ports.
package popo

import (
	"errors"
	"sync/atomic"

	"github.com/quanqixian/iceoryx/internal/mepoo"
	"github.com/quanqixian/iceoryx/internal/report"
	"github.com/quanqixian/iceoryx/internal/shm"
)

var (
	// ErrNoMemory means the matching pool had no free block.
	ErrNoMemory = errors.New("popo: no chunk available")

	// ErrSizeExceedsMax means no pool can hold the requested payload.
	ErrSizeExceedsMax = errors.New("popo: payload exceeds largest pool block")

	// ErrNotOffering means the publisher port stopped offering.
	ErrNotOffering = errors.New("popo: port is not offering")

	// ErrPortExhausted means no free endpoint record remains.
	ErrPortExhausted = errors.New("popo: endpoint records exhausted")

	// ErrNoSuchPort means a port handle did not resolve to a live record.
	ErrNoSuchPort = errors.New("popo: unknown or stale port")
)

// Port record states.
const (
	portFree    = 0
	portActive  = 1
	portDefunct = 2
)

// PortID is a persistent endpoint identity: an allocation epoch over a
// record slot, so a stale handle to a recycled slot does not resolve.
type PortID uint64

func makePortID(epoch, slot uint32) PortID { return PortID(uint64(epoch)<<32 | uint64(slot)) }

func (id PortID) Slot() uint32  { return uint32(id) }
func (id PortID) epoch() uint32 { return uint32(uint64(id) >> 32) }

// publisherShared is the fixed prefix of a publisher record. The distributor
// slot array and the history ring follow it in the same record.
type publisherShared struct {
	state      uint32      // 0x00: atomic portFree/portActive/portDefunct
	epoch      uint32      // 0x04: allocation epoch
	ownerSlot  uint32      // 0x08: runtime slot of the owning process
	offering   uint32      // 0x0C: atomic offer flag
	sequence   uint64      // 0x10: next sequence number, single writer
	attachLock uint32      // 0x18: serializes attach, detach, history updates
	histCount  uint32      // 0x1C: valid history entries, guarded by attachLock
	histNext   uint32      // 0x20: history ring write cursor
	histCap    uint32      // 0x24: history capacity of this port
	service    serviceDesc // 0x28: 192 bytes
	_          [24]byte    // 0xE8: reserved to 256
}

// subscriberShared is the fixed prefix of a subscriber record. The chunk
// queue follows it in the same record.
type subscriberShared struct {
	state       uint32      // 0x00: atomic portFree/portActive/portDefunct
	epoch       uint32      // 0x04: allocation epoch
	ownerSlot   uint32      // 0x08: runtime slot of the owning process
	policy      uint32      // 0x0C: config.QueuePolicy
	lostSamples uint32      // 0x10: atomic sticky overflow flag
	queueCap    uint32      // 0x14: requested logical queue capacity
	histRequest uint32      // 0x18: history chunks wanted on attach
	subscribed  uint32      // 0x1C: atomic subscribe toggle
	service     serviceDesc // 0x20: 192 bytes
	_           [32]byte    // 0xE0: reserved to 256
}

// distSlot is one attached-subscriber slot of a distributor. gen is a
// seqlock word: odd while an attacher mutates the slot, bumped twice per
// attach and detach so delivery can detect turnover without the lock.
type distSlot struct {
	gen      uint64 // atomic
	joinSeq  uint64 // first sequence delivered fresh after attach
	subIndex uint32 // subscriber record index
	used     uint32 // atomic
	_        [8]byte
}

const distSlotSize = 32

// PortRegistry is a process-local view over the endpoint record tables of a
// mapped segment. The broker allocates and frees records; application
// processes resolve their handles against the same shared state.
type PortRegistry struct {
	seg    *shm.Segment
	coll   *mepoo.Collection
	layout Layout
}

// NewPortRegistry wraps the record tables of a mapped segment.
func NewPortRegistry(seg *shm.Segment, coll *mepoo.Collection, layout Layout) *PortRegistry {
	return &PortRegistry{seg: seg, coll: coll, layout: layout}
}

// Collection returns the chunk pools backing this registry's segment.
func (r *PortRegistry) Collection() *mepoo.Collection { return r.coll }

// Layout returns the segment layout.
func (r *PortRegistry) Layout() Layout { return r.layout }

func (r *PortRegistry) publisherAt(i uint32) *publisherShared {
	report.Enforce(i < r.layout.MaxPublishers, "popo: publisher index %d out of range", i)
	return (*publisherShared)(r.seg.At(r.layout.pubRecordOff(i)))
}

func (r *PortRegistry) subscriberAt(i uint32) *subscriberShared {
	report.Enforce(i < r.layout.MaxSubscribers, "popo: subscriber index %d out of range", i)
	return (*subscriberShared)(r.seg.At(r.layout.subRecordOff(i)))
}

// InitRecords prepares every record of a freshly created segment. Creator
// side, before the segment is published.
func (r *PortRegistry) InitRecords() {
	for i := uint32(0); i < r.layout.MaxSubscribers; i++ {
		mepoo.InitIndexQueue(r.seg, r.layout.subRecordOff(i)+recordHeaderSize, 0, r.layout.QueuePhys)
	}
}

// AllocatePublisher claims a free publisher record. Broker side; callers
// serialize allocation.
func (r *PortRegistry) AllocatePublisher(tuple ServiceTuple, ownerSlot uint32, histCap uint32, offerOnCreate bool) (PortID, error) {
	if err := tuple.Validate(); err != nil {
		return 0, err
	}
	report.Enforce(histCap <= r.layout.MaxHistory,
		"popo: history capacity %d exceeds configured maximum %d", histCap, r.layout.MaxHistory)
	for i := uint32(0); i < r.layout.MaxPublishers; i++ {
		rec := r.publisherAt(i)
		if atomic.LoadUint32(&rec.state) != portFree {
			continue
		}
		rec.epoch++
		rec.ownerSlot = ownerSlot
		rec.sequence = 0
		rec.histCount = 0
		rec.histNext = 0
		rec.histCap = histCap
		rec.service.set(tuple)
		offering := uint32(0)
		if offerOnCreate {
			offering = 1
		}
		atomic.StoreUint32(&rec.offering, offering)
		atomic.StoreUint32(&rec.attachLock, 0)
		d := r.distributorAt(i)
		d.clearSlots()
		atomic.StoreUint32(&rec.state, portActive)
		return makePortID(rec.epoch, i), nil
	}
	return 0, ErrPortExhausted
}

// AllocateSubscriber claims a free subscriber record and sizes its queue.
// Broker side; callers serialize allocation.
func (r *PortRegistry) AllocateSubscriber(tuple ServiceTuple, ownerSlot uint32, queueCap, histRequest uint32, policy uint32) (PortID, error) {
	if err := tuple.Validate(); err != nil {
		return 0, err
	}
	report.Enforce(uint64(queueCap) <= r.layout.QueuePhys,
		"popo: queue capacity %d exceeds configured maximum", queueCap)
	for i := uint32(0); i < r.layout.MaxSubscribers; i++ {
		rec := r.subscriberAt(i)
		if atomic.LoadUint32(&rec.state) != portFree {
			continue
		}
		rec.epoch++
		rec.ownerSlot = ownerSlot
		rec.policy = policy
		rec.queueCap = queueCap
		rec.histRequest = histRequest
		rec.service.set(tuple)
		atomic.StoreUint32(&rec.subscribed, 0)
		atomic.StoreUint32(&rec.lostSamples, 0)
		r.queueAt(i).SetCapacity(uint64(queueCap), nil)
		atomic.StoreUint32(&rec.state, portActive)
		return makePortID(rec.epoch, i), nil
	}
	return 0, ErrPortExhausted
}

// resolvePublisher maps a handle to its record, rejecting stale epochs.
func (r *PortRegistry) resolvePublisher(id PortID) (*publisherShared, uint32, error) {
	if id.Slot() >= r.layout.MaxPublishers {
		return nil, 0, ErrNoSuchPort
	}
	rec := r.publisherAt(id.Slot())
	if atomic.LoadUint32(&rec.state) != portActive || rec.epoch != id.epoch() {
		return nil, 0, ErrNoSuchPort
	}
	return rec, id.Slot(), nil
}

func (r *PortRegistry) resolveSubscriber(id PortID) (*subscriberShared, uint32, error) {
	if id.Slot() >= r.layout.MaxSubscribers {
		return nil, 0, ErrNoSuchPort
	}
	rec := r.subscriberAt(id.Slot())
	if atomic.LoadUint32(&rec.state) != portActive || rec.epoch != id.epoch() {
		return nil, 0, ErrNoSuchPort
	}
	return rec, id.Slot(), nil
}

// FreePublisher tears a publisher down: the history drops its references
// and the record returns to the free state. Attached subscribers keep their
// queues; they simply receive nothing further.
func (r *PortRegistry) FreePublisher(id PortID) error {
	rec, idx, err := r.resolvePublisher(id)
	if err != nil {
		return err
	}
	atomic.StoreUint32(&rec.state, portDefunct)
	atomic.StoreUint32(&rec.offering, 0)
	r.distributorAt(idx).releaseHistory()
	atomic.StoreUint32(&rec.state, portFree)
	return nil
}

// FreeSubscriber tears a subscriber down: it detaches from every matching
// distributor, drains its queue releasing all references, and returns the
// record to the free state.
func (r *PortRegistry) FreeSubscriber(id PortID) error {
	rec, idx, err := r.resolveSubscriber(id)
	if err != nil {
		return err
	}
	atomic.StoreUint32(&rec.state, portDefunct)
	r.detachEverywhere(idx)
	r.queueAt(idx).SetCapacity(0, func(v uint32) {
		r.coll.ChunkFromRef(mepoo.ChunkRef(v)).Release()
	})
	atomic.StoreUint32(&rec.state, portFree)
	return nil
}

// detachEverywhere removes subscriber idx from every active distributor.
func (r *PortRegistry) detachEverywhere(subIdx uint32) {
	for i := uint32(0); i < r.layout.MaxPublishers; i++ {
		if atomic.LoadUint32(&r.publisherAt(i).state) == portFree {
			continue
		}
		r.distributorAt(i).detach(subIdx)
	}
}

// WireSubscriber marks the subscriber subscribed and attaches it to every
// active, matching publisher. Publishers offered later pick the subscriber
// up through WirePublisher as long as the flag stays set.
func (r *PortRegistry) WireSubscriber(subIdx uint32) {
	rec := r.subscriberAt(subIdx)
	atomic.StoreUint32(&rec.subscribed, 1)
	tuple := rec.service.tuple()
	for i := uint32(0); i < r.layout.MaxPublishers; i++ {
		pub := r.publisherAt(i)
		if atomic.LoadUint32(&pub.state) != portActive || !pub.service.equal(tuple) {
			continue
		}
		r.distributorAt(i).attach(subIdx, rec.histRequest)
	}
}

// WirePublisher attaches every active, matching subscriber to publisher
// pubIdx. Called by the broker after AllocatePublisher.
func (r *PortRegistry) WirePublisher(pubIdx uint32) {
	pub := r.publisherAt(pubIdx)
	tuple := pub.service.tuple()
	d := r.distributorAt(pubIdx)
	for i := uint32(0); i < r.layout.MaxSubscribers; i++ {
		sub := r.subscriberAt(i)
		if atomic.LoadUint32(&sub.state) != portActive ||
			atomic.LoadUint32(&sub.subscribed) == 0 ||
			!sub.service.equal(tuple) {
			continue
		}
		d.attach(i, sub.histRequest)
	}
}

// queueAt returns the chunk queue of subscriber record i.
func (r *PortRegistry) queueAt(i uint32) *mepoo.IndexQueue {
	return mepoo.OpenIndexQueue(r.seg, r.layout.subRecordOff(i)+recordHeaderSize)
}

// chunkQueueAt returns the policy-aware queue wrapper of subscriber i.
func (r *PortRegistry) chunkQueueAt(i uint32) *ChunkQueue {
	return &ChunkQueue{
		rec:  r.subscriberAt(i),
		q:    r.queueAt(i),
		coll: r.coll,
	}
}
