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
	"unsafe"

	"github.com/quanqixian/iceoryx/internal/mepoo"
	"github.com/quanqixian/iceoryx/internal/shm"
)

// distributor is the process-local view over one publisher's fan-out state:
// the attached-subscriber slot array and the history ring, both living in
// the publisher's record. Attach, detach and history updates serialize on
// the record's mutex; delivery runs without it and detects slot turnover
// through the per-slot generation word.
type distributor struct {
	reg  *PortRegistry
	rec  *publisherShared
	lock *shm.Mutex

	slots []distSlot
	hist  []uint32
}

func (r *PortRegistry) distributorAt(i uint32) *distributor {
	rec := r.publisherAt(i)
	base := r.layout.pubRecordOff(i) + recordHeaderSize
	nSlots := uint64(r.layout.MaxSubscribersPerPublisher)
	histOff := base + nSlots*distSlotSize

	d := &distributor{
		reg:  r,
		rec:  rec,
		lock: shm.NewMutex(&rec.attachLock),
		slots: unsafe.Slice((*distSlot)(r.seg.At(base)), nSlots),
	}
	if r.layout.MaxHistory > 0 {
		d.hist = unsafe.Slice((*uint32)(r.seg.At(histOff)), r.layout.MaxHistory)
	}
	return d
}

// clearSlots resets the fan-out state of a freshly allocated record.
// Creator or broker side, before the record becomes active.
func (d *distributor) clearSlots() {
	for i := range d.slots {
		atomic.StoreUint32(&d.slots[i].used, 0)
		atomic.StoreUint64(&d.slots[i].gen, 0)
	}
}

// attach adds subscriber subIdx to the fan-out set and splices the latest
// min(histRequest, stored) history chunks into its queue, in publish order,
// ahead of any fresh delivery. Returns false when all slots are taken.
func (d *distributor) attach(subIdx uint32, histRequest uint32) bool {
	d.lock.Lock()
	defer d.lock.Unlock()

	free := -1
	for i := range d.slots {
		s := &d.slots[i]
		if atomic.LoadUint32(&s.used) == 1 {
			if s.subIndex == subIdx {
				return true
			}
			continue
		}
		if free < 0 {
			free = i
		}
	}
	if free < 0 {
		return false
	}

	d.spliceHistory(subIdx, histRequest)

	s := &d.slots[free]
	atomic.AddUint64(&s.gen, 1)
	s.subIndex = subIdx
	atomic.StoreUint64(&s.joinSeq, d.rec.sequence)
	atomic.StoreUint32(&s.used, 1)
	atomic.AddUint64(&s.gen, 1)
	return true
}

// detach removes subscriber subIdx from the fan-out set. The subscriber's
// queue is not drained here; the port teardown owns that.
func (d *distributor) detach(subIdx uint32) {
	d.lock.Lock()
	defer d.lock.Unlock()

	for i := range d.slots {
		s := &d.slots[i]
		if atomic.LoadUint32(&s.used) == 1 && s.subIndex == subIdx {
			atomic.AddUint64(&s.gen, 1)
			atomic.StoreUint32(&s.used, 0)
			atomic.AddUint64(&s.gen, 1)
			return
		}
	}
}

// spliceHistory delivers the latest n stored chunks to one subscriber.
// Caller holds the lock, so the ring cannot move underneath and every
// spliced chunk is still referenced by the ring while we take our own.
func (d *distributor) spliceHistory(subIdx uint32, histRequest uint32) {
	n := histRequest
	if n > d.rec.histCount {
		n = d.rec.histCount
	}
	if n == 0 {
		return
	}
	cq := d.reg.chunkQueueAt(subIdx)
	// Splicing must not block on a full queue while the lock is held; a
	// blocking-policy queue that cannot take the chunk just skips it.
	noWait := func() bool { return true }
	max := d.rec.histCap
	start := (d.rec.histNext + max - n) % max
	for k := uint32(0); k < n; k++ {
		ref := mepoo.ChunkRef(d.hist[(start+k)%max])
		chunk := d.reg.coll.ChunkFromRef(ref)
		chunk.Clone()
		if !cq.deliver(ref, noWait) {
			chunk.Release()
		}
	}
}

// appendHistory stores one published chunk's reference in the ring, taking
// over the reference the caller held. When the ring is full the oldest entry
// is evicted and its reference dropped. Caller holds the lock.
func (d *distributor) appendHistory(ref mepoo.ChunkRef) {
	if d.rec.histCap == 0 {
		return
	}
	max := d.rec.histCap
	if d.rec.histCount == max {
		old := mepoo.ChunkRef(d.hist[d.rec.histNext])
		d.reg.coll.ChunkFromRef(old).Release()
	} else {
		d.rec.histCount++
	}
	d.hist[d.rec.histNext] = uint32(ref)
	d.rec.histNext = (d.rec.histNext + 1) % max
}

// releaseHistory drops every stored reference. Port teardown and broker
// reclamation use it.
func (d *distributor) releaseHistory() {
	d.lock.Lock()
	defer d.lock.Unlock()

	max := d.rec.histCap
	for k := uint32(0); k < d.rec.histCount; k++ {
		i := (d.rec.histNext + max - d.rec.histCount + k) % max
		d.reg.coll.ChunkFromRef(mepoo.ChunkRef(d.hist[i])).Release()
	}
	d.rec.histCount = 0
	d.rec.histNext = 0
}

// deliver fans one chunk out to every attached subscriber. The references
// for all candidate subscribers are taken in a single add up front; every
// candidate that turns out unreachable gives its reference back. Slots that
// attach mid-delivery have a join sequence past seq and are never
// candidates, so the candidate set can only shrink between the count and the
// push.
func (d *distributor) deliver(chunk mepoo.SharedChunk, seq uint64, cancelled func() bool) uint32 {
	paid := uint32(0)
	for i := range d.slots {
		if d.isCandidate(&d.slots[i], seq) {
			paid++
		}
	}
	if paid == 0 {
		return 0
	}
	chunk.AddRefs(paid)

	delivered := uint32(0)
	ref := chunk.Ref()
	for i := range d.slots {
		s := &d.slots[i]
		if !d.isCandidate(s, seq) {
			continue
		}
		paid--
		// If the slot turns over mid-push the value lands in the
		// successor's queue; the reference is then owned by that queue, so
		// the accounting stays balanced either way.
		if d.reg.chunkQueueAt(s.subIndex).deliver(ref, cancelled) {
			delivered++
		} else {
			chunk.Release()
		}
	}
	for ; paid > 0; paid-- {
		chunk.Release()
	}
	return delivered
}

func (d *distributor) isCandidate(s *distSlot, seq uint64) bool {
	if atomic.LoadUint64(&s.gen)%2 != 0 || atomic.LoadUint32(&s.used) != 1 {
		return false
	}
	return atomic.LoadUint64(&s.joinSeq) <= seq
}
