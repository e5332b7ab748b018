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
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/quanqixian/iceoryx/internal/report"
	"github.com/quanqixian/iceoryx/internal/shm"
)

const (
	// IndexQueueHeaderSize is the shared header footprint, three cache
	// lines so head, tail and the control words do not false-share.
	IndexQueueHeaderSize = 192

	indexSlotSize = 16
)

// indexSlot holds one queued value plus the sequence word that encodes which
// lap of the ring last wrote it.
type indexSlot struct {
	seq   uint64
	value uint32
	_     uint32
}

type indexQueueHeader struct {
	head        uint64 // 0x00: atomic consumer cursor
	_           [56]byte
	tail        uint64 // 0x40: atomic producer cursor
	_           [56]byte
	capacity    uint64 // 0x80: atomic logical bound, <= maxCapacity
	maxCapacity uint64 // 0x88: physical ring size, power of two
	resizeLock  uint32 // 0x90: serializes SetCapacity
	_           [44]byte
}

// IndexQueue is a bounded multi-producer multi-consumer FIFO of 32-bit
// values living entirely in shared memory. Producers reserve a tail position
// and publish the slot's sequence word; consumers claim the head position and
// recycle the slot one lap ahead. The physical ring is sized for
// maxCapacity; the logical capacity may be any value in [0, maxCapacity] and
// can change at runtime, see SetCapacity.
type IndexQueue struct {
	hdr   *indexQueueHeader
	slots []indexSlot
	lock  *shm.Mutex
}

// IndexQueueSize returns the shared footprint of a queue with the given
// physical ring size.
func IndexQueueSize(maxCapacity uint64) uint64 {
	return IndexQueueHeaderSize + maxCapacity*indexSlotSize
}

// InitIndexQueue lays out a queue at off. Creator side, before the segment
// is published. maxCapacity must be a power of two.
func InitIndexQueue(seg *shm.Segment, off uint64, capacity, maxCapacity uint64) *IndexQueue {
	report.Enforce(shm.IsPowerOfTwo(maxCapacity),
		"indexqueue: max capacity %d is not a power of two", maxCapacity)
	report.Enforce(capacity <= maxCapacity,
		"indexqueue: capacity %d exceeds maximum %d", capacity, maxCapacity)

	q := attachIndexQueue(seg, off, maxCapacity)
	q.hdr.maxCapacity = maxCapacity
	atomic.StoreUint64(&q.hdr.capacity, capacity)
	atomic.StoreUint64(&q.hdr.head, 0)
	atomic.StoreUint64(&q.hdr.tail, 0)
	atomic.StoreUint32(&q.hdr.resizeLock, 0)
	for i := range q.slots {
		q.slots[i].seq = uint64(i)
	}
	return q
}

// OpenIndexQueue wraps an already initialized queue.
func OpenIndexQueue(seg *shm.Segment, off uint64) *IndexQueue {
	hdr := (*indexQueueHeader)(seg.At(off))
	return attachIndexQueue(seg, off, hdr.maxCapacity)
}

func attachIndexQueue(seg *shm.Segment, off, maxCapacity uint64) *IndexQueue {
	hdr := (*indexQueueHeader)(seg.At(off))
	slots := unsafe.Slice((*indexSlot)(seg.At(off+IndexQueueHeaderSize)), maxCapacity)
	return &IndexQueue{hdr: hdr, slots: slots, lock: shm.NewMutex(&hdr.resizeLock)}
}

// Push appends a value. Returns false when the queue is at its logical
// capacity; the caller decides whether to drop, discard the oldest, or
// block.
func (q *IndexQueue) Push(v uint32) bool {
	mask := q.hdr.maxCapacity - 1
	for {
		pos := atomic.LoadUint64(&q.hdr.tail)
		capacity := atomic.LoadUint64(&q.hdr.capacity)
		head := atomic.LoadUint64(&q.hdr.head)
		if pos-head >= capacity {
			return false
		}
		slot := &q.slots[pos&mask]
		seq := atomic.LoadUint64(&slot.seq)
		switch {
		case seq == pos:
			if atomic.CompareAndSwapUint64(&q.hdr.tail, pos, pos+1) {
				slot.value = v
				atomic.StoreUint64(&slot.seq, pos+1)
				return true
			}
		case seq < pos:
			// A consumer claimed the slot one lap back but has not
			// recycled it yet. The logical bound says there is room, so
			// wait it out.
			runtime.Gosched()
		default:
			// Lost the position race; reload tail.
		}
	}
}

// Pop removes the oldest value. Returns false when the queue is empty. A
// value whose producer has reserved a slot but not yet published it counts
// as not present.
func (q *IndexQueue) Pop() (uint32, bool) {
	mask := q.hdr.maxCapacity - 1
	for {
		pos := atomic.LoadUint64(&q.hdr.head)
		slot := &q.slots[pos&mask]
		seq := atomic.LoadUint64(&slot.seq)
		switch {
		case seq == pos+1:
			if atomic.CompareAndSwapUint64(&q.hdr.head, pos, pos+1) {
				v := slot.value
				atomic.StoreUint64(&slot.seq, pos+q.hdr.maxCapacity)
				return v, true
			}
		case seq <= pos:
			return 0, false
		default:
			// Lost the position race; reload head.
		}
	}
}

// Size returns the number of queued values. Exact only when no push or pop
// is in flight.
func (q *IndexQueue) Size() uint64 {
	tail := atomic.LoadUint64(&q.hdr.tail)
	head := atomic.LoadUint64(&q.hdr.head)
	if tail < head {
		return 0
	}
	return tail - head
}

// Capacity returns the current logical bound.
func (q *IndexQueue) Capacity() uint64 { return atomic.LoadUint64(&q.hdr.capacity) }

// MaxCapacity returns the physical ring size.
func (q *IndexQueue) MaxCapacity() uint64 { return q.hdr.maxCapacity }

// SetCapacity changes the logical bound. Shrinking below the current size
// removes the oldest values in FIFO order, handing each to removed before
// returning. Growing preserves all values. Resizers are serialized against
// each other; producers observe the new bound before any value is removed,
// so the shrink window admits no new pushes past the target.
func (q *IndexQueue) SetCapacity(n uint64, removed func(uint32)) {
	report.Enforce(n <= q.hdr.maxCapacity,
		"indexqueue: capacity %d exceeds maximum %d", n, q.hdr.maxCapacity)
	q.lock.Lock()
	defer q.lock.Unlock()

	atomic.StoreUint64(&q.hdr.capacity, n)
	for q.Size() > n {
		v, ok := q.Pop()
		if !ok {
			// An in-flight push holds a reserved slot; wait for it to
			// publish.
			runtime.Gosched()
			continue
		}
		if removed != nil {
			removed(v)
		}
	}
}
