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

// Package concurrent provides process-local lock-free building blocks. The
// shared-memory variants live in the mepoo package; these are for queues
// whose values are Go objects and never cross a process boundary.
package concurrent

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/quanqixian/iceoryx/internal/report"
)

type slot[T any] struct {
	seq   atomic.Uint64
	value T
}

// ResizeableLockFreeQueue is a bounded multi-producer multi-consumer FIFO
// whose logical capacity can change at runtime between 0 and a fixed
// maximum. The physical ring is allocated once at the maximum; resizing
// never allocates. Slots carry a sequence word that encodes which lap of the
// ring last wrote them.
type ResizeableLockFreeQueue[T any] struct {
	head     atomic.Uint64
	_        [56]byte
	tail     atomic.Uint64
	_        [56]byte
	capacity atomic.Uint64
	maxCap   uint64
	resizeMu sync.Mutex
	slots    []slot[T]
}

// NewResizeableLockFreeQueue returns a queue with the given fixed maximum
// and initial logical capacity.
func NewResizeableLockFreeQueue[T any](maxCapacity, capacity uint64) *ResizeableLockFreeQueue[T] {
	report.Enforce(maxCapacity > 0, "concurrent: queue maximum capacity must be positive")
	report.Enforce(capacity <= maxCapacity,
		"concurrent: capacity %d exceeds maximum %d", capacity, maxCapacity)

	q := &ResizeableLockFreeQueue[T]{maxCap: maxCapacity, slots: make([]slot[T], maxCapacity)}
	for i := range q.slots {
		q.slots[i].seq.Store(uint64(i))
	}
	q.capacity.Store(capacity)
	return q
}

// Push appends a value. Returns false when the queue is at its logical
// capacity.
func (q *ResizeableLockFreeQueue[T]) Push(v T) bool {
	for {
		pos := q.tail.Load()
		capacity := q.capacity.Load()
		head := q.head.Load()
		if pos-head >= capacity {
			return false
		}
		s := &q.slots[pos%q.maxCap]
		seq := s.seq.Load()
		switch {
		case seq == pos:
			if q.tail.CompareAndSwap(pos, pos+1) {
				s.value = v
				s.seq.Store(pos + 1)
				return true
			}
		case seq < pos:
			// The slot one lap back is taken but not yet recycled.
			runtime.Gosched()
		default:
			// Lost the position race; reload tail.
		}
	}
}

// ForcePush appends v, discarding oldest values as needed to make room. Each
// discarded value is handed to discarded before the push retries. Returns
// false only when the capacity is zero and nothing can be stored.
func (q *ResizeableLockFreeQueue[T]) ForcePush(v T, discarded func(T)) bool {
	for {
		if q.Push(v) {
			return true
		}
		if q.capacity.Load() == 0 {
			return false
		}
		old, ok := q.Pop()
		if !ok {
			runtime.Gosched()
			continue
		}
		if discarded != nil {
			discarded(old)
		}
	}
}

// Pop removes the oldest value. Returns false when the queue is empty.
func (q *ResizeableLockFreeQueue[T]) Pop() (T, bool) {
	var zero T
	for {
		pos := q.head.Load()
		s := &q.slots[pos%q.maxCap]
		seq := s.seq.Load()
		switch {
		case seq == pos+1:
			if q.head.CompareAndSwap(pos, pos+1) {
				v := s.value
				s.value = zero
				s.seq.Store(pos + q.maxCap)
				return v, true
			}
		case seq <= pos:
			return zero, false
		default:
			// Lost the position race; reload head.
		}
	}
}

// Size returns the number of queued values. Exact only when no push or pop
// is in flight.
func (q *ResizeableLockFreeQueue[T]) Size() uint64 {
	tail := q.tail.Load()
	head := q.head.Load()
	if tail < head {
		return 0
	}
	return tail - head
}

// Capacity returns the current logical bound.
func (q *ResizeableLockFreeQueue[T]) Capacity() uint64 { return q.capacity.Load() }

// MaxCapacity returns the fixed physical ring size.
func (q *ResizeableLockFreeQueue[T]) MaxCapacity() uint64 { return q.maxCap }

// SetCapacity changes the logical bound. Shrinking below the current size
// removes the oldest values in FIFO order, handing each to removed before
// returning. Growing preserves all values. Resizers serialize against each
// other; the new bound is published before any value is removed.
func (q *ResizeableLockFreeQueue[T]) SetCapacity(n uint64, removed func(T)) {
	report.Enforce(n <= q.maxCap, "concurrent: capacity %d exceeds maximum %d", n, q.maxCap)
	q.resizeMu.Lock()
	defer q.resizeMu.Unlock()

	q.capacity.Store(n)
	for q.Size() > n {
		v, ok := q.Pop()
		if !ok {
			runtime.Gosched()
			continue
		}
		if removed != nil {
			removed(v)
		}
	}
}
