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
	"sync"
	"testing"

	"github.com/quanqixian/iceoryx/internal/shm"
)

func testIndexQueue(t *testing.T, capacity, maxCapacity uint64) *IndexQueue {
	t.Helper()
	seg := testSegment(t, shm.ManagementHeaderSize+IndexQueueSize(maxCapacity))
	return InitIndexQueue(seg, shm.ManagementHeaderSize, capacity, maxCapacity)
}

func TestIndexQueueFIFO(t *testing.T) {
	q := testIndexQueue(t, 8, 8)

	for i := uint32(0); i < 8; i++ {
		if !q.Push(i) {
			t.Fatalf("push %d failed below capacity", i)
		}
	}
	for i := uint32(0); i < 8; i++ {
		v, ok := q.Pop()
		if !ok {
			t.Fatalf("pop %d failed on non-empty queue", i)
		}
		if v != i {
			t.Fatalf("pop %d = %d, queue is not FIFO", i, v)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Fatal("pop succeeded on empty queue")
	}
}

func TestIndexQueuePushFullReturnsFalse(t *testing.T) {
	q := testIndexQueue(t, 2, 8)

	if !q.Push(1) || !q.Push(2) {
		t.Fatal("push failed below capacity")
	}
	if q.Push(3) {
		t.Fatal("push succeeded past the logical capacity")
	}
	if _, ok := q.Pop(); !ok {
		t.Fatal("pop failed")
	}
	if !q.Push(3) {
		t.Fatal("push failed after a pop made room")
	}
}

func TestIndexQueueWrapsAroundRing(t *testing.T) {
	q := testIndexQueue(t, 4, 4)

	for round := uint32(0); round < 10; round++ {
		for i := uint32(0); i < 4; i++ {
			if !q.Push(round*4 + i) {
				t.Fatalf("round %d: push %d failed", round, i)
			}
		}
		for i := uint32(0); i < 4; i++ {
			v, ok := q.Pop()
			if !ok || v != round*4+i {
				t.Fatalf("round %d: pop = (%d, %t), want (%d, true)", round, v, ok, round*4+i)
			}
		}
	}
}

func TestIndexQueueCapacityZero(t *testing.T) {
	q := testIndexQueue(t, 0, 16)

	if q.Push(1) {
		t.Fatal("push succeeded on a zero-capacity queue")
	}

	q.SetCapacity(5, nil)
	for i := uint32(0); i < 5; i++ {
		if !q.Push(i) {
			t.Fatalf("push %d failed after growing to 5", i)
		}
	}
	if q.Push(5) {
		t.Fatal("push 5 succeeded past the grown capacity")
	}
	for i := uint32(0); i < 5; i++ {
		v, ok := q.Pop()
		if !ok || v != i {
			t.Fatalf("pop = (%d, %t), want (%d, true)", v, ok, i)
		}
	}
}

func TestIndexQueueShrinkRemovesOldestInOrder(t *testing.T) {
	q := testIndexQueue(t, 10, 16)

	for i := uint32(0); i < 10; i++ {
		if !q.Push(i) {
			t.Fatalf("push %d failed", i)
		}
	}

	var removed []uint32
	q.SetCapacity(5, func(v uint32) { removed = append(removed, v) })

	if len(removed) != 5 {
		t.Fatalf("remove handler invoked %d times, want 5", len(removed))
	}
	for i, v := range removed {
		if v != uint32(i) {
			t.Fatalf("removed[%d] = %d, shrink did not drop oldest first", i, v)
		}
	}
	for i := uint32(5); i < 10; i++ {
		v, ok := q.Pop()
		if !ok || v != i {
			t.Fatalf("pop after shrink = (%d, %t), want (%d, true)", v, ok, i)
		}
	}
}

func TestIndexQueueSetCapacitySameIsNoOp(t *testing.T) {
	q := testIndexQueue(t, 8, 8)
	for i := uint32(0); i < 3; i++ {
		q.Push(i)
	}
	calls := 0
	q.SetCapacity(q.Capacity(), func(uint32) { calls++ })
	if calls != 0 {
		t.Fatalf("no-op resize invoked the remove handler %d times", calls)
	}
	if got := q.Size(); got != 3 {
		t.Fatalf("no-op resize changed the size to %d", got)
	}
}

func TestIndexQueueShrinkToZero(t *testing.T) {
	q := testIndexQueue(t, 8, 8)
	for i := uint32(0); i < 4; i++ {
		q.Push(i)
	}
	var removed []uint32
	q.SetCapacity(0, func(v uint32) { removed = append(removed, v) })
	if len(removed) != 4 {
		t.Fatalf("shrink to zero removed %d values, want 4", len(removed))
	}
	if q.Push(9) {
		t.Fatal("push succeeded after shrink to zero")
	}
}

func TestIndexQueueConcurrentProducersConsumers(t *testing.T) {
	const (
		producers = 4
		perWorker = 5000
	)
	q := testIndexQueue(t, 64, 64)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(base uint32) {
			defer wg.Done()
			for i := uint32(0); i < perWorker; i++ {
				for !q.Push(base + i) {
				}
			}
		}(uint32(p) * perWorker)
	}

	got := make(map[uint32]bool)
	var mu sync.Mutex
	done := make(chan struct{})
	var cw sync.WaitGroup
	for c := 0; c < producers; c++ {
		cw.Add(1)
		go func() {
			defer cw.Done()
			for {
				v, ok := q.Pop()
				if !ok {
					select {
					case <-done:
						// All producers are finished; one more failed pop
						// means the queue is drained.
						if v, ok = q.Pop(); !ok {
							return
						}
					default:
						continue
					}
				}
				mu.Lock()
				if got[v] {
					mu.Unlock()
					t.Errorf("value %d popped twice", v)
					return
				}
				got[v] = true
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	close(done)
	cw.Wait()

	if len(got) != producers*perWorker {
		t.Fatalf("consumed %d distinct values, want %d", len(got), producers*perWorker)
	}
}
