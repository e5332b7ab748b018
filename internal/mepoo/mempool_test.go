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
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quanqixian/iceoryx/internal/shm"
)

func testSegment(t *testing.T, size uint64) *shm.Segment {
	t.Helper()
	name := fmt.Sprintf("mepoo-test-%d", time.Now().UnixNano())
	seg, err := shm.CreateSegment(name, size)
	if err != nil {
		t.Fatalf("CreateSegment failed: %v", err)
	}
	t.Cleanup(func() {
		seg.Close()
		shm.RemoveSegment(name)
	})
	return seg
}

func TestMemPoolAcquireAllThenExhausted(t *testing.T) {
	seg := testSegment(t, 1<<20)
	pool := InitMemPool(seg, shm.ManagementHeaderSize, 4096, 0, 128, 4)

	seen := make(map[uint32]bool)
	for i := 0; i < 4; i++ {
		idx, ok := pool.AcquireBlock()
		if !ok {
			t.Fatalf("acquire %d failed with %d blocks configured", i, 4)
		}
		if seen[idx] {
			t.Fatalf("block index %d handed out twice", idx)
		}
		seen[idx] = true
	}
	if _, ok := pool.AcquireBlock(); ok {
		t.Fatal("acquire succeeded on exhausted pool")
	}
	if got := pool.FreeCount(); got != 0 {
		t.Fatalf("free count = %d, want 0", got)
	}
}

func TestMemPoolReleaseRestoresFreeCount(t *testing.T) {
	seg := testSegment(t, 1<<20)
	pool := InitMemPool(seg, shm.ManagementHeaderSize, 4096, 0, 128, 4)

	var held []uint32
	for {
		idx, ok := pool.AcquireBlock()
		if !ok {
			break
		}
		held = append(held, idx)
	}
	for _, idx := range held {
		pool.ReleaseBlock(idx)
	}
	if got := pool.FreeCount(); got != 4 {
		t.Fatalf("free count after full release = %d, want 4", got)
	}
	if _, ok := pool.AcquireBlock(); !ok {
		t.Fatal("acquire failed after all blocks were released")
	}
}

func TestMemPoolLIFOReuse(t *testing.T) {
	seg := testSegment(t, 1<<20)
	pool := InitMemPool(seg, shm.ManagementHeaderSize, 4096, 0, 128, 4)

	idx, ok := pool.AcquireBlock()
	if !ok {
		t.Fatal("acquire failed")
	}
	pool.ReleaseBlock(idx)
	again, ok := pool.AcquireBlock()
	if !ok {
		t.Fatal("acquire after release failed")
	}
	if again != idx {
		t.Fatalf("free list is not LIFO: released %d, got %d", idx, again)
	}
}

func TestMemPoolConcurrentAcquireRelease(t *testing.T) {
	const (
		blocks  = 64
		workers = 8
		rounds  = 2000
	)
	seg := testSegment(t, 1<<20)
	pool := InitMemPool(seg, shm.ManagementHeaderSize, 4096, 0, 128, blocks)

	// owners[i] flips 0->1 on acquire and 1->0 on release; a failed CAS
	// means the same index was live twice.
	var owners [blocks]uint32
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				idx, ok := pool.AcquireBlock()
				if !ok {
					continue
				}
				if !atomic.CompareAndSwapUint32(&owners[idx], 0, 1) {
					t.Errorf("block %d acquired while already live", idx)
					return
				}
				atomic.StoreUint32(&owners[idx], 0)
				pool.ReleaseBlock(idx)
			}
		}()
	}
	wg.Wait()

	if got := pool.FreeCount(); got != blocks {
		t.Fatalf("free count after churn = %d, want %d", got, blocks)
	}
}
