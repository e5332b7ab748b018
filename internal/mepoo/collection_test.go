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
	"testing"

	"github.com/quanqixian/iceoryx/internal/config"
	"github.com/quanqixian/iceoryx/internal/shm"
)

func testCollection(t *testing.T, pools []config.PoolConfig) *Collection {
	t.Helper()
	placements, end := PlanPools(pools, shm.ManagementHeaderSize)
	seg := testSegment(t, end)
	return InitCollection(seg, placements)
}

func twoPoolConfig() []config.PoolConfig {
	return []config.PoolConfig{
		{BlockSize: 128, BlockCount: 4},
		{BlockSize: 256, BlockCount: 2},
	}
}

func TestAcquireChunkSelectsSmallestFit(t *testing.T) {
	coll := testCollection(t, twoPoolConfig())

	chunk, err := coll.AcquireChunk(200, 8)
	if err != nil {
		t.Fatalf("AcquireChunk(200) failed: %v", err)
	}
	if got := chunk.Header().ChunkSize(); got != 256 {
		t.Fatalf("payload 200 landed in a %d byte block, want 256", got)
	}
	small, err := coll.AcquireChunk(16, 8)
	if err != nil {
		t.Fatalf("AcquireChunk(16) failed: %v", err)
	}
	if got := small.Header().ChunkSize(); got != 128 {
		t.Fatalf("payload 16 landed in a %d byte block, want 128", got)
	}
}

func TestAcquireChunkOversizeRequest(t *testing.T) {
	coll := testCollection(t, twoPoolConfig())

	if _, err := coll.AcquireChunk(512, 8); !errors.Is(err, ErrChunkTooLarge) {
		t.Fatalf("AcquireChunk(512) = %v, want ErrChunkTooLarge", err)
	}
}

func TestAcquireChunkNeverFallsBackToLargerPool(t *testing.T) {
	coll := testCollection(t, twoPoolConfig())

	// Drain the 128 pool.
	for i := 0; i < 4; i++ {
		if _, err := coll.AcquireChunk(16, 8); err != nil {
			t.Fatalf("drain acquire %d failed: %v", i, err)
		}
	}
	if _, err := coll.AcquireChunk(16, 8); !errors.Is(err, ErrNoFreeChunk) {
		t.Fatalf("exhausted pool acquire = %v, want ErrNoFreeChunk", err)
	}
	if got := coll.Pool(1).FreeCount(); got != 2 {
		t.Fatalf("256 pool was touched, free count = %d, want 2", got)
	}
}

func TestAcquireChunkInitializesHeader(t *testing.T) {
	coll := testCollection(t, twoPoolConfig())

	chunk, err := coll.AcquireChunk(64, 16)
	if err != nil {
		t.Fatalf("AcquireChunk failed: %v", err)
	}
	hdr := chunk.Header()
	if hdr.Version() != ChunkHeaderVersion {
		t.Fatalf("header version = %d, want %d", hdr.Version(), ChunkHeaderVersion)
	}
	if hdr.PayloadSize() != 64 {
		t.Fatalf("payload size = %d, want 64", hdr.PayloadSize())
	}
	if hdr.RefCount() != 1 {
		t.Fatalf("fresh chunk ref count = %d, want 1", hdr.RefCount())
	}
	payload := chunk.Payload()
	if len(payload) != 64 {
		t.Fatalf("payload length = %d, want 64", len(payload))
	}
	payload[0] = 0xAB
	payload[63] = 0xCD
}

func TestChunkFromRefRoundTrip(t *testing.T) {
	coll := testCollection(t, twoPoolConfig())

	chunk, err := coll.AcquireChunk(32, 8)
	if err != nil {
		t.Fatalf("AcquireChunk failed: %v", err)
	}
	chunk.Payload()[0] = 0x5A

	view := coll.ChunkFromRef(chunk.Ref())
	if view.Ref() != chunk.Ref() {
		t.Fatalf("ref round trip: got %#x, want %#x", uint32(view.Ref()), uint32(chunk.Ref()))
	}
	if view.Payload()[0] != 0x5A {
		t.Fatal("reconstructed chunk does not see the payload write")
	}
	if view.Header().RefCount() != 1 {
		t.Fatalf("ChunkFromRef changed the ref count to %d", view.Header().RefCount())
	}
}

func TestPlanPoolsDeterministicAndAligned(t *testing.T) {
	pools := twoPoolConfig()
	a, endA := PlanPools(pools, shm.ManagementHeaderSize)
	b, endB := PlanPools(pools, shm.ManagementHeaderSize)
	if endA != endB {
		t.Fatalf("plan end differs between runs: %d vs %d", endA, endB)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("placement %d differs between runs: %+v vs %+v", i, a[i], b[i])
		}
		if a[i].BlocksOff%config.BlockAlignment != 0 {
			t.Fatalf("pool %d blocks at offset %d, not %d aligned", i, a[i].BlocksOff, config.BlockAlignment)
		}
	}
}
