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
	"sync/atomic"

	"github.com/quanqixian/iceoryx/internal/report"
)

// SharedChunk is a process-local handle over a reference-counted chunk. The
// count lives in the chunk header in shared memory, so handles in any number
// of processes share it. Each handle represents exactly one count; Clone
// mints a new count, Release consumes one.
type SharedChunk struct {
	header *ChunkHeader
	coll   *Collection
}

// IsValid reports whether the handle refers to a chunk.
func (c SharedChunk) IsValid() bool { return c.header != nil }

// Header returns the chunk header.
func (c SharedChunk) Header() *ChunkHeader { return c.header }

// Ref returns the chunk's shareable reference.
func (c SharedChunk) Ref() ChunkRef { return c.header.Ref() }

// Payload returns the user payload backed by shared memory. The slice is
// valid until the handle's reference is released.
func (c SharedChunk) Payload() []byte { return c.header.Payload() }

// Clone takes an additional reference and returns a handle for it.
func (c SharedChunk) Clone() SharedChunk {
	atomic.AddUint32(&c.header.refCount, 1)
	return c
}

// AddRefs takes n references in one step. Used by the distributor to pay for
// all fan-out deliveries up front.
func (c SharedChunk) AddRefs(n uint32) {
	atomic.AddUint32(&c.header.refCount, n)
}

// Release drops one reference. On the 1 to 0 transition the block returns to
// its pool; the decrement orders all prior payload accesses before the block
// becomes reallocatable.
func (c SharedChunk) Release() {
	prior := atomic.AddUint32(&c.header.refCount, ^uint32(0)) + 1
	if prior == 0 {
		report.Fail("chunk %#x: reference count underflow", uint32(c.Ref()))
		return
	}
	if prior == 1 {
		ref := c.Ref()
		c.coll.Pool(ref.PoolID()).ReleaseBlock(ref.Index())
	}
}
