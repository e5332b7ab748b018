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
	"github.com/quanqixian/iceoryx/internal/config"
	"github.com/quanqixian/iceoryx/internal/mepoo"
	"github.com/quanqixian/iceoryx/internal/shm"
)

// Layout fixes every offset inside the user segment. It is a pure function
// of the configuration, so the broker and every application process compute
// identical values; nothing but the configuration hash needs to be
// exchanged.
type Layout struct {
	Pools []mepoo.PoolPlacement

	PubRecordsOff uint64
	PubRecordSize uint64
	SubRecordsOff uint64
	SubRecordSize uint64

	MaxPublishers              uint32
	MaxSubscribers             uint32
	MaxSubscribersPerPublisher uint32
	MaxHistory                 uint32

	// QueuePhys is the physical ring size of every subscriber queue, the
	// smallest power of two holding MaxQueueCapacity.
	QueuePhys uint64

	TotalSize uint64
}

// recordHeaderSize is the fixed prefix of both record kinds; the variable
// arenas (distributor slots, history ring, index queue) follow it.
const recordHeaderSize = 256

// ComputeLayout plans the segment for a validated configuration.
func ComputeLayout(cfg *config.Config) Layout {
	l := Layout{
		MaxPublishers:              cfg.Limits.MaxPublishers,
		MaxSubscribers:             cfg.Limits.MaxSubscribers,
		MaxSubscribersPerPublisher: cfg.Limits.MaxSubscribersPerPublisher,
		MaxHistory:                 cfg.Limits.MaxHistoryCapacity,
		QueuePhys:                  nextPow2(uint64(cfg.Limits.MaxQueueCapacity)),
	}

	var off uint64 = shm.ManagementHeaderSize
	l.Pools, off = mepoo.PlanPools(cfg.Pools, off)

	l.PubRecordSize = shm.AlignUp(
		recordHeaderSize+
			uint64(l.MaxSubscribersPerPublisher)*distSlotSize+
			uint64(l.MaxHistory)*4,
		shm.CacheLineSize)
	off = shm.AlignUp(off, shm.CacheLineSize)
	l.PubRecordsOff = off
	off += uint64(l.MaxPublishers) * l.PubRecordSize

	l.SubRecordSize = shm.AlignUp(
		recordHeaderSize+mepoo.IndexQueueSize(l.QueuePhys),
		shm.CacheLineSize)
	off = shm.AlignUp(off, shm.CacheLineSize)
	l.SubRecordsOff = off
	off += uint64(l.MaxSubscribers) * l.SubRecordSize

	l.TotalSize = shm.AlignUp(off, shm.CacheLineSize)
	return l
}

func (l Layout) pubRecordOff(i uint32) uint64 {
	return l.PubRecordsOff + uint64(i)*l.PubRecordSize
}

func (l Layout) subRecordOff(i uint32) uint64 {
	return l.SubRecordsOff + uint64(i)*l.SubRecordSize
}

func nextPow2(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	p := uint64(1)
	for p < n {
		p <<= 1
	}
	return p
}
