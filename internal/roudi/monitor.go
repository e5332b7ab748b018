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

package roudi

import (
	"context"
	"errors"
	"time"

	equeue "github.com/eapache/queue"

	"github.com/quanqixian/iceoryx/internal/mepoo"
	"github.com/quanqixian/iceoryx/internal/popo"
	"github.com/quanqixian/iceoryx/internal/runtime"
)

// monitorLoop declares processes dead when their last keep-alive is older
// than the dead interval and hands them to the reclaimer.
func (d *Daemon) monitorLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Broker.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		cutoff := time.Now().Add(-d.cfg.Broker.DeadInterval)
		for _, p := range d.reg.expire(cutoff) {
			d.log.Warn("process missed keep-alives, declaring dead",
				"process", p.name, "pid", p.pid, "slot", p.slot)
			if !d.events.Push(p) {
				// The queue's capacity equals the process limit, so this
				// cannot happen; reclaim inline rather than leak the slot.
				d.reclaim(p)
				continue
			}
			select {
			case d.wake <- struct{}{}:
			default:
			}
		}
	}
}

// reclaimLoop drains dead processes pushed by the monitor.
func (d *Daemon) reclaimLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.wake:
		}
		for {
			p, ok := d.events.Pop()
			if !ok {
				break
			}
			d.reclaim(p)
		}
	}
}

// reclaim frees everything a dead or disconnected process owned: its
// endpoint records first, then every chunk whose owner bit names its
// runtime slot, and finally the slot itself. Freeing ports first releases
// the history and queue references those records hold, so the owner sweep
// only claims references the process itself never dropped.
func (d *Daemon) reclaim(p *process) {
	work := equeue.New()
	for _, ref := range p.takePorts() {
		work.Add(ref)
	}
	for work.Length() > 0 {
		ref := work.Remove().(portRef)
		var err error
		switch ref.kind {
		case runtime.KindPublisher:
			err = d.ports.FreePublisher(ref.id)
		case runtime.KindSubscriber:
			err = d.ports.FreeSubscriber(ref.id)
		}
		if err != nil && !errors.Is(err, popo.ErrNoSuchPort) {
			d.log.Warn("port reclamation failed",
				"process", p.name, "kind", ref.kind, "port", uint64(ref.id), "error", err)
		}
	}

	freed := d.sweepOwner(p.slot)
	d.reg.releaseSlot(p.slot)
	d.log.Info("process resources reclaimed",
		"process", p.name, "pid", p.pid, "slot", p.slot, "chunksSwept", freed)
}

// sweepOwner releases the reference behind every chunk whose owner bitmap
// names the slot. An owner bit is set only while a process holds a local
// chunk handle, and that handle pins a reference, so each cleared bit
// corresponds to exactly one undropped reference. ClearOwner claims the bit
// with a compare-and-swap, making this sweep the sole claimant.
func (d *Daemon) sweepOwner(slot uint32) uint32 {
	var n uint32
	for _, pool := range d.coll.Pools() {
		for i := uint32(0); i < pool.BlockCount(); i++ {
			if pool.HeaderAt(i).ClearOwner(slot) {
				d.coll.ChunkFromRef(mepoo.MakeChunkRef(pool.PoolID(), i)).Release()
				n++
			}
		}
	}
	return n
}
