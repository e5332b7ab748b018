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

// Package roudi implements the broker daemon: it creates and owns the shared
// segment, registers application processes over a unix socket, brokers port
// creation, and reclaims the resources of processes that die.
package roudi

import (
	"errors"
	"math/bits"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/quanqixian/iceoryx/internal/config"
	"github.com/quanqixian/iceoryx/internal/popo"
)

var (
	// ErrTooManyProcesses means every runtime slot is taken.
	ErrTooManyProcesses = errors.New("roudi: registered process limit reached")

	// ErrUnknownRuntime means the presented session token is not registered.
	ErrUnknownRuntime = errors.New("roudi: unknown runtime id")
)

// portRef names one endpoint a process owns.
type portRef struct {
	kind string // KindPublisher or KindSubscriber wire token
	id   popo.PortID
}

// process is one registered application.
type process struct {
	name string
	pid  int
	id   string // broker-issued session token
	slot uint32

	lastAlive atomic.Int64 // unix nanoseconds

	mu    sync.Mutex
	ports []portRef
}

func (p *process) touch() { p.lastAlive.Store(time.Now().UnixNano()) }

func (p *process) addPort(ref portRef) {
	p.mu.Lock()
	p.ports = append(p.ports, ref)
	p.mu.Unlock()
}

func (p *process) removePort(id popo.PortID) {
	p.mu.Lock()
	for i, ref := range p.ports {
		if ref.id == id {
			p.ports = append(p.ports[:i], p.ports[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
}

func (p *process) takePorts() []portRef {
	p.mu.Lock()
	refs := p.ports
	p.ports = nil
	p.mu.Unlock()
	return refs
}

// registry is the broker's process table. Runtime slots index chunk owner
// bitmaps, so a slot stays reserved until the process's chunks are swept.
type registry struct {
	mu    sync.Mutex
	byID  map[string]*process
	slots uint64 // bitmap of reserved runtime slots
}

func newRegistry() *registry {
	return &registry{byID: make(map[string]*process)}
}

// register admits a process and reserves the lowest free runtime slot.
func (r *registry) register(name string, pid int) (*process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	free := bits.TrailingZeros64(^r.slots)
	if free >= config.MaxProcesses {
		return nil, ErrTooManyProcesses
	}
	p := &process{
		name: name,
		pid:  pid,
		id:   uuid.NewString(),
		slot: uint32(free),
	}
	p.touch()
	r.slots |= 1 << p.slot
	r.byID[p.id] = p
	return p, nil
}

// lookup resolves a session token.
func (r *registry) lookup(id string) (*process, bool) {
	r.mu.Lock()
	p, ok := r.byID[id]
	r.mu.Unlock()
	return p, ok
}

// remove takes a process out of the table. The runtime slot stays reserved;
// releaseSlot frees it once reclamation is done. Returns false when the
// process was already removed, which makes the two removal paths (connection
// close and monitor timeout) race-free.
func (r *registry) remove(p *process) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[p.id]; !ok {
		return false
	}
	delete(r.byID, p.id)
	return true
}

// releaseSlot returns a runtime slot to the free set.
func (r *registry) releaseSlot(slot uint32) {
	r.mu.Lock()
	r.slots &^= 1 << slot
	r.mu.Unlock()
}

// expire removes every process whose last keep-alive is older than the
// cutoff and returns them for reclamation.
func (r *registry) expire(cutoff time.Time) []*process {
	r.mu.Lock()
	defer r.mu.Unlock()

	var dead []*process
	for id, p := range r.byID {
		if p.lastAlive.Load() < cutoff.UnixNano() {
			delete(r.byID, id)
			dead = append(dead, p)
		}
	}
	return dead
}

// count returns the number of registered processes.
func (r *registry) count() int {
	r.mu.Lock()
	n := len(r.byID)
	r.mu.Unlock()
	return n
}
