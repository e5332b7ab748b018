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
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/quanqixian/iceoryx/internal/concurrent"
	"github.com/quanqixian/iceoryx/internal/config"
	"github.com/quanqixian/iceoryx/internal/mepoo"
	"github.com/quanqixian/iceoryx/internal/popo"
	"github.com/quanqixian/iceoryx/internal/shm"
)

// Daemon is the broker: sole creator and owner of the shared segment,
// registration endpoint, and reclaimer of dead processes' resources.
type Daemon struct {
	cfg *config.Config
	log *slog.Logger

	seg   *shm.Segment
	coll  *mepoo.Collection
	ports *popo.PortRegistry
	reg   *registry

	ln net.Listener

	// allocMu serializes endpoint record allocation and wiring; the record
	// tables have no cross-process allocation protocol because only the
	// broker allocates.
	allocMu sync.Mutex

	// events carries dead processes from the monitor to the reclaimer. Its
	// capacity equals the process limit, so a push cannot fail.
	events *concurrent.ResizeableLockFreeQueue[*process]
	wake   chan struct{}

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
	connWG sync.WaitGroup
}

// New validates the configuration, creates and initializes the shared
// segment, and binds the registration socket. A leftover segment or socket
// from a previous broker is removed; the broker is their only legitimate
// owner.
func New(cfg *config.Config, log *slog.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	segName := cfg.Broker.SegmentName
	if shm.SegmentExists(segName) {
		log.Warn("removing stale segment from a previous broker", "segment", segName)
		if err := shm.RemoveSegment(segName); err != nil {
			return nil, fmt.Errorf("roudi: remove stale segment: %w", err)
		}
	}

	layout := popo.ComputeLayout(cfg)
	seg, err := shm.CreateSegment(segName, layout.TotalSize)
	if err != nil {
		return nil, err
	}
	coll := mepoo.InitCollection(seg, layout.Pools)
	ports := popo.NewPortRegistry(seg, coll, layout)
	ports.InitRecords()
	seg.Header().SetConfigHash(cfg.Hash())
	seg.Header().SetReady()

	if err := os.Remove(cfg.Broker.SocketPath); err != nil && !os.IsNotExist(err) {
		seg.Close()
		shm.RemoveSegment(segName)
		return nil, fmt.Errorf("roudi: remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", cfg.Broker.SocketPath)
	if err != nil {
		seg.Close()
		shm.RemoveSegment(segName)
		return nil, fmt.Errorf("roudi: listen on %s: %w", cfg.Broker.SocketPath, err)
	}

	d := &Daemon{
		cfg:    cfg,
		log:    log,
		seg:    seg,
		coll:   coll,
		ports:  ports,
		reg:    newRegistry(),
		ln:     ln,
		events: concurrent.NewResizeableLockFreeQueue[*process](config.MaxProcesses, config.MaxProcesses),
		wake:   make(chan struct{}, 1),
		conns:  make(map[net.Conn]struct{}),
	}
	log.Info("broker up",
		"segment", segName, "segmentSize", layout.TotalSize,
		"socket", cfg.Broker.SocketPath, "pools", len(cfg.Pools))
	return d, nil
}

// Run serves registrations and monitors process liveness until the context
// is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		d.ln.Close()
		d.connMu.Lock()
		for conn := range d.conns {
			conn.Close()
		}
		d.connMu.Unlock()
		return nil
	})
	g.Go(d.acceptLoop)
	g.Go(func() error { return d.monitorLoop(ctx) })
	g.Go(func() error { return d.reclaimLoop(ctx) })

	err := g.Wait()
	d.connWG.Wait()
	return err
}

func (d *Daemon) acceptLoop() error {
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("roudi: accept: %w", err)
		}
		d.connMu.Lock()
		d.conns[conn] = struct{}{}
		d.connMu.Unlock()
		d.connWG.Add(1)
		go d.serve(conn)
	}
}

func (d *Daemon) dropConn(conn net.Conn) {
	d.connMu.Lock()
	delete(d.conns, conn)
	d.connMu.Unlock()
	conn.Close()
}

// Close releases the broker's resources. Call after Run has returned.
func (d *Daemon) Close() error {
	err := d.seg.Close()
	if rmErr := shm.RemoveSegment(d.cfg.Broker.SegmentName); err == nil {
		err = rmErr
	}
	if rmErr := os.Remove(d.cfg.Broker.SocketPath); err == nil && rmErr != nil && !os.IsNotExist(rmErr) {
		err = rmErr
	}
	return err
}
