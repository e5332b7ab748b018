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
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/quanqixian/iceoryx/internal/config"
	"github.com/quanqixian/iceoryx/internal/popo"
	"github.com/quanqixian/iceoryx/internal/runtime"
)

func testConfig(socketPath, segName string) *config.Config {
	return &config.Config{
		Pools: []config.PoolConfig{
			{BlockSize: 256, BlockCount: 16},
			{BlockSize: 1024, BlockCount: 4},
		},
		Ports: config.PortDefaults{
			HistoryCapacity: 2,
			QueueCapacity:   8,
			QueuePolicy:     config.DiscardOldestData,
			OfferOnCreate:   true,
		},
		Broker: config.BrokerConfig{
			SocketPath:          socketPath,
			SegmentName:         segName,
			KeepAliveInterval:   20 * time.Millisecond,
			DeadInterval:        200 * time.Millisecond,
			RegistrationTimeout: time.Second,
		},
		Limits: config.LimitsConfig{
			MaxPublishers:              4,
			MaxSubscribers:             4,
			MaxSubscribersPerPublisher: 4,
			MaxQueueCapacity:           16,
			MaxHistoryCapacity:         4,
		},
	}
}

func startDaemon(t *testing.T) (*Daemon, *config.Config) {
	t.Helper()
	segName := fmt.Sprintf("roudi_test_%d", time.Now().UnixNano())
	socketPath := filepath.Join(t.TempDir(), "iox.sock")
	cfg := testConfig(socketPath, segName)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	d, err := New(cfg, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Run did not stop")
		}
		d.Close()
	})
	return d, cfg
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestEndToEndThroughDaemon(t *testing.T) {
	_, cfg := startDaemon(t)

	rt, err := runtime.Register(runtime.Options{
		ProcessName: "camera",
		Config:      cfg,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	defer rt.Shutdown()

	tuple := popo.ServiceTuple{Service: "camera", Instance: "front", Event: "frames"}
	pub, err := rt.NewPublisher(tuple, nil)
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	sub, err := rt.NewSubscriber(tuple, nil)
	if err != nil {
		t.Fatalf("NewSubscriber: %v", err)
	}
	sub.Subscribe()

	chunk, err := pub.Loan(4, 4)
	if err != nil {
		t.Fatalf("Loan: %v", err)
	}
	copy(chunk.Payload(), []byte{0xCA, 0xFE, 0xBA, 0xBE})
	if err := pub.Publish(chunk); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got, ok := sub.TryTake()
	if !ok {
		t.Fatal("TryTake: no sample delivered")
	}
	p := got.Payload()
	want := []byte{0xCA, 0xFE, 0xBA, 0xBE}
	for i := range want {
		if p[i] != want[i] {
			t.Fatalf("payload[%d] = %#x, want %#x", i, p[i], want[i])
		}
	}
	sub.Release(got)

	if err := rt.OffboardPublisher(pub); err != nil {
		t.Fatalf("OffboardPublisher: %v", err)
	}
	if err := rt.OffboardSubscriber(sub); err != nil {
		t.Fatalf("OffboardSubscriber: %v", err)
	}
}

// rawClient speaks the registration protocol directly so tests can control
// exactly which messages are sent and when the connection drops.
type rawClient struct {
	t    *testing.T
	conn net.Conn
	id   string
	slot uint32
}

func dialRaw(t *testing.T, cfg *config.Config, name string, pid int) *rawClient {
	t.Helper()
	conn, err := net.Dial("unix", cfg.Broker.SocketPath)
	if err != nil {
		t.Fatalf("dial broker: %v", err)
	}
	c := &rawClient{t: t, conn: conn}
	reply := c.roundTrip(runtime.MsgRegister, name, runtime.ProtocolVersion, fmt.Sprint(pid))
	if len(reply) != 5 || reply[0] != runtime.MsgAck {
		t.Fatalf("register reply = %v", reply)
	}
	c.id = reply[2]
	var slot uint32
	if _, err := fmt.Sscanf(reply[4], "%d", &slot); err != nil {
		t.Fatalf("register slot %q: %v", reply[4], err)
	}
	c.slot = slot
	return c
}

func (c *rawClient) roundTrip(fields ...string) []string {
	c.t.Helper()
	if err := runtime.WriteMessage(c.conn, fields...); err != nil {
		c.t.Fatalf("WriteMessage: %v", err)
	}
	reply, err := runtime.ReadMessage(c.conn)
	if err != nil {
		c.t.Fatalf("ReadMessage: %v", err)
	}
	return reply
}

func (c *rawClient) createPub(tuple popo.ServiceTuple) string {
	c.t.Helper()
	reply := c.roundTrip(runtime.MsgCreatePub, c.id,
		tuple.Service, tuple.Instance, tuple.Event, "2", "1")
	if len(reply) != 2 || reply[0] != runtime.MsgAck {
		c.t.Fatalf("createpub reply = %v", reply)
	}
	return reply[1]
}

func TestGracefulDisconnectFreesPorts(t *testing.T) {
	d, cfg := startDaemon(t)
	baseline := d.coll.TotalFree()

	c := dialRaw(t, cfg, "shortlived", 1234)
	tuple := popo.ServiceTuple{Service: "lidar", Instance: "roof", Event: "scan"}
	idHex := c.createPub(tuple)
	raw, err := strconv.ParseUint(idHex, 16, 64)
	if err != nil {
		t.Fatalf("port id %q: %v", idHex, err)
	}
	id := popo.PortID(raw)
	if got := d.reg.count(); got != 1 {
		t.Fatalf("registered processes = %d, want 1", got)
	}

	c.conn.Close()

	waitFor(t, 2*time.Second, func() bool { return d.reg.count() == 0 })
	waitFor(t, 2*time.Second, func() bool {
		_, err := d.ports.Publisher(id, 0)
		return errors.Is(err, popo.ErrNoSuchPort)
	})
	if free := d.coll.TotalFree(); free != baseline {
		t.Fatalf("free chunks = %d, want %d", free, baseline)
	}
}

func TestDeadProcessReclaimed(t *testing.T) {
	d, cfg := startDaemon(t)

	c := dialRaw(t, cfg, "silent", 4321)
	defer c.conn.Close()
	tuple := popo.ServiceTuple{Service: "imu", Instance: "body", Event: "pose"}
	c.createPub(tuple)

	// The connection stays open but no keep-alives arrive, so the monitor
	// must declare the process dead on its own.
	waitFor(t, 3*time.Second, func() bool { return d.reg.count() == 0 })

	// The session token must be gone; further requests on the stale
	// connection are rejected.
	reply := c.roundTrip(runtime.MsgKeepAlive, c.id)
	if len(reply) != 2 || reply[0] != runtime.MsgNack || reply[1] != "unknown-runtime" {
		t.Fatalf("keepalive on dead session = %v", reply)
	}

	// The slot must be reusable once reclamation finishes.
	waitFor(t, 2*time.Second, func() bool {
		d.reg.mu.Lock()
		free := d.reg.slots == 0
		d.reg.mu.Unlock()
		return free
	})
}

func TestSweepOwnerReleasesChunks(t *testing.T) {
	d, _ := startDaemon(t)
	baseline := d.coll.TotalFree()

	chunk, err := d.coll.AcquireChunk(16, 8)
	if err != nil {
		t.Fatalf("AcquireChunk: %v", err)
	}
	chunk.Header().SetOwner(7)

	if n := d.sweepOwner(3); n != 0 {
		t.Fatalf("sweep of unrelated slot freed %d chunks", n)
	}
	if n := d.sweepOwner(7); n != 1 {
		t.Fatalf("sweep freed %d chunks, want 1", n)
	}
	if free := d.coll.TotalFree(); free != baseline {
		t.Fatalf("free chunks = %d, want %d", free, baseline)
	}
}

func TestRegisterRejectsBadRequests(t *testing.T) {
	_, cfg := startDaemon(t)

	conn, err := net.Dial("unix", cfg.Broker.SocketPath)
	if err != nil {
		t.Fatalf("dial broker: %v", err)
	}
	defer conn.Close()
	c := &rawClient{t: t, conn: conn}

	cases := []struct {
		fields []string
		reason string
	}{
		{[]string{runtime.MsgRegister, "app", "99", "100"}, "protocol-version-mismatch"},
		{[]string{runtime.MsgRegister, "app", runtime.ProtocolVersion, "-5"}, "bad-pid"},
		{[]string{runtime.MsgRegister, "app", runtime.ProtocolVersion}, "bad-request"},
		{[]string{runtime.MsgKeepAlive, "nosuchid"}, "unknown-runtime"},
		{[]string{"BOGUS"}, "unknown-request"},
	}
	for _, tc := range cases {
		reply := c.roundTrip(tc.fields...)
		if len(reply) != 2 || reply[0] != runtime.MsgNack || reply[1] != tc.reason {
			t.Fatalf("%v: reply = %v, want NACK %s", tc.fields, reply, tc.reason)
		}
	}
}

func TestSecondRegisterOnSameConnRejected(t *testing.T) {
	_, cfg := startDaemon(t)

	c := dialRaw(t, cfg, "twice", 99)
	defer c.conn.Close()
	reply := c.roundTrip(runtime.MsgRegister, "twice", runtime.ProtocolVersion, "99")
	if len(reply) != 2 || reply[0] != runtime.MsgNack || reply[1] != "already-registered" {
		t.Fatalf("second register reply = %v", reply)
	}
}

func TestCreatePubValidation(t *testing.T) {
	_, cfg := startDaemon(t)
	c := dialRaw(t, cfg, "app", 10)
	defer c.conn.Close()

	reply := c.roundTrip(runtime.MsgCreatePub, c.id, "a", "b", "c", "999", "1")
	if len(reply) != 2 || reply[0] != runtime.MsgNack || reply[1] != "history-capacity-out-of-range" {
		t.Fatalf("oversized history reply = %v", reply)
	}
	reply = c.roundTrip(runtime.MsgCreatePub, c.id, "", "b", "c", "2", "1")
	if len(reply) != 2 || reply[0] != runtime.MsgNack || reply[1] != "bad-service-tuple" {
		t.Fatalf("empty service reply = %v", reply)
	}
	reply = c.roundTrip(runtime.MsgCreateSub, c.id, "a", "b", "c", "999", "0", "0")
	if len(reply) != 2 || reply[0] != runtime.MsgNack || reply[1] != "queue-capacity-out-of-range" {
		t.Fatalf("oversized queue reply = %v", reply)
	}
	reply = c.roundTrip(runtime.MsgCreateSub, c.id, "a", "b", "c", "8", "0", "7")
	if len(reply) != 2 || reply[0] != runtime.MsgNack || reply[1] != "bad-queue-policy" {
		t.Fatalf("bad policy reply = %v", reply)
	}
}

func TestRegistrySlotLimit(t *testing.T) {
	r := newRegistry()
	procs := make([]*process, 0, config.MaxProcesses)
	for i := 0; i < config.MaxProcesses; i++ {
		p, err := r.register(fmt.Sprintf("p%d", i), i+1)
		if err != nil {
			t.Fatalf("register %d: %v", i, err)
		}
		if p.slot != uint32(i) {
			t.Fatalf("slot = %d, want %d", p.slot, i)
		}
		procs = append(procs, p)
	}
	if _, err := r.register("overflow", 1000); !errors.Is(err, ErrTooManyProcesses) {
		t.Fatalf("register past limit: %v", err)
	}

	// Removing a process alone does not free the slot; releaseSlot does.
	if !r.remove(procs[3]) {
		t.Fatal("remove returned false for a live process")
	}
	if r.remove(procs[3]) {
		t.Fatal("second remove returned true")
	}
	if _, err := r.register("stillfull", 1001); !errors.Is(err, ErrTooManyProcesses) {
		t.Fatalf("register before slot release: %v", err)
	}
	r.releaseSlot(procs[3].slot)
	p, err := r.register("reuse", 1002)
	if err != nil {
		t.Fatalf("register after release: %v", err)
	}
	if p.slot != procs[3].slot {
		t.Fatalf("reused slot = %d, want %d", p.slot, procs[3].slot)
	}
}

func TestRegistryExpire(t *testing.T) {
	r := newRegistry()
	stale, _ := r.register("stale", 1)
	fresh, _ := r.register("fresh", 2)

	stale.lastAlive.Store(time.Now().Add(-time.Minute).UnixNano())
	dead := r.expire(time.Now().Add(-time.Second))
	if len(dead) != 1 || dead[0] != stale {
		t.Fatalf("expire returned %v", dead)
	}
	if _, ok := r.lookup(fresh.id); !ok {
		t.Fatal("fresh process was expired")
	}
	if _, ok := r.lookup(stale.id); ok {
		t.Fatal("stale process still registered")
	}
}
