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
	"net"
	"strconv"

	"github.com/quanqixian/iceoryx/internal/popo"
	"github.com/quanqixian/iceoryx/internal/runtime"
)

// serve handles one client connection. The connection doubles as the
// process's graceful lifetime: when it drops, the process is offboarded and
// its resources reclaimed immediately instead of waiting for the monitor.
func (d *Daemon) serve(conn net.Conn) {
	defer d.connWG.Done()
	defer d.dropConn(conn)

	var proc *process
	defer func() {
		if proc != nil && d.reg.remove(proc) {
			d.log.Info("process disconnected", "process", proc.name, "pid", proc.pid)
			d.reclaim(proc)
		}
	}()

	for {
		req, err := runtime.ReadMessage(conn)
		if err != nil {
			return
		}
		reply := d.dispatch(&proc, req)
		if err := runtime.WriteMessage(conn, reply...); err != nil {
			return
		}
	}
}

func nack(reason string) []string { return []string{runtime.MsgNack, reason} }

func (d *Daemon) dispatch(proc **process, req []string) []string {
	switch req[0] {
	case runtime.MsgRegister:
		return d.handleRegister(proc, req)
	case runtime.MsgKeepAlive:
		return d.handleKeepAlive(req)
	case runtime.MsgCreatePub:
		return d.handleCreatePub(req)
	case runtime.MsgCreateSub:
		return d.handleCreateSub(req)
	case runtime.MsgOffboard:
		return d.handleOffboard(req)
	default:
		return nack("unknown-request")
	}
}

func (d *Daemon) handleRegister(proc **process, req []string) []string {
	if len(req) != 4 {
		return nack("bad-request")
	}
	if *proc != nil {
		return nack("already-registered")
	}
	if req[2] != runtime.ProtocolVersion {
		return nack("protocol-version-mismatch")
	}
	pid, err := strconv.Atoi(req[3])
	if err != nil || pid <= 0 {
		return nack("bad-pid")
	}

	p, err := d.reg.register(req[1], pid)
	if err != nil {
		d.log.Warn("registration rejected", "process", req[1], "pid", pid, "error", err)
		return nack("registry-full")
	}
	*proc = p
	d.log.Info("process registered",
		"process", p.name, "pid", p.pid, "slot", p.slot, "runtimeId", p.id)
	return []string{runtime.MsgAck,
		d.cfg.Broker.SegmentName,
		p.id,
		strconv.FormatUint(d.seg.Size(), 10),
		strconv.FormatUint(uint64(p.slot), 10)}
}

func (d *Daemon) handleKeepAlive(req []string) []string {
	if len(req) != 2 {
		return nack("bad-request")
	}
	p, ok := d.reg.lookup(req[1])
	if !ok {
		return nack("unknown-runtime")
	}
	p.touch()
	return []string{runtime.MsgAck}
}

func (d *Daemon) handleCreatePub(req []string) []string {
	if len(req) != 7 {
		return nack("bad-request")
	}
	p, ok := d.reg.lookup(req[1])
	if !ok {
		return nack("unknown-runtime")
	}
	tuple := popo.ServiceTuple{Service: req[2], Instance: req[3], Event: req[4]}
	if err := tuple.Validate(); err != nil {
		return nack("bad-service-tuple")
	}
	histCap, err := strconv.ParseUint(req[5], 10, 32)
	if err != nil || uint32(histCap) > d.cfg.Limits.MaxHistoryCapacity {
		return nack("history-capacity-out-of-range")
	}
	if req[6] != "0" && req[6] != "1" {
		return nack("bad-request")
	}

	d.allocMu.Lock()
	id, err := d.ports.AllocatePublisher(tuple, p.slot, uint32(histCap), req[6] == "1")
	if err == nil {
		d.ports.WirePublisher(id.Slot())
	}
	d.allocMu.Unlock()
	if err != nil {
		d.log.Warn("publisher allocation failed", "process", p.name, "service", tuple.String(), "error", err)
		return nack("ports-exhausted")
	}
	p.addPort(portRef{kind: runtime.KindPublisher, id: id})
	d.log.Info("publisher created", "process", p.name, "service", tuple.String(), "port", uint64(id))
	return []string{runtime.MsgAck, strconv.FormatUint(uint64(id), 16)}
}

func (d *Daemon) handleCreateSub(req []string) []string {
	if len(req) != 8 {
		return nack("bad-request")
	}
	p, ok := d.reg.lookup(req[1])
	if !ok {
		return nack("unknown-runtime")
	}
	tuple := popo.ServiceTuple{Service: req[2], Instance: req[3], Event: req[4]}
	if err := tuple.Validate(); err != nil {
		return nack("bad-service-tuple")
	}
	queueCap, err := strconv.ParseUint(req[5], 10, 32)
	if err != nil || uint32(queueCap) > d.cfg.Limits.MaxQueueCapacity {
		return nack("queue-capacity-out-of-range")
	}
	histReq, err := strconv.ParseUint(req[6], 10, 32)
	if err != nil || uint32(histReq) > d.cfg.Limits.MaxHistoryCapacity {
		return nack("history-request-out-of-range")
	}
	policy, err := strconv.ParseUint(req[7], 10, 32)
	if err != nil || policy > 1 {
		return nack("bad-queue-policy")
	}

	d.allocMu.Lock()
	id, err := d.ports.AllocateSubscriber(tuple, p.slot, uint32(queueCap), uint32(histReq), uint32(policy))
	d.allocMu.Unlock()
	if err != nil {
		d.log.Warn("subscriber allocation failed", "process", p.name, "service", tuple.String(), "error", err)
		return nack("ports-exhausted")
	}
	p.addPort(portRef{kind: runtime.KindSubscriber, id: id})
	d.log.Info("subscriber created", "process", p.name, "service", tuple.String(), "port", uint64(id))
	return []string{runtime.MsgAck, strconv.FormatUint(uint64(id), 16)}
}

func (d *Daemon) handleOffboard(req []string) []string {
	if len(req) != 4 {
		return nack("bad-request")
	}
	p, ok := d.reg.lookup(req[1])
	if !ok {
		return nack("unknown-runtime")
	}
	id, perr := strconv.ParseUint(req[3], 16, 64)
	if perr != nil {
		return nack("bad-port-id")
	}

	var err error
	switch req[2] {
	case runtime.KindPublisher:
		err = d.ports.FreePublisher(popo.PortID(id))
	case runtime.KindSubscriber:
		err = d.ports.FreeSubscriber(popo.PortID(id))
	default:
		return nack("bad-port-kind")
	}
	if err != nil {
		return nack("no-such-port")
	}
	p.removePort(popo.PortID(id))
	d.log.Info("port offboarded", "process", p.name, "kind", req[2], "port", id)
	return []string{runtime.MsgAck}
}
