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

// Package runtime is the application-side client of the broker: it registers
// the process, maps the shared segment, creates and offboards ports through
// the broker, and keeps the registration alive.
package runtime

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quanqixian/iceoryx/internal/config"
	"github.com/quanqixian/iceoryx/internal/mepoo"
	"github.com/quanqixian/iceoryx/internal/popo"
	"github.com/quanqixian/iceoryx/internal/shm"
)

var (
	// ErrRegistrationTimeout means the broker did not answer in time.
	ErrRegistrationTimeout = errors.New("runtime: registration timed out")

	// ErrRegistrationRejected means the broker answered NACK.
	ErrRegistrationRejected = errors.New("runtime: registration rejected")

	// ErrMalformedReply means the broker's reply did not parse.
	ErrMalformedReply = errors.New("runtime: malformed broker reply")

	// ErrShutdown means the runtime was already shut down.
	ErrShutdown = errors.New("runtime: already shut down")
)

// Options configures Register.
type Options struct {
	// ProcessName identifies the process to the broker. Non-empty, at most
	// 64 bytes, no whitespace.
	ProcessName string

	// Config must be the record the broker runs with; the segment's config
	// hash is checked on open. Required.
	Config *config.Config

	// SocketPath overrides Config.Broker.SocketPath when non-empty.
	SocketPath string

	// Logger receives runtime lifecycle events. Defaults to slog.Default.
	Logger *slog.Logger
}

// Runtime is one registered process's connection to the middleware: the
// broker session plus the mapped segment. Safe for concurrent use.
type Runtime struct {
	name string
	id   string
	slot uint32
	cfg  *config.Config
	log  *slog.Logger

	mu   sync.Mutex // serializes request/reply pairs on conn
	conn net.Conn

	seg *shm.Segment
	reg *popo.PortRegistry

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// PublisherOptions overrides the configured port defaults. A nil options
// value uses Config.Ports.
type PublisherOptions struct {
	HistoryCapacity uint32
	Offer           bool
}

// SubscriberOptions overrides the configured port defaults. A nil options
// value uses Config.Ports with no history request.
type SubscriberOptions struct {
	QueueCapacity  uint32
	HistoryRequest uint32
	Policy         config.QueuePolicy
}

// Register connects to the broker, performs the registration handshake and
// maps the shared segment. The returned runtime sends keep-alives until
// Shutdown.
func Register(opts Options) (*Runtime, error) {
	if err := validateName(opts.ProcessName); err != nil {
		return nil, err
	}
	if opts.Config == nil {
		return nil, fmt.Errorf("runtime: options require a config record")
	}
	cfg := opts.Config
	socketPath := opts.SocketPath
	if socketPath == "" {
		socketPath = cfg.Broker.SocketPath
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	timeout := cfg.Broker.RegistrationTimeout
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return nil, fmt.Errorf("runtime: dial broker at %s: %w", socketPath, err)
	}

	r := &Runtime{
		name: opts.ProcessName,
		cfg:  cfg,
		log:  log,
		conn: conn,
		done: make(chan struct{}),
	}
	if err := r.register(timeout); err != nil {
		conn.Close()
		return nil, err
	}

	r.wg.Add(1)
	go r.keepAliveLoop()

	log.Info("runtime registered",
		"process", r.name, "runtimeId", r.id, "slot", r.slot, "segment", r.seg.Name)
	return r, nil
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("runtime: process name must not be empty")
	}
	if len(name) > 64 {
		return fmt.Errorf("runtime: process name %q exceeds 64 bytes", name)
	}
	if strings.ContainsAny(name, " \t\r\n") {
		return fmt.Errorf("runtime: process name %q contains whitespace", name)
	}
	return nil
}

// register runs the REG handshake and maps the segment named in the ACK.
func (r *Runtime) register(timeout time.Duration) error {
	reply, err := r.roundTrip(timeout,
		MsgRegister, r.name, ProtocolVersion, strconv.Itoa(os.Getpid()))
	if err != nil {
		return err
	}
	if reply[0] == MsgNack {
		return fmt.Errorf("%w: %s", ErrRegistrationRejected, nackReason(reply))
	}
	if reply[0] != MsgAck || len(reply) != 5 {
		return fmt.Errorf("%w: %q", ErrMalformedReply, strings.Join(reply, " "))
	}

	segName := reply[1]
	if _, err := uuid.Parse(reply[2]); err != nil {
		return fmt.Errorf("%w: runtime id %q: %v", ErrMalformedReply, reply[2], err)
	}
	segSize, err := strconv.ParseUint(reply[3], 10, 64)
	if err != nil {
		return fmt.Errorf("%w: segment size %q", ErrMalformedReply, reply[3])
	}
	slot, err := strconv.ParseUint(reply[4], 10, 32)
	if err != nil || slot >= config.MaxProcesses {
		return fmt.Errorf("%w: runtime slot %q", ErrMalformedReply, reply[4])
	}

	seg, err := shm.OpenSegment(segName, r.cfg.Hash())
	if err != nil {
		return fmt.Errorf("runtime: map segment %s: %w", segName, err)
	}
	if seg.Size() != segSize {
		seg.Close()
		return fmt.Errorf("%w: segment size %d, broker announced %d",
			ErrMalformedReply, seg.Size(), segSize)
	}

	layout := popo.ComputeLayout(r.cfg)
	coll := mepoo.OpenCollection(seg, layout.Pools)

	r.id = reply[2]
	r.slot = uint32(slot)
	r.seg = seg
	r.reg = popo.NewPortRegistry(seg, coll, layout)
	return nil
}

// roundTrip sends one request and reads its reply under a hard deadline.
func (r *Runtime) roundTrip(timeout time.Duration, fields ...string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("runtime: set deadline: %w", err)
	}
	if err := WriteMessage(r.conn, fields...); err != nil {
		return nil, timeoutErr(err)
	}
	reply, err := ReadMessage(r.conn)
	if err != nil {
		return nil, timeoutErr(err)
	}
	return reply, nil
}

func timeoutErr(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", ErrRegistrationTimeout, err)
	}
	return err
}

func nackReason(reply []string) string {
	if len(reply) > 1 {
		return strings.Join(reply[1:], " ")
	}
	return "unspecified"
}

// request sends one post-registration request and returns the ACK fields
// past the verb, or an error carrying the NACK reason.
func (r *Runtime) request(wantFields int, fields ...string) ([]string, error) {
	select {
	case <-r.done:
		return nil, ErrShutdown
	default:
	}
	reply, err := r.roundTrip(r.cfg.Broker.RegistrationTimeout, fields...)
	if err != nil {
		return nil, err
	}
	switch {
	case reply[0] == MsgNack:
		return nil, fmt.Errorf("runtime: broker rejected %s: %s", fields[0], nackReason(reply))
	case reply[0] != MsgAck || len(reply) != 1+wantFields:
		return nil, fmt.Errorf("%w: %q", ErrMalformedReply, strings.Join(reply, " "))
	}
	return reply[1:], nil
}

// keepAliveLoop pings the broker at the configured interval until Shutdown.
// A failed ping is logged and retried; the broker monitor decides when the
// process counts as dead.
func (r *Runtime) keepAliveLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.Broker.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			if _, err := r.request(0, MsgKeepAlive, r.id); err != nil && !errors.Is(err, ErrShutdown) {
				r.log.Warn("keep-alive failed", "process", r.name, "error", err)
			}
		}
	}
}

// ID returns the broker-issued session token.
func (r *Runtime) ID() string { return r.id }

// Slot returns the runtime slot, the process's index into chunk ownership
// bitmaps.
func (r *Runtime) Slot() uint32 { return r.slot }

// Registry exposes the port registry over the mapped segment.
func (r *Runtime) Registry() *popo.PortRegistry { return r.reg }

// NewPublisher asks the broker for a publisher port on the service tuple and
// resolves it locally. nil opts uses the configured port defaults.
func (r *Runtime) NewPublisher(tuple popo.ServiceTuple, opts *PublisherOptions) (*popo.Publisher, error) {
	if err := tuple.Validate(); err != nil {
		return nil, err
	}
	histCap := r.cfg.Ports.HistoryCapacity
	offer := r.cfg.Ports.OfferOnCreate
	if opts != nil {
		histCap = opts.HistoryCapacity
		offer = opts.Offer
	}
	offerField := "0"
	if offer {
		offerField = "1"
	}
	reply, err := r.request(1, MsgCreatePub, r.id,
		tuple.Service, tuple.Instance, tuple.Event,
		strconv.FormatUint(uint64(histCap), 10), offerField)
	if err != nil {
		return nil, err
	}
	id, err := parsePortID(reply[0])
	if err != nil {
		return nil, err
	}
	return r.reg.Publisher(id, r.slot)
}

// NewSubscriber asks the broker for a subscriber port on the service tuple
// and resolves it locally. The port is not attached to publishers until
// Subscribe. nil opts uses the configured port defaults with no history
// request.
func (r *Runtime) NewSubscriber(tuple popo.ServiceTuple, opts *SubscriberOptions) (*popo.Subscriber, error) {
	if err := tuple.Validate(); err != nil {
		return nil, err
	}
	queueCap := r.cfg.Ports.QueueCapacity
	histReq := uint32(0)
	policy := r.cfg.Ports.QueuePolicy
	if opts != nil {
		queueCap = opts.QueueCapacity
		histReq = opts.HistoryRequest
		policy = opts.Policy
	}
	reply, err := r.request(1, MsgCreateSub, r.id,
		tuple.Service, tuple.Instance, tuple.Event,
		strconv.FormatUint(uint64(queueCap), 10),
		strconv.FormatUint(uint64(histReq), 10),
		strconv.FormatUint(uint64(policy), 10))
	if err != nil {
		return nil, err
	}
	id, err := parsePortID(reply[0])
	if err != nil {
		return nil, err
	}
	return r.reg.Subscriber(id, r.slot)
}

// OffboardPublisher stops the port and releases its record through the
// broker. The local handle must not be used afterwards.
func (r *Runtime) OffboardPublisher(p *popo.Publisher) error {
	p.StopOffer()
	_, err := r.request(0, MsgOffboard, r.id, KindPublisher, formatPortID(p.ID()))
	return err
}

// OffboardSubscriber detaches the port and releases its record through the
// broker. The local handle must not be used afterwards.
func (r *Runtime) OffboardSubscriber(s *popo.Subscriber) error {
	_, err := r.request(0, MsgOffboard, r.id, KindSubscriber, formatPortID(s.ID()))
	return err
}

// Shutdown stops the keep-alive loop, closes the broker connection and
// unmaps the segment. The broker frees the process's remaining ports when
// the connection drops.
func (r *Runtime) Shutdown() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
		err = r.conn.Close()
		if segErr := r.seg.Close(); err == nil {
			err = segErr
		}
		r.log.Info("runtime shut down", "process", r.name)
	})
	return err
}

func parsePortID(s string) (popo.PortID, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: port id %q", ErrMalformedReply, s)
	}
	return popo.PortID(v), nil
}

func formatPortID(id popo.PortID) string {
	return strconv.FormatUint(uint64(id), 16)
}
