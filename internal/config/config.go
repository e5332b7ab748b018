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

// Package config defines the declarative configuration record shared by the
// broker and application runtimes. The record fixes every capacity in the
// system at startup; there are no hidden defaults and every field has a
// documented legal range. Two processes agree on a segment layout if and only
// if their records hash identically.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"gopkg.in/yaml.v3"
)

// Limits fixed by the on-disk format rather than by configuration.
const (
	// MaxProcesses bounds the number of concurrently registered processes.
	// Chunk ownership is tracked in a 64-bit bitmap, one bit per runtime slot.
	MaxProcesses = 64

	// BlockAlignment is the alignment of every pool block, one cache line.
	// The 56-byte chunk header occupies the start of each block.
	BlockAlignment = 64
)

// QueuePolicy selects the behavior of a full subscriber queue.
type QueuePolicy uint32

const (
	// DiscardOldestData drops the oldest queued sample to admit a new one.
	DiscardOldestData QueuePolicy = iota
	// BlockProducer makes the publisher wait until the queue has space.
	BlockProducer
)

func (p QueuePolicy) String() string {
	switch p {
	case DiscardOldestData:
		return "DiscardOldest"
	case BlockProducer:
		return "BlockProducer"
	}
	return fmt.Sprintf("QueuePolicy(%d)", uint32(p))
}

// UnmarshalYAML parses the two documented spellings.
func (p *QueuePolicy) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	switch s {
	case "DiscardOldest":
		*p = DiscardOldestData
	case "BlockProducer":
		*p = BlockProducer
	default:
		return fmt.Errorf("unknown queue policy %q (want DiscardOldest or BlockProducer)", s)
	}
	return nil
}

// PoolConfig describes one fixed-size memory pool.
// Legal ranges: BlockSize in [128, 1<<30] and a multiple of 64;
// BlockCount in [1, 1<<20].
type PoolConfig struct {
	BlockSize  uint32 `yaml:"blockSize"`
	BlockCount uint32 `yaml:"blockCount"`
}

// PortDefaults configures publisher and subscriber endpoints.
// Legal ranges: HistoryCapacity in [0, limits.maxHistoryCapacity];
// QueueCapacity in [1, limits.maxQueueCapacity].
type PortDefaults struct {
	HistoryCapacity uint32      `yaml:"historyCapacity"`
	QueueCapacity   uint32      `yaml:"queueCapacity"`
	QueuePolicy     QueuePolicy `yaml:"subscriberQueuePolicy"`
	OfferOnCreate   bool        `yaml:"offerOnCreate"`
}

// BrokerConfig configures the central daemon.
// Legal ranges: KeepAliveInterval in [10ms, 10s]; DeadInterval in
// (KeepAliveInterval, 60s]; RegistrationTimeout in [100ms, 60s].
type BrokerConfig struct {
	SocketPath          string        `yaml:"socketPath"`
	SegmentName         string        `yaml:"segmentName"`
	DeadInterval        time.Duration `yaml:"deadInterval"`
	KeepAliveInterval   time.Duration `yaml:"keepAliveInterval"`
	RegistrationTimeout time.Duration `yaml:"registrationTimeout"`
}

// LimitsConfig bounds the endpoint arenas carved out of the segment.
// Legal ranges: MaxPublishers, MaxSubscribers in [1, 1024];
// MaxSubscribersPerPublisher in [1, 256]; MaxQueueCapacity in [1, 256];
// MaxHistoryCapacity in [0, 16].
type LimitsConfig struct {
	MaxPublishers              uint32 `yaml:"maxPublishers"`
	MaxSubscribers             uint32 `yaml:"maxSubscribers"`
	MaxSubscribersPerPublisher uint32 `yaml:"maxSubscribersPerPublisher"`
	MaxQueueCapacity           uint32 `yaml:"maxQueueCapacity"`
	MaxHistoryCapacity         uint32 `yaml:"maxHistoryCapacity"`
}

// Config is the complete declarative record.
type Config struct {
	Pools  []PoolConfig `yaml:"pools"`
	Ports  PortDefaults `yaml:"ports"`
	Broker BrokerConfig `yaml:"broker"`
	Limits LimitsConfig `yaml:"limits"`
}

var (
	ErrNoPools        = errors.New("config: at least one pool is required")
	ErrPoolOrder      = errors.New("config: pool block sizes must be strictly increasing")
	ErrFieldOutOfRange = errors.New("config: field out of legal range")
)

func rangeErr(field string, got any, legal string) error {
	return fmt.Errorf("%w: %s = %v (legal range %s)", ErrFieldOutOfRange, field, got, legal)
}

// Validate checks every field against its documented legal range.
func (c *Config) Validate() error {
	if len(c.Pools) == 0 {
		return ErrNoPools
	}
	prev := uint32(0)
	for i, p := range c.Pools {
		if p.BlockSize < 128 || p.BlockSize > 1<<30 || p.BlockSize%BlockAlignment != 0 {
			return rangeErr(fmt.Sprintf("pools[%d].blockSize", i), p.BlockSize, "[128, 1<<30], multiple of 64")
		}
		if p.BlockCount < 1 || p.BlockCount > 1<<20 {
			return rangeErr(fmt.Sprintf("pools[%d].blockCount", i), p.BlockCount, "[1, 1<<20]")
		}
		if p.BlockSize <= prev {
			return ErrPoolOrder
		}
		prev = p.BlockSize
	}
	if c.Ports.HistoryCapacity > c.Limits.MaxHistoryCapacity {
		return rangeErr("ports.historyCapacity", c.Ports.HistoryCapacity, fmt.Sprintf("[0, %d]", c.Limits.MaxHistoryCapacity))
	}
	if c.Ports.QueueCapacity < 1 || c.Ports.QueueCapacity > c.Limits.MaxQueueCapacity {
		return rangeErr("ports.queueCapacity", c.Ports.QueueCapacity, fmt.Sprintf("[1, %d]", c.Limits.MaxQueueCapacity))
	}
	if c.Limits.MaxPublishers < 1 || c.Limits.MaxPublishers > 1024 {
		return rangeErr("limits.maxPublishers", c.Limits.MaxPublishers, "[1, 1024]")
	}
	if c.Limits.MaxSubscribers < 1 || c.Limits.MaxSubscribers > 1024 {
		return rangeErr("limits.maxSubscribers", c.Limits.MaxSubscribers, "[1, 1024]")
	}
	if c.Limits.MaxSubscribersPerPublisher < 1 || c.Limits.MaxSubscribersPerPublisher > 256 {
		return rangeErr("limits.maxSubscribersPerPublisher", c.Limits.MaxSubscribersPerPublisher, "[1, 256]")
	}
	if c.Limits.MaxQueueCapacity < 1 || c.Limits.MaxQueueCapacity > 256 {
		return rangeErr("limits.maxQueueCapacity", c.Limits.MaxQueueCapacity, "[1, 256]")
	}
	if c.Limits.MaxHistoryCapacity > 16 {
		return rangeErr("limits.maxHistoryCapacity", c.Limits.MaxHistoryCapacity, "[0, 16]")
	}
	if c.Broker.KeepAliveInterval < 10*time.Millisecond || c.Broker.KeepAliveInterval > 10*time.Second {
		return rangeErr("broker.keepAliveInterval", c.Broker.KeepAliveInterval, "[10ms, 10s]")
	}
	if c.Broker.DeadInterval <= c.Broker.KeepAliveInterval || c.Broker.DeadInterval > 60*time.Second {
		return rangeErr("broker.deadInterval", c.Broker.DeadInterval, "(keepAliveInterval, 60s]")
	}
	if c.Broker.RegistrationTimeout < 100*time.Millisecond || c.Broker.RegistrationTimeout > 60*time.Second {
		return rangeErr("broker.registrationTimeout", c.Broker.RegistrationTimeout, "[100ms, 60s]")
	}
	if c.Broker.SocketPath == "" {
		return rangeErr("broker.socketPath", c.Broker.SocketPath, "non-empty path")
	}
	if c.Broker.SegmentName == "" {
		return rangeErr("broker.segmentName", c.Broker.SegmentName, "non-empty name")
	}
	return nil
}

// Hash returns the layout-relevant digest of the record. Two processes mapping
// the same segment must agree on this value; it is stamped into the segment
// management header at creation and checked on open. Timing and socket fields
// do not influence the layout and are excluded.
func (c *Config) Hash() uint64 {
	d := xxhash.New()
	for _, p := range c.Pools {
		fmt.Fprintf(d, "pool:%d:%d;", p.BlockSize, p.BlockCount)
	}
	fmt.Fprintf(d, "limits:%d:%d:%d:%d:%d;",
		c.Limits.MaxPublishers, c.Limits.MaxSubscribers,
		c.Limits.MaxSubscribersPerPublisher, c.Limits.MaxQueueCapacity,
		c.Limits.MaxHistoryCapacity)
	return d.Sum64()
}

// Parse decodes and validates a YAML record.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	// Pools may be listed in any order in the file; the layout sorts them.
	sort.Slice(c.Pools, func(i, j int) bool { return c.Pools[i].BlockSize < c.Pools[j].BlockSize })
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Load reads and parses a YAML record from a file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}
