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

package runtime

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// Wire protocol between application runtimes and the broker: length-prefixed
// (uint32, little-endian) text messages of whitespace-delimited fields over a
// unix stream socket. Every request gets exactly one reply.
//
//	REG <processName> <protoVersion> <pid>
//	  -> ACK <segmentName> <runtimeId> <segmentSize> <runtimeSlot>
//	  -> NACK <reason>
//	CREATEPUB <runtimeId> <service> <instance> <event> <historyCapacity> <offer>
//	  -> ACK <portId> | NACK <reason>
//	CREATESUB <runtimeId> <service> <instance> <event> <queueCapacity> <historyRequest> <policy>
//	  -> ACK <portId> | NACK <reason>
//	OFFBOARD <runtimeId> <PUB|SUB> <portId>
//	  -> ACK | NACK <reason>
//	KEEPALIVE <runtimeId>
//	  -> ACK | NACK <reason>
//
// NACK reasons are single hyphenated tokens so replies stay one field per
// value.
const (
	MsgRegister  = "REG"
	MsgAck       = "ACK"
	MsgNack      = "NACK"
	MsgCreatePub = "CREATEPUB"
	MsgCreateSub = "CREATESUB"
	MsgOffboard  = "OFFBOARD"
	MsgKeepAlive = "KEEPALIVE"
)

// Port kind tokens of OFFBOARD.
const (
	KindPublisher  = "PUB"
	KindSubscriber = "SUB"
)

// ProtocolVersion is carried in every REG; the broker rejects mismatches.
const ProtocolVersion = "1"

// maxWireMessage bounds one message payload. Every defined message fits with
// room to spare; anything larger is a framing error.
const maxWireMessage = 1024

// WriteMessage frames the fields as one message. Fields must be non-empty
// and free of whitespace.
func WriteMessage(w io.Writer, fields ...string) error {
	if len(fields) == 0 {
		return fmt.Errorf("runtime: empty message")
	}
	for _, f := range fields {
		if f == "" || strings.ContainsAny(f, " \t\r\n") {
			return fmt.Errorf("runtime: malformed message field %q", f)
		}
	}
	payload := strings.Join(fields, " ")
	if len(payload) > maxWireMessage {
		return fmt.Errorf("runtime: message of %d bytes exceeds limit %d", len(payload), maxWireMessage)
	}

	buf := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload)))
	copy(buf[4:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("runtime: write message: %w", err)
	}
	return nil
}

// ReadMessage reads one framed message and splits it into fields.
func ReadMessage(r io.Reader) ([]string, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("runtime: read message length: %w", err)
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n == 0 || n > maxWireMessage {
		return nil, fmt.Errorf("runtime: message length %d out of range (1..%d)", n, maxWireMessage)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("runtime: read message payload: %w", err)
	}
	fields := strings.Fields(string(payload))
	if len(fields) == 0 {
		return nil, fmt.Errorf("runtime: blank message")
	}
	return fields, nil
}
