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
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
)

func TestMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, MsgRegister, "sensor", ProtocolVersion, "4242"); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	fields, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	want := []string{"REG", "sensor", "1", "4242"}
	if len(fields) != len(want) {
		t.Fatalf("got %d fields %v, want %v", len(fields), fields, want)
	}
	for i := range want {
		if fields[i] != want[i] {
			t.Errorf("field %d = %q, want %q", i, fields[i], want[i])
		}
	}
}

func TestWriteMessageRejectsBadFields(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf); err == nil {
		t.Error("empty message accepted")
	}
	if err := WriteMessage(&buf, "REG", ""); err == nil {
		t.Error("empty field accepted")
	}
	if err := WriteMessage(&buf, "REG", "two words"); err == nil {
		t.Error("field with space accepted")
	}
	if err := WriteMessage(&buf, "REG", "tab\there"); err == nil {
		t.Error("field with tab accepted")
	}
	if buf.Len() != 0 {
		t.Errorf("rejected writes left %d bytes in the buffer", buf.Len())
	}
}

func TestReadMessageRejectsBadFrames(t *testing.T) {
	// Zero length.
	var zero bytes.Buffer
	binary.Write(&zero, binary.LittleEndian, uint32(0))
	if _, err := ReadMessage(&zero); err == nil {
		t.Error("zero-length frame accepted")
	}

	// Oversized length.
	var huge bytes.Buffer
	binary.Write(&huge, binary.LittleEndian, uint32(maxWireMessage+1))
	if _, err := ReadMessage(&huge); err == nil {
		t.Error("oversized frame accepted")
	}

	// Truncated payload.
	var short bytes.Buffer
	binary.Write(&short, binary.LittleEndian, uint32(10))
	short.WriteString("ACK")
	if _, err := ReadMessage(&short); err == nil {
		t.Error("truncated frame accepted")
	}
}

func TestWriteMessageLimitEnforced(t *testing.T) {
	var buf bytes.Buffer
	big := strings.Repeat("x", maxWireMessage+1)
	if err := WriteMessage(&buf, big); err == nil {
		t.Error("payload past the limit accepted")
	}
}
