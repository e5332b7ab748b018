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
	"bytes"
	"fmt"
	"strings"
)

// maxServicePart bounds each element of the service tuple so descriptions
// have a fixed shared-memory footprint.
const maxServicePart = 64

// ServiceTuple identifies a topic as (service, instance, event).
type ServiceTuple struct {
	Service  string
	Instance string
	Event    string
}

// Validate checks that every part is non-empty and fits the fixed storage.
func (t ServiceTuple) Validate() error {
	for _, part := range []struct {
		name, val string
	}{
		{"service", t.Service},
		{"instance", t.Instance},
		{"event", t.Event},
	} {
		if part.val == "" {
			return fmt.Errorf("popo: service tuple %s must not be empty", part.name)
		}
		if len(part.val) > maxServicePart {
			return fmt.Errorf("popo: service tuple %s %q exceeds %d bytes", part.name, part.val, maxServicePart)
		}
		// Tuples travel as whitespace-delimited fields of the registration
		// protocol and as NUL-padded fixed storage.
		if strings.ContainsAny(part.val, " \t\r\n") || strings.ContainsRune(part.val, 0) {
			return fmt.Errorf("popo: service tuple %s %q contains whitespace or NUL", part.name, part.val)
		}
	}
	return nil
}

func (t ServiceTuple) String() string {
	return fmt.Sprintf("%s/%s/%s", t.Service, t.Instance, t.Event)
}

// serviceDesc is the fixed-size shared-memory form of a service tuple. Parts
// are NUL padded.
type serviceDesc [3][maxServicePart]byte

func (d *serviceDesc) set(t ServiceTuple) {
	for i, s := range []string{t.Service, t.Instance, t.Event} {
		d[i] = [maxServicePart]byte{}
		copy(d[i][:], s)
	}
}

func (d *serviceDesc) tuple() ServiceTuple {
	part := func(i int) string {
		b := d[i][:]
		if n := bytes.IndexByte(b, 0); n >= 0 {
			b = b[:n]
		}
		return string(b)
	}
	return ServiceTuple{Service: part(0), Instance: part(1), Event: part(2)}
}

func (d *serviceDesc) equal(t ServiceTuple) bool {
	return d.tuple() == t
}
