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

// Package report provides the fatal-condition hooks used throughout the
// middleware. Contract violations and shared-memory corruption are not
// recoverable errors; they route through a swappable handler that receives
// the captured source location and terminates the process by default.
package report

import (
	"fmt"
	"runtime"
	"sync/atomic"
)

// Violation describes a fatal condition together with the source location
// that raised it.
type Violation struct {
	File     string
	Line     int
	Function string
	Message  string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s:%d (%s): %s", v.File, v.Line, v.Function, v.Message)
}

// Handler consumes a Violation. The default handler panics; a replacement
// must not return if it wants to uphold the no-propagation guarantee.
type Handler func(Violation)

var handler atomic.Pointer[Handler]

func init() {
	h := Handler(defaultHandler)
	handler.Store(&h)
}

func defaultHandler(v Violation) {
	panic("fatal: " + v.String())
}

// SetHandler replaces the active violation handler and returns the previous
// one. Intended for tests that need to observe fatal conditions without
// terminating.
func SetHandler(h Handler) Handler {
	prev := handler.Swap(&h)
	return *prev
}

func raise(skip int, format string, args ...any) {
	file, line, fn := caller(skip + 1)
	v := Violation{File: file, Line: line, Function: fn, Message: fmt.Sprintf(format, args...)}
	(*handler.Load())(v)
}

func caller(skip int) (file string, line int, function string) {
	pc, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return "unknown", 0, "unknown"
	}
	if f := runtime.FuncForPC(pc); f != nil {
		function = f.Name()
	}
	return file, line, function
}

// Enforce checks an always-on contract. A false condition is fatal.
func Enforce(cond bool, format string, args ...any) {
	if !cond {
		raise(1, format, args...)
	}
}

// Fail raises a fatal condition unconditionally.
func Fail(format string, args ...any) {
	raise(1, format, args...)
}

// Assert checks a debug-time contract. It compiles to nothing unless the
// iox_debug build tag is set.
func Assert(cond bool, format string, args ...any) {
	if debugEnabled && !cond {
		raise(1, format, args...)
	}
}
