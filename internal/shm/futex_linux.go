//go:build linux

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

package shm

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// The futex words live in shared memory and are waited on from multiple
// processes, so the non-private futex operations are required here. The
// private variants only match waiters within one address space.
//
// golang.org/x/sys/unix does not export the futex operation codes, so they
// are defined here using their fixed values from the Linux kernel's
// <linux/futex.h> ABI.
const (
	futexWaitOp = 0
	futexWakeOp = 1
)

// FutexWait waits for the value at addr to change from val. It returns when
// either the value no longer equals val, another process calls FutexWake on
// the same address, or the syscall is interrupted.
//
// Call this only when the logical condition is unmet and *addr == val.
// Always re-check the condition after this returns; spurious wakeups happen.
func FutexWait(addr *uint32, val uint32) error {
	// Re-check the value atomically before entering the syscall. This closes
	// the lost-wake race where another process advances the word and wakes
	// between our snapshot and futex entry.
	if atomic.LoadUint32(addr) != val {
		return nil
	}

	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexWaitOp),
		uintptr(val),
		0, // timeout: infinite
		0,
		0,
	)
	if errno != 0 {
		// EAGAIN: the value did not match; the condition may already hold.
		// EINTR: interrupted by a signal; caller re-checks anyway.
		if errno == unix.EAGAIN || errno == unix.EINTR {
			return nil
		}
		return fmt.Errorf("futex wait failed: %w", errno)
	}
	return nil
}

// FutexWaitTimeout waits on addr until the value changes from val or the
// timeout elapses. Returns ErrFutexTimeout on expiry.
func FutexWaitTimeout(addr *uint32, val uint32, timeoutNs int64) error {
	if timeoutNs <= 0 {
		return FutexWait(addr, val)
	}
	if atomic.LoadUint32(addr) != val {
		return nil
	}

	ts := unix.Timespec{
		Sec:  timeoutNs / 1e9,
		Nsec: timeoutNs % 1e9,
	}
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexWaitOp),
		uintptr(val),
		uintptr(unsafe.Pointer(&ts)),
		0,
		0,
	)
	if errno != 0 {
		if errno == unix.EAGAIN || errno == unix.EINTR {
			return nil
		}
		if errno == unix.ETIMEDOUT {
			return ErrFutexTimeout
		}
		return fmt.Errorf("futex wait failed: %w", errno)
	}
	return nil
}

// FutexWake wakes up to n waiters on addr across all processes sharing the
// mapping. Returns the number of waiters actually woken.
func FutexWake(addr *uint32, n int) (int, error) {
	r1, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexWakeOp),
		uintptr(n),
		0,
		0,
		0,
	)
	if errno != 0 {
		return 0, fmt.Errorf("futex wake failed: %w", errno)
	}
	return int(r1), nil
}
