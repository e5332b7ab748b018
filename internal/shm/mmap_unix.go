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

//go:build linux || darwin

package shm

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// CreateSegment creates and maps a new shared memory segment of totalSize
// bytes. The creator owns initialization: the management header is zeroed
// and must be filled and marked ready before any peer opens the segment.
func CreateSegment(name string, totalSize uint64) (*Segment, error) {
	if totalSize < ManagementHeaderSize {
		return nil, fmt.Errorf("shm: segment size %d below management header size", totalSize)
	}
	path := segmentPath(name)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm: create segment file %s: %w", path, err)
	}
	cleanup := func() {
		file.Close()
		os.Remove(path)
	}

	if err := file.Truncate(int64(totalSize)); err != nil {
		cleanup()
		return nil, fmt.Errorf("shm: resize segment file: %w", err)
	}

	mem, err := mapFile(file, int(totalSize))
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("shm: mmap segment: %w", err)
	}

	seg := &Segment{File: file, Mem: mem, Path: path, Name: name}

	hdr := seg.Header()
	var magic [8]byte
	copy(magic[:], SegmentMagic)
	hdr.SetMagic(magic)
	hdr.SetVersion(SegmentVersion)
	hdr.SetTotalSize(totalSize)
	hdr.SetBrokerPID(uint32(os.Getpid()))
	// ready stays 0 until the caller finishes laying out the segment.

	return seg, nil
}

// OpenSegment maps an existing segment and validates its management header
// against the expected config hash.
func OpenSegment(name string, wantHash uint64) (*Segment, error) {
	path := segmentPath(name)

	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("shm: open segment file %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("shm: stat segment file: %w", err)
	}
	size := info.Size()
	if size < ManagementHeaderSize {
		file.Close()
		return nil, fmt.Errorf("shm: segment file too small: %d bytes", size)
	}

	mem, err := mapFile(file, int(size))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("shm: mmap segment: %w", err)
	}

	seg := &Segment{File: file, Mem: mem, Path: path, Name: name}
	if err := seg.Header().Validate(wantHash); err != nil {
		unmapMemory(mem)
		file.Close()
		return nil, err
	}
	if got := seg.Header().TotalSize(); got != uint64(size) {
		unmapMemory(mem)
		file.Close()
		return nil, fmt.Errorf("shm: header total size %d does not match file size %d", got, size)
	}
	return seg, nil
}

// RemoveSegment removes the backing file of a segment.
func RemoveSegment(name string) error {
	err := os.Remove(segmentPath(name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// SegmentExists reports whether a segment file is present.
func SegmentExists(name string) bool {
	_, err := os.Stat(segmentPath(name))
	return err == nil
}

// SegmentPath returns the filesystem path backing a named segment.
func SegmentPath(name string) string { return segmentPath(name) }

func segmentPath(name string) string {
	if isDevShmAvailable() {
		return filepath.Join("/dev/shm", "iox_"+name)
	}
	return filepath.Join(os.TempDir(), "iox_"+name)
}

func isDevShmAvailable() bool {
	info, err := os.Stat("/dev/shm")
	return err == nil && info.IsDir()
}

func mapFile(file *os.File, size int) ([]byte, error) {
	data, err := unix.Mmap(int(file.Fd()), 0, size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	return data, nil
}

func unmapMemory(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("munmap failed: %w", err)
	}
	return nil
}
