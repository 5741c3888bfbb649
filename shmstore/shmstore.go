/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

/*
Package shmstore implements the fixed-layout named-table arena the Time
process publishes and the Status process reads. One writer (the Time
process, attached read-write), one reader (the Status process, attached
read-only); neither side ever resizes or relocates a table once created,
which is the entire consistency contract torn reads rely on.
*/
package shmstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"unsafe"

	"github.com/cespare/xxhash"
	"golang.org/x/sys/unix"

	"github.com/pascal-fb-martin/houseclock/hostendian"
)

// ShmKey identifies the System V shared memory segment both processes
// attach to. Fixed at compile time: the arena's schema never changes
// across a build, so there is no versioning concern to key off of.
const ShmKey = 0x484f4b31 // "HOK1"

// bucketCount is the number of hash-chain buckets in the table directory.
const bucketCount = 61

// nameSize is the fixed width of a table name, null-padded.
const nameSize = 31

var (
	// ErrAlreadyExists is returned by Create when the name is already taken.
	ErrAlreadyExists = errors.New("shmstore: table already exists")
	// ErrInvalidArgument is returned by Create for non-positive sizes or counts.
	ErrInvalidArgument = errors.New("shmstore: invalid record size or count")
	// ErrOutOfMemory is returned by Create when the arena has no room left.
	ErrOutOfMemory = errors.New("shmstore: arena out of memory")
	// ErrNotFound is returned by Get when no table has the given name.
	ErrNotFound = errors.New("shmstore: table not found")
	// ErrNameTooLong is returned by Create when name doesn't fit in nameSize bytes.
	ErrNameTooLong = errors.New("shmstore: table name too long")
)

// header is the layout of the arena's fixed prefix.
type header struct {
	Magic      uint32
	Version    uint32
	TotalSize  uint32
	UsedOffset uint32
	Buckets    [bucketCount]uint32
}

const headerSize = 4 + 4 + 4 + 4 + bucketCount*4
const magic = 0x484d4353 // "HMCS"
const arenaVersion = 1

// tableHeader precedes every table's records in the arena.
type tableHeader struct {
	Next        uint32
	Name        [nameSize]byte
	RecordSize  uint32
	RecordCount uint32
}

const tableHeaderSize = 4 + nameSize + 4 + 4

// Arena is a System V shared memory region laid out as a header, a
// 61-bucket name-hash directory, and a sequence of bump-allocated tables.
type Arena struct {
	mem      []byte
	shmid    uintptr
	writable bool
}

// Create allocates a new System V shared memory segment of size bytes,
// keyed by ShmKey, and initializes the arena header. Only the Time process
// calls this.
func Create(size int) (*Arena, error) {
	return CreateWithKey(ShmKey, size)
}

// CreateWithKey is Create with an explicit System V key, so tests can get
// an isolated segment instead of colliding on the production ShmKey.
func CreateWithKey(key int, size int) (*Arena, error) {
	if size <= headerSize {
		return nil, fmt.Errorf("shmstore: size %d too small for header", size)
	}
	id, _, errno := unix.Syscall(unix.SYS_SHMGET, uintptr(key), uintptr(size), uintptr(unix.IPC_CREAT|unix.IPC_EXCL|0600))
	if errno != 0 {
		return nil, fmt.Errorf("shmstore: shmget: %w", errno)
	}
	ptr, _, errno := unix.Syscall(unix.SYS_SHMAT, id, 0, 0)
	if errno != 0 {
		return nil, fmt.Errorf("shmstore: shmat: %w", errno)
	}
	mem := ptrToBytes(ptr, size)
	a := &Arena{mem: mem, shmid: id, writable: true}
	a.putU32(0, magic)
	a.putU32(4, arenaVersion)
	a.putU32(8, uint32(size))
	a.putU32(12, headerSize)
	for i := 0; i < bucketCount; i++ {
		a.setBucketHead(i, 0)
	}
	return a, nil
}

// Open attaches to an existing segment created by Create. The Status
// process calls this read-only (SHM_RDONLY); the Time process never does.
func Open(size int) (*Arena, error) {
	return OpenWithKey(ShmKey, size)
}

// OpenWithKey is Open with an explicit System V key, mirroring CreateWithKey.
func OpenWithKey(key int, size int) (*Arena, error) {
	id, _, errno := unix.Syscall(unix.SYS_SHMGET, uintptr(key), uintptr(size), uintptr(0400))
	if errno != 0 {
		return nil, fmt.Errorf("shmstore: shmget attach: %w", errno)
	}
	ptr, _, errno := unix.Syscall(unix.SYS_SHMAT, id, 0, unix.SHM_RDONLY)
	if errno != 0 {
		return nil, fmt.Errorf("shmstore: shmat attach: %w", errno)
	}
	mem := ptrToBytes(ptr, size)
	if hostendian.Order.Uint32(mem[0:4]) != magic {
		return nil, fmt.Errorf("shmstore: bad magic, arena not initialized")
	}
	return &Arena{mem: mem, shmid: id, writable: false}, nil
}

// Destroy marks the segment for removal once all attachments detach. Tests
// use this to avoid leaking SysV shm segments across runs, and houseclockd
// defers it so that a clean shutdown removes the segment; a segment that is
// never marked this way outlives both processes.
func (a *Arena) Destroy() error {
	_, _, errno := unix.Syscall(unix.SYS_SHMCTL, a.shmid, uintptr(unix.IPC_RMID), 0)
	if errno != 0 {
		return fmt.Errorf("shmstore: shmctl IPC_RMID: %w", errno)
	}
	return nil
}

func ptrToBytes(shmptr uintptr, size int) []byte {
	var sl = struct {
		addr uintptr
		len  int
		cap  int
	}{shmptr, size, size}
	return *(*[]byte)(unsafe.Pointer(&sl))
}

func (a *Arena) u32(off uint32) uint32 {
	return hostendian.Order.Uint32(a.mem[off : off+4])
}

func (a *Arena) putU32(off uint32, v uint32) {
	hostendian.Order.PutUint32(a.mem[off:off+4], v)
}

func (a *Arena) usedOffset() uint32     { return a.u32(12) }
func (a *Arena) setUsedOffset(v uint32) { a.putU32(12, v) }
func (a *Arena) totalSize() uint32      { return a.u32(8) }

func bucketOffset(i int) uint32 { return uint32(16 + i*4) }

func (a *Arena) bucketHead(i int) uint32     { return a.u32(bucketOffset(i)) }
func (a *Arena) setBucketHead(i int, v uint32) { a.putU32(bucketOffset(i), v) }

func bucketFor(name string) int {
	return int(xxhash.Sum64String(name) % bucketCount)
}

func packName(name string) ([nameSize]byte, error) {
	var b [nameSize]byte
	if len(name) > nameSize {
		return b, ErrNameTooLong
	}
	copy(b[:], name)
	return b, nil
}

func (a *Arena) readTableHeader(off uint32) tableHeader {
	var th tableHeader
	r := bytes.NewReader(a.mem[off : off+tableHeaderSize])
	_ = binary.Read(r, hostendian.Order, &th)
	return th
}

func (a *Arena) writeTableHeader(off uint32, th tableHeader) {
	var buf bytes.Buffer
	_ = binary.Write(&buf, hostendian.Order, th)
	copy(a.mem[off:off+tableHeaderSize], buf.Bytes())
}

// Create bump-allocates a new table named name with the given record size
// (in bytes) and record count, and registers it in the name-hash directory.
func (a *Arena) Create(name string, recordSize, recordCount int) error {
	if !a.writable {
		return fmt.Errorf("shmstore: Create called on a read-only arena")
	}
	if recordSize <= 0 || recordCount <= 0 {
		return ErrInvalidArgument
	}
	packed, err := packName(name)
	if err != nil {
		return err
	}
	if _, ok := a.find(name); ok {
		return ErrAlreadyExists
	}

	need := uint32(tableHeaderSize + recordSize*recordCount)
	off := a.usedOffset()
	if off+need > a.totalSize() {
		return ErrOutOfMemory
	}

	bucket := bucketFor(name)
	th := tableHeader{
		Next:        a.bucketHead(bucket),
		Name:        packed,
		RecordSize:  uint32(recordSize),
		RecordCount: uint32(recordCount),
	}
	a.writeTableHeader(off, th)
	a.setBucketHead(bucket, off)
	a.setUsedOffset(off + need)
	return nil
}

// find walks the hash chain for name and returns the table header's offset.
func (a *Arena) find(name string) (uint32, bool) {
	packed, err := packName(name)
	if err != nil {
		return 0, false
	}
	bucket := bucketFor(name)
	off := a.bucketHead(bucket)
	for off != 0 {
		th := a.readTableHeader(off)
		if th.Name == packed {
			return off, true
		}
		off = th.Next
	}
	return 0, false
}

// Records returns the raw byte slice backing a table's records.
func (a *Arena) Records(name string) ([]byte, error) {
	off, ok := a.find(name)
	if !ok {
		return nil, ErrNotFound
	}
	th := a.readTableHeader(off)
	start := off + tableHeaderSize
	end := start + th.RecordSize*th.RecordCount
	return a.mem[start:end], nil
}

// Count returns the record count of a table.
func (a *Arena) Count(name string) (int, error) {
	off, ok := a.find(name)
	if !ok {
		return 0, ErrNotFound
	}
	return int(a.readTableHeader(off).RecordCount), nil
}

// RecordSize returns the per-record byte size of a table.
func (a *Arena) RecordSize(name string) (int, error) {
	off, ok := a.find(name)
	if !ok {
		return 0, ErrNotFound
	}
	return int(a.readTableHeader(off).RecordSize), nil
}
