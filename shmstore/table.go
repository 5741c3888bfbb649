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

package shmstore

import (
	"fmt"
	"unsafe"
)

// TableHandle is a typed view over one arena table. It carries the record
// count and size the arena validated at creation/open time, so a caller can
// never reinterpret one table's bytes as another type's records.
type TableHandle[T any] struct {
	arena *Arena
	name  string
	size  int
}

// CreateTable allocates a new table sized for T and returns a typed handle
// to it. Only the writable (Time-process) arena may call this.
func CreateTable[T any](a *Arena, name string, count int) (*TableHandle[T], error) {
	var zero T
	size := int(unsafe.Sizeof(zero))
	if err := a.Create(name, size, count); err != nil {
		return nil, err
	}
	return &TableHandle[T]{arena: a, name: name, size: size}, nil
}

// OpenTable looks up an existing table and returns a typed handle to it,
// rejecting the open if the stored record size doesn't match T's size —
// this is the cross-table aliasing check the arena's design note calls for.
func OpenTable[T any](a *Arena, name string) (*TableHandle[T], error) {
	var zero T
	want := int(unsafe.Sizeof(zero))
	got, err := a.RecordSize(name)
	if err != nil {
		return nil, err
	}
	if got != want {
		return nil, fmt.Errorf("shmstore: table %q record size %d does not match %T size %d", name, got, zero, want)
	}
	return &TableHandle[T]{arena: a, name: name, size: want}, nil
}

// Count returns the table's fixed record count.
func (h *TableHandle[T]) Count() int {
	n, _ := h.arena.Count(h.name)
	return n
}

// Get returns a pointer to record i, aliasing the arena's backing memory.
// Writes through the pointer are visible to the other process on its next
// read, subject to the arena's torn-read tolerance.
func (h *TableHandle[T]) Get(i int) (*T, error) {
	recs, err := h.arena.Records(h.name)
	if err != nil {
		return nil, err
	}
	n := len(recs) / h.size
	if i < 0 || i >= n {
		return nil, fmt.Errorf("shmstore: index %d out of range [0,%d)", i, n)
	}
	return (*T)(unsafe.Pointer(&recs[i*h.size])), nil
}

// Set copies v into record i.
func (h *TableHandle[T]) Set(i int, v T) error {
	p, err := h.Get(i)
	if err != nil {
		return err
	}
	*p = v
	return nil
}
