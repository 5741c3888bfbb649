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
	"hash/fnv"
	"testing"

	"github.com/stretchr/testify/require"
)

type sample struct {
	A int64
	B int32
	C int32
}

// testKey derives a SysV shm key unique to this test, so parallel/successive
// test functions don't collide on (and corrupt each other's view of) the
// single production ShmKey.
func testKey(t *testing.T) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(t.Name()))
	return int(h.Sum32() & 0x3fffffff)
}

func newTestArena(t *testing.T) *Arena {
	a, err := CreateWithKey(testKey(t), 4096)
	if err != nil {
		// Happens when we have no permissions to allocate SysV shm.
		t.SkipNow()
	}
	t.Cleanup(func() { _ = a.Destroy() })
	return a
}

func TestCreateAndGetRecords(t *testing.T) {
	a := newTestArena(t)

	err := a.Create("samples", 16, 4)
	require.NoError(t, err)

	count, err := a.Count("samples")
	require.NoError(t, err)
	require.Equal(t, 4, count)

	size, err := a.RecordSize("samples")
	require.NoError(t, err)
	require.Equal(t, 16, size)

	recs, err := a.Records("samples")
	require.NoError(t, err)
	require.Len(t, recs, 64)
}

func TestCreateAlreadyExists(t *testing.T) {
	a := newTestArena(t)

	require.NoError(t, a.Create("dup", 8, 1))
	err := a.Create("dup", 8, 1)
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestCreateInvalidArgument(t *testing.T) {
	a := newTestArena(t)

	require.ErrorIs(t, a.Create("bad", 0, 1), ErrInvalidArgument)
	require.ErrorIs(t, a.Create("bad", 1, 0), ErrInvalidArgument)
}

func TestCreateOutOfMemory(t *testing.T) {
	a := newTestArena(t)

	err := a.Create("huge", 1, 1<<20)
	require.ErrorIs(t, err, ErrOutOfMemory)
}

func TestGetNotFound(t *testing.T) {
	a := newTestArena(t)

	_, err := a.Records("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTableHandleRoundTrip(t *testing.T) {
	a := newTestArena(t)

	h, err := CreateTable[sample](a, "samples", 3)
	require.NoError(t, err)
	require.Equal(t, 3, h.Count())

	require.NoError(t, h.Set(1, sample{A: 42, B: 1, C: 2}))

	got, err := h.Get(1)
	require.NoError(t, err)
	require.Equal(t, sample{A: 42, B: 1, C: 2}, *got)

	_, err = h.Get(3)
	require.Error(t, err)
}

func TestOpenTableRejectsMismatchedSize(t *testing.T) {
	a := newTestArena(t)

	require.NoError(t, a.Create("samples", 8, 2))

	_, err := OpenTable[sample](a, "samples")
	require.Error(t, err)
}

func TestMultipleTablesDoNotAlias(t *testing.T) {
	a := newTestArena(t)

	h1, err := CreateTable[sample](a, "t1", 2)
	require.NoError(t, err)
	h2, err := CreateTable[sample](a, "t2", 2)
	require.NoError(t, err)

	require.NoError(t, h1.Set(0, sample{A: 1}))
	require.NoError(t, h2.Set(0, sample{A: 2}))

	got1, err := h1.Get(0)
	require.NoError(t, err)
	got2, err := h2.Get(0)
	require.NoError(t, err)
	require.Equal(t, int64(1), got1.A)
	require.Equal(t, int64(2), got2.A)
}
