// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gpusched

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClampInFlight(t *testing.T) {
	assert.Equal(t, MinInFlight, ClampInFlight(0))
	assert.Equal(t, MinInFlight, ClampInFlight(-5))
	assert.Equal(t, 2, ClampInFlight(2))
	assert.Equal(t, MaxInFlight, ClampInFlight(10))
}

func TestFramePoolAcquireLazilyCreatesEachSlot(t *testing.T) {
	var created []int
	next := 0
	create := func() (int, error) {
		v := next
		next++
		created = append(created, v)
		return v, nil
	}
	destroyed := []int{}
	destroy := func(v int) { destroyed = append(destroyed, v) }

	pool := NewFramePool[int](nil, 2, nil, create, destroy)

	a, err := pool.Acquire(0)
	require.NoError(t, err)
	b, err := pool.Acquire(0)
	require.NoError(t, err)

	assert.Equal(t, 0, a)
	assert.Equal(t, 1, b)
	assert.Equal(t, []int{0, 1}, created)
}

func TestFramePoolTagStampsLastAcquiredSlot(t *testing.T) {
	create := func() (int, error) { return 7, nil }
	pool := NewFramePool[int](nil, 2, nil, create, func(int) {})

	_, err := pool.Acquire(0)
	require.NoError(t, err)
	pool.Tag(100)

	assert.Equal(t, uint64(100), pool.slots[0].signal)
	assert.True(t, pool.slots[0].reserved)
}

func TestFramePoolClampsRequestedSize(t *testing.T) {
	pool := NewFramePool[int](nil, 50, nil, func() (int, error) { return 0, nil }, func(int) {})
	assert.Len(t, pool.slots, MaxInFlight)
}

func TestFramePoolDestroyReleasesReservedSlotsOnly(t *testing.T) {
	var destroyed []int
	create := func() (int, error) { return 5, nil }
	destroy := func(v int) { destroyed = append(destroyed, v) }
	pool := NewFramePool[int](nil, 3, nil, create, destroy)

	_, err := pool.Acquire(0) // reserve slot 0 only
	require.NoError(t, err)

	pool.Destroy()
	assert.Equal(t, []int{5}, destroyed)
}

func TestFramePoolPropagatesCreateError(t *testing.T) {
	wantErr := newErr(OutOfDeviceMemory, "no room")
	create := func() (int, error) { return 0, wantErr }
	pool := NewFramePool[int](nil, 1, nil, create, func(int) {})

	_, err := pool.Acquire(0)
	assert.Equal(t, wantErr, err)
}
