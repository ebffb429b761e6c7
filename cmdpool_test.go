// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gpusched

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandBufferValidMatchesPoolGeneration(t *testing.T) {
	pool := &CmdPool{}
	cb := &CommandBuffer{pool: pool, generation: pool.generation}
	assert.True(t, cb.valid())

	pool.generation++
	assert.False(t, cb.valid(), "a command buffer must go stale once its pool resets")
}

func TestCommandBufferInvalidWithNoPool(t *testing.T) {
	cb := &CommandBuffer{}
	assert.False(t, cb.valid())
}

func TestRecordRejectsStaleCommandBuffer(t *testing.T) {
	pool := &CmdPool{generation: 1}
	cb := &CommandBuffer{pool: pool, generation: 0}

	_, err := pool.Record(cb, Ready(nil))
	require.Error(t, err)
	var gerr *Error
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, PoolGenerationMismatch, gerr.Kind)
}

func TestEndRejectsStaleCommandBuffer(t *testing.T) {
	pool := &CmdPool{generation: 3}
	cb := &CommandBuffer{pool: pool, generation: 1}

	err := pool.End(cb)
	require.Error(t, err)
	var gerr *Error
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, PoolGenerationMismatch, gerr.Kind)
}

func TestGenerationAccessor(t *testing.T) {
	pool := &CmdPool{generation: 42}
	assert.Equal(t, uint64(42), pool.Generation())
}
