// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gpusched

import (
	"testing"

	vk "github.com/goki/vulkan"
	"github.com/stretchr/testify/assert"
)

func TestTimelineReserveStrictlyIncreasing(t *testing.T) {
	tl := &Timeline{}
	a := tl.Reserve()
	b := tl.Reserve()
	c := tl.Reserve()
	assert.Equal(t, uint64(1), a)
	assert.Equal(t, uint64(2), b)
	assert.Equal(t, uint64(3), c)
}

func TestTimelineSignalOp(t *testing.T) {
	tl := &Timeline{Semaphore: vk.Semaphore(nil)}
	op := tl.SignalOp(5)
	assert.Equal(t, uint64(5), op.Value)
	assert.Equal(t, tl.Semaphore, op.Semaphore)
}

func TestTimelineWaitOpDefaultsToAllCommands(t *testing.T) {
	tl := &Timeline{}
	op := tl.WaitOp(7, 0)
	assert.Equal(t, vk.PipelineStageAllCommandsBit, op.Stage)
	assert.Equal(t, uint64(7), op.Value)
}

func TestTimelineWaitOpHonoursExplicitStage(t *testing.T) {
	tl := &Timeline{}
	op := tl.WaitOp(7, vk.PipelineStageComputeShaderBit)
	assert.Equal(t, vk.PipelineStageComputeShaderBit, op.Stage)
}

func TestBinarySemaphoreRingRoundRobins(t *testing.T) {
	ring := &BinarySemaphoreRing{slots: []*BinarySemaphore{{Stage: 1}, {Stage: 2}, {Stage: 3}}}
	first := ring.Next()
	second := ring.Next()
	third := ring.Next()
	fourth := ring.Next()
	assert.Same(t, ring.slots[0], first)
	assert.Same(t, ring.slots[1], second)
	assert.Same(t, ring.slots[2], third)
	assert.Same(t, first, fourth, "ring must wrap back to the first slot")
}
