// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gpusched

import (
	"testing"

	vk "github.com/goki/vulkan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	shaderRead = Access{
		Stage: vk.PipelineStageFlags(vk.PipelineStageComputeShaderBit),
		Mask:  vk.AccessFlags(vk.AccessShaderReadBit),
	}
	shaderWrite = Access{
		Stage: vk.PipelineStageFlags(vk.PipelineStageComputeShaderBit),
		Mask:  vk.AccessFlags(vk.AccessShaderWriteBit),
	}
	transferWrite = Access{
		Stage: vk.PipelineStageFlags(vk.PipelineStageTransferBit),
		Mask:  vk.AccessFlags(vk.AccessTransferWriteBit),
	}
)

func TestAccessIsWrite(t *testing.T) {
	assert.True(t, shaderWrite.IsWrite())
	assert.False(t, shaderRead.IsWrite())
}

func TestTrackFirstUseNoBarrier(t *testing.T) {
	tr := NewAccessTracker()
	id := tr.NewBuffer()
	b := tr.Track(id, 0, shaderRead, vk.ImageLayoutUndefined)
	assert.True(t, b.empty(), "first access to a fresh resource needs no barrier")
}

func TestTrackReadAfterWrite(t *testing.T) {
	tr := NewAccessTracker()
	id := tr.NewBuffer()
	tr.Track(id, 0, shaderWrite, vk.ImageLayoutUndefined)

	b := tr.Track(id, 0, shaderRead, vk.ImageLayoutUndefined)
	require.False(t, b.empty())
	assert.Equal(t, shaderWrite.Mask, b.Src.Mask)
	assert.Equal(t, shaderRead.Mask, b.Dst.Mask)
}

func TestTrackWriteAfterRead(t *testing.T) {
	tr := NewAccessTracker()
	id := tr.NewBuffer()
	tr.Track(id, 0, shaderRead, vk.ImageLayoutUndefined)

	b := tr.Track(id, 0, shaderWrite, vk.ImageLayoutUndefined)
	require.False(t, b.empty())
	assert.Equal(t, shaderRead.Mask, b.Src.Mask)
	assert.Equal(t, shaderWrite.Mask, b.Dst.Mask)
}

func TestTrackWriteAfterWrite(t *testing.T) {
	tr := NewAccessTracker()
	id := tr.NewBuffer()
	tr.Track(id, 0, transferWrite, vk.ImageLayoutUndefined)

	b := tr.Track(id, 0, shaderWrite, vk.ImageLayoutUndefined)
	require.False(t, b.empty())
	assert.Equal(t, transferWrite.Mask, b.Src.Mask)
	assert.Equal(t, shaderWrite.Mask, b.Dst.Mask)
}

func TestTrackReadAfterReadNoBarrier(t *testing.T) {
	tr := NewAccessTracker()
	id := tr.NewBuffer()
	tr.Track(id, 0, shaderRead, vk.ImageLayoutUndefined)

	b := tr.Track(id, 0, shaderRead, vk.ImageLayoutUndefined)
	assert.True(t, b.empty(), "two reads with no intervening write need no barrier")
}

func TestTrackMultipleReadersThenWriteUnionsSources(t *testing.T) {
	tr := NewAccessTracker()
	id := tr.NewBuffer()
	readA := Access{Stage: vk.PipelineStageFlags(vk.PipelineStageVertexShaderBit), Mask: vk.AccessFlags(vk.AccessShaderReadBit)}
	readB := Access{Stage: vk.PipelineStageFlags(vk.PipelineStageFragmentShaderBit), Mask: vk.AccessFlags(vk.AccessShaderReadBit)}
	tr.Track(id, 0, readA, vk.ImageLayoutUndefined)
	tr.Track(id, 0, readB, vk.ImageLayoutUndefined)

	b := tr.Track(id, 0, shaderWrite, vk.ImageLayoutUndefined)
	require.False(t, b.empty())
	assert.Equal(t, readA.Stage|readB.Stage, b.Src.Stage)
}

func TestTrackImageLayoutMismatchBarrier(t *testing.T) {
	tr := NewAccessTracker()
	id := tr.NewImage(vk.ImageLayoutUndefined)

	b := tr.Track(id, 0, transferWrite, vk.ImageLayoutTransferDstOptimal)
	require.False(t, b.empty())
	assert.True(t, b.Image)
	assert.Equal(t, vk.ImageLayoutUndefined, b.OldLayout)
	assert.Equal(t, vk.ImageLayoutTransferDstOptimal, b.NewLayout)
}

func TestTrackImageSameLayoutNoLayoutBarrier(t *testing.T) {
	tr := NewAccessTracker()
	id := tr.NewImage(vk.ImageLayoutGeneral)

	b := tr.Track(id, 0, shaderRead, vk.ImageLayoutGeneral)
	assert.False(t, b.Image)
}

func TestTrackOwnershipTransferAcrossQueueFamilies(t *testing.T) {
	tr := NewAccessTracker()
	id := tr.NewBuffer()
	tr.Track(id, 0, shaderWrite, vk.ImageLayoutUndefined)

	b := tr.Track(id, 1, shaderRead, vk.ImageLayoutUndefined)
	require.True(t, b.OwnershipTransfer)
	assert.Equal(t, uint32(0), b.SrcFamily)
	assert.Equal(t, uint32(1), b.DstFamily)
}

func TestTrackSameFamilyNoOwnershipTransfer(t *testing.T) {
	tr := NewAccessTracker()
	id := tr.NewBuffer()
	tr.Track(id, 2, shaderWrite, vk.ImageLayoutUndefined)

	b := tr.Track(id, 2, shaderRead, vk.ImageLayoutUndefined)
	assert.False(t, b.OwnershipTransfer)
}

func TestFreeInvalidatesGeneration(t *testing.T) {
	tr := NewAccessTracker()
	id := tr.NewBuffer()
	tr.Free(id)

	// A stale ResourceID no longer resolves to a live slot: Track returns an
	// empty Barrier rather than touching a reallocated resource's state.
	b := tr.Track(id, 0, shaderWrite, vk.ImageLayoutUndefined)
	assert.True(t, b.empty())
}

func TestAllocReusesFreedSlotWithNewGeneration(t *testing.T) {
	tr := NewAccessTracker()
	first := tr.NewBuffer()
	tr.Free(first)
	second := tr.NewBuffer()

	assert.Equal(t, first.index, second.index)
	assert.NotEqual(t, first.gen, second.gen)

	// The old handle must not be confused with the new resource's state.
	tr.Track(second, 0, shaderWrite, vk.ImageLayoutUndefined)
	b := tr.Track(first, 0, shaderRead, vk.ImageLayoutUndefined)
	assert.True(t, b.empty())
}
