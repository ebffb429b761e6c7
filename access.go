// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gpusched

import (
	"sync"

	vk "github.com/goki/vulkan"
)

// Access is a single GPU memory access, per spec section 3. Two accesses
// conflict iff at least one is a write and their stage/access masks
// overlap.
type Access struct {
	Stage vk.PipelineStageFlags
	Mask  vk.AccessFlags
}

// IsWrite reports whether a carries any write-class access bit.
func (a Access) IsWrite() bool {
	const writeBits = vk.AccessFlags(
		vk.AccessShaderWriteBit | vk.AccessColorAttachmentWriteBit |
			vk.AccessDepthStencilAttachmentWriteBit | vk.AccessTransferWriteBit |
			vk.AccessHostWriteBit | vk.AccessMemoryWriteBit,
	)
	return a.Mask&writeBits != 0
}

func (a Access) empty() bool { return a.Stage == 0 && a.Mask == 0 }

func (a Access) union(b Access) Access {
	return Access{Stage: a.Stage | b.Stage, Mask: a.Mask | b.Mask}
}

// ResourceID is a generational handle over a GPU buffer or image tracked
// by an AccessTracker. Per Design Notes ("cyclic resource graphs"), it
// carries no back-pointer and remains valid across frames -- the tracker's
// slot array, not the handle, owns lifetime.
type ResourceID struct {
	index uint32
	gen   uint32
}

// resourceState is the per-resource bookkeeping described in spec section 3
// (RenderResource): current owner queue family, last-writer access, the
// union of last-reader accesses, and (for images) the current layout.
type resourceState struct {
	live        bool
	gen         uint32
	isImage     bool
	ownerFamily uint32
	hasOwner    bool
	layout      vk.ImageLayout
	lastWriter  *Access
	lastReaders Access
}

// AccessTracker implements the Resource Access Tracker (C5): it maintains
// per-resource last-writer/last-reader state and computes the incremental
// barriers described in spec section 4.4's four transition rules, plus
// image-layout-mismatch and queue-family-ownership-transfer barriers.
//
// Grounded on vgpu/memory.go's TransferTexturesToGPU (im.TransitionForDst /
// im.TransitionDstToShader), generalized from "always insert a fixed
// transition" to "insert a barrier only when the tracked state says one is
// needed".
type AccessTracker struct {
	mu    sync.Mutex
	slots []resourceState
	free  []uint32
}

// NewAccessTracker returns an empty tracker.
func NewAccessTracker() *AccessTracker {
	return &AccessTracker{}
}

// NewBuffer registers a new buffer resource with no prior access history.
func (t *AccessTracker) NewBuffer() ResourceID {
	return t.alloc(false, vk.ImageLayoutUndefined)
}

// NewImage registers a new image resource at the given initial layout.
func (t *AccessTracker) NewImage(initialLayout vk.ImageLayout) ResourceID {
	return t.alloc(true, initialLayout)
}

func (t *AccessTracker) alloc(isImage bool, layout vk.ImageLayout) ResourceID {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := len(t.free); n > 0 {
		idx := t.free[n-1]
		t.free = t.free[:n-1]
		s := &t.slots[idx]
		s.live = true
		s.gen++
		s.isImage = isImage
		s.layout = layout
		s.hasOwner = false
		s.lastWriter = nil
		s.lastReaders = Access{}
		return ResourceID{index: idx, gen: s.gen}
	}
	idx := uint32(len(t.slots))
	t.slots = append(t.slots, resourceState{live: true, isImage: isImage, layout: layout})
	return ResourceID{index: idx, gen: 0}
}

// Free releases a resource's slot for reuse. Per spec's generational-index
// design note, any ResourceID still referencing it becomes stale (its
// generation will no longer match) rather than dangling.
func (t *AccessTracker) Free(id ResourceID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s := t.at(id); s != nil {
		s.live = false
		t.free = append(t.free, id.index)
	}
}

// at returns the live slot for id, or nil if id is stale/out of range.
func (t *AccessTracker) at(id ResourceID) *resourceState {
	if int(id.index) >= len(t.slots) {
		return nil
	}
	s := &t.slots[id.index]
	if !s.live || s.gen != id.gen {
		return nil
	}
	return s
}

// Barrier is a single pending synchronization requirement: either a plain
// memory barrier (buffers, or images with no layout change) or an image
// barrier carrying a layout transition and/or a queue-family ownership
// transfer.
type Barrier struct {
	Src, Dst          Access
	Image             bool
	OldLayout         vk.ImageLayout
	NewLayout         vk.ImageLayout
	SrcFamily         uint32
	DstFamily         uint32
	OwnershipTransfer bool
}

func (b Barrier) empty() bool {
	return b.Src.empty() && b.Dst.empty() && !b.OwnershipTransfer && b.OldLayout == b.NewLayout
}

// Track records a single access to resource by queueFamily and returns the
// barrier (if any) required before that access may proceed, per the four
// transition rules of spec section 4.4:
//   - read after write: barrier(writer -> reader); clear lastWriter, union lastReaders
//   - write after read: barrier(readers -> writer); clear lastReaders, set lastWriter
//   - write after write: barrier(writer -> writer); set lastWriter
//   - read after read: no barrier; union into lastReaders
//
// plus an image-layout-mismatch barrier regardless of access type. When
// queueFamily differs from the resource's current owner, the returned
// Barrier is marked OwnershipTransfer with SrcFamily/DstFamily set; it is a
// single barrier for the acquiring queue, and no matching release barrier
// is recorded on the previous owner's queue.
func (t *AccessTracker) Track(id ResourceID, queueFamily uint32, access Access, layout vk.ImageLayout) Barrier {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.at(id)
	if s == nil {
		return Barrier{}
	}
	var b Barrier

	if s.hasOwner && s.ownerFamily != queueFamily {
		b.OwnershipTransfer = true
		b.SrcFamily = s.ownerFamily
		b.DstFamily = queueFamily
	}
	s.ownerFamily = queueFamily
	s.hasOwner = true

	if s.isImage && s.layout != layout {
		b.Image = true
		b.OldLayout = s.layout
		b.NewLayout = layout
		s.layout = layout
	}

	switch {
	case access.IsWrite() && s.lastWriter != nil:
		b.Src = b.Src.union(*s.lastWriter)
		b.Dst = b.Dst.union(access)
		w := access
		s.lastWriter = &w
		s.lastReaders = Access{}
	case access.IsWrite() && !s.lastReaders.empty():
		b.Src = b.Src.union(s.lastReaders)
		b.Dst = b.Dst.union(access)
		w := access
		s.lastWriter = &w
		s.lastReaders = Access{}
	case access.IsWrite():
		w := access
		s.lastWriter = &w
	case s.lastWriter != nil:
		b.Src = b.Src.union(*s.lastWriter)
		b.Dst = b.Dst.union(access)
		s.lastWriter = nil
		s.lastReaders = s.lastReaders.union(access)
	default:
		s.lastReaders = s.lastReaders.union(access)
	}

	if b.Image && b.Src.empty() && b.Dst.empty() {
		// Layout-mismatch-only transition still needs a scope; default to
		// the access itself on both sides since there's no tracked
		// predecessor to synchronize against (e.g. first use).
		b.Src = access
		b.Dst = access
	}
	return b
}
