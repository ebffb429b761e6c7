// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gpusched

import (
	vk "github.com/goki/vulkan"
)

// CBState is the lifecycle state of a CommandBuffer, per spec section 3.
type CBState int

const (
	Initial CBState = iota
	Recording
	Executable
	Pending
	Invalid
)

// CommandBuffer wraps a raw vk.CommandBuffer together with the pool
// generation it was allocated under and the timeline value its submission
// will signal. A command buffer whose stamped generation no longer matches
// its pool's current generation is Invalid and must not be used -- the
// "Pool generation" guard from spec section 3.
type CommandBuffer struct {
	Raw        vk.CommandBuffer
	State      CBState
	pool       *CmdPool
	generation uint64
	// SignalValue is the timeline value this command buffer's eventual
	// submission will signal, reserved at Begin time so user systems can
	// reference it (e.g. for retained-value bookkeeping) before the
	// submission itself is built.
	SignalValue uint64
}

// valid reports whether cb still belongs to its pool's current generation.
func (cb *CommandBuffer) valid() bool {
	return cb.pool != nil && cb.generation == cb.pool.generation
}

// CmdPool is a per-(queue, frame-slot) command-buffer allocator with a
// generation guard, per spec section 4.3. Grounded on vgpu.Memory's CmdPool
// field and the CmdPool.NewBuffer/BeginCmdOneTime/EndSubmitWaitFree calls
// used throughout vgpu/memory.go, generalized into its own type rather than
// being folded into the Memory manager.
type CmdPool struct {
	dev        vk.Device
	queue      vk.Queue
	family     uint32
	raw        vk.CommandPool
	generation uint64
	timeline   *Timeline
	tracker    *AccessTracker

	allocated []vk.CommandBuffer // every raw buffer ever allocated from raw
	free      []vk.CommandBuffer // buffers returned to the pool by Reset, ready to realloc
}

// NewCmdPool creates a command pool bound to family, for submission on
// queue and signalling on timeline. tracker is the shared Resource Access
// Tracker (C5) that futures recorded through this pool will register their
// accesses against -- shared across every CmdPool in the scheduler so that
// cross-queue ownership transfers (spec section 4.4) see a consistent view.
func NewCmdPool(dev vk.Device, family uint32, queue vk.Queue, timeline *Timeline, tracker *AccessTracker) (*CmdPool, error) {
	var raw vk.CommandPool
	ret := vk.CreateCommandPool(dev, &vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit),
		QueueFamilyIndex: family,
	}, nil, &raw)
	if err := NewError(ret); err != nil {
		return nil, err
	}
	return &CmdPool{dev: dev, queue: queue, family: family, raw: raw, timeline: timeline, tracker: tracker}, nil
}

// Begin allocates (or reuses) a command buffer, stamps it with the pool's
// current generation, reserves the timeline value its submission will
// signal, and starts recording.
func (p *CmdPool) Begin() (*CommandBuffer, error) {
	var raw vk.CommandBuffer
	if n := len(p.free); n > 0 {
		raw = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		bufs := make([]vk.CommandBuffer, 1)
		ret := vk.AllocateCommandBuffers(p.dev, &vk.CommandBufferAllocateInfo{
			SType:              vk.StructureTypeCommandBufferAllocateInfo,
			CommandPool:        p.raw,
			Level:              vk.CommandBufferLevelPrimary,
			CommandBufferCount: 1,
		}, bufs)
		if err := NewError(ret); err != nil {
			return nil, newErr(OutOfHostMemory, "command buffer allocation failed: %v", err)
		}
		raw = bufs[0]
		p.allocated = append(p.allocated, raw)
	}
	ret := vk.BeginCommandBuffer(raw, &vk.CommandBufferBeginInfo{SType: vk.StructureTypeCommandBufferBeginInfo})
	if err := NewError(ret); err != nil {
		return nil, err
	}
	cb := &CommandBuffer{
		Raw:         raw,
		State:       Recording,
		pool:        p,
		generation:  p.generation,
		SignalValue: p.timeline.Reserve(),
	}
	return cb, nil
}

// Record drives future to completion on cb, per spec section 4.4, and
// returns a SubmissionStatus ready for the Submission Orchestrator (C8) to
// fold into a queue_submit. Record is the one place CmdPool and C4's
// runtime meet: it owns the poll/drain loop, C4 (future.go) owns what goes
// inside each Poll call.
func (p *CmdPool) Record(cb *CommandBuffer, future GPUFuture) (SubmissionStatus, error) {
	if !cb.valid() {
		return SubmissionStatus{}, newErr(PoolGenerationMismatch, "command buffer generation %d != pool generation %d", cb.generation, p.generation)
	}
	ctx := newFutureContext(cb.Raw, p.tracker, p.family)
	out, retained, err := driveFuture(ctx, future)
	if err != nil {
		return SubmissionStatus{}, err
	}
	return SubmissionStatus{
		Output:     out,
		Retained:   retained,
		Timeline:   p.timeline,
		WaitValue:  cb.SignalValue,
		CommandBuf: cb.Raw,
	}, nil
}

// End finishes recording, transitioning the buffer to Executable.
func (p *CmdPool) End(cb *CommandBuffer) error {
	if !cb.valid() {
		return newErr(PoolGenerationMismatch, "command buffer generation %d != pool generation %d", cb.generation, p.generation)
	}
	ret := vk.EndCommandBuffer(cb.Raw)
	if err := NewError(ret); err != nil {
		return err
	}
	cb.State = Executable
	return nil
}

// Reset bumps the pool's generation, invalidating every command buffer
// previously Begin'd from it, and returns the underlying vk.CommandPool's
// buffers to the driver-level pool (not freed -- just rewound) for reuse.
// vk.ResetCommandPool rewinds every buffer ever allocated from raw back to
// Initial state, so the whole of p.allocated becomes immediately
// re-beginnable; Begin's free-list pop hands those buffers back out before
// allocating any new one. The raw handles are not generation-stamped -- only
// the *CommandBuffer wrapper is -- so recycling them here does not weaken
// the generation guard.
func (p *CmdPool) Reset() error {
	ret := vk.ResetCommandPool(p.dev, p.raw, 0)
	if err := NewError(ret); err != nil {
		return err
	}
	p.generation++
	p.free = append(p.free[:0], p.allocated...)
	return nil
}

// Generation returns the pool's current generation counter.
func (p *CmdPool) Generation() uint64 { return p.generation }

// Destroy destroys the underlying vk.CommandPool.
func (p *CmdPool) Destroy() {
	if p.raw == nil {
		return
	}
	vk.DestroyCommandPool(p.dev, p.raw, nil)
	p.raw = nil
}

// SubmissionStatus is the (output, retained values, wait descriptor) triple
// produced by CmdPool.Record, per spec section 4.4's "Retained values" and
// 4.3's record contract.
type SubmissionStatus struct {
	Output     any
	Retained   []any
	Timeline   *Timeline
	WaitValue  uint64
	CommandBuf vk.CommandBuffer
}
