// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gpusched

import (
	"sync/atomic"
	"time"

	vk "github.com/goki/vulkan"
)

// Timeline owns one monotonic 64-bit counter and its backing Vulkan
// timeline semaphore, per spec section 3 ("Timeline"). A Timeline belongs
// to exactly one logical queue; values only advance through a
// queue_submit on that queue.
type Timeline struct {
	Semaphore vk.Semaphore
	// next is the last value handed out by Reserve (0 before the first
	// call); Reserve returns next+1. It is not yet necessarily signalled --
	// it becomes signalled only once the submission that was told to signal
	// it completes.
	next uint64
}

// NewTimeline creates a timeline semaphore initialised at value 0, per
// spec section 6 ("timeline start value = 0").
func NewTimeline(dev vk.Device) (*Timeline, error) {
	typeInfo := vk.SemaphoreTypeCreateInfo{
		SType:         vk.StructureTypeSemaphoreTypeCreateInfo,
		SemaphoreType: vk.SemaphoreTypeTimeline,
		InitialValue:  0,
	}
	var sem vk.Semaphore
	ret := vk.CreateSemaphore(dev, &vk.SemaphoreCreateInfo{
		SType: vk.StructureTypeSemaphoreCreateInfo,
		PNext: unsafePNext(&typeInfo),
	}, nil, &sem)
	if err := NewError(ret); err != nil {
		return nil, err
	}
	return &Timeline{Semaphore: sem}, nil
}

// Reserve atomically hands out the next strictly-increasing value for a
// submission to signal. Increment is 1 per submission per queue (spec
// section 6).
func (t *Timeline) Reserve() uint64 {
	return atomic.AddUint64(&t.next, 1)
}

// CompletedValue returns the last value this timeline has signalled.
func (t *Timeline) CompletedValue(dev vk.Device) (uint64, error) {
	var value uint64
	ret := vk.GetSemaphoreCounterValue(dev, t.Semaphore, &value)
	if err := NewError(ret); err != nil {
		return 0, err
	}
	return value, nil
}

// SemaphoreOp is a (semaphore, value, stage) triple usable as either a wait
// or a signal in a vk.SubmitInfo extended with
// vk.TimelineSemaphoreSubmitInfo.
type SemaphoreOp struct {
	Semaphore vk.Semaphore
	Value     uint64
	Stage     vk.PipelineStageFlagBits
}

// SignalOp produces the signal descriptor for a submission on this
// timeline at value.
func (t *Timeline) SignalOp(value uint64) SemaphoreOp {
	return SemaphoreOp{Semaphore: t.Semaphore, Value: value}
}

// WaitOp produces a wait descriptor usable in a *different* queue's
// submission, waiting for this timeline to reach value before executing
// work at or after stage. Defaults to ALL_COMMANDS per spec section 9's
// open-question resolution (finer-grained stage derivation is left as a
// future optimisation).
func (t *Timeline) WaitOp(value uint64, stage vk.PipelineStageFlagBits) SemaphoreOp {
	if stage == 0 {
		stage = vk.PipelineStageAllCommandsBit
	}
	return SemaphoreOp{Semaphore: t.Semaphore, Value: value, Stage: stage}
}

// HostWait blocks the calling goroutine until this timeline reaches value,
// or returns TimelineTimeout if it does not within timeout. Per spec
// section 7, TimelineTimeout is recovered locally by the caller (skip the
// frame; leave the per-frame pool slot unreclaimed) -- HostWait itself just
// reports the condition.
func (t *Timeline) HostWait(dev vk.Device, value uint64, timeout time.Duration) error {
	if value == 0 {
		return nil
	}
	waitInfo := vk.SemaphoreWaitInfo{
		SType:          vk.StructureTypeSemaphoreWaitInfo,
		SemaphoreCount: 1,
		PSemaphores:    []vk.Semaphore{t.Semaphore},
		PValues:        []uint64{value},
	}
	ret := vk.WaitSemaphores(dev, &waitInfo, uint64(timeout.Nanoseconds()))
	if ret == vk.Timeout {
		return newErr(TimelineTimeout, "timeline did not reach %d within %s", value, timeout)
	}
	return NewError(ret)
}

// Destroy destroys the backing semaphore.
func (t *Timeline) Destroy(dev vk.Device) {
	if t.Semaphore == nil {
		return
	}
	vk.DestroySemaphore(dev, t.Semaphore, nil)
	t.Semaphore = nil
}

// TimelineRegistry owns one Timeline per logical queue, created and
// destroyed with the Device, per spec section 3's lifecycle rules.
type TimelineRegistry struct {
	dev       vk.Device
	timelines [numCapabilities]*Timeline
}

// NewTimelineRegistry creates a Timeline for each capability the Registry
// selected a queue for.
func NewTimelineRegistry(dev vk.Device, reg *Registry) (*TimelineRegistry, error) {
	tr := &TimelineRegistry{dev: dev}
	for c := QueueCapability(0); c < numCapabilities; c++ {
		if _, ok := reg.Ref(c); !ok {
			continue
		}
		tl, err := NewTimeline(dev)
		if err != nil {
			return nil, err
		}
		tr.timelines[c] = tl
	}
	return tr, nil
}

// Of returns the Timeline owned by the queue of the given capability.
func (tr *TimelineRegistry) Of(cap QueueCapability) *Timeline {
	return tr.timelines[cap]
}

// Destroy destroys every owned timeline semaphore.
func (tr *TimelineRegistry) Destroy() {
	for _, tl := range tr.timelines {
		if tl != nil {
			tl.Destroy(tr.dev)
		}
	}
}

// BinarySemaphore is a one-shot signal, typically bridging an external
// producer such as a swapchain image acquisition, per spec's Glossary.
// Unlike Timeline, it carries no value and must be re-created (or
// recycled) after each wait.
type BinarySemaphore struct {
	Semaphore vk.Semaphore
	// Stage is the intrinsic stage mask this semaphore's wait applies to
	// (e.g. COLOR_ATTACHMENT_OUTPUT for a swapchain acquire semaphore).
	Stage vk.PipelineStageFlagBits
}

// NewBinarySemaphore creates a plain (non-timeline) semaphore.
func NewBinarySemaphore(dev vk.Device, stage vk.PipelineStageFlagBits) (*BinarySemaphore, error) {
	var sem vk.Semaphore
	ret := vk.CreateSemaphore(dev, &vk.SemaphoreCreateInfo{SType: vk.StructureTypeSemaphoreCreateInfo}, nil, &sem)
	if err := NewError(ret); err != nil {
		return nil, err
	}
	return &BinarySemaphore{Semaphore: sem, Stage: stage}, nil
}

func (b *BinarySemaphore) Destroy(dev vk.Device) {
	if b.Semaphore == nil {
		return
	}
	vk.DestroySemaphore(dev, b.Semaphore, nil)
	b.Semaphore = nil
}

// BinarySemaphoreRing keeps one BinarySemaphore per frame-slot, recycled in
// round-robin order the way vgpu.RenderFrame keeps ImageAcquired/RenderDone
// semaphores per offscreen frame.
type BinarySemaphoreRing struct {
	slots []*BinarySemaphore
	next  int
}

// NewBinarySemaphoreRing creates n slots, each waited on at stage.
func NewBinarySemaphoreRing(dev vk.Device, n int, stage vk.PipelineStageFlagBits) (*BinarySemaphoreRing, error) {
	ring := &BinarySemaphoreRing{slots: make([]*BinarySemaphore, n)}
	for i := range ring.slots {
		b, err := NewBinarySemaphore(dev, stage)
		if err != nil {
			return nil, err
		}
		ring.slots[i] = b
	}
	return ring, nil
}

// Next returns the next slot in round-robin order.
func (r *BinarySemaphoreRing) Next() *BinarySemaphore {
	b := r.slots[r.next]
	r.next = (r.next + 1) % len(r.slots)
	return b
}

func (r *BinarySemaphoreRing) Destroy(dev vk.Device) {
	for _, b := range r.slots {
		b.Destroy(dev)
	}
	r.slots = nil
}
