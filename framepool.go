// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gpusched

import (
	"time"

	vk "github.com/goki/vulkan"
)

// DefaultInFlight and MaxInFlight bound N_IN_FLIGHT per spec section 6's
// numeric constants (default 2, range [1..=3]).
const (
	DefaultInFlight = 2
	MaxInFlight     = 3
	MinInFlight     = 1
)

// ClampInFlight enforces spec section 6's N_IN_FLIGHT range, used by hosts
// that expose it as a configuration flag.
func ClampInFlight(n int) int {
	switch {
	case n < MinInFlight:
		return MinInFlight
	case n > MaxInFlight:
		return MaxInFlight
	default:
		return n
	}
}

// replica is one ring slot of a FramePool: the resource itself plus the
// timeline value at which its last use will complete.
type replica[T any] struct {
	value    T
	signal   uint64
	reserved bool
}

// FramePool implements the Per-Frame Resource Pool (C9): a ring of
// N_IN_FLIGHT replicas of some per-frame resource, each reclaimed once the
// owning timeline has completed the signal value its last use was tagged
// with. Grounded on vgpu.RenderFrame's pattern of per-offscreen-frame
// semaphore/fence state (ImageAcquired/RenderDone/RenderFence), generalized
// from "exactly one frame's worth" to an N-deep ring parameterized over an
// arbitrary resource type via Go generics.
type FramePool[T any] struct {
	dev      vk.Device
	timeline *Timeline
	create   func() (T, error)
	destroy  func(T)
	slots    []replica[T]
	next     int
}

// NewFramePool creates a ring of n replicas (clamped to [1,3]), each
// produced lazily by create on first use. dev and timeline are the device
// and queue timeline that Acquire's reclamation wait runs against.
func NewFramePool[T any](dev vk.Device, n int, timeline *Timeline, create func() (T, error), destroy func(T)) *FramePool[T] {
	n = ClampInFlight(n)
	return &FramePool[T]{dev: dev, timeline: timeline, create: create, destroy: destroy, slots: make([]replica[T], n)}
}

// Acquire returns the next replica in round-robin order, waiting (up to
// timeout) for its prior use to complete if the slot has been used before.
// On TimelineTimeout, per spec sections 5 and 7, the caller should skip
// this frame; the slot is left unreclaimed and Acquire can be retried
// later without side effects.
func (p *FramePool[T]) Acquire(timeout time.Duration) (T, error) {
	var zero T
	slot := &p.slots[p.next]
	p.next = (p.next + 1) % len(p.slots)

	if slot.reserved {
		if err := p.timeline.HostWait(p.dev, slot.signal, timeout); err != nil {
			return zero, err
		}
	} else {
		v, err := p.create()
		if err != nil {
			return zero, err
		}
		slot.value = v
		slot.reserved = true
	}
	return slot.value, nil
}

// Tag stamps the replica last handed out by Acquire with the signal value
// its use will complete at, so the Acquire call N frames later knows what
// to wait for before reusing that slot.
func (p *FramePool[T]) Tag(signal uint64) {
	idx := p.next - 1
	if idx < 0 {
		idx = len(p.slots) - 1
	}
	p.slots[idx].signal = signal
}

// Destroy releases every allocated replica.
func (p *FramePool[T]) Destroy() {
	for i := range p.slots {
		if p.slots[i].reserved {
			p.destroy(p.slots[i].value)
			p.slots[i].reserved = false
		}
	}
}
