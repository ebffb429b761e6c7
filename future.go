// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gpusched

import vk "github.com/goki/vulkan"

// GPUFuture is the cooperative recording abstraction described in spec
// section 4.4 and Design Notes ("no coroutine runtime"): a render system's
// command recording is expressed as a value satisfying this interface
// rather than as a function that blocks. Poll is called repeatedly by the
// runtime (driveFuture) until it reports Ready; between Pending polls the
// runtime drains whatever barriers have accumulated in ctx.
//
// Grounded directly on original_source/src/future/exec.rs's
// `GPUFutureSubmissionStatus`/poll loop, re-expressed without Rust's
// generators as an explicit interface plus combinator functions -- Go has
// no stackless-coroutine primitive to lower async fn into, so the future is
// instead a small hand-written state machine per combinator.
type GPUFuture interface {
	Poll(ctx *FutureContext) PollResult
}

// PollResult is the outcome of one Poll call. When Ready is false the
// future is Pending: the runtime will drain ctx's accumulated barriers (if
// any) and call Poll again. When Ready is true, Output and Retained are the
// future's final values and Poll will not be called again.
type PollResult struct {
	Ready    bool
	Output   any
	Retained []any
	// Err terminates the drive loop immediately (no further polling, no
	// final drain) when non-nil -- the path by which a leaf future reports
	// an allocation failure or similar condition from spec section 7's
	// propagation policy back to CmdPool.Record's caller.
	Err error
}

func pending() PollResult { return PollResult{} }

func ready(output any, retained []any) PollResult {
	return PollResult{Ready: true, Output: output, Retained: retained}
}

func erred(err error) PollResult { return PollResult{Ready: true, Err: err} }

// FutureContext is threaded through every Poll call. It carries the
// command buffer being recorded into, the shared resource access tracker,
// the recording queue's family (for ownership-transfer barriers), and the
// barrier set accumulated since the last drain.
//
// The accumulation behaviour is what gives the "barrier coalescing rule"
// of spec section 4.4: FutureContext.Access only ever appends to pending,
// it never drains on its own. Draining -- and therefore the actual
// cmd_pipeline_barrier2-equivalent call -- happens only in the runtime loop
// (driveFuture): after every Pending poll, which is what the Then
// combinator's single forced yield between two sequentially-composed
// futures produces, and once more after the final Ready poll. A Join groups
// several futures under one shared context with no forced yield between
// them, so their accesses land in the same pending set and drain together.
type FutureContext struct {
	cmd     vk.CommandBuffer
	tracker *AccessTracker
	family  uint32
	pending []Barrier
}

func newFutureContext(cmd vk.CommandBuffer, tracker *AccessTracker, family uint32) *FutureContext {
	return &FutureContext{cmd: cmd, tracker: tracker, family: family}
}

// Cmd returns the command buffer a leaf future should record its actual
// Vulkan calls into.
func (ctx *FutureContext) Cmd() vk.CommandBuffer { return ctx.cmd }

// Access registers a single resource access against the shared tracker and
// folds any resulting barrier into ctx's pending set. It never yields --
// whether the caller should yield (to let a real barrier drain before
// continuing) is the composing combinator's decision, not this call's.
func (ctx *FutureContext) Access(id ResourceID, access Access) {
	ctx.AccessImage(id, access, vk.ImageLayoutUndefined)
}

// AccessImage is Access for an image resource transitioning to layout.
func (ctx *FutureContext) AccessImage(id ResourceID, access Access, layout vk.ImageLayout) {
	b := ctx.tracker.Track(id, ctx.family, access, layout)
	if !b.empty() {
		ctx.pending = append(ctx.pending, b)
	}
}

func (ctx *FutureContext) hasPending() bool { return len(ctx.pending) > 0 }

// drain coalesces every pending barrier into a single pipeline-barrier call
// and clears the pending set, per the "one barrier, not k" rule. Grounded
// on vgpu/memory.go's CmdTransferRegsToGPU, which issues one
// vk.CmdPipelineBarrier bracketing a batch of copies rather than one per
// copy.
func (ctx *FutureContext) drain() {
	if len(ctx.pending) == 0 {
		return
	}
	var memBarrier vk.MemoryBarrier
	var srcStage, dstStage vk.PipelineStageFlags
	var imageBarriers []vk.ImageMemoryBarrier
	haveMem := false

	for _, b := range ctx.pending {
		srcStage |= b.Src.Stage
		dstStage |= b.Dst.Stage
		if b.Image {
			oldLayout, newLayout := b.OldLayout, b.NewLayout
			srcFamily, dstFamily := vk.QueueFamilyIgnored, vk.QueueFamilyIgnored
			if b.OwnershipTransfer {
				srcFamily, dstFamily = b.SrcFamily, b.DstFamily
			}
			imageBarriers = append(imageBarriers, vk.ImageMemoryBarrier{
				SType:               vk.StructureTypeImageMemoryBarrier,
				SrcAccessMask:       b.Src.Mask,
				DstAccessMask:       b.Dst.Mask,
				OldLayout:           oldLayout,
				NewLayout:           newLayout,
				SrcQueueFamilyIndex: uint32(srcFamily),
				DstQueueFamilyIndex: uint32(dstFamily),
				SubresourceRange: vk.ImageSubresourceRange{
					AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
					LevelCount: 1,
					LayerCount: 1,
				},
			})
			continue
		}
		memBarrier.SrcAccessMask |= b.Src.Mask
		memBarrier.DstAccessMask |= b.Dst.Mask
		haveMem = true
	}

	if srcStage == 0 {
		srcStage = vk.PipelineStageFlags(vk.PipelineStageTopOfPipeBit)
	}
	if dstStage == 0 {
		dstStage = vk.PipelineStageFlags(vk.PipelineStageBottomOfPipeBit)
	}

	var memBarriers []vk.MemoryBarrier
	if haveMem {
		memBarrier.SType = vk.StructureTypeMemoryBarrier
		memBarriers = []vk.MemoryBarrier{memBarrier}
	}

	vk.CmdPipelineBarrier(ctx.cmd, srcStage, dstStage, 0,
		uint32(len(memBarriers)), memBarriers,
		0, nil,
		uint32(len(imageBarriers)), imageBarriers,
	)
	ctx.pending = nil
}

// driveFuture runs the spec section 4.4 poll loop: Poll until Ready,
// draining ctx's barrier set between Pending results. This is the direct
// transliteration of original_source/src/future/exec.rs's
// `CommandPool::record` loop, minus the generation/pool assertions (those
// are CmdPool.Record's job, checked once before driveFuture is ever
// called).
func driveFuture(ctx *FutureContext, future GPUFuture) (any, []any, error) {
	for {
		res := future.Poll(ctx)
		if res.Err != nil {
			return nil, nil, res.Err
		}
		if res.Ready {
			ctx.drain()
			return res.Output, res.Retained, nil
		}
		ctx.drain()
	}
}

// step is the single-poll leaf future most render systems build on: it
// records record immediately and completes, relying on whatever composed
// it (Then/Join) to have arranged for any barrier its accesses required to
// already be satisfied. Use ctx.Access/AccessImage from within record to
// declare the resources it touches.
type step struct {
	record func(ctx *FutureContext) (any, []any, error)
	done   bool
}

// Step wraps a single synchronous recording function as a GPUFuture. A
// non-nil error return terminates the whole drive loop, per spec section
// 7's propagation policy for recoverable allocation failures encountered
// mid-recording (e.g. a staging buffer allocation).
func Step(record func(ctx *FutureContext) (any, []any, error)) GPUFuture {
	return &step{record: record}
}

func (s *step) Poll(ctx *FutureContext) PollResult {
	if s.done {
		return ready(nil, nil)
	}
	s.done = true
	out, retained, err := s.record(ctx)
	if err != nil {
		return erred(err)
	}
	return ready(out, retained)
}

// Ready returns a future that is already complete with the given output,
// carrying no retained values and touching no resources. Useful as Then's
// base case or a no-op branch.
func Ready(output any) GPUFuture {
	return Step(func(*FutureContext) (any, []any, error) { return output, nil, nil })
}

// yieldOnce is the explicit suspension point combinators insert where spec
// section 4.4 calls for "ordering across dispatches/draws": it reports
// Pending exactly once (forcing the runtime to drain any barriers
// accumulated so far), then Ready on the next poll.
type yieldOnce struct{ yielded bool }

// Yield returns a future whose sole effect is one forced barrier drain.
func Yield() GPUFuture {
	return &yieldOnce{}
}

func (y *yieldOnce) Poll(*FutureContext) PollResult {
	if y.yielded {
		return ready(nil, nil)
	}
	y.yielded = true
	return pending()
}

// thenFuture sequences two futures with exactly one forced yield between
// them, so that any barrier the first accumulated is guaranteed drained
// before the second records its first command. This is the "explicit
// yield...required" boundary of spec section 4.4, and is what produces the
// "N-1 barriers for N serially-dependent systems" shape (E2E scenario 3 in
// spec section 8): chaining three systems with Then two times yields two
// forced drains.
type thenFuture struct {
	first GPUFuture
	next  func(output any) GPUFuture

	firstOut any
	yielded  bool
	second   GPUFuture
	retained []any
}

// Then polls first to Ready, yields once, then polls next(output) to
// Ready, concatenating retained values from both.
func Then(first GPUFuture, next func(output any) GPUFuture) GPUFuture {
	return &thenFuture{first: first, next: next}
}

func (t *thenFuture) Poll(ctx *FutureContext) PollResult {
	if t.second != nil {
		res := t.second.Poll(ctx)
		if res.Err != nil || !res.Ready {
			return res
		}
		return ready(res.Output, append(t.retained, res.Retained...))
	}
	if !t.yielded {
		res := t.first.Poll(ctx)
		if res.Err != nil || !res.Ready {
			return res
		}
		t.firstOut = res.Output
		t.retained = res.Retained
		t.yielded = true
		return pending()
	}
	t.second = t.next(t.firstOut)
	return t.Poll(ctx)
}

// joinFuture drives several futures to completion under one shared
// context with no forced yield between them, so their accesses coalesce
// into a single barrier drain at whichever later point forces one. This is
// the "k sequential dependent writes produce one barrier" half of the
// coalescing rule: group independent-but-adjacent systems with Join rather
// than Then when there is no real ordering requirement between them.
type joinFuture struct {
	futures  []GPUFuture
	done     []bool
	outputs  []any
	retained []any
}

// Join runs futures concurrently at the recording level (round-robin
// polling within one Poll call) and is Ready once every one of them is.
func Join(futures ...GPUFuture) GPUFuture {
	return &joinFuture{futures: futures, done: make([]bool, len(futures)), outputs: make([]any, len(futures))}
}

func (j *joinFuture) Poll(ctx *FutureContext) PollResult {
	allDone := true
	for i, f := range j.futures {
		if j.done[i] {
			continue
		}
		res := f.Poll(ctx)
		if res.Err != nil {
			return res
		}
		if !res.Ready {
			allDone = false
			continue
		}
		j.done[i] = true
		j.outputs[i] = res.Output
		j.retained = append(j.retained, res.Retained...)
	}
	if !allDone {
		return pending()
	}
	return ready(append([]any(nil), j.outputs...), j.retained)
}

// retainFuture wraps a future, appending extra values to its retained list
// once it completes. Grounded on the "Retained values" rule of spec
// section 4.4: anything a recording closure captured by reference (e.g. a
// staging buffer that must outlive the submission) is kept alive exactly
// this way.
type retainFuture struct {
	inner GPUFuture
	extra []any
}

// Retain wraps future so that extra values are appended to its retained
// list when it completes, keeping them alive until the submission they
// were recorded into has been waited on.
func Retain(future GPUFuture, extra ...any) GPUFuture {
	return &retainFuture{inner: future, extra: extra}
}

func (r *retainFuture) Poll(ctx *FutureContext) PollResult {
	res := r.inner.Poll(ctx)
	if res.Err != nil || !res.Ready {
		return res
	}
	return ready(res.Output, append(res.Retained, r.extra...))
}
