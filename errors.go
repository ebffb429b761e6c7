// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gpusched

import (
	"fmt"

	vk "github.com/goki/vulkan"
)

// ErrorKind classifies the abstract error kinds a host application needs to
// branch on. It does not attempt to capture every vk.Result value -- only
// the ones with a distinct propagation policy (see the comment on each kind
// below).
type ErrorKind string

const (
	// NoCompatibleQueue means the device has no queue family exposing a
	// required capability. Surfaced: halts initialization.
	NoCompatibleQueue ErrorKind = "no_compatible_queue"

	// OutOfHostMemory is returned to the caller. No function in this
	// package retries an allocation that failed with it.
	OutOfHostMemory ErrorKind = "out_of_host_memory"

	// OutOfDeviceMemory is surfaced to the caller.
	OutOfDeviceMemory ErrorKind = "out_of_device_memory"

	// DeviceLost is fatal: the entire GPU subsystem must be torn down and
	// rebuilt by the host.
	DeviceLost ErrorKind = "device_lost"

	// ScheduleCycle is a programmer error: the render-graph clustering
	// produced (or was given) a cycle it could not eliminate.
	ScheduleCycle ErrorKind = "schedule_cycle"

	// PoolGenerationMismatch is a programmer error: a command buffer was
	// used after its pool was reset.
	PoolGenerationMismatch ErrorKind = "pool_generation_mismatch"

	// TimelineTimeout is returned by Timeline.HostWait and
	// FramePool.Acquire; the affected per-frame pool slot is left
	// unreclaimed. No function in this package skips a frame on its own.
	TimelineTimeout ErrorKind = "timeline_timeout"

	// ExtensionMissing halts initialization.
	ExtensionMissing ErrorKind = "extension_missing"

	// FeatureUnsupported halts initialization.
	FeatureUnsupported ErrorKind = "feature_unsupported"
)

// Error is the concrete error type returned by gpusched. It carries a Kind
// from the catalogue above and, when the error originated from a Vulkan
// call, the vk.Result that produced it.
type Error struct {
	Kind   ErrorKind
	Result vk.Result
	// HasResult is true when Result is meaningful (vk.Success is also a
	// valid vk.Result value, so a bool flag is needed to distinguish "no
	// result" from "succeeded").
	HasResult bool
	Msg       string
}

func (e *Error) Error() string {
	if e.HasResult {
		return fmt.Sprintf("gpusched: %s: %s (vk.Result=%d)", e.Kind, e.Msg, e.Result)
	}
	return fmt.Sprintf("gpusched: %s: %s", e.Kind, e.Msg)
}

// Is implements errors.Is support against a bare ErrorKind sentinel, e.g.
// errors.Is(err, gpusched.TimelineTimeout).
func (e *Error) Is(target error) bool {
	k, ok := target.(interface{ gpuschedErrorKind() ErrorKind })
	if !ok {
		return false
	}
	return e.Kind == k.gpuschedErrorKind()
}

func (k ErrorKind) gpuschedErrorKind() ErrorKind { return k }

// Error makes an ErrorKind usable as the target of errors.Is.
func (k ErrorKind) Error() string { return string(k) }

// newErr builds an *Error of the given kind with a formatted message.
func newErr(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// NewError wraps a vk.Result as an *Error, classifying the handful of
// results gpusched's propagation policy (see spec section 7) cares about.
// Grounded on vgpu/device.go's `IfPanic(NewError(ret))` idiom: every driver
// call in this package funnels its vk.Result through NewError and returns
// the resulting error to its caller, whatever its kind; this package does
// not call IfPanic itself.
func NewError(ret vk.Result) *Error {
	if ret == vk.Success {
		return nil
	}
	kind := OutOfDeviceMemory
	switch ret {
	case vk.ErrorOutOfHostMemory:
		kind = OutOfHostMemory
	case vk.ErrorOutOfDeviceMemory:
		kind = OutOfDeviceMemory
	case vk.ErrorDeviceLost:
		kind = DeviceLost
	case vk.ErrorExtensionNotPresent, vk.ErrorLayerNotPresent:
		kind = ExtensionMissing
	case vk.ErrorFeatureNotPresent:
		kind = FeatureUnsupported
	}
	return &Error{Kind: kind, Result: ret, HasResult: true, Msg: "vulkan call failed"}
}

// IsError reports whether ret is a vk.Result other than vk.Success.
func IsError(ret vk.Result) bool {
	return ret != vk.Success
}

// IfPanic panics if err is non-nil. It is provided for host code that
// treats a failed driver call (device creation, instance creation) as
// unrecoverable, the usage vgpu makes of it at init time; gpusched's own
// functions return their errors instead of calling it.
func IfPanic(err error) {
	if err != nil {
		panic(err)
	}
}
