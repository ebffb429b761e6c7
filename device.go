// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gpusched

import (
	vk "github.com/goki/vulkan"
)

// QueueCapability is one of the three queue roles the scheduler assigns
// render systems to.
type QueueCapability int

const (
	Graphics QueueCapability = iota
	Compute
	Transfer
	numCapabilities
)

func (c QueueCapability) String() string {
	switch c {
	case Graphics:
		return "graphics"
	case Compute:
		return "compute"
	case Transfer:
		return "transfer"
	}
	return "unknown"
}

// vkBit returns the vk.QueueFlagBits a family must advertise to serve this
// capability.
func (c QueueCapability) vkBit() vk.QueueFlagBits {
	switch c {
	case Graphics:
		return vk.QueueGraphicsBit
	case Compute:
		return vk.QueueComputeBit
	case Transfer:
		return vk.QueueTransferBit
	}
	return 0
}

// MemoryModel classifies the host-visibility of device-local memory on the
// physical device, per spec section 6.6 (Buffer Factory). UMA and
// ResizableBAR devices can map device-local memory directly from the host;
// BAR devices can map a limited window of it; Discrete devices cannot map
// it at all and must stage through a host-visible buffer.
type MemoryModel int

const (
	UMA MemoryModel = iota
	BAR
	ResizableBAR
	Discrete
)

func (m MemoryModel) String() string {
	switch m {
	case UMA:
		return "UMA"
	case BAR:
		return "BAR"
	case ResizableBAR:
		return "ResizableBAR"
	case Discrete:
		return "Discrete"
	}
	return "unknown"
}

// QueueRef is a small, comparable handle identifying one logical queue.
// Derived from a queue family's capability bits; carries the family index
// the driver needs for command pool creation and ownership-transfer
// barriers.
type QueueRef struct {
	Cap    QueueCapability
	Family uint32
	index  int // stable index into Registry.queues, for fast lookup
}

// Registry enumerates physical-device queue families and exposes at most
// one logical queue per capability, preferring specialised families (e.g.
// transfer-only) over general ones, per spec section 4.1. It owns the
// logical vk.Device shared by all selected queues.
//
// Grounded on vgpu/device.go's Device.FindQueue/MakeDevice, generalized
// from "one queue per Device" to "up to three queues sharing one Device".
type Registry struct {
	PhysicalDevice   vk.PhysicalDevice
	Properties       vk.PhysicalDeviceProperties
	MemoryProperties vk.PhysicalDeviceMemoryProperties
	MemoryModel      MemoryModel

	Device vk.Device

	families []vk.QueueFamilyProperties
	queues   [numCapabilities]*QueueRef
	rawQueue [numCapabilities]vk.Queue

	// DeviceExts and ValidationLayers mirror vgpu.GPU's fields of the same
	// purpose; set before calling MakeDevice.
	DeviceExts       []string
	ValidationLayers []string
}

// NewRegistry wraps an already-selected vk.PhysicalDevice. The physical
// device itself (instance creation, enumeration, scoring across multiple
// GPUs) is the host application's responsibility -- out of scope per
// spec section 1 ("external collaborators").
func NewRegistry(pd vk.PhysicalDevice) *Registry {
	r := &Registry{PhysicalDevice: pd}
	vk.GetPhysicalDeviceProperties(pd, &r.Properties)
	r.Properties.Deref()
	vk.GetPhysicalDeviceMemoryProperties(pd, &r.MemoryProperties)
	r.MemoryProperties.Deref()
	r.MemoryModel = detectMemoryModel(&r.Properties, &r.MemoryProperties)
	return r
}

// detectMemoryModel classifies the device using its type and whether any
// memory type is simultaneously DEVICE_LOCAL and HOST_VISIBLE (the
// "Base Address Register" aperture). Integrated GPUs and CPUs share one
// heap with the host and are always UMA. Discrete GPUs with no such memory
// type cannot map device memory at all (Discrete); those that can are
// classified ResizableBAR when the mappable heap is large enough to hold
// more than incidental staging traffic, else BAR.
func detectMemoryModel(props *vk.PhysicalDeviceProperties, memProps *vk.PhysicalDeviceMemoryProperties) MemoryModel {
	if props.DeviceType == vk.PhysicalDeviceTypeIntegratedGpu || props.DeviceType == vk.PhysicalDeviceTypeCpu {
		return UMA
	}
	const resizableBARThreshold = 256 << 20 // 256MiB
	var mappableHeapSize vk.DeviceSize
	n := int(memProps.MemoryTypeCount)
	for i := 0; i < n; i++ {
		mt := memProps.MemoryTypes[i]
		mt.Deref()
		need := vk.MemoryPropertyDeviceLocalBit | vk.MemoryPropertyHostVisibleBit
		if vk.MemoryPropertyFlagBits(mt.PropertyFlags)&need == need {
			hi := memProps.MemoryHeaps[mt.HeapIndex]
			hi.Deref()
			if hi.Size > mappableHeapSize {
				mappableHeapSize = hi.Size
			}
		}
	}
	if mappableHeapSize == 0 {
		return Discrete
	}
	if mappableHeapSize >= resizableBARThreshold {
		return ResizableBAR
	}
	return BAR
}

// RequireQueues enumerates queue families and selects a logical queue for
// each requested capability, preferring a family whose flag set is a
// strict superset containing ONLY the bits needed for fewer capabilities
// (a "specialised" family) over one shared by graphics+compute+transfer.
// Returns NoCompatibleQueue if any requested capability is absent.
func (r *Registry) RequireQueues(caps ...QueueCapability) error {
	var count uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(r.PhysicalDevice, &count, nil)
	if count == 0 {
		return newErr(NoCompatibleQueue, "physical device exposes no queue families")
	}
	r.families = make([]vk.QueueFamilyProperties, count)
	vk.GetPhysicalDeviceQueueFamilyProperties(r.PhysicalDevice, &count, r.families)
	for i := range r.families {
		r.families[i].Deref()
	}

	for _, c := range caps {
		idx, ok := r.bestFamily(c)
		if !ok {
			return newErr(NoCompatibleQueue, "no queue family supports capability %s", c)
		}
		r.queues[c] = &QueueRef{Cap: c, Family: uint32(idx), index: int(c)}
	}
	return nil
}

// bestFamily scores every family able to serve cap and returns the index of
// the one with the fewest other capability bits set (the "most
// specialised" family), breaking ties by lowest index.
func (r *Registry) bestFamily(cap QueueCapability) (int, bool) {
	need := vk.QueueFlags(cap.vkBit())
	best := -1
	bestPopcount := -1
	for i, fam := range r.families {
		if fam.QueueCount == 0 {
			continue
		}
		if fam.QueueFlags&need == 0 {
			continue
		}
		pc := popcount(uint32(fam.QueueFlags))
		if best == -1 || pc < bestPopcount {
			best = i
			bestPopcount = pc
		}
	}
	return best, best != -1
}

func popcount(x uint32) int {
	n := 0
	for x != 0 {
		n += int(x & 1)
		x >>= 1
	}
	return n
}

// MakeDevice creates the shared logical device and fetches one vk.Queue per
// selected capability. Distinct capabilities that resolved to the same
// family index share one vk.DeviceQueueCreateInfo entry (queue index 0).
func (r *Registry) MakeDevice(extraFeatures vk.PhysicalDeviceFeatures, pNext any) error {
	seen := map[uint32]bool{}
	var infos []vk.DeviceQueueCreateInfo
	for _, q := range r.queues {
		if q == nil || seen[q.Family] {
			continue
		}
		seen[q.Family] = true
		infos = append(infos, vk.DeviceQueueCreateInfo{
			SType:            vk.StructureTypeDeviceQueueCreateInfo,
			QueueFamilyIndex: q.Family,
			QueueCount:       1,
			PQueuePriorities: []float32{1.0},
		})
	}
	var device vk.Device
	ret := vk.CreateDevice(r.PhysicalDevice, &vk.DeviceCreateInfo{
		SType:                   vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount:    uint32(len(infos)),
		PQueueCreateInfos:       infos,
		EnabledExtensionCount:   uint32(len(r.DeviceExts)),
		PpEnabledExtensionNames: r.DeviceExts,
		EnabledLayerCount:       uint32(len(r.ValidationLayers)),
		PpEnabledLayerNames:     r.ValidationLayers,
		PEnabledFeatures:        []vk.PhysicalDeviceFeatures{extraFeatures},
	}, nil, &device)
	if err := NewError(ret); err != nil {
		return err
	}
	r.Device = device

	for _, q := range r.queues {
		if q == nil {
			continue
		}
		var raw vk.Queue
		vk.GetDeviceQueue(r.Device, q.Family, 0, &raw)
		r.rawQueue[q.index] = raw
		logDebugf("gpusched: queue %s -> family %d", q.Cap, q.Family)
	}
	return nil
}

// QueueFamilyOf returns the family index backing cap.
func (r *Registry) QueueFamilyOf(cap QueueCapability) (uint32, error) {
	q := r.queues[cap]
	if q == nil {
		return 0, newErr(NoCompatibleQueue, "capability %s was not requested", cap)
	}
	return q.Family, nil
}

// RawQueue returns the driver queue handle backing a QueueRef.
func (r *Registry) RawQueue(ref QueueRef) vk.Queue {
	return r.rawQueue[ref.index]
}

// Ref returns the QueueRef for a requested capability, or false if it
// wasn't requested / available.
func (r *Registry) Ref(cap QueueCapability) (QueueRef, bool) {
	q := r.queues[cap]
	if q == nil {
		return QueueRef{}, false
	}
	return *q, true
}

// Destroy waits for the device to go idle and destroys it.
func (r *Registry) Destroy() {
	if r.Device == nil {
		return
	}
	vk.DeviceWaitIdle(r.Device)
	vk.DestroyDevice(r.Device, nil)
	r.Device = nil
	logDebugf("gpusched: device destroyed")
}
