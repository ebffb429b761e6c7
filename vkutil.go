// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gpusched

import (
	"unsafe"

	vk "github.com/goki/vulkan"
)

// unsafePNext converts a pointer to a Vulkan extension struct into the
// unsafe.Pointer expected by a core struct's PNext field. Centralised here
// so every PNext chain in the package goes through one audited cast,
// following vgpu/device.go's single `unsafe.Pointer(gp.DeviceFeaturesNeeded)`
// call site for the same purpose.
func unsafePNext(s any) unsafe.Pointer {
	switch v := s.(type) {
	case *vk.SemaphoreTypeCreateInfo:
		return unsafe.Pointer(v)
	case *vk.TimelineSemaphoreSubmitInfo:
		return unsafe.Pointer(v)
	default:
		return nil
	}
}
