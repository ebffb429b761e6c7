// Copyright (c) 2022, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build (linux && cgo) || (darwin && cgo) || (freebsd && cgo)

// Package vkinit loads and initializes the Vulkan client library without
// pulling in a windowing dependency such as glfw. gpusched only needs a
// loader, not a surface.
package vkinit

// #cgo LDFLAGS: -ldl
// #include <stdlib.h>
// #include <dlfcn.h>
import "C"
import (
	"fmt"
	"sync"
	"unsafe"

	vk "github.com/goki/vulkan"
)

// IsLoaded reports whether LoadVulkan has already succeeded.
var IsLoaded = false

var loadOnce sync.Once
var loadErr error

// LoadVulkan dlopens the platform Vulkan loader and initializes the
// goki/vulkan bindings against it. Safe to call more than once; only the
// first call does any work.
func LoadVulkan() error {
	loadOnce.Do(func() {
		loadErr = loadVulkan()
		IsLoaded = loadErr == nil
	})
	return loadErr
}

func loadVulkan() error {
	clibnm := C.CString(DlName)
	defer C.free(unsafe.Pointer(clibnm))
	handle := C.dlopen(clibnm, C.RTLD_LAZY)
	if handle == nil {
		return fmt.Errorf("vkinit: vulkan library %q not found", DlName)
	}
	cpAddr := C.CString("vkGetInstanceProcAddr")
	defer C.free(unsafe.Pointer(cpAddr))
	pAddr := C.dlsym(handle, cpAddr)
	if pAddr == nil {
		return fmt.Errorf("vkinit: vkGetInstanceProcAddr not found in %q", DlName)
	}
	vk.SetGetInstanceProcAddr(pAddr)
	return vk.Init()
}
