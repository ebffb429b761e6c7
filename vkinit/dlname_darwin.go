// Copyright (c) 2022, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build darwin && cgo

package vkinit

// DlName is the shared library name dlopen'd to find vkGetInstanceProcAddr.
// MoltenVK ships libvulkan.dylib (or libMoltenVK.dylib on bare installs).
const DlName = "libvulkan.dylib"
