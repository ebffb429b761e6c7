// Copyright (c) 2022, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux && cgo

package vkinit

// DlName is the shared library name dlopen'd to find vkGetInstanceProcAddr.
const DlName = "libvulkan.so.1"
