// Copyright (c) 2022, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vkinit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadVulkanIsIdempotent(t *testing.T) {
	first := LoadVulkan()
	second := LoadVulkan()
	assert.Equal(t, first, second, "a repeat call must not attempt to load again or change the outcome")
	assert.Equal(t, IsLoaded, first == nil)
}
