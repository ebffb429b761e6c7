// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*
Package gpusched implements a render-system scheduler and GPU
command-submission orchestrator on top of the Vulkan API, using the
https://github.com/goki/vulkan Go bindings.

A host application (typically an ECS) registers many small render systems,
each bound to a queue capability (graphics, compute or transfer). gpusched
collapses the host's dependency graph of those systems into a DAG of
per-queue submission clusters (BuildClusters, ClusterGraph), records each system's GPU commands
through a cooperative suspend-and-resume recorder (GPUFuture) that emits the
minimal set of pipeline barriers between them, and performs exactly one
queue submission per cluster, wiring timeline semaphores between clusters so
that cross-queue dependencies are respected without the host blocking.

The package is organized the way vgpu organizes the Vulkan object model: one
flat package, one file per concern, thin wrappers around vk calls that
return a classified *Error (see NewError) for the caller to act on; IfPanic
is provided for callers that treat a failure as unrecoverable.
*/
package gpusched
