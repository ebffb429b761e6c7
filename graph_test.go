// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gpusched

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func colourOf(cg *ClusterGraph, clusterIdx int) int {
	return cg.Clusters[clusterIdx].Colour
}

func TestBuildClustersSingleColourChain(t *testing.T) {
	// Three nodes, same colour, strictly ordered: A -> B -> C. They should
	// all land in one cluster (same colour, no cross-colour predecessor to
	// force a split), with no inter-cluster edges.
	nodes := []NodeSpec{{Colour: 1}, {Colour: 1}, {Colour: 1}}
	edges := []Edge{{From: 0, To: 1}, {From: 1, To: 2}}

	cg, err := BuildClusters(nodes, edges)
	require.NoError(t, err)
	require.Len(t, cg.Clusters, 1)
	assert.ElementsMatch(t, []int{0, 1, 2}, cg.Clusters[0].Nodes)
	assert.Empty(t, cg.Edges)
}

func TestBuildClustersTwoColoursIndependent(t *testing.T) {
	// Two independent chains of different colours produce two clusters and
	// no edge between them.
	nodes := []NodeSpec{{Colour: 1}, {Colour: 1}, {Colour: 2}, {Colour: 2}}
	edges := []Edge{{From: 0, To: 1}, {From: 2, To: 3}}

	cg, err := BuildClusters(nodes, edges)
	require.NoError(t, err)
	require.Len(t, cg.Clusters, 2)
	assert.Empty(t, cg.Edges)
}

func TestBuildClustersSerialDependency(t *testing.T) {
	// Three systems on three distinct queues (colours), serially dependent:
	// A -> B -> C. Three clusters, two edges between them.
	nodes := []NodeSpec{{Colour: 1}, {Colour: 2}, {Colour: 3}}
	edges := []Edge{{From: 0, To: 1}, {From: 1, To: 2}}

	cg, err := BuildClusters(nodes, edges)
	require.NoError(t, err)
	require.Len(t, cg.Clusters, 3)
	require.Len(t, cg.Edges, 2)

	// Submission order must respect the dependency chain.
	idxOf := func(node int) int {
		for i, c := range cg.Clusters {
			for _, n := range c.Nodes {
				if n == node {
					return i
				}
			}
		}
		t.Fatalf("node %d not assigned to any cluster", node)
		return -1
	}
	a, b, c := idxOf(0), idxOf(1), idxOf(2)
	assert.Contains(t, cg.Edges, Edge{From: a, To: b})
	assert.Contains(t, cg.Edges, Edge{From: b, To: c})
}

func TestBuildClustersCrossColourEdgePreserved(t *testing.T) {
	// A (colour 1) -> B (colour 2), plus one more colour-1 node unrelated
	// to B. The cross-colour edge must survive clustering even though A
	// shares a cluster with the unrelated colour-1 node.
	nodes := []NodeSpec{{Colour: 1}, {Colour: 2}, {Colour: 1}}
	edges := []Edge{{From: 0, To: 1}}

	cg, err := BuildClusters(nodes, edges)
	require.NoError(t, err)
	require.Len(t, cg.Clusters, 2)
	require.Len(t, cg.Edges, 1)
}

func TestBuildClustersStandaloneNeverMerges(t *testing.T) {
	// Two standalone nodes of the same colour must never share a cluster,
	// even with no ordering edge between them.
	nodes := []NodeSpec{{Colour: 1, Standalone: true}, {Colour: 1, Standalone: true}}

	cg, err := BuildClusters(nodes, nil)
	require.NoError(t, err)
	require.Len(t, cg.Clusters, 2)
	assert.Len(t, cg.Clusters[0].Nodes, 1)
	assert.Len(t, cg.Clusters[1].Nodes, 1)
}

func TestBuildClustersStandaloneAmongSameColour(t *testing.T) {
	// A standalone node and two regular same-colour nodes: the regular
	// nodes may still merge with each other, but never with the standalone
	// one.
	nodes := []NodeSpec{
		{Colour: 1, Standalone: true},
		{Colour: 1},
		{Colour: 1},
	}
	cg, err := BuildClusters(nodes, nil)
	require.NoError(t, err)
	require.Len(t, cg.Clusters, 2)

	var standaloneCount, regularCount int
	for _, c := range cg.Clusters {
		if c.Standalone {
			standaloneCount++
			assert.Len(t, c.Nodes, 1)
		} else {
			regularCount++
		}
	}
	assert.Equal(t, 1, standaloneCount)
	assert.Equal(t, 1, regularCount)
}

func TestBuildClustersDetectsCycle(t *testing.T) {
	nodes := []NodeSpec{{Colour: 1}, {Colour: 2}}
	edges := []Edge{{From: 0, To: 1}, {From: 1, To: 0}}

	_, err := BuildClusters(nodes, edges)
	require.Error(t, err)
	var gerr *Error
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, ScheduleCycle, gerr.Kind)
}

func TestBuildClustersDiamondAcyclic(t *testing.T) {
	// A diamond: colour-1 root, two colour-2/colour-3 middle nodes, a
	// colour-1 sink. The resulting cluster DAG must itself be acyclic, even
	// though the root and sink share a colour.
	nodes := []NodeSpec{{Colour: 1}, {Colour: 2}, {Colour: 3}, {Colour: 1}}
	edges := []Edge{
		{From: 0, To: 1}, {From: 0, To: 2},
		{From: 1, To: 3}, {From: 2, To: 3},
	}

	cg, err := BuildClusters(nodes, edges)
	require.NoError(t, err)

	// Acyclicity: no edge set should allow reaching a cluster from itself.
	succ := map[int][]int{}
	for _, e := range cg.Edges {
		succ[e.From] = append(succ[e.From], e.To)
	}
	var reaches func(from, to int, seen map[int]bool) bool
	reaches = func(from, to int, seen map[int]bool) bool {
		if seen[from] {
			return false
		}
		seen[from] = true
		for _, n := range succ[from] {
			if n == to || reaches(n, to, seen) {
				return true
			}
		}
		return false
	}
	for _, c := range succ {
		for _, n := range c {
			assert.False(t, reaches(n, n, map[int]bool{}), "cluster DAG must be acyclic")
		}
	}
}

func TestBuildClustersEmptyGraph(t *testing.T) {
	cg, err := BuildClusters(nil, nil)
	require.NoError(t, err)
	assert.Empty(t, cg.Clusters)
	assert.Empty(t, cg.Edges)
}

func TestColourOfDistinguishesQueueInstances(t *testing.T) {
	assert.NotEqual(t, ColourOf(Graphics, 0), ColourOf(Graphics, 1))
	assert.NotEqual(t, ColourOf(Graphics, 0), ColourOf(Compute, 0))
	assert.Equal(t, ColourOf(Graphics, 0), ColourOf(Graphics, 0))
}

func TestTransitiveReduceRemovesRedundantEdge(t *testing.T) {
	// 0 -> 1 -> 2 and a redundant direct 0 -> 2.
	edgeSet := map[Edge]bool{
		{From: 0, To: 1}: true,
		{From: 1, To: 2}: true,
		{From: 0, To: 2}: true,
	}
	reduced := transitiveReduce(3, edgeSet)
	assert.ElementsMatch(t, []Edge{{From: 0, To: 1}, {From: 1, To: 2}}, reduced)
}

func TestTransitiveReduceKeepsNonRedundantEdges(t *testing.T) {
	edgeSet := map[Edge]bool{
		{From: 0, To: 1}: true,
		{From: 0, To: 2}: true,
	}
	reduced := transitiveReduce(3, edgeSet)
	assert.ElementsMatch(t, []Edge{{From: 0, To: 1}, {From: 0, To: 2}}, reduced)
}

func TestColourDAGWouldCycle(t *testing.T) {
	g := newColourDAG(3)
	g.addEdge(0, 1)
	g.addEdge(1, 2)
	assert.True(t, g.wouldCycle(2, 0))
	assert.False(t, g.wouldCycle(0, 2))
	assert.False(t, g.wouldCycle(0, 0))

	g.reset()
	assert.False(t, g.wouldCycle(2, 0))
}
