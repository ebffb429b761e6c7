// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gpusched

import "sort"

// NodeSpec describes one user render system as input to clustering: its
// colour (queue identity -- see ColourOf) and whether it must form its own
// cluster.
type NodeSpec struct {
	Colour     int
	Standalone bool
}

// ColourOf combines a queue capability and a logical queue instance id into
// the single colour value NodeSpec expects, so that two render systems
// bound to different logical queues of the same capability never collapse
// into one colour.
func ColourOf(cap QueueCapability, queueID int) int {
	return int(cap)*4096 + queueID
}

// Edge is a directed ordering constraint (From before To) in the user's
// render-system DAG.
type Edge struct {
	From, To int
}

// ClusterNode is a maximal set of same-coloured non-standalone nodes, or a
// single standalone node, per spec section 4.7.
type ClusterNode struct {
	Colour     int
	Standalone bool
	// Nodes holds input-node indices in the order they were emitted, which
	// is also host-recording order within the cluster.
	Nodes []int
}

// ClusterGraph is the output of clustering: the clusters themselves plus
// their ordering DAG after transitive reduction.
type ClusterGraph struct {
	Clusters []ClusterNode
	// Edges are cluster-index pairs (From, To) forming the authoritative
	// submission-ordering DAG, already transitively reduced.
	Edges []Edge
}

// colourDAG is a small adjacency-list digraph over compacted colour ids,
// reset once per layer, used only to decide whether emitting a node would
// introduce a same-layer cross-colour cycle (spec section 4.7 step 2).
type colourDAG struct {
	adj [][]int
}

func newColourDAG(n int) *colourDAG {
	return &colourDAG{adj: make([][]int, n)}
}

// reaches reports whether to is reachable from, via a DFS over adj.
func (g *colourDAG) reaches(from, to int) bool {
	if from == to {
		return true
	}
	visited := make([]bool, len(g.adj))
	stack := []int{from}
	for len(stack) > 0 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[v] {
			continue
		}
		visited[v] = true
		for _, w := range g.adj[v] {
			if w == to {
				return true
			}
			if !visited[w] {
				stack = append(stack, w)
			}
		}
	}
	return false
}

// wouldCycle reports whether adding the edge from->to would close a cycle,
// i.e. to can already reach from.
func (g *colourDAG) wouldCycle(from, to int) bool {
	if from == to {
		return false
	}
	return g.reaches(to, from)
}

func (g *colourDAG) addEdge(from, to int) {
	g.adj[from] = append(g.adj[from], to)
}

func (g *colourDAG) reset() {
	for i := range g.adj {
		g.adj[i] = nil
	}
}

// BuildClusters implements the Render-Graph Clustering component (C7):
// the peeled-BFS-by-layers algorithm of spec section 4.7, transliterated
// from original_source/src/ecs/pass.rs's graph_clustering. nodes and edges
// describe the flattened user dependency DAG; the result is an acyclic DAG
// of submission clusters with every cross-cluster edge of the input
// preserved, reduced to its transitive-reduction edge set.
func BuildClusters(nodes []NodeSpec, edges []Edge) (*ClusterGraph, error) {
	n := len(nodes)
	indeg := make([]int, n)
	succ := make([][]int, n)
	for _, e := range edges {
		succ[e.From] = append(succ[e.From], e.To)
		indeg[e.To]++
	}

	// crossPreds[v] lists predecessors of v whose colour differs from v's --
	// the only predecessors relevant to the colour-micro-graph cycle check.
	crossPreds := make([][]int, n)
	for _, e := range edges {
		if nodes[e.From].Colour != nodes[e.To].Colour {
			crossPreds[e.To] = append(crossPreds[e.To], e.From)
		}
	}

	colourID := map[int]int{}
	for _, nd := range nodes {
		if _, ok := colourID[nd.Colour]; !ok {
			colourID[nd.Colour] = len(colourID)
		}
	}

	var h []int
	for i := 0; i < n; i++ {
		if indeg[i] == 0 {
			h = append(h, i)
		}
	}

	assignedCluster := make([]int, n)
	for i := range assignedCluster {
		assignedCluster[i] = -1
	}
	var clusters []ClusterNode
	var clusterLayer []int

	emittedCount := 0
	layer := 0
	T := newColourDAG(len(colourID))

	for len(h) > 0 {
		open := map[int]int{} // colour id -> index into clusters, for this layer only
		standaloneEmitted := map[int]bool{}
		var deferred []int

		for len(h) > 0 {
			idx := h[0]
			h = h[1:]
			cid := colourID[nodes[idx].Colour]

			defer_ := false
			if nodes[idx].Standalone && standaloneEmitted[cid] {
				defer_ = true
			}
			if !defer_ {
				for _, p := range crossPreds[idx] {
					if assignedCluster[p] == -1 || clusterLayer[assignedCluster[p]] != layer {
						continue // predecessor sealed in an earlier layer; always safe
					}
					pCid := colourID[nodes[p].Colour]
					if T.wouldCycle(pCid, cid) {
						defer_ = true
						break
					}
				}
			}

			if defer_ {
				deferred = append(deferred, idx)
				continue
			}

			var clusterIdx int
			if nodes[idx].Standalone {
				clusters = append(clusters, ClusterNode{Colour: nodes[idx].Colour, Standalone: true, Nodes: []int{idx}})
				clusterLayer = append(clusterLayer, layer)
				clusterIdx = len(clusters) - 1
				standaloneEmitted[cid] = true
			} else if oc, ok := open[cid]; ok {
				clusterIdx = oc
				clusters[clusterIdx].Nodes = append(clusters[clusterIdx].Nodes, idx)
			} else {
				clusters = append(clusters, ClusterNode{Colour: nodes[idx].Colour, Nodes: []int{idx}})
				clusterLayer = append(clusterLayer, layer)
				clusterIdx = len(clusters) - 1
				open[cid] = clusterIdx
			}
			assignedCluster[idx] = clusterIdx
			emittedCount++

			for _, p := range crossPreds[idx] {
				if assignedCluster[p] != -1 && clusterLayer[assignedCluster[p]] == layer {
					T.addEdge(colourID[nodes[p].Colour], cid)
				}
			}

			for _, c := range succ[idx] {
				indeg[c]--
				if indeg[c] == 0 {
					h = append(h, c)
				}
			}
		}

		T.reset()
		h = deferred
		layer++
	}

	if emittedCount != n {
		return nil, newErr(ScheduleCycle, "render-system dependency graph contains a cycle")
	}

	edgeSet := map[Edge]bool{}
	for _, e := range edges {
		cf, ct := assignedCluster[e.From], assignedCluster[e.To]
		if cf != ct {
			edgeSet[Edge{From: cf, To: ct}] = true
		}
	}

	cg := &ClusterGraph{Clusters: clusters, Edges: transitiveReduce(len(clusters), edgeSet)}
	return cg, nil
}

// transitiveReduce removes every edge (u,v) for which a longer path from u
// to v already exists through the other edges, per spec section 4.7's
// final step. Runs a reachability DFS per edge over the reduced-candidate
// graph; the cluster DAGs this module produces are small (one node per
// submission per frame), so the naive O(V*E) approach is appropriate.
func transitiveReduce(numClusters int, edgeSet map[Edge]bool) []Edge {
	adj := make([][]int, numClusters)
	for e := range edgeSet {
		adj[e.From] = append(adj[e.From], e.To)
	}

	reachableWithout := func(from, to, skipFrom, skipTo int) bool {
		visited := make([]bool, numClusters)
		stack := []int{from}
		for len(stack) > 0 {
			v := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if visited[v] {
				continue
			}
			visited[v] = true
			for _, w := range adj[v] {
				if v == skipFrom && w == skipTo {
					continue
				}
				if w == to {
					return true
				}
				if !visited[w] {
					stack = append(stack, w)
				}
			}
		}
		return false
	}

	var kept []Edge
	for e := range edgeSet {
		if !reachableWithout(e.From, e.To, e.From, e.To) {
			kept = append(kept, e)
		}
	}
	sort.Slice(kept, func(i, j int) bool {
		if kept[i].From != kept[j].From {
			return kept[i].From < kept[j].From
		}
		return kept[i].To < kept[j].To
	})
	return kept
}
