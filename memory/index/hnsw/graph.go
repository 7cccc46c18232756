package hnsw

import (
	"container/heap"
	"math"
	"math/rand"

	"github.com/bits-and-blooms/bitset"

	"github.com/becomeliminal/recall-go/memory"
)

// Options tune graph construction and search.
type Options struct {
	// M is the number of established connections per node per layer.
	// The bottom layer allows 2*M. The range 12-48 suits most embedding
	// dimensionalities.
	M int

	// EF is the size of the dynamic candidate list during construction
	// and search. Larger values improve recall at the cost of time.
	EF int

	// Heuristic selects the diversity-aware neighbour selection instead
	// of plain nearest-M.
	Heuristic bool

	// Seed feeds layer assignment. A fixed seed makes builds reproducible.
	Seed int64
}

// DefaultOptions are reasonable for sentence-embedding workloads.
var DefaultOptions = Options{
	M:         12,
	EF:        120,
	Heuristic: true,
	Seed:      1,
}

// Node is one element of the layered graph. Fields are exported for gob.
type Node struct {
	ID          uint32
	Layer       int
	Vector      []float32
	Connections [][]uint32
}

// graph is the hierarchical navigable small world structure under cosine
// distance. It is not safe for concurrent mutation; Index serializes access.
type graph struct {
	dimension int
	mmax      int // max connections per layer
	mmax0     int // max connections on layer 0
	ml        float64
	ep        uint32
	maxLevel  int
	nodes     []*Node
	rng       *rand.Rand
	opts      Options
}

func newGraph(dimension int, opts Options) *graph {
	if opts.M < 2 {
		// M == 1 would make the level normalization divide by zero.
		opts.M = 2
	}
	if opts.EF < opts.M {
		opts.EF = DefaultOptions.EF
	}
	return &graph{
		dimension: dimension,
		mmax:      opts.M,
		mmax0:     2 * opts.M,
		ml:        1 / math.Log(float64(opts.M)),
		nodes: []*Node{{
			// Node 0 is the entry-point sentinel; it never carries a
			// memory ID and is filtered from results.
			ID:          0,
			Layer:       0,
			Vector:      make([]float32, dimension),
			Connections: make([][]uint32, 1),
		}},
		rng:  rand.New(rand.NewSource(opts.Seed)),
		opts: opts,
	}
}

func (g *graph) distance(a, b []float32) float32 {
	return 1 - memory.Cosine(a, b)
}

// insert adds a vector and returns its node ID. The caller has validated
// the dimension.
func (g *graph) insert(v []float32) uint32 {
	vec := make([]float32, len(v))
	copy(vec, v)

	id := uint32(len(g.nodes))
	layer := int(math.Floor(-math.Log(g.rng.Float64()) * g.ml))
	node := &Node{
		ID:          id,
		Layer:       layer,
		Vector:      vec,
		Connections: make([][]uint32, layer+1),
	}

	entry := g.greedyDescend(vec, layer)

	for level := min(layer, g.maxLevel); level >= 0; level-- {
		results := g.searchLayer(vec, entry, g.opts.EF, level)
		node.Connections[level] = g.selectNeighbours(results, g.opts.M)
		if len(node.Connections[level]) > 0 {
			best := node.Connections[level][0]
			entry = &queueItem{node: best, dist: g.distance(vec, g.nodes[best].Vector)}
		}
	}

	g.nodes = append(g.nodes, node)

	// Link neighbours back, making the new node visible.
	for level := min(layer, g.maxLevel); level >= 0; level-- {
		for _, neighbour := range node.Connections[level] {
			g.link(neighbour, id, level)
		}
	}

	if layer > g.maxLevel {
		g.ep = id
		g.maxLevel = layer
	}
	return id
}

// knnSearch returns up to k nodes closest to q, ascending by distance.
func (g *graph) knnSearch(q []float32, k, ef int) []*queueItem {
	if ef < k {
		ef = k
	}
	entry := g.greedyDescend(q, 0)
	results := g.searchLayer(q, entry, ef, 0)
	for results.Len() > k {
		heap.Pop(results)
	}
	out := make([]*queueItem, results.Len())
	for i := results.Len() - 1; i >= 0; i-- {
		out[i], _ = heap.Pop(results).(*queueItem)
	}
	return out
}

// greedyDescend walks from the entry point down to toLevel+1, keeping the
// single closest node per layer, and returns the entry for toLevel.
func (g *graph) greedyDescend(q []float32, toLevel int) *queueItem {
	curr := g.ep
	currDist := g.distance(q, g.nodes[curr].Vector)

	for level := g.maxLevel; level > toLevel; level-- {
		changed := true
		for changed {
			changed = false
			node := g.nodes[curr]
			if level >= len(node.Connections) {
				continue
			}
			for _, n := range node.Connections[level] {
				d := g.distance(q, g.nodes[n].Vector)
				if d < currDist {
					curr = n
					currDist = d
					changed = true
				}
			}
		}
	}
	return &queueItem{node: curr, dist: currDist}
}

// searchLayer explores one layer starting from entry and returns a max-heap
// of up to ef closest nodes.
func (g *graph) searchLayer(q []float32, entry *queueItem, ef, level int) *priorityQueue {
	var visited bitset.BitSet
	visited.Set(uint(entry.node))

	candidates := &priorityQueue{}
	heap.Init(candidates)
	heap.Push(candidates, entry)

	results := &priorityQueue{max: true}
	heap.Init(results)
	heap.Push(results, entry)

	for candidates.Len() > 0 {
		lowerBound := results.top().dist
		candidate, _ := heap.Pop(candidates).(*queueItem)
		if candidate.dist > lowerBound {
			break
		}

		node := g.nodes[candidate.node]
		if level >= len(node.Connections) {
			continue
		}
		for _, n := range node.Connections[level] {
			if visited.Test(uint(n)) {
				continue
			}
			visited.Set(uint(n))

			d := g.distance(q, g.nodes[n].Vector)
			item := &queueItem{node: n, dist: d}
			if results.Len() < ef {
				heap.Push(results, item)
				heap.Push(candidates, item)
			} else if results.top().dist > d {
				heap.Pop(results)
				heap.Push(results, item)
				heap.Push(candidates, item)
			}
		}
	}
	return results
}

// selectNeighbours drains a max-heap of candidates and picks at most m
// connection targets, closest first. With the heuristic enabled a candidate
// closer to an already selected neighbour than to the new node is passed
// over, which keeps connections spread across clusters.
func (g *graph) selectNeighbours(results *priorityQueue, m int) []uint32 {
	items := make([]*queueItem, results.Len())
	for i := results.Len() - 1; i >= 0; i-- {
		items[i], _ = heap.Pop(results).(*queueItem)
	}

	if !g.opts.Heuristic {
		if len(items) > m {
			items = items[:m]
		}
		out := make([]uint32, len(items))
		for i, it := range items {
			out[i] = it.node
		}
		return out
	}

	selected := make([]*queueItem, 0, m)
	var reserve []*queueItem
	for _, it := range items {
		if len(selected) >= m {
			break
		}
		keep := true
		for _, s := range selected {
			if g.distance(g.nodes[s.node].Vector, g.nodes[it.node].Vector) < it.dist {
				keep = false
				break
			}
		}
		if keep {
			selected = append(selected, it)
		} else {
			reserve = append(reserve, it)
		}
	}
	for len(selected) < m && len(reserve) > 0 {
		selected = append(selected, reserve[0])
		reserve = reserve[1:]
	}

	out := make([]uint32, len(selected))
	for i, it := range selected {
		out[i] = it.node
	}
	return out
}

// link records an edge from one node to a new neighbour, re-trimming the
// connection list when it exceeds the per-layer maximum.
func (g *graph) link(from, to uint32, level int) {
	maxConn := g.mmax
	if level == 0 {
		maxConn = g.mmax0
	}

	node := g.nodes[from]
	node.Connections[level] = append(node.Connections[level], to)
	if len(node.Connections[level]) <= maxConn {
		return
	}

	results := &priorityQueue{max: true}
	heap.Init(results)
	for _, id := range node.Connections[level] {
		heap.Push(results, &queueItem{node: id, dist: g.distance(node.Vector, g.nodes[id].Vector)})
	}
	node.Connections[level] = g.selectNeighbours(results, maxConn)
}
