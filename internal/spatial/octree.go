// Package spatial provides an append-only octree over 3-D positions with
// k-nearest and radius queries.
package spatial

import (
	"cmp"
	"container/heap"
	"errors"
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/spatial/r3"
)

// ErrOutOfBounds is returned by Insert when a position lies outside the
// octree's fixed bounds.
var ErrOutOfBounds = errors.New("position outside octree bounds")

// leafCapacity is the number of items a leaf holds before it splits.
const leafCapacity = 8

// Item is an entry in the octree. ID and StampNanos break distance ties.
type Item struct {
	ID         uint64
	Pos        r3.Vec
	StampNanos int64
}

// Neighbor is a query result: the item and its distance from the query point.
type Neighbor struct {
	Item
	Distance float64
}

// Box is an axis-aligned cube given by its center and half extent.
type Box struct {
	Center r3.Vec
	Half   float64
}

// Contains reports whether p lies inside the box, faces included.
func (b Box) Contains(p r3.Vec) bool {
	return math.Abs(p.X-b.Center.X) <= b.Half &&
		math.Abs(p.Y-b.Center.Y) <= b.Half &&
		math.Abs(p.Z-b.Center.Z) <= b.Half
}

// Distance returns the shortest distance from p to any point of the box,
// zero when p is inside.
func (b Box) Distance(p r3.Vec) float64 {
	dx := math.Max(math.Abs(p.X-b.Center.X)-b.Half, 0)
	dy := math.Max(math.Abs(p.Y-b.Center.Y)-b.Half, 0)
	dz := math.Max(math.Abs(p.Z-b.Center.Z)-b.Half, 0)
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

type node struct {
	box      Box
	items    []Item
	children *[8]*node
}

// Octree partitions a fixed cube recursively into eight children. Leaves
// split once they exceed leafCapacity unless their half extent would drop
// below the configured minimum, so many items at one quantized position
// simply share a leaf.
type Octree struct {
	root    *node
	minHalf float64
	size    int
}

// New creates an octree covering the cube centered at center with the given
// half extent. minHalfExtent bounds subdivision; a value of half the
// quantization resolution keeps one grid cell per leaf at most.
func New(center r3.Vec, halfExtent, minHalfExtent float64) *Octree {
	if minHalfExtent <= 0 {
		minHalfExtent = halfExtent / (1 << 16)
	}
	return &Octree{
		root:    &node{box: Box{Center: center, Half: halfExtent}},
		minHalf: minHalfExtent,
	}
}

// Bounds returns the fixed bounds of the tree.
func (t *Octree) Bounds() Box {
	return t.root.box
}

// Len returns the number of inserted items.
func (t *Octree) Len() int {
	return t.size
}

// Insert places it in the leaf covering its position. Positions outside the
// bounds (or NaN) are rejected with ErrOutOfBounds and leave the tree
// unchanged.
func (t *Octree) Insert(it Item) error {
	if !t.root.box.Contains(it.Pos) {
		return fmt.Errorf("%w: (%.3f, %.3f, %.3f)", ErrOutOfBounds, it.Pos.X, it.Pos.Y, it.Pos.Z)
	}

	n := t.root
	for n.children != nil {
		n = n.children[octant(n.box.Center, it.Pos)]
	}
	n.items = append(n.items, it)
	t.size++

	if len(n.items) > leafCapacity && n.box.Half/2 >= t.minHalf {
		n.split()
	}
	return nil
}

func (n *node) split() {
	h := n.box.Half / 2
	var children [8]*node
	for i := range children {
		c := n.box.Center
		if i&1 != 0 {
			c.X += h
		} else {
			c.X -= h
		}
		if i&2 != 0 {
			c.Y += h
		} else {
			c.Y -= h
		}
		if i&4 != 0 {
			c.Z += h
		} else {
			c.Z -= h
		}
		children[i] = &node{box: Box{Center: c, Half: h}}
	}
	for _, it := range n.items {
		child := children[octant(n.box.Center, it.Pos)]
		child.items = append(child.items, it)
	}
	n.items = nil
	n.children = &children
}

func octant(c, p r3.Vec) int {
	i := 0
	if p.X >= c.X {
		i |= 1
	}
	if p.Y >= c.Y {
		i |= 2
	}
	if p.Z >= c.Z {
		i |= 4
	}
	return i
}

// KNearest returns up to k items closest to q, nearest first. Equal
// distances are ordered by earliest stamp, then lowest ID. The search visits
// nodes in order of their distance from q and stops once no unvisited node
// can hold a closer item.
func (t *Octree) KNearest(q r3.Vec, k int) []Neighbor {
	if k <= 0 || t.size == 0 {
		return nil
	}

	nodes := &nodeQueue{{n: t.root, dist: t.root.box.Distance(q)}}
	best := &neighborHeap{}

	for nodes.Len() > 0 {
		next := heap.Pop(nodes).(queuedNode)
		// Equal distance can still win on the stamp tie-break, so only
		// strictly farther nodes are pruned.
		if best.Len() == k && next.dist > (*best)[0].Distance {
			break
		}
		if next.n.children != nil {
			for _, c := range next.n.children {
				heap.Push(nodes, queuedNode{n: c, dist: c.box.Distance(q)})
			}
			continue
		}
		for _, it := range next.n.items {
			cand := Neighbor{Item: it, Distance: r3.Norm(r3.Sub(it.Pos, q))}
			if best.Len() < k {
				heap.Push(best, cand)
				continue
			}
			if closer(cand, (*best)[0]) {
				(*best)[0] = cand
				heap.Fix(best, 0)
			}
		}
	}

	out := slices.Clone(*best)
	slices.SortFunc(out, compareNeighbors)
	return out
}

// Within returns every item within radius of q, nearest first.
func (t *Octree) Within(q r3.Vec, radius float64) []Neighbor {
	if radius < 0 || t.size == 0 {
		return nil
	}
	var out []Neighbor
	var visit func(n *node)
	visit = func(n *node) {
		if n.box.Distance(q) > radius {
			return
		}
		if n.children != nil {
			for _, c := range n.children {
				visit(c)
			}
			return
		}
		for _, it := range n.items {
			if d := r3.Norm(r3.Sub(it.Pos, q)); d <= radius {
				out = append(out, Neighbor{Item: it, Distance: d})
			}
		}
	}
	visit(t.root)
	slices.SortFunc(out, compareNeighbors)
	return out
}

func compareNeighbors(a, b Neighbor) int {
	if c := cmp.Compare(a.Distance, b.Distance); c != 0 {
		return c
	}
	if c := cmp.Compare(a.StampNanos, b.StampNanos); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

func closer(a, b Neighbor) bool {
	return compareNeighbors(a, b) < 0
}

type queuedNode struct {
	n    *node
	dist float64
}

// nodeQueue is a min-heap of nodes by box distance.
type nodeQueue []queuedNode

func (q nodeQueue) Len() int           { return len(q) }
func (q nodeQueue) Less(i, j int) bool { return q[i].dist < q[j].dist }
func (q nodeQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *nodeQueue) Push(x any)        { *q = append(*q, x.(queuedNode)) }
func (q *nodeQueue) Pop() any {
	old := *q
	n := len(old)
	x := old[n-1]
	old[n-1] = queuedNode{}
	*q = old[:n-1]
	return x
}

// neighborHeap is a max-heap holding the current k best; the root is the
// worst of them.
type neighborHeap []Neighbor

func (h neighborHeap) Len() int           { return len(h) }
func (h neighborHeap) Less(i, j int) bool { return closer(h[j], h[i]) }
func (h neighborHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *neighborHeap) Push(x any)        { *h = append(*h, x.(Neighbor)) }
func (h *neighborHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
