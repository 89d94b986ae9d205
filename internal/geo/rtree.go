package geo

import (
	"math"
	"sort"
)

const (
	// maxEntries is the node fan-out. 16 keeps the tree shallow for the
	// tens-of-thousands of points this service indexes while node scans
	// stay cache-friendly.
	maxEntries = 16
	minEntries = maxEntries / 2
)

type node struct {
	leaf     bool
	bounds   Rect
	children []*node // internal nodes
	entries  []Entry // leaf nodes
}

// RTree is a point R-tree keyed by marker id. It is not goroutine-safe;
// the store serialises access behind its lock.
type RTree struct {
	root   *node
	size   int
	leafOf map[string]*node
}

// NewRTree returns an empty index.
func NewRTree() *RTree {
	return &RTree{
		root:   &node{leaf: true},
		leafOf: make(map[string]*node),
	}
}

// Len returns the number of indexed points.
func (t *RTree) Len() int {
	return t.size
}

// Insert adds a point. It fails with ErrDuplicateID if the id is already
// indexed and ErrBadCoordinate for non-finite coordinates.
func (t *RTree) Insert(id string, lng, lat float64) error {
	if !finite(lng) || !finite(lat) {
		return ErrBadCoordinate
	}
	if _, ok := t.leafOf[id]; ok {
		return ErrDuplicateID
	}
	e := Entry{ID: id, Lng: lng, Lat: lat}
	split := t.insert(t.root, e)
	if split != nil {
		// Root overflowed: grow the tree by one level.
		old := t.root
		t.root = &node{
			children: []*node{old, split},
			bounds:   old.bounds.union(split.bounds),
		}
	}
	t.size++
	return nil
}

// insert descends to the best leaf and returns the sibling produced by a
// split, or nil when the subtree absorbed the entry in place.
func (t *RTree) insert(n *node, e Entry) *node {
	er := pointRect(e.Lng, e.Lat)
	if n.leaf {
		n.entries = append(n.entries, e)
		t.leafOf[e.ID] = n
		if t.size == 0 && len(n.entries) == 1 {
			n.bounds = er
		} else {
			n.bounds = n.bounds.union(er)
		}
		if len(n.entries) > maxEntries {
			return t.splitLeaf(n)
		}
		return nil
	}

	child := chooseSubtree(n.children, er)
	split := t.insert(child, e)
	if split != nil {
		n.children = append(n.children, split)
	}
	n.bounds = n.bounds.union(er)
	if len(n.children) > maxEntries {
		return splitInternal(n)
	}
	return nil
}

// chooseSubtree picks the child needing least enlargement, smaller area
// breaking ties.
func chooseSubtree(children []*node, er Rect) *node {
	best := children[0]
	bestEnl := best.bounds.enlargement(er)
	for _, c := range children[1:] {
		enl := c.bounds.enlargement(er)
		if enl < bestEnl || (enl == bestEnl && c.bounds.area() < best.bounds.area()) {
			best, bestEnl = c, enl
		}
	}
	return best
}

// splitLeaf divides an overflowing leaf at the median of its wider axis.
// Both halves end up with at least minEntries entries.
func (t *RTree) splitLeaf(n *node) *node {
	wide := n.bounds.MaxLng-n.bounds.MinLng >= n.bounds.MaxLat-n.bounds.MinLat
	sort.Slice(n.entries, func(i, j int) bool {
		a, b := n.entries[i], n.entries[j]
		if wide {
			if a.Lng != b.Lng {
				return a.Lng < b.Lng
			}
		} else {
			if a.Lat != b.Lat {
				return a.Lat < b.Lat
			}
		}
		return a.ID < b.ID
	})
	mid := len(n.entries) / 2
	sib := &node{leaf: true, entries: append([]Entry(nil), n.entries[mid:]...)}
	n.entries = n.entries[:mid]
	n.bounds = leafBounds(n.entries)
	sib.bounds = leafBounds(sib.entries)
	for _, e := range sib.entries {
		t.leafOf[e.ID] = sib
	}
	return sib
}

func splitInternal(n *node) *node {
	wide := n.bounds.MaxLng-n.bounds.MinLng >= n.bounds.MaxLat-n.bounds.MinLat
	sort.Slice(n.children, func(i, j int) bool {
		a, b := n.children[i].bounds, n.children[j].bounds
		if wide {
			return a.MinLng+a.MaxLng < b.MinLng+b.MaxLng
		}
		return a.MinLat+a.MaxLat < b.MinLat+b.MaxLat
	})
	mid := len(n.children) / 2
	sib := &node{children: append([]*node(nil), n.children[mid:]...)}
	n.children = n.children[:mid]
	n.bounds = childBounds(n.children)
	sib.bounds = childBounds(sib.children)
	return sib
}

func leafBounds(entries []Entry) Rect {
	r := pointRect(entries[0].Lng, entries[0].Lat)
	for _, e := range entries[1:] {
		r = r.union(pointRect(e.Lng, e.Lat))
	}
	return r
}

func childBounds(children []*node) Rect {
	r := children[0].bounds
	for _, c := range children[1:] {
		r = r.union(c.bounds)
	}
	return r
}

// Remove deletes the point for id. It reports whether anything was removed.
func (t *RTree) Remove(id string) bool {
	leaf, ok := t.leafOf[id]
	if !ok {
		return false
	}
	var target Entry
	for _, e := range leaf.entries {
		if e.ID == id {
			target = e
			break
		}
	}
	t.remove(t.root, target)
	delete(t.leafOf, id)
	t.size--

	// Collapse a root left with a single internal child.
	if !t.root.leaf && len(t.root.children) == 1 {
		t.root = t.root.children[0]
	}
	if t.size == 0 {
		t.root = &node{leaf: true}
	}
	return true
}

// remove walks down to the entry's leaf, removes it, prunes empty nodes and
// tightens bounds on unwind. Returns whether the entry was found below n.
func (t *RTree) remove(n *node, e Entry) bool {
	if n.leaf {
		for i, cand := range n.entries {
			if cand.ID == e.ID {
				n.entries = append(n.entries[:i], n.entries[i+1:]...)
				if len(n.entries) > 0 {
					n.bounds = leafBounds(n.entries)
				} else {
					n.bounds = Rect{}
				}
				return true
			}
		}
		return false
	}
	er := pointRect(e.Lng, e.Lat)
	for i, c := range n.children {
		if !c.bounds.intersects(er) {
			continue
		}
		if !t.remove(c, e) {
			continue
		}
		empty := (c.leaf && len(c.entries) == 0) || (!c.leaf && len(c.children) == 0)
		if empty {
			n.children = append(n.children[:i], n.children[i+1:]...)
		}
		if len(n.children) > 0 {
			n.bounds = childBounds(n.children)
		} else {
			n.bounds = Rect{}
		}
		return true
	}
	return false
}

// Replace moves id to a new coordinate, inserting if absent. Callers hold
// the store write lock, which makes the remove+insert pair atomic.
func (t *RTree) Replace(id string, lng, lat float64) error {
	if !finite(lng) || !finite(lat) {
		return ErrBadCoordinate
	}
	t.Remove(id)
	return t.Insert(id, lng, lat)
}

// Search returns every indexed point inside rect, borders inclusive, in
// unspecified order.
func (t *RTree) Search(rect Rect) []Entry {
	var out []Entry
	if t.size == 0 {
		return out
	}
	t.search(t.root, rect, &out)
	return out
}

func (t *RTree) search(n *node, rect Rect, out *[]Entry) {
	if n.leaf {
		for _, e := range n.entries {
			if rect.Contains(e.Lng, e.Lat) {
				*out = append(*out, e)
			}
		}
		return
	}
	for _, c := range n.children {
		if rect.intersects(c.bounds) {
			t.search(c, rect, out)
		}
	}
}

// BulkLoad clears the tree and rebuilds it from entries using
// sort-tile-recursive packing. Entries with duplicate ids or non-finite
// coordinates make the load fail before any mutation.
func (t *RTree) BulkLoad(entries []Entry) error {
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if !finite(e.Lng) || !finite(e.Lat) {
			return ErrBadCoordinate
		}
		if _, dup := seen[e.ID]; dup {
			return ErrDuplicateID
		}
		seen[e.ID] = struct{}{}
	}

	t.leafOf = make(map[string]*node, len(entries))
	t.size = len(entries)
	if len(entries) == 0 {
		t.root = &node{leaf: true}
		return nil
	}

	sorted := append([]Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Lng != sorted[j].Lng {
			return sorted[i].Lng < sorted[j].Lng
		}
		return sorted[i].Lat < sorted[j].Lat
	})

	// STR: slice vertically into ~sqrt(leafCount) runs, sort each run by
	// lat, pack leaves of maxEntries.
	leafCount := (len(sorted) + maxEntries - 1) / maxEntries
	sliceCount := int(math.Ceil(math.Sqrt(float64(leafCount))))
	sliceSize := ((leafCount + sliceCount - 1) / sliceCount) * maxEntries

	var leaves []*node
	for start := 0; start < len(sorted); start += sliceSize {
		end := start + sliceSize
		if end > len(sorted) {
			end = len(sorted)
		}
		run := sorted[start:end]
		sort.Slice(run, func(i, j int) bool {
			if run[i].Lat != run[j].Lat {
				return run[i].Lat < run[j].Lat
			}
			return run[i].Lng < run[j].Lng
		})
		for ls := 0; ls < len(run); ls += maxEntries {
			le := ls + maxEntries
			if le > len(run) {
				le = len(run)
			}
			leaf := &node{leaf: true, entries: append([]Entry(nil), run[ls:le]...)}
			leaf.bounds = leafBounds(leaf.entries)
			for _, e := range leaf.entries {
				t.leafOf[e.ID] = leaf
			}
			leaves = append(leaves, leaf)
		}
	}

	// Pack parent levels from consecutive runs until one root remains.
	level := leaves
	for len(level) > 1 {
		var next []*node
		for start := 0; start < len(level); start += maxEntries {
			end := start + maxEntries
			if end > len(level) {
				end = len(level)
			}
			parent := &node{children: append([]*node(nil), level[start:end]...)}
			parent.bounds = childBounds(parent.children)
			next = append(next, parent)
		}
		level = next
	}
	t.root = level[0]
	return nil
}
