package trunkstore

import "sort"

// chainNode is an intrusive doubly-linked list node holding one region of
// a given size class. The chain is LIFO (addRegion pushes at head) so
// that order within a size class, while not externally observable, is
// deterministic for testing (spec §3).
type chainNode struct {
	region TrunkRegion
	prev   *chainNode
	next   *chainNode
}

// sizeClass is one size→chain entry of a SizeIndex.
type sizeClass struct {
	size  uint32
	head  *chainNode
	tail  *chainNode
	count int
}

func (c *sizeClass) pushHead(r TrunkRegion) *chainNode {
	n := &chainNode{region: r, next: c.head}
	if c.head != nil {
		c.head.prev = n
	} else {
		c.tail = n
	}
	c.head = n
	c.count++
	return n
}

func (c *sizeClass) unlink(n *chainNode) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		c.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		c.tail = n.prev
	}
	n.prev, n.next = nil, nil
	c.count--
}

// SizeIndex is an ordered map of size -> chain of free regions of exactly
// that size, for a single store path (spec §3). Not internally
// synchronized: callers must hold TrunkAllocator.memLock while using it.
type SizeIndex struct {
	classes map[uint32]*sizeClass
	sizes   []uint32 // kept sorted ascending for binary search
}

func newSizeIndex() *SizeIndex {
	return &SizeIndex{classes: make(map[uint32]*sizeClass)}
}

// findSmallestAtLeast returns the size class with the smallest size >=
// minSize, or nil if none qualifies.
func (idx *SizeIndex) findSmallestAtLeast(minSize uint32) *sizeClass {
	i := sort.Search(len(idx.sizes), func(i int) bool { return idx.sizes[i] >= minSize })
	if i == len(idx.sizes) {
		return nil
	}
	return idx.classes[idx.sizes[i]]
}

// ensureClass returns the size class for size, creating and inserting it
// into the sorted key slice if it doesn't yet exist.
func (idx *SizeIndex) ensureClass(size uint32) *sizeClass {
	if c, ok := idx.classes[size]; ok {
		return c
	}
	c := &sizeClass{size: size}
	idx.classes[size] = c
	i := sort.Search(len(idx.sizes), func(i int) bool { return idx.sizes[i] >= size })
	idx.sizes = append(idx.sizes, 0)
	copy(idx.sizes[i+1:], idx.sizes[i:])
	idx.sizes[i] = size
	return c
}

// removeClassIfEmpty deletes the size-class node once its chain is empty.
func (idx *SizeIndex) removeClassIfEmpty(c *sizeClass) {
	if c.count != 0 {
		return
	}
	delete(idx.classes, c.size)
	i := sort.Search(len(idx.sizes), func(i int) bool { return idx.sizes[i] >= c.size })
	if i < len(idx.sizes) && idx.sizes[i] == c.size {
		idx.sizes = append(idx.sizes[:i], idx.sizes[i+1:]...)
	}
}

// addRegion inserts r, with whatever status it carries (FREE, or HELD for
// an allocated head), at the head of its size class's chain.
func (idx *SizeIndex) addRegion(r TrunkRegion) *chainNode {
	c := idx.ensureClass(r.Size)
	return c.pushHead(r)
}

// removeNode unlinks n from its size class c and removes the class if it
// emptied out.
func (idx *SizeIndex) removeNode(c *sizeClass, n *chainNode) {
	c.unlink(n)
	idx.removeClassIfEmpty(c)
}

// findNode locates the chain node for an exact (offset, size, status)
// match within size class c - used by delete (spec §4.1.4), which keys
// on all four coordinates.
func (c *sizeClass) findNode(offset uint32, status RegionStatus) *chainNode {
	for n := c.head; n != nil; n = n.next {
		if n.region.Offset == offset && n.region.Status == status {
			return n
		}
	}
	return nil
}

// takeByOffset removes and returns the region at (key, offset),
// regardless of which size class currently holds it. Used by Release to
// clear a stale entry left behind by an Allocate the caller never
// confirmed, and by recovery to retire snapshot-loaded regions a
// replayed DEL names.
func (idx *SizeIndex) takeByOffset(k blockKey) (TrunkRegion, bool) {
	for _, size := range idx.sizes {
		c := idx.classes[size]
		for n := c.head; n != nil; n = n.next {
			if n.region.Key == k.key && n.region.Offset == k.offset {
				r := n.region
				idx.removeNode(c, n)
				return r, true
			}
		}
	}
	return TrunkRegion{}, false
}

// allFreeRegions returns every FREE region across every size class, in
// ascending size order and LIFO order within a class - used by Snapshot
// traversal (spec §4.3).
func (idx *SizeIndex) allFreeRegions() []TrunkRegion {
	var out []TrunkRegion
	for _, size := range idx.sizes {
		c := idx.classes[size]
		for n := c.head; n != nil; n = n.next {
			if n.region.Status == Free {
				out = append(out, n.region)
			}
		}
	}
	return out
}
