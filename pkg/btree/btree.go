// Package btree implements Monsoon's copy-on-write B+tree: search, insert
// and remove with split/rotate/merge, a sibling-linked leaf range scan, and
// the post-order copy used by vacuum. Every exported operation takes the
// log to read and write against explicitly, rather than owning one, so the
// same tree logic runs unchanged against the live log and against the
// fresh log vacuum builds.
package btree

import (
	"sync/atomic"

	"github.com/monsoondb/monsoon/pkg/blocklog"
	"github.com/monsoondb/monsoon/pkg/codec"
)

// Allocator mints leaf ids. Leaf ids persist across copy-on-write versions
// of the same logical leaf and must never repeat within a log, so the
// engine seeds one from the highest id observed in leaf-links on reopen.
type Allocator struct {
	next uint64
}

// NewAllocator returns an allocator whose first allocated id is seed+1.
func NewAllocator(seed uint64) *Allocator {
	return &Allocator{next: seed}
}

func (a *Allocator) allocate() uint64 {
	return atomic.AddUint64(&a.next, 1)
}

type opCtx struct {
	log      *blocklog.Log
	cmp      codec.Comparator
	capacity int
	alloc    *Allocator
}

// Search walks from root for key, returning its value or found=false.
func Search(log *blocklog.Log, cmp codec.Comparator, root codec.BlockPointer, key any) (any, bool, error) {
	ptr := root
	for {
		if ptr.IsZero() {
			return nil, false, nil
		}
		_, isLeaf, leaf, interior, err := log.GetNode(ptr)
		if err != nil {
			return nil, false, err
		}
		if isLeaf {
			idx, found := searchLeaf(cmp, *leaf, key)
			if !found {
				return nil, false, nil
			}
			return leaf.Values[idx], true, nil
		}
		ptr = interior.Children[childIndex(cmp, interior.Separators, key)]
	}
}

// Insert inserts or updates (key, value) and returns the new header.
func Insert(log *blocklog.Log, cmp codec.Comparator, capacity int, alloc *Allocator, header codec.Header, key, value any) (codec.Header, error) {
	c := &opCtx{log: log, cmp: cmp, capacity: capacity, alloc: alloc}
	links, err := loadLinks(log, header)
	if err != nil {
		return codec.Header{}, err
	}

	rootPtr, split, err := c.insertNode(header.Root, key, value, links)
	if err != nil {
		return codec.Header{}, err
	}
	if split != nil {
		rootPtr, err = log.PutInterior(codec.Interior{
			Capacity:   capacity,
			Separators: []any{split.sep},
			Children:   []codec.BlockPointer{rootPtr, split.right},
		})
		if err != nil {
			return codec.Header{}, err
		}
	}
	linksPtr, err := log.PutLeafLinks(codec.LeafLinks{Links: links})
	if err != nil {
		return codec.Header{}, err
	}
	return codec.Header{Root: rootPtr, LeafLinks: linksPtr, Metadata: header.Metadata}, nil
}

// Remove deletes key if present. Absence is a success no-op: the returned
// header equals the input header unchanged.
func Remove(log *blocklog.Log, cmp codec.Comparator, capacity int, alloc *Allocator, header codec.Header, key any) (codec.Header, error) {
	_, found, err := Search(log, cmp, header.Root, key)
	if err != nil {
		return codec.Header{}, err
	}
	if !found {
		return header, nil
	}

	c := &opCtx{log: log, cmp: cmp, capacity: capacity, alloc: alloc}
	links, err := loadLinks(log, header)
	if err != nil {
		return codec.Header{}, err
	}

	rootPtr, _, err := c.removeNode(header.Root, key, links, true)
	if err != nil {
		return codec.Header{}, err
	}
	rootPtr, err = c.collapseRoot(rootPtr)
	if err != nil {
		return codec.Header{}, err
	}
	linksPtr, err := log.PutLeafLinks(codec.LeafLinks{Links: links})
	if err != nil {
		return codec.Header{}, err
	}
	return codec.Header{Root: rootPtr, LeafLinks: linksPtr, Metadata: header.Metadata}, nil
}

// loadLinks reads header's leaf-links block into a fresh, mutable map, or
// an empty map for a header that has never committed one.
func loadLinks(log *blocklog.Log, header codec.Header) (map[uint64]codec.LeafLink, error) {
	if header.LeafLinks.IsZero() {
		return make(map[uint64]codec.LeafLink), nil
	}
	links, err := log.GetLeafLinks(header.LeafLinks)
	if err != nil {
		return nil, err
	}
	out := make(map[uint64]codec.LeafLink, len(links.Links))
	for id, link := range links.Links {
		out[id] = link
	}
	return out, nil
}

// ---- insert ----

type splitResult struct {
	sep   any
	right codec.BlockPointer
}

func (c *opCtx) insertNode(ptr codec.BlockPointer, key, value any, links map[uint64]codec.LeafLink) (codec.BlockPointer, *splitResult, error) {
	if ptr.IsZero() {
		id := c.alloc.allocate()
		p, err := c.log.PutLeaf(id, codec.Leaf{Capacity: c.capacity, Keys: []any{key}, Values: []any{value}})
		if err != nil {
			return codec.BlockPointer{}, nil, err
		}
		links[id] = codec.LeafLink{}
		return p, nil, nil
	}
	id, isLeaf, leaf, interior, err := c.log.GetNode(ptr)
	if err != nil {
		return codec.BlockPointer{}, nil, err
	}
	if isLeaf {
		return c.insertLeaf(id, *leaf, key, value, links)
	}
	return c.insertInterior(*interior, key, value, links)
}

func (c *opCtx) insertLeaf(id uint64, leaf codec.Leaf, key, value any, links map[uint64]codec.LeafLink) (codec.BlockPointer, *splitResult, error) {
	idx, found := searchLeaf(c.cmp, leaf, key)
	newKeys := append([]any{}, leaf.Keys...)
	newValues := append([]any{}, leaf.Values...)
	if found {
		newValues[idx] = value
		ptr, err := c.log.PutLeaf(id, codec.Leaf{Capacity: leaf.Capacity, Keys: newKeys, Values: newValues})
		return ptr, nil, err
	}

	newKeys = insertAt(newKeys, idx, key)
	newValues = insertAt(newValues, idx, value)
	if len(newKeys) < leaf.Capacity {
		ptr, err := c.log.PutLeaf(id, codec.Leaf{Capacity: leaf.Capacity, Keys: newKeys, Values: newValues})
		return ptr, nil, err
	}

	mid := leaf.Capacity / 2
	leftID, rightID := c.alloc.allocate(), c.alloc.allocate()
	leftPtr, err := c.log.PutLeaf(leftID, codec.Leaf{Capacity: leaf.Capacity, Keys: newKeys[:mid], Values: newValues[:mid]})
	if err != nil {
		return codec.BlockPointer{}, nil, err
	}
	rightPtr, err := c.log.PutLeaf(rightID, codec.Leaf{Capacity: leaf.Capacity, Keys: newKeys[mid:], Values: newValues[mid:]})
	if err != nil {
		return codec.BlockPointer{}, nil, err
	}
	spliceSplit(links, id, leftID, rightID)
	return leftPtr, &splitResult{sep: newKeys[mid], right: rightPtr}, nil
}

func (c *opCtx) insertInterior(node codec.Interior, key, value any, links map[uint64]codec.LeafLink) (codec.BlockPointer, *splitResult, error) {
	idx := childIndex(c.cmp, node.Separators, key)
	childPtr, split, err := c.insertNode(node.Children[idx], key, value, links)
	if err != nil {
		return codec.BlockPointer{}, nil, err
	}

	newSeparators := append([]any{}, node.Separators...)
	newChildren := append([]codec.BlockPointer{}, node.Children...)
	newChildren[idx] = childPtr

	if split == nil {
		ptr, err := c.log.PutInterior(codec.Interior{Capacity: node.Capacity, Separators: newSeparators, Children: newChildren})
		return ptr, nil, err
	}

	newSeparators = insertAt(newSeparators, idx, split.sep)
	newChildren = insertChildAt(newChildren, idx+1, split.right)
	if len(newSeparators) < node.Capacity {
		ptr, err := c.log.PutInterior(codec.Interior{Capacity: node.Capacity, Separators: newSeparators, Children: newChildren})
		return ptr, nil, err
	}

	mid := node.Capacity / 2
	promoted := newSeparators[mid]
	leftPtr, err := c.log.PutInterior(codec.Interior{
		Capacity:   node.Capacity,
		Separators: append([]any{}, newSeparators[:mid]...),
		Children:   append([]codec.BlockPointer{}, newChildren[:mid+1]...),
	})
	if err != nil {
		return codec.BlockPointer{}, nil, err
	}
	rightPtr, err := c.log.PutInterior(codec.Interior{
		Capacity:   node.Capacity,
		Separators: append([]any{}, newSeparators[mid+1:]...),
		Children:   append([]codec.BlockPointer{}, newChildren[mid+1:]...),
	})
	if err != nil {
		return codec.BlockPointer{}, nil, err
	}
	return leftPtr, &splitResult{sep: promoted, right: rightPtr}, nil
}

func spliceSplit(links map[uint64]codec.LeafLink, oldID, leftID, rightID uint64) {
	old := links[oldID]
	delete(links, oldID)
	links[leftID] = codec.LeafLink{Prev: old.Prev, Next: rightID}
	links[rightID] = codec.LeafLink{Prev: leftID, Next: old.Next}
	if old.Prev != 0 {
		p := links[old.Prev]
		p.Next = leftID
		links[old.Prev] = p
	}
	if old.Next != 0 {
		n := links[old.Next]
		n.Prev = rightID
		links[old.Next] = n
	}
}

// ---- remove ----

func (c *opCtx) removeNode(ptr codec.BlockPointer, key any, links map[uint64]codec.LeafLink, isRoot bool) (codec.BlockPointer, bool, error) {
	id, isLeaf, leaf, interior, err := c.log.GetNode(ptr)
	if err != nil {
		return codec.BlockPointer{}, false, err
	}
	if isLeaf {
		return c.removeFromLeaf(id, *leaf, key, isRoot)
	}
	return c.removeFromInterior(*interior, key, links, isRoot)
}

func (c *opCtx) removeFromLeaf(id uint64, leaf codec.Leaf, key any, isRoot bool) (codec.BlockPointer, bool, error) {
	idx, found := searchLeaf(c.cmp, leaf, key)
	if !found {
		ptr, err := c.log.PutLeaf(id, leaf)
		return ptr, false, err
	}
	newKeys := removeAt(leaf.Keys, idx)
	newValues := removeAt(leaf.Values, idx)
	ptr, err := c.log.PutLeaf(id, codec.Leaf{Capacity: leaf.Capacity, Keys: newKeys, Values: newValues})
	if err != nil {
		return codec.BlockPointer{}, false, err
	}
	minKeys := leaf.Capacity / 2
	return ptr, !isRoot && len(newKeys) < minKeys, nil
}

func (c *opCtx) removeFromInterior(node codec.Interior, key any, links map[uint64]codec.LeafLink, isRoot bool) (codec.BlockPointer, bool, error) {
	idx := childIndex(c.cmp, node.Separators, key)
	newChildPtr, childUnderflow, err := c.removeNode(node.Children[idx], key, links, false)
	if err != nil {
		return codec.BlockPointer{}, false, err
	}

	newSeparators := append([]any{}, node.Separators...)
	newChildren := append([]codec.BlockPointer{}, node.Children...)
	newChildren[idx] = newChildPtr

	minKeys := node.Capacity / 2

	if !childUnderflow {
		ptr, err := c.log.PutInterior(codec.Interior{Capacity: node.Capacity, Separators: newSeparators, Children: newChildren})
		if err != nil {
			return codec.BlockPointer{}, false, err
		}
		return ptr, !isRoot && len(newSeparators) < minKeys, nil
	}

	leftIdx, rightIdx := idx, idx+1
	if rightIdx >= len(newChildren) {
		leftIdx, rightIdx = idx-1, idx
	}
	sepIdx := leftIdx
	oldSep := newSeparators[sepIdx]

	merged, newLeft, newRight, newSep, err := c.rebalance(newChildren[leftIdx], newChildren[rightIdx], oldSep, links)
	if err != nil {
		return codec.BlockPointer{}, false, err
	}

	if merged {
		newChildren[leftIdx] = newLeft
		newChildren = append(append([]codec.BlockPointer{}, newChildren[:rightIdx]...), newChildren[rightIdx+1:]...)
		newSeparators = append(append([]any{}, newSeparators[:sepIdx]...), newSeparators[sepIdx+1:]...)
	} else {
		newChildren[leftIdx] = newLeft
		newChildren[rightIdx] = newRight
		newSeparators[sepIdx] = newSep
	}

	ptr, err := c.log.PutInterior(codec.Interior{Capacity: node.Capacity, Separators: newSeparators, Children: newChildren})
	if err != nil {
		return codec.BlockPointer{}, false, err
	}
	return ptr, !isRoot && len(newSeparators) < minKeys, nil
}

// rebalance resolves an underflowed child against its chosen sibling,
// preferring a rotation (redistributing entries) over a merge. oldSep is
// the parent separator currently between leftPtr and rightPtr; it is
// consumed directly by interior merges/rotations and ignored for leaves,
// which derive their own boundary key from content per the design.
func (c *opCtx) rebalance(leftPtr, rightPtr codec.BlockPointer, oldSep any, links map[uint64]codec.LeafLink) (merged bool, newLeft, newRight codec.BlockPointer, newSep any, err error) {
	lid, lIsLeaf, lLeaf, lInterior, err := c.log.GetNode(leftPtr)
	if err != nil {
		return false, codec.BlockPointer{}, codec.BlockPointer{}, nil, err
	}
	rid, _, rLeaf, rInterior, err := c.log.GetNode(rightPtr)
	if err != nil {
		return false, codec.BlockPointer{}, codec.BlockPointer{}, nil, err
	}
	minKeys := c.capacity / 2

	if lIsLeaf {
		switch {
		case len(rLeaf.Keys) > minKeys:
			k, v := rLeaf.Keys[0], rLeaf.Values[0]
			newL := codec.Leaf{Capacity: c.capacity, Keys: append(append([]any{}, lLeaf.Keys...), k), Values: append(append([]any{}, lLeaf.Values...), v)}
			newR := codec.Leaf{Capacity: c.capacity, Keys: append([]any{}, rLeaf.Keys[1:]...), Values: append([]any{}, rLeaf.Values[1:]...)}
			lp, err := c.log.PutLeaf(lid, newL)
			if err != nil {
				return false, codec.BlockPointer{}, codec.BlockPointer{}, nil, err
			}
			rp, err := c.log.PutLeaf(rid, newR)
			if err != nil {
				return false, codec.BlockPointer{}, codec.BlockPointer{}, nil, err
			}
			return false, lp, rp, newR.Keys[0], nil
		case len(lLeaf.Keys) > minKeys:
			last := len(lLeaf.Keys) - 1
			k, v := lLeaf.Keys[last], lLeaf.Values[last]
			newL := codec.Leaf{Capacity: c.capacity, Keys: append([]any{}, lLeaf.Keys[:last]...), Values: append([]any{}, lLeaf.Values[:last]...)}
			newR := codec.Leaf{Capacity: c.capacity, Keys: append([]any{k}, rLeaf.Keys...), Values: append([]any{v}, rLeaf.Values...)}
			lp, err := c.log.PutLeaf(lid, newL)
			if err != nil {
				return false, codec.BlockPointer{}, codec.BlockPointer{}, nil, err
			}
			rp, err := c.log.PutLeaf(rid, newR)
			if err != nil {
				return false, codec.BlockPointer{}, codec.BlockPointer{}, nil, err
			}
			return false, lp, rp, newR.Keys[0], nil
		default:
			mergedID := c.alloc.allocate()
			mergedLeaf := codec.Leaf{
				Capacity: c.capacity,
				Keys:     append(append([]any{}, lLeaf.Keys...), rLeaf.Keys...),
				Values:   append(append([]any{}, lLeaf.Values...), rLeaf.Values...),
			}
			mp, err := c.log.PutLeaf(mergedID, mergedLeaf)
			if err != nil {
				return false, codec.BlockPointer{}, codec.BlockPointer{}, nil, err
			}
			spliceMerge(links, lid, rid, mergedID)
			return true, mp, codec.BlockPointer{}, nil, nil
		}
	}

	switch {
	case len(rInterior.Separators) > minKeys:
		newLeftSeps := append(append([]any{}, lInterior.Separators...), oldSep)
		newLeftChildren := append(append([]codec.BlockPointer{}, lInterior.Children...), rInterior.Children[0])
		newRightSeps := append([]any{}, rInterior.Separators[1:]...)
		newRightChildren := append([]codec.BlockPointer{}, rInterior.Children[1:]...)
		lp, err := c.log.PutInterior(codec.Interior{Capacity: c.capacity, Separators: newLeftSeps, Children: newLeftChildren})
		if err != nil {
			return false, codec.BlockPointer{}, codec.BlockPointer{}, nil, err
		}
		rp, err := c.log.PutInterior(codec.Interior{Capacity: c.capacity, Separators: newRightSeps, Children: newRightChildren})
		if err != nil {
			return false, codec.BlockPointer{}, codec.BlockPointer{}, nil, err
		}
		return false, lp, rp, rInterior.Separators[0], nil
	case len(lInterior.Separators) > minKeys:
		lastSep := len(lInterior.Separators) - 1
		lastChild := len(lInterior.Children) - 1
		newRightSeps := append([]any{oldSep}, rInterior.Separators...)
		newRightChildren := append([]codec.BlockPointer{lInterior.Children[lastChild]}, rInterior.Children...)
		newLeftSeps := append([]any{}, lInterior.Separators[:lastSep]...)
		newLeftChildren := append([]codec.BlockPointer{}, lInterior.Children[:lastChild]...)
		lp, err := c.log.PutInterior(codec.Interior{Capacity: c.capacity, Separators: newLeftSeps, Children: newLeftChildren})
		if err != nil {
			return false, codec.BlockPointer{}, codec.BlockPointer{}, nil, err
		}
		rp, err := c.log.PutInterior(codec.Interior{Capacity: c.capacity, Separators: newRightSeps, Children: newRightChildren})
		if err != nil {
			return false, codec.BlockPointer{}, codec.BlockPointer{}, nil, err
		}
		return false, lp, rp, lInterior.Separators[lastSep], nil
	default:
		mergedSeps := append(append(append([]any{}, lInterior.Separators...), oldSep), rInterior.Separators...)
		mergedChildren := append(append([]codec.BlockPointer{}, lInterior.Children...), rInterior.Children...)
		mp, err := c.log.PutInterior(codec.Interior{Capacity: c.capacity, Separators: mergedSeps, Children: mergedChildren})
		if err != nil {
			return false, codec.BlockPointer{}, codec.BlockPointer{}, nil, err
		}
		return true, mp, codec.BlockPointer{}, nil, nil
	}
}

func spliceMerge(links map[uint64]codec.LeafLink, lid, rid, mergedID uint64) {
	l := links[lid]
	r := links[rid]
	delete(links, lid)
	delete(links, rid)
	links[mergedID] = codec.LeafLink{Prev: l.Prev, Next: r.Next}
	if l.Prev != 0 {
		p := links[l.Prev]
		p.Next = mergedID
		links[l.Prev] = p
	}
	if r.Next != 0 {
		n := links[r.Next]
		n.Prev = mergedID
		links[r.Next] = n
	}
}

func (c *opCtx) collapseRoot(ptr codec.BlockPointer) (codec.BlockPointer, error) {
	if ptr.IsZero() {
		return ptr, nil
	}
	_, isLeaf, _, interior, err := c.log.GetNode(ptr)
	if err != nil {
		return codec.BlockPointer{}, err
	}
	if isLeaf || len(interior.Separators) > 0 {
		return ptr, nil
	}
	return interior.Children[0], nil
}

// ---- shared helpers ----

func searchLeaf(cmp codec.Comparator, leaf codec.Leaf, key any) (int, bool) {
	lo, hi := 0, len(leaf.Keys)
	for lo < hi {
		mid := (lo + hi) / 2
		if cmp(leaf.Keys[mid], key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(leaf.Keys) && cmp(leaf.Keys[lo], key) == 0 {
		return lo, true
	}
	return lo, false
}

// childIndex finds the separator index such that key < separators[i], or
// len(separators) if key is at least the last separator.
func childIndex(cmp codec.Comparator, separators []any, key any) int {
	for i, sep := range separators {
		if cmp(key, sep) < 0 {
			return i
		}
	}
	return len(separators)
}

func insertAt(s []any, idx int, v any) []any {
	s = append(s, nil)
	copy(s[idx+1:], s[idx:])
	s[idx] = v
	return s
}

func insertChildAt(s []codec.BlockPointer, idx int, v codec.BlockPointer) []codec.BlockPointer {
	s = append(s, codec.BlockPointer{})
	copy(s[idx+1:], s[idx:])
	s[idx] = v
	return s
}

func removeAt(s []any, idx int) []any {
	out := make([]any, 0, len(s)-1)
	out = append(out, s[:idx]...)
	return append(out, s[idx+1:]...)
}
