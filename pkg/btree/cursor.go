package btree

import (
	"github.com/monsoondb/monsoon/pkg/blocklog"
	"github.com/monsoondb/monsoon/pkg/codec"
)

// Cursor is a lazily pulled, ascending-key stream over a snapshot captured
// when Select was called. Because nodes and leaf-links are immutable once
// written, a Cursor keeps returning the pre-mutation snapshot regardless
// of what the writer does afterwards, as long as the log handle it reads
// through is still open — callers that must outlive a vacuum pin the log
// before calling Select and release it once the cursor is exhausted or
// abandoned.
type Cursor struct {
	log      *blocklog.Log
	cmp      codec.Comparator
	links    codec.LeafLinks
	hasUpper bool
	upper    any

	leaf *codec.Leaf
	id   uint64
	idx  int
	done bool
}

// Select opens a Cursor over header. If hasLower, the stream starts at the
// first key >= lower; otherwise it starts at the head of the leaf chain.
// If hasUpper, the stream stops once a key exceeds upper.
func Select(log *blocklog.Log, cmp codec.Comparator, header codec.Header, lower any, hasLower bool, upper any, hasUpper bool) (*Cursor, error) {
	links := codec.LeafLinks{Links: map[uint64]codec.LeafLink{}}
	if !header.LeafLinks.IsZero() {
		l, err := log.GetLeafLinks(header.LeafLinks)
		if err != nil {
			return nil, err
		}
		links = l
	}

	cur := &Cursor{log: log, cmp: cmp, links: links, hasUpper: hasUpper, upper: upper}

	if header.Root.IsZero() {
		cur.done = true
		return cur, nil
	}

	if hasLower {
		leaf, id, idx, err := findLeafContaining(log, cmp, header.Root, lower)
		if err != nil {
			return nil, err
		}
		cur.leaf, cur.id, cur.idx = &leaf, id, idx
		return cur, nil
	}

	headID, ok := links.Head()
	if !ok {
		cur.done = true
		return cur, nil
	}
	leaf, _, err := log.GetNodeByID(headID)
	if err != nil {
		return nil, err
	}
	cur.leaf, cur.id, cur.idx = &leaf, headID, 0
	return cur, nil
}

// Next returns the next (key, value) pair in ascending order, or
// ok=false once the stream is exhausted or the upper bound is passed.
func (c *Cursor) Next() (key any, value any, ok bool, err error) {
	if c.done || c.leaf == nil {
		return nil, nil, false, nil
	}
	for {
		if c.idx >= len(c.leaf.Keys) {
			link, present := c.links.Links[c.id]
			if !present || link.Next == 0 {
				c.done = true
				return nil, nil, false, nil
			}
			leaf, _, err := c.log.GetNodeByID(link.Next)
			if err != nil {
				return nil, nil, false, err
			}
			c.leaf = &leaf
			c.id = link.Next
			c.idx = 0
			continue
		}
		key, value := c.leaf.Keys[c.idx], c.leaf.Values[c.idx]
		if c.hasUpper && c.cmp(key, c.upper) > 0 {
			c.done = true
			return nil, nil, false, nil
		}
		c.idx++
		return key, value, true, nil
	}
}

func findLeafContaining(log *blocklog.Log, cmp codec.Comparator, ptr codec.BlockPointer, key any) (codec.Leaf, uint64, int, error) {
	for {
		id, isLeaf, leaf, interior, err := log.GetNode(ptr)
		if err != nil {
			return codec.Leaf{}, 0, 0, err
		}
		if isLeaf {
			idx, _ := searchLeaf(cmp, *leaf, key)
			return *leaf, id, idx, nil
		}
		ptr = interior.Children[childIndex(cmp, interior.Separators, key)]
	}
}
