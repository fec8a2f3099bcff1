package btree

import (
	"github.com/monsoondb/monsoon/pkg/blocklog"
	"github.com/monsoondb/monsoon/pkg/codec"
)

// Copy walks the tree named by header in src in post-order and re-appends
// every reachable node, the leaf-links block, and the metadata block into
// dst, rewriting child pointers as new ones are assigned. It flushes and
// commits dst and returns the new header. This is vacuum's kernel: src
// and dst may be the live log and a fresh compaction log, respectively.
func Copy(src, dst *blocklog.Log, header codec.Header) (codec.Header, error) {
	newRoot, err := copyNode(src, dst, header.Root)
	if err != nil {
		return codec.Header{}, err
	}

	var newLinks codec.BlockPointer
	if !header.LeafLinks.IsZero() {
		links, err := src.GetLeafLinks(header.LeafLinks)
		if err != nil {
			return codec.Header{}, err
		}
		newLinks, err = dst.PutLeafLinks(links)
		if err != nil {
			return codec.Header{}, err
		}
	}

	var newMeta codec.BlockPointer
	if !header.Metadata.IsZero() {
		meta, err := src.GetMetadata(header.Metadata)
		if err != nil {
			return codec.Header{}, err
		}
		newMeta, err = dst.PutMetadata(meta)
		if err != nil {
			return codec.Header{}, err
		}
	}

	newHeader := codec.Header{Root: newRoot, LeafLinks: newLinks, Metadata: newMeta}
	if err := dst.Flush(); err != nil {
		return codec.Header{}, err
	}
	if err := dst.Commit(newHeader); err != nil {
		return codec.Header{}, err
	}
	return newHeader, nil
}

func copyNode(src, dst *blocklog.Log, ptr codec.BlockPointer) (codec.BlockPointer, error) {
	if ptr.IsZero() {
		return ptr, nil
	}
	id, isLeaf, leaf, interior, err := src.GetNode(ptr)
	if err != nil {
		return codec.BlockPointer{}, err
	}
	if isLeaf {
		newPtr, err := dst.PutLeaf(id, *leaf)
		if err != nil {
			return codec.BlockPointer{}, err
		}
		// Flush periodically so a large live set doesn't pile the whole
		// tree up in the write queue before the first commit.
		if err := dst.Flush(); err != nil {
			return codec.BlockPointer{}, err
		}
		return newPtr, nil
	}

	newChildren := make([]codec.BlockPointer, len(interior.Children))
	for i, child := range interior.Children {
		np, err := copyNode(src, dst, child)
		if err != nil {
			return codec.BlockPointer{}, err
		}
		newChildren[i] = np
	}
	return dst.PutInterior(codec.Interior{Capacity: interior.Capacity, Separators: interior.Separators, Children: newChildren})
}
