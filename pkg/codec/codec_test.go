package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeafRoundTrip(t *testing.T) {
	leaf := Leaf{Capacity: 4, Keys: []any{int64(1), int64(2)}, Values: []any{"a", "b"}}
	block, err := EncodeLeaf(7, leaf)
	require.NoError(t, err)
	assert.Equal(t, 0, len(block)%UnitSize)

	id, isLeaf, got, interior, err := DecodeNode(block)
	require.NoError(t, err)
	assert.True(t, isLeaf)
	assert.Nil(t, interior)
	assert.Equal(t, uint64(7), id)
	assert.Equal(t, leaf.Keys, got.Keys)
	assert.Equal(t, leaf.Values, got.Values)
}

func TestInteriorRoundTrip(t *testing.T) {
	interior := Interior{
		Capacity:   4,
		Separators: []any{int64(5)},
		Children:   []BlockPointer{{Offset: 0, Length: 1024}, {Offset: 1024, Length: 1024}},
	}
	block, err := EncodeInterior(interior)
	require.NoError(t, err)

	id, isLeaf, leaf, got, err := DecodeNode(block)
	require.NoError(t, err)
	assert.False(t, isLeaf)
	assert.Nil(t, leaf)
	assert.Equal(t, uint64(0), id)
	assert.Equal(t, interior.Separators, got.Separators)
	assert.Equal(t, interior.Children, got.Children)
}

func TestLeafLinksRoundTrip(t *testing.T) {
	links := LeafLinks{Links: map[uint64]LeafLink{
		1: {Prev: 0, Next: 2},
		2: {Prev: 1, Next: 0},
	}}
	block, err := EncodeLeafLinks(links)
	require.NoError(t, err)

	got, err := DecodeLeafLinks(block)
	require.NoError(t, err)
	assert.Equal(t, links.Links, got.Links)
}

func TestMetadataRoundTrip(t *testing.T) {
	meta := Metadata{}.Put("name", "monsoon").Put("version", int64(1))
	block, err := EncodeMetadata(meta)
	require.NoError(t, err)

	got, err := DecodeMetadata(block)
	require.NoError(t, err)
	v, ok := got.Get("name")
	require.True(t, ok)
	assert.Equal(t, "monsoon", v)
	v, ok = got.Get("version")
	require.True(t, ok)
	assert.Equal(t, int64(1), v)
}

func TestMetadataPutReplacesExistingKeepingOrder(t *testing.T) {
	meta := Metadata{}.Put("a", 1).Put("b", 2).Put("a", 3)
	require.Len(t, meta.Entries, 2)
	assert.Equal(t, "a", meta.Entries[0].Name)
	assert.Equal(t, 3, meta.Entries[0].Value)
	assert.Equal(t, "b", meta.Entries[1].Name)
}

func TestCommitRoundTrip(t *testing.T) {
	header := Header{
		Root:      BlockPointer{Offset: 10, Length: 20},
		LeafLinks: BlockPointer{Offset: 30, Length: 40},
		Metadata:  BlockPointer{Offset: 50, Length: 60},
	}
	block := EncodeCommit(header)
	assert.Equal(t, UnitSize, len(block))

	got, err := DecodeCommit(block)
	require.NoError(t, err)
	assert.Equal(t, header, got)
}

func TestDecodeRejectsWrongMagic(t *testing.T) {
	block := EncodeCommit(Header{})
	_, err := DecodeLeafLinks(block)
	assert.Error(t, err)
}

func TestBlockPointerIsZero(t *testing.T) {
	assert.True(t, BlockPointer{}.IsZero())
	assert.True(t, BlockPointer{Offset: 100, Length: 0}.IsZero())
	assert.False(t, BlockPointer{Offset: 0, Length: 10}.IsZero())
}

func TestCompareDefaults(t *testing.T) {
	assert.True(t, Compare(int64(1), int64(2)) < 0)
	assert.True(t, Compare("a", "b") < 0)
	assert.True(t, Compare(1, int64(1)) == 0)
	assert.True(t, Equal([]byte("ab"), []byte("ab")))
	assert.True(t, Compare(nil, int64(1)) < 0)
}
