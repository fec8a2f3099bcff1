package blocklog

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/monsoondb/monsoon/pkg/codec"
	"github.com/stretchr/testify/require"
)

func TestOpenFreshDatabaseHasNoCommit(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(filepath.Join(dir, "db.monsoon"))
	require.NoError(t, err)
	defer log.Release()

	_, found, err := log.FindLatestCommit()
	require.NoError(t, err)
	require.False(t, found)
}

func TestPutFlushCommitAndReopenRecovers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db.monsoon")

	log, err := Open(path)
	require.NoError(t, err)

	leafPtr, err := log.PutLeaf(1, codec.Leaf{Capacity: 4, Keys: []any{int64(1)}, Values: []any{"v1"}})
	require.NoError(t, err)
	linksPtr, err := log.PutLeafLinks(codec.LeafLinks{Links: map[uint64]codec.LeafLink{1: {}}})
	require.NoError(t, err)

	header := codec.Header{Root: leafPtr, LeafLinks: linksPtr}
	require.NoError(t, log.Commit(header))
	require.NoError(t, log.Release())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Release()

	got, found, err := reopened.FindLatestCommit()
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, header, got)

	_, isLeaf, leaf, _, err := reopened.GetNode(got.Root)
	require.NoError(t, err)
	require.True(t, isLeaf)
	require.Equal(t, []any{int64(1)}, leaf.Keys)
}

func TestCommitDiscardsUnflushedGarbageOnReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db.monsoon")

	log, err := Open(path)
	require.NoError(t, err)

	ptr, err := log.PutLeaf(1, codec.Leaf{Capacity: 4, Keys: []any{int64(1)}, Values: []any{"v1"}})
	require.NoError(t, err)
	linksPtr, err := log.PutLeafLinks(codec.LeafLinks{Links: map[uint64]codec.LeafLink{1: {}}})
	require.NoError(t, err)
	header := codec.Header{Root: ptr, LeafLinks: linksPtr}
	require.NoError(t, log.Commit(header))

	// A second leaf is queued but never flushed or committed: a crash
	// here must leave the prior commit authoritative.
	_, err = log.PutLeaf(2, codec.Leaf{Capacity: 4, Keys: []any{int64(2)}, Values: []any{"v2"}})
	require.NoError(t, err)
	require.NoError(t, log.Release())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Release()

	got, found, err := reopened.FindLatestCommit()
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, header, got)
}

func TestOpenTwiceFailsWithLockBusy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db.monsoon")

	log, err := Open(path)
	require.NoError(t, err)
	defer log.Release()

	_, err = Open(path)
	require.Error(t, err)
}

func TestPinKeepsFileOpenAcrossRelease(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db.monsoon")

	log, err := Open(path)
	require.NoError(t, err)
	log.Pin()

	require.NoError(t, log.Release()) // refs: 2 -> 1, file stays open

	ptr, err := log.PutLeaf(1, codec.Leaf{Capacity: 4, Keys: []any{int64(1)}, Values: []any{"v1"}})
	require.NoError(t, err)
	require.NoError(t, log.Flush())

	_, isLeaf, leaf, _, err := log.GetNode(ptr)
	require.NoError(t, err)
	require.True(t, isLeaf)
	require.Equal(t, []any{int64(1)}, leaf.Keys)

	require.NoError(t, log.Release()) // refs: 1 -> 0, now closes
}

func TestGetNodeByIDFallsBackToBackwardScan(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db.monsoon")

	log, err := Open(path)
	require.NoError(t, err)
	defer log.Release()

	_, err = log.PutLeaf(1, codec.Leaf{Capacity: 4, Keys: []any{int64(1)}, Values: []any{"v1"}})
	require.NoError(t, err)
	require.NoError(t, log.Flush())

	// Clear the session cache to force the backward scan path.
	log.idCache = make(map[uint64]codec.BlockPointer)

	leaf, _, err := log.GetNodeByID(1)
	require.NoError(t, err)
	require.Equal(t, []any{int64(1)}, leaf.Keys)
}

// A leaf whose msgpack payload pushes the encoded block past one unit must
// still be recoverable by the backward-scan fallback: the scan has to
// discover the block's real length from its header before decoding it,
// not assume every node block is exactly one unit.
func TestGetNodeByIDHandlesNodeBlockSpanningMultipleUnits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db.monsoon")

	log, err := Open(path)
	require.NoError(t, err)
	defer log.Release()

	big := strings.Repeat("x", 4*codec.UnitSize)
	leaf := codec.Leaf{Capacity: 4, Keys: []any{int64(1)}, Values: []any{big}}
	ptr, err := log.PutLeaf(9, leaf)
	require.NoError(t, err)
	require.NoError(t, log.Flush())
	require.Greater(t, int(ptr.Length), codec.UnitSize)

	// Clear the session cache to force the backward scan path.
	log.idCache = make(map[uint64]codec.BlockPointer)

	got, gotPtr, err := log.GetNodeByID(9)
	require.NoError(t, err)
	require.Equal(t, ptr, gotPtr)
	require.Equal(t, []any{int64(1)}, got.Keys)
	require.Equal(t, []any{big}, got.Values)
}
