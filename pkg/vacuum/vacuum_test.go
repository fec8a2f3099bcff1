package vacuum

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/monsoondb/monsoon/pkg/blocklog"
	"github.com/monsoondb/monsoon/pkg/btree"
	"github.com/monsoondb/monsoon/pkg/codec"
	"github.com/stretchr/testify/require"
)

func TestRunPreservesKeysAndShrinksFile(t *testing.T) {
	dir := t.TempDir()
	src, err := blocklog.Open(filepath.Join(dir, "db.monsoon"))
	require.NoError(t, err)

	alloc := btree.NewAllocator(0)
	header := codec.Header{}
	for i := int64(1); i <= 30; i++ {
		header, err = btree.Insert(src, codec.Compare, 4, alloc, header, i, "v")
		require.NoError(t, err)
		require.NoError(t, src.Flush())
	}
	require.NoError(t, src.Commit(header))

	// Remove most of the keys: the live set shrinks a lot relative to the
	// append-only garbage that insert/remove traffic has left behind.
	for i := int64(1); i <= 25; i++ {
		header, err = btree.Remove(src, codec.Compare, 4, alloc, header, i)
		require.NoError(t, err)
		require.NoError(t, src.Flush())
	}
	require.NoError(t, src.Commit(header))

	preSize := fileSize(t, filepath.Join(dir, "db.monsoon"))

	result, err := Run(dir, src, header)
	require.NoError(t, err)
	require.NoError(t, src.Release())
	defer result.Log.Release()

	postSize := fileSize(t, filepath.Join(dir, "db.monsoon"))
	require.LessOrEqual(t, postSize, preSize)

	for i := int64(26); i <= 30; i++ {
		v, found, err := btree.Search(result.Log, codec.Compare, result.Header.Root, i)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, "v", v)
	}
	for i := int64(1); i <= 25; i++ {
		_, found, err := btree.Search(result.Log, codec.Compare, result.Header.Root, i)
		require.NoError(t, err)
		require.False(t, found)
	}
}

func fileSize(t *testing.T, path string) int64 {
	t.Helper()
	fi, err := os.Stat(path)
	require.NoError(t, err)
	return fi.Size()
}
