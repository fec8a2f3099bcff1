package engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestEngine(t *testing.T, capacity, genLimit int) *Engine {
	t.Helper()
	eng, err := Open(Options{Dir: t.TempDir(), Capacity: capacity, GenLimit: genLimit})
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	return eng
}

func drain(t *testing.T, cur *Cursor) []int64 {
	t.Helper()
	var got []int64
	for {
		k, _, ok, err := cur.Next()
		require.NoError(t, err)
		if !ok {
			return got
		}
		got = append(got, k.(int64))
	}
}

func TestOpenRejectsBadCapacity(t *testing.T) {
	_, err := Open(Options{Dir: t.TempDir(), Capacity: 3, GenLimit: 10})
	require.Error(t, err)

	_, err = Open(Options{Dir: t.TempDir(), Capacity: 4, GenLimit: -1})
	require.Error(t, err)
}

func TestPutGetRemoveRoundTrip(t *testing.T) {
	eng := openTestEngine(t, 4, 1000)
	caller := NewCallerID()

	require.NoError(t, eng.Put(caller, int64(1), "one"))
	v, found, err := eng.Get(caller, int64(1))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "one", v)

	require.NoError(t, eng.Remove(caller, int64(1)))
	_, found, err = eng.Get(caller, int64(1))
	require.NoError(t, err)
	require.False(t, found)
}

// Scenario 5: a cursor opened before further mutations streams the
// snapshot it captured on its first Next call, unaffected by a later put
// and remove.
func TestCursorSnapshotIsolatedFromLaterMutations(t *testing.T) {
	eng := openTestEngine(t, 4, 1000)
	caller := NewCallerID()

	for i := int64(0); i <= 10; i++ {
		require.NoError(t, eng.Put(caller, i, "v"))
	}

	cur := eng.Select(int64(3), true, int64(7), true)

	// First pull happens only now, fixing the snapshot at this point.
	k, _, ok, err := cur.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(3), k)

	require.NoError(t, eng.Put(caller, int64(11), "late"))
	require.NoError(t, eng.Remove(caller, int64(0)))

	rest := drain(t, cur)
	require.Equal(t, []int64{4, 5, 6, 7}, rest)
}

func TestCursorDeferredSnapshotSeesMutationsBeforeFirstNext(t *testing.T) {
	eng := openTestEngine(t, 4, 1000)
	caller := NewCallerID()
	require.NoError(t, eng.Put(caller, int64(1), "v"))

	cur := eng.Select(nil, false, nil, false)
	// Select itself must not have snapshotted yet: a put before the
	// first Next call is still visible.
	require.NoError(t, eng.Put(caller, int64(2), "v"))

	got := drain(t, cur)
	require.Equal(t, []int64{1, 2}, got)
}

func TestCursorCloseBeforeFirstNextIsNoOp(t *testing.T) {
	eng := openTestEngine(t, 4, 1000)
	cur := eng.Select(nil, false, nil, false)
	require.NoError(t, cur.Close())
}

// Scenario 6: enough mutations to push past gen_limit trigger vacuum
// transparently; every previously committed key is still retrievable
// afterwards.
func TestVacuumIsTransparentToReaders(t *testing.T) {
	eng := openTestEngine(t, 4, 5)
	caller := NewCallerID()

	for i := int64(0); i < 50; i++ {
		require.NoError(t, eng.Put(caller, i, i))
	}
	for i := int64(0); i < 50; i += 2 {
		require.NoError(t, eng.Remove(caller, i))
	}

	for i := int64(1); i < 50; i += 2 {
		v, found, err := eng.Get(caller, i)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, i, v)
	}
	for i := int64(0); i < 50; i += 2 {
		_, found, err := eng.Get(caller, i)
		require.NoError(t, err)
		require.False(t, found)
	}
}

// Durability must survive a process restart against a database with
// several leaves, some spanning multiple blocks: reopening a fresh Engine
// (so every lookup starts with an empty in-process id cache) and scanning
// must still see every key committed before close.
func TestCloseAndReopenSurvivesMultiLeafSelect(t *testing.T) {
	dir := t.TempDir()
	caller := NewCallerID()

	eng, err := Open(Options{Dir: dir, Capacity: 4, GenLimit: 1000})
	require.NoError(t, err)

	want := make(map[int64]any, 40)
	for i := int64(0); i < 40; i++ {
		v := any(i)
		if i == 20 {
			// Force at least one leaf's encoded block past a single unit.
			v = strings.Repeat("y", 4*1024)
		}
		require.NoError(t, eng.Put(caller, i, v))
		want[i] = v
	}
	require.NoError(t, eng.Close())

	reopened, err := Open(Options{Dir: dir, Capacity: 4, GenLimit: 1000})
	require.NoError(t, err)
	defer reopened.Close()

	for i := int64(0); i < 40; i++ {
		v, found, err := reopened.Get(caller, i)
		require.NoError(t, err)
		require.True(t, found, "key %d", i)
		require.Equal(t, want[i], v)
	}

	cur := reopened.Select(nil, false, nil, false)
	got := make(map[int64]any, 40)
	for {
		k, v, ok, err := cur.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got[k.(int64)] = v
	}
	require.Equal(t, want, got)
}

func TestTransactionEndToEndThroughEngine(t *testing.T) {
	eng := openTestEngine(t, 4, 1000)
	a := NewCallerID()
	b := NewCallerID()

	require.NoError(t, eng.StartTransaction(a, nil))
	require.NoError(t, eng.Put(a, int64(1), "a"))

	_, found, err := eng.Get(b, int64(1))
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, eng.EndTransaction(a))

	v, found, err := eng.Get(b, int64(1))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "a", v)
}
