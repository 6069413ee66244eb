package cache

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func keyString(k string) string { return k }
func parseKey(s string) (string, error) { return s, nil }

func newDirCache(t *testing.T) *Cache[string, int] {
	t.Helper()
	backing := NewDirBacking[string, int](t.TempDir(), keyString)
	c := Spawn[string, int](backing, 32)
	t.Cleanup(c.Shutdown)
	return c
}

func newFileCache(t *testing.T) *Cache[string, int] {
	t.Helper()
	backing, err := NewFileBacking[string, int](t.TempDir()+"/doc.json", keyString, parseKey)
	require.NoError(t, err)
	c := Spawn[string, int](backing, 32)
	t.Cleanup(c.Shutdown)
	return c
}

func alwaysDirty(old *Entry[string, int], v int) bool { return true }

func TestWriteThenRead_DirBacking(t *testing.T) {
	c := newDirCache(t)
	require.NoError(t, c.Write("a", 1, alwaysDirty, true))
	entry, err := c.Read("a")
	require.NoError(t, err)
	require.Equal(t, 1, entry.Value)

	created := entry.CreatedAt
	require.NoError(t, c.Write("a", 2, alwaysDirty, true))
	entry2, err := c.Read("a")
	require.NoError(t, err)
	require.Equal(t, 2, entry2.Value)
	require.Equal(t, created, entry2.CreatedAt)
}

func TestWriteThenRead_FileBacking(t *testing.T) {
	c := newFileCache(t)
	require.NoError(t, c.Write("a", 1, alwaysDirty, true))
	entry, err := c.Read("a")
	require.NoError(t, err)
	require.Equal(t, 1, entry.Value)
}

func TestOverwriteRejected(t *testing.T) {
	c := newDirCache(t)
	require.NoError(t, c.Write("a", 1, alwaysDirty, true))
	err := c.Write("a", 2, alwaysDirty, false)
	require.Error(t, err)
}

func TestLastAccessedMonotonic(t *testing.T) {
	c := newDirCache(t)
	require.NoError(t, c.Write("a", 1, alwaysDirty, true))
	first, err := c.ReadOptional("a", true)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	second, err := c.ReadOptional("a", true)
	require.NoError(t, err)
	require.False(t, second.LastAccessed.Before(first.LastAccessed))
}

func TestPrune(t *testing.T) {
	c := newDirCache(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, c.Write(strconv.Itoa(i), i, alwaysDirty, true))
		time.Sleep(time.Millisecond)
	}
	require.NoError(t, c.Prune(2))
	size, err := c.Size()
	require.NoError(t, err)
	require.Equal(t, 2, size)

	entries, err := c.Entries()
	require.NoError(t, err)
	// the two most recently accessed (3, 4) should survive
	survivors := map[string]bool{}
	for _, e := range entries {
		survivors[e.Key] = true
	}
	require.True(t, survivors["3"])
	require.True(t, survivors["4"])
}

func TestDirtyBitClearedOnRewrite(t *testing.T) {
	c := newDirCache(t)
	require.NoError(t, c.Write("a", 1, alwaysDirty, true))
	dirty, err := c.GetDirtyEntries()
	require.NoError(t, err)
	require.Len(t, dirty, 1)

	notDirty := func(old *Entry[string, int], v int) bool { return false }
	require.NoError(t, c.Write("a", 1, notDirty, true))
	dirty, err = c.GetDirtyEntries()
	require.NoError(t, err)
	require.Empty(t, dirty)
}

func TestFindOneTooMany(t *testing.T) {
	c := newDirCache(t)
	require.NoError(t, c.Write("a", 1, alwaysDirty, true))
	require.NoError(t, c.Write("b", 1, alwaysDirty, true))
	_, err := c.FindOneEntry("by_value_1", func(e Entry[string, int]) bool { return e.Value == 1 })
	require.Error(t, err)
}

func TestFindOneOptionalNoMatch(t *testing.T) {
	c := newDirCache(t)
	entry, err := c.FindOneEntryOptional("by_value_9", func(e Entry[string, int]) bool { return e.Value == 9 })
	require.NoError(t, err)
	require.Nil(t, entry)
}
