package enrich

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileCache_MissingFileIsEmpty(t *testing.T) {
	c, err := OpenFileCache(filepath.Join(t.TempDir(), "geocode_cache.json"), 4)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Len())

	_, ok := c.Get("32.7767,-96.7970")
	assert.False(t, ok)
}

func TestFileCache_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "geocode_cache.json")

	c, err := OpenFileCache(path, 4)
	require.NoError(t, err)
	c.Put("32.7767,-96.7970", "Dallas")
	c.Put("33.0000,-97.0000", "")
	require.NoError(t, c.Save())

	reopened, err := OpenFileCache(path, 4)
	require.NoError(t, err)
	assert.Equal(t, 2, reopened.Len())

	place, ok := reopened.Get("32.7767,-96.7970")
	assert.True(t, ok)
	assert.Equal(t, "Dallas", place)

	place, ok = reopened.Get("33.0000,-97.0000")
	assert.True(t, ok, "empty answers persist")
	assert.Empty(t, place)
}

func TestFileCache_SaveIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, keys ...string) []byte {
		path := filepath.Join(dir, name)
		c, err := OpenFileCache(path, 4)
		require.NoError(t, err)
		for _, k := range keys {
			c.Put(k, "place "+k)
		}
		require.NoError(t, c.Save())
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		return data
	}

	a := write("a.json", "1.0000,2.0000", "3.0000,4.0000", "5.0000,6.0000")
	b := write("b.json", "5.0000,6.0000", "1.0000,2.0000", "3.0000,4.0000")
	assert.Equal(t, a, b)
}

func TestFileCache_SaveWithoutChangesLeavesFileAlone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "geocode_cache.json")

	c, err := OpenFileCache(path, 4)
	require.NoError(t, err)
	require.NoError(t, c.Save())

	_, err = os.Stat(path)
	assert.ErrorIs(t, err, os.ErrNotExist, "nothing to save")
}

func TestFileCache_PrecisionMismatchStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "geocode_cache.json")

	c, err := OpenFileCache(path, 3)
	require.NoError(t, err)
	c.Put("32.777,-96.797", "Dallas")
	require.NoError(t, c.Save())

	c4, err := OpenFileCache(path, 4)
	require.NoError(t, err)
	assert.Equal(t, 0, c4.Len())

	// Saving rewrites the file at the new precision.
	require.NoError(t, c4.Save())
	again, err := OpenFileCache(path, 4)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Len())
}

func TestFileCache_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "geocode_cache.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := OpenFileCache(path, 4)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode geocode cache")
}
