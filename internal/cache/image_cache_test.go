package cache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrip(t *testing.T) {
	c, err := NewImageCache(t.TempDir())
	require.NoError(t, err)

	_, ok := c.Get("http://o/img-1")
	require.False(t, ok)

	require.NoError(t, c.Put("http://o/img-1", []byte("pixels")))
	data, ok := c.Get("http://o/img-1")
	require.True(t, ok)
	require.Equal(t, []byte("pixels"), data)

	path, ok := c.Path("http://o/img-1")
	require.True(t, ok)
	require.NotEmpty(t, path)
}

func TestSwapRemovesOldEntry(t *testing.T) {
	c, err := NewImageCache(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, c.Put("http://o/img-old", []byte("old")))
	require.NoError(t, c.Swap("http://o/img-old", "http://o/img-new", []byte("new")))

	_, ok := c.Get("http://o/img-old")
	require.False(t, ok)
	data, ok := c.Get("http://o/img-new")
	require.True(t, ok)
	require.Equal(t, []byte("new"), data)
}

func TestSwapSameKeyKeepsEntry(t *testing.T) {
	c, err := NewImageCache(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, c.Put("http://o/img-1", []byte("v1")))
	require.NoError(t, c.Swap("http://o/img-1", "http://o/img-1", []byte("v2")))

	data, ok := c.Get("http://o/img-1")
	require.True(t, ok)
	require.Equal(t, []byte("v2"), data)
}

func TestInvalidate(t *testing.T) {
	c, err := NewImageCache(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, c.Put("http://o/img-1", []byte("pixels")))
	c.Invalidate("http://o/img-1")
	_, ok := c.Get("http://o/img-1")
	require.False(t, ok)

	// Invalidating a missing key is a no-op.
	c.Invalidate("http://o/img-1")
}
