package kv

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestBolt(t *testing.T) *Bolt {
	t.Helper()
	b, err := OpenBolt(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBoltSetGetRemove(t *testing.T) {
	b := openTestBolt(t)

	_, ok, err := b.Get("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Set("k", "v1"))
	require.NoError(t, b.Set("k", "v2"))

	v, ok, err := b.Get("k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v2", v)

	require.NoError(t, b.Remove("k"))
	require.NoError(t, b.Remove("k"), "removing an absent key is not an error")
	_, ok, err = b.Get("k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBoltEmptyValueIsPresent(t *testing.T) {
	b := openTestBolt(t)

	require.NoError(t, b.Set("empty", ""))
	v, ok, err := b.Get("empty")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "", v)
}

func TestBoltPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.db")
	b, err := OpenBolt(path)
	require.NoError(t, err)
	require.NoError(t, b.Set("archived_conversations", `{"c1":{}}`))
	require.NoError(t, b.Close())

	b, err = OpenBolt(path)
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	v, ok, err := b.Get("archived_conversations")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"c1":{}}`, v)
}

func TestBoltClosed(t *testing.T) {
	b := openTestBolt(t)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, _, err := b.Get("k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, b.Set("k", "v"), ErrClosed)
	assert.ErrorIs(t, b.Remove("k"), ErrClosed)
}
