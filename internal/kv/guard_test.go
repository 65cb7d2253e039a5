package kv

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGuardPassesThrough(t *testing.T) {
	g := NewGuard(NewMemory(), nil)

	assert.True(t, g.Set("k", "v"))
	v, ok := g.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)
	assert.True(t, g.Remove("k"))
	_, ok = g.Get("k")
	assert.False(t, ok)
}

func TestGuardSwallowsFailures(t *testing.T) {
	mem := NewMemory()
	g := NewGuard(mem, nil)
	assert.True(t, g.Set("k", "v"))

	mem.Fail(errors.New("quota exceeded"))
	assert.False(t, g.Set("k", "v2"))
	_, ok := g.Get("k")
	assert.False(t, ok, "a failing read reports absence")
	assert.False(t, g.Remove("k"))

	mem.Fail(nil)
	v, ok := g.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v, "failed write must not have changed the value")
}

func TestGuardNilStore(t *testing.T) {
	g := NewGuard(nil, nil)
	assert.False(t, g.Set("k", "v"))
	_, ok := g.Get("k")
	assert.False(t, ok)
	assert.False(t, g.Remove("k"))
}
