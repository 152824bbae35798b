package decode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestICacheInsertLookupRoundTrip(t *testing.T) {
	var c ICache
	_, ok := c.Lookup(0x1000)
	require.False(t, ok, "empty cache must miss")

	c.Insert(0x1000, []byte{0x90, 0x90, 0xc3})
	got, ok := c.Lookup(0x1000)
	require.True(t, ok)
	assert.Equal(t, []byte{0x90, 0x90, 0xc3}, got)
}

// TestICacheSlotCollisionBustsStalePC verifies a collision between two PCs
// that hash to the same slot is resolved by PC comparison, not silently
// served from the wrong address.
func TestICacheSlotCollisionBustsStalePC(t *testing.T) {
	var c ICache
	pc1 := uint64(0x1000)
	pc2 := pc1 + ICacheSize // same slot, different PC

	c.Insert(pc1, []byte{0x90})
	_, ok := c.Lookup(pc2)
	assert.False(t, ok, "a colliding PC must not be served from another address's entry")

	c.Insert(pc2, []byte{0xc3})
	got, ok := c.Lookup(pc2)
	require.True(t, ok)
	assert.Equal(t, []byte{0xc3}, got)

	_, ok = c.Lookup(pc1)
	assert.False(t, ok, "inserting pc2 must evict pc1 from the shared slot")
}

func TestICacheReset(t *testing.T) {
	var c ICache
	c.Insert(0x2000, []byte{0x90})
	c.Reset()
	_, ok := c.Lookup(0x2000)
	assert.False(t, ok)
}
