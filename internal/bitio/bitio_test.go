package bitio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoadStoreRoundTrip exercises every width at every byte offset within
// a backing word so the unaligned fast paths (Load2/Store2, Load4/Store4,
// Load8/Store8) and the byte-at-a-time fallback both get covered.
func TestLoadStoreRoundTrip(t *testing.T) {
	t.Run("8-bit", func(t *testing.T) {
		buf := make([]byte, 16)
		for off := 0; off < len(buf); off++ {
			Store1(&buf[off], uint8(0xAB))
			require.Equal(t, uint8(0xAB), Load1(&buf[off]), "offset %d", off)
		}
	})

	t.Run("16-bit", func(t *testing.T) {
		buf := make([]byte, 16)
		for off := 0; off < len(buf)-1; off++ {
			Store2(&buf[off], uint16(0xBEEF))
			assert.Equal(t, uint16(0xBEEF), Load2(&buf[off]), "offset %d", off)
		}
	})

	t.Run("32-bit", func(t *testing.T) {
		buf := make([]byte, 16)
		for off := 0; off < len(buf)-3; off++ {
			Store4(&buf[off], uint32(0xDEADBEEF))
			assert.Equal(t, uint32(0xDEADBEEF), Load4(&buf[off]), "offset %d", off)
		}
	})

	t.Run("64-bit", func(t *testing.T) {
		buf := make([]byte, 16)
		for off := 0; off < len(buf)-7; off++ {
			Store8(&buf[off], uint64(0x0102030405060708))
			assert.Equal(t, uint64(0x0102030405060708), Load8(&buf[off]), "offset %d", off)
		}
	})
}

// TestStorePreservesNeighboringBytes verifies the CAS-retry stores only
// touch their own byte lane, never the rest of the containing 32-bit word
// (bitio's whole reason for existing: sync/atomic has no sub-word ops).
func TestStorePreservesNeighboringBytes(t *testing.T) {
	buf := []byte{0x11, 0x22, 0x33, 0x44}
	Store1(&buf[1], 0x99)
	assert.Equal(t, []byte{0x11, 0x99, 0x33, 0x44}, buf)

	buf = []byte{0x11, 0x22, 0x33, 0x44}
	Store2(&buf[2], 0xBEEF)
	assert.Equal(t, byte(0x11), buf[0])
	assert.Equal(t, byte(0x22), buf[1])
	assert.Equal(t, uint16(0xBEEF), Load2(&buf[2]))
}

func TestCompareAndSwap(t *testing.T) {
	t.Run("CompareAndSwap8 lane isolation", func(t *testing.T) {
		buf := []byte{0x00, 0x7f, 0x00, 0x00}
		ok := CompareAndSwap8(&buf[1], 0x7f, 0x01)
		require.True(t, ok)
		assert.Equal(t, uint8(0x01), Load1(&buf[1]))

		ok = CompareAndSwap8(&buf[1], 0x7f, 0x02)
		assert.False(t, ok, "stale expected value must fail the CAS")
	})

	t.Run("CompareAndSwap16 refuses a straddling address", func(t *testing.T) {
		buf := make([]byte, 8)
		assert.False(t, CompareAndSwap16(&buf[3], 0, 1), "offset 3 straddles the 32-bit boundary")
	})

	t.Run("CompareAndSwap32/64 aligned success and failure", func(t *testing.T) {
		var w32 uint32 = 42
		buf := make([]byte, 8)
		Store4(&buf[0], w32)
		require.True(t, CompareAndSwap32(&buf[0], 42, 43))
		assert.False(t, CompareAndSwap32(&buf[0], 42, 44))
		assert.Equal(t, uint32(43), Load4(&buf[0]))

		Store8(&buf[0], 100)
		require.True(t, CompareAndSwap64(&buf[0], 100, 200))
		assert.Equal(t, uint64(200), Load8(&buf[0]))
	})
}
