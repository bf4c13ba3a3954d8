package tiledb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHilbertIndexBijective2D(t *testing.T) {
	const bits = 2
	seen := make(map[uint64][2]uint64)
	for x := uint64(0); x < 4; x++ {
		for y := uint64(0); y < 4; y++ {
			h := hilbertIndex([]uint64{x, y}, bits)
			assert.Less(t, h, uint64(16))
			_, dup := seen[h]
			require.False(t, dup, "duplicate index %d for (%d,%d)", h, x, y)
			seen[h] = [2]uint64{x, y}
		}
	}
	assert.Len(t, seen, 16)

	// Consecutive curve positions are grid neighbors.
	for h := uint64(0); h < 15; h++ {
		a, b := seen[h], seen[h+1]
		dx := int64(a[0]) - int64(b[0])
		dy := int64(a[1]) - int64(b[1])
		assert.Equal(t, int64(1), dx*dx+dy*dy, "positions %d and %d are not adjacent", h, h+1)
	}
}

func TestHilbertIndexBijective3D(t *testing.T) {
	const bits = 2
	seen := make(map[uint64][3]uint64)
	for x := uint64(0); x < 4; x++ {
		for y := uint64(0); y < 4; y++ {
			for z := uint64(0); z < 4; z++ {
				h := hilbertIndex([]uint64{x, y, z}, bits)
				assert.Less(t, h, uint64(64))
				_, dup := seen[h]
				require.False(t, dup)
				seen[h] = [3]uint64{x, y, z}
			}
		}
	}
	assert.Len(t, seen, 64)

	for h := uint64(0); h < 63; h++ {
		a, b := seen[h], seen[h+1]
		var dist int64
		for d := 0; d < 3; d++ {
			delta := int64(a[d]) - int64(b[d])
			dist += delta * delta
		}
		assert.Equal(t, int64(1), dist, "positions %d and %d are not adjacent", h, h+1)
	}
}

func TestHilbertBits(t *testing.T) {
	assert.Equal(t, uint(31), hilbertBits(2))
	assert.Equal(t, uint(20), hilbertBits(3))
	assert.Equal(t, uint(32), hilbertBits(1))
}

func TestHilbertValueOrdering(t *testing.T) {
	s := &ArraySchema{
		Dim:       2,
		CoordType: TypeInt64,
		CellOrder: HilbertOrder,
		Domain:    EncodeCoords[int64](0, 3, 0, 3),
	}
	// Distinct cells have distinct Hilbert values.
	seen := map[uint64]bool{}
	for x := int64(0); x < 4; x++ {
		for y := int64(0); y < 4; y++ {
			h := s.HilbertValue(EncodeCoords(x, y))
			require.False(t, seen[h])
			seen[h] = true
		}
	}
	// CellCmp under Hilbert order is a strict total order on the grid.
	a := EncodeCoords[int64](0, 0)
	b := EncodeCoords[int64](3, 3)
	assert.NotEqual(t, 0, s.CellCmp(a, b))
	assert.Equal(t, 0, s.CellCmp(a, EncodeCoords[int64](0, 0)))
}
