package tiledb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeCoords(t *testing.T) {
	b := EncodeCoords[int64](1, -2, 3)
	assert.Len(t, b, 24)
	assert.Equal(t, []int64{1, -2, 3}, DecodeCoords[int64](b))

	f := EncodeCoords[float32](1.5, -2.25)
	assert.Equal(t, []float32{1.5, -2.25}, DecodeCoords[float32](f))

	assert.Nil(t, EncodeCoords[int32]())
	assert.Nil(t, DecodeCoords[int32](nil))
}

func TestCoordOpsRectMath(t *testing.T) {
	ops := opsFor(TypeInt64)
	a := EncodeCoords[int64](0, 9, 0, 9)
	b := EncodeCoords[int64](5, 12, -3, 4)

	inter, ok := ops.intersect(a, b, 2)
	require.True(t, ok)
	assert.Equal(t, []int64{5, 9, 0, 4}, DecodeCoords[int64](inter))

	_, ok = ops.intersect(a, EncodeCoords[int64](10, 12, 0, 9), 2)
	assert.False(t, ok)

	assert.True(t, ops.contains(a, EncodeCoords[int64](1, 8, 2, 3), 2))
	assert.False(t, ops.contains(a, EncodeCoords[int64](1, 10, 2, 3), 2))

	assert.True(t, ops.pointIn(EncodeCoords[int64](5, 5), a, 2))
	assert.False(t, ops.pointIn(EncodeCoords[int64](5, 10), a, 2))
}

func TestCoordOpsExpandUnion(t *testing.T) {
	ops := opsFor(TypeInt32)
	mbr := EncodeCoords[int32](5, 5, 7, 7)
	ops.expand(mbr, EncodeCoords[int32](3, 9), 2)
	assert.Equal(t, []int32{3, 5, 7, 9}, DecodeCoords[int32](mbr))

	dst := EncodeCoords[int32](0, 1, 0, 1)
	ops.union(dst, EncodeCoords[int32](-5, 0, 1, 3), 2)
	assert.Equal(t, []int32{-5, 1, 0, 3}, DecodeCoords[int32](dst))
}

func TestCellCmpOrders(t *testing.T) {
	s := &ArraySchema{Dim: 2, CoordType: TypeInt64, CellOrder: RowMajor}
	a := EncodeCoords[int64](0, 5)
	b := EncodeCoords[int64](1, 0)
	assert.Equal(t, -1, s.CellCmp(a, b))

	s.CellOrder = ColMajor
	// Column-major compares the last dimension first.
	assert.Equal(t, 1, s.CellCmp(a, b))

	assert.Equal(t, 0, s.CellCmp(a, EncodeCoords[int64](0, 5)))
}

func TestClassifyOverlap(t *testing.T) {
	s := &ArraySchema{Dim: 2, CoordType: TypeInt64, CellOrder: RowMajor}
	tile := EncodeCoords[int64](0, 3, 0, 3)

	overlap, inter := s.classifyOverlap(tile, EncodeCoords[int64](0, 3, 0, 3))
	assert.Equal(t, OverlapFull, overlap)
	assert.Equal(t, []int64{0, 3, 0, 3}, DecodeCoords[int64](inter))

	overlap, _ = s.classifyOverlap(tile, EncodeCoords[int64](10, 12, 10, 12))
	assert.Equal(t, OverlapNone, overlap)

	// A full-width row band is contiguous in row-major order.
	overlap, _ = s.classifyOverlap(tile, EncodeCoords[int64](1, 2, 0, 3))
	assert.Equal(t, OverlapPartialContig, overlap)

	// A sub-rectangle that is not full-width is not contiguous.
	overlap, _ = s.classifyOverlap(tile, EncodeCoords[int64](1, 2, 1, 2))
	assert.Equal(t, OverlapPartial, overlap)

	// A single row clipped on the fast dimension is still one run.
	overlap, _ = s.classifyOverlap(tile, EncodeCoords[int64](2, 2, 1, 2))
	assert.Equal(t, OverlapPartialContig, overlap)
}
