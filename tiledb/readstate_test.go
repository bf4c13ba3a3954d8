package tiledb

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDenseSchema() *ArraySchema {
	return &ArraySchema{
		ArrayName:  "dense2d",
		Attributes: []Attribute{{Name: "a1", Type: TypeInt32, CellValNum: 1}},
		Dim:        2,
		CoordType:  TypeInt64,
		Dense:      true,
		CellOrder:  RowMajor,
		TileOrder:  RowMajor,
		Domain:     EncodeCoords[int64](0, 3, 0, 3),
		TileExtents: EncodeCoords[int64](2, 2),
	}
}

// writeSparseFragment writes the 4-cell scenario fragment: coords
// (0,0,0)(0,0,1)(0,2,3)(2,1,1), a1=[0,1,2,3], a2=first..fourth.
func writeSparseFragment(t *testing.T, fs StorageFS, name string, capacity int64) *ArraySchema {
	t.Helper()
	schema := testSparseSchema()
	schema.Capacity = capacity

	f, err := CreateFragment(fs, schema, name, false, EncodeCoords[int64](0, 2, 0, 2, 0, 3), nil)
	require.NoError(t, err)

	a1 := EncodeCoords[int32](0, 1, 2, 3)
	a2Offsets := EncodeCoords[int64](0, 5, 11, 16)
	a2Values := []byte("firstsecondthirdfourth")
	coords := EncodeCoords[int64](
		0, 0, 0,
		0, 0, 1,
		0, 2, 3,
		2, 1, 1,
	)
	require.NoError(t, f.WriteCells([][]byte{a1, a2Offsets, coords}, [][]byte{nil, a2Values}))
	require.NoError(t, f.Finalize())
	return schema
}

func TestSparseWriteAndFullScan(t *testing.T) {
	fs := newMemFS()
	schema := writeSparseFragment(t, fs, "ws/frag1", 5)

	frag, err := OpenFragment(fs, schema, "ws/frag1", nil)
	require.NoError(t, err)
	assert.False(t, frag.Dense())
	bk := frag.BookKeeping()
	assert.Equal(t, int64(1), bk.TileNum())
	assert.Equal(t, int64(4), bk.LastTileCellNum())

	rs, err := frag.NewReadState(nil)
	require.NoError(t, err)
	rs.GetNextOverlappingTileSparse()
	require.False(t, rs.Done())
	assert.Equal(t, OverlapFull, rs.SearchTileOverlap())
	assert.True(t, rs.SubarrayAreaCovered())

	ranges, err := rs.GetFragmentCellRangesSparse(0)
	require.NoError(t, err)
	require.Len(t, ranges, 1)
	pr, err := rs.GetFragmentCellPosRangeSparse(ranges[0].Info, ranges[0].Range)
	require.NoError(t, err)
	assert.Equal(t, CellPosRange{First: 0, Last: 3}, pr.Range)

	// Fixed attribute.
	a1Buf := make([]byte, 16)
	var a1Off, skip int64
	require.NoError(t, rs.CopyCells(0, pr.Info.TilePos, a1Buf, &a1Off, pr.Range, &skip))
	assert.False(t, rs.Overflow(0))
	assert.Equal(t, int64(16), a1Off)
	assert.Equal(t, []int32{0, 1, 2, 3}, DecodeCoords[int32](a1Buf))

	// Variable attribute: emitted offsets are write positions in the values
	// buffer.
	offBuf := make([]byte, 32)
	valBuf := make([]byte, 32)
	var offOff, valOff, skipVar int64
	skip = 0
	require.NoError(t, rs.CopyCellsVar(1, pr.Info.TilePos, offBuf, &offOff, &skip, valBuf, &valOff, &skipVar, pr.Range))
	assert.False(t, rs.Overflow(1))
	assert.Equal(t, []int64{0, 5, 11, 16}, DecodeCoords[int64](offBuf))
	assert.Equal(t, "firstsecondthirdfourth", string(valBuf[:valOff]))

	// Coordinates.
	coordsBuf := make([]byte, 96)
	var coordsOff int64
	skip = 0
	require.NoError(t, rs.CopyCells(2, pr.Info.TilePos, coordsBuf, &coordsOff, pr.Range, &skip))
	assert.Equal(t, []int64{0, 0, 0, 0, 0, 1, 0, 2, 3, 2, 1, 1}, DecodeCoords[int64](coordsBuf))

	rs.GetNextOverlappingTileSparse()
	assert.True(t, rs.Done())
}

func TestSparseScanPosix(t *testing.T) {
	fs := NewPosixFS(nil)
	name := t.TempDir() + "/frag"
	schema := writeSparseFragment(t, fs, name, 5)

	frag, err := OpenFragment(fs, schema, name, nil)
	require.NoError(t, err)
	rs, err := frag.NewReadState(nil)
	require.NoError(t, err)
	rs.GetNextOverlappingTileSparse()
	require.False(t, rs.Done())

	a1Buf := make([]byte, 16)
	var off, skip int64
	require.NoError(t, rs.CopyCells(0, 0, a1Buf, &off, CellPosRange{First: 0, Last: 3}, &skip))
	assert.Equal(t, []int32{0, 1, 2, 3}, DecodeCoords[int32](a1Buf))
}

func TestCopyCellsOverflowBackpressure(t *testing.T) {
	fs := newMemFS()
	schema := writeSparseFragment(t, fs, "ws/frag1", 5)
	frag, err := OpenFragment(fs, schema, "ws/frag1", nil)
	require.NoError(t, err)
	rs, err := frag.NewReadState(nil)
	require.NoError(t, err)
	rs.GetNextOverlappingTileSparse()

	fullRange := CellPosRange{First: 0, Last: 3}

	// Room for two of the four int32 cells.
	buf := make([]byte, 8)
	var off, skip int64
	require.NoError(t, rs.CopyCells(0, 0, buf, &off, fullRange, &skip))
	assert.True(t, rs.Overflow(0))
	assert.Equal(t, int64(8), off)
	assert.Equal(t, []int32{0, 1}, DecodeCoords[int32](buf))

	// Re-supply the buffer, skip what was already emitted.
	rs.ResetOverflow()
	assert.False(t, rs.Overflow(0))
	buf2 := make([]byte, 8)
	off = 0
	skip = 2
	require.NoError(t, rs.CopyCells(0, 0, buf2, &off, fullRange, &skip))
	assert.False(t, rs.Overflow(0))
	assert.Equal(t, []int32{2, 3}, DecodeCoords[int32](buf2))
	assert.Equal(t, int64(0), skip)

	rs.GetNextOverlappingTileSparse()
	assert.True(t, rs.Done())
}

func TestCopyCellsZeroSizedBuffer(t *testing.T) {
	fs := newMemFS()
	schema := writeSparseFragment(t, fs, "ws/frag1", 5)
	frag, err := OpenFragment(fs, schema, "ws/frag1", nil)
	require.NoError(t, err)
	rs, err := frag.NewReadState(nil)
	require.NoError(t, err)
	rs.GetNextOverlappingTileSparse()

	var off, skip int64
	require.NoError(t, rs.CopyCells(0, 0, nil, &off, CellPosRange{First: 0, Last: 3}, &skip))
	assert.True(t, rs.Overflow(0))
	assert.Equal(t, int64(0), off)
}

func TestVariableOffsetShifting(t *testing.T) {
	fs := newMemFS()
	schema := writeSparseFragment(t, fs, "ws/frag2", 2)
	frag, err := OpenFragment(fs, schema, "ws/frag2", nil)
	require.NoError(t, err)
	bk := frag.BookKeeping()
	assert.Equal(t, int64(2), bk.TileNum())
	assert.Equal(t, int64(2), bk.LastTileCellNum())
	assert.Equal(t, []int64{11, 11}, bk.TileVarSizes()[1])

	rs, err := frag.NewReadState(nil)
	require.NoError(t, err)

	// The second tile's stored offsets are absolute to the values file;
	// in memory they become tile-relative with the shift retained.
	require.NoError(t, rs.prepareVarTile(1, 1))
	assert.Equal(t, int64(11), rs.varShift[1])
	assert.Equal(t, int64(0), rs.varOffsetAt(1, 0))
	assert.Equal(t, int64(5), rs.varOffsetAt(1, 1))
	// The last cell's size comes from the tile size, not a trailing offset.
	assert.Equal(t, int64(6), rs.varCellSize(1, 1, 2, 1))

	offBuf := make([]byte, 16)
	valBuf := make([]byte, 16)
	var offOff, valOff, skip, skipVar int64
	require.NoError(t, rs.CopyCellsVar(1, 1, offBuf, &offOff, &skip, valBuf, &valOff, &skipVar, CellPosRange{First: 0, Last: 1}))
	assert.Equal(t, []int64{0, 5}, DecodeCoords[int64](offBuf))
	assert.Equal(t, "thirdfourth", string(valBuf[:valOff]))
}

func TestSparseDisjointSubarray(t *testing.T) {
	fs := newMemFS()
	schema := writeSparseFragment(t, fs, "ws/frag2", 2)
	frag, err := OpenFragment(fs, schema, "ws/frag2", nil)
	require.NoError(t, err)

	rs, err := frag.NewReadState(EncodeCoords[int64](8, 9, 8, 9, 8, 9))
	require.NoError(t, err)
	assert.Equal(t, [2]int64{1, 0}, rs.tileSearchRange)
	rs.GetNextOverlappingTileSparse()
	assert.True(t, rs.Done())
}

func TestDenseFullScan(t *testing.T) {
	fs := newMemFS()
	schema := testDenseSchema()

	f, err := CreateFragment(fs, schema, "ws/fragd", true, nil, nil)
	require.NoError(t, err)
	// 16 cells in global order: tile by tile, row-major inside each tile.
	values := make([]int32, 16)
	for i := range values {
		values[i] = int32(i)
	}
	require.NoError(t, f.WriteCells([][]byte{EncodeCoords(values...)}, nil))
	require.NoError(t, f.Finalize())

	frag, err := OpenFragment(fs, schema, "ws/fragd", nil)
	require.NoError(t, err)
	assert.True(t, frag.Dense())
	bk := frag.BookKeeping()
	assert.Equal(t, int64(4), bk.TileNum())

	rs, err := frag.NewReadState(nil)
	require.NoError(t, err)

	iterations := 0
	for tr := int64(0); tr < 2; tr++ {
		for tc := int64(0); tc < 2; tc++ {
			rs.GetNextOverlappingTileDense(EncodeCoords(tr, tc))
			iterations++
			assert.Equal(t, OverlapFull, rs.SearchTileOverlap())

			pos := tr*2 + tc
			buf := make([]byte, 16)
			var off, skip int64
			require.NoError(t, rs.CopyCells(0, pos, buf, &off, CellPosRange{First: 0, Last: 3}, &skip))
			want := []int32{int32(pos * 4), int32(pos*4 + 1), int32(pos*4 + 2), int32(pos*4 + 3)}
			assert.Equal(t, want, DecodeCoords[int32](buf))
		}
	}
	// A subarray covering the domain visits exactly ceil(|domain|/capacity)
	// tiles.
	assert.Equal(t, 4, iterations)
	assert.True(t, rs.Done())
}

func TestDenseCellRangeDecomposition(t *testing.T) {
	fs := newMemFS()
	schema := testDenseSchema()
	f, err := CreateFragment(fs, schema, "ws/fragd", true, nil, nil)
	require.NoError(t, err)
	values := make([]int32, 16)
	require.NoError(t, f.WriteCells([][]byte{EncodeCoords(values...)}, nil))
	require.NoError(t, f.Finalize())

	frag, err := OpenFragment(fs, schema, "ws/fragd", nil)
	require.NoError(t, err)
	rs, err := frag.NewReadState(nil)
	require.NoError(t, err)

	rs.GetNextOverlappingTileDense(EncodeCoords[int64](0, 0))
	ranges, err := rs.GetFragmentCellRangesDense(7)
	require.NoError(t, err)
	require.Len(t, ranges, 2)
	assert.Equal(t, 7, ranges[0].Info.FragmentID)
	assert.Equal(t, []int64{0, 0, 0, 1}, DecodeCoords[int64](ranges[0].Range))
	assert.Equal(t, []int64{1, 0, 1, 1}, DecodeCoords[int64](ranges[1].Range))
}

func TestDensePartialOverlap(t *testing.T) {
	fs := newMemFS()
	schema := testDenseSchema()
	f, err := CreateFragment(fs, schema, "ws/fragd", true, nil, nil)
	require.NoError(t, err)
	values := make([]int32, 16)
	require.NoError(t, f.WriteCells([][]byte{EncodeCoords(values...)}, nil))
	require.NoError(t, f.Finalize())

	frag, err := OpenFragment(fs, schema, "ws/fragd", nil)
	require.NoError(t, err)
	// One full row of the first tile.
	rs, err := frag.NewReadState(EncodeCoords[int64](0, 0, 0, 1))
	require.NoError(t, err)
	rs.GetNextOverlappingTileDense(EncodeCoords[int64](0, 0))
	assert.Equal(t, OverlapPartialContig, rs.SearchTileOverlap())
	assert.True(t, rs.Done())
}

func TestDenseScanMmap(t *testing.T) {
	fs := NewPosixFS(nil)
	fs.ReadMethod = ReadMethodMmap
	schema := testDenseSchema()
	name := t.TempDir() + "/fragd"

	f, err := CreateFragment(fs, schema, name, true, nil, nil)
	require.NoError(t, err)
	values := make([]int32, 16)
	for i := range values {
		values[i] = int32(i)
	}
	require.NoError(t, f.WriteCells([][]byte{EncodeCoords(values...)}, nil))
	require.NoError(t, f.Finalize())

	frag, err := OpenFragment(fs, schema, name, nil)
	require.NoError(t, err)
	rs, err := frag.NewReadState(nil)
	require.NoError(t, err)
	defer rs.Close()

	// Uncompressed tiles arrive as mapped regions; the copy contract is
	// unchanged.
	buf := make([]byte, 16)
	var off, skip int64
	require.NoError(t, rs.CopyCells(0, 2, buf, &off, CellPosRange{First: 0, Last: 3}, &skip))
	assert.Equal(t, []int32{8, 9, 10, 11}, DecodeCoords[int32](buf))
	assert.NotNil(t, rs.mapRelease[0])
}

func TestHilbertSearchRange(t *testing.T) {
	fs := newMemFS()
	schema := &ArraySchema{
		ArrayName:  "hil2d",
		Attributes: []Attribute{{Name: "rank", Type: TypeInt32, CellValNum: 1}},
		Dim:        2,
		CoordType:  TypeInt64,
		Dense:      false,
		CellOrder:  HilbertOrder,
		TileOrder:  RowMajor,
		Capacity:   4,
		Domain:     EncodeCoords[int64](0, 3, 0, 3),
	}

	// Every grid cell, sorted into Hilbert cell order.
	type pt struct{ x, y int64 }
	var pts []pt
	for x := int64(0); x < 4; x++ {
		for y := int64(0); y < 4; y++ {
			pts = append(pts, pt{x, y})
		}
	}
	sort.Slice(pts, func(i, j int) bool {
		return schema.CellCmp(EncodeCoords(pts[i].x, pts[i].y), EncodeCoords(pts[j].x, pts[j].y)) < 0
	})

	var coords []int64
	ranks := make([]int32, len(pts))
	for i, p := range pts {
		coords = append(coords, p.x, p.y)
		ranks[i] = int32(i)
	}

	f, err := CreateFragment(fs, schema, "ws/hil", false, EncodeCoords[int64](0, 3, 0, 3), nil)
	require.NoError(t, err)
	require.NoError(t, f.WriteCells([][]byte{EncodeCoords(ranks...), EncodeCoords(coords...)}, nil))
	require.NoError(t, f.Finalize())

	frag, err := OpenFragment(fs, schema, "ws/hil", nil)
	require.NoError(t, err)
	require.Equal(t, int64(4), frag.BookKeeping().TileNum())

	// A subarray holding exactly one cell strictly inside tile k yields
	// [k, k].
	for _, k := range []int{0, 1, 2, 3} {
		mid := pts[k*4+2]
		rs, err := frag.NewReadState(EncodeCoords(mid.x, mid.x, mid.y, mid.y))
		require.NoError(t, err)
		assert.Equal(t, [2]int64{int64(k), int64(k)}, rs.tileSearchRange, "tile %d", k)
	}

	// The whole domain visits all four tiles.
	rs, err := frag.NewReadState(nil)
	require.NoError(t, err)
	tiles := 0
	for {
		rs.GetNextOverlappingTileSparse()
		if rs.Done() {
			break
		}
		tiles++
	}
	assert.Equal(t, 4, tiles)
}

func TestEnclosingCoords(t *testing.T) {
	fs := newMemFS()
	schema := writeSparseFragment(t, fs, "ws/frag1", 5)
	frag, err := OpenFragment(fs, schema, "ws/frag1", nil)
	require.NoError(t, err)
	rs, err := frag.NewReadState(nil)
	require.NoError(t, err)
	rs.GetNextOverlappingTileSparse()

	enc, err := rs.GetEnclosingCoords(0,
		EncodeCoords[int64](0, 0, 1),
		EncodeCoords[int64](0, 0, 0),
		EncodeCoords[int64](2, 1, 1))
	require.NoError(t, err)
	assert.True(t, enc.TargetExists)
	require.True(t, enc.LeftRetrieved)
	assert.Equal(t, []int64{0, 0, 0}, DecodeCoords[int64](enc.Left))
	require.True(t, enc.RightRetrieved)
	assert.Equal(t, []int64{0, 2, 3}, DecodeCoords[int64](enc.Right))

	// A target that is not present.
	enc, err = rs.GetEnclosingCoords(0,
		EncodeCoords[int64](0, 1, 0),
		EncodeCoords[int64](0, 0, 0),
		EncodeCoords[int64](2, 1, 1))
	require.NoError(t, err)
	assert.False(t, enc.TargetExists)
}

func TestGetCoordsAfter(t *testing.T) {
	fs := newMemFS()
	schema := writeSparseFragment(t, fs, "ws/frag1", 5)
	frag, err := OpenFragment(fs, schema, "ws/frag1", nil)
	require.NoError(t, err)
	rs, err := frag.NewReadState(nil)
	require.NoError(t, err)
	rs.GetNextOverlappingTileSparse()

	after := make([]byte, 24)
	found, err := rs.GetCoordsAfter(EncodeCoords[int64](0, 0, 1), after)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []int64{0, 2, 3}, DecodeCoords[int64](after))

	found, err = rs.GetCoordsAfter(EncodeCoords[int64](2, 1, 1), after)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestOpenFragmentMissingManifest(t *testing.T) {
	fs := newMemFS()
	// Attribute files exist but the manifest is absent: the fragment is
	// invalid.
	require.NoError(t, fs.CreateFile("ws/broken/a1.tdb"))
	require.NoError(t, fs.CreateFile("ws/broken/__coords.tdb"))
	_, err := OpenFragment(fs, testSparseSchema(), "ws/broken", nil)
	assert.ErrorIs(t, err, ErrManifestCorrupt)
}

func TestFullScanCellAccounting(t *testing.T) {
	fs := newMemFS()
	schema := writeSparseFragment(t, fs, "ws/frag2", 2)
	frag, err := OpenFragment(fs, schema, "ws/frag2", nil)
	require.NoError(t, err)
	bk := frag.BookKeeping()

	rs, err := frag.NewReadState(nil)
	require.NoError(t, err)
	var emitted int64
	for {
		rs.GetNextOverlappingTileSparse()
		if rs.Done() {
			break
		}
		ranges, err := rs.GetFragmentCellRangesSparse(0)
		require.NoError(t, err)
		for _, r := range ranges {
			pr, err := rs.GetFragmentCellPosRangeSparse(r.Info, r.Range)
			require.NoError(t, err)
			if pr.Range.First <= pr.Range.Last {
				emitted += pr.Range.Last - pr.Range.First + 1
			}
		}
	}
	var want int64
	for i := int64(0); i < bk.TileNum(); i++ {
		want += bk.CellNum(i)
	}
	assert.Equal(t, want, emitted)
}
