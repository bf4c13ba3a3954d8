package tiledb

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// CellPosRange is an inclusive cell position pair within one tile.
type CellPosRange struct {
	First int64
	Last  int64
}

// FragmentInfo locates a tile: fragment id within the query, tile position
// within the fragment.
type FragmentInfo struct {
	FragmentID int
	TilePos    int64
}

// FragmentCellPosRange pairs a located tile with a cell position range.
type FragmentCellPosRange struct {
	Info  FragmentInfo
	Range CellPosRange
}

// FragmentCellRange pairs a located tile with a cell range given by two
// bounding coordinate tuples (2*CoordsSize bytes).
type FragmentCellRange struct {
	Info  FragmentInfo
	Range []byte
}

const noTileFetched = -1

// tileMapper is satisfied by backends that can hand out memory-mapped tile
// regions instead of copies; the read state treats either uniformly as a
// byte range it may read.
type tileMapper interface {
	MapFromFile(filename string, offset int64, length int) ([]byte, func() error, error)
	mapTiles() bool
}

// ReadState is the per-fragment cursor of one query pass: it enumerates
// tiles overlapping the query subarray, fetches and decompresses their
// bytes on demand, and copies selected cells into caller buffers under
// buffer-overflow backpressure. A read state is not shared across
// goroutines; multiple read states over one immutable fragment may run
// concurrently.
type ReadState struct {
	fragment *Fragment
	schema   *ArraySchema
	bk       *BookKeeping
	fs       StorageFS
	ops      coordOps

	subarray     []byte
	attributeNum int
	coordsSize   int

	done     bool
	overflow []bool

	// Per attribute stream: the resident decompressed tile and which tile
	// position it holds.
	fetchedTile []int64
	tiles       [][]byte
	// Variable-values tiles, their resident positions, and the offset shift
	// applied after load (in-memory offsets are tile-relative).
	fetchedVarTile []int64
	tilesVar       [][]byte
	varShift       []int64

	// Release hooks for memory-mapped resident tiles.
	mapRelease    []func() error
	mapReleaseVar []func() error

	fileBuffers    []*StorageBuffer
	fileVarBuffers []*StorageBuffer
	codecs         []*Codec
	offsetsCodecs  []*Codec

	searchTilePos       int64
	searchTileOverlap   Overlap
	searchTileRect      []byte // intersection of search tile and subarray
	tileSearchRange     [2]int64
	mbrTileOverlap      Overlap
	subarrayAreaCovered bool
	lastTileCoords      []byte
}

func newReadState(f *Fragment, subarray []byte) (*ReadState, error) {
	s := f.schema
	if subarray == nil {
		subarray = append([]byte(nil), s.Domain...)
	}
	n := s.AttributeNum() + 1
	rs := &ReadState{
		fragment:       f,
		schema:         s,
		bk:             f.bk,
		fs:             f.fs,
		ops:            opsFor(s.CoordType),
		subarray:       append([]byte(nil), subarray...),
		attributeNum:   s.AttributeNum(),
		coordsSize:     s.CoordsSize(),
		overflow:       make([]bool, n),
		fetchedTile:    make([]int64, n),
		tiles:          make([][]byte, n),
		fetchedVarTile: make([]int64, n),
		tilesVar:       make([][]byte, n),
		varShift:       make([]int64, n),
		fileBuffers:    make([]*StorageBuffer, n),
		fileVarBuffers: make([]*StorageBuffer, n),
		codecs:         make([]*Codec, n),
		offsetsCodecs:  make([]*Codec, n),
		mapRelease:     make([]func() error, n),
		mapReleaseVar:  make([]func() error, n),
	}
	for i := range rs.fetchedTile {
		rs.fetchedTile[i] = noTileFetched
		rs.fetchedVarTile[i] = noTileFetched
	}
	if err := rs.computeTileSearchRange(); err != nil {
		return nil, err
	}
	rs.searchTilePos = rs.tileSearchRange[0] - 1
	if rs.tileSearchRange[0] > rs.tileSearchRange[1] {
		rs.done = true
	}
	return rs, nil
}

// Close releases resident tile mappings and codec handles. The read state
// is unusable afterwards.
func (rs *ReadState) Close() error {
	var first error
	for i := range rs.mapRelease {
		for _, rel := range []*func() error{&rs.mapRelease[i], &rs.mapReleaseVar[i]} {
			if *rel != nil {
				if err := (*rel)(); err != nil && first == nil {
					first = err
				}
				*rel = nil
			}
		}
		rs.tiles[i] = nil
		rs.tilesVar[i] = nil
		rs.fetchedTile[i] = noTileFetched
		rs.fetchedVarTile[i] = noTileFetched
	}
	for _, c := range rs.codecs {
		if c != nil {
			c.Destroy()
		}
	}
	for _, c := range rs.offsetsCodecs {
		if c != nil {
			c.Destroy()
		}
	}
	return first
}

// Accessors.

// Done reports whether the read pass exhausted every overlapping tile.
func (rs *ReadState) Done() bool { return rs.done }

// Dense reports whether the fragment is dense.
func (rs *ReadState) Dense() bool { return rs.fragment.dense }

// Overflow reports whether a copy has overflowed the attribute's buffer since
// the flag was last cleared by ResetOverflow or Reset.
func (rs *ReadState) Overflow(attributeID int) bool { return rs.overflow[attributeID] }

// ResetOverflow clears every attribute's overflow flag.
func (rs *ReadState) ResetOverflow() {
	for i := range rs.overflow {
		rs.overflow[i] = false
	}
}

// Reset rewinds the cursor without flushing resident tiles, so a subsequent
// request overlapping them reuses the buffers.
func (rs *ReadState) Reset() {
	rs.searchTilePos = rs.tileSearchRange[0] - 1
	rs.done = rs.tileSearchRange[0] > rs.tileSearchRange[1]
	rs.lastTileCoords = nil
	rs.mbrTileOverlap = OverlapNone
	rs.ResetOverflow()
}

// SearchTileOverlap classifies the current search tile against the subarray.
func (rs *ReadState) SearchTileOverlap() Overlap { return rs.searchTileOverlap }

// SubarrayAreaCovered reports whether the fragment non-empty domain fully
// covers the subarray area of the current overlapping tile.
func (rs *ReadState) SubarrayAreaCovered() bool { return rs.subarrayAreaCovered }

// MBROverlapsTile reports whether the current sparse search tile's MBR
// overlaps the dense driver tile under investigation. Consumed on read: a
// second call without a new tile reports false.
func (rs *ReadState) MBROverlapsTile() bool {
	overlaps := rs.mbrTileOverlap != OverlapNone
	rs.mbrTileOverlap = OverlapNone
	return overlaps
}

// GetBoundingCoords copies the bounding coordinates of the current search
// tile into dst.
func (rs *ReadState) GetBoundingCoords(dst []byte) {
	copy(dst, rs.bk.boundingCoords[rs.searchTilePos])
}

// Tile search range.

func (rs *ReadState) computeTileSearchRange() error {
	if rs.fragment.dense {
		rs.computeTileSearchRangeDense()
		return nil
	}
	if rs.schema.CellOrder == HilbertOrder {
		return rs.computeTileSearchRangeHilbert()
	}
	return rs.computeTileSearchRangeColOrRow()
}

func (rs *ReadState) computeTileSearchRangeDense() {
	s := rs.schema
	domLo, domHi := rs.ops.rectToInt64(rs.bk.domain, s.Dim)
	subLo, subHi := rs.ops.rectToInt64(rs.subarray, s.Dim)
	ext := rs.ops.scalarsToInt64(s.TileExtents, s.Dim)

	tLo := make([]int64, s.Dim)
	tHi := make([]int64, s.Dim)
	for d := 0; d < s.Dim; d++ {
		if subHi[d] < domLo[d] || subLo[d] > domHi[d] {
			rs.tileSearchRange = [2]int64{1, 0}
			return
		}
		lo, hi := subLo[d], subHi[d]
		if lo < domLo[d] {
			lo = domLo[d]
		}
		if hi > domHi[d] {
			hi = domHi[d]
		}
		tLo[d] = (lo - domLo[d]) / ext[d]
		tHi[d] = (hi - domLo[d]) / ext[d]
	}
	rs.tileSearchRange[0] = rs.linearizeTileCoords(tLo)
	rs.tileSearchRange[1] = rs.linearizeTileCoords(tHi)
}

// linearizeTileCoords maps fragment tile-grid coordinates to the tile
// position in tile order (row- or column-major).
func (rs *ReadState) linearizeTileCoords(tc []int64) int64 {
	s := rs.schema
	domLo, domHi := rs.ops.rectToInt64(rs.bk.domain, s.Dim)
	ext := rs.ops.scalarsToInt64(s.TileExtents, s.Dim)
	grid := make([]int64, s.Dim)
	for d := 0; d < s.Dim; d++ {
		grid[d] = (domHi[d] - domLo[d] + 1) / ext[d]
	}
	var pos int64
	if s.TileOrder == ColMajor {
		for d := s.Dim - 1; d >= 0; d-- {
			pos = pos*grid[d] + tc[d]
		}
	} else {
		for d := 0; d < s.Dim; d++ {
			pos = pos*grid[d] + tc[d]
		}
	}
	return pos
}

func (rs *ReadState) computeTileSearchRangeColOrRow() error {
	s := rs.schema
	bc := rs.bk.boundingCoords
	tileNum := int64(len(bc))
	if tileNum == 0 {
		rs.tileSearchRange = [2]int64{1, 0}
		return nil
	}
	subLo, subHi := rs.subarrayCorners()

	// First tile whose last bounding coordinate is at or after the subarray's
	// smallest cell.
	lo := lowerBound(tileNum, func(i int64) bool {
		return s.CellCmp(bc[i][rs.coordsSize:], subLo) >= 0
	})
	// Last tile whose first bounding coordinate is at or before the
	// subarray's largest cell.
	hi := lowerBound(tileNum, func(i int64) bool {
		return s.CellCmp(bc[i][:rs.coordsSize], subHi) > 0
	}) - 1

	if lo > hi || lo == tileNum {
		rs.tileSearchRange = [2]int64{1, 0}
	} else {
		rs.tileSearchRange = [2]int64{lo, hi}
	}
	return nil
}

// computeTileSearchRangeHilbert binary-searches the Hilbert values of the
// bounding coordinates against the Hilbert span of the subarray's corners.
// The result is conservative: later per-tile MBR and per-cell coordinate
// tests filter false positives.
func (rs *ReadState) computeTileSearchRangeHilbert() error {
	s := rs.schema
	bc := rs.bk.boundingCoords
	tileNum := int64(len(bc))
	if tileNum == 0 {
		rs.tileSearchRange = [2]int64{1, 0}
		return nil
	}

	// Hilbert span across every corner of the subarray.
	lo, hi := rs.ops.rectToInt64(rs.subarray, s.Dim)
	corner := make([]int64, s.Dim)
	var hLo, hHi uint64
	for mask := 0; mask < 1<<uint(s.Dim); mask++ {
		for d := 0; d < s.Dim; d++ {
			if mask&(1<<uint(d)) != 0 {
				corner[d] = hi[d]
			} else {
				corner[d] = lo[d]
			}
		}
		h := s.HilbertValue(rs.ops.int64sToScalars(corner))
		if mask == 0 || h < hLo {
			hLo = h
		}
		if mask == 0 || h > hHi {
			hHi = h
		}
	}

	// Tiles hold Hilbert-contiguous cells, so each covers the value interval
	// of its bounding coordinates.
	first := lowerBound(tileNum, func(i int64) bool {
		return s.HilbertValue(bc[i][rs.coordsSize:]) >= hLo
	})
	last := lowerBound(tileNum, func(i int64) bool {
		return s.HilbertValue(bc[i][:rs.coordsSize]) > hHi
	}) - 1
	if first > last || first == tileNum {
		rs.tileSearchRange = [2]int64{1, 0}
	} else {
		rs.tileSearchRange = [2]int64{first, last}
	}
	return nil
}

// subarrayCorners returns the smallest and largest cells of the subarray.
func (rs *ReadState) subarrayCorners() (lo, hi []byte) {
	s := rs.schema
	l, h := rs.ops.rectToInt64(rs.subarray, s.Dim)
	return rs.ops.int64sToScalars(l), rs.ops.int64sToScalars(h)
}

// lowerBound returns the smallest i in [0,n] with pred(i) true, assuming
// pred is monotone.
func lowerBound(n int64, pred func(int64) bool) int64 {
	lo, hi := int64(0), n
	for lo < hi {
		mid := (lo + hi) / 2
		if pred(mid) {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}

// Per-tile iteration.

// denseTileRect materializes the rectangle of the tile with the given
// fragment-grid coordinates.
func (rs *ReadState) denseTileRect(tc []int64) []byte {
	s := rs.schema
	domLo, _ := rs.ops.rectToInt64(rs.bk.domain, s.Dim)
	ext := rs.ops.scalarsToInt64(s.TileExtents, s.Dim)
	rect := make([]int64, 2*s.Dim)
	for d := 0; d < s.Dim; d++ {
		rect[2*d] = domLo[d] + tc[d]*ext[d]
		rect[2*d+1] = rect[2*d] + ext[d] - 1
	}
	return rs.ops.int64sToScalars(rect)
}

// fragmentTileCoords converts array-level tile coordinates (raw scalars of
// the coordinate type) into this fragment's tile grid.
func (rs *ReadState) fragmentTileCoords(tileCoords []byte) []int64 {
	s := rs.schema
	tc := rs.ops.scalarsToInt64(tileCoords, s.Dim)
	domLo, _ := rs.ops.rectToInt64(rs.bk.domain, s.Dim)
	arrLo, _ := rs.ops.rectToInt64(s.Domain, s.Dim)
	ext := rs.ops.scalarsToInt64(s.TileExtents, s.Dim)
	out := make([]int64, s.Dim)
	for d := 0; d < s.Dim; d++ {
		out[d] = tc[d] - (domLo[d]-arrLo[d])/ext[d]
	}
	return out
}

// GetNextOverlappingTileDense advances the cursor to the tile matching or
// succeeding the driver's tile coordinates and classifies its overlap with
// the subarray. Applicable to dense fragments.
func (rs *ReadState) GetNextOverlappingTileDense(tileCoords []byte) {
	if rs.done {
		return
	}
	tc := rs.fragmentTileCoords(tileCoords)
	s := rs.schema
	domLo, domHi := rs.ops.rectToInt64(rs.bk.domain, s.Dim)
	ext := rs.ops.scalarsToInt64(s.TileExtents, s.Dim)
	for d := 0; d < s.Dim; d++ {
		if tc[d] < 0 || domLo[d]+tc[d]*ext[d] > domHi[d] {
			rs.searchTileOverlap = OverlapNone
			return
		}
	}
	pos := rs.linearizeTileCoords(tc)
	if pos > rs.tileSearchRange[1] {
		rs.done = true
		rs.searchTileOverlap = OverlapNone
		return
	}
	if pos < rs.tileSearchRange[0] {
		rs.searchTileOverlap = OverlapNone
		return
	}
	rs.searchTilePos = pos
	rect := rs.denseTileRect(tc)
	rs.searchTileOverlap, rs.searchTileRect = rs.schema.classifyOverlap(rect, rs.subarray)
	rs.updateSubarrayAreaCovered()
	if pos == rs.tileSearchRange[1] {
		rs.done = true
	}
}

// GetNextOverlappingTileSparse advances the cursor to the next sparse tile
// whose MBR overlaps the subarray, setting done when the range is exhausted.
func (rs *ReadState) GetNextOverlappingTileSparse() {
	if rs.done {
		return
	}
	for pos := rs.searchTilePos + 1; pos <= rs.tileSearchRange[1]; pos++ {
		overlap, rect := rs.schema.classifyOverlap(rs.bk.mbrs[pos], rs.subarray)
		if overlap == OverlapNone {
			continue
		}
		rs.searchTilePos = pos
		rs.searchTileOverlap = overlap
		rs.searchTileRect = rect
		rs.updateSubarrayAreaCovered()
		return
	}
	rs.searchTilePos = rs.tileSearchRange[1] + 1
	rs.searchTileOverlap = OverlapNone
	rs.done = true
}

// GetNextOverlappingTileSparseAt ties a sparse fragment to a dense driver's
// tile iteration: it skips to the first sparse tile whose MBR overlaps the
// driver's current tile. Applicable to sparse fragments in dense arrays.
func (rs *ReadState) GetNextOverlappingTileSparseAt(tileCoords []byte) {
	if rs.done {
		return
	}
	tc := rs.fragmentTileCoords(tileCoords)
	rect := rs.denseTileRect(tc)
	_, rectHi := rs.ops.rectToInt64(rect, rs.schema.Dim)
	rectHiCorner := rs.ops.int64sToScalars(rectHi)

	sameTile := rs.lastTileCoords != nil && bytes.Equal(rs.lastTileCoords, tileCoords)
	start := rs.searchTilePos
	if sameTile {
		start++
	} else {
		rs.lastTileCoords = append([]byte(nil), tileCoords...)
		if start < rs.tileSearchRange[0] {
			start = rs.tileSearchRange[0]
		}
	}
	for pos := start; pos <= rs.tileSearchRange[1]; pos++ {
		mbr := rs.bk.mbrs[pos]
		overlap, _ := rs.schema.classifyOverlap(mbr, rect)
		if overlap == OverlapNone {
			// Tiles are in cell order; an MBR past the driver tile ends the
			// scan for this driver tile without consuming it.
			if rs.schema.CellOrder != HilbertOrder &&
				rs.schema.CellCmp(rs.bk.boundingCoords[pos][:rs.coordsSize], rectHiCorner) > 0 {
				rs.searchTilePos = pos
				rs.mbrTileOverlap = OverlapNone
				rs.searchTileOverlap = OverlapNone
				return
			}
			continue
		}
		rs.searchTilePos = pos
		rs.mbrTileOverlap = overlap
		sub, ok := rs.ops.intersect(rect, rs.subarray, rs.schema.Dim)
		if !ok {
			rs.searchTileOverlap = OverlapNone
			return
		}
		rs.searchTileOverlap, rs.searchTileRect = rs.schema.classifyOverlap(mbr, sub)
		rs.updateSubarrayAreaCovered()
		return
	}
	rs.searchTilePos = rs.tileSearchRange[1] + 1
	rs.mbrTileOverlap = OverlapNone
	rs.searchTileOverlap = OverlapNone
	rs.done = true
}

func (rs *ReadState) updateSubarrayAreaCovered() {
	if rs.searchTileRect == nil {
		rs.subarrayAreaCovered = false
		return
	}
	rs.subarrayAreaCovered = rs.ops.contains(rs.bk.nonEmptyDomain, rs.searchTileRect, rs.schema.Dim)
}

// Tile fetch.

func (rs *ReadState) fileBuffer(attributeID int, isVar bool) (*StorageBuffer, error) {
	buffers := rs.fileBuffers
	if isVar {
		buffers = rs.fileVarBuffers
	}
	if buffers[attributeID] == nil {
		path := AppendPaths(rs.fragment.name, attributeFile(rs.schema, attributeID, isVar))
		buf, err := NewStorageBuffer(rs.fs, path, rs.fs.DownloadBufferSize(), true)
		if err != nil {
			return nil, attrError(ErrIO, "cannot open attribute file", attributeID, noTileFetched, err)
		}
		buffers[attributeID] = buf
	}
	return buffers[attributeID], nil
}

func (rs *ReadState) codec(attributeID int) (*Codec, error) {
	if rs.codecs[attributeID] == nil {
		c, err := rs.schema.CodecFor(attributeID)
		if err != nil {
			return nil, err
		}
		if c == nil {
			return nil, nil
		}
		rs.codecs[attributeID] = c
	}
	return rs.codecs[attributeID], nil
}

func (rs *ReadState) offsetsCodec(attributeID int) (*Codec, error) {
	if rs.offsetsCodecs[attributeID] == nil {
		c, err := rs.schema.OffsetsCodecFor(attributeID)
		if err != nil {
			return nil, err
		}
		if c == nil {
			return nil, nil
		}
		rs.offsetsCodecs[attributeID] = c
	}
	return rs.offsetsCodecs[attributeID], nil
}

// onDiskTileLength returns the byte length the tile occupies in its file:
// the offset delta for middle tiles, the file remainder for the last.
func onDiskTileLength(offsets []int64, tileI int64, fileSize int64) int64 {
	if tileI == int64(len(offsets))-1 {
		return fileSize - offsets[tileI]
	}
	return offsets[tileI+1] - offsets[tileI]
}

// prepareTile makes the fixed-size (or offsets) tile of the attribute
// resident, reusing the buffer when it already holds tile tileI.
func (rs *ReadState) prepareTile(attributeID int, tileI int64) error {
	if rs.fetchedTile[attributeID] == tileI {
		return nil
	}
	var codec *Codec
	var err error
	if rs.attributeIsVar(attributeID) {
		codec, err = rs.offsetsCodec(attributeID)
	} else {
		codec, err = rs.codec(attributeID)
	}
	if err != nil {
		return err
	}

	buf, err := rs.fileBuffer(attributeID, false)
	if err != nil {
		return err
	}
	offsets := rs.bk.tileOffsets[attributeID]
	if tileI < 0 || tileI >= int64(len(offsets)) {
		return attrError(ErrIO, "tile position out of range", attributeID, tileI, nil)
	}
	onDisk := onDiskTileLength(offsets, tileI, buf.Size())
	tileSize := rs.bk.CellNum(tileI) * int64(rs.schema.CellSize(attributeID))

	// Offsets tiles are rebased in place after load, so they must never be
	// served from a read-only mapping.
	path := AppendPaths(rs.fragment.name, attributeFile(rs.schema, attributeID, false))
	allowMap := !rs.attributeIsVar(attributeID)
	if err := rs.fetchInto(buf, path, allowMap, offsets[tileI], onDisk, tileSize, codec,
		&rs.tiles[attributeID], &rs.mapRelease[attributeID], attributeID, tileI); err != nil {
		return err
	}
	rs.fetchedTile[attributeID] = tileI

	if rs.attributeIsVar(attributeID) {
		rs.shiftVarOffsets(attributeID)
	}
	return nil
}

// prepareVarTile makes the variable-values tile resident. The offsets tile
// must be prepared first; the values length comes from the bookkeeping's
// uncompressed tile size.
func (rs *ReadState) prepareVarTile(attributeID int, tileI int64) error {
	if rs.fetchedVarTile[attributeID] == tileI {
		return nil
	}
	if err := rs.prepareTile(attributeID, tileI); err != nil {
		return err
	}
	codec, err := rs.codec(attributeID)
	if err != nil {
		return err
	}
	buf, err := rs.fileBuffer(attributeID, true)
	if err != nil {
		return err
	}
	varOffsets := rs.bk.tileVarOffsets[attributeID]
	onDisk := onDiskTileLength(varOffsets, tileI, buf.Size())
	tileSize := rs.bk.tileVarSizes[attributeID][tileI]

	path := AppendPaths(rs.fragment.name, attributeFile(rs.schema, attributeID, true))
	if err := rs.fetchInto(buf, path, true, varOffsets[tileI], onDisk, tileSize, codec,
		&rs.tilesVar[attributeID], &rs.mapReleaseVar[attributeID], attributeID, tileI); err != nil {
		return err
	}
	rs.fetchedVarTile[attributeID] = tileI
	return nil
}

// fetchInto reads a tile's on-disk bytes and lands the decompressed payload
// in *dst, or maps the region when the backend and tile allow it. *release
// holds the unmap hook of the resident mapping, if any.
func (rs *ReadState) fetchInto(buf *StorageBuffer, path string, allowMap bool, offset, onDisk, tileSize int64, codec *Codec, dst *[]byte, release *func() error, attributeID int, tileI int64) error {
	if onDisk < 0 || offset+onDisk > buf.Size() {
		return attrError(ErrTileCorrupt, "tile extends past its file", attributeID, tileI, nil)
	}
	if *release != nil {
		(*release)()
		*release = nil
		*dst = nil
	}
	if codec == nil {
		if onDisk != tileSize {
			return attrError(ErrTileCorrupt, "stored tile size mismatch", attributeID, tileI, nil)
		}
		if m, ok := rs.fs.(tileMapper); ok && allowMap && m.mapTiles() {
			data, rel, err := m.MapFromFile(path, offset, int(onDisk))
			if err == nil {
				*dst = data
				*release = rel
				return nil
			}
			// Fall back to a copied read.
		}
		if int64(cap(*dst)) < tileSize {
			*dst = make([]byte, tileSize)
		}
		*dst = (*dst)[:tileSize]
		if err := buf.ReadBufferAt(offset, *dst); err != nil {
			return attrError(ErrIO, "cannot read tile", attributeID, tileI, err)
		}
		return nil
	}
	compressed := make([]byte, onDisk)
	if err := buf.ReadBufferAt(offset, compressed); err != nil {
		return attrError(ErrIO, "cannot read compressed tile", attributeID, tileI, err)
	}
	if int64(cap(*dst)) < tileSize {
		*dst = make([]byte, tileSize)
	}
	*dst = (*dst)[:tileSize]
	if err := codec.Decompress(compressed, *dst); err != nil {
		return attrError(ErrTileCorrupt, "cannot decompress tile", attributeID, tileI, err)
	}
	return nil
}

func (rs *ReadState) attributeIsVar(attributeID int) bool {
	return attributeID < rs.attributeNum && rs.schema.Attributes[attributeID].Var()
}

// shiftVarOffsets rebases the resident offsets tile so the first offset is
// zero; the shift amount is kept to recover absolute positions.
func (rs *ReadState) shiftVarOffsets(attributeID int) {
	tile := rs.tiles[attributeID]
	n := len(tile) / offsetSize
	if n == 0 {
		rs.varShift[attributeID] = 0
		return
	}
	first := int64(binary.LittleEndian.Uint64(tile))
	rs.varShift[attributeID] = first
	for i := 0; i < n; i++ {
		v := int64(binary.LittleEndian.Uint64(tile[i*offsetSize:]))
		binary.LittleEndian.PutUint64(tile[i*offsetSize:], uint64(v-first))
	}
}

// varOffsetAt returns the tile-relative starting offset of cell i.
func (rs *ReadState) varOffsetAt(attributeID int, i int64) int64 {
	return int64(binary.LittleEndian.Uint64(rs.tiles[attributeID][i*offsetSize:]))
}

// varCellSize returns the value size of cell i within the resident tile.
// The last cell's size comes from the tile's uncompressed size, as no
// trailing offset exists.
func (rs *ReadState) varCellSize(attributeID int, i, cellNum, tileI int64) int64 {
	if i == cellNum-1 {
		return rs.bk.tileVarSizes[attributeID][tileI] - rs.varOffsetAt(attributeID, i)
	}
	return rs.varOffsetAt(attributeID, i+1) - rs.varOffsetAt(attributeID, i)
}

// Cell copy.

// CopyCells copies the cells of the fixed-size attribute within the cell
// position range into buffer, starting at *bufferOffset. *remainingSkip
// cells are dropped before emission. When the buffer cannot hold the whole
// range the attribute's overflow flag is raised; overflow is backpressure,
// not an error.
func (rs *ReadState) CopyCells(attributeID int, tileI int64, buffer []byte, bufferOffset *int64, cellPosRange CellPosRange, remainingSkip *int64) error {
	if err := rs.schema.validAttribute(attributeID); err != nil {
		return err
	}
	if err := rs.prepareTile(attributeID, tileI); err != nil {
		return err
	}
	cellSize := int64(rs.schema.CellSize(attributeID))

	rangeLen := cellPosRange.Last - cellPosRange.First + 1
	if rangeLen <= 0 {
		return nil
	}
	if *remainingSkip >= rangeLen {
		*remainingSkip -= rangeLen
		return nil
	}
	start := cellPosRange.First + *remainingSkip
	avail := cellPosRange.Last - start + 1
	*remainingSkip = 0

	free := (int64(len(buffer)) - *bufferOffset) / cellSize
	n := avail
	if n > free {
		n = free
		rs.overflow[attributeID] = true
	}
	if n > 0 {
		copy(buffer[*bufferOffset:], rs.tiles[attributeID][start*cellSize:(start+n)*cellSize])
		*bufferOffset += n * cellSize
	}
	return nil
}

// CopyCellsVar copies variable-sized cells into an offsets buffer and a
// values buffer. Emitted offsets are the running write positions in the
// values buffer. The effective range is trimmed to what fits in both
// buffers; a trim raises the overflow flag.
func (rs *ReadState) CopyCellsVar(attributeID int, tileI int64, buffer []byte, bufferOffset *int64, remainingSkip *int64, bufferVar []byte, bufferVarOffset *int64, remainingSkipVar *int64, cellPosRange CellPosRange) error {
	if err := rs.schema.validAttribute(attributeID); err != nil {
		return err
	}
	if !rs.attributeIsVar(attributeID) {
		return fmt.Errorf("attribute %d is not variable-sized: %w", attributeID, ErrIO)
	}
	if err := rs.prepareVarTile(attributeID, tileI); err != nil {
		return err
	}
	cellNum := rs.bk.CellNum(tileI)

	rangeLen := cellPosRange.Last - cellPosRange.First + 1
	if rangeLen <= 0 {
		return nil
	}
	if *remainingSkip >= rangeLen {
		*remainingSkip -= rangeLen
		*remainingSkipVar -= rangeLen
		return nil
	}
	start := cellPosRange.First + *remainingSkip
	*remainingSkip = 0
	*remainingSkipVar = 0

	end := cellPosRange.Last
	adjEnd := rs.computeBytesToCopy(attributeID, start, end, cellNum, tileI,
		int64(len(buffer))-*bufferOffset, int64(len(bufferVar))-*bufferVarOffset)
	if adjEnd < end {
		rs.overflow[attributeID] = true
	}
	for i := start; i <= adjEnd; i++ {
		binary.LittleEndian.PutUint64(buffer[*bufferOffset:], uint64(*bufferVarOffset))
		*bufferOffset += offsetSize
		size := rs.varCellSize(attributeID, i, cellNum, tileI)
		src := rs.tilesVar[attributeID][rs.varOffsetAt(attributeID, i):]
		copy(bufferVar[*bufferVarOffset:], src[:size])
		*bufferVarOffset += size
	}
	return nil
}

// computeBytesToCopy trims the cell range so both the offsets and the
// values fit their buffers, returning the adjusted end position (inclusive;
// start-1 when nothing fits).
func (rs *ReadState) computeBytesToCopy(attributeID int, start, end, cellNum, tileI int64, freeSpace, varFreeSpace int64) int64 {
	adjEnd := start - 1
	var bytesToCopy, bytesVarToCopy int64
	for i := start; i <= end; i++ {
		size := rs.varCellSize(attributeID, i, cellNum, tileI)
		if bytesToCopy+offsetSize > freeSpace || bytesVarToCopy+size > varFreeSpace {
			break
		}
		bytesToCopy += offsetSize
		bytesVarToCopy += size
		adjEnd = i
	}
	return adjEnd
}

// Coordinate searches over the resident coordinate tile.

func (rs *ReadState) coordsAt(i int64) []byte {
	cs := int64(rs.coordsSize)
	return rs.tiles[rs.schema.CoordsAttributeID()][i*cs : (i+1)*cs]
}

func (rs *ReadState) prepareSearchTile() error {
	return rs.prepareTile(rs.schema.CoordsAttributeID(), rs.searchTilePos)
}

// GetCellPosAtOrAfter returns the position in the search tile of the first
// cell at or after coords in cell order.
func (rs *ReadState) GetCellPosAtOrAfter(coords []byte) (int64, error) {
	if err := rs.prepareSearchTile(); err != nil {
		return 0, err
	}
	n := rs.bk.CellNum(rs.searchTilePos)
	return lowerBound(n, func(i int64) bool {
		return rs.schema.CellCmp(rs.coordsAt(i), coords) >= 0
	}), nil
}

// GetCellPosAtOrBefore returns the position of the last cell at or before
// coords, or -1 when every cell is after.
func (rs *ReadState) GetCellPosAtOrBefore(coords []byte) (int64, error) {
	if err := rs.prepareSearchTile(); err != nil {
		return 0, err
	}
	n := rs.bk.CellNum(rs.searchTilePos)
	return lowerBound(n, func(i int64) bool {
		return rs.schema.CellCmp(rs.coordsAt(i), coords) > 0
	}) - 1, nil
}

// GetCellPosAfter returns the position of the first cell strictly after
// coords.
func (rs *ReadState) GetCellPosAfter(coords []byte) (int64, error) {
	if err := rs.prepareSearchTile(); err != nil {
		return 0, err
	}
	n := rs.bk.CellNum(rs.searchTilePos)
	return lowerBound(n, func(i int64) bool {
		return rs.schema.CellCmp(rs.coordsAt(i), coords) > 0
	}), nil
}

// GetCoordsAfter retrieves the coordinates succeeding coords in the search
// tile, reporting whether any exist.
func (rs *ReadState) GetCoordsAfter(coords []byte, coordsAfter []byte) (bool, error) {
	pos, err := rs.GetCellPosAfter(coords)
	if err != nil {
		return false, err
	}
	if pos >= rs.bk.CellNum(rs.searchTilePos) {
		return false, nil
	}
	copy(coordsAfter, rs.coordsAt(pos))
	return true, nil
}

// EnclosingCoords is the result of GetEnclosingCoords: target's existence in
// the tile plus its immediate neighbors within [start, end].
type EnclosingCoords struct {
	Left           []byte
	Right          []byte
	LeftRetrieved  bool
	RightRetrieved bool
	TargetExists   bool
}

// GetEnclosingCoords finds the target's immediate predecessor and successor
// within [startCoords, endCoords] in the given tile, for point-and-neighbor
// queries.
func (rs *ReadState) GetEnclosingCoords(tileI int64, targetCoords, startCoords, endCoords []byte) (*EnclosingCoords, error) {
	coordsID := rs.schema.CoordsAttributeID()
	if err := rs.prepareTile(coordsID, tileI); err != nil {
		return nil, err
	}
	n := rs.bk.CellNum(tileI)
	cmp := rs.schema.CellCmp

	first := lowerBound(n, func(i int64) bool { return cmp(rs.coordsAt(i), startCoords) >= 0 })
	last := lowerBound(n, func(i int64) bool { return cmp(rs.coordsAt(i), endCoords) > 0 }) - 1

	out := &EnclosingCoords{}
	if first > last {
		return out, nil
	}
	atOrAfter := lowerBound(n, func(i int64) bool { return cmp(rs.coordsAt(i), targetCoords) >= 0 })
	if atOrAfter <= last && atOrAfter >= first && atOrAfter < n && cmp(rs.coordsAt(atOrAfter), targetCoords) == 0 {
		out.TargetExists = true
	}
	left := atOrAfter - 1
	if left >= first {
		out.Left = append([]byte(nil), rs.coordsAt(left)...)
		out.LeftRetrieved = true
	}
	right := lowerBound(n, func(i int64) bool { return cmp(rs.coordsAt(i), targetCoords) > 0 })
	if right <= last {
		out.Right = append([]byte(nil), rs.coordsAt(right)...)
		out.RightRetrieved = true
	}
	return out, nil
}

// Range production for the query layer.

// GetFragmentCellPosRangeSparse converts a coordinate cell range of the
// given tile into a cell position range via binary search. An empty result
// carries First > Last.
func (rs *ReadState) GetFragmentCellPosRangeSparse(info FragmentInfo, cellRange []byte) (FragmentCellPosRange, error) {
	coordsID := rs.schema.CoordsAttributeID()
	if err := rs.prepareTile(coordsID, info.TilePos); err != nil {
		return FragmentCellPosRange{}, err
	}
	n := rs.bk.CellNum(info.TilePos)
	cmp := rs.schema.CellCmp
	start := cellRange[:rs.coordsSize]
	end := cellRange[rs.coordsSize:]

	first := lowerBound(n, func(i int64) bool { return cmp(rs.coordsAt(i), start) >= 0 })
	last := lowerBound(n, func(i int64) bool { return cmp(rs.coordsAt(i), end) > 0 }) - 1
	if first > last {
		return FragmentCellPosRange{Info: info, Range: CellPosRange{First: -1, Last: -2}}, nil
	}
	return FragmentCellPosRange{Info: info, Range: CellPosRange{First: first, Last: last}}, nil
}

// GetFragmentCellRangesDense decomposes the current dense search tile's
// overlap with the subarray into contiguous cell ranges in cell order.
func (rs *ReadState) GetFragmentCellRangesDense(fragmentID int) ([]FragmentCellRange, error) {
	if rs.searchTileOverlap == OverlapNone {
		return nil, nil
	}
	info := FragmentInfo{FragmentID: fragmentID, TilePos: rs.searchTilePos}
	return rs.decomposeRect(info, rs.searchTileRect), nil
}

// GetFragmentCellRangesSparse emits the cell range of the current sparse
// search tile clipped to the subarray, bounded by two coordinate tuples.
func (rs *ReadState) GetFragmentCellRangesSparse(fragmentID int) ([]FragmentCellRange, error) {
	if rs.searchTileOverlap == OverlapNone {
		return nil, nil
	}
	lo, hi := rs.ops.rectToInt64(rs.searchTileRect, rs.schema.Dim)
	return rs.GetFragmentCellRangesSparseBetween(fragmentID,
		rs.ops.int64sToScalars(lo), rs.ops.int64sToScalars(hi))
}

// GetFragmentCellRangesSparseBetween emits the cell ranges of the current
// sparse search tile contained within [startCoords, endCoords].
func (rs *ReadState) GetFragmentCellRangesSparseBetween(fragmentID int, startCoords, endCoords []byte) ([]FragmentCellRange, error) {
	info := FragmentInfo{FragmentID: fragmentID, TilePos: rs.searchTilePos}
	r := make([]byte, 2*rs.coordsSize)
	copy(r, startCoords)
	copy(r[rs.coordsSize:], endCoords)
	return []FragmentCellRange{{Info: info, Range: r}}, nil
}

// decomposeRect splits a rectangle into runs contiguous in cell order: one
// range per combination of the non-fastest-varying dimensions.
func (rs *ReadState) decomposeRect(info FragmentInfo, rect []byte) []FragmentCellRange {
	s := rs.schema
	lo, hi := rs.ops.rectToInt64(rect, s.Dim)

	fast := s.Dim - 1 // fastest-varying dimension in cell order
	if s.CellOrder == ColMajor {
		fast = 0
	}
	// Iterate the fixed dimensions in cell order.
	fixed := make([]int, 0, s.Dim-1)
	if s.CellOrder == ColMajor {
		for d := s.Dim - 1; d >= 1; d-- {
			fixed = append(fixed, d)
		}
	} else {
		for d := 0; d < s.Dim-1; d++ {
			fixed = append(fixed, d)
		}
	}

	cur := make([]int64, s.Dim)
	copy(cur, lo)
	var out []FragmentCellRange
	for {
		start := make([]int64, s.Dim)
		end := make([]int64, s.Dim)
		copy(start, cur)
		copy(end, cur)
		start[fast] = lo[fast]
		end[fast] = hi[fast]
		r := make([]byte, 2*rs.coordsSize)
		copy(r, rs.ops.int64sToScalars(start))
		copy(r[rs.coordsSize:], rs.ops.int64sToScalars(end))
		out = append(out, FragmentCellRange{Info: info, Range: r})

		// Odometer step over the fixed dimensions, last one fastest.
		i := len(fixed) - 1
		for ; i >= 0; i-- {
			d := fixed[i]
			if cur[d] < hi[d] {
				cur[d]++
				break
			}
			cur[d] = lo[d]
		}
		if i < 0 {
			break
		}
	}
	return out
}
