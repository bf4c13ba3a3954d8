package tiledb

import (
	"encoding/binary"
	"fmt"
)

// BookKeepingFilename is the manifest object inside a fragment directory.
const BookKeepingFilename = "__book_keeping.tdb.gz"

// Bookkeeping segment buffer sizes. Uploads accumulate gzip-compressed bytes;
// downloads pull compressed chunks.
const (
	bookKeepingUploadChunk   = 50 * 1024 * 1024
	bookKeepingDownloadChunk = 10 * 1024 * 1024
)

// FragmentMode selects the lifecycle side of a fragment.
type FragmentMode int

const (
	FragmentRead FragmentMode = iota
	FragmentWrite
)

// BookKeeping records the bookkeeping structures of one fragment: the
// non-empty domain, sparse tile MBRs and bounding coordinates, and the
// per-attribute tile offset and variable-size vectors. In write mode it is
// mutated by the append operations and persisted once by Finalize; in read
// mode it is populated by Load and immutable thereafter.
type BookKeeping struct {
	schema       *ArraySchema
	dense        bool
	fragmentName string
	mode         FragmentMode

	domain          []byte // expanded to tile-grid boundaries
	nonEmptyDomain  []byte
	mbrs            [][]byte
	boundingCoords  [][]byte
	tileOffsets     [][]int64 // attributes + coordinates
	tileVarOffsets  [][]int64
	tileVarSizes    [][]int64
	nextTileOffsets []int64
	nextVarOffsets  []int64
	lastTileCellNum int64
}

// NewBookKeeping creates the bookkeeping for a fragment. fragmentName is the
// fragment directory path relative to the backend.
func NewBookKeeping(schema *ArraySchema, dense bool, fragmentName string, mode FragmentMode) *BookKeeping {
	return &BookKeeping{
		schema:       schema,
		dense:        dense,
		fragmentName: fragmentName,
		mode:         mode,
	}
}

// Init prepares a write-mode bookkeeping: it records the non-empty domain,
// derives the expanded domain, and allocates the per-attribute vectors.
func (bk *BookKeeping) Init(nonEmptyDomain []byte) error {
	if !bk.WriteMode() {
		return fmt.Errorf("bookkeeping for %q is not in write mode: %w", bk.fragmentName, ErrIO)
	}
	if nonEmptyDomain == nil {
		nonEmptyDomain = append([]byte(nil), bk.schema.Domain...)
	}
	bk.nonEmptyDomain = append([]byte(nil), nonEmptyDomain...)
	bk.domain = bk.expandDomain(bk.nonEmptyDomain)

	n := bk.schema.AttributeNum() + 1
	bk.tileOffsets = make([][]int64, n)
	bk.nextTileOffsets = make([]int64, n)
	bk.tileVarOffsets = make([][]int64, n-1)
	bk.tileVarSizes = make([][]int64, n-1)
	bk.nextVarOffsets = make([]int64, n-1)
	return nil
}

// expandDomain aligns the non-empty domain outward to tile-extent
// boundaries within the schema domain. With irregular tiles it is a copy.
func (bk *BookKeeping) expandDomain(nonEmpty []byte) []byte {
	s := bk.schema
	if s.TileExtents == nil {
		return append([]byte(nil), nonEmpty...)
	}
	ops := opsFor(s.CoordType)
	lo, hi := ops.rectToInt64(nonEmpty, s.Dim)
	dLo, _ := ops.rectToInt64(s.Domain, s.Dim)
	ext := ops.scalarsToInt64(s.TileExtents, s.Dim)
	out := make([]int64, 2*s.Dim)
	for d := 0; d < s.Dim; d++ {
		out[2*d] = dLo[d] + (lo[d]-dLo[d])/ext[d]*ext[d]
		out[2*d+1] = dLo[d] + ((hi[d]-dLo[d])/ext[d]+1)*ext[d] - 1
	}
	return opsFor(s.CoordType).int64sToScalars(out)
}

// Accessors.

func (bk *BookKeeping) Dense() bool              { return bk.dense }
func (bk *BookKeeping) ReadMode() bool           { return bk.mode == FragmentRead }
func (bk *BookKeeping) WriteMode() bool          { return bk.mode == FragmentWrite }
func (bk *BookKeeping) Domain() []byte           { return bk.domain }
func (bk *BookKeeping) NonEmptyDomain() []byte   { return bk.nonEmptyDomain }
func (bk *BookKeeping) MBRs() [][]byte           { return bk.mbrs }
func (bk *BookKeeping) BoundingCoords() [][]byte { return bk.boundingCoords }
func (bk *BookKeeping) TileOffsets() [][]int64   { return bk.tileOffsets }
func (bk *BookKeeping) TileVarOffsets() [][]int64 {
	return bk.tileVarOffsets
}
func (bk *BookKeeping) TileVarSizes() [][]int64 { return bk.tileVarSizes }
func (bk *BookKeeping) LastTileCellNum() int64  { return bk.lastTileCellNum }

// TileNum returns the number of tiles in the fragment.
func (bk *BookKeeping) TileNum() int64 {
	if bk.dense {
		return bk.schema.TileGridTileNum(bk.domain)
	}
	return int64(len(bk.mbrs))
}

// CellNum returns the number of cells in the tile at the given position.
// Dense fragments fill every tile; the final sparse tile may be short.
func (bk *BookKeeping) CellNum(tilePos int64) int64 {
	if bk.dense {
		return bk.schema.DenseTileCellNum()
	}
	if tilePos == bk.TileNum()-1 {
		return bk.lastTileCellNum
	}
	return bk.schema.Capacity
}

// Mutators (write mode).

// AppendMBR copies and appends a sparse tile's MBR.
func (bk *BookKeeping) AppendMBR(mbr []byte) {
	bk.mbrs = append(bk.mbrs, append([]byte(nil), mbr...))
}

// AppendBoundingCoords copies and appends a sparse tile's first and last
// coordinates in cell order.
func (bk *BookKeeping) AppendBoundingCoords(boundingCoords []byte) {
	bk.boundingCoords = append(bk.boundingCoords, append([]byte(nil), boundingCoords...))
}

// AppendTileOffset pushes the running offset for the attribute and advances
// it by step, the on-disk byte length of the last written tile.
func (bk *BookKeeping) AppendTileOffset(attributeID int, step int64) {
	bk.tileOffsets[attributeID] = append(bk.tileOffsets[attributeID], bk.nextTileOffsets[attributeID])
	bk.nextTileOffsets[attributeID] += step
}

// AppendTileVarOffset is the variable-values analog of AppendTileOffset.
func (bk *BookKeeping) AppendTileVarOffset(attributeID int, step int64) {
	bk.tileVarOffsets[attributeID] = append(bk.tileVarOffsets[attributeID], bk.nextVarOffsets[attributeID])
	bk.nextVarOffsets[attributeID] += step
}

// AppendTileVarSize appends the uncompressed size of a variable-values tile.
func (bk *BookKeeping) AppendTileVarSize(attributeID int, size int64) {
	bk.tileVarSizes[attributeID] = append(bk.tileVarSizes[attributeID], size)
}

// SetLastTileCellNum records the cell count of the final (sparse) tile.
func (bk *BookKeeping) SetLastTileCellNum(cellNum int64) {
	bk.lastTileCellNum = cellNum
}

func (bk *BookKeeping) filename() string {
	return AppendPaths(bk.fragmentName, BookKeepingFilename)
}

// Finalize serializes the bookkeeping into a gzip stream and commits the
// manifest file. It is the fragment's last write: readers treat manifest
// presence as fragment validity.
func (bk *BookKeeping) Finalize(fs StorageFS) error {
	if !bk.WriteMode() {
		return fmt.Errorf("bookkeeping for %q is not in write mode: %w", bk.fragmentName, ErrIO)
	}
	path := bk.filename()
	buf, err := NewCompressedStorageBuffer(fs, path, bookKeepingUploadChunk, false, CompressionGzip, 0)
	if err != nil {
		return err
	}

	w := &bkWriter{buf: buf}
	w.bytesWithLen(bk.nonEmptyDomain)
	w.int64(int64(len(bk.mbrs)))
	for _, mbr := range bk.mbrs {
		w.raw(mbr)
	}
	w.int64(int64(len(bk.boundingCoords)))
	for _, bc := range bk.boundingCoords {
		w.raw(bc)
	}
	for _, offsets := range bk.tileOffsets {
		w.int64Vector(offsets)
	}
	for _, offsets := range bk.tileVarOffsets {
		w.int64Vector(offsets)
	}
	for _, sizes := range bk.tileVarSizes {
		w.int64Vector(sizes)
	}
	w.int64(bk.lastTileCellNum)
	if w.err != nil {
		return w.err
	}
	if err := buf.Finalize(); err != nil {
		return err
	}
	return fs.CloseFile(path)
}

// Load reads and validates the manifest. Any short read, decompression
// failure or arity mismatch aborts with ErrManifestCorrupt and leaves no
// partially-mutated state.
func (bk *BookKeeping) Load(fs StorageFS) error {
	loaded := *bk
	if err := loaded.load(fs); err != nil {
		return err
	}
	*bk = loaded
	return nil
}

func (bk *BookKeeping) load(fs StorageFS) error {
	path := bk.filename()
	chunk := bookKeepingDownloadChunk
	if n := fs.DownloadBufferSize(); n > 0 && n < chunk {
		chunk = n
	}
	buf, err := NewCompressedStorageBuffer(fs, path, chunk, true, CompressionGzip, 0)
	if err != nil {
		return pathErrorf(ErrManifestCorrupt, "cannot open bookkeeping for", bk.fragmentName, err)
	}
	r := &bkReader{buf: buf, path: path}

	coordsSize := bk.schema.CoordsSize()
	attrNum := bk.schema.AttributeNum()

	bk.nonEmptyDomain = r.bytesWithLen(2 * coordsSize)
	bk.domain = bk.expandDomain(bk.nonEmptyDomain)

	mbrNum := r.int64()
	bk.mbrs = r.rawBlocks(mbrNum, 2*coordsSize)
	bcNum := r.int64()
	bk.boundingCoords = r.rawBlocks(bcNum, 2*coordsSize)

	bk.tileOffsets = make([][]int64, attrNum+1)
	for a := range bk.tileOffsets {
		bk.tileOffsets[a] = r.int64Vector()
	}
	bk.tileVarOffsets = make([][]int64, attrNum)
	for a := range bk.tileVarOffsets {
		bk.tileVarOffsets[a] = r.int64Vector()
	}
	bk.tileVarSizes = make([][]int64, attrNum)
	for a := range bk.tileVarSizes {
		bk.tileVarSizes[a] = r.int64Vector()
	}
	bk.lastTileCellNum = r.int64()
	if r.err != nil {
		return r.err
	}
	return bk.validate(fs)
}

// validate enforces the manifest invariants against the schema and the
// attribute files reported by the backend.
func (bk *BookKeeping) validate(fs StorageFS) error {
	s := bk.schema
	fail := func(msg string) error {
		return fmt.Errorf("fragment %q: %s: %w", bk.fragmentName, msg, ErrManifestCorrupt)
	}

	if bk.nonEmptyDomain == nil || len(bk.nonEmptyDomain) != 2*s.CoordsSize() {
		return fail("non-empty domain has wrong size")
	}
	ops := opsFor(s.CoordType)
	if s.Domain != nil && !ops.contains(s.Domain, bk.nonEmptyDomain, s.Dim) {
		return fail("non-empty domain escapes the schema domain")
	}
	if bk.dense {
		if len(bk.mbrs) != 0 || len(bk.boundingCoords) != 0 || bk.lastTileCellNum != 0 {
			return fail("dense fragment carries sparse-only sections")
		}
	} else if len(bk.boundingCoords) != len(bk.mbrs) {
		return fail("bounding coordinate count does not match mbr count")
	}

	tileNum := bk.TileNum()
	for a, offsets := range bk.tileOffsets {
		if bk.dense && a == s.CoordsAttributeID() {
			// Dense fragments have no coordinate stream.
			if len(offsets) != 0 {
				return fail("dense fragment carries a coordinate stream")
			}
			continue
		}
		if int64(len(offsets)) != tileNum {
			return fail(fmt.Sprintf("attribute %d has %d tile offsets, expected %d", a, len(offsets), tileNum))
		}
		for i := 1; i < len(offsets); i++ {
			if offsets[i] < offsets[i-1] {
				return fail(fmt.Sprintf("attribute %d tile offsets are not nondecreasing", a))
			}
		}
		if len(offsets) > 0 {
			name := attributeFile(s, a, false)
			if size, err := fs.FileSize(AppendPaths(bk.fragmentName, name)); err == nil {
				if offsets[len(offsets)-1] >= size {
					return fail(fmt.Sprintf("attribute %d tile offset beyond file size", a))
				}
			}
		}
	}
	for a := 0; a < s.AttributeNum(); a++ {
		if !s.Attributes[a].Var() {
			if len(bk.tileVarOffsets[a]) != 0 || len(bk.tileVarSizes[a]) != 0 {
				return fail(fmt.Sprintf("fixed attribute %d carries variable-tile vectors", a))
			}
			continue
		}
		if int64(len(bk.tileVarOffsets[a])) != tileNum || int64(len(bk.tileVarSizes[a])) != tileNum {
			return fail(fmt.Sprintf("variable attribute %d tile vectors do not match tile count %d", a, tileNum))
		}
	}
	return nil
}

// bkWriter serializes little-endian int64 counts and raw blocks into the
// compressed buffer, capturing the first error.
type bkWriter struct {
	buf *CompressedStorageBuffer
	err error
	tmp [8]byte
}

func (w *bkWriter) int64(v int64) {
	if w.err != nil {
		return
	}
	binary.LittleEndian.PutUint64(w.tmp[:], uint64(v))
	w.err = w.buf.AppendBuffer(w.tmp[:])
}

func (w *bkWriter) raw(b []byte) {
	if w.err != nil {
		return
	}
	w.err = w.buf.AppendBuffer(b)
}

func (w *bkWriter) bytesWithLen(b []byte) {
	w.int64(int64(len(b)))
	w.raw(b)
}

func (w *bkWriter) int64Vector(v []int64) {
	w.int64(int64(len(v)))
	for _, x := range v {
		w.int64(x)
	}
}

// bkReader decodes the same stream, folding every failure into
// ErrManifestCorrupt.
type bkReader struct {
	buf  *CompressedStorageBuffer
	path string
	err  error
	tmp  [8]byte
}

func (r *bkReader) fail(err error) {
	if r.err == nil {
		r.err = pathErrorf(ErrManifestCorrupt, "cannot load bookkeeping from", r.path, err)
	}
}

func (r *bkReader) int64() int64 {
	if r.err != nil {
		return 0
	}
	if err := r.buf.ReadBuffer(r.tmp[:]); err != nil {
		r.fail(err)
		return 0
	}
	return int64(binary.LittleEndian.Uint64(r.tmp[:]))
}

func (r *bkReader) bytesWithLen(expect int) []byte {
	n := r.int64()
	if r.err != nil {
		return nil
	}
	if n < 0 || (n != 0 && int(n) != expect) {
		r.fail(fmt.Errorf("unexpected block length %d, expected %d", n, expect))
		return nil
	}
	if n == 0 {
		return nil
	}
	out := make([]byte, n)
	if err := r.buf.ReadBuffer(out); err != nil {
		r.fail(err)
		return nil
	}
	return out
}

func (r *bkReader) rawBlocks(count int64, blockSize int) [][]byte {
	if r.err != nil || count == 0 {
		return nil
	}
	if count < 0 || count > 1<<40 {
		r.fail(fmt.Errorf("implausible block count %d", count))
		return nil
	}
	out := make([][]byte, count)
	for i := range out {
		b := make([]byte, blockSize)
		if err := r.buf.ReadBuffer(b); err != nil {
			r.fail(err)
			return nil
		}
		out[i] = b
	}
	return out
}

func (r *bkReader) int64Vector() []int64 {
	n := r.int64()
	if r.err != nil || n == 0 {
		return nil
	}
	if n < 0 || n > 1<<40 {
		r.fail(fmt.Errorf("implausible vector length %d", n))
		return nil
	}
	out := make([]int64, n)
	for i := range out {
		out[i] = r.int64()
	}
	if r.err != nil {
		return nil
	}
	return out
}
