package tiledb

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"
)

// Fragment file layout inside the fragment directory.
const (
	attrFileSuffix   = ".tdb"
	varValuesInfix   = "_var"
	coordsFilePrefix = "__coords"
)

// attributeFile returns the file name of an attribute stream. For a
// variable-sized attribute the offsets stream shares the attribute name and
// the values stream carries the _var infix. The coordinates slot maps to
// __coords.tdb.
func attributeFile(s *ArraySchema, attributeID int, isVar bool) string {
	if attributeID == s.CoordsAttributeID() {
		return coordsFilePrefix + attrFileSuffix
	}
	name := s.Attributes[attributeID].Name
	if isVar {
		return name + varValuesInfix + attrFileSuffix
	}
	return name + attrFileSuffix
}

// Fragment is one immutable write unit of an array: a named directory with
// one file per attribute stream plus the bookkeeping manifest. A fragment is
// created in write mode, populated by WriteCells, frozen by Finalize; or
// opened in read mode, after which read states iterate it.
type Fragment struct {
	schema *ArraySchema
	fs     StorageFS
	name   string
	dense  bool
	mode   FragmentMode
	bk     *BookKeeping
	logger *zap.Logger

	ws *writeState
}

// CreateFragment starts a write-mode fragment under name. nonEmptyDomain is
// the region the writes will be constrained to, in the schema's coordinate
// type; nil means the whole schema domain.
func CreateFragment(fs StorageFS, schema *ArraySchema, name string, dense bool, nonEmptyDomain []byte, logger *zap.Logger) (*Fragment, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !fs.IsDir(name) {
		if err := fs.CreateDir(name); err != nil {
			return nil, err
		}
	}
	f := &Fragment{
		schema: schema,
		fs:     fs,
		name:   Unslashify(name),
		dense:  dense,
		mode:   FragmentWrite,
		logger: logger,
	}
	f.bk = NewBookKeeping(schema, dense, f.name, FragmentWrite)
	if err := f.bk.Init(nonEmptyDomain); err != nil {
		return nil, err
	}
	f.ws = newWriteState(f)
	return f, nil
}

// OpenFragment loads an existing fragment for reading. A fragment is sparse
// when its coordinate stream exists; an unreadable manifest makes the
// fragment invalid.
func OpenFragment(fs StorageFS, schema *ArraySchema, name string, logger *zap.Logger) (*Fragment, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Fragment{
		schema: schema,
		fs:     fs,
		name:   Unslashify(name),
		mode:   FragmentRead,
		logger: logger,
	}
	f.dense = !fs.IsFile(AppendPaths(f.name, attributeFile(schema, schema.CoordsAttributeID(), false)))
	f.bk = NewBookKeeping(schema, f.dense, f.name, FragmentRead)
	if err := f.bk.Load(fs); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Fragment) Schema() *ArraySchema     { return f.schema }
func (f *Fragment) Name() string             { return f.name }
func (f *Fragment) Dense() bool              { return f.dense }
func (f *Fragment) BookKeeping() *BookKeeping { return f.bk }

// NewReadState starts a read pass over the fragment for the given subarray
// (a [lo,hi]-pair rectangle in the coordinate type).
func (f *Fragment) NewReadState(subarray []byte) (*ReadState, error) {
	if f.mode != FragmentRead {
		return nil, fmt.Errorf("fragment %q is not open for reading: %w", f.name, ErrIO)
	}
	return newReadState(f, subarray)
}

// WriteCells appends a batch of cells in cell order. buffers is indexed by
// attribute id; a variable-sized attribute's entry holds int64 starting
// offsets into varBuffers[id], and a sparse fragment's coordinate tuples sit
// at the coordinates slot. Tiles are cut at the capacity boundary, buffering
// any tail until the next batch or Finalize.
func (f *Fragment) WriteCells(buffers [][]byte, varBuffers [][]byte) error {
	if f.mode != FragmentWrite {
		return fmt.Errorf("fragment %q is not open for writing: %w", f.name, ErrIO)
	}
	return f.ws.write(buffers, varBuffers)
}

// Finalize flushes the final (possibly short) tile, commits every attribute
// file, and writes the manifest last so the fragment becomes visible whole.
func (f *Fragment) Finalize() error {
	if f.mode != FragmentWrite {
		return fmt.Errorf("fragment %q is not open for writing: %w", f.name, ErrIO)
	}
	if err := f.ws.finalize(); err != nil {
		return err
	}
	for a := 0; a <= f.schema.AttributeNum(); a++ {
		if a == f.schema.CoordsAttributeID() && f.dense {
			continue
		}
		if err := f.fs.CloseFile(AppendPaths(f.name, attributeFile(f.schema, a, false))); err != nil {
			return err
		}
		if a < f.schema.AttributeNum() && f.schema.Attributes[a].Var() {
			if err := f.fs.CloseFile(AppendPaths(f.name, attributeFile(f.schema, a, true))); err != nil {
				return err
			}
		}
	}
	if err := f.bk.Finalize(f.fs); err != nil {
		return err
	}
	f.mode = FragmentRead
	return nil
}

// writeState accumulates cells until a full tile can be cut, then
// compresses and appends one tile per attribute stream and records the
// bookkeeping entries.
type writeState struct {
	f *Fragment

	// Per attribute stream (attributes + coords): raw fixed-size cell bytes
	// pending for the next tile. Variable attributes do not use this entry:
	// the pending cells' value sizes are in varSizes and their bytes in
	// pendingVar.
	pending    [][]byte
	pendingVar [][]byte
	varSizes   [][]int64

	// Running uncompressed position per variable-values stream; emitted cell
	// offsets are absolute to the values file.
	varPos []int64

	cellsPending int64
	cellsPerTile int64
	totalCells   int64

	codecs        []*Codec
	offsetsCodecs []*Codec
}

func newWriteState(f *Fragment) *writeState {
	n := f.schema.AttributeNum() + 1
	ws := &writeState{
		f:             f,
		pending:       make([][]byte, n),
		pendingVar:    make([][]byte, n-1),
		varSizes:      make([][]int64, n-1),
		varPos:        make([]int64, n-1),
		codecs:        make([]*Codec, n),
		offsetsCodecs: make([]*Codec, n-1),
	}
	if f.dense {
		ws.cellsPerTile = f.schema.DenseTileCellNum()
	} else {
		ws.cellsPerTile = f.schema.Capacity
	}
	return ws
}

func (ws *writeState) codec(attributeID int) (*Codec, error) {
	if ws.codecs[attributeID] == nil {
		c, err := ws.f.schema.CodecFor(attributeID)
		if err != nil {
			return nil, err
		}
		if c == nil {
			return nil, nil
		}
		ws.codecs[attributeID] = c
	}
	return ws.codecs[attributeID], nil
}

func (ws *writeState) offsetsCodec(attributeID int) (*Codec, error) {
	if ws.offsetsCodecs[attributeID] == nil {
		c, err := ws.f.schema.OffsetsCodecFor(attributeID)
		if err != nil {
			return nil, err
		}
		if c == nil {
			return nil, nil
		}
		ws.offsetsCodecs[attributeID] = c
	}
	return ws.offsetsCodecs[attributeID], nil
}

func (ws *writeState) streamIDs() []int {
	s := ws.f.schema
	ids := make([]int, 0, s.AttributeNum()+1)
	for a := 0; a < s.AttributeNum(); a++ {
		ids = append(ids, a)
	}
	if !ws.f.dense {
		ids = append(ids, s.CoordsAttributeID())
	}
	return ids
}

func (ws *writeState) write(buffers [][]byte, varBuffers [][]byte) error {
	s := ws.f.schema
	coordsID := s.CoordsAttributeID()

	// Cell count of this batch, from the first stream present.
	var batch int64 = -1
	for _, a := range ws.streamIDs() {
		n := int64(len(buffers[a])) / int64(s.CellSize(a))
		if batch < 0 {
			batch = n
		} else if n != batch {
			return fmt.Errorf("fragment %q: attribute %d holds %d cells, expected %d: %w",
				ws.f.name, a, n, batch, ErrIO)
		}
	}
	if batch <= 0 {
		return nil
	}

	for _, a := range ws.streamIDs() {
		if a < coordsID && s.Attributes[a].Var() {
			offsets := DecodeCoords[int64](buffers[a])
			values := varBuffers[a]
			for i := int64(0); i < batch; i++ {
				end := int64(len(values))
				if i+1 < int64(len(offsets)) {
					end = offsets[i+1]
				}
				ws.varSizes[a] = append(ws.varSizes[a], end-offsets[i])
			}
			ws.pendingVar[a] = append(ws.pendingVar[a], values...)
		} else {
			ws.pending[a] = append(ws.pending[a], buffers[a]...)
		}
	}
	ws.cellsPending += batch

	for ws.cellsPending >= ws.cellsPerTile {
		if err := ws.emitTile(ws.cellsPerTile); err != nil {
			return err
		}
	}
	return nil
}

// emitTile cuts the first cells cells from the pending buffers into one
// on-disk tile per stream and records the bookkeeping entries.
func (ws *writeState) emitTile(cells int64) error {
	s := ws.f.schema
	coordsID := s.CoordsAttributeID()

	for _, a := range ws.streamIDs() {
		if a < coordsID && s.Attributes[a].Var() {
			if err := ws.emitVarTile(a, cells); err != nil {
				return err
			}
			continue
		}
		cellSize := int64(s.CellSize(a))
		raw := ws.pending[a][:cells*cellSize]
		ws.pending[a] = ws.pending[a][cells*cellSize:]

		if a == coordsID {
			ws.recordCoordsTile(raw, cells)
		}

		onDisk := raw
		codec, err := ws.codec(a)
		if err != nil {
			return err
		}
		if codec != nil {
			if onDisk, err = codec.Compress(raw); err != nil {
				return attrError(ErrCodec, "cannot compress tile", a, ws.f.bk.TileNum(), err)
			}
		}
		if err := ws.f.fs.WriteToFile(AppendPaths(ws.f.name, attributeFile(s, a, false)), onDisk); err != nil {
			return err
		}
		ws.f.bk.AppendTileOffset(a, int64(len(onDisk)))
	}

	ws.cellsPending -= cells
	ws.totalCells += cells
	return nil
}

func (ws *writeState) emitVarTile(attributeID int, cells int64) error {
	s := ws.f.schema

	offsets := make([]int64, cells)
	var tileBytes int64
	for i := int64(0); i < cells; i++ {
		offsets[i] = ws.varPos[attributeID]
		ws.varPos[attributeID] += ws.varSizes[attributeID][i]
		tileBytes += ws.varSizes[attributeID][i]
	}
	ws.varSizes[attributeID] = ws.varSizes[attributeID][cells:]
	values := ws.pendingVar[attributeID][:tileBytes]
	ws.pendingVar[attributeID] = ws.pendingVar[attributeID][tileBytes:]

	offsetBytes := make([]byte, cells*offsetSize)
	for i, o := range offsets {
		binary.LittleEndian.PutUint64(offsetBytes[i*offsetSize:], uint64(o))
	}

	onDiskOffsets := offsetBytes
	oc, err := ws.offsetsCodec(attributeID)
	if err != nil {
		return err
	}
	if oc != nil {
		if onDiskOffsets, err = oc.Compress(offsetBytes); err != nil {
			return attrError(ErrCodec, "cannot compress offsets tile", attributeID, ws.f.bk.TileNum(), err)
		}
	}
	if err := ws.f.fs.WriteToFile(AppendPaths(ws.f.name, attributeFile(s, attributeID, false)), onDiskOffsets); err != nil {
		return err
	}
	ws.f.bk.AppendTileOffset(attributeID, int64(len(onDiskOffsets)))

	onDiskValues := values
	codec, err := ws.codec(attributeID)
	if err != nil {
		return err
	}
	if codec != nil {
		if onDiskValues, err = codec.Compress(values); err != nil {
			return attrError(ErrCodec, "cannot compress variable tile", attributeID, ws.f.bk.TileNum(), err)
		}
	}
	if err := ws.f.fs.WriteToFile(AppendPaths(ws.f.name, attributeFile(s, attributeID, true)), onDiskValues); err != nil {
		return err
	}
	ws.f.bk.AppendTileVarOffset(attributeID, int64(len(onDiskValues)))
	ws.f.bk.AppendTileVarSize(attributeID, tileBytes)
	return nil
}

// recordCoordsTile derives the sparse tile's MBR and bounding coordinates.
func (ws *writeState) recordCoordsTile(raw []byte, cells int64) {
	s := ws.f.schema
	ops := opsFor(s.CoordType)
	coordsSize := s.CoordsSize()

	mbr := make([]byte, 2*coordsSize)
	first := raw[:coordsSize]
	for d := 0; d < s.Dim; d++ {
		copy(mbr[2*d*s.CoordType.Size():], first[d*s.CoordType.Size():(d+1)*s.CoordType.Size()])
		copy(mbr[(2*d+1)*s.CoordType.Size():], first[d*s.CoordType.Size():(d+1)*s.CoordType.Size()])
	}
	for i := int64(1); i < cells; i++ {
		ops.expand(mbr, raw[i*int64(coordsSize):(i+1)*int64(coordsSize)], s.Dim)
	}
	ws.f.bk.AppendMBR(mbr)

	bounding := make([]byte, 2*coordsSize)
	copy(bounding, raw[:coordsSize])
	copy(bounding[coordsSize:], raw[(cells-1)*int64(coordsSize):cells*int64(coordsSize)])
	ws.f.bk.AppendBoundingCoords(bounding)
}

func (ws *writeState) finalize() error {
	last := ws.cellsPending
	if last > 0 {
		if err := ws.emitTile(last); err != nil {
			return err
		}
	} else {
		last = ws.cellsPerTile
	}
	if !ws.f.dense {
		ws.f.bk.SetLastTileCellNum(last)
	}
	return nil
}
