package tiledb

import (
	"fmt"
)

// Datatype is the closed set of cell and coordinate types.
type Datatype int

const (
	TypeInt8 Datatype = iota
	TypeInt16
	TypeInt32
	TypeInt64
	TypeUint8
	TypeUint16
	TypeUint32
	TypeUint64
	TypeFloat32
	TypeFloat64
	TypeChar
)

// Size returns the byte width of one scalar of the type.
func (t Datatype) Size() int {
	switch t {
	case TypeInt8, TypeUint8, TypeChar:
		return 1
	case TypeInt16, TypeUint16:
		return 2
	case TypeInt32, TypeUint32, TypeFloat32:
		return 4
	default:
		return 8
	}
}

// Layout is a cell or tile linearization order.
type Layout int

const (
	RowMajor Layout = iota
	ColMajor
	HilbertOrder
)

// VarNum marks a variable number of values per cell.
const VarNum = -1

// Attribute describes one typed column of the array.
type Attribute struct {
	Name string
	Type Datatype
	// CellValNum is the number of values per cell, or VarNum for
	// variable-sized cells.
	CellValNum int
	Compression      CompressionKind
	CompressionLevel int
	// OffsetsCompression applies to the offsets stream of a variable-sized
	// attribute, independent of the values codec.
	OffsetsCompression      CompressionKind
	OffsetsCompressionLevel int
}

// Var reports whether the attribute has variable-sized cells.
func (a Attribute) Var() bool { return a.CellValNum == VarNum }

// ArraySchema is the immutable description of an array: attributes,
// coordinate type and rank, domain, orders and tiling. It is produced by the
// external schema layer and treated as read-only here.
type ArraySchema struct {
	ArrayName  string
	Attributes []Attribute
	Dim        int
	CoordType  Datatype
	Dense      bool
	CellOrder  Layout
	TileOrder  Layout
	// Capacity is the cell capacity of a sparse tile.
	Capacity int64
	// Domain holds [lo,hi] pairs per dimension, 2*Dim scalars of CoordType.
	Domain []byte
	// TileExtents holds Dim scalars of CoordType, or nil for irregular tiles.
	TileExtents []byte
	// CoordsCompression applies to the coordinate stream.
	CoordsCompression      CompressionKind
	CoordsCompressionLevel int
}

// AttributeNum returns the number of attributes, excluding coordinates.
func (s *ArraySchema) AttributeNum() int { return len(s.Attributes) }

// CoordsAttributeID is the attribute id slot reserved for coordinates,
// by convention one past the last attribute.
func (s *ArraySchema) CoordsAttributeID() int { return len(s.Attributes) }

// CoordsSize returns the byte width of one coordinate tuple.
func (s *ArraySchema) CoordsSize() int { return s.Dim * s.CoordType.Size() }

// CellSize returns the fixed byte width of one cell of the attribute, or the
// offset width for variable-sized attributes (whose values have no fixed
// size). The coordinates slot yields the coordinate tuple size.
func (s *ArraySchema) CellSize(attributeID int) int {
	if attributeID == s.CoordsAttributeID() {
		return s.CoordsSize()
	}
	a := s.Attributes[attributeID]
	if a.Var() {
		return offsetSize
	}
	return a.Type.Size() * a.CellValNum
}

// offsetSize is the byte width of a variable-cell starting offset.
const offsetSize = 8

func (s *ArraySchema) validAttribute(attributeID int) error {
	if attributeID < 0 || attributeID > s.CoordsAttributeID() {
		return fmt.Errorf("attribute id %d out of range: %w", attributeID, ErrIO)
	}
	return nil
}

// CodecFor builds the codec handle for an attribute's value stream.
func (s *ArraySchema) CodecFor(attributeID int) (*Codec, error) {
	if attributeID == s.CoordsAttributeID() {
		if s.CoordsCompression == CompressionNone {
			return nil, nil
		}
		// Coordinate streams delta-encode well: neighbors in cell order are
		// close in space.
		return NewCodec(s.CoordsCompression, s.CoordsCompressionLevel, s.CoordType.Size(), FilterDelta)
	}
	a := s.Attributes[attributeID]
	if a.Compression == CompressionNone {
		return nil, nil
	}
	return NewCodec(a.Compression, a.CompressionLevel, a.Type.Size())
}

// OffsetsCodecFor builds the codec handle for a variable attribute's offsets
// stream, or nil when uncompressed.
func (s *ArraySchema) OffsetsCodecFor(attributeID int) (*Codec, error) {
	a := s.Attributes[attributeID]
	if a.OffsetsCompression == CompressionNone {
		return nil, nil
	}
	return NewCodec(a.OffsetsCompression, a.OffsetsCompressionLevel, offsetSize, FilterDelta)
}

// TileGridTileNum returns the number of tiles the (expanded) domain spans,
// for dense arrays with regular tiling.
func (s *ArraySchema) TileGridTileNum(domain []byte) int64 {
	ops := opsFor(s.CoordType)
	lo, hi := ops.rectToInt64(domain, s.Dim)
	ext := ops.scalarsToInt64(s.TileExtents, s.Dim)
	n := int64(1)
	for d := 0; d < s.Dim; d++ {
		n *= (hi[d] - lo[d] + 1 + ext[d] - 1) / ext[d]
	}
	return n
}

// DenseTileCellNum returns the cell capacity of one dense tile.
func (s *ArraySchema) DenseTileCellNum() int64 {
	ops := opsFor(s.CoordType)
	ext := ops.scalarsToInt64(s.TileExtents, s.Dim)
	n := int64(1)
	for d := 0; d < s.Dim; d++ {
		n *= ext[d]
	}
	return n
}
