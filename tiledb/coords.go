package tiledb

import (
	"unsafe"
)

// Coord is the closed set of coordinate scalar types.
type Coord interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~float32 | ~float64
}

// EncodeCoords packs scalars into the raw little-endian layout used for
// domains, MBRs, subarrays and coordinate tuples. Rectangles are [lo,hi]
// pairs per dimension.
//
// The raw layouts assume a little-endian host, matching the on-disk format;
// the views below reinterpret byte payloads in place.
func EncodeCoords[T Coord](vals ...T) []byte {
	if len(vals) == 0 {
		return nil
	}
	sz := int(unsafe.Sizeof(vals[0]))
	out := make([]byte, len(vals)*sz)
	copy(out, unsafe.Slice((*byte)(unsafe.Pointer(&vals[0])), len(out)))
	return out
}

// DecodeCoords is the inverse view of EncodeCoords.
func DecodeCoords[T Coord](b []byte) []T {
	if len(b) == 0 {
		return nil
	}
	sz := int(unsafe.Sizeof(*new(T)))
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), len(b)/sz)
}

// coordOps is the type-erased operator set over raw coordinate payloads,
// selected once at fragment open from the schema's coordinate type.
type coordOps struct {
	size int

	// cmpScalar compares the i-th scalar of two tuples.
	cmpScalar func(a, b []byte, i int) int
	// scalarsToInt64 widens n scalars to int64 (tile-grid arithmetic).
	scalarsToInt64 func(b []byte, n int) []int64
	// int64sToScalars narrows int64 values back to the coordinate type.
	int64sToScalars func(v []int64) []byte
	// rectToInt64 splits a [lo,hi]-pair rectangle into widened lo/hi arrays.
	rectToInt64 func(rect []byte, dim int) (lo, hi []int64)
	// intersect returns the intersection of two rectangles, reporting
	// emptiness.
	intersect func(a, b []byte, dim int) ([]byte, bool)
	// contains reports whether outer fully contains inner.
	contains func(outer, inner []byte, dim int) bool
	// pointIn reports whether tuple p lies inside rect.
	pointIn func(p, rect []byte, dim int) bool
	// expand grows rect in place to include tuple p.
	expand func(rect, p []byte, dim int)
	// union grows dst in place to include rectangle src.
	union func(dst, src []byte, dim int)
	// fullSpan reports whether inner covers outer on dimension d.
	fullSpan func(outer, inner []byte, d int) bool
	// unitDim reports whether rect has extent one on dimension d.
	unitDim func(rect []byte, d int) bool
}

func view[T Coord](b []byte) []T {
	if len(b) == 0 {
		return nil
	}
	sz := int(unsafe.Sizeof(*new(T)))
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), len(b)/sz)
}

func newOps[T Coord]() coordOps {
	var zero T
	sz := int(unsafe.Sizeof(zero))
	return coordOps{
		size: sz,
		cmpScalar: func(a, b []byte, i int) int {
			av, bv := view[T](a)[i], view[T](b)[i]
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			default:
				return 0
			}
		},
		scalarsToInt64: func(b []byte, n int) []int64 {
			v := view[T](b)
			out := make([]int64, n)
			for i := 0; i < n; i++ {
				out[i] = int64(v[i])
			}
			return out
		},
		int64sToScalars: func(v []int64) []byte {
			vals := make([]T, len(v))
			for i, x := range v {
				vals[i] = T(x)
			}
			return EncodeCoords(vals...)
		},
		rectToInt64: func(rect []byte, dim int) ([]int64, []int64) {
			v := view[T](rect)
			lo := make([]int64, dim)
			hi := make([]int64, dim)
			for d := 0; d < dim; d++ {
				lo[d] = int64(v[2*d])
				hi[d] = int64(v[2*d+1])
			}
			return lo, hi
		},
		intersect: func(a, b []byte, dim int) ([]byte, bool) {
			av, bv := view[T](a), view[T](b)
			out := make([]T, 2*dim)
			for d := 0; d < dim; d++ {
				lo, hi := av[2*d], av[2*d+1]
				if bv[2*d] > lo {
					lo = bv[2*d]
				}
				if bv[2*d+1] < hi {
					hi = bv[2*d+1]
				}
				if lo > hi {
					return nil, false
				}
				out[2*d], out[2*d+1] = lo, hi
			}
			return EncodeCoords(out...), true
		},
		contains: func(outer, inner []byte, dim int) bool {
			ov, iv := view[T](outer), view[T](inner)
			for d := 0; d < dim; d++ {
				if iv[2*d] < ov[2*d] || iv[2*d+1] > ov[2*d+1] {
					return false
				}
			}
			return true
		},
		pointIn: func(p, rect []byte, dim int) bool {
			pv, rv := view[T](p), view[T](rect)
			for d := 0; d < dim; d++ {
				if pv[d] < rv[2*d] || pv[d] > rv[2*d+1] {
					return false
				}
			}
			return true
		},
		expand: func(rect, p []byte, dim int) {
			rv, pv := view[T](rect), view[T](p)
			for d := 0; d < dim; d++ {
				if pv[d] < rv[2*d] {
					rv[2*d] = pv[d]
				}
				if pv[d] > rv[2*d+1] {
					rv[2*d+1] = pv[d]
				}
			}
		},
		union: func(dst, src []byte, dim int) {
			dv, sv := view[T](dst), view[T](src)
			for d := 0; d < dim; d++ {
				if sv[2*d] < dv[2*d] {
					dv[2*d] = sv[2*d]
				}
				if sv[2*d+1] > dv[2*d+1] {
					dv[2*d+1] = sv[2*d+1]
				}
			}
		},
		fullSpan: func(outer, inner []byte, d int) bool {
			ov, iv := view[T](outer), view[T](inner)
			return iv[2*d] <= ov[2*d] && iv[2*d+1] >= ov[2*d+1]
		},
		unitDim: func(rect []byte, d int) bool {
			v := view[T](rect)
			return v[2*d] == v[2*d+1]
		},
	}
}

var opsTable = map[Datatype]coordOps{
	TypeInt8:    newOps[int8](),
	TypeInt16:   newOps[int16](),
	TypeInt32:   newOps[int32](),
	TypeInt64:   newOps[int64](),
	TypeUint8:   newOps[uint8](),
	TypeUint16:  newOps[uint16](),
	TypeUint32:  newOps[uint32](),
	TypeUint64:  newOps[uint64](),
	TypeFloat32: newOps[float32](),
	TypeFloat64: newOps[float64](),
	TypeChar:    newOps[int8](),
}

func opsFor(t Datatype) coordOps { return opsTable[t] }

// CellCmp orders two coordinate tuples by the schema's cell order.
func (s *ArraySchema) CellCmp(a, b []byte) int {
	ops := opsFor(s.CoordType)
	switch s.CellOrder {
	case ColMajor:
		for d := s.Dim - 1; d >= 0; d-- {
			if c := ops.cmpScalar(a, b, d); c != 0 {
				return c
			}
		}
		return 0
	case HilbertOrder:
		ha, hb := s.HilbertValue(a), s.HilbertValue(b)
		if ha != hb {
			if ha < hb {
				return -1
			}
			return 1
		}
		fallthrough
	default: // RowMajor, and the Hilbert tie-break
		for d := 0; d < s.Dim; d++ {
			if c := ops.cmpScalar(a, b, d); c != 0 {
				return c
			}
		}
		return 0
	}
}

// HilbertValue maps a coordinate tuple to its Hilbert index, normalizing
// against the schema domain's lower corner.
func (s *ArraySchema) HilbertValue(c []byte) uint64 {
	ops := opsFor(s.CoordType)
	lo, _ := ops.rectToInt64(s.Domain, s.Dim)
	pt := ops.scalarsToInt64(c, s.Dim)
	axes := make([]uint64, s.Dim)
	for d := 0; d < s.Dim; d++ {
		axes[d] = uint64(pt[d] - lo[d])
	}
	return hilbertIndex(axes, hilbertBits(s.Dim))
}

// Overlap classifies how a tile rectangle relates to the query subarray.
type Overlap int

const (
	OverlapNone Overlap = iota
	// OverlapFull: the subarray fully covers the tile rectangle.
	OverlapFull
	// OverlapPartial: the rectangles intersect without full coverage.
	OverlapPartial
	// OverlapPartialContig: partial, and the overlapping cells are
	// contiguous in the tile's cell order.
	OverlapPartialContig
)

// classifyOverlap intersects a tile rectangle with the subarray and reports
// the overlap kind plus the intersection rectangle.
func (s *ArraySchema) classifyOverlap(tileRect, subarray []byte) (Overlap, []byte) {
	ops := opsFor(s.CoordType)
	inter, ok := ops.intersect(tileRect, subarray, s.Dim)
	if !ok {
		return OverlapNone, nil
	}
	if ops.contains(subarray, tileRect, s.Dim) {
		return OverlapFull, inter
	}
	if s.contigInTile(tileRect, inter) {
		return OverlapPartialContig, inter
	}
	return OverlapPartial, inter
}

// contigInTile reports whether the cells of rectangle inner form one
// contiguous run in the cell order of the tile rectangle outer: scanning
// dimensions from slowest- to fastest-varying, a unit-extent prefix may be
// followed by one free dimension, after which inner must span outer fully.
func (s *ArraySchema) contigInTile(outer, inner []byte) bool {
	if s.CellOrder == HilbertOrder {
		return false
	}
	ops := opsFor(s.CoordType)
	dims := make([]int, s.Dim)
	for i := range dims {
		if s.CellOrder == ColMajor {
			dims[i] = s.Dim - 1 - i
		} else {
			dims[i] = i
		}
	}
	i := 0
	for ; i < len(dims); i++ {
		if !ops.unitDim(inner, dims[i]) {
			break
		}
	}
	// One free dimension, then full spans.
	for j := i + 1; j < len(dims); j++ {
		if !ops.fullSpan(outer, inner, dims[j]) {
			return false
		}
	}
	return true
}
