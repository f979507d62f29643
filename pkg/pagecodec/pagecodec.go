// Package pagecodec implements the fixed-offset binary layout of B+tree
// pages: node headers, root headers, leaf record prefixes, and
// overflow-key page headers. pkg/pagefile is the sole consumer: it
// frames every stored entry with a leaf record prefix and spills keys
// over InlineKeyLimit into an overflow-key chain built from these
// headers.
//
// Every function here is a pure (buffer, offset) -> value reader or a
// (buffer, offset, value) writer. None of them allocate, perform I/O, or
// touch anything outside the byte range they're told about — the caller
// owns the buffer and whatever page latch protects it. Out-of-range
// offsets are a caller bug and panic rather than returning an error,
// matching the "asserted, no runtime error" failure model the page
// layout is specified with.
package pagecodec

import (
	"encoding/binary"

	"github.com/cuemby/locus/pkg/types"
)

// NodeType distinguishes leaf pages (carrying OID postings) from
// non-leaf pages (carrying child pointers).
type NodeType int16

const (
	NodeTypeLeaf    NodeType = 0
	NodeTypeNonLeaf NodeType = 1
)

// RevLevel is the current root-header revision. Bumping it invalidates
// backward compatibility of the on-disk layout below.
const RevLevel = 2

// Byte sizes/offsets of the fixed fields. Exported so pagefile and tests
// can reason about page capacity without re-deriving offsets.
const (
	NodeHeaderSize = 12 // up to and including next_vpid
	RootHeaderSize = 44 // node header + root-only fixed fields, before the variable key-type domain

	LeafRecordPrefixSize = 8
	MaxAlign             = 8

	OffNodeType      = 0
	OffKeyCount      = 2
	OffMaxKeyLen     = 4
	OffNextVolID     = 6
	OffNextPageID    = 8
	OffNodeHeaderEnd = NodeHeaderSize

	OffNumOIDs   = 12
	OffNumNulls  = 16
	OffNumKeys   = 20
	OffUnique    = 24
	OffReverse   = 28
	OffRevLevel  = 32
	OffOvfFileID = 36
	OffOvfVolID  = 40
	OffReserved  = 42
)

// InlineKeyLimit is the largest key that may be stored inline in a
// record; longer keys spill to the overflow file referenced by the root
// header's Ovfid.
func InlineKeyLimit(pageSize int) int {
	return pageSize / 8
}

// NodeHeader is common to leaf and non-leaf pages.
type NodeHeader struct {
	NodeType  NodeType
	KeyCount  int16
	MaxKeyLen int16
	NextVPID  types.VPID
}

// ReadNodeHeader decodes the 12-byte node header at offset.
func ReadNodeHeader(buf []byte, offset int) NodeHeader {
	mustFit(buf, offset, NodeHeaderSize)
	return NodeHeader{
		NodeType:  NodeType(int16(binary.BigEndian.Uint16(buf[offset+OffNodeType:]))),
		KeyCount:  int16(binary.BigEndian.Uint16(buf[offset+OffKeyCount:])),
		MaxKeyLen: int16(binary.BigEndian.Uint16(buf[offset+OffMaxKeyLen:])),
		NextVPID: types.VPID{
			Volume: int16(binary.BigEndian.Uint16(buf[offset+OffNextVolID:])),
			Page:   int32(binary.BigEndian.Uint32(buf[offset+OffNextPageID:])),
		},
	}
}

// WriteNodeHeader encodes h at offset.
func WriteNodeHeader(buf []byte, offset int, h NodeHeader) {
	mustFit(buf, offset, NodeHeaderSize)
	binary.BigEndian.PutUint16(buf[offset+OffNodeType:], uint16(h.NodeType))
	binary.BigEndian.PutUint16(buf[offset+OffKeyCount:], uint16(h.KeyCount))
	binary.BigEndian.PutUint16(buf[offset+OffMaxKeyLen:], uint16(h.MaxKeyLen))
	binary.BigEndian.PutUint16(buf[offset+OffNextVolID:], uint16(h.NextVPID.Volume))
	binary.BigEndian.PutUint32(buf[offset+OffNextPageID:], uint32(h.NextVPID.Page))
}

// RootHeader extends NodeHeader with the tree-wide counters and the
// overflow-key file reference.
type RootHeader struct {
	NodeHeader
	NumOIDs   int32
	NumNulls  int32
	NumKeys   int32
	Unique    bool
	Reverse   bool
	RevLevel  int32
	Ovfid     types.HFID
}

// ReadRootHeader decodes the fixed-size portion of a root header
// (everything up to, but not including, the variable key-type domain).
func ReadRootHeader(buf []byte, offset int) RootHeader {
	mustFit(buf, offset, RootHeaderSize)
	nh := ReadNodeHeader(buf, offset)
	return RootHeader{
		NodeHeader: nh,
		NumOIDs:    int32(binary.BigEndian.Uint32(buf[offset+OffNumOIDs:])),
		NumNulls:   int32(binary.BigEndian.Uint32(buf[offset+OffNumNulls:])),
		NumKeys:    int32(binary.BigEndian.Uint32(buf[offset+OffNumKeys:])),
		Unique:     binary.BigEndian.Uint32(buf[offset+OffUnique:]) != 0,
		Reverse:    binary.BigEndian.Uint32(buf[offset+OffReverse:]) != 0,
		RevLevel:   int32(binary.BigEndian.Uint32(buf[offset+OffRevLevel:])),
		Ovfid: types.HFID{
			FileID: int32(binary.BigEndian.Uint32(buf[offset+OffOvfFileID:])),
			Volume: int16(binary.BigEndian.Uint16(buf[offset+OffOvfVolID:])),
		},
	}
}

// WriteRootHeader encodes h's fixed-size portion at offset. The
// reserved halfword at OffReserved is left zeroed.
func WriteRootHeader(buf []byte, offset int, h RootHeader) {
	mustFit(buf, offset, RootHeaderSize)
	WriteNodeHeader(buf, offset, h.NodeHeader)
	binary.BigEndian.PutUint32(buf[offset+OffNumOIDs:], uint32(h.NumOIDs))
	binary.BigEndian.PutUint32(buf[offset+OffNumNulls:], uint32(h.NumNulls))
	binary.BigEndian.PutUint32(buf[offset+OffNumKeys:], uint32(h.NumKeys))
	binary.BigEndian.PutUint32(buf[offset+OffUnique:], boolToUint32(h.Unique))
	binary.BigEndian.PutUint32(buf[offset+OffReverse:], boolToUint32(h.Reverse))
	binary.BigEndian.PutUint32(buf[offset+OffRevLevel:], uint32(h.RevLevel))
	binary.BigEndian.PutUint32(buf[offset+OffOvfFileID:], uint32(h.Ovfid.FileID))
	binary.BigEndian.PutUint16(buf[offset+OffOvfVolID:], uint16(h.Ovfid.Volume))
	binary.BigEndian.PutUint16(buf[offset+OffReserved:], 0)
}

// LeafRecordPrefix precedes every leaf-page record.
type LeafRecordPrefix struct {
	OvflVPID types.VPID
	KeyLen   int16
}

func ReadLeafRecordPrefix(buf []byte, offset int) LeafRecordPrefix {
	mustFit(buf, offset, LeafRecordPrefixSize)
	return LeafRecordPrefix{
		OvflVPID: types.VPID{
			Volume: int16(binary.BigEndian.Uint16(buf[offset:])),
			Page:   int32(binary.BigEndian.Uint32(buf[offset+2:])),
		},
		KeyLen: int16(binary.BigEndian.Uint16(buf[offset+6:])),
	}
}

func WriteLeafRecordPrefix(buf []byte, offset int, p LeafRecordPrefix) {
	mustFit(buf, offset, LeafRecordPrefixSize)
	binary.BigEndian.PutUint16(buf[offset:], uint16(p.OvflVPID.Volume))
	binary.BigEndian.PutUint32(buf[offset+2:], uint32(p.OvflVPID.Page))
	binary.BigEndian.PutUint16(buf[offset+6:], uint16(p.KeyLen))
}

// OverflowKeyHeaderSize is the fixed header carried by every page in an
// overflow-key chain: just the VPID of the next page (NullVPID ends the
// chain).
const OverflowKeyHeaderSize = 6

type OverflowKeyHeader struct {
	NextVPID types.VPID
}

func ReadOverflowKeyHeader(buf []byte, offset int) OverflowKeyHeader {
	mustFit(buf, offset, OverflowKeyHeaderSize)
	return OverflowKeyHeader{
		NextVPID: types.VPID{
			Volume: int16(binary.BigEndian.Uint16(buf[offset:])),
			Page:   int32(binary.BigEndian.Uint32(buf[offset+2:])),
		},
	}
}

func WriteOverflowKeyHeader(buf []byte, offset int, h OverflowKeyHeader) {
	mustFit(buf, offset, OverflowKeyHeaderSize)
	binary.BigEndian.PutUint16(buf[offset:], uint16(h.NextVPID.Volume))
	binary.BigEndian.PutUint32(buf[offset+2:], uint32(h.NextVPID.Page))
}

// AlignUp rounds n up to the page's max-align boundary (8 bytes).
func AlignUp(n int) int {
	return (n + MaxAlign - 1) &^ (MaxAlign - 1)
}

func boolToUint32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

func mustFit(buf []byte, offset, size int) {
	if offset < 0 || size < 0 || offset+size > len(buf) {
		panic("pagecodec: offset out of range")
	}
}
