// Package types defines the shared identifiers of the object locator:
// object ids, heap file ids, B+tree ids, page ids, log sequence
// addresses and transaction handles. They are plain comparable structs
// so they can be used as map keys and compared with ==.
package types

import "fmt"

// OID identifies one heap object by its physical location.
type OID struct {
	Volume int16
	Page   int32
	Slot   int16
}

// NullOID is the reserved sentinel meaning "no object".
var NullOID = OID{Volume: -1, Page: -1, Slot: -1}

// RootOID names the meta-class whose instances are user classes.
var RootOID = OID{Volume: 0, Page: 0, Slot: 0}

// IsNull reports whether o is the NullOID sentinel.
func (o OID) IsNull() bool {
	return o == NullOID
}

// Compare gives the total lexicographic order over (Volume, Page, Slot).
func (o OID) Compare(other OID) int {
	if o.Volume != other.Volume {
		return int(o.Volume) - int(other.Volume)
	}
	if o.Page != other.Page {
		return int(o.Page - other.Page)
	}
	return int(o.Slot - other.Slot)
}

// String renders the canonical "vol|page|slot" form used as a heap and
// lock-table key.
func (o OID) String() string {
	return fmt.Sprintf("%d|%d|%d", o.Volume, o.Page, o.Slot)
}

// HFID identifies the heap file storing instances of one class.
type HFID struct {
	Volume int16
	FileID int32
	// Hint names the volume the file was created on; diagnostics only.
	Hint int16
}

// NullHFID is the sentinel "no heap file assigned yet".
var NullHFID = HFID{Volume: -1, FileID: -1}

func (h HFID) IsNull() bool {
	return h == NullHFID
}

func (h HFID) String() string {
	return fmt.Sprintf("%d|%d", h.Volume, h.FileID)
}

// BTID identifies a B+tree by its root page; the root page uniquely
// names the tree within its file.
type BTID struct {
	Volume   int16
	FileID   int32
	RootPage int32
}

var NullBTID = BTID{Volume: -1, FileID: -1, RootPage: -1}

func (b BTID) IsNull() bool {
	return b == NullBTID
}

func (b BTID) String() string {
	return fmt.Sprintf("%d|%d|%d", b.Volume, b.FileID, b.RootPage)
}

// VPID identifies a single page within a volume.
type VPID struct {
	Volume int16
	Page   int32
}

var NullVPID = VPID{Volume: -1, Page: -1}

func (v VPID) IsNull() bool {
	return v == NullVPID
}

// LSA is a log sequence address: a page offset pair that is totally
// ordered and monotonically increases over the life of the server. The
// real log manager is out of scope (see spec §1). No package in this
// module uses LSA; the classname registry's savepoints are plain int64
// tokens.
type LSA struct {
	PageID int32
	Offset int32
}

var NullLSA = LSA{PageID: -1, Offset: -1}

func (l LSA) IsNull() bool {
	return l == NullLSA
}

// Compare orders LSAs the way the real log manager would: by page then
// by offset within the page.
func (l LSA) Compare(other LSA) int {
	if l.PageID != other.PageID {
		return int(l.PageID - other.PageID)
	}
	return int(l.Offset - other.Offset)
}

// GreaterEqual reports whether l is at or after other.
func (l LSA) GreaterEqual(other LSA) bool {
	return l.Compare(other) >= 0
}

// TranIndex is a small integer handle naming one active transaction.
type TranIndex int32

// NullTranIndex means "no owning transaction" (a committed/cached entry).
const NullTranIndex TranIndex = -1

// ClassOID is just an OID whose instance happens to be a class; kept as
// a distinct name in signatures for readability.
type ClassOID = OID
