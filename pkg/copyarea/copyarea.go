// Package copyarea implements the elastic serialization buffer used to
// ship one or many objects between the server and a client: a
// self-describing byte buffer with a MANYOBJS header, a slot array
// (growing down from the top) and a record-data region (growing up
// from the bottom). Callers size it by grow-and-retry: append returns
// locuserr.DoesntFit with the total byte count that would have
// succeeded, the caller reallocates to max(that count, budget+onePage)
// and retries.
package copyarea

import (
	"encoding/binary"

	"github.com/cuemby/locus/pkg/locuserr"
	"github.com/cuemby/locus/pkg/pagecodec"
	"github.com/cuemby/locus/pkg/types"
)

// Operation names what a slot's payload means to the receiver.
type Operation int32

const (
	OpFetch Operation = iota
	OpFetchVerifyCHN
	OpFetchDeleted
	OpFetchDecacheLock
	OpFlushInsert
	OpFlushUpdate
	OpFlushDelete
)

func (op Operation) String() string {
	switch op {
	case OpFetch:
		return "FETCH"
	case OpFetchVerifyCHN:
		return "FETCH_VERIFY_CHN"
	case OpFetchDeleted:
		return "FETCH_DELETED"
	case OpFetchDecacheLock:
		return "FETCH_DECACHE_LOCK"
	case OpFlushInsert:
		return "FLUSH_INSERT"
	case OpFlushUpdate:
		return "FLUSH_UPDATE"
	case OpFlushDelete:
		return "FLUSH_DELETE"
	default:
		return "UNKNOWN"
	}
}

// ManyObjsHeaderSize is the fixed size of the MANYOBJS wire header.
const ManyObjsHeaderSize = 24

// OneObjSlotSize is the fixed size of one ONEOBJ wire slot.
const OneObjSlotSize = 32

// Slot is one object's entry in the area: location, operation, and
// where its record payload landed once the area is finalized.
type Slot struct {
	OID       types.OID
	HasIndex  bool
	HFID      types.HFID
	Operation Operation
	Record    []byte // nil for operations that carry no payload (e.g. FETCH_DECACHE_LOCK)
}

// Area is the in-progress copy area a caller fills before shipping it.
// Capacity accounting (not literal byte packing) drives the
// grow-and-retry protocol; Finalize() produces the real wire bytes.
type Area struct {
	Budget           int
	ClassOID         types.OID
	StartMultiUpdate bool
	EndMultiUpdate   bool

	slots []*Slot
	index map[types.OID]int // OID -> slot index, for the decache promotion sub-protocol
}

// NewArea creates an area with the given byte budget. Per the sizing
// discipline, callers typically start with one page.
func NewArea(budget int) *Area {
	return &Area{Budget: budget, index: make(map[types.OID]int)}
}

// FromSlots reconstructs an Area directly from an already-decoded slot
// list, bypassing Append's budget accounting. Used by the Raft FSM to
// rebuild the copy area a force batch was shipped as (spec §2 C8: the
// log entry carries the slots, not the wire-packed bytes Finalize
// produces for the client protocol).
func FromSlots(budget int, classOID types.OID, slots []*Slot) *Area {
	a := &Area{Budget: budget, ClassOID: classOID, index: make(map[types.OID]int, len(slots))}
	a.slots = slots
	for i, s := range slots {
		a.index[s.OID] = i
	}
	return a
}

// usedBytes is the total wire size the area would occupy right now.
func (a *Area) usedBytes() int {
	total := ManyObjsHeaderSize
	for _, s := range a.slots {
		total += OneObjSlotSize + pagecodec.AlignUp(len(s.Record))
	}
	return total
}

// Append adds one object slot. On success it returns the slot's index.
// If the area's budget can't hold it, it returns a locuserr DoesntFit
// error carrying the total byte count a retry should allocate.
func (a *Area) Append(oid types.OID, hasIndex bool, hfid types.HFID, op Operation, record []byte) (int, error) {
	need := OneObjSlotSize + pagecodec.AlignUp(len(record))
	if a.usedBytes()+need > a.Budget {
		return -1, locuserr.DoesntFit(a.usedBytes() + need)
	}
	s := &Slot{OID: oid, HasIndex: hasIndex, HFID: hfid, Operation: op, Record: record}
	a.slots = append(a.slots, s)
	a.index[oid] = len(a.slots) - 1
	return len(a.slots) - 1, nil
}

// AppendDecacheHint implements the notification/decache sub-protocol:
// if oid already has a slot, its operation is promoted to
// FETCH_DECACHE_LOCK in place and promoted reports true with no change
// in NumObjs. Otherwise a new zero-payload FETCH_DECACHE_LOCK slot is
// appended, unless the area's remaining capacity is smaller than one
// slot, in which case hasRoom is false and nothing is appended (a
// signal to the caller, not an error).
func (a *Area) AppendDecacheHint(oid types.OID) (promoted bool, hasRoom bool) {
	if idx, ok := a.index[oid]; ok {
		a.slots[idx].Operation = OpFetchDecacheLock
		return true, true
	}
	if a.usedBytes()+OneObjSlotSize > a.Budget {
		return false, false
	}
	s := &Slot{OID: oid, Operation: OpFetchDecacheLock}
	a.slots = append(a.slots, s)
	a.index[oid] = len(a.slots) - 1
	return false, true
}

// NumObjs is the current slot count.
func (a *Area) NumObjs() int {
	return len(a.slots)
}

// Slots exposes the slot list in its current order, read-only by
// convention (callers should use MoveToFront to reorder).
func (a *Area) Slots() []*Slot {
	return a.slots
}

// MoveToFront implements the fetch ordering guarantee: when both the
// class and the instance fit, the class slot must precede the instance
// slot even though the instance was produced first. It moves the slot
// at index to the front of the slot array and fixes up the index map.
func (a *Area) MoveToFront(index int) {
	if index <= 0 || index >= len(a.slots) {
		return
	}
	s := a.slots[index]
	copy(a.slots[1:index+1], a.slots[0:index])
	a.slots[0] = s
	for i, sl := range a.slots {
		a.index[sl.OID] = i
	}
}

// Finalize packs the area into its wire form: MANYOBJS header, ONEOBJ
// slots growing down from the top, record payloads packed
// contiguously and referenced by (Length, Offset) from the end of the
// slot array.
func (a *Area) Finalize() []byte {
	slotsEnd := ManyObjsHeaderSize + len(a.slots)*OneObjSlotSize
	dataLen := 0
	for _, s := range a.slots {
		dataLen += pagecodec.AlignUp(len(s.Record))
	}
	out := make([]byte, slotsEnd+dataLen)

	binary.BigEndian.PutUint32(out[0:], uint32(len(a.slots)))
	writeOID(out[4:], a.ClassOID)
	if a.StartMultiUpdate {
		out[20] = 1
	}
	if a.EndMultiUpdate {
		out[21] = 1
	}

	dataOff := slotsEnd
	for i, s := range a.slots {
		slotOff := ManyObjsHeaderSize + i*OneObjSlotSize
		writeOID(out[slotOff:], s.OID)
		if s.HasIndex {
			out[slotOff+8] = 1
		}
		binary.BigEndian.PutUint16(out[slotOff+10:], uint16(s.HFID.Volume))
		binary.BigEndian.PutUint32(out[slotOff+12:], uint32(s.HFID.FileID))
		binary.BigEndian.PutUint32(out[slotOff+20:], uint32(len(s.Record)))
		binary.BigEndian.PutUint32(out[slotOff+24:], uint32(dataOff))
		binary.BigEndian.PutUint32(out[slotOff+28:], uint32(s.Operation))

		copy(out[dataOff:], s.Record)
		dataOff += pagecodec.AlignUp(len(s.Record))
	}
	return out
}

func writeOID(buf []byte, oid types.OID) {
	binary.BigEndian.PutUint16(buf[0:], uint16(oid.Volume))
	binary.BigEndian.PutUint32(buf[2:], uint32(oid.Page))
	binary.BigEndian.PutUint16(buf[6:], uint16(oid.Slot))
}

// GrowBudget implements the reallocation rule of the sizing discipline:
// the next budget is the larger of the failed attempt's required bytes
// and the previous budget plus one page.
func GrowBudget(currentBudget, requiredBytes, pageSize int) int {
	grown := currentBudget + pageSize
	if requiredBytes > grown {
		return requiredBytes
	}
	return grown
}
