// Package locator implements C4 (the fetch engine) and C5 (the force
// engine): the two components that sit directly behind the wire
// surface, pulling objects into copy areas and applying client-issued
// flush batches (spec §4.4, §4.5).
//
// Locator wires together every external collaborator this repo
// provides a concrete implementation for (pkg/heap, pkg/catalogsvc,
// pkg/catalog, pkg/lockmgr, pkg/index) the way the teacher's
// pkg/manager wires storage, the FSM, and raft together. Locator itself
// satisfies pkg/index's CascadeForcer interface, closing the loop C6
// needs to delegate cascading row operations back into C5 without an
// import cycle between the two packages.
package locator

import (
	"context"
	"encoding/binary"
	"encoding/json"

	"github.com/cuemby/locus/pkg/catalog"
	"github.com/cuemby/locus/pkg/catalogsvc"
	"github.com/cuemby/locus/pkg/copyarea"
	"github.com/cuemby/locus/pkg/heap"
	"github.com/cuemby/locus/pkg/index"
	"github.com/cuemby/locus/pkg/lockmgr"
	"github.com/cuemby/locus/pkg/locuserr"
	"github.com/cuemby/locus/pkg/types"
)

// Locator is the fetch/force engine.
type Locator struct {
	Heap    *heap.Heap
	Catalog *catalogsvc.Catalog
	Names   *catalog.Manager
	Locks   *lockmgr.Manager
	Index   *index.Maintainer

	// RootHFID is the heap file class objects themselves live in (the
	// "rootclass" heap, spec §3's "root OID constant identifies the
	// meta-class whose instances are user classes").
	RootHFID types.HFID
}

// New wires a locator over its collaborators, registering it as idx's
// cascade callback.
func New(h *heap.Heap, cat *catalogsvc.Catalog, names *catalog.Manager, locks *lockmgr.Manager, idx *index.Maintainer, rootHFID types.HFID) *Locator {
	l := &Locator{Heap: h, Catalog: cat, Names: names, Locks: locks, Index: idx, RootHFID: rootHFID}
	idx.SetCascader(l)
	return l
}

// ClassPayload is the attribute view of a class-definition record: a
// FLUSH_INSERT/UPDATE/DELETE slot whose embedded class OID is
// types.RootOID carries one of these as its payload.
type ClassPayload struct {
	Name   string
	Schema []byte
}

// encodeRecord prefixes payload with its record's class OID, the
// "record header" §4.5 reads the class OID from.
func encodeRecord(classOID types.OID, payload []byte) []byte {
	buf := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint16(buf[0:], uint16(classOID.Volume))
	binary.BigEndian.PutUint32(buf[2:], uint32(classOID.Page))
	binary.BigEndian.PutUint16(buf[6:], uint16(classOID.Slot))
	copy(buf[8:], payload)
	return buf
}

func decodeRecord(data []byte) (types.OID, []byte) {
	oid := types.OID{
		Volume: int16(binary.BigEndian.Uint16(data[0:])),
		Page:   int32(binary.BigEndian.Uint32(data[2:])),
		Slot:   int16(binary.BigEndian.Uint16(data[6:])),
	}
	return oid, data[8:]
}

func appendWithGrow(area *copyarea.Area, pageSize int, oid types.OID, hasIndex bool, hfid types.HFID, op copyarea.Operation, data []byte) error {
	for {
		_, err := area.Append(oid, hasIndex, hfid, op, data)
		if err == nil {
			return nil
		}
		req := locuserr.RequiredBytes(err)
		if req <= 0 {
			return err
		}
		area.Budget = copyarea.GrowBudget(area.Budget, req, pageSize)
	}
}

// downgradeForInstance implements spec §4.4 step 1: once a target is
// known to be an instance (not a class), intention lock modes are
// downgraded to concrete ones so an instance is never assigned an
// intention lock.
func downgradeForInstance(mode lockmgr.Mode, serializable bool) lockmgr.Mode {
	switch mode {
	case lockmgr.ModeIS:
		if serializable {
			return lockmgr.ModeS
		}
		return lockmgr.ModeNS
	case lockmgr.ModeIX, lockmgr.ModeSIX:
		return lockmgr.ModeX
	default:
		return mode
	}
}

func (l *Locator) hasIndexes(classOID types.OID) bool {
	info, err := l.Catalog.GetClassInfo(classOID)
	return err == nil && len(info.Indexes) > 0
}

func (l *Locator) hfidFor(classOID types.OID) types.HFID {
	info, err := l.Catalog.GetClassInfo(classOID)
	if err != nil {
		return types.HFID{}
	}
	return info.HFID
}

// Fetch implements C4's single-object fetch (spec §4.4). It returns a
// nil area (no error) exactly when classOID was supplied and both the
// instance and its class are already current at the client (invariant
// 7, §8); with a nil classOID it always returns an area.
func (l *Locator) Fetch(ctx context.Context, tran types.TranIndex, oid types.OID, chn int32, classOID *types.OID, classCHN int32, lock lockmgr.Mode, prefetch bool, serializable bool, pageSize int, neighbors []types.OID) (*copyarea.Area, error) {
	classUnknown := classOID == nil
	var resolvedClass types.OID
	if classOID != nil {
		resolvedClass = *classOID
	} else {
		c, err := l.Heap.GetClassOID(oid)
		if err != nil {
			return nil, err
		}
		resolvedClass = c
	}

	effLock := lock
	if resolvedClass != types.RootOID {
		effLock = downgradeForInstance(lock, serializable)
	}

	res, err := l.Locks.LockObject(ctx, oid, resolvedClass, tran, effLock, true)
	if err != nil {
		return nil, err
	}
	if res != lockmgr.Granted {
		return nil, locuserr.New(locuserr.CodeLockDenied, oid)
	}

	instanceRec, instanceUnchanged, err := l.Heap.Get(oid, chn)
	if err != nil {
		l.Locks.UnlockObject(oid, resolvedClass, tran, effLock, false)
		return nil, err
	}

	classCurrent := false
	if !classUnknown {
		_, classCurrent, err = l.Heap.Get(resolvedClass, classCHN)
		if err != nil {
			l.Locks.UnlockObject(oid, resolvedClass, tran, effLock, false)
			return nil, err
		}
	}

	if !classUnknown && instanceUnchanged && classCurrent {
		l.Locks.UnlockObject(oid, resolvedClass, tran, effLock, false)
		return nil, nil
	}

	area := copyarea.NewArea(pageSize)
	area.ClassOID = resolvedClass

	if !instanceUnchanged {
		data := encodeRecord(instanceRec.ClassOID, instanceRec.Data)
		if err := appendWithGrow(area, pageSize, oid, l.hasIndexes(resolvedClass), l.hfidFor(resolvedClass), copyarea.OpFetch, data); err != nil {
			l.Locks.UnlockObject(oid, resolvedClass, tran, effLock, false)
			return nil, err
		}
	}

	if classUnknown {
		classRec, _, err := l.Heap.Get(resolvedClass, -1)
		if err != nil {
			l.Locks.UnlockObject(oid, resolvedClass, tran, effLock, false)
			return nil, err
		}
		data := encodeRecord(types.RootOID, classRec.Data)
		if err := appendWithGrow(area, pageSize, resolvedClass, false, l.RootHFID, copyarea.OpFetch, data); err != nil {
			l.Locks.UnlockObject(oid, resolvedClass, tran, effLock, false)
			return nil, err
		}
		area.MoveToFront(area.NumObjs() - 1)
	}

	l.Locks.NotifyIsolationIncons(tran, func(ctx context.Context, decacheOID types.OID) {
		area.AppendDecacheHint(decacheOID)
	})
	l.Locks.FireInconsistencyNotification(ctx, tran, oid)

	if prefetch {
		for _, n := range neighbors {
			rec, _, err := l.Heap.Get(n, -1)
			if err != nil {
				continue
			}
			data := encodeRecord(rec.ClassOID, rec.Data)
			if _, err := area.Append(n, l.hasIndexes(rec.ClassOID), l.hfidFor(rec.ClassOID), copyarea.OpFetch, data); err != nil {
				break
			}
		}
	}

	l.Locks.UnlockObject(oid, resolvedClass, tran, effLock, false)
	return area, nil
}

// FetchAll implements C4's paginated full-class scan. sc must already
// be positioned (heap.StartScanHFID); the caller owns its lifecycle
// across calls. done is true once sc is exhausted, matching the
// "scan ended" boundary behavior (§8): an immediately-exhausted scan
// returns an area with NumObjs()==0.
func (l *Locator) FetchAll(sc *heap.ScanCache, hfid types.HFID, classOID types.OID, maxObjs int, pageSize int) (*copyarea.Area, bool, error) {
	area := copyarea.NewArea(pageSize)
	area.ClassOID = classOID
	hasIndex := l.hasIndexes(classOID)
	for count := 0; count < maxObjs; count++ {
		oid, ok := sc.Next()
		if !ok {
			return area, true, nil
		}
		rec, _, err := l.Heap.Get(oid, -1)
		if err != nil {
			return nil, false, err
		}
		data := encodeRecord(rec.ClassOID, rec.Data)
		if err := appendWithGrow(area, pageSize, oid, hasIndex, hfid, copyarea.OpFetch, data); err != nil {
			return nil, false, err
		}
	}
	return area, false, nil
}

// LocksetEntry is one resolved or to-be-resolved object in a lockset
// passed to FetchLockset.
type LocksetEntry struct {
	OID  types.OID
	CHN  int32
	Mode lockmgr.Mode
}

// FetchLockset implements C4's multi-object fetch (spec §4.4):
// missing class OIDs are resolved first, locks are acquired in one
// batch, then classes are serialized before instances.
func (l *Locator) FetchLockset(ctx context.Context, tran types.TranIndex, entries []LocksetEntry, quitOnErrors bool, pageSize int) (*copyarea.Area, []types.OID, error) {
	type resolved struct {
		entry    LocksetEntry
		classOID types.OID
	}
	var entries2 []resolved
	var failed []types.OID
	for _, e := range entries {
		classOID, err := l.Heap.GetClassOID(e.OID)
		if err != nil {
			if quitOnErrors {
				return nil, nil, err
			}
			failed = append(failed, e.OID)
			continue
		}
		entries2 = append(entries2, resolved{e, classOID})
	}

	reqs := make([]lockmgr.ObjectLockRequest, len(entries2))
	for i, r := range entries2 {
		reqs[i] = lockmgr.ObjectLockRequest{OID: r.entry.OID, ClassOID: r.classOID, Mode: r.entry.Mode}
	}
	failedLocks, err := l.Locks.LockObjectsLockSet(ctx, tran, reqs, quitOnErrors)
	if err != nil {
		return nil, nil, err
	}
	failedSet := make(map[types.OID]bool, len(failedLocks))
	for _, f := range failedLocks {
		failedSet[f] = true
	}
	failed = append(failed, failedLocks...)

	var classGroup, instGroup []resolved
	for _, r := range entries2 {
		if failedSet[r.entry.OID] {
			continue
		}
		if r.classOID == types.RootOID {
			classGroup = append(classGroup, r)
		} else {
			instGroup = append(instGroup, r)
		}
	}

	area := copyarea.NewArea(pageSize)
	for _, group := range [][]resolved{classGroup, instGroup} {
		for _, r := range group {
			rec, unchanged, err := l.Heap.Get(r.entry.OID, r.entry.CHN)
			if err != nil {
				return nil, nil, err
			}
			if unchanged {
				continue
			}
			data := encodeRecord(rec.ClassOID, rec.Data)
			hfid := l.RootHFID
			if r.classOID != types.RootOID {
				hfid = l.hfidFor(r.classOID)
			}
			if err := appendWithGrow(area, pageSize, r.entry.OID, l.hasIndexes(r.classOID), hfid, copyarea.OpFetch, data); err != nil {
				return nil, nil, err
			}
		}
	}
	return area, failed, nil
}

// FetchAllReferences computes the transitive-reference graph from
// rootOID up to pruneLevel edges (<=0 = unlimited), per spec §4.4's
// depth-bounded DFS with re-push-on-improvement pruning (§9's cyclic
// object graph note). refExtractor returns the OIDs a record
// references; this package has no schema layer of its own to derive
// that from the raw payload, so the caller supplies it.
func (l *Locator) FetchAllReferences(rootOID types.OID, pruneLevel int, refExtractor func(types.OID, []byte) []types.OID) ([]types.OID, error) {
	type frame struct {
		oid   types.OID
		level int
	}
	visited := make(map[types.OID]int)
	var order []types.OID
	stack := []frame{{rootOID, 0}}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if prevLevel, ok := visited[top.oid]; ok && prevLevel <= top.level {
			continue
		}
		visited[top.oid] = top.level
		order = append(order, top.oid)
		if pruneLevel > 0 && top.level >= pruneLevel {
			continue
		}
		rec, _, err := l.Heap.Get(top.oid, -1)
		if err != nil {
			continue
		}
		for _, ref := range refExtractor(top.oid, rec.Data) {
			stack = append(stack, frame{ref, top.level + 1})
		}
	}
	return order, nil
}

// Force implements C5: applies a batch of insert/update/delete slots
// as one atomic nested top-level operation (spec §4.5). Any per-slot
// failure aborts the whole batch; completed FLUSH_INSERT slots are
// unwound (heap row, index entries and tot_objects counter, in reverse
// order) via an in-memory undo stack, the same LIFO-undo discipline
// pkg/catalog uses for savepoint rollback. tran identifies the batch to
// pkg/catalog and pkg/lockmgr, both of which key their contention and
// undo state per transaction; the caller is responsible for handing
// out a tran value unique to this batch (cluster's FSM derives one
// from the raft log index). The returned slice has one entry per
// slot, in slot order: the freshly-assigned OID for FLUSH_INSERT
// slots (the client has no other way to learn it), and the slot's own
// OID for FLUSH_UPDATE/FLUSH_DELETE slots.
func (l *Locator) Force(ctx context.Context, tran types.TranIndex, area *copyarea.Area) ([]types.OID, error) {
	sp := l.Names.OnSavepoint(tran)

	var undo []func() error
	abort := func(cause error) ([]types.OID, error) {
		for i := len(undo) - 1; i >= 0; i-- {
			_ = undo[i]()
		}
		_ = l.Names.OnRollback(tran, sp)
		return nil, cause
	}

	oids := make([]types.OID, len(area.Slots()))
	for i, slot := range area.Slots() {
		var err error
		switch slot.Operation {
		case copyarea.OpFlushInsert:
			oids[i], err = l.forceInsert(ctx, tran, slot, &undo)
		case copyarea.OpFlushUpdate:
			oids[i] = slot.OID
			err = l.forceUpdate(ctx, tran, slot, &undo)
		case copyarea.OpFlushDelete:
			oids[i] = slot.OID
			err = l.forceDelete(ctx, tran, slot, &undo)
		default:
			err = locuserr.New(locuserr.CodeBadForceOperation, slot.Operation)
		}
		if err != nil {
			return abort(err)
		}
	}
	l.Names.OnCommit(tran)
	return oids, nil
}

func (l *Locator) forceInsert(ctx context.Context, tran types.TranIndex, slot *copyarea.Slot, undo *[]func() error) (types.OID, error) {
	classOID, payload := decodeRecord(slot.Record)

	if classOID == types.RootOID {
		var cp ClassPayload
		if err := json.Unmarshal(payload, &cp); err != nil {
			return types.NullOID, err
		}
		oid, err := l.Heap.InsertClass(l.RootHFID, cp.Name, cp.Schema)
		if err != nil {
			return types.NullOID, err
		}
		if err := l.Names.Reserve(ctx, tran, cp.Name, oid); err != nil {
			_ = l.Heap.Delete(oid)
			return types.NullOID, err
		}
		if err := l.Names.AssignPermanentOID(tran, cp.Name, oid); err != nil {
			_ = l.Heap.Delete(oid)
			return types.NullOID, err
		}
		if err := l.Catalog.Insert(catalogsvc.ClassInfo{ClassOID: oid, ClassName: cp.Name, HFID: slot.HFID}); err != nil {
			return types.NullOID, err
		}
		*undo = append(*undo, func() error {
			_ = l.Catalog.Delete(oid)
			return l.Heap.Delete(oid)
		})
		return oid, nil
	}

	info, err := l.Catalog.GetClassInfo(classOID)
	if err != nil {
		return types.NullOID, err
	}
	var row index.Row
	if err := json.Unmarshal(payload, &row); err != nil {
		return types.NullOID, err
	}
	if len(info.ForeignKeys) > 0 {
		row, err = l.Index.CheckForeignKeyPresence(classOID, row)
		if err != nil {
			return types.NullOID, err
		}
		if payload, err = json.Marshal(row); err != nil {
			return types.NullOID, err
		}
	}

	oid, err := l.Heap.Insert(info.HFID, classOID, payload)
	if err != nil {
		return types.NullOID, err
	}
	*undo = append(*undo, func() error { return l.Heap.Delete(oid) })

	if len(info.Indexes) > 0 {
		if err := l.Index.AddOrRemoveIndex(classOID, oid, row, true); err != nil {
			return types.NullOID, err
		}
		*undo = append(*undo, func() error { return l.Index.AddOrRemoveIndex(classOID, oid, row, false) })
	}
	if err := l.Catalog.AdjustTotObjects(classOID, 1); err != nil {
		return types.NullOID, err
	}
	*undo = append(*undo, func() error { return l.Catalog.AdjustTotObjects(classOID, -1) })
	return oid, nil
}

func (l *Locator) forceUpdate(ctx context.Context, tran types.TranIndex, slot *copyarea.Slot, undo *[]func() error) error {
	classOID, payload := decodeRecord(slot.Record)
	oid := slot.OID

	if classOID == types.RootOID {
		var cp ClassPayload
		if err := json.Unmarshal(payload, &cp); err != nil {
			return err
		}
		canonical, err := l.Heap.GetClassNameAllocIfDiff(oid, cp.Name)
		if err != nil {
			return err
		}
		if canonical != "" {
			if err := l.Names.Rename(ctx, tran, canonical, cp.Name); err != nil {
				return err
			}
		}
		if err := l.Heap.RenameClass(oid, cp.Name); err != nil {
			return err
		}
		return l.Catalog.UpdateClassInfo(oid, func(ci *catalogsvc.ClassInfo) {
			ci.ClassName = cp.Name
		})
	}

	info, err := l.Catalog.GetClassInfo(classOID)
	if err != nil {
		return err
	}
	old, _, err := l.Heap.Get(oid, -1)
	if err != nil {
		return err
	}
	var oldRow, newRow index.Row
	if err := json.Unmarshal(old.Data, &oldRow); err != nil {
		return err
	}
	if err := json.Unmarshal(payload, &newRow); err != nil {
		return err
	}
	if len(info.Indexes) > 0 {
		if err := l.Index.UpdateIndex(classOID, oid, oldRow, newRow, nil); err != nil {
			return err
		}
	}
	wasNew, err := l.Heap.Update(oid, classOID, payload)
	if err != nil {
		return err
	}
	if wasNew && len(info.Indexes) > 0 {
		return l.Index.AddOrRemoveIndex(classOID, oid, newRow, true)
	}
	return nil
}

func (l *Locator) forceDelete(ctx context.Context, tran types.TranIndex, slot *copyarea.Slot, undo *[]func() error) error {
	oid := slot.OID
	rec, _, err := l.Heap.Get(oid, -1)
	if err != nil {
		return err
	}

	if rec.ClassOID == types.RootOID {
		if err := l.Names.Delete(ctx, tran, rec.ClassName); err != nil {
			return err
		}
		if err := l.Catalog.Delete(oid); err != nil {
			return err
		}
		return l.Heap.Delete(oid)
	}

	info, err := l.Catalog.GetClassInfo(rec.ClassOID)
	if err != nil {
		return err
	}
	var row index.Row
	if err := json.Unmarshal(rec.Data, &row); err != nil {
		return err
	}
	if len(info.Indexes) > 0 {
		if err := l.Index.AddOrRemoveIndex(rec.ClassOID, oid, row, false); err != nil {
			return err
		}
	}
	if err := l.Catalog.AdjustTotObjects(rec.ClassOID, -1); err != nil {
		return err
	}
	return l.Heap.Delete(oid)
}

// CascadeDelete implements index.CascadeForcer, delegating a
// cascade-delete row operation back into the force engine (spec
// §4.6's "delegate deletion back to force_engine.delete").
func (l *Locator) CascadeDelete(oid, classOID types.OID) error {
	rec, _, err := l.Heap.Get(oid, -1)
	if err != nil {
		return err
	}
	var row index.Row
	if err := json.Unmarshal(rec.Data, &row); err != nil {
		return err
	}
	info, err := l.Catalog.GetClassInfo(classOID)
	if err != nil {
		return err
	}
	if len(info.Indexes) > 0 {
		if err := l.Index.AddOrRemoveIndex(classOID, oid, row, false); err != nil {
			return err
		}
	}
	if err := l.Catalog.AdjustTotObjects(classOID, -1); err != nil {
		return err
	}
	return l.Heap.Delete(oid)
}

// CascadeSetNull implements index.CascadeForcer for ON DELETE/UPDATE
// SET NULL.
func (l *Locator) CascadeSetNull(oid, classOID types.OID, attrs []int) error {
	rec, _, err := l.Heap.Get(oid, -1)
	if err != nil {
		return err
	}
	var row index.Row
	if err := json.Unmarshal(rec.Data, &row); err != nil {
		return err
	}
	oldRow := append(index.Row(nil), row...)
	for _, a := range attrs {
		if a >= 0 && a < len(row) {
			row[a] = nil
		}
	}
	payload, err := json.Marshal(row)
	if err != nil {
		return err
	}
	info, err := l.Catalog.GetClassInfo(classOID)
	if err != nil {
		return err
	}
	if len(info.Indexes) > 0 {
		if err := l.Index.UpdateIndex(classOID, oid, oldRow, row, attrs); err != nil {
			return err
		}
	}
	_, err = l.Heap.Update(oid, classOID, payload)
	return err
}

// CascadeRepairCache implements index.CascadeForcer for object-cache
// repair: rewriting a referencing row's cached PK-pointer attribute.
func (l *Locator) CascadeRepairCache(oid, classOID types.OID, cacheAttr int, newPK types.OID) error {
	rec, _, err := l.Heap.Get(oid, -1)
	if err != nil {
		return err
	}
	var row index.Row
	if err := json.Unmarshal(rec.Data, &row); err != nil {
		return err
	}
	if cacheAttr >= 0 && cacheAttr < len(row) {
		row[cacheAttr] = newPK.String()
	}
	payload, err := json.Marshal(row)
	if err != nil {
		return err
	}
	_, err = l.Heap.Update(oid, classOID, payload)
	return err
}
