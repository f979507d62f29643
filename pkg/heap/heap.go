// Package heap implements the heap-file external collaborator the
// locator consumes for object storage, scans, and class-OID lookup
// (spec §1, §6). It is a minimal bbolt-backed implementation — real
// heap page allocation, free-space maps and record compaction are out
// of scope — with one bbolt store holding every heap file.
package heap

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/cuemby/locus/pkg/locuserr"
	"github.com/cuemby/locus/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var bucketObjects = []byte("heap_objects")

// Record is one heap-stored instance or class record. ClassName is
// populated only for records that are themselves classes (ClassOID ==
// types.RootOID) and backs GetClassNameAllocIfDiff.
type Record struct {
	ClassOID  types.OID
	CHN       int32
	ClassName string
	Data      []byte
}

type storedRecord struct {
	HFID      types.HFID
	ClassOID  types.OID
	CHN       int32
	ClassName string
	Data      []byte
}

// Heap is the bbolt-backed object store.
type Heap struct {
	db *bolt.DB

	mu      sync.Mutex
	nextSeq map[types.HFID]int32
}

// Open creates or opens a heap store at path.
func Open(path string) (*Heap, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("heap: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketObjects)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("heap: create bucket: %w", err)
	}
	return &Heap{db: db, nextSeq: make(map[types.HFID]int32)}, nil
}

func (h *Heap) Close() error {
	return h.db.Close()
}

func (h *Heap) allocateSlot(hfid types.HFID) int16 {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := h.nextSeq[hfid]
	if (types.OID{Volume: hfid.Volume, Page: hfid.FileID, Slot: int16(n)}) == types.RootOID {
		n++
	}
	h.nextSeq[hfid] = n + 1
	return int16(n)
}

// Insert stores a new record in hfid and returns its freshly assigned
// OID with CHN 0.
func (h *Heap) Insert(hfid types.HFID, classOID types.OID, data []byte) (types.OID, error) {
	oid := types.OID{Volume: hfid.Volume, Page: hfid.FileID, Slot: h.allocateSlot(hfid)}
	rec := storedRecord{HFID: hfid, ClassOID: classOID, CHN: 0, Data: data}
	if err := h.put(oid, rec); err != nil {
		return types.NullOID, err
	}
	return oid, nil
}

// InsertClass is like Insert but also records the class's canonical
// name, backing GetClassNameAllocIfDiff.
func (h *Heap) InsertClass(hfid types.HFID, className string, data []byte) (types.OID, error) {
	oid := types.OID{Volume: hfid.Volume, Page: hfid.FileID, Slot: h.allocateSlot(hfid)}
	rec := storedRecord{HFID: hfid, ClassOID: types.RootOID, CHN: 0, ClassName: className, Data: data}
	if err := h.put(oid, rec); err != nil {
		return types.NullOID, err
	}
	return oid, nil
}

func (h *Heap) put(oid types.OID, rec storedRecord) error {
	return h.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketObjects).Put([]byte(oid.String()), data)
	})
}

func (h *Heap) get(oid types.OID) (storedRecord, bool, error) {
	var rec storedRecord
	found := false
	err := h.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketObjects).Get([]byte(oid.String()))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	return rec, found, err
}

// Update overwrites oid's payload, bumping its CHN. wasNew reports
// whether oid had no prior record (the force engine reruns index
// maintenance as an insert in that case, per spec §4.5).
func (h *Heap) Update(oid types.OID, classOID types.OID, data []byte) (wasNew bool, err error) {
	existing, found, err := h.get(oid)
	if err != nil {
		return false, err
	}
	rec := storedRecord{ClassOID: classOID, Data: data}
	if found {
		rec.HFID = existing.HFID
		rec.CHN = existing.CHN + 1
		rec.ClassName = existing.ClassName
	} else {
		rec.CHN = 0
	}
	if err := h.put(oid, rec); err != nil {
		return false, err
	}
	return !found, nil
}

// Delete removes oid.
func (h *Heap) Delete(oid types.OID) error {
	return h.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketObjects).Delete([]byte(oid.String()))
	})
}

// Get fetches oid's record. If clientCHN equals the stored CHN, the
// record is considered current at the client and (nil, true, nil) is
// returned — callers use this to implement FETCH_VERIFY_CHN.
func (h *Heap) Get(oid types.OID, clientCHN int32) (*Record, bool, error) {
	rec, found, err := h.get(oid)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, locuserr.New(locuserr.CodeNotFound, oid)
	}
	if clientCHN >= 0 && rec.CHN == clientCHN {
		return nil, true, nil
	}
	return &Record{ClassOID: rec.ClassOID, CHN: rec.CHN, ClassName: rec.ClassName, Data: rec.Data}, false, nil
}

// GetClassOID returns the class OID recorded for oid.
func (h *Heap) GetClassOID(oid types.OID) (types.OID, error) {
	rec, found, err := h.get(oid)
	if err != nil {
		return types.NullOID, err
	}
	if !found {
		return types.NullOID, locuserr.New(locuserr.CodeNotFound, oid)
	}
	return rec.ClassOID, nil
}

// DoesExist reports whether oid is live, optionally constrained to
// classOID.
func (h *Heap) DoesExist(oid types.OID, classOID *types.OID) (bool, error) {
	rec, found, err := h.get(oid)
	if err != nil || !found {
		return false, err
	}
	if classOID != nil && rec.ClassOID != *classOID {
		return false, nil
	}
	return true, nil
}

// EstimateNumObjects returns the approximate object count of hfid, used
// by fetch_all to size its first scan.
func (h *Heap) EstimateNumObjects(hfid types.HFID) (int, error) {
	count := 0
	err := h.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketObjects).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec storedRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.HFID == hfid {
				count++
			}
			_ = k
		}
		return nil
	})
	return count, err
}

// GetClassNameAllocIfDiff compares candidate against classOID's stored
// canonical name; it returns the canonical name when they differ, or
// "" when they already agree (the force engine's rename-detection
// check, spec §4.5).
func (h *Heap) GetClassNameAllocIfDiff(classOID types.OID, candidate string) (string, error) {
	rec, found, err := h.get(classOID)
	if err != nil {
		return "", err
	}
	if !found {
		return "", locuserr.New(locuserr.CodeUnknownClass, classOID)
	}
	if rec.ClassName == candidate {
		return "", nil
	}
	return rec.ClassName, nil
}

// RenameClass overwrites classOID's stored canonical name without
// touching its Data or bumping CHN beyond the normal rename bookkeeping
// (the force engine calls this once the classname registry has already
// accepted the rename, spec §4.5).
func (h *Heap) RenameClass(classOID types.OID, newName string) error {
	rec, found, err := h.get(classOID)
	if err != nil {
		return err
	}
	if !found {
		return locuserr.New(locuserr.CodeUnknownClass, classOID)
	}
	rec.ClassName = newName
	rec.CHN++
	return h.put(classOID, rec)
}

// ScanCache is a scoped cursor over one heap file's objects, matching
// the start/quick_start/end/end_modify/start_modify lifecycle named in
// spec §6. Scan caches must be released on every exit path; callers
// should defer End()/EndModify().
type ScanCache struct {
	tx       *bolt.Tx
	hfid     types.HFID
	classOID types.OID
	oids     []types.OID
	pos      int
	writable bool
}

// StartScan opens a read-only scan over hfid restricted to classOID.
func (h *Heap) StartScan(hfid, classOID types.OID) (*ScanCache, error) {
	return h.startScan(types.HFID{Volume: hfid.Volume, FileID: hfid.Page}, classOID, false)
}

// StartScanHFID is StartScan taking an HFID directly.
func (h *Heap) StartScanHFID(hfid types.HFID, classOID types.OID) (*ScanCache, error) {
	return h.startScan(hfid, classOID, false)
}

// StartModifyScan opens a writable scan.
func (h *Heap) StartModifyScan(hfid types.HFID, classOID types.OID) (*ScanCache, error) {
	return h.startScan(hfid, classOID, true)
}

func (h *Heap) startScan(hfid types.HFID, classOID types.OID, writable bool) (*ScanCache, error) {
	tx, err := h.db.Begin(writable)
	if err != nil {
		return nil, err
	}
	sc := &ScanCache{tx: tx, hfid: hfid, classOID: classOID, writable: writable}
	c := tx.Bucket(bucketObjects).Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var rec storedRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			tx.Rollback()
			return nil, err
		}
		if rec.HFID == hfid && rec.ClassOID == classOID {
			oid, perr := parseOIDKey(string(k))
			if perr != nil {
				continue
			}
			sc.oids = append(sc.oids, oid)
		}
	}
	sort.Slice(sc.oids, func(i, j int) bool { return sc.oids[i].Compare(sc.oids[j]) < 0 })
	return sc, nil
}

// QuickStart rewinds the cursor without reopening the underlying
// transaction.
func (sc *ScanCache) QuickStart() {
	sc.pos = 0
}

// Next advances the cursor, returning ok=false once the heap file is
// exhausted.
func (sc *ScanCache) Next() (types.OID, bool) {
	if sc.pos >= len(sc.oids) {
		return types.NullOID, false
	}
	oid := sc.oids[sc.pos]
	sc.pos++
	return oid, true
}

// End releases a read-only scan cache.
func (sc *ScanCache) End() error {
	if sc.writable {
		return sc.tx.Rollback()
	}
	return sc.tx.Rollback()
}

// EndModify commits a writable scan cache's self-repair writes.
func (sc *ScanCache) EndModify() error {
	return sc.tx.Commit()
}

func parseOIDKey(s string) (types.OID, error) {
	var oid types.OID
	_, err := fmt.Sscanf(s, "%d|%d|%d", &oid.Volume, &oid.Page, &oid.Slot)
	return oid, err
}
