// Package index implements C6, the index maintainer and foreign-key
// enforcer: key derivation, add/remove/update of B+tree entries,
// foreign-key presence checks, referential-action enforcement
// (RESTRICT / NO ACTION / CASCADE / SET NULL), object-cache repair, and
// heap<->tree uniqueness-check scanning (spec §4.6).
//
// Rows are the attribute-value view force hands this package: an
// ordered slice of JSON-marshalable values, one per class attribute.
// This package never touches the heap directly except during
// uniqueness verification; insert/update/delete dispatch always comes
// from pkg/locator, which owns the heap and the class-OID lock.
package index

import (
	"bytes"
	"encoding/json"

	"github.com/cuemby/locus/pkg/catalogsvc"
	"github.com/cuemby/locus/pkg/heap"
	"github.com/cuemby/locus/pkg/locuserr"
	"github.com/cuemby/locus/pkg/pagefile"
	"github.com/cuemby/locus/pkg/types"
)

// Row is the ordered attribute-value view of one record.
type Row []any

// CascadeForcer is the callback surface C6 uses to delegate cascading
// row operations back into C5 (spec §4.6's "calls back into C5").
type CascadeForcer interface {
	CascadeDelete(oid, classOID types.OID) error
	CascadeSetNull(oid, classOID types.OID, attrs []int) error
	CascadeRepairCache(oid, classOID types.OID, cacheAttr int, newPK types.OID) error
}

// DeriveKey builds the B+tree key for attrs from row. A multi-column
// key with any null component is itself treated as null, per spec
// §4.6's "multi-column keys with any null component are treated as
// null for uniqueness purposes".
func DeriveKey(row Row, attrs []int) (key []byte, isNull bool) {
	values := make([]any, len(attrs))
	for i, a := range attrs {
		if a < 0 || a >= len(row) || row[a] == nil {
			isNull = true
		}
		if a >= 0 && a < len(row) {
			values[i] = row[a]
		}
	}
	data, err := json.Marshal(values)
	if err != nil {
		panic("index: key attribute not JSON-encodable: " + err.Error())
	}
	return data, isNull
}

// Maintainer is the index maintainer and FK enforcer.
type Maintainer struct {
	Trees   *pagefile.Store
	Heap    *heap.Heap
	Catalog *catalogsvc.Catalog
	Cascade CascadeForcer
}

// New creates a maintainer over trees and catalog. SetCascader must be
// called before any cascading FK enforcement runs (pkg/locator wires
// itself in after construction to break the import cycle between the
// force engine and the index maintainer).
func New(trees *pagefile.Store, h *heap.Heap, catalog *catalogsvc.Catalog) *Maintainer {
	return &Maintainer{Trees: trees, Heap: h, Catalog: catalog}
}

func (m *Maintainer) SetCascader(c CascadeForcer) {
	m.Cascade = c
}

// AddOrRemoveIndex updates every index on classOID for one instance
// mutation (insert or delete), skipping indexes that share a physical
// BTID with one already touched in this call (spec §4.6 step 3).
func (m *Maintainer) AddOrRemoveIndex(classOID, instOID types.OID, row Row, isInsert bool) error {
	info, err := m.Catalog.GetClassInfo(classOID)
	if err != nil {
		return err
	}
	touched := make(map[types.BTID]bool)
	for _, idx := range info.Indexes {
		if touched[idx.BTID] {
			continue
		}
		touched[idx.BTID] = true
		key, isNull := DeriveKey(row, idx.KeyAttrs)

		if isInsert {
			if err := m.Trees.Insert(idx.BTID, key, instOID, isNull); err != nil {
				return err
			}
			if refs := m.Catalog.FindForeignKeysReferencing(classOID); len(refs) > 0 {
				if err := m.repairObjectCache(classOID, instOID, row, idx, refs); err != nil {
					return err
				}
			}
		} else {
			if refs := m.Catalog.FindForeignKeysReferencing(classOID); len(refs) > 0 {
				if err := m.enforcePKDelete(classOID, row, idx, refs); err != nil {
					return err
				}
			}
			if err := m.Trees.Delete(idx.BTID, key, instOID, isNull); err != nil {
				return err
			}
		}
	}
	return nil
}

// UpdateIndex re-keys every index whose attribute set intersects
// affectedAttrs (or every index, if affectedAttrs is nil), skipping
// indexes whose derived key is unchanged (spec §4.6's `update_index`).
func (m *Maintainer) UpdateIndex(classOID, instOID types.OID, oldRow, newRow Row, affectedAttrs []int) error {
	info, err := m.Catalog.GetClassInfo(classOID)
	if err != nil {
		return err
	}
	for _, idx := range info.Indexes {
		if affectedAttrs != nil && !intersects(idx.KeyAttrs, affectedAttrs) {
			continue
		}
		oldKey, oldNull := DeriveKey(oldRow, idx.KeyAttrs)
		newKey, newNull := DeriveKey(newRow, idx.KeyAttrs)
		if bytes.Equal(oldKey, newKey) {
			continue
		}
		if err := m.Trees.Update(idx.BTID, oldKey, newKey, instOID, oldNull, newNull); err != nil {
			return err
		}
	}
	return nil
}

// CheckForeignKeyPresence probes every FK on classOID against row,
// rewriting cached FK-pointer attributes as needed. A null FK key is
// always allowed per SQL semantics; a non-null key that fails to probe
// its referenced PK index fails with CodeFKInvalid.
func (m *Maintainer) CheckForeignKeyPresence(classOID types.OID, row Row) (Row, error) {
	info, err := m.Catalog.GetClassInfo(classOID)
	if err != nil {
		return row, err
	}
	for _, fk := range info.ForeignKeys {
		key, isNull := DeriveKey(row, fk.KeyAttrs)
		if isNull {
			continue
		}
		pk, present, err := m.Trees.FindUnique(fk.RefBTID, key)
		if err != nil {
			return row, err
		}
		if !present {
			return row, locuserr.New(locuserr.CodeFKInvalid, fk.Name)
		}
		if fk.CacheAttr >= 0 && fk.CacheAttr < len(row) {
			row[fk.CacheAttr] = pk.String()
		}
	}
	return row, nil
}

// enforcePKDelete runs RESTRICT/NO ACTION/CASCADE/SET NULL for every FK
// referencing pkIndex, given the row being deleted (spec §4.6's
// PK-delete enforcement).
func (m *Maintainer) enforcePKDelete(pkClassOID types.OID, row Row, pkIndex catalogsvc.IndexInfo, refs []catalogsvc.ReferencingFK) error {
	key, isNull := DeriveKey(row, pkIndex.KeyAttrs)
	if isNull {
		return nil
	}
	for _, ref := range refs {
		switch ref.FK.DeleteRule {
		case "restrict", "no_action", "":
			present, err := m.Trees.FindForeignKey(ref.FK.BTID, key)
			if err != nil {
				return err
			}
			if present {
				return locuserr.New(locuserr.CodeFKRestrict, ref.FK.Name)
			}
		case "cascade":
			if err := m.cascadeRows(ref, key, func(oid types.OID) error {
				return m.Cascade.CascadeDelete(oid, ref.ClassOID)
			}); err != nil {
				return err
			}
		case "set_null":
			if err := m.cascadeRows(ref, key, func(oid types.OID) error {
				return m.Cascade.CascadeSetNull(oid, ref.ClassOID, ref.FK.KeyAttrs)
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// EnforcePKUpdate runs PK-update enforcement. It is symmetric with
// PK-delete except that CASCADE is an explicit open question (spec §9,
// Open Question 1): the body always refuses with CodeFKRestrict rather
// than inventing cascade-update semantics.
func (m *Maintainer) EnforcePKUpdate(pkClassOID types.OID, oldRow Row, pkIndex catalogsvc.IndexInfo) error {
	key, isNull := DeriveKey(oldRow, pkIndex.KeyAttrs)
	if isNull {
		return nil
	}
	refs := m.Catalog.FindForeignKeysReferencing(pkClassOID)
	for _, ref := range refs {
		switch ref.FK.UpdateRule {
		case "restrict", "no_action", "":
			present, err := m.Trees.FindForeignKey(ref.FK.BTID, key)
			if err != nil {
				return err
			}
			if present {
				return locuserr.New(locuserr.CodeFKRestrict, ref.FK.Name)
			}
		case "set_null":
			if err := m.cascadeRows(ref, key, func(oid types.OID) error {
				return m.Cascade.CascadeSetNull(oid, ref.ClassOID, ref.FK.KeyAttrs)
			}); err != nil {
				return err
			}
		case "cascade":
			return locuserr.New(locuserr.CodeFKRestrict, ref.FK.Name)
		}
	}
	return nil
}

// repairObjectCache rewrites the cache-attribute of every row across
// refs whose FK key matches the new PK's key, pointing it at instOID
// (spec §4.6's object-cache repair, run after a PK insert).
func (m *Maintainer) repairObjectCache(pkClassOID, instOID types.OID, row Row, pkIndex catalogsvc.IndexInfo, refs []catalogsvc.ReferencingFK) error {
	key, isNull := DeriveKey(row, pkIndex.KeyAttrs)
	if isNull {
		return nil
	}
	for _, ref := range refs {
		if ref.FK.CacheAttr < 0 {
			continue
		}
		if err := m.cascadeRows(ref, key, func(oid types.OID) error {
			return m.Cascade.CascadeRepairCache(oid, ref.ClassOID, ref.FK.CacheAttr, instOID)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (m *Maintainer) cascadeRows(ref catalogsvc.ReferencingFK, key []byte, apply func(types.OID) error) error {
	entries, err := m.Trees.RangeSearch(ref.FK.BTID, key, key, false)
	if err != nil {
		return err
	}
	for _, e := range entries {
		for _, oid := range e.OIDs {
			if err := apply(oid); err != nil {
				return err
			}
		}
	}
	return nil
}

func intersects(a, b []int) bool {
	set := make(map[int]bool, len(b))
	for _, v := range b {
		set[v] = true
	}
	for _, v := range a {
		if set[v] {
			return true
		}
	}
	return false
}

// VerifyReport is the outcome of a uniqueness-check scan.
type VerifyReport struct {
	HeapCount      int
	TreeOIDCount   int32
	TreeNullCount  int32
	TreeKeyCount   int32
	MissingInTree  []types.OID
	DanglingInTree []types.OID
	Consistent     bool
}

// VerifyUniqueness runs the heap->tree and tree->heap cross-checks
// spec §4.6 describes: every heap record's key must probe the tree,
// every tree leaf OID must reference a live heap record, and the
// tree's own root-header counters must satisfy the unique-statistics
// invariant. selfRepair inserts/deletes the offending entries in place
// of merely reporting them.
func (m *Maintainer) VerifyUniqueness(classOID types.OID, hfid types.HFID, idx catalogsvc.IndexInfo, selfRepair bool) (*VerifyReport, error) {
	report := &VerifyReport{}

	sc, err := m.Heap.StartScanHFID(hfid, classOID)
	if err != nil {
		return nil, err
	}
	defer sc.End()
	for {
		oid, ok := sc.Next()
		if !ok {
			break
		}
		report.HeapCount++
		rec, _, err := m.Heap.Get(oid, -1)
		if err != nil {
			return nil, err
		}
		var row Row
		if err := json.Unmarshal(rec.Data, &row); err != nil {
			return nil, err
		}
		key, isNull := DeriveKey(row, idx.KeyAttrs)
		if isNull {
			continue
		}
		_, present, err := m.Trees.FindUnique(idx.BTID, key)
		if err != nil {
			return nil, err
		}
		if !present {
			report.MissingInTree = append(report.MissingInTree, oid)
			if selfRepair {
				if err := m.Trees.Insert(idx.BTID, key, oid, false); err != nil {
					return nil, err
				}
			}
		}
	}

	entries, err := m.Trees.RangeSearch(idx.BTID, nil, nil, false)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		for _, oid := range e.OIDs {
			live, err := m.Heap.DoesExist(oid, &classOID)
			if err != nil {
				return nil, err
			}
			if !live {
				report.DanglingInTree = append(report.DanglingInTree, oid)
				if selfRepair {
					if err := m.Trees.Delete(idx.BTID, e.Key, oid, false); err != nil {
						return nil, err
					}
				}
			}
		}
	}

	hdr, err := m.Trees.GetRootHeader(idx.BTID)
	if err != nil {
		return nil, err
	}
	report.TreeOIDCount = hdr.NumOIDs
	report.TreeNullCount = hdr.NumNulls
	report.TreeKeyCount = hdr.NumKeys
	report.Consistent = hdr.NumOIDs == hdr.NumNulls+hdr.NumKeys &&
		len(report.MissingInTree) == 0 &&
		len(report.DanglingInTree) == 0
	return report, nil
}
