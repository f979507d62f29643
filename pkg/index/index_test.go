package index

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/cuemby/locus/pkg/catalogsvc"
	"github.com/cuemby/locus/pkg/heap"
	"github.com/cuemby/locus/pkg/pagefile"
	"github.com/cuemby/locus/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCascader struct {
	deleted   []types.OID
	setNull   []types.OID
	repaired  []types.OID
}

func (f *fakeCascader) CascadeDelete(oid, classOID types.OID) error {
	f.deleted = append(f.deleted, oid)
	return nil
}

func (f *fakeCascader) CascadeSetNull(oid, classOID types.OID, attrs []int) error {
	f.setNull = append(f.setNull, oid)
	return nil
}

func (f *fakeCascader) CascadeRepairCache(oid, classOID types.OID, cacheAttr int, newPK types.OID) error {
	f.repaired = append(f.repaired, oid)
	return nil
}

func newTestMaintainer(t *testing.T) (*Maintainer, *catalogsvc.Catalog, *fakeCascader) {
	t.Helper()
	dir := t.TempDir()
	trees, err := pagefile.Open(filepath.Join(dir, "trees.db"))
	require.NoError(t, err)
	t.Cleanup(func() { trees.Close() })
	h, err := heap.Open(filepath.Join(dir, "heap.db"))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })

	cat := catalogsvc.New()
	m := New(trees, h, cat)
	fc := &fakeCascader{}
	m.SetCascader(fc)
	return m, cat, fc
}

func TestDeriveKeySingleAttr(t *testing.T) {
	key, isNull := DeriveKey(Row{"alice", 30}, []int{0})
	assert.False(t, isNull)
	var decoded []any
	require.NoError(t, json.Unmarshal(key, &decoded))
	assert.Equal(t, []any{"alice"}, decoded)
}

func TestDeriveKeyMultiColumnNullIfAnyComponentNull(t *testing.T) {
	_, isNull := DeriveKey(Row{"alice", nil}, []int{0, 1})
	assert.True(t, isNull)
}

func TestAddOrRemoveIndexInsertThenFindUnique(t *testing.T) {
	m, cat, _ := newTestMaintainer(t)
	btid := types.BTID{FileID: 1}
	classOID := types.OID{Page: 1}
	require.NoError(t, m.Trees.CreateIndex(btid, true, false))
	require.NoError(t, cat.Insert(catalogsvc.ClassInfo{
		ClassOID: classOID,
		Indexes:  []catalogsvc.IndexInfo{{BTID: btid, IsUnique: true, KeyAttrs: []int{0}}},
	}))

	instOID := types.OID{Page: 10}
	require.NoError(t, m.AddOrRemoveIndex(classOID, instOID, Row{"k1"}, true))

	key, _ := DeriveKey(Row{"k1"}, []int{0})
	got, found, err := m.Trees.FindUnique(btid, key)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, instOID, got)
}

func TestAddOrRemoveIndexSkipsSharedBTIDTwice(t *testing.T) {
	m, cat, _ := newTestMaintainer(t)
	btid := types.BTID{FileID: 1}
	classOID := types.OID{Page: 1}
	require.NoError(t, m.Trees.CreateIndex(btid, false, false))
	require.NoError(t, cat.Insert(catalogsvc.ClassInfo{
		ClassOID: classOID,
		Indexes: []catalogsvc.IndexInfo{
			{BTID: btid, KeyAttrs: []int{0}},
			{BTID: btid, KeyAttrs: []int{0}},
		},
	}))

	instOID := types.OID{Page: 10}
	require.NoError(t, m.AddOrRemoveIndex(classOID, instOID, Row{"k1"}, true))

	key, _ := DeriveKey(Row{"k1"}, []int{0})
	hdr, err := m.Trees.GetRootHeader(btid)
	require.NoError(t, err)
	assert.Equal(t, int32(1), hdr.NumOIDs)
	_ = key
}

func TestUpdateIndexSkipsUnaffectedIndexes(t *testing.T) {
	m, cat, _ := newTestMaintainer(t)
	btidA := types.BTID{FileID: 1}
	btidB := types.BTID{FileID: 2}
	classOID := types.OID{Page: 1}
	require.NoError(t, m.Trees.CreateIndex(btidA, true, false))
	require.NoError(t, m.Trees.CreateIndex(btidB, true, false))
	require.NoError(t, cat.Insert(catalogsvc.ClassInfo{
		ClassOID: classOID,
		Indexes: []catalogsvc.IndexInfo{
			{BTID: btidA, KeyAttrs: []int{0}},
			{BTID: btidB, KeyAttrs: []int{1}},
		},
	}))
	instOID := types.OID{Page: 10}
	require.NoError(t, m.AddOrRemoveIndex(classOID, instOID, Row{"k1", "v1"}, true))

	require.NoError(t, m.UpdateIndex(classOID, instOID, Row{"k1", "v1"}, Row{"k1", "v2"}, []int{1}))

	_, found, err := m.Trees.FindUnique(btidA, mustKey(t, "k1"))
	require.NoError(t, err)
	assert.True(t, found, "unaffected index A should keep its old entry")

	_, found, err = m.Trees.FindUnique(btidB, mustKey(t, "v1"))
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = m.Trees.FindUnique(btidB, mustKey(t, "v2"))
	require.NoError(t, err)
	assert.True(t, found)
}

func mustKey(t *testing.T, v any) []byte {
	t.Helper()
	key, _ := DeriveKey(Row{v}, []int{0})
	return key
}

func TestCheckForeignKeyPresenceAllowsNullFK(t *testing.T) {
	m, cat, _ := newTestMaintainer(t)
	classOID := types.OID{Page: 1}
	require.NoError(t, cat.Insert(catalogsvc.ClassInfo{
		ClassOID:    classOID,
		ForeignKeys: []catalogsvc.ForeignKeyInfo{{Name: "fk", KeyAttrs: []int{0}, CacheAttr: -1}},
	}))

	_, err := m.CheckForeignKeyPresence(classOID, Row{nil})
	assert.NoError(t, err)
}

func TestCheckForeignKeyPresenceFailsWhenMissing(t *testing.T) {
	m, cat, _ := newTestMaintainer(t)
	classOID := types.OID{Page: 1}
	refBTID := types.BTID{FileID: 9}
	require.NoError(t, m.Trees.CreateIndex(refBTID, true, false))
	require.NoError(t, cat.Insert(catalogsvc.ClassInfo{
		ClassOID:    classOID,
		ForeignKeys: []catalogsvc.ForeignKeyInfo{{Name: "fk", KeyAttrs: []int{0}, RefBTID: refBTID, CacheAttr: -1}},
	}))

	_, err := m.CheckForeignKeyPresence(classOID, Row{"missing"})
	assert.Error(t, err)
}

func TestEnforcePKDeleteRestrictBlocksWhenReferenced(t *testing.T) {
	m, cat, _ := newTestMaintainer(t)
	pkClass := types.OID{Page: 1}
	fkClass := types.OID{Page: 2}
	pkBTID := types.BTID{FileID: 1}
	fkBTID := types.BTID{FileID: 2}
	require.NoError(t, m.Trees.CreateIndex(pkBTID, true, false))
	require.NoError(t, m.Trees.CreateIndex(fkBTID, false, false))
	require.NoError(t, cat.Insert(catalogsvc.ClassInfo{
		ClassOID: pkClass,
		Indexes:  []catalogsvc.IndexInfo{{BTID: pkBTID, IsUnique: true, KeyAttrs: []int{0}}},
	}))
	require.NoError(t, cat.Insert(catalogsvc.ClassInfo{
		ClassOID: fkClass,
		ForeignKeys: []catalogsvc.ForeignKeyInfo{
			{Name: "fk_pid", KeyAttrs: []int{1}, BTID: fkBTID, RefClassOID: pkClass, RefBTID: pkBTID, DeleteRule: "restrict", CacheAttr: -1},
		},
	}))

	require.NoError(t, m.AddOrRemoveIndex(pkClass, types.OID{Page: 100}, Row{1}, true))
	require.NoError(t, m.Trees.Insert(fkBTID, mustKey(t, 1), types.OID{Page: 200}, false))

	err := m.AddOrRemoveIndex(pkClass, types.OID{Page: 100}, Row{1}, false)
	assert.Error(t, err)
}

// S3: FK cascade delete.
func TestEnforcePKDeleteCascadeDelegatesToForcer(t *testing.T) {
	m, cat, fc := newTestMaintainer(t)
	pkClass := types.OID{Page: 1}
	fkClass := types.OID{Page: 2}
	pkBTID := types.BTID{FileID: 1}
	fkBTID := types.BTID{FileID: 2}
	require.NoError(t, m.Trees.CreateIndex(pkBTID, true, false))
	require.NoError(t, m.Trees.CreateIndex(fkBTID, false, false))
	require.NoError(t, cat.Insert(catalogsvc.ClassInfo{
		ClassOID: pkClass,
		Indexes:  []catalogsvc.IndexInfo{{BTID: pkBTID, IsUnique: true, KeyAttrs: []int{0}}},
	}))
	require.NoError(t, cat.Insert(catalogsvc.ClassInfo{
		ClassOID: fkClass,
		ForeignKeys: []catalogsvc.ForeignKeyInfo{
			{Name: "fk_pid", KeyAttrs: []int{1}, BTID: fkBTID, RefClassOID: pkClass, RefBTID: pkBTID, DeleteRule: "cascade", CacheAttr: -1},
		},
	}))

	require.NoError(t, m.AddOrRemoveIndex(pkClass, types.OID{Page: 100}, Row{1}, true))
	childOID := types.OID{Page: 200}
	require.NoError(t, m.Trees.Insert(fkBTID, mustKey(t, 1), childOID, false))

	require.NoError(t, m.AddOrRemoveIndex(pkClass, types.OID{Page: 100}, Row{1}, false))
	assert.Equal(t, []types.OID{childOID}, fc.deleted)
}

func TestEnforcePKUpdateCascadeAlwaysRefuses(t *testing.T) {
	m, cat, _ := newTestMaintainer(t)
	pkClass := types.OID{Page: 1}
	fkClass := types.OID{Page: 2}
	pkBTID := types.BTID{FileID: 1}
	require.NoError(t, m.Trees.CreateIndex(pkBTID, true, false))
	require.NoError(t, cat.Insert(catalogsvc.ClassInfo{
		ClassOID: pkClass,
		Indexes:  []catalogsvc.IndexInfo{{BTID: pkBTID, IsUnique: true, KeyAttrs: []int{0}}},
	}))
	require.NoError(t, cat.Insert(catalogsvc.ClassInfo{
		ClassOID: fkClass,
		ForeignKeys: []catalogsvc.ForeignKeyInfo{
			{Name: "fk_pid", KeyAttrs: []int{1}, RefClassOID: pkClass, UpdateRule: "cascade", CacheAttr: -1},
		},
	}))

	err := m.EnforcePKUpdate(pkClass, Row{1}, catalogsvc.IndexInfo{KeyAttrs: []int{0}})
	assert.Error(t, err)
}

func TestRepairObjectCacheRewritesReferencingRows(t *testing.T) {
	m, cat, fc := newTestMaintainer(t)
	pkClass := types.OID{Page: 1}
	fkClass := types.OID{Page: 2}
	pkBTID := types.BTID{FileID: 1}
	fkBTID := types.BTID{FileID: 2}
	require.NoError(t, m.Trees.CreateIndex(pkBTID, true, false))
	require.NoError(t, m.Trees.CreateIndex(fkBTID, false, false))
	require.NoError(t, cat.Insert(catalogsvc.ClassInfo{
		ClassOID: pkClass,
		Indexes:  []catalogsvc.IndexInfo{{BTID: pkBTID, IsUnique: true, KeyAttrs: []int{0}}},
	}))
	require.NoError(t, cat.Insert(catalogsvc.ClassInfo{
		ClassOID: fkClass,
		ForeignKeys: []catalogsvc.ForeignKeyInfo{
			{Name: "fk_pid", KeyAttrs: []int{1}, BTID: fkBTID, RefClassOID: pkClass, RefBTID: pkBTID, CacheAttr: 2},
		},
	}))
	childOID := types.OID{Page: 200}
	require.NoError(t, m.Trees.Insert(fkBTID, mustKey(t, 1), childOID, false))

	require.NoError(t, m.AddOrRemoveIndex(pkClass, types.OID{Page: 100}, Row{1}, true))
	assert.Equal(t, []types.OID{childOID}, fc.repaired)
}

func TestVerifyUniquenessReportsConsistentTree(t *testing.T) {
	m, cat, _ := newTestMaintainer(t)
	classOID := types.OID{Page: 1}
	btid := types.BTID{FileID: 1}
	hfid := types.HFID{FileID: 1}
	require.NoError(t, m.Trees.CreateIndex(btid, true, false))
	require.NoError(t, cat.Insert(catalogsvc.ClassInfo{
		ClassOID: classOID,
		Indexes:  []catalogsvc.IndexInfo{{BTID: btid, IsUnique: true, KeyAttrs: []int{0}}},
	}))

	row, err := json.Marshal(Row{"k1"})
	require.NoError(t, err)
	oid, err := m.Heap.Insert(hfid, classOID, row)
	require.NoError(t, err)
	require.NoError(t, m.Trees.Insert(btid, mustKey(t, "k1"), oid, false))

	report, err := m.VerifyUniqueness(classOID, hfid, catalogsvc.IndexInfo{BTID: btid, KeyAttrs: []int{0}}, false)
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.Equal(t, 1, report.HeapCount)
	assert.Empty(t, report.MissingInTree)
	assert.Empty(t, report.DanglingInTree)
}

func TestVerifyUniquenessDetectsDanglingTreeEntryAndSelfRepairs(t *testing.T) {
	m, cat, _ := newTestMaintainer(t)
	classOID := types.OID{Page: 1}
	btid := types.BTID{FileID: 1}
	hfid := types.HFID{FileID: 1}
	require.NoError(t, m.Trees.CreateIndex(btid, true, false))
	require.NoError(t, cat.Insert(catalogsvc.ClassInfo{
		ClassOID: classOID,
		Indexes:  []catalogsvc.IndexInfo{{BTID: btid, IsUnique: true, KeyAttrs: []int{0}}},
	}))

	ghostOID := types.OID{Page: 999}
	require.NoError(t, m.Trees.Insert(btid, mustKey(t, "ghost"), ghostOID, false))

	report, err := m.VerifyUniqueness(classOID, hfid, catalogsvc.IndexInfo{BTID: btid, KeyAttrs: []int{0}}, true)
	require.NoError(t, err)
	assert.False(t, report.Consistent)
	assert.Equal(t, []types.OID{ghostOID}, report.DanglingInTree)

	_, found, err := m.Trees.FindUnique(btid, mustKey(t, "ghost"))
	require.NoError(t, err)
	assert.False(t, found, "self-repair should have deleted the dangling entry")
}
