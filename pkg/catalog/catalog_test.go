package catalog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/cuemby/locus/pkg/ehash"
	"github.com/cuemby/locus/pkg/lockmgr"
	"github.com/cuemby/locus/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tran1 types.TranIndex = 1
const tran2 types.TranIndex = 2

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	store, err := ehash.Open(filepath.Join(dir, "ehash.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store, lockmgr.New())
}

func TestReserveThenAssignBecomesActive(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	oid := types.OID{Page: 1}
	require.NoError(t, m.Reserve(ctx, tran1, "db_person", oid))

	_, res, err := m.Find(ctx, tran1, "db_person")
	require.NoError(t, err)
	assert.Equal(t, Reserved, res)

	require.NoError(t, m.AssignPermanentOID(tran1, "db_person", oid))

	got, res, err := m.Find(ctx, tran1, "db_person")
	require.NoError(t, err)
	assert.Equal(t, Active, res)
	assert.Equal(t, oid, got)
}

func TestReserveDuplicateNameFails(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.Reserve(ctx, tran1, "db_person", types.OID{Page: 1}))
	err := m.Reserve(ctx, tran1, "db_person", types.OID{Page: 2})
	assert.Error(t, err)
}

func TestFindUnknownNameIsMiss(t *testing.T) {
	m := newTestManager(t)
	_, res, err := m.Find(context.Background(), tran1, "nope")
	require.NoError(t, err)
	assert.Equal(t, Miss, res)
}

// S1: reserve then roll back to a pre-reservation savepoint undoes the
// reservation entirely, freeing the name.
func TestReserveThenRollbackFreesName(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	sp := m.OnSavepoint(tran1)
	require.NoError(t, m.Reserve(ctx, tran1, "db_person", types.OID{Page: 1}))

	_, res, err := m.Find(ctx, tran1, "db_person")
	require.NoError(t, err)
	require.Equal(t, Reserved, res)

	require.NoError(t, m.OnRollback(tran1, sp))

	_, res, err = m.Find(ctx, tran1, "db_person")
	require.NoError(t, err)
	assert.Equal(t, Miss, res)

	// The name is free again for a fresh reservation.
	require.NoError(t, m.Reserve(ctx, tran1, "db_person", types.OID{Page: 1}))
}

// S2: a rename followed by partial rollback restores the original
// binding, not the renamed one.
func TestRenameThenRollbackRestoresOriginalName(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	oid := types.OID{Page: 7}
	require.NoError(t, m.Reserve(ctx, tran1, "db_person", oid))
	require.NoError(t, m.AssignPermanentOID(tran1, "db_person", oid))

	sp := m.OnSavepoint(tran1)
	require.NoError(t, m.Rename(ctx, tran1, "db_person", "db_customer"))

	got, res, err := m.Find(ctx, tran1, "db_customer")
	require.NoError(t, err)
	require.Equal(t, Active, res)
	require.Equal(t, oid, got)

	require.NoError(t, m.OnRollback(tran1, sp))

	_, res, err = m.Find(ctx, tran1, "db_customer")
	require.NoError(t, err)
	assert.Equal(t, Miss, res)
	got, res, err = m.Find(ctx, tran1, "db_person")
	require.NoError(t, err)
	assert.Equal(t, Active, res)
	assert.Equal(t, oid, got)
}

func TestRenameToExistingNameFails(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.Reserve(ctx, tran1, "a", types.OID{Page: 1}))
	require.NoError(t, m.AssignPermanentOID(tran1, "a", types.OID{Page: 1}))
	require.NoError(t, m.Reserve(ctx, tran1, "b", types.OID{Page: 2}))
	require.NoError(t, m.AssignPermanentOID(tran1, "b", types.OID{Page: 2}))

	err := m.Rename(ctx, tran1, "a", "b")
	assert.Error(t, err)
}

func TestDeleteThenRollbackRestoresBinding(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	oid := types.OID{Page: 3}
	require.NoError(t, m.Reserve(ctx, tran1, "db_person", oid))
	require.NoError(t, m.AssignPermanentOID(tran1, "db_person", oid))

	sp := m.OnSavepoint(tran1)
	require.NoError(t, m.Delete(ctx, tran1, "db_person"))
	_, res, err := m.Find(ctx, tran1, "db_person")
	require.NoError(t, err)
	require.Equal(t, Miss, res)

	require.NoError(t, m.OnRollback(tran1, sp))
	got, res, err := m.Find(ctx, tran1, "db_person")
	require.NoError(t, err)
	assert.Equal(t, Active, res)
	assert.Equal(t, oid, got)
}

func TestOnCommitClearsActionHistory(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	sp := m.OnSavepoint(tran1)
	oid := types.OID{Page: 1}
	require.NoError(t, m.Reserve(ctx, tran1, "db_person", oid))
	m.OnCommit(tran1)

	// Savepoint token taken before commit no longer resolves.
	err := m.OnRollback(tran1, sp)
	assert.Error(t, err)

	// But the binding itself, being committed, survives.
	require.NoError(t, m.AssignPermanentOID(tran1, "db_person", oid))
	_, res, err := m.Find(ctx, tran1, "db_person")
	require.NoError(t, err)
	assert.Equal(t, Active, res)
}

func TestFindPromotesDurableHitIntoTransientCache(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	oid := types.OID{Page: 5}
	require.NoError(t, m.durable.Insert("db_person", oid))

	got, res, err := m.Find(ctx, tran1, "db_person")
	require.NoError(t, err)
	require.Equal(t, Active, res)
	assert.Equal(t, oid, got)

	e, ok := m.cacheGet("db_person")
	require.True(t, ok)
	assert.True(t, e.permanent)
}

func TestEvictionKeepsTransientCacheNearSoftCap(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	for i := 0; i < transientSoftCap+50; i++ {
		name := "cls" + string(rune('A'+i%26)) + string(rune(i))
		oid := types.OID{Page: int32(i)}
		require.NoError(t, m.Reserve(ctx, tran1, name, oid))
		require.NoError(t, m.AssignPermanentOID(tran1, name, oid))
		m.OnCommit(tran1)
	}
	assert.LessOrEqual(t, len(m.transient), transientSoftCap+50)
}

// Two distinct transactions: T2's Find on a name T1 has reserved blocks
// until T1 rolls back, then resolves to Miss (spec scenario S1).
func TestFindBlocksOnOtherTransactionThenUnblocksOnRollback(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	oid := types.OID{Page: 9}
	require.NoError(t, m.Reserve(ctx, tran1, "foo", oid))

	done := make(chan Result, 1)
	go func() {
		_, res, err := m.Find(ctx, tran2, "foo")
		require.NoError(t, err)
		done <- res
	}()

	require.NoError(t, m.OnRollback(tran1, FullRollback))

	assert.Equal(t, Miss, <-done)
}
