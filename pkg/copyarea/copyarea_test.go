package copyarea

import (
	"testing"

	"github.com/cuemby/locus/pkg/locuserr"
	"github.com/cuemby/locus/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPageSize = 4096

func oid(slot int16) types.OID {
	return types.OID{Volume: 1, Page: 10, Slot: slot}
}

func TestAppendWithinBudgetSucceeds(t *testing.T) {
	a := NewArea(testPageSize)
	idx, err := a.Append(oid(1), false, types.NullHFID, OpFetch, make([]byte, 64))
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
	assert.Equal(t, 1, a.NumObjs())
}

func TestAppendDoesntFitReturnsRequiredBytes(t *testing.T) {
	a := NewArea(32) // smaller than the header plus one slot
	_, err := a.Append(oid(1), false, types.NullHFID, OpFetch, make([]byte, 64))
	require.Error(t, err)
	assert.Greater(t, locuserr.RequiredBytes(err), 32)
}

// S5 — grow-and-retry: a record bigger than one page forces exactly one
// regrow before it fits, and the loop terminates.
func TestGrowAndRetryTerminates(t *testing.T) {
	recordLen := testPageSize * 2
	budget := testPageSize
	var area *Area
	attempts := 0
	for {
		attempts++
		require.Less(t, attempts, 5, "grow-and-retry loop should terminate quickly")
		area = NewArea(budget)
		_, err := area.Append(oid(1), false, types.NullHFID, OpFetch, make([]byte, recordLen))
		if err == nil {
			break
		}
		budget = GrowBudget(budget, locuserr.RequiredBytes(err), testPageSize)
	}
	assert.Equal(t, 1, area.NumObjs())
	assert.GreaterOrEqual(t, budget, recordLen)
}

// Copy area exactly one byte short triggers one grow-and-retry and
// then succeeds.
func TestOneByteShortTriggersOneRegrow(t *testing.T) {
	record := make([]byte, 100)
	area := NewArea(ManyObjsHeaderSize + OneObjSlotSize + 104 - 1) // one byte short: the 100-byte record pads to 104
	_, err := area.Append(oid(1), false, types.NullHFID, OpFetch, record)
	require.Error(t, err)
	required := locuserr.RequiredBytes(err)

	area2 := NewArea(required)
	_, err = area2.Append(oid(1), false, types.NullHFID, OpFetch, record)
	require.NoError(t, err)
}

// S6 — a FETCH slot for oidX is promoted to FETCH_DECACHE_LOCK in place
// by a subsequent decache notification; NumObjs is unchanged.
func TestDecacheHintPromotesExistingSlotInPlace(t *testing.T) {
	a := NewArea(testPageSize)
	_, err := a.Append(oid(1), false, types.NullHFID, OpFetch, []byte("payload"))
	require.NoError(t, err)

	promoted, hasRoom := a.AppendDecacheHint(oid(1))
	assert.True(t, promoted)
	assert.True(t, hasRoom)
	assert.Equal(t, 1, a.NumObjs())
	assert.Equal(t, OpFetchDecacheLock, a.Slots()[0].Operation)
}

func TestDecacheHintAppendsWhenAbsent(t *testing.T) {
	a := NewArea(testPageSize)
	promoted, hasRoom := a.AppendDecacheHint(oid(2))
	assert.False(t, promoted)
	assert.True(t, hasRoom)
	assert.Equal(t, 1, a.NumObjs())
}

func TestDecacheHintSignalsNoRoomWithoutError(t *testing.T) {
	a := NewArea(ManyObjsHeaderSize + OneObjSlotSize) // room for exactly one slot
	_, err := a.Append(oid(1), false, types.NullHFID, OpFetch, nil)
	require.NoError(t, err)

	_, hasRoom := a.AppendDecacheHint(oid(99))
	assert.False(t, hasRoom)
}

// Ordering guarantee: class slot precedes instance slot once both fit.
func TestMoveToFrontReordersClassBeforeInstance(t *testing.T) {
	a := NewArea(testPageSize)
	instIdx, err := a.Append(oid(5), false, types.NullHFID, OpFetch, []byte("instance"))
	require.NoError(t, err)
	classIdx, err := a.Append(oid(0), false, types.NullHFID, OpFetch, []byte("class"))
	require.NoError(t, err)
	require.Equal(t, 0, instIdx)
	require.Equal(t, 1, classIdx)

	a.MoveToFront(classIdx)
	assert.Equal(t, oid(0), a.Slots()[0].OID)
	assert.Equal(t, oid(5), a.Slots()[1].OID)
}

// Empty class scan: an area with zero appended objects finalizes to a
// valid MANYOBJS header reporting num_objs == 0.
func TestFinalizeEmptyArea(t *testing.T) {
	a := NewArea(testPageSize)
	out := a.Finalize()
	require.Len(t, out, ManyObjsHeaderSize)
}

func TestFinalizeSlotsNeverOverlapDataRegion(t *testing.T) {
	a := NewArea(testPageSize)
	_, err := a.Append(oid(1), true, types.HFID{Volume: 1, FileID: 2}, OpFlushInsert, []byte("abc"))
	require.NoError(t, err)
	_, err = a.Append(oid(2), false, types.NullHFID, OpFlushDelete, []byte("xyz12345"))
	require.NoError(t, err)

	out := a.Finalize()
	slotsEnd := ManyObjsHeaderSize + 2*OneObjSlotSize
	assert.GreaterOrEqual(t, len(out), slotsEnd)
}
