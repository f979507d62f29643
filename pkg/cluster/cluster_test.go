package cluster

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/locus/pkg/catalog"
	"github.com/cuemby/locus/pkg/catalogsvc"
	"github.com/cuemby/locus/pkg/copyarea"
	"github.com/cuemby/locus/pkg/ehash"
	"github.com/cuemby/locus/pkg/events"
	"github.com/cuemby/locus/pkg/heap"
	"github.com/cuemby/locus/pkg/index"
	"github.com/cuemby/locus/pkg/lockmgr"
	"github.com/cuemby/locus/pkg/locator"
	"github.com/cuemby/locus/pkg/pagefile"
	"github.com/cuemby/locus/pkg/types"
	"github.com/stretchr/testify/require"
)

var testRootHFID = types.HFID{Volume: 0, FileID: 0}

var portCounter int32

func newSingleNode(t *testing.T, nodeID, bindAddr string) (*Node, *locator.Locator) {
	dir := t.TempDir()
	h, err := heap.Open(filepath.Join(dir, "heap.db"))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })

	trees, err := pagefile.Open(filepath.Join(dir, "pagefile.db"))
	require.NoError(t, err)
	t.Cleanup(func() { trees.Close() })

	durable, err := ehash.Open(filepath.Join(dir, "ehash.db"))
	require.NoError(t, err)
	t.Cleanup(func() { durable.Close() })

	locks := lockmgr.New()
	names := catalog.New(durable, locks)
	cat := catalogsvc.New()
	idx := index.New(trees, h, cat)
	loc := locator.New(h, cat, names, locks, idx, testRootHFID)

	node := New(Config{NodeID: nodeID, BindAddr: bindAddr, DataDir: filepath.Join(dir, "raft")}, loc, nil)
	require.NoError(t, node.Bootstrap())
	t.Cleanup(func() { node.Shutdown() })

	waitForLeader(t, node)
	return node, loc
}

func waitForLeader(t *testing.T, n *Node) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if n.IsLeader() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("node never became raft leader")
}

func freePort(t *testing.T) int {
	t.Helper()
	return 19500 + int(atomic.AddInt32(&portCounter, 1))
}

func TestBootstrapBecomesLeader(t *testing.T) {
	node, _ := newSingleNode(t, "n1", fmt.Sprintf("127.0.0.1:%d", freePort(t)))
	require.True(t, node.IsLeader())
	require.Equal(t, node.bindAddr, node.LeaderAddr())
}

func TestApplyForceCreatesClassThroughRaftLog(t *testing.T) {
	node, _ := newSingleNode(t, "n1", fmt.Sprintf("127.0.0.1:%d", freePort(t)))

	payload, err := json.Marshal(map[string]interface{}{"Name": "widgets"})
	require.NoError(t, err)
	record := make([]byte, 8+len(payload))
	copy(record[8:], payload) // class OID prefix zero == types.RootOID

	area := copyarea.NewArea(4096)
	_, err = area.Append(types.NullOID, false, node.loc.RootHFID, copyarea.OpFlushInsert, record)
	require.NoError(t, err)

	oids, err := node.Apply(area, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, oids, 1)
	require.False(t, oids[0].IsNull())

	stats := node.RaftStats()
	require.NotNil(t, stats)
	require.GreaterOrEqual(t, stats["applied_index"].(uint64), uint64(1))
}

func TestApplyForceAbortUnwindsOnDuplicateKey(t *testing.T) {
	node, loc := newSingleNode(t, "n1", fmt.Sprintf("127.0.0.1:%d", freePort(t)))

	classPayload, err := json.Marshal(map[string]interface{}{"Name": "people"})
	require.NoError(t, err)
	record := make([]byte, 8+len(classPayload))
	copy(record[8:], classPayload)
	area := copyarea.NewArea(4096)
	_, err = area.Append(types.NullOID, false, loc.RootHFID, copyarea.OpFlushInsert, record)
	require.NoError(t, err)
	oids, err := node.Apply(area, 2*time.Second)
	require.NoError(t, err)
	classOID := oids[0]

	btid := types.BTID{Volume: 0, FileID: 1, RootPage: 1}
	require.NoError(t, loc.Catalog.UpdateClassInfo(classOID, func(ci *catalogsvc.ClassInfo) {
		ci.HFID = types.HFID{Volume: 0, FileID: 2}
		ci.Indexes = []catalogsvc.IndexInfo{{BTID: btid, IsUnique: true, KeyAttrs: []int{0}}}
	}))
	require.NoError(t, loc.Index.Trees.CreateIndex(btid, true, false))

	insert := func(name string) ([]types.OID, error) {
		row, _ := json.Marshal([]interface{}{name})
		rec := make([]byte, 8+len(row))
		copy(rec[0:], encodeOID(classOID))
		copy(rec[8:], row)
		a := copyarea.NewArea(4096)
		_, aerr := a.Append(types.NullOID, false, types.HFID{}, copyarea.OpFlushInsert, rec)
		require.NoError(t, aerr)
		return node.Apply(a, 2*time.Second)
	}

	_, err = insert("alice")
	require.NoError(t, err)
	_, err = insert("alice")
	require.Error(t, err)

	info, err := loc.Catalog.GetClassInfo(classOID)
	require.NoError(t, err)
	require.EqualValues(t, 1, info.TotObjects)
}

func TestApplyPublishesEventsWhenBrokerSet(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	dir := t.TempDir()
	h, err := heap.Open(filepath.Join(dir, "heap.db"))
	require.NoError(t, err)
	defer h.Close()
	trees, err := pagefile.Open(filepath.Join(dir, "pagefile.db"))
	require.NoError(t, err)
	defer trees.Close()
	durable, err := ehash.Open(filepath.Join(dir, "ehash.db"))
	require.NoError(t, err)
	defer durable.Close()

	locks := lockmgr.New()
	names := catalog.New(durable, locks)
	cat := catalogsvc.New()
	idx := index.New(trees, h, cat)
	loc := locator.New(h, cat, names, locks, idx, testRootHFID)

	node := New(Config{NodeID: "n1", BindAddr: fmt.Sprintf("127.0.0.1:%d", freePort(t)), DataDir: filepath.Join(dir, "raft")}, loc, broker)
	require.NoError(t, node.Bootstrap())
	defer node.Shutdown()
	waitForLeader(t, node)

	var sawLeaderEvent bool
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case ev := <-sub:
			if ev.Type == events.EventRaftLeaderOn {
				sawLeaderEvent = true
			}
		default:
			if sawLeaderEvent {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		if sawLeaderEvent {
			break
		}
	}
	require.True(t, sawLeaderEvent, "expected a raft.leader_acquired event after bootstrap")

	payload, err := json.Marshal(map[string]interface{}{"Name": "gadgets"})
	require.NoError(t, err)
	record := make([]byte, 8+len(payload))
	copy(record[8:], payload)
	area := copyarea.NewArea(4096)
	_, err = area.Append(types.NullOID, false, loc.RootHFID, copyarea.OpFlushInsert, record)
	require.NoError(t, err)
	_, err = node.Apply(area, 2*time.Second)
	require.NoError(t, err)

	var sawForceApplied bool
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !sawForceApplied {
		select {
		case ev := <-sub:
			if ev.Type == events.EventForceApplied {
				sawForceApplied = true
			}
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	require.True(t, sawForceApplied, "expected a force.applied event after Apply")
}

func encodeOID(oid types.OID) []byte {
	buf := make([]byte, 8)
	buf[0] = byte(oid.Volume >> 8)
	buf[1] = byte(oid.Volume)
	buf[2] = byte(oid.Page >> 24)
	buf[3] = byte(oid.Page >> 16)
	buf[4] = byte(oid.Page >> 8)
	buf[5] = byte(oid.Page)
	buf[6] = byte(oid.Slot >> 8)
	buf[7] = byte(oid.Slot)
	return buf
}
