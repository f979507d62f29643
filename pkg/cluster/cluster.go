package cluster

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/locus/pkg/copyarea"
	"github.com/cuemby/locus/pkg/events"
	"github.com/cuemby/locus/pkg/locator"
	"github.com/cuemby/locus/pkg/metrics"
	"github.com/cuemby/locus/pkg/types"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// Config holds the configuration needed to stand up one cluster node.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// Node is one Raft-replicated locus server: a Locator fronted by a Raft
// group of one (bootstrapped) or more (joined) members. Force calls go
// through Apply so every node applies the same sequence of batches;
// Fetch calls bypass Raft entirely and read the local Locator directly,
// since reads don't need to go through consensus.
type Node struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft   *raft.Raft
	fsm    *FSM
	loc    *locator.Locator
	broker *events.Broker
	stopCh chan struct{}
}

// New wires a Node around loc. Bootstrap or JoinExisting must be called before
// Apply. broker may be nil; when set, Apply publishes a
// force.applied/force.aborted event per batch (spec §2 C8's Raft
// round trip paired with the teacher's event-bus idiom, pkg/events).
func New(cfg Config, loc *locator.Locator, broker *events.Broker) *Node {
	return &Node{
		nodeID:   cfg.NodeID,
		bindAddr: cfg.BindAddr,
		dataDir:  cfg.DataDir,
		fsm:      NewFSM(loc),
		loc:      loc,
		broker:   broker,
		stopCh:   make(chan struct{}),
	}
}

func (n *Node) publish(typ events.EventType, message string) {
	if n.broker == nil {
		return
	}
	n.broker.Publish(&events.Event{Type: typ, Message: message})
}

func (n *Node) raftConfig() *raft.Config {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(n.nodeID)

	// Tuned for single-digit-second failover on a LAN; the hashicorp/raft
	// defaults assume WAN-scale round trips.
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	if n.broker != nil {
		notifyCh := make(chan bool, 1)
		config.NotifyCh = notifyCh
		go n.watchLeadership(notifyCh)
	}
	return config
}

// watchLeadership mirrors raft's leadership-change notifications onto
// the event broker, the way the teacher's manager surfaces cluster
// state changes to subscribers instead of making callers poll.
func (n *Node) watchLeadership(notifyCh chan bool) {
	for {
		select {
		case leader := <-notifyCh:
			if leader {
				n.publish(events.EventRaftLeaderOn, fmt.Sprintf("node %s acquired raft leadership", n.nodeID))
			} else {
				n.publish(events.EventRaftLeaderOff, fmt.Sprintf("node %s lost raft leadership", n.nodeID))
			}
		case <-n.stopCh:
			return
		}
	}
}

func (n *Node) newRaft() (*raft.Raft, error) {
	config := n.raftConfig()

	addr, err := net.ResolveTCPAddr("tcp", n.bindAddr)
	if err != nil {
		return nil, fmt.Errorf("cluster: resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(n.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("cluster: create transport: %w", err)
	}
	snapshotStore, err := raft.NewFileSnapshotStore(n.dataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("cluster: create snapshot store: %w", err)
	}
	logStore, err := raftboltdb.NewBoltStore(filepath.Join(n.dataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("cluster: create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(n.dataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("cluster: create stable store: %w", err)
	}

	r, err := raft.NewRaft(config, n.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("cluster: create raft: %w", err)
	}
	return r, nil
}

// Bootstrap initializes a new single-node Raft cluster rooted at this
// node. Additional nodes are added later via AddVoter from the leader.
func (n *Node) Bootstrap() error {
	if err := os.MkdirAll(n.dataDir, 0o755); err != nil {
		return fmt.Errorf("cluster: create data dir: %w", err)
	}
	r, err := n.newRaft()
	if err != nil {
		return err
	}
	n.raft = r

	config := raft.Configuration{
		Servers: []raft.Server{{ID: raft.ServerID(n.nodeID), Address: raft.ServerAddress(n.bindAddr)}},
	}
	future := n.raft.BootstrapCluster(config)
	if err := future.Error(); err != nil {
		return fmt.Errorf("cluster: bootstrap: %w", err)
	}
	return nil
}

// JoinExisting starts this node's Raft instance without bootstrapping a
// configuration; the caller is responsible for getting an existing
// leader to call AddVoter(n.nodeID, n.bindAddr) for it (spec's
// non-goal of wire-protocol framing means this package doesn't ship an
// RPC to request that itself).
func (n *Node) JoinExisting() error {
	if err := os.MkdirAll(n.dataDir, 0o755); err != nil {
		return fmt.Errorf("cluster: create data dir: %w", err)
	}
	r, err := n.newRaft()
	if err != nil {
		return err
	}
	n.raft = r
	return nil
}

// AddVoter adds a new member to the Raft group. Only the leader may call
// this successfully.
func (n *Node) AddVoter(nodeID, addr string) error {
	if n.raft == nil {
		return fmt.Errorf("cluster: raft not initialized")
	}
	future := n.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, 10*time.Second)
	return future.Error()
}

// RemoveServer removes a member from the Raft group.
func (n *Node) RemoveServer(nodeID string) error {
	if n.raft == nil {
		return fmt.Errorf("cluster: raft not initialized")
	}
	future := n.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	return future.Error()
}

// IsLeader reports whether this node currently holds Raft leadership.
func (n *Node) IsLeader() bool {
	return n.raft != nil && n.raft.State() == raft.Leader
}

// LeaderAddr returns the current leader's bind address, if known.
func (n *Node) LeaderAddr() string {
	if n.raft == nil {
		return ""
	}
	return string(n.raft.Leader())
}

// RaftStats implements metrics.RaftStatsSource.
func (n *Node) RaftStats() map[string]interface{} {
	if n.raft == nil {
		return nil
	}
	stats := map[string]interface{}{
		"last_log_index": n.raft.LastIndex(),
		"applied_index":  n.raft.AppliedIndex(),
	}
	if future := n.raft.GetConfiguration(); future.Error() == nil {
		stats["peers"] = uint64(len(future.Configuration().Servers))
	}
	return stats
}

// Apply submits a force batch to the Raft log and blocks until it has
// been committed and applied locally (spec §4.5/§5: the force engine's
// nested top-level operation, realized as one log entry). It fails with
// an error identifying this node isn't the leader if raft rejects the
// apply, which callers should treat as "retry against LeaderAddr()".
func (n *Node) Apply(area *copyarea.Area, timeout time.Duration) ([]types.OID, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftCommitDuration)

	if n.raft == nil {
		return nil, fmt.Errorf("cluster: raft not initialized")
	}

	fc := ForceCommand{Budget: area.Budget, ClassOID: area.ClassOID, Slots: area.Slots()}
	data, err := json.Marshal(fc)
	if err != nil {
		return nil, fmt.Errorf("cluster: marshal force command: %w", err)
	}
	cmd := Command{Op: "force", Data: data}
	encoded, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("cluster: marshal command envelope: %w", err)
	}

	future := n.raft.Apply(encoded, timeout)
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("cluster: apply: %w", err)
	}

	result, ok := future.Response().(*ApplyResult)
	if !ok {
		return nil, fmt.Errorf("cluster: unexpected apply response type %T", future.Response())
	}
	if result.Err != nil {
		n.publish(events.EventForceAborted, result.Err.Error())
		return nil, result.Err
	}
	n.publish(events.EventForceApplied, fmt.Sprintf("%d slots committed", len(fc.Slots)))
	return result.OIDs, nil
}

// Shutdown gracefully stops this node's Raft participation.
func (n *Node) Shutdown() error {
	close(n.stopCh)
	if n.raft == nil {
		return nil
	}
	return n.raft.Shutdown().Error()
}
