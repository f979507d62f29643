// Package cluster realizes C8: the force engine's nested top-level
// operation as a single hashicorp/raft log entry, grounded on the
// teacher's pkg/manager (Command/FSM.Apply dispatch and raft.NewRaft
// bootstrap), reduced to the one operation this spec needs — there is
// no node/service/task state to replicate, only force batches.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cuemby/locus/pkg/copyarea"
	"github.com/cuemby/locus/pkg/locator"
	"github.com/cuemby/locus/pkg/metrics"
	"github.com/cuemby/locus/pkg/types"
	"github.com/hashicorp/raft"
)

// Command is the payload of one raft.Log entry. Op is always "force"
// today; the field exists (rather than a bare ForceCommand) so the log
// format can grow a second op without a wire-format break, the way the
// teacher's Command{Op,Data} does for its much larger op set.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// ForceCommand is cmd.Data's shape for Op == "force": a copy area
// flattened to its slot list plus the two fields Force needs that
// aren't carried per-slot.
type ForceCommand struct {
	Budget   int              `json:"budget"`
	ClassOID types.OID        `json:"class_oid"`
	Slots    []*copyarea.Slot `json:"slots"`
}

// ApplyResult is what FSM.Apply returns (via raft's ApplyFuture.Response)
// for a "force" command: either the per-slot assigned/affected OIDs, or
// the error that aborted the batch, held as an `error` value.
type ApplyResult struct {
	OIDs []types.OID
	Err  error
}

// FSM implements raft.FSM by delegating "force" commands to a Locator.
type FSM struct {
	mu  sync.RWMutex
	loc *locator.Locator
}

// NewFSM wraps loc as a Raft state machine.
func NewFSM(loc *locator.Locator) *FSM {
	return &FSM{loc: loc}
}

// Apply applies one committed log entry. This is the concrete backing
// for spec §4.5/§5's "Force commits atomically as one nested top-level
// operation, or not at all": the operation only ever runs once, inside
// this call, after a quorum has already durably logged it.
func (f *FSM) Apply(log *raft.Log) interface{} {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftApplyDuration)

	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return &ApplyResult{Err: fmt.Errorf("cluster: unmarshal command: %w", err)}
	}

	switch cmd.Op {
	case "force":
		return f.applyForce(log.Index, cmd.Data)
	default:
		return &ApplyResult{Err: fmt.Errorf("cluster: unknown command %q", cmd.Op)}
	}
}

// applyForce derives this batch's transaction identity from the raft
// log index: applies are already serialized one at a time under f.mu,
// and the index is unique and monotonic across the log, so it doubles
// as the types.TranIndex pkg/catalog and pkg/lockmgr key their
// per-transaction state on.
func (f *FSM) applyForce(logIndex uint64, data json.RawMessage) *ApplyResult {
	var fc ForceCommand
	if err := json.Unmarshal(data, &fc); err != nil {
		return &ApplyResult{Err: fmt.Errorf("cluster: unmarshal force command: %w", err)}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	tran := types.TranIndex(logIndex)
	area := copyarea.FromSlots(fc.Budget, fc.ClassOID, fc.Slots)
	oids, err := f.loc.Force(context.Background(), tran, area)

	for _, s := range fc.Slots {
		metrics.ForceSlotsTotal.WithLabelValues(s.Operation.String()).Inc()
	}
	if err != nil {
		metrics.ForceAbortsTotal.Inc()
		return &ApplyResult{Err: err}
	}
	return &ApplyResult{OIDs: oids}
}

// Snapshot returns a marker snapshot that carries no state, and Restore
// is a no-op. Heap and classname state live in their own bbolt stores
// independent of the Raft log; the class catalog (pkg/catalogsvc) is an
// in-memory table that is neither persisted nor captured here.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	return &fsmSnapshot{takenAt: time.Now()}, nil
}

// Restore is a no-op; see Snapshot's doc comment.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	_, err := io.Copy(io.Discard, rc)
	return err
}

type fsmSnapshot struct {
	takenAt time.Time
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		return json.NewEncoder(sink).Encode(map[string]interface{}{"taken_at": s.takenAt})
	}()
	if err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
