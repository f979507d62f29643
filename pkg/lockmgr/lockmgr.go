// Package lockmgr implements the lock manager external interface the
// locator consumes: the mode lattice, a deterministic conversion
// table, per-object granting (conditional and unconditional), batch
// variants for locksets/lockhints, and the inconsistency-notification
// callback the fetch engine uses to append decache hints.
//
// This is one of the "external collaborators" named out of scope by the
// spec (§1) — the locator only consumes its API — but a real
// implementation lives here so fetch/force/index code has something to
// call.
package lockmgr

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/locus/pkg/locuserr"
	"github.com/cuemby/locus/pkg/types"
)

// Mode is one of the eight lock modes in the lattice
// NULL < IS ≤ {S, NS, NX} < IX ≤ SIX < X.
type Mode int

const (
	ModeNull Mode = iota
	ModeIS
	ModeS
	ModeNS
	ModeNX
	ModeIX
	ModeSIX
	ModeX
)

func (m Mode) String() string {
	switch m {
	case ModeNull:
		return "NULL"
	case ModeIS:
		return "IS"
	case ModeS:
		return "S"
	case ModeNS:
		return "NS"
	case ModeNX:
		return "NX"
	case ModeIX:
		return "IX"
	case ModeSIX:
		return "SIX"
	case ModeX:
		return "X"
	default:
		return "?"
	}
}

// rank places every mode on the NULL-IS-{branch}-IX-SIX-X chain; the
// three branch modes (S, NS, NX) share a rank because they're pairwise
// incomparable in the lattice.
func rank(m Mode) int {
	switch m {
	case ModeNull:
		return 0
	case ModeIS:
		return 1
	case ModeS, ModeNS, ModeNX:
		return 2
	case ModeIX:
		return 3
	case ModeSIX:
		return 4
	case ModeX:
		return 5
	default:
		return 0
	}
}

// Conv deterministically promotes two held-mode requests to the
// weakest mode that dominates both, per the lattice in spec §5/§6. Two
// distinct branch modes (e.g. S held, NX requested) promote to IX,
// their least upper bound.
func Conv(a, b Mode) Mode {
	if a == b {
		return a
	}
	ra, rb := rank(a), rank(b)
	if ra == 2 && rb == 2 {
		return ModeIX
	}
	if ra >= rb {
		return a
	}
	return b
}

// compatible reports whether held and requested may be granted to two
// different transactions at once.
func compatible(held, requested Mode) bool {
	if held == ModeNull || requested == ModeNull {
		return true
	}
	table := map[Mode]map[Mode]bool{
		ModeIS:  {ModeIS: true, ModeS: true, ModeNS: true, ModeNX: true, ModeIX: true},
		ModeS:   {ModeIS: true, ModeS: true, ModeNS: true},
		ModeNS:  {ModeIS: true, ModeS: true, ModeNS: true},
		ModeNX:  {ModeIS: true, ModeNX: true}, // non-strict exclusive tolerates other non-strict writers
		ModeIX:  {ModeIS: true, ModeIX: true},
		ModeSIX: {ModeIS: true},
		ModeX:   {},
	}
	row, ok := table[held]
	if !ok {
		return false
	}
	return row[requested]
}

// AcquireResult is the outcome of a lock request.
type AcquireResult int

const (
	Granted AcquireResult = iota
	Timeout
	Denied
)

type holder struct {
	tran types.TranIndex
	mode Mode
}

type objectLock struct {
	mu      sync.Mutex
	cond    *sync.Cond
	holders []holder
}

func newObjectLock() *objectLock {
	l := &objectLock{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func (l *objectLock) compatibleWithAll(tran types.TranIndex, mode Mode) bool {
	for _, h := range l.holders {
		if h.tran == tran {
			continue
		}
		if !compatible(h.mode, mode) {
			return false
		}
	}
	return true
}

func (l *objectLock) grant(tran types.TranIndex, mode Mode) {
	for i, h := range l.holders {
		if h.tran == tran {
			l.holders[i].mode = Conv(h.mode, mode)
			return
		}
	}
	l.holders = append(l.holders, holder{tran: tran, mode: mode})
}

func (l *objectLock) release(tran types.TranIndex, mode Mode) {
	for i, h := range l.holders {
		if h.tran == tran {
			l.holders = append(l.holders[:i], l.holders[i+1:]...)
			return
		}
	}
	_ = mode
}

// NotifyFunc is invoked zero or more times with OIDs whose client-side
// state must be decached.
type NotifyFunc func(ctx context.Context, oid types.OID)

// Manager is the in-memory lock table.
type Manager struct {
	mu      sync.Mutex
	objects map[types.OID]*objectLock

	notifyMu sync.Mutex
	notify   map[types.TranIndex]NotifyFunc
}

// New creates an empty lock manager.
func New() *Manager {
	return &Manager{
		objects: make(map[types.OID]*objectLock),
		notify:  make(map[types.TranIndex]NotifyFunc),
	}
}

func (m *Manager) objectLockFor(oid types.OID) *objectLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.objects[oid]
	if !ok {
		l = newObjectLock()
		m.objects[oid] = l
	}
	return l
}

// LockObject requests mode on oid (classOID is carried for diagnostics
// and future class-level escalation; this implementation locks at
// object granularity only). unconditional requests block until
// granted or ctx is done; conditional requests fail immediately with
// Timeout if not currently compatible.
func (m *Manager) LockObject(ctx context.Context, oid, classOID types.OID, tran types.TranIndex, mode Mode, unconditional bool) (AcquireResult, error) {
	_ = classOID
	l := m.objectLockFor(oid)
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.compatibleWithAll(tran, mode) {
		l.grant(tran, mode)
		return Granted, nil
	}
	if !unconditional {
		return Timeout, nil
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			l.cond.Broadcast()
		case <-done:
		}
	}()
	defer close(done)

	for !l.compatibleWithAll(tran, mode) {
		if ctx.Err() != nil {
			return Timeout, ctx.Err()
		}
		l.cond.Wait()
	}
	l.grant(tran, mode)
	return Granted, nil
}

// UnlockObject releases mode held by tran on oid. If releaseClassLock
// is set the caller also intends to drop its class-level intention
// lock; this implementation has no separate class table, so the flag
// is accepted for interface fidelity and otherwise unused.
func (m *Manager) UnlockObject(oid, classOID types.OID, tran types.TranIndex, mode Mode, releaseClassLock bool) {
	_, _ = classOID, releaseClassLock
	l := m.objectLockFor(oid)
	l.mu.Lock()
	l.release(tran, mode)
	l.cond.Broadcast()
	l.mu.Unlock()
}

// LockObjectsLockSet acquires locks for every resolved object in a
// lockset in one batch. If acquisition of any object fails and
// quitOnErrors is true, already-granted locks in this call are rolled
// back and the first failure is returned; otherwise the batch
// continues and failed OIDs are returned to the caller for individual
// retry (per spec §4.4/§7: "no further work is attempted here").
func (m *Manager) LockObjectsLockSet(ctx context.Context, tran types.TranIndex, requests []ObjectLockRequest, quitOnErrors bool) (failed []types.OID, err error) {
	granted := make([]ObjectLockRequest, 0, len(requests))
	for _, req := range requests {
		res, lerr := m.LockObject(ctx, req.OID, req.ClassOID, tran, req.Mode, req.Unconditional)
		if lerr != nil || res != Granted {
			if quitOnErrors {
				for _, g := range granted {
					m.UnlockObject(g.OID, g.ClassOID, tran, g.Mode, false)
				}
				if lerr == nil {
					lerr = locuserr.New(locuserr.CodeLockDenied, req.OID)
				}
				return nil, lerr
			}
			failed = append(failed, req.OID)
			continue
		}
		granted = append(granted, req)
	}
	return failed, nil
}

// ObjectLockRequest is one entry of a batch lock request.
type ObjectLockRequest struct {
	OID           types.OID
	ClassOID      types.OID
	Mode          Mode
	Unconditional bool
}

// LockClassesLockHint acquires class-level locks in one batch; it
// reuses LockObjectsLockSet since this implementation does not
// distinguish class-granularity storage from object-granularity
// storage.
func (m *Manager) LockClassesLockHint(ctx context.Context, tran types.TranIndex, classOIDs []types.OID, mode Mode) (failed []types.OID, err error) {
	reqs := make([]ObjectLockRequest, len(classOIDs))
	for i, c := range classOIDs {
		reqs[i] = ObjectLockRequest{OID: c, ClassOID: c, Mode: mode, Unconditional: true}
	}
	return m.LockObjectsLockSet(ctx, tran, reqs, false)
}

// NotifyIsolationIncons registers cb to be invoked zero or more times
// for tran with OIDs whose client-side cache must be decached.
func (m *Manager) NotifyIsolationIncons(tran types.TranIndex, cb NotifyFunc) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	m.notify[tran] = cb
}

// FireInconsistencyNotification invokes the registered callback (if
// any) for tran with oid. The fetch engine calls this after
// materializing an object to append decache hints to the transaction's
// copy area.
func (m *Manager) FireInconsistencyNotification(ctx context.Context, tran types.TranIndex, oid types.OID) {
	m.notifyMu.Lock()
	cb := m.notify[tran]
	m.notifyMu.Unlock()
	if cb != nil {
		cb(ctx, oid)
	}
}

// WithTimeout is a convenience for conditional-with-deadline lock
// requests; no package in this module calls it.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, d)
}
