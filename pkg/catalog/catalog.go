// Package catalog implements C2, the classname registry: a durable
// classname->OID hash (pkg/ehash) fronted by an in-memory transient
// table, with a per-transaction action-record stack giving the
// classname table critical section savepoint-scoped partial rollback
// (spec §2, §4.2).
//
// Every mutating call pushes one action record, scoped to the calling
// transaction, right after changing state; OnRollback replays that
// transaction's stack backwards to the requested savepoint, undoing
// reservations, assignments, deletes, and renames in the reverse order
// they happened, matching this repo's LIFO undo-log pattern used for
// raft FSM apply bookkeeping (pkg/locator's Force). A transient entry
// not yet permanent is owned by exactly one transaction; any other
// transaction that observes it blocks on that owner's class-OID lock
// via pkg/lockmgr and retries once the lock is released, realizing
// spec §3's "at most one non-EXIST action for a name may be live...
// across all transactions; contenders block on the class-OID lock."
package catalog

import (
	"context"
	"sync"

	"github.com/cuemby/locus/pkg/ehash"
	"github.com/cuemby/locus/pkg/lockmgr"
	"github.com/cuemby/locus/pkg/locuserr"
	"github.com/cuemby/locus/pkg/types"
)

// Result is the three-way outcome of Find.
type Result int

const (
	// Miss means name is bound nowhere, transient or durable.
	Miss Result = iota
	// Reserved means name is transiently claimed but has no permanent
	// OID yet (a CREATE in flight).
	Reserved
	// Active means name resolves to a committed, permanent OID.
	Active
)

// transientSoftCap and evictFraction bound the in-memory cache: once it
// grows past the soft cap, roughly 10% of its oldest entries are
// evicted back to durable-hash-only residency.
const (
	transientSoftCap = 1024
	evictFraction    = 0.10
)

// FullRollback, passed to OnRollback, undoes every action tran has
// performed so far (the transaction-abort path, spec's
// "savepoint_lsa | null").
const FullRollback int64 = -1

type transientEntry struct {
	oid       types.OID
	classOID  types.OID // the OID contenders wait on; equals oid once permanent
	permanent bool
	owner     types.TranIndex // NullTranIndex once permanent (cached EXIST, unowned)
}

type actionKind int

const (
	actionReserve actionKind = iota
	actionAssign
	actionDelete
	actionRename
)

type actionRecord struct {
	kind    actionKind
	name    string
	newName string
	oldOID  types.OID
	newOID  types.OID
}

// Manager is the classname registry.
type Manager struct {
	mu sync.Mutex

	durable *ehash.Store
	locks   *lockmgr.Manager

	transient map[string]*transientEntry
	order     []string // FIFO eviction order for the transient cache

	actions    map[types.TranIndex][]actionRecord
	savepoints map[types.TranIndex]map[int64]int
	nextSP     int64
}

// New creates a registry backed by durable, consulting locks to
// serialize contended classname operations across transactions.
func New(durable *ehash.Store, locks *lockmgr.Manager) *Manager {
	return &Manager{
		durable:    durable,
		locks:      locks,
		transient:  make(map[string]*transientEntry),
		actions:    make(map[types.TranIndex][]actionRecord),
		savepoints: make(map[types.TranIndex]map[int64]int),
	}
}

func (m *Manager) cacheGet(name string) (*transientEntry, bool) {
	e, ok := m.transient[name]
	return e, ok
}

func (m *Manager) cachePut(name string, e *transientEntry) {
	if _, exists := m.transient[name]; !exists {
		m.order = append(m.order, name)
	}
	m.transient[name] = e
}

func (m *Manager) cacheRemove(name string) {
	delete(m.transient, name)
}

func (m *Manager) pushAction(tran types.TranIndex, a actionRecord) {
	m.actions[tran] = append(m.actions[tran], a)
}

func (m *Manager) evictIfNeeded() {
	if len(m.transient) <= transientSoftCap {
		return
	}
	toEvict := int(float64(len(m.transient)) * evictFraction)
	if toEvict < 1 {
		toEvict = 1
	}
	evicted := 0
	kept := m.order[:0:0]
	for _, name := range m.order {
		if evicted < toEvict {
			if e, ok := m.transient[name]; ok && e.permanent && e.owner == types.NullTranIndex {
				delete(m.transient, name)
				evicted++
				continue
			}
		}
		kept = append(kept, name)
	}
	m.order = kept
}

// awaitContention must be called with mu held and e owned by some
// transaction other than tran. It drops mu, blocks on e's class-OID
// lock (that owner's serializer, spec §4.2 step 1), and returns with
// mu released so the caller retries the whole operation from the top.
func (m *Manager) awaitContention(ctx context.Context, tran types.TranIndex, e *transientEntry) error {
	contender := e.classOID
	m.mu.Unlock()
	res, err := m.locks.LockObject(ctx, contender, contender, tran, lockmgr.ModeX, true)
	if err != nil {
		return err
	}
	if res == lockmgr.Granted {
		m.locks.UnlockObject(contender, contender, tran, lockmgr.ModeX, false)
	}
	return nil
}

// Reserve transiently claims name against classOID ahead of the
// permanent binding being durable (spec's CREATE-in-flight path).
// classOID is the heap-assigned OID the caller is about to bind name
// to; Reserve acquires an exclusive lock on it, released once
// AssignPermanentOID completes or the reservation is rolled back. A
// repeat Reserve of the same (tran, name, classOID) is a no-op; any
// other contender blocks on the lock and retries.
func (m *Manager) Reserve(ctx context.Context, tran types.TranIndex, name string, classOID types.OID) error {
	for {
		m.mu.Lock()
		if e, ok := m.cacheGet(name); ok {
			if e.permanent {
				m.mu.Unlock()
				return locuserr.New(locuserr.CodeClassnameExist, name)
			}
			if e.owner == tran {
				same := e.oid == classOID
				m.mu.Unlock()
				if same {
					return nil
				}
				return locuserr.New(locuserr.CodeClassnameExist, name)
			}
			if err := m.awaitContention(ctx, tran, e); err != nil {
				return err
			}
			continue
		}
		m.mu.Unlock()

		if _, res := m.durable.Search(name); res == ehash.Hit {
			return locuserr.New(locuserr.CodeClassnameExist, name)
		}

		res, err := m.locks.LockObject(ctx, classOID, classOID, tran, lockmgr.ModeX, true)
		if err != nil {
			return err
		}
		if res != lockmgr.Granted {
			return locuserr.New(locuserr.CodeLockDenied, classOID)
		}

		m.mu.Lock()
		if _, ok := m.cacheGet(name); ok {
			// Lost the race to a concurrent installer; give back the lock
			// just taken and retry the whole protocol.
			m.mu.Unlock()
			m.locks.UnlockObject(classOID, classOID, tran, lockmgr.ModeX, false)
			continue
		}
		m.cachePut(name, &transientEntry{oid: classOID, classOID: classOID, owner: tran})
		m.pushAction(tran, actionRecord{kind: actionReserve, name: name})
		m.mu.Unlock()
		return nil
	}
}

// AssignPermanentOID completes a prior Reserve by tran, binding name to
// oid in the durable hash and releasing the class-OID lock Reserve
// acquired (spec §4.5 step 6: "release the class-OID lock acquired by
// the heap allocator").
func (m *Manager) AssignPermanentOID(tran types.TranIndex, name string, oid types.OID) error {
	m.mu.Lock()
	e, ok := m.cacheGet(name)
	if !ok || e.permanent || e.owner != tran {
		m.mu.Unlock()
		return locuserr.New(locuserr.CodeUnknownClass, name)
	}
	classOID := e.classOID
	oldOID := e.oid
	e.oid = oid
	e.permanent = true
	e.owner = types.NullTranIndex
	if err := m.durable.Insert(name, oid); err != nil {
		m.mu.Unlock()
		return err
	}
	m.pushAction(tran, actionRecord{kind: actionAssign, name: name, oldOID: oldOID, newOID: oid})
	m.mu.Unlock()
	m.locks.UnlockObject(classOID, classOID, tran, lockmgr.ModeX, false)
	return nil
}

// Delete removes name's binding, transient and durable, under an
// exclusive lock on its class OID. A caller observing a live,
// uncommitted action on name owned by another transaction blocks on
// that owner's lock first.
func (m *Manager) Delete(ctx context.Context, tran types.TranIndex, name string) error {
	for {
		m.mu.Lock()
		if e, ok := m.cacheGet(name); ok && !e.permanent && e.owner != tran {
			if err := m.awaitContention(ctx, tran, e); err != nil {
				return err
			}
			continue
		}
		oid, res := m.findLocked(name)
		if res != Active {
			m.mu.Unlock()
			return locuserr.New(locuserr.CodeUnknownClass, name)
		}
		m.mu.Unlock()

		lres, err := m.locks.LockObject(ctx, oid, oid, tran, lockmgr.ModeX, true)
		if err != nil {
			return err
		}
		if lres != lockmgr.Granted {
			return locuserr.New(locuserr.CodeLockDenied, oid)
		}

		m.mu.Lock()
		oid2, res2 := m.findLocked(name)
		if res2 != Active || oid2 != oid {
			m.mu.Unlock()
			m.locks.UnlockObject(oid, oid, tran, lockmgr.ModeX, false)
			continue // state moved under us; retry from the top
		}
		m.cacheRemove(name)
		if err := m.durable.Delete(name); err != nil {
			m.mu.Unlock()
			m.locks.UnlockObject(oid, oid, tran, lockmgr.ModeX, false)
			return err
		}
		m.pushAction(tran, actionRecord{kind: actionDelete, name: name, oldOID: oid})
		m.mu.Unlock()
		m.locks.UnlockObject(oid, oid, tran, lockmgr.ModeX, false)
		return nil
	}
}

// Rename moves oldName's binding to newName under an exclusive lock on
// the class OID being renamed. It fails with CodeClassnameExist if
// newName is already bound or reserved by another transaction (after
// waiting out that contention).
func (m *Manager) Rename(ctx context.Context, tran types.TranIndex, oldName, newName string) error {
	var oid types.OID
	for {
		m.mu.Lock()
		o, res := m.findLocked(oldName)
		if res != Active {
			m.mu.Unlock()
			return locuserr.New(locuserr.CodeUnknownClass, oldName)
		}
		if e, ok := m.cacheGet(newName); ok && !e.permanent && e.owner != tran {
			if err := m.awaitContention(ctx, tran, e); err != nil {
				return err
			}
			continue
		}
		if _, res := m.findLocked(newName); res != Miss {
			m.mu.Unlock()
			return locuserr.New(locuserr.CodeClassnameExist, newName)
		}
		oid = o
		m.mu.Unlock()
		break
	}

	lres, err := m.locks.LockObject(ctx, oid, oid, tran, lockmgr.ModeX, true)
	if err != nil {
		return err
	}
	if lres != lockmgr.Granted {
		return locuserr.New(locuserr.CodeLockDenied, oid)
	}
	defer m.locks.UnlockObject(oid, oid, tran, lockmgr.ModeX, false)

	m.mu.Lock()
	defer m.mu.Unlock()
	o2, res2 := m.findLocked(oldName)
	if res2 != Active || o2 != oid {
		return locuserr.New(locuserr.CodeUnknownClass, oldName)
	}
	if _, res := m.findLocked(newName); res != Miss {
		return locuserr.New(locuserr.CodeClassnameExist, newName)
	}

	m.cacheRemove(oldName)
	if err := m.durable.Delete(oldName); err != nil {
		return err
	}
	m.cachePut(newName, &transientEntry{oid: oid, classOID: oid, permanent: true})
	if err := m.durable.Insert(newName, oid); err != nil {
		return err
	}
	m.pushAction(tran, actionRecord{kind: actionRename, name: oldName, newName: newName, oldOID: oid, newOID: oid})
	return nil
}

// Find resolves name for tran, checking the transient cache before
// falling back to the durable hash. A durable hit is promoted into the
// transient cache. If name has a live action owned by a different
// transaction, Find waits on that owner's class-OID lock and retries,
// the same serialization every other classname operation applies.
func (m *Manager) Find(ctx context.Context, tran types.TranIndex, name string) (types.OID, Result, error) {
	for {
		m.mu.Lock()
		if e, ok := m.cacheGet(name); ok && !e.permanent && e.owner != tran {
			if err := m.awaitContention(ctx, tran, e); err != nil {
				return types.NullOID, Miss, err
			}
			continue
		}
		oid, res := m.findLocked(name)
		m.mu.Unlock()
		return oid, res, nil
	}
}

// findLocked resolves name with mu already held, without regard to
// ownership; callers that must respect contention check that
// themselves first (Find, and the source-name lookups inside
// Delete/Rename).
func (m *Manager) findLocked(name string) (types.OID, Result) {
	if e, ok := m.cacheGet(name); ok {
		if e.permanent {
			return e.oid, Active
		}
		return types.NullOID, Reserved
	}
	oid, res := m.durable.Search(name)
	if res != ehash.Hit {
		return types.NullOID, Miss
	}
	m.cachePut(name, &transientEntry{oid: oid, classOID: oid, permanent: true, owner: types.NullTranIndex})
	return oid, Active
}

// OnSavepoint records tran's current action-stack depth and returns a
// token identifying it for a later OnRollback.
func (m *Manager) OnSavepoint(tran types.TranIndex) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	token := m.nextSP
	m.nextSP++
	if m.savepoints[tran] == nil {
		m.savepoints[tran] = make(map[int64]int)
	}
	m.savepoints[tran][token] = len(m.actions[tran])
	return token
}

// OnRollback undoes every action tran recorded since token's savepoint,
// in reverse order, and forgets savepoints taken after it. Passing
// FullRollback undoes tran's entire history (transaction abort).
func (m *Manager) OnRollback(tran types.TranIndex, token int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	marker := 0
	if token != FullRollback {
		sp, ok := m.savepoints[tran][token]
		if !ok {
			return locuserr.New(locuserr.CodeInconsistentClassname, "unknown savepoint")
		}
		marker = sp
	}

	actions := m.actions[tran]
	for i := len(actions) - 1; i >= marker; i-- {
		if err := m.undo(tran, actions[i]); err != nil {
			return err
		}
	}
	m.actions[tran] = actions[:marker]

	if sps := m.savepoints[tran]; sps != nil {
		for sp, at := range sps {
			if at > marker || (token != FullRollback && sp == token) {
				delete(sps, sp)
			}
		}
	}
	return nil
}

func (m *Manager) undo(tran types.TranIndex, a actionRecord) error {
	switch a.kind {
	case actionReserve:
		if e, ok := m.cacheGet(a.name); ok {
			classOID := e.classOID
			m.cacheRemove(a.name)
			m.locks.UnlockObject(classOID, classOID, tran, lockmgr.ModeX, false)
		}
	case actionAssign:
		if e, ok := m.cacheGet(a.name); ok {
			e.oid = a.oldOID
			e.permanent = false
			e.owner = tran
		}
		return m.durable.Delete(a.name)
	case actionDelete:
		m.cachePut(a.name, &transientEntry{oid: a.oldOID, classOID: a.oldOID, permanent: true})
		return m.durable.Insert(a.name, a.oldOID)
	case actionRename:
		m.cacheRemove(a.newName)
		if err := m.durable.Delete(a.newName); err != nil {
			return err
		}
		m.cachePut(a.name, &transientEntry{oid: a.oldOID, classOID: a.oldOID, permanent: true})
		return m.durable.Insert(a.name, a.oldOID)
	}
	return nil
}

// OnCommit discards tran's action-record history (nothing left to
// undo; every mutation was already written through to the durable hash
// as it happened) and applies transient-cache eviction if the cache
// has grown past its soft cap.
func (m *Manager) OnCommit(tran types.TranIndex) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.actions, tran)
	delete(m.savepoints, tran)
	m.evictIfNeeded()
}
