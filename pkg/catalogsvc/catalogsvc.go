// Package catalogsvc implements the catalog external collaborator: the
// per-class schema/statistics table the locator consults for HFID/BTID
// lookups and maintains tot_objects on (spec §1, §6). It is an
// in-memory table guarded by a single RWMutex, reduced to the single
// concern the locator actually needs.
package catalogsvc

import (
	"sync"

	"github.com/cuemby/locus/pkg/locuserr"
	"github.com/cuemby/locus/pkg/types"
)

// IndexInfo describes one index maintained over a class.
type IndexInfo struct {
	BTID      types.BTID
	IsUnique  bool
	IsForeign bool
	KeyAttrs  []int
}

// ForeignKeyInfo describes one outgoing foreign key from a class. BTID
// is the index over the referencing class's own key attributes; RefBTID
// is the referenced class's primary-key index. CacheAttr, when >= 0,
// names the attribute slot that caches the referenced PK's OID (object
// cache repair keeps it pointed at the live PK row).
type ForeignKeyInfo struct {
	Name        string
	KeyAttrs    []int
	BTID        types.BTID
	RefClassOID types.OID
	RefBTID     types.BTID
	DeleteRule  string // "restrict", "cascade", "set_null", "no_action"
	UpdateRule  string
	CacheAttr   int
}

// ClassInfo is the schema/statistics record the locator reads to
// resolve a class's storage locations and, mutates tot_objects on.
type ClassInfo struct {
	ClassOID    types.OID
	ClassName   string
	HFID        types.HFID
	Indexes     []IndexInfo
	ForeignKeys []ForeignKeyInfo
	TotObjects  int64
}

func (c ClassInfo) clone() *ClassInfo {
	cp := c
	cp.Indexes = append([]IndexInfo(nil), c.Indexes...)
	cp.ForeignKeys = append([]ForeignKeyInfo(nil), c.ForeignKeys...)
	return &cp
}

// Catalog is the in-memory class-info table.
type Catalog struct {
	mu      sync.RWMutex
	classes map[types.OID]*ClassInfo
}

// New creates an empty catalog.
func New() *Catalog {
	return &Catalog{classes: make(map[types.OID]*ClassInfo)}
}

// Insert adds a new class record. It returns CodeClassnameExist if the
// OID is already registered.
func (c *Catalog) Insert(info ClassInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.classes[info.ClassOID]; ok {
		return locuserr.New(locuserr.CodeClassnameExist, info.ClassName)
	}
	c.classes[info.ClassOID] = info.clone()
	return nil
}

// Update replaces the stored record for info.ClassOID wholesale.
func (c *Catalog) Update(info ClassInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.classes[info.ClassOID]; !ok {
		return locuserr.New(locuserr.CodeUnknownClass, info.ClassOID)
	}
	c.classes[info.ClassOID] = info.clone()
	return nil
}

// Delete removes a class record.
func (c *Catalog) Delete(classOID types.OID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.classes[classOID]; !ok {
		return locuserr.New(locuserr.CodeUnknownClass, classOID)
	}
	delete(c.classes, classOID)
	return nil
}

// GetClassInfo returns a copy of classOID's record.
func (c *Catalog) GetClassInfo(classOID types.OID) (*ClassInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.classes[classOID]
	if !ok {
		return nil, locuserr.New(locuserr.CodeUnknownClass, classOID)
	}
	return info.clone(), nil
}

// UpdateClassInfo applies mutate to classOID's record under the
// catalog's single write lock, the critical section spec §5 names for
// catalog statistics updates.
func (c *Catalog) UpdateClassInfo(classOID types.OID, mutate func(*ClassInfo)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.classes[classOID]
	if !ok {
		return locuserr.New(locuserr.CodeUnknownClass, classOID)
	}
	mutate(info)
	return nil
}

// AdjustTotObjects atomically adds delta to classOID's tot_objects
// counter, the class's instance count that force adjusts by +1 on insert
// and -1 on delete.
func (c *Catalog) AdjustTotObjects(classOID types.OID, delta int64) error {
	return c.UpdateClassInfo(classOID, func(ci *ClassInfo) {
		ci.TotObjects += delta
	})
}

// FindIndexByAttrs returns the index over classOID whose key attributes
// exactly match attrs, if any.
func (c *Catalog) FindIndexByAttrs(classOID types.OID, attrs []int) (*IndexInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.classes[classOID]
	if !ok {
		return nil, false
	}
	for i := range info.Indexes {
		if intSliceEqual(info.Indexes[i].KeyAttrs, attrs) {
			idx := info.Indexes[i]
			return &idx, true
		}
	}
	return nil, false
}

// ReferencingFK pairs a foreign key with the OID of the class that
// declares it, for reverse lookups from a referenced PK's class.
type ReferencingFK struct {
	ClassOID types.OID
	FK       ForeignKeyInfo
}

// FindForeignKeysReferencing returns every foreign key, across all
// classes, whose RefClassOID is pkClassOID. Used by the PK-delete and
// PK-update enforcement paths to find dependents.
func (c *Catalog) FindForeignKeysReferencing(pkClassOID types.OID) []ReferencingFK {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []ReferencingFK
	for _, info := range c.classes {
		for _, fk := range info.ForeignKeys {
			if fk.RefClassOID == pkClassOID {
				out = append(out, ReferencingFK{ClassOID: info.ClassOID, FK: fk})
			}
		}
	}
	return out
}

func intSliceEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
