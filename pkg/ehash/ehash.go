// Package ehash implements the durable classname->OID hash: the
// extendible-hash table the classname registry (pkg/catalog) treats as
// a committed, persistent key-value store. It is backed by a single
// bbolt bucket.
package ehash

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/locus/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var bucketClassnames = []byte("classnames")

// Result mirrors the three-way outcome of a durable hash search.
type Result int

const (
	Hit Result = iota
	Miss
	SearchError
)

// Store is the durable classname -> class OID table. The locator owns
// a single handle identified by the underlying bbolt file.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the durable hash at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("ehash: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketClassnames)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ehash: create bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying file handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert durably binds name to oid, overwriting any prior binding.
func (s *Store) Insert(name string, oid types.OID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(oid)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketClassnames).Put([]byte(name), data)
	})
}

// Delete removes name's binding, if any.
func (s *Store) Delete(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketClassnames).Delete([]byte(name))
	})
}

// Search looks up name, returning Hit/oid, Miss, or SearchError.
func (s *Store) Search(name string) (types.OID, Result) {
	var oid types.OID
	var result Result
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketClassnames).Get([]byte(name))
		if data == nil {
			result = Miss
			return nil
		}
		if uerr := json.Unmarshal(data, &oid); uerr != nil {
			return uerr
		}
		result = Hit
		return nil
	})
	if err != nil {
		return types.NullOID, SearchError
	}
	return oid, result
}

// Iterate calls fn for every (name, oid) binding currently in the
// durable hash. Iteration stops early if fn returns false.
func (s *Store) Iterate(fn func(name string, oid types.OID) bool) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketClassnames).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var oid types.OID
			if err := json.Unmarshal(v, &oid); err != nil {
				return err
			}
			if !fn(string(k), oid) {
				break
			}
		}
		return nil
	})
}
