// Package pagefile implements the B+tree runtime external collaborator
// the index maintainer (pkg/index) drives: per-BTID ordered key storage
// with unique/range lookup, insert/delete/update of postings, foreign
// key presence checks, and the root-header unique-statistics counters
// index maintenance reflects at commit (spec §1, §4.6, §6).
//
// Storage is bbolt-backed, one nested bucket per BTID, the same way
// pkg/ehash and pkg/heap are. The root-header counters
// (num_oids/num_nulls/num_keys/unique/reverse) are encoded with
// pkg/pagecodec so the fixed on-disk layout C1 defines is the one this
// package actually persists, not a reinvention of it. Every entries
// value is itself framed with a pagecodec.LeafRecordPrefix; a key
// longer than pagecodec.InlineKeyLimit spills its excess bytes into an
// overflow-key chain stored in a sibling bucket, walked and built with
// pagecodec.OverflowKeyHeader the same way spec §8 describes for the
// original page-file layout (§8's "leaf record prefix encodes only the
// overflow VPID").
package pagefile

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/cuemby/locus/pkg/locuserr"
	"github.com/cuemby/locus/pkg/pagecodec"
	"github.com/cuemby/locus/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketTrees    = []byte("btrees")
	keyMeta        = []byte("meta")
	bucketEntries  = []byte("entries")
	bucketOverflow = []byte("overflow")
)

// treePageSize is the nominal page size this store frames leaf records
// and overflow-chain pages against; it only governs InlineKeyLimit and
// the size of one overflow-chain chunk, since bbolt itself has no fixed
// page size a caller can target.
const treePageSize = 4096

// overflowChunkSize is how many key bytes one overflow-chain page
// carries, after its fixed pagecodec.OverflowKeyHeader.
const overflowChunkSize = treePageSize - pagecodec.OverflowKeyHeaderSize

// Entry is one key and its posting list, as returned by RangeSearch.
type Entry struct {
	Key  []byte
	OIDs []types.OID
}

// Store is the bbolt-backed B+tree runtime.
type Store struct {
	db *bolt.DB
}

// Open creates or opens a pagefile store at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("pagefile: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTrees)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("pagefile: create bucket: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func btidKey(btid types.BTID) []byte {
	return []byte(fmt.Sprintf("%d|%d|%d", btid.Volume, btid.FileID, btid.RootPage))
}

// CreateIndex allocates an empty tree for btid.
func (s *Store) CreateIndex(btid types.BTID, unique, reverse bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		trees := tx.Bucket(bucketTrees)
		tb, err := trees.CreateBucketIfNotExists(btidKey(btid))
		if err != nil {
			return err
		}
		if _, err := tb.CreateBucketIfNotExists(bucketEntries); err != nil {
			return err
		}
		if _, err := tb.CreateBucketIfNotExists(bucketOverflow); err != nil {
			return err
		}
		hdr := pagecodec.RootHeader{
			NodeHeader: pagecodec.NodeHeader{NodeType: pagecodec.NodeTypeLeaf},
			Unique:     unique,
			Reverse:    reverse,
			RevLevel:   pagecodec.RevLevel,
		}
		return putRootHeader(tb, hdr)
	})
}

func putRootHeader(tb *bolt.Bucket, hdr pagecodec.RootHeader) error {
	buf := make([]byte, pagecodec.RootHeaderSize)
	pagecodec.WriteRootHeader(buf, 0, hdr)
	return tb.Put(keyMeta, buf)
}

func getRootHeader(tb *bolt.Bucket) (pagecodec.RootHeader, error) {
	buf := tb.Get(keyMeta)
	if buf == nil {
		return pagecodec.RootHeader{}, locuserr.New(locuserr.CodeNotFound, "btree meta")
	}
	return pagecodec.ReadRootHeader(buf, 0), nil
}

// GetRootHeader returns btid's current root-header counters.
func (s *Store) GetRootHeader(btid types.BTID) (pagecodec.RootHeader, error) {
	var hdr pagecodec.RootHeader
	err := s.db.View(func(tx *bolt.Tx) error {
		tb := tx.Bucket(bucketTrees).Bucket(btidKey(btid))
		if tb == nil {
			return locuserr.New(locuserr.CodeNotFound, btid)
		}
		h, err := getRootHeader(tb)
		hdr = h
		return err
	})
	return hdr, err
}

type posting struct {
	OIDs []types.OID
}

// writeOverflowChain stores key's bytes beyond the inline limit as a
// forward-linked chain of pages in ovf, each page.Put()ed under a VPID
// key allocated from ovf's bbolt sequence (a monotonic counter that
// survives restarts, the natural stand-in for a manual page allocator).
// It returns the head VPID of the chain, or types.NullVPID if key fits
// entirely inline.
func writeOverflowChain(ovf *bolt.Bucket, key []byte) (types.VPID, error) {
	limit := pagecodec.InlineKeyLimit(treePageSize)
	if len(key) <= limit {
		return types.NullVPID, nil
	}
	spill := key[limit:]

	var head types.VPID
	next := types.NullVPID
	for start := len(spill); start > 0; {
		chunkStart := start - overflowChunkSize
		if chunkStart < 0 {
			chunkStart = 0
		}
		chunk := spill[chunkStart:start]

		seq, err := ovf.NextSequence()
		if err != nil {
			return types.NullVPID, err
		}
		vpid := types.VPID{Volume: 0, Page: int32(seq)}

		page := make([]byte, pagecodec.OverflowKeyHeaderSize+len(chunk))
		pagecodec.WriteOverflowKeyHeader(page, 0, pagecodec.OverflowKeyHeader{NextVPID: next})
		copy(page[pagecodec.OverflowKeyHeaderSize:], chunk)
		if err := ovf.Put(vpidKey(vpid), page); err != nil {
			return types.NullVPID, err
		}

		head = vpid
		next = vpid
		start = chunkStart
	}
	return head, nil
}

// deleteOverflowChain removes every page in the chain rooted at head.
func deleteOverflowChain(ovf *bolt.Bucket, head types.VPID) error {
	for !head.IsNull() {
		k := vpidKey(head)
		page := ovf.Get(k)
		if page == nil {
			return nil
		}
		next := pagecodec.ReadOverflowKeyHeader(page, 0).NextVPID
		if err := ovf.Delete(k); err != nil {
			return err
		}
		head = next
	}
	return nil
}

func vpidKey(v types.VPID) []byte {
	return []byte(fmt.Sprintf("ovf|%d|%d", v.Volume, v.Page))
}

// encodeRecord frames payload with a pagecodec.LeafRecordPrefix
// carrying keyLen and ovflVPID, the header every stored entry value
// opens with.
func encodeRecord(keyLen int, ovflVPID types.VPID, payload []byte) []byte {
	buf := make([]byte, pagecodec.LeafRecordPrefixSize+len(payload))
	pagecodec.WriteLeafRecordPrefix(buf, 0, pagecodec.LeafRecordPrefix{
		OvflVPID: ovflVPID,
		KeyLen:   int16(keyLen),
	})
	copy(buf[pagecodec.LeafRecordPrefixSize:], payload)
	return buf
}

func decodeRecord(data []byte) (pagecodec.LeafRecordPrefix, []byte) {
	prefix := pagecodec.ReadLeafRecordPrefix(data, 0)
	return prefix, data[pagecodec.LeafRecordPrefixSize:]
}

// Insert adds oid under key in btid. isNull marks key as a SQL-null
// entry for the num_nulls counter. Unique indexes reject a second
// distinct OID under the same key with CodeUniqueConstraintFailed. Keys
// longer than pagecodec.InlineKeyLimit spill their tail into a fresh
// overflow-key chain, referenced from the entry's leaf record prefix.
func (s *Store) Insert(btid types.BTID, key []byte, oid types.OID, isNull bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		tb := tx.Bucket(bucketTrees).Bucket(btidKey(btid))
		if tb == nil {
			return locuserr.New(locuserr.CodeNotFound, btid)
		}
		entries := tb.Bucket(bucketEntries)
		ovf := tb.Bucket(bucketOverflow)
		hdr, err := getRootHeader(tb)
		if err != nil {
			return err
		}

		existing := entries.Get(key)
		var p posting
		var ovflVPID types.VPID
		isNewKey := existing == nil
		if !isNewKey {
			prefix, payload := decodeRecord(existing)
			ovflVPID = prefix.OvflVPID
			if err := json.Unmarshal(payload, &p); err != nil {
				return err
			}
			if hdr.Unique && !isNull {
				for _, o := range p.OIDs {
					if o != oid {
						return locuserr.New(locuserr.CodeUniqueConstraintFailed, key)
					}
				}
			}
		} else {
			v, err := writeOverflowChain(ovf, key)
			if err != nil {
				return err
			}
			ovflVPID = v
		}
		p.OIDs = append(p.OIDs, oid)
		payload, err := json.Marshal(p)
		if err != nil {
			return err
		}
		if err := entries.Put(key, encodeRecord(len(key), ovflVPID, payload)); err != nil {
			return err
		}

		hdr.NumOIDs++
		if isNewKey {
			hdr.NumKeys++
		}
		if isNull {
			hdr.NumNulls++
		}
		return putRootHeader(tb, hdr)
	})
}

// Delete removes oid's posting under key. If the posting list becomes
// empty, the key entry itself is removed, along with any overflow-key
// chain it spilled into.
func (s *Store) Delete(btid types.BTID, key []byte, oid types.OID, isNull bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		tb := tx.Bucket(bucketTrees).Bucket(btidKey(btid))
		if tb == nil {
			return locuserr.New(locuserr.CodeNotFound, btid)
		}
		entries := tb.Bucket(bucketEntries)
		ovf := tb.Bucket(bucketOverflow)
		hdr, err := getRootHeader(tb)
		if err != nil {
			return err
		}

		existing := entries.Get(key)
		if existing == nil {
			return locuserr.New(locuserr.CodeInconsistentBTreeEntry, key, oid)
		}
		prefix, payload := decodeRecord(existing)
		var p posting
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		removed := false
		for i, o := range p.OIDs {
			if o == oid {
				p.OIDs = append(p.OIDs[:i], p.OIDs[i+1:]...)
				removed = true
				break
			}
		}
		if !removed {
			return locuserr.New(locuserr.CodeInconsistentBTreeEntry, key, oid)
		}

		hdr.NumOIDs--
		if isNull {
			hdr.NumNulls--
		}
		if len(p.OIDs) == 0 {
			if err := entries.Delete(key); err != nil {
				return err
			}
			if err := deleteOverflowChain(ovf, prefix.OvflVPID); err != nil {
				return err
			}
			hdr.NumKeys--
		} else {
			newPayload, err := json.Marshal(p)
			if err != nil {
				return err
			}
			if err := entries.Put(key, encodeRecord(len(key), prefix.OvflVPID, newPayload)); err != nil {
				return err
			}
		}
		return putRootHeader(tb, hdr)
	})
}

// Update moves oid's posting from oldKey to newKey.
func (s *Store) Update(btid types.BTID, oldKey, newKey []byte, oid types.OID, oldIsNull, newIsNull bool) error {
	if err := s.Delete(btid, oldKey, oid, oldIsNull); err != nil {
		return err
	}
	return s.Insert(btid, newKey, oid, newIsNull)
}

// FindUnique returns the single OID stored under key in a unique index.
func (s *Store) FindUnique(btid types.BTID, key []byte) (types.OID, bool, error) {
	var out types.OID
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		tb := tx.Bucket(bucketTrees).Bucket(btidKey(btid))
		if tb == nil {
			return locuserr.New(locuserr.CodeNotFound, btid)
		}
		data := tb.Bucket(bucketEntries).Get(key)
		if data == nil {
			return nil
		}
		_, payload := decodeRecord(data)
		var p posting
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		if len(p.OIDs) > 0 {
			out = p.OIDs[0]
			found = true
		}
		return nil
	})
	return out, found, err
}

// FindForeignKey reports whether any entry exists under key, the
// presence check the FK enforcer runs before allowing a referencing
// insert/update (spec §4.6).
func (s *Store) FindForeignKey(btid types.BTID, key []byte) (bool, error) {
	_, found, err := s.FindUnique(btid, key)
	return found, err
}

// RangeSearch returns every entry with key in [lowKey, highKey]
// (inclusive), ordered ascending unless reverse is set.
func (s *Store) RangeSearch(btid types.BTID, lowKey, highKey []byte, reverse bool) ([]Entry, error) {
	var out []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		tb := tx.Bucket(bucketTrees).Bucket(btidKey(btid))
		if tb == nil {
			return locuserr.New(locuserr.CodeNotFound, btid)
		}
		c := tb.Bucket(bucketEntries).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if lowKey != nil && bytes.Compare(k, lowKey) < 0 {
				continue
			}
			if highKey != nil && bytes.Compare(k, highKey) > 0 {
				continue
			}
			_, payload := decodeRecord(v)
			var p posting
			if err := json.Unmarshal(payload, &p); err != nil {
				return err
			}
			out = append(out, Entry{Key: append([]byte(nil), k...), OIDs: p.OIDs})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if reverse {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

// ReflectUniqueStatistics applies a transaction-local unique-statistics
// delta to btid's root-header counters at commit, without touching any
// individual entry (spec §4.6's per-transaction stat aggregation).
func (s *Store) ReflectUniqueStatistics(btid types.BTID, deltaKeys, deltaOIDs, deltaNulls int32) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		tb := tx.Bucket(bucketTrees).Bucket(btidKey(btid))
		if tb == nil {
			return locuserr.New(locuserr.CodeNotFound, btid)
		}
		hdr, err := getRootHeader(tb)
		if err != nil {
			return err
		}
		hdr.NumKeys += deltaKeys
		hdr.NumOIDs += deltaOIDs
		hdr.NumNulls += deltaNulls
		return putRootHeader(tb, hdr)
	})
}
