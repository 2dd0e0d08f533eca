// Package btreeindex adapts internal/btree.Tree to the surfaces
// internal/force.Indexer and internal/replapply.PrimaryKeyIndex need:
// InsertKey/DeleteKey (spec.md §4.6.6's index maintenance) and FindByKey
// (spec.md §4.8 step 7, looking an OID up by primary key).
//
// internal/btree.Tree's V1/V2 constraints don't disappear just because
// they're wrapped: Insert only accepts non-decreasing int64 keys, and
// there is no per-key delete anywhere in the package (internal/btree/drop.go
// only drops a whole index file). Adapter is therefore scoped honestly to
// what the tree can actually do:
//   - keys are truncated/zero-padded to the tree's int64 key space, so
//     callers must use monotonically increasing key bytes (e.g. an
//     attrinfo-encoded big-endian integer attribute, or an increasing OID
//     component) — out-of-order inserts surface internal/btree's own
//     ErrOutOfOrderInsert, wrapped as errs.Invalid rather than silently
//     dropped;
//   - DeleteKey has no tree-level delete to call, so it re-inserts the
//     same key with a sentinel tombstone TID; this only succeeds because
//     internal/btree.Tree.Insert treats an equal key as non-decreasing.
//     FindByKey looks only at the last-appended entry for a key: a
//     tombstone there means the key is not found, and earlier entries for
//     the key are not consulted.
package btreeindex

import (
	"github.com/novadb/heapstore/internal/btree"
	"github.com/novadb/heapstore/internal/errs"
	"github.com/novadb/heapstore/internal/heap"
	"github.com/novadb/heapstore/internal/storeid"
)

// tombstonePage marks a DeleteKey re-insert: no real heap page ever uses
// this id (storeid.NullPage is its storeid-side equivalent).
const tombstonePage = ^uint32(0)

// Adapter wraps a *btree.Tree to satisfy force.Indexer and
// replapply.PrimaryKeyIndex.
type Adapter struct {
	Tree *btree.Tree
}

// New wraps tree for index-maintenance and primary-key lookup use.
func New(tree *btree.Tree) *Adapter {
	return &Adapter{Tree: tree}
}

// keyToInt64 maps a byte-string key onto the tree's int64 key space: the
// key's first 8 bytes, zero-padded on the right if shorter, read
// big-endian. Longer keys are truncated to their leading 8 bytes. An
// attrinfo.Info.GetKey key is longer than that even for a single int64
// attribute (a bound-flag byte, 8 value bytes, then the oid suffix), so only
// the flag byte and the top 7 value bytes survive: values that differ only
// in their lowest byte map to the same int64.
func keyToInt64(key []byte) int64 {
	var b [8]byte
	copy(b[:], key)
	return int64(b[0])<<56 | int64(b[1])<<48 | int64(b[2])<<40 | int64(b[3])<<32 |
		int64(b[4])<<24 | int64(b[5])<<16 | int64(b[6])<<8 | int64(b[7])
}

func oidToTID(oid storeid.OID) heap.TID {
	return heap.TID{PageID: oid.Page, Slot: oid.Slot}
}

func tidToOID(tid heap.TID) storeid.OID {
	return storeid.OID{Page: tid.PageID, Slot: tid.Slot}
}

// InsertKey inserts key -> oid (force.Indexer).
func (a *Adapter) InsertKey(key []byte, oid storeid.OID) error {
	if err := a.Tree.Insert(keyToInt64(key), oidToTID(oid)); err != nil {
		return errs.Wrap(errs.Invalid, "btreeindex: insert out of order for this tree's V1 key ordering", err)
	}
	return nil
}

// DeleteKey marks key deleted (force.Indexer) by re-inserting the same key with a tombstone TID — internal/btree.Tree has
// no per-key delete.
func (a *Adapter) DeleteKey(key []byte) error {
	if err := a.Tree.Insert(keyToInt64(key), heap.TID{PageID: tombstonePage}); err != nil {
		return errs.Wrap(errs.Invalid, "btreeindex: tombstone insert out of order", err)
	}
	return nil
}

// FindByKey looks key up (replapply.PrimaryKeyIndex): the last TID inserted
// under key, translated to an oid, or not found if that entry is a
// tombstone. classOID
// is unused — one Adapter wraps exactly one class's primary-key tree.
func (a *Adapter) FindByKey(_ storeid.ClassOID, key []byte) (storeid.OID, bool, error) {
	tids, err := a.Tree.SearchEqual(keyToInt64(key))
	if err != nil {
		return storeid.OID{}, false, err
	}
	for i := len(tids) - 1; i >= 0; i-- {
		if tids[i].PageID == tombstonePage {
			return storeid.OID{}, false, nil
		}
		return tidToOID(tids[i]), true, nil
	}
	return storeid.OID{}, false, nil
}
