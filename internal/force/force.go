// Package force implements the force/flush engine (spec.md §4.7): given a
// batched copy-area of insert/update/delete intents sharing a payload blob,
// apply each to its heap file, fan out to the affected class's indexes,
// and log a page image for durability.
//
// The teacher has no standalone "force" concept — a caller would have
// driven internal/heap.Table directly one row at a time. This package
// generalizes that single-row call shape into the spec's explicit batch
// framing while keeping the same "one call per physical operation, surface
// the first error" style internal/heap.Table's own callers would use. Page
// durability is grounded on internal/wal.Manager, the teacher's redo-log
// writer: after a row lands in the buffer pool, its home page image is
// appended to the WAL before the batch moves on, the same before-eviction
// ordering internal/bufferpool.Pool's dirty-page flush already assumes.
package force

import (
	"sync"

	"github.com/google/uuid"

	"github.com/novadb/heapstore/internal/errs"
	"github.com/novadb/heapstore/internal/heapfile"
	"github.com/novadb/heapstore/internal/metrics"
	"github.com/novadb/heapstore/internal/storage"
	"github.com/novadb/heapstore/internal/storeid"
	"github.com/novadb/heapstore/internal/wal"
)

// OpKind is the operation a copy-area intent applies (spec.md §4.7).
type OpKind uint8

const (
	OpInsert OpKind = iota
	OpUpdate
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Intent is one copy-area descriptor. spec.md §4.7 frames this as
// {operation, hfid, class-oid, oid, offset, length} sharing one payload
// blob; offset/length collapse into Payload directly here. OID is the
// zero OID for OpInsert — heapfile.Table.Insert assigns it (the spec's
// ASSIGN_ADDRESS case).
type Intent struct {
	Kind     OpKind
	HFID     storeid.HFID
	ClassOID storeid.ClassOID
	OID      storeid.OID
	Group    int32
	Payload  []byte
}

// CopyArea is one force batch. BatchID only correlates log lines across a
// batch's rows; this subsystem has no transaction manager of its own (§1:
// out of scope, a collaborator).
type CopyArea struct {
	BatchID uuid.UUID
	Intents []Intent
}

// Indexer is the minimal index-maintenance surface the force engine
// drives. internal/btree.Tree does not satisfy this directly — its keys
// are int64 and its TIDs are internal/heap.TID rather than storeid.OID;
// internal/btreeindex.Adapter bridges the two.
type Indexer interface {
	InsertKey(key []byte, oid storeid.OID) error
	DeleteKey(key []byte) error
}

// IndexSpec binds one index to a class. ExtractKey decodes the index's key
// out of a row's oid and payload — spec.md §4.5's
// get_key(index-ordinal, oid, record) -> key, injected the same way
// heapfile.GroupExtractor keeps heapfile decoupled from attrinfo's wire
// format. internal/attrinfo.AttrInfoExtractKey builds one of these against
// a concrete class schema and index ordinal.
type IndexSpec struct {
	Index        Indexer
	ExtractKey   func(oid storeid.OID, payload []byte) ([]byte, error)
	IsPrimaryKey bool
}

// Options controls per-call Apply behavior.
type Options struct {
	// SkipIndexMaintenance bypasses maintainIndexes entirely (spec.md
	// §4.9): a bulk-load or reindex caller that is about to rebuild every
	// index from a full scan anyway shouldn't pay for incremental
	// maintenance on the way in.
	SkipIndexMaintenance bool
}

// TableSource resolves the heapfile.Table backing a hfid. The engine calls
// it at most once per distinct hfid seen in a batch and caches the result,
// mirroring spec.md §4.7's "open a force scan-cache if the hfid changed".
type TableSource func(hfid storeid.HFID) (*heapfile.Table, error)

// ClassIndexes returns the index specs to maintain for a class, or nil for
// the root/schema class (spec.md §4.6.6: root-class writes update the
// catalog instead of user indexes).
type ClassIndexes func(classOID storeid.ClassOID) []IndexSpec

// Engine applies force batches (spec.md §4.7).
type Engine struct {
	Tables       TableSource
	Indexes      ClassIndexes
	RootClassOID storeid.ClassOID
	WAL          *wal.Manager // optional; nil disables page-image logging

	mu     sync.Mutex
	opened map[storeid.HFID]*heapfile.Table
}

// NewEngine builds a force engine. walMgr may be nil.
func NewEngine(tables TableSource, indexes ClassIndexes, rootClassOID storeid.ClassOID, walMgr *wal.Manager) *Engine {
	return &Engine{
		Tables:       tables,
		Indexes:      indexes,
		RootClassOID: rootClassOID,
		WAL:          walMgr,
		opened:       make(map[storeid.HFID]*heapfile.Table),
	}
}

func (e *Engine) tableFor(hfid storeid.HFID) (*heapfile.Table, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.opened[hfid]; ok {
		return t, nil
	}
	t, err := e.Tables(hfid)
	if err != nil {
		return nil, err
	}
	e.opened[hfid] = t
	return t, nil
}

// Result tallies a batch's applied operations by kind.
type Result struct {
	Inserted int
	Updated  int
	Deleted  int
}

// Apply runs every intent of batch in order. The first error aborts the
// whole batch and is returned wrapped as errs.Recovery (spec.md §4.7: "On
// error abort the top op and return"). Intents applied before the failing
// one stay applied; Apply does not undo them. Skipping a failing row and
// carrying on is replapply's job (§4.8).
func (e *Engine) Apply(batch CopyArea, opts Options) (Result, error) {
	var res Result
	for i, in := range batch.Intents {
		oid, err := e.applyOne(in, opts)
		if err != nil {
			return res, errs.Wrap(errs.Recovery, "force: batch aborted", err)
		}

		metrics.ForceOps.WithLabelValues(in.Kind.String()).Inc()
		switch in.Kind {
		case OpInsert:
			res.Inserted++
		case OpUpdate:
			res.Updated++
		case OpDelete:
			res.Deleted++
		}
		batch.Intents[i].OID = oid
	}
	return res, nil
}

func (e *Engine) applyOne(in Intent, opts Options) (storeid.OID, error) {
	tbl, err := e.tableFor(in.HFID)
	if err != nil {
		return storeid.OID{}, err
	}

	isSchema := in.ClassOID == e.RootClassOID

	var oid storeid.OID
	var oldPayload []byte

	switch in.Kind {
	case OpInsert:
		oid, err = tbl.Insert(in.Payload, in.Group)
		if err != nil {
			return storeid.OID{}, err
		}
	case OpUpdate:
		oid = in.OID
		if !isSchema {
			if oldPayload, err = tbl.Get(oid); err != nil {
				return storeid.OID{}, err
			}
		}
		if err := tbl.Update(oid, in.Payload); err != nil {
			return storeid.OID{}, err
		}
	case OpDelete:
		oid = in.OID
		if !isSchema {
			if oldPayload, err = tbl.Get(oid); err != nil {
				return storeid.OID{}, err
			}
		}
		if err := tbl.Delete(oid); err != nil {
			return storeid.OID{}, err
		}
	default:
		return storeid.OID{}, errs.New(errs.Invalid, "force: unknown operation kind")
	}

	if err := e.logPage(tbl, oid); err != nil {
		return storeid.OID{}, err
	}

	if isSchema {
		// Root-class writes are catalog updates; no user-index maintenance
		// (spec.md §4.6.6).
		return oid, nil
	}
	if opts.SkipIndexMaintenance {
		return oid, nil
	}
	return oid, e.maintainIndexes(in.ClassOID, in.Kind, oid, oldPayload, in.Payload)
}

func (e *Engine) maintainIndexes(classOID storeid.ClassOID, kind OpKind, oid storeid.OID, oldPayload, newPayload []byte) error {
	if e.Indexes == nil {
		return nil
	}
	for _, spec := range e.Indexes(classOID) {
		switch kind {
		case OpInsert:
			key, err := spec.ExtractKey(oid, newPayload)
			if err != nil {
				return err
			}
			if err := spec.Index.InsertKey(key, oid); err != nil {
				return err
			}
		case OpDelete:
			key, err := spec.ExtractKey(oid, oldPayload)
			if err != nil {
				return err
			}
			if err := spec.Index.DeleteKey(key); err != nil {
				return err
			}
		case OpUpdate:
			oldKey, err := spec.ExtractKey(oid, oldPayload)
			if err != nil {
				return err
			}
			newKey, err := spec.ExtractKey(oid, newPayload)
			if err != nil {
				return err
			}
			if err := spec.Index.DeleteKey(oldKey); err != nil {
				return err
			}
			if err := spec.Index.InsertKey(newKey, oid); err != nil {
				return err
			}
		}
	}
	return nil
}

// logPage appends oid's home page image to the WAL, best-effort degraded
// to a no-op when the table's FileSet isn't a storage.LocalFileSet (the WAL
// record format names a dir/base pair; see internal/wal.Manager).
func (e *Engine) logPage(tbl *heapfile.Table, oid storeid.OID) error {
	if e.WAL == nil {
		return nil
	}
	lfs, ok := tbl.FS.(storage.LocalFileSet)
	if !ok {
		return nil
	}

	vpid := oid.VPID()
	page, err := tbl.BP.GetPage(vpid.Page)
	if err != nil {
		return err
	}
	buf := append([]byte(nil), page.Buf...)
	if uerr := tbl.BP.Unpin(page, false); uerr != nil {
		return uerr
	}

	if _, err := e.WAL.AppendPageImage(lfs.Dir, lfs.Base, vpid.Page, buf); err != nil {
		return errs.Wrap(errs.Recovery, "force: wal append failed", err)
	}
	return nil
}
