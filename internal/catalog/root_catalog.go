// Package catalog implements the system catalog (spec.md §3.4/§4.6.6): the
// persistent record of every known class's name, backing heap file, and
// schema, updated in place of user-index maintenance whenever the root
// class is written.
//
// RootCatalog stores one JSON-encoded TableMeta row per class in an
// internal/heap.Table — the teacher's plain row-oriented heap rather than
// internal/heapfile.Table's slotted/overflow/forwarding state machine,
// since catalog rows are small, fixed-shape, and never forwarded. JSON
// encoding matches internal/classdir.Directory's persisted-value format
// (json.Marshal/Unmarshal around a bbolt value), generalized here to a
// heap row instead of a bolt value.
package catalog

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/novadb/heapstore/internal/errs"
	"github.com/novadb/heapstore/internal/heap"
	"github.com/novadb/heapstore/internal/record"
	"github.com/novadb/heapstore/internal/storeid"
)

const logDebugPrefix = "catalog:"

// catalogSchema is RootCatalog's fixed row shape: the whole TableMeta,
// JSON-encoded into a single variable-length column.
var catalogSchema = record.Schema{Cols: []record.Column{
	{Name: "meta_json", Type: record.ColBytes},
}}

// Schema returns the fixed row shape RootCatalog's backing
// internal/heap.Table must be constructed with.
func Schema() record.Schema { return catalogSchema }

// RootCatalog is the system catalog singleton.
type RootCatalog struct {
	tbl *heap.Table

	mu      sync.Mutex
	byClass map[storeid.ClassOID]heap.TID
	byName  map[string]heap.TID
}

// NewRootCatalog wraps tbl (built against catalog.Schema()) with empty
// in-memory indexes; use Open instead to rehydrate from an existing table.
func NewRootCatalog(tbl *heap.Table) *RootCatalog {
	return &RootCatalog{
		tbl:     tbl,
		byClass: make(map[storeid.ClassOID]heap.TID),
		byName:  make(map[string]heap.TID),
	}
}

// Open rebuilds RootCatalog's class-oid/name indexes by scanning tbl
// (spec.md §4.3's classname-directory rehydration, generalized from
// internal/classdir.Directory's bolt-bucket load to a heap scan).
func Open(tbl *heap.Table) (*RootCatalog, error) {
	rc := NewRootCatalog(tbl)
	if err := tbl.Scan(func(id heap.TID, row []any) error {
		meta, err := decodeRow(row)
		if err != nil {
			return err
		}
		rc.byClass[meta.ClassOID] = id
		rc.byName[meta.Name] = id
		return nil
	}); err != nil {
		return nil, err
	}
	return rc, nil
}

func encodeRow(meta TableMeta) ([]any, error) {
	blob, err := json.Marshal(meta)
	if err != nil {
		return nil, errs.Wrap(errs.Invalid, "catalog: encode table meta", err)
	}
	return []any{blob}, nil
}

func decodeRow(row []any) (TableMeta, error) {
	blob, ok := row[0].([]byte)
	if !ok {
		return TableMeta{}, errs.New(errs.Invalid, "catalog: malformed catalog row")
	}
	var meta TableMeta
	if err := json.Unmarshal(blob, &meta); err != nil {
		return TableMeta{}, errs.Wrap(errs.Invalid, "catalog: decode table meta", err)
	}
	return meta, nil
}

// Put inserts or updates meta's catalog row, keyed by meta.ClassOID (spec.md
// §4.6.6: "update ... the system catalog record" on a root-class write).
func (rc *RootCatalog) Put(meta TableMeta) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	row, err := encodeRow(meta)
	if err != nil {
		return err
	}

	if tid, ok := rc.byClass[meta.ClassOID]; ok {
		if err := rc.tbl.Update(tid, row); err != nil {
			return err
		}
		rc.byName[meta.Name] = tid
		return nil
	}

	tid, err := rc.tbl.Insert(row)
	if err != nil {
		return err
	}
	rc.byClass[meta.ClassOID] = tid
	rc.byName[meta.Name] = tid
	return nil
}

// Get returns classOID's catalog row, if known.
func (rc *RootCatalog) Get(classOID storeid.ClassOID) (TableMeta, bool, error) {
	rc.mu.Lock()
	tid, ok := rc.byClass[classOID]
	rc.mu.Unlock()
	if !ok {
		return TableMeta{}, false, nil
	}

	row, err := rc.tbl.Get(tid)
	if err != nil {
		return TableMeta{}, false, err
	}
	meta, err := decodeRow(row)
	return meta, true, err
}

// Find resolves a class name to its class-OID (spec.md §4.3), satisfying
// internal/replapply.ClassResolver directly.
func (rc *RootCatalog) Find(name string) (storeid.ClassOID, error) {
	rc.mu.Lock()
	tid, ok := rc.byName[name]
	rc.mu.Unlock()
	if !ok {
		return storeid.ClassOID{}, errs.New(errs.NotFound, "catalog: unknown classname")
	}

	row, err := rc.tbl.Get(tid)
	if err != nil {
		return storeid.ClassOID{}, err
	}
	meta, err := decodeRow(row)
	if err != nil {
		return storeid.ClassOID{}, err
	}
	return meta.ClassOID, nil
}

// UpsertCatalog applies a replicated catalog-update row (spec.md §4.8 step
// 10), satisfying catalog.Upserter.
func (rc *RootCatalog) UpsertCatalog(op Op, classOID storeid.ClassOID, payload []byte) error {
	var meta TableMeta
	if err := json.Unmarshal(payload, &meta); err != nil {
		return errs.Wrap(errs.Invalid, "catalog: bad catalog-upsert payload", err)
	}
	if meta.ClassOID != classOID {
		return errs.New(errs.Invalid, "catalog: catalog-upsert payload class-oid mismatch")
	}

	slog.Debug(logDebugPrefix+" upsert", "op", op.String(), "class_oid", classOID)
	return rc.Put(meta)
}
