// Package replapply implements the replication apply engine (spec.md
// §4.8): same intent shape as internal/force, but the incoming row carries
// a primary-key value and class name instead of a known OID/HFID, and a
// single failing row is recorded and skipped rather than aborting the
// whole batch.
//
// Grounded on internal/force.Engine's dispatch-by-kind structure (kept,
// not duplicated: replapply wraps a force.Engine rather than
// reimplementing insert/update/delete) plus internal/classdir.Directory
// for classname->class-OID resolution (§4.3) and internal/errs.IgnoreOnApply
// for the "ignore on apply" predicate spec.md §4.8 step 11 and §7 define.
// uuid.UUID row ids let the reply copy-area correlate failures back to the
// log reader's row without needing the original OID.
package replapply

import (
	"github.com/google/uuid"

	"github.com/novadb/heapstore/internal/catalog"
	"github.com/novadb/heapstore/internal/errs"
	"github.com/novadb/heapstore/internal/force"
	"github.com/novadb/heapstore/internal/metrics"
	"github.com/novadb/heapstore/internal/storeid"
)

// PrimaryKeyIndex is the lookup surface replapply needs from the primary
// B-tree (spec.md §4.8 step 7: "uses the primary key to look up the OID").
// internal/btree.Tree's SearchEqual is keyed on int64 and returns
// internal/heap.TID, not storeid.OID; internal/btreeindex.Adapter bridges
// the two.
type PrimaryKeyIndex interface {
	FindByKey(classOID storeid.ClassOID, key []byte) (storeid.OID, bool, error)
}

// ClassResolver resolves a class name to its OID (spec.md §4.3/§4.8 step 2).
type ClassResolver interface {
	Find(name string) (storeid.ClassOID, error)
}

// HFIDOf resolves the HFID backing a resolved class-OID (spec.md §4.8
// step 4).
type HFIDOf func(classOID storeid.ClassOID) (storeid.HFID, error)

// Row is one replication log entry (spec.md §4.8's input shape: a packed
// primary-key value and class name precede the payload). CatalogOp is
// catalog.OpNone for an ordinary data row; any other value routes the row
// to Engine.Catalog's catalog-upsert path instead of the normal
// insert/update/delete dispatch (spec.md §4.8 step 10), and Payload is then
// the JSON-encoded catalog.TableMeta to upsert.
type Row struct {
	RowID      uuid.UUID
	Kind       force.OpKind
	ClassName  string
	PrimaryKey []byte // required for Update/Delete; ignored for Insert
	Group      int32
	Payload    []byte
	CatalogOp  catalog.Op
}

// Batch is one replication apply call.
type Batch struct {
	BatchID uuid.UUID
	Rows    []Row
}

// FailedRow is one reply copy-area descriptor (spec.md §4.8: "the reply
// copy-area lets the log reader checkpoint past those rows").
type FailedRow struct {
	RowID   uuid.UUID
	Key     []byte
	Kind    errs.Kind
	Message string
}

// FailureTally counts one class-oid's applied/failed rows within a batch
// (spec.md §4.9, grounded on the original implementation's locator_sr.c
// per-class skip/fail counters). Rows whose classname never resolved to a
// class-OID are tallied under the zero ClassOID.
type FailureTally struct {
	Applied int
	Failed  int
}

// Result is what Apply returns: applied counts plus any ignored rows,
// broken down per class (spec.md §4.9).
type Result struct {
	Applied  int
	Failed   []FailedRow
	PerClass map[storeid.ClassOID]FailureTally
}

// Engine applies replication batches (spec.md §4.8). Catalog is optional;
// a nil Catalog rejects any row with a non-zero CatalogOp.
type Engine struct {
	Force   *force.Engine
	Classes ClassResolver
	PK      PrimaryKeyIndex
	HFIDOf  HFIDOf
	Catalog catalog.Upserter
}

func NewEngine(f *force.Engine, classes ClassResolver, pk PrimaryKeyIndex, hfidOf HFIDOf) *Engine {
	return &Engine{Force: f, Classes: classes, PK: pk, HFIDOf: hfidOf}
}

// WithCatalog attaches the catalog-upsert surface HA_CATALOG_ANALYZER_UPDATE
// / HA_CATALOG_APPLIER_UPDATE rows need (spec.md §4.8 step 10), returning e
// for chaining after NewEngine.
func (e *Engine) WithCatalog(c catalog.Upserter) *Engine {
	e.Catalog = c
	return e
}

// Apply runs every row of batch independently (spec.md §4.8: "surfaces
// per-row errors without aborting the batch"). A row whose error kind
// matches errs.IgnoreOnApply is recorded in Result.Failed and the batch
// continues; any other error aborts the whole batch immediately, since it
// signals a problem (e.g. a write failure) the log reader cannot safely
// skip past.
func (e *Engine) Apply(batch Batch) (Result, error) {
	res := Result{PerClass: make(map[storeid.ClassOID]FailureTally)}
	for _, row := range batch.Rows {
		classOID, err := e.applyRow(row)
		tally := res.PerClass[classOID]
		if err == nil {
			res.Applied++
			tally.Applied++
			res.PerClass[classOID] = tally
			continue
		}
		if errs.IgnoreOnApply(err) {
			kind, _ := errs.KindOf(err)
			res.Failed = append(res.Failed, FailedRow{
				RowID:   row.RowID,
				Key:     row.PrimaryKey,
				Kind:    kind,
				Message: err.Error(),
			})
			tally.Failed++
			res.PerClass[classOID] = tally
			metrics.ReplicaApplyPerClassFailures.WithLabelValues(row.ClassName).Inc()
			continue
		}
		return res, errs.Wrap(errs.Recovery, "replapply: batch aborted", err)
	}

	if len(res.Failed) > 0 {
		metrics.ReplicaApplyPartialFailures.Inc()
		return res, errs.New(errs.PartialBatch, "replapply: batch partially failed to apply")
	}
	return res, nil
}

// applyRow applies one row and returns the class-OID it was tallied under
// (the zero ClassOID if classname resolution itself failed).
func (e *Engine) applyRow(row Row) (storeid.ClassOID, error) {
	classOID, err := e.Classes.Find(row.ClassName)
	if err != nil {
		return storeid.ClassOID{}, errs.Wrap(errs.NotFound, "replapply: unknown classname", err)
	}

	if row.CatalogOp != catalog.OpNone {
		if e.Catalog == nil {
			return classOID, errs.New(errs.Invalid, "replapply: no catalog upserter configured for catalog-op row")
		}
		return classOID, e.Catalog.UpsertCatalog(row.CatalogOp, classOID, row.Payload)
	}

	hfid, err := e.HFIDOf(classOID)
	if err != nil {
		return classOID, err
	}

	intent := force.Intent{
		Kind:     row.Kind,
		HFID:     hfid,
		ClassOID: classOID,
		Group:    row.Group,
		Payload:  row.Payload,
	}

	if row.Kind == force.OpUpdate || row.Kind == force.OpDelete {
		oid, found, err := e.PK.FindByKey(classOID, row.PrimaryKey)
		if err != nil {
			return classOID, err
		}
		if !found {
			return classOID, errs.New(errs.NotFound, "replapply: primary key not found")
		}
		if oid.Group != row.Group {
			return classOID, errs.New(errs.Invalid, "replapply: shard-group mismatch between record and found oid")
		}
		intent.OID = oid
	}

	batch := force.CopyArea{Intents: []force.Intent{intent}}
	_, err = e.Force.Apply(batch, force.Options{})
	return classOID, err
}
