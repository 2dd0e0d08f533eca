// heapctl is a small harness that drives the record-store subsystem
// directly, the way the teacher's cmd/manual_test/btree exercised
// internal/btree and internal/heap without a surrounding SQL engine: create
// a heap, force-apply an insert batch and then an update batch through the
// force engine, and print what landed on disk.
package main

import (
	"fmt"
	"log"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/novadb/heapstore/internal/attrinfo"
	"github.com/novadb/heapstore/internal/bestspace"
	"github.com/novadb/heapstore/internal/btree"
	"github.com/novadb/heapstore/internal/btreeindex"
	"github.com/novadb/heapstore/internal/bufferpool"
	"github.com/novadb/heapstore/internal/config"
	"github.com/novadb/heapstore/internal/force"
	"github.com/novadb/heapstore/internal/heapfile"
	"github.com/novadb/heapstore/internal/record"
	"github.com/novadb/heapstore/internal/storage"
	"github.com/novadb/heapstore/internal/storeid"
	"github.com/novadb/heapstore/internal/wal"
)

// ordersSchema describes the "orders" class: a leading int64 order-id
// attribute the primary index is keyed on, and one text note attribute.
// Every payload this harness writes is an attrinfo-encoded record of this
// schema (see encodeOrder).
var ordersSchema = record.Schema{
	Cols: []record.Column{
		{Name: "order_id", Type: record.ColInt64},
		{Name: "note", Type: record.ColText},
	},
	Indexes: []record.IndexDef{
		{AttrIDs: []int{0}, IsPrimary: true},
	},
}

func main() {
	cfg := config.Default()
	dataDir := filepath.Join("data", "heapctl_db")

	sm := storage.NewStorageManager()
	fs := storage.LocalFileSet{Dir: dataDir, Base: "orders"}
	ovfFS := storage.LocalFileSet{Dir: dataDir, Base: "orders_overflow"}
	bp := bufferpool.NewPool(sm, fs, bufferpool.DefaultCapacity)
	ovf := storage.NewOverflowManager(sm, ovfFS)
	bs := bestspace.New(cfg.BestSpace.CacheCapacity, cfg.BestSpace.DropThreshold, cfg.BestSpace.UnfillMargin)

	hfid := storeid.HFID{File: storeid.FileID{FileSeq: 1}}
	classOID := storeid.ClassOID{Page: 1}

	tbl, err := heapfile.Create(hfid, classOID, sm, fs, bp, ovf, bs)
	if err != nil {
		log.Fatalf("heapfile.Create: %v", err)
	}
	defer tbl.Close()

	walMgr, err := wal.Open(filepath.Join(dataDir, "wal"))
	if err != nil {
		log.Fatalf("wal.Open: %v", err)
	}
	defer walMgr.Close()

	idxFS := storage.LocalFileSet{Dir: dataDir, Base: "orders_pk"}
	idxBP := bufferpool.NewPool(sm, idxFS, bufferpool.DefaultCapacity)
	pkTree := btree.NewTree(sm, idxFS, idxBP)
	pkIndex := btreeindex.New(pkTree)

	eng := force.NewEngine(
		func(h storeid.HFID) (*heapfile.Table, error) { return tbl, nil },
		func(c storeid.ClassOID) []force.IndexSpec {
			return []force.IndexSpec{{
				Index:        pkIndex,
				ExtractKey:   force.AttrInfoExtractKey(classOID, 0, ordersSchema, 0),
				IsPrimaryKey: true,
			}}
		},
		storeid.ClassOID{}, // no root/schema class
		walMgr,
	)

	insertBatch := force.CopyArea{
		BatchID: uuid.New(),
		Intents: []force.Intent{
			{Kind: force.OpInsert, HFID: hfid, ClassOID: classOID, Payload: encodeOrder(classOID, 1, "order #1: widget x3"), Group: 1},
			{Kind: force.OpInsert, HFID: hfid, ClassOID: classOID, Payload: encodeOrder(classOID, 2, "order #2: gadget x1"), Group: 1},
		},
	}
	res, err := eng.Apply(insertBatch, force.Options{})
	if err != nil {
		log.Fatalf("force.Apply(insert): %v", err)
	}
	fmt.Printf("inserted %d rows\n", res.Inserted)

	firstOID := insertBatch.Intents[0].OID
	updateBatch := force.CopyArea{
		BatchID: uuid.New(),
		Intents: []force.Intent{
			{Kind: force.OpUpdate, HFID: hfid, ClassOID: classOID, OID: firstOID, Payload: encodeOrder(classOID, 1, "order #1: widget x5 (updated)")},
		},
	}
	if _, err := eng.Apply(updateBatch, force.Options{}); err != nil {
		log.Fatalf("force.Apply(update): %v", err)
	}

	if err := tbl.Scan(func(oid storeid.OID, payload []byte) error {
		fmt.Printf("oid=%s payload=%q\n", oid.String(), payload)
		return nil
	}, nil, nil); err != nil {
		log.Fatalf("Scan: %v", err)
	}

	if oid, found, err := pkIndex.FindByKey(classOID, encodePKKey(1)); err != nil {
		log.Fatalf("pkIndex.FindByKey: %v", err)
	} else if found {
		fmt.Printf("order_id=1 -> oid=%s\n", oid.String())
	}
}

// encodeOrder builds an attrinfo wire-format record for ordersSchema.
func encodeOrder(classOID storeid.ClassOID, orderID int64, note string) []byte {
	info := attrinfo.Start(classOID, 0, ordersSchema)
	if err := info.Set(0, orderID); err != nil {
		log.Fatalf("attrinfo.Set(order_id): %v", err)
	}
	if err := info.Set(1, note); err != nil {
		log.Fatalf("attrinfo.Set(note): %v", err)
	}
	size, err := info.GetDiskSize()
	if err != nil {
		log.Fatalf("attrinfo.GetDiskSize: %v", err)
	}
	buf := make([]byte, size)
	if _, err := info.TransformToDisk(buf, 1); err != nil {
		log.Fatalf("attrinfo.TransformToDisk: %v", err)
	}
	return buf
}

// encodePKKey builds the same order_id-only key force.AttrInfoExtractKey
// would have extracted, for a standalone lookup by value: the bound-flag
// byte attrinfo.Info.GetKey writes before each attribute, then orderID
// big-endian. The oid suffix GetKey appends is irrelevant to btreeindex's
// int64 truncation (it only keeps the leading 8 bytes), so it is left out.
func encodePKKey(orderID int64) []byte {
	b := make([]byte, 9)
	b[0] = 1
	for i := 0; i < 8; i++ {
		b[1+i] = byte(orderID >> uint(56-8*i))
	}
	return b
}
