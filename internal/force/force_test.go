package force

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novadb/heapstore/internal/bestspace"
	"github.com/novadb/heapstore/internal/bufferpool"
	"github.com/novadb/heapstore/internal/heapfile"
	"github.com/novadb/heapstore/internal/storage"
	"github.com/novadb/heapstore/internal/storeid"
	"github.com/novadb/heapstore/internal/wal"
)

type stubIndex struct {
	inserted map[string]storeid.OID
}

func newStubIndex() *stubIndex { return &stubIndex{inserted: map[string]storeid.OID{}} }

func (s *stubIndex) InsertKey(key []byte, oid storeid.OID) error {
	s.inserted[string(key)] = oid
	return nil
}

func (s *stubIndex) DeleteKey(key []byte) error {
	delete(s.inserted, string(key))
	return nil
}

func newTestTable(t *testing.T, dir string, fileSeq uint32) *heapfile.Table {
	t.Helper()
	sm := storage.NewStorageManager()
	fs := storage.LocalFileSet{Dir: dir, Base: "data"}
	ovfFS := storage.LocalFileSet{Dir: dir, Base: "overflow"}
	bp := bufferpool.NewPool(sm, fs, 32)
	ovf := storage.NewOverflowManager(sm, ovfFS)
	bs := bestspace.New(64, 128, 0.10)

	hfid := storeid.HFID{File: storeid.FileID{FileSeq: fileSeq}}
	classOID := storeid.ClassOID{Page: fileSeq}
	tbl, err := heapfile.Create(hfid, classOID, sm, fs, bp, ovf, bs)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tbl.Close() })
	return tbl
}

func newTestEngine(t *testing.T) (*Engine, *heapfile.Table, *stubIndex) {
	t.Helper()
	dir := t.TempDir()
	tbl := newTestTable(t, dir, 1)

	walMgr, err := wal.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = walMgr.Close() })

	idx := newStubIndex()

	eng := NewEngine(
		func(hfid storeid.HFID) (*heapfile.Table, error) { return tbl, nil },
		func(c storeid.ClassOID) []IndexSpec {
			return []IndexSpec{{
				Index: idx,
				ExtractKey: func(oid storeid.OID, payload []byte) ([]byte, error) {
					return payload, nil
				},
			}}
		},
		storeid.ClassOID{Page: 999999},
		walMgr,
	)
	return eng, tbl, idx
}

func TestApplyInsertMaintainsIndexAndLogsPage(t *testing.T) {
	eng, tbl, idx := newTestEngine(t)

	batch := CopyArea{Intents: []Intent{
		{Kind: OpInsert, HFID: tbl.HFID, ClassOID: tbl.ClassOID, Payload: []byte("row-a"), Group: 1},
	}}

	res, err := eng.Apply(batch, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Len(t, idx.inserted, 1)

	oid := batch.Intents[0].OID
	got, err := tbl.Get(oid)
	require.NoError(t, err)
	assert.Equal(t, []byte("row-a"), got)
}

func TestApplyUpdateAndDeleteMaintainIndex(t *testing.T) {
	eng, tbl, idx := newTestEngine(t)

	insertBatch := CopyArea{Intents: []Intent{
		{Kind: OpInsert, HFID: tbl.HFID, ClassOID: tbl.ClassOID, Payload: []byte("v1"), Group: 1},
	}}
	_, err := eng.Apply(insertBatch, Options{})
	require.NoError(t, err)
	oid := insertBatch.Intents[0].OID

	updateBatch := CopyArea{Intents: []Intent{
		{Kind: OpUpdate, HFID: tbl.HFID, ClassOID: tbl.ClassOID, OID: oid, Payload: []byte("v2")},
	}}
	res, err := eng.Apply(updateBatch, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	_, stillV1 := idx.inserted["v1"]
	assert.False(t, stillV1)
	_, hasV2 := idx.inserted["v2"]
	assert.True(t, hasV2)

	deleteBatch := CopyArea{Intents: []Intent{
		{Kind: OpDelete, HFID: tbl.HFID, ClassOID: tbl.ClassOID, OID: oid},
	}}
	res, err = eng.Apply(deleteBatch, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)
	assert.Empty(t, idx.inserted)

	_, err = tbl.Get(oid)
	require.Error(t, err)
}

func TestApplyAbortsBatchOnError(t *testing.T) {
	eng, tbl, _ := newTestEngine(t)

	batch := CopyArea{Intents: []Intent{
		{Kind: OpInsert, HFID: tbl.HFID, ClassOID: tbl.ClassOID, Payload: []byte("ok"), Group: 1},
		{Kind: OpUpdate, HFID: tbl.HFID, ClassOID: tbl.ClassOID, OID: storeid.OID{Page: 999, Slot: 9}, Payload: []byte("boom")},
	}}

	_, err := eng.Apply(batch, Options{})
	require.Error(t, err)
}

func TestApplySkipsIndexMaintenanceForRootClass(t *testing.T) {
	dir := t.TempDir()
	tbl := newTestTable(t, dir, 2)
	idx := newStubIndex()

	eng := NewEngine(
		func(hfid storeid.HFID) (*heapfile.Table, error) { return tbl, nil },
		func(c storeid.ClassOID) []IndexSpec {
			return []IndexSpec{{Index: idx, ExtractKey: func(oid storeid.OID, p []byte) ([]byte, error) { return p, nil }}}
		},
		tbl.ClassOID, // root class == this table's class
		nil,
	)

	batch := CopyArea{Intents: []Intent{
		{Kind: OpInsert, HFID: tbl.HFID, ClassOID: tbl.ClassOID, Payload: []byte("schema-row"), Group: 1},
	}}
	_, err := eng.Apply(batch, Options{})
	require.NoError(t, err)
	assert.Empty(t, idx.inserted)
}

func TestApplySkipIndexMaintenanceOptionBypassesIndexes(t *testing.T) {
	eng, tbl, idx := newTestEngine(t)

	batch := CopyArea{Intents: []Intent{
		{Kind: OpInsert, HFID: tbl.HFID, ClassOID: tbl.ClassOID, Payload: []byte("row-a"), Group: 1},
	}}

	res, err := eng.Apply(batch, Options{SkipIndexMaintenance: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Empty(t, idx.inserted)
}
