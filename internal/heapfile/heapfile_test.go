package heapfile

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novadb/heapstore/internal/bestspace"
	"github.com/novadb/heapstore/internal/bufferpool"
	"github.com/novadb/heapstore/internal/storage"
	"github.com/novadb/heapstore/internal/storeid"
)

func newTestTable(t *testing.T, poolCapacity int) *Table {
	t.Helper()

	dir, err := os.MkdirTemp("", "heapfile-*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	sm := storage.NewStorageManager()
	fs := storage.LocalFileSet{Dir: dir, Base: "data"}
	ovfFS := storage.LocalFileSet{Dir: dir, Base: "overflow"}

	bp := bufferpool.NewPool(sm, fs, poolCapacity)
	ovf := storage.NewOverflowManager(sm, ovfFS)
	bs := bestspace.New(64, 128, 0.10)

	classOID := storeid.ClassOID{Page: 1}
	hfid := storeid.HFID{File: storeid.FileID{FileSeq: 1}, HeaderPage: storeid.VPID{Page: headerPageID}}

	tbl, err := Create(hfid, classOID, sm, fs, bp, ovf, bs)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tbl.Close() })
	return tbl
}

func TestInsertAndGetHome(t *testing.T) {
	tbl := newTestTable(t, 32)

	oid, err := tbl.Insert([]byte("hello world"), 1)
	require.NoError(t, err)

	got, err := tbl.Get(oid)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), got)
}

func TestInsertManyAcrossPages(t *testing.T) {
	tbl := newTestTable(t, 32)

	payload := make([]byte, 2000)
	var oids []storeid.OID
	for i := 0; i < 10; i++ {
		oid, err := tbl.Insert(payload, int32(i))
		require.NoError(t, err)
		oids = append(oids, oid)
	}

	for _, oid := range oids {
		got, err := tbl.Get(oid)
		require.NoError(t, err)
		assert.Len(t, got, len(payload))
	}

	hs, err := tbl.getHeader()
	require.NoError(t, err)
	assert.Greater(t, hs.PageCount, uint32(1))
}

func TestInsertOversizeGoesToOverflow(t *testing.T) {
	tbl := newTestTable(t, 32)

	big := make([]byte, storage.PageSize*2)
	for i := range big {
		big[i] = byte(i)
	}

	oid, err := tbl.Insert(big, 1)
	require.NoError(t, err)

	got, err := tbl.Get(oid)
	require.NoError(t, err)
	assert.Equal(t, big, got)
}

func TestUpdateHomeInPlace(t *testing.T) {
	tbl := newTestTable(t, 32)

	oid, err := tbl.Insert([]byte("short"), 1)
	require.NoError(t, err)

	require.NoError(t, tbl.Update(oid, []byte("still short")))

	got, err := tbl.Get(oid)
	require.NoError(t, err)
	assert.Equal(t, []byte("still short"), got)
}

func TestUpdateHomeGrowsToBigOne(t *testing.T) {
	tbl := newTestTable(t, 32)

	oid, err := tbl.Insert([]byte("short"), 1)
	require.NoError(t, err)

	big := make([]byte, storage.PageSize*2)
	require.NoError(t, tbl.Update(oid, big))

	got, err := tbl.Get(oid)
	require.NoError(t, err)
	assert.Equal(t, big, got)
}

func TestUpdateBigOneShrinksBackToHome(t *testing.T) {
	tbl := newTestTable(t, 32)

	big := make([]byte, storage.PageSize*2)
	oid, err := tbl.Insert(big, 1)
	require.NoError(t, err)

	require.NoError(t, tbl.Update(oid, []byte("tiny now")))

	got, err := tbl.Get(oid)
	require.NoError(t, err)
	assert.Equal(t, []byte("tiny now"), got)
}

func TestDeleteHomeThenGetNotFound(t *testing.T) {
	tbl := newTestTable(t, 32)

	oid, err := tbl.Insert([]byte("gone soon"), 1)
	require.NoError(t, err)
	require.NoError(t, tbl.Delete(oid))

	_, err = tbl.Get(oid)
	require.Error(t, err)
}

func TestDeleteBigOneFreesOverflow(t *testing.T) {
	tbl := newTestTable(t, 32)

	big := make([]byte, storage.PageSize*2)
	oid, err := tbl.Insert(big, 1)
	require.NoError(t, err)

	require.NoError(t, tbl.Delete(oid))
	_, err = tbl.Get(oid)
	require.Error(t, err)
}

func TestScanVisitsAllLiveRecordsAndSkipsDeleted(t *testing.T) {
	tbl := newTestTable(t, 32)

	var oids []storeid.OID
	for i := 0; i < 5; i++ {
		oid, err := tbl.Insert([]byte{byte(i)}, int32(i))
		require.NoError(t, err)
		oids = append(oids, oid)
	}
	require.NoError(t, tbl.Delete(oids[2]))

	seen := map[storeid.OID][]byte{}
	err := tbl.Scan(func(oid storeid.OID, payload []byte) error {
		cp := append([]byte(nil), payload...)
		seen[oid] = cp
		return nil
	}, nil, nil)
	require.NoError(t, err)

	assert.Len(t, seen, 4)
	_, stillThere := seen[oids[2]]
	assert.False(t, stillThere)
}

func TestScanFreeSpaceReportsPagesAndPersistsCursor(t *testing.T) {
	tbl := newTestTable(t, 32)

	for i := 0; i < 3; i++ {
		_, err := tbl.Insert(make([]byte, 3000), int32(i))
		require.NoError(t, err)
	}

	pages, _, done, err := tbl.ScanFreeSpace(tbl.HFID, storeid.VPID{Page: storeid.NullPage}, 100, false)
	require.NoError(t, err)
	assert.NotEmpty(t, pages)
	assert.True(t, done)

	// A round that reaches the end of the chain resets the persisted
	// cursor so the next sync starts over at page 1 (round-robin).
	hs, err := tbl.getHeader()
	require.NoError(t, err)
	assert.True(t, hs.Cursor.IsNull())
}
