package classdir

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novadb/heapstore/internal/errs"
	"github.com/novadb/heapstore/internal/storeid"
)

func newTestDir(t *testing.T) *Directory {
	t.Helper()
	path := filepath.Join(t.TempDir(), "classdir.db")
	d, err := Open(path, 2, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestReserveThenFindBeforeCommit(t *testing.T) {
	d := newTestDir(t)
	oid := storeid.ClassOID{Page: 1}

	require.NoError(t, d.Reserve(1, "widgets", oid))

	got, err := d.Find("widgets")
	require.NoError(t, err)
	assert.Equal(t, oid, got)
}

func TestReserveConflictFromAnotherTransaction(t *testing.T) {
	d := newTestDir(t)
	oid := storeid.ClassOID{Page: 1}

	require.NoError(t, d.Reserve(1, "widgets", oid))

	err := d.Reserve(2, "widgets", oid)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.Conflict))
}

func TestReserveConflictAgainstPersisted(t *testing.T) {
	d := newTestDir(t)
	oid := storeid.ClassOID{Page: 1}

	require.NoError(t, d.Reserve(1, "widgets", oid))
	require.NoError(t, d.EndTransaction(1, true))

	err := d.Reserve(2, "widgets", storeid.ClassOID{Page: 2})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.Conflict))
}

func TestCommitPersistsAndConvertsToExist(t *testing.T) {
	d := newTestDir(t)
	oid := storeid.ClassOID{Page: 1}

	require.NoError(t, d.Reserve(1, "widgets", oid))
	require.NoError(t, d.EndTransaction(1, true))

	got, err := d.Find("widgets")
	require.NoError(t, err)
	assert.Equal(t, oid, got)

	d.mu.Lock()
	e := d.transient["widgets"]
	d.mu.Unlock()
	require.NotNil(t, e)
	assert.Equal(t, Exist, e.Action)
}

func TestRollbackDropsTransientEntry(t *testing.T) {
	d := newTestDir(t)
	require.NoError(t, d.Reserve(1, "widgets", storeid.ClassOID{Page: 1}))
	require.NoError(t, d.EndTransaction(1, false))

	_, err := d.Find("widgets")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.NotFound))
}

func TestDeleteThenCommitRemovesPersisted(t *testing.T) {
	d := newTestDir(t)
	oid := storeid.ClassOID{Page: 1}
	require.NoError(t, d.Reserve(1, "widgets", oid))
	require.NoError(t, d.EndTransaction(1, true))

	require.NoError(t, d.Delete(2, "widgets"))
	require.NoError(t, d.EndTransaction(2, true))

	_, err := d.Find("widgets")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.NotFound))
}

func TestRenameFlipsBothActions(t *testing.T) {
	d := newTestDir(t)
	oid := storeid.ClassOID{Page: 1}
	require.NoError(t, d.Reserve(1, "old_name", oid))
	require.NoError(t, d.EndTransaction(1, true))

	require.NoError(t, d.Rename(2, "old_name", "new_name", oid))

	d.mu.Lock()
	oldE := d.transient["old_name"]
	newE := d.transient["new_name"]
	d.mu.Unlock()

	require.NotNil(t, oldE)
	require.NotNil(t, newE)
	assert.Equal(t, DeletedRename, oldE.Action)
	assert.Equal(t, ReservedRename, newE.Action)
}

func TestFindNotFound(t *testing.T) {
	d := newTestDir(t)
	_, err := d.Find("nope")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.NotFound))
}
