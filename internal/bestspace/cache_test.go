package bestspace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novadb/heapstore/internal/errs"
	"github.com/novadb/heapstore/internal/storeid"
)

func hfid(n uint32) storeid.HFID {
	return storeid.HFID{File: storeid.FileID{Volume: 0, FileSeq: n}}
}

func vpid(n uint32) storeid.VPID {
	return storeid.VPID{Volume: 0, Page: n}
}

func TestAddRespectsDropThreshold(t *testing.T) {
	c := New(10, 100, 0.1)

	require.NoError(t, c.Add(hfid(1), vpid(1), 50)) // below threshold: ignored
	assert.Equal(t, 0, c.Len())

	require.NoError(t, c.Add(hfid(1), vpid(2), 200))
	assert.Equal(t, 1, c.Len())
}

func TestAddFailsAtCapacity(t *testing.T) {
	c := New(2, 0, 0.1)

	require.NoError(t, c.Add(hfid(1), vpid(1), 10))
	require.NoError(t, c.Add(hfid(1), vpid(2), 10))

	err := c.Add(hfid(1), vpid(3), 10)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.Resource))
	assert.Equal(t, 2, c.Len())
}

func TestUpdateOverwritesExisting(t *testing.T) {
	c := New(10, 0, 0.1)
	require.NoError(t, c.Add(hfid(1), vpid(1), 100))

	require.NoError(t, c.Update(hfid(1), vpid(1), 500))

	_, free, ok := c.Remove(hfid(1))
	require.True(t, ok)
	assert.Equal(t, 500, free)
}

func TestRemovePrefersMRU(t *testing.T) {
	c := New(10, 0, 0.1)
	require.NoError(t, c.Add(hfid(1), vpid(1), 100))
	require.NoError(t, c.Add(hfid(1), vpid(2), 200))

	v, _, ok := c.Remove(hfid(1))
	require.True(t, ok)
	assert.Equal(t, vpid(2), v)
}

func TestRemoveOnEmptyBucket(t *testing.T) {
	c := New(10, 0, 0.1)
	_, _, ok := c.Remove(hfid(99))
	assert.False(t, ok)
}

func TestDelAllByHFIDDropsEntriesAndStopsSync(t *testing.T) {
	c := New(10, 0, 0.1)
	require.NoError(t, c.Add(hfid(1), vpid(1), 100))
	require.NoError(t, c.Add(hfid(1), vpid(2), 100))
	require.NoError(t, c.Add(hfid(2), vpid(3), 100))

	n := c.DelAllByHFID(hfid(1))
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, c.Len())

	_, _, ok := c.Remove(hfid(1))
	assert.False(t, ok)
}

type fakeScanner struct {
	pages map[storeid.HFID][]PageSpace
}

func (f *fakeScanner) ScanFreeSpace(h storeid.HFID, cursor storeid.VPID, maxPages int, scanAll bool) ([]PageSpace, storeid.VPID, bool, error) {
	return f.pages[h], storeid.VPID{}, true, nil
}

func TestSyncAllPopulatesFromScanner(t *testing.T) {
	c := New(10, 50, 0.1)
	scanner := &fakeScanner{pages: map[storeid.HFID][]PageSpace{
		hfid(1): {{VPID: vpid(1), Free: 200}, {VPID: vpid(2), Free: 10}},
	}}

	c.AppendToSyncList(hfid(1), storeid.ClassOID{})
	require.NoError(t, c.SyncAll(scanner, false))

	assert.Equal(t, 1, c.Len()) // vpid(2)'s 10 bytes doesn't qualify
}

func TestSyncAllSkipsStoppedHFID(t *testing.T) {
	c := New(10, 0, 0.1)
	c.DelAllByHFID(hfid(1)) // sets stop-sync with nothing cached yet
	scanner := &fakeScanner{pages: map[storeid.HFID][]PageSpace{
		hfid(1): {{VPID: vpid(1), Free: 200}},
	}}

	c.AppendToSyncList(hfid(1), storeid.ClassOID{})
	require.NoError(t, c.SyncAll(scanner, false))

	assert.Equal(t, 0, c.Len())
}

func TestPlaceSkipsContendedAndClassMismatch(t *testing.T) {
	c := New(10, 0, 0.1)
	classA := storeid.ClassOID{Page: 1}
	classB := storeid.ClassOID{Page: 2}

	// Place pops the most recently added entry first, so the match goes in
	// first and is reached only after both rejects.
	require.NoError(t, c.Add(hfid(1), vpid(3), 1000)) // matches
	require.NoError(t, c.Add(hfid(1), vpid(2), 1000)) // wrong class
	require.NoError(t, c.Add(hfid(1), vpid(1), 1000)) // will report contended

	calls := map[storeid.VPID]int{}
	fix := func(v storeid.VPID) (bool, int, storeid.ClassOID, error) {
		calls[v]++
		switch v {
		case vpid(1):
			return false, 0, storeid.ClassOID{}, nil
		case vpid(2):
			return true, 1000, classB, nil
		case vpid(3):
			return true, 1000, classA, nil
		}
		return false, 0, storeid.ClassOID{}, nil
	}

	v, ok, err := c.Place(hfid(1), classA, 100, fix)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, vpid(3), v)
}

func TestPlaceFallsThroughWhenNoneQualify(t *testing.T) {
	c := New(10, 0, 0.1)
	require.NoError(t, c.Add(hfid(1), vpid(1), 50))

	fix := func(v storeid.VPID) (bool, int, storeid.ClassOID, error) {
		return true, 50, storeid.ClassOID{}, nil
	}

	_, ok, err := c.Place(hfid(1), storeid.ClassOID{}, 1000, fix)
	require.NoError(t, err)
	assert.False(t, ok)
}
