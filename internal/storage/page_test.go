package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	defaultPageID = 0

	slot1Data = []byte("data string of slot 1")
	slot2Data = []byte("data string of slot 2")
	longData  = []byte("data string of slot longggggggggg" +
		" long longggggggggg long longggggggggg" +
		" long longggggggggg long longggggggggg" +
		" long longggggggggg long longggggggggg" +
		" long longggggggggg long longggggggggg" +
		" long longggggggggg long longggggggggg" +
		" long longggggggggg long longggggggggg" +
		" long longggggggggg long longggggggggg" +
		" long longggggggggg long longggggggggg" +
		" long longggggggggg long longggggggggg" +
		" long longggggggggg long longggggggggg" +
		" long longggggggggg long longggggggggg" +
		" long longggggggggg long longggggggggg",
	)
)

func newPage(t *testing.T) *Page {
	buf := make([]byte, PageSize)

	p, err := NewPage(buf, uint32(defaultPageID))
	require.NoError(t, err)

	// default after init page
	assert.Equal(t, uint16(PageSize), p.upper())
	assert.Equal(t, uint16(HeaderSize), p.lower())
	assert.Equal(t, 0, p.NumSlots())

	var slot int

	slot, err = p.InsertTuple(slot1Data)
	require.NoError(t, err)
	assert.Equal(t, 0, slot)

	slot, err = p.InsertTuple(slot2Data)
	require.NoError(t, err)
	assert.Equal(t, 1, slot)

	// after inserting two tuples
	assert.Equal(t, uint16(PageSize-len(slot1Data)-len(slot2Data)), p.upper())
	assert.Equal(t, uint16(HeaderSize+2*SlotSize), p.lower())
	assert.Equal(t, 2, p.NumSlots())

	require.NotEmpty(t, p.DebugString())

	return p
}

func TestNewPageRejectsBadBufferSize(t *testing.T) {
	_, err := NewPage(make([]byte, PageSize-1), 0)
	require.ErrorIs(t, err, ErrBadPage)
}

func TestCRUDTuple(t *testing.T) {
	p := newPage(t)
	byteData, err := p.ReadTuple(0)
	require.NoError(t, err)
	assert.Equal(t, slot1Data, byteData)

	// bad slot
	_, err = p.ReadTuple(-1)
	require.ErrorIs(t, err, ErrBadSlot)
	_, err = p.ReadTuple(2)
	require.ErrorIs(t, err, ErrBadSlot)

	// deleted
	require.NoError(t, p.DeleteTuple(0))
	_, err = p.ReadTuple(0)
	require.ErrorIs(t, err, ErrBadSlot)
	require.ErrorIs(t, p.DeleteTuple(0), ErrBadSlot)

	// moved -> update slot 1, it does not have enough room in place -> moves to a new slot 2
	require.NoError(t, p.UpdateTuple(1, longData))

	byteData, err = p.ReadTuple(2)
	require.NoError(t, err)
	byteData2, err := p.ReadTuple(1) // same data as slot 2, reached via the redirect
	require.NoError(t, err)
	assert.Equal(t, byteData, byteData2)
	assert.Equal(t, longData, byteData)
}

func TestUpdateTupleInPlace(t *testing.T) {
	p := newPage(t)

	shorter := []byte("short")
	require.NoError(t, p.UpdateTuple(0, shorter))

	data, err := p.ReadTuple(0)
	require.NoError(t, err)
	assert.Equal(t, shorter, data)
	assert.Equal(t, 2, p.NumSlots()) // in-place update allocates no new slot
}

func TestInsertTupleNoSpace(t *testing.T) {
	buf := make([]byte, PageSize)
	p, err := NewPage(buf, 0)
	require.NoError(t, err)

	big := make([]byte, PageSize)
	_, err = p.InsertTuple(big)
	require.ErrorIs(t, err, ErrNoSpace)
}

func TestInsertTupleAtReservedSlot(t *testing.T) {
	buf := make([]byte, PageSize)
	p, err := NewPage(buf, 0)
	require.NoError(t, err)

	require.NoError(t, p.InsertTupleAt(0, slot1Data))
	data, err := p.ReadTuple(0)
	require.NoError(t, err)
	assert.Equal(t, slot1Data, data)

	require.ErrorIs(t, p.InsertTupleAt(5, slot2Data), ErrBadSlot)
}

func TestCompactPreservesContentAndDropsDeleted(t *testing.T) {
	p := newPage(t)
	require.NoError(t, p.DeleteTuple(0))

	p.Compact()

	_, err := p.ReadTuple(0)
	require.ErrorIs(t, err, ErrBadSlot)
	data, err := p.ReadTuple(1)
	require.NoError(t, err)
	assert.Equal(t, slot2Data, data)
}
