package classrepr

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novadb/heapstore/internal/record"
	"github.com/novadb/heapstore/internal/storeid"
)

func schemaFor(classOID storeid.ClassOID) map[int]record.Schema {
	return map[int]record.Schema{
		0: {Cols: []record.Column{{Name: "id", Type: record.ColInt64}}},
	}
}

func TestFixLoadsOnMiss(t *testing.T) {
	var loads int32
	loader := func(classOID storeid.ClassOID) (int, map[int]record.Schema, error) {
		atomic.AddInt32(&loads, 1)
		return 0, schemaFor(classOID), nil
	}

	c := New(4, loader)
	oid := storeid.ClassOID{Page: 1}

	e, err := c.Fix(oid)
	require.NoError(t, err)
	assert.Equal(t, 0, e.CurrentRepr())

	s, ok := e.Repr(0)
	require.True(t, ok)
	assert.Equal(t, 1, s.NumCols())

	c.Unfix(e)
	assert.Equal(t, int32(1), atomic.LoadInt32(&loads))
}

func TestFixHitDoesNotReload(t *testing.T) {
	var loads int32
	loader := func(classOID storeid.ClassOID) (int, map[int]record.Schema, error) {
		atomic.AddInt32(&loads, 1)
		return 0, schemaFor(classOID), nil
	}

	c := New(4, loader)
	oid := storeid.ClassOID{Page: 1}

	e1, err := c.Fix(oid)
	require.NoError(t, err)
	c.Unfix(e1)

	e2, err := c.Fix(oid)
	require.NoError(t, err)
	c.Unfix(e2)

	assert.Same(t, e1, e2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&loads))
}

func TestConcurrentMissesCollapseToOneLoad(t *testing.T) {
	var loads int32
	loader := func(classOID storeid.ClassOID) (int, map[int]record.Schema, error) {
		atomic.AddInt32(&loads, 1)
		return 0, schemaFor(classOID), nil
	}

	c := New(4, loader)
	oid := storeid.ClassOID{Page: 1}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := c.Fix(oid)
			if err == nil {
				c.Unfix(e)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&loads))
}

func TestEvictsUnfixedEntryAtCapacity(t *testing.T) {
	loader := func(classOID storeid.ClassOID) (int, map[int]record.Schema, error) {
		return 0, schemaFor(classOID), nil
	}

	c := New(1, loader)
	oid1 := storeid.ClassOID{Page: 1}
	oid2 := storeid.ClassOID{Page: 2}

	e1, err := c.Fix(oid1)
	require.NoError(t, err)
	c.Unfix(e1) // now evictable

	e2, err := c.Fix(oid2)
	require.NoError(t, err)
	c.Unfix(e2)

	assert.NotEqual(t, oid1, e2.ClassOID)
}

func TestForceDecacheWaitsForUnfix(t *testing.T) {
	loader := func(classOID storeid.ClassOID) (int, map[int]record.Schema, error) {
		return 0, schemaFor(classOID), nil
	}

	c := New(4, loader)
	oid := storeid.ClassOID{Page: 1}

	e, err := c.Fix(oid)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		c.ForceDecache(oid)
		close(done)
	}()

	c.Unfix(e)
	<-done

	c.mu.Lock()
	_, stillCached := c.entries[oid]
	c.mu.Unlock()
	assert.False(t, stillCached)
}

func TestFixBlocksUntilUnlockClassDuringForceDecache(t *testing.T) {
	var loads int32
	loader := func(classOID storeid.ClassOID) (int, map[int]record.Schema, error) {
		atomic.AddInt32(&loads, 1)
		return 0, schemaFor(classOID), nil
	}

	c := New(4, loader)
	oid := storeid.ClassOID{Page: 1}

	e, err := c.Fix(oid)
	require.NoError(t, err)

	decacheDone := make(chan struct{})
	go func() {
		c.ForceDecache(oid)
		close(decacheDone)
	}()

	c.Unfix(e)
	<-decacheDone

	// A newcomer's Fix arrives while the class-modification lock
	// ForceDecache installed is still held — it must park rather than
	// racing in and re-pinning a fresh load.
	fixReturned := make(chan struct{})
	go func() {
		e2, err := c.Fix(oid)
		require.NoError(t, err)
		c.Unfix(e2)
		close(fixReturned)
	}()

	select {
	case <-fixReturned:
		t.Fatal("Fix returned before UnlockClass released the class-modification lock")
	case <-time.After(50 * time.Millisecond):
	}

	c.UnlockClass(oid)

	select {
	case <-fixReturned:
	case <-time.After(time.Second):
		t.Fatal("Fix did not wake up after UnlockClass")
	}

	assert.Equal(t, int32(2), atomic.LoadInt32(&loads))
}
