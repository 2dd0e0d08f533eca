// Package classrepr implements the class-representation cache (spec.md
// §3.4/§4.4): a bounded cache of decoded per-class schemas, keyed by class
// OID, with a fix count that pins an entry against eviction while it is in
// use and a force-decache path for schema changes.
//
// The backing store reuses internal/bufferpool.Pool's shape (fixed-capacity
// frame table + free list, CLOCK replacement) generalized from "buffered
// pages" to "cached representations", with pkg/clockx supplying the CLOCK
// second-chance sweep. Concurrent misses for the same class OID are
// collapsed with golang.org/x/sync/singleflight instead of the teacher's
// per-bucket mutex, since singleflight already gives "only one loader per
// key" for free. The schema-change wait (ForceDecache) spins with an
// explicit millisecond sleep until the entry's fix count reaches zero,
// exactly as spec.md describes. A class-modification lock (spec.md §4.4:
// "blocks newcomers until the schema change commits") gates Fix for the
// duration between ForceDecache and the matching UnlockClass, implemented
// as a sync.Cond tied to the cache mutex the way internal/lock.RefCount's
// caller would park on a bucket lock queue.
package classrepr

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/novadb/heapstore/internal/errs"
	lock "github.com/novadb/heapstore/internal/lock"
	"github.com/novadb/heapstore/internal/metrics"
	"github.com/novadb/heapstore/internal/record"
	"github.com/novadb/heapstore/internal/storeid"
	"github.com/novadb/heapstore/pkg/clockx"
)

const logDebugPrefix = "classrepr:"

// forceDecachePollInterval is the "explicit millisecond sleep" spec.md §5
// names for spinning on a fix count during forced decache.
const forceDecachePollInterval = time.Millisecond

// Loader decodes every stored representation of a class and reports which
// one is current. Callers supply this (it is the catalog's job, not this
// package's) so classrepr stays independent of the on-disk catalog format.
type Loader func(classOID storeid.ClassOID) (current int, reprs map[int]record.Schema, err error)

// Entry is one cached class's representation set (spec.md §3.4).
type Entry struct {
	ClassOID storeid.ClassOID

	mu           sync.Mutex
	reprs        map[int]record.Schema
	currentRepr  int
	fix          *lock.RefCount
	forceDecache bool
}

func (e *Entry) fixCount() int32 { return e.fix.Get() }

// Repr returns the decoded schema for representation id, and whether it
// exists.
func (e *Entry) Repr(id int) (record.Schema, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.reprs[id]
	return s, ok
}

// CurrentRepr returns the class's current (latest) representation id.
func (e *Entry) CurrentRepr() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentRepr
}

// Cache is the class-representation cache singleton. Capacity is fixed at
// construction (internal/config.Config.ClassRepr.CacheCapacity).
type Cache struct {
	mu       sync.Mutex
	capacity int
	entries  map[storeid.ClassOID]*Entry
	frames   map[storeid.ClassOID]int
	byFrame  map[int]storeid.ClassOID
	freeFrm  []int
	nextFrm  int
	clock    *clockx.Clock
	locked   map[storeid.ClassOID]bool
	unlocked *sync.Cond

	group  singleflight.Group
	loader Loader
}

// New builds an empty cache.
func New(capacity int, loader Loader) *Cache {
	c := &Cache{
		capacity: capacity,
		entries:  make(map[storeid.ClassOID]*Entry),
		frames:   make(map[storeid.ClassOID]int),
		byFrame:  make(map[int]storeid.ClassOID),
		clock:    clockx.New(capacity),
		locked:   make(map[storeid.ClassOID]bool),
		loader:   loader,
	}
	c.unlocked = sync.NewCond(&c.mu)
	return c
}

func (c *Cache) allocFrame() (int, bool) {
	if n := len(c.freeFrm); n > 0 {
		f := c.freeFrm[n-1]
		c.freeFrm = c.freeFrm[:n-1]
		return f, true
	}
	if c.nextFrm < c.capacity {
		f := c.nextFrm
		c.nextFrm++
		return f, true
	}
	return 0, false
}

// Fix pins classOID's entry against eviction, loading it via the cache's
// Loader on a miss. Every call to Fix must be balanced with Unfix. A
// pending class-modification lock (set by ForceDecache, cleared by
// UnlockClass) parks newcomers here until it clears, then re-scans, the
// same "retry" wakeup spec.md §4.4 describes for unlock_class.
func (c *Cache) Fix(classOID storeid.ClassOID) (*Entry, error) {
	for {
		c.mu.Lock()
		for c.locked[classOID] {
			c.unlocked.Wait()
		}
		if e, ok := c.entries[classOID]; ok {
			e.fix.Inc()
			if f, ok := c.frames[classOID]; ok {
				c.clock.SetEvictable(f, false)
			}
			c.mu.Unlock()
			return e, nil
		}
		c.mu.Unlock()

		if err := c.load(classOID); err != nil {
			return nil, err
		}
		// Loop back: another goroutine's load may have won and installed
		// the entry, or this one's did — either way it's now in the map.
	}
}

// load resolves a miss via singleflight, decodes with c.loader, and inserts
// the entry (evicting the LRU unfixed entry if at capacity).
func (c *Cache) load(classOID storeid.ClassOID) error {
	_, err, _ := c.group.Do(classOID.String(), func() (any, error) {
		c.mu.Lock()
		if _, ok := c.entries[classOID]; ok {
			c.mu.Unlock()
			return nil, nil
		}
		c.mu.Unlock()

		current, reprs, err := c.loader(classOID)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		defer c.mu.Unlock()

		frame, ok := c.allocFrame()
		if !ok {
			victim, evicted := c.clock.Evict()
			if !evicted {
				return nil, errs.New(errs.Resource, "classrepr cache full, nothing evictable").AsSoft()
			}
			victimOID := c.byFrame[victim]
			delete(c.entries, victimOID)
			delete(c.frames, victimOID)
			delete(c.byFrame, victim)
			c.clock.Remove(victim)
			metrics.ClassReprEvictions.Inc()
			frame = victim
		}

		e := &Entry{ClassOID: classOID, reprs: reprs, currentRepr: current, fix: lock.NewZero()}

		c.entries[classOID] = e
		c.frames[classOID] = frame
		c.byFrame[frame] = classOID
		c.clock.Touch(frame)
		c.clock.SetEvictable(frame, false)

		return nil, nil
	})
	return err
}

// Unfix releases one pin taken by Fix. If a force-decache is pending on
// this entry and the fix count drops to zero, it wakes the waiter.
func (c *Cache) Unfix(e *Entry) {
	zero := e.fix.Dec()

	if zero {
		c.mu.Lock()
		if f, ok := c.frames[e.ClassOID]; ok {
			c.clock.SetEvictable(f, true)
		}
		c.mu.Unlock()
	}
}

// ForceDecache installs classOID's class-modification lock (blocking any
// Fix that arrives from here on, spec.md §4.4), then evicts its entry
// immediately once every outstanding Fix releases (spec.md §4.4, §5: "an
// explicit millisecond sleep is used while spinning for a class-rep fix
// count to reach zero during forced decache"). The lock stays held after
// eviction — the caller must call UnlockClass once the schema change
// commits, waking parked newcomers to re-scan the bucket.
func (c *Cache) ForceDecache(classOID storeid.ClassOID) {
	c.mu.Lock()
	c.locked[classOID] = true
	e, ok := c.entries[classOID]
	if !ok {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	e.mu.Lock()
	e.forceDecache = true
	e.mu.Unlock()
	for e.fixCount() > 0 {
		time.Sleep(forceDecachePollInterval)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.frames[classOID]; ok {
		c.clock.Remove(f)
		c.freeFrm = append(c.freeFrm, f)
		delete(c.byFrame, f)
	}
	delete(c.entries, classOID)
	delete(c.frames, classOID)

	slog.Debug(logDebugPrefix+" force decached", "class_oid", classOID)
}

// UnlockClass releases the class-modification lock ForceDecache installed,
// waking every Fix parked on classOID to retry (spec.md §4.4:
// "unlock_class(class-oid) wakes all its waiters with a 'retry' status so
// they re-scan the bucket"). Safe to call even if no lock is held.
func (c *Cache) UnlockClass(classOID storeid.ClassOID) {
	c.mu.Lock()
	delete(c.locked, classOID)
	c.mu.Unlock()
	c.unlocked.Broadcast()
}
