// Package bestspace implements the process-wide best-space cache (spec.md
// §3.5/§4.2): a bounded map of pages known to carry usable free space,
// indexed both by exact VPID and by owning HFID, driving insert placement
// and a background sync worklist. The two-map shape generalizes
// internal/bufferpool.Pool's frame-table + free-list layout (pool.go) from
// "pages resident in the buffer" to "pages known to have spare room".
package bestspace

import (
	"log/slog"
	"sync"

	"github.com/novadb/heapstore/internal/errs"
	"github.com/novadb/heapstore/internal/metrics"
	"github.com/novadb/heapstore/internal/storeid"
)

const logDebugPrefix = "bestspace:"

// Entry is one cached {hfid, vpid, free-bytes} record (spec.md §3.5).
type Entry struct {
	HFID storeid.HFID
	VPID storeid.VPID
	Free int
}

// syncItem is one pending background re-scan request.
type syncItem struct {
	HFID     storeid.HFID
	ClassOID storeid.ClassOID
}

// Cache is the best-space cache singleton. Capacity is fixed at
// construction (internal/config.Config.BestSpace.CacheCapacity); entries
// whose free space does not exceed dropThreshold are never cached.
type Cache struct {
	mu            sync.Mutex
	capacity      int
	dropThreshold int
	unfillMargin  float64

	byVPID map[storeid.VPID]*Entry
	byHFID map[storeid.HFID][]*Entry // append-order; last element is MRU

	syncMu   sync.Mutex
	syncList []syncItem
	stopSync map[storeid.HFID]bool
}

// New builds an empty cache. dropThreshold is a free-byte count (spec.md
// §3.5's "30% of page size" is the caller's job to compute and pass in);
// unfillMargin is the placement-time fractional margin (spec.md §4.2's 10%).
func New(capacity, dropThreshold int, unfillMargin float64) *Cache {
	return &Cache{
		capacity:      capacity,
		dropThreshold: dropThreshold,
		unfillMargin:  unfillMargin,
		byVPID:        make(map[storeid.VPID]*Entry),
		byHFID:        make(map[storeid.HFID][]*Entry),
		stopSync:      make(map[storeid.HFID]bool),
	}
}

// Len reports the total cached entry count. Kept mainly for the invariant
// check spec.md §8 names: vpid_ht.count() == hfid_ht.count().
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byVPID)
}

func (c *Cache) hfidCount() int {
	n := 0
	for _, es := range c.byHFID {
		n += len(es)
	}
	return n
}

// qualifies reports whether free exceeds the drop threshold (spec.md §3.5).
func (c *Cache) qualifies(free int) bool { return free > c.dropThreshold }

// Add upserts {hfid, vpid, free}. If the entry is new and the cache is at
// capacity, Add fails with a soft Resource error and does not insert
// (spec.md §4.2, §7, §8: "bestspace cap reached: add returns the soft error
// and never inserts").
func (c *Cache) Add(hfid storeid.HFID, vpid storeid.VPID, free int) error {
	if !c.qualifies(free) {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.byVPID[vpid]; ok {
		existing.Free = free
		existing.HFID = hfid
		metrics.BestSpaceLookups.WithLabelValues("add_hit").Inc()
		return nil
	}

	if len(c.byVPID) >= c.capacity {
		metrics.BestSpaceLookups.WithLabelValues("add_soft_error").Inc()
		slog.Warn(logDebugPrefix+" add: cache at capacity", "capacity", c.capacity)
		return errs.New(errs.Resource, "bestspace maxed").AsSoft()
	}

	e := &Entry{HFID: hfid, VPID: vpid, Free: free}
	c.byVPID[vpid] = e
	c.byHFID[hfid] = append(c.byHFID[hfid], e)
	return nil
}

// Update recomputes a page's cached free space. currentFree is the value
// the caller (the heap-file layer, after re-reading the page) observed. The
// entry is added if it didn't exist and now qualifies, overwritten if it
// did, per "add/overwrite if free grew or exceeds drop threshold" (§4.2).
func (c *Cache) Update(hfid storeid.HFID, vpid storeid.VPID, currentFree int) error {
	c.mu.Lock()
	if existing, ok := c.byVPID[vpid]; ok {
		existing.Free = currentFree
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	return c.Add(hfid, vpid, currentFree)
}

// Remove pops one entry belonging to hfid, preferring the most-recently
// cached page of that heap's chain. Returns ok=false if none is cached.
func (c *Cache) Remove(hfid storeid.HFID) (storeid.VPID, int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	es := c.byHFID[hfid]
	if len(es) == 0 {
		metrics.BestSpaceLookups.WithLabelValues("miss").Inc()
		return storeid.VPID{}, 0, false
	}

	e := es[len(es)-1]
	c.byHFID[hfid] = es[:len(es)-1]
	if len(c.byHFID[hfid]) == 0 {
		delete(c.byHFID, hfid)
	}
	delete(c.byVPID, e.VPID)

	metrics.BestSpaceLookups.WithLabelValues("hit").Inc()
	return e.VPID, e.Free, true
}

// DelEntryByVPID drops one entry by exact VPID.
func (c *Cache) DelEntryByVPID(vpid storeid.VPID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.byVPID[vpid]
	if !ok {
		return false
	}
	delete(c.byVPID, vpid)
	c.removeFromHFIDSlice(e)
	return true
}

func (c *Cache) removeFromHFIDSlice(e *Entry) {
	es := c.byHFID[e.HFID]
	for i, cand := range es {
		if cand == e {
			c.byHFID[e.HFID] = append(es[:i], es[i+1:]...)
			break
		}
	}
	if len(c.byHFID[e.HFID]) == 0 {
		delete(c.byHFID, e.HFID)
	}
}

// DelAllByHFID drops every cached entry for a heap and sets its stop-sync
// flag so an in-flight background scan (§4.2 sync algorithm) halts at its
// next page. Returns the count dropped.
func (c *Cache) DelAllByHFID(hfid storeid.HFID) int {
	c.mu.Lock()
	es := c.byHFID[hfid]
	for _, e := range es {
		delete(c.byVPID, e.VPID)
	}
	delete(c.byHFID, hfid)
	c.mu.Unlock()

	c.syncMu.Lock()
	c.stopSync[hfid] = true
	c.syncMu.Unlock()

	return len(es)
}

// AppendToSyncList schedules a background re-scan of hfid.
func (c *Cache) AppendToSyncList(hfid storeid.HFID, classOID storeid.ClassOID) {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()
	c.syncList = append(c.syncList, syncItem{HFID: hfid, ClassOID: classOID})
	delete(c.stopSync, hfid)
}

// PageSpace is one page's observed free space, as reported by a PageScanner
// during a sync pass.
type PageSpace struct {
	VPID storeid.VPID
	Free int
}

// PageScanner is implemented by the heap-file layer: it knows how to walk a
// heap's page chain and report free space, resuming from the heap's
// persisted full-search cursor when cursor is null. maxPages is the page
// budget SyncAll asks for; the implementation decides the actual window and
// applies no bound relative to the heap's page count. ScanFreeSpace returns the pages visited, the cursor to persist for next
// time, and whether the scan reached the end of the chain.
type PageScanner interface {
	ScanFreeSpace(hfid storeid.HFID, cursor storeid.VPID, maxPages int, scanAll bool) (pages []PageSpace, nextCursor storeid.VPID, done bool, err error)
}

// SyncAll drains and coalesces the sync worklist, then for each distinct
// hfid asks scanner to walk its chain and updates/inserts qualifying pages.
// scanAll forces an unbounded walk with no cursor persistence (§4.2).
func (c *Cache) SyncAll(scanner PageScanner, scanAll bool) error {
	c.syncMu.Lock()
	items := c.syncList
	c.syncList = nil
	c.syncMu.Unlock()

	seen := make(map[storeid.HFID]bool, len(items))
	for _, it := range items {
		if seen[it.HFID] {
			continue
		}
		seen[it.HFID] = true

		c.syncMu.Lock()
		stopped := c.stopSync[it.HFID]
		c.syncMu.Unlock()
		if stopped {
			continue
		}

		maxPages := 100
		cursor := storeid.VPID{Page: storeid.NullPage}
		pages, _, _, err := scanner.ScanFreeSpace(it.HFID, cursor, maxPages, scanAll)
		if err != nil {
			return err
		}

		for _, ps := range pages {
			c.syncMu.Lock()
			stop := c.stopSync[it.HFID]
			c.syncMu.Unlock()
			if stop {
				break
			}
			if err := c.Update(it.HFID, ps.VPID, ps.Free); err != nil {
				slog.Warn(logDebugPrefix+" sync: update failed", "hfid", it.HFID, "vpid", ps.VPID, "err", err)
			}
		}
	}
	return nil
}

// PageFixer fixes a candidate page with an exclusive, zero-wait latch
// (spec.md §4.2 placement algorithm): ok=false means the page was
// contended and must be skipped without error, not retried.
type PageFixer func(vpid storeid.VPID) (ok bool, free int, pageClassOID storeid.ClassOID, err error)

// maxPlacementCandidates bounds how many cached entries Place pops before
// giving up and telling the caller to allocate a new page (§4.2).
const maxPlacementCandidates = 100

// Place implements the placement algorithm: pop up to 100 candidates; skip
// ones that don't latch (zero-wait) or don't have enough margin'd free
// space or belong to a different class; reinsert the refreshed free value
// for any candidate that didn't qualify but did latch. Returns ok=false
// when no page in the cache satisfies the request, telling the caller to
// allocate a new page instead.
func (c *Cache) Place(hfid storeid.HFID, classOID storeid.ClassOID, needBytes int, fix PageFixer) (storeid.VPID, bool, error) {
	margin := int(float64(needBytes) * c.unfillMargin)
	required := needBytes + margin

	// Rejected candidates go back into the cache only after the search, so
	// Remove does not hand the same page out again within this call.
	var rejected []PageSpace
	defer func() {
		for _, r := range rejected {
			if err := c.Update(hfid, r.VPID, r.Free); err != nil {
				slog.Debug(logDebugPrefix+" place: reinsert failed", "vpid", r.VPID, "err", err)
			}
		}
	}()

	for i := 0; i < maxPlacementCandidates; i++ {
		vpid, _, ok := c.Remove(hfid)
		if !ok {
			return storeid.VPID{}, false, nil
		}

		fixed, free, pageClassOID, err := fix(vpid)
		if err != nil {
			return storeid.VPID{}, false, err
		}
		if !fixed {
			// Contended: drop it silently, it'll be re-discovered by sync.
			continue
		}

		classMatches := classOID.IsNull() || pageClassOID == classOID
		if classMatches && free >= required {
			return vpid, true, nil
		}

		rejected = append(rejected, PageSpace{VPID: vpid, Free: free})
	}

	return storeid.VPID{}, false, nil
}
