package heapfile

import (
	"errors"

	"github.com/novadb/heapstore/internal/bestspace"
	"github.com/novadb/heapstore/internal/storage"
	"github.com/novadb/heapstore/internal/storeid"
)

// GroupExtractor pulls the shard-group tag out of a decoded record's
// payload. heapfile stores records as opaque bytes, so it cannot decode a
// shard-group word itself (that is internal/attrinfo's wire format);
// callers that need the §4.6.5 shard-group filter supply this.
type GroupExtractor func(payload []byte) (int32, error)

// Next advances from cursor (exclusive; storeid.OID{Page: storeid.NullPage}
// means "start of heap") and returns the next logical record, skipping NEWHOME,
// ASSIGN_ADDRESS, and tombstoned slots (spec.md §4.6.5). If owns is
// non-nil, records whose shard-group (as reported by extractGroup) it
// rejects are skipped too. done is true once the chain is exhausted.
func (t *Table) Next(cursor storeid.OID, extractGroup GroupExtractor, owns func(group int32) bool) (storeid.OID, []byte, bool, error) {
	if err := t.ensureOpen(); err != nil {
		return storeid.OID{}, nil, false, err
	}

	hs, err := t.getHeader()
	if err != nil {
		return storeid.OID{}, nil, false, err
	}

	startPage := uint32(1)
	startSlot := 0
	if !cursor.IsNull() {
		startPage = cursor.Page
		startSlot = int(cursor.Slot) + 1
	}

	for pageID := startPage; pageID <= hs.PageCount; pageID++ {
		p, err := t.BP.GetPage(pageID)
		if err != nil {
			return storeid.OID{}, nil, false, err
		}

		slot := 0
		if pageID == startPage {
			slot = startSlot
		}
		n := p.NumSlots()
		for ; slot < n; slot++ {
			if slot == HeapHeaderAndChainSlotID {
				continue
			}
			raw, err := p.ReadTuple(slot)
			if errors.Is(err, storage.ErrBadSlot) {
				continue
			}
			if err != nil {
				_ = t.BP.Unpin(p, false)
				return storeid.OID{}, nil, false, err
			}

			tag := raw[0]
			if tag == tagNewHome || tag == tagAssignAddress {
				continue
			}

			oid := storeid.OID{Page: pageID, Slot: uint16(slot)}
			payload, rerr := t.resolveTagged(raw)
			if rerr != nil {
				_ = t.BP.Unpin(p, false)
				return storeid.OID{}, nil, false, rerr
			}

			if extractGroup != nil && owns != nil {
				group, gerr := extractGroup(payload)
				if gerr == nil {
					oid.Group = group
					if !owns(group) {
						continue
					}
				}
			}

			_ = t.BP.Unpin(p, false)
			return oid, payload, false, nil
		}

		_ = t.BP.Unpin(p, false)
	}

	return storeid.OID{}, nil, true, nil
}

// resolveTagged turns a raw slot payload (tag byte + body) into the
// logical record bytes, following RELOCATION/BIGONE one level like Get.
func (t *Table) resolveTagged(raw []byte) ([]byte, error) {
	switch raw[0] {
	case tagHome:
		out := make([]byte, len(raw)-1)
		copy(out, raw[1:])
		return out, nil
	case tagRelocation:
		target := decodeOID(raw[1:])
		p2, err := t.BP.GetPage(target.Page)
		if err != nil {
			return nil, err
		}
		raw2, err := p2.ReadTuple(int(target.Slot))
		_ = t.BP.Unpin(p2, false)
		if err != nil {
			return nil, err
		}
		out := make([]byte, len(raw2)-1)
		copy(out, raw2[1:])
		return out, nil
	case tagBigOne:
		first, length := decodeOverflowRef(raw[1:])
		if t.Overflow == nil {
			return nil, storage.ErrBadSlot
		}
		return t.Overflow.Read(storage.OverflowRef{FirstPageID: first, Length: length})
	default:
		return nil, storage.ErrBadSlot
	}
}

// Scan walks every visible logical record via Next.
func (t *Table) Scan(fn func(oid storeid.OID, payload []byte) error, extractGroup GroupExtractor, owns func(group int32) bool) error {
	cursor := storeid.OID{Page: storeid.NullPage}
	for {
		oid, payload, done, err := t.Next(cursor, extractGroup, owns)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if err := fn(oid, payload); err != nil {
			return err
		}
		cursor = oid
	}
}

var _ bestspace.PageScanner = (*Table)(nil)

// ScanFreeSpace implements bestspace.PageScanner (spec.md §4.2's sync
// algorithm): resumes from the heap header's persisted full-search cursor
// unless scanAll is set, and reports each visited page's free space. Without
// scanAll it visits up to windowForAvgRecLen(maxPages, avgRecLen) non-header
// pages, which can be more than maxPages; with scanAll it visits every page.
// The window is not capped by the heap's page count.
func (t *Table) ScanFreeSpace(hfid storeid.HFID, cursor storeid.VPID, maxPages int, scanAll bool) ([]bestspace.PageSpace, storeid.VPID, bool, error) {
	hs, err := t.getHeader()
	if err != nil {
		return nil, storeid.VPID{}, false, err
	}

	start := uint32(1)
	resumeCursor := cursor
	if !scanAll && resumeCursor.IsNull() {
		resumeCursor = hs.Cursor
	}
	if !resumeCursor.IsNull() {
		start = resumeCursor.Page + 1
	}

	limit := maxPages
	if scanAll {
		limit = int(hs.PageCount)
	} else {
		limit = windowForAvgRecLen(maxPages, hs.AvgRecLen)
	}

	var out []bestspace.PageSpace
	pageID := start
	count := 0
	for ; pageID <= hs.PageCount && count < limit; pageID++ {
		p, err := t.BP.GetPage(pageID)
		if err != nil {
			return out, storeid.VPID{Page: pageID - 1}, false, err
		}
		free := p.FreeSpace()
		_ = t.BP.Unpin(p, false)
		out = append(out, bestspace.PageSpace{VPID: storeid.VPID{Page: pageID}, Free: free})
		count++
	}

	done := pageID > hs.PageCount
	var nextCursor storeid.VPID
	if pageID > start {
		nextCursor = storeid.VPID{Page: pageID - 1}
	} else {
		nextCursor = storeid.VPID{Page: storeid.NullPage}
	}

	if !scanAll {
		hs.Cursor = nextCursor
		if done {
			hs.Cursor = storeid.VPID{Page: storeid.NullPage}
		}
		if werr := t.writeHeader(hs); werr != nil {
			return out, nextCursor, done, werr
		}
	}

	return out, nextCursor, done, nil
}

// baselineRecLen is the record size bestspace's caller-supplied maxPages
// hint is calibrated against (spec.md §4.9): a heap of smaller records
// packs more of them per page, so a sync pass needs to visit proportionally
// more pages to expose the same number of candidate slots.
const baselineRecLen = 128.0

// windowForAvgRecLen scales requested into a window sized for hs.AvgRecLen,
// clamped to [requested/4, requested*4] so a degenerate estimate (near
// zero, or huge BIGONE-only records) can't blow the scan out unboundedly.
func windowForAvgRecLen(requested int, avgRecLen float64) int {
	if avgRecLen <= 0 {
		return requested
	}
	scaled := int(float64(requested) * baselineRecLen / avgRecLen)
	min, max := requested/4, requested*4
	if min < 1 {
		min = 1
	}
	if scaled < min {
		return min
	}
	if scaled > max {
		return max
	}
	return scaled
}
