// Package heapfile implements the heap file manager (spec.md §4.6): a
// doubly-linked chain of slotted pages carrying records through the
// HOME/RELOCATION/NEWHOME/BIGONE/ASSIGN_ADDRESS physical-state machine
// spec.md §3.3 describes, generalized from internal/heap.Table's simpler
// {rowKindInline, rowKindOverflow} two-state tagging (table.go). Records
// are opaque []byte payloads: decoding them into typed attribute values is
// internal/attrinfo's job, not this package's, matching the layering the
// teacher's internal/storage.Page doc comment already calls out ("the heap
// file manager layers its own record-state machine on top of a NORMAL slot
// by interpreting the first bytes of the tuple payload").
//
// Page allocation and free-space lookup reuse internal/bestspace.Cache for
// insert placement (the §4.2 placement algorithm) and implement
// bestspace.PageScanner for its background sync pass. Oversize records
// spill through internal/storage.OverflowManager exactly as
// internal/heap.Table's overflow path does.
package heapfile

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/novadb/heapstore/internal/bestspace"
	"github.com/novadb/heapstore/internal/bufferpool"
	"github.com/novadb/heapstore/internal/errs"
	"github.com/novadb/heapstore/internal/storage"
	"github.com/novadb/heapstore/internal/storeid"
)

const logDebugPrefix = "heapfile:"

// headerPageID is the fixed page number of the header/chain-anchor page
// (spec.md §3.2's HEAP_HEADER_AND_CHAIN_SLOTID lives on this page).
// Data pages are numbered 1..PageCount.
const headerPageID uint32 = 0

// Table is one open heap file (spec.md §4.6). Page access is bound to one
// bufferpool.Pool per heap, mirroring internal/heap.Table's BP field and
// internal/bufferpool.Pool's one-(StorageManager,FileSet)-per-pool scoping.
type Table struct {
	HFID     storeid.HFID
	ClassOID storeid.ClassOID

	SM        *storage.StorageManager
	FS        storage.FileSet
	BP        bufferpool.Manager
	Overflow  *storage.OverflowManager
	BestSpace *bestspace.Cache

	// mu serializes structural mutation of the header/chain (page
	// allocation, cursor updates) across concurrent callers.
	mu sync.Mutex

	closed atomic.Bool
}

var ErrTableClosed = errors.New("heapfile: table is closed")

// Create initializes a brand-new heap file: fixes the header page and
// writes its initial stats record at slot 0 (spec.md §4.6.1). The caller
// has already allocated hfid's underlying file.
func Create(
	hfid storeid.HFID,
	classOID storeid.ClassOID,
	sm *storage.StorageManager,
	fs storage.FileSet,
	bp bufferpool.Manager,
	overflow *storage.OverflowManager,
	bestSpace *bestspace.Cache,
) (*Table, error) {
	t := &Table{
		HFID:      hfid,
		ClassOID:  classOID,
		SM:        sm,
		FS:        fs,
		BP:        bp,
		Overflow:  overflow,
		BestSpace: bestSpace,
	}

	p, err := t.BP.GetPage(headerPageID)
	if err != nil {
		return nil, err
	}
	hs := headerStats{ClassOID: classOID, LastPage: storeid.VPID{Page: storeid.NullPage}, Cursor: storeid.VPID{Page: storeid.NullPage}}
	if _, err := p.InsertTuple(encodeHeaderStats(hs)); err != nil {
		_ = t.BP.Unpin(p, false)
		return nil, err
	}
	if err := t.BP.Unpin(p, true); err != nil {
		return nil, err
	}
	if err := t.BP.FlushAll(); err != nil {
		return nil, err
	}
	return t, nil
}

// Open reopens an existing heap file (its header page is already
// initialized on disk).
func Open(
	hfid storeid.HFID,
	sm *storage.StorageManager,
	fs storage.FileSet,
	bp bufferpool.Manager,
	overflow *storage.OverflowManager,
	bestSpace *bestspace.Cache,
) (*Table, error) {
	t := &Table{
		HFID:      hfid,
		SM:        sm,
		FS:        fs,
		BP:        bp,
		Overflow:  overflow,
		BestSpace: bestSpace,
	}
	hs, err := t.getHeader()
	if err != nil {
		return nil, err
	}
	t.ClassOID = hs.ClassOID
	return t, nil
}

// Destroy drops every best-space entry for this heap (spec.md §4.6.1:
// "on success drops all best-space entries for that hfid"). The underlying
// file's removal is the caller's (catalog/volume-manager) job.
func (t *Table) Destroy() error {
	if t.BestSpace != nil {
		t.BestSpace.DelAllByHFID(t.HFID)
	}
	return t.Close()
}

func (t *Table) Close() error {
	if t == nil {
		return nil
	}
	if t.closed.Swap(true) {
		return nil
	}
	if t.BP != nil {
		return t.BP.FlushAll()
	}
	return nil
}

func (t *Table) ensureOpen() error {
	if t == nil || t.closed.Load() {
		return ErrTableClosed
	}
	return nil
}

func (t *Table) getHeader() (headerStats, error) {
	p, err := t.BP.GetPage(headerPageID)
	if err != nil {
		return headerStats{}, err
	}
	defer func() { _ = t.BP.Unpin(p, false) }()

	raw, err := p.ReadTuple(HeapHeaderAndChainSlotID)
	if err != nil {
		return headerStats{}, err
	}
	return decodeHeaderStats(raw), nil
}

func (t *Table) writeHeader(hs headerStats) error {
	p, err := t.BP.GetPage(headerPageID)
	if err != nil {
		return err
	}
	if err := p.UpdateTuple(HeapHeaderAndChainSlotID, encodeHeaderStats(hs)); err != nil {
		_ = t.BP.Unpin(p, false)
		return err
	}
	return t.BP.Unpin(p, true)
}

func (t *Table) readChain(vpid storeid.VPID) (chainRecord, error) {
	p, err := t.BP.GetPage(vpid.Page)
	if err != nil {
		return chainRecord{}, err
	}
	defer func() { _ = t.BP.Unpin(p, false) }()

	raw, err := p.ReadTuple(HeapHeaderAndChainSlotID)
	if err != nil {
		return chainRecord{}, err
	}
	return decodeChainRecord(raw), nil
}

// maxInlineLen is the largest record payload that fits a freshly-allocated
// page alongside its slot entry and chain-record slot.
func (t *Table) maxInlineLen() int {
	return storage.PageSize - storage.HeaderSize - 2*storage.SlotSize - chainRecordSize - 1
}

// allocatePage extends the chain with a fresh data page, linking it as the
// new tail (spec.md §3.2's doubly-linked chain).
func (t *Table) allocatePage() (storeid.VPID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	hs, err := t.getHeader()
	if err != nil {
		return storeid.VPID{}, err
	}

	newPageNum := hs.PageCount + 1
	vpid := storeid.VPID{Page: newPageNum}

	p, err := t.BP.GetPage(newPageNum)
	if err != nil {
		return storeid.VPID{}, err
	}
	chain := chainRecord{ClassOID: hs.ClassOID, Prev: hs.LastPage, Next: storeid.VPID{Page: storeid.NullPage}}
	if _, err := p.InsertTuple(encodeChainRecord(chain)); err != nil {
		_ = t.BP.Unpin(p, false)
		return storeid.VPID{}, err
	}
	if err := t.BP.Unpin(p, true); err != nil {
		return storeid.VPID{}, err
	}

	if !hs.LastPage.IsNull() {
		prevChain, err := t.readChain(hs.LastPage)
		if err != nil {
			return storeid.VPID{}, err
		}
		prevChain.Next = vpid
		pp, err := t.BP.GetPage(hs.LastPage.Page)
		if err != nil {
			return storeid.VPID{}, err
		}
		if err := pp.UpdateTuple(HeapHeaderAndChainSlotID, encodeChainRecord(prevChain)); err != nil {
			_ = t.BP.Unpin(pp, false)
			return storeid.VPID{}, err
		}
		if err := t.BP.Unpin(pp, true); err != nil {
			return storeid.VPID{}, err
		}
	}

	hs.PageCount = newPageNum
	hs.LastPage = vpid
	if err := t.writeHeader(hs); err != nil {
		return storeid.VPID{}, err
	}

	return vpid, nil
}

// placeForInsert finds a page with enough room for a tuple of size
// needBytes, consulting the best-space cache first (spec.md §4.2) and
// allocating a new page when no cached candidate qualifies.
func (t *Table) placeForInsert(needBytes int) (storeid.VPID, error) {
	if t.BestSpace != nil {
		fix := func(vpid storeid.VPID) (bool, int, storeid.ClassOID, error) {
			p, err := t.BP.GetPage(vpid.Page)
			if err != nil {
				return false, 0, storeid.ClassOID{}, err
			}
			chain, err := func() (chainRecord, error) {
				raw, err := p.ReadTuple(HeapHeaderAndChainSlotID)
				if err != nil {
					return chainRecord{}, err
				}
				return decodeChainRecord(raw), nil
			}()
			free := p.FreeSpace()
			_ = t.BP.Unpin(p, false)
			if err != nil {
				return false, 0, storeid.ClassOID{}, err
			}
			return true, free, chain.ClassOID, nil
		}

		vpid, ok, err := t.BestSpace.Place(t.HFID, t.ClassOID, needBytes, fix)
		if err != nil {
			return storeid.VPID{}, err
		}
		if ok {
			return vpid, nil
		}
	}

	return t.allocatePage()
}

func (t *Table) refreshBestSpace(vpid storeid.VPID) {
	if t.BestSpace == nil {
		return
	}
	p, err := t.BP.GetPage(vpid.Page)
	if err != nil {
		slog.Debug(logDebugPrefix+" refreshBestSpace: get page failed", "vpid", vpid, "err", err)
		return
	}
	free := p.FreeSpace()
	_ = t.BP.Unpin(p, false)
	if err := t.BestSpace.Update(t.HFID, vpid, free); err != nil {
		slog.Debug(logDebugPrefix+" refreshBestSpace: update failed", "vpid", vpid, "err", err)
	}
}

// Insert adds payload as a new HOME (or BIGONE, if oversize) record and
// returns its OID (spec.md §4.6.2). group becomes the OID's shard-group
// tag; validating it against the class's shard assignment is
// internal/attrinfo's job (§4.5), not this package's.
func (t *Table) Insert(payload []byte, group int32) (storeid.OID, error) {
	if err := t.ensureOpen(); err != nil {
		return storeid.OID{}, err
	}

	maxInline := t.maxInlineLen()

	var tuple []byte
	if len(payload) > maxInline {
		if t.Overflow == nil {
			return storeid.OID{}, errs.New(errs.Resource, "heapfile: no overflow manager configured for oversize record")
		}
		ref, err := t.Overflow.Write(payload)
		if err != nil {
			return storeid.OID{}, err
		}
		tuple = append([]byte{tagBigOne}, encodeOverflowRef(ref.FirstPageID, ref.Length)...)
	} else {
		tuple = append([]byte{tagHome}, payload...)
	}

	vpid, err := t.placeForInsert(len(tuple) + storage.SlotSize)
	if err != nil {
		return storeid.OID{}, err
	}

	p, err := t.BP.GetPage(vpid.Page)
	if err != nil {
		return storeid.OID{}, err
	}
	slotIdx, err := p.InsertTuple(tuple)
	if err != nil {
		_ = t.BP.Unpin(p, false)
		if errors.Is(err, storage.ErrNoSpace) {
			// Raced with another inserter since placement; allocate fresh.
			vpid, err = t.allocatePage()
			if err != nil {
				return storeid.OID{}, err
			}
			p, err = t.BP.GetPage(vpid.Page)
			if err != nil {
				return storeid.OID{}, err
			}
			slotIdx, err = p.InsertTuple(tuple)
			if err != nil {
				_ = t.BP.Unpin(p, false)
				return storeid.OID{}, err
			}
		} else {
			return storeid.OID{}, err
		}
	}
	if err := t.BP.Unpin(p, true); err != nil {
		return storeid.OID{}, err
	}

	t.refreshBestSpace(vpid)

	if err := t.recordRecLen(len(payload)); err != nil {
		return storeid.OID{}, err
	}

	return storeid.OID{Volume: vpid.Volume, Page: vpid.Page, Slot: uint16(slotIdx), Group: group}, nil
}

// recordRecLen folds size into the header's running average record length
// (spec.md §4.9), consulted by ScanFreeSpace to size its initial best-space
// scan window.
func (t *Table) recordRecLen(size int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	hs, err := t.getHeader()
	if err != nil {
		return err
	}
	recordAvgRecLen(&hs, size)
	return t.writeHeader(hs)
}

// insertTagged allocates room for a tagged tuple (payload already prefixed
// with its state byte) via the same placement path Insert uses, returning
// the OID it was installed at. Used internally by Update to install a
// NEWHOME or a converted record.
func (t *Table) insertTagged(tuple []byte, group int32) (storeid.OID, error) {
	vpid, err := t.placeForInsert(len(tuple) + storage.SlotSize)
	if err != nil {
		return storeid.OID{}, err
	}
	p, err := t.BP.GetPage(vpid.Page)
	if err != nil {
		return storeid.OID{}, err
	}
	slotIdx, err := p.InsertTuple(tuple)
	if err != nil {
		_ = t.BP.Unpin(p, false)
		return storeid.OID{}, err
	}
	if err := t.BP.Unpin(p, true); err != nil {
		return storeid.OID{}, err
	}
	t.refreshBestSpace(vpid)
	return storeid.OID{Volume: vpid.Volume, Page: vpid.Page, Slot: uint16(slotIdx), Group: group}, nil
}

// Get follows the physical-state machine to return oid's logical record
// (spec.md §4.6.5).
func (t *Table) Get(oid storeid.OID) ([]byte, error) {
	if err := t.ensureOpen(); err != nil {
		return nil, err
	}

	vpid := oid.VPID()
	p, err := t.BP.GetPage(vpid.Page)
	if err != nil {
		return nil, err
	}
	raw, err := p.ReadTuple(int(oid.Slot))
	_ = t.BP.Unpin(p, false)
	if err != nil {
		if errors.Is(err, storage.ErrBadSlot) {
			return nil, errs.New(errs.NotFound, "heapfile: oid not found")
		}
		return nil, err
	}

	switch raw[0] {
	case tagHome, tagNewHome:
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
			return nil, errs.Wrap(errs.Invalid, "heapfile: relocation target unreadable", err)
		}
		if raw2[0] != tagNewHome {
			return nil, errs.New(errs.Invalid, "heapfile: relocation target is not a new-home record")
		}
		out := make([]byte, len(raw2)-1)
		copy(out, raw2[1:])
		return out, nil

	case tagBigOne:
		first, length := decodeOverflowRef(raw[1:])
		if t.Overflow == nil {
			return nil, errs.New(errs.Resource, "heapfile: no overflow manager configured")
		}
		return t.Overflow.Read(storage.OverflowRef{FirstPageID: first, Length: length})

	case tagAssignAddress:
		return nil, errs.New(errs.NotFound, "heapfile: address reserved, no content yet")

	default:
		return nil, errs.New(errs.Invalid, fmt.Sprintf("heapfile: unknown record state tag %d", raw[0]))
	}
}

// deleteNewHome removes the NEWHOME record a RELOCATION slot points at.
func (t *Table) deleteNewHome(target storeid.OID) error {
	p, err := t.BP.GetPage(target.Page)
	if err != nil {
		return err
	}
	if err := p.DeleteTuple(int(target.Slot)); err != nil {
		_ = t.BP.Unpin(p, false)
		return err
	}
	if err := t.BP.Unpin(p, true); err != nil {
		return err
	}
	t.refreshBestSpace(target.VPID())
	return nil
}

// Delete removes oid's logical record (spec.md §4.6.4): the home slot
// becomes a tombstone (storage.Page.DeleteTuple), and a RELOCATION's
// NEWHOME or a BIGONE's overflow chain is freed alongside it.
func (t *Table) Delete(oid storeid.OID) error {
	if err := t.ensureOpen(); err != nil {
		return err
	}

	vpid := oid.VPID()
	p, err := t.BP.GetPage(vpid.Page)
	if err != nil {
		return err
	}
	raw, err := p.ReadTuple(int(oid.Slot))
	if err != nil {
		_ = t.BP.Unpin(p, false)
		if errors.Is(err, storage.ErrBadSlot) {
			return errs.New(errs.NotFound, "heapfile: oid not found")
		}
		return err
	}
	tag := raw[0]
	var relocTarget *storeid.OID
	var overflowRef *storage.OverflowRef
	if tag == tagRelocation {
		target := decodeOID(raw[1:])
		relocTarget = &target
	} else if tag == tagBigOne {
		first, length := decodeOverflowRef(raw[1:])
		ref := storage.OverflowRef{FirstPageID: first, Length: length}
		overflowRef = &ref
	}

	if err := p.DeleteTuple(int(oid.Slot)); err != nil {
		_ = t.BP.Unpin(p, false)
		return err
	}
	if err := t.BP.Unpin(p, true); err != nil {
		return err
	}
	t.refreshBestSpace(vpid)

	if relocTarget != nil {
		if err := t.deleteNewHome(*relocTarget); err != nil {
			slog.Warn(logDebugPrefix+" delete: freeing new-home failed (leak accepted)", "oid", oid, "err", err)
		}
	}
	if overflowRef != nil && t.Overflow != nil && overflowRef.Length > 0 {
		if err := t.Overflow.Free(*overflowRef); err != nil {
			slog.Warn(logDebugPrefix+" delete: freeing overflow chain failed (leak accepted)", "oid", oid, "err", err)
		}
	}
	return nil
}
