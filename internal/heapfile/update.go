package heapfile

import (
	"errors"
	"log/slog"

	"github.com/novadb/heapstore/internal/errs"
	"github.com/novadb/heapstore/internal/storage"
	"github.com/novadb/heapstore/internal/storeid"
)

// Update rewrites oid's logical record, following the three-case state
// transition spec.md §4.6.3 describes (HOME/RELOCATION/BIGONE). The
// logical OID never changes; only its physical disposition does.
//
// spec.md's deadlock-avoidance rule restarts the whole operation (release
// all latches, reacquire home->forward->header, retry up to 20 times) when
// a conditional latch on a second page fails while the first is held. This
// bufferpool's Pool serializes page access with a single mutex and blocks
// rather than failing under contention, so there is no conditional-latch
// failure for a restart loop to catch; the multi-page cases below run as a
// single pass instead (documented in DESIGN.md as a deliberate
// simplification pending a real per-page latch manager).
func (t *Table) Update(oid storeid.OID, newPayload []byte) error {
	if err := t.ensureOpen(); err != nil {
		return err
	}

	if err := t.dispatchUpdate(oid, newPayload); err != nil {
		return err
	}
	return t.recordRecLen(len(newPayload))
}

func (t *Table) dispatchUpdate(oid storeid.OID, newPayload []byte) error {
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

	switch raw[0] {
	case tagHome, tagAssignAddress:
		_ = t.BP.Unpin(p, false)
		return t.updateHome(oid, newPayload)
	case tagRelocation:
		target := decodeOID(raw[1:])
		_ = t.BP.Unpin(p, false)
		return t.updateRelocation(oid, target, newPayload)
	case tagBigOne:
		first, length := decodeOverflowRef(raw[1:])
		_ = t.BP.Unpin(p, false)
		return t.updateBigOne(oid, storage.OverflowRef{FirstPageID: first, Length: length}, newPayload)
	default:
		_ = t.BP.Unpin(p, false)
		return errs.New(errs.Invalid, "heapfile: cannot update record in this physical state")
	}
}

func (t *Table) updateHome(oid storeid.OID, newPayload []byte) error {
	maxInline := t.maxInlineLen()
	vpid := oid.VPID()

	if len(newPayload) <= maxInline {
		p, err := t.BP.GetPage(vpid.Page)
		if err != nil {
			return err
		}
		tuple := append([]byte{tagHome}, newPayload...)
		if err := p.UpdateTuple(int(oid.Slot), tuple); err == nil {
			uerr := t.BP.Unpin(p, true)
			t.refreshBestSpace(vpid)
			return uerr
		} else if !errors.Is(err, storage.ErrNoSpace) {
			_ = t.BP.Unpin(p, false)
			return err
		}
		_ = t.BP.Unpin(p, false)
		// Fits the per-page max but not this specific page's free space
		// right now; fall through to relocating it.
	}

	if len(newPayload) > maxInline {
		return t.convertHomeToBigOne(oid, newPayload)
	}
	return t.convertHomeToRelocation(oid, newPayload)
}

func (t *Table) convertHomeToBigOne(oid storeid.OID, newPayload []byte) error {
	if t.Overflow == nil {
		return errs.New(errs.Resource, "heapfile: no overflow manager configured for oversize record")
	}
	ref, err := t.Overflow.Write(newPayload)
	if err != nil {
		return err
	}
	vpid := oid.VPID()
	p, err := t.BP.GetPage(vpid.Page)
	if err != nil {
		return err
	}
	tuple := append([]byte{tagBigOne}, encodeOverflowRef(ref.FirstPageID, ref.Length)...)
	if err := p.UpdateTuple(int(oid.Slot), tuple); err != nil {
		_ = t.BP.Unpin(p, false)
		return err
	}
	if err := t.BP.Unpin(p, true); err != nil {
		return err
	}
	t.refreshBestSpace(vpid)
	return nil
}

func (t *Table) convertHomeToRelocation(oid storeid.OID, newPayload []byte) error {
	tuple := append([]byte{tagNewHome}, newPayload...)
	newHome, err := t.insertTagged(tuple, oid.Group)
	if err != nil {
		return err
	}

	vpid := oid.VPID()
	p, err := t.BP.GetPage(vpid.Page)
	if err != nil {
		return err
	}
	reloc := append([]byte{tagRelocation}, make([]byte, oidSize)...)
	encodeOID(reloc[1:], newHome)
	if err := p.UpdateTuple(int(oid.Slot), reloc); err != nil {
		_ = t.BP.Unpin(p, false)
		return err
	}
	if err := t.BP.Unpin(p, true); err != nil {
		return err
	}
	t.refreshBestSpace(vpid)
	return nil
}

func (t *Table) updateRelocation(oid storeid.OID, target storeid.OID, newPayload []byte) error {
	maxInline := t.maxInlineLen()
	homeVPID := oid.VPID()

	if len(newPayload) <= maxInline {
		p2, err := t.BP.GetPage(target.Page)
		if err != nil {
			return err
		}
		tuple := append([]byte{tagNewHome}, newPayload...)
		if err := p2.UpdateTuple(int(target.Slot), tuple); err == nil {
			uerr := t.BP.Unpin(p2, true)
			t.refreshBestSpace(target.VPID())
			return uerr
		} else if !errors.Is(err, storage.ErrNoSpace) {
			_ = t.BP.Unpin(p2, false)
			return err
		}
		_ = t.BP.Unpin(p2, false)
	}

	if len(newPayload) > maxInline {
		if err := t.deleteNewHome(target); err != nil {
			return err
		}
		return t.convertHomeToBigOne(oid, newPayload)
	}

	// Doesn't fit at new-home: try reverting to HOME on the original page.
	hp, err := t.BP.GetPage(homeVPID.Page)
	if err != nil {
		return err
	}
	homeTuple := append([]byte{tagHome}, newPayload...)
	if err := hp.UpdateTuple(int(oid.Slot), homeTuple); err == nil {
		if err := t.BP.Unpin(hp, true); err != nil {
			return err
		}
		t.refreshBestSpace(homeVPID)
		if err := t.deleteNewHome(target); err != nil {
			return err
		}
		return nil
	}
	_ = t.BP.Unpin(hp, false)

	// Neither the existing new-home nor the home page has room: install a
	// third page as the new NEWHOME and repoint the RELOCATION slot at it.
	tuple := append([]byte{tagNewHome}, newPayload...)
	newHome, err := t.insertTagged(tuple, oid.Group)
	if err != nil {
		return err
	}
	hp2, err := t.BP.GetPage(homeVPID.Page)
	if err != nil {
		return err
	}
	reloc := append([]byte{tagRelocation}, make([]byte, oidSize)...)
	encodeOID(reloc[1:], newHome)
	if err := hp2.UpdateTuple(int(oid.Slot), reloc); err != nil {
		_ = t.BP.Unpin(hp2, false)
		return err
	}
	if err := t.BP.Unpin(hp2, true); err != nil {
		return err
	}
	t.refreshBestSpace(homeVPID)

	return t.deleteNewHome(target)
}

func (t *Table) updateBigOne(oid storeid.OID, ref storage.OverflowRef, newPayload []byte) error {
	maxInline := t.maxInlineLen()
	vpid := oid.VPID()

	if len(newPayload) <= maxInline {
		p, err := t.BP.GetPage(vpid.Page)
		if err != nil {
			return err
		}
		tuple := append([]byte{tagHome}, newPayload...)
		if err := p.UpdateTuple(int(oid.Slot), tuple); err != nil {
			_ = t.BP.Unpin(p, false)
			return err
		}
		if err := t.BP.Unpin(p, true); err != nil {
			return err
		}
		t.refreshBestSpace(vpid)
		if err := t.Overflow.Free(ref); err != nil {
			// Best-effort, mirrors internal/heap.Table's accepted-leak pattern.
			slog.Warn(logDebugPrefix+" update: freeing shrunk overflow chain failed (leak accepted)", "oid", oid, "err", err)
		}
		return nil
	}

	newRef, err := t.Overflow.Update(ref, newPayload)
	if err != nil {
		return err
	}
	if newRef == ref {
		return nil
	}
	p, err := t.BP.GetPage(vpid.Page)
	if err != nil {
		return err
	}
	tuple := append([]byte{tagBigOne}, encodeOverflowRef(newRef.FirstPageID, newRef.Length)...)
	if err := p.UpdateTuple(int(oid.Slot), tuple); err != nil {
		_ = t.BP.Unpin(p, false)
		return err
	}
	return t.BP.Unpin(p, true)
}
