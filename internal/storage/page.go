package storage

import (
	"errors"
	"fmt"
)

const (
	_256   = 256
	_256_2 = 256 * 256
	_256_3 = 256 * 256 * 256
)

func GetU16(b []byte, offset int) uint16 {
	return uint16(b[offset]) + uint16(b[offset+1])*_256
}

func PutU16(b []byte, offset int, v uint16) {
	b[offset], b[offset+1] = byte(v%_256), byte(v/_256)
}

func GetU32(b []byte, offset int) uint32 {
	return uint32(b[offset]) +
		uint32(b[offset+1])*_256 +
		uint32(b[offset+2])*_256_2 +
		uint32(b[offset+3])*_256_3
}

func PutU32(b []byte, offset int, v uint32) {
	b[offset] = byte(v % _256)
	b[offset+1] = byte((v / _256) % _256)
	b[offset+2] = byte((v / (_256 * _256)) % _256)
	b[offset+3] = byte((v / (_256 * _256 * _256)) % _256)
}

// Slot flags. A slot's flag records the low-level physical disposition of
// its line pointer; the heap file manager layers its own record-state
// machine (HOME/RELOCATION/NEWHOME/BIGONE/...) on top of a NORMAL slot by
// interpreting the first bytes of the tuple payload.
const (
	SlotFlagNormal  uint16 = 0
	SlotFlagDeleted uint16 = 1
	SlotFlagMoved   uint16 = 2
)

var (
	ErrBadSlot  = errors.New("storage: bad slot")
	ErrNoSpace  = errors.New("storage: not enough free space on page")
	ErrBadPage  = errors.New("storage: page buffer has the wrong size")
	ErrRedirect = errors.New("storage: slot redirects past its target")
)

// Page is a slotted page:
//
//	+------------------+ 0
//	| flags (2)        |
//	| pageID (4)       |
//	| pd_lower (2)     | <-- grows down as slots are appended
//	| pd_upper (2)     | <-- grows up as tuples are appended
//	| pd_special (2)   |
//	+------------------+ HeaderSize
//	| LinePointers[]   |
//	+------------------+ <-- lower()
//	|                  |
//	|   Free space     |
//	|                  |
//	+------------------+ <-- upper()
//	|  Tuple Data      |
//	|  (grows up)      |
//	+------------------+ PageSize
type Page struct {
	Buf []byte
}

type slot struct {
	Offset uint16
	Length uint16
	Flags  uint16
}

// NewPage wraps buf (which must be exactly PageSize bytes) as a Page,
// initializing its header if the buffer is all zero.
func NewPage(buf []byte, pageID uint32) (*Page, error) {
	if len(buf) != PageSize {
		return nil, ErrBadPage
	}
	p := &Page{Buf: buf}
	if p.IsUninitialized() {
		p.init(pageID)
	}
	return p, nil
}

func (p *Page) init(pageID uint32) {
	for i := range p.Buf {
		p.Buf[i] = 0
	}
	PutU16(p.Buf, 0, 0)
	PutU32(p.Buf, 2, pageID)
	PutU16(p.Buf, 6, HeaderSize)
	PutU16(p.Buf, 8, PageSize)
	PutU16(p.Buf, 10, PageSize)
}

func (p *Page) IsUninitialized() bool {
	return GetU16(p.Buf, 6) == 0 && GetU16(p.Buf, 8) == 0
}

func (p *Page) flags() uint16   { return GetU16(p.Buf, 0) }
func (p *Page) PageID() uint32  { return GetU32(p.Buf, 2) }
func (p *Page) lower() uint16   { return GetU16(p.Buf, 6) }
func (p *Page) setLower(v int)  { PutU16(p.Buf, 6, uint16(v)) }
func (p *Page) upper() uint16   { return GetU16(p.Buf, 8) }
func (p *Page) setUpper(v int)  { PutU16(p.Buf, 8, uint16(v)) }
func (p *Page) special() uint16 { return GetU16(p.Buf, 10) }

// NumSlots returns the number of line pointers, including deleted/moved ones.
func (p *Page) NumSlots() int {
	return (int(p.lower()) - HeaderSize) / SlotSize
}

// FreeSpace returns the number of bytes available for a new tuple+slot.
func (p *Page) FreeSpace() int {
	return int(p.upper()) - int(p.lower())
}

func (p *Page) slotOff(idx int) int { return HeaderSize + idx*SlotSize }

func (p *Page) getSlot(idx int) (slot, error) {
	if idx < 0 || idx >= p.NumSlots() {
		return slot{}, ErrBadSlot
	}
	o := p.slotOff(idx)
	return slot{
		Offset: GetU16(p.Buf, o),
		Length: GetU16(p.Buf, o+2),
		Flags:  GetU16(p.Buf, o+4),
	}, nil
}

func (p *Page) putSlot(idx int, s slot) {
	o := p.slotOff(idx)
	PutU16(p.Buf, o, s.Offset)
	PutU16(p.Buf, o+2, s.Length)
	PutU16(p.Buf, o+4, s.Flags)
}

func (p *Page) appendSlot(s slot) int {
	idx := p.NumSlots()
	p.putSlot(idx, s)
	p.setLower(int(p.lower()) + SlotSize)
	return idx
}

// InsertTuple appends tup to the tuple area and a new NORMAL slot pointing
// at it, returning the new slot index. Returns ErrNoSpace if the page
// cannot fit tup plus one line pointer.
func (p *Page) InsertTuple(tup []byte) (int, error) {
	need := len(tup) + SlotSize
	if p.FreeSpace() < need {
		return -1, ErrNoSpace
	}
	u := int(p.upper()) - len(tup)
	copy(p.Buf[u:], tup)
	p.setUpper(u)
	return p.appendSlot(slot{Offset: uint16(u), Length: uint16(len(tup)), Flags: SlotFlagNormal}), nil
}

// InsertTupleAt installs tup at a specific, previously-reserved slot index
// (used by the heap file manager to refill an ASSIGN_ADDRESS or a
// DELETED_WILL_REUSE slot without reassigning its identity).
func (p *Page) InsertTupleAt(idx int, tup []byte) error {
	if idx < 0 || idx > p.NumSlots() {
		return ErrBadSlot
	}
	need := len(tup) + SlotSize
	if idx == p.NumSlots() {
		if p.FreeSpace() < need {
			return ErrNoSpace
		}
	} else if p.FreeSpace() < len(tup) {
		return ErrNoSpace
	}
	u := int(p.upper()) - len(tup)
	copy(p.Buf[u:], tup)
	p.setUpper(u)
	if idx == p.NumSlots() {
		p.appendSlot(slot{Offset: uint16(u), Length: uint16(len(tup)), Flags: SlotFlagNormal})
		return nil
	}
	p.putSlot(idx, slot{Offset: uint16(u), Length: uint16(len(tup)), Flags: SlotFlagNormal})
	return nil
}

// ReadTuple returns the bytes stored at slot, following one level of
// redirect for SlotFlagMoved. It returns ErrBadSlot for an out-of-range,
// deleted, or reserved-but-empty slot.
func (p *Page) ReadTuple(idx int) ([]byte, error) {
	s, err := p.getSlot(idx)
	if err != nil {
		return nil, err
	}
	switch s.Flags {
	case SlotFlagDeleted:
		return nil, ErrBadSlot
	case SlotFlagMoved:
		target := int(s.Length)
		ts, err := p.getSlot(target)
		if err != nil {
			return nil, ErrRedirect
		}
		if ts.Flags != SlotFlagNormal {
			return nil, ErrRedirect
		}
		return p.Buf[ts.Offset : int(ts.Offset)+int(ts.Length)], nil
	case SlotFlagNormal:
		if s.Offset == 0 && s.Length == 0 {
			return nil, ErrBadSlot
		}
		return p.Buf[s.Offset : int(s.Offset)+int(s.Length)], nil
	default:
		return nil, fmt.Errorf("%w: flags=%d", ErrBadSlot, s.Flags)
	}
}

// UpdateTuple overwrites slot idx's content in place when newTuple fits in
// the existing footprint, else appends newTuple as a fresh tuple and turns
// idx into a SlotFlagMoved redirect to it. Returns ErrNoSpace if neither
// fits.
func (p *Page) UpdateTuple(idx int, newTuple []byte) error {
	s, err := p.getSlot(idx)
	if err != nil {
		return err
	}
	if s.Flags == SlotFlagDeleted {
		return ErrBadSlot
	}
	if s.Flags == SlotFlagNormal && len(newTuple) <= int(s.Length) {
		copy(p.Buf[s.Offset:], newTuple)
		p.putSlot(idx, slot{Offset: s.Offset, Length: uint16(len(newTuple)), Flags: SlotFlagNormal})
		return nil
	}
	newIdx, err := p.InsertTuple(newTuple)
	if err != nil {
		return err
	}
	p.putSlot(idx, slot{Offset: 0, Length: uint16(newIdx), Flags: SlotFlagMoved})
	return nil
}

// DeleteTuple marks idx as deleted; its line pointer stays allocated so
// other slots' indices stay stable, but reads see it as gone.
func (p *Page) DeleteTuple(idx int) error {
	s, err := p.getSlot(idx)
	if err != nil {
		return err
	}
	if s.Flags == SlotFlagDeleted {
		return ErrBadSlot
	}
	p.putSlot(idx, slot{Offset: 0, Length: 0, Flags: SlotFlagDeleted})
	return nil
}

// Compact repacks the tuple area from the surviving (non-deleted, non
// redirect-target-only) slots. Slot indices and the logical content they
// point to are preserved; only the underlying bytes are moved.
func (p *Page) Compact() {
	type live struct {
		idx int
		s   slot
	}
	var lives []live
	for i := 0; i < p.NumSlots(); i++ {
		s, err := p.getSlot(i)
		if err != nil || s.Flags != SlotFlagNormal {
			continue
		}
		lives = append(lives, live{idx: i, s: s})
	}

	u := PageSize
	bufCopy := make([]byte, PageSize)
	copy(bufCopy, p.Buf)
	for _, l := range lives {
		u -= int(l.s.Length)
		copy(p.Buf[u:], bufCopy[l.s.Offset:int(l.s.Offset)+int(l.s.Length)])
		p.putSlot(l.idx, slot{Offset: uint16(u), Length: l.s.Length, Flags: SlotFlagNormal})
	}
	p.setUpper(u)
}
