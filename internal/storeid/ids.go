// Package storeid defines the small integer identifiers the record-store
// subsystem threads everywhere: VPID (page), OID (record), FileID/HFID/BTID
// (heap and index names). They generalize internal/heap.TID's {PageID, Slot}
// pair to the four-part identity and file-naming scheme the rest of the
// subsystem needs.
package storeid

import "fmt"

// NullGroupID is carried by records of global (non-shard) tables.
const NullGroupID int32 = 0

// GlobalGroupID is the single group constant global tables must use.
const GlobalGroupID int32 = 0

// VPID names a page: a volume plus a page number within it.
type VPID struct {
	Volume int32
	Page   uint32
}

func (v VPID) String() string { return fmt.Sprintf("%d|%d", v.Volume, v.Page) }

// IsNull reports whether v is the null page reference (page == NullPage).
func (v VPID) IsNull() bool { return v.Page == NullPage }

// NullPage is the sentinel page number meaning "no page" (e.g. a chain's
// next-vpid at the tail, or an entry's overflow-vfid before first use).
const NullPage uint32 = ^uint32(0)

// OID names a record: a page plus a slot within it plus the shard-group tag
// the record was written under.
type OID struct {
	Volume int32
	Page   uint32
	Slot   uint16
	Group  int32
}

func (o OID) VPID() VPID { return VPID{Volume: o.Volume, Page: o.Page} }

func (o OID) String() string {
	return fmt.Sprintf("%d|%d|%d|%d", o.Volume, o.Page, o.Slot, o.Group)
}

// NullOID is returned in place of a real OID on failure paths.
var NullOID = OID{Page: NullPage}

func (o OID) IsNull() bool { return o.Page == NullPage }

// FileID names a file within a volume: the volume plus a monotonic
// file-sequence number assigned when the file was created.
type FileID struct {
	Volume  int32
	FileSeq uint32
}

func (f FileID) String() string { return fmt.Sprintf("%d|%d", f.Volume, f.FileSeq) }

// HFID names a heap file: its underlying FileID plus the VPID of its
// header/chain-anchor page.
type HFID struct {
	File       FileID
	HeaderPage VPID
}

func (h HFID) String() string { return fmt.Sprintf("%s|%s", h.File, h.HeaderPage) }

// BTID names a b-tree index: its underlying FileID plus the VPID of its
// root page.
type BTID struct {
	File     FileID
	RootPage VPID
}

func (b BTID) String() string { return fmt.Sprintf("%s|%s", b.File, b.RootPage) }

// ClassOID is the OID of the system-catalog record describing a class
// (table). It is an OID like any other, aliased for readability at call
// sites that only ever deal with class identity.
type ClassOID = OID
