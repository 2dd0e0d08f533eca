package record

import "github.com/novadb/heapstore/internal/storeid"

type ColumnType uint8

const (
	ColInt32 ColumnType = iota
	ColInt64
	ColBool
	ColFloat64
	ColText  // UTF-8
	ColBytes // opaque bytes
)

type Column struct {
	Name     string
	Type     ColumnType
	Nullable bool
}

// IndexDef is one entry of a class's per-attribute list of index-btids
// (spec.md §3.4): the B-tree backing the index and the ordinal positions
// of the attributes (Schema.Cols indices, in key order) it is keyed on.
type IndexDef struct {
	BTID      storeid.BTID
	AttrIDs   []int
	IsPrimary bool
}

type Schema struct {
	Cols    []Column
	Indexes []IndexDef
}

func (s Schema) NumCols() int { return len(s.Cols) }
