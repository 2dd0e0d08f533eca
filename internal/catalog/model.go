package catalog

import (
	"github.com/novadb/heapstore/internal/record"
	"github.com/novadb/heapstore/internal/storeid"
)

// TableMeta is one catalog row: a class's name, its backing heap file, and
// its current schema (spec.md §3.4/§4.6.6's "system catalog record" a
// root-class write updates).
type TableMeta struct {
	ClassOID  storeid.ClassOID  `json:"class_oid"`
	Name      string            `json:"name"`
	FileBase  string            `json:"file_base"`
	PageCount uint32            `json:"page_count"`
	Columns   []record.Column   `json:"columns"`
	Indexes   []record.IndexDef `json:"indexes"`
}
