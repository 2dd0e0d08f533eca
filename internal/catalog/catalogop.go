package catalog

import "github.com/novadb/heapstore/internal/storeid"

// Op is a replication-log catalog operation (spec.md §4.8 step 10:
// "dispatches ... to a catalog-upsert path for HA_CATALOG_ANALYZER_UPDATE /
// HA_CATALOG_APPLIER_UPDATE"). Both update the same system catalog record;
// the distinction is which replica role produced the log entry, kept for
// logging/metrics rather than changing the upsert itself.
type Op uint8

const (
	OpNone Op = iota
	OpAnalyzerUpdate
	OpApplierUpdate
)

func (o Op) String() string {
	switch o {
	case OpAnalyzerUpdate:
		return "analyzer_update"
	case OpApplierUpdate:
		return "applier_update"
	default:
		return "none"
	}
}

// Upserter is the catalog-upsert surface a replication apply engine needs
// for HA_CATALOG_ANALYZER_UPDATE/HA_CATALOG_APPLIER_UPDATE rows.
type Upserter interface {
	UpsertCatalog(op Op, classOID storeid.ClassOID, payload []byte) error
}
