package force

import (
	"github.com/novadb/heapstore/internal/attrinfo"
	"github.com/novadb/heapstore/internal/record"
	"github.com/novadb/heapstore/internal/storeid"
)

// AttrInfoExtractKey builds an IndexSpec.ExtractKey grounded in
// internal/attrinfo.Info.GetKey (spec.md §4.5's get_key): it starts a fresh
// attribute-info context over schema/reprID for every call, since Info is
// not safe for concurrent reuse across rows, and decodes indexOrdinal's key
// out of the row's wire-format payload.
func AttrInfoExtractKey(classOID storeid.ClassOID, reprID int, schema record.Schema, indexOrdinal int) func(oid storeid.OID, payload []byte) ([]byte, error) {
	return func(oid storeid.OID, payload []byte) ([]byte, error) {
		info := attrinfo.Start(classOID, reprID, schema)
		return info.GetKey(indexOrdinal, oid, payload)
	}
}
