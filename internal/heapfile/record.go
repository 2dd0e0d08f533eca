package heapfile

import (
	"math"

	"github.com/novadb/heapstore/internal/storeid"
	"github.com/novadb/heapstore/pkg/bx"
)

// HeapHeaderAndChainSlotID is the slot every page reserves for its
// metadata record: header stats on the header page, a {class-oid, prev,
// next} chain record on every other page (spec.md §3.2).
const HeapHeaderAndChainSlotID = 0

// Record physical state tags (spec.md §3.3). Each is the first byte of a
// non-metadata slot's payload; storage.Page's own SlotFlagDeleted already
// covers MARKDELETED/DELETED_WILL_REUSE, so those two states don't need a
// tag of their own.
const (
	tagHome byte = iota
	tagRelocation
	tagNewHome
	tagBigOne
	tagAssignAddress
)

const (
	oidSize    = 14
	vpidSize   = 8
	fileIDSize = 8
)

func encodeVPID(b []byte, v storeid.VPID) {
	putI32(b[0:4], v.Volume)
	putU32(b[4:8], v.Page)
}

func decodeVPID(b []byte) storeid.VPID {
	return storeid.VPID{Volume: getI32(b[0:4]), Page: getU32(b[4:8])}
}

func encodeOID(b []byte, o storeid.OID) {
	putI32(b[0:4], o.Volume)
	putU32(b[4:8], o.Page)
	putU16(b[8:10], o.Slot)
	putI32(b[10:14], o.Group)
}

func decodeOID(b []byte) storeid.OID {
	return storeid.OID{
		Volume: getI32(b[0:4]),
		Page:   getU32(b[4:8]),
		Slot:   getU16(b[8:10]),
		Group:  getI32(b[10:14]),
	}
}

func encodeFileID(b []byte, f storeid.FileID) {
	putI32(b[0:4], f.Volume)
	putU32(b[4:8], f.FileSeq)
}

func decodeFileID(b []byte) storeid.FileID {
	return storeid.FileID{Volume: getI32(b[0:4]), FileSeq: getU32(b[4:8])}
}

// headerStats is the record stored at slot 0 of the heap's header page
// (spec.md §3.2): owning class-OID, lazily-created overflow file, the tail
// of the data-page chain (for O(1) append), the best-space sync's
// full-search cursor, the current page count, and a running estimate of
// average record length (spec.md §4.9) used to size the initial best-space
// scan window: a heap of small, dense records should search more pages per
// sync pass than one of few large records before giving up and growing.
type headerStats struct {
	ClassOID     storeid.ClassOID
	HasOverflow  bool
	OverflowFile storeid.FileID
	LastPage     storeid.VPID
	Cursor       storeid.VPID
	PageCount    uint32
	AvgRecLen    float64
}

const headerStatsSize = oidSize + 1 + fileIDSize + vpidSize + vpidSize + 4 + 8

// avgRecLenAlpha is the EMA smoothing factor recordAvgRecLen applies on
// every insert/update: recent record sizes dominate the estimate without
// a single outlier swinging the best-space scan window.
const avgRecLenAlpha = 0.1

// recordAvgRecLen folds size into hs.AvgRecLen via an exponential moving
// average, seeding it outright on the heap's first recorded size.
func recordAvgRecLen(hs *headerStats, size int) {
	if hs.AvgRecLen == 0 {
		hs.AvgRecLen = float64(size)
		return
	}
	hs.AvgRecLen = avgRecLenAlpha*float64(size) + (1-avgRecLenAlpha)*hs.AvgRecLen
}

func encodeHeaderStats(hs headerStats) []byte {
	b := make([]byte, headerStatsSize)
	pos := 0
	encodeOID(b[pos:], hs.ClassOID)
	pos += oidSize
	if hs.HasOverflow {
		b[pos] = 1
	}
	pos++
	encodeFileID(b[pos:], hs.OverflowFile)
	pos += fileIDSize
	encodeVPID(b[pos:], hs.LastPage)
	pos += vpidSize
	encodeVPID(b[pos:], hs.Cursor)
	pos += vpidSize
	putU32(b[pos:pos+4], hs.PageCount)
	pos += 4
	bx.PutU64(b[pos:pos+8], math.Float64bits(hs.AvgRecLen))
	return b
}

func decodeHeaderStats(b []byte) headerStats {
	pos := 0
	classOID := decodeOID(b[pos:])
	pos += oidSize
	hasOverflow := b[pos] != 0
	pos++
	overflowFile := decodeFileID(b[pos:])
	pos += fileIDSize
	lastPage := decodeVPID(b[pos:])
	pos += vpidSize
	cursor := decodeVPID(b[pos:])
	pos += vpidSize
	pageCount := getU32(b[pos : pos+4])
	pos += 4
	avgRecLen := math.Float64frombits(bx.U64(b[pos : pos+8]))
	return headerStats{
		ClassOID:     classOID,
		HasOverflow:  hasOverflow,
		OverflowFile: overflowFile,
		LastPage:     lastPage,
		Cursor:       cursor,
		PageCount:    pageCount,
		AvgRecLen:    avgRecLen,
	}
}

// chainRecord is the slot-0 metadata every non-header page carries so the
// chain can be validated and walked in both directions (spec.md §3.2).
type chainRecord struct {
	ClassOID storeid.ClassOID
	Prev     storeid.VPID
	Next     storeid.VPID
}

const chainRecordSize = oidSize + vpidSize + vpidSize

func encodeChainRecord(c chainRecord) []byte {
	b := make([]byte, chainRecordSize)
	pos := 0
	encodeOID(b[pos:], c.ClassOID)
	pos += oidSize
	encodeVPID(b[pos:], c.Prev)
	pos += vpidSize
	encodeVPID(b[pos:], c.Next)
	return b
}

func decodeChainRecord(b []byte) chainRecord {
	pos := 0
	classOID := decodeOID(b[pos:])
	pos += oidSize
	prev := decodeVPID(b[pos:])
	pos += vpidSize
	next := decodeVPID(b[pos:])
	return chainRecord{ClassOID: classOID, Prev: prev, Next: next}
}

// encodeOverflowRef/decodeOverflowRef serialize the 8-byte {first-page,
// length} BIGONE slot payload.
func encodeOverflowRef(first, length uint32) []byte {
	b := make([]byte, 8)
	putU32(b[0:4], first)
	putU32(b[4:8], length)
	return b
}

func decodeOverflowRef(b []byte) (first, length uint32) {
	return getU32(b[0:4]), getU32(b[4:8])
}

// --- tiny local LE helpers (mirrors pkg/bx, kept local to avoid a signed
// helper gap in bx: storeid.Volume/Group are int32). ---

func putU16(b []byte, v uint16) { b[0] = byte(v); b[1] = byte(v >> 8) }
func getU16(b []byte) uint16    { return uint16(b[0]) | uint16(b[1])<<8 }

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putI32(b []byte, v int32) { putU32(b, uint32(v)) }
func getI32(b []byte) int32    { return int32(getU32(b)) }
