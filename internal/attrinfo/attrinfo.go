// Package attrinfo implements the attribute-info facility (spec.md §4.5): a
// typed accessor over one class representation that reads/writes attribute
// values and serializes a record to and from its on-disk wire format.
//
// The format generalizes internal/storage/rowcodec.go's teacher layout
// (null-bitmap + fixed fields + u16-length-prefixed variable fields) to the
// spec's required shape: a representation-id word carrying bound-bit/
// offset-size flags, a shard-group-id word, a variable-offset table, a
// fixed area padded per attribute to its fixed length, a bound-bit bitmap,
// and a variable-value area. Where the teacher's rowcodec returns a single
// coarse ErrBadBuffer/ErrSchemaMismatch pair, this package reports the
// richer DoesntFit{required_size} retry contract spec.md §4.5/§9 specify,
// represented as an Invalid-kind internal/errs.Error.
package attrinfo

import (
	"math"

	"github.com/novadb/heapstore/internal/errs"
	"github.com/novadb/heapstore/internal/record"
	"github.com/novadb/heapstore/internal/storeid"
	"github.com/novadb/heapstore/pkg/bx"
)

// reprIDMask/offsetSizeFlag/boundBitFlag carve up the repr-id word's 16
// bits: low 14 bits are the representation id, bit 14 marks the
// offset-table entry width (always 0: u16 offsets, large records are out of
// scope), bit 15 marks that a bound-bit bitmap follows the fixed area
// (always 1 in this implementation).
const (
	reprIDMask     = 0x3FFF
	offsetSizeFlag = 1 << 14
	boundBitFlag   = 1 << 15
)

func fixedSize(t record.ColumnType) (int, bool) {
	switch t {
	case record.ColInt32:
		return 4, true
	case record.ColInt64:
		return 8, true
	case record.ColBool:
		return 1, true
	case record.ColFloat64:
		return 8, true
	case record.ColText, record.ColBytes:
		return 0, false
	default:
		return 0, false
	}
}

// Info is a started attribute-info context over one class representation.
// Values/bound are indexed by schema column position (the "attribute id").
type Info struct {
	ClassOID storeid.ClassOID
	ReprID   int
	Schema   record.Schema

	values []any
	bound  []bool

	fixedOffsets []int // per fixed column, its offset within the fixed area; -1 for variable columns
	fixedAreaLen int
	varIndex     []int // schema index of each variable column, in schema order
}

// Start pins reprID's schema for classOID and allocates an empty value
// array (spec.md §4.5: "pins the current representation, allocates a value
// array").
func Start(classOID storeid.ClassOID, reprID int, schema record.Schema) *Info {
	n := schema.NumCols()
	info := &Info{
		ClassOID:     classOID,
		ReprID:       reprID,
		Schema:       schema,
		values:       make([]any, n),
		bound:        make([]bool, n),
		fixedOffsets: make([]int, n),
	}

	off := 0
	for i, col := range schema.Cols {
		if size, ok := fixedSize(col.Type); ok {
			info.fixedOffsets[i] = off
			off += size
		} else {
			info.fixedOffsets[i] = -1
			info.varIndex = append(info.varIndex, i)
		}
	}
	info.fixedAreaLen = off
	return info
}

// Set stages a value for attrID (= schema column position) to be written on
// the next TransformToDisk.
func (info *Info) Set(attrID int, value any) error {
	if attrID < 0 || attrID >= len(info.values) {
		return errs.New(errs.Invalid, "attribute id out of range")
	}
	info.values[attrID] = value
	info.bound[attrID] = value != nil
	return nil
}

// ClearDBValues resets every attribute to unbound (spec.md §4.5).
func (info *Info) ClearDBValues() {
	for i := range info.values {
		info.values[i] = nil
		info.bound[i] = false
	}
}

// Value returns attrID's current staged/decoded value and whether it is
// bound (non-null).
func (info *Info) Value(attrID int) (any, bool) {
	if attrID < 0 || attrID >= len(info.values) {
		return nil, false
	}
	return info.values[attrID], info.bound[attrID]
}

func boundBitmapLen(numCols int) int { return (numCols + 7) / 8 }

// ReadDBValues decodes attributes out of an on-disk record buffer
// (spec.md §4.5): fixed attributes via the fixed-area offsets computed at
// Start, variable attributes via the variable-offset table. If wanted is
// nil, every column is decoded; otherwise only the listed attribute ids are
// populated (the rest are left as they were).
func (info *Info) ReadDBValues(buf []byte, wanted []int) error {
	n := info.Schema.NumCols()
	numVar := len(info.varIndex)

	headerLen := 2 + 4 + numVar*2
	if len(buf) < headerLen {
		return errs.DoesntFit(headerLen)
	}

	pos := 0
	reprWord := bx.U16(buf[pos : pos+2])
	pos += 2
	if int(reprWord&reprIDMask) != info.ReprID {
		return errs.New(errs.Invalid, "representation id mismatch")
	}

	shardGroupWord := int32(bx.U32(buf[pos : pos+4]))
	pos += 4

	varTable := make([]int, numVar)
	for i := 0; i < numVar; i++ {
		varTable[i] = int(bx.U16(buf[pos : pos+2]))
		pos += 2
	}

	fixedAreaStart := pos
	pos += info.fixedAreaLen
	if len(buf) < pos {
		return errs.DoesntFit(pos)
	}

	bbLen := boundBitmapLen(n)
	if len(buf) < pos+bbLen {
		return errs.DoesntFit(pos + bbLen)
	}
	boundBitmap := buf[pos : pos+bbLen]
	pos += bbLen

	varAreaStart := pos
	varAreaLen := 0
	if numVar > 0 {
		varAreaLen = varTable[numVar-1]
	}
	if len(buf) < varAreaStart+varAreaLen {
		return errs.DoesntFit(varAreaStart + varAreaLen)
	}

	want := func(i int) bool {
		if wanted == nil {
			return true
		}
		for _, w := range wanted {
			if w == i {
				return true
			}
		}
		return false
	}

	varSeq := 0
	for i, col := range info.Schema.Cols {
		isBound := (boundBitmap[i/8]>>(uint(i)&7))&1 == 1

		fixedOff := info.fixedOffsets[i]
		isVar := fixedOff == -1

		if !want(i) {
			if isVar {
				varSeq++
			}
			continue
		}

		info.bound[i] = isBound
		if !isBound {
			info.values[i] = nil
			if isVar {
				varSeq++
			}
			continue
		}

		if !isVar {
			size, _ := fixedSize(col.Type)
			info.values[i] = decodeFixed(col.Type, buf[fixedAreaStart+fixedOff:fixedAreaStart+fixedOff+size])
			continue
		}

		start := 0
		if varSeq > 0 {
			start = varTable[varSeq-1]
		}
		end := varTable[varSeq]
		varSeq++

		raw := buf[varAreaStart+start : varAreaStart+end]
		if col.Type == record.ColText {
			info.values[i] = string(raw)
		} else {
			cp := make([]byte, len(raw))
			copy(cp, raw)
			info.values[i] = cp
		}
	}

	_ = shardGroupWord
	return nil
}

func decodeFixed(t record.ColumnType, b []byte) any {
	switch t {
	case record.ColInt32:
		return int32(bx.U32(b))
	case record.ColInt64:
		return int64(bx.U64(b))
	case record.ColBool:
		return b[0] != 0
	case record.ColFloat64:
		return math.Float64frombits(bx.U64(b))
	}
	return nil
}

// GetDiskSize computes the buffer size TransformToDisk needs for the
// currently staged values (spec.md §4.5).
func (info *Info) GetDiskSize() (int, error) {
	n := info.Schema.NumCols()
	numVar := len(info.varIndex)

	size := 2 + 4 + numVar*2 + info.fixedAreaLen + boundBitmapLen(n)
	for _, i := range info.varIndex {
		if !info.bound[i] {
			continue
		}
		v := info.values[i]
		switch info.Schema.Cols[i].Type {
		case record.ColText:
			s, ok := v.(string)
			if !ok {
				return 0, errs.New(errs.Invalid, "expected string for text attribute")
			}
			if len(s) > math.MaxUint16 {
				return 0, errs.New(errs.Invalid, "variable value exceeds u16 length")
			}
			size += len(s)
		case record.ColBytes:
			b, ok := v.([]byte)
			if !ok {
				return 0, errs.New(errs.Invalid, "expected bytes for bytes attribute")
			}
			if len(b) > math.MaxUint16 {
				return 0, errs.New(errs.Invalid, "variable value exceeds u16 length")
			}
			size += len(b)
		}
	}
	return size, nil
}

// TransformToDisk serializes the staged values into outBuf in the layout
// documented in the package comment. If outBuf is too small it returns a
// DoesntFit error (an Invalid-kind internal/errs.Error) carrying the
// required size; the caller resizes and retries (spec.md §4.5, §9).
func (info *Info) TransformToDisk(outBuf []byte, shardGroupID int32) (int, error) {
	needed, err := info.GetDiskSize()
	if err != nil {
		return 0, err
	}
	if len(outBuf) < needed {
		return 0, errs.DoesntFit(needed)
	}

	n := info.Schema.NumCols()
	numVar := len(info.varIndex)

	pos := 0
	bx.PutU16(outBuf[pos:pos+2], uint16(info.ReprID&reprIDMask)|boundBitFlag)
	pos += 2
	bx.PutU32(outBuf[pos:pos+4], uint32(shardGroupID))
	pos += 4

	varTableStart := pos
	pos += numVar * 2

	fixedAreaStart := pos
	pos += info.fixedAreaLen

	boundStart := pos
	bbLen := boundBitmapLen(n)
	for i := range outBuf[boundStart : boundStart+bbLen] {
		outBuf[boundStart+i] = 0
	}
	pos += bbLen

	varAreaStart := pos

	for i, col := range info.Schema.Cols {
		if info.bound[i] {
			outBuf[boundStart+i/8] |= 1 << (uint(i) & 7)
		}

		if off := info.fixedOffsets[i]; off != -1 {
			size, _ := fixedSize(col.Type)
			if info.bound[i] {
				encodeFixed(outBuf[fixedAreaStart+off:fixedAreaStart+off+size], col.Type, info.values[i])
			} else {
				for j := 0; j < size; j++ {
					outBuf[fixedAreaStart+off+j] = 0
				}
			}
		}
	}

	varCursor := varAreaStart
	for seq, i := range info.varIndex {
		var b []byte
		if info.bound[i] {
			switch info.Schema.Cols[i].Type {
			case record.ColText:
				b = []byte(info.values[i].(string))
			case record.ColBytes:
				b = info.values[i].([]byte)
			}
		}
		copy(outBuf[varCursor:varCursor+len(b)], b)
		varCursor += len(b)
		bx.PutU16(outBuf[varTableStart+seq*2:varTableStart+seq*2+2], uint16(varCursor-varAreaStart))
	}

	return needed, nil
}

// GetKey builds one index's sortable key for a record (spec.md §4.5's
// get_key(index-ordinal, oid, record) -> key): the index's key attributes
// in order, each encoded order-preserving (fixed numeric types big-endian
// via pkg/bx's *BE helpers — note this is not the little-endian wire
// format TransformToDisk uses, since a key's byte order must match its
// value order for internal/btree.Tree's int64 comparison), followed by the
// record's oid as the key's rightmost component so duplicate attribute
// values still produce distinct keys.
func (info *Info) GetKey(indexOrdinal int, oid storeid.OID, recordBuf []byte) ([]byte, error) {
	if indexOrdinal < 0 || indexOrdinal >= len(info.Schema.Indexes) {
		return nil, errs.New(errs.Invalid, "index ordinal out of range")
	}
	idx := info.Schema.Indexes[indexOrdinal]

	if err := info.ReadDBValues(recordBuf, idx.AttrIDs); err != nil {
		return nil, err
	}

	var key []byte
	for _, attrID := range idx.AttrIDs {
		if attrID < 0 || attrID >= len(info.Schema.Cols) {
			return nil, errs.New(errs.Invalid, "index attribute id out of range")
		}
		v, bound := info.Value(attrID)
		key = append(key, encodeKeyComponent(info.Schema.Cols[attrID].Type, v, bound)...)
	}
	key = append(key, encodeOIDComponent(oid)...)
	return key, nil
}

// encodeKeyComponent encodes one attribute value as an order-preserving key
// component: a one-byte bound flag followed by the value's bytes, absent
// values collapsing to a single zero byte that sorts before every bound one.
func encodeKeyComponent(t record.ColumnType, v any, bound bool) []byte {
	if !bound {
		return []byte{0}
	}
	switch t {
	case record.ColInt32:
		b := make([]byte, 5)
		b[0] = 1
		bx.PutU32BE(b[1:], uint32(v.(int32)))
		return b
	case record.ColInt64:
		b := make([]byte, 9)
		b[0] = 1
		bx.PutU64BE(b[1:], uint64(v.(int64)))
		return b
	case record.ColBool:
		b := byte(0)
		if v.(bool) {
			b = 1
		}
		return []byte{1, b}
	case record.ColFloat64:
		b := make([]byte, 9)
		b[0] = 1
		bx.PutU64BE(b[1:], math.Float64bits(v.(float64)))
		return b
	case record.ColText:
		s := v.(string)
		b := make([]byte, 3+len(s))
		b[0] = 1
		bx.PutU16BE(b[1:3], uint16(len(s)))
		copy(b[3:], s)
		return b
	case record.ColBytes:
		raw := v.([]byte)
		b := make([]byte, 3+len(raw))
		b[0] = 1
		bx.PutU16BE(b[1:3], uint16(len(raw)))
		copy(b[3:], raw)
		return b
	default:
		return []byte{0}
	}
}

// encodeOIDComponent encodes oid big-endian, field by field, so it sorts the
// same way storeid.OID's fields compare.
func encodeOIDComponent(oid storeid.OID) []byte {
	b := make([]byte, 14)
	bx.PutU32BE(b[0:4], uint32(oid.Volume))
	bx.PutU32BE(b[4:8], oid.Page)
	bx.PutU16BE(b[8:10], oid.Slot)
	bx.PutU32BE(b[10:14], uint32(oid.Group))
	return b
}

func encodeFixed(b []byte, t record.ColumnType, v any) {
	switch t {
	case record.ColInt32:
		bx.PutU32(b, uint32(v.(int32)))
	case record.ColInt64:
		bx.PutU64(b, uint64(v.(int64)))
	case record.ColBool:
		if v.(bool) {
			b[0] = 1
		} else {
			b[0] = 0
		}
	case record.ColFloat64:
		bx.PutU64(b, math.Float64bits(v.(float64)))
	}
}
