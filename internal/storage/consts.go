package storage

const (
	OneKB = 1024
	OneMB = OneKB * 1024
	OneGB = OneMB * 1024

	// PageSize is the fixed page size, 8KB, matching PostgreSQL.
	PageSize = OneKB * 8

	// SegmentSize bounds how many pages live in one OS file before a
	// new numbered segment is opened.
	SegmentSize = 1 * OneGB

	// HeaderSize is the size in bytes of the fixed page header
	// (flags, page id, pd_lower, pd_upper, pd_special) at offset 0.
	HeaderSize = 12

	// SlotSize is the width of one line-pointer entry: offset, length, flags.
	SlotSize = 6
)
