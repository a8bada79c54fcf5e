// Package page holds the constants shared by every layer of the migration
// core: the guest page size used for dirty tracking, the XBZRLE cache, and
// the wire format's page headers, and the mask that page-aligns an offset.
package page

// Size is the unit of guest memory the migration core moves at a time.
// It mirrors TARGET_PAGE_SIZE in the original source.
const Size = 4096

// Mask clears the low bits of an offset, leaving only the page-aligned
// address. Page header words on the wire OR flag bits into those low bits.
const Mask = ^uint64(Size - 1)
