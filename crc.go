package xlog

import "hash/crc32"

// crc32Of computes the IEEE CRC32 used by cur_crc32 validation
// (WithValidateCRC). No third-party CRC32 implementation appears anywhere
// in the retrieval pack, and crc32 is a single stdlib function call with
// no decision of substance behind it, so it is used directly rather than
// grounded on an example.
func crc32Of(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}
