// Package marker scans forward through a stream looking for one of the
// three 4-byte frame markers, sliding past unrecognized bytes instead of
// failing outright on a corrupted or misaligned stream.
//
// The original C source documents the marker as a MessagePack fixext2
// (0xd5 lead byte, a 1-byte subtype, 2 bytes of data); the low byte of each
// constant below is that subtype. The scanner never interprets the marker
// as MessagePack, though — it is a flat 4-byte compare, exactly as the
// source treats it.
package marker

import (
	"errors"

	"github.com/tarantool/go-xlog/internal/source"
)

// Kind identifies which marker was recognized.
type Kind int

const (
	// Row marks an uncompressed frame.
	Row Kind = iota
	// ZRow marks a zstd-compressed frame (0.13 only).
	ZRow
	// EOF marks the logical end of the stream.
	EOF
)

const (
	rowMarker  uint32 = 0xd5ba0bab
	zrowMarker uint32 = 0xd5ba0bba
	eofMarker  uint32 = 0xd510aded
)

// ErrTruncatedStream is reported when the stream ends before any marker is
// recognized, whether inside the initial 4-byte read or during byte-by-byte
// resynchronization.
var ErrTruncatedStream = errors.New("truncated stream")

// Scan reads forward from src until one of the three markers is recognized,
// sliding a 4-byte window one byte at a time past unrecognized bytes.
// allowZRow gates recognition of the ZRow marker, present only in the
// 0.13 file format.
func Scan(src *source.Source, allowZRow bool) (Kind, error) {
	buf, err := src.ReadExact(4)
	if err != nil {
		return 0, ErrTruncatedStream
	}
	magic := uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])

	for {
		switch {
		case magic == eofMarker:
			return EOF, nil
		case magic == rowMarker:
			return Row, nil
		case allowZRow && magic == zrowMarker:
			return ZRow, nil
		}

		b, err := src.ReadByte()
		if err != nil {
			return 0, ErrTruncatedStream
		}
		magic = magic<<8 | uint32(b)
	}
}
