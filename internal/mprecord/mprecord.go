// Package mprecord decodes the 15-byte fixed header that follows a frame
// marker and splits a MessagePack buffer into the two successive objects
// — header map and body map — that make up one logical record.
//
// The fixed-header values are decoded with github.com/vmihailenco/msgpack/v5
// over the already fully-buffered 15-byte slice, where the library's
// internal read-ahead buffering cannot affect the result. The two-object
// split instead walks the buffer itself, because the splitter must report
// byte-exact object boundaries (the caller slices Header and Body directly
// out of the decompression window) and a decoder that reads ahead into its
// own buffer would not reliably expose that boundary.
package mprecord

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// maxBodyLen is the largest length the fixed header is allowed to declare
// (2^31 bytes); anything past it is treated as a corrupt header rather
// than an oversize allocation request.
const maxBodyLen = 1 << 31

// ErrExpectedMap is reported when the splitter finds a non-map MessagePack
// tag where a header or body object is expected.
var ErrExpectedMap = errors.New("expected msgpack map, got something else")

// ErrBufferOverrun is reported when walking a MessagePack object would read
// past the end of the supplied buffer.
var ErrBufferOverrun = errors.New("msgpack buffer overrun")

// FormatError is an offset-bearing fixed-header decode error.
type FormatError struct {
	Offset int64
	Msg    string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%s at offset %d", e.Msg, e.Offset)
}

// DecodeFixedHeader decodes the three MessagePack uints (length,
// prev_crc32, cur_crc32) that make up the 15-byte fixed header. offset is
// the stream offset of the first byte of buf, used only for error
// messages.
func DecodeFixedHeader(buf []byte, offset int64) (length, prevCRC, curCRC uint32, err error) {
	dec := msgpack.NewDecoder(bytes.NewReader(buf))

	// PeekCode reads from the decoder's own internal buffer rather than
	// the raw byte stream, so unlike peeking the underlying io.Reader
	// directly, it stays in sync across the three successive decode
	// calls below regardless of how much the decoder reads ahead.
	vals := make([]uint64, 3)
	for i := range vals {
		code, err := dec.PeekCode()
		if err != nil || !isUintCode(code) {
			return 0, 0, 0, &FormatError{offset, "failed to read or parse row header"}
		}
		v, err := dec.DecodeUint64()
		if err != nil {
			return 0, 0, 0, &FormatError{offset, "failed to read or parse row header"}
		}
		vals[i] = v
	}

	if vals[0] > maxBodyLen {
		return 0, 0, 0, &FormatError{offset, "row is too big"}
	}

	return uint32(vals[0]), uint32(vals[1]), uint32(vals[2]), nil
}

// Split extracts the header object and the body object from the front of
// buf, both of which must be MessagePack maps, and returns the number of
// bytes consumed (header+body) so the caller can advance past them.
func Split(buf []byte) (header, body []byte, consumed int, err error) {
	if len(buf) == 0 {
		return nil, nil, 0, ErrBufferOverrun
	}
	if !isMapCode(buf[0]) {
		return nil, nil, 0, ErrExpectedMap
	}
	headerEnd, err := mpSkip(buf, 0)
	if err != nil {
		return nil, nil, 0, err
	}

	if headerEnd >= len(buf) {
		return nil, nil, 0, ErrBufferOverrun
	}
	if !isMapCode(buf[headerEnd]) {
		return nil, nil, 0, ErrExpectedMap
	}
	bodyEnd, err := mpSkip(buf, headerEnd)
	if err != nil {
		return nil, nil, 0, err
	}

	return buf[0:headerEnd], buf[headerEnd:bodyEnd], bodyEnd, nil
}

// isUintCode reports whether the leading MessagePack tag byte encodes an
// unsigned integer (positive fixint or uint8/16/32/64).
func isUintCode(c byte) bool {
	switch {
	case c <= 0x7f:
		return true
	case c >= 0xcc && c <= 0xcf:
		return true
	default:
		return false
	}
}

// isMapCode reports whether the leading MessagePack tag byte encodes a map
// (fixmap, map16 or map32).
func isMapCode(c byte) bool {
	switch {
	case c >= 0x80 && c <= 0x8f:
		return true
	case c == 0xde || c == 0xdf:
		return true
	default:
		return false
	}
}

// mpSkip advances past exactly one MessagePack object starting at pos,
// returning the index just past it. It never reads beyond len(buf); a
// would-be read past the end is reported as ErrBufferOverrun. This is the
// Go re-architecture of the source's mp_next(): an explicit recursive walk
// instead of a pointer-advancing C helper.
func mpSkip(buf []byte, pos int) (int, error) {
	if pos >= len(buf) {
		return 0, ErrBufferOverrun
	}
	c := buf[pos]
	pos++

	switch {
	case c <= 0x7f, c >= 0xe0: // positive/negative fixint
		return pos, nil
	case c >= 0x80 && c <= 0x8f: // fixmap
		return mpSkipN(buf, pos, 2*int(c&0x0f))
	case c >= 0x90 && c <= 0x9f: // fixarray
		return mpSkipN(buf, pos, int(c&0x0f))
	case c >= 0xa0 && c <= 0xbf: // fixstr
		return mpSkipBytes(buf, pos, int(c&0x1f))
	case c == 0xc0, c == 0xc2, c == 0xc3: // nil, false, true
		return pos, nil
	case c == 0xc4: // bin8
		return mpSkipLenPrefixed(buf, pos, 1, 0)
	case c == 0xc5: // bin16
		return mpSkipLenPrefixed(buf, pos, 2, 0)
	case c == 0xc6: // bin32
		return mpSkipLenPrefixed(buf, pos, 4, 0)
	case c == 0xc7: // ext8
		return mpSkipLenPrefixed(buf, pos, 1, 1)
	case c == 0xc8: // ext16
		return mpSkipLenPrefixed(buf, pos, 2, 1)
	case c == 0xc9: // ext32
		return mpSkipLenPrefixed(buf, pos, 4, 1)
	case c == 0xca: // float32
		return mpSkipBytes(buf, pos, 4)
	case c == 0xcb: // float64
		return mpSkipBytes(buf, pos, 8)
	case c == 0xcc, c == 0xd0: // uint8, int8
		return mpSkipBytes(buf, pos, 1)
	case c == 0xcd, c == 0xd1: // uint16, int16
		return mpSkipBytes(buf, pos, 2)
	case c == 0xce, c == 0xd2: // uint32, int32
		return mpSkipBytes(buf, pos, 4)
	case c == 0xcf, c == 0xd3: // uint64, int64
		return mpSkipBytes(buf, pos, 8)
	case c == 0xd4: // fixext1
		return mpSkipBytes(buf, pos, 1+1)
	case c == 0xd5: // fixext2
		return mpSkipBytes(buf, pos, 1+2)
	case c == 0xd6: // fixext4
		return mpSkipBytes(buf, pos, 1+4)
	case c == 0xd7: // fixext8
		return mpSkipBytes(buf, pos, 1+8)
	case c == 0xd8: // fixext16
		return mpSkipBytes(buf, pos, 1+16)
	case c == 0xd9: // str8
		return mpSkipLenPrefixed(buf, pos, 1, 0)
	case c == 0xda: // str16
		return mpSkipLenPrefixed(buf, pos, 2, 0)
	case c == 0xdb: // str32
		return mpSkipLenPrefixed(buf, pos, 4, 0)
	case c == 0xdc: // array16
		n, pos, err := readLen(buf, pos, 2)
		if err != nil {
			return 0, err
		}
		return mpSkipN(buf, pos, n)
	case c == 0xdd: // array32
		n, pos, err := readLen(buf, pos, 4)
		if err != nil {
			return 0, err
		}
		return mpSkipN(buf, pos, n)
	case c == 0xde: // map16
		n, pos, err := readLen(buf, pos, 2)
		if err != nil {
			return 0, err
		}
		return mpSkipN(buf, pos, 2*n)
	case c == 0xdf: // map32
		n, pos, err := readLen(buf, pos, 4)
		if err != nil {
			return 0, err
		}
		return mpSkipN(buf, pos, 2*n)
	default:
		return 0, ErrBufferOverrun
	}
}

func mpSkipN(buf []byte, pos, n int) (int, error) {
	var err error
	for i := 0; i < n; i++ {
		pos, err = mpSkip(buf, pos)
		if err != nil {
			return 0, err
		}
	}
	return pos, nil
}

func mpSkipBytes(buf []byte, pos, n int) (int, error) {
	if pos+n > len(buf) {
		return 0, ErrBufferOverrun
	}
	return pos + n, nil
}

// mpSkipLenPrefixed skips an lenBytes-byte big-endian length prefix,
// extraBytes bytes (an ext type byte, if any), then that many data bytes.
func mpSkipLenPrefixed(buf []byte, pos, lenBytes, extraBytes int) (int, error) {
	n, pos, err := readLen(buf, pos, lenBytes)
	if err != nil {
		return 0, err
	}
	return mpSkipBytes(buf, pos, n+extraBytes)
}

func readLen(buf []byte, pos, width int) (n, next int, err error) {
	if pos+width > len(buf) {
		return 0, 0, ErrBufferOverrun
	}
	v := 0
	for i := 0; i < width; i++ {
		v = v<<8 | int(buf[pos+i])
	}
	return v, pos + width, nil
}
