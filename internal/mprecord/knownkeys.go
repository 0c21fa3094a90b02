package mprecord

import "math"

// HeaderFields holds the subset of a record header's well-known IPROTO
// keys. It is a diagnostic view only: the iteration path treats headers
// structurally and never decodes these itself.
type HeaderFields struct {
	RequestType    uint64
	HasRequestType bool
	Sync           uint64
	HasSync        bool
	ServerID       uint64
	HasServerID    bool
	LSN            uint64
	HasLSN         bool
	Timestamp      float64
	HasTimestamp   bool
	SchemaID       uint64
	HasSchemaID    bool
}

// The IPROTO key codes the original implementation's header_decode walks;
// every other key is skipped structurally.
const (
	iprotoRequestType uint64 = 0x00
	iprotoSync        uint64 = 0x01
	iprotoServerID    uint64 = 0x02
	iprotoLSN         uint64 = 0x03
	iprotoTimestamp   uint64 = 0x04
	iprotoSchemaID    uint64 = 0x05
)

// DecodeKnownHeaderKeys walks an already-split header map (the first
// object returned by Split) and decodes the handful of IPROTO keys the
// original implementation recognized, skipping everything else. It is an
// optional diagnostic path, not part of the hot iteration loop.
func DecodeKnownHeaderKeys(header []byte) (HeaderFields, error) {
	var fields HeaderFields
	if len(header) == 0 || !isMapCode(header[0]) {
		return fields, ErrExpectedMap
	}

	n, pos, err := mapHeaderCount(header, 0)
	if err != nil {
		return fields, err
	}

	for i := 0; i < n; i++ {
		if pos >= len(header) || !isUintCode(header[pos]) {
			return fields, ErrExpectedMap
		}
		key, next, err := decodeUint(header, pos)
		if err != nil {
			return fields, err
		}
		pos = next

		switch key {
		case iprotoRequestType:
			v, next, err := decodeUint(header, pos)
			if err != nil {
				return fields, err
			}
			fields.RequestType, fields.HasRequestType = v, true
			pos = next
		case iprotoSync:
			v, next, err := decodeUint(header, pos)
			if err != nil {
				return fields, err
			}
			fields.Sync, fields.HasSync = v, true
			pos = next
		case iprotoServerID:
			v, next, err := decodeUint(header, pos)
			if err != nil {
				return fields, err
			}
			fields.ServerID, fields.HasServerID = v, true
			pos = next
		case iprotoLSN:
			v, next, err := decodeUint(header, pos)
			if err != nil {
				return fields, err
			}
			fields.LSN, fields.HasLSN = v, true
			pos = next
		case iprotoSchemaID:
			v, next, err := decodeUint(header, pos)
			if err != nil {
				return fields, err
			}
			fields.SchemaID, fields.HasSchemaID = v, true
			pos = next
		case iprotoTimestamp:
			v, next, err := decodeFloat(header, pos)
			if err != nil {
				return fields, err
			}
			fields.Timestamp, fields.HasTimestamp = v, true
			pos = next
		default:
			next, err := mpSkip(header, pos)
			if err != nil {
				return fields, err
			}
			pos = next
		}
	}
	return fields, nil
}

// mapHeaderCount decodes a map tag's element count (number of key/value
// pairs) and returns the position just past the tag.
func mapHeaderCount(buf []byte, pos int) (count, next int, err error) {
	if pos >= len(buf) {
		return 0, 0, ErrBufferOverrun
	}
	c := buf[pos]
	switch {
	case c >= 0x80 && c <= 0x8f:
		return int(c & 0x0f), pos + 1, nil
	case c == 0xde:
		n, next, err := readLen(buf, pos+1, 2)
		return n, next, err
	case c == 0xdf:
		n, next, err := readLen(buf, pos+1, 4)
		return n, next, err
	default:
		return 0, 0, ErrExpectedMap
	}
}

// decodeUint decodes one MessagePack unsigned integer at pos, returning
// its value and the position just past it.
func decodeUint(buf []byte, pos int) (uint64, int, error) {
	if pos >= len(buf) {
		return 0, 0, ErrBufferOverrun
	}
	c := buf[pos]
	switch {
	case c <= 0x7f:
		return uint64(c), pos + 1, nil
	case c == 0xcc:
		if pos+2 > len(buf) {
			return 0, 0, ErrBufferOverrun
		}
		return uint64(buf[pos+1]), pos + 2, nil
	case c == 0xcd:
		n, next, err := readLen(buf, pos+1, 2)
		return uint64(n), next, err
	case c == 0xce:
		n, next, err := readLen(buf, pos+1, 4)
		return uint64(n), next, err
	case c == 0xcf:
		if pos+9 > len(buf) {
			return 0, 0, ErrBufferOverrun
		}
		var v uint64
		for i := 0; i < 8; i++ {
			v = v<<8 | uint64(buf[pos+1+i])
		}
		return v, pos + 9, nil
	default:
		return 0, 0, ErrExpectedMap
	}
}

// decodeFloat decodes a MessagePack float64 (the wire type used for the
// timestamp key) at pos.
func decodeFloat(buf []byte, pos int) (float64, int, error) {
	if pos >= len(buf) || buf[pos] != 0xcb {
		return 0, 0, ErrExpectedMap
	}
	if pos+9 > len(buf) {
		return 0, 0, ErrBufferOverrun
	}
	var bits uint64
	for i := 0; i < 8; i++ {
		bits = bits<<8 | uint64(buf[pos+1+i])
	}
	return math.Float64frombits(bits), pos + 9, nil
}
