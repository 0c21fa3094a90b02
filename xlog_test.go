package xlog

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
	"gopkg.in/check.v1"
)

func Test(t *testing.T) { check.TestingT(t) }

type S struct{}

var _ = check.Suite(&S{})

const (
	rowMarkerBytes  = "\xd5\xba\x0b\xab"
	zrowMarkerBytes = "\xd5\xba\x0b\xba"
	eofMarkerBytes  = "\xd5\x10\xad\xed"
)

func mustMarshal(c *check.C, v interface{}) []byte {
	b, err := msgpack.Marshal(v)
	c.Assert(err, check.Equals, nil)
	return b
}

// fixedHeader encodes the three fixed-header uints in their shortest form
// and pads them to the 15 bytes the reader consumes after every marker.
func fixedHeader(c *check.C, length, prevCRC, curCRC uint64) []byte {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	for _, v := range []uint64{length, prevCRC, curCRC} {
		c.Assert(enc.EncodeUint(v), check.Equals, nil)
	}
	buf.Write(make([]byte, 15-buf.Len()))
	return buf.Bytes()
}

// pair encodes one (header-map, body-map) MessagePack record.
func pair(c *check.C, header, body map[int]int) []byte {
	return append(mustMarshal(c, header), mustMarshal(c, body)...)
}

func rowFrame(c *check.C, payload []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(rowMarkerBytes)
	buf.Write(fixedHeader(c, uint64(len(payload)), 0, 0))
	buf.Write(payload)
	return buf.Bytes()
}

func zrowFrame(c *check.C, plain []byte) []byte {
	enc, err := zstd.NewWriter(nil)
	c.Assert(err, check.Equals, nil)
	compressed := enc.EncodeAll(plain, nil)
	c.Assert(enc.Close(), check.Equals, nil)

	var buf bytes.Buffer
	buf.WriteString(zrowMarkerBytes)
	buf.Write(fixedHeader(c, uint64(len(compressed)), 0, 0))
	buf.Write(compressed)
	return buf.Bytes()
}

func writeTempFile(c *check.C, data []byte) string {
	path := filepath.Join(c.MkDir(), "snapshot.xlog")
	c.Assert(os.WriteFile(path, data, 0o644), check.Equals, nil)
	return path
}

// A single uncompressed ROW frame yields exactly one (header, body) pair.
func (s *S) TestSingleRowFrame(c *check.C) {
	payload := pair(c, map[int]int{1: 2}, map[int]int{3: 4})
	data := append([]byte("SNAP\n0.12\n\n"), rowFrame(c, payload)...)
	data = append(data, []byte(eofMarkerBytes)...)

	r, err := Open(writeTempFile(c, data))
	c.Assert(err, check.Equals, nil)
	defer r.Close()

	rec, err := r.Read()
	c.Assert(err, check.Equals, nil)

	var h map[int]int
	c.Assert(msgpack.Unmarshal(rec.Header, &h), check.Equals, nil)
	c.Check(h, check.DeepEquals, map[int]int{1: 2})
	var b map[int]int
	c.Assert(msgpack.Unmarshal(rec.Body, &b), check.Equals, nil)
	c.Check(b, check.DeepEquals, map[int]int{3: 4})

	_, err = r.Read()
	c.Check(err, check.Equals, io.EOF)
}

// A single ZROW frame whose decompressed payload holds two records yields
// both pairs before the stage reports the frame exhausted.
func (s *S) TestZRowFrameTwoPairs(c *check.C) {
	plain := append(pair(c, map[int]int{1: 1}, map[int]int{2: 2}),
		pair(c, map[int]int{3: 3}, map[int]int{4: 4})...)
	data := append([]byte("XLOG\n0.13\n\n"), zrowFrame(c, plain)...)
	data = append(data, []byte(eofMarkerBytes)...)

	r, err := Open(writeTempFile(c, data))
	c.Assert(err, check.Equals, nil)
	defer r.Close()

	var got []Record
	it := NewIterator(r)
	for it.Next() {
		got = append(got, it.Record())
	}
	c.Assert(it.Err(), check.Equals, nil)
	c.Assert(len(got), check.Equals, 2)

	var h1 map[int]int
	c.Assert(msgpack.Unmarshal(got[0].Header, &h1), check.Equals, nil)
	c.Check(h1, check.DeepEquals, map[int]int{1: 1})
	var h2 map[int]int
	c.Assert(msgpack.Unmarshal(got[1].Header, &h2), check.Equals, nil)
	c.Check(h2, check.DeepEquals, map[int]int{3: 3})
}

// An unrecognized version line in the prologue fails at Open, before any
// frame is read.
func (s *S) TestUnknownVersionRejected(c *check.C) {
	data := []byte("SNAP\n0.14\n\n")
	_, err := Open(writeTempFile(c, data))
	c.Assert(err, check.Not(check.Equals), nil)
}

// A stream that ends without ever producing an EOF marker is reported as
// truncated rather than as a clean end of iteration.
func (s *S) TestMissingEOFMarkerIsTruncated(c *check.C) {
	data := []byte("SNAP\n0.12\n\n")
	r, err := Open(writeTempFile(c, data))
	c.Assert(err, check.Equals, nil)
	defer r.Close()

	_, err = r.Read()
	c.Check(err, check.Equals, ErrTruncatedStream)
}

// A fixed header declaring a length past the allowed maximum is reported
// as a FormatError rather than attempted as an allocation.
func (s *S) TestOversizedRowLength(c *check.C) {
	var buf bytes.Buffer
	buf.WriteString("SNAP\n0.12\n\n")
	buf.WriteString(rowMarkerBytes)
	buf.Write(fixedHeader(c, uint64(1)<<32, 0, 0))

	r, err := Open(writeTempFile(c, buf.Bytes()))
	c.Assert(err, check.Equals, nil)
	defer r.Close()

	_, err = r.Read()
	c.Assert(err, check.Not(check.Equals), nil)
	var fe *FormatError
	c.Check(errors.As(err, &fe), check.Equals, true)
}

// A v0.12 file never recognizes the ZROW marker; encountering one just
// drives the scanner's byte-by-byte resync until the stream runs out.
func (s *S) TestV12RejectsZRowMarker(c *check.C) {
	data := append([]byte("SNAP\n0.12\n\n"), []byte(zrowMarkerBytes)...)
	r, err := Open(writeTempFile(c, data))
	c.Assert(err, check.Equals, nil)
	defer r.Close()

	_, err = r.Read()
	c.Check(err, check.Equals, ErrTruncatedStream)
}

// Junk bytes between two ROW frames do not prevent either frame from
// being read: the scanner resyncs on the second frame's marker.
func (s *S) TestResyncAcrossJunkBetweenFrames(c *check.C) {
	p1 := pair(c, map[int]int{1: 1}, map[int]int{2: 2})
	p2 := pair(c, map[int]int{3: 3}, map[int]int{4: 4})

	var data bytes.Buffer
	data.WriteString("SNAP\n0.12\n\n")
	data.Write(rowFrame(c, p1))
	data.Write(bytes.Repeat([]byte{0xff}, 64))
	data.Write(rowFrame(c, p2))
	data.WriteString(eofMarkerBytes)

	r, err := Open(writeTempFile(c, data.Bytes()))
	c.Assert(err, check.Equals, nil)
	defer r.Close()

	// A Record is only valid until the next Read, so each one is decoded
	// before the following frame is read.
	rec1, err := r.Read()
	c.Assert(err, check.Equals, nil)
	var h1 map[int]int
	c.Assert(msgpack.Unmarshal(rec1.Header, &h1), check.Equals, nil)
	c.Check(h1, check.DeepEquals, map[int]int{1: 1})

	rec2, err := r.Read()
	c.Assert(err, check.Equals, nil)
	var h2 map[int]int
	c.Assert(msgpack.Unmarshal(rec2.Header, &h2), check.Equals, nil)
	c.Check(h2, check.DeepEquals, map[int]int{3: 3})

	_, err = r.Read()
	c.Check(err, check.Equals, io.EOF)
}

func (s *S) TestCloseIsIdempotent(c *check.C) {
	data := []byte("SNAP\n0.12\n\n" + eofMarkerBytes)
	r, err := Open(writeTempFile(c, data))
	c.Assert(err, check.Equals, nil)
	c.Assert(r.Close(), check.Equals, nil)
	c.Assert(r.Close(), check.Equals, nil)
}

func (s *S) TestErrorAfterFaultIsSticky(c *check.C) {
	data := []byte("SNAP\n0.12\n\n")
	r, err := Open(writeTempFile(c, data))
	c.Assert(err, check.Equals, nil)
	defer r.Close()

	_, err1 := r.Read()
	_, err2 := r.Read()
	c.Check(err1, check.Equals, ErrTruncatedStream)
	c.Check(err2, check.Equals, ErrTruncatedStream)
}

func (s *S) TestValidateCRCRejectsMismatch(c *check.C) {
	payload := pair(c, map[int]int{1: 2}, map[int]int{3: 4})
	var buf bytes.Buffer
	buf.WriteString("SNAP\n0.12\n\n")
	buf.WriteString(rowMarkerBytes)
	buf.Write(fixedHeader(c, uint64(len(payload)), 0, 0xdeadbeef))
	buf.Write(payload)
	buf.WriteString(eofMarkerBytes)

	r, err := Open(writeTempFile(c, buf.Bytes()), WithValidateCRC(true))
	c.Assert(err, check.Equals, nil)
	defer r.Close()

	_, err = r.Read()
	c.Check(err, check.Equals, ErrCRCMismatch)
}
