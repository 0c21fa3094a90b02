// Copyright ©2012 The bíogo Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package xlog reads Tarantool snapshot and write-ahead-log (xlog) files: a
// textual prologue followed by a sequence of framed, optionally
// zstd-compressed MessagePack (header, body) record pairs.
package xlog

import (
	"errors"
	"fmt"
	"io"

	"github.com/tarantool/go-xlog/internal/marker"
	"github.com/tarantool/go-xlog/internal/mprecord"
	"github.com/tarantool/go-xlog/internal/pool"
	"github.com/tarantool/go-xlog/internal/source"
	"github.com/tarantool/go-xlog/internal/zstdframe"
)

// Sentinel errors returned by Open (the prologue errors) and by Read (the
// rest). Use errors.Is to test for these; the offset-bearing decode
// failures instead return a *FormatError, recoverable with errors.As.
var (
	ErrBadHeader         = errors.New("xlog: unknown file header: expected SNAP or XLOG")
	ErrBadVersion        = errors.New("xlog: unknown header version")
	ErrHeaderLine        = errors.New("xlog: can't read header line")
	ErrTruncatedStream   = marker.ErrTruncatedStream
	ErrTruncatedRow      = errors.New("xlog: truncated row")
	ErrTruncatedZRowHead = zstdframe.ErrTruncatedHeader
	ErrCRCMismatch       = errors.New("xlog: crc32 mismatch")
	ErrExpectedMap       = mprecord.ErrExpectedMap
	ErrBufferOverrun     = mprecord.ErrBufferOverrun
)

// FormatError is returned for the offset-bearing decode failures ("row is
// too big at offset N", "failed to read or parse row header at offset
// N"). Use errors.As to recover the offset.
type FormatError = mprecord.FormatError

// Record is one decoded (header, body) MessagePack pair. Both slices
// alias reader-owned memory and are only valid until the next call to
// Read/Next.
type Record struct {
	Header []byte
	Body   []byte
}

// BufferPool is the allocator used for the reader's growing input buffer,
// which grows to fit the largest record seen and is never shrunk mid
// session. WithBufferPool swaps in an alternative implementation; the
// default wraps internal/pool.
type BufferPool interface {
	Get(size int) []byte
	Put(buf []byte)
}

type defaultPool struct{}

func (defaultPool) Get(size int) []byte { return pool.GetBuffer(size) }
func (defaultPool) Put(buf []byte)      { pool.PutBuffer(buf) }

// Option configures a Reader at Open time.
type Option func(*Reader)

// WithAdviseWindow overrides the default 10 MiB page-cache eviction
// window.
func WithAdviseWindow(n int64) Option {
	return func(r *Reader) { r.adviseWindow = n }
}

// WithValidateCRC opts into validating each frame's payload against its
// cur_crc32 field. Off by default, matching the source this format comes
// from, which decodes but never checks the CRCs.
func WithValidateCRC(validate bool) Option {
	return func(r *Reader) { r.validateCRC = validate }
}

// WithBufferPool swaps the allocator used for the growing input buffer.
func WithBufferPool(p BufferPool) Option {
	return func(r *Reader) { r.pool = p }
}

// Reader reads records from a single Tarantool snapshot/xlog file. It is
// single-threaded and pull-driven: a Reader is not safe for concurrent
// use, though independent Readers on separate file handles are fine.
type Reader struct {
	filename string
	src      *source.Source
	version  int // 12 or 13

	pool         BufferPool
	adviseWindow int64
	validateCRC  bool

	zstd *zstdframe.Stage // nil when version == 12

	inbuf   []byte // growing, pool-backed payload buffer
	pending []byte // unsplit bytes remaining in the current window
	inFrame bool   // true while a compressed frame still owes windows

	err    error // latched error once iteration has faulted
	done   bool  // true once the EOF marker has been seen or err is terminal
	closed bool  // true once Close has released resources
}

// Open opens path, parses its prologue, and returns a Reader positioned at
// the first frame. Construction is fallible: open and prologue errors are
// returned here rather than latched and reported by the first Read.
func Open(path string, opts ...Option) (*Reader, error) {
	src, err := source.Open(path)
	if err != nil {
		return nil, fmt.Errorf("xlog: can't open for reading: %w", err)
	}

	r := &Reader{
		filename:     path,
		src:          src,
		pool:         defaultPool{},
		adviseWindow: 0, // 0 means "use source's built-in default"
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.adviseWindow > 0 {
		src.SetAdviseWindow(r.adviseWindow)
	}

	if err := r.readPrologue(); err != nil {
		src.Close()
		return nil, err
	}
	if r.version == 13 {
		st, err := zstdframe.New()
		if err != nil {
			src.Close()
			return nil, err
		}
		r.zstd = st
	}
	return r, nil
}

// readPrologue parses the textual file prologue: a file-type line, a
// version line, and zero or more free-form header lines terminated by a
// blank line.
func (r *Reader) readPrologue() error {
	typeLine, err := r.src.ReadLine(31)
	if err != nil {
		return fmt.Errorf("xlog: %s: error reading file header: %w", r.filename, err)
	}
	if !hasFilePrefix(typeLine, "SNAP") && !hasFilePrefix(typeLine, "XLOG") {
		return fmt.Errorf("%s: %w", r.filename, ErrBadHeader)
	}

	versionLine, err := r.src.ReadLine(31)
	if err != nil {
		return fmt.Errorf("xlog: %s: error reading file header: %w", r.filename, err)
	}
	switch versionLine {
	case "0.12\n":
		r.version = 12
	case "0.13\n":
		r.version = 13
	default:
		return fmt.Errorf("%s: %w: %s", r.filename, ErrBadVersion, versionLine)
	}

	for {
		line, err := r.src.ReadLine(255)
		if err != nil {
			return fmt.Errorf("%s: %w: %v", r.filename, ErrHeaderLine, err)
		}
		if line == "\n" {
			return nil
		}
	}
}

func hasFilePrefix(line, prefix string) bool {
	return len(line) >= len(prefix) && line[:len(prefix)] == prefix
}

// Read returns the next (header, body) pair, or io.EOF once the stream's
// EOF marker has been consumed. After any non-EOF error, Read always
// returns that same error on every subsequent call rather than resuming.
func (r *Reader) Read() (Record, error) {
	if r.done {
		if r.err != nil {
			return Record{}, r.err
		}
		return Record{}, io.EOF
	}

	rec, err := r.next()
	if err != nil {
		r.done = true
		if err != io.EOF {
			r.err = err
		}
		return Record{}, err
	}
	return rec, nil
}

// next drives the scan/decompress/decode loop until it has a pair to
// return, or hits EOF or an error.
func (r *Reader) next() (Record, error) {
	for {
		if len(r.pending) > 0 {
			return r.decode()
		}
		if r.inFrame {
			if err := r.decompressCycle(); err != nil {
				return Record{}, err
			}
			continue
		}

		kind, err := marker.Scan(r.src, r.version == 13)
		if err != nil {
			return Record{}, err
		}
		switch kind {
		case marker.EOF:
			return Record{}, io.EOF
		case marker.Row:
			if err := r.readFrame(false); err != nil {
				return Record{}, err
			}
		case marker.ZRow:
			if err := r.readFrame(true); err != nil {
				return Record{}, err
			}
		}
	}
}

// readFrame decodes the fixed header following a frame marker and reads
// its payload, leaving r.pending (uncompressed) or r.inFrame (compressed)
// set for the next loop iteration.
func (r *Reader) readFrame(compressed bool) error {
	hdr, err := r.src.ReadExact(15)
	if err != nil {
		return ErrTruncatedStream
	}
	// Offset errors are reported against the stream position just past the
	// fixed header, matching where the reference implementation calls
	// ftello after its fread of the same 15 bytes.
	length, _, curCRC, err := mprecord.DecodeFixedHeader(hdr, r.src.Offset())
	if err != nil {
		return err
	}

	payload := r.growBuffer(int(length))
	if err := r.src.ReadFull(payload); err != nil {
		return ErrTruncatedRow
	}
	r.src.MaybeAdvise()

	if r.validateCRC {
		if crc32Of(payload) != curCRC {
			return ErrCRCMismatch
		}
	}

	if compressed {
		if err := r.zstd.Reset(payload); err != nil {
			return err
		}
		r.inFrame = true
		return r.decompressCycle()
	}

	r.pending = payload
	return nil
}

// decompressCycle pulls one output window from the active compressed
// frame, or clears inFrame once the frame is exhausted.
func (r *Reader) decompressCycle() error {
	chunk, done, err := r.zstd.Next()
	if err != nil {
		return err
	}
	if done {
		r.inFrame = false
		return nil
	}
	r.pending = chunk
	return nil
}

// decode runs the record splitter against r.pending.
func (r *Reader) decode() (Record, error) {
	header, body, consumed, err := mprecord.Split(r.pending)
	if err != nil {
		return Record{}, err
	}
	r.pending = r.pending[consumed:]
	return Record{Header: header, Body: body}, nil
}

// growBuffer returns a buffer of exactly n bytes, reusing r.inbuf's
// backing array when it is already large enough. The buffer grows to fit
// the largest record seen and is never shrunk mid-session.
func (r *Reader) growBuffer(n int) []byte {
	if cap(r.inbuf) < n {
		if r.inbuf != nil {
			r.pool.Put(r.inbuf)
		}
		r.inbuf = r.pool.Get(n)
	}
	return r.inbuf[:n]
}

// Close releases the Reader's file handle, decompressor and buffers, and
// issues a final whole-file cache-eviction hint. Safe to call more than
// once.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.done = true

	// The span runs to the largest int64 offset so it covers the whole
	// file, not only the bytes consumed so far.
	r.src.AdviseNow(0, 1<<63-1)
	if r.zstd != nil {
		r.zstd.Close()
		r.zstd = nil
	}
	if r.inbuf != nil {
		r.pool.Put(r.inbuf)
		r.inbuf = nil
	}
	return r.src.Close()
}

// Iterator wraps a Reader to provide a convenient loop interface,
// mirroring biogo/hts/bam's Iterator.
type Iterator struct {
	r   *Reader
	rec Record
	err error
}

// NewIterator returns an Iterator over r.
func NewIterator(r *Reader) *Iterator {
	return &Iterator{r: r}
}

// Next advances the Iterator to the next record. It returns false at EOF
// or on the first error; Err distinguishes the two.
func (it *Iterator) Next() bool {
	if it.err != nil {
		return false
	}
	it.rec, it.err = it.r.Read()
	return it.err == nil
}

// Record returns the record produced by the most recent call to Next.
func (it *Iterator) Record() Record { return it.rec }

// Err returns the first non-EOF error encountered during iteration.
func (it *Iterator) Err() error {
	if it.err == io.EOF {
		return nil
	}
	return it.err
}

// Close releases the underlying Reader.
func (it *Iterator) Close() error {
	return it.r.Close()
}
