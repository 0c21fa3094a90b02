// Package source implements the buffered, offset-tracking byte source that
// every higher-level xlog component reads through.
//
// It is modeled on biogo/hts/bgzf's countReader: a thin wrapper around an
// io.Reader that counts bytes consumed, generalized here to also expose
// fixed-size reads, single-byte reads and a page-cache eviction hint.
package source

import (
	"bufio"
	"io"
	"os"
)

const defaultAdviseWindow = 10 << 20 // 10 MiB default cache-eviction window.

// Source is a sequential, single-threaded byte source over a file (or, in
// tests, any io.Reader). It is not safe for concurrent use.
type Source struct {
	r  *bufio.Reader
	c  io.Closer // non-nil when Source owns the underlying file
	fd uintptr   // valid only when closer is an *os.File
	hasFd bool

	off          int64
	lastAdvised  int64
	adviseWindow int64
}

// Open opens path for sequential reading.
func Open(path string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &Source{
		r:            bufio.NewReaderSize(f, 64<<10),
		c:            f,
		fd:           f.Fd(),
		hasFd:        true,
		adviseWindow: defaultAdviseWindow,
	}, nil
}

// New wraps an arbitrary io.Reader. The returned Source has no file
// descriptor, so MaybeAdvise and AdviseNow are always no-ops. Used by tests and by
// callers that already hold an open stream.
func New(r io.Reader) *Source {
	return &Source{
		r:            bufio.NewReaderSize(r, 64<<10),
		adviseWindow: defaultAdviseWindow,
	}
}

// SetAdviseWindow overrides the default 10 MiB cache-eviction window.
func (s *Source) SetAdviseWindow(n int64) {
	if n > 0 {
		s.adviseWindow = n
	}
}

// Offset returns the number of bytes consumed from the source so far.
func (s *Source) Offset() int64 { return s.off }

// ReadExact reads exactly n bytes, returning a freshly allocated slice. Use
// ReadFull for a reused-buffer variant on the hot payload-reading path.
func (s *Source) ReadExact(n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := s.ReadFull(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadFull reads exactly len(buf) bytes into buf. Short reads and clean EOF
// are both reported as errors (io.ErrUnexpectedEOF / io.EOF respectively);
// callers decide which domain-specific message applies.
func (s *Source) ReadFull(buf []byte) error {
	n, err := io.ReadFull(s.r, buf)
	s.off += int64(n)
	return err
}

// ReadByte reads a single byte.
func (s *Source) ReadByte() (byte, error) {
	b, err := s.r.ReadByte()
	if err == nil {
		s.off++
	}
	return b, err
}

// ReadLine reads up to max bytes, stopping after (and including) a '\n', in
// the manner of C's fgets. io.EOF is returned if the stream ends before any
// byte is read; a partial line at EOF (no trailing '\n') is returned with a
// nil error, mirroring fgets' behavior of returning a short final line.
func (s *Source) ReadLine(max int) (string, error) {
	buf := make([]byte, 0, max)
	for len(buf) < max {
		b, err := s.ReadByte()
		if err != nil {
			if len(buf) == 0 {
				return "", err
			}
			return string(buf), nil
		}
		buf = append(buf, b)
		if b == '\n' {
			break
		}
	}
	return string(buf), nil
}

// MaybeAdvise issues a best-effort page-cache eviction hint for the span
// consumed since the last hint, once the configured window has been
// exceeded. It is a no-op on platforms or sources without fadvise support.
func (s *Source) MaybeAdvise() {
	if s.off >= s.lastAdvised+s.adviseWindow {
		adviseDontNeed(s, s.lastAdvised, s.off)
		s.lastAdvised = s.off
	}
}

// AdviseNow issues an immediate eviction hint for [from, to), bypassing the
// window check. Used for the whole-file hint on Close.
func (s *Source) AdviseNow(from, to int64) {
	adviseDontNeed(s, from, to)
}

// Close releases the underlying file, if Source owns one. Safe to call more
// than once.
func (s *Source) Close() error {
	if s.c == nil {
		return nil
	}
	c := s.c
	s.c = nil
	return c.Close()
}
