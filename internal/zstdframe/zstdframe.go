// Package zstdframe runs the decompression stage for v0.13 ZROW frames,
// wrapping github.com/klauspost/compress/zstd behind the "reset once per
// frame, pull windows until drained" shape the iterator driver needs: a
// single compressed frame can decompress into more output than one
// window holds, so the driver re-enters this stage until the decoder
// reports the frame is exhausted.
package zstdframe

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// defaultWindowSize is the largest chunk Next delivers in one window. The
// iterator driver splits records within one window at a time, so a record
// pair that does not lie wholly inside a single window is reported as a
// buffer overrun.
const defaultWindowSize = 1 << 20

// ErrTruncatedHeader is reported when a ZROW's declared length is too
// short to hold a compressed frame at all.
var ErrTruncatedHeader = errors.New("truncated compressed row header")

// Stage decompresses one ZROW payload at a time, handing back fixed-size
// windows of decompressed bytes until the payload is exhausted.
type Stage struct {
	dec       *zstd.Decoder
	window    []byte
	frameDone bool
}

// New constructs a Stage. The underlying zstd.Decoder is created once and
// reused across frames via Reset rather than rebuilt per frame.
func New() (*Stage, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("can't create zstd stream: %w", err)
	}
	return &Stage{
		dec:    dec,
		window: make([]byte, defaultWindowSize),
	}, nil
}

// Reset begins decompressing a new ZROW payload.
func (s *Stage) Reset(payload []byte) error {
	if len(payload) < 4 {
		return ErrTruncatedHeader
	}
	if err := s.dec.Reset(bytes.NewReader(payload)); err != nil {
		return fmt.Errorf("zstd error: %w", err)
	}
	s.frameDone = false
	return nil
}

// Next pulls the next decompressed window for the frame installed by
// Reset. done reports that the frame produced no more output; the caller
// should fall back to the marker scanner for the next frame.
func (s *Stage) Next() (chunk []byte, done bool, err error) {
	if s.frameDone {
		return nil, true, nil
	}
	for {
		n, err := s.dec.Read(s.window)
		if n > 0 {
			return s.window[:n], false, nil
		}
		if err == io.EOF {
			s.frameDone = true
			return nil, true, nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("zstd error: %w", err)
		}
		// n == 0, err == nil: nothing decoded this call but the frame
		// isn't done either; ask again.
	}
}

// Close releases the decompressor.
func (s *Stage) Close() {
	s.dec.Close()
}
