// Package input defines the Source abstraction demuxers read from: a seekable
// or non-seekable byte stream with capability flags a demuxer consults before
// picking a seek or probe strategy.
package input

import (
	"bufio"
	"errors"
	"io"
)

// Capability flags describing what a Source supports. A demuxer must check
// these before attempting a seek: a live network source will typically offer
// none of them, while a local file offers all four.
type Capability uint32

const (
	// CanSeekByte means Seek(offset, io.SeekStart) works and is cheap.
	CanSeekByte Capability = 1 << iota
	// CanSeekTime means the source (or a wrapping index) can jump to an
	// approximate byte position for a given presentation time.
	CanSeekTime
	// SeekSlow means seeks work but are expensive (e.g. a remote HTTP range
	// request): demuxers should prefer forward scanning when possible.
	SeekSlow
	// CanPause means the source can be temporarily stopped and resumed
	// without losing its position (relevant to live/network sources).
	CanPause
)

// Source is what a demuxer reads from. It composes io.Reader with an
// optional seek and a fixed-size peek, since container probing routinely
// needs to look ahead without consuming bytes.
type Source interface {
	io.Reader
	// Seek behaves like io.Seeker when CanSeekByte is set; it returns
	// ErrNotSeekable otherwise.
	Seek(offset int64, whence int) (int64, error)
	// Peek returns up to n bytes without advancing the read position. The
	// returned slice is only valid until the next Read or Peek call.
	Peek(n int) ([]byte, error)
	// Capabilities reports what this source supports.
	Capabilities() Capability
	// Size returns the total byte length if known, or -1.
	Size() int64
}

// ErrNotSeekable is returned by Seek on a source without CanSeekByte.
var ErrNotSeekable = errors.New("input: source is not seekable")

// FromReader wraps an arbitrary io.Reader as a Source. If r also implements
// io.Seeker, byte-seeking is enabled and size is probed via SeekEnd/SeekStart.
func FromReader(r io.Reader) Source {
	s := &readerSource{br: bufio.NewReaderSize(r, 8192), raw: r, size: -1}
	if seeker, ok := r.(io.Seeker); ok {
		s.seeker = seeker
		if n, err := seeker.Seek(0, io.SeekEnd); err == nil {
			s.size = n
			_, _ = seeker.Seek(0, io.SeekStart)
		}
	}
	return s
}

type readerSource struct {
	br     *bufio.Reader
	raw    io.Reader
	seeker io.Seeker
	size   int64
}

func (s *readerSource) Read(p []byte) (int, error) { return s.br.Read(p) }

func (s *readerSource) Peek(n int) ([]byte, error) { return s.br.Peek(n) }

func (s *readerSource) Capabilities() Capability {
	if s.seeker == nil {
		return 0
	}
	return CanSeekByte
}

func (s *readerSource) Size() int64 { return s.size }

func (s *readerSource) Seek(offset int64, whence int) (int64, error) {
	if s.seeker == nil {
		return 0, ErrNotSeekable
	}
	if whence == io.SeekCurrent {
		offset -= int64(s.br.Buffered())
	}
	n, err := s.seeker.Seek(offset, whence)
	if err != nil {
		return n, err
	}
	s.br.Reset(s.raw)
	return n, nil
}
