package framesource

import (
	"bytes"
	"errors"
	"io"
)

// DefaultMaxFrameBytes caps how much data is buffered while looking for one frame.
const DefaultMaxFrameBytes = 8 << 20

const scanChunkSize = 32 << 10

var (
	jpegStart = []byte{0xFF, 0xD8, 0xFF}
	jpegEnd   = []byte{0xFF, 0xD9}
)

// JPEGScanner pulls complete JPEG images out of a byte stream (MJPEG over
// multipart, ffmpeg image2pipe, ...) as chunks arrive. Boundaries and part
// headers are skipped implicitly: only the SOI..EOI range is returned.
type JPEGScanner struct {
	r        io.Reader
	buf      []byte
	chunk    []byte
	maxFrame int
	// endFrom is where the EOI search resumes once a start marker is at buf[0].
	endFrom int
}

// NewJPEGScanner wraps r. maxFrame <= 0 uses DefaultMaxFrameBytes.
func NewJPEGScanner(r io.Reader, maxFrame int) *JPEGScanner {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameBytes
	}
	return &JPEGScanner{
		r:        r,
		chunk:    make([]byte, scanChunkSize),
		maxFrame: maxFrame,
	}
}

// Next returns the next complete JPEG. The returned slice is owned by the caller.
func (s *JPEGScanner) Next() ([]byte, error) {
	for {
		if frame, ok, err := s.extract(); err != nil || ok {
			return frame, err
		}

		n, err := s.r.Read(s.chunk)
		if n > 0 {
			s.buf = append(s.buf, s.chunk[:n]...)
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(s.buf) > 0 {
					return nil, io.ErrUnexpectedEOF
				}
				return nil, io.EOF
			}
			return nil, err
		}
	}
}

func (s *JPEGScanner) extract() ([]byte, bool, error) {
	if s.endFrom == 0 {
		start := bytes.Index(s.buf, jpegStart)
		if start < 0 {
			// keep a possible partial marker at the tail
			if keep := len(jpegStart) - 1; len(s.buf) > keep {
				s.buf = append(s.buf[:0], s.buf[len(s.buf)-keep:]...)
			}
			return nil, false, nil
		}
		s.buf = append(s.buf[:0], s.buf[start:]...)
		s.endFrom = len(jpegStart)
	}

	if idx := bytes.Index(s.buf[s.endFrom:], jpegEnd); idx >= 0 {
		end := s.endFrom + idx + len(jpegEnd)
		frame := make([]byte, end)
		copy(frame, s.buf[:end])
		s.buf = append(s.buf[:0], s.buf[end:]...)
		s.endFrom = 0
		return frame, true, nil
	}

	if len(s.buf) > s.maxFrame {
		s.buf = s.buf[:0]
		s.endFrom = 0
		return nil, false, ErrFrameTooLarge
	}
	// the last byte may be the first half of an end marker
	s.endFrom = max(len(jpegStart), len(s.buf)-1)
	return nil, false, nil
}

// ExtractJPEG reads r until one complete JPEG has been seen.
func ExtractJPEG(r io.Reader, maxFrame int) ([]byte, error) {
	frame, err := NewJPEGScanner(r, maxFrame).Next()
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, errors.Join(ErrDecode, err)
	}
	return frame, err
}
