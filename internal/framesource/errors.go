package framesource

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	// ErrInvalidSource means the descriptor could not be turned into a URL.
	ErrInvalidSource = errors.New("invalid source descriptor")
	// ErrNotFound is a 404 from a snapshot candidate.
	ErrNotFound = errors.New("not found")
	// ErrUnreachable means every acquisition strategy failed.
	ErrUnreachable = errors.New("source unreachable")
	// ErrUnsupported is a response whose content type carries no frame.
	ErrUnsupported = errors.New("unsupported content type")
	// ErrDecode wraps malformed image bytes.
	ErrDecode = errors.New("decode error")
	// ErrDecoderUnavailable is returned when no continuous decoder is installed.
	ErrDecoderUnavailable = errors.New("decode fallback unavailable")
	// ErrReadTimeout means a live handle produced no frame in time.
	ErrReadTimeout = errors.New("frame read timed out")
	// ErrFrameTooLarge means no end marker was found within the frame limit.
	ErrFrameTooLarge = errors.New("frame exceeds size limit")
	// ErrHandleClosed is returned by Next after Close.
	ErrHandleClosed = errors.New("frame handle closed")
)

// AcquireError reports an exhausted candidate list. It matches
// ErrUnreachable and the last underlying error with errors.Is.
type AcquireError struct {
	Descriptor string
	Attempts   int
	Last       error
}

func (e *AcquireError) Error() string {
	return fmt.Sprintf("source %q unreachable after %d attempts: %v", e.Descriptor, e.Attempts, e.Last)
}

func (e *AcquireError) Unwrap() []error {
	if e.Last == nil {
		return []error{ErrUnreachable}
	}
	return []error{ErrUnreachable, e.Last}
}

// Category groups acquisition failures for logs and metrics.
type Category int

const (
	CategoryNetwork Category = iota
	CategoryNotFound
	CategoryUnsupported
	CategoryCodec
	CategoryUnavailable
	CategoryUnknown
)

func (c Category) String() string {
	switch c {
	case CategoryNetwork:
		return "network"
	case CategoryNotFound:
		return "not_found"
	case CategoryUnsupported:
		return "unsupported"
	case CategoryCodec:
		return "codec"
	case CategoryUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Classify maps an acquisition error onto a Category. Sentinels are checked
// first, then net.Error, then message heuristics.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return CategoryNotFound
	case errors.Is(err, ErrUnsupported):
		return CategoryUnsupported
	case errors.Is(err, ErrDecode), errors.Is(err, ErrFrameTooLarge):
		return CategoryCodec
	case errors.Is(err, ErrDecoderUnavailable):
		return CategoryUnavailable
	case errors.Is(err, ErrReadTimeout), errors.Is(err, context.DeadlineExceeded):
		return CategoryNetwork
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return CategoryNetwork
	}

	msg := strings.ToLower(err.Error())
	for _, kw := range []string{"connection", "timeout", "unreachable", "no such host", "eof"} {
		if strings.Contains(msg, kw) {
			return CategoryNetwork
		}
	}
	return CategoryUnknown
}
