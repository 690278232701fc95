package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/dj-oyu/detection-stream-server/internal/framesource"
	"github.com/dj-oyu/detection-stream-server/internal/stream"
)

// Kind classifies why a session or request failed.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindSourceUnreachable
	KindDecode
	KindTransientRead
	KindPersistence
	KindConsumerGone
	KindDetector
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindSourceUnreachable:
		return "source_unreachable"
	case KindDecode:
		return "decode"
	case KindTransientRead:
		return "transient_read"
	case KindPersistence:
		return "persistence"
	case KindConsumerGone:
		return "consumer_gone"
	case KindDetector:
		return "detector"
	default:
		return "unknown"
	}
}

// ValidationError reports a bad request parameter. It is returned before
// any frame is read.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Error is a classified session failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf classifies err.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	var ve *ValidationError
	switch {
	case errors.As(err, &ve), errors.Is(err, framesource.ErrInvalidSource):
		return KindValidation
	case errors.Is(err, stream.ErrConsumerGone), errors.Is(err, context.Canceled):
		return KindConsumerGone
	case errors.Is(err, framesource.ErrUnreachable):
		return KindSourceUnreachable
	case errors.Is(err, framesource.ErrDecode):
		return KindDecode
	case errors.Is(err, framesource.ErrReadTimeout):
		return KindTransientRead
	}
	return KindUnknown
}

func classified(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}
