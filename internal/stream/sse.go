package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dj-oyu/detection-stream-server/internal/logger"
)

// DefaultWriteTimeout bounds a single SSE write.
const DefaultWriteTimeout = 2 * time.Second

// SSEEmitter writes `data: <payload>\n\n` events to a held-open response.
type SSEEmitter struct {
	w            http.ResponseWriter
	rc           *http.ResponseController
	flusher      http.Flusher
	ctx          context.Context
	format       Format
	writeTimeout time.Duration
	gone         bool
	started      bool
}

// NewSSEEmitter prepares w for event streaming. It fails if the writer
// cannot flush. Headers are sent with the first event.
func NewSSEEmitter(w http.ResponseWriter, r *http.Request, format Format, writeTimeout time.Duration) (*SSEEmitter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming unsupported")
	}
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &SSEEmitter{
		w:            w,
		rc:           http.NewResponseController(w),
		flusher:      flusher,
		ctx:          r.Context(),
		format:       format,
		writeTimeout: writeTimeout,
	}, nil
}

func (e *SSEEmitter) Format() Format { return e.format }

func (e *SSEEmitter) writeHeaders() {
	h := e.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set("X-Content-Format", e.format.String())
	e.w.WriteHeader(http.StatusOK)
	e.started = true
}

// Emit implements Emitter.
func (e *SSEEmitter) Emit(payload []byte) error {
	if e.gone {
		return ErrConsumerGone
	}
	if err := e.ctx.Err(); err != nil {
		e.gone = true
		return fmt.Errorf("%w: %w", ErrConsumerGone, err)
	}
	if !e.started {
		e.writeHeaders()
	}

	// a stalled client must not hold the frame in memory
	if err := e.rc.SetWriteDeadline(time.Now().Add(e.writeTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		logger.Debug("SSE", "SetWriteDeadline: %v", err)
	}
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", payload); err != nil {
		e.gone = true
		logger.Debug("SSE", "Client disconnected during event write: %v", err)
		return fmt.Errorf("%w: %w", ErrConsumerGone, err)
	}
	if err := e.rc.Flush(); err != nil {
		if !errors.Is(err, http.ErrNotSupported) {
			e.gone = true
			return fmt.Errorf("%w: %w", ErrConsumerGone, err)
		}
		e.flusher.Flush()
	}
	return nil
}

// Started reports whether any event has been written.
func (e *SSEEmitter) Started() bool { return e.started }

// Close clears the write deadline. The response itself ends when the
// handler returns.
func (e *SSEEmitter) Close() error {
	if e.started && !e.gone {
		_ = e.rc.SetWriteDeadline(time.Time{})
	}
	return nil
}
