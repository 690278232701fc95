package framesource

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"sync"
	"time"

	"github.com/dj-oyu/detection-stream-server/internal/logger"
)

// Handle is an open live source. Next returns the newest frame not yet seen,
// waiting up to the source's read timeout. A failed Next is transient: the
// handle stays usable and the caller decides when to give up.
type Handle interface {
	Next(ctx context.Context) (image.Image, error)
	Close() error
}

type openFunc func(ctx context.Context) (io.ReadCloser, error)

const (
	reconnectDelay    = 250 * time.Millisecond
	maxReconnectDelay = 5 * time.Second
)

// streamHandle drains a JPEG byte stream in the background and keeps only
// the newest frame, so a slow loop never builds up latency. Lost connections
// are reopened with exponential backoff until Close.
type streamHandle struct {
	name        string
	open        openFunc
	readTimeout time.Duration
	maxFrame    int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	current  io.ReadCloser
	latest   []byte
	seq      uint64
	consumed uint64
	lastErr  error
	closed   bool
	notify   chan struct{}
}

func newStreamHandle(parent context.Context, name string, first io.ReadCloser, open openFunc, readTimeout time.Duration, maxFrame int) *streamHandle {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	h := &streamHandle{
		name:        name,
		open:        open,
		readTimeout: readTimeout,
		maxFrame:    maxFrame,
		ctx:         ctx,
		cancel:      cancel,
		notify:      make(chan struct{}),
	}
	h.wg.Add(1)
	go h.run(first)
	return h
}

func (h *streamHandle) run(first io.ReadCloser) {
	defer h.wg.Done()

	failures := 0
	for h.ctx.Err() == nil {
		rc := first
		first = nil
		if rc == nil {
			var err error
			rc, err = h.open(h.ctx)
			if err != nil {
				failures++
				h.setErr(err)
				if !h.sleep(backoff(failures)) {
					return
				}
				continue
			}
		}

		if !h.attach(rc) {
			rc.Close()
			return
		}
		scanner := NewJPEGScanner(rc, h.maxFrame)
		for h.ctx.Err() == nil {
			frame, err := scanner.Next()
			if err != nil {
				if !errors.Is(err, ErrFrameTooLarge) {
					h.setErr(err)
					break
				}
				h.setErr(err)
				continue
			}
			failures = 0
			h.publish(frame)
		}
		h.detach()
		rc.Close()

		if h.ctx.Err() != nil {
			return
		}
		failures++
		logger.Debug("FrameSource", "%s: stream ended, reconnecting (attempt %d)", h.name, failures)
		if !h.sleep(backoff(failures)) {
			return
		}
	}
}

// attach records rc as the reader Close must interrupt. It reports false
// once the handle is closed.
func (h *streamHandle) attach(rc io.ReadCloser) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.current = rc
	return true
}

func (h *streamHandle) detach() {
	h.mu.Lock()
	h.current = nil
	h.mu.Unlock()
}

func (h *streamHandle) publish(frame []byte) {
	h.mu.Lock()
	h.latest = frame
	h.seq++
	h.lastErr = nil
	close(h.notify)
	h.notify = make(chan struct{})
	h.mu.Unlock()
}

func (h *streamHandle) setErr(err error) {
	h.mu.Lock()
	h.lastErr = err
	h.mu.Unlock()
}

func (h *streamHandle) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-h.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Next implements Handle.
func (h *streamHandle) Next(ctx context.Context) (image.Image, error) {
	deadline := time.NewTimer(h.readTimeout)
	defer deadline.Stop()

	for {
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return nil, ErrHandleClosed
		}
		if h.seq > h.consumed {
			data := h.latest
			h.consumed = h.seq
			h.mu.Unlock()
			img, err := jpeg.Decode(bytes.NewReader(data))
			if err != nil {
				return nil, errors.Join(ErrDecode, err)
			}
			return img, nil
		}
		wait := h.notify
		h.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			h.mu.Lock()
			cause := h.lastErr
			h.mu.Unlock()
			if cause != nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrReadTimeout, h.name, cause)
			}
			return nil, fmt.Errorf("%w: %s", ErrReadTimeout, h.name)
		}
	}
}

// Close stops the background reader and waits for it to exit. The open
// reader is closed so a blocked read returns even while the source streams.
func (h *streamHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	rc := h.current
	h.current = nil
	h.mu.Unlock()

	h.cancel()
	if rc != nil {
		rc.Close()
	}
	h.wg.Wait()
	return nil
}

// backoff doubles reconnectDelay per consecutive failure, capped.
func backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 16 {
		return maxReconnectDelay
	}
	d := reconnectDelay * time.Duration(1<<uint(attempt-1))
	return min(d, maxReconnectDelay)
}

// pollingHandle re-fetches a still-image URL on every Next.
type pollingHandle struct {
	source *Source
	url    string

	mu     sync.Mutex
	first  image.Image
	closed bool
}

func (p *pollingHandle) Next(ctx context.Context) (image.Image, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrHandleClosed
	}
	if img := p.first; img != nil {
		p.first = nil
		p.mu.Unlock()
		return img, nil
	}
	p.mu.Unlock()
	return p.source.fetch(ctx, p.url)
}

func (p *pollingHandle) Close() error {
	p.mu.Lock()
	p.closed = true
	p.first = nil
	p.mu.Unlock()
	return nil
}
