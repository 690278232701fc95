// Package framesource acquires frames from URL-addressable cameras.
//
// Snapshot acquisition walks an ordered candidate list (bare URL, then the
// conventional still-image suffixes, under both schemes for a bare host) and
// falls back to a continuous decoder. Live acquisition opens one Handle per
// session and reads the newest frame from it on every tick.
package framesource

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // register decoders for image.Decode
	_ "image/png"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/dj-oyu/detection-stream-server/internal/logger"
)

// DefaultTimeout bounds each candidate fetch.
const DefaultTimeout = 10 * time.Second

// Source acquires frames. It is safe for concurrent use; per-session state
// lives in the Handles it returns.
type Source struct {
	client      *http.Client
	decoder     Decoder
	timeout     time.Duration
	readTimeout time.Duration
	maxFrame    int
}

// Option configures a Source.
type Option func(*Source)

// WithHTTPClient replaces the HTTP client used for candidates.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Source) { s.client = c }
}

// WithDecoder installs the continuous-stream decoder fallback. A nil decoder
// leaves the fallback unavailable.
func WithDecoder(d Decoder) Option {
	return func(s *Source) { s.decoder = d }
}

// WithTimeout sets the per-candidate fetch timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Source) { s.timeout = d }
}

// WithReadTimeout sets how long a live handle waits for a new frame.
func WithReadTimeout(d time.Duration) Option {
	return func(s *Source) { s.readTimeout = d }
}

// WithMaxFrameBytes caps the buffered size of one multipart frame.
func WithMaxFrameBytes(n int) Option {
	return func(s *Source) { s.maxFrame = n }
}

// New creates a Source.
func New(opts ...Option) *Source {
	s := &Source{
		client:      &http.Client{},
		timeout:     DefaultTimeout,
		readTimeout: DefaultTimeout,
		maxFrame:    DefaultMaxFrameBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HasDecoder reports whether the continuous decoder fallback is installed.
func (s *Source) HasDecoder() bool { return s.decoder != nil }

// Acquire fetches a single frame for descriptor.
func (s *Source) Acquire(ctx context.Context, descriptor string) (image.Image, error) {
	bases, streamOnly, err := Normalize(descriptor)
	if err != nil {
		return nil, err
	}

	var last error
	attempts := 0
	if !streamOnly {
		for _, candidate := range Candidates(bases) {
			attempts++
			img, err := s.fetch(ctx, candidate)
			if err == nil {
				logger.Debug("FrameSource", "Snapshot from %s", candidate)
				return img, nil
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Debug("FrameSource", "Candidate %s failed (%s): %v", candidate, Classify(err), err)
			last = err
		}
	}

	if s.decoder == nil {
		attempts += len(bases)
		return nil, &AcquireError{Descriptor: descriptor, Attempts: attempts, Last: withoutDecoder(last)}
	}
	for _, base := range bases {
		attempts++
		img, err := s.decodeOne(ctx, base)
		if err == nil {
			logger.Debug("FrameSource", "Decoded frame from %s", base)
			return img, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Debug("FrameSource", "Decoder on %s failed: %v", base, err)
		last = err
	}

	return nil, &AcquireError{Descriptor: descriptor, Attempts: attempts, Last: last}
}

// Open returns a live Handle for descriptor. The caller must Close it.
func (s *Source) Open(ctx context.Context, descriptor string) (Handle, error) {
	bases, streamOnly, err := Normalize(descriptor)
	if err != nil {
		return nil, err
	}

	var last error
	attempts := 0
	if !streamOnly {
		for _, candidate := range Candidates(bases) {
			attempts++
			h, err := s.probe(ctx, candidate)
			if err == nil {
				return h, nil
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Debug("FrameSource", "Live candidate %s failed (%s): %v", candidate, Classify(err), err)
			last = err
		}
	}

	if s.decoder == nil {
		attempts += len(bases)
		return nil, &AcquireError{Descriptor: descriptor, Attempts: attempts, Last: withoutDecoder(last)}
	}
	for _, base := range bases {
		attempts++
		h, err := s.decoder.Open(ctx, base)
		if err == nil {
			logger.Info("FrameSource", "Live decoder opened on %s", base)
			return h, nil
		}
		last = err
	}

	return nil, &AcquireError{Descriptor: descriptor, Attempts: attempts, Last: last}
}

// withoutDecoder keeps the last HTTP failure as the cause when the decoder
// fallback is not installed.
func withoutDecoder(last error) error {
	if last == nil {
		return ErrDecoderUnavailable
	}
	return fmt.Errorf("%w (%w)", last, ErrDecoderUnavailable)
}

// fetch performs one bounded GET and extracts a frame from the response.
func (s *Source) fetch(ctx context.Context, url string) (image.Image, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch kind := contentKind(resp); kind {
	case kindImage:
		return decodeImage(io.LimitReader(resp.Body, int64(s.maxFrame)))
	case kindMultipart:
		frame, err := ExtractJPEG(resp.Body, s.maxFrame)
		if err != nil {
			return nil, err
		}
		return decodeImage(bytes.NewReader(frame))
	default:
		return nil, fmt.Errorf("%w: %q from %s", ErrUnsupported, resp.Header.Get("Content-Type"), url)
	}
}

// probe opens a candidate for live use: a multipart response becomes a
// persistent MJPEG handle, an image response becomes a polling handle.
func (s *Source) probe(ctx context.Context, url string) (Handle, error) {
	// The body may outlive ctx as a live handle's first reader; ctx only
	// bounds the connect.
	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	watchdog := time.AfterFunc(s.timeout, cancel)
	stop := context.AfterFunc(ctx, cancel)

	resp, err := s.get(connCtx, url)
	watchdog.Stop()
	stop()
	if err != nil {
		cancel()
		return nil, err
	}

	switch contentKind(resp) {
	case kindMultipart:
		logger.Info("FrameSource", "Live MJPEG stream at %s", url)
		body := &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
		return newStreamHandle(ctx, "mjpeg "+url, body, func(ctx context.Context) (io.ReadCloser, error) {
			return s.openStream(ctx, url)
		}, s.readTimeout, s.maxFrame), nil
	case kindImage:
		img, err := decodeImage(io.LimitReader(resp.Body, int64(s.maxFrame)))
		resp.Body.Close()
		cancel()
		if err != nil {
			return nil, err
		}
		logger.Info("FrameSource", "Live snapshot polling at %s", url)
		return &pollingHandle{source: s, url: url, first: img}, nil
	default:
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: %q from %s", ErrUnsupported, resp.Header.Get("Content-Type"), url)
	}
}

// openStream reconnects a multipart stream for a live handle.
func (s *Source) openStream(ctx context.Context, url string) (io.ReadCloser, error) {
	connCtx, cancel := context.WithCancel(ctx)
	watchdog := time.AfterFunc(s.timeout, cancel)
	resp, err := s.get(connCtx, url)
	watchdog.Stop()
	if err != nil {
		cancel()
		return nil, err
	}
	if contentKind(resp) != kindMultipart {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: stream at %s changed content type", ErrUnsupported, url)
	}
	return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, nil
}

func (s *Source) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, url)
		}
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return resp, nil
}

func (s *Source) decodeOne(ctx context.Context, base string) (image.Image, error) {
	if s.decoder == nil {
		return nil, ErrDecoderUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	h, err := s.decoder.Open(ctx, base)
	if err != nil {
		return nil, err
	}
	defer h.Close()
	return h.Next(ctx)
}

type contentType int

const (
	kindOther contentType = iota
	kindImage
	kindMultipart
)

func contentKind(resp *http.Response) contentType {
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return kindOther
	}
	switch {
	case strings.HasPrefix(mediaType, "image/"):
		return kindImage
	case mediaType == "multipart/x-mixed-replace":
		return kindMultipart
	default:
		return kindOther
	}
}

func decodeImage(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, errors.Join(ErrDecode, err)
	}
	return img, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	c.cancel()
	return c.ReadCloser.Close()
}
