// Package session runs the per-consumer detection loop: acquire a frame,
// pace it, sometimes infer, confirm, annotate, and emit.
package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/dj-oyu/detection-stream-server/internal/annotate"
	"github.com/dj-oyu/detection-stream-server/internal/detector"
	"github.com/dj-oyu/detection-stream-server/internal/framesource"
	"github.com/dj-oyu/detection-stream-server/internal/governor"
	"github.com/dj-oyu/detection-stream-server/internal/logger"
	"github.com/dj-oyu/detection-stream-server/internal/metrics"
	"github.com/dj-oyu/detection-stream-server/internal/stream"
	"github.com/dj-oyu/detection-stream-server/internal/tracker"
	"github.com/dj-oyu/detection-stream-server/pkg/types"
)

// FrameSource is the acquisition surface the controller needs.
type FrameSource interface {
	Acquire(ctx context.Context, descriptor string) (image.Image, error)
	Open(ctx context.Context, descriptor string) (framesource.Handle, error)
}

// Config tunes every session the controller starts.
type Config struct {
	InferEvery     int
	MaxFailures    int
	RetryDelay     time.Duration
	JPEGQuality    int
	PersistTimeout time.Duration
	QueueSize      int
	Tracker        tracker.Config
}

// DefaultConfig infers every fifth frame and gives up after 30 consecutive
// read failures.
func DefaultConfig() Config {
	return Config{
		InferEvery:     governor.DefaultInferEvery,
		MaxFailures:    30,
		RetryDelay:     100 * time.Millisecond,
		JPEGQuality:    annotate.DefaultQuality,
		PersistTimeout: 5 * time.Second,
		QueueSize:      16,
		Tracker:        tracker.DefaultConfig(),
	}
}

// Deps are the collaborators shared by all sessions. Sink and Snapshots
// may be nil.
type Deps struct {
	Source    FrameSource
	Detector  detector.Detector
	Sink      EventSink
	Snapshots SnapshotSaver
	Metrics   *metrics.Metrics
	Clock     clock.Clock
}

// Request describes one stream consumer.
type Request struct {
	Source     string
	CameraID   *int64
	UserID     *int64
	FPS        int
	Confidence float64
}

// Validate checks the request before any frame is read.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Source) == "" {
		return &ValidationError{Field: "source", Reason: "required"}
	}
	if _, _, err := framesource.Normalize(r.Source); err != nil {
		return &ValidationError{Field: "source", Reason: err.Error()}
	}
	if r.FPS < governor.MinFPS || r.FPS > governor.MaxFPS {
		return &ValidationError{Field: "fps", Reason: fmt.Sprintf("must be within [%d,%d]", governor.MinFPS, governor.MaxFPS)}
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return &ValidationError{Field: "confidence", Reason: "must be within [0,1]"}
	}
	return nil
}

// State is the lifecycle of a session.
type State int

const (
	StateInitializing State = iota
	StateStreaming
	StateDegraded
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateStreaming:
		return "streaming"
	case StateDegraded:
		return "degraded"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Info is a point-in-time view of a running session.
type Info struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	CameraID   *int64    `json:"camera_id,omitempty"`
	FPS        int       `json:"fps"`
	Confidence float64   `json:"confidence"`
	State      string    `json:"state"`
	Format     string    `json:"format"`
	Frames     uint64    `json:"frames"`
	Failures   int       `json:"failures"`
	StartedAt  time.Time `json:"started_at"`
}

// Session is the mutable state of one stream loop. Only the loop goroutine
// writes it; Info reads under mu.
type Session struct {
	ID        string
	Request   Request
	Format    stream.Format
	StartedAt time.Time

	mu       sync.Mutex
	state    State
	failures int
	frames   atomic.Uint64
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info snapshots the session for listing.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:         s.ID,
		Source:     s.Request.Source,
		CameraID:   s.Request.CameraID,
		FPS:        s.Request.FPS,
		Confidence: s.Request.Confidence,
		State:      s.state.String(),
		Format:     s.Format.String(),
		Frames:     s.frames.Load(),
		Failures:   s.failures,
		StartedAt:  s.StartedAt,
	}
}

// Controller owns the shared collaborators and the set of live sessions.
type Controller struct {
	cfg       Config
	source    FrameSource
	detector  detector.Detector
	sink      EventSink
	snapshots SnapshotSaver
	metrics   *metrics.Metrics
	clock     clock.Clock

	mu       sync.Mutex
	sessions map[string]*Session
}

// New builds a controller. Zero config fields fall back to DefaultConfig.
func New(cfg Config, deps Deps) *Controller {
	def := DefaultConfig()
	if cfg.InferEvery < 1 {
		cfg.InferEvery = def.InferEvery
	}
	if cfg.MaxFailures < 1 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.JPEGQuality < 1 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = def.JPEGQuality
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = def.PersistTimeout
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = def.QueueSize
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	return &Controller{
		cfg:       cfg,
		source:    deps.Source,
		detector:  deps.Detector,
		sink:      deps.Sink,
		snapshots: deps.Snapshots,
		metrics:   deps.Metrics,
		clock:     deps.Clock,
		sessions:  make(map[string]*Session),
	}
}

// Sessions lists the running sessions ordered by start time.
func (c *Controller) Sessions() []Info {
	c.mu.Lock()
	out := make([]Info, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s.Info())
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (c *Controller) register(s *Session) {
	c.mu.Lock()
	c.sessions[s.ID] = s
	c.mu.Unlock()
}

func (c *Controller) unregister(s *Session) {
	c.mu.Lock()
	delete(c.sessions, s.ID)
	c.mu.Unlock()
}

func (c *Controller) setState(s *Session, next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	if prev == next {
		return
	}
	c.metrics.Transition(next.String())
	logger.Debug("Session", "[%s] %s -> %s", s.ID, prev, next)
}

// Run streams annotated frames for req to em until the consumer goes away
// or a fatal error occurs. A validation or open failure is returned before
// anything is emitted. Fatal errors after streaming has begun are reported
// to the consumer as one error message; a departed consumer gets nothing.
// The frame handle is always released before Run returns.
func (c *Controller) Run(ctx context.Context, req Request, em stream.Emitter) (err error) {
	if err := req.Validate(); err != nil {
		return err
	}
	gov, err := governor.New(req.FPS, c.cfg.InferEvery, c.clock)
	if err != nil {
		return &ValidationError{Field: "fps", Reason: err.Error()}
	}

	s := &Session{
		ID:        uuid.NewString()[:8],
		Request:   req,
		Format:    em.Format(),
		StartedAt: c.clock.Now(),
		state:     StateInitializing,
	}
	c.metrics.Transition(StateInitializing.String())
	c.register(s)
	c.metrics.SessionStarted()
	logger.Info("Session", "[%s] started source=%s fps=%d confidence=%.2f format=%s",
		s.ID, req.Source, req.FPS, req.Confidence, s.Format)

	defer func() {
		c.setState(s, StateTerminated)
		c.unregister(s)
		kind := KindOf(err)
		c.metrics.SessionEnded(kind.String())
		if kind == KindConsumerGone {
			logger.Info("Session", "[%s] consumer gone after %d frames", s.ID, s.frames.Load())
		} else {
			logger.Warn("Session", "[%s] terminated after %d frames: %v", s.ID, s.frames.Load(), err)
		}
	}()

	handle, err := c.source.Open(ctx, req.Source)
	if err != nil {
		if ctx.Err() != nil {
			return classified(KindConsumerGone, ctx.Err())
		}
		kind := KindOf(err)
		if kind == KindUnknown || kind == KindConsumerGone {
			kind = KindSourceUnreachable
		}
		return classified(kind, err)
	}
	sink := newAsyncSink(s.ID, c.sink, c.snapshots, c.cfg.QueueSize, c.cfg.PersistTimeout, c.metrics)
	// The handle is released before queued batches drain.
	defer func() {
		if cerr := handle.Close(); cerr != nil {
			logger.Debug("Session", "[%s] close handle: %v", s.ID, cerr)
		}
		sink.Close()
	}()

	defer func() {
		if r := recover(); r != nil {
			err = c.fail(em, classified(KindUnknown, fmt.Errorf("panic: %v", r)))
		}
	}()

	c.setState(s, StateStreaming)
	return c.loop(ctx, s, handle, gov, tracker.New(c.cfg.Tracker), sink, em)
}

func (c *Controller) loop(ctx context.Context, s *Session, handle framesource.Handle, gov *governor.Governor, tr *tracker.Tracker, sink *asyncSink, em stream.Emitter) error {
	defer tr.Reset()

	// held is redrawn on frames between inference ticks
	var held []types.Detection

	for {
		if err := ctx.Err(); err != nil {
			return classified(KindConsumerGone, err)
		}

		img, err := handle.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return classified(KindConsumerGone, ctx.Err())
			}
			c.metrics.ReadFailures.Add(1)
			s.mu.Lock()
			s.failures++
			failures := s.failures
			s.mu.Unlock()
			c.setState(s, StateDegraded)
			logger.Warn("Session", "[%s] read failure %d/%d: %v", s.ID, failures, c.cfg.MaxFailures, err)
			if failures >= c.cfg.MaxFailures {
				return c.fail(em, classified(KindSourceUnreachable,
					fmt.Errorf("%d consecutive read failures: %w", failures, err)))
			}
			if err := governor.Sleep(ctx, c.clock, c.cfg.RetryDelay); err != nil {
				return classified(KindConsumerGone, err)
			}
			continue
		}

		s.mu.Lock()
		recovered := s.failures > 0
		s.failures = 0
		s.mu.Unlock()
		if recovered {
			c.setState(s, StateStreaming)
		}
		c.metrics.FramesAcquired.Add(1)

		index, infer := gov.Tick()
		s.frames.Store(index)

		var confirmed []types.Detection
		if infer {
			dets, err := c.predict(ctx, img)
			if err != nil {
				if ctx.Err() != nil {
					return classified(KindConsumerGone, ctx.Err())
				}
				return c.fail(em, classified(KindDetector, err))
			}
			res := tr.Update(c.clock.Now(), tracker.FilterByConfidence(dets, s.Request.Confidence))
			held = res.Detections
			confirmed = res.Confirmed
			c.metrics.Detections.Add(uint64(len(held)))
		}

		frame := img
		if len(held) > 0 {
			frame = annotate.Draw(img, held)
		}
		jpegData, err := annotate.EncodeJPEG(frame, c.cfg.JPEGQuality)
		if err != nil {
			return c.fail(em, classified(KindUnknown, err))
		}

		if len(confirmed) > 0 {
			events := types.NewConfirmedEvents(confirmed, s.Request.CameraID, s.Request.UserID, c.clock.Now())
			c.metrics.ConfirmedEvents.Add(uint64(len(events)))
			logger.Info("Session", "[%s] confirmed %d detections at frame %d", s.ID, len(events), index)
			sink.Submit(events, jpegData)
		}

		payload, err := stream.Encode(stream.NewMessage(jpegData, held), em.Format())
		if err != nil {
			return c.fail(em, classified(KindUnknown, err))
		}
		if err := em.Emit(payload); err != nil {
			c.metrics.EmitFailures.Add(1)
			return classified(KindConsumerGone, err)
		}
		c.metrics.FramesEmitted.Add(1)

		if err := gov.Wait(ctx); err != nil {
			return classified(KindConsumerGone, err)
		}
	}
}

// fail reports e to the consumer as the final message and returns it.
func (c *Controller) fail(em stream.Emitter, e *Error) *Error {
	if e.Kind == KindConsumerGone {
		return e
	}
	payload, err := stream.Encode(stream.ErrorMessage{Error: e.Error()}, em.Format())
	if err == nil {
		if err := em.Emit(payload); err != nil {
			logger.Debug("Session", "error message not delivered: %v", err)
		}
	}
	return e
}

// predict calls the detector, turning a panic into an error.
func (c *Controller) predict(ctx context.Context, img image.Image) (dets []types.Detection, err error) {
	if c.detector == nil {
		return nil, fmt.Errorf("%w: no detector configured", detector.ErrDetector)
	}
	start := c.clock.Now()
	defer func() {
		if r := recover(); r != nil {
			dets, err = nil, fmt.Errorf("%w: panic: %v", detector.ErrDetector, r)
		}
		c.metrics.ObserveInference(c.clock.Since(start), err)
		if err == nil {
			c.metrics.FramesInferred.Add(1)
		}
	}()
	return c.detector.Predict(ctx, img)
}

// OneShot is a single-frame detection request. Confidence zero keeps
// every detection.
type OneShot struct {
	CameraID   *int64
	UserID     *int64
	Confidence float64
}

// Snapshot acquires one frame from source, runs detection and persists
// every detection as an event. Persistence failures are logged only.
func (c *Controller) Snapshot(ctx context.Context, source string, opts OneShot) ([]types.Detection, error) {
	if strings.TrimSpace(source) == "" {
		return nil, &ValidationError{Field: "source", Reason: "required"}
	}
	img, err := c.source.Acquire(ctx, source)
	if err != nil {
		kind := KindOf(err)
		if kind == KindUnknown {
			kind = KindSourceUnreachable
		}
		return nil, classified(kind, err)
	}
	return c.Infer(ctx, img, opts)
}

// Infer runs detection on an already decoded image and persists the result.
func (c *Controller) Infer(ctx context.Context, img image.Image, opts OneShot) ([]types.Detection, error) {
	if img == nil {
		return nil, &ValidationError{Field: "image", Reason: "required"}
	}
	if opts.Confidence < 0 || opts.Confidence > 1 {
		return nil, &ValidationError{Field: "confidence", Reason: "must be within [0,1]"}
	}
	dets, err := c.predict(ctx, img)
	if err != nil {
		return nil, classified(KindDetector, err)
	}
	if opts.Confidence > 0 {
		dets = tracker.FilterByConfidence(dets, opts.Confidence)
	}
	c.metrics.Detections.Add(uint64(len(dets)))
	if len(dets) == 0 || c.sink == nil {
		return dets, nil
	}

	events := types.NewConfirmedEvents(dets, opts.CameraID, opts.UserID, c.clock.Now())
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.PersistTimeout)
	defer cancel()
	if err := c.sink.Persist(pctx, events); err != nil {
		c.metrics.PersistFailures.Add(1)
		logger.Error("Session", "%v", classified(KindPersistence, err))
	} else {
		c.metrics.ConfirmedEvents.Add(uint64(len(events)))
	}
	return dets, nil
}

// IsValidation reports whether err is a request validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
