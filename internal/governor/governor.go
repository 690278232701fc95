// Package governor paces a session's acquisition loop and decides which
// acquired frames are forwarded to inference.
package governor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	MinFPS = 1
	MaxFPS = 60

	// DefaultInferEvery forwards one frame in five to the detector.
	DefaultInferEvery = 5
)

// ErrInvalidFPS is returned for a frame rate outside [MinFPS, MaxFPS].
var ErrInvalidFPS = errors.New("fps out of range")

// Governor is owned by one session loop; it is not safe for concurrent use.
type Governor struct {
	fps        int
	inferEvery uint64
	delay      time.Duration
	clock      clock.Clock
	frames     uint64
	inferred   uint64
}

// New validates fps and builds a governor. A nil clock uses the wall clock.
func New(fps, inferEvery int, clk clock.Clock) (*Governor, error) {
	if fps < MinFPS || fps > MaxFPS {
		return nil, fmt.Errorf("%w: %d not in [%d,%d]", ErrInvalidFPS, fps, MinFPS, MaxFPS)
	}
	if inferEvery < 1 {
		inferEvery = DefaultInferEvery
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Governor{
		fps:        fps,
		inferEvery: uint64(inferEvery),
		delay:      time.Second / time.Duration(fps),
		clock:      clk,
	}, nil
}

// FrameDelay is 1/fps.
func (g *Governor) FrameDelay() time.Duration { return g.delay }

// FPS returns the configured target rate.
func (g *Governor) FPS() int { return g.fps }

// Tick counts one acquired frame and reports whether it should be inferred.
// The first frame of every group of inferEvery frames is inferred, so the
// very first frame of a session always is.
func (g *Governor) Tick() (index uint64, infer bool) {
	g.frames++
	infer = (g.frames-1)%g.inferEvery == 0
	if infer {
		g.inferred++
	}
	return g.frames, infer
}

// Frames returns the number of frames counted so far.
func (g *Governor) Frames() uint64 { return g.frames }

// Inferred returns how many of those frames were forwarded to inference.
func (g *Governor) Inferred() uint64 { return g.inferred }

// Wait sleeps for FrameDelay or until ctx is done.
func (g *Governor) Wait(ctx context.Context) error {
	return Sleep(ctx, g.clock, g.delay)
}

// Sleep blocks for d on clk, returning ctx.Err() if ctx ends first.
func Sleep(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := clk.Timer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
