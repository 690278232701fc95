package framesource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/dj-oyu/detection-stream-server/internal/logger"
)

// Decoder opens a continuous stream (RTSP, RTMP, HLS, raw HTTP video) and
// yields frames through a Handle.
type Decoder interface {
	Open(ctx context.Context, url string) (Handle, error)
}

// FFmpegDecoder runs an ffmpeg process per handle and reads MJPEG frames
// from its stdout.
type FFmpegDecoder struct {
	readTimeout time.Duration
	maxFrame    int
	quality     int
}

// NewFFmpegDecoder returns ErrDecoderUnavailable when ffmpeg is not on PATH.
func NewFFmpegDecoder(readTimeout time.Duration) (*FFmpegDecoder, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, errors.Join(ErrDecoderUnavailable, err)
	}
	if readTimeout <= 0 {
		readTimeout = DefaultTimeout
	}
	return &FFmpegDecoder{
		readTimeout: readTimeout,
		maxFrame:    DefaultMaxFrameBytes,
		quality:     3,
	}, nil
}

// Open implements Decoder. The process is restarted by the handle if it exits.
func (d *FFmpegDecoder) Open(ctx context.Context, url string) (Handle, error) {
	first, err := d.start(ctx, url)
	if err != nil {
		return nil, err
	}
	return newStreamHandle(ctx, "ffmpeg "+url, first, func(ctx context.Context) (io.ReadCloser, error) {
		return d.start(ctx, url)
	}, d.readTimeout, d.maxFrame), nil
}

func (d *FFmpegDecoder) start(parent context.Context, url string) (io.ReadCloser, error) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	pr, pw := io.Pipe()

	in := ffmpeg.KwArgs{}
	if strings.HasPrefix(strings.ToLower(url), "rtsp://") {
		in["rtsp_transport"] = "tcp"
	}
	stream := ffmpeg.Input(url, in).
		Output("pipe:", ffmpeg.KwArgs{
			"format":   "image2pipe",
			"vcodec":   "mjpeg",
			"q:v":      d.quality,
			"loglevel": "error",
		})
	stream.Context = ctx

	done := make(chan struct{})
	go func() {
		defer close(done)
		err := stream.WithOutput(pw).Run()
		if err != nil && ctx.Err() == nil {
			logger.Warn("FFmpeg", "Process for %s exited: %v", url, err)
			pw.CloseWithError(fmt.Errorf("ffmpeg: %w", err))
			return
		}
		pw.Close()
	}()

	return &procReader{PipeReader: pr, cancel: cancel, done: done}, nil
}

// procReader stops the ffmpeg process when closed.
type procReader struct {
	*io.PipeReader
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (p *procReader) Close() error {
	p.once.Do(func() {
		p.cancel()
		p.PipeReader.Close()
		<-p.done
	})
	return nil
}
