package framesource

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 16), G: 80, B: 160, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 75}))
	return buf.Bytes()
}

func writePart(w io.Writer, frame []byte) {
	fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame))
	w.Write(frame)
	io.WriteString(w, "\r\n")
}

type pathLog struct {
	mu    sync.Mutex
	paths []string
}

func (p *pathLog) add(path string) {
	p.mu.Lock()
	p.paths = append(p.paths, path)
	p.mu.Unlock()
}

func (p *pathLog) get() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.paths...)
}

func TestNormalizeBareHostYieldsBothSchemes(t *testing.T) {
	bases, streamOnly, err := Normalize(" 192.168.1.20:8080/ ")
	require.NoError(t, err)
	assert.False(t, streamOnly)
	assert.Equal(t, []string{"http://192.168.1.20:8080", "https://192.168.1.20:8080"}, bases)

	bases, streamOnly, err = Normalize("rtsp://cam.local/stream1")
	require.NoError(t, err)
	assert.True(t, streamOnly)
	assert.Equal(t, []string{"rtsp://cam.local/stream1"}, bases)

	_, _, err = Normalize("   ")
	assert.ErrorIs(t, err, ErrInvalidSource)
	for _, empty := range []string{"http://", "https:///", "rtsp://", "http:/"} {
		_, _, err = Normalize(empty)
		assert.ErrorIs(t, err, ErrInvalidSource, empty)
	}
}

func TestCandidatesOrder(t *testing.T) {
	got := Candidates([]string{"http://cam", "https://cam"})
	want := []string{
		"http://cam", "https://cam",
		"http://cam/shot.jpg", "http://cam/photo.jpg", "http://cam/snapshot.jpg", "http://cam/frame.jpg", "http://cam/live.jpg",
		"https://cam/shot.jpg", "https://cam/photo.jpg", "https://cam/snapshot.jpg", "https://cam/frame.jpg", "https://cam/live.jpg",
	}
	assert.Equal(t, want, got)

	assert.Equal(t, []string{"http://cam/still.jpeg"}, Candidates([]string{"http://cam/still.jpeg"}))
}

func TestAcquireWalksCandidatesUntilSnapshotSucceeds(t *testing.T) {
	frame := testJPEG(t, 16, 8)
	var log pathLog
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.add(r.URL.Path)
		if r.URL.Path == "/snapshot.jpg" {
			w.Header().Set("Content-Type", "image/jpeg")
			w.Write(frame)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	img, err := New().Acquire(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 16, 8), img.Bounds())
	assert.Equal(t, []string{"/", "/shot.jpg", "/photo.jpg", "/snapshot.jpg"}, log.get())
}

func TestAcquireExtractsFirstFrameFromMultipart(t *testing.T) {
	frame := testJPEG(t, 8, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		writePart(w, frame)
		writePart(w, frame)
	}))
	defer srv.Close()

	img, err := New().Acquire(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, 8, img.Bounds().Dx())
}

func TestAcquireUnsupportedContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, "<html></html>")
	}))
	defer srv.Close()

	_, err := New().Acquire(context.Background(), srv.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnreachable)
	// the decoder fallback is tried last and is not installed
	assert.ErrorIs(t, err, ErrDecoderUnavailable)

	var acqErr *AcquireError
	require.ErrorAs(t, err, &acqErr)
	assert.Equal(t, 1+len(SnapshotSuffixes)+1, acqErr.Attempts)
}

func TestAcquireUnreachableHost(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(WithTimeout(time.Second)).Acquire(context.Background(), url)
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestAcquireStreamOnlyUsesDecoder(t *testing.T) {
	frame := testJPEG(t, 4, 4)
	dec := &fakeDecoder{frame: frame}
	img, err := New(WithDecoder(dec)).Acquire(context.Background(), "rtsp://cam.local/live")
	require.NoError(t, err)
	assert.Equal(t, 4, img.Bounds().Dx())
	assert.Equal(t, []string{"rtsp://cam.local/live"}, dec.opened)
}

func TestOpenMJPEGHandleReturnsNewestFrames(t *testing.T) {
	frame := testJPEG(t, 8, 8)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		writePart(w, frame)
		w.(http.Flusher).Flush()
		select {
		case <-release:
			writePart(w, frame)
			w.(http.Flusher).Flush()
		case <-r.Context().Done():
			return
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	h, err := New(WithReadTimeout(200*time.Millisecond)).Open(context.Background(), srv.URL)
	require.NoError(t, err)

	img, err := h.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8, img.Bounds().Dx())

	_, err = h.Next(context.Background())
	assert.ErrorIs(t, err, ErrReadTimeout, "no new frame yet")

	close(release)
	img, err = h.Next(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, img)

	require.NoError(t, h.Close())
	_, err = h.Next(context.Background())
	assert.ErrorIs(t, err, ErrHandleClosed)
}

func TestOpenSnapshotPollingHandle(t *testing.T) {
	frame := testJPEG(t, 8, 8)
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(frame)
	}))
	defer srv.Close()

	h, err := New().Open(context.Background(), srv.URL)
	require.NoError(t, err)
	defer h.Close()

	for i := 0; i < 3; i++ {
		_, err := h.Next(context.Background())
		require.NoError(t, err)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, hits, "the image fetched by Open is served first, then each Next refetches")
}

func TestOpenFailsWithoutDecoderForStreamURL(t *testing.T) {
	_, err := New().Open(context.Background(), "rtsp://cam.local/live")
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.ErrorIs(t, err, ErrDecoderUnavailable)
}

func TestJPEGScannerHandlesMarkersSplitAcrossReads(t *testing.T) {
	a := testJPEG(t, 8, 8)
	b := testJPEG(t, 4, 4)
	var stream bytes.Buffer
	io.WriteString(&stream, "garbage\xFF")
	writePart(&stream, a)
	writePart(&stream, b)

	s := NewJPEGScanner(iotest.OneByteReader(&stream), 0)
	got1, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, a, got1)
	got2, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, b, got2)

	_, err = s.Next()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF, "trailing CRLF after the last frame")
}

func TestJPEGScannerFrameLimit(t *testing.T) {
	data := append([]byte{0xFF, 0xD8, 0xFF}, bytes.Repeat([]byte{0x01}, 4096)...)
	_, err := ExtractJPEG(bytes.NewReader(data), 1024)
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	_, err = ExtractJPEG(bytes.NewReader([]byte("no image here")), 1024)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, CategoryNotFound, Classify(fmt.Errorf("x: %w", ErrNotFound)))
	assert.Equal(t, CategoryCodec, Classify(ErrFrameTooLarge))
	assert.Equal(t, CategoryUnavailable, Classify(ErrDecoderUnavailable))
	assert.Equal(t, CategoryNetwork, Classify(context.DeadlineExceeded))
	assert.Equal(t, CategoryNetwork, Classify(fmt.Errorf("dial tcp: connection refused")))
	assert.Equal(t, CategoryUnknown, Classify(fmt.Errorf("weird")))
	assert.Equal(t, "not_found", CategoryNotFound.String())
}

func TestBackoffCapped(t *testing.T) {
	assert.Equal(t, reconnectDelay, backoff(1))
	assert.Equal(t, 2*reconnectDelay, backoff(2))
	assert.Equal(t, maxReconnectDelay, backoff(30))
}

type fakeDecoder struct {
	frame  []byte
	opened []string
}

func (f *fakeDecoder) Open(ctx context.Context, url string) (Handle, error) {
	f.opened = append(f.opened, url)
	return newStreamHandle(ctx, "fake", io.NopCloser(bytes.NewReader(f.frame)), func(context.Context) (io.ReadCloser, error) {
		return nil, io.EOF
	}, time.Second, 0), nil
}

func closeWithin(t *testing.T, h Handle, d time.Duration) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- h.Close() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(d):
		t.Fatalf("Close still blocked after %s", d)
	}
}

func TestCloseReleasesContinuouslyStreamingHandle(t *testing.T) {
	frame := testJPEG(t, 8, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		tick := time.NewTicker(20 * time.Millisecond)
		defer tick.Stop()
		for {
			writePart(w, frame)
			w.(http.Flusher).Flush()
			select {
			case <-tick.C:
			case <-r.Context().Done():
				return
			}
		}
	}))
	defer srv.Close()

	h, err := New().Open(context.Background(), srv.URL)
	require.NoError(t, err)
	_, err = h.Next(context.Background())
	require.NoError(t, err)

	closeWithin(t, h, 2*time.Second)
	_, err = h.Next(context.Background())
	assert.ErrorIs(t, err, ErrHandleClosed)
}

func TestCloseReleasesIdleStream(t *testing.T) {
	frame := testJPEG(t, 8, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		writePart(w, frame)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	h, err := New().Open(context.Background(), srv.URL)
	require.NoError(t, err)
	_, err = h.Next(context.Background())
	require.NoError(t, err)

	closeWithin(t, h, 2*time.Second)
}

func TestStreamOutlivesOpenContext(t *testing.T) {
	frame := testJPEG(t, 8, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		for {
			writePart(w, frame)
			w.(http.Flusher).Flush()
			select {
			case <-time.After(10 * time.Millisecond):
			case <-r.Context().Done():
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	h, err := New().Open(ctx, srv.URL)
	require.NoError(t, err)
	cancel()

	for i := 0; i < 3; i++ {
		_, err := h.Next(context.Background())
		require.NoError(t, err, "frame %d", i)
	}
	closeWithin(t, h, 2*time.Second)
}

func TestCloseInterruptsReaderThatNeverEnds(t *testing.T) {
	var mu sync.Mutex
	var writers []*io.PipeWriter
	pipe := func() io.ReadCloser {
		pr, pw := io.Pipe()
		mu.Lock()
		writers = append(writers, pw)
		mu.Unlock()
		return pr
	}
	first := pipe()
	h := newStreamHandle(context.Background(), "blocking", first, func(context.Context) (io.ReadCloser, error) {
		return pipe(), nil
	}, 50*time.Millisecond, 0)

	_, err := h.Next(context.Background())
	assert.ErrorIs(t, err, ErrReadTimeout)

	closeWithin(t, h, time.Second)
	mu.Lock()
	defer mu.Unlock()
	for _, pw := range writers {
		wrote := make(chan error, 1)
		go func() {
			_, err := pw.Write([]byte{0xFF})
			wrote <- err
		}()
		select {
		case err := <-wrote:
			assert.ErrorIs(t, err, io.ErrClosedPipe)
		case <-time.After(time.Second):
			pw.Close()
			t.Fatal("reader left open after Close")
		}
	}
}

func TestAcquireKeepsHTTPCauseWithoutDecoder(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := New().Acquire(context.Background(), srv.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, ErrDecoderUnavailable)
	assert.Contains(t, err.Error(), "not found")
}
