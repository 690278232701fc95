package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dj-oyu/detection-stream-server/internal/detector"
	"github.com/dj-oyu/detection-stream-server/internal/framesource"
	"github.com/dj-oyu/detection-stream-server/internal/metrics"
	"github.com/dj-oyu/detection-stream-server/internal/session"
	"github.com/dj-oyu/detection-stream-server/internal/store"
	"github.com/dj-oyu/detection-stream-server/internal/stream"
	"github.com/dj-oyu/detection-stream-server/pkg/types"
)

const defaultRequestTimeout = 5 * time.Second

var person = types.Detection{Label: "person", Confidence: 0.9, BBox: types.BBox{4, 4, 40, 30}}

type testEnv struct {
	t       *testing.T
	baseURL string
	camera  *httptest.Server
	store   *store.Store
	server  *Server
	client  *http.Client
}

func testJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 5), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}

// newTestEnv wires a real store, frame source and controller behind an
// in-process server. The camera serves a still JPEG on every path.
func newTestEnv(t *testing.T, withRTC bool) *testEnv {
	t.Helper()
	frame := testJPEG(t)
	camera := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(frame)
	}))
	t.Cleanup(camera.Close)

	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "api.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	controller := session.New(session.Config{InferEvery: 1, RetryDelay: time.Millisecond}, session.Deps{
		Source:   framesource.New(framesource.WithTimeout(2 * time.Second)),
		Detector: detector.Static{person},
		Sink:     st,
		Metrics:  metrics.New(),
	})

	deps := Deps{Sessions: controller, Records: st}
	if withRTC {
		deps.RTC = stream.NewRTCServer(nil, 2)
		t.Cleanup(func() { _ = deps.RTC.Close() })
	}
	srv := NewServer(Config{DefaultFPS: 30, DefaultConfidence: 0.5}, deps)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	return &testEnv{
		t:       t,
		baseURL: ts.URL,
		camera:  camera,
		store:   st,
		server:  srv,
		client:  &http.Client{Timeout: defaultRequestTimeout},
	}
}

func (e *testEnv) do(method, path string, payload any, header http.Header) (*http.Response, []byte) {
	e.t.Helper()
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			e.t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.baseURL+path, body)
	if err != nil {
		e.t.Fatalf("build request: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := e.client.Do(req)
	if err != nil {
		e.t.Fatalf("request failed: %v", err)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		e.t.Fatalf("read response: %v", err)
	}
	_ = resp.Body.Close()
	return resp, data
}

func (e *testEnv) get(path string) (*http.Response, []byte) {
	e.t.Helper()
	return e.do(http.MethodGet, path, nil, nil)
}

func (e *testEnv) postJSON(path string, payload any) (*http.Response, []byte) {
	e.t.Helper()
	return e.do(http.MethodPost, path, payload, nil)
}

// readSSEEvents collects the data payloads of the first n events.
func readSSEEvents(url string, n int, timeout time.Duration) ([]string, http.Header, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, resp.Header, fmt.Errorf("status %d: %s", resp.StatusCode, body)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), 8<<20)
	var events []string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data:") {
			events = append(events, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			if len(events) == n {
				return events, resp.Header, nil
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return events, resp.Header, fmt.Errorf("read sse: %w", err)
	}
	return events, resp.Header, fmt.Errorf("sse stream closed after %d events", len(events))
}

func decodeJSONMap(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode json: %v\nbody=%s", err, string(body))
	}
	return payload
}

func decodeJSONSlice(t *testing.T, body []byte) []any {
	t.Helper()
	var payload []any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode json: %v\nbody=%s", err, string(body))
	}
	return payload
}

func requireString(t *testing.T, value any, field string) string {
	t.Helper()
	str, ok := value.(string)
	if !ok {
		t.Fatalf("expected %s to be string, got %T", field, value)
	}
	return str
}

func requireNumber(t *testing.T, value any, field string) float64 {
	t.Helper()
	num, ok := value.(float64)
	if !ok {
		t.Fatalf("expected %s to be number, got %T", field, value)
	}
	return num
}

func requireMap(t *testing.T, value any, field string) map[string]any {
	t.Helper()
	m, ok := value.(map[string]any)
	if !ok {
		t.Fatalf("expected %s to be object, got %T", field, value)
	}
	return m
}

func requireSlice(t *testing.T, value any, field string) []any {
	t.Helper()
	s, ok := value.([]any)
	if !ok {
		t.Fatalf("expected %s to be array, got %T", field, value)
	}
	return s
}

func assertStreamMessage(t *testing.T, payload map[string]any) {
	t.Helper()
	requireString(t, payload["frame"], "frame")
	detections := requireSlice(t, payload["detections"], "detections")
	for i, raw := range detections {
		det := requireMap(t, raw, fmt.Sprintf("detections[%d]", i))
		requireString(t, det["label"], "detections.label")
		requireNumber(t, det["confidence"], "detections.confidence")
		if _, ok := det["bbox"]; ok {
			t.Fatalf("detections[%d] carries a bbox", i)
		}
	}
}

func assertInferencePayload(t *testing.T, payload map[string]any) []any {
	t.Helper()
	detections := requireSlice(t, payload["detections"], "detections")
	for i, raw := range detections {
		det := requireMap(t, raw, fmt.Sprintf("detections[%d]", i))
		requireString(t, det["label"], "detections.label")
		requireNumber(t, det["confidence"], "detections.confidence")
		bbox := requireSlice(t, det["bbox"], "detections.bbox")
		if len(bbox) != 4 {
			t.Fatalf("detections[%d].bbox has %d values", i, len(bbox))
		}
	}
	return detections
}
