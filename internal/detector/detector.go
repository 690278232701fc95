// Package detector talks to the object-detection model.
//
// The model runs out of process. HTTPDetector posts each frame as a JPEG
// and reads back labelled boxes; LabelFilter restricts results to the
// configured allow-list.
package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/dj-oyu/detection-stream-server/pkg/types"
)

// ErrDetector wraps every failure reported by a remote model.
var ErrDetector = errors.New("detector failure")

// Detector returns detections for one frame. Implementations must be safe
// for concurrent use; sessions share one Detector.
type Detector interface {
	Predict(ctx context.Context, img image.Image) ([]types.Detection, error)
}

// Func adapts a function to Detector.
type Func func(ctx context.Context, img image.Image) ([]types.Detection, error)

func (f Func) Predict(ctx context.Context, img image.Image) ([]types.Detection, error) {
	return f(ctx, img)
}

// HTTPDetector posts frames to a model server.
type HTTPDetector struct {
	url     string
	client  *http.Client
	quality int
}

// NewHTTP creates a detector for endpoint. timeout bounds each request.
func NewHTTP(endpoint string, timeout time.Duration) *HTTPDetector {
	return &HTTPDetector{
		url:     endpoint,
		client:  &http.Client{Timeout: timeout},
		quality: 90,
	}
}

type predictResponse struct {
	Detections []types.Detection `json:"detections"`
}

// Predict implements Detector.
func (d *HTTPDetector) Predict(ctx context.Context, img image.Image) ([]types.Detection, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", `form-data; name="image"; filename="frame.jpg"`)
	hdr.Set("Content-Type", "image/jpeg")
	part, err := mw.CreatePart(hdr)
	if err != nil {
		return nil, fmt.Errorf("failed to create form part: %w", err)
	}
	if err := jpeg.Encode(part, img, &jpeg.Options{Quality: d.quality}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, &body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDetector, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDetector, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", ErrDetector, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", ErrDetector, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return decodeDetections(raw)
}

// decodeDetections accepts either {"detections":[...]} or a bare array.
func decodeDetections(raw []byte) ([]types.Detection, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var dets []types.Detection
		if err := json.Unmarshal(trimmed, &dets); err != nil {
			return nil, fmt.Errorf("%w: malformed response: %w", ErrDetector, err)
		}
		return normalize(dets), nil
	}
	var resp predictResponse
	if err := json.Unmarshal(trimmed, &resp); err != nil {
		return nil, fmt.Errorf("%w: malformed response: %w", ErrDetector, err)
	}
	return normalize(resp.Detections), nil
}

func normalize(dets []types.Detection) []types.Detection {
	return lo.Map(dets, func(d types.Detection, _ int) types.Detection {
		d.Label = strings.ToLower(strings.TrimSpace(d.Label))
		return d
	})
}

// LabelFilter drops detections whose label is not in the allow-list.
// An empty allow-list passes everything.
type LabelFilter struct {
	next    Detector
	allowed map[string]struct{}
}

// WithLabels wraps next with an allow-list.
func WithLabels(next Detector, allowed map[string]struct{}) *LabelFilter {
	return &LabelFilter{next: next, allowed: allowed}
}

func (f *LabelFilter) Predict(ctx context.Context, img image.Image) ([]types.Detection, error) {
	dets, err := f.next.Predict(ctx, img)
	if err != nil || len(f.allowed) == 0 {
		return dets, err
	}
	return lo.Filter(dets, func(d types.Detection, _ int) bool {
		_, ok := f.allowed[strings.ToLower(d.Label)]
		return ok
	}), nil
}

// Static always returns the same detections. Useful for demos and tests.
type Static []types.Detection

func (s Static) Predict(ctx context.Context, _ image.Image) ([]types.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]types.Detection, len(s))
	copy(out, s)
	return out, nil
}
