package detector

import (
	"context"
	"errors"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/detection-stream-server/pkg/types"
)

func TestHTTPDetectorPostsJPEG(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		file, hdr, err := r.FormFile("image")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "image/jpeg", hdr.Header.Get("Content-Type"))
		img, err := jpeg.Decode(file)
		require.NoError(t, err)
		assert.Equal(t, 32, img.Bounds().Dx())

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"detections":[{"label":"Person","confidence":0.91,"bbox":[1,2,3,4]}]}`)
	}))
	defer srv.Close()

	d := NewHTTP(srv.URL, time.Second)
	dets, err := d.Predict(context.Background(), image.NewRGBA(image.Rect(0, 0, 32, 24)))
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, "person", dets[0].Label)
	assert.InDelta(t, 0.91, dets[0].Confidence, 1e-9)
	assert.Equal(t, types.BBox{1, 2, 3, 4}, dets[0].BBox)
}

func TestHTTPDetectorBareArray(t *testing.T) {
	dets, err := decodeDetections([]byte(` [{"label":"car","confidence":0.5,"bbox":[0,0,1,1]}]`))
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, "car", dets[0].Label)

	_, err = decodeDetections([]byte(`{"detections":`))
	assert.ErrorIs(t, err, ErrDetector)
}

func TestHTTPDetectorErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTP(srv.URL, time.Second).Predict(context.Background(), image.NewGray(image.Rect(0, 0, 4, 4)))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDetector)
	assert.Contains(t, err.Error(), "model not loaded")
}

func TestLabelFilter(t *testing.T) {
	base := Static{
		{Label: "person", Confidence: 0.9},
		{Label: "dog", Confidence: 0.8},
		{Label: "car", Confidence: 0.7},
	}
	allowed := map[string]struct{}{"person": {}, "car": {}}

	dets, err := WithLabels(base, allowed).Predict(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"person", "car"}, []string{dets[0].Label, dets[1].Label})
	assert.Len(t, dets, 2)

	all, err := WithLabels(base, nil).Predict(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestLabelFilterPassesErrors(t *testing.T) {
	boom := errors.New("boom")
	f := WithLabels(Func(func(context.Context, image.Image) ([]types.Detection, error) {
		return nil, boom
	}), map[string]struct{}{"person": {}})
	_, err := f.Predict(context.Background(), nil)
	assert.ErrorIs(t, err, boom)
}
