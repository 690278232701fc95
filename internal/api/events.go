package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"strings"

	_ "golang.org/x/image/webp"

	"github.com/dj-oyu/detection-stream-server/internal/logger"
	"github.com/dj-oyu/detection-stream-server/internal/session"
	"github.com/dj-oyu/detection-stream-server/internal/store"
	"github.com/dj-oyu/detection-stream-server/internal/stream"
	"github.com/dj-oyu/detection-stream-server/pkg/types"
)

var allowedImageTypes = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
	"image/webp": {},
}

type inferenceResponse struct {
	Detections []types.Detection `json:"detections"`
}

func newInferenceResponse(dets []types.Detection) inferenceResponse {
	if dets == nil {
		dets = []types.Detection{}
	}
	return inferenceResponse{Detections: dets}
}

// resolveSource picks the frame source for a request: an explicit source
// wins, otherwise the camera's stream URL. status is non-zero on failure.
func (s *Server) resolveSource(ctx context.Context, source string, cameraID *int64) (string, int, error) {
	source = strings.TrimSpace(source)
	if cameraID != nil && s.records != nil {
		cam, err := s.records.GetCamera(ctx, *cameraID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return "", http.StatusInternalServerError, err
		}
		if source == "" {
			if err != nil || cam.StreamURL == "" {
				return "", http.StatusNotFound, errors.New("camera stream not found")
			}
			source = cam.StreamURL
		}
	}
	if source == "" {
		return "", http.StatusBadRequest, errors.New("source or camera_id is required")
	}
	return source, 0, nil
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	cameraID, err := queryInt64Ptr(r, "camera_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	fps, err := queryInt(r, "fps", s.cfg.DefaultFPS)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	confidence, err := queryFloat(r, "confidence_threshold", s.cfg.DefaultConfidence)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	source, status, err := s.resolveSource(r.Context(), r.URL.Query().Get("source"), cameraID)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}

	// Content negotiation based on Accept header
	format := stream.NegotiateFormat(r.Header.Get("Accept"))
	em, err := stream.NewSSEEmitter(w, r, format, s.cfg.WriteTimeout)
	if err != nil {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}
	defer em.Close()

	req := session.Request{
		Source:     source,
		CameraID:   cameraID,
		UserID:     callerID(r.Context()),
		FPS:        fps,
		Confidence: confidence,
	}
	if err := s.sessions.Run(r.Context(), req, em); err != nil && !em.Started() {
		writeSessionError(w, err)
	}
}

type webrtcStreamRequest struct {
	Offer      json.RawMessage `json:"offer"`
	Source     string          `json:"source"`
	CameraID   *int64          `json:"camera_id"`
	FPS        *int            `json:"fps"`
	Confidence *float64        `json:"confidence_threshold"`
}

// handleWebRTCStream answers an SDP offer and runs the session in the
// background until the data channel closes or the server shuts down.
func (s *Server) handleWebRTCStream(w http.ResponseWriter, r *http.Request) {
	if s.rtc == nil {
		writeError(w, http.StatusServiceUnavailable, "WebRTC is not enabled")
		return
	}

	var body webrtcStreamRequest
	if err := decodeJSON(w, r, &body); err != nil || len(body.Offer) == 0 {
		writeError(w, http.StatusBadRequest, "Invalid offer data")
		return
	}
	offer, err := stream.ParseOffer(body.Offer)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid offer data")
		return
	}

	source, status, err := s.resolveSource(r.Context(), body.Source, body.CameraID)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}
	req := session.Request{
		Source:     source,
		CameraID:   body.CameraID,
		UserID:     callerID(r.Context()),
		FPS:        s.cfg.DefaultFPS,
		Confidence: s.cfg.DefaultConfidence,
	}
	if body.FPS != nil {
		req.FPS = *body.FPS
	}
	if body.Confidence != nil {
		req.Confidence = *body.Confidence
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	answer, em, err := s.rtc.HandleOffer(offer, stream.NegotiateFormat(r.Header.Get("Accept")))
	if err != nil {
		logger.Error("API", "WebRTC offer failed: %v", err)
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer em.Close()

		ctx, cancel := context.WithCancel(s.baseCtx)
		defer cancel()
		go func() {
			select {
			case <-em.Done():
				cancel()
			case <-ctx.Done():
			}
		}()

		if err := s.sessions.Run(ctx, req, em); err != nil && session.KindOf(err) != session.KindConsumerGone {
			logger.Warn("API", "WebRTC session %s ended: %v", em.ID(), err)
		}
	}()

	w.Header().Set("X-Session-ID", em.ID())
	writeJSON(w, answer)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.sessions.Sessions())
}

type inferStreamRequest struct {
	CameraID   *int64   `json:"camera_id"`
	StreamURL  string   `json:"stream_url"`
	Confidence *float64 `json:"confidence_threshold"`
}

func (s *Server) handleInferStream(w http.ResponseWriter, r *http.Request) {
	var body inferStreamRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var source string
	if body.CameraID != nil {
		// a known camera overrides any URL in the body
		resolved, status, err := s.resolveSource(r.Context(), "", body.CameraID)
		if err != nil {
			writeError(w, status, err.Error())
			return
		}
		source = resolved
	} else if source = strings.TrimSpace(body.StreamURL); source == "" {
		writeError(w, http.StatusBadRequest, "stream_url or camera_id is required")
		return
	}

	opts := session.OneShot{CameraID: body.CameraID, UserID: callerID(r.Context())}
	if body.Confidence != nil {
		opts.Confidence = *body.Confidence
	}
	dets, err := s.sessions.Snapshot(r.Context(), source, opts)
	if err != nil {
		switch session.KindOf(err) {
		case session.KindSourceUnreachable, session.KindDecode:
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Failed to fetch snapshot: %v", err))
		default:
			writeSessionError(w, err)
		}
		return
	}
	writeJSON(w, newInferenceResponse(dets))
}

func (s *Server) handleInfer(w http.ResponseWriter, r *http.Request) {
	cameraID, err := queryInt64Ptr(r, "camera_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	confidence, err := queryFloat(r, "confidence_threshold", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "image file is required")
		return
	}
	defer file.Close()

	contentType := strings.ToLower(strings.TrimSpace(strings.Split(header.Header.Get("Content-Type"), ";")[0]))
	if _, ok := allowedImageTypes[contentType]; !ok {
		writeError(w, http.StatusBadRequest, "Unsupported image type")
		return
	}
	img, _, err := image.Decode(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid image data")
		return
	}

	dets, err := s.sessions.Infer(r.Context(), img, session.OneShot{
		CameraID:   cameraID,
		UserID:     callerID(r.Context()),
		Confidence: confidence,
	})
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, newInferenceResponse(dets))
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	skip, err := queryInt(r, "skip", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := queryInt(r, "limit", store.DefaultLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cameraID, err := queryInt64Ptr(r, "camera_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := s.records.ListEvents(r.Context(), store.EventFilter{CameraID: cameraID, Skip: skip, Limit: limit})
	if err != nil {
		writeStoreError(w, err, "")
		return
	}
	writeJSON(w, events)
}

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var in store.EventInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	in.Label = strings.TrimSpace(in.Label)
	if in.Label == "" {
		writeError(w, http.StatusBadRequest, "label is required")
		return
	}
	if in.Confidence < 0 || in.Confidence > 1 {
		writeError(w, http.StatusBadRequest, "confidence must be within [0,1]")
		return
	}
	if in.UserID == nil {
		in.UserID = callerID(r.Context())
	}

	ev, err := s.records.CreateEvent(r.Context(), in)
	if err != nil {
		writeStoreError(w, err, "")
		return
	}
	writeJSONWithStatus(w, ev, http.StatusCreated)
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ev, err := s.records.GetEvent(r.Context(), id)
	if err != nil {
		writeStoreError(w, err, "Event not found")
		return
	}
	writeJSON(w, ev)
}
