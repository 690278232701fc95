// Package api exposes the detection pipeline and the record store over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/cors"

	"github.com/dj-oyu/detection-stream-server/internal/logger"
	"github.com/dj-oyu/detection-stream-server/internal/session"
	"github.com/dj-oyu/detection-stream-server/internal/store"
	"github.com/dj-oyu/detection-stream-server/internal/stream"
)

// Config holds the HTTP-facing defaults.
type Config struct {
	DefaultFPS        int
	DefaultConfidence float64
	WriteTimeout      time.Duration
	CORSOrigins       []string
	MaxUploadBytes    int64
}

// DefaultConfig streams at 30 fps with a 0.8 confidence threshold.
func DefaultConfig() Config {
	return Config{
		DefaultFPS:        30,
		DefaultConfidence: 0.8,
		WriteTimeout:      stream.DefaultWriteTimeout,
		MaxUploadBytes:    16 << 20,
	}
}

// Records is the subset of the record store served by the API.
type Records interface {
	Ping(ctx context.Context) error

	CreateCamera(ctx context.Context, in store.CameraInput) (store.Camera, error)
	GetCamera(ctx context.Context, id int64) (store.Camera, error)
	ListCameras(ctx context.Context, skip, limit int) ([]store.Camera, error)
	UpdateCamera(ctx context.Context, id int64, up store.CameraUpdate) (store.Camera, error)
	DeleteCamera(ctx context.Context, id int64) error

	CreateUser(ctx context.Context, in store.UserInput) (store.User, error)
	GetUser(ctx context.Context, id int64) (store.User, error)
	ListUsers(ctx context.Context, skip, limit int) ([]store.User, error)
	DeleteUser(ctx context.Context, id int64) error

	CreateEvent(ctx context.Context, in store.EventInput) (store.Event, error)
	GetEvent(ctx context.Context, id int64) (store.Event, error)
	ListEvents(ctx context.Context, f store.EventFilter) ([]store.Event, error)
}

// SnapshotFiles resolves a stored snapshot path to a file on disk.
type SnapshotFiles interface {
	Open(rel string) (string, error)
}

// Deps are the collaborators behind the handlers. RTC and Snapshots may
// be nil, which disables their routes.
type Deps struct {
	Sessions  *session.Controller
	Records   Records
	RTC       *stream.RTCServer
	Snapshots SnapshotFiles
}

// Server serves the detection API.
type Server struct {
	cfg       Config
	sessions  *session.Controller
	records   Records
	rtc       *stream.RTCServer
	snapshots SnapshotFiles

	// background sessions (WebRTC) outlive their request
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewServer returns a configured server.
func NewServer(cfg Config, deps Deps) *Server {
	def := DefaultConfig()
	if cfg.DefaultFPS <= 0 {
		cfg.DefaultFPS = def.DefaultFPS
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = def.MaxUploadBytes
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:       cfg,
		sessions:  deps.Sessions,
		records:   deps.Records,
		rtc:       deps.RTC,
		snapshots: deps.Snapshots,
		baseCtx:   ctx,
		cancel:    cancel,
	}
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /api/v1/events/stream", s.handleEventStream)
	mux.HandleFunc("POST /api/v1/events/stream/webrtc", s.handleWebRTCStream)
	mux.HandleFunc("GET /api/v1/events/sessions", s.handleSessions)
	mux.HandleFunc("POST /api/v1/events/infer-stream", s.handleInferStream)
	mux.HandleFunc("POST /api/v1/events/infer", s.handleInfer)
	mux.HandleFunc("GET /api/v1/events", s.handleListEvents)
	mux.HandleFunc("POST /api/v1/events", s.handleCreateEvent)
	mux.HandleFunc("GET /api/v1/events/{id}", s.handleGetEvent)

	mux.HandleFunc("GET /api/v1/cameras", s.handleListCameras)
	mux.HandleFunc("POST /api/v1/cameras", s.handleCreateCamera)
	mux.HandleFunc("GET /api/v1/cameras/{id}", s.handleGetCamera)
	mux.HandleFunc("PUT /api/v1/cameras/{id}", s.handleUpdateCamera)
	mux.HandleFunc("DELETE /api/v1/cameras/{id}", s.handleDeleteCamera)

	mux.HandleFunc("GET /api/v1/users", s.handleListUsers)
	mux.HandleFunc("POST /api/v1/users", s.handleCreateUser)
	mux.HandleFunc("GET /api/v1/users/{id}", s.handleGetUser)
	mux.HandleFunc("DELETE /api/v1/users/{id}", s.handleDeleteUser)

	mux.HandleFunc("GET /api/v1/snapshots/{path...}", s.handleSnapshotFile)

	var h http.Handler = withCaller(mux)
	h = withRequestLog(h)
	if len(s.cfg.CORSOrigins) > 0 {
		h = cors.New(cors.Options{
			AllowedOrigins:   s.cfg.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: true,
		}).Handler(h)
	}
	return h
}

// Shutdown stops background sessions and waits for them to release
// their sources.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.records != nil {
		if err := s.records.Ping(r.Context()); err != nil {
			writeJSONWithStatus(w, map[string]any{"status": "degraded", "error": err.Error()}, http.StatusServiceUnavailable)
			return
		}
	}
	writeJSON(w, map[string]any{"status": "ok"})
}

func (s *Server) handleSnapshotFile(w http.ResponseWriter, r *http.Request) {
	if s.snapshots == nil {
		writeError(w, http.StatusNotFound, "snapshots are not enabled")
		return
	}
	path, err := s.snapshots.Open(r.PathValue("path"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Snapshot not found")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	http.ServeFile(w, r, path)
}

// writeSessionError maps a request-level session failure to a status.
func writeSessionError(w http.ResponseWriter, err error) {
	switch session.KindOf(err) {
	case session.KindValidation:
		writeError(w, http.StatusBadRequest, err.Error())
	case session.KindSourceUnreachable, session.KindDecode, session.KindTransientRead:
		writeError(w, http.StatusBadGateway, err.Error())
	case session.KindDetector:
		writeError(w, http.StatusBadGateway, err.Error())
	case session.KindConsumerGone:
		// nobody to answer
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeStoreError(w http.ResponseWriter, err error, notFound string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, notFound)
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		logger.Error("API", "Store error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":%q}`, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSONWithStatus(w, map[string]any{"error": msg}, status)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("invalid id %q", r.PathValue("id"))
	}
	return id, nil
}

// queryInt parses an optional integer parameter.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return v, nil
}

func queryInt64Ptr(r *http.Request, name string) (*int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q", name, raw)
	}
	return &v, nil
}

func queryFloat(r *http.Request, name string, def float64) (float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return v, nil
}
