package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/dj-oyu/detection-stream-server/internal/api"
	"github.com/dj-oyu/detection-stream-server/internal/config"
	"github.com/dj-oyu/detection-stream-server/internal/detector"
	"github.com/dj-oyu/detection-stream-server/internal/framesource"
	"github.com/dj-oyu/detection-stream-server/internal/logger"
	"github.com/dj-oyu/detection-stream-server/internal/metrics"
	"github.com/dj-oyu/detection-stream-server/internal/notify"
	"github.com/dj-oyu/detection-stream-server/internal/session"
	"github.com/dj-oyu/detection-stream-server/internal/snapshot"
	"github.com/dj-oyu/detection-stream-server/internal/store"
	"github.com/dj-oyu/detection-stream-server/internal/stream"
	"github.com/dj-oyu/detection-stream-server/internal/tracker"
)

var (
	// Command-line flags; set flags override the config file.
	configPath  = pflag.StringP("config", "c", "", "YAML config file")
	httpAddr    = pflag.String("http", ":8000", "HTTP server address")
	metricsAddr = pflag.String("metrics", ":9090", "Metrics and pprof server address")
	dbPath      = pflag.String("db", "./app.db", "SQLite database path")
	snapshotDir = pflag.String("snapshots", "./snapshots", "Annotated snapshot directory")
	detectorURL = pflag.String("detector-url", "http://localhost:8081/predict", "Detector predict endpoint")
	labels      = pflag.StringSlice("labels", nil, "Detector label allow-list (comma-separated)")
	mqttBroker  = pflag.String("mqtt-broker", "", "MQTT broker URL for confirmed events (empty disables)")
	stunServers = pflag.StringSlice("stun", []string{"stun:stun.l.google.com:19302"}, "STUN server URLs")
	maxClients  = pflag.Int("max-clients", 10, "Maximum WebRTC clients")
	noFFmpeg    = pflag.Bool("no-ffmpeg", false, "Disable the ffmpeg decode fallback")
	logLevel    = pflag.String("log-level", "info", "Log level (debug, info, warn, error, silent)")
	logColor    = pflag.Bool("log-color", true, "Enable colored log output")
	logFile     = pflag.String("log-file", "", "Also write logs to this rotated file")
)

func main() {
	pflag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	var out io.Writer = os.Stderr
	if cfg.LogFile != "" {
		out = io.MultiWriter(os.Stderr, logger.RotatingFile(cfg.LogFile))
	}
	logger.Init(level, out, cfg.LogColor)
	defer logger.Sync()

	logger.Info("Main", "Detection stream server starting...")
	logger.Info("Main", "Log level: %s", level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error("Main", "Server error: %v", err)
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("Main", "Server stopped")
}

// loadConfig reads the config file, then applies explicitly set flags.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return cfg, err
	}
	set := pflag.CommandLine.Changed
	if set("http") {
		cfg.HTTPAddr = *httpAddr
	}
	if set("metrics") {
		cfg.MetricsAddr = *metricsAddr
	}
	if set("db") {
		cfg.DatabasePath = *dbPath
	}
	if set("snapshots") {
		cfg.SnapshotDir = *snapshotDir
	}
	if set("detector-url") {
		cfg.Detector.URL = *detectorURL
	}
	if set("labels") {
		cfg.Detector.Labels = *labels
	}
	if set("mqtt-broker") {
		cfg.MQTT.Broker = *mqttBroker
	}
	if set("stun") {
		cfg.STUNServers = *stunServers
	}
	if set("log-level") {
		cfg.LogLevel = *logLevel
	}
	if set("log-color") {
		cfg.LogColor = *logColor
	}
	if set("log-file") {
		cfg.LogFile = *logFile
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, cfg config.Config) error {
	m := metrics.New()

	if dir := filepath.Dir(cfg.DatabasePath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	st, err := store.Open(store.Config{Path: cfg.DatabasePath})
	if err != nil {
		return fmt.Errorf("failed to open record store: %w", err)
	}
	defer st.Close()

	snaps, err := snapshot.NewWriter(cfg.SnapshotDir)
	if err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	sinks := session.FanoutSink{st}
	var publisher *notify.Publisher
	if cfg.MQTT.Broker != "" {
		publisher = notify.NewPublisher(notify.Config{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
		})
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := publisher.Connect(connectCtx)
		cancel()
		if err != nil {
			// paho keeps retrying in the background
			logger.Warn("Main", "MQTT broker %s not reachable yet: %v", cfg.MQTT.Broker, err)
		}
		defer publisher.Disconnect()
		sinks = append(sinks, publisher)
	}

	sourceOpts := []framesource.Option{framesource.WithTimeout(cfg.Stream.FetchTimeout)}
	if !*noFFmpeg {
		dec, err := framesource.NewFFmpegDecoder(0)
		if err != nil {
			logger.Warn("Main", "Continuous decode fallback disabled: %v", err)
		} else {
			sourceOpts = append(sourceOpts, framesource.WithDecoder(dec))
		}
	}
	source := framesource.New(sourceOpts...)

	det := detector.WithLabels(detector.NewHTTP(cfg.Detector.URL, cfg.Detector.Timeout), cfg.LabelSet())

	controller := session.New(session.Config{
		InferEvery:     cfg.Stream.InferEvery,
		MaxFailures:    cfg.Stream.MaxFailures,
		RetryDelay:     cfg.Stream.RetryDelay,
		JPEGQuality:    cfg.Stream.JPEGQuality,
		PersistTimeout: cfg.Stream.PersistTimeout,
		Tracker: tracker.Config{
			ConfirmationThreshold: cfg.Tracker.ConfirmationThreshold,
			SaveCooldown:          cfg.Tracker.SaveCooldown,
			ExpiryWindow:          cfg.Tracker.ExpiryWindow,
		},
	}, session.Deps{
		Source:    source,
		Detector:  det,
		Sink:      sinks,
		Snapshots: snaps,
		Metrics:   m,
	})

	rtc := stream.NewRTCServer(cfg.STUNServers, *maxClients)
	defer rtc.Close()

	registerRuntimeGauges(m, rtc, snaps, publisher)

	apiServer := api.NewServer(api.Config{
		DefaultFPS:        cfg.Stream.DefaultFPS,
		DefaultConfidence: cfg.Stream.DefaultConfidence,
		WriteTimeout:      cfg.Stream.WriteTimeout,
		CORSOrigins:       cfg.CORSOrigins,
	}, api.Deps{
		Sessions:  controller,
		Records:   st,
		RTC:       rtc,
		Snapshots: snaps,
	})

	httpServer, cancelRequests := newStreamingServer(cfg.HTTPAddr, apiServer.Handler())
	defer cancelRequests()
	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           debugMux(m),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Main", "  HTTP server: %s", cfg.HTTPAddr)
	logger.Info("Main", "  Metrics server: %s", cfg.MetricsAddr)
	logger.Info("Main", "  Database: %s", cfg.DatabasePath)
	logger.Info("Main", "  Snapshots: %s", cfg.SnapshotDir)
	logger.Info("Main", "  Detector: %s (labels: %v)", cfg.Detector.URL, cfg.Detector.Labels)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Main", "Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return shutdown(shutdownCtx, cancelRequests, apiServer, httpServer, metricsServer)
	})

	logger.Info("Main", "Server started successfully")
	return g.Wait()
}

// newStreamingServer returns a server whose request contexts all derive from
// one context. Streaming requests run until their context ends, so the
// returned cancel must fire before Shutdown waits on them.
func newStreamingServer(addr string, h http.Handler) (*http.Server, context.CancelFunc) {
	reqCtx, cancel := context.WithCancel(context.Background())
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return reqCtx },
	}, cancel
}

type stopper interface {
	Shutdown(ctx context.Context) error
}

// shutdown ends live sessions first, then the owners of background
// sessions, then the listeners.
func shutdown(ctx context.Context, cancelRequests context.CancelFunc, sessions stopper, servers ...*http.Server) error {
	cancelRequests()
	errs := []error{sessions.Shutdown(ctx)}
	for _, srv := range servers {
		errs = append(errs, srv.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// debugMux serves Prometheus metrics and pprof on the side listener.
func debugMux(m *metrics.Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

func registerRuntimeGauges(m *metrics.Metrics, rtc *stream.RTCServer, snaps *snapshot.Writer, pub *notify.Publisher) {
	reg := m.Registry()
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "detection_webrtc_clients",
		Help: "Connected WebRTC data-channel clients",
	}, func() float64 { return float64(rtc.ClientCount()) }))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "detection_snapshot_bytes_total",
		Help: "Bytes of annotated snapshots written",
	}, func() float64 {
		_, n := snaps.Stats()
		return float64(n)
	}))
	if pub == nil {
		return
	}
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "detection_mqtt_connected",
		Help: "1 when the MQTT notifier is connected",
	}, func() float64 {
		if connected, _, _ := pub.Stats(); connected {
			return 1
		}
		return 0
	}))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "detection_mqtt_publish_errors_total",
		Help: "Failed MQTT publishes",
	}, func() float64 {
		_, _, errs := pub.Stats()
		return float64(errs)
	}))
}
