package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines the runtime configuration for the detection stream server.
// It is read-only once the server has started.
type Config struct {
	HTTPAddr    string   `yaml:"http_addr"`
	MetricsAddr string   `yaml:"metrics_addr"`
	CORSOrigins []string `yaml:"cors_origins"`

	DatabasePath string `yaml:"database_path"`
	SnapshotDir  string `yaml:"snapshot_dir"`

	Detector DetectorConfig `yaml:"detector"`
	Stream   StreamConfig   `yaml:"stream"`
	Tracker  TrackerConfig  `yaml:"tracker"`
	MQTT     MQTTConfig     `yaml:"mqtt"`

	STUNServers []string `yaml:"stun_servers"`

	LogLevel string `yaml:"log_level"`
	LogColor bool   `yaml:"log_color"`
	LogFile  string `yaml:"log_file"`
}

// DetectorConfig points at the inference service.
type DetectorConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
	// Labels is the allow-list applied to detector output. Empty allows all.
	Labels []string `yaml:"labels"`
}

// StreamConfig governs live sessions.
type StreamConfig struct {
	DefaultFPS        int           `yaml:"default_fps"`
	DefaultConfidence float64       `yaml:"default_confidence"`
	InferEvery        int           `yaml:"infer_every"`
	MaxFailures       int           `yaml:"max_failures"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	JPEGQuality       int           `yaml:"jpeg_quality"`
	FetchTimeout      time.Duration `yaml:"fetch_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	PersistTimeout    time.Duration `yaml:"persist_timeout"`
}

// TrackerConfig holds the confirmation state machine parameters.
type TrackerConfig struct {
	ConfirmationThreshold int           `yaml:"confirmation_threshold"`
	SaveCooldown          time.Duration `yaml:"save_cooldown"`
	ExpiryWindow          time.Duration `yaml:"expiry_window"`
}

// MQTTConfig enables publishing confirmed events. Empty broker disables it.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// DefaultConfig returns the configuration used when no file or flag overrides it.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:    ":8000",
		MetricsAddr: ":9090",
		CORSOrigins: []string{
			"http://localhost:3000",
			"http://127.0.0.1:3000",
			"http://localhost:5173",
			"http://127.0.0.1:5173",
		},
		DatabasePath: "./app.db",
		SnapshotDir:  "./snapshots",
		Detector: DetectorConfig{
			URL:     "http://localhost:8081/predict",
			Timeout: 5 * time.Second,
			Labels:  []string{"person", "car", "fire", "weapon", "accident", "fight", "fighting"},
		},
		Stream: StreamConfig{
			DefaultFPS:        30,
			DefaultConfidence: 0.8,
			InferEvery:        5,
			MaxFailures:       30,
			RetryDelay:        100 * time.Millisecond,
			JPEGQuality:       80,
			FetchTimeout:      10 * time.Second,
			WriteTimeout:      2 * time.Second,
			PersistTimeout:    5 * time.Second,
		},
		Tracker: TrackerConfig{
			ConfirmationThreshold: 3,
			SaveCooldown:          5 * time.Second,
			ExpiryWindow:          30 * time.Second,
		},
		MQTT: MQTTConfig{
			ClientID:    "detection-stream-server",
			TopicPrefix: "detections",
		},
		STUNServers: []string{"stun:stun.l.google.com:19302"},
		LogLevel:    "info",
		LogColor:    true,
	}
}

// Load reads a YAML file over DefaultConfig and validates the result.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks ranges that would otherwise break sessions at runtime.
func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return fmt.Errorf("http_addr is required")
	}
	if c.Stream.DefaultFPS < 1 || c.Stream.DefaultFPS > 60 {
		return fmt.Errorf("stream.default_fps must be within [1,60], got %d", c.Stream.DefaultFPS)
	}
	if c.Stream.DefaultConfidence < 0 || c.Stream.DefaultConfidence > 1 {
		return fmt.Errorf("stream.default_confidence must be within [0,1], got %v", c.Stream.DefaultConfidence)
	}
	if c.Stream.InferEvery < 1 {
		return fmt.Errorf("stream.infer_every must be >= 1")
	}
	if c.Stream.MaxFailures < 1 {
		return fmt.Errorf("stream.max_failures must be >= 1")
	}
	if c.Stream.JPEGQuality < 1 || c.Stream.JPEGQuality > 100 {
		return fmt.Errorf("stream.jpeg_quality must be within [1,100]")
	}
	if c.Tracker.ConfirmationThreshold < 1 {
		return fmt.Errorf("tracker.confirmation_threshold must be >= 1")
	}
	if c.Tracker.SaveCooldown < 0 || c.Tracker.ExpiryWindow < 0 {
		return fmt.Errorf("tracker durations must not be negative")
	}
	return nil
}

// LabelSet returns the lower-cased detector allow-list.
func (c *Config) LabelSet() map[string]struct{} {
	set := make(map[string]struct{}, len(c.Detector.Labels))
	for _, l := range c.Detector.Labels {
		l = strings.ToLower(strings.TrimSpace(l))
		if l != "" {
			set[l] = struct{}{}
		}
	}
	return set
}
