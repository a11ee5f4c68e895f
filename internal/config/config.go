// Package config loads service settings from YAML, environment and flags.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"mobwatch/internal/pipeline"
)

// Config is the complete service configuration
type Config struct {
	HTTP     HTTPConfig             `yaml:"http"`
	Storage  StorageConfig          `yaml:"storage"`
	Models   map[string]ModelConfig `yaml:"models"` // keyed by category
	Stream   StreamConfig           `yaml:"stream"`
	MQTT     MQTTConfig             `yaml:"mqtt"`
	Telegram TelegramConfig         `yaml:"telegram"`
	Log      LogConfig              `yaml:"log"`
}

// HTTPConfig contains listener settings
type HTTPConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Debug           bool          `yaml:"debug"` // log request and response bodies
	MaxUploadMB     int64         `yaml:"max_upload_mb"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig contains file and job store settings
type StorageConfig struct {
	UploadDir     string        `yaml:"upload_dir"`
	ResultsDir    string        `yaml:"results_dir"`
	Backend       string        `yaml:"backend"` // memory, sqlite
	DatabasePath  string        `yaml:"database_path"`
	JobTTL        time.Duration `yaml:"job_ttl"` // 0 keeps finished jobs forever
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// ModelConfig defines the detector of one category. An entry in the YAML
// file replaces the default entry of that category.
type ModelConfig struct {
	Family        string   `yaml:"family"`  // hub, scoped
	Backend       string   `yaml:"backend"` // onnx, http, grpc
	Path          string   `yaml:"path"`    // onnx model file
	Layout        string   `yaml:"layout"`  // v5, v8 output tensor layout
	Classes       []string `yaml:"classes"` // class names indexed by class id
	InputSize     int      `yaml:"input_size"`
	CUDA          bool     `yaml:"cuda"`
	Endpoint      string   `yaml:"endpoint"` // http or grpc inference server
	RemoteModel   string   `yaml:"remote_model"`
	MinConfidence float64  `yaml:"min_confidence"`
}

// StreamConfig contains streaming settings
type StreamConfig struct {
	JPEGQuality int `yaml:"jpeg_quality"`
}

// MQTTConfig contains broker settings. An empty broker disables notifications.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // host:port
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// TelegramConfig contains alert bot settings. Alerts are sent when both the
// token and the chat id are set.
type TelegramConfig struct {
	BotToken string        `yaml:"bot_token"`
	ChatID   string        `yaml:"chat_id"`
	MinAlert string        `yaml:"min_alert"` // warning, danger
	Cooldown time.Duration `yaml:"cooldown"`
}

// Enabled reports whether Telegram alerts are configured
func (t TelegramConfig) Enabled() bool {
	return t.BotToken != "" && t.ChatID != ""
}

// LogConfig contains logger settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"` // console output instead of JSON
}

// Storage backends
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// Model backends
const (
	ModelONNX = "onnx"
	ModelHTTP = "http"
	ModelGRPC = "grpc"
)

// Default returns the built-in configuration
func Default() *Config {
	hub := func(name string) ModelConfig {
		return ModelConfig{
			Family:    "hub",
			Backend:   ModelONNX,
			Path:      filepath.Join("models", name+".onnx"),
			Layout:    "v5",
			Classes:   []string{name},
			InputSize: 640,
		}
	}
	scoped := func(name string) ModelConfig {
		return ModelConfig{
			Family:        "scoped",
			Backend:       ModelONNX,
			Path:          filepath.Join("models", name+".onnx"),
			Layout:        "v8",
			Classes:       []string{name},
			InputSize:     640,
			MinConfidence: 0.4,
		}
	}

	return &Config{
		HTTP: HTTPConfig{
			Host:            "0.0.0.0",
			Port:            5000,
			MaxUploadMB:     512,
			ShutdownTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			UploadDir:     filepath.Join("static", "uploads"),
			ResultsDir:    filepath.Join("static", "results"),
			Backend:       BackendMemory,
			DatabasePath:  "mobwatch.db",
			JobTTL:        24 * time.Hour,
			SweepInterval: 10 * time.Minute,
		},
		Models: map[string]ModelConfig{
			string(pipeline.CategoryFire):    hub("fire"),
			string(pipeline.CategoryPlacard): hub("placard"),
			string(pipeline.CategoryWeapon):  hub("weapon"),
			string(pipeline.CategoryStick):   scoped("stick"),
			string(pipeline.CategoryPerson):  scoped("person"),
		},
		Stream: StreamConfig{JPEGQuality: 85},
		MQTT: MQTTConfig{
			ClientID:    "mobwatch",
			TopicPrefix: "mobwatch",
		},
		Telegram: TelegramConfig{
			MinAlert: string(pipeline.AlertDanger),
			Cooldown: 30 * time.Second,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads the YAML file at path on top of the defaults, then applies
// MOBWATCH_* environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnv overrides settings from environment variables
func (c *Config) ApplyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	var errs []error
	integer := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v := getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("MOBWATCH_HOST", &c.HTTP.Host)
	integer("MOBWATCH_HTTP_PORT", &c.HTTP.Port)
	boolean("MOBWATCH_DEBUG", &c.HTTP.Debug)
	str("MOBWATCH_UPLOAD_DIR", &c.Storage.UploadDir)
	str("MOBWATCH_RESULTS_DIR", &c.Storage.ResultsDir)
	str("MOBWATCH_STORAGE_BACKEND", &c.Storage.Backend)
	str("MOBWATCH_DATABASE_PATH", &c.Storage.DatabasePath)
	duration("MOBWATCH_JOB_TTL", &c.Storage.JobTTL)
	integer("MOBWATCH_JPEG_QUALITY", &c.Stream.JPEGQuality)
	str("MOBWATCH_MQTT_BROKER", &c.MQTT.Broker)
	str("MOBWATCH_MQTT_USERNAME", &c.MQTT.Username)
	str("MOBWATCH_MQTT_PASSWORD", &c.MQTT.Password)
	str("MOBWATCH_MQTT_TOPIC_PREFIX", &c.MQTT.TopicPrefix)
	str("MOBWATCH_TELEGRAM_BOT_TOKEN", &c.Telegram.BotToken)
	str("MOBWATCH_TELEGRAM_CHAT_ID", &c.Telegram.ChatID)
	str("MOBWATCH_LOG_LEVEL", &c.Log.Level)
	boolean("MOBWATCH_LOG_PRETTY", &c.Log.Pretty)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %w", errors.Join(errs...))
	}
	return nil
}

// Addr returns the HTTP listen address
func (c *Config) Addr() string {
	return net.JoinHostPort(c.HTTP.Host, strconv.Itoa(c.HTTP.Port))
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port out of range: %d", c.HTTP.Port)
	}
	if c.Storage.UploadDir == "" || c.Storage.ResultsDir == "" {
		return errors.New("storage.upload_dir and storage.results_dir are required")
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Storage.DatabasePath == "" {
			return errors.New("storage.database_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q (valid: memory|sqlite)", c.Storage.Backend)
	}
	if c.Storage.JobTTL < 0 {
		return errors.New("storage.job_ttl must not be negative")
	}
	if q := c.Stream.JPEGQuality; q < 1 || q > 100 {
		return fmt.Errorf("stream.jpeg_quality must be within 1-100, got %d", q)
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	switch pipeline.Alert(c.Telegram.MinAlert) {
	case "", pipeline.AlertWarning, pipeline.AlertDanger:
	default:
		return fmt.Errorf("telegram.min_alert must be warning or danger, got %q", c.Telegram.MinAlert)
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log.level: %w", err)
	}

	for name := range c.Models {
		if !pipeline.Category(name).IsValid() {
			return fmt.Errorf("models: unknown category %q", name)
		}
	}
	for _, category := range pipeline.Categories {
		m, ok := c.Models[string(category)]
		if !ok {
			return fmt.Errorf("models: no detector configured for %q", category)
		}
		if err := m.validate(); err != nil {
			return fmt.Errorf("models.%s: %w", category, err)
		}
	}
	return nil
}

func (m ModelConfig) validate() error {
	if m.Family != "hub" && m.Family != "scoped" {
		return fmt.Errorf("unknown family %q (valid: hub|scoped)", m.Family)
	}
	if m.MinConfidence < 0 || m.MinConfidence > 1 {
		return fmt.Errorf("min_confidence must be within [0,1], got %v", m.MinConfidence)
	}
	switch m.Backend {
	case ModelONNX:
		if m.Path == "" {
			return errors.New("path is required for the onnx backend")
		}
		if m.Layout != "v5" && m.Layout != "v8" {
			return fmt.Errorf("unknown layout %q (valid: v5|v8)", m.Layout)
		}
		if len(m.Classes) == 0 {
			return errors.New("classes are required for the onnx backend")
		}
	case ModelHTTP, ModelGRPC:
		if m.Endpoint == "" {
			return fmt.Errorf("endpoint is required for the %s backend", m.Backend)
		}
	default:
		return fmt.Errorf("unknown backend %q (valid: onnx|http|grpc)", m.Backend)
	}
	return nil
}
