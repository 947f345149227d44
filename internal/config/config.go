// Package config loads and persists application settings.
//
// Settings come from a YAML file, then EZSEG_* environment variables
// override individual fields. The result is checked with struct tags.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	Audio        AudioConfig        `yaml:"audio" json:"audio"`
	Segmentation SegmentationConfig `yaml:"segmentation" json:"segmentation"`
	Hotkey       HotkeyConfig       `yaml:"hotkey" json:"hotkey"`
	Queues       PipelineConfig     `yaml:"pipeline" json:"pipeline"`
	Sink         SinkConfig         `yaml:"sink" json:"sink"`
	Server       ServerConfig       `yaml:"server" json:"server"`
	Log          LogConfig          `yaml:"log" json:"log"`

	mu sync.RWMutex
}

// AudioConfig selects the input device and packet size
type AudioConfig struct {
	DeviceID         int     `yaml:"device_id" json:"device_id" env:"EZSEG_AUDIO_DEVICE_ID, overwrite" validate:"gte=-1"` // -1 = system default
	SecondsPerPacket float64 `yaml:"seconds_per_packet" json:"seconds_per_packet" env:"EZSEG_AUDIO_SECONDS_PER_PACKET, overwrite" validate:"gt=0,lte=10"`
	Latency          string  `yaml:"latency" json:"latency" env:"EZSEG_AUDIO_LATENCY, overwrite" validate:"oneof=low high"`
	FramesPerBuffer  int     `yaml:"frames_per_buffer" json:"frames_per_buffer" env:"EZSEG_AUDIO_FRAMES_PER_BUFFER, overwrite" validate:"min=64,max=16384"`
}

// SegmentationConfig tunes utterance boundary detection
type SegmentationConfig struct {
	Estimator      string  `yaml:"estimator" json:"estimator" env:"EZSEG_SEGMENT_ESTIMATOR, overwrite" validate:"oneof=rms entropy"`
	QuietWindowMax int     `yaml:"quiet_window_max" json:"quiet_window_max" env:"EZSEG_SEGMENT_QUIET_WINDOW, overwrite" validate:"min=1,max=100"`
	QuietThreshold float64 `yaml:"quiet_threshold" json:"quiet_threshold" env:"EZSEG_SEGMENT_QUIET_THRESHOLD, overwrite" validate:"gt=0,lte=1"`
	MinSeconds     float64 `yaml:"min_seconds" json:"min_seconds" env:"EZSEG_SEGMENT_MIN_SECONDS, overwrite" validate:"gte=0"`
	FlushSeconds   float64 `yaml:"flush_seconds" json:"flush_seconds" env:"EZSEG_SEGMENT_FLUSH_SECONDS, overwrite" validate:"gt=0,gtefield=MinSeconds"`
	MaxHistory     int     `yaml:"max_history" json:"max_history" env:"EZSEG_SEGMENT_MAX_HISTORY, overwrite" validate:"gte=0"` // 0 = unbounded
}

// HotkeyConfig holds hotkey configuration
type HotkeyConfig struct {
	Ctrl  bool   `yaml:"ctrl" json:"ctrl"`
	Shift bool   `yaml:"shift" json:"shift"`
	Alt   bool   `yaml:"alt" json:"alt"`
	Cmd   bool   `yaml:"cmd" json:"cmd"`
	Key   string `yaml:"key" json:"key" env:"EZSEG_HOTKEY_KEY, overwrite" validate:"required"` // e.g., "Space"
	Mode  string `yaml:"mode" json:"mode" env:"EZSEG_HOTKEY_MODE, overwrite" validate:"oneof=press-to-hold toggle"`
	// MaxRecordSeconds stops a session automatically, 0 disables the limit
	MaxRecordSeconds int `yaml:"max_record_seconds" json:"max_record_seconds" env:"EZSEG_HOTKEY_MAX_RECORD_SECONDS, overwrite" validate:"min=0,max=86400"`
}

// PipelineConfig sizes the queues between workers
type PipelineConfig struct {
	PacketQueue  int `yaml:"packet_queue" json:"packet_queue" env:"EZSEG_PIPELINE_PACKET_QUEUE, overwrite" validate:"min=1,max=65536"`
	SegmentQueue int `yaml:"segment_queue" json:"segment_queue" env:"EZSEG_PIPELINE_SEGMENT_QUEUE, overwrite" validate:"min=1,max=4096"`
}

// SinkConfig selects where finished segments go
type SinkConfig struct {
	// UploadURL receives each clip as a multipart POST; empty disables upload
	UploadURL     string        `yaml:"upload_url" json:"upload_url" env:"EZSEG_SINK_UPLOAD_URL, overwrite" validate:"omitempty,url"`
	UploadTimeout time.Duration `yaml:"upload_timeout" json:"upload_timeout" env:"EZSEG_SINK_UPLOAD_TIMEOUT, overwrite" validate:"gte=0"`
	FieldName     string        `yaml:"field_name" json:"field_name" env:"EZSEG_SINK_FIELD_NAME, overwrite"`
	MaxRetries    int           `yaml:"max_retries" json:"max_retries" env:"EZSEG_SINK_MAX_RETRIES, overwrite" validate:"min=0,max=10"`
	// APIKey is sent as a bearer token; never written back to JSON
	APIKey      string `yaml:"api_key,omitempty" json:"-" env:"EZSEG_SINK_API_KEY, overwrite"`
	LogSegments bool   `yaml:"log_segments" json:"log_segments" env:"EZSEG_SINK_LOG_SEGMENTS, overwrite"`
}

// ServerConfig controls the local status server
type ServerConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled" env:"EZSEG_SERVER_ENABLED, overwrite"`
	Port    int  `yaml:"port" json:"port" env:"EZSEG_SERVER_PORT, overwrite" validate:"min=0,max=65535"` // 0 = random
}

// LogConfig controls the file logger
type LogConfig struct {
	Level         string `yaml:"level" json:"level" env:"EZSEG_LOG_LEVEL, overwrite" validate:"oneof=debug info warn error"`
	Dir           string `yaml:"dir" json:"dir" env:"EZSEG_LOG_DIR, overwrite"` // empty = console only
	RetentionDays int    `yaml:"retention_days" json:"retention_days" env:"EZSEG_LOG_RETENTION_DAYS, overwrite" validate:"min=1,max=365"`
	Console       bool   `yaml:"console" json:"console" env:"EZSEG_LOG_CONSOLE, overwrite"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Audio: AudioConfig{
			DeviceID:         -1,
			SecondsPerPacket: 1.0,
			Latency:          "high",
			FramesPerBuffer:  1024,
		},
		Segmentation: SegmentationConfig{
			Estimator:      "rms",
			QuietWindowMax: 3,
			QuietThreshold: 0.25,
			MinSeconds:     1.0,
			FlushSeconds:   60.0,
		},
		Hotkey: HotkeyConfig{
			Ctrl:             true,
			Alt:              true,
			Key:              "Space",
			Mode:             "press-to-hold",
			MaxRecordSeconds: 300,
		},
		Queues: PipelineConfig{
			PacketQueue:  256,
			SegmentQueue: 32,
		},
		Sink: SinkConfig{
			UploadTimeout: 30 * time.Second,
			FieldName:     "file",
			MaxRetries:    3,
			LogSegments:   true,
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    18765,
		},
		Log: LogConfig{
			Level:         "info",
			Dir:           "~/Library/Application Support/EzS2T-Segmenter/logs",
			RetentionDays: 7,
		},
	}
}

// Load loads configuration from path, then applies environment overrides.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	return load(path, envconfig.OsLookuper())
}

func load(path string, env envconfig.Lookuper) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		// Decode over the defaults so omitted keys keep their values
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(config); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := envconfig.ProcessWith(context.Background(), &envconfig.Config{
		Target:   config,
		Lookuper: env,
	}); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Save saves configuration to the specified path
func (c *Config) Save(path string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// The file may hold an API key
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "EzS2T-Segmenter", "config.yaml")
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate validates all configuration fields
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("invalid config: %w", err)
		}
		errs := make([]error, 0, len(verrs))
		for _, fe := range verrs {
			errs = append(errs, fmt.Errorf("invalid %s: %v (rule %s%s)",
				fieldPath(fe.Namespace()), fe.Value(), fe.Tag(), paramSuffix(fe.Param())))
		}
		return errors.Join(errs...)
	}

	if !c.Hotkey.Ctrl && !c.Hotkey.Shift && !c.Hotkey.Alt && !c.Hotkey.Cmd {
		return errors.New("invalid hotkey: at least one modifier key (ctrl/shift/alt/cmd) is required")
	}
	return nil
}

// fieldPath turns "Config.Segmentation.QuietThreshold" into
// "segmentation.QuietThreshold"
// fieldPath names a failing field by its yaml section, e.g. pipeline.PacketQueue
func fieldPath(ns string) string {
	ns = strings.TrimPrefix(ns, "Config.")
	section, rest, ok := strings.Cut(ns, ".")
	if !ok {
		return ns
	}
	if f, found := reflect.TypeFor[Config]().FieldByName(section); found {
		if name, _, _ := strings.Cut(f.Tag.Get("yaml"), ","); name != "" {
			return name + "." + rest
		}
	}
	return strings.ToLower(section) + "." + rest
}

func paramSuffix(p string) string {
	if p == "" {
		return ""
	}
	return "=" + p
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return &Config{
		Audio:        c.Audio,
		Segmentation: c.Segmentation,
		Hotkey:       c.Hotkey,
		Queues:       c.Queues,
		Sink:         c.Sink,
		Server:       c.Server,
		Log:          c.Log,
	}
}

// ExpandPath expands ~ to home directory in file paths
func ExpandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		return filepath.Join(homeDir, path[2:]), nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}
	return absPath, nil
}

// Update applies a partial update, as decoded from a JSON body. The
// result is validated before anything is changed.
func (c *Config) Update(updates map[string]interface{}) error {
	next := c.Clone()

	for key, value := range updates {
		var ok bool
		switch key {
		case "audio_device_id":
			var v float64
			if v, ok = value.(float64); ok {
				next.Audio.DeviceID = int(v)
			}
		case "seconds_per_packet":
			next.Audio.SecondsPerPacket, ok = value.(float64)
		case "latency":
			next.Audio.Latency, ok = value.(string)
		case "estimator":
			next.Segmentation.Estimator, ok = value.(string)
		case "quiet_window_max":
			var v float64
			if v, ok = value.(float64); ok {
				next.Segmentation.QuietWindowMax = int(v)
			}
		case "quiet_threshold":
			next.Segmentation.QuietThreshold, ok = value.(float64)
		case "min_seconds":
			next.Segmentation.MinSeconds, ok = value.(float64)
		case "flush_seconds":
			next.Segmentation.FlushSeconds, ok = value.(float64)
		case "recording_mode":
			next.Hotkey.Mode, ok = value.(string)
		case "max_record_seconds":
			var v float64
			if v, ok = value.(float64); ok {
				next.Hotkey.MaxRecordSeconds = int(v)
			}
		case "upload_url":
			next.Sink.UploadURL, ok = value.(string)
		case "log_segments":
			next.Sink.LogSegments, ok = value.(bool)
		case "log_level":
			next.Log.Level, ok = value.(string)
		default:
			return fmt.Errorf("unknown config key: %s", key)
		}
		if !ok {
			return fmt.Errorf("invalid %s: unexpected type %T", key, value)
		}
	}

	if err := next.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.Audio = next.Audio
	c.Segmentation = next.Segmentation
	c.Hotkey = next.Hotkey
	c.Sink = next.Sink
	c.Log = next.Log
	return nil
}
