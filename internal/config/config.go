// Package config loads the faced configuration: a YAML file, then .env and FACE_*
// environment overrides, then defaults and validation.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Arfidz12/PCV/internal/facemetrics"
)

// Config represents the complete faced configuration
type Config struct {
	InstanceID       string          `yaml:"instance_id" validate:"required,instanceid"`
	ShutdownTimeoutS int             `yaml:"shutdown_timeout_s" validate:"gte=1"` // bounded drain per loop (default: 5)
	Capture          CaptureConfig   `yaml:"capture"`
	Model            ModelConfig     `yaml:"model"`
	Metrics          MetricsConfig   `yaml:"metrics"`
	Loop             LoopConfig      `yaml:"loop"`
	Transport        TransportConfig `yaml:"transport"`
	Logging          LoggingConfig   `yaml:"logging"`
	Health           HealthConfig    `yaml:"health"`
}

// CaptureConfig selects and tunes the frame source
type CaptureConfig struct {
	Backend        string `yaml:"backend" validate:"oneof=opencv gstreamer mock"`
	Device         int    `yaml:"device" validate:"gte=0"`   // camera index for opencv
	Pipeline       string `yaml:"pipeline"`                  // gst-launch description, overrides the default v4l2 pipeline
	URI            string `yaml:"uri"`                       // rtsp:// or file URI for gstreamer
	Width          int    `yaml:"width" validate:"gt=0"`     // hint, the device may ignore it
	Height         int    `yaml:"height" validate:"gt=0"`    // hint
	FPS            int    `yaml:"fps" validate:"gt=0"`       // hint
	CustomSettings bool   `yaml:"custom_settings"`           // apply the hints at all
}

// ModelConfig selects the landmark model
type ModelConfig struct {
	Backend                string   `yaml:"backend" validate:"oneof=worker onnx"`
	PythonPath             string   `yaml:"python_path"`
	WorkerScript           string   `yaml:"worker_script" validate:"required_if=Backend worker"`
	ModelPath              string   `yaml:"model_path" validate:"required_if=Backend onnx"`
	SharedLibraryPath      string   `yaml:"shared_library_path"` // onnxruntime .so, empty uses the system default
	MaxFaces               int      `yaml:"max_faces" validate:"gte=1"`
	RefineLandmarks        bool     `yaml:"refine_landmarks"`
	MinDetectionConfidence *float64 `yaml:"min_detection_confidence" validate:"required,gte=0,lte=1"` // unset means 0.5; 0 is kept
	MinTrackingConfidence  *float64 `yaml:"min_tracking_confidence" validate:"required,gte=0,lte=1"`
	StartupTimeoutS        int      `yaml:"startup_timeout_s" validate:"gte=1"`
}

// MetricsConfig picks a calibration preset; any field set here overrides the preset
type MetricsConfig struct {
	Preset         string              `yaml:"preset" validate:"oneof=expressive neutral"`
	Mouth          *facemetrics.Affine `yaml:"mouth,omitempty"`
	Eye            *facemetrics.Affine `yaml:"eye,omitempty"`
	Brow           *facemetrics.Affine `yaml:"brow,omitempty"`
	HeadPose       *bool               `yaml:"head_pose,omitempty"`
	DegreesPerUnit *float64            `yaml:"degrees_per_unit,omitempty"`
	MaxHeadAngle   *float64            `yaml:"max_head_angle,omitempty" validate:"omitempty,gt=0,lte=180"`
	IncludeMeta    *bool               `yaml:"include_meta,omitempty"`
}

// LoopConfig controls the capture/process loop pacing
type LoopConfig struct {
	SendIntervalMS   int `yaml:"send_interval_ms" validate:"gte=0"`
	ReadRetryDelayMS int `yaml:"read_retry_delay_ms" validate:"gte=0"`
}

// TransportConfig selects the preferred sink and the UDP fallback
type TransportConfig struct {
	Preferred       string          `yaml:"preferred" validate:"oneof=none mqtt websocket redis"`
	MaxDatagramSize int             `yaml:"max_datagram_size" validate:"gt=0,lte=65507"`
	UDP             UDPConfig       `yaml:"udp"`
	MQTT            MQTTConfig      `yaml:"mqtt"`
	WebSocket       WebSocketConfig `yaml:"websocket"`
	Redis           RedisConfig     `yaml:"redis"`
}

// UDPConfig is the fallback datagram destination
type UDPConfig struct {
	Host string `yaml:"host" validate:"required"`
	Port int    `yaml:"port" validate:"gt=0,lte=65535"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Broker string `yaml:"broker"`
	Topic  string `yaml:"topic"`
	QoS    byte   `yaml:"qos" validate:"lte=2"`
}

// WebSocketConfig is the consumer endpoint for text frames
type WebSocketConfig struct {
	URL            string `yaml:"url"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms" validate:"gte=0"`
}

// RedisConfig is the stream the metrics are appended to
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
	Stream   string `yaml:"stream"`
	MaxLen   int64  `yaml:"max_len" validate:"gte=0"`
}

// LoggingConfig controls slog output
type LoggingConfig struct {
	Level      string `yaml:"level" validate:"oneof=debug info warn error"`
	File       string `yaml:"file"` // rotated file, empty logs to stdout only
	MaxSizeMB  int    `yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `yaml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `yaml:"max_age_days" validate:"gte=0"`
}

// HealthConfig controls the HTTP health endpoint
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr" validate:"required_if=Enabled true"`
}

// Default returns a configuration that runs with no file: camera 0 through OpenCV,
// the face-mesh worker and UDP to 127.0.0.1:5065.
func Default() *Config {
	cfg := &Config{}
	if err := Validate(cfg); err != nil {
		// defaults are always valid
		panic(fmt.Sprintf("config: default configuration is invalid: %v", err))
	}
	return cfg
}

// Load reads and parses a YAML configuration file, applies environment overrides
// from envFile (if it exists) and the process environment, then validates.
func Load(path, envFile string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := ApplyEnv(&cfg, envFile); err != nil {
		return nil, fmt.Errorf("failed to apply environment: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Confidences returns the detection and tracking thresholds; Validate has filled both
func (m ModelConfig) Confidences() (detection, tracking float64) {
	if m.MinDetectionConfidence != nil {
		detection = *m.MinDetectionConfidence
	}
	if m.MinTrackingConfidence != nil {
		tracking = *m.MinTrackingConfidence
	}
	return detection, tracking
}

// ShutdownTimeout bounds the drain after a stop request
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// Calibration resolves the preset and per-field overrides
func (m MetricsConfig) Calibration() (facemetrics.Calibration, error) {
	cal, err := facemetrics.Preset(m.Preset)
	if err != nil {
		return facemetrics.Calibration{}, err
	}
	if m.Mouth != nil {
		cal.Mouth = *m.Mouth
	}
	if m.Eye != nil {
		cal.Eye = *m.Eye
	}
	if m.Brow != nil {
		cal.Brow = *m.Brow
	}
	if m.HeadPose != nil {
		cal.HeadPose = *m.HeadPose
	}
	if m.DegreesPerUnit != nil {
		cal.DegreesPerUnit = *m.DegreesPerUnit
	}
	if m.MaxHeadAngle != nil {
		cal.MaxHeadAngle = *m.MaxHeadAngle
	}
	if m.IncludeMeta != nil {
		cal.IncludeMeta = *m.IncludeMeta
	}
	return cal, nil
}
