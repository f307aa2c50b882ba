package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("instanceid", func(fl validator.FieldLevel) bool {
			return instanceIDPattern.MatchString(fl.Field().String())
		})
	})
	return validate
}

// Validate fills defaults for unset fields and checks the configuration
func Validate(cfg *Config) error {
	applyDefaults(cfg)

	if err := structValidator().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed '%s' (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("%s", strings.Join(msgs, "; "))
		}
		return err
	}

	switch cfg.Transport.Preferred {
	case "mqtt":
		if cfg.Transport.MQTT.Broker == "" {
			return fmt.Errorf("transport.mqtt.broker is required when preferred is mqtt")
		}
	case "websocket":
		if cfg.Transport.WebSocket.URL == "" {
			return fmt.Errorf("transport.websocket.url is required when preferred is websocket")
		}
	case "redis":
		if cfg.Transport.Redis.Addr == "" {
			return fmt.Errorf("transport.redis.addr is required when preferred is redis")
		}
	}

	if _, err := cfg.Metrics.Calibration(); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.InstanceID == "" {
		cfg.InstanceID = defaultInstanceID()
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	// capture
	if cfg.Capture.Backend == "" {
		cfg.Capture.Backend = "opencv"
	}
	if cfg.Capture.Width <= 0 {
		cfg.Capture.Width = 640
	}
	if cfg.Capture.Height <= 0 {
		cfg.Capture.Height = 480
	}
	if cfg.Capture.FPS <= 0 {
		cfg.Capture.FPS = 60
	}

	// model
	if cfg.Model.Backend == "" {
		cfg.Model.Backend = "worker"
	}
	if cfg.Model.PythonPath == "" {
		cfg.Model.PythonPath = "python3"
	}
	if cfg.Model.Backend == "worker" && cfg.Model.WorkerScript == "" {
		cfg.Model.WorkerScript = "models/face_mesh_worker.py"
	}
	if cfg.Model.MaxFaces <= 0 {
		cfg.Model.MaxFaces = 1
	}
	if cfg.Model.MinDetectionConfidence == nil {
		cfg.Model.MinDetectionConfidence = float64Ptr(0.5)
	}
	if cfg.Model.MinTrackingConfidence == nil {
		cfg.Model.MinTrackingConfidence = float64Ptr(0.5)
	}
	if cfg.Model.StartupTimeoutS <= 0 {
		cfg.Model.StartupTimeoutS = 30
	}

	if cfg.Metrics.Preset == "" {
		cfg.Metrics.Preset = "expressive"
	}

	// loop
	if cfg.Loop.SendIntervalMS == 0 {
		cfg.Loop.SendIntervalMS = 10
	}
	if cfg.Loop.ReadRetryDelayMS == 0 {
		cfg.Loop.ReadRetryDelayMS = 10
	}

	// transport
	if cfg.Transport.Preferred == "" {
		cfg.Transport.Preferred = "none"
	}
	if cfg.Transport.MaxDatagramSize <= 0 {
		cfg.Transport.MaxDatagramSize = 1400
	}
	if cfg.Transport.UDP.Host == "" {
		cfg.Transport.UDP.Host = "127.0.0.1"
	}
	if cfg.Transport.UDP.Port == 0 {
		cfg.Transport.UDP.Port = 5065
	}
	if cfg.Transport.MQTT.Topic == "" {
		cfg.Transport.MQTT.Topic = fmt.Sprintf("face/metrics/%s", cfg.InstanceID)
	}
	if cfg.Transport.WebSocket.WriteTimeoutMS == 0 {
		cfg.Transport.WebSocket.WriteTimeoutMS = 50
	}
	if cfg.Transport.Redis.Stream == "" {
		cfg.Transport.Redis.Stream = fmt.Sprintf("face:metrics:%s", cfg.InstanceID)
	}
	if cfg.Transport.Redis.MaxLen == 0 {
		cfg.Transport.Redis.MaxLen = 10000
	}

	// logging
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 50
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 14
	}

	if cfg.Health.Addr == "" {
		cfg.Health.Addr = ":8089"
	}
}

// defaultInstanceID derives a stable-looking id from the hostname, or a random one
func float64Ptr(v float64) *float64 { return &v }

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err == nil {
		id := strings.ToLower(host)
		id = regexp.MustCompile(`[^a-z0-9\-]+`).ReplaceAllString(id, "-")
		id = strings.Trim(id, "-")
		if id != "" {
			return "faced-" + id
		}
	}
	return "faced-" + uuid.NewString()[:8]
}
