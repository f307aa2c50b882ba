package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// ApplyEnv loads envFile (missing file is not an error) into the process environment
// without overriding variables that are already set, then copies FACE_* variables
// onto cfg.
func ApplyEnv(cfg *Config, envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := os.LookupEnv(key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("FACE_INSTANCE_ID", &cfg.InstanceID)
	str("FACE_CAPTURE_BACKEND", &cfg.Capture.Backend)
	str("FACE_CAPTURE_URI", &cfg.Capture.URI)
	str("FACE_MODEL_BACKEND", &cfg.Model.Backend)
	str("FACE_MODEL_PATH", &cfg.Model.ModelPath)
	str("FACE_WORKER_SCRIPT", &cfg.Model.WorkerScript)
	str("FACE_CALIBRATION_PRESET", &cfg.Metrics.Preset)
	str("FACE_PREFERRED_SINK", &cfg.Transport.Preferred)
	str("FACE_UDP_HOST", &cfg.Transport.UDP.Host)
	str("FACE_MQTT_BROKER", &cfg.Transport.MQTT.Broker)
	str("FACE_WS_URL", &cfg.Transport.WebSocket.URL)
	str("FACE_REDIS_ADDR", &cfg.Transport.Redis.Addr)
	str("FACE_REDIS_PASSWORD", &cfg.Transport.Redis.Password)
	str("FACE_LOG_LEVEL", &cfg.Logging.Level)
	str("FACE_LOG_FILE", &cfg.Logging.File)
	str("FACE_HEALTH_ADDR", &cfg.Health.Addr)

	for key, dst := range map[string]*int{
		"FACE_CAPTURE_DEVICE": &cfg.Capture.Device,
		"FACE_CAPTURE_WIDTH":  &cfg.Capture.Width,
		"FACE_CAPTURE_HEIGHT": &cfg.Capture.Height,
		"FACE_CAPTURE_FPS":    &cfg.Capture.FPS,
		"FACE_UDP_PORT":       &cfg.Transport.UDP.Port,
		"FACE_REDIS_DB":       &cfg.Transport.Redis.DB,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}

	if v, ok := os.LookupEnv("FACE_HEALTH_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("FACE_HEALTH_ENABLED: %w", err)
		}
		cfg.Health.Enabled = b
	}

	return nil
}
