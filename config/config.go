// Package config reads service settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

const (
	RenderMerged = "merged"
	RenderTheft  = "theft"
)

type Config struct {
	Server  Server
	Models  Models
	Email   Email
	Logging Logging
}

type Server struct {
	Addr           string        `env:"LISTEN_ADDR" env-default:"0.0.0.0:8000" env-description:"HTTP listen address"`
	ReadTimeout    time.Duration `env:"READ_TIMEOUT" env-default:"60s"`
	WriteTimeout   time.Duration `env:"WRITE_TIMEOUT" env-default:"60s"`
	MaxUploadBytes int64         `env:"MAX_UPLOAD_BYTES" env-default:"10485760" env-description:"largest accepted upload"`
	MaxImagePixels int64         `env:"MAX_IMAGE_PIXELS" env-default:"178956970" env-description:"largest accepted width*height of a decoded image"`
	RenderMode     string        `env:"RENDER_MODE" env-default:"merged" env-description:"merged or theft"`
}

type Models struct {
	RuntimeLibrary  string        `env:"ONNXRUNTIME_LIB" env-description:"path to the onnxruntime shared library"`
	AccidentPath    string        `env:"ACCIDENT_MODEL_PATH" env-default:"models/accident.onnx"`
	TheftPath       string        `env:"THEFT_MODEL_PATH" env-default:"models/theft.onnx"`
	AccidentClasses []string      `env:"ACCIDENT_CLASSES" env-default:"accident" env-separator:","`
	TheftClasses    []string      `env:"THEFT_CLASSES" env-default:"theft,robbery,violence" env-separator:","`
	InputSize       int           `env:"INPUT_SIZE" env-default:"640"`
	ConfThreshold   float32       `env:"CONF_THRESHOLD" env-default:"0.25"`
	IOUThreshold    float32       `env:"IOU_THRESHOLD" env-default:"0.45"`
	MaxDetections   int           `env:"MAX_DETECTIONS" env-default:"1000"`
	PoolSize        int           `env:"POOL_SIZE" env-default:"2"`
	AcquireTimeout  time.Duration `env:"ACQUIRE_TIMEOUT" env-default:"5s"`
}

type Email struct {
	Sender   string        `env:"EMAIL_SENDER"`
	Password string        `env:"EMAIL_PASSWORD"`
	Receiver string        `env:"EMAIL_RECEIVER"`
	SMTPHost string        `env:"SMTP_HOST" env-default:"smtp.gmail.com"`
	SMTPPort int           `env:"SMTP_PORT" env-default:"465"`
	Timeout  time.Duration `env:"SMTP_TIMEOUT" env-default:"30s"`
	Async    bool          `env:"NOTIFY_ASYNC" env-default:"false"`
}

type Logging struct {
	Debug bool   `env:"DEBUG" env-default:"false"`
	File  string `env:"LOG_FILE" env-description:"optional rotated log file"`
}

// Enabled reports whether enough is configured to send mail.
func (e Email) Enabled() bool {
	return e.Sender != "" && e.Receiver != ""
}

// Load exports the values of envFile that the process environment does not
// already set, then fills the configuration from the environment.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return nil, fmt.Errorf("read %s: %w", envFile, err)
			}
		}
	}

	cfg := &Config{}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	switch c.Server.RenderMode {
	case RenderMerged, RenderTheft:
	default:
		return fmt.Errorf("invalid RENDER_MODE %q", c.Server.RenderMode)
	}
	if c.Models.InputSize <= 0 || c.Models.InputSize%32 != 0 {
		return errors.New("INPUT_SIZE must be a positive multiple of 32")
	}
	if c.Models.ConfThreshold <= 0 || c.Models.ConfThreshold > 1 {
		return errors.New("CONF_THRESHOLD must be within (0,1]")
	}
	if c.Models.IOUThreshold <= 0 || c.Models.IOUThreshold > 1 {
		return errors.New("IOU_THRESHOLD must be within (0,1]")
	}
	if c.Server.MaxImagePixels <= 0 {
		return errors.New("MAX_IMAGE_PIXELS must be positive")
	}
	return nil
}

// Usage returns the environment variable help text.
func Usage() string {
	text, err := cleanenv.GetDescription(&Config{}, nil)
	if err != nil {
		return ""
	}
	return text
}
