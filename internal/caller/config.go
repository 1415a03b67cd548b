package caller

import (
	"time"

	"github.com/go-playground/validator/v10"

	"jobctl/internal/apperrors"
	"jobctl/internal/config"
)

// Config holds settings shared by both backends.
type Config struct {
	StopTimeout         time.Duration // executor stop and modify requests
	HostHealthPort      int           // port of a peer controller's /livez
	HostHealthTimeout   time.Duration
	CompensationTimeout time.Duration // budget for the destroy after a failed start
}

// LoadConfigFromEnv loads caller configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		StopTimeout:         config.GetDurationEnv("STOP_TIMEOUT", 10*time.Second),
		HostHealthPort:      config.GetIntEnv("HOST_HEALTH_PORT", 8080),
		HostHealthTimeout:   config.GetDurationEnv("HOST_HEALTH_TIMEOUT", 5*time.Second),
		CompensationTimeout: config.GetDurationEnv("COMPENSATION_TIMEOUT", 30*time.Second),
	}
}

func (c Config) withDefaults() Config {
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	if c.HostHealthPort <= 0 {
		c.HostHealthPort = 8080
	}
	if c.HostHealthTimeout <= 0 {
		c.HostHealthTimeout = 5 * time.Second
	}
	if c.CompensationTimeout <= 0 {
		c.CompensationTimeout = 30 * time.Second
	}
	return c
}

// ProcessConfig describes how executor processes are launched.
type ProcessConfig struct {
	Binary            string        `validate:"required"`
	Args              []string      `validate:"dive,required"`
	LogDir            string
	StartupCheckDelay time.Duration `validate:"gte=0"`
}

// LoadProcessConfigFromEnv loads process backend configuration from environment variables.
func LoadProcessConfigFromEnv() ProcessConfig {
	return ProcessConfig{
		Binary:            config.GetEnv("EXECUTOR_BINARY", ""),
		Args:              config.GetListEnv("EXECUTOR_ARGS"),
		LogDir:            config.GetEnv("EXECUTOR_LOG_DIR", ""),
		StartupCheckDelay: config.GetDurationEnv("PROCESS_STARTUP_CHECK_DELAY", 500*time.Millisecond),
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func validateStruct(op string, v any) error {
	if err := validate.Struct(v); err != nil {
		return apperrors.FatalCause(op, err)
	}
	return nil
}
