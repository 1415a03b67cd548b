// Package bootstrap is the executor side of a job: it decrypts the
// environment the controller prepared, rebuilds the job context, serves
// the control endpoints and reports back to the controller.
package bootstrap

import (
	"os"
	"strconv"
	"strings"
	"time"

	"jobctl/internal/apperrors"
	"jobctl/internal/config"
	"jobctl/internal/environment"
	"jobctl/internal/job"
)

// Boot is a decrypted executor environment.
type Boot struct {
	Context          job.Context
	RunMode          job.RunMode
	ExecutorName     string
	ControllerURL    string
	ControllerAPIKey string
	Port             int
	LogDirectory     string
}

// Environ returns the current process environment as a map.
func Environ() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

// IsExecutor reports whether env asks the binary to boot as an executor.
func IsExecutor(env map[string]string) bool {
	return env[environment.KeyBootMode] == environment.BootModeExecutor
}

// Load decrypts env and rebuilds the job context. Each decrypted sensitive
// value is handed to publish, normally os.Setenv, so the job body sees
// plaintext. A nil publish skips that step.
func Load(env map[string]string, publish func(key, value string) error) (*Boot, error) {
	if !IsExecutor(env) {
		return nil, apperrors.Fatal("bootstrap.load", environment.KeyBootMode+" is not "+environment.BootModeExecutor)
	}

	plain, err := environment.NewDecryptor().Decrypt(env)
	if err != nil {
		return nil, err
	}
	if publish != nil {
		for _, key := range environment.SensitiveKeys() {
			value, ok := plain[key]
			if !ok {
				continue
			}
			if err := publish(key, value); err != nil {
				return nil, apperrors.FatalCause("bootstrap.publish", err)
			}
		}
	}

	jc, err := environment.Context(plain)
	if err != nil {
		return nil, err
	}
	mode, ok := job.ParseRunMode(plain[environment.KeyRunMode])
	if !ok {
		return nil, apperrors.Fatal("bootstrap.load", "invalid "+environment.KeyRunMode+": "+plain[environment.KeyRunMode])
	}

	b := &Boot{
		Context:          jc,
		RunMode:          mode,
		ExecutorName:     plain[environment.KeyExecutorIdentifier],
		ControllerURL:    plain[environment.KeyControllerURL],
		ControllerAPIKey: plain[environment.KeyControllerAPIKey],
		LogDirectory:     plain[environment.KeyLogDirectory],
	}
	if raw := plain[environment.KeyExecutorPort]; raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port < 0 || port > 65535 {
			return nil, apperrors.Fatal("bootstrap.load", "invalid "+environment.KeyExecutorPort+": "+raw)
		}
		b.Port = port
	}
	return b, nil
}

// Config tunes the executor runtime. It comes from the executor's own
// environment, not from the encrypted job environment.
type Config struct {
	HeartbeatInterval time.Duration
	ReportTimeout     time.Duration
	ReportRetries     uint64
	AdvertiseHost     string // host in the advertised endpoint; default: first non-loopback IPv4
}

// LoadConfigFromEnv loads executor runtime configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		HeartbeatInterval: config.GetDurationEnv("EXECUTOR_HEARTBEAT_INTERVAL", 30*time.Second),
		ReportTimeout:     config.GetDurationEnv("EXECUTOR_REPORT_TIMEOUT", 10*time.Second),
		ReportRetries:     uint64(config.GetIntEnv("EXECUTOR_REPORT_RETRIES", 5)),
		AdvertiseHost:     config.GetEnv("EXECUTOR_ADVERTISE_HOST", ""),
	}
}
