package environment

import (
	"encoding/json"
	"strconv"

	"jobctl/internal/apperrors"
	"jobctl/internal/config"
	"jobctl/internal/job"
)

// DatabaseSettings locate the metadata database executors report to.
type DatabaseSettings struct {
	Host     string
	Port     int
	Name     string
	Username string
	Password string
}

// Settings are forwarded from the controller to every executor.
type Settings struct {
	LogDirectory     string
	ControllerURL    string
	ControllerAPIKey string // lets the executor call back into the controller API
	ExecutorPort     int    // 0 lets the executor pick a free port
	Database         DatabaseSettings
	ObjectStorage    string // opaque JSON document
}

// LoadSettingsFromEnv loads executor settings from environment variables.
func LoadSettingsFromEnv() Settings {
	return Settings{
		LogDirectory:     config.GetEnv("EXECUTOR_LOG_DIR", "./log"),
		ControllerURL:    config.GetEnv("CONTROLLER_URL", ""),
		ControllerAPIKey: config.GetSecretFile(config.GetEnv("API_KEY_FILE", "")),
		ExecutorPort:     config.GetIntEnv("EXECUTOR_PORT", 0),
		Database: DatabaseSettings{
			Host:     config.GetEnv("METADB_HOST", ""),
			Port:     config.GetIntEnv("METADB_PORT", 5432),
			Name:     config.GetEnv("METADB_NAME", ""),
			Username: config.GetEnv("METADB_USERNAME", ""),
			Password: config.GetSecretFile(config.GetEnv("METADB_PASSWORD_FILE", "")),
		},
		ObjectStorage: config.GetSecretFile(config.GetEnv("OBJECT_STORAGE_CONFIG_FILE", "")),
	}
}

// Builder assembles the plaintext environment for one start attempt.
type Builder struct {
	settings Settings
}

// NewBuilder creates a Builder.
func NewBuilder(settings Settings) *Builder {
	return &Builder{settings: settings}
}

// Build returns a fresh environment for jc. Optional settings that are
// unset are left out.
func (b *Builder) Build(mode job.RunMode, jc job.Context, executorName string) (map[string]string, error) {
	raw, err := json.Marshal(jc)
	if err != nil {
		return nil, apperrors.Internal("environment.build", err)
	}

	env := map[string]string{
		KeyBootMode:           BootModeExecutor,
		KeyRunMode:            string(mode),
		KeyContext:            string(raw),
		KeyExecutorIdentifier: executorName,
	}
	setIf(env, KeyLogDirectory, b.settings.LogDirectory)
	setIf(env, KeyControllerURL, b.settings.ControllerURL)
	setIf(env, KeyControllerAPIKey, b.settings.ControllerAPIKey)
	if b.settings.ExecutorPort > 0 {
		env[KeyExecutorPort] = strconv.Itoa(b.settings.ExecutorPort)
	}

	if db := b.settings.Database; db.Host != "" {
		env[KeyDatabaseHost] = db.Host
		env[KeyDatabasePort] = strconv.Itoa(db.Port)
		setIf(env, KeyDatabaseName, db.Name)
		setIf(env, KeyDatabaseUsername, db.Username)
		setIf(env, KeyDatabasePassword, db.Password)
	}
	setIf(env, KeyObjectStorage, b.settings.ObjectStorage)

	return env, nil
}

func setIf(env map[string]string, key, value string) {
	if value != "" {
		env[key] = value
	}
}

// Context decodes the job context carried by a decrypted environment.
func Context(env map[string]string) (job.Context, error) {
	raw, ok := env[KeyContext]
	if !ok || raw == "" {
		return job.Context{}, apperrors.Fatal("environment.context", KeyContext+" is not set")
	}
	var jc job.Context
	if err := json.Unmarshal([]byte(raw), &jc); err != nil {
		return job.Context{}, apperrors.FatalCause("environment.context", err)
	}
	return jc, nil
}
