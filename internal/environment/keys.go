// Package environment builds the environment handed to a new executor and
// encrypts its sensitive entries.
package environment

import "slices"

// Environment keys read by the executor at startup.
const (
	KeyBootMode           = "JOB_BOOT_MODE"
	KeyRunMode            = "JOB_TASK_RUN_MODE"
	KeyContext            = "JOB_CONTEXT"
	KeyLogDirectory       = "JOB_LOG_DIRECTORY"
	KeyControllerURL      = "JOB_CONTROLLER_URL"
	KeyControllerAPIKey   = "JOB_CONTROLLER_API_KEY"
	KeyExecutorPort       = "JOB_EXECUTOR_PORT"
	KeyDatabaseHost       = "JOB_DATABASE_HOST"
	KeyDatabasePort       = "JOB_DATABASE_PORT"
	KeyDatabaseName       = "JOB_DATABASE_NAME"
	KeyDatabaseUsername   = "JOB_DATABASE_USERNAME"
	KeyDatabasePassword   = "JOB_DATABASE_PASSWORD"
	KeyObjectStorage      = "JOB_OBJECT_STORAGE_CONFIGURATION"
	KeyEncryptKey         = "JOB_ENCRYPT_KEY"
	KeyEncryptSalt        = "JOB_ENCRYPT_SALT"
	KeyExecutorIdentifier = "JOB_EXECUTOR_IDENTIFIER_MARKER"
)

// BootModeExecutor is the KeyBootMode value that makes a binary boot as an executor.
const BootModeExecutor = "EXECUTOR"

var sensitiveKeys = []string{
	KeyContext,
	KeyControllerAPIKey,
	KeyDatabaseUsername,
	KeyDatabasePassword,
	KeyObjectStorage,
}

// SensitiveKeys returns the keys whose values are encrypted before launch.
func SensitiveKeys() []string {
	return slices.Clone(sensitiveKeys)
}

// IsSensitive reports whether key is encrypted before launch.
func IsSensitive(key string) bool {
	return slices.Contains(sensitiveKeys, key)
}
