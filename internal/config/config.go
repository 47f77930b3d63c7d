// Package config provides configuration loading from environment variables.
package config

// ServiceConfig holds process-level settings of the realise command.
type ServiceConfig struct {
	StoreDir   string // Directory store paths are printed under
	StoreRoot  string // Physical directory outputs are installed into, empty to discard them
	StateDir   string // Holds lock files shared with other realise processes
	StatusAddr string // Listen address of the status/metrics server, empty to disable
	APIKey     string // Bearer token for the status API, empty to disable auth
	NotifyURL  string // Receiver of build notifications, empty to disable
	NotifyKey  string // HMAC key signing build notifications, empty to send them unsigned
	LogFormat  string // "json" or "text"
	LogLevel   string // "debug", "info", "warn" or "error"
	Runner     string // "local" or "docker"
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		StoreDir:   GetEnv("REALISE_STORE_DIR", "/nix/store"),
		StoreRoot:  GetEnv("REALISE_STORE_ROOT", ""),
		StateDir:   GetEnv("REALISE_STATE_DIR", "/nix/var/realise"),
		StatusAddr: GetEnv("REALISE_STATUS_ADDR", ""),
		APIKey:     GetSecretFile(GetEnv("REALISE_API_KEY_FILE", "")),
		NotifyURL:  GetEnv("REALISE_NOTIFY_URL", ""),
		NotifyKey:  GetSecretFile(GetEnv("REALISE_NOTIFY_KEY_FILE", "")),
		LogFormat:  GetEnv("REALISE_LOG_FORMAT", "text"),
		LogLevel:   GetEnv("REALISE_LOG_LEVEL", "info"),
		Runner:     GetEnv("REALISE_RUNNER", "local"),
	}
}
