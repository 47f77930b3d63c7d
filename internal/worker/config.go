package worker

import (
	"realiser/internal/config"
	"runtime"
	"time"
)

// Config holds scheduler settings. It is fixed for the lifetime of a Worker.
type Config struct {
	MaxBuildJobs        int           // concurrent local builds; 0 forbids building (default: NumCPU)
	MaxSubstitutionJobs int           // concurrent substitutions (default: 16)
	PollInterval        time.Duration // delay for goals waiting on contested locks (default: 5s)
	MaxSilentTime       time.Duration // kill builders silent for this long, 0 = never
	BuildTimeout        time.Duration // kill builders running this long, 0 = never
	KeepGoing           bool          // continue with other goals after a failure
}

// LoadConfigFromEnv loads worker configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		MaxBuildJobs:        config.GetIntEnv("REALISE_MAX_JOBS", runtime.NumCPU()),
		MaxSubstitutionJobs: config.GetIntEnv("REALISE_MAX_SUBSTITUTION_JOBS", 16),
		PollInterval:        config.GetDurationEnv("REALISE_POLL_INTERVAL", 5*time.Second),
		MaxSilentTime:       config.GetDurationEnv("REALISE_MAX_SILENT_TIME", 0),
		BuildTimeout:        config.GetDurationEnv("REALISE_BUILD_TIMEOUT", 0),
		KeepGoing:           config.GetBoolEnv("REALISE_KEEP_GOING", false),
	}
	return cfg.withDefaults()
}

// withDefaults fills in invalid values with defaults. A zero MaxBuildJobs is
// kept: it is reported when a goal first asks for a build slot.
func (c Config) withDefaults() Config {
	if c.MaxBuildJobs < 0 {
		c.MaxBuildJobs = runtime.NumCPU()
	}
	if c.MaxSubstitutionJobs <= 0 {
		c.MaxSubstitutionJobs = 16
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.MaxSilentTime < 0 {
		c.MaxSilentTime = 0
	}
	if c.BuildTimeout < 0 {
		c.BuildTimeout = 0
	}
	return c
}
