package worker

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfigFromEnv_Defaults(t *testing.T) {
	cfg := LoadConfigFromEnv()

	assert.Equal(t, runtime.NumCPU(), cfg.MaxBuildJobs)
	assert.Equal(t, 16, cfg.MaxSubstitutionJobs)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Zero(t, cfg.MaxSilentTime)
	assert.Zero(t, cfg.BuildTimeout)
	assert.False(t, cfg.KeepGoing)
}

func TestLoadConfigFromEnv_CustomValues(t *testing.T) {
	t.Setenv("REALISE_MAX_JOBS", "0")
	t.Setenv("REALISE_MAX_SUBSTITUTION_JOBS", "2")
	t.Setenv("REALISE_POLL_INTERVAL", "250ms")
	t.Setenv("REALISE_MAX_SILENT_TIME", "1m")
	t.Setenv("REALISE_BUILD_TIMEOUT", "1h")
	t.Setenv("REALISE_KEEP_GOING", "true")

	cfg := LoadConfigFromEnv()

	assert.Equal(t, 0, cfg.MaxBuildJobs)
	assert.Equal(t, 2, cfg.MaxSubstitutionJobs)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, time.Minute, cfg.MaxSilentTime)
	assert.Equal(t, time.Hour, cfg.BuildTimeout)
	assert.True(t, cfg.KeepGoing)
}

func TestWithDefaults(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		input    Config
		expected Config
	}{
		{
			name:  "invalid values replaced",
			input: Config{MaxBuildJobs: -1, MaxSubstitutionJobs: -5, PollInterval: -time.Second, MaxSilentTime: -1, BuildTimeout: -1},
			expected: Config{
				MaxBuildJobs:        runtime.NumCPU(),
				MaxSubstitutionJobs: 16,
				PollInterval:        5 * time.Second,
			},
		},
		{
			name:  "zero build jobs kept",
			input: Config{MaxBuildJobs: 0, MaxSubstitutionJobs: 1, PollInterval: time.Millisecond},
			expected: Config{
				MaxBuildJobs:        0,
				MaxSubstitutionJobs: 1,
				PollInterval:        time.Millisecond,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, tt.input.withDefaults())
		})
	}
}
