package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetEnv(t *testing.T) {
	assert.Equal(t, "default", GetEnv("REALISE_TEST_NONEXISTENT", "default"))

	t.Setenv("REALISE_TEST_GET_ENV", "custom")
	assert.Equal(t, "custom", GetEnv("REALISE_TEST_GET_ENV", "default"))
}

func TestGetIntEnv(t *testing.T) {
	assert.Equal(t, 4, GetIntEnv("REALISE_TEST_NONEXISTENT_INT", 4))

	t.Setenv("REALISE_TEST_MAX_JOBS", "16")
	assert.Equal(t, 16, GetIntEnv("REALISE_TEST_MAX_JOBS", 4))

	t.Setenv("REALISE_TEST_BAD_INT", "many")
	assert.Equal(t, 4, GetIntEnv("REALISE_TEST_BAD_INT", 4))
}

func TestGetBoolEnv(t *testing.T) {
	assert.True(t, GetBoolEnv("REALISE_TEST_NONEXISTENT_BOOL", true))

	t.Setenv("REALISE_TEST_KEEP_GOING", "1")
	assert.True(t, GetBoolEnv("REALISE_TEST_KEEP_GOING", false))

	t.Setenv("REALISE_TEST_KEEP_GOING", "false")
	assert.False(t, GetBoolEnv("REALISE_TEST_KEEP_GOING", true))

	t.Setenv("REALISE_TEST_BAD_BOOL", "sometimes")
	assert.True(t, GetBoolEnv("REALISE_TEST_BAD_BOOL", true))
}

func TestGetDurationEnv(t *testing.T) {
	def := 5 * time.Second
	assert.Equal(t, def, GetDurationEnv("REALISE_TEST_NONEXISTENT_DURATION", def))

	t.Setenv("REALISE_TEST_POLL", "100ms")
	assert.Equal(t, 100*time.Millisecond, GetDurationEnv("REALISE_TEST_POLL", def))

	t.Setenv("REALISE_TEST_BAD_DURATION", "soon")
	assert.Equal(t, def, GetDurationEnv("REALISE_TEST_BAD_DURATION", def))
}

func TestGetListEnv(t *testing.T) {
	assert.Nil(t, GetListEnv("REALISE_TEST_NONEXISTENT_LIST"))

	t.Setenv("REALISE_TEST_LIST", "a, b,,c ")
	assert.Equal(t, []string{"a", "b", "c"}, GetListEnv("REALISE_TEST_LIST"))
}

func TestGetSecretFile(t *testing.T) {
	assert.Empty(t, GetSecretFile(""))
	assert.Empty(t, GetSecretFile("/nonexistent/path/to/secret"))

	path := filepath.Join(t.TempDir(), "api-key")
	require.NoError(t, os.WriteFile(path, []byte("my-secret-value\n"), 0o600))
	assert.Equal(t, "my-secret-value", GetSecretFile(path))
}

func TestLoadServiceConfig(t *testing.T) {
	t.Setenv("REALISE_STORE_DIR", "/tmp/store")
	t.Setenv("REALISE_RUNNER", "docker")

	cfg := LoadServiceConfig()
	assert.Equal(t, "/tmp/store", cfg.StoreDir)
	assert.Equal(t, "docker", cfg.Runner)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Empty(t, cfg.StatusAddr)
}
