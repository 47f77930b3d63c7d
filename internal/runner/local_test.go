package runner

import (
	"context"
	"os"
	"path/filepath"
	"realiser/internal/contentaddress"
	"realiser/internal/derivation"
	"realiser/internal/storepath"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shellJob(script string, outputs ...string) *Job {
	drv := &derivation.Derivation{
		Name:    "hello",
		Builder: "/bin/sh",
		Args:    []string{"-c", script},
		Env:     map[string]string{"greeting": "hello"},
		Outputs: make(map[string]derivation.Output),
	}
	for _, o := range outputs {
		drv.Outputs[o] = derivation.Floating(contentaddress.NixArchive, digest.SHA256)
	}
	return &Job{
		DrvPath:  storepath.MustNew("aaaa", "hello.drv"),
		Drv:      drv,
		StoreDir: "/store",
	}
}

func newTestLocal(t *testing.T) (*Local, string) {
	t.Helper()
	storeRoot := t.TempDir()
	return NewLocal(LocalConfig{WorkDir: t.TempDir(), StoreRoot: storeRoot, Path: os.Getenv("PATH")}), storeRoot
}

func collect(p Process) []string {
	var lines []string
	for line := range p.Lines() {
		lines = append(lines, line)
	}
	return lines
}

func TestLocal_BuildsAndInstallsOutputs(t *testing.T) {
	t.Parallel()
	l, storeRoot := newTestLocal(t)
	job := shellJob(`echo "$greeting"; echo oops >&2; mkdir -p "$out/bin"; printf hi > "$out/bin/hi"; printf doc > "$doc"`, "out", "doc")

	p, err := l.Start(context.Background(), job)
	require.NoError(t, err)
	defer p.Cleanup()

	assert.ElementsMatch(t, []string{"hello", "oops"}, collect(p))
	code, err := p.Wait()
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	outs, err := p.Outputs()
	require.NoError(t, err)
	require.Len(t, outs, 2)
	assert.Equal(t, int64(2), outs["out"].Size)
	assert.Equal(t, int64(3), outs["doc"].Size)

	dest := storepath.MustNew("zzzz", "hello")
	require.NoError(t, p.Install("out", dest))
	content, err := os.ReadFile(filepath.Join(storeRoot, dest.String(), "bin", "hi"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(content))

	assert.Error(t, p.Install("missing", dest))
}

func TestLocal_OutputPlaceholderInArgs(t *testing.T) {
	t.Parallel()
	l, _ := newTestLocal(t)
	job := shellJob("printf x > "+derivation.OutputPlaceholder("out"), "out")

	p, err := l.Start(context.Background(), job)
	require.NoError(t, err)
	defer p.Cleanup()
	collect(p)
	code, err := p.Wait()
	require.NoError(t, err)
	require.Equal(t, 0, code)

	outs, err := p.Outputs()
	require.NoError(t, err)
	assert.Equal(t, int64(1), outs["out"].Size)
}

func TestLocal_NonZeroExit(t *testing.T) {
	t.Parallel()
	l, _ := newTestLocal(t)

	p, err := l.Start(context.Background(), shellJob("echo failing; exit 3", "out"))
	require.NoError(t, err)
	defer p.Cleanup()

	assert.Equal(t, []string{"failing"}, collect(p))
	code, err := p.Wait()
	require.NoError(t, err)
	assert.Equal(t, 3, code)

	_, err = p.Outputs()
	assert.ErrorContains(t, err, `builder failed to produce output "out"`)
}

func TestLocal_Kill(t *testing.T) {
	t.Parallel()
	l, _ := newTestLocal(t)

	p, err := l.Start(context.Background(), shellJob("echo started; sleep 30 & wait", "out"))
	require.NoError(t, err)
	defer p.Cleanup()

	line := <-p.Lines()
	assert.Equal(t, "started", line)
	require.NoError(t, p.Kill())

	done := make(chan struct{})
	go func() {
		collect(p)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("output did not end after kill")
	}

	code, err := p.Wait()
	assert.Error(t, err)
	assert.Equal(t, -1, code)
	// Killing an exited process is a no-op.
	assert.NoError(t, p.Kill())
}

func TestLocal_MissingBuilder(t *testing.T) {
	t.Parallel()
	l, _ := newTestLocal(t)
	job := shellJob("true", "out")
	job.Drv.Builder = "/nonexistent/builder"

	_, err := l.Start(context.Background(), job)
	assert.ErrorContains(t, err, "failed to start builder")

	entries, err := os.ReadDir(l.cfg.WorkDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch area should be removed")
}

func TestLocal_Cleanup(t *testing.T) {
	t.Parallel()
	l, _ := newTestLocal(t)

	p, err := l.Start(context.Background(), shellJob("true", "out"))
	require.NoError(t, err)
	collect(p)
	_, err = p.Wait()
	require.NoError(t, err)
	require.NoError(t, p.Cleanup())

	entries, err := os.ReadDir(l.cfg.WorkDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLocal_Ready(t *testing.T) {
	t.Parallel()
	l, _ := newTestLocal(t)
	require.NoError(t, l.Ready(context.Background()))

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	broken := NewLocal(LocalConfig{WorkDir: filepath.Join(file, "sub")})
	assert.Error(t, broken.Ready(context.Background()))
}
