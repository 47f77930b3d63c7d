//go:build integration

package runner

import (
	"context"
	"testing"
	"time"
)

func newTestDocker(t *testing.T) *Docker {
	t.Helper()
	ctx := context.Background()
	d, err := NewDocker(ctx, DockerConfig{Image: "alpine:latest", WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Failed to create docker runner: %v", err)
	}
	if err := d.Ready(ctx); err != nil {
		t.Skipf("Docker daemon not reachable: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestDocker_BuildsOutput(t *testing.T) {
	d := newTestDocker(t)
	job := shellJob(`echo "$greeting from container"; mkdir -p "$out"; printf hi > "$out/hi"`, "out")

	p, err := d.Start(context.Background(), job)
	if err != nil {
		t.Fatalf("Failed to start build: %v", err)
	}
	defer p.Cleanup()

	lines := collect(p)
	if len(lines) != 1 || lines[0] != "hello from container" {
		t.Errorf("Unexpected output: %q", lines)
	}

	code, err := p.Wait()
	if err != nil || code != 0 {
		t.Fatalf("Expected clean exit, got code=%d err=%v", code, err)
	}

	outs, err := p.Outputs()
	if err != nil {
		t.Fatalf("Failed to hash outputs: %v", err)
	}
	if outs["out"].Size != 2 {
		t.Errorf("Expected 2 content bytes, got %d", outs["out"].Size)
	}
	if len(d.state.ids()) != 0 {
		t.Errorf("Expected container to be removed after wait, got %v", d.state.ids())
	}
}

func TestDocker_ExitCode(t *testing.T) {
	d := newTestDocker(t)

	p, err := d.Start(context.Background(), shellJob("exit 7", "out"))
	if err != nil {
		t.Fatalf("Failed to start build: %v", err)
	}
	defer p.Cleanup()
	collect(p)

	code, err := p.Wait()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if code != 7 {
		t.Errorf("Expected exit code 7, got %d", code)
	}
}

func TestDocker_Kill(t *testing.T) {
	d := newTestDocker(t)

	p, err := d.Start(context.Background(), shellJob("echo started; sleep 60", "out"))
	if err != nil {
		t.Fatalf("Failed to start build: %v", err)
	}
	defer p.Cleanup()

	select {
	case <-p.Lines():
	case <-time.After(30 * time.Second):
		t.Fatal("Timed out waiting for output")
	}
	if err := p.Kill(); err != nil {
		t.Fatalf("Failed to kill container: %v", err)
	}
	collect(p)

	code, _ := p.Wait()
	if code == 0 {
		t.Error("Expected non-zero exit after kill")
	}
}
