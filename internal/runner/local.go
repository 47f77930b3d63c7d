package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"realiser/internal/storepath"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"
)

// LocalConfig configures the local runner.
type LocalConfig struct {
	WorkDir   string // Parent of per-job scratch directories (default: os.TempDir()/realise)
	StoreRoot string // Physical store directory outputs are installed into, empty to discard
	// Path is the PATH builders get unless their recipe sets one.
	Path string
}

// Local runs builders as plain processes on this host.
type Local struct {
	cfg LocalConfig
}

// NewLocal creates a local runner.
func NewLocal(cfg LocalConfig) *Local {
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "realise")
	}
	return &Local{cfg: cfg}
}

// Ready reports whether scratch directories can be created.
func (l *Local) Ready(ctx context.Context) error {
	if err := os.MkdirAll(l.cfg.WorkDir, 0o755); err != nil {
		return fmt.Errorf("work directory: %w", err)
	}
	return unix.Access(l.cfg.WorkDir, unix.W_OK)
}

// Start implements Runner.
func (l *Local) Start(ctx context.Context, job *Job) (Process, error) {
	s, err := newScratch(l.cfg.WorkDir, l.cfg.StoreRoot, job)
	if err != nil {
		return nil, err
	}

	args := command(job, s.root)
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = filepath.Join(s.root, "build")
	cmd.Env = environment(job, s.root)
	if _, ok := job.Drv.Env["PATH"]; !ok && l.cfg.Path != "" {
		cmd.Env = append(cmd.Env, "PATH="+l.cfg.Path)
	}
	// A process group of its own lets Kill reach everything the builder spawned.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	pr, pw, err := os.Pipe()
	if err != nil {
		_ = s.cleanup()
		return nil, fmt.Errorf("failed to create output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		_ = s.cleanup()
		return nil, fmt.Errorf("failed to start builder %s: %w", args[0], err)
	}
	pw.Close()

	p := &localProcess{scratch: s, cmd: cmd, lines: make(chan string)}
	go p.scan(pr)
	slog.Debug("Builder started", "component", "runner", "drv", job.DrvPath.String(), "pid", cmd.Process.Pid)
	return p, nil
}

type localProcess struct {
	*scratch
	cmd   *exec.Cmd
	lines chan string

	waitOnce sync.Once
	exited   atomic.Bool
	code     int
	err      error
}

func (p *localProcess) scan(r *os.File) {
	defer close(p.lines)
	defer r.Close()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		p.lines <- sc.Text()
	}
}

func (p *localProcess) Lines() <-chan string { return p.lines }

func (p *localProcess) Wait() (int, error) {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		var exitErr *exec.ExitError
		switch {
		case err == nil:
			p.code = 0
		case errors.As(err, &exitErr) && exitErr.ExitCode() >= 0:
			p.code = exitErr.ExitCode()
		default:
			p.code, p.err = -1, err
		}
		p.exited.Store(true)
	})
	return p.code, p.err
}

func (p *localProcess) Kill() error {
	if p.exited.Load() {
		return nil
	}
	err := unix.Kill(-p.cmd.Process.Pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func (p *localProcess) Outputs() (map[string]Output, error) { return p.outputs() }

func (p *localProcess) Install(output string, path storepath.Path) error {
	return p.install(output, path)
}

func (p *localProcess) Cleanup() error { return p.cleanup() }

var _ Runner = (*Local)(nil)
