package runner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"realiser/internal/config"
	"realiser/internal/storepath"
	"realiser/pkg/circuitbreaker"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
)

// containerBase is where the scratch area is mounted inside containers.
const containerBase = "/build"

// DockerConfig configures the Docker runner.
type DockerConfig struct {
	Image      string   // Default builder image, overridden by a recipe's "image" env var
	WorkDir    string   // Host directory for scratch areas; must be visible to the daemon
	StoreRoot  string   // Physical store directory, bind-mounted read-only at the store dir
	ExtraHosts []string // Extra /etc/hosts entries for build containers
	CPU        float64  // CPU limit per build, 0 for none
	MemoryMB   int      // Memory limit per build in MB, 0 for none
	// Pulls limits retries of images whose pulls keep failing.
	Pulls circuitbreaker.Config
}

// LoadDockerConfigFromEnv loads Docker runner configuration from environment variables.
func LoadDockerConfigFromEnv() DockerConfig {
	var extraHosts []string
	if hosts := config.GetEnv("REALISE_DOCKER_EXTRA_HOSTS", ""); hosts != "" {
		extraHosts = strings.Split(hosts, ",")
	}

	return DockerConfig{
		Image:      config.GetEnv("REALISE_DOCKER_IMAGE", "alpine:latest"),
		WorkDir:    config.GetEnv("REALISE_DOCKER_WORK_DIR", "/var/lib/realise/build"),
		StoreRoot:  config.GetEnv("REALISE_STORE_ROOT", ""),
		ExtraHosts: extraHosts,
		CPU:        float64(config.GetIntEnv("REALISE_DOCKER_CPUS", 0)),
		MemoryMB:   config.GetIntEnv("REALISE_DOCKER_MEMORY_MB", 0),
		Pulls: circuitbreaker.Config{
			Threshold: config.GetIntEnv("REALISE_DOCKER_PULL_FAILURES", 3),
			Cooldown:  config.GetDurationEnv("REALISE_DOCKER_PULL_COOLDOWN", time.Minute),
		},
	}
}

// Docker runs each builder in a fresh container on the host Docker daemon.
type Docker struct {
	client *client.Client
	cfg    DockerConfig
	state  *containerRepo
	pulls  *circuitbreaker.Registry
}

// NewDocker connects to the Docker daemon described by the environment.
func NewDocker(ctx context.Context, cfg DockerConfig) (*Docker, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if cfg.Image == "" {
		cfg.Image = "alpine:latest"
	}
	return &Docker{
		client: dockerClient,
		cfg:    cfg,
		state:  newContainerRepo(),
		pulls:  circuitbreaker.NewRegistry(cfg.Pulls),
	}, nil
}

// Ready checks the daemon is reachable and no builder image is failing to
// pull.
func (d *Docker) Ready(ctx context.Context) error {
	if _, err := d.client.Ping(ctx); err != nil {
		return err
	}
	if open := d.pulls.Open(); len(open) > 0 {
		return fmt.Errorf("pulls are failing for %s", strings.Join(open, ", "))
	}
	return nil
}

// Start implements Runner.
func (d *Docker) Start(ctx context.Context, job *Job) (Process, error) {
	img := d.cfg.Image
	if v, ok := job.Drv.Env["image"]; ok && v != "" {
		img = v
	}
	if err := d.pullImageIfNeeded(ctx, img); err != nil {
		return nil, fmt.Errorf("failed to pull image %s: %w", img, err)
	}

	s, err := newScratch(d.cfg.WorkDir, d.cfg.StoreRoot, job)
	if err != nil {
		return nil, err
	}

	containerID, err := d.createContainer(ctx, job, img, s)
	if err != nil {
		_ = s.cleanup()
		return nil, fmt.Errorf("failed to create build container: %w", err)
	}
	if err := d.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		d.removeContainer(ctx, containerID)
		_ = s.cleanup()
		return nil, fmt.Errorf("failed to start build container: %w", err)
	}
	d.state.add(containerID, job.DrvPath)

	logs, err := d.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		d.removeContainer(ctx, containerID)
		_ = s.cleanup()
		return nil, fmt.Errorf("failed to get container logs: %w", err)
	}

	p := &dockerProcess{
		scratch:     s,
		d:           d,
		containerID: containerID,
		lines:       make(chan string),
	}
	go p.streamLogs(logs)
	slog.Debug("Build container started", "component", "runner", "drv", job.DrvPath.String(), "container", containerID)
	return p, nil
}

// Close removes containers of builds still running and closes the client.
func (d *Docker) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, id := range d.state.ids() {
		d.removeContainer(ctx, id)
	}
	return d.client.Close()
}

func (d *Docker) createContainer(ctx context.Context, job *Job, img string, s *scratch) (string, error) {
	containerConfig := &container.Config{
		Image:      img,
		Cmd:        command(job, containerBase),
		Env:        environment(job, containerBase),
		WorkingDir: containerBase + "/build",
		Labels: map[string]string{
			"realise.drv": job.DrvPath.String(),
			"managed-by":  "realise",
		},
	}

	mounts := []mount.Mount{{
		Type:   mount.TypeBind,
		Source: s.root,
		Target: containerBase,
	}}
	if d.cfg.StoreRoot != "" {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   d.cfg.StoreRoot,
			Target:   string(job.StoreDir),
			ReadOnly: true,
		})
	}

	hostConfig := &container.HostConfig{
		Mounts:     mounts,
		ExtraHosts: d.cfg.ExtraHosts,
		Resources: container.Resources{
			NanoCPUs: int64(d.cfg.CPU * 1e9),
			Memory:   int64(d.cfg.MemoryMB) * 1024 * 1024,
		},
	}

	containerName := fmt.Sprintf("realise-%s-%d", job.DrvPath.HashPart(), time.Now().UnixNano())
	resp, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (d *Docker) pullImageIfNeeded(ctx context.Context, imageName string) error {
	_, err := d.client.ImageInspect(ctx, imageName)
	if err == nil {
		return nil
	}

	breaker := d.pulls.Get(imageName)
	if !breaker.Allow() {
		return fmt.Errorf("not retrying after %d failed pulls", breaker.Failures())
	}
	if err := d.pull(ctx, imageName); err != nil {
		// Interrupted pulls say nothing about the registry.
		if ctx.Err() == nil {
			breaker.RecordFailure()
		}
		return err
	}
	breaker.RecordSuccess()
	return nil
}

func (d *Docker) pull(ctx context.Context, imageName string) error {
	reader, err := d.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (d *Docker) removeContainer(ctx context.Context, containerID string) {
	d.state.remove(containerID)
	_ = d.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

type dockerProcess struct {
	*scratch
	d           *Docker
	containerID string
	lines       chan string

	waitOnce sync.Once
	code     int
	err      error
}

// streamLogs demultiplexes the container's log stream into lines. Each
// frame has an 8 byte header whose last 4 bytes are the payload size.
func (p *dockerProcess) streamLogs(logs io.ReadCloser) {
	defer close(p.lines)
	defer logs.Close()

	pr, pw := io.Pipe()
	go func() {
		header := make([]byte, 8)
		for {
			if _, err := io.ReadFull(logs, header); err != nil {
				pw.Close()
				return
			}
			size := int64(header[4])<<24 | int64(header[5])<<16 | int64(header[6])<<8 | int64(header[7])
			if _, err := io.CopyN(pw, logs, size); err != nil {
				pw.CloseWithError(err)
				return
			}
		}
	}()

	sc := bufio.NewScanner(pr)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		p.lines <- strings.TrimSuffix(sc.Text(), "\r")
	}
	// Unblock the demultiplexer if the scanner gave up early.
	_ = pr.Close()
}

func (p *dockerProcess) Lines() <-chan string { return p.lines }

func (p *dockerProcess) Wait() (int, error) {
	p.waitOnce.Do(func() {
		p.code, p.err = p.waitForExit(context.Background())
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		p.d.removeContainer(ctx, p.containerID)
	})
	return p.code, p.err
}

func (p *dockerProcess) waitForExit(ctx context.Context) (int, error) {
	statusCh, errCh := p.d.client.ContainerWait(ctx, p.containerID, container.WaitConditionNotRunning)

	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("%s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	}
}

func (p *dockerProcess) Kill() error {
	if !p.d.state.has(p.containerID) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return p.d.client.ContainerKill(ctx, p.containerID, "KILL")
}

func (p *dockerProcess) Outputs() (map[string]Output, error) { return p.outputs() }

func (p *dockerProcess) Install(output string, path storepath.Path) error {
	return p.install(output, path)
}

func (p *dockerProcess) Cleanup() error { return p.cleanup() }

var _ Runner = (*Docker)(nil)
