package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"realiser/internal/api"
	"realiser/internal/apperrors"
	"realiser/internal/build"
	"realiser/internal/config"
	"realiser/internal/derivation"
	"realiser/internal/dispatcher"
	"realiser/internal/goal"
	"realiser/internal/health"
	"realiser/internal/observability"
	"realiser/internal/pathlock"
	"realiser/internal/recipefile"
	"realiser/internal/runner"
	"realiser/internal/store"
	"realiser/internal/storepath"
	"realiser/internal/worker"
	"runtime"
	"time"

	"github.com/spf13/cobra"
	slogcontext "github.com/veqryn/slog-context"
	"golang.org/x/sync/errgroup"
)

// builderRunner is a runner whose readiness can be probed.
type builderRunner interface {
	runner.Runner
	health.ReadinessChecker
}

type buildOptions struct {
	svc    *config.ServiceConfig
	worker worker.Config

	file   string
	mode   string
	output string
	runner string
}

func newBuildCommand() *cobra.Command {
	opts := &buildOptions{
		svc:    config.LoadServiceConfig(),
		worker: worker.LoadConfigFromEnv(),
	}
	cmd := &cobra.Command{
		Use:   "build -f FILE [TARGET...]",
		Short: "Build recipe outputs",
		Long: `Build the outputs of the given targets, or of every recipe in the file when
  no target is given. A target is a recipe name, optionally followed by
  ^output steps to select the recipe another recipe's output is.

  The exit status is 0 when everything was built. Otherwise bits are set
  for timed out builds (1), hash mismatches (2), failed builders (4) and
  non-deterministic rebuilds in check mode (8), or it is 16 for any other
  failed build. Errors before building starts exit with 1.`,
		Example: `  realise build -f recipes.hcl hello
  realise build -f recipes.yaml -j 4 --keep-going
  realise build -f recipes.hcl --mode check hello`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd, opts, args)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.file, "file", "f", "", "recipe file (.hcl, .yaml, .yml or .json)")
	f.IntVarP(&opts.worker.MaxBuildJobs, "max-jobs", "j", opts.worker.MaxBuildJobs, "builds to run at once, 0 forbids building")
	f.BoolVarP(&opts.worker.KeepGoing, "keep-going", "k", opts.worker.KeepGoing, "keep building other targets after a failure")
	f.DurationVar(&opts.worker.MaxSilentTime, "max-silent-time", opts.worker.MaxSilentTime, "kill builders without output for this long")
	f.DurationVar(&opts.worker.BuildTimeout, "timeout", opts.worker.BuildTimeout, "kill builders running longer than this")
	f.StringVar(&opts.mode, "mode", build.Normal.String(), "build mode (normal, repair, check)")
	f.StringVar(&opts.runner, "runner", opts.svc.Runner, "where builders run (local, docker)")
	f.StringVarP(&opts.output, "output", "o", "table", "summary format (table, json)")
	f.StringVar(&opts.svc.StoreDir, "store-dir", opts.svc.StoreDir, "directory store paths are printed under")
	f.StringVar(&opts.svc.StoreRoot, "store-root", opts.svc.StoreRoot, "directory outputs are installed into")
	f.StringVar(&opts.svc.StateDir, "state-dir", opts.svc.StateDir, "directory for lock files and scratch space")
	f.StringVar(&opts.svc.StatusAddr, "status-addr", opts.svc.StatusAddr, "serve the status API on this address while building")
	f.StringVar(&opts.svc.NotifyURL, "notify-url", opts.svc.NotifyURL, "post a CloudEvent to this URL for every finished build")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runBuild(cmd *cobra.Command, opts *buildOptions, targets []string) error {
	logger, err := newLogger(cmd)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	ctx := slogcontext.NewCtx(cmd.Context(), logger)

	mode, err := build.ParseMode(opts.mode)
	if err != nil {
		return err
	}
	if opts.output != "table" && opts.output != "json" {
		return fmt.Errorf("unknown output format %q", opts.output)
	}
	if !filepath.IsAbs(opts.svc.StoreDir) {
		return apperrors.Validation("store-dir", fmt.Sprintf("%q is not an absolute path", opts.svc.StoreDir))
	}
	dir := storepath.Dir(filepath.Clean(opts.svc.StoreDir))

	file, err := recipefile.Parse(opts.file, map[string]string{
		"store_dir": opts.svc.StoreDir,
		"system":    system(),
	})
	if err != nil {
		return err
	}
	st := store.NewMemory(dir)
	graph, err := recipefile.Load(ctx, st, file)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		targets = graph.Order
	}
	refs := make([]derivation.DerivedRef, len(targets))
	for i, t := range targets {
		if refs[i], err = graph.Ref(t); err != nil {
			return err
		}
	}

	r, closeRunner, err := newRunner(ctx, opts)
	if err != nil {
		return err
	}
	defer closeRunner()

	locks, err := pathlock.New(filepath.Join(opts.svc.StateDir, "locks"))
	if err != nil {
		return err
	}

	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}
	w := worker.New(opts.worker, metrics)
	cfg := build.Config{
		Store:  st,
		Runner: r,
		Locks:  locks,
		Mode:   mode,
	}
	checker := health.NewChecker(r)
	checker.Register("locks", health.ReadinessFunc(func(ctx context.Context) error {
		_, err := os.Stat(filepath.Join(opts.svc.StateDir, "locks"))
		return err
	}))
	if opts.svc.NotifyURL != "" {
		d := dispatcher.NewMemory(dispatcher.LoadConfigFromEnv(), metrics)
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := d.Close(closeCtx); err != nil {
				logger.Warn("Build notifications not all delivered", "error", err)
			}
		}()
		cfg.Hook = dispatcher.NewBuildHook(d, dir, "realise/"+hostname(), opts.svc.NotifyURL, opts.svc.NotifyKey)
		checker.Register("notifications", health.ReadinessFunc(func(context.Context) error {
			if n := d.Stats().BreakersOpen; n > 0 {
				return fmt.Errorf("%d notification receivers are failing", n)
			}
			return nil
		}))
	}
	env := build.NewEnv(cfg)

	logger.Info("Starting realisation",
		"targets", len(refs), "recipes", len(graph.Order), "mode", mode.String(),
		"maxJobs", w.Config().MaxBuildJobs, "runner", opts.runner)

	var results []goal.Result
	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})
	g.Go(func() error {
		defer close(done)
		defer checker.SetShuttingDown()
		var err error
		results, err = env.Realise(gctx, w, refs...)
		return err
	})
	if opts.svc.StatusAddr != "" {
		server := &http.Server{
			Addr: opts.svc.StatusAddr,
			Handler: api.NewRouter(api.RouterConfig{
				Source:         w,
				Metrics:        metrics,
				MetricsHandler: metricsHandler,
				HealthChecker:  checker,
				APIKey:         opts.svc.APIKey,
			}),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("Starting status server", "addr", opts.svc.StatusAddr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			select {
			case <-done:
			case <-gctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}
	runErr := g.Wait()

	stats := w.Stats()
	if runErr != nil {
		logger.Error("Realisation aborted", "error", runErr)
		code := stats.ExitStatus()
		if code == 0 {
			code = worker.ExitFailure
		}
		return &exitError{code: code}
	}

	rows := summarise(st.Dir(), targets, results)
	if err := writeSummary(cmd.OutOrStdout(), opts.output, rows); err != nil {
		return err
	}
	logger.Info("Realisation finished",
		"succeeded", stats.GoalsSucceeded, "failed", stats.GoalsFailed, "exitStatus", stats.ExitStatus())
	if code := stats.ExitStatus(); code != 0 {
		return &exitError{code: code}
	}
	return nil
}

func newRunner(ctx context.Context, opts *buildOptions) (builderRunner, func(), error) {
	switch opts.runner {
	case "local":
		l := runner.NewLocal(runner.LocalConfig{
			WorkDir:   filepath.Join(opts.svc.StateDir, "builds"),
			StoreRoot: opts.svc.StoreRoot,
			Path:      os.Getenv("PATH"),
		})
		return l, func() {}, nil
	case "docker":
		cfg := runner.LoadDockerConfigFromEnv()
		if opts.svc.StoreRoot != "" {
			cfg.StoreRoot = opts.svc.StoreRoot
		}
		d, err := runner.NewDocker(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		if err := d.Ready(ctx); err != nil {
			d.Close()
			return nil, nil, fmt.Errorf("docker daemon not reachable: %w", err)
		}
		return d, func() { d.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown runner %q", opts.runner)
	}
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}

// system names this host the way recipes spell it, e.g. x86_64-linux.
func system() string {
	arch := runtime.GOARCH
	switch arch {
	case "amd64":
		arch = "x86_64"
	case "arm64":
		arch = "aarch64"
	}
	return arch + "-" + runtime.GOOS
}
