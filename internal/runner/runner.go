// Package runner starts recipe builders as child processes.
//
// A runner prepares a scratch area per job, points every output of the
// recipe at a location inside it and starts the builder there. Once the
// builder exited, the outputs it left behind can be hashed and installed
// into the store directory.
package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"realiser/internal/contentaddress"
	"realiser/internal/derivation"
	"realiser/internal/goal"
	"realiser/internal/storepath"
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Job is one builder invocation.
type Job struct {
	DrvPath  storepath.Path
	Drv      *derivation.Derivation
	StoreDir storepath.Dir
}

// Output is what a builder produced for one recipe output.
type Output struct {
	Hash digest.Digest
	Size int64
}

// Process is a started builder.
type Process interface {
	goal.Process

	// Outputs hashes the outputs the builder left behind. It must only be
	// called after Wait returned.
	Outputs() (map[string]Output, error)

	// Install moves output into the store directory as path. Runners
	// without a physical store directory discard the output instead.
	Install(output string, path storepath.Path) error

	// Cleanup removes the scratch area.
	Cleanup() error
}

// Runner starts builders.
type Runner interface {
	Start(ctx context.Context, job *Job) (Process, error)
}

// scratch is the per-job working area shared by all runners.
type scratch struct {
	root      string
	storeRoot string // physical store directory, empty to discard outputs
	methods   map[string]hashMethod
}

type hashMethod struct {
	method contentaddress.Method
	algo   digest.Algorithm
}

func newScratch(workDir, storeRoot string, job *Job) (*scratch, error) {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}
	root, err := os.MkdirTemp(workDir, job.DrvPath.HashPart()+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	for _, dir := range []string{"build", "outputs"} {
		if err := os.Mkdir(filepath.Join(root, dir), 0o755); err != nil {
			_ = os.RemoveAll(root)
			return nil, fmt.Errorf("failed to create scratch directory: %w", err)
		}
	}

	s := &scratch{root: root, storeRoot: storeRoot, methods: make(map[string]hashMethod)}
	for name, o := range job.Drv.Outputs {
		m := hashMethod{method: o.Method, algo: o.HashAlgo}
		switch o.Kind {
		case derivation.OutputInputAddressed, derivation.OutputDeferred:
			m = hashMethod{method: contentaddress.NixArchive, algo: digest.SHA256}
		case derivation.OutputCAFixed:
			m = hashMethod{method: o.CA.Method, algo: o.CA.Hash.Algorithm()}
		}
		if m.algo == "" {
			m.algo = digest.SHA256
		}
		s.methods[name] = m
	}
	return s, nil
}

// outputPath is where the builder must leave output, under base.
func outputPath(base, output string) string {
	return filepath.Join(base, "outputs", output)
}

// environment builds the builder's environment. base is the scratch root
// as the builder sees it.
func environment(job *Job, base string) []string {
	env := map[string]string{
		"NIX_BUILD_TOP": filepath.Join(base, "build"),
		"TMPDIR":        filepath.Join(base, "build"),
		"HOME":          "/homeless-shelter",
		"NIX_STORE":     string(job.StoreDir),
	}
	for k, v := range job.Drv.Env {
		env[k] = v
	}
	pairs := make([]string, 0, 2*len(job.Drv.Outputs))
	for name := range job.Drv.Outputs {
		pairs = append(pairs, derivation.OutputPlaceholder(name), outputPath(base, name))
	}
	r := strings.NewReplacer(pairs...)
	for k, v := range env {
		env[k] = r.Replace(v)
	}
	for name := range job.Drv.Outputs {
		env[name] = outputPath(base, name)
	}

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// command returns the builder and its arguments with output placeholders
// replaced.
func command(job *Job, base string) []string {
	pairs := make([]string, 0, 2*len(job.Drv.Outputs))
	for name := range job.Drv.Outputs {
		pairs = append(pairs, derivation.OutputPlaceholder(name), outputPath(base, name))
	}
	r := strings.NewReplacer(pairs...)
	cmd := []string{r.Replace(job.Drv.Builder)}
	for _, a := range job.Drv.Args {
		cmd = append(cmd, r.Replace(a))
	}
	return cmd
}

func (s *scratch) outputs() (map[string]Output, error) {
	out := make(map[string]Output, len(s.methods))
	for name, m := range s.methods {
		p := outputPath(s.root, name)
		if _, err := os.Lstat(p); err != nil {
			return nil, fmt.Errorf("builder failed to produce output %q", name)
		}
		h, size, err := HashPath(p, m.method, m.algo)
		if err != nil {
			return nil, fmt.Errorf("hash output %q: %w", name, err)
		}
		out[name] = Output{Hash: h, Size: size}
	}
	return out, nil
}

func (s *scratch) install(output string, path storepath.Path) error {
	if _, ok := s.methods[output]; !ok {
		return fmt.Errorf("unknown output %q", output)
	}
	if s.storeRoot == "" {
		return nil
	}
	dest := filepath.Join(s.storeRoot, path.String())
	if err := os.RemoveAll(dest); err != nil {
		return fmt.Errorf("install %s: %w", path, err)
	}
	if err := os.Rename(outputPath(s.root, output), dest); err != nil {
		return fmt.Errorf("install %s: %w", path, err)
	}
	return nil
}

func (s *scratch) cleanup() error {
	return os.RemoveAll(s.root)
}
