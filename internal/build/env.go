// Package build implements the goal that realises the outputs of a recipe,
// building it when its outputs are not known to be valid.
package build

import (
	"context"
	"fmt"
	"realiser/internal/derivation"
	"realiser/internal/goal"
	"realiser/internal/pathlock"
	"realiser/internal/resolution"
	"realiser/internal/runner"
	"realiser/internal/store"
	"realiser/internal/storepath"
	"realiser/internal/worker"
	"strings"
)

// Config holds what build goals need to do their work.
type Config struct {
	Store     store.Store
	EvalStore store.Store // Where recipes are read from (default: Store)
	Runner    runner.Runner
	Locks     *pathlock.Locker // Output path locks, nil to disable
	Mode      Mode
	Options   derivation.ResolveOptions
	Child     goal.ChildOptions // Per-build limits, zero for the worker's defaults
	Hook      Hook              // Told about every derivation built by a builder, nil for none
}

// Hook observes finished builds. It is called from the worker's control
// loop, so it must not block.
type Hook interface {
	Built(ctx context.Context, b Built)
}

// Built describes a derivation a builder just produced outputs for.
type Built struct {
	DrvPath storepath.Path
	Name    string
	Mode    Mode
	Outputs map[string]storepath.Path
}

// Env wires build goals and resolution goals together. One Env is shared by
// all goals of a run.
type Env struct {
	cfg        Config
	resolution *resolution.Config
}

// NewEnv creates an Env.
func NewEnv(cfg Config) *Env {
	if cfg.EvalStore == nil {
		cfg.EvalStore = cfg.Store
	}
	e := &Env{cfg: cfg}
	e.resolution = &resolution.Config{
		Store:     cfg.Store,
		EvalStore: cfg.EvalStore,
		Options:   cfg.Options,
		Fallback:  resolution.NewFallbackCache(),
	}
	e.resolution.InputGoal = func(ref derivation.DerivedRef, outputs []string) goal.Spec {
		return e.inputGoal(ref, outputs...)
	}
	return e
}

// Mode returns the build mode.
func (e *Env) Mode() Mode { return e.cfg.Mode }

// Fallback returns the cache of store queries made by resolution goals.
func (e *Env) Fallback() *resolution.FallbackCache { return e.resolution.Fallback }

// Goal returns the spec of the goal realising the recipe ref refers to in
// the Env's mode. All outputs are built; wanted only names the ones the
// requester cares about.
func (e *Env) Goal(ref derivation.DerivedRef, wanted ...string) Spec {
	return Spec{env: e, Ref: ref, Wanted: wanted, Mode: e.cfg.Mode}
}

// inputGoal is Goal for the inputs of a requested recipe. Inputs are only
// checked when they are missing; repairing repairs them too.
func (e *Env) inputGoal(ref derivation.DerivedRef, wanted ...string) Spec {
	mode := Normal
	if e.cfg.Mode == Repair {
		mode = Repair
	}
	return Spec{env: e, Ref: ref, Wanted: wanted, Mode: mode}
}

// Realise runs goals for refs on w until they are done and returns their
// results in the order of refs. The goals are released afterwards.
func (e *Env) Realise(ctx context.Context, w *worker.Worker, refs ...derivation.DerivedRef) ([]goal.Result, error) {
	ids := make([]goal.ID, len(refs))
	for i, ref := range refs {
		ids[i] = w.MakeGoal(e.Goal(ref))
	}
	defer w.Release(ids...)

	if err := w.Run(ctx, ids...); err != nil {
		return nil, err
	}
	results := make([]goal.Result, len(ids))
	for i, id := range ids {
		r, ok := w.Result(id)
		if !ok {
			return nil, fmt.Errorf("goal for %s has no result", refs[i])
		}
		results[i] = r
	}
	return results, nil
}

// Spec describes the build goal for one recipe.
type Spec struct {
	env    *Env
	Ref    derivation.DerivedRef
	Wanted []string
	Mode   Mode
	// Drv is read from the eval store when nil.
	Drv *derivation.Derivation
}

// Key implements goal.Spec.
func (s Spec) Key() goal.Key {
	target := s.Ref.String()
	if s.Mode != Normal {
		target += "@" + s.Mode.String()
	}
	return goal.Key{Kind: Kind, Target: target}
}

// Name implements goal.Named.
func (s Spec) Name() string {
	if s.Ref.IsOpaque() {
		return strings.TrimSuffix(s.Ref.Path().Name(), ".drv")
	}
	return s.Ref.String()
}

// New implements goal.Spec.
func (s Spec) New() goal.Body {
	return &body{Spec: s}
}
