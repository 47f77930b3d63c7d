package build

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"realiser/internal/apperrors"
	"realiser/internal/contentaddress"
	"realiser/internal/derivation"
	"realiser/internal/goal"
	"realiser/internal/pathlock"
	"realiser/internal/resolution"
	"realiser/internal/runner"
	"realiser/internal/store"
	"realiser/internal/storepath"
	"strings"

	slogcontext "github.com/veqryn/slog-context"
)

// Kind is the goal kind of build goals.
const Kind goal.Kind = "build"

// Outputs is the success payload of a build goal.
type Outputs struct {
	DrvPath storepath.Path
	Paths   map[string]storepath.Path
}

// OutputPath implements resolution.OutputPaths.
func (o Outputs) OutputPath(output string) (storepath.Path, bool) {
	p, ok := o.Paths[output]
	return p, ok && !p.IsZero()
}

type phase int

const (
	phaseStart phase = iota
	phaseTrampoline
	phaseResolved
	phaseBuiltResolved
	phaseLock
	phaseSlot
	phaseRun
)

type body struct {
	Spec
	phase phase

	drvPath storepath.Path
	drv     *derivation.Derivation
	typ     derivation.Type
	dep     goal.ID

	known    map[string]storepath.Path // output paths known before building
	previous map[string]*store.PathInfo

	lock *pathlock.Lock
	proc runner.Process
}

func (b *body) Step(ctx context.Context, t goal.Task) (goal.Suspension, error) {
	switch b.phase {
	case phaseStart:
		if !b.Ref.IsOpaque() {
			b.dep = t.MakeGoal(b.env.inputGoal(b.Ref.Parent(), b.Ref.Output()))
			b.phase = phaseTrampoline
			return goal.Await(b.dep), nil
		}
		b.drvPath = b.Ref.Path()
		return b.load(ctx, t)
	case phaseTrampoline:
		return b.trampoline(ctx, t)
	case phaseResolved:
		return b.resolved(ctx, t)
	case phaseBuiltResolved:
		return b.builtResolved(ctx, t)
	case phaseLock:
		return b.lockOutputs(ctx, t)
	case phaseSlot:
		return b.startBuild(ctx, t)
	case phaseRun:
		return b.finishBuild(ctx, t)
	}
	return goal.Suspension{}, apperrors.Invariant("build.step", fmt.Sprintf("unknown phase %d", b.phase))
}

// Close implements goal.Closer.
func (b *body) Close() {
	if b.lock != nil {
		_ = b.lock.Unlock()
		b.lock = nil
	}
	if b.proc != nil {
		_ = b.proc.Cleanup()
		b.proc = nil
	}
}

// trampoline reads the recipe path produced by the parent recipe.
func (b *body) trampoline(ctx context.Context, t goal.Task) (goal.Suspension, error) {
	r, _ := t.Result(b.dep)
	if !r.OK() {
		return goal.Fail(goal.FailureDependency,
			apperrors.DependencyFailed(1, b.Ref.String(), fmt.Sprint(r.Err))), nil
	}
	paths, ok := r.Payload.(resolution.OutputPaths)
	if !ok {
		return goal.Suspension{}, apperrors.Invariant("build.trampoline", "parent goal has no output paths")
	}
	p, ok := paths.OutputPath(b.Ref.Output())
	if !ok || !p.IsDerivation() {
		return goal.Suspension{}, apperrors.Configuration("build "+b.Ref.String(),
			fmt.Sprintf("output '%s' of '%s' is not a derivation", b.Ref.Output(), b.Ref.Parent()))
	}
	b.drvPath = p
	return b.load(ctx, t)
}

func (b *body) load(ctx context.Context, t goal.Task) (goal.Suspension, error) {
	logger := slogcontext.FromCtx(ctx)
	cfg := b.env.cfg

	drv := b.Drv
	if drv == nil {
		var err error
		if drv, err = cfg.EvalStore.ReadDerivation(ctx, b.drvPath); err != nil {
			return goal.Suspension{}, fmt.Errorf("build %s: %w", b.drvPath, err)
		}
	}
	typ, err := drv.Type()
	if err != nil {
		return goal.Suspension{}, apperrors.Configuration("build "+b.drvPath.String(), err.Error())
	}
	b.drv, b.typ = drv, typ

	if !typ.IsImpure() {
		valid, err := b.checkOutputs(ctx)
		if err != nil {
			return goal.Suspension{}, err
		}
		switch {
		case valid && b.Mode == Normal:
			logger.Debug("Outputs already valid", "drv", b.drvPath.String())
			return goal.Succeed(Outputs{DrvPath: b.drvPath, Paths: b.known}), nil
		case !valid && b.Mode == Check:
			return goal.Fail(goal.FailureMisconfigured, apperrors.Configuration("build "+b.drvPath.String(),
				fmt.Sprintf("some outputs of '%s' are not valid, so checking is not possible", b.drvPath))), nil
		}
	}

	b.dep = t.MakeGoal(resolution.Spec{Config: b.env.resolution, DrvPath: b.drvPath, Drv: drv})
	b.phase = phaseResolved
	return goal.Await(b.dep), nil
}

// checkOutputs finds the output paths known without building and reports
// whether all of them are known and valid. In Check mode it also records the
// existing registrations.
func (b *body) checkOutputs(ctx context.Context) (bool, error) {
	cfg := b.env.cfg
	b.known = make(map[string]storepath.Path, len(b.drv.Outputs))
	b.previous = make(map[string]*store.PathInfo, len(b.drv.Outputs))
	valid := true

	for _, name := range b.drv.OutputNames() {
		p, err := b.staticPath(name)
		if err != nil {
			return false, err
		}
		if p.IsZero() {
			r, err := cfg.Store.QueryRealisation(ctx, store.DrvOutput{DrvPath: b.drvPath, OutputName: name})
			if err != nil {
				return false, fmt.Errorf("build %s: %w", b.drvPath, err)
			}
			if r != nil {
				p = r.OutPath
			}
		}
		if p.IsZero() {
			valid = false
			continue
		}
		b.known[name] = p

		info, err := cfg.Store.QueryPathInfo(ctx, p)
		if err != nil {
			return false, fmt.Errorf("build %s: %w", b.drvPath, err)
		}
		if info == nil {
			valid = false
			continue
		}
		b.previous[name] = info
	}
	return valid, nil
}

// staticPath returns the path of output when it does not depend on the
// build, or the zero Path.
func (b *body) staticPath(output string) (storepath.Path, error) {
	o := b.drv.Outputs[output]
	switch o.Kind {
	case derivation.OutputInputAddressed:
		return o.Path, nil
	case derivation.OutputCAFixed:
		return b.env.cfg.Store.MakeContentAddressedPath(derivation.OutputPathName(b.drv.Name, output),
			contentaddress.WithReferences{ContentAddress: o.CA})
	}
	return storepath.Path{}, nil
}

func (b *body) resolved(ctx context.Context, t goal.Task) (goal.Suspension, error) {
	r, _ := t.Result(b.dep)
	if !r.OK() {
		kind := goal.FailureDependency
		if r.Failure == goal.FailureMisconfigured {
			kind = goal.FailureMisconfigured
		}
		return goal.Fail(kind, r.Err), nil
	}
	res, ok := r.Payload.(resolution.Resolved)
	if !ok {
		return goal.Suspension{}, apperrors.Invariant("build.resolved", "resolution goal has no resolved derivation")
	}
	if res.Changed {
		slogcontext.FromCtx(ctx).Info("Building resolved derivation", "drv", b.drvPath.String(), "resolved", res.DrvPath.String())
		b.dep = t.MakeGoal(Spec{env: b.env, Ref: derivation.Opaque(res.DrvPath), Mode: b.Mode, Drv: res.Drv})
		b.phase = phaseBuiltResolved
		return goal.Await(b.dep), nil
	}
	return b.lockOutputs(ctx, t)
}

// builtResolved maps the outputs of the resolved recipe back onto this one.
func (b *body) builtResolved(ctx context.Context, t goal.Task) (goal.Suspension, error) {
	r, _ := t.Result(b.dep)
	if !r.OK() {
		return goal.Fail(goal.FailureDependency,
			apperrors.DependencyFailed(1, b.drvPath.String(), fmt.Sprint(r.Err))), nil
	}
	built, ok := r.Payload.(Outputs)
	if !ok {
		return goal.Suspension{}, apperrors.Invariant("build.builtResolved", "resolved build has no outputs")
	}

	paths := make(map[string]storepath.Path, len(b.drv.Outputs))
	for _, name := range b.drv.OutputNames() {
		p, ok := built.OutputPath(name)
		if !ok {
			return goal.Suspension{}, fmt.Errorf("build %s: resolved derivation %s did not produce output %q",
				b.drvPath, built.DrvPath, name)
		}
		paths[name] = p
		if b.drv.Outputs[name].Kind == derivation.OutputImpure {
			continue
		}
		if s, done := b.registerRealisation(ctx, name, p); done {
			return s, nil
		}
	}
	return goal.Succeed(Outputs{DrvPath: b.drvPath, Paths: paths}), nil
}

// registerRealisation records that output of this recipe ended up at p. A
// different path recorded earlier means the recipe is not deterministic.
func (b *body) registerRealisation(ctx context.Context, output string, p storepath.Path) (goal.Suspension, bool) {
	err := b.env.cfg.Store.RegisterRealisation(ctx, store.Realisation{
		ID:      store.DrvOutput{DrvPath: b.drvPath, OutputName: output},
		OutPath: p,
	})
	switch {
	case err == nil:
		return goal.Suspension{}, false
	case errors.Is(err, apperrors.ErrConflict):
		return goal.Fail(goal.FailureNotDeterministic, fmt.Errorf(
			"derivation '%s' may not be deterministic: output '%s' differs from an earlier build: %w", b.drvPath, output, err)), true
	default:
		return goal.Fail(goal.FailureInternal, err), true
	}
}

func (b *body) lockOutputs(ctx context.Context, t goal.Task) (goal.Suspension, error) {
	cfg := b.env.cfg
	if cfg.Locks != nil && b.lock == nil {
		names := []string{b.drvPath.String()}
		for _, p := range b.known {
			names = append(names, p.String())
		}
		lock, ok, err := cfg.Locks.TryLock(names...)
		if err != nil {
			return goal.Suspension{}, err
		}
		if !ok {
			slogcontext.FromCtx(ctx).Debug("Output locks are held elsewhere, waiting", "drv", b.drvPath.String())
			b.phase = phaseLock
			return goal.WaitForAWhile(), nil
		}
		b.lock = lock

		// Whoever held the locks may have built the outputs meanwhile.
		if b.Mode == Normal && !b.typ.IsImpure() {
			valid, err := b.checkOutputs(ctx)
			if err != nil {
				return goal.Suspension{}, err
			}
			if valid {
				return goal.Succeed(Outputs{DrvPath: b.drvPath, Paths: b.known}), nil
			}
		}
	}
	return b.startBuild(ctx, t)
}

func (b *body) startBuild(ctx context.Context, t goal.Task) (goal.Suspension, error) {
	if !t.AcquireBuildSlot() {
		b.phase = phaseSlot
		return goal.WaitForBuildSlot(), nil
	}
	cfg := b.env.cfg
	proc, err := cfg.Runner.Start(ctx, &runner.Job{DrvPath: b.drvPath, Drv: b.drv, StoreDir: cfg.Store.Dir()})
	if err != nil {
		return goal.Suspension{}, fmt.Errorf("start builder for %s: %w", b.drvPath, err)
	}
	b.proc = proc
	t.StartChild(proc, cfg.Child)
	b.phase = phaseRun
	slogcontext.FromCtx(ctx).Info("Building", "drv", b.drvPath.String(), "mode", b.Mode.String())
	return goal.WaitForProcess(), nil
}

func (b *body) finishBuild(ctx context.Context, t goal.Task) (goal.Suspension, error) {
	t.ReleaseBuildSlot()
	exit := t.ChildExit()
	switch {
	case exit.TimedOut:
		return goal.Fail(goal.FailureTimedOut, fmt.Errorf("builder for '%s' timed out", b.drvPath)), nil
	case exit.Err != nil:
		return goal.Fail(goal.FailurePermanent, fmt.Errorf("builder for '%s' failed: %w", b.drvPath, exit.Err)), nil
	case exit.Code != 0:
		return goal.Fail(goal.FailurePermanent, fmt.Errorf("builder for '%s' failed with exit code %d%s",
			b.drvPath, exit.Code, logTail(exit.Tail))), nil
	}

	produced, err := b.proc.Outputs()
	if err != nil {
		return goal.Fail(goal.FailurePermanent, fmt.Errorf("builder for '%s': %w", b.drvPath, err)), nil
	}
	return b.register(ctx, produced)
}

func logTail(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return ";\nlast " + fmt.Sprint(len(lines)) + " log lines:\n> " + strings.Join(lines, "\n> ")
}

// register computes the final output paths, verifies them and, unless
// checking, installs and registers the outputs.
func (b *body) register(ctx context.Context, produced map[string]runner.Output) (goal.Suspension, error) {
	cfg := b.env.cfg
	logger := slogcontext.FromCtx(ctx)
	paths := make(map[string]storepath.Path, len(b.drv.Outputs))
	infos := make([]store.PathInfo, 0, len(b.drv.Outputs))

	for _, name := range b.drv.OutputNames() {
		o := b.drv.Outputs[name]
		got, ok := produced[name]
		if !ok {
			return goal.Fail(goal.FailurePermanent, fmt.Errorf("builder for '%s' failed to produce output '%s'", b.drvPath, name)), nil
		}

		info := store.PathInfo{Deriver: b.drvPath, NarHash: got.Hash}
		switch o.Kind {
		case derivation.OutputInputAddressed:
			info.Path = o.Path
		case derivation.OutputCAFixed:
			if got.Hash != o.CA.Hash {
				return goal.Fail(goal.FailureHashMismatch, fmt.Errorf(
					"hash mismatch in fixed-output derivation '%s':\n  specified: %s\n     got:    %s", b.drvPath, o.CA.Hash, got.Hash)), nil
			}
			p, err := b.staticPath(name)
			if err != nil {
				return goal.Suspension{}, err
			}
			info.Path = p
			info.CA = &contentaddress.WithReferences{ContentAddress: o.CA}
		case derivation.OutputCAFloating, derivation.OutputImpure:
			ca, err := contentaddress.FromParts(o.Method, got.Hash, contentaddress.References{})
			if err != nil {
				return goal.Fail(goal.FailurePermanent, fmt.Errorf("output '%s' of '%s': %w", name, b.drvPath, err)), nil
			}
			p, err := cfg.Store.MakeContentAddressedPath(derivation.OutputPathName(b.drv.Name, name), ca)
			if err != nil {
				return goal.Suspension{}, err
			}
			info.Path = p
			info.CA = &ca
		default:
			return goal.Suspension{}, apperrors.Invariant("build.register",
				fmt.Sprintf("output '%s' of '%s' is still deferred", name, b.drvPath))
		}

		if b.Mode == Check {
			prev := b.previous[name]
			if prev == nil || prev.Path != info.Path || (prev.NarHash != "" && prev.NarHash != got.Hash) {
				return goal.Fail(goal.FailureNotDeterministic, fmt.Errorf(
					"derivation '%s' may not be deterministic: output '%s' differs", b.drvPath, info.Path)), nil
			}
		}
		paths[name] = info.Path
		infos = append(infos, info)
	}

	if b.Mode == Check {
		logger.Info("Outputs are reproducible", "drv", b.drvPath.String())
		b.notify(ctx, paths)
		return goal.Succeed(Outputs{DrvPath: b.drvPath, Paths: paths}), nil
	}

	for i, name := range b.drv.OutputNames() {
		info := infos[i]
		if err := b.proc.Install(name, info.Path); err != nil {
			return goal.Suspension{}, err
		}
		if err := cfg.Store.AddValidPath(ctx, info); err != nil {
			return goal.Suspension{}, fmt.Errorf("register %s: %w", info.Path, err)
		}
		kind := b.drv.Outputs[name].Kind
		if kind == derivation.OutputCAFloating || kind == derivation.OutputCAFixed {
			if s, done := b.registerRealisation(ctx, name, info.Path); done {
				return s, nil
			}
		}
	}
	logger.Info("Built derivation", "drv", b.drvPath.String(), "outputs", len(paths))
	b.notify(ctx, paths)
	return goal.Succeed(Outputs{DrvPath: b.drvPath, Paths: paths}), nil
}

func (b *body) notify(ctx context.Context, paths map[string]storepath.Path) {
	if hook := b.env.cfg.Hook; hook != nil {
		hook.Built(ctx, Built{DrvPath: b.drvPath, Name: b.drv.Name, Mode: b.Mode, Outputs: maps.Clone(paths)})
	}
}
