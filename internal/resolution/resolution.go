// Package resolution implements the goal that rewrites a recipe against the
// realised outputs of its inputs.
//
// The goal requests a goal for every input output the recipe refers to,
// waits for all of them and, when the recipe needs it, substitutes the
// produced paths for the input references. It never builds the recipe
// itself.
package resolution

import (
	"context"
	"fmt"
	"realiser/internal/apperrors"
	"realiser/internal/derivation"
	"realiser/internal/goal"
	"realiser/internal/outputs"
	"realiser/internal/store"
	"realiser/internal/storepath"
	"slices"

	slogcontext "github.com/veqryn/slog-context"
)

// Kind is the goal kind of resolution goals.
const Kind goal.Kind = "resolve"

// OutputPaths is implemented by the success payloads of goals that realise
// recipe outputs.
type OutputPaths interface {
	OutputPath(output string) (storepath.Path, bool)
}

// Resolved is the success payload of a resolution goal.
type Resolved struct {
	Drv     *derivation.Derivation
	DrvPath storepath.Path
	// Changed is false when the recipe is returned as it was.
	Changed bool
}

// Config is shared by all resolution goals of a run.
type Config struct {
	Store     store.Store
	EvalStore store.Store // defaults to Store
	Options   derivation.ResolveOptions

	// InputGoal returns the goal realising outputs of the recipe ref refers
	// to. Its success payload must implement OutputPaths.
	InputGoal func(ref derivation.DerivedRef, outputs []string) goal.Spec

	// Fallback caches store queries made when goal results miss an output.
	// Nil disables caching.
	Fallback *FallbackCache
}

func (c *Config) evalStore() store.Store {
	if c.EvalStore != nil {
		return c.EvalStore
	}
	return c.Store
}

func (c *Config) resolver() *outputs.Resolver {
	return &outputs.Resolver{Store: c.Store, EvalStore: c.evalStore(), Options: c.Options}
}

// Spec describes the resolution goal for one recipe.
type Spec struct {
	Config  *Config
	DrvPath storepath.Path
	// Drv is read from the eval store when nil.
	Drv *derivation.Derivation
}

// Key implements goal.Spec.
func (s Spec) Key() goal.Key {
	return goal.Key{Kind: Kind, Target: s.DrvPath.String()}
}

// Name implements goal.Named.
func (s Spec) Name() string {
	return "resolve " + s.DrvPath.Name()
}

// New implements goal.Spec.
func (s Spec) New() goal.Body {
	return &body{Spec: s, byRef: make(map[string]goal.ID)}
}

type input struct {
	ref     derivation.DerivedRef
	outputs []string
	id      goal.ID
}

type body struct {
	Spec
	drv     *derivation.Derivation
	inputs  []input
	byRef   map[string]goal.ID
	awaited bool
}

func (b *body) Step(ctx context.Context, t goal.Task) (goal.Suspension, error) {
	if !b.awaited {
		return b.requestInputs(ctx, t)
	}
	return b.resolve(ctx, t)
}

// requestInputs asks for a goal per referenced input and awaits them all.
func (b *body) requestInputs(ctx context.Context, t goal.Task) (goal.Suspension, error) {
	drv := b.Drv
	if drv == nil {
		var err error
		if drv, err = b.Config.evalStore().ReadDerivation(ctx, b.DrvPath); err != nil {
			return goal.Suspension{}, fmt.Errorf("resolve %s: %w", b.DrvPath, err)
		}
	}
	b.drv = drv

	typ, err := drv.Type()
	if err != nil {
		return goal.Suspension{}, apperrors.Configuration("resolve "+b.DrvPath.String(), err.Error())
	}
	// Fixed outputs may depend on anything, impure ones too.
	checkImpure := typ.IsPure() && !typ.IsFixed()

	for _, p := range drv.InputPaths() {
		if err := b.addInput(ctx, t, derivation.Opaque(p), drv.InputDrvs[p], checkImpure); err != nil {
			return goal.Suspension{}, err
		}
	}

	b.awaited = true
	ids := make([]goal.ID, len(b.inputs))
	for i, in := range b.inputs {
		ids[i] = in.id
	}
	slogcontext.FromCtx(ctx).Debug("Waiting for inputs", "inputs", len(ids))
	return goal.Await(ids...), nil
}

func (b *body) addInput(ctx context.Context, t goal.Task, ref derivation.DerivedRef, node *derivation.InputNode, checkImpure bool) error {
	if checkImpure && ref.IsOpaque() {
		in, err := b.Config.evalStore().ReadDerivation(ctx, ref.Path())
		if err != nil {
			return fmt.Errorf("resolve %s: read input: %w", b.DrvPath, err)
		}
		typ, err := in.Type()
		if err != nil {
			return apperrors.Configuration("resolve "+b.DrvPath.String(), err.Error())
		}
		if typ.IsImpure() {
			return apperrors.Configuration("resolve "+b.DrvPath.String(), fmt.Sprintf(
				"pure derivation '%s' depends on impure derivation '%s'", b.DrvPath, ref.Path()))
		}
	}

	wanted := slices.Clone(node.Outputs)
	for name := range node.Children {
		wanted = append(wanted, name)
	}
	slices.Sort(wanted)
	wanted = slices.Compact(wanted)
	if len(wanted) > 0 {
		id := t.MakeGoal(b.Config.InputGoal(ref, wanted))
		b.inputs = append(b.inputs, input{ref: ref, outputs: wanted, id: id})
		b.byRef[ref.String()] = id
	}

	names := make([]string, 0, len(node.Children))
	for name := range node.Children {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if err := b.addInput(ctx, t, derivation.Built(ref, name), node.Children[name], checkImpure); err != nil {
			return err
		}
	}
	return nil
}

// resolve runs once every input goal finished.
func (b *body) resolve(ctx context.Context, t goal.Task) (goal.Suspension, error) {
	logger := slogcontext.FromCtx(ctx)

	if n := t.Failed(); n > 0 {
		return goal.Fail(goal.FailureDependency, apperrors.DependencyFailed(n, b.DrvPath.String(), b.firstFailure(t))), nil
	}

	need, err := b.drv.ShouldResolve(b.Config.Options)
	if err != nil {
		return goal.Suspension{}, apperrors.Configuration("resolve "+b.DrvPath.String(), err.Error())
	}
	if !need {
		return goal.Succeed(Resolved{Drv: b.drv, DrvPath: b.DrvPath}), nil
	}

	dir := b.Config.Store.Dir()
	resolved, ok := b.drv.TryResolve(dir, b.goalLookup(t))
	if !ok {
		logger.Warn("Input realisations missing from goal results, querying the store")
		var lookupErr error
		resolved, ok = b.drv.TryResolve(dir, orElse(b.goalLookup(t), b.storeLookup(ctx, &lookupErr)))
		if !ok {
			if lookupErr == nil {
				lookupErr = fmt.Errorf("resolve %s: inputs are not realised", b.DrvPath)
			}
			return goal.Suspension{}, lookupErr
		}
	}

	path, err := b.Config.Store.WriteDerivation(ctx, resolved, true)
	if err != nil {
		return goal.Suspension{}, fmt.Errorf("resolve %s: write resolved derivation: %w", b.DrvPath, err)
	}
	// The store fills in deferred output paths on write.
	if resolved, err = b.Config.Store.ReadDerivation(ctx, path); err != nil {
		return goal.Suspension{}, fmt.Errorf("resolve %s: read resolved derivation: %w", b.DrvPath, err)
	}
	logger.Info("Resolved derivation", "drv", b.DrvPath.String(), "resolved", path.String())
	return goal.Succeed(Resolved{Drv: resolved, DrvPath: path, Changed: path != b.DrvPath}), nil
}

func (b *body) firstFailure(t goal.Task) string {
	for _, in := range b.inputs {
		r, ok := t.Result(in.id)
		if ok && !r.OK() {
			return fmt.Sprintf("%s: %v", in.ref, r.Err)
		}
	}
	return ""
}

// goalLookup reads output paths from the results of the input goals.
func (b *body) goalLookup(t goal.Task) derivation.OutputLookup {
	return func(ref derivation.DerivedRef, output string) (storepath.Path, bool) {
		id, ok := b.byRef[ref.String()]
		if !ok {
			return storepath.Path{}, false
		}
		r, ok := t.Result(id)
		if !ok || !r.OK() {
			return storepath.Path{}, false
		}
		paths, ok := r.Payload.(OutputPaths)
		if !ok {
			return storepath.Path{}, false
		}
		return paths.OutputPath(output)
	}
}

// orElse asks second only for what first does not know.
func orElse(first, second derivation.OutputLookup) derivation.OutputLookup {
	return func(ref derivation.DerivedRef, output string) (storepath.Path, bool) {
		if p, ok := first(ref, output); ok {
			return p, true
		}
		return second(ref, output)
	}
}

// storeLookup queries the store pair directly.
func (b *body) storeLookup(ctx context.Context, errp *error) derivation.OutputLookup {
	resolver := b.Config.resolver()
	return func(ref derivation.DerivedRef, output string) (storepath.Path, bool) {
		m, err := b.Config.Fallback.Outputs(ctx, resolver, ref)
		if err != nil {
			*errp = err
			return storepath.Path{}, false
		}
		p := m[output]
		if p.IsZero() {
			*errp = apperrors.MissingRealisation(ref.String(), output)
			return storepath.Path{}, false
		}
		return p, true
	}
}
