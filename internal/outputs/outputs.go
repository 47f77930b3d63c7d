// Package outputs answers "where did this output end up" for recipes whose
// outputs may only be known after their inputs were built.
package outputs

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"realiser/internal/apperrors"
	"realiser/internal/derivation"
	"realiser/internal/store"
	"realiser/internal/storepath"
)

// RealisationLookup finds the recorded realisation of a recipe output. It
// returns nil when none is known.
type RealisationLookup func(ctx context.Context, id store.DrvOutput) (*store.Realisation, error)

// StoreLookup looks realisations up in s.
func StoreLookup(s store.Store) RealisationLookup {
	return s.QueryRealisation
}

// Resolver runs output queries against a store pair. Recipes are read from
// EvalStore, realisations come from Lookup. The zero values of EvalStore and
// Lookup fall back to Store.
type Resolver struct {
	Store     store.Store
	EvalStore store.Store
	Lookup    RealisationLookup
	Options   derivation.ResolveOptions
}

// New returns a resolver reading recipes and realisations from s.
func New(s store.Store, opts derivation.ResolveOptions) *Resolver {
	return &Resolver{Store: s, Options: opts}
}

func (r *Resolver) evalStore() store.Store {
	if r.EvalStore != nil {
		return r.EvalStore
	}
	return r.Store
}

func (r *Resolver) lookup() RealisationLookup {
	if r.Lookup != nil {
		return r.Lookup
	}
	return StoreLookup(r.Store)
}

// ResolveIfNeeded reads the recipe at drvPath and, when it needs resolution,
// substitutes the realised paths of its inputs. It returns the recipe and its
// path unchanged when no resolution is needed.
func (r *Resolver) ResolveIfNeeded(ctx context.Context, drvPath storepath.Path) (*derivation.Derivation, storepath.Path, error) {
	drv, err := r.evalStore().ReadDerivation(ctx, drvPath)
	if err != nil {
		return nil, storepath.Path{}, err
	}
	need, err := drv.ShouldResolve(r.Options)
	if err != nil {
		return nil, storepath.Path{}, apperrors.Configuration("resolve "+drvPath.String(), err.Error())
	}
	if !need {
		return drv, drvPath, nil
	}

	var lookupErr error
	lookup := func(input derivation.DerivedRef, output string) (storepath.Path, bool) {
		if lookupErr != nil {
			return storepath.Path{}, false
		}
		inputPath, err := r.RefPath(ctx, input)
		if err != nil {
			lookupErr = err
			return storepath.Path{}, false
		}
		p, ok, err := r.QueryOutput(ctx, inputPath, output)
		if err != nil {
			lookupErr = err
			return storepath.Path{}, false
		}
		if !ok {
			lookupErr = apperrors.MissingRealisation(input.String(), output)
		}
		return p, ok
	}

	resolved, ok := drv.TryResolve(r.Store.Dir(), lookup)
	if !ok {
		if lookupErr == nil {
			lookupErr = fmt.Errorf("resolve %s: inputs not realised", drvPath)
		}
		return nil, storepath.Path{}, lookupErr
	}
	resolvedPath, err := r.Store.ComputeDerivationPath(resolved)
	if err != nil {
		return nil, storepath.Path{}, err
	}
	return resolved, resolvedPath, nil
}

// RefPath returns the recipe path ref stands for. A built reference is only
// known once the output naming it was realised.
func (r *Resolver) RefPath(ctx context.Context, ref derivation.DerivedRef) (storepath.Path, error) {
	if ref.IsOpaque() {
		return ref.Path(), nil
	}
	parent, err := r.RefPath(ctx, ref.Parent())
	if err != nil {
		return storepath.Path{}, err
	}
	p, ok, err := r.QueryOutput(ctx, parent, ref.Output())
	if err != nil {
		return storepath.Path{}, err
	}
	if !ok {
		return storepath.Path{}, apperrors.MissingRealisation(parent.String(), ref.Output())
	}
	return p, nil
}

// QueryOutput returns the path of one output of the recipe at drvPath, and
// false when it is not known yet.
func (r *Resolver) QueryOutput(ctx context.Context, drvPath storepath.Path, output string) (storepath.Path, bool, error) {
	static, err := r.evalStore().QueryStaticOutputMap(ctx, drvPath)
	if err != nil {
		return storepath.Path{}, false, err
	}
	p, ok := static[output]
	if !ok {
		return storepath.Path{}, false, apperrors.Configuration("query "+drvPath.String(),
			fmt.Sprintf("recipe has no output %q", output))
	}
	if !p.IsZero() {
		return p, true, nil
	}
	m, err := r.realise(ctx, drvPath, []string{output})
	if err != nil {
		return storepath.Path{}, false, err
	}
	p = m[output]
	return p, !p.IsZero(), nil
}

// QueryOutputMap returns every output of the recipe at drvPath. Outputs whose
// path is not known yet map to the zero Path.
func (r *Resolver) QueryOutputMap(ctx context.Context, drvPath storepath.Path) (map[string]storepath.Path, error) {
	static, err := r.evalStore().QueryStaticOutputMap(ctx, drvPath)
	if err != nil {
		return nil, err
	}
	var floating []string
	for name, p := range static {
		if p.IsZero() {
			floating = append(floating, name)
		}
	}
	if len(floating) == 0 {
		return static, nil
	}
	realised, err := r.realise(ctx, drvPath, floating)
	if err != nil {
		return nil, err
	}
	m := maps.Clone(static)
	maps.Copy(m, realised)
	return m, nil
}

// QueryOutputMapStrict is QueryOutputMap, failing with
// apperrors.ErrMissingRealisation when any output is unknown.
func (r *Resolver) QueryOutputMapStrict(ctx context.Context, drvPath storepath.Path) (map[string]storepath.Path, error) {
	m, err := r.QueryOutputMap(ctx, drvPath)
	if err != nil {
		return nil, err
	}
	drv, err := r.evalStore().ReadDerivation(ctx, drvPath)
	if err != nil {
		return nil, err
	}
	for _, name := range drv.OutputNames() {
		if m[name].IsZero() {
			return nil, apperrors.MissingRealisation(drvPath.String(), name)
		}
	}
	return m, nil
}

// realise looks up realisations of the named outputs against the resolved
// form of the recipe. Inputs that are not realised yet leave the outputs
// unknown rather than failing the query.
func (r *Resolver) realise(ctx context.Context, drvPath storepath.Path, names []string) (map[string]storepath.Path, error) {
	_, resolvedPath, err := r.ResolveIfNeeded(ctx, drvPath)
	switch {
	case errors.Is(err, apperrors.ErrMissingRealisation):
		return map[string]storepath.Path{}, nil
	case err != nil:
		return nil, err
	}

	lookup := r.lookup()
	out := make(map[string]storepath.Path, len(names))
	for _, name := range names {
		found, err := lookup(ctx, store.DrvOutput{DrvPath: resolvedPath, OutputName: name})
		if err != nil {
			return nil, fmt.Errorf("query realisation %s^%s: %w", resolvedPath, name, err)
		}
		if found == nil && resolvedPath != drvPath {
			// Builds of unresolved recipes record realisations for both forms.
			found, err = lookup(ctx, store.DrvOutput{DrvPath: drvPath, OutputName: name})
			if err != nil {
				return nil, fmt.Errorf("query realisation %s^%s: %w", drvPath, name, err)
			}
		}
		if found != nil {
			out[name] = found.OutPath
		}
	}
	return out, nil
}
