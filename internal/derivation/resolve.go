package derivation

import (
	"log/slog"
	"realiser/internal/storepath"
	"slices"
	"strings"
)

// ResolveOptions are the feature switches that influence resolution.
type ResolveOptions struct {
	// ResolveFixed also resolves fixed-output recipes that have inputs. This
	// is never required, but avoids rebuilds when inputs change without
	// changing their content.
	ResolveFixed bool
}

// ShouldResolve reports whether the recipe must (or usefully can) be
// rewritten against its realised inputs before building. A recipe without
// input recipes never needs resolution.
func (d *Derivation) ShouldResolve(opts ResolveOptions) (bool, error) {
	if !d.HasInputDrvs() {
		return false, nil
	}
	t, err := d.Type()
	if err != nil {
		return false, err
	}
	if d.HasDynamicInputs() {
		return true, nil
	}
	switch t {
	case TypeImpure, TypeCAFloating, TypeDeferred:
		return true, nil
	case TypeCAFixed:
		return opts.ResolveFixed, nil
	default:
		return false, nil
	}
}

// OutputLookup returns the realised path of output of the recipe input
// refers to, or false when it is not known.
type OutputLookup func(input DerivedRef, output string) (storepath.Path, bool)

// TryResolve returns a copy of d without input recipes: every wanted input
// output becomes an input source, and every placeholder for it is replaced
// with its printed path. It returns false as soon as lookup misses.
func (d *Derivation) TryResolve(dir storepath.Dir, lookup OutputLookup) (*Derivation, bool) {
	resolved := d.Clone()
	resolved.InputDrvs = nil

	rewrites := make(map[string]string)
	srcs := slices.Clone(d.InputSrcs)
	for _, input := range d.InputPaths() {
		if !resolveInput(dir, Opaque(input), d.InputDrvs[input], lookup, rewrites, &srcs) {
			return nil, false
		}
	}

	slices.SortFunc(srcs, storepath.Compare)
	resolved.InputSrcs = slices.Compact(srcs)
	resolved.rewrite(rewrites)
	return resolved, true
}

func resolveInput(dir storepath.Dir, ref DerivedRef, node *InputNode, lookup OutputLookup, rewrites map[string]string, srcs *[]storepath.Path) bool {
	for _, output := range node.Outputs {
		p, ok := lookup(ref, output)
		if !ok {
			slog.Warn("Output of input missing, aborting resolution", "input", ref.String(), "output", output)
			return false
		}
		rewrites[ref.Placeholder(output)] = dir.Print(p)
		*srcs = append(*srcs, p)
	}
	for _, output := range sortedKeys(node.Children) {
		if _, ok := lookup(ref, output); !ok {
			slog.Warn("Dynamic output of input missing, aborting resolution", "input", ref.String(), "output", output)
			return false
		}
		if !resolveInput(dir, Built(ref, output), node.Children[output], lookup, rewrites, srcs) {
			return false
		}
	}
	return true
}

func (d *Derivation) rewrite(rewrites map[string]string) {
	if len(rewrites) == 0 {
		return
	}
	pairs := make([]string, 0, 2*len(rewrites))
	for _, from := range sortedKeys(rewrites) {
		pairs = append(pairs, from, rewrites[from])
	}
	r := strings.NewReplacer(pairs...)
	d.Builder = r.Replace(d.Builder)
	for i, a := range d.Args {
		d.Args[i] = r.Replace(a)
	}
	for k, v := range d.Env {
		d.Env[k] = r.Replace(v)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
