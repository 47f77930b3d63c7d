package recipefile

import (
	"context"
	"fmt"
	"log/slog"
	"realiser/internal/apperrors"
	"realiser/internal/contentaddress"
	"realiser/internal/derivation"
	"realiser/internal/store"
	"realiser/internal/storepath"
	"regexp"
	"slices"
	"strings"

	"github.com/opencontainers/go-digest"
	slogcontext "github.com/veqryn/slog-context"
)

const (
	self          = "self"
	defaultOutput = "out"
)

var reference = regexp.MustCompile(`@\{([^{}]+)\}`)

// Graph is the result of loading a file: where each recipe was stored.
type Graph struct {
	Paths map[string]storepath.Path
	// Order lists recipe names so that inputs come before their users.
	Order []string
}

// Ref parses a target of the form name[^output...]. Each ^output step refers
// to the recipe produced as that output of the previous one.
func (g *Graph) Ref(target string) (derivation.DerivedRef, error) {
	parts := strings.Split(target, "^")
	p, ok := g.Paths[parts[0]]
	if !ok {
		return derivation.DerivedRef{}, apperrors.NotFound("recipe", parts[0])
	}
	ref := derivation.Opaque(p)
	for _, output := range parts[1:] {
		if output == "" {
			return derivation.DerivedRef{}, apperrors.Validation("target", fmt.Sprintf("%q has an empty output name", target))
		}
		ref = derivation.Built(ref, output)
	}
	return ref, nil
}

// Load writes the recipes of f into s, inputs first.
func Load(ctx context.Context, s store.Store, f *File) (*Graph, error) {
	order, byName, err := sortRecipes(f)
	if err != nil {
		return nil, err
	}
	logger := slogcontext.FromCtx(ctx).With("component", "recipefile")

	g := &Graph{Paths: make(map[string]storepath.Path, len(order)), Order: order}
	for _, name := range order {
		drv, err := toDerivation(ctx, s, g, byName[name])
		if err != nil {
			return nil, err
		}
		p, err := s.WriteDerivation(ctx, drv, false)
		if err != nil {
			return nil, fmt.Errorf("recipe %s: %w", name, err)
		}
		g.Paths[name] = p
		logger.Debug("recipe loaded", slog.String("recipe", name), slog.String("path", s.Dir().Print(p)))
	}
	return g, nil
}

// sortRecipes orders recipes depth first so that every input precedes its
// users, rejecting unknown inputs and cycles.
func sortRecipes(f *File) ([]string, map[string]*Recipe, error) {
	if len(f.Recipes) == 0 {
		return nil, nil, apperrors.Validation("recipes", "file declares no recipes")
	}
	byName := make(map[string]*Recipe, len(f.Recipes))
	names := make([]string, 0, len(f.Recipes))
	for _, r := range f.Recipes {
		if r.Name == "" || r.Name == self || strings.Contains(r.Name, "^") {
			return nil, nil, apperrors.Validation("recipe", fmt.Sprintf("invalid recipe name %q", r.Name))
		}
		if _, dup := byName[r.Name]; dup {
			return nil, nil, apperrors.Validation("recipe", fmt.Sprintf("recipe %q is declared twice", r.Name))
		}
		byName[r.Name] = r
		names = append(names, r.Name)
	}
	slices.Sort(names)

	const (
		visiting = 1
		visited  = 2
	)
	state := make(map[string]int, len(names))
	order := make([]string, 0, len(names))
	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch state[name] {
		case visited:
			return nil
		case visiting:
			return apperrors.Validation("inputs", "dependency cycle: "+strings.Join(append(path, name), " -> "))
		}
		state[name] = visiting
		for _, in := range byName[name].Inputs {
			if _, ok := byName[in.Recipe]; !ok {
				return apperrors.Validation("inputs", fmt.Sprintf("recipe %q uses unknown recipe %q", name, in.Recipe))
			}
			if err := visit(in.Recipe, append(path, name)); err != nil {
				return err
			}
		}
		state[name] = visited
		order = append(order, name)
		return nil
	}
	for _, name := range names {
		if err := visit(name, nil); err != nil {
			return nil, nil, err
		}
	}
	return order, byName, nil
}

func toDerivation(ctx context.Context, s store.Store, g *Graph, r *Recipe) (*derivation.Derivation, error) {
	drv := &derivation.Derivation{
		Name:    r.Name,
		System:  r.System,
		Builder: r.Builder,
		Env:     make(map[string]string, len(r.Env)),
		Outputs: make(map[string]derivation.Output),
	}

	outputs := r.Outputs
	if len(outputs) == 0 {
		outputs = []*Output{{Name: defaultOutput}}
	}
	inputAddressed := false
	for _, o := range outputs {
		if _, dup := drv.Outputs[o.Name]; dup || o.Name == "" {
			return nil, apperrors.Validation("outputs", fmt.Sprintf("recipe %q: invalid or duplicate output %q", r.Name, o.Name))
		}
		out, err := toOutput(o)
		if err != nil {
			return nil, fmt.Errorf("recipe %q output %q: %w", r.Name, o.Name, err)
		}
		inputAddressed = inputAddressed || out.Kind == derivation.OutputDeferred
		drv.Outputs[o.Name] = out
	}

	refs := newReferences(r.Name, drv)
	static := true
	for _, in := range r.Inputs {
		dep := g.Paths[in.Recipe]
		wanted := in.Outputs
		if len(wanted) == 0 {
			wanted = []string{defaultOutput}
		}
		if in.From != "" {
			drv.AddInput(dep).Child(in.From).Add(wanted...)
			ref := derivation.Built(derivation.Opaque(dep), in.From)
			for _, out := range wanted {
				refs.known[in.Recipe+"^"+in.From+"^"+out] = ref.Placeholder(out)
			}
			static = false
			continue
		}

		drv.AddInput(dep, wanted...)
		paths, err := s.QueryStaticOutputMap(ctx, dep)
		if err != nil {
			return nil, fmt.Errorf("recipe %q: %w", r.Name, err)
		}
		for _, out := range wanted {
			p, ok := paths[out]
			if !ok {
				return nil, apperrors.Validation("inputs", fmt.Sprintf("recipe %q wants output %q, which %q does not have", r.Name, out, in.Recipe))
			}
			if p.IsZero() {
				refs.known[in.Recipe+"^"+out] = derivation.UpstreamPlaceholder(dep, out)
				static = false
			} else {
				refs.known[in.Recipe+"^"+out] = s.Dir().Print(p)
			}
		}
	}

	var err error
	drv.Args = make([]string, len(r.Args))
	for i, arg := range r.Args {
		if drv.Args[i], err = refs.expand(arg); err != nil {
			return nil, err
		}
	}
	for k, v := range r.Env {
		if drv.Env[k], err = refs.expand(v); err != nil {
			return nil, err
		}
	}

	if _, err := drv.Type(); err != nil {
		return nil, apperrors.Validation("outputs", err.Error())
	}

	// Input-addressed outputs get their paths now when every input path is
	// known. Otherwise they stay deferred until the recipe is resolved.
	if inputAddressed && static {
		paths, err := drv.InputAddressedPaths(s.Dir())
		if err != nil {
			return nil, fmt.Errorf("recipe %q: %w", r.Name, err)
		}
		for name, p := range paths {
			if drv.Outputs[name].Kind == derivation.OutputDeferred {
				drv.Outputs[name] = derivation.InputAddressed(p)
			}
		}
	}
	return drv, nil
}

func toOutput(o *Output) (derivation.Output, error) {
	switch o.Kind {
	case "", "input-addressed":
		return derivation.Deferred(), nil
	case "fixed":
		ca, err := contentaddress.Parse(o.CA)
		if err != nil {
			return derivation.Output{}, apperrors.Validation("ca", err.Error())
		}
		return derivation.Fixed(ca), nil
	case "floating", "impure":
		method := contentaddress.NixArchive
		if o.Method != "" {
			m, err := contentaddress.ParseMethod(o.Method)
			if err != nil {
				return derivation.Output{}, apperrors.Validation("method", err.Error())
			}
			method = m
		}
		algo := digest.SHA256
		if o.HashAlgo != "" {
			algo = digest.Algorithm(o.HashAlgo)
			if !algo.Available() {
				return derivation.Output{}, apperrors.Validation("hash_algo", fmt.Sprintf("unsupported hash algorithm %q", o.HashAlgo))
			}
		}
		if o.Kind == "impure" {
			return derivation.Impure(method, algo), nil
		}
		return derivation.Floating(method, algo), nil
	}
	return derivation.Output{}, apperrors.Validation("kind", fmt.Sprintf("unknown output kind %q", o.Kind))
}

// references expands @{...} mentions in one recipe.
type references struct {
	recipe string
	known  map[string]string
}

func newReferences(recipe string, drv *derivation.Derivation) *references {
	refs := &references{recipe: recipe, known: make(map[string]string)}
	for name := range drv.Outputs {
		refs.known[self+"^"+name] = derivation.OutputPlaceholder(name)
	}
	return refs
}

func (r *references) expand(s string) (string, error) {
	var unknown string
	out := reference.ReplaceAllStringFunc(s, func(m string) string {
		key := m[2 : len(m)-1]
		v, ok := r.known[key]
		if !ok && unknown == "" {
			unknown = key
		}
		return v
	})
	if unknown != "" {
		return "", apperrors.Validation("reference", fmt.Sprintf("recipe %q refers to %q, which is not one of its outputs or inputs", r.recipe, unknown))
	}
	return out, nil
}
