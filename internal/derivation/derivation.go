// Package derivation models build recipes: their outputs, their input
// derivations and the rules deciding whether a recipe must be resolved
// against the realised outputs of its inputs before it can be built.
package derivation

import (
	"fmt"
	"maps"
	"realiser/internal/contentaddress"
	"realiser/internal/storepath"
	"slices"

	"github.com/opencontainers/go-digest"
)

// OutputKind classifies how an output's path is determined.
type OutputKind int

const (
	// OutputInputAddressed has a path computed from the recipe's inputs.
	OutputInputAddressed OutputKind = iota
	// OutputCAFixed has a content address fixed ahead of time.
	OutputCAFixed
	// OutputCAFloating has a content address only known after building.
	OutputCAFloating
	// OutputDeferred is input-addressed, but its path is only computed once
	// the recipe has been resolved.
	OutputDeferred
	// OutputImpure is content-addressed and never reused between builds.
	OutputImpure
)

func (k OutputKind) String() string {
	switch k {
	case OutputInputAddressed:
		return "input-addressed"
	case OutputCAFixed:
		return "fixed"
	case OutputCAFloating:
		return "floating"
	case OutputDeferred:
		return "deferred"
	case OutputImpure:
		return "impure"
	}
	return fmt.Sprintf("OutputKind(%d)", int(k))
}

// Output describes one named output of a recipe.
type Output struct {
	Kind     OutputKind
	Path     storepath.Path                // OutputInputAddressed
	CA       contentaddress.ContentAddress // OutputCAFixed
	Method   contentaddress.Method         // OutputCAFloating, OutputImpure
	HashAlgo digest.Algorithm              // OutputCAFloating, OutputImpure
}

// InputAddressed returns an output living at a precomputed path.
func InputAddressed(p storepath.Path) Output {
	return Output{Kind: OutputInputAddressed, Path: p}
}

// Fixed returns an output with a known content address.
func Fixed(ca contentaddress.ContentAddress) Output {
	return Output{Kind: OutputCAFixed, CA: ca, Method: ca.Method, HashAlgo: ca.Hash.Algorithm()}
}

// Floating returns a content-addressed output whose hash is not yet known.
func Floating(method contentaddress.Method, algo digest.Algorithm) Output {
	return Output{Kind: OutputCAFloating, Method: method, HashAlgo: algo}
}

// Deferred returns an input-addressed output awaiting resolution.
func Deferred() Output {
	return Output{Kind: OutputDeferred}
}

// Impure returns an impure content-addressed output.
func Impure(method contentaddress.Method, algo digest.Algorithm) Output {
	return Output{Kind: OutputImpure, Method: method, HashAlgo: algo}
}

// Type classifies a whole recipe.
type Type int

const (
	TypeInputAddressed Type = iota
	TypeDeferred
	TypeCAFixed
	TypeCAFloating
	TypeImpure
)

func (t Type) String() string {
	switch t {
	case TypeInputAddressed:
		return "input-addressed"
	case TypeDeferred:
		return "deferred"
	case TypeCAFixed:
		return "content-addressed-fixed"
	case TypeCAFloating:
		return "content-addressed-floating"
	case TypeImpure:
		return "impure"
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// IsFixed reports whether the outputs are known before building.
func (t Type) IsFixed() bool { return t == TypeCAFixed }

// IsImpure reports whether the recipe is impure.
func (t Type) IsImpure() bool { return t == TypeImpure }

// IsPure is the negation of IsImpure.
func (t Type) IsPure() bool { return t != TypeImpure }

// IsContentAddressed reports whether output paths derive from content.
func (t Type) IsContentAddressed() bool {
	return t == TypeCAFixed || t == TypeCAFloating || t == TypeImpure
}

// InputNode selects outputs of one input recipe. A child entry means that the
// named output is itself a recipe, of which the child's outputs are wanted.
type InputNode struct {
	Outputs  []string
	Children map[string]*InputNode
}

// NewInputNode returns a node wanting the given outputs.
func NewInputNode(outputs ...string) *InputNode {
	n := &InputNode{}
	n.Add(outputs...)
	return n
}

// Add merges outputs into the node, keeping them sorted and unique.
func (n *InputNode) Add(outputs ...string) {
	n.Outputs = append(n.Outputs, outputs...)
	slices.Sort(n.Outputs)
	n.Outputs = slices.Compact(n.Outputs)
}

// Child returns the node for a dynamic output, creating it if needed.
func (n *InputNode) Child(output string) *InputNode {
	if n.Children == nil {
		n.Children = make(map[string]*InputNode)
	}
	c, ok := n.Children[output]
	if !ok {
		c = &InputNode{}
		n.Children[output] = c
	}
	return c
}

func (n *InputNode) clone() *InputNode {
	if n == nil {
		return nil
	}
	c := &InputNode{Outputs: slices.Clone(n.Outputs)}
	if len(n.Children) > 0 {
		c.Children = make(map[string]*InputNode, len(n.Children))
		for name, child := range n.Children {
			c.Children[name] = child.clone()
		}
	}
	return c
}

// Derivation is an immutable description of a build step. Values handed out
// by stores are never mutated; use Clone before changing anything.
type Derivation struct {
	Name      string
	System    string
	Builder   string
	Args      []string
	Env       map[string]string
	Outputs   map[string]Output
	InputDrvs map[storepath.Path]*InputNode
	InputSrcs []storepath.Path
}

// Clone returns a deep copy.
func (d *Derivation) Clone() *Derivation {
	c := &Derivation{
		Name:      d.Name,
		System:    d.System,
		Builder:   d.Builder,
		Args:      slices.Clone(d.Args),
		Env:       maps.Clone(d.Env),
		Outputs:   maps.Clone(d.Outputs),
		InputSrcs: slices.Clone(d.InputSrcs),
	}
	if len(d.InputDrvs) > 0 {
		c.InputDrvs = make(map[storepath.Path]*InputNode, len(d.InputDrvs))
		for p, n := range d.InputDrvs {
			c.InputDrvs[p] = n.clone()
		}
	}
	return c
}

// Type classifies the recipe from its outputs. Mixing output kinds is an
// error, as is a fixed-output recipe with more than one output.
func (d *Derivation) Type() (Type, error) {
	if len(d.Outputs) == 0 {
		return 0, fmt.Errorf("derivation %q has no outputs", d.Name)
	}
	kinds := make(map[OutputKind]int)
	for _, o := range d.Outputs {
		kinds[o.Kind]++
	}
	if len(kinds) > 1 {
		return 0, fmt.Errorf("derivation %q mixes output kinds", d.Name)
	}
	for kind, n := range kinds {
		switch kind {
		case OutputInputAddressed:
			return TypeInputAddressed, nil
		case OutputDeferred:
			return TypeDeferred, nil
		case OutputCAFloating:
			return TypeCAFloating, nil
		case OutputImpure:
			return TypeImpure, nil
		case OutputCAFixed:
			if n != 1 {
				return 0, fmt.Errorf("derivation %q has %d fixed outputs, only one is allowed", d.Name, n)
			}
			return TypeCAFixed, nil
		}
	}
	return 0, fmt.Errorf("derivation %q has unknown output kinds", d.Name)
}

// OutputNames returns the output names in sorted order.
func (d *Derivation) OutputNames() []string {
	return slices.Sorted(maps.Keys(d.Outputs))
}

// InputPaths returns the input recipe paths in sorted order.
func (d *Derivation) InputPaths() []storepath.Path {
	paths := slices.Collect(maps.Keys(d.InputDrvs))
	slices.SortFunc(paths, storepath.Compare)
	return paths
}

// HasInputDrvs reports whether the recipe depends on other recipes.
func (d *Derivation) HasInputDrvs() bool {
	return len(d.InputDrvs) > 0
}

// HasDynamicInputs reports whether some input refers to an output that is
// itself a recipe.
func (d *Derivation) HasDynamicInputs() bool {
	for _, n := range d.InputDrvs {
		if len(n.Children) > 0 {
			return true
		}
	}
	return false
}

// AddInput records that outputs of input are needed.
func (d *Derivation) AddInput(input storepath.Path, outputs ...string) *InputNode {
	if d.InputDrvs == nil {
		d.InputDrvs = make(map[storepath.Path]*InputNode)
	}
	n, ok := d.InputDrvs[input]
	if !ok {
		n = &InputNode{}
		d.InputDrvs[input] = n
	}
	n.Add(outputs...)
	return n
}

// Validate checks structural invariants.
func (d *Derivation) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("derivation has no name")
	}
	if d.Builder == "" {
		return fmt.Errorf("derivation %q has no builder", d.Name)
	}
	if _, err := d.Type(); err != nil {
		return err
	}
	for name, o := range d.Outputs {
		if name == "" {
			return fmt.Errorf("derivation %q has an unnamed output", d.Name)
		}
		if o.Kind == OutputInputAddressed && o.Path.IsZero() {
			return fmt.Errorf("derivation %q: input-addressed output %q has no path", d.Name, name)
		}
		if o.Kind == OutputCAFixed && o.CA.IsZero() {
			return fmt.Errorf("derivation %q: fixed output %q has no content address", d.Name, name)
		}
	}
	return nil
}

// OutputPathName is the name of the store object holding an output.
func OutputPathName(drvName, output string) string {
	if output == "out" {
		return drvName
	}
	return drvName + "-" + output
}
