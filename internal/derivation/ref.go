package derivation

import (
	"realiser/internal/storepath"
	"strings"
)

// DerivedRef names a recipe either directly by its store path, or as an
// output of another recipe (a dynamic derivation).
type DerivedRef struct {
	path   storepath.Path
	parent *DerivedRef
	output string
}

// Opaque refers to a recipe already in the store.
func Opaque(p storepath.Path) DerivedRef {
	return DerivedRef{path: p}
}

// Built refers to the recipe produced as output of parent.
func Built(parent DerivedRef, output string) DerivedRef {
	return DerivedRef{parent: &parent, output: output}
}

// IsOpaque reports whether the recipe path is known statically.
func (r DerivedRef) IsOpaque() bool { return r.parent == nil }

// Path returns the recipe path of an opaque ref.
func (r DerivedRef) Path() storepath.Path { return r.path }

// Parent returns the producing recipe of a built ref.
func (r DerivedRef) Parent() DerivedRef {
	if r.parent == nil {
		return DerivedRef{}
	}
	return *r.parent
}

// Output returns the output of Parent holding this recipe.
func (r DerivedRef) Output() string { return r.output }

// Root returns the innermost opaque recipe.
func (r DerivedRef) Root() storepath.Path {
	for r.parent != nil {
		r = *r.parent
	}
	return r.path
}

// String renders the ref as "<drv>^out^out...".
func (r DerivedRef) String() string {
	if r.parent == nil {
		return r.path.String()
	}
	var b strings.Builder
	b.WriteString(r.parent.String())
	b.WriteByte('^')
	b.WriteString(r.output)
	return b.String()
}
