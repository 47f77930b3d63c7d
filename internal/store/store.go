// Package store defines the store operations the scheduler consumes and an
// in-memory implementation of them.
package store

import (
	"context"
	"realiser/internal/contentaddress"
	"realiser/internal/derivation"
	"realiser/internal/storepath"

	"github.com/opencontainers/go-digest"
)

// DrvOutput identifies one output of one recipe.
type DrvOutput struct {
	DrvPath    storepath.Path
	OutputName string
}

func (o DrvOutput) String() string {
	return o.DrvPath.String() + "^" + o.OutputName
}

// Realisation records the path a recipe output turned out to have.
type Realisation struct {
	ID      DrvOutput
	OutPath storepath.Path
}

// PathInfo describes a valid store object.
type PathInfo struct {
	Path    storepath.Path
	CA      *contentaddress.WithReferences // nil for input-addressed objects
	Deriver storepath.Path
	// NarHash is the hash of the object's content as the builder left it.
	NarHash digest.Digest
}

// Store is the artifact store as seen by the scheduler. Implementations must
// be safe for concurrent use.
type Store interface {
	// Dir is the directory store paths are printed under.
	Dir() storepath.Dir

	// ReadDerivation returns the recipe stored at path. The result must not
	// be modified. Fails with apperrors.ErrNotFound for unknown paths.
	ReadDerivation(ctx context.Context, path storepath.Path) (*derivation.Derivation, error)

	// QueryStaticOutputMap returns every output of the recipe, mapped to its
	// path when that is known without building, or the zero Path.
	QueryStaticOutputMap(ctx context.Context, drvPath storepath.Path) (map[string]storepath.Path, error)

	// QueryRealisation returns the recorded realisation of id, or nil.
	QueryRealisation(ctx context.Context, id DrvOutput) (*Realisation, error)

	// RegisterRealisation records a realisation. Registering a different
	// path for an already realised output fails with apperrors.ErrConflict.
	RegisterRealisation(ctx context.Context, r Realisation) error

	// ComputeDerivationPath computes the path WriteDerivation would store a
	// recipe at, filling in deferred outputs the same way.
	ComputeDerivationPath(drv *derivation.Derivation) (storepath.Path, error)

	// WriteDerivation stores a recipe and returns its path. Deferred outputs
	// of recipes without input recipes are assigned their input-addressed
	// paths first. A read-only write makes the recipe readable without
	// registering it as a valid store object.
	WriteDerivation(ctx context.Context, drv *derivation.Derivation, readOnly bool) (storepath.Path, error)

	// IsValidPath reports whether path is a valid store object.
	IsValidPath(ctx context.Context, path storepath.Path) (bool, error)

	// QueryPathInfo returns the registration of a valid path, or nil.
	QueryPathInfo(ctx context.Context, path storepath.Path) (*PathInfo, error)

	// AddValidPath registers a built or fetched store object.
	AddValidPath(ctx context.Context, info PathInfo) error

	// MakeContentAddressedPath computes the path of a content-addressed
	// object called name.
	MakeContentAddressedPath(name string, ca contentaddress.WithReferences) (storepath.Path, error)
}
