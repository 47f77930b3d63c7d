package store

import (
	"context"
	"fmt"
	"realiser/internal/apperrors"
	"realiser/internal/contentaddress"
	"realiser/internal/derivation"
	"realiser/internal/storepath"
	"sync"
	"sync/atomic"
)

// MemoryStore keeps recipes, valid paths and realisations in memory.
type MemoryStore struct {
	dir storepath.Dir

	mu           sync.RWMutex
	drvs         map[storepath.Path]*derivation.Derivation
	valid        map[storepath.Path]PathInfo
	realisations map[DrvOutput]Realisation

	realisationQueries atomic.Int64
	drvReads           atomic.Int64
}

// NewMemory creates an empty store printing paths under dir.
func NewMemory(dir storepath.Dir) *MemoryStore {
	return &MemoryStore{
		dir:          dir,
		drvs:         make(map[storepath.Path]*derivation.Derivation),
		valid:        make(map[storepath.Path]PathInfo),
		realisations: make(map[DrvOutput]Realisation),
	}
}

// Dir implements Store.
func (s *MemoryStore) Dir() storepath.Dir { return s.dir }

// ReadDerivation implements Store.
func (s *MemoryStore) ReadDerivation(ctx context.Context, path storepath.Path) (*derivation.Derivation, error) {
	s.drvReads.Add(1)
	s.mu.RLock()
	defer s.mu.RUnlock()

	drv, ok := s.drvs[path]
	if !ok {
		return nil, apperrors.NotFound("derivation", s.dir.Print(path))
	}
	return drv, nil
}

// QueryStaticOutputMap implements Store.
func (s *MemoryStore) QueryStaticOutputMap(ctx context.Context, drvPath storepath.Path) (map[string]storepath.Path, error) {
	drv, err := s.ReadDerivation(ctx, drvPath)
	if err != nil {
		return nil, err
	}
	out := make(map[string]storepath.Path, len(drv.Outputs))
	for name, o := range drv.Outputs {
		switch o.Kind {
		case derivation.OutputInputAddressed:
			out[name] = o.Path
		case derivation.OutputCAFixed:
			p, err := s.MakeContentAddressedPath(derivation.OutputPathName(drv.Name, name), contentaddress.WithReferences{ContentAddress: o.CA})
			if err != nil {
				return nil, err
			}
			out[name] = p
		default:
			out[name] = storepath.Path{}
		}
	}
	return out, nil
}

// QueryRealisation implements Store.
func (s *MemoryStore) QueryRealisation(ctx context.Context, id DrvOutput) (*Realisation, error) {
	s.realisationQueries.Add(1)
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.realisations[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

// RegisterRealisation implements Store.
func (s *MemoryStore) RegisterRealisation(ctx context.Context, r Realisation) error {
	if r.OutPath.IsZero() {
		return apperrors.Validation("outPath", fmt.Sprintf("realisation of %s has no path", r.ID))
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.realisations[r.ID]; ok && prev.OutPath != r.OutPath {
		return apperrors.Conflict("realisation", r.ID.String(),
			fmt.Sprintf("already realised as %s, not %s", s.dir.Print(prev.OutPath), s.dir.Print(r.OutPath)))
	}
	s.realisations[r.ID] = r
	return nil
}

// ComputeDerivationPath implements Store. The path is a text content address
// over the recipe's canonical form, referring to its inputs.
func (s *MemoryStore) ComputeDerivationPath(drv *derivation.Derivation) (storepath.Path, error) {
	drv, err := fillDeferred(s.dir, drv)
	if err != nil {
		return storepath.Path{}, err
	}
	fp, err := drv.Fingerprint()
	if err != nil {
		return storepath.Path{}, err
	}
	refs := append(drv.InputPaths(), drv.InputSrcs...)
	ca, err := contentaddress.FromParts(contentaddress.Text, fp, contentaddress.NewReferences(false, refs...))
	if err != nil {
		return storepath.Path{}, err
	}
	return ca.StorePath(s.dir, drv.Name+storepath.DrvExtension)
}

// WriteDerivation implements Store.
func (s *MemoryStore) WriteDerivation(ctx context.Context, drv *derivation.Derivation, readOnly bool) (storepath.Path, error) {
	if err := drv.Validate(); err != nil {
		return storepath.Path{}, apperrors.Validation("derivation", err.Error())
	}
	drv, err := fillDeferred(s.dir, drv)
	if err != nil {
		return storepath.Path{}, err
	}
	path, err := s.ComputeDerivationPath(drv)
	if err != nil {
		return storepath.Path{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.drvs[path]; !ok {
		s.drvs[path] = drv.Clone()
	}
	if !readOnly {
		s.valid[path] = PathInfo{Path: path}
	}
	return path, nil
}

func fillDeferred(dir storepath.Dir, drv *derivation.Derivation) (*derivation.Derivation, error) {
	t, err := drv.Type()
	if err != nil {
		return nil, err
	}
	if t != derivation.TypeDeferred || drv.HasInputDrvs() {
		return drv, nil
	}
	paths, err := drv.InputAddressedPaths(dir)
	if err != nil {
		return nil, err
	}
	filled := drv.Clone()
	for name, p := range paths {
		filled.Outputs[name] = derivation.InputAddressed(p)
	}
	return filled, nil
}

// IsValidPath implements Store.
func (s *MemoryStore) IsValidPath(ctx context.Context, path storepath.Path) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.valid[path]
	return ok, nil
}

// QueryPathInfo implements Store.
func (s *MemoryStore) QueryPathInfo(ctx context.Context, path storepath.Path) (*PathInfo, error) {
	info, ok := s.PathInfo(path)
	if !ok {
		return nil, nil
	}
	return &info, nil
}

// AddValidPath implements Store.
func (s *MemoryStore) AddValidPath(ctx context.Context, info PathInfo) error {
	if info.Path.IsZero() {
		return apperrors.Validation("path", "cannot register the empty path")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.valid[info.Path] = info
	return nil
}

// MakeContentAddressedPath implements Store.
func (s *MemoryStore) MakeContentAddressedPath(name string, ca contentaddress.WithReferences) (storepath.Path, error) {
	return ca.StorePath(s.dir, name)
}

// PathInfo returns the registration of a valid path.
func (s *MemoryStore) PathInfo(path storepath.Path) (PathInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.valid[path]
	return info, ok
}

// InvalidatePath forgets a valid path, as garbage collection would.
func (s *MemoryStore) InvalidatePath(path storepath.Path) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.valid, path)
}

// Stats reports how often the store was queried.
type Stats struct {
	Derivations        int
	ValidPaths         int
	Realisations       int
	DerivationReads    int64
	RealisationQueries int64
}

// Stats returns current store statistics.
func (s *MemoryStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Derivations:        len(s.drvs),
		ValidPaths:         len(s.valid),
		Realisations:       len(s.realisations),
		DerivationReads:    s.drvReads.Load(),
		RealisationQueries: s.realisationQueries.Load(),
	}
}

// Verify MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)
