package store

import (
	"context"
	"realiser/internal/apperrors"
	"realiser/internal/contentaddress"
	"realiser/internal/derivation"
	"realiser/internal/storepath"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dir = storepath.Dir("/store")

func leaf(name string) *derivation.Derivation {
	return &derivation.Derivation{
		Name:    name,
		System:  "x86_64-linux",
		Builder: "/bin/sh",
		Args:    []string{"-c", "echo " + name + " > $out"},
		Env:     map[string]string{"name": name},
		Outputs: map[string]derivation.Output{"out": derivation.Deferred()},
	}
}

func TestWriteDerivation_FillsDeferredOutputs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemory(dir)

	path, err := s.WriteDerivation(ctx, leaf("hello"), false)
	require.NoError(t, err)
	assert.True(t, path.IsDerivation())
	assert.Equal(t, "hello.drv", path.Name())

	drv, err := s.ReadDerivation(ctx, path)
	require.NoError(t, err)
	out := drv.Outputs["out"]
	assert.Equal(t, derivation.OutputInputAddressed, out.Kind)
	assert.Equal(t, "hello", out.Path.Name())

	valid, err := s.IsValidPath(ctx, path)
	require.NoError(t, err)
	assert.True(t, valid)

	static, err := s.QueryStaticOutputMap(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, out.Path, static["out"])
}

func TestWriteDerivation_ReadOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemory(dir)

	path, err := s.WriteDerivation(ctx, leaf("scratch"), true)
	require.NoError(t, err)

	_, err = s.ReadDerivation(ctx, path)
	require.NoError(t, err)
	valid, err := s.IsValidPath(ctx, path)
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestWriteDerivation_Deterministic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemory(dir)

	a, err := s.WriteDerivation(ctx, leaf("same"), false)
	require.NoError(t, err)
	b, err := s.WriteDerivation(ctx, leaf("same"), false)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	other := leaf("same")
	other.Env["extra"] = "1"
	c, err := s.WriteDerivation(ctx, other, false)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestWriteDerivation_Invalid(t *testing.T) {
	t.Parallel()
	s := NewMemory(dir)

	drv := leaf("broken")
	drv.Builder = ""
	_, err := s.WriteDerivation(context.Background(), drv, false)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestReadDerivation_NotFound(t *testing.T) {
	t.Parallel()
	s := NewMemory(dir)

	_, err := s.ReadDerivation(context.Background(), storepath.MustNew("00000000", "missing.drv"))
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestQueryStaticOutputMap_FloatingAndFixed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemory(dir)

	dep, err := s.WriteDerivation(ctx, leaf("dep"), false)
	require.NoError(t, err)

	floating := leaf("floating")
	floating.Outputs = map[string]derivation.Output{
		"out": derivation.Floating(contentaddress.NixArchive, digest.SHA256),
		"dev": derivation.Floating(contentaddress.NixArchive, digest.SHA256),
	}
	floating.AddInput(dep, "out")
	fpath, err := s.WriteDerivation(ctx, floating, false)
	require.NoError(t, err)

	m, err := s.QueryStaticOutputMap(ctx, fpath)
	require.NoError(t, err)
	require.Len(t, m, 2)
	assert.True(t, m["out"].IsZero())
	assert.True(t, m["dev"].IsZero())

	ca, err := contentaddress.New(contentaddress.Flat, digest.FromString("tarball"))
	require.NoError(t, err)
	fixed := leaf("src")
	fixed.Outputs = map[string]derivation.Output{"out": derivation.Fixed(ca)}
	xpath, err := s.WriteDerivation(ctx, fixed, false)
	require.NoError(t, err)

	m, err = s.QueryStaticOutputMap(ctx, xpath)
	require.NoError(t, err)
	want, err := s.MakeContentAddressedPath("src", contentaddress.WithReferences{ContentAddress: ca})
	require.NoError(t, err)
	assert.Equal(t, want, m["out"])
}

func TestRealisations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemory(dir)

	id := DrvOutput{DrvPath: storepath.MustNew("xdrvxdrvxdrv", "x.drv"), OutputName: "out"}
	r, err := s.QueryRealisation(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, r)

	outPath := storepath.MustNew("xxxx", "X")
	require.NoError(t, s.RegisterRealisation(ctx, Realisation{ID: id, OutPath: outPath}))
	require.NoError(t, s.RegisterRealisation(ctx, Realisation{ID: id, OutPath: outPath}))

	r, err = s.QueryRealisation(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, outPath, r.OutPath)

	err = s.RegisterRealisation(ctx, Realisation{ID: id, OutPath: storepath.MustNew("yyyy", "X")})
	assert.ErrorIs(t, err, apperrors.ErrConflict)

	err = s.RegisterRealisation(ctx, Realisation{ID: id})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	assert.Equal(t, int64(2), s.Stats().RealisationQueries)
}

func TestValidPaths(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemory(dir)

	p := storepath.MustNew("yyyy", "Y")
	hash := digest.FromString("content")
	require.NoError(t, s.AddValidPath(ctx, PathInfo{Path: p, NarHash: hash}))
	valid, err := s.IsValidPath(ctx, p)
	require.NoError(t, err)
	assert.True(t, valid)
	info, err := s.QueryPathInfo(ctx, p)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, hash, info.NarHash)

	s.InvalidatePath(p)
	valid, err = s.IsValidPath(ctx, p)
	require.NoError(t, err)
	assert.False(t, valid)
	info, err = s.QueryPathInfo(ctx, p)
	require.NoError(t, err)
	assert.Nil(t, info)

	assert.ErrorIs(t, s.AddValidPath(ctx, PathInfo{}), apperrors.ErrValidation)
}
