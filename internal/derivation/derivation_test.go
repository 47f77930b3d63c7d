package derivation

import (
	"realiser/internal/contentaddress"
	"realiser/internal/storepath"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dir = storepath.Dir("/store")

var (
	drvX = storepath.MustNew("xdrvxdrvxdrv", "x.drv")
	drvY = storepath.MustNew("ydrvydrvydrv", "y.drv")
	outX = storepath.MustNew("xxxx", "X")
	outY = storepath.MustNew("yyyy", "Y")
)

func floatingDrv(name string) *Derivation {
	return &Derivation{
		Name:    name,
		Builder: "/bin/sh",
		Outputs: map[string]Output{"out": Floating(contentaddress.NixArchive, digest.SHA256)},
	}
}

func TestType(t *testing.T) {
	t.Parallel()

	ca, err := contentaddress.New(contentaddress.Flat, digest.FromString("src"))
	require.NoError(t, err)

	tests := []struct {
		name    string
		outputs map[string]Output
		want    Type
		wantErr bool
	}{
		{"input addressed", map[string]Output{"out": InputAddressed(outY)}, TypeInputAddressed, false},
		{"deferred", map[string]Output{"out": Deferred(), "dev": Deferred()}, TypeDeferred, false},
		{"fixed", map[string]Output{"out": Fixed(ca)}, TypeCAFixed, false},
		{"floating", map[string]Output{"out": Floating(contentaddress.NixArchive, digest.SHA256)}, TypeCAFloating, false},
		{"impure", map[string]Output{"out": Impure(contentaddress.NixArchive, digest.SHA256)}, TypeImpure, false},
		{"mixed", map[string]Output{"out": Deferred(), "dev": InputAddressed(outY)}, 0, true},
		{"two fixed", map[string]Output{"out": Fixed(ca), "dev": Fixed(ca)}, 0, true},
		{"none", map[string]Output{}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &Derivation{Name: "d", Builder: "b", Outputs: tt.outputs}
			got, err := d.Type()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestShouldResolve(t *testing.T) {
	t.Parallel()

	ca, err := contentaddress.New(contentaddress.Flat, digest.FromString("src"))
	require.NoError(t, err)

	withInput := func(outputs map[string]Output) *Derivation {
		d := &Derivation{Name: "d", Builder: "b", Outputs: outputs}
		d.AddInput(drvX, "out")
		return d
	}

	tests := []struct {
		name string
		drv  *Derivation
		opts ResolveOptions
		want bool
	}{
		{"no inputs floating", floatingDrv("d"), ResolveOptions{}, false},
		{"floating", withInput(map[string]Output{"out": Floating(contentaddress.NixArchive, digest.SHA256)}), ResolveOptions{}, true},
		{"impure", withInput(map[string]Output{"out": Impure(contentaddress.NixArchive, digest.SHA256)}), ResolveOptions{}, true},
		{"deferred", withInput(map[string]Output{"out": Deferred()}), ResolveOptions{}, true},
		{"input addressed", withInput(map[string]Output{"out": InputAddressed(outY)}), ResolveOptions{}, false},
		{"fixed without feature", withInput(map[string]Output{"out": Fixed(ca)}), ResolveOptions{}, false},
		{"fixed with feature", withInput(map[string]Output{"out": Fixed(ca)}), ResolveOptions{ResolveFixed: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.drv.ShouldResolve(tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("dynamic input forces resolution", func(t *testing.T) {
		d := &Derivation{Name: "d", Builder: "b", Outputs: map[string]Output{"out": InputAddressed(outY)}}
		d.AddInput(drvX).Child("out").Add("out")
		got, err := d.ShouldResolve(ResolveOptions{})
		require.NoError(t, err)
		assert.True(t, got)
	})
}

func TestTryResolve(t *testing.T) {
	t.Parallel()

	d := floatingDrv("r")
	d.AddInput(drvX, "out")
	d.AddInput(drvY, "out")
	d.Env = map[string]string{
		"x": Opaque(drvX).Placeholder("out") + "/bin",
		"y": Opaque(drvY).Placeholder("out"),
	}
	d.Args = []string{"-c", "cp " + Opaque(drvX).Placeholder("out") + " $out"}

	lookup := func(ref DerivedRef, output string) (storepath.Path, bool) {
		switch ref.String() {
		case drvX.String():
			return outX, true
		case drvY.String():
			return outY, true
		}
		return storepath.Path{}, false
	}

	resolved, ok := d.TryResolve(dir, lookup)
	require.True(t, ok)

	assert.Empty(t, resolved.InputDrvs)
	assert.Equal(t, []storepath.Path{outX, outY}, resolved.InputSrcs)
	assert.Equal(t, "/store/xxxx-X/bin", resolved.Env["x"])
	assert.Equal(t, "/store/yyyy-Y", resolved.Env["y"])
	assert.Equal(t, "cp /store/xxxx-X $out", resolved.Args[1])

	// the original is untouched
	assert.Len(t, d.InputDrvs, 2)
	assert.Equal(t, Opaque(drvY).Placeholder("out"), d.Env["y"])

	again, ok := resolved.TryResolve(dir, lookup)
	require.True(t, ok)
	assert.Equal(t, resolved, again)
}

func TestTryResolve_Missing(t *testing.T) {
	t.Parallel()

	d := floatingDrv("r")
	d.AddInput(drvX, "out", "dev")

	_, ok := d.TryResolve(dir, func(ref DerivedRef, output string) (storepath.Path, bool) {
		return outX, output == "out"
	})
	assert.False(t, ok)
}

func TestTryResolve_Dynamic(t *testing.T) {
	t.Parallel()

	inner := storepath.MustNew("nnnnnnnn", "inner.drv")
	innerOut := storepath.MustNew("zzzz", "inner")

	d := floatingDrv("r")
	d.AddInput(drvX).Child("out").Add("out")
	nested := Built(Opaque(drvX), "out")
	d.Env = map[string]string{"inner": nested.Placeholder("out")}

	resolved, ok := d.TryResolve(dir, func(ref DerivedRef, output string) (storepath.Path, bool) {
		switch ref.String() {
		case drvX.String():
			return inner, true
		case nested.String():
			return innerOut, true
		}
		return storepath.Path{}, false
	})
	require.True(t, ok)
	assert.Equal(t, "/store/zzzz-inner", resolved.Env["inner"])
	assert.Equal(t, []storepath.Path{innerOut}, resolved.InputSrcs)
}

func TestDerivedRef(t *testing.T) {
	t.Parallel()

	ref := Built(Built(Opaque(drvX), "out"), "dev")
	assert.False(t, ref.IsOpaque())
	assert.Equal(t, drvX.String()+"^out^dev", ref.String())
	assert.Equal(t, drvX, ref.Root())
	assert.Equal(t, "dev", ref.Output())
	assert.NotEqual(t, ref.Placeholder("out"), ref.Parent().Placeholder("out"))
}

func TestFingerprint_Deterministic(t *testing.T) {
	t.Parallel()

	a := floatingDrv("r")
	a.Env = map[string]string{"a": "1", "b": "2"}
	a.AddInput(drvX, "out")
	b := a.Clone()

	fa, err := a.Fingerprint()
	require.NoError(t, err)
	fb, err := b.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, fa, fb)

	b.Env["b"] = "3"
	fc, err := b.Fingerprint()
	require.NoError(t, err)
	assert.NotEqual(t, fa, fc)
}

func TestInputAddressedPaths(t *testing.T) {
	t.Parallel()

	d := &Derivation{Name: "hello", Builder: "b", Outputs: map[string]Output{"out": Deferred(), "dev": Deferred()}}
	paths, err := d.InputAddressedPaths(dir)
	require.NoError(t, err)
	assert.Equal(t, "hello", paths["out"].Name())
	assert.Equal(t, "hello-dev", paths["dev"].Name())
	assert.NotEqual(t, paths["out"].HashPart(), paths["dev"].HashPart())
}
