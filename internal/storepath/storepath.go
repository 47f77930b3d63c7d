// Package storepath provides the opaque identifiers of store objects.
//
// A store path is a hash part plus a human readable name. Paths are comparable
// values so they can be used as map keys; the zero Path stands for "unknown".
package storepath

import (
	_ "crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
)

// HashLen is the length of hash parts produced by Make.
const HashLen = 32

// DrvExtension marks store paths that hold derivations.
const DrvExtension = ".drv"

// Path identifies a store object independent of the store directory.
type Path struct {
	hash string
	name string
}

// New builds a path from its hash part and name.
func New(hash, name string) (Path, error) {
	if hash == "" {
		return Path{}, fmt.Errorf("store path %q: empty hash part", name)
	}
	for _, c := range hash {
		if !strings.ContainsRune(base32Chars, c) {
			return Path{}, fmt.Errorf("store path hash %q: invalid character %q", hash, c)
		}
	}
	if err := checkName(name); err != nil {
		return Path{}, err
	}
	return Path{hash: hash, name: name}, nil
}

// MustNew is New for known-good literals.
func MustNew(hash, name string) Path {
	p, err := New(hash, name)
	if err != nil {
		panic(err)
	}
	return p
}

// Parse parses a base name of the form "<hash>-<name>".
func Parse(base string) (Path, error) {
	hash, name, ok := strings.Cut(base, "-")
	if !ok {
		return Path{}, fmt.Errorf("store path %q: missing name", base)
	}
	return New(hash, name)
}

func checkName(name string) error {
	if name == "" {
		return fmt.Errorf("store path name is empty")
	}
	if len(name) > 211 {
		return fmt.Errorf("store path name %q is too long", name)
	}
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case strings.ContainsRune("+-._?=", c):
		default:
			return fmt.Errorf("store path name %q: invalid character %q", name, c)
		}
	}
	if name[0] == '.' {
		return fmt.Errorf("store path name %q must not start with a dot", name)
	}
	return nil
}

// String renders the base name.
func (p Path) String() string {
	if p.IsZero() {
		return ""
	}
	return p.hash + "-" + p.name
}

// Name returns the name part.
func (p Path) Name() string { return p.name }

// HashPart returns the hash part.
func (p Path) HashPart() string { return p.hash }

// IsZero reports whether p is the unknown path.
func (p Path) IsZero() bool { return p.hash == "" }

// IsDerivation reports whether p names a derivation.
func (p Path) IsDerivation() bool { return strings.HasSuffix(p.name, DrvExtension) }

// Compare orders paths by their base name.
func Compare(a, b Path) int {
	return strings.Compare(a.String(), b.String())
}

// Dir is the directory store paths live in, e.g. "/nix/store".
type Dir string

// Print renders an absolute path.
func (d Dir) Print(p Path) string {
	return string(d) + "/" + p.String()
}

// Parse parses an absolute path inside d.
func (d Dir) Parse(s string) (Path, error) {
	prefix := string(d) + "/"
	if !strings.HasPrefix(s, prefix) {
		return Path{}, fmt.Errorf("path %q is not in store directory %q", s, d)
	}
	base := strings.TrimPrefix(s, prefix)
	if strings.Contains(base, "/") {
		return Path{}, fmt.Errorf("path %q is not a top-level store path", s)
	}
	return Parse(base)
}

// Make computes a store path from a path type, the digest of the object's
// inner fingerprint, the store directory and a name. Equal inputs always
// produce equal paths.
func Make(pathType string, inner digest.Digest, dir Dir, name string) (Path, error) {
	if err := checkName(name); err != nil {
		return Path{}, err
	}
	fingerprint := fmt.Sprintf("%s:%s:%s:%s", pathType, inner.String(), dir, name)
	sum := digest.SHA256.FromString(fingerprint)
	raw, err := hex.DecodeString(sum.Encoded())
	if err != nil {
		return Path{}, err
	}
	return Path{hash: EncodeBase32(compress(raw, 20)), name: name}, nil
}

func compress(b []byte, size int) []byte {
	out := make([]byte, size)
	for i, c := range b {
		out[i%size] ^= c
	}
	return out
}
