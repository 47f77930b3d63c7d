// Package contentaddress describes how a store object's identity derives from
// its content and its references.
package contentaddress

import (
	_ "crypto/sha256"
	_ "crypto/sha512"
	"fmt"
	"realiser/internal/storepath"
	"slices"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Method says how file system data was serialised before hashing.
type Method int

const (
	// Flat hashes a single regular file as is.
	Flat Method = iota
	// NixArchive hashes the archive serialisation of a file system tree.
	NixArchive
	// Git hashes a tree the way git does.
	Git
	// Text hashes a flat file that may refer to other store objects.
	Text
)

var methodNames = map[Method]string{
	Flat:       "flat",
	NixArchive: "nar",
	Git:        "git",
	Text:       "text",
}

func (m Method) String() string {
	if s, ok := methodNames[m]; ok {
		return s
	}
	return fmt.Sprintf("Method(%d)", int(m))
}

// ParseMethod parses the names produced by Method.String.
func ParseMethod(s string) (Method, error) {
	for m, name := range methodNames {
		if name == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown content address method %q", s)
}

// prefix is the method part of the rendered form.
func (m Method) prefix() string {
	switch m {
	case Text:
		return "text:"
	case NixArchive:
		return "fixed:r:"
	case Git:
		return "fixed:git:"
	default:
		return "fixed:"
	}
}

// ContentAddress is a method plus the hash of the serialised data.
type ContentAddress struct {
	Method Method
	Hash   digest.Digest
}

// New validates the hash and builds a content address.
func New(method Method, hash digest.Digest) (ContentAddress, error) {
	if err := hash.Validate(); err != nil {
		return ContentAddress{}, fmt.Errorf("content address: %w", err)
	}
	return ContentAddress{Method: method, Hash: hash}, nil
}

// Render returns the canonical string form, e.g. "fixed:r:sha256:<hex>".
func (ca ContentAddress) Render() string {
	return ca.Method.prefix() + ca.Hash.String()
}

func (ca ContentAddress) String() string { return ca.Render() }

// IsZero reports whether ca is unset.
func (ca ContentAddress) IsZero() bool { return ca.Hash == "" }

// Parse parses the output of Render.
func Parse(s string) (ContentAddress, error) {
	var method Method
	var rest string
	switch {
	case strings.HasPrefix(s, "text:"):
		method, rest = Text, strings.TrimPrefix(s, "text:")
	case strings.HasPrefix(s, "fixed:r:"):
		method, rest = NixArchive, strings.TrimPrefix(s, "fixed:r:")
	case strings.HasPrefix(s, "fixed:git:"):
		method, rest = Git, strings.TrimPrefix(s, "fixed:git:")
	case strings.HasPrefix(s, "fixed:"):
		method, rest = Flat, strings.TrimPrefix(s, "fixed:")
	default:
		return ContentAddress{}, fmt.Errorf("content address %q: unknown prefix", s)
	}
	d, err := digest.Parse(rest)
	if err != nil {
		return ContentAddress{}, fmt.Errorf("content address %q: %w", s, err)
	}
	return ContentAddress{Method: method, Hash: d}, nil
}

// References is the set of store objects an object points to.
type References struct {
	Others []storepath.Path
	Self   bool
}

// NewReferences returns a sorted, duplicate-free reference set.
func NewReferences(self bool, others ...storepath.Path) References {
	refs := slices.Clone(others)
	slices.SortFunc(refs, storepath.Compare)
	refs = slices.Compact(refs)
	return References{Others: refs, Self: self}
}

// IsEmpty reports whether there are no references at all.
func (r References) IsEmpty() bool {
	return !r.Self && len(r.Others) == 0
}

// WithReferences is everything needed to compute a content-addressed path.
type WithReferences struct {
	ContentAddress
	References References
}

// FromParts checks the combination of method and references.
func FromParts(method Method, hash digest.Digest, refs References) (WithReferences, error) {
	ca, err := New(method, hash)
	if err != nil {
		return WithReferences{}, err
	}
	switch method {
	case Text:
		if refs.Self {
			return WithReferences{}, fmt.Errorf("text content address %s cannot refer to itself", hash)
		}
	case Flat:
		if !refs.IsEmpty() {
			return WithReferences{}, fmt.Errorf("flat content address %s cannot carry references", hash)
		}
	}
	return WithReferences{ContentAddress: ca, References: NewReferences(refs.Self, refs.Others...)}, nil
}

// pathType is the type string mixed into the store path fingerprint.
func (w WithReferences) pathType(dir storepath.Dir) string {
	var b strings.Builder
	if w.Method == Text {
		b.WriteString("text")
	} else {
		b.WriteString("output:out:")
		b.WriteString(w.Method.String())
	}
	for _, ref := range w.References.Others {
		b.WriteByte(':')
		b.WriteString(dir.Print(ref))
	}
	if w.References.Self {
		b.WriteString(":self")
	}
	return b.String()
}

// StorePath computes the path of an object with this address. The same
// (method, hash, references, name) always gives the same path.
func (w WithReferences) StorePath(dir storepath.Dir, name string) (storepath.Path, error) {
	if w.IsZero() {
		return storepath.Path{}, fmt.Errorf("store path for %q: empty content address", name)
	}
	return storepath.Make(w.pathType(dir), w.Hash, dir, name)
}
