package derivation

import (
	"encoding/json"
	"fmt"
	"realiser/internal/storepath"

	"github.com/cyberphone/json-canonicalization/go/src/webpki.org/jsoncanonicalizer"
	"github.com/opencontainers/go-digest"
)

type jsonOutput struct {
	Kind     string `json:"kind"`
	Path     string `json:"path,omitempty"`
	CA       string `json:"ca,omitempty"`
	Method   string `json:"method,omitempty"`
	HashAlgo string `json:"hashAlgo,omitempty"`
}

type jsonNode struct {
	Outputs  []string            `json:"outputs"`
	Children map[string]jsonNode `json:"dynamicOutputs,omitempty"`
}

type jsonDerivation struct {
	Name      string                `json:"name"`
	System    string                `json:"system"`
	Builder   string                `json:"builder"`
	Args      []string              `json:"args"`
	Env       map[string]string     `json:"env"`
	Outputs   map[string]jsonOutput `json:"outputs"`
	InputDrvs map[string]jsonNode   `json:"inputDrvs"`
	InputSrcs []string              `json:"inputSrcs"`
}

func toJSONNode(n *InputNode) jsonNode {
	out := jsonNode{Outputs: n.Outputs}
	if out.Outputs == nil {
		out.Outputs = []string{}
	}
	if len(n.Children) > 0 {
		out.Children = make(map[string]jsonNode, len(n.Children))
		for name, c := range n.Children {
			out.Children[name] = toJSONNode(c)
		}
	}
	return out
}

// MarshalJSON renders the recipe. Store paths are rendered as base names so
// the encoding does not depend on the store directory.
func (d *Derivation) MarshalJSON() ([]byte, error) {
	j := jsonDerivation{
		Name:      d.Name,
		System:    d.System,
		Builder:   d.Builder,
		Args:      d.Args,
		Env:       d.Env,
		Outputs:   make(map[string]jsonOutput, len(d.Outputs)),
		InputDrvs: make(map[string]jsonNode, len(d.InputDrvs)),
		InputSrcs: make([]string, 0, len(d.InputSrcs)),
	}
	if j.Args == nil {
		j.Args = []string{}
	}
	if j.Env == nil {
		j.Env = map[string]string{}
	}
	for name, o := range d.Outputs {
		jo := jsonOutput{Kind: o.Kind.String()}
		switch o.Kind {
		case OutputInputAddressed:
			jo.Path = o.Path.String()
		case OutputCAFixed:
			jo.CA = o.CA.Render()
		case OutputCAFloating, OutputImpure:
			jo.Method = o.Method.String()
			jo.HashAlgo = o.HashAlgo.String()
		}
		j.Outputs[name] = jo
	}
	for p, n := range d.InputDrvs {
		j.InputDrvs[p.String()] = toJSONNode(n)
	}
	for _, p := range d.InputSrcs {
		j.InputSrcs = append(j.InputSrcs, p.String())
	}
	return json.Marshal(j)
}

// Fingerprint is the digest of the canonical JSON form of the recipe.
func (d *Derivation) Fingerprint() (digest.Digest, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("encode derivation %q: %w", d.Name, err)
	}
	canonical, err := jsoncanonicalizer.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize derivation %q: %w", d.Name, err)
	}
	return digest.SHA256.FromBytes(canonical), nil
}

// InputAddressedPaths computes the paths of the recipe's outputs from the
// recipe itself, with the outputs blanked out of the fingerprint.
func (d *Derivation) InputAddressedPaths(dir storepath.Dir) (map[string]storepath.Path, error) {
	masked := d.Clone()
	for name := range masked.Outputs {
		masked.Outputs[name] = Deferred()
	}
	fp, err := masked.Fingerprint()
	if err != nil {
		return nil, err
	}
	paths := make(map[string]storepath.Path, len(d.Outputs))
	for name := range d.Outputs {
		p, err := storepath.Make("output:"+name, fp, dir, OutputPathName(d.Name, name))
		if err != nil {
			return nil, err
		}
		paths[name] = p
	}
	return paths, nil
}
