// Package recipefile loads a graph of recipes from an HCL, YAML or JSON file
// into a store.
//
// A recipe refers to other recipes of the same file by name. Strings in args
// and env may mention outputs with @{...} references:
//
//	@{self^out}      the recipe's own output "out"
//	@{dep^out}       output "out" of input recipe dep
//	@{gen^out^bin}   output "bin" of the recipe that output "out" of gen is
//
// References to outputs whose paths are only known after building become
// placeholders that resolution rewrites later.
package recipefile

import (
	"fmt"
	"os"
	"path/filepath"
	"realiser/internal/apperrors"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"sigs.k8s.io/yaml"
)

// File is the decoded content of a recipe file.
type File struct {
	Recipes []*Recipe `hcl:"recipe,block" json:"recipes"`
}

// Recipe is one build recipe as written by the user.
type Recipe struct {
	Name    string            `hcl:"name,label" json:"name"`
	System  string            `hcl:"system,optional" json:"system,omitempty"`
	Builder string            `hcl:"builder" json:"builder"`
	Args    []string          `hcl:"args,optional" json:"args,omitempty"`
	Env     map[string]string `hcl:"env,optional" json:"env,omitempty"`
	Inputs  []*Input          `hcl:"input,block" json:"inputs,omitempty"`
	Outputs []*Output         `hcl:"output,block" json:"outputs"`
}

// Input selects outputs of another recipe of the file.
type Input struct {
	Recipe string `hcl:"recipe,label" json:"recipe"`
	// Outputs wanted, "out" when empty.
	Outputs []string `hcl:"outputs,optional" json:"outputs,omitempty"`
	// From names an output of Recipe that is itself a recipe. Outputs are
	// then wanted from that generated recipe.
	From string `hcl:"from,optional" json:"from,omitempty"`
}

// Output declares one output and how its path is determined.
type Output struct {
	Name string `hcl:"name,label" json:"name"`
	// Kind is one of input-addressed (default), floating, fixed, impure.
	Kind string `hcl:"kind,optional" json:"kind,omitempty"`
	// Method and HashAlgo apply to floating and impure outputs.
	Method   string `hcl:"method,optional" json:"method,omitempty"`
	HashAlgo string `hcl:"hash_algo,optional" json:"hashAlgo,omitempty"`
	// CA is the rendered content address of a fixed output.
	CA string `hcl:"ca,optional" json:"ca,omitempty"`
}

// Parse decodes a recipe file. The format is chosen by extension: .hcl for
// HCL, .yaml, .yml and .json for YAML (a superset of JSON). vars are visible
// to HCL expressions as var.<name>.
func Parse(path string, vars map[string]string) (*File, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".hcl" && ext != ".yaml" && ext != ".yml" && ext != ".json" {
		return nil, apperrors.Validation("file", fmt.Sprintf("unsupported recipe file extension %q", ext))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read recipe file %s: %w", path, err)
	}
	if ext == ".hcl" {
		return ParseHCL(path, data, vars)
	}
	return ParseYAML(path, data)
}

// ParseHCL decodes HCL source. filename is only used in messages.
func ParseHCL(filename string, src []byte, vars map[string]string) (*File, error) {
	parser := hclparse.NewParser()
	hclFile, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
	}
	var f File
	if diags := gohcl.DecodeBody(hclFile.Body, evalContext(vars), &f); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", filename, diags)
	}
	return &f, nil
}

func evalContext(vars map[string]string) *hcl.EvalContext {
	values := make(map[string]cty.Value, len(vars))
	for name, v := range vars {
		values[name] = cty.StringVal(v)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"var": cty.ObjectVal(values)},
	}
}

// ParseYAML decodes YAML or JSON source. Unknown fields are rejected.
func ParseYAML(filename string, src []byte) (*File, error) {
	var f File
	if err := yaml.UnmarshalStrict(src, &f); err != nil {
		return nil, fmt.Errorf("failed to decode recipe file %s: %w", filename, err)
	}
	return &f, nil
}
