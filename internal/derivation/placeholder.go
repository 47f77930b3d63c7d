package derivation

import (
	"encoding/hex"
	"realiser/internal/storepath"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Placeholders stand in for paths that are unknown while a recipe is written:
// the recipe's own outputs, and floating outputs of its inputs. Resolution
// replaces the latter with the concrete paths.

// OutputPlaceholder is the placeholder for the recipe's own output.
func OutputPlaceholder(output string) string {
	return render("nix-output:" + output)
}

// UpstreamPlaceholder is the placeholder for an output of an input recipe.
func UpstreamPlaceholder(drvPath storepath.Path, output string) string {
	drvName := strings.TrimSuffix(drvPath.Name(), storepath.DrvExtension)
	return render("nix-upstream-output:" + drvPath.HashPart() + ":" + OutputPathName(drvName, output))
}

// Placeholder is the placeholder for output of the recipe r refers to. For a
// dynamic ref it is derived from the placeholder of the producing output.
func (r DerivedRef) Placeholder(output string) string {
	if r.IsOpaque() {
		return UpstreamPlaceholder(r.path, output)
	}
	parent := r.Parent().Placeholder(r.output)
	return render("nix-computed-output:" + strings.TrimPrefix(parent, "/") + ":" + output)
}

func render(clear string) string {
	sum := digest.SHA256.FromString(clear)
	raw, err := hex.DecodeString(sum.Encoded())
	if err != nil {
		// FromString always yields a hex encoding.
		panic(err)
	}
	return "/" + storepath.EncodeBase32(raw)
}
