package build

import "fmt"

// Mode selects what a build goal does with outputs that are already valid.
type Mode int

const (
	// Normal reuses valid outputs.
	Normal Mode = iota
	// Repair rebuilds outputs even when they are valid, replacing them.
	Repair
	// Check rebuilds valid outputs and compares them with the existing
	// ones, leaving the store untouched.
	Check
)

func (m Mode) String() string {
	switch m {
	case Normal:
		return "normal"
	case Repair:
		return "repair"
	case Check:
		return "check"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode parses the names produced by Mode.String.
func ParseMode(s string) (Mode, error) {
	for _, m := range []Mode{Normal, Repair, Check} {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown build mode %q", s)
}
