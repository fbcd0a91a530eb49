// Package identifier normalizes SQL identifiers into the canonical byte
// strings used for catalog lookup and ordering. The normalized form of a
// committed key is persistent, so normalization must be byte-for-byte
// deterministic across platforms for equal-by-rule inputs.
package identifier

import (
	"fmt"
	"unicode/utf8"

	"golang.org/x/text/cases"

	"github.com/villagesql/vef"
)

// MaxLen is the maximum identifier length in code points.
const MaxLen = 64

// Kind selects the normalization rule for an identifier.
type Kind int

const (
	Database Kind = iota
	Table
	Column
	Type
	Extension
	Property
)

// String returns the kind name for diagnostics.
func (k Kind) String() string {
	switch k {
	case Database:
		return "database"
	case Table:
		return "table"
	case Column:
		return "column"
	case Type:
		return "type"
	case Extension:
		return "extension"
	case Property:
		return "property"
	}
	return fmt.Sprintf("identifier.Kind(%d)", int(k))
}

// fold performs Unicode case folding. A Caser carries internal state, so
// each call gets its own.
func fold(s string) string {
	return cases.Fold().String(s)
}

// Normalize returns the canonical form of name under the rules for kind.
// Column, type, extension and property names always fold; database and
// table names branch on the process-wide case mode. The mode is read once
// per call and assumed stable for the statement.
func Normalize(kind Kind, name string, mode vef.CaseMode) string {
	switch kind {
	case Database, Table:
		if mode == vef.CasePreserve {
			return name
		}
		return fold(name)
	default:
		return fold(name)
	}
}

// Check validates the length constraint shared by all identifier kinds.
func Check(kind Kind, name string) error {
	if name == "" {
		return fmt.Errorf("identifier: empty %s name", kind)
	}
	if utf8.RuneCountInString(name) > MaxLen {
		return fmt.Errorf("identifier: %s name %q longer than %d characters", kind, name, MaxLen)
	}
	return nil
}

// ValidateExtensionName enforces the install-time rule for extension names:
// at most 64 characters, starting with a letter, ending with a letter or
// digit, containing only [A-Za-z0-9_-].
func ValidateExtensionName(name string) error {
	if err := Check(Extension, name); err != nil {
		return err
	}
	if !isLetter(name[0]) {
		return fmt.Errorf("identifier: extension name %q must start with a letter", name)
	}
	last := name[len(name)-1]
	if !isLetter(last) && !isDigit(last) {
		return fmt.Errorf("identifier: extension name %q must end with a letter or digit", name)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if !isLetter(c) && !isDigit(c) && c != '_' && c != '-' {
			return fmt.Errorf("identifier: extension name %q contains invalid character %q", name, c)
		}
	}
	return nil
}

func isLetter(c byte) bool { return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
func isDigit(c byte) bool  { return c >= '0' && c <= '9' }
