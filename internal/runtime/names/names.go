// Package names normalizes agent class names for URL routing and derives
// deterministic agent identifiers.
package names

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// namespace for deterministic agent IDs, fixed so the same (class, name)
// pair maps to the same identifier across processes and restarts.
var agentNamespace = uuid.MustParse("8e6f2c1a-4b0d-4f3a-9c6e-2d7b5a1f0c43")

// Kebab converts an agent class name to its kebab-case routing form.
//
// Rules: lowercase everything; insert "-" before an uppercase letter that
// follows a lowercase letter or digit; collapse runs of "_" (and "-") into
// a single "-"; drop trailing separators. The conversion is idempotent.
func Kebab(class string) string {
	var b strings.Builder
	b.Grow(len(class) + 4)

	var prev rune
	for _, r := range class {
		switch {
		case r == '_' || r == '-':
			if prev != 0 && prev != '_' && prev != '-' {
				b.WriteByte('-')
			}
		case unicode.IsUpper(r):
			if prev != 0 && prev != '_' && prev != '-' && (unicode.IsLower(prev) || unicode.IsDigit(prev)) {
				b.WriteByte('-')
			}
			b.WriteRune(unicode.ToLower(r))
		default:
			b.WriteRune(r)
		}
		prev = r
	}

	return strings.TrimSuffix(b.String(), "-")
}

// AgentID derives the stable identifier for an agent instance from its
// class and instance name. Instance names are opaque UTF-8; the pair is
// length-prefixed to avoid collisions between e.g. ("ab","c") and ("a","bc").
func AgentID(class, name string) string {
	kebab := Kebab(class)
	data := fmt.Sprintf("%d:%s%d:%s", len(kebab), kebab, len(name), name)
	return uuid.NewSHA1(agentNamespace, []byte(data)).String()
}
