package recorder

import (
	"fmt"
	"path"
	"strings"
)

// Scope is the set of path patterns a phase is authorized to commit.
// Patterns use slash-separated glob segments; "**" matches any number of
// directories. Examples: "**/*_test.go", "migrations/**", "docs/report.md".
// A path is permitted when it matches an Allow pattern and no Deny pattern;
// Deny expresses rules like "code only, no test diffs".
type Scope struct {
	Allow []string `json:"allow" yaml:"allow"`
	Deny  []string `json:"deny,omitempty" yaml:"deny,omitempty"`
}

// Permits reports whether a path is inside the authorized set.
func (s Scope) Permits(p string) bool {
	p = path.Clean(strings.ReplaceAll(p, "\\", "/"))
	for _, pattern := range s.Deny {
		if matchGlob(pattern, p) {
			return false
		}
	}
	for _, pattern := range s.Allow {
		if matchGlob(pattern, p) {
			return true
		}
	}
	return false
}

// Violations returns the subset of paths the scope does not permit.
func (s Scope) Violations(paths []string) []string {
	var out []string
	for _, p := range paths {
		if !s.Permits(p) {
			out = append(out, p)
		}
	}
	return out
}

// matchGlob matches a slash-separated glob where "**" spans zero or more
// path segments and the remaining segments use path.Match semantics.
func matchGlob(pattern, p string) bool {
	return matchSegments(strings.Split(pattern, "/"), strings.Split(p, "/"))
}

func matchSegments(pattern, segs []string) bool {
	for len(pattern) > 0 {
		if pattern[0] == "**" {
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(segs); i++ {
				if matchSegments(pattern[1:], segs[i:]) {
					return true
				}
			}
			return false
		}
		if len(segs) == 0 {
			return false
		}
		ok, err := path.Match(pattern[0], segs[0])
		if err != nil || !ok {
			return false
		}
		pattern = pattern[1:]
		segs = segs[1:]
	}
	return len(segs) == 0
}

// ScopeViolationError reports an attempt to commit files outside the
// authorized set for a phase. It is the second, independent enforcement of
// artifact immutability alongside the artifact store.
type ScopeViolationError struct {
	Phase string
	Paths []string
}

func (e *ScopeViolationError) Error() string {
	return fmt.Sprintf("phase %s is not authorized to commit: %s", e.Phase, strings.Join(e.Paths, ", "))
}
