// Package glob matches branch names against the patterns configured in
// branchless.core.ignoreBranches: `*` matches any run of characters within
// one ref segment (it does not cross `/`), `?` matches exactly one such
// character, and everything else is literal.
package glob

// Pattern is a compiled ignore-branches pattern.
type Pattern struct {
	raw string
}

// Compile parses p into a Pattern. Every string is a valid pattern, so
// Compile cannot fail; it exists so call sites hold a typed value rather
// than re-deriving semantics from a bare string.
func Compile(p string) *Pattern {
	return &Pattern{raw: p}
}

func (p *Pattern) String() string { return p.raw }

// Match reports whether name matches p. Matching is anchored at both ends:
// `release/*` matches `release/v1` but not `release/v1/hotfix` or
// `old-release/v1`.
func (p *Pattern) Match(name string) bool {
	pattern := p.raw
	var pi, ni int
	starPi, starNi := -1, 0
	for ni < len(name) {
		if pi < len(pattern) && (pattern[pi] == name[ni] || (pattern[pi] == '?' && name[ni] != '/')) {
			pi++
			ni++
			continue
		}
		if pi < len(pattern) && pattern[pi] == '*' {
			starPi, starNi = pi, ni
			pi++
			continue
		}
		// Re-expand the most recent `*` by one character, unless there is
		// none or expanding would cross a `/`.
		if starPi >= 0 && name[starNi] != '/' {
			starNi++
			ni = starNi
			pi = starPi + 1
			continue
		}
		return false
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}

// MatchAny reports whether name matches any of patterns.
func MatchAny(patterns []*Pattern, name string) bool {
	for _, p := range patterns {
		if p.Match(name) {
			return true
		}
	}
	return false
}

// CompileAll compiles each pattern in ps.
func CompileAll(ps []string) []*Pattern {
	out := make([]*Pattern, 0, len(ps))
	for _, p := range ps {
		out = append(out, Compile(p))
	}
	return out
}
