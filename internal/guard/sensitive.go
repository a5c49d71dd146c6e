// Package guard blocks requests whose body matches a configured sensitive
// word list before they reach any provider.
package guard

import (
	"fmt"
	"regexp"
	"strings"
)

// SensitiveWords decides whether a request body must be rejected. It
// supports two matching modes:
//
//   - Literal match: case-insensitive substring search.
//   - Regex match: the body is tested against a compiled regexp.
//
// A nil *SensitiveWords is safe to call — Check always passes.
type SensitiveWords struct {
	literals []string // lowercased
	patterns []*regexp.Regexp
}

// NewSensitiveWords compiles the given literals and regex patterns. Returns
// an error if any pattern fails to compile so that misconfiguration is
// caught at startup.
func NewSensitiveWords(literals, patterns []string) (*SensitiveWords, error) {
	g := &SensitiveWords{}

	for _, w := range literals {
		if w != "" {
			g.literals = append(g.literals, strings.ToLower(w))
		}
	}

	for _, p := range patterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("sensitive words: invalid pattern %q: %w", p, err)
		}
		g.patterns = append(g.patterns, re)
	}

	return g, nil
}

// Check returns the matched rule and false when the body hits the list, or
// ("", true) when the request may proceed. Literals are checked first, then
// regex patterns in order. The matched rule is for logs only — it must
// never be echoed back to the client.
func (g *SensitiveWords) Check(body []byte) (string, bool) {
	if g == nil {
		return "", true
	}
	lower := strings.ToLower(string(body))
	for _, w := range g.literals {
		if strings.Contains(lower, w) {
			return w, false
		}
	}
	for _, re := range g.patterns {
		if re.Match(body) {
			return re.String(), false
		}
	}
	return "", true
}

// Len returns the total number of rules configured.
func (g *SensitiveWords) Len() int {
	if g == nil {
		return 0
	}
	return len(g.literals) + len(g.patterns)
}
