package match

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode"
)

// Matcher tests keys against one compiled mask. A nil *Matcher matches nothing.
type Matcher struct {
	source string
	re     *regexp.Regexp // nil: matches nothing
}

// Test reports whether candidate is selected by the mask.
func (m *Matcher) Test(candidate string) bool {
	if m == nil || m.re == nil {
		return false
	}
	return m.re.MatchString(candidate)
}

// String returns the mask text the matcher was compiled from.
func (m *Matcher) String() string {
	if m == nil {
		return ""
	}
	return m.source
}

// Translate converts a glob mask into regular expression source. It returns
// an empty string when the mask has no tokens.
func Translate(mask string) string {
	tokens := strings.Fields(mask)
	if len(tokens) == 0 {
		return ""
	}
	parts := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		var b strings.Builder
		b.WriteByte('^')
		for _, r := range tok {
			switch {
			case r == '*':
				b.WriteString(".*")
			case r == '?':
				b.WriteString(".?")
			case unicode.IsLetter(r) || unicode.IsDigit(r):
				b.WriteRune(r)
			default:
				b.WriteString(regexp.QuoteMeta(string(r)))
			}
		}
		b.WriteByte('$')
		parts = append(parts, b.String())
	}
	return strings.Join(parts, "|")
}

// Cache holds compiled matchers keyed by their literal text. It is safe for
// concurrent use. Entries are never evicted: the mask vocabulary is small and
// operator controlled.
type Cache struct {
	mu      sync.RWMutex
	globs   map[string]*Matcher
	regexps map[string]*Matcher
}

// NewCache returns a cache pre-seeded with the two special masks.
func NewCache() *Cache {
	c := &Cache{}
	c.Reset()
	return c
}

// Reset drops every cached matcher except the predefined ones.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.globs = map[string]*Matcher{
		"":  {source: ""},
		"*": {source: "*", re: regexp.MustCompile(`^.+$`)},
	}
	c.regexps = make(map[string]*Matcher)
}

// Compile returns the matcher for a glob mask, compiling it on first use.
func (c *Cache) Compile(mask string) *Matcher {
	c.mu.RLock()
	m, ok := c.globs[mask]
	c.mu.RUnlock()
	if ok {
		return m
	}

	m = &Matcher{source: mask}
	if expr := Translate(mask); expr != "" {
		// Every token is built from quoted literals and fixed fragments, so
		// the expression always compiles.
		m.re = regexp.MustCompile(expr)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.globs[mask]; ok {
		return existing
	}
	c.globs[mask] = m
	return m
}

// CompileRegexp returns the matcher for a raw regular expression, as used by
// sessions in regex mode. Empty text matches nothing.
func (c *Cache) CompileRegexp(expr string) (*Matcher, error) {
	c.mu.RLock()
	m, ok := c.regexps[expr]
	c.mu.RUnlock()
	if ok {
		return m, nil
	}

	m = &Matcher{source: expr}
	if expr != "" {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("match: compile %q: %w", expr, err)
		}
		m.re = re
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.regexps[expr]; ok {
		return existing, nil
	}
	c.regexps[expr] = m
	return m, nil
}

// Len returns the number of cached matchers, predefined ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.globs) + len(c.regexps)
}
