// Package rulematch evaluates the flow.Matcher recursive sum type against a
// request, per §4.E. Host matching's domain-suffix behavior is grounded in
// the teacher's internal/provider/match.go MatchDomainSuffix, generalized
// from "is this host one of a known LLM provider's domains" into a general
// rule-matcher primitive.
package rulematch

import (
	"regexp"
	"strings"
	"sync"

	"github.com/syrahproxy/syrah/internal/flow"
)

// compiledCache memoizes wildcard/regex pattern compilation so a rule
// evaluated against every request on a hot path doesn't recompile its
// pattern each time.
var compiledCache sync.Map // pattern+flags string -> *regexp.Regexp

// Matches evaluates m against the given request line and headers.
func Matches(m *flow.Matcher, url, method string, headers *flow.Headers) bool {
	if m == nil {
		return true
	}
	switch m.Kind {
	case flow.MatcherURL:
		return matchPattern(m.Pattern, m.IsRegex, m.CaseSensitive, url)
	case flow.MatcherHost:
		return matchHost(m, url)
	case flow.MatcherMethod:
		return matchMethod(m, method)
	case flow.MatcherHeader:
		return matchHeader(m, headers)
	case flow.MatcherContentType:
		return matchContentType(m, headers)
	case flow.MatcherAll:
		for _, c := range m.Children {
			if !Matches(c, url, method, headers) {
				return false
			}
		}
		return true
	case flow.MatcherAny:
		for _, c := range m.Children {
			if Matches(c, url, method, headers) {
				return true
			}
		}
		return false
	case flow.MatcherNot:
		return !Matches(m.Child, url, method, headers)
	default:
		return false
	}
}

func matchMethod(m *flow.Matcher, method string) bool {
	for _, want := range m.Methods {
		if strings.EqualFold(string(want), method) {
			return true
		}
	}
	return false
}

func matchHeader(m *flow.Matcher, headers *flow.Headers) bool {
	if headers == nil {
		return false
	}
	v, ok := headers.Get(m.HeaderName)
	if !ok {
		return false
	}
	if m.HeaderValue == nil {
		return true
	}
	if m.IsRegex {
		re, err := compileRegex(*m.HeaderValue, true)
		if err != nil {
			return false
		}
		return re.MatchString(v)
	}
	return strings.EqualFold(v, *m.HeaderValue)
}

func matchContentType(m *flow.Matcher, headers *flow.Headers) bool {
	if headers == nil {
		return false
	}
	raw, ok := headers.Get("Content-Type")
	if !ok {
		return false
	}
	ct := flow.ClassifyContentType(raw)
	for _, want := range m.ContentTypes {
		if ct == want {
			return true
		}
	}
	return false
}

// matchHost extracts the host from url (or treats it as a bare host if it
// doesn't parse as a URL) and matches it per m, including domain-suffix
// matching ("example.com" matches "api.example.com").
func matchHost(m *flow.Matcher, url string) bool {
	host := extractHost(url)
	if m.IsRegex {
		re, err := compileRegex(m.Pattern, true)
		if err != nil {
			return false
		}
		return re.MatchString(host)
	}
	return MatchDomainSuffix(host, m.Pattern)
}

func extractHost(url string) string {
	s := url
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/?"); i >= 0 {
		s = s[:i]
	}
	return s
}

// MatchDomainSuffix reports whether host equals suffix or is a subdomain of
// it, case-insensitively, ignoring any port on host. Grounded directly in
// the teacher's provider.MatchDomainSuffix.
func MatchDomainSuffix(host, suffix string) bool {
	h := strings.ToLower(host)
	if idx := strings.LastIndexByte(h, ':'); idx >= 0 {
		h = h[:idx]
	}
	s := strings.ToLower(suffix)
	if h == s {
		return true
	}
	return strings.HasSuffix(h, "."+s)
}

func matchPattern(pattern string, isRegex, caseSensitive bool, subject string) bool {
	if isRegex {
		re, err := compileRegex(pattern, caseSensitive)
		if err != nil {
			return false
		}
		return re.MatchString(subject)
	}
	re, err := compileWildcard(pattern, caseSensitive)
	if err != nil {
		return false
	}
	return re.MatchString(subject)
}

func compileRegex(pattern string, caseSensitive bool) (*regexp.Regexp, error) {
	key := "re:" + boolFlag(caseSensitive) + pattern
	if v, ok := compiledCache.Load(key); ok {
		return v.(*regexp.Regexp), nil
	}
	p := pattern
	if !caseSensitive {
		p = "(?i)" + p
	}
	re, err := regexp.Compile(p)
	if err != nil {
		return nil, err
	}
	compiledCache.Store(key, re)
	return re, nil
}

// compileWildcard converts a wildcard pattern to an anchored regex: "."
// escaped literal, "**" -> ".*", "*" -> "[^/]*", "?" -> ".".
func compileWildcard(pattern string, caseSensitive bool) (*regexp.Regexp, error) {
	key := "wc:" + boolFlag(caseSensitive) + pattern
	if v, ok := compiledCache.Load(key); ok {
		return v.(*regexp.Regexp), nil
	}
	var b strings.Builder
	b.WriteByte('^')
	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '*':
			if i+1 < len(runes) && runes[i+1] == '*' {
				b.WriteString(".*")
				i++
			} else {
				b.WriteString("[^/]*")
			}
		case '?':
			b.WriteByte('.')
		case '.', '+', '(', ')', '[', ']', '{', '}', '^', '$', '|', '\\':
			b.WriteByte('\\')
			b.WriteRune(runes[i])
		default:
			b.WriteRune(runes[i])
		}
	}
	b.WriteByte('$')
	p := b.String()
	if !caseSensitive {
		p = "(?i)" + p
	}
	re, err := regexp.Compile(p)
	if err != nil {
		return nil, err
	}
	compiledCache.Store(key, re)
	return re, nil
}

func boolFlag(b bool) string {
	if b {
		return "1:"
	}
	return "0:"
}
