package flow

// Matcher is the recursive sum type (§3/§4.E) used by rules to decide
// whether they apply to a given request. Exactly one of the typed fields
// is populated per Kind; evaluation lives in internal/rulematch, which
// operates purely on this data.
type MatcherKind string

const (
	MatcherURL         MatcherKind = "url"
	MatcherHost        MatcherKind = "host"
	MatcherMethod      MatcherKind = "method"
	MatcherHeader      MatcherKind = "header"
	MatcherContentType MatcherKind = "content_type"
	MatcherAll         MatcherKind = "all"
	MatcherAny         MatcherKind = "any"
	MatcherNot         MatcherKind = "not"
)

type Matcher struct {
	Kind MatcherKind

	// URL
	Pattern       string
	IsRegex       bool
	CaseSensitive bool

	// Host reuses Pattern+IsRegex.

	// Method
	Methods []Method

	// Header
	HeaderName  string
	HeaderValue *string // nil means "any value, just must be present"

	// ContentType
	ContentTypes []ContentType

	// All / Any
	Children []*Matcher

	// Not
	Child *Matcher
}

func MatchURL(pattern string, isRegex, caseSensitive bool) *Matcher {
	return &Matcher{Kind: MatcherURL, Pattern: pattern, IsRegex: isRegex, CaseSensitive: caseSensitive}
}

func MatchHost(host string, isRegex bool) *Matcher {
	return &Matcher{Kind: MatcherHost, Pattern: host, IsRegex: isRegex}
}

func MatchMethod(methods ...Method) *Matcher {
	return &Matcher{Kind: MatcherMethod, Methods: methods}
}

func MatchHeader(name string, value *string, isRegex bool) *Matcher {
	return &Matcher{Kind: MatcherHeader, HeaderName: name, HeaderValue: value, IsRegex: isRegex}
}

func MatchContentType(types ...ContentType) *Matcher {
	return &Matcher{Kind: MatcherContentType, ContentTypes: types}
}

func MatchAll(children ...*Matcher) *Matcher {
	return &Matcher{Kind: MatcherAll, Children: children}
}

func MatchAny(children ...*Matcher) *Matcher {
	return &Matcher{Kind: MatcherAny, Children: children}
}

func MatchNot(child *Matcher) *Matcher {
	return &Matcher{Kind: MatcherNot, Child: child}
}
