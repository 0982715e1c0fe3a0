// Package redact scrubs credentials from captured headers and bodies before
// they're exported or persisted (HAR export, rule-set storage), so secrets
// observed in transit never land on disk in plaintext.
package redact

import (
	"regexp"
	"strings"

	"github.com/syrahproxy/syrah/internal/config"
	"github.com/syrahproxy/syrah/internal/flow"
)

const (
	// RedactedValue is the replacement for redacted content.
	RedactedValue = "[REDACTED]"

	// RedactedImageValue is the replacement for redacted base64 images.
	RedactedImageValue = "[IMAGE base64 redacted]"

	// MaxRedactionInputSize bounds how large a body RedactBody will scan;
	// larger bodies are returned unmodified to avoid pathological regex
	// cost on multi-megabyte payloads.
	MaxRedactionInputSize = 1024 * 1024
)

var defaultAlwaysRedactHeaders = []string{"authorization", "proxy-authorization", "cookie", "set-cookie"}

// Redactor scrubs credentials out of flow headers and bodies per a
// RedactionConfig.
type Redactor struct {
	cfg                   *config.RedactionConfig
	headerPatterns        []*regexp.Regexp
	apiKeyPattern         *regexp.Regexp
	base64Pattern         *regexp.Regexp
	jsonCredentialPattern *regexp.Regexp
}

// New compiles a Redactor from cfg. Malformed pattern_redact_headers entries
// are skipped rather than failing construction.
func New(cfg *config.RedactionConfig) *Redactor {
	r := &Redactor{cfg: cfg}

	for _, pattern := range cfg.PatternRedactHeaders {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			continue
		}
		r.headerPatterns = append(r.headerPatterns, re)
	}

	r.apiKeyPattern = regexp.MustCompile(`(?i)(` +
		`sk-ant-[a-zA-Z0-9_-]{20,}|` +
		`sk-[a-zA-Z0-9_-]{20,}|` +
		`AKIA[0-9A-Z]{16}|` +
		`AIza[0-9A-Za-z_-]{35,}|` +
		`key-[a-zA-Z0-9_-]{20,}|` +
		`api[_-]?key[=:]\\?"?[a-zA-Z0-9_-]{20,}` +
		`)`)

	r.base64Pattern = regexp.MustCompile(`(?i)(data:image/[^;]+;base64,)[A-Za-z0-9+/=]{100,}|"(source|data)":\s*\{\s*"type":\s*"base64"[^}]*"data":\s*"[A-Za-z0-9+/=]{100,}"`)

	r.jsonCredentialPattern = regexp.MustCompile(`(?i)"([^"]*(?:password|secret|credential)[^"]*)":\s*"([^"\\]*(?:\\.[^"\\]*)*)"`)

	return r
}

// RedactHeaders returns a copy of h with sensitive header values replaced by
// RedactedValue. Header order and casing are preserved for headers that pass
// through unredacted.
func (r *Redactor) RedactHeaders(h *flow.Headers) *flow.Headers {
	out := flow.NewHeaders()
	for _, name := range h.Names() {
		if r.shouldRedactHeader(name) {
			out.Set(name, RedactedValue)
			continue
		}
		for _, v := range h.Values(name) {
			out.Add(name, v)
		}
	}
	return out
}

func (r *Redactor) shouldRedactHeader(name string) bool {
	nameLower := strings.ToLower(name)

	always := r.cfg.AlwaysRedactHeaders
	if len(always) == 0 {
		always = defaultAlwaysRedactHeaders
	}
	for _, h := range always {
		if strings.ToLower(h) == nameLower {
			return true
		}
	}

	for _, pattern := range r.headerPatterns {
		if pattern.MatchString(name) {
			return true
		}
	}

	return false
}

// RedactBody returns body with API keys, base64-encoded images, and JSON
// credential fields replaced per cfg, or body unmodified if it exceeds
// MaxRedactionInputSize or no redaction flags are set.
func (r *Redactor) RedactBody(body string) string {
	if len(body) > MaxRedactionInputSize {
		return body
	}

	result := body

	if r.cfg.RedactAPIKeys {
		result = r.apiKeyPattern.ReplaceAllStringFunc(result, redactAPIKeyMatch)
		result = r.jsonCredentialPattern.ReplaceAllStringFunc(result, redactJSONCredentialMatch)
	}

	if r.cfg.RedactBase64Images {
		result = r.base64Pattern.ReplaceAllStringFunc(result, redactBase64Match)
	}

	return result
}

// RedactBodyBytes is RedactBody's []byte convenience wrapper.
func (r *Redactor) RedactBodyBytes(body []byte) []byte {
	return []byte(r.RedactBody(string(body)))
}

func redactAPIKeyMatch(match string) string {
	matchLower := strings.ToLower(match)
	switch {
	case strings.HasPrefix(matchLower, "sk-ant-"):
		return "sk-ant-" + RedactedValue
	case strings.HasPrefix(matchLower, "sk-"):
		return "sk-" + RedactedValue
	case strings.HasPrefix(match, "AKIA"):
		return "AKIA" + RedactedValue
	case strings.HasPrefix(match, "AIza"):
		return "AIza" + RedactedValue
	case strings.HasPrefix(matchLower, "key-"):
		return "key-" + RedactedValue
	}
	if parts := strings.SplitN(match, "=", 2); len(parts) == 2 {
		return parts[0] + "=" + RedactedValue
	}
	if parts := strings.SplitN(match, ":", 2); len(parts) == 2 {
		return parts[0] + ":" + RedactedValue
	}
	return RedactedValue
}

func redactBase64Match(match string) string {
	if strings.HasPrefix(strings.ToLower(match), "data:image") {
		if idx := strings.Index(match, ","); idx > 0 {
			return match[:idx+1] + RedactedImageValue
		}
	}
	return RedactedImageValue
}

func redactJSONCredentialMatch(match string) string {
	if colonIdx := strings.Index(match, ":"); colonIdx > 0 {
		return match[:colonIdx+1] + ` "` + RedactedValue + `"`
	}
	return match
}
