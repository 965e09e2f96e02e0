// Package redaction scrubs secrets and PII out of the two free-text
// fields an audit Entry carries — the egress URL and its path — before
// the entry hits disk. Every other Entry field (host, port, status,
// rule name, sizes) is typed and already safe to log as-is.
package redaction

import "regexp"

// Redactor scrubs sensitive substrings out of a single string.
type Redactor interface {
	Redact(content string) string
}

// Pattern is one named regex scrub applied in sequence by PatternRedactor.
type Pattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// DefaultPatterns returns the patterns relevant to the content an
// audit URL/path can actually carry: REST paths and webhook callback
// URLs sometimes embed a token, key, or identity directly in a path
// segment (e.g. "/webhooks/<secret>", "/users/jane@example.com"). The
// query string is already stripped before redaction ever sees it (see
// gateway.originalURL), so patterns aimed at query-parameter or JSON
// body content — the teacher's password_json/password_field/
// credit_card/phone_us/base64_secret patterns — have nothing left to
// match here and are not carried over.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{
			Name:        "email",
			Regex:       regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Z|a-z]{2,}\b`),
			Replacement: "[REDACTED_EMAIL]",
		},
		{
			Name:        "bearer_token",
			Regex:       regexp.MustCompile(`(?i)(bearer/)([a-zA-Z0-9_.-]{20,})`),
			Replacement: "$1[REDACTED_TOKEN]",
		},
		{
			Name:        "api_key_sk",
			Regex:       regexp.MustCompile(`(?i)(sk-[a-zA-Z0-9]{20,})`),
			Replacement: "[REDACTED_API_KEY]",
		},
		{
			Name:        "jwt_token",
			Regex:       regexp.MustCompile(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`),
			Replacement: "[REDACTED_JWT]",
		},
		{
			Name:        "aws_access_key",
			Regex:       regexp.MustCompile(`(?i)(AKIA[0-9A-Z]{16})`),
			Replacement: "[REDACTED_AWS_KEY]",
		},
	}
}

// PatternRedactor applies a fixed, immutable set of patterns. It holds
// no lock: patterns and enabled are set once at construction and never
// mutated afterward, so concurrent Redact calls need no synchronization.
type PatternRedactor struct {
	patterns []Pattern
	enabled  bool
}

// NewPatternRedactor returns a PatternRedactor using DefaultPatterns.
func NewPatternRedactor() *PatternRedactor {
	return &PatternRedactor{patterns: DefaultPatterns(), enabled: true}
}

// NewPatternRedactorWithPatterns returns a PatternRedactor using a
// caller-supplied pattern set, for tests that need to exercise a
// narrower or different scrub than the default.
func NewPatternRedactorWithPatterns(patterns []Pattern) *PatternRedactor {
	return &PatternRedactor{patterns: patterns, enabled: true}
}

// Redact applies every pattern in sequence.
func (r *PatternRedactor) Redact(content string) string {
	if !r.enabled {
		return content
	}
	result := content
	for _, pattern := range r.patterns {
		result = pattern.Regex.ReplaceAllString(result, pattern.Replacement)
	}
	return result
}

// NoopRedactor passes content through unchanged, selected when audit
// redaction is disabled in configuration.
type NoopRedactor struct{}

// Redact returns content unchanged.
func (r *NoopRedactor) Redact(content string) string {
	return content
}
