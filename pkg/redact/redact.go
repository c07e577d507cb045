// Package redact strips secrets from anything that leaves the process:
// trace files, run manifests, log lines. Card numbers and API keys never
// reach disk in the clear.
package redact

import (
	"fmt"
	"regexp"
)

// Rule is a pre-compiled redaction rule.
type Rule struct {
	Pattern *regexp.Regexp
	Replace string
}

// Compile compiles pattern->replacement pairs into rules.
func Compile(pairs map[string]string) ([]*Rule, error) {
	var rules []*Rule
	for pattern, replace := range pairs {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile redaction pattern %q: %w", pattern, err)
		}
		rules = append(rules, &Rule{Pattern: re, Replace: replace})
	}
	return rules, nil
}

// Defaults covers the secrets every run handles: full card PANs and the
// admin API key header value.
func Defaults() []*Rule {
	return []*Rule{
		// 13-19 digit card numbers, keeping the last four.
		{
			Pattern: regexp.MustCompile(`\b(?:\d[ -]?){9,15}(\d{4})\b`),
			Replace: "****$1",
		},
		// api-key header values in serialized requests.
		{
			Pattern: regexp.MustCompile(`(?i)("?api-key"?\s*[:=]\s*"?)[A-Za-z0-9_-]+`),
			Replace: "${1}[REDACTED]",
		},
	}
}

// Apply runs every rule over s.
func Apply(s string, rules []*Rule) string {
	for _, r := range rules {
		s = r.Pattern.ReplaceAllString(s, r.Replace)
	}
	return s
}

// Secret returns s with everything but the last four characters masked.
// Used when credential values must appear in diagnostics at all.
func Secret(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}
