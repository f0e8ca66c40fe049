package contamination

import (
	"regexp"
	"strings"

	"github.com/cloudflare/ahocorasick"

	"buildsentry/logger"
)

// Signature recognizes one shape of payload-in-module corruption. Tokens are
// cheap literal gates; the regex only runs when a gate token is present. A
// signature without tokens is always evaluated.
type Signature struct {
	Name    string
	Tokens  []string
	Pattern *regexp.Regexp
}

// defaultSignatures recognize task-tracking payloads written into module
// files: a top-level tasks array, a project header next to task fields, and
// bare task status markers.
func defaultSignatures() []Signature {
	return []Signature{
		{
			Name:    "tasks_array",
			Tokens:  []string{`"tasks"`},
			Pattern: regexp.MustCompile(`"tasks"\s*:\s*\[`),
		},
		{
			Name:    "project_header",
			Tokens:  []string{`"project"`},
			Pattern: regexp.MustCompile(`(?s)"project"\s*:\s*"[^"]*".*"(?:tasks|status|id)"`),
		},
		{
			Name:    "task_status",
			Tokens:  []string{`"status"`},
			Pattern: regexp.MustCompile(`"status"\s*:\s*"(?:pending|in_progress|completed|blocked)"`),
		},
	}
}

// buildSignatures merges the defaults with custom name-to-regex entries from
// configuration. A custom regex that fails to compile is logged and dropped,
// not fatal.
func buildSignatures(custom map[string]string) []Signature {
	signatures := defaultSignatures()
	for name, pattern := range custom {
		re, err := regexp.Compile(pattern)
		if err != nil {
			logger.Warnf("Ignoring custom signature %q: %v", name, err)
			continue
		}
		signatures = append(signatures, Signature{Name: name, Pattern: re})
	}
	return signatures
}

// tokenGate answers which signatures are worth regex-scanning for a given
// content, using one Aho-Corasick pass over the gate tokens of every
// signature.
type tokenGate struct {
	matcher *ahocorasick.Matcher
	tokens  []string
}

func newTokenGate(signatures []Signature) *tokenGate {
	seen := make(map[string]struct{})
	var tokens []string
	for _, sig := range signatures {
		for _, token := range sig.Tokens {
			token = strings.ToLower(strings.TrimSpace(token))
			if token == "" {
				continue
			}
			if _, ok := seen[token]; ok {
				continue
			}
			seen[token] = struct{}{}
			tokens = append(tokens, token)
		}
	}
	if len(tokens) == 0 {
		return &tokenGate{}
	}
	return &tokenGate{matcher: ahocorasick.NewStringMatcher(tokens), tokens: tokens}
}

// allowed reports, per signature, whether its regex should run against
// content. Signatures without tokens are always allowed.
func (g *tokenGate) allowed(content []byte, signatures []Signature) map[string]bool {
	result := make(map[string]bool, len(signatures))
	if g.matcher == nil {
		for _, sig := range signatures {
			result[sig.Name] = len(sig.Tokens) == 0
		}
		return result
	}

	matched := make(map[string]bool, len(g.tokens))
	for _, idx := range g.matcher.MatchThreadSafe([]byte(strings.ToLower(string(content)))) {
		if idx >= 0 && idx < len(g.tokens) {
			matched[g.tokens[idx]] = true
		}
	}

	for _, sig := range signatures {
		if len(sig.Tokens) == 0 {
			result[sig.Name] = true
			continue
		}
		for _, token := range sig.Tokens {
			if matched[strings.ToLower(strings.TrimSpace(token))] {
				result[sig.Name] = true
				break
			}
		}
	}
	return result
}
