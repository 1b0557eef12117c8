package telemetry

import (
	"io"
	"sort"
	"strings"
	"sync"

	regexp "github.com/wasilibs/go-re2"
)

// Redacted replaces every secret-like value in log output
const Redacted = "[REDACTED]"

// minLiteralLen keeps very short registered values from shredding log lines
const minLiteralLen = 6

type redactRule struct {
	pattern *regexp.Regexp
	replace string
}

// Patterns for values that look like credentials regardless of where they came from.
var redactRules = []redactRule{
	// JWT-shaped bearer material (Qualys access tokens are JWTs)
	{regexp.MustCompile(`eyJ[A-Za-z0-9_-]{5,}\.[A-Za-z0-9_-]{5,}\.[A-Za-z0-9_-]{5,}`), Redacted},
	// AWS access key ids
	{regexp.MustCompile(`\b(AKIA|ASIA)[A-Z0-9]{16}\b`), Redacted},
	// Authorization headers
	{regexp.MustCompile(`(?i)(bearer|basic)\s+[A-Za-z0-9._~+/=-]{8,}`), "${1} " + Redacted},
	// key=value and "key":"value" pairs whose key names a secret
	{regexp.MustCompile(`(?i)("?[a-z0-9_.-]*(token|secret|password|passwd|api[_-]?key|access[_-]?key)[a-z0-9_.-]*"?\s*[:=]\s*"?)([^"\s,}&]{4,})`), "${1}" + Redacted},
	// PEM private keys
	{regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[^-]*-----END [A-Z ]*PRIVATE KEY-----`), Redacted},
}

// Sanitizer redacts secret-like values from text before it is written anywhere.
// Besides the fixed patterns it redacts literal values registered for the
// lifetime of one invocation.
type Sanitizer struct {
	mu       sync.RWMutex
	literals map[string]int
}

// NewSanitizer creates a sanitizer with no registered literals
func NewSanitizer() *Sanitizer {
	return &Sanitizer{literals: make(map[string]int)}
}

// DefaultSanitizer backs every logger created by NewLogger
var DefaultSanitizer = NewSanitizer()

// Register adds literal secrets to redact until the returned func is called
func (s *Sanitizer) Register(secrets ...string) (unregister func()) {
	var added []string

	s.mu.Lock()
	for _, v := range secrets {
		if len(v) < minLiteralLen {
			continue
		}
		s.literals[v]++
		added = append(added, v)
	}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for _, v := range added {
				if s.literals[v] <= 1 {
					delete(s.literals, v)
					continue
				}
				s.literals[v]--
			}
		})
	}
}

// RedactString returns in with every secret-like value replaced
func (s *Sanitizer) RedactString(in string) string {
	out := in

	s.mu.RLock()
	if len(s.literals) > 0 {
		lits := make([]string, 0, len(s.literals))
		for v := range s.literals {
			lits = append(lits, v)
		}
		// longest first so overlapping secrets are fully covered
		sort.Slice(lits, func(i, j int) bool { return len(lits[i]) > len(lits[j]) })
		for _, v := range lits {
			out = strings.ReplaceAll(out, v, Redacted)
		}
	}
	s.mu.RUnlock()

	for _, r := range redactRules {
		out = r.pattern.ReplaceAllString(out, r.replace)
	}
	return out
}

// Redact is the []byte form of RedactString
func (s *Sanitizer) Redact(in []byte) []byte {
	return []byte(s.RedactString(string(in)))
}

// SanitizingWriter redacts everything written through it
type SanitizingWriter struct {
	out io.Writer
	s   *Sanitizer
}

// NewSanitizingWriter wraps out with s
func NewSanitizingWriter(out io.Writer, s *Sanitizer) *SanitizingWriter {
	if s == nil {
		s = DefaultSanitizer
	}
	return &SanitizingWriter{out: out, s: s}
}

// Write redacts p and forwards it. It reports len(p) so callers that
// check for short writes are not confused by a shorter redacted line.
func (w *SanitizingWriter) Write(p []byte) (int, error) {
	if _, err := w.out.Write(w.s.Redact(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}
