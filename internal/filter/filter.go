// Package filter decides which functions are scanned.
package filter

import (
	"github.com/nelssec/qualys-lambda/types"
)

// Filter controls which functions to scan by name and by tag.
type Filter struct {
	excludeFunctions map[string]bool
	includeTags      map[string]string
	excludeTags      map[string]string
}

// New creates a new Filter from the provided configuration.
func New(excludeFunctions []string, includeTags, excludeTags map[string]string) *Filter {
	excludeMap := make(map[string]bool)
	for _, name := range excludeFunctions {
		if name != "" {
			excludeMap[name] = true
		}
	}

	return &Filter{
		excludeFunctions: excludeMap,
		includeTags:      includeTags,
		excludeTags:      excludeTags,
	}
}

// WithSkipTag returns a filter that also excludes functions tagged key=value.
func (f *Filter) WithSkipTag(key, value string) *Filter {
	if key == "" {
		return f
	}
	exclude := make(map[string]string, len(f.excludeTags)+1)
	for k, v := range f.excludeTags {
		exclude[k] = v
	}
	exclude[key] = value
	return &Filter{
		excludeFunctions: f.excludeFunctions,
		includeTags:      f.includeTags,
		excludeTags:      exclude,
	}
}

// ShouldScanFunction returns true if the named function is not excluded.
func (f *Filter) ShouldScanFunction(name string) bool {
	return !f.excludeFunctions[name]
}

// Decide reports whether the target passes name and tag filters, with the
// reason it was excluded. Tag rules only apply once metadata has been
// fetched; a target whose metadata lookup failed is scanned rather than
// silently skipped.
func (f *Filter) Decide(t types.ScanTarget) (bool, string) {
	if !f.ShouldScanFunction(t.FunctionName) {
		return false, "function excluded"
	}
	if !t.HasFingerprint() {
		return true, ""
	}

	// Check include tags (whitelist) - ALL must match
	for k, v := range f.includeTags {
		if t.Tags == nil || t.Tags[k] != v {
			return false, "missing include tag " + k
		}
	}

	// Check exclude tags (blacklist) - ANY match excludes
	for k, v := range f.excludeTags {
		if t.Tags != nil && t.Tags[k] == v {
			return false, "excluded by tag " + k
		}
	}

	return true, ""
}
