package types

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Tag keys written back onto scanned functions
const (
	TagScanTimestamp = "QualysScanTimestamp"
	TagScanStatus    = "QualysScanStatus"
	TagScanTag       = "QualysScanTag"
)

const maxTagValueLen = 256

// ResourceAnnotation is the scan history stamped on the function itself
type ResourceAnnotation struct {
	ScannedAt      time.Time
	Status         ScanStatus
	CorrelationTag string
}

// NewAnnotation derives the annotation for an outcome
func NewAnnotation(o ScanOutcome) ResourceAnnotation {
	status := o.Status
	if status != StatusSuccess {
		status = StatusFailed
	}
	return ResourceAnnotation{
		ScannedAt:      o.ScannedAt.UTC(),
		Status:         status,
		CorrelationTag: o.CorrelationTag,
	}
}

// Tags renders the annotation as Lambda tag key/values.
// The correlation tag is omitted when the service issued none.
func (a ResourceAnnotation) Tags() map[string]string {
	tags := map[string]string{
		TagScanTimestamp: a.ScannedAt.UTC().Format(time.RFC3339),
		TagScanStatus:    string(a.Status),
	}
	if v := SanitizeTagValue(a.CorrelationTag); v != "" {
		tags[TagScanTag] = v
	}
	return tags
}

// SanitizeTagValue maps a value onto the Lambda tag value charset
func SanitizeTagValue(v string) string {
	var b strings.Builder
	for _, r := range v {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case strings.ContainsRune(" _.:/=+-@", r):
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
		if b.Len() >= maxTagValueLen {
			break
		}
	}
	return strings.TrimSpace(b.String())
}

// Truncate shortens s to at most n bytes without splitting a rune
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
