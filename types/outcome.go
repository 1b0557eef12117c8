package types

import (
	"strings"
	"time"
)

// ScanStatus is the normalized result of a scan invocation
type ScanStatus string

const (
	StatusSuccess ScanStatus = "success"
	StatusFailed  ScanStatus = "failed"
)

// Summary holds vulnerability counts by severity
type Summary struct {
	Critical      int `json:"critical"`
	High          int `json:"high"`
	Medium        int `json:"medium"`
	Low           int `json:"low"`
	Informational int `json:"informational,omitempty"`
	Total         int `json:"total"`
}

// ExecResult is what the scanner process left behind
type ExecResult struct {
	ExitCode   int
	Stdout     []byte
	Stderr     []byte
	Truncated  bool
	StartedAt  time.Time
	Duration   time.Duration
	ReportPath string
	Report     []byte
}

// ScanOutcome is produced once per invocation and never mutated afterwards
type ScanOutcome struct {
	Status         ScanStatus    `json:"status"`
	CorrelationTag string        `json:"correlation_tag,omitempty"`
	ReportLocation string        `json:"report_location,omitempty"`
	Summary        *Summary      `json:"summary,omitempty"`
	Detail         string        `json:"detail,omitempty"`
	ExitCode       int           `json:"exit_code"`
	ScannedAt      time.Time     `json:"scanned_at"`
	Duration       time.Duration `json:"duration"`
	Cached         bool          `json:"cached"`

	Report []byte `json:"-"`
}

// Succeeded reports whether the scan produced a usable report
func (o ScanOutcome) Succeeded() bool {
	return o.Status == StatusSuccess
}

// Add counts n findings of the given severity. Unknown severities only
// count toward Total.
func (s *Summary) Add(severity string, n int) {
	if n <= 0 {
		return
	}
	switch strings.ToLower(strings.TrimSpace(severity)) {
	case "critical", "urgent":
		s.Critical += n
	case "high", "serious":
		s.High += n
	case "medium", "moderate":
		s.Medium += n
	case "low", "minimal":
		s.Low += n
	case "informational", "info", "information":
		s.Informational += n
	case "total":
		return
	}
	s.Total += n
}
