// Package interpreter turns what the scanner process left behind into a
// ScanOutcome.
package interpreter

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nelssec/qualys-lambda/types"
)

// correlationFields are tried in order for the scan's correlation tag
var correlationFields = []string{"scanId", "scan_id", "correlationId", "ScanID", "id"}

// maxTagLen bounds the correlation tag carried into tags and notifications
const maxTagLen = 128

// Interpret builds the outcome of one scan. execErr is the supervisor's
// error; when set the report is not parsed.
func Interpret(exec types.ExecResult, execErr error) types.ScanOutcome {
	scannedAt := exec.StartedAt
	if scannedAt.IsZero() {
		scannedAt = time.Now()
	}
	outcome := types.ScanOutcome{
		Status:    types.StatusFailed,
		ExitCode:  exec.ExitCode,
		ScannedAt: scannedAt.UTC(),
		Duration:  exec.Duration,
	}

	if execErr != nil {
		outcome.Detail = detailFor(execErr)
		return outcome
	}

	report, location := exec.Report, exec.ReportPath
	if len(bytes.TrimSpace(report)) == 0 {
		report, location = exec.Stdout, "stdout"
	}

	// an unreadable report is still kept for the object store
	if len(bytes.TrimSpace(report)) > 0 {
		outcome.ReportLocation = location
		outcome.Report = bytes.Clone(report)
	}

	tag, summary, err := parseReport(report)
	if err != nil {
		outcome.Detail = err.Error()
		return outcome
	}

	outcome.Status = types.StatusSuccess
	outcome.CorrelationTag = tag
	outcome.Summary = summary
	return outcome
}

// detailFor renders a typed supervisor error without internal detail
func detailFor(err error) string {
	var execErr *types.ScanExecutionError
	if errors.As(err, &execErr) {
		return execErr.Error()
	}
	var verr *types.ValidationError
	if errors.As(err, &verr) {
		return verr.Error()
	}
	return "scanner failed"
}

func parseReport(report []byte) (string, *types.Summary, error) {
	report = bytes.TrimSpace(report)
	if len(report) == 0 {
		return "", nil, &types.ResultParseError{Reason: "no report produced"}
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(report, &doc); err != nil {
		return "", nil, &types.ResultParseError{Reason: "report is not a JSON object", Err: err}
	}

	tag, err := correlationTag(doc)
	if err != nil {
		return "", nil, err
	}

	summary, err := vulnerabilitySummary(doc)
	if err != nil {
		return "", nil, err
	}
	return tag, summary, nil
}

func correlationTag(doc map[string]json.RawMessage) (string, error) {
	for _, field := range correlationFields {
		raw, ok := doc[field]
		if !ok || string(raw) == "null" {
			continue
		}

		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			// numeric ids are accepted verbatim
			var n json.Number
			if err := json.Unmarshal(raw, &n); err != nil {
				return "", &types.ResultParseError{Reason: fmt.Sprintf("field %s is not a string or number", field)}
			}
			s = n.String()
		}
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if types.ContainsControl(s) {
			return "", &types.ResultParseError{Reason: fmt.Sprintf("field %s contains control characters", field)}
		}
		return types.Truncate(s, maxTagLen), nil
	}
	return "", nil
}

// vulnerabilitySummary reads "vulnerabilities" either as an object of
// severity to count or as an array of findings carrying a severity.
func vulnerabilitySummary(doc map[string]json.RawMessage) (*types.Summary, error) {
	raw, ok := doc["vulnerabilities"]
	if !ok {
		return nil, nil
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil, nil
	}

	summary := &types.Summary{}
	switch trimmed[0] {
	case '{':
		var counts map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &counts); err != nil {
			return nil, &types.ResultParseError{Reason: "malformed vulnerabilities object", Err: err}
		}
		for sev, v := range counts {
			var n int
			if err := json.Unmarshal(v, &n); err != nil {
				// nested objects such as per-package breakdowns are ignored
				continue
			}
			summary.Add(sev, n)
		}
	case '[':
		var findings []struct {
			Severity json.RawMessage `json:"severity"`
		}
		if err := json.Unmarshal(trimmed, &findings); err != nil {
			return nil, &types.ResultParseError{Reason: "malformed vulnerabilities array", Err: err}
		}
		for _, f := range findings {
			summary.Add(severityName(f.Severity), 1)
		}
	default:
		return nil, &types.ResultParseError{Reason: "vulnerabilities is neither object nor array"}
	}
	return summary, nil
}

// severityName accepts "High", "HIGH" or Qualys numeric levels 1-5
func severityName(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var n int
	if json.Unmarshal(raw, &n) == nil {
		switch n {
		case 5:
			return "critical"
		case 4:
			return "high"
		case 3:
			return "medium"
		case 2:
			return "low"
		case 1:
			return "informational"
		}
	}
	return ""
}
