// Package event turns untrusted invocation envelopes into validated scan
// targets. Nothing that leaves this package has skipped the field grammars.
package event

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"github.com/nelssec/qualys-lambda/types"
)

// MaxEnvelopeSize matches the EventBridge event size limit
const MaxEnvelopeSize = 256 * 1024

const (
	// SourceLambda is the EventBridge source for Lambda control plane events
	SourceLambda = "aws.lambda"
	// SourceDirect marks envelopes submitted by the CLI or queue replay
	SourceDirect = "direct"
)

// CloudTrail event names carry API version suffixes such as
// UpdateFunctionCode20150331v2, so they are matched by prefix.
var eventNamePrefixes = []struct {
	prefix string
	kind   types.EventKind
}{
	{"CreateFunction", types.EventCreate},
	{"UpdateFunctionCode", types.EventUpdateCode},
	{"UpdateFunctionConfiguration", types.EventUpdateConfig},
}

// cloudTrailDetail is the part of an "AWS API Call via CloudTrail" detail we read
type cloudTrailDetail struct {
	EventName         string `json:"eventName"`
	EventSource       string `json:"eventSource"`
	RequestParameters *struct {
		FunctionName string `json:"functionName"`
	} `json:"requestParameters"`
	ResponseElements *struct {
		FunctionArn  string `json:"functionArn"`
		FunctionName string `json:"functionName"`
	} `json:"responseElements"`
	UserIdentity *struct {
		AccountID string `json:"accountId"`
	} `json:"userIdentity"`
}

// directEnvelope is the minimal envelope accepted outside EventBridge
type directEnvelope struct {
	Kind      string `json:"kind"`
	Resource  string `json:"resource"`
	Timestamp string `json:"timestamp"`
}

// envelopeProbe tells the two envelope shapes apart
type envelopeProbe struct {
	Detail json.RawMessage `json:"detail"`
	Kind   *string         `json:"kind"`
}

// KindFromEventName maps a CloudTrail event name to a lifecycle kind
func KindFromEventName(name string) (types.EventKind, bool) {
	for _, p := range eventNamePrefixes {
		if strings.HasPrefix(name, p.prefix) {
			return p.kind, true
		}
	}
	return "", false
}

// Parse decodes a raw envelope into a ChangeEvent. The resource identifier
// is extracted but not yet checked against the ARN grammar.
func Parse(raw []byte) (types.ChangeEvent, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return types.ChangeEvent{}, types.NewValidationError("envelope", "empty")
	}
	if len(raw) > MaxEnvelopeSize {
		return types.ChangeEvent{}, types.NewValidationError("envelope", "exceeds size limit")
	}

	var probe envelopeProbe
	if err := json.Unmarshal(raw, &probe); err != nil {
		return types.ChangeEvent{}, &types.ValidationError{Field: "envelope", Reason: "not a JSON object", Err: err}
	}

	switch {
	case len(probe.Detail) > 0:
		return parseEventBridge(raw)
	case probe.Kind != nil:
		return parseDirect(raw)
	default:
		return types.ChangeEvent{}, types.NewValidationError("envelope", "unrecognized shape")
	}
}

func parseEventBridge(raw []byte) (types.ChangeEvent, error) {
	var env events.CloudWatchEvent
	if err := json.Unmarshal(raw, &env); err != nil {
		return types.ChangeEvent{}, &types.ValidationError{Field: "envelope", Reason: "malformed EventBridge event", Err: err}
	}
	if env.Source == "" {
		return types.ChangeEvent{}, types.NewValidationError("source", "missing")
	}
	if env.Source != SourceLambda {
		return types.ChangeEvent{}, types.NewValidationError("source", "unsupported event source")
	}
	if env.Time.IsZero() {
		return types.ChangeEvent{}, types.NewValidationError("time", "missing")
	}

	var detail cloudTrailDetail
	if err := json.Unmarshal(env.Detail, &detail); err != nil {
		return types.ChangeEvent{}, &types.ValidationError{Field: "detail", Reason: "malformed CloudTrail record", Err: err}
	}
	if detail.EventName == "" {
		return types.ChangeEvent{}, types.NewValidationError("eventName", "missing")
	}
	kind, ok := KindFromEventName(detail.EventName)
	if !ok {
		return types.ChangeEvent{}, types.NewValidationError("eventName", "not a recognized lifecycle event")
	}

	account := env.AccountID
	if account == "" && detail.UserIdentity != nil {
		account = detail.UserIdentity.AccountID
	}

	id, err := resolveIdentifier(detail, env.Region, account)
	if err != nil {
		return types.ChangeEvent{}, err
	}

	return types.ChangeEvent{
		ResourceID: id,
		Kind:       kind,
		Source:     env.Source,
		EventName:  detail.EventName,
		Region:     env.Region,
		Account:    account,
		Timestamp:  env.Time.UTC(),
		Raw:        json.RawMessage(raw),
	}, nil
}

// resolveIdentifier prefers the ARN from the response, then falls back to
// the requested function name, which may itself be a name, partial or full ARN.
func resolveIdentifier(d cloudTrailDetail, region, account string) (string, error) {
	if d.ResponseElements != nil && d.ResponseElements.FunctionArn != "" {
		return d.ResponseElements.FunctionArn, nil
	}
	if d.RequestParameters == nil || d.RequestParameters.FunctionName == "" {
		return "", types.NewValidationError("function_arn", "missing")
	}

	name := d.RequestParameters.FunctionName
	if strings.HasPrefix(name, "arn:") {
		return name, nil
	}
	if err := types.ValidateFunctionName(name); err != nil {
		return "", err
	}
	if err := types.ValidateRegion(region); err != nil {
		return "", err
	}
	if err := types.ValidateAccount(account); err != nil {
		return "", err
	}
	return types.FunctionARN{
		Partition: partitionForRegion(region),
		Region:    region,
		Account:   account,
		Name:      name,
	}.String(), nil
}

func partitionForRegion(region string) string {
	switch {
	case strings.HasPrefix(region, "us-gov-"):
		return "aws-us-gov"
	case strings.HasPrefix(region, "cn-"):
		return "aws-cn"
	default:
		return "aws"
	}
}

func parseDirect(raw []byte) (types.ChangeEvent, error) {
	var env directEnvelope
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return types.ChangeEvent{}, &types.ValidationError{Field: "envelope", Reason: "malformed direct envelope", Err: err}
	}

	kind := types.EventKind(env.Kind)
	if !kind.Valid() {
		return types.ChangeEvent{}, types.NewValidationError("kind", "not a recognized lifecycle event")
	}
	if env.Resource == "" {
		return types.ChangeEvent{}, types.NewValidationError("resource", "missing")
	}
	if env.Timestamp == "" {
		return types.ChangeEvent{}, types.NewValidationError("timestamp", "missing")
	}
	ts, err := time.Parse(time.RFC3339, env.Timestamp)
	if err != nil {
		return types.ChangeEvent{}, &types.ValidationError{Field: "timestamp", Reason: "not RFC3339", Err: err}
	}

	return types.ChangeEvent{
		ResourceID: env.Resource,
		Kind:       kind,
		Source:     SourceDirect,
		Timestamp:  ts.UTC(),
		Raw:        json.RawMessage(raw),
	}, nil
}

// Validate checks the event's identifier against the function ARN grammar
// and returns a scan target draft. The fingerprint is left empty; it comes
// from the metadata lookup, never from the event body.
func Validate(ev types.ChangeEvent) (types.ScanTarget, error) {
	if !ev.Kind.Valid() {
		return types.ScanTarget{}, types.NewValidationError("kind", "not a recognized lifecycle event")
	}
	if ev.Timestamp.IsZero() {
		return types.ScanTarget{}, types.NewValidationError("timestamp", "missing")
	}

	fn, err := types.ParseFunctionARN(ev.ResourceID)
	if err != nil {
		return types.ScanTarget{}, err
	}
	normalized := fn.String()
	if err := types.ValidateFunctionARN(normalized); err != nil {
		return types.ScanTarget{}, err
	}

	return types.ScanTarget{
		FunctionARN:  normalized,
		FunctionName: fn.Name,
		Partition:    fn.Partition,
		Region:       fn.Region,
		Account:      fn.Account,
		Kind:         ev.Kind,
	}, nil
}

// ParseAndValidate runs Parse then Validate
func ParseAndValidate(raw []byte) (types.ChangeEvent, types.ScanTarget, error) {
	ev, err := Parse(raw)
	if err != nil {
		return types.ChangeEvent{}, types.ScanTarget{}, err
	}
	target, err := Validate(ev)
	if err != nil {
		return ev, types.ScanTarget{}, err
	}
	return ev, target, nil
}
