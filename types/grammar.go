package types

import (
	"strings"
	"unicode"

	"github.com/aws/aws-sdk-go-v2/aws/arn"
	regexp "github.com/wasilibs/go-re2"
)

// Field grammars shared by the event validator, the credential gateway and
// the process supervisor. Every value handed to the scanner process must
// match one of these immediately before use.
var (
	functionARNPattern  = regexp.MustCompile(`^arn:(aws|aws-cn|aws-us-gov):lambda:[a-z]{2}(-gov)?-[a-z]+-\d:\d{12}:function:[A-Za-z0-9_-]{1,64}$`)
	functionNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	qualifierPattern    = regexp.MustCompile(`^(\$LATEST|[0-9]{1,10}|[A-Za-z0-9_-]{1,128})$`)
	regionPattern       = regexp.MustCompile(`^[a-z]{2}(-gov)?-[a-z]+-\d$`)
	accountPattern      = regexp.MustCompile(`^\d{12}$`)
	podPattern          = regexp.MustCompile(`^[A-Z]{2,3}[0-9]{1,2}$`)
	tokenPattern        = regexp.MustCompile(`^[A-Za-z0-9._~+/=-]{20,}$`)
	registryUserPattern = regexp.MustCompile(`^[A-Za-z0-9._@-]{1,256}$`)
	registryPassPattern = regexp.MustCompile(`^[A-Za-z0-9._~+/=-]+$`)
	fingerprintPattern  = regexp.MustCompile(`^([A-Za-z0-9+/]{43}=|(sha256:)?[a-f0-9]{64})$`)
)

// MaxSecretLen bounds tokens, registry secrets and scanner environment
// values. RE2 caps repeat counts at 1000, so the limit is checked apart
// from the patterns.
const MaxSecretLen = 4096

var lambdaPartitions = map[string]bool{
	"aws":        true,
	"aws-cn":     true,
	"aws-us-gov": true,
}

// DefaultPODs is the allow-list of known Qualys platform PODs
var DefaultPODs = []string{
	"US1", "US2", "US3", "US4",
	"EU1", "EU2", "EU3",
	"IN1", "CA1", "AE1", "UK1", "AU1", "KSA1",
}

// FunctionARN is a parsed Lambda function ARN
type FunctionARN struct {
	Partition string
	Region    string
	Account   string
	Name      string
	Qualifier string
}

// String returns the unqualified function ARN
func (f FunctionARN) String() string {
	return "arn:" + f.Partition + ":lambda:" + f.Region + ":" + f.Account + ":function:" + f.Name
}

// ParseFunctionARN parses and checks a Lambda function ARN, qualified or not
func ParseFunctionARN(s string) (FunctionARN, error) {
	if ContainsControl(s) {
		return FunctionARN{}, NewValidationError("function_arn", "contains control characters")
	}
	parsed, err := arn.Parse(s)
	if err != nil {
		return FunctionARN{}, &ValidationError{Field: "function_arn", Reason: "not an ARN", Err: err}
	}
	if !lambdaPartitions[parsed.Partition] {
		return FunctionARN{}, NewValidationError("function_arn", "unknown partition")
	}
	if parsed.Service != "lambda" {
		return FunctionARN{}, NewValidationError("function_arn", "not a lambda ARN")
	}
	if !regionPattern.MatchString(parsed.Region) {
		return FunctionARN{}, NewValidationError("function_arn", "malformed region")
	}
	if !accountPattern.MatchString(parsed.AccountID) {
		return FunctionARN{}, NewValidationError("function_arn", "account id must be 12 digits")
	}

	parts := strings.Split(parsed.Resource, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] != "function" {
		return FunctionARN{}, NewValidationError("function_arn", "resource must be function:<name>")
	}
	if !functionNamePattern.MatchString(parts[1]) {
		return FunctionARN{}, NewValidationError("function_arn", "malformed function name")
	}

	out := FunctionARN{
		Partition: parsed.Partition,
		Region:    parsed.Region,
		Account:   parsed.AccountID,
		Name:      parts[1],
	}
	if len(parts) == 3 {
		if !qualifierPattern.MatchString(parts[2]) {
			return FunctionARN{}, NewValidationError("function_arn", "malformed qualifier")
		}
		out.Qualifier = parts[2]
	}
	return out, nil
}

// ValidateFunctionARN checks s is an unqualified function ARN
func ValidateFunctionARN(s string) error {
	if !functionARNPattern.MatchString(s) {
		return NewValidationError("function_arn", "does not match function ARN grammar")
	}
	return nil
}

// ValidateFunctionName checks a bare function name
func ValidateFunctionName(s string) error {
	if !functionNamePattern.MatchString(s) {
		return NewValidationError("function_name", "malformed function name")
	}
	return nil
}

// ValidateRegion checks an AWS region code
func ValidateRegion(s string) error {
	if !regionPattern.MatchString(s) {
		return NewValidationError("region", "malformed region")
	}
	return nil
}

// ValidateAccount checks a 12 digit account id
func ValidateAccount(s string) error {
	if !accountPattern.MatchString(s) {
		return NewValidationError("account", "account id must be 12 digits")
	}
	return nil
}

// ValidatePOD checks the POD shape and that it is on the allow-list
func ValidatePOD(pod string, allowed []string) error {
	if !podPattern.MatchString(pod) {
		return NewValidationError("qualys_pod", "malformed POD")
	}
	for _, a := range allowed {
		if a == pod {
			return nil
		}
	}
	return NewValidationError("qualys_pod", "POD not in allow-list")
}

// ValidateToken checks an access token's length and character class
func ValidateToken(s string) error {
	if len(s) > MaxSecretLen || !tokenPattern.MatchString(s) {
		return NewValidationError("qualys_access_token", "does not match token grammar")
	}
	return nil
}

// ValidateRegistryUsername checks a registry user name
func ValidateRegistryUsername(s string) error {
	if !registryUserPattern.MatchString(s) {
		return NewValidationError("registry_username", "does not match username grammar")
	}
	return nil
}

// ValidateRegistrySecret checks a registry password or token
func ValidateRegistrySecret(field, s string) error {
	if len(s) > MaxSecretLen || !registryPassPattern.MatchString(s) {
		return NewValidationError(field, "does not match registry secret grammar")
	}
	return nil
}

// ValidateFingerprint checks a code content hash
func ValidateFingerprint(s string) error {
	if !fingerprintPattern.MatchString(s) {
		return NewValidationError("code_sha256", "does not match fingerprint grammar")
	}
	return nil
}

// ContainsControl reports whether s holds any control character
func ContainsControl(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) || r == unicode.ReplacementChar {
			return true
		}
	}
	return false
}
