package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nelssec/qualys-lambda/types"
)

const fingerprint = "n4bQgYhMfWWaL+qgxVrQFaO/TxsrC4Is0V1sFbDwCgg="

func target(name string, tags map[string]string) types.ScanTarget {
	return types.ScanTarget{
		FunctionARN:  "arn:aws:lambda:us-east-1:123456789012:function:" + name,
		FunctionName: name,
		Fingerprint:  fingerprint,
		Tags:         tags,
	}
}

func included(f *Filter, t types.ScanTarget) bool {
	ok, _ := f.Decide(t)
	return ok
}

func TestShouldScanFunction_NoExclusions(t *testing.T) {
	f := New(nil, nil, nil)
	assert.True(t, f.ShouldScanFunction("orders-api"))
}

func TestShouldScanFunction_WithExclusions(t *testing.T) {
	f := New([]string{"qscan-lambda", ""}, nil, nil)
	assert.True(t, f.ShouldScanFunction("orders-api"))
	assert.False(t, f.ShouldScanFunction("qscan-lambda"))
	assert.False(t, included(f, target("qscan-lambda", nil)))
}

func TestDecide_NoFilters(t *testing.T) {
	f := New(nil, nil, nil)
	assert.True(t, included(f, target("fn", map[string]string{"env": "prod"})))
}

func TestDecide_IncludeTags(t *testing.T) {
	f := New(nil, map[string]string{"env": "prod", "team": "platform"}, nil)

	assert.True(t, included(f, target("fn", map[string]string{"env": "prod", "team": "platform"})))
	assert.False(t, included(f, target("fn", map[string]string{"env": "prod"})))
	assert.False(t, included(f, target("fn", nil)))
}

func TestDecide_ExcludeTags(t *testing.T) {
	f := New(nil, nil, map[string]string{"env": "sandbox"})

	assert.True(t, included(f, target("fn", map[string]string{"env": "prod"})))
	assert.False(t, included(f, target("fn", map[string]string{"env": "sandbox"})))
	assert.True(t, included(f, target("fn", nil)))
}

func TestWithSkipTag(t *testing.T) {
	base := New(nil, nil, map[string]string{"env": "sandbox"})
	f := base.WithSkipTag("QualysSkip", "true")

	ok, reason := f.Decide(target("fn", map[string]string{"QualysSkip": "true"}))
	assert.False(t, ok)
	assert.Equal(t, "excluded by tag QualysSkip", reason)

	assert.True(t, included(f, target("fn", map[string]string{"QualysSkip": "false"})))
	assert.False(t, included(f, target("fn", map[string]string{"env": "sandbox"})))

	// the original filter is not modified
	assert.True(t, included(base, target("fn", map[string]string{"QualysSkip": "true"})))
	assert.Same(t, base, base.WithSkipTag("", "true"))
}

func TestDecide_UnknownMetadataIsScanned(t *testing.T) {
	f := New(nil, map[string]string{"env": "prod"}, map[string]string{"QualysSkip": "true"})
	draft := types.ScanTarget{FunctionName: "fn"}

	ok, reason := f.Decide(draft)
	assert.True(t, ok)
	assert.Empty(t, reason)
}
