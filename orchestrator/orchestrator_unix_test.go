//go:build unix

package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nelssec/qualys-lambda/internal/supervisor"
	"github.com/nelssec/qualys-lambda/types"
)

// End to end through the real supervisor with a stand-in scanner binary.
func TestHandle_RealSupervisor_CredentialsStayOutOfArgv(t *testing.T) {
	capture := t.TempDir()
	bin := filepath.Join(t.TempDir(), "qscanner")
	script := `#!/bin/sh
for a in "$@"; do
  if [ "$prev" = "--output-dir" ]; then out="$a"; fi
  prev="$a"
done
printf '%s\n' "$@" > "` + capture + `/args"
printf '%s' "$QUALYS_ACCESS_TOKEN" > "` + capture + `/token"
echo '{"scanId":"e2e-1","vulnerabilities":[{"severity":5}]}' > "$out/orders-api-ScanResult.json"
`
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o755))

	f := newFixture(t)
	f.handler.runner = supervisor.New(supervisor.Config{
		BinaryPath:  bin,
		Timeout:     10 * time.Second,
		ScratchRoot: t.TempDir(),
	}, nil)

	resp, err := f.handler.Handle(context.Background(), createEvent("CreateFunction20150331"))
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, resp.ScanStatus)
	assert.Equal(t, "e2e-1", resp.CorrelationTag)

	args, err := os.ReadFile(filepath.Join(capture, "args"))
	require.NoError(t, err)
	assert.NotContains(t, string(args), testToken)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(string(args)), testARN))

	token, err := os.ReadFile(filepath.Join(capture, "token"))
	require.NoError(t, err)
	assert.Equal(t, testToken, string(token), "token reaches the scanner through its environment")

	rec := f.cached(t)
	require.NotNil(t, rec)
	assert.Equal(t, "e2e-1", rec.CorrelationTag)
}
