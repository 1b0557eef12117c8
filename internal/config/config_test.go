package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nelssec/qualys-lambda/types"
)

func TestLoad_ValidTOML(t *testing.T) {
	clearEnv(t)
	content := `
[scanner]
path = "/usr/local/bin/qscanner"
timeout = "2m"

[qualys]
secret_id = "arn:aws:secretsmanager:us-east-1:123456789012:secret:qualys"
allowed_pods = ["US1", "EU1"]

[cache]
table = "scan-cache"
retention = "48h"

[sinks]
bucket = "results"
topic_arn = "arn:aws:sns:us-east-1:123456789012:scans"
tagging_enabled = true

[otel]
endpoint = "localhost:4317"
insecure = true

[log]
level = "debug"
`
	path := writeTempConfig(t, "config.toml", content)
	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, "/usr/local/bin/qscanner", cfg.Scanner.Path)
	assert.Equal(t, 2*time.Minute, cfg.Scanner.Timeout)
	assert.Equal(t, []string{"US1", "EU1"}, cfg.Qualys.AllowedPODs)
	assert.Equal(t, "scan-cache", cfg.Cache.Table)
	assert.Equal(t, 48*time.Hour, cfg.Cache.Retention)
	assert.True(t, cfg.Cache.Enabled())
	assert.True(t, cfg.Sinks.TaggingEnabled)
	assert.Equal(t, "localhost:4317", cfg.OTEL.Endpoint)
	assert.Equal(t, "debug", cfg.Log.Level)
	require.NoError(t, cfg.Validate())
}

func TestLoad_ValidYAML(t *testing.T) {
	clearEnv(t)
	content := `
qualys:
  secret_id: qualys-secret
sinks:
  bucket: results
filter:
  skip_tag_key: QualysSkip
daemon:
  queue_url: https://sqs.us-east-1.amazonaws.com/123456789012/scans
`
	path := writeTempConfig(t, "config.yaml", content)
	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, "qualys-secret", cfg.Qualys.SecretID)
	assert.Equal(t, "results", cfg.Sinks.Bucket)
	assert.Equal(t, "QualysSkip", cfg.Filter.SkipTagKey)
	assert.Equal(t, "true", cfg.Filter.SkipTagValue)
	assert.Equal(t, "https://sqs.us-east-1.amazonaws.com/123456789012/scans", cfg.Daemon.QueueURL)
	require.NoError(t, cfg.Validate())
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, "config.toml", "[qualys]\nsecret_id = \"s\"\n")
	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, "/opt/qscanner", cfg.Scanner.Path)
	assert.Equal(t, "lambda", cfg.Scanner.Subcommand)
	assert.Equal(t, "json", cfg.Scanner.OutputFormat)
	assert.Equal(t, 300*time.Second, cfg.Scanner.Timeout)
	assert.Equal(t, 30*24*time.Hour, cfg.Cache.Retention)
	assert.Equal(t, types.DefaultPODs, cfg.Qualys.AllowedPODs)
	assert.Equal(t, "qscan-lambda", cfg.OTEL.ServiceName)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, ":9090", cfg.Daemon.MetricsAddr)
	assert.False(t, cfg.Cache.Enabled())
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	require.Error(t, err)
}

func TestLoad_InvalidTOML(t *testing.T) {
	path := writeTempConfig(t, "config.toml", "[qualys\nsecret_id = 1\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_InvalidTimeout(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, "config.toml", "[scanner]\ntimeout = \"soon\"\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scanner timeout")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("RESULTS_S3_BUCKET", "from-env")
	path := writeTempConfig(t, "config.toml", "[qualys]\nsecret_id = \"s\"\n[sinks]\nbucket = \"from-file\"\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Sinks.Bucket)
}

func TestFromEnv(t *testing.T) {
	env := map[string]string{
		"QUALYS_SECRET_ARN":      "arn:aws:secretsmanager:us-east-1:123456789012:secret:q",
		"QUALYS_ALLOWED_PODS":    "US1, US2 ,",
		"SCAN_TIMEOUT":           "120",
		"SCAN_CACHE_TABLE":       "cache",
		"SCAN_CACHE_TTL_DAYS":    "7",
		"SCAN_TAGGING_ENABLED":   "true",
		"CROSS_ACCOUNT_ROLE_ARN": "arn:aws:iam::123456789012:role/scanner",
		"SKIP_TAG_KEY":           "NoScan",
		"SKIP_TAG_VALUE":         "yes",
		"LOG_LEVEL":              "warn",
		"SCAN_EXCLUDE_FUNCTIONS": "qscan-lambda,  audit-fn",
	}
	cfg, err := fromEnv(func(k string) string { return env[k] })

	require.NoError(t, err)
	assert.Equal(t, "arn:aws:secretsmanager:us-east-1:123456789012:secret:q", cfg.Qualys.SecretID)
	assert.Equal(t, []string{"US1", "US2"}, cfg.Qualys.AllowedPODs)
	assert.Equal(t, 120*time.Second, cfg.Scanner.Timeout)
	assert.Equal(t, "cache", cfg.Cache.Table)
	assert.Equal(t, 7*24*time.Hour, cfg.Cache.Retention)
	assert.True(t, cfg.Sinks.TaggingEnabled)
	assert.Equal(t, "arn:aws:iam::123456789012:role/scanner", cfg.AWS.CrossAccountRoleARN)
	assert.Equal(t, "NoScan", cfg.Filter.SkipTagKey)
	assert.Equal(t, "yes", cfg.Filter.SkipTagValue)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, []string{"qscan-lambda", "audit-fn"}, cfg.Filter.ExcludeFunctions)
	require.NoError(t, cfg.Validate())
}

func TestFromEnv_BadValuesIgnored(t *testing.T) {
	env := map[string]string{
		"QUALYS_SECRET_ARN":    "s",
		"SCAN_CACHE_TTL_DAYS":  "-3",
		"SCAN_TAGGING_ENABLED": "maybe",
	}
	cfg, err := fromEnv(func(k string) string { return env[k] })

	require.NoError(t, err)
	assert.Equal(t, 30*24*time.Hour, cfg.Cache.Retention)
	assert.False(t, cfg.Sinks.TaggingEnabled)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing secret",
			modify:  func(c *Config) { c.Qualys.SecretID = "" },
			wantErr: true,
		},
		{
			name:    "timeout too long",
			modify:  func(c *Config) { c.Scanner.Timeout = time.Hour },
			wantErr: true,
		},
		{
			name:    "lowercase pod",
			modify:  func(c *Config) { c.Qualys.AllowedPODs = []string{"us1"} },
			wantErr: true,
		},
		{
			name:    "bad topic",
			modify:  func(c *Config) { c.Sinks.TopicARN = "scans" },
			wantErr: true,
		},
		{
			name:    "bad region",
			modify:  func(c *Config) { c.AWS.Region = "moon-1" },
			wantErr: true,
		},
		{
			name:    "bad log level",
			modify:  func(c *Config) { c.Log.Level = "loud" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := fromEnv(func(k string) string {
				if k == "QUALYS_SECRET_ARN" {
					return "secret"
				}
				return ""
			})
			require.NoError(t, err)
			tt.modify(cfg)

			err = cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"QUALYS_SECRET_ARN", "QUALYS_ALLOWED_PODS", "QSCANNER_PATH", "SCRATCH_DIR",
		"SCAN_TIMEOUT", "SCAN_CACHE_TABLE", "SCAN_CACHE_PATH", "SCAN_CACHE_TTL_DAYS",
		"RESULTS_S3_BUCKET", "RESULTS_KMS_KEY_ID", "SNS_TOPIC_ARN", "SCAN_TAGGING_ENABLED",
		"AWS_REGION", "CROSS_ACCOUNT_ROLE_ARN", "ECR_REGISTRY_AUTH", "SKIP_TAG_KEY",
		"SKIP_TAG_VALUE", "OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_INSECURE",
		"OTEL_SERVICE_NAME", "LOG_LEVEL", "SQS_QUEUE_URL", "METRICS_ADDR", "SCAN_EXCLUDE_FUNCTIONS",
	} {
		t.Setenv(k, "")
	}
}

func writeTempConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}
