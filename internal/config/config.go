// Package config handles configuration for the scan orchestrator.
//
// A deployment is configured either from a TOML/YAML file or entirely from
// the environment (the Lambda case). Environment values always win.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/nelssec/qualys-lambda/types"
)

// Config is the root configuration structure.
type Config struct {
	Scanner ScannerConfig `toml:"scanner" yaml:"scanner"`
	Qualys  QualysConfig  `toml:"qualys" yaml:"qualys"`
	Cache   CacheConfig   `toml:"cache" yaml:"cache"`
	Sinks   SinksConfig   `toml:"sinks" yaml:"sinks"`
	AWS     AWSConfig     `toml:"aws" yaml:"aws"`
	Filter  FilterConfig  `toml:"filter" yaml:"filter"`
	OTEL    OTELConfig    `toml:"otel" yaml:"otel"`
	Log     LogConfig     `toml:"log" yaml:"log"`
	Daemon  DaemonConfig  `toml:"daemon" yaml:"daemon"`
}

// ScannerConfig describes the external scanner executable.
type ScannerConfig struct {
	Path         string        `toml:"path" yaml:"path" validate:"required"`
	Subcommand   string        `toml:"subcommand" yaml:"subcommand" validate:"required,alpha"`
	OutputFormat string        `toml:"output_format" yaml:"output_format" validate:"required,oneof=json sarif spdx cyclonedx"`
	TimeoutStr   string        `toml:"timeout" yaml:"timeout"`
	Timeout      time.Duration `toml:"-" yaml:"-" validate:"min=1s,max=15m"`
	ScratchRoot  string        `toml:"scratch_root" yaml:"scratch_root"`
}

// QualysConfig points at the secret holding scanning service credentials.
type QualysConfig struct {
	SecretID    string   `toml:"secret_id" yaml:"secret_id" validate:"required"`
	AllowedPODs []string `toml:"allowed_pods" yaml:"allowed_pods" validate:"dive,uppercase"`
}

// CacheConfig selects and tunes the scan cache backend.
// Table selects DynamoDB; otherwise Path selects a local bbolt file.
type CacheConfig struct {
	Table        string        `toml:"table" yaml:"table"`
	Path         string        `toml:"path" yaml:"path"`
	RetentionStr string        `toml:"retention" yaml:"retention"`
	Retention    time.Duration `toml:"-" yaml:"-" validate:"min=1m"`
}

// Enabled reports whether any cache backend is configured
func (c CacheConfig) Enabled() bool {
	return c.Table != "" || c.Path != ""
}

// SinksConfig enables the result propagation targets.
type SinksConfig struct {
	Bucket         string `toml:"bucket" yaml:"bucket"`
	KMSKeyID       string `toml:"kms_key_id" yaml:"kms_key_id"`
	TopicARN       string `toml:"topic_arn" yaml:"topic_arn" validate:"omitempty,startswith=arn:"`
	TaggingEnabled bool   `toml:"tagging_enabled" yaml:"tagging_enabled"`
}

// AWSConfig holds AWS client settings.
type AWSConfig struct {
	Region              string `toml:"region" yaml:"region"`
	CrossAccountRoleARN string `toml:"cross_account_role_arn" yaml:"cross_account_role_arn" validate:"omitempty,startswith=arn:"`
	ECRAuth             bool   `toml:"ecr_auth" yaml:"ecr_auth"`
}

// FilterConfig excludes functions from scanning by tag.
type FilterConfig struct {
	SkipTagKey       string            `toml:"skip_tag_key" yaml:"skip_tag_key"`
	SkipTagValue     string            `toml:"skip_tag_value" yaml:"skip_tag_value"`
	IncludeTags      map[string]string `toml:"include_tags" yaml:"include_tags"`
	ExcludeFunctions []string          `toml:"exclude_functions" yaml:"exclude_functions"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string `toml:"endpoint" yaml:"endpoint"`
	Insecure    bool   `toml:"insecure" yaml:"insecure"`
	ServiceName string `toml:"service_name" yaml:"service_name"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `toml:"level" yaml:"level" validate:"omitempty,oneof=trace debug info warn error"`
}

// DaemonConfig holds settings for the queue-driven runner.
type DaemonConfig struct {
	QueueURL    string `toml:"queue_url" yaml:"queue_url" validate:"omitempty,url"`
	MetricsAddr string `toml:"metrics_addr" yaml:"metrics_addr"`
}

// Load reads and parses a TOML or YAML config file, then applies
// environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is operator supplied
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = toml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnv(cfg, os.Getenv)
	if err := finish(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv builds the configuration from the environment alone.
func FromEnv() (*Config, error) {
	return fromEnv(os.Getenv)
}

func fromEnv(getenv func(string) string) (*Config, error) {
	cfg := &Config{}
	ApplyEnv(cfg, getenv)
	if err := finish(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func finish(cfg *Config) error {
	applyDefaults(cfg)
	return parseDurations(cfg)
}

// ApplyEnv overlays environment variables onto cfg.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	setStr := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	setBool := func(dst *bool, key string) {
		if v, err := strconv.ParseBool(strings.TrimSpace(getenv(key))); err == nil {
			*dst = v
		}
	}

	setStr(&cfg.Qualys.SecretID, "QUALYS_SECRET_ARN")
	if v := getenv("QUALYS_ALLOWED_PODS"); v != "" {
		cfg.Qualys.AllowedPODs = splitList(v)
	}

	setStr(&cfg.Scanner.Path, "QSCANNER_PATH")
	setStr(&cfg.Scanner.ScratchRoot, "SCRATCH_DIR")
	if v := strings.TrimSpace(getenv("SCAN_TIMEOUT")); v != "" {
		// plain integers are seconds
		if _, err := strconv.Atoi(v); err == nil {
			v += "s"
		}
		cfg.Scanner.TimeoutStr = v
	}

	setStr(&cfg.Cache.Table, "SCAN_CACHE_TABLE")
	setStr(&cfg.Cache.Path, "SCAN_CACHE_PATH")
	if v := strings.TrimSpace(getenv("SCAN_CACHE_TTL_DAYS")); v != "" {
		if days, err := strconv.Atoi(v); err == nil && days > 0 {
			cfg.Cache.RetentionStr = (time.Duration(days) * 24 * time.Hour).String()
		}
	}

	setStr(&cfg.Sinks.Bucket, "RESULTS_S3_BUCKET")
	setStr(&cfg.Sinks.KMSKeyID, "RESULTS_KMS_KEY_ID")
	setStr(&cfg.Sinks.TopicARN, "SNS_TOPIC_ARN")
	setBool(&cfg.Sinks.TaggingEnabled, "SCAN_TAGGING_ENABLED")

	setStr(&cfg.AWS.Region, "AWS_REGION")
	setStr(&cfg.AWS.CrossAccountRoleARN, "CROSS_ACCOUNT_ROLE_ARN")
	setBool(&cfg.AWS.ECRAuth, "ECR_REGISTRY_AUTH")

	setStr(&cfg.Filter.SkipTagKey, "SKIP_TAG_KEY")
	setStr(&cfg.Filter.SkipTagValue, "SKIP_TAG_VALUE")
	if v := getenv("SCAN_EXCLUDE_FUNCTIONS"); v != "" {
		cfg.Filter.ExcludeFunctions = splitList(v)
	}

	setStr(&cfg.OTEL.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setBool(&cfg.OTEL.Insecure, "OTEL_EXPORTER_OTLP_INSECURE")
	setStr(&cfg.OTEL.ServiceName, "OTEL_SERVICE_NAME")

	setStr(&cfg.Log.Level, "LOG_LEVEL")

	setStr(&cfg.Daemon.QueueURL, "SQS_QUEUE_URL")
	setStr(&cfg.Daemon.MetricsAddr, "METRICS_ADDR")
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func applyDefaults(cfg *Config) {
	if cfg.Scanner.Path == "" {
		cfg.Scanner.Path = "/opt/qscanner"
	}
	if cfg.Scanner.Subcommand == "" {
		cfg.Scanner.Subcommand = "lambda"
	}
	if cfg.Scanner.OutputFormat == "" {
		cfg.Scanner.OutputFormat = "json"
	}
	if cfg.Scanner.TimeoutStr == "" {
		cfg.Scanner.TimeoutStr = "300s"
	}
	if cfg.Scanner.ScratchRoot == "" {
		cfg.Scanner.ScratchRoot = os.TempDir()
	}
	if len(cfg.Qualys.AllowedPODs) == 0 {
		cfg.Qualys.AllowedPODs = append([]string(nil), types.DefaultPODs...)
	}
	if cfg.Cache.RetentionStr == "" {
		cfg.Cache.RetentionStr = "720h"
	}
	if cfg.Filter.SkipTagKey != "" && cfg.Filter.SkipTagValue == "" {
		cfg.Filter.SkipTagValue = "true"
	}
	if cfg.OTEL.ServiceName == "" {
		cfg.OTEL.ServiceName = "qscan-lambda"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Daemon.MetricsAddr == "" {
		cfg.Daemon.MetricsAddr = ":9090"
	}
}

func parseDurations(cfg *Config) error {
	d, err := time.ParseDuration(cfg.Scanner.TimeoutStr)
	if err != nil {
		return fmt.Errorf("parse scanner timeout %q: %w", cfg.Scanner.TimeoutStr, err)
	}
	cfg.Scanner.Timeout = d

	d, err = time.ParseDuration(cfg.Cache.RetentionStr)
	if err != nil {
		return fmt.Errorf("parse cache retention %q: %w", cfg.Cache.RetentionStr, err)
	}
	cfg.Cache.Retention = d
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration is valid.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for _, pod := range c.Qualys.AllowedPODs {
		if err := types.ValidatePOD(pod, c.Qualys.AllowedPODs); err != nil {
			return fmt.Errorf("invalid config: allowed_pods: %w", err)
		}
	}
	if c.AWS.Region != "" {
		if err := types.ValidateRegion(c.AWS.Region); err != nil {
			return fmt.Errorf("invalid config: aws.region: %w", err)
		}
	}
	return nil
}
