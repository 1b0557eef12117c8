package main

import (
	"context"
	"fmt"
	"io"

	"github.com/nelssec/qualys-lambda/internal/awsclient"
	"github.com/nelssec/qualys-lambda/internal/config"
	"github.com/nelssec/qualys-lambda/internal/credentials"
	"github.com/nelssec/qualys-lambda/internal/filter"
	"github.com/nelssec/qualys-lambda/internal/metadata"
	"github.com/nelssec/qualys-lambda/internal/sink"
	"github.com/nelssec/qualys-lambda/internal/supervisor"
	"github.com/nelssec/qualys-lambda/orchestrator"
	"github.com/nelssec/qualys-lambda/storage"
	"github.com/nelssec/qualys-lambda/telemetry"
)

// loadConfig reads --config when given, the environment otherwise, and
// applies flag overrides before validating.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg, err = config.FromEnv()
	}
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, out io.Writer) *telemetry.Logger {
	logger := telemetry.NewLoggerWithWriter(cfg.OTEL.ServiceName, out, telemetry.DefaultSanitizer)
	logger.Logger = logger.Level(telemetry.ParseLevel(cfg.Log.Level))
	return logger
}

// app is one fully wired process
type app struct {
	cfg     *config.Config
	clients *awsclient.Clients
	logger  *telemetry.Logger
	handler *orchestrator.Handler
	pruner  storage.Pruner
	closers []io.Closer
}

func newApp(ctx context.Context, cfg *config.Config, logger *telemetry.Logger) (*app, error) {
	clients, err := awsclient.New(ctx, awsclient.Config{
		Region:              cfg.AWS.Region,
		CrossAccountRoleARN: cfg.AWS.CrossAccountRoleARN,
	})
	if err != nil {
		return nil, err
	}
	return buildApp(cfg, clients, logger)
}

// buildApp wires the handler from cfg onto already constructed clients
func buildApp(cfg *config.Config, clients *awsclient.Clients, logger *telemetry.Logger) (*app, error) {
	a := &app{cfg: cfg, clients: clients, logger: logger}

	cache, err := a.openCache()
	if err != nil {
		return nil, err
	}

	fan := sink.NewFanOut(logger, a.sinks()...)
	opts := orchestrator.Options{
		Metadata: metadata.NewLookup(clients.Lambda),
		Cache:    cache,
		Filter: filter.New(cfg.Filter.ExcludeFunctions, cfg.Filter.IncludeTags, nil).
			WithSkipTag(cfg.Filter.SkipTagKey, cfg.Filter.SkipTagValue),
		Credentials: credentials.NewGateway(clients.SecretsManager, cfg.Qualys.SecretID, cfg.Qualys.AllowedPODs),
		Runner: supervisor.New(supervisor.Config{
			BinaryPath:   cfg.Scanner.Path,
			Subcommand:   cfg.Scanner.Subcommand,
			OutputFormat: cfg.Scanner.OutputFormat,
			Timeout:      cfg.Scanner.Timeout,
			ScratchRoot:  cfg.Scanner.ScratchRoot,
			AllowedPODs:  cfg.Qualys.AllowedPODs,
		}, logger),
		Sinks:     fan,
		Retention: cfg.Cache.Retention,
		Logger:    logger,
	}
	if cfg.AWS.ECRAuth {
		opts.Registry = credentials.NewECRAuth(clients.ECR)
	}

	a.handler = orchestrator.NewHandler(opts)

	logger.Info().
		Str("region", clients.Region).
		Bool("cache", cache != nil).
		Strs("sinks", fan.Names()).
		Msg("handler ready")
	return a, nil
}

// openCache selects DynamoDB when a table is configured, a local bbolt
// file when a path is, and no cache otherwise.
func (a *app) openCache() (storage.ScanCache, error) {
	switch {
	case a.cfg.Cache.Table != "":
		return storage.NewDynamoCache(a.clients.DynamoDB, a.cfg.Cache.Table), nil
	case a.cfg.Cache.Path != "":
		bolt, err := storage.NewBoltCache(a.cfg.Cache.Path)
		if err != nil {
			return nil, fmt.Errorf("open cache: %w", err)
		}
		a.pruner = bolt
		a.closers = append(a.closers, bolt)
		return bolt, nil
	default:
		return nil, nil
	}
}

func (a *app) sinks() []sink.Sink {
	var sinks []sink.Sink
	if a.cfg.Sinks.Bucket != "" {
		sinks = append(sinks, sink.NewS3Sink(a.clients.S3, a.cfg.Sinks.Bucket, a.cfg.Sinks.KMSKeyID))
	}
	if a.cfg.Sinks.TopicARN != "" {
		sinks = append(sinks, sink.NewSNSSink(a.clients.SNS, a.cfg.Sinks.TopicARN))
	}
	if a.cfg.Sinks.TaggingEnabled {
		sinks = append(sinks, sink.NewTagSink(a.clients.Lambda))
	}
	return sinks
}

// Close releases local resources such as the bbolt file
func (a *app) Close() error {
	var err error
	for _, c := range a.closers {
		if e := c.Close(); e != nil && err == nil {
			err = e
		}
	}
	return err
}

func otelConfig(cfg *config.Config, prometheus bool) telemetry.Config {
	return telemetry.Config{
		ServiceName:    cfg.OTEL.ServiceName,
		ServiceVersion: version,
		OTELEndpoint:   cfg.OTEL.Endpoint,
		Insecure:       cfg.OTEL.Insecure,
		Prometheus:     prometheus,
	}
}
