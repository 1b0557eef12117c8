package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/spf13/cobra"

	"github.com/nelssec/qualys-lambda/orchestrator"
	"github.com/nelssec/qualys-lambda/telemetry"
)

const flushTimeout = 2 * time.Second

// lambdaCmd represents the lambda command
var lambdaCmd = &cobra.Command{
	Use:   "lambda",
	Short: "Serve invocations inside the AWS Lambda runtime",
	Long: `Start the Lambda runtime loop. Each invocation carries one EventBridge
event describing a function change. Configuration comes from the
function's environment unless --config is given.`,
	RunE: runLambda,
}

func init() {
	rootCmd.AddCommand(lambdaCmd)
}

type handleFunc func(ctx context.Context, raw json.RawMessage) (orchestrator.Response, error)

func runLambda(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stdout)
	ctx := cmd.Context()

	shutdown, err := telemetry.InitOTEL(ctx, otelConfig(cfg, false))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build handler: %w", err)
	}
	defer func() { _ = a.Close() }()

	lambda.Start(flushing(a.handler.Handle, logger))
	return nil
}

// flushing exports telemetry before each invocation returns, since the
// runtime may freeze the process right after.
func flushing(next handleFunc, logger *telemetry.Logger) handleFunc {
	return func(ctx context.Context, raw json.RawMessage) (orchestrator.Response, error) {
		resp, err := next(ctx, raw)

		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
		defer cancel()
		if ferr := telemetry.ForceFlush(flushCtx); ferr != nil {
			logger.WithContext(ctx).Warn().Err(ferr).Msg("telemetry flush failed")
		}
		return resp, err
	}
}
