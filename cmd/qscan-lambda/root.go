package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	configPath string
	logLevel   string

	rootCmd = &cobra.Command{
		Use:   "qscan-lambda",
		Short: "Qualys QScanner orchestration for AWS Lambda",
		Long: `qscan-lambda - event-driven vulnerability scanning for Lambda functions

Receives function change events from EventBridge, skips code that was
already scanned, runs the Qualys QScanner against the function, and
publishes the results to S3, SNS and function tags.

Without --config, configuration is read from the environment.`,
		Version:      version,
		SilenceUsage: true,
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(`qscan-lambda {{.Version}}
`)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (.toml, .yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level (trace, debug, info, warn, error)")
}
