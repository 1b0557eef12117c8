package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nelssec/qualys-lambda/orchestrator"
	"github.com/nelssec/qualys-lambda/telemetry"
)

var scanEvent string

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Handle a single event locally",
	Long: `Run one invocation outside Lambda and print the response as JSON.

The event is read from --event, or from stdin when --event is "-".
The process exits non-zero when the response status code is not 200.`,
	Example: `  qscan-lambda scan --event event.json
  cat event.json | qscan-lambda scan
  qscan-lambda scan --config qscan.toml --event event.json`,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().StringVar(&scanEvent, "event", "-", `Event file, or "-" for stdin`)
}

func runScan(cmd *cobra.Command, _ []string) error {
	raw, err := readEvent(scanEvent, cmd.InOrStdin())
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	resp, err := a.handler.Handle(ctx, raw)
	if err != nil {
		return err
	}
	return writeResponse(cmd.OutOrStdout(), resp)
}

func readEvent(path string, stdin io.Reader) (json.RawMessage, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path) // #nosec G304 -- operator supplied event file
	}
	if err != nil {
		return nil, fmt.Errorf("read event: %w", err)
	}
	return json.RawMessage(data), nil
}

func writeResponse(w io.Writer, resp orchestrator.Response) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("invocation finished with status %d: %s", resp.StatusCode, resp.Message)
	}
	return nil
}
