// Package supervisor runs the external scanner as a child process.
//
// The child gets an argument vector with no secrets, an environment built
// from scratch, its own scratch directory and process group, and a hard
// wall-clock timeout. Every value it receives is re-validated right before
// the process is created.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	regexp "github.com/wasilibs/go-re2"

	"github.com/nelssec/qualys-lambda/telemetry"
	"github.com/nelssec/qualys-lambda/types"
)

const (
	// DefaultMaxOutput caps each of stdout and stderr
	DefaultMaxOutput = 1 << 20
	// maxReportSize caps the report artifact read back from the scratch dir
	maxReportSize = 32 << 20
	// stderrTail is how much stderr an execution error keeps
	stderrTail = 2048
	// waitDelay bounds pipe draining after the process group is killed
	waitDelay = 5 * time.Second
	// deadlineMargin is kept free before the caller's deadline
	deadlineMargin = 10 * time.Second

	// SafePATH is the only PATH the scanner sees
	SafePATH = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
)

// Environment variable names the scanner reads
const (
	EnvAccessToken      = "QUALYS_ACCESS_TOKEN"
	EnvPOD              = "QUALYS_POD"
	EnvRegistryUsername = "QSCANNER_REGISTRY_USERNAME"
	EnvRegistryPassword = "QSCANNER_REGISTRY_PASSWORD"
	EnvRegistryToken    = "QSCANNER_REGISTRY_TOKEN"
)

// awsPassthrough are runtime credentials the scanner needs to call
// GetFunction itself. They are copied only when present and well formed.
var awsPassthrough = []string{
	"AWS_ACCESS_KEY_ID",
	"AWS_SECRET_ACCESS_KEY",
	"AWS_SESSION_TOKEN",
}

var (
	subcommandPattern   = regexp.MustCompile(`^[a-z][a-z0-9-]{0,31}$`)
	envValuePattern     = regexp.MustCompile(`^[A-Za-z0-9._~+/=:@-]+$`)
	reportNamePattern   = regexp.MustCompile(`-ScanResult\.json$`)
	allowedOutputFormat = map[string]bool{"json": true, "sarif": true, "spdx": true, "cyclonedx": true}
)

// Config describes how to run the scanner.
type Config struct {
	BinaryPath   string
	Subcommand   string
	OutputFormat string
	Timeout      time.Duration
	ScratchRoot  string
	AllowedPODs  []string
	MaxOutput    int
}

// Supervisor runs one scanner process per call to Run.
type Supervisor struct {
	cfg       Config
	getenv    func(string) string
	sanitizer *telemetry.Sanitizer
	logger    *telemetry.Logger
}

// New creates a supervisor. A nil logger discards output.
func New(cfg Config, logger *telemetry.Logger) *Supervisor {
	if cfg.Subcommand == "" {
		cfg.Subcommand = "lambda"
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = "json"
	}
	if cfg.ScratchRoot == "" {
		cfg.ScratchRoot = os.TempDir()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 300 * time.Second
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = DefaultMaxOutput
	}
	if len(cfg.AllowedPODs) == 0 {
		cfg.AllowedPODs = types.DefaultPODs
	}
	if logger == nil {
		logger = telemetry.Nop()
	}
	return &Supervisor{
		cfg:       cfg,
		getenv:    os.Getenv,
		sanitizer: telemetry.DefaultSanitizer,
		logger:    logger.Component("supervisor"),
	}
}

// scratch is the per-run working area owned by the supervisor
type scratch struct {
	root  string
	out   string
	cache string
	tmp   string
}

func newScratch(parent string) (*scratch, error) {
	root, err := os.MkdirTemp(parent, "qscan-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	s := &scratch{
		root:  root,
		out:   filepath.Join(root, "out"),
		cache: filepath.Join(root, "cache"),
		tmp:   filepath.Join(root, "tmp"),
	}
	for _, dir := range []string{s.out, s.cache, s.tmp} {
		if err := os.Mkdir(dir, 0o700); err != nil {
			_ = os.RemoveAll(root)
			return nil, fmt.Errorf("create scratch dir: %w", err)
		}
	}
	return s, nil
}

// Run executes the scanner against target. Spawn failures, non-zero exits
// and timeouts come back as *types.ScanExecutionError; values that fail
// re-validation come back as *types.ValidationError and nothing is spawned.
// The scratch directory is removed before Run returns; the report artifact
// is read into the result first.
func (s *Supervisor) Run(ctx context.Context, target types.ScanTarget, creds types.Credentials) (types.ExecResult, error) {
	if err := s.preflight(target, creds); err != nil {
		return types.ExecResult{}, err
	}

	dir, err := newScratch(s.cfg.ScratchRoot)
	if err != nil {
		return types.ExecResult{}, &types.ScanExecutionError{Kind: types.ExecSpawn, Err: err}
	}
	defer func() {
		if err := os.RemoveAll(dir.root); err != nil {
			s.logger.Warn().Err(err).Msg("failed to remove scratch dir")
		}
	}()

	args, err := s.buildArgs(target, creds, dir)
	if err != nil {
		return types.ExecResult{}, err
	}
	env, err := s.buildEnv(target, creds, dir)
	if err != nil {
		return types.ExecResult{}, err
	}

	return s.execute(ctx, target, args, env, dir)
}

// preflight re-validates every externally sourced value
func (s *Supervisor) preflight(target types.ScanTarget, creds types.Credentials) error {
	if err := types.ValidateFunctionARN(target.FunctionARN); err != nil {
		return err
	}
	if err := types.ValidateRegion(target.Region); err != nil {
		return err
	}
	if err := types.ValidatePOD(creds.POD, s.cfg.AllowedPODs); err != nil {
		return err
	}
	if err := types.ValidateToken(creds.AccessToken); err != nil {
		return err
	}
	if creds.RegistryUsername != "" {
		if err := types.ValidateRegistryUsername(creds.RegistryUsername); err != nil {
			return err
		}
	}
	if creds.RegistryPassword != "" {
		if err := types.ValidateRegistrySecret("registry_password", creds.RegistryPassword); err != nil {
			return err
		}
	}
	if creds.RegistryToken != "" {
		if err := types.ValidateRegistrySecret("registry_token", creds.RegistryToken); err != nil {
			return err
		}
	}
	if !subcommandPattern.MatchString(s.cfg.Subcommand) {
		return types.NewValidationError("subcommand", "malformed subcommand")
	}
	if !allowedOutputFormat[s.cfg.OutputFormat] {
		return types.NewValidationError("output_format", "unsupported output format")
	}
	if s.cfg.BinaryPath == "" || !filepath.IsAbs(s.cfg.BinaryPath) || types.ContainsControl(s.cfg.BinaryPath) {
		return types.NewValidationError("scanner_path", "must be an absolute path")
	}
	return nil
}

// buildArgs returns the argument vector after the binary name. The access
// token is never part of it.
func (s *Supervisor) buildArgs(target types.ScanTarget, creds types.Credentials, dir *scratch) ([]string, error) {
	args := []string{
		"--pod", creds.POD,
		"--output-format", s.cfg.OutputFormat,
		"--output-dir", dir.out,
		"--cache-dir", dir.cache,
		s.cfg.Subcommand,
		target.FunctionARN,
	}
	for _, a := range args {
		if a == "" || types.ContainsControl(a) {
			return nil, types.NewValidationError("argv", "empty or control characters")
		}
	}
	if err := types.ValidateFunctionARN(args[len(args)-1]); err != nil {
		return nil, err
	}
	return args, nil
}

// buildEnv returns the complete child environment. Nothing is inherited
// except the AWS runtime credentials.
func (s *Supervisor) buildEnv(target types.ScanTarget, creds types.Credentials, dir *scratch) ([]string, error) {
	vars := map[string]string{
		"PATH":               SafePATH,
		"HOME":               dir.root,
		"TMPDIR":             dir.tmp,
		"AWS_REGION":         target.Region,
		"AWS_DEFAULT_REGION": target.Region,
		EnvAccessToken:       creds.AccessToken,
		EnvPOD:               creds.POD,
	}
	for _, k := range awsPassthrough {
		if v := s.getenv(k); v != "" {
			vars[k] = v
		}
	}
	if creds.RegistryUsername != "" {
		vars[EnvRegistryUsername] = creds.RegistryUsername
	}
	if creds.RegistryPassword != "" {
		vars[EnvRegistryPassword] = creds.RegistryPassword
	}
	if creds.RegistryToken != "" {
		vars[EnvRegistryToken] = creds.RegistryToken
	}

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		v := vars[k]
		if !validEnvValue(k, v) {
			return nil, types.NewValidationError("env "+k, "empty or outside the allowed character set")
		}
		env = append(env, k+"="+v)
	}
	return env, nil
}

func validEnvValue(key, value string) bool {
	if len(value) > types.MaxSecretLen || types.ContainsControl(value) {
		return false
	}
	switch key {
	case "PATH", "HOME", "TMPDIR":
		return value != "" && !strings.ContainsAny(value, "\x00=")
	}
	return envValuePattern.MatchString(value)
}

func (s *Supervisor) execute(ctx context.Context, target types.ScanTarget, args, env []string, dir *scratch) (types.ExecResult, error) {
	timeout := s.timeoutFor(ctx)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout := newCappedBuffer(s.cfg.MaxOutput)
	stderr := newCappedBuffer(s.cfg.MaxOutput)

	// #nosec G204 -- binary is configured, every argument is validated above
	cmd := exec.CommandContext(runCtx, s.cfg.BinaryPath, args...)
	cmd.Env = env
	cmd.Dir = dir.root
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay
	configureProcessGroup(cmd)

	s.logger.Info().
		Str("function_arn", target.FunctionARN).
		Str("subcommand", s.cfg.Subcommand).
		Dur("timeout", timeout).
		Msg("starting scanner")

	started := time.Now()
	runErr := cmd.Run()
	duration := time.Since(started)

	result := types.ExecResult{
		ExitCode:  -1,
		Stdout:    stdout.Bytes(),
		Stderr:    stderr.Bytes(),
		Truncated: stdout.truncated || stderr.truncated,
		StartedAt: started.UTC(),
		Duration:  duration,
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}
	tail := s.sanitizer.RedactString(string(stderr.tail(stderrTail)))

	switch {
	case runErr != nil && runCtx.Err() != nil:
		s.logger.Warn().Str("function_arn", target.FunctionARN).Dur("duration", duration).Msg("scanner timed out, process group killed")
		return result, &types.ScanExecutionError{Kind: types.ExecTimeout, Timeout: timeout, ExitCode: result.ExitCode, Stderr: tail, Err: runCtx.Err()}
	case runErr != nil:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			s.logger.Warn().Str("function_arn", target.FunctionARN).Int("exit_code", result.ExitCode).Dur("duration", duration).Msg("scanner exited non-zero")
			return result, &types.ScanExecutionError{Kind: types.ExecExit, ExitCode: result.ExitCode, Stderr: tail, Err: runErr}
		}
		return result, &types.ScanExecutionError{Kind: types.ExecSpawn, ExitCode: -1, Stderr: tail, Err: runErr}
	}

	path, report, err := readReport(dir.out)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to read report artifact, falling back to stdout")
	}
	result.ReportPath = path
	result.Report = report

	s.logger.Info().
		Str("function_arn", target.FunctionARN).
		Int("exit_code", result.ExitCode).
		Dur("duration", duration).
		Bool("report_file", path != "").
		Msg("scanner finished")

	return result, nil
}

// timeoutFor shortens the configured timeout so the scanner is stopped
// deadlineMargin before the caller's deadline, leaving time to publish and
// record the outcome. Too little time left leaves the parent deadline in charge.
func (s *Supervisor) timeoutFor(ctx context.Context) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return s.cfg.Timeout
	}
	if left := time.Until(deadline) - deadlineMargin; left > 0 && left < s.cfg.Timeout {
		return left
	}
	return s.cfg.Timeout
}

// readReport finds the scanner's report artifact: a *-ScanResult.json file
// is preferred, otherwise the first *.json in name order. It returns the
// base name and contents, or empty values when there is no artifact.
func readReport(outDir string) (string, []byte, error) {
	matches, err := filepath.Glob(filepath.Join(outDir, "*.json"))
	if err != nil || len(matches) == 0 {
		return "", nil, err
	}
	sort.Strings(matches)

	chosen := matches[0]
	for _, m := range matches {
		if reportNamePattern.MatchString(m) {
			chosen = m
			break
		}
	}

	f, err := os.Open(chosen) // #nosec G304 -- inside our own scratch dir
	if err != nil {
		return "", nil, fmt.Errorf("open report: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxReportSize+1))
	if err != nil {
		return "", nil, fmt.Errorf("read report: %w", err)
	}
	if len(data) > maxReportSize {
		return "", nil, fmt.Errorf("report exceeds %d bytes", maxReportSize)
	}
	return filepath.Base(chosen), data, nil
}
