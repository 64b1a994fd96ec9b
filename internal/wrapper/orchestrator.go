/*
Package wrapper implements the orchestrator that wraps one npm/pnpm/yarn
or pip/uv invocation: it extracts safe-chain's own flags from argv, starts
the proxy, pre-scans the command's dependency changes, runs the child
process pointed at the proxy, and reports a summary with the exit code
precedence spec.md defines.
*/
package wrapper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/safe-chain/safe-chain/internal/audit"
	"github.com/safe-chain/safe-chain/internal/config"
	"github.com/safe-chain/safe-chain/internal/history"
	"github.com/safe-chain/safe-chain/internal/interceptor"
	"github.com/safe-chain/safe-chain/internal/logging"
	"github.com/safe-chain/safe-chain/internal/mitm"
	"github.com/safe-chain/safe-chain/internal/packument"
	"github.com/safe-chain/safe-chain/internal/proxy"
	"github.com/safe-chain/safe-chain/internal/resolver"
)

const safeChainFlagPrefix = "--safe-chain-"

// Flags holds the wrapper-specific flags stripped from argv before the
// remainder is treated as the child command. Every field is a pointer and
// stays nil unless the corresponding flag was actually present, so
// ExtractFlags's result can be fed straight into config.CLIOverrides
// without masking config-file values the user never asked to override.
type Flags struct {
	Logging                *string
	SkipMinimumPackageAge  *bool
	MinimumPackageAgeHours *int
	IncludePython          *bool
}

// ExtractFlags splits argv into wrapper flags and the child command.
// Any argument starting with "--safe-chain-" (case-insensitive) is
// stripped; "--include-python" is recognized without that prefix. If
// --safe-chain-logging is repeated, the last occurrence wins.
func ExtractFlags(argv []string) (Flags, []string) {
	var flags Flags
	child := make([]string, 0, len(argv))

	for _, arg := range argv {
		lower := strings.ToLower(arg)
		switch {
		case arg == "--include-python":
			flags.IncludePython = boolPtr(true)
		case strings.HasPrefix(lower, safeChainFlagPrefix+"logging="):
			flags.Logging = stringPtr(arg[len(safeChainFlagPrefix+"logging="):])
		case lower == safeChainFlagPrefix+"skip-minimum-package-age":
			flags.SkipMinimumPackageAge = boolPtr(true)
		case strings.HasPrefix(lower, safeChainFlagPrefix+"minimum-package-age-hours="):
			raw := arg[len(safeChainFlagPrefix+"minimum-package-age-hours="):]
			if n, err := strconv.Atoi(raw); err == nil {
				flags.MinimumPackageAgeHours = &n
			}
		case strings.HasPrefix(lower, safeChainFlagPrefix):
			// Recognized prefix, unrecognized flag — still stripped so it
			// never reaches the child.
		default:
			child = append(child, arg)
		}
	}

	return flags, child
}

func stringPtr(s string) *string { return &s }
func boolPtr(b bool) *bool       { return &b }

// EnvSpec describes the child environment additions for one run.
type EnvSpec struct {
	ProxyPort             int
	CABundlePath          string
	IncludePython         bool
	ExistingPipConfigFile string
}

// BuildChildEnv merges the proxy URL and CA bundle path into base (as
// returned by os.Environ), so the upper-cased proxy-required names win
// over any case variant the caller already set. When spec.IncludePython
// is set, it also materializes a pip config file — merging the contents
// of spec.ExistingPipConfigFile if one was set, never mutating it in
// place — and returns a cleanup func that removes the temp file.
func BuildChildEnv(base []string, spec EnvSpec) (env []string, cleanup func(), err error) {
	proxyURL := fmt.Sprintf("http://localhost:%d", spec.ProxyPort)
	overrides := map[string]string{
		"HTTPS_PROXY":             proxyURL,
		"GLOBAL_AGENT_HTTP_PROXY": proxyURL,
		"NODE_EXTRA_CA_CERTS":     spec.CABundlePath,
	}
	if spec.IncludePython {
		overrides["SSL_CERT_FILE"] = spec.CABundlePath
		overrides["REQUESTS_CA_BUNDLE"] = spec.CABundlePath
		overrides["PIP_CERT"] = spec.CABundlePath
	}

	env = mergeEnv(base, overrides)
	cleanup = func() {}

	if !spec.IncludePython {
		return env, cleanup, nil
	}

	var existing string
	if spec.ExistingPipConfigFile != "" {
		if data, readErr := os.ReadFile(spec.ExistingPipConfigFile); readErr == nil {
			existing = string(data) + "\n"
		}
	}
	contents := fmt.Sprintf("%s[global]\ncert = %s\nproxy = %s\n", existing, spec.CABundlePath, proxyURL)

	f, createErr := os.CreateTemp("", "safe-chain-pip-*.ini")
	if createErr != nil {
		return nil, cleanup, fmt.Errorf("create pip config: %w", createErr)
	}
	path := f.Name()
	if _, writeErr := f.WriteString(contents); writeErr != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, cleanup, fmt.Errorf("write pip config: %w", writeErr)
	}
	if closeErr := f.Close(); closeErr != nil {
		_ = os.Remove(path)
		return nil, cleanup, fmt.Errorf("close pip config: %w", closeErr)
	}

	env = mergeEnv(env, map[string]string{"PIP_CONFIG_FILE": path})
	cleanup = func() { _ = os.Remove(path) }

	return env, cleanup, nil
}

// mergeEnv returns base with any entry whose name case-insensitively
// matches an overrides key removed, followed by overrides in sorted key
// order for deterministic output.
func mergeEnv(base []string, overrides map[string]string) []string {
	upper := make(map[string]bool, len(overrides))
	for k := range overrides {
		upper[strings.ToUpper(k)] = true
	}

	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		name, _, ok := strings.Cut(kv, "=")
		if ok && upper[strings.ToUpper(name)] {
			continue
		}
		out = append(out, kv)
	}

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+overrides[k])
	}

	return out
}

// ErrPreScanTimeout is returned by PreScan when the dependency resolver
// returns an error after the configured timeout has expired. The timeout
// reaches the resolver only through its context: a resolver that ignores
// the context and returns successfully after the deadline is not
// interrupted and its result is audited as usual.
var ErrPreScanTimeout = errors.New("pre-scan timed out")

// PreScan resolves and audits dependency changes for argv, bounded by
// timeout. A nil Result means no registered resolver claimed the
// command — there is nothing to audit, and the child runs unaudited.
func PreScan(
	parent context.Context,
	resolvers *resolver.Registry,
	oracle audit.Oracle,
	counters *audit.Counters,
	argv []string,
	timeout time.Duration,
) (*audit.Result, error) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	changes, matched, err := resolvers.Resolve(ctx, argv)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrPreScanTimeout
		}
		return nil, fmt.Errorf("resolve dependency updates: %w", err)
	}
	if !matched {
		return nil, nil
	}

	result := audit.AuditChanges(changes, oracle, counters)
	return &result, nil
}

// Outcome captures every input to the exit-code precedence rule.
type Outcome struct {
	FatalStartup        bool
	PreScanDisallowed   bool
	PreScanTimedOut     bool
	ProxyBlockedMalware bool
	ChildExitCode       int
}

// ExitCode applies spec.md's precedence rule: fatal startup > pre-scan
// disallowed > pre-scan timeout > proxy-blocked malware > child exit
// status > 0.
func ExitCode(o Outcome) int {
	switch {
	case o.FatalStartup, o.PreScanDisallowed, o.PreScanTimedOut, o.ProxyBlockedMalware:
		return 1
	default:
		return o.ChildExitCode
	}
}

// MalwareOracle is the subset of oracle.Oracle the orchestrator and the
// interceptors it builds need.
type MalwareOracle interface {
	IsMalware(name, version string) bool
}

// Orchestrator runs one wrapped package-manager invocation end to end.
type Orchestrator struct {
	cfg       config.Config
	ecosystem interceptor.Ecosystem
	resolvers *resolver.Registry
	oracle    MalwareOracle
	logger    *slog.Logger
	history   *history.Store // nil disables run-history persistence
}

// Config configures an Orchestrator.
type Config struct {
	Cfg       config.Config
	Ecosystem interceptor.Ecosystem
	Resolvers *resolver.Registry
	Oracle    MalwareOracle
	Logger    *slog.Logger
	History   *history.Store
}

// New builds an Orchestrator from cfg.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:       cfg.Cfg,
		ecosystem: cfg.Ecosystem,
		resolvers: cfg.Resolvers,
		oracle:    cfg.Oracle,
		logger:    logger,
		history:   cfg.History,
	}
}

// Run executes one wrapped invocation and returns the process exit code
// the caller should use. argv is the full command line after the binary
// name, e.g. ["npm", "install", "left-pad", "--safe-chain-logging=verbose"].
func (o *Orchestrator) Run(ctx context.Context, argv []string) int {
	startedAt := time.Now()

	// Step 1: extract wrapper flags; the remainder is the child command.
	flags, childArgv := ExtractFlags(argv)

	effectiveCfg := o.cfg
	effectiveCfg.Merge(config.CLIOverrides{
		Logging:                flags.Logging,
		SkipMinimumPackageAge:  flags.SkipMinimumPackageAge,
		MinimumPackageAgeHours: flags.MinimumPackageAgeHours,
		IncludePython:          flags.IncludePython,
	})
	if err := effectiveCfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "safe-chain: invalid configuration:", err)
		return ExitCode(Outcome{FatalStartup: true})
	}

	dataDir, err := ExpandDataDir(effectiveCfg.DataDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "safe-chain: resolve data directory:", err)
		return ExitCode(Outcome{FatalStartup: true})
	}

	ca, err := mitm.LoadCA(filepath.Join(dataDir, effectiveCfg.CA.Cert), filepath.Join(dataDir, effectiveCfg.CA.Key))
	if err != nil {
		fmt.Fprintln(os.Stderr, "safe-chain: load CA (run 'safe-chain generate-ca' first):", err)
		return ExitCode(Outcome{FatalStartup: true})
	}
	if ca.ExpiresSoon() {
		fmt.Fprintf(os.Stderr, "safe-chain: warning: CA certificate expires on %s (run 'safe-chain generate-ca --force' to replace it)\n",
			ca.NotAfter.Format("2006-01-02"))
	}

	logResult := logging.Setup(logging.Config{Logging: effectiveCfg.Logging, LogDir: dataDir, Buffered: true})
	defer logResult.Cleanup()
	logger := logResult.Logger

	// Step 2: construct the controller first so MarkSuppressed exists as
	// a bound method before the rewriter (and the interceptors and
	// router that depend on it) are built.
	ctrl := proxy.New(proxy.Config{
		CA:             ca,
		Logger:         logger,
		Verbose:        effectiveCfg.Logging == "verbose",
		ConnectTimeout: effectiveCfg.Timeouts.Connect.Duration,
	})

	counters := audit.NewCounters()

	rewriter := packument.New(packument.Config{
		MinimumAgeHours: effectiveCfg.MinimumAge.Hours,
		Exemptions:      effectiveCfg.MinimumAge.ExemptPackages,
		Skip:            effectiveCfg.MinimumAge.Skip,
		Logger:          logger,
		OnSuppressed:    ctrl.MarkSuppressed,
	})

	router := interceptor.NewRouter(o.ecosystem,
		interceptor.NewNpmInterceptor(o.oracle, rewriter),
		interceptor.NewPyPIInterceptor(o.oracle),
	)
	ctrl.AttachRouter(router)

	if err := ctrl.Start(); err != nil {
		fmt.Fprintln(os.Stderr, "safe-chain: start proxy:", err)
		return ExitCode(Outcome{FatalStartup: true})
	}
	defer func() {
		if stopErr := ctrl.Stop(); stopErr != nil {
			logger.Warn("proxy stop error", "error", stopErr)
		}
	}()

	childEnv, envCleanup, err := BuildChildEnv(os.Environ(), EnvSpec{
		ProxyPort:             ctrl.Port(),
		CABundlePath:          filepath.Join(dataDir, effectiveCfg.CA.Cert),
		IncludePython:         effectiveCfg.IncludePython,
		ExistingPipConfigFile: os.Getenv("PIP_CONFIG_FILE"),
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "safe-chain: prepare child environment:", err)
		return ExitCode(Outcome{FatalStartup: true})
	}
	defer envCleanup()

	// Step 3: pre-scan.
	result, err := PreScan(ctx, o.resolvers, o.oracle, counters, childArgv, effectiveCfg.Timeouts.PreScan.Duration)
	switch {
	case errors.Is(err, ErrPreScanTimeout):
		fmt.Fprintln(os.Stderr, "safe-chain: pre-scan timed out")
		o.recordRun(logger, startedAt, childArgv, counters, ctrl, ExitCode(Outcome{PreScanTimedOut: true}))
		return ExitCode(Outcome{PreScanTimedOut: true})
	case err != nil:
		fmt.Fprintln(os.Stderr, "safe-chain: pre-scan failed:", err)
		o.recordRun(logger, startedAt, childArgv, counters, ctrl, ExitCode(Outcome{FatalStartup: true}))
		return ExitCode(Outcome{FatalStartup: true})
	case result != nil && !result.IsAllowed():
		fmt.Fprintln(os.Stderr, "safe-chain: blocked disallowed dependency changes:")
		for _, d := range result.Disallowed {
			fmt.Fprintf(os.Stderr, "  %s@%s: %s\n", d.Name, d.Version, d.Reason)
		}
		o.recordRun(logger, startedAt, childArgv, counters, ctrl, ExitCode(Outcome{PreScanDisallowed: true}))
		return ExitCode(Outcome{PreScanDisallowed: true})
	}

	if len(childArgv) == 0 {
		fmt.Fprintln(os.Stderr, "safe-chain: no command given")
		return ExitCode(Outcome{FatalStartup: true})
	}

	// Step 4: run the child with inherited stdio, buffered logging (set
	// up above), flushed on exit or on SIGINT/SIGTERM.
	childExitCode, runErr := o.runChild(ctx, childArgv, childEnv, logResult)
	if runErr != nil {
		fmt.Fprintln(os.Stderr, "safe-chain: run child:", runErr)
		o.recordRun(logger, startedAt, childArgv, counters, ctrl, ExitCode(Outcome{FatalStartup: true}))
		return ExitCode(Outcome{FatalStartup: true})
	}

	// Step 5: post-exit summary and exit-code precedence.
	final := childExitCode
	if !ctrl.VerifyNoMaliciousPackages() {
		fmt.Fprintln(os.Stderr, "safe-chain: blocked malicious packages during install:")
		for _, b := range ctrl.BlockedRequests() {
			fmt.Fprintf(os.Stderr, "  %s@%s (%s)\n", b.PackageName, b.Version, b.URL)
		}
		final = ExitCode(Outcome{ProxyBlockedMalware: true})
	} else {
		total, safe, malware := counters.Snapshot()
		fmt.Fprintf(os.Stderr, "safe-chain: audited %d dependency change(s) (%d safe, %d flagged)\n", total, safe, malware)
		if ctrl.HasSuppressedVersions() {
			fmt.Fprintln(os.Stderr, "safe-chain: one or more package versions were suppressed by the minimum-age policy")
		}
		final = ExitCode(Outcome{ChildExitCode: childExitCode})
	}

	o.recordRun(logger, startedAt, childArgv, counters, ctrl, final)
	return final
	// Step 6 (always stop the proxy) happens in the deferred ctrl.Stop above.
}

// runChild executes childArgv with childEnv, inherited stdio, and a
// SIGINT/SIGTERM handler that flushes buffered logs when safe-chain itself
// receives one of those signals. The handler neither forwards the signal
// to the child nor stops it; the child keeps running until it exits.
func (o *Orchestrator) runChild(ctx context.Context, childArgv []string, childEnv []string, logResult logging.Result) (int, error) {
	cmd := exec.CommandContext(ctx, childArgv[0], childArgv[1:]...)
	cmd.Env = childEnv
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	sigCtx, stopSignals := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-sigCtx.Done():
			logResult.Cleanup()
		case <-done:
		}
	}()

	runErr := cmd.Run()

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if runErr != nil {
		return 0, runErr
	}
	return 0, nil
}

// recordRun persists a history.Run row for this invocation, best-effort.
func (o *Orchestrator) recordRun(
	logger *slog.Logger,
	startedAt time.Time,
	childArgv []string,
	counters *audit.Counters,
	ctrl *proxy.Controller,
	exitCode int,
) {
	if o.history == nil {
		return
	}

	total, safe, malware := counters.Snapshot()
	run := history.Run{
		StartedAt:             startedAt,
		Ecosystem:             string(o.ecosystem),
		ChildCommand:          strings.Join(childArgv, " "),
		AuditTotal:            total,
		AuditSafe:             safe,
		AuditMalware:          malware,
		BlockedCount:          len(ctrl.BlockedRequests()),
		HasSuppressedVersions: ctrl.HasSuppressedVersions(),
		ExitCode:              exitCode,
	}
	if _, err := o.history.Append(run); err != nil {
		logger.Warn("failed to persist run history", "error", err)
	}
}

// ExpandDataDir resolves a leading "~" to the user's home directory. No
// example repo's go.mod carries a home-directory-expansion library, and
// this is a three-line stdlib operation, so it stays on os.UserHomeDir
// rather than importing one for this alone.
func ExpandDataDir(dir string) (string, error) {
	if dir != "~" && !strings.HasPrefix(dir, "~/") {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	if dir == "~" {
		return home, nil
	}
	return filepath.Join(home, dir[2:]), nil
}
