/*
safe-chain wraps npm/pnpm/yarn/pip/uv invocations behind a local,
loopback-only HTTPS MITM proxy that blocks known-malicious package
downloads and enforces a minimum-age policy on npm package versions.

Usage:

	safe-chain npm install <pkg>
	safe-chain pip install <pkg> --include-python
	safe-chain version
	safe-chain generate-ca
	safe-chain ca print
	safe-chain config dump
	safe-chain config validate
	safe-chain history -n 20
*/
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/safe-chain/safe-chain/internal/config"
	"github.com/safe-chain/safe-chain/internal/history"
	"github.com/safe-chain/safe-chain/internal/interceptor"
	"github.com/safe-chain/safe-chain/internal/mitm"
	"github.com/safe-chain/safe-chain/internal/oracle"
	"github.com/safe-chain/safe-chain/internal/resolver"
	"github.com/safe-chain/safe-chain/internal/version"
	"github.com/safe-chain/safe-chain/internal/wrapper"
)

var (
	flagConfigPath   string
	flagForceCA      bool
	flagHistoryCount int

	// exitCode carries the wrapped child's final exit status out of
	// runWrapped — cobra's own RunE/Execute contract only distinguishes
	// "errored" from "didn't", which collapses every non-zero status to 1.
	exitCode int
)

var rootCmd = &cobra.Command{
	Use:                "safe-chain",
	Short:              "Wrap npm/pnpm/yarn/pip/uv behind a malware-blocking local proxy",
	DisableFlagParsing: true,
	Args:               cobra.ArbitraryArgs,
	RunE:               runWrapped,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Println(version.Full())
	},
}

var generateCACmd = &cobra.Command{
	Use:   "generate-ca",
	Short: "Generate the root CA certificate and private key used for MITM interception",
	RunE:  runGenerateCA,
}

var caCmd = &cobra.Command{
	Use:   "ca",
	Short: "Root CA inspection",
}

var caPrintCmd = &cobra.Command{
	Use:   "print",
	Short: "Print the persisted root CA's fingerprint and expiry",
	RunE:  runCAPrint,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the resolved configuration as YAML",
	RunE:  runConfigDump,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and exit",
	RunE:  runConfigValidate,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent safe-chain runs",
	RunE:  runHistory,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfigPath, "config", "c", "", "config file path (default: safe-chain.yml in the current directory)")
	generateCACmd.Flags().BoolVar(&flagForceCA, "force", false, "overwrite existing CA files")
	historyCmd.Flags().IntVarP(&flagHistoryCount, "n", "n", 20, "number of recent runs to show")

	caCmd.AddCommand(caPrintCmd)
	configCmd.AddCommand(configDumpCmd)
	configCmd.AddCommand(configValidateCmd)

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(generateCACmd)
	rootCmd.AddCommand(caCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
	os.Exit(exitCode)
}

// loadConfig loads and validates configuration from the --config path (or
// the default discovery search), printing the path it loaded from.
func loadConfig() (config.Config, error) {
	cfg, cfgPath, err := config.Load(flagConfigPath)
	if err != nil {
		return cfg, err
	}
	if cfgPath != "" {
		fmt.Fprintf(os.Stderr, "config: loaded %s\n", cfgPath)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ecosystemFor maps a child binary name to the ecosystem it belongs to
// and the dependency resolvers registered for its pre-scan, or false if
// the binary isn't one safe-chain knows how to wrap.
func ecosystemFor(bin string) (interceptor.Ecosystem, *resolver.Registry, bool) {
	switch filepath.Base(bin) {
	case "npm", "pnpm", "yarn":
		return interceptor.EcosystemNPM, resolver.NewRegistry(resolver.NewNpmResolver()), true
	case "pip", "pip3", "uv":
		return interceptor.EcosystemPyPI, resolver.NewRegistry(), true
	default:
		return "", nil, false
	}
}

// runWrapped is the root command's entry point: it wires up the oracle,
// the run-history store, and the wrapper orchestrator, then runs one
// wrapped package-manager invocation and stashes its exit code for main
// to propagate after cobra returns.
func runWrapped(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return cmd.Help()
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ecosystem, resolvers, ok := ecosystemFor(args[0])
	if !ok {
		return fmt.Errorf("unsupported package manager %q (expected npm, pnpm, yarn, pip, pip3, or uv)", args[0])
	}

	dataDir, err := wrapper.ExpandDataDir(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("resolve data directory: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil { //nolint:gosec // per-user data directory
		return fmt.Errorf("create data directory: %w", err)
	}

	oracleBackend, err := oracle.OpenSQLiteOracle(filepath.Join(dataDir, "oracle.db"), slog.Default())
	if err != nil {
		return fmt.Errorf("open malware oracle: %w", err)
	}
	defer oracleBackend.Close() //nolint:errcheck // best-effort on shutdown

	if len(cfg.MalwareListURLs) > 0 && oracleBackend.Size() == 0 {
		if updateErr := oracleBackend.Update(cfg.MalwareListURLs, oracle.HTTPFetcher()); updateErr != nil {
			fmt.Fprintf(os.Stderr, "safe-chain: failed to fetch malware list on first run: %v\n", updateErr)
		}
	}

	historyStore, err := history.Open(filepath.Join(dataDir, "history.db"))
	if err != nil {
		return fmt.Errorf("open run history: %w", err)
	}
	defer historyStore.Close() //nolint:errcheck // best-effort on shutdown

	orch := wrapper.New(wrapper.Config{
		Cfg:       cfg,
		Ecosystem: ecosystem,
		Resolvers: resolvers,
		Oracle:    oracleBackend,
		Logger:    slog.Default(),
		History:   historyStore,
	})

	exitCode = orch.Run(cmd.Context(), args)
	return nil
}

func runGenerateCA(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	dataDir, err := wrapper.ExpandDataDir(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("resolve data directory: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil { //nolint:gosec // per-user data directory
		return fmt.Errorf("create data directory: %w", err)
	}

	certPath := filepath.Join(dataDir, cfg.CA.Cert)
	keyPath := filepath.Join(dataDir, cfg.CA.Key)

	if err := mitm.GenerateCA(certPath, keyPath, flagForceCA); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "CA certificate: %s\n", certPath)
	fmt.Fprintf(os.Stderr, "CA private key: %s\n", keyPath)
	fmt.Fprintln(os.Stderr, "Install the CA certificate in your system/browser/Node/Python trust store to enable interception.")
	return nil
}

func runCAPrint(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	dataDir, err := wrapper.ExpandDataDir(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("resolve data directory: %w", err)
	}

	ca, err := mitm.LoadCA(filepath.Join(dataDir, cfg.CA.Cert), filepath.Join(dataDir, cfg.CA.Key))
	if err != nil {
		return fmt.Errorf("load CA (run 'safe-chain generate-ca' first): %w", err)
	}

	fmt.Printf("fingerprint: %s\n", ca.Fingerprint)
	fmt.Printf("expires:     %s\n", ca.NotAfter.Format("2006-01-02"))
	if ca.ExpiresSoon() {
		days := int(time.Until(ca.NotAfter).Hours() / 24)
		fmt.Fprintf(os.Stderr, "warning: CA certificate expires in %d day(s)\n", days)
	}
	return nil
}

func runConfigDump(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	out, err := cfg.Dump()
	if err != nil {
		return fmt.Errorf("dump config: %w", err)
	}

	fmt.Print(string(out))
	return nil
}

func runConfigValidate(_ *cobra.Command, _ []string) error {
	if _, err := loadConfig(); err != nil {
		return err
	}
	fmt.Println("config: valid")
	return nil
}

func runHistory(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	dataDir, err := wrapper.ExpandDataDir(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("resolve data directory: %w", err)
	}

	store, err := history.Open(filepath.Join(dataDir, "history.db"))
	if err != nil {
		return fmt.Errorf("open run history: %w", err)
	}
	defer store.Close() //nolint:errcheck // best-effort on shutdown

	runs, err := store.Recent(flagHistoryCount)
	if err != nil {
		return fmt.Errorf("read run history: %w", err)
	}
	if len(runs) == 0 {
		fmt.Println("no runs recorded yet")
		return nil
	}

	for _, r := range runs {
		status := "ok"
		if r.ExitCode != 0 {
			status = fmt.Sprintf("exit %d", r.ExitCode)
		}
		fmt.Printf("%s  %-4s  %-40s  blocked=%d  %s\n",
			r.StartedAt.Format(time.RFC3339), r.Ecosystem, r.ChildCommand, r.BlockedCount, status)
	}
	return nil
}
