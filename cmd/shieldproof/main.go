package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/shieldproof-labs/shieldproof/pkg/config"
	"github.com/shieldproof-labs/shieldproof/pkg/ledger"
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServeCmd(nil, stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServeCmd(args[2:], stdout, stderr)
	case "scenario":
		return runScenarioCmd(args[2:], stdout, stderr)
	case "export":
		return runExportCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "summary":
		return runSummaryCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, `Usage: shieldproof <command> [flags]

Commands:
  serve      Run the audit read API server (default)
  scenario   Run an end-to-end scenario against a fresh ledger
  export     Export the dashboard as JSON or CSV
  verify     Verify the integrity of a persisted ledger
  summary    Print the portfolio summary
  help       Show this help`)
}

// newLogger builds the process logger at the configured level.
func newLogger(w io.Writer, level string) *slog.Logger {
	var l slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		l = slog.LevelDebug
	case "WARN":
		l = slog.LevelWarn
	case "ERROR":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: l}))
}

// openStore opens the configured ledger backend.
func openStore(cfg *config.Config) (ledger.Store, error) {
	switch cfg.LedgerBackend {
	case config.BackendMemory:
		return ledger.NewMemoryStore().WithTenant(cfg.TenantID), nil
	case config.BackendJSONL:
		s, err := ledger.OpenJSONLStore(cfg.LedgerPath)
		if err != nil {
			return nil, err
		}
		return s.WithTenant(cfg.TenantID), nil
	case config.BackendSQLite:
		s, err := ledger.OpenSQLiteStore(cfg.LedgerPath)
		if err != nil {
			return nil, err
		}
		return s.WithTenant(cfg.TenantID), nil
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.LedgerBackend)
	}
}

func closeStore(s ledger.Store) {
	if c, ok := s.(io.Closer); ok {
		_ = c.Close()
	}
}
