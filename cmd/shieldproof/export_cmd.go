package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/shieldproof-labs/shieldproof/pkg/contract"
	"github.com/shieldproof-labs/shieldproof/pkg/dashboard"
	"github.com/shieldproof-labs/shieldproof/pkg/payment"
	"github.com/shieldproof-labs/shieldproof/pkg/reconcile"
)

// runExportCmd implements `shieldproof export`: a dashboard export from
// the persisted ledger. The export itself lands on the ledger as a
// dashboard receipt.
//
// Exit codes:
//
//	0 = export completed
//	2 = runtime error
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath string
		format     string
		out        string
	)
	cmd.StringVar(&configPath, "config", "", "Path to YAML config (optional)")
	cmd.StringVar(&format, "format", dashboard.FormatJSON, "Export format: json | csv")
	cmd.StringVar(&out, "out", "", "Output file path (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if out == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --out is required")
		return 2
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	store, err := openStore(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: opening ledger: %v\n", err)
		return 2
	}
	defer closeStore(store)

	reg := contract.NewRegistry(store)
	gate := payment.NewGate(store, reg)
	engine := reconcile.NewEngine(store, reg, gate,
		reconcile.WithThresholds(cfg.WarnThreshold, cfg.CriticalThreshold))
	board := dashboard.NewService(store, engine, reg, gate, dashboard.WithTenant(cfg.TenantID))

	r, err := board.Export(context.Background(), format, out)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: export: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintf(stdout, "exported %s dashboard to %s (receipt %s)\n", format, out, r.ReceiptID)
	return 0
}

// runSummaryCmd implements `shieldproof summary`: the portfolio totals
// printed for terminals.
//
// Exit codes:
//
//	0 = summary printed
//	2 = runtime error
func runSummaryCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("summary", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var configPath string
	cmd.StringVar(&configPath, "config", "", "Path to YAML config (optional)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	store, err := openStore(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: opening ledger: %v\n", err)
		return 2
	}
	defer closeStore(store)

	reg := contract.NewRegistry(store)
	gate := payment.NewGate(store, reg)
	engine := reconcile.NewEngine(store, reg, gate,
		reconcile.WithThresholds(cfg.WarnThreshold, cfg.CriticalThreshold))
	board := dashboard.NewService(store, engine, reg, gate, dashboard.WithTenant(cfg.TenantID))

	if err := board.WriteText(context.Background(), stdout); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: summary: %v\n", err)
		return 2
	}
	return 0
}
