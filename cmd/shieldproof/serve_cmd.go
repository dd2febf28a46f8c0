package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/shieldproof-labs/shieldproof/pkg/anchor"
	"github.com/shieldproof-labs/shieldproof/pkg/api"
	"github.com/shieldproof-labs/shieldproof/pkg/config"
	"github.com/shieldproof-labs/shieldproof/pkg/contract"
	"github.com/shieldproof-labs/shieldproof/pkg/dashboard"
	"github.com/shieldproof-labs/shieldproof/pkg/payment"
	"github.com/shieldproof-labs/shieldproof/pkg/reconcile"
)

// runServeCmd implements `shieldproof serve`: the read API plus the
// periodic anchor loop over the configured ledger.
//
// Exit codes:
//
//	0 = clean shutdown
//	2 = startup or runtime error
func runServeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
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
	log := newLogger(stdout, cfg.LogLevel)

	store, err := openStore(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: opening ledger: %v\n", err)
		return 2
	}
	defer closeStore(store)

	var mu sync.Mutex
	reg := contract.NewRegistry(store, contract.WithLock(&mu))
	gate := payment.NewGate(store, reg, payment.WithLock(&mu))
	engine := reconcile.NewEngine(store, reg, gate,
		reconcile.WithThresholds(cfg.WarnThreshold, cfg.CriticalThreshold))
	board := dashboard.NewService(store, engine, reg, gate, dashboard.WithTenant(cfg.TenantID))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	anchorer := anchor.New(store, log)
	go anchorer.Run(ctx, cfg.AnchorInterval)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewServer(log, store, reg, gate, engine, board).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("serving audit read API", "addr", cfg.HTTPAddr, "backend", cfg.LedgerBackend)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: shutdown: %v\n", err)
			return 2
		}
		return 0
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return 0
		}
		_, _ = fmt.Fprintf(stderr, "Error: server: %v\n", err)
		return 2
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}
