package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/shieldproof-labs/shieldproof/pkg/ledger"
	"github.com/shieldproof-labs/shieldproof/pkg/scenario"
)

// runScenarioCmd implements `shieldproof scenario`: an end-to-end flow
// against a fresh in-memory ledger.
//
// Exit codes:
//
//	0 = scenario passed
//	1 = scenario ran but failed its checks
//	2 = runtime error
func runScenarioCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("scenario", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		name      string
		contracts int
		out       string
	)
	cmd.StringVar(&name, "name", "baseline", "Scenario to run: baseline | stress | adversarial")
	cmd.IntVar(&contracts, "contracts", 10, "Number of contracts to register")
	cmd.StringVar(&out, "out", "", "Optional dashboard export path (baseline only)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	log := newLogger(stderr, "INFO")
	runner := scenario.NewRunner(ledger.NewMemoryStore(), log)
	ctx := context.Background()

	var (
		res *scenario.Result
		err error
	)
	switch name {
	case "baseline":
		res, err = runner.RunBaseline(ctx, contracts, out)
	case "stress":
		res, err = runner.RunStress(ctx, contracts)
	case "adversarial":
		res, err = runner.RunAdversarial(ctx)
	default:
		_, _ = fmt.Fprintf(stderr, "Error: unknown scenario %q\n", name)
		return 2
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: scenario: %v\n", err)
		return 2
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(res)
	if !res.Passed {
		return 1
	}
	return 0
}
