package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/shieldproof-labs/shieldproof/pkg/merkle"
	"github.com/shieldproof-labs/shieldproof/pkg/receipt"
)

// verifyReport is the structured outcome of a ledger verification pass.
type verifyReport struct {
	Path          string   `json:"path"`
	Lines         int      `json:"lines"`
	Valid         int      `json:"valid"`
	SchemaErrors  int      `json:"schema_errors"`
	HashMismatch  int      `json:"hash_mismatches"`
	Anchors       int      `json:"anchors"`
	AnchorErrors  int      `json:"anchor_errors"`
	MalformedTail bool     `json:"malformed_tail"`
	Verified      bool     `json:"verified"`
	Problems      []string `json:"problems,omitempty"`
}

// runVerifyCmd implements `shieldproof verify`: replays a persisted JSONL
// ledger and checks every line against the receipt schema and its own
// payload hash, then recomputes every batch anchor's Merkle root from its
// recorded leaves. A malformed final line is tolerated as a crash
// artifact; a malformed line anywhere else, a hash mismatch, or an anchor
// that no longer matches its root fails the run.
//
// Exit codes:
//
//	0 = ledger verified
//	1 = verification failed
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		path       string
		jsonOutput bool
	)
	cmd.StringVar(&path, "ledger", "", "Path to JSONL ledger file (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output report as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if path == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --ledger is required")
		return 2
	}

	report, err := verifyLedger(path)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
	} else {
		_, _ = fmt.Fprintf(stdout, "%s: %d lines, %d valid, %d schema errors, %d hash mismatches, %d anchors\n",
			report.Path, report.Lines, report.Valid, report.SchemaErrors, report.HashMismatch, report.Anchors)
		for _, p := range report.Problems {
			_, _ = fmt.Fprintf(stdout, "  %s\n", p)
		}
	}
	if !report.Verified {
		return 1
	}
	return 0
}

func verifyLedger(path string) (*verifyReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	defer f.Close()

	report := &verifyReport{Path: path}
	var (
		pendingProblem string
		anchors        []*receipt.Receipt
		leafSet        = map[string]bool{}
	)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		report.Lines++

		// A bad line is only acceptable as the final one.
		if pendingProblem != "" {
			report.Problems = append(report.Problems, pendingProblem)
			pendingProblem = ""
		}

		if err := receipt.ValidateLine(line); err != nil {
			report.SchemaErrors++
			pendingProblem = fmt.Sprintf("line %d: %v", report.Lines, err)
			continue
		}
		var r receipt.Receipt
		if err := json.Unmarshal(line, &r); err != nil {
			report.SchemaErrors++
			pendingProblem = fmt.Sprintf("line %d: %v", report.Lines, err)
			continue
		}
		want, err := r.ComputePayloadHash()
		if err != nil {
			return nil, fmt.Errorf("line %d: hashing: %w", report.Lines, err)
		}
		if want != r.PayloadHash {
			report.HashMismatch++
			report.Problems = append(report.Problems,
				fmt.Sprintf("line %d: payload hash mismatch for %s", report.Lines, r.ReceiptID))
			continue
		}
		report.Valid++

		leaf, err := merkle.Leaf(&r)
		if err != nil {
			return nil, fmt.Errorf("line %d: leaf hashing: %w", report.Lines, err)
		}
		leafSet[leaf] = true
		if r.ReceiptType == receipt.TypeAnchor {
			anchors = append(anchors, &r)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading ledger: %w", err)
	}

	for _, a := range anchors {
		report.Anchors++
		if problem := checkAnchor(a, leafSet); problem != "" {
			report.AnchorErrors++
			report.Problems = append(report.Problems, problem)
		}
	}

	if pendingProblem != "" {
		report.MalformedTail = true
	}
	report.Verified = report.HashMismatch == 0 && report.AnchorErrors == 0 &&
		(report.SchemaErrors == 0 || (report.SchemaErrors == 1 && report.MalformedTail)) &&
		len(report.Problems) == 0
	return report, nil
}

// checkAnchor validates one anchor receipt against the replayed log:
// batch anchors must recompute to their recorded Merkle root and every
// recorded leaf must belong to a receipt in the log; single anchors must
// point at a receipt that is still present with the same hash.
func checkAnchor(a *receipt.Receipt, leafSet map[string]bool) string {
	switch a.Str("anchor_type") {
	case "batch":
		raw, ok := a.Fields["leaf_hashes"].([]any)
		if !ok {
			return fmt.Sprintf("anchor %s: missing leaf_hashes", a.ReceiptID)
		}
		leaves := make([]string, 0, len(raw))
		for _, v := range raw {
			leaf, ok := v.(string)
			if !ok {
				return fmt.Sprintf("anchor %s: malformed leaf hash", a.ReceiptID)
			}
			if !leafSet[leaf] {
				return fmt.Sprintf("anchor %s: leaf %.16s... not found in ledger", a.ReceiptID, leaf)
			}
			leaves = append(leaves, leaf)
		}
		if merkle.Root(leaves) != a.Str("merkle_root") {
			return fmt.Sprintf("anchor %s: merkle root mismatch", a.ReceiptID)
		}
	case "single":
		if !leafSet[a.Str("receipt_hash")] {
			return fmt.Sprintf("anchor %s: anchored receipt %s not found in ledger", a.ReceiptID, a.Str("anchored_id"))
		}
	}
	return ""
}
