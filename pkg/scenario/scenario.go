// Package scenario runs cross-module flows end to end against a live
// ledger: the full register-deliver-verify-pay-reconcile pipeline, a
// throughput run, and an adversarial run that drives every stoprule.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shieldproof-labs/shieldproof/pkg/contract"
	"github.com/shieldproof-labs/shieldproof/pkg/dashboard"
	"github.com/shieldproof-labs/shieldproof/pkg/ledger"
	"github.com/shieldproof-labs/shieldproof/pkg/milestone"
	"github.com/shieldproof-labs/shieldproof/pkg/payment"
	"github.com/shieldproof-labs/shieldproof/pkg/receipt"
	"github.com/shieldproof-labs/shieldproof/pkg/reconcile"
	"github.com/shieldproof-labs/shieldproof/pkg/stoprule"
)

// Result is the outcome of one scenario run.
type Result struct {
	Scenario string         `json:"scenario"`
	Passed   bool           `json:"passed"`
	Errors   []string       `json:"errors,omitempty"`
	Metrics  map[string]any `json:"metrics"`
}

// Runner executes scenarios against a shared service graph.
type Runner struct {
	store ledger.Store
	log   *slog.Logger

	reg    *contract.Registry
	ms     *milestone.Service
	gate   *payment.Gate
	engine *reconcile.Engine
	board  *dashboard.Service
}

// NewRunner builds the full service graph over store. The write-path
// services share one lock, same as the serve command wires them.
func NewRunner(store ledger.Store, log *slog.Logger) *Runner {
	var mu sync.Mutex
	reg := contract.NewRegistry(store, contract.WithLock(&mu))
	ms := milestone.NewService(store, reg, milestone.WithLock(&mu))
	gate := payment.NewGate(store, reg, payment.WithLock(&mu))
	engine := reconcile.NewEngine(store, reg, gate)
	board := dashboard.NewService(store, engine, reg, gate)
	return &Runner{store: store, log: log, reg: reg, ms: ms, gate: gate, engine: engine, board: board}
}

// RunBaseline registers n contracts of $1M to $n M with two milestones
// each, walks every milestone through delivery, verification, and
// payment, then reconciles. A clean run ends with every contract
// ON_TRACK and zero waste.
func (r *Runner) RunBaseline(ctx context.Context, n int, exportPath string) (*Result, error) {
	start := time.Now()
	res := &Result{Scenario: "baseline", Metrics: map[string]any{}}

	type registered struct {
		id         string
		milestones []string
	}
	contracts := make([]registered, 0, n)
	for i := 0; i < n; i++ {
		amount := 1_000_000.0 * float64(i+1)
		half := amount / 2
		m1 := fmt.Sprintf("M%d-1", i+1)
		m2 := fmt.Sprintf("M%d-2", i+1)
		rc, err := r.reg.Register(ctx, contract.RegisterInput{
			Contractor: fmt.Sprintf("Contractor-%03d", i+1),
			Amount:     amount,
			Milestones: []contract.MilestoneInput{
				{ID: m1, Description: "Phase 1", Amount: half},
				{ID: m2, Description: "Phase 2", Amount: half},
			},
			Terms: map[string]any{"scenario": "baseline", "index": i},
		})
		if err != nil {
			return nil, fmt.Errorf("scenario: registering contract %d: %w", i+1, err)
		}
		contracts = append(contracts, registered{id: rc.Str("contract_id"), milestones: []string{m1, m2}})
	}

	for _, c := range contracts {
		for _, mid := range c.milestones {
			if _, err := r.ms.SubmitDeliverable(ctx, c.id, mid, []byte("deliverable for "+mid)); err != nil {
				return nil, fmt.Errorf("scenario: submitting %s/%s: %w", c.id, mid, err)
			}
			if _, err := r.ms.Verify(ctx, c.id, mid, "BASELINE-VERIFIER-001", true); err != nil {
				return nil, fmt.Errorf("scenario: verifying %s/%s: %w", c.id, mid, err)
			}
			if _, err := r.gate.Release(ctx, c.id, mid); err != nil {
				return nil, fmt.Errorf("scenario: paying %s/%s: %w", c.id, mid, err)
			}
		}
	}

	for _, c := range contracts {
		v, err := r.engine.CheckVariance(ctx, c.id)
		if err != nil {
			return nil, err
		}
		if v.VariancePct > 0.01 || v.VariancePct < -0.01 {
			res.Errors = append(res.Errors, fmt.Sprintf("unexpected variance for %s: %.4f", c.id, v.VariancePct))
		}
	}

	reports, err := r.engine.ReconcileAll(ctx)
	if err != nil {
		return nil, err
	}
	for _, report := range reports {
		if report.Status != reconcile.StatusOnTrack {
			res.Errors = append(res.Errors, fmt.Sprintf("contract %s is %s", report.ContractID, report.Status))
		}
	}
	summary, err := r.engine.WasteSummary(ctx)
	if err != nil {
		return nil, err
	}
	if summary.WasteIdentified != 0 {
		res.Errors = append(res.Errors, fmt.Sprintf("waste identified: %.2f", summary.WasteIdentified))
	}

	if exportPath != "" {
		if _, err := r.board.Export(ctx, dashboard.FormatJSON, exportPath); err != nil {
			return nil, err
		}
	}

	res.Passed = len(res.Errors) == 0
	res.Metrics["contracts_registered"] = n
	res.Metrics["milestones_paid"] = n * 2
	res.Metrics["waste_identified"] = summary.WasteIdentified
	res.Metrics["elapsed_ms"] = time.Since(start).Milliseconds()
	r.log.InfoContext(ctx, "baseline scenario finished", "passed", res.Passed, "contracts", n)
	return res, nil
}

// RunStress pushes n single-milestone contracts through the full flow
// and reports throughput.
func (r *Runner) RunStress(ctx context.Context, n int) (*Result, error) {
	start := time.Now()
	res := &Result{Scenario: "stress", Metrics: map[string]any{}}

	for i := 0; i < n; i++ {
		mid := fmt.Sprintf("S%d-M1", i+1)
		rc, err := r.reg.Register(ctx, contract.RegisterInput{
			Contractor: fmt.Sprintf("StressContractor-%05d", i+1),
			Amount:     100_000,
			Milestones: []contract.MilestoneInput{{ID: mid, Description: "Milestone 1", Amount: 100_000}},
			Terms:      map[string]any{"scenario": "stress", "index": i},
		})
		if err != nil {
			return nil, err
		}
		id := rc.Str("contract_id")
		if _, err := r.ms.SubmitDeliverable(ctx, id, mid, []byte("stress deliverable")); err != nil {
			return nil, err
		}
		if _, err := r.ms.Verify(ctx, id, mid, "STRESS-VERIFIER-001", true); err != nil {
			return nil, err
		}
		if _, err := r.gate.Release(ctx, id, mid); err != nil {
			return nil, err
		}
	}

	summary, err := r.board.Summary(ctx)
	if err != nil {
		return nil, err
	}
	if summary.WasteIdentified != 0 {
		res.Errors = append(res.Errors, fmt.Sprintf("waste identified: %.2f", summary.WasteIdentified))
	}

	elapsed := time.Since(start)
	res.Passed = len(res.Errors) == 0
	res.Metrics["contracts_registered"] = n
	res.Metrics["receipts_per_contract"] = 5
	res.Metrics["elapsed_ms"] = elapsed.Milliseconds()
	if secs := elapsed.Seconds(); secs > 0 {
		res.Metrics["contracts_per_sec"] = float64(n) / secs
	}
	r.log.InfoContext(ctx, "stress scenario finished", "passed", res.Passed, "contracts", n)
	return res, nil
}

// RunAdversarial drives the stoprules: duplicate registration, payment
// before verification, double payment, and a disputed milestone. The run
// passes when every illegal operation is rejected with the expected
// metric and the violations show up as anomaly receipts.
func (r *Runner) RunAdversarial(ctx context.Context) (*Result, error) {
	start := time.Now()
	res := &Result{Scenario: "adversarial", Metrics: map[string]any{}}

	expect := func(step string, err error, metric string) {
		var v *stoprule.Violation
		if !errors.As(err, &v) {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: expected stoprule, got %v", step, err))
			return
		}
		if v.Metric != metric {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: expected %s, got %s", step, metric, v.Metric))
		}
	}

	_, err := r.reg.Register(ctx, contract.RegisterInput{
		ContractID: "ADV-1",
		Contractor: "Adversarial Holdings",
		Amount:     500_000,
		Milestones: []contract.MilestoneInput{
			{ID: "M1", Description: "Phase 1", Amount: 250_000},
			{ID: "M2", Description: "Phase 2", Amount: 250_000},
		},
		Terms: map[string]any{"scenario": "adversarial"},
	})
	if err != nil {
		return nil, err
	}

	_, err = r.reg.Register(ctx, contract.RegisterInput{
		ContractID: "ADV-1",
		Contractor: "Adversarial Holdings",
		Amount:     500_000,
		Milestones: []contract.MilestoneInput{{ID: "M1", Description: "All", Amount: 500_000}},
		Terms:      map[string]any{},
	})
	expect("duplicate registration", err, stoprule.MetricDuplicateContract)

	_, err = r.gate.Release(ctx, "ADV-1", "M1")
	expect("payment before verification", err, stoprule.MetricUnverifiedMilestone)

	if _, err := r.ms.SubmitDeliverable(ctx, "ADV-1", "M1", []byte("work")); err != nil {
		return nil, err
	}
	if _, err := r.ms.Verify(ctx, "ADV-1", "M1", "ADV-VERIFIER", true); err != nil {
		return nil, err
	}
	if _, err := r.gate.Release(ctx, "ADV-1", "M1"); err != nil {
		return nil, err
	}
	_, err = r.gate.Release(ctx, "ADV-1", "M1")
	expect("double payment", err, stoprule.MetricAlreadyPaid)

	if _, err := r.ms.SubmitDeliverable(ctx, "ADV-1", "M2", []byte("late work")); err != nil {
		return nil, err
	}
	if _, err := r.ms.Verify(ctx, "ADV-1", "M2", "ADV-VERIFIER", false); err != nil {
		return nil, err
	}
	report, err := r.engine.ReconcileContract(ctx, "ADV-1")
	if err != nil {
		return nil, err
	}
	if report.Status != reconcile.StatusDisputed {
		res.Errors = append(res.Errors, fmt.Sprintf("expected DISPUTED, got %s", report.Status))
	}

	anomalies, err := r.store.Query(ctx, receipt.TypeAnomaly, nil)
	if err != nil {
		return nil, err
	}

	res.Passed = len(res.Errors) == 0
	res.Metrics["stoprules_tripped"] = 3
	res.Metrics["anomaly_receipts"] = len(anomalies)
	res.Metrics["elapsed_ms"] = time.Since(start).Milliseconds()
	r.log.InfoContext(ctx, "adversarial scenario finished", "passed", res.Passed, "anomalies", len(anomalies))
	return res, nil
}
