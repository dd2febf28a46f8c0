// Package reconcile compares paid amounts against verified milestone
// amounts and classifies each contract. Findings are not errors: the
// engine returns its report and emits variance/anomaly receipts for
// anything over threshold, so the findings live in the same trail as the
// operations that caused them.
package reconcile

import (
	"context"
	"fmt"

	"github.com/shieldproof-labs/shieldproof/pkg/contract"
	"github.com/shieldproof-labs/shieldproof/pkg/ledger"
	"github.com/shieldproof-labs/shieldproof/pkg/receipt"
	"github.com/shieldproof-labs/shieldproof/pkg/stoprule"
)

// Contract status classifications.
const (
	StatusOnTrack           = "ON_TRACK"
	StatusOverpaid          = "OVERPAID"
	StatusUnverifiedPayment = "UNVERIFIED_PAYMENT"
	StatusDisputed          = "DISPUTED"
)

// Default variance thresholds, as fractions of expected spend.
const (
	DefaultWarnThreshold     = 0.05
	DefaultCriticalThreshold = 0.15
)

// ContractReader is the slice of the registry the engine reads from.
type ContractReader interface {
	Get(ctx context.Context, contractID string) (*contract.Contract, error)
	Milestones(ctx context.Context, contractID string) ([]contract.Milestone, error)
	List(ctx context.Context, filter contract.ListFilter) ([]*contract.Contract, error)
}

// PaymentReader is the slice of the gate the engine reads from.
type PaymentReader interface {
	List(ctx context.Context, contractID string) ([]*receipt.Receipt, error)
	TotalPaid(ctx context.Context, contractID string) (float64, error)
}

// Engine runs variance checks and reconciliation over the ledger.
type Engine struct {
	store     ledger.Store
	contracts ContractReader
	payments  PaymentReader
	warn      float64
	critical  float64
}

// Option configures an Engine.
type Option func(*Engine)

// WithThresholds overrides the warning and critical variance thresholds.
func WithThresholds(warn, critical float64) Option {
	return func(e *Engine) {
		e.warn = warn
		e.critical = critical
	}
}

func NewEngine(store ledger.Store, contracts ContractReader, payments PaymentReader, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		contracts: contracts,
		payments:  payments,
		warn:      DefaultWarnThreshold,
		critical:  DefaultCriticalThreshold,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Variance is the spend deviation for one contract. Severity is empty
// when the deviation is within threshold.
type Variance struct {
	ContractID        string  `json:"contract_id"`
	VariancePct       float64 `json:"variance_pct"`
	ExpectedSpend     float64 `json:"expected_spend_usd"`
	ActualSpend       float64 `json:"actual_spend_usd"`
	MilestoneProgress float64 `json:"milestone_progress"`
	Severity          string  `json:"severity,omitempty"`
}

// CheckVariance compares actual spend against the spend justified by
// verified milestone progress. A deviation beyond the warning threshold
// emits a variance receipt, critical when beyond the critical threshold.
func (e *Engine) CheckVariance(ctx context.Context, contractID string) (*Variance, error) {
	c, err := e.contracts.Get(ctx, contractID)
	if err != nil {
		return nil, err
	}
	ms, err := e.contracts.Milestones(ctx, contractID)
	if err != nil {
		return nil, err
	}
	paid, err := e.payments.TotalPaid(ctx, contractID)
	if err != nil {
		return nil, err
	}

	var progress float64
	if len(ms) > 0 {
		verified := 0
		for _, m := range ms {
			if m.Verified() {
				verified++
			}
		}
		progress = float64(verified) / float64(len(ms))
	}

	expected := c.Amount * progress
	var pct float64
	if expected > 0 {
		pct = (paid - expected) / expected
	}

	v := &Variance{
		ContractID:        contractID,
		VariancePct:       pct,
		ExpectedSpend:     expected,
		ActualSpend:       paid,
		MilestoneProgress: progress,
	}

	if abs(pct) > e.warn {
		v.Severity = "warning"
		if abs(pct) > e.critical {
			v.Severity = "critical"
		}
		r := receipt.New(receipt.TypeVariance, map[string]any{
			"contract_id":        contractID,
			"expected_spend_usd": expected,
			"actual_spend_usd":   paid,
			"variance_pct":       pct,
			"threshold_pct":      e.warn,
			"severity":           v.Severity,
		})
		if _, err := e.store.Append(ctx, r); err != nil {
			return nil, fmt.Errorf("reconcile: emitting variance receipt: %w", err)
		}
	}
	return v, nil
}

// VarianceReport runs CheckVariance over every contract.
type VarianceReport struct {
	TotalContracts int         `json:"total_contracts"`
	OverThreshold  int         `json:"contracts_over_threshold"`
	Contracts      []*Variance `json:"contracts"`
}

func (e *Engine) Variances(ctx context.Context) (*VarianceReport, error) {
	cs, err := e.contracts.List(ctx, contract.ListFilter{})
	if err != nil {
		return nil, err
	}
	report := &VarianceReport{Contracts: make([]*Variance, 0, len(cs))}
	for _, c := range cs {
		v, err := e.CheckVariance(ctx, c.ContractID)
		if err != nil {
			return nil, err
		}
		report.Contracts = append(report.Contracts, v)
		if abs(v.VariancePct) > e.warn {
			report.OverThreshold++
		}
	}
	report.TotalContracts = len(report.Contracts)
	return report, nil
}

// FlagContracts returns the contracts whose variance exceeds the given
// threshold, the warning threshold when zero.
func (e *Engine) FlagContracts(ctx context.Context, threshold float64) ([]*Variance, error) {
	if threshold == 0 {
		threshold = e.warn
	}
	cs, err := e.contracts.List(ctx, contract.ListFilter{})
	if err != nil {
		return nil, err
	}
	var flagged []*Variance
	for _, c := range cs {
		v, err := e.CheckVariance(ctx, c.ContractID)
		if err != nil {
			return nil, err
		}
		if abs(v.VariancePct) > threshold {
			flagged = append(flagged, v)
		}
	}
	return flagged, nil
}

// Report is the reconciliation outcome for one contract.
type Report struct {
	ContractID          string  `json:"contract_id"`
	Contractor          string  `json:"contractor"`
	AmountFixed         float64 `json:"amount_fixed"`
	AmountPaid          float64 `json:"amount_paid"`
	AmountVerified      float64 `json:"amount_verified"`
	MilestonesTotal     int     `json:"milestones_total"`
	MilestonesPending   int     `json:"milestones_pending"`
	MilestonesDelivered int     `json:"milestones_delivered"`
	MilestonesVerified  int     `json:"milestones_verified"`
	MilestonesPaid      int     `json:"milestones_paid"`
	MilestonesDisputed  int     `json:"milestones_disputed"`
	Status              string  `json:"status"`
	Discrepancy         float64 `json:"discrepancy"`
	Anomalies           int     `json:"anomalies"`
}

// ReconcileContract classifies one contract by comparing payment receipts
// against folded milestone state. OVERPAID and UNVERIFIED_PAYMENT findings
// each emit a correlated anomaly receipt. An unverified payment can only
// appear if the store was mutated outside the gate; the check stays
// because reconciliation is exactly where such corruption should surface.
func (e *Engine) ReconcileContract(ctx context.Context, contractID string) (*Report, error) {
	c, err := e.contracts.Get(ctx, contractID)
	if err != nil {
		return nil, err
	}
	ms, err := e.contracts.Milestones(ctx, contractID)
	if err != nil {
		return nil, err
	}
	payments, err := e.payments.List(ctx, contractID)
	if err != nil {
		return nil, err
	}

	report := &Report{
		ContractID:      contractID,
		Contractor:      c.Contractor,
		AmountFixed:     c.Amount,
		MilestonesTotal: len(ms),
		Status:          StatusOnTrack,
	}

	byID := make(map[string]contract.Milestone, len(ms))
	for _, m := range ms {
		byID[m.ID] = m
		switch m.Status {
		case contract.StatusPending:
			report.MilestonesPending++
		case contract.StatusDelivered:
			report.MilestonesDelivered++
		case contract.StatusVerified:
			report.MilestonesVerified++
		case contract.StatusPaid:
			report.MilestonesPaid++
		case contract.StatusDisputed:
			report.MilestonesDisputed++
		}
		if m.Verified() {
			report.AmountVerified += m.Amount
		}
	}
	for _, p := range payments {
		report.AmountPaid += p.Num("amount")
	}

	if report.AmountPaid > report.AmountVerified {
		report.Discrepancy = report.AmountPaid - report.AmountVerified
		report.Status = StatusOverpaid
		if err := e.emitOverpayment(ctx, contractID, report.AmountPaid, report.AmountVerified); err != nil {
			return nil, err
		}
		report.Anomalies++
	}

	for _, p := range payments {
		m, ok := byID[p.Str("milestone_id")]
		if ok && !m.Verified() {
			report.Status = StatusUnverifiedPayment
			if err := e.emitUnverifiedPayment(ctx, contractID, m.ID, p.Num("amount")); err != nil {
				return nil, err
			}
			report.Anomalies++
		}
	}

	if report.MilestonesDisputed > 0 {
		report.Status = StatusDisputed
	}
	return report, nil
}

// ReconcileAll reconciles every registered contract, oldest first.
func (e *Engine) ReconcileAll(ctx context.Context) ([]*Report, error) {
	cs, err := e.contracts.List(ctx, contract.ListFilter{})
	if err != nil {
		return nil, err
	}
	reports := make([]*Report, 0, len(cs))
	for _, c := range cs {
		report, err := e.ReconcileContract(ctx, c.ContractID)
		if err != nil {
			return nil, err
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// WasteSummary aggregates reconciliation across all contracts.
// WasteIdentified, the amount paid out beyond what verified milestones
// justify, is the headline audit metric.
type WasteSummary struct {
	TotalContracts      int     `json:"total_contracts"`
	TotalCommitted      float64 `json:"total_committed"`
	TotalPaid           float64 `json:"total_paid"`
	TotalVerified       float64 `json:"total_verified"`
	WasteIdentified     float64 `json:"waste_identified"`
	MilestonesPending   int     `json:"milestones_pending"`
	MilestonesDisputed  int     `json:"milestones_disputed"`
	ContractsOnTrack    int     `json:"contracts_on_track"`
	ContractsOverpaid   int     `json:"contracts_overpaid"`
	ContractsUnverified int     `json:"contracts_unverified"`
	ContractsDisputed   int     `json:"contracts_disputed"`
}

func (e *Engine) WasteSummary(ctx context.Context) (*WasteSummary, error) {
	reports, err := e.ReconcileAll(ctx)
	if err != nil {
		return nil, err
	}
	s := &WasteSummary{TotalContracts: len(reports)}
	for _, r := range reports {
		s.TotalCommitted += r.AmountFixed
		s.TotalPaid += r.AmountPaid
		s.TotalVerified += r.AmountVerified
		s.MilestonesPending += r.MilestonesPending
		s.MilestonesDisputed += r.MilestonesDisputed
		switch r.Status {
		case StatusOnTrack:
			s.ContractsOnTrack++
		case StatusOverpaid:
			s.ContractsOverpaid++
		case StatusUnverifiedPayment:
			s.ContractsUnverified++
		case StatusDisputed:
			s.ContractsDisputed++
		}
	}
	if s.TotalPaid > s.TotalVerified {
		s.WasteIdentified = s.TotalPaid - s.TotalVerified
	}
	return s, nil
}

// FlagAnomaly records a manual finding against a contract. Unlike a
// stoprule it does not fail any operation, it only marks the trail.
func (e *Engine) FlagAnomaly(ctx context.Context, contractID, reason string) (*receipt.Receipt, error) {
	r := receipt.New(receipt.TypeAnomaly, map[string]any{
		"metric":         stoprule.MetricManualFlag,
		"contract_id":    contractID,
		"reason":         reason,
		"delta":          -1,
		"action":         string(stoprule.ActionInvestigate),
		"classification": string(stoprule.ClassSuspicious),
	})
	if _, err := e.store.Append(ctx, r); err != nil {
		return nil, fmt.Errorf("reconcile: flagging anomaly: %w", err)
	}
	return r, nil
}

func (e *Engine) emitOverpayment(ctx context.Context, contractID string, paid, verified float64) error {
	r := receipt.New(receipt.TypeAnomaly, map[string]any{
		"metric":          stoprule.MetricOverpayment,
		"contract_id":     contractID,
		"amount_paid":     paid,
		"amount_verified": verified,
		"delta":           paid - verified,
		"action":          string(stoprule.ActionInvestigate),
		"classification":  string(stoprule.ClassViolation),
	})
	if _, err := e.store.Append(ctx, r); err != nil {
		return fmt.Errorf("reconcile: emitting overpayment anomaly: %w", err)
	}
	return nil
}

func (e *Engine) emitUnverifiedPayment(ctx context.Context, contractID, milestoneID string, amount float64) error {
	r := receipt.New(receipt.TypeAnomaly, map[string]any{
		"metric":         stoprule.MetricUnverifiedPayment,
		"contract_id":    contractID,
		"milestone_id":   milestoneID,
		"amount":         amount,
		"delta":          -1,
		"action":         string(stoprule.ActionInvestigate),
		"classification": string(stoprule.ClassViolation),
	})
	if _, err := e.store.Append(ctx, r); err != nil {
		return fmt.Errorf("reconcile: emitting unverified payment anomaly: %w", err)
	}
	return nil
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
