// Package stoprule defines the closed error taxonomy for precondition
// violations. A stoprule is always fatal to the triggering operation and
// always auditable: the refusal is emitted as an anomaly receipt before the
// error reaches the caller, so rejected operations are part of the trail.
package stoprule

import (
	"context"
	"fmt"

	"github.com/shieldproof-labs/shieldproof/pkg/ledger"
	"github.com/shieldproof-labs/shieldproof/pkg/receipt"
)

// Classification of a finding.
type Classification string

const (
	ClassViolation  Classification = "violation"  // structural/policy breach
	ClassSuspicious Classification = "suspicious" // statistical finding needing review
	// Domain-specific severities used by peripheral modules.
	ClassCostCascade         Classification = "cost_cascade"
	ClassRegulatoryViolation Classification = "regulatory_violation"
)

// Action the engine takes when the rule trips.
type Action string

const (
	ActionReject      Action = "reject"
	ActionHalt        Action = "halt"
	ActionInvestigate Action = "investigate"
)

// Metric names for the core stoprules.
const (
	MetricDuplicateContract   = "duplicate_contract"
	MetricInvalidAmount       = "invalid_amount"
	MetricUnknownContract     = "unknown_contract"
	MetricUnknownMilestone    = "unknown_milestone"
	MetricAlreadyVerified     = "already_verified"
	MetricAlreadyPaid         = "already_paid"
	MetricUnverifiedMilestone = "unverified_milestone"
	MetricUnverifiedPayment   = "unverified_payment"
	MetricOverpayment         = "overpayment"
	MetricManualFlag          = "manual_flag"
)

// Violation is the tagged error returned by every tripped stoprule. It is
// never retryable; the caller must correct the input and resubmit.
type Violation struct {
	Metric         string
	Classification Classification
	Action         Action
	ContractID     string
	MilestoneID    string
	Reason         string
	// Extra carries metric-specific fields onto the anomaly receipt.
	Extra map[string]any
}

func (v *Violation) Error() string {
	msg := fmt.Sprintf("stoprule %s (%s/%s)", v.Metric, v.Classification, v.Action)
	if v.ContractID != "" {
		msg += " contract=" + v.ContractID
	}
	if v.MilestoneID != "" {
		msg += " milestone=" + v.MilestoneID
	}
	if v.Reason != "" {
		msg += ": " + v.Reason
	}
	return msg
}

// receiptFields builds the anomaly receipt payload. delta=-1 marks a
// blocked operation, matching the anomaly accounting convention.
func (v *Violation) receiptFields() map[string]any {
	fields := map[string]any{
		"metric":         v.Metric,
		"classification": string(v.Classification),
		"action":         string(v.Action),
		"delta":          -1,
	}
	if v.ContractID != "" {
		fields["contract_id"] = v.ContractID
	}
	if v.MilestoneID != "" {
		fields["milestone_id"] = v.MilestoneID
	}
	if v.Reason != "" {
		fields["reason"] = v.Reason
	}
	for k, val := range v.Extra {
		fields[k] = val
	}
	return fields
}

// Trip emits the anomaly receipt for v and returns v as the operation's
// error. The anomaly is appended even though the operation fails: the log
// is append-only and the refusal itself is evidence.
func Trip(ctx context.Context, store ledger.Store, v *Violation) error {
	if _, err := store.Append(ctx, receipt.New(receipt.TypeAnomaly, v.receiptFields())); err != nil {
		return fmt.Errorf("stoprule: emitting anomaly for %s: %w", v.Metric, err)
	}
	return v
}
