// Package contract implements the contract registry: validated
// registration of fixed-price contracts with milestone decomposition, and
// the canonical fold that derives current milestone state from the receipt
// log.
package contract

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shieldproof-labs/shieldproof/pkg/receipt"
)

// Status of a milestone. PAID is only ever set by the payment gate.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusDelivered Status = "DELIVERED"
	StatusVerified  Status = "VERIFIED"
	StatusDisputed  Status = "DISPUTED"
	StatusPaid      Status = "PAID"
)

// Contract types.
const (
	TypeFixedPrice = "fixed-price"
	TypeCostPlus   = "cost-plus"
	TypeHybrid     = "hybrid"
)

// AmountTolerance is the epsilon for the milestone-sum invariant.
const AmountTolerance = 0.01

// Milestone is one unit of contract decomposition. Identity is
// (contract_id, milestone_id); it cannot exist outside a registered
// contract.
type Milestone struct {
	ID              string  `json:"id"`
	Description     string  `json:"description"`
	Amount          float64 `json:"amount"`
	DueDate         string  `json:"due_date,omitempty"`
	Status          Status  `json:"status"`
	DeliverableHash string  `json:"deliverable_hash,omitempty"`
	VerifierID      string  `json:"verifier_id,omitempty"`
	VerificationTS  string  `json:"verification_ts,omitempty"`
}

// Contract is the folded view of a contract receipt.
type Contract struct {
	ContractID   string
	Contractor   string
	ContractType string
	Amount       float64
	Milestones   []Milestone
	TermsHash    string
	StartDate    string
	EndDate      string
	RegisteredAt time.Time
}

// Verified reports whether the milestone's amount counts as justified
// spend. PAID implies a prior VERIFIED transition.
func (m *Milestone) Verified() bool {
	return m.Status == StatusVerified || m.Status == StatusPaid
}

// FoldMilestones derives the current milestone states: start from the
// registered decomposition and apply milestone receipts in append order,
// last write wins per field. The fold is pure; replaying the same receipts
// always yields the same result.
func FoldMilestones(base []Milestone, updates []*receipt.Receipt) []Milestone {
	out := make([]Milestone, len(base))
	index := make(map[string]int, len(base))
	for i, m := range base {
		out[i] = m
		index[m.ID] = i
	}

	for _, r := range updates {
		i, ok := index[r.Str("milestone_id")]
		if !ok {
			continue // receipt for a milestone outside the registered set
		}
		if s := r.Str("status"); s != "" {
			out[i].Status = Status(s)
		}
		if h := r.Str("deliverable_hash"); h != "" {
			out[i].DeliverableHash = h
		}
		if v := r.Str("verifier_id"); v != "" {
			out[i].VerifierID = v
		}
		if ts := r.Str("verification_ts"); ts != "" {
			out[i].VerificationTS = ts
		}
	}
	return out
}

// contractFromReceipt rebuilds the registered view from a contract receipt.
func contractFromReceipt(r *receipt.Receipt) (*Contract, error) {
	c := &Contract{
		ContractID:   r.Str("contract_id"),
		Contractor:   r.Str("contractor"),
		ContractType: r.Str("contract_type"),
		Amount:       r.Num("amount"),
		TermsHash:    r.Str("terms_hash"),
		StartDate:    r.Str("start_date"),
		EndDate:      r.Str("end_date"),
		RegisteredAt: r.TS,
	}
	ms, err := milestonesFromField(r.Fields["milestones"])
	if err != nil {
		return nil, fmt.Errorf("contract %s: %w", c.ContractID, err)
	}
	c.Milestones = ms
	return c, nil
}

// milestonesFromField decodes the milestones field, which is []Milestone on
// a freshly emitted receipt and []any after JSON replay.
func milestonesFromField(v any) ([]Milestone, error) {
	if ms, ok := v.([]Milestone); ok {
		out := make([]Milestone, len(ms))
		copy(out, ms)
		return out, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("bad milestones field: %w", err)
	}
	var out []Milestone
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("bad milestones field: %w", err)
	}
	return out, nil
}
