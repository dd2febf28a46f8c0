// Package payment implements the payment gate: the only path that can set
// a milestone to PAID. Release preconditions are checked in order
// (milestone exists, no prior payment, status VERIFIED) and each is a
// stoprule, so an attempted double payment or payment before verification
// is rejected and auditable.
package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shieldproof-labs/shieldproof/pkg/canonical"
	"github.com/shieldproof-labs/shieldproof/pkg/contract"
	"github.com/shieldproof-labs/shieldproof/pkg/ledger"
	"github.com/shieldproof-labs/shieldproof/pkg/receipt"
	"github.com/shieldproof-labs/shieldproof/pkg/stoprule"
)

// ContractReader is the slice of the registry the gate needs.
type ContractReader interface {
	Get(ctx context.Context, contractID string) (*contract.Contract, error)
	Milestones(ctx context.Context, contractID string) ([]contract.Milestone, error)
}

// Gate releases payments against the ledger.
type Gate struct {
	store     ledger.Store
	contracts ContractReader
	mu        *sync.Mutex
	clock     func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithLock shares the write lock with the other write-path services. The
// duplicate-payment check and the payment append must be one critical
// section or retried calls could both pass the check.
func WithLock(mu *sync.Mutex) Option {
	return func(g *Gate) { g.mu = mu }
}

// WithClock overrides the clock for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(g *Gate) { g.clock = clock }
}

func NewGate(store ledger.Store, contracts ContractReader, opts ...Option) *Gate {
	g := &Gate{store: store, contracts: contracts, mu: &sync.Mutex{}, clock: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Release pays out a verified milestone: a payment receipt for the
// milestone's amount followed by a milestone receipt transitioning to
// PAID. At most one payment per (contract_id, milestone_id), ever.
func (g *Gate) Release(ctx context.Context, contractID, milestoneID string) (*receipt.Receipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	m, err := g.findMilestone(ctx, contractID, milestoneID)
	if err != nil {
		return nil, err
	}

	key := map[string]any{"contract_id": contractID, "milestone_id": milestoneID}
	existing, err := g.store.Query(ctx, receipt.TypePayment, key)
	if err != nil {
		return nil, fmt.Errorf("payment: duplicate check: %w", err)
	}
	if len(existing) > 0 {
		return nil, stoprule.Trip(ctx, g.store, &stoprule.Violation{
			Metric:         stoprule.MetricAlreadyPaid,
			Classification: stoprule.ClassViolation,
			Action:         stoprule.ActionReject,
			ContractID:     contractID,
			MilestoneID:    milestoneID,
			Reason:         "payment receipt already exists",
		})
	}

	if m.Status != contract.StatusVerified {
		return nil, stoprule.Trip(ctx, g.store, &stoprule.Violation{
			Metric:         stoprule.MetricUnverifiedMilestone,
			Classification: stoprule.ClassViolation,
			Action:         stoprule.ActionHalt,
			ContractID:     contractID,
			MilestoneID:    milestoneID,
			Reason:         fmt.Sprintf("status is %s, not VERIFIED", m.Status),
		})
	}

	releasedAt := g.clock().UTC().Format(time.RFC3339Nano)
	paymentHash, err := canonical.HashJSON(map[string]any{
		"contract_id":  contractID,
		"milestone_id": milestoneID,
		"amount":       m.Amount,
		"released_at":  releasedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("payment: hashing: %w", err)
	}

	pay := receipt.New(receipt.TypePayment, map[string]any{
		"contract_id":  contractID,
		"milestone_id": milestoneID,
		"amount":       m.Amount,
		"payment_hash": paymentHash,
		"released_at":  releasedAt,
	})
	if _, err := g.store.Append(ctx, pay); err != nil {
		return nil, fmt.Errorf("payment: appending payment: %w", err)
	}

	// Follow-up transition to PAID. This is the only writer of that state.
	paid := receipt.New(receipt.TypeMilestone, map[string]any{
		"contract_id":  contractID,
		"milestone_id": milestoneID,
		"status":       string(contract.StatusPaid),
	})
	if m.DeliverableHash != "" {
		paid.Fields["deliverable_hash"] = m.DeliverableHash
	}
	if m.VerifierID != "" {
		paid.Fields["verifier_id"] = m.VerifierID
	}
	if m.VerificationTS != "" {
		paid.Fields["verification_ts"] = m.VerificationTS
	}
	if _, err := g.store.Append(ctx, paid); err != nil {
		return nil, fmt.Errorf("payment: appending PAID transition: %w", err)
	}

	return pay, nil
}

// Get returns the payment receipt for a milestone, or ledger.ErrNotFound.
func (g *Gate) Get(ctx context.Context, contractID, milestoneID string) (*receipt.Receipt, error) {
	return g.store.LatestByKey(ctx, receipt.TypePayment, map[string]any{
		"contract_id":  contractID,
		"milestone_id": milestoneID,
	})
}

// List returns payment receipts, optionally narrowed to one contract.
func (g *Gate) List(ctx context.Context, contractID string) ([]*receipt.Receipt, error) {
	filters := map[string]any{}
	if contractID != "" {
		filters["contract_id"] = contractID
	}
	return g.store.Query(ctx, receipt.TypePayment, filters)
}

// TotalPaid sums every released payment for a contract.
func (g *Gate) TotalPaid(ctx context.Context, contractID string) (float64, error) {
	payments, err := g.List(ctx, contractID)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, p := range payments {
		total += p.Num("amount")
	}
	return total, nil
}

// TotalOutstanding is the contract amount not yet paid out.
func (g *Gate) TotalOutstanding(ctx context.Context, contractID string) (float64, error) {
	c, err := g.contracts.Get(ctx, contractID)
	if err != nil {
		return 0, err
	}
	paid, err := g.TotalPaid(ctx, contractID)
	if err != nil {
		return 0, err
	}
	return c.Amount - paid, nil
}

// findMilestone resolves the milestone, tripping unverified_milestone when
// the contract or milestone does not exist: there is nothing verifiable
// to pay against.
func (g *Gate) findMilestone(ctx context.Context, contractID, milestoneID string) (*contract.Milestone, error) {
	ms, err := g.contracts.Milestones(ctx, contractID)
	if errors.Is(err, contract.ErrNotFound) {
		return nil, stoprule.Trip(ctx, g.store, &stoprule.Violation{
			Metric:         stoprule.MetricUnverifiedMilestone,
			Classification: stoprule.ClassViolation,
			Action:         stoprule.ActionHalt,
			ContractID:     contractID,
			MilestoneID:    milestoneID,
			Reason:         "contract not found",
		})
	}
	if err != nil {
		return nil, err
	}
	for i := range ms {
		if ms[i].ID == milestoneID {
			return &ms[i], nil
		}
	}
	return nil, stoprule.Trip(ctx, g.store, &stoprule.Violation{
		Metric:         stoprule.MetricUnverifiedMilestone,
		Classification: stoprule.ClassViolation,
		Action:         stoprule.ActionHalt,
		ContractID:     contractID,
		MilestoneID:    milestoneID,
		Reason:         "milestone not found",
	})
}
