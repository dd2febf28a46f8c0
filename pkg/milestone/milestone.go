// Package milestone drives each milestone through its lifecycle:
//
//	PENDING → DELIVERED → VERIFIED | DISPUTED → PAID
//
// PAID is reachable only from VERIFIED and only through the payment gate.
// Every transition is a new milestone receipt; current state is the
// registry's fold.
package milestone

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

// ContractReader is the slice of the registry the state machine needs.
type ContractReader interface {
	Milestones(ctx context.Context, contractID string) ([]contract.Milestone, error)
	List(ctx context.Context, filter contract.ListFilter) ([]*contract.Contract, error)
}

// Service performs milestone transitions against a store.
type Service struct {
	store     ledger.Store
	contracts ContractReader
	mu        *sync.Mutex
	clock     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLock shares the write lock with the other write-path services.
func WithLock(mu *sync.Mutex) Option {
	return func(s *Service) { s.mu = mu }
}

// WithClock overrides the clock for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

func NewService(store ledger.Store, contracts ContractReader, opts ...Option) *Service {
	s := &Service{store: store, contracts: contracts, mu: &sync.Mutex{}, clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SubmitDeliverable hashes the deliverable and moves the milestone to
// DELIVERED. The contract and milestone must exist; both checks are
// stoprules.
func (s *Service) SubmitDeliverable(ctx context.Context, contractID, milestoneID string, deliverable []byte) (*receipt.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.lookup(ctx, contractID, milestoneID); err != nil {
		return nil, err
	}

	r := receipt.New(receipt.TypeMilestone, map[string]any{
		"contract_id":      contractID,
		"milestone_id":     milestoneID,
		"deliverable_hash": canonical.DualHash(deliverable),
		"status":           string(contract.StatusDelivered),
	})
	if _, err := s.store.Append(ctx, r); err != nil {
		return nil, fmt.Errorf("milestone: appending delivery: %w", err)
	}
	return r, nil
}

// Verify stamps the verifier's decision: VERIFIED when passed, DISPUTED
// otherwise. Re-verifying a VERIFIED or PAID milestone is a stoprule
// violation; those states are terminal for verification.
func (s *Service) Verify(ctx context.Context, contractID, milestoneID, verifierID string, passed bool) (*receipt.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.lookup(ctx, contractID, milestoneID)
	if err != nil {
		return nil, err
	}
	if m.Status == contract.StatusVerified || m.Status == contract.StatusPaid {
		return nil, stoprule.Trip(ctx, s.store, &stoprule.Violation{
			Metric:         stoprule.MetricAlreadyVerified,
			Classification: stoprule.ClassViolation,
			Action:         stoprule.ActionReject,
			ContractID:     contractID,
			MilestoneID:    milestoneID,
			Reason:         fmt.Sprintf("status is %s", m.Status),
		})
	}

	status := contract.StatusVerified
	if !passed {
		status = contract.StatusDisputed
	}
	fields := map[string]any{
		"contract_id":     contractID,
		"milestone_id":    milestoneID,
		"status":          string(status),
		"verifier_id":     verifierID,
		"verification_ts": s.clock().UTC().Format(time.RFC3339Nano),
	}
	if m.DeliverableHash != "" {
		fields["deliverable_hash"] = m.DeliverableHash
	}

	r := receipt.New(receipt.TypeMilestone, fields)
	if _, err := s.store.Append(ctx, r); err != nil {
		return nil, fmt.Errorf("milestone: appending verification: %w", err)
	}
	return r, nil
}

// Get returns the current folded state of one milestone.
func (s *Service) Get(ctx context.Context, contractID, milestoneID string) (*contract.Milestone, error) {
	ms, err := s.contracts.Milestones(ctx, contractID)
	if err != nil {
		return nil, err
	}
	for i := range ms {
		if ms[i].ID == milestoneID {
			return &ms[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s/%s", contract.ErrNotFound, contractID, milestoneID)
}

// List returns all milestones of a contract in their current state.
func (s *Service) List(ctx context.Context, contractID string) ([]contract.Milestone, error) {
	return s.contracts.Milestones(ctx, contractID)
}

// Tagged is a milestone annotated with its owning contract, for the
// cross-contract listings.
type Tagged struct {
	ContractID string
	Contractor string
	contract.Milestone
}

// ListPending returns every milestone awaiting verification.
func (s *Service) ListPending(ctx context.Context) ([]Tagged, error) {
	return s.listByStatus(ctx, contract.StatusDelivered)
}

// ListVerified returns every verified milestone.
func (s *Service) ListVerified(ctx context.Context) ([]Tagged, error) {
	return s.listByStatus(ctx, contract.StatusVerified)
}

// ListDisputed returns every disputed milestone.
func (s *Service) ListDisputed(ctx context.Context) ([]Tagged, error) {
	return s.listByStatus(ctx, contract.StatusDisputed)
}

func (s *Service) listByStatus(ctx context.Context, status contract.Status) ([]Tagged, error) {
	contracts, err := s.contracts.List(ctx, contract.ListFilter{})
	if err != nil {
		return nil, err
	}
	var out []Tagged
	for _, c := range contracts {
		for _, m := range c.Milestones {
			if m.Status == status {
				out = append(out, Tagged{ContractID: c.ContractID, Contractor: c.Contractor, Milestone: m})
			}
		}
	}
	return out, nil
}

// lookup resolves a milestone, tripping the unknown_contract or
// unknown_milestone stoprule when absent.
func (s *Service) lookup(ctx context.Context, contractID, milestoneID string) (*contract.Milestone, error) {
	ms, err := s.contracts.Milestones(ctx, contractID)
	if errors.Is(err, contract.ErrNotFound) {
		return nil, stoprule.Trip(ctx, s.store, &stoprule.Violation{
			Metric:         stoprule.MetricUnknownContract,
			Classification: stoprule.ClassViolation,
			Action:         stoprule.ActionReject,
			ContractID:     contractID,
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
	return nil, stoprule.Trip(ctx, s.store, &stoprule.Violation{
		Metric:         stoprule.MetricUnknownMilestone,
		Classification: stoprule.ClassViolation,
		Action:         stoprule.ActionReject,
		ContractID:     contractID,
		MilestoneID:    milestoneID,
	})
}
