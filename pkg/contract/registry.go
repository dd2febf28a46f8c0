package contract

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/shieldproof-labs/shieldproof/pkg/canonical"
	"github.com/shieldproof-labs/shieldproof/pkg/ledger"
	"github.com/shieldproof-labs/shieldproof/pkg/receipt"
	"github.com/shieldproof-labs/shieldproof/pkg/stoprule"
)

var ErrNotFound = errors.New("contract: not found")

// Registry registers contracts and serves the folded read model. All
// writes go through the shared write lock: the duplicate check and the
// append must be one critical section.
type Registry struct {
	store ledger.Store
	mu    *sync.Mutex
}

// Option configures a Registry.
type Option func(*Registry)

// WithLock shares a write lock with the other write-path services so the
// read-then-decide-then-append sequences serialize against each other.
func WithLock(mu *sync.Mutex) Option {
	return func(r *Registry) { r.mu = mu }
}

func NewRegistry(store ledger.Store, opts ...Option) *Registry {
	r := &Registry{store: store, mu: &sync.Mutex{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// MilestoneInput is one milestone in a registration request.
type MilestoneInput struct {
	ID          string
	Description string
	Amount      float64
	DueDate     string
}

// RegisterInput is the registration request. ContractID is generated when
// absent; ContractType defaults to fixed-price.
type RegisterInput struct {
	ContractID   string
	Contractor   string
	ContractType string
	Amount       float64
	Milestones   []MilestoneInput
	Terms        map[string]any
}

// Register validates and records a contract. Each precondition is a
// stoprule: on violation an anomaly receipt is emitted and registration
// aborts with no partial writes.
func (g *Registry) Register(ctx context.Context, in RegisterInput) (*receipt.Receipt, error) {
	contractID := in.ContractID
	if contractID == "" {
		contractID = newContractID()
	}
	contractType := in.ContractType
	if contractType == "" {
		contractType = TypeFixedPrice
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	existing, err := g.store.Query(ctx, receipt.TypeContract, map[string]any{"contract_id": contractID})
	if err != nil {
		return nil, fmt.Errorf("contract: duplicate check: %w", err)
	}
	if len(existing) > 0 {
		return nil, stoprule.Trip(ctx, g.store, &stoprule.Violation{
			Metric:         stoprule.MetricDuplicateContract,
			Classification: stoprule.ClassViolation,
			Action:         stoprule.ActionReject,
			ContractID:     contractID,
			Reason:         "contract_id already registered",
		})
	}

	if in.Amount <= 0 {
		return nil, stoprule.Trip(ctx, g.store, &stoprule.Violation{
			Metric:         stoprule.MetricInvalidAmount,
			Classification: stoprule.ClassViolation,
			Action:         stoprule.ActionReject,
			ContractID:     contractID,
			Reason:         "amount must be positive",
		})
	}

	var milestoneSum float64
	for _, m := range in.Milestones {
		milestoneSum += m.Amount
	}
	if math.Abs(milestoneSum-in.Amount) > AmountTolerance {
		return nil, stoprule.Trip(ctx, g.store, &stoprule.Violation{
			Metric:         stoprule.MetricInvalidAmount,
			Classification: stoprule.ClassViolation,
			Action:         stoprule.ActionReject,
			ContractID:     contractID,
			Reason:         fmt.Sprintf("milestone sum %.2f does not equal contract amount %.2f", milestoneSum, in.Amount),
		})
	}

	milestones := make([]Milestone, len(in.Milestones))
	for i, m := range in.Milestones {
		id := m.ID
		if id == "" {
			id = fmt.Sprintf("M%d", i+1)
		}
		milestones[i] = Milestone{
			ID:          id,
			Description: m.Description,
			Amount:      m.Amount,
			DueDate:     m.DueDate,
			Status:      StatusPending,
		}
	}

	termsHash, err := canonical.HashJSON(in.Terms)
	if err != nil {
		return nil, fmt.Errorf("contract: hashing terms: %w", err)
	}

	fields := map[string]any{
		"contract_id":     contractID,
		"contractor":      in.Contractor,
		"contract_type":   contractType,
		"amount":          in.Amount,
		"milestones":      milestones,
		"milestone_count": len(milestones),
		"terms_hash":      termsHash,
	}
	if start, ok := in.Terms["start_date"].(string); ok {
		fields["start_date"] = start
	}
	if end, ok := in.Terms["end_date"].(string); ok {
		fields["end_date"] = end
	}

	r := receipt.New(receipt.TypeContract, fields)
	if _, err := g.store.Append(ctx, r); err != nil {
		return nil, fmt.Errorf("contract: appending receipt: %w", err)
	}
	return r, nil
}

// Get returns the folded view of a contract: the latest contract receipt
// with current milestone states.
func (g *Registry) Get(ctx context.Context, contractID string) (*Contract, error) {
	r, err := g.store.LatestByKey(ctx, receipt.TypeContract, map[string]any{"contract_id": contractID})
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, contractID)
	}
	if err != nil {
		return nil, err
	}
	c, err := contractFromReceipt(r)
	if err != nil {
		return nil, err
	}
	c.Milestones, err = g.Milestones(ctx, contractID)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Milestones is the canonical read model: the registered decomposition
// folded with every subsequent milestone receipt for the contract.
func (g *Registry) Milestones(ctx context.Context, contractID string) ([]Milestone, error) {
	r, err := g.store.LatestByKey(ctx, receipt.TypeContract, map[string]any{"contract_id": contractID})
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, contractID)
	}
	if err != nil {
		return nil, err
	}
	base, err := milestonesFromField(r.Fields["milestones"])
	if err != nil {
		return nil, err
	}
	updates, err := g.store.Query(ctx, receipt.TypeMilestone, map[string]any{"contract_id": contractID})
	if err != nil {
		return nil, err
	}
	return FoldMilestones(base, updates), nil
}

// ListFilter narrows List. Status keeps contracts with at least one
// milestone currently in that state.
type ListFilter struct {
	Status       Status
	ContractType string
}

// List returns every registered contract, folded, oldest first.
func (g *Registry) List(ctx context.Context, filter ListFilter) ([]*Contract, error) {
	rs, err := g.store.Query(ctx, receipt.TypeContract, nil)
	if err != nil {
		return nil, err
	}

	var out []*Contract
	seen := map[string]bool{}
	for _, r := range rs {
		id := r.Str("contract_id")
		if seen[id] {
			continue // update receipts; Get folds to the latest
		}
		seen[id] = true

		c, err := g.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if filter.ContractType != "" && c.ContractType != filter.ContractType {
			continue
		}
		if filter.Status != "" && !anyInStatus(c.Milestones, filter.Status) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// Update emits a new contract receipt with the given fields merged over
// the latest one. The original receipt is untouched; history stays intact.
func (g *Registry) Update(ctx context.Context, contractID string, updates map[string]any) (*receipt.Receipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	prev, err := g.store.LatestByKey(ctx, receipt.TypeContract, map[string]any{"contract_id": contractID})
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, stoprule.Trip(ctx, g.store, &stoprule.Violation{
			Metric:         stoprule.MetricUnknownContract,
			Classification: stoprule.ClassViolation,
			Action:         stoprule.ActionReject,
			ContractID:     contractID,
		})
	}
	if err != nil {
		return nil, err
	}

	fields := make(map[string]any, len(prev.Fields)+len(updates))
	for k, v := range prev.Fields {
		fields[k] = v
	}
	for k, v := range updates {
		fields[k] = v
	}
	fields["contract_id"] = contractID

	r := receipt.New(receipt.TypeContract, fields)
	if _, err := g.store.Append(ctx, r); err != nil {
		return nil, fmt.Errorf("contract: appending update: %w", err)
	}
	return r, nil
}

func anyInStatus(ms []Milestone, status Status) bool {
	for _, m := range ms {
		if m.Status == status {
			return true
		}
	}
	return false
}

func newContractID() string {
	u := uuid.New()
	return "C-" + strings.ToUpper(hex.EncodeToString(u[:])[:12])
}
