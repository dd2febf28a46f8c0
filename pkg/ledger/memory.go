package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/shieldproof-labs/shieldproof/pkg/receipt"
)

// MemoryStore is an in-memory append-only store. It backs tests and
// scenario runs; the JSONL and sqlite stores share its query semantics.
type MemoryStore struct {
	mu       sync.RWMutex
	receipts []*receipt.Receipt
	clock    func() time.Time
	tenant   string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{clock: time.Now, tenant: DefaultTenant}
}

// WithClock overrides the clock for deterministic tests.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

// WithTenant overrides the default tenant stamped on receipts.
func (s *MemoryStore) WithTenant(tenant string) *MemoryStore {
	s.tenant = tenant
	return s
}

func (s *MemoryStore) Append(ctx context.Context, r *receipt.Receipt) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := stamp(r, s.clock, s.tenant); err != nil {
		return "", err
	}
	s.receipts = append(s.receipts, r)
	return r.ReceiptID, nil
}

func (s *MemoryStore) Query(ctx context.Context, receiptType string, filters map[string]any) ([]*receipt.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*receipt.Receipt
	for _, r := range s.receipts {
		if matches(r, receiptType, filters) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) LatestByKey(ctx context.Context, receiptType string, keys map[string]any) (*receipt.Receipt, error) {
	rs, err := s.Query(ctx, receiptType, keys)
	if err != nil {
		return nil, err
	}
	return latest(rs)
}

func (s *MemoryStore) All(ctx context.Context) ([]*receipt.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*receipt.Receipt, len(s.receipts))
	copy(out, s.receipts)
	return out, nil
}
