// Package ledger implements append-only receipt storage. Receipts are
// stamped (id, timestamp, tenant, payload hash) on append and are returned
// in append order for a given key, which the fold-based read models rely on.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/shieldproof-labs/shieldproof/pkg/receipt"
)

var (
	ErrNotFound = errors.New("ledger: receipt not found")
	ErrClosed   = errors.New("ledger: store closed")
)

// Store is the append/query contract every component receives as an
// injected handle. Query and LatestByKey never mutate; Append is the only
// write and is serialized by each implementation.
type Store interface {
	// Append stamps the receipt and writes it, returning the receipt id.
	Append(ctx context.Context, r *receipt.Receipt) (string, error)
	// Query returns receipts of the given type whose fields match every
	// filter, in append order. An empty type matches all receipts.
	Query(ctx context.Context, receiptType string, filters map[string]any) ([]*receipt.Receipt, error)
	// LatestByKey returns the last appended receipt of the given type
	// matching the key fields, or ErrNotFound.
	LatestByKey(ctx context.Context, receiptType string, keys map[string]any) (*receipt.Receipt, error)
	// All returns every receipt in append order.
	All(ctx context.Context) ([]*receipt.Receipt, error)
}

// DefaultTenant stamps receipts whose emitter did not set a tenant.
const DefaultTenant = "shieldproof"

// stamp fills the envelope before a receipt is persisted.
func stamp(r *receipt.Receipt, clock func() time.Time, tenant string) error {
	if r.ReceiptID == "" {
		r.ReceiptID = "r-" + uuid.NewString()
	}
	if r.TS.IsZero() {
		r.TS = clock().UTC()
	}
	if r.TenantID == "" {
		if t := r.Str("tenant_id"); t != "" {
			r.TenantID = t
		} else {
			r.TenantID = tenant
		}
	}
	delete(r.Fields, "tenant_id")
	hash, err := r.ComputePayloadHash()
	if err != nil {
		return err
	}
	r.PayloadHash = hash
	return nil
}

// matches reports whether r satisfies the type and field filters.
func matches(r *receipt.Receipt, receiptType string, filters map[string]any) bool {
	if receiptType != "" && r.ReceiptType != receiptType {
		return false
	}
	for k, want := range filters {
		if !fieldEquals(r.Fields[k], want) {
			return false
		}
	}
	return true
}

// fieldEquals compares a stored field against a filter value. Numbers are
// compared as float64 since JSON replay decodes all numerics that way.
func fieldEquals(got, want any) bool {
	if gf, ok := asFloat(got); ok {
		if wf, ok := asFloat(want); ok {
			return gf == wf
		}
		return false
	}
	return got == want
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// latest returns the last element of rs or ErrNotFound.
func latest(rs []*receipt.Receipt) (*receipt.Receipt, error) {
	if len(rs) == 0 {
		return nil, ErrNotFound
	}
	return rs[len(rs)-1], nil
}
