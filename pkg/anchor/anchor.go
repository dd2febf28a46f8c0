// Package anchor commits receipts to tamper-evident anchors: either a
// single-receipt hash or a Merkle root over a batch. Anchoring only reads
// the underlying store, so it can run on a schedule independent of the
// write path.
package anchor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shieldproof-labs/shieldproof/pkg/ledger"
	"github.com/shieldproof-labs/shieldproof/pkg/merkle"
	"github.com/shieldproof-labs/shieldproof/pkg/receipt"
)

const (
	anchorSingle = "single"
	anchorBatch  = "batch"
)

// hashAlgos names the two digest algorithms behind the dual hash.
var hashAlgos = []string{"SHA256", "BLAKE2B"}

// Anchorer emits anchor receipts over a store.
type Anchorer struct {
	store  ledger.Store
	log    *slog.Logger
	cursor int // receipts already covered by a batch anchor
}

func New(store ledger.Store, log *slog.Logger) *Anchorer {
	if log == nil {
		log = slog.Default()
	}
	return &Anchorer{store: store, log: log}
}

// AnchorReceipt commits a single receipt by its full canonical hash.
func (a *Anchorer) AnchorReceipt(ctx context.Context, r *receipt.Receipt) (*receipt.Receipt, error) {
	leaf, err := merkle.Leaf(r)
	if err != nil {
		return nil, fmt.Errorf("anchor: hashing receipt %s: %w", r.ReceiptID, err)
	}
	anchor := receipt.New(receipt.TypeAnchor, map[string]any{
		"anchor_type":  anchorSingle,
		"anchored_id":  r.ReceiptID,
		"receipt_hash": leaf,
		"hash_algos":   hashAlgos,
	})
	if _, err := a.store.Append(ctx, anchor); err != nil {
		return nil, fmt.Errorf("anchor: appending single anchor: %w", err)
	}
	return anchor, nil
}

// AnchorBatch commits a batch under one Merkle root. The leaf hashes are
// carried on the anchor so membership can be verified without the log.
func (a *Anchorer) AnchorBatch(ctx context.Context, batch []*receipt.Receipt) (*receipt.Receipt, error) {
	leaves, err := merkle.Leaves(batch)
	if err != nil {
		return nil, fmt.Errorf("anchor: hashing batch: %w", err)
	}
	anchor := receipt.New(receipt.TypeAnchor, map[string]any{
		"anchor_type": anchorBatch,
		"merkle_root": merkle.Root(leaves),
		"batch_size":  len(batch),
		"leaf_hashes": leaves,
		"hash_algos":  hashAlgos,
	})
	if _, err := a.store.Append(ctx, anchor); err != nil {
		return nil, fmt.Errorf("anchor: appending batch anchor: %w", err)
	}
	return anchor, nil
}

// Verify confirms a receipt against an anchor. For a single anchor the
// recomputed hash must match; for a batch anchor the receipt's leaf must be
// present and the leaves must still reproduce the committed root.
func Verify(r *receipt.Receipt, anchor *receipt.Receipt) bool {
	if anchor.ReceiptType != receipt.TypeAnchor {
		return false
	}
	leaf, err := merkle.Leaf(r)
	if err != nil {
		return false
	}

	switch anchor.Str("anchor_type") {
	case anchorSingle:
		return anchor.Str("receipt_hash") == leaf
	case anchorBatch:
		leaves := stringSlice(anchor.Fields["leaf_hashes"])
		found := false
		for _, l := range leaves {
			if l == leaf {
				found = true
				break
			}
		}
		return found && merkle.Root(leaves) == anchor.Str("merkle_root")
	}
	return false
}

// AnchorPending batches every receipt appended since the last run (anchor
// receipts excluded) under a new anchor. Returns nil when nothing is
// pending.
func (a *Anchorer) AnchorPending(ctx context.Context) (*receipt.Receipt, error) {
	all, err := a.store.All(ctx)
	if err != nil {
		return nil, err
	}
	if a.cursor > len(all) {
		a.cursor = len(all) // store was reset underneath us
	}
	newTail := all[a.cursor:]
	a.cursor = len(all)

	var pending []*receipt.Receipt
	for _, r := range newTail {
		if r.ReceiptType != receipt.TypeAnchor {
			pending = append(pending, r)
		}
	}
	if len(pending) == 0 {
		return nil, nil
	}
	// The cursor stays at the snapshot length. The anchor appended below,
	// and anything written concurrently with it, land past the snapshot
	// and are picked up by the next pass (the anchor itself is filtered
	// out by type).
	anchor, err := a.AnchorBatch(ctx, pending)
	if err != nil {
		return nil, err
	}
	return anchor, nil
}

// Run anchors pending receipts on the given interval until ctx is done.
func (a *Anchorer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			anchor, err := a.AnchorPending(ctx)
			if err != nil {
				a.log.Error("anchor batch failed", "error", err)
				continue
			}
			if anchor != nil {
				a.log.Info("anchored batch",
					"merkle_root", anchor.Str("merkle_root"),
					"batch_size", int(anchor.Num("batch_size")))
			}
		}
	}
}

// stringSlice coerces a field that may be []string (fresh) or []any
// (replayed from JSON).
func stringSlice(v any) []string {
	switch vs := v.(type) {
	case []string:
		return vs
	case []any:
		out := make([]string, 0, len(vs))
		for _, e := range vs {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
