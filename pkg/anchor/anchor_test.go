package anchor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shieldproof-labs/shieldproof/pkg/canonical"
	"github.com/shieldproof-labs/shieldproof/pkg/ledger"
	"github.com/shieldproof-labs/shieldproof/pkg/receipt"
)

func appendContract(t *testing.T, store ledger.Store, id string) *receipt.Receipt {
	t.Helper()
	r := receipt.New(receipt.TypeContract, map[string]any{"contract_id": id})
	_, err := store.Append(context.Background(), r)
	require.NoError(t, err)
	return r
}

func TestAnchorReceiptRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	a := New(store, nil)

	r := appendContract(t, store, "C-1")
	anchor, err := a.AnchorReceipt(ctx, r)
	require.NoError(t, err)

	assert.Equal(t, "single", anchor.Str("anchor_type"))
	assert.True(t, canonical.ValidateDualHash(anchor.Str("receipt_hash")))
	assert.True(t, Verify(r, anchor))

	other := appendContract(t, store, "C-2")
	assert.False(t, Verify(other, anchor))
}

func TestAnchorBatchRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	a := New(store, nil)

	inBatch := []*receipt.Receipt{
		appendContract(t, store, "C-1"),
		appendContract(t, store, "C-2"),
		appendContract(t, store, "C-3"),
	}
	excluded := appendContract(t, store, "C-4")

	anchor, err := a.AnchorBatch(ctx, inBatch)
	require.NoError(t, err)
	assert.Equal(t, 3.0, anchor.Num("batch_size"))
	assert.True(t, canonical.ValidateDualHash(anchor.Str("merkle_root")))

	for _, r := range inBatch {
		assert.True(t, Verify(r, anchor), "receipt in batch must verify")
	}
	assert.False(t, Verify(excluded, anchor), "receipt outside batch must not verify")
}

func TestVerifySurvivesJSONReplay(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	a := New(store, nil)

	r := appendContract(t, store, "C-1")
	anchor, err := a.AnchorBatch(ctx, []*receipt.Receipt{r})
	require.NoError(t, err)

	// Round-trip both through the wire format: leaf_hashes become []any.
	raw, err := json.Marshal(anchor)
	require.NoError(t, err)
	var replayed receipt.Receipt
	require.NoError(t, json.Unmarshal(raw, &replayed))

	assert.True(t, Verify(r, &replayed))
}

func TestVerifyRejectsTamperedBatch(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	a := New(store, nil)

	r := appendContract(t, store, "C-1")
	anchor, err := a.AnchorBatch(ctx, []*receipt.Receipt{r})
	require.NoError(t, err)

	// Swap the committed root: membership alone must not be enough.
	anchor.Fields["merkle_root"] = canonical.DualHash([]byte("forged"))
	assert.False(t, Verify(r, anchor))
}

func TestVerifyNonAnchorReceipt(t *testing.T) {
	store := ledger.NewMemoryStore()
	r := appendContract(t, store, "C-1")
	assert.False(t, Verify(r, r))
}

// interleavedStore appends one extra contract receipt to the underlying
// store just before the first anchor receipt lands, simulating a write
// racing the anchor loop.
type interleavedStore struct {
	ledger.Store
	raced *receipt.Receipt
}

func (s *interleavedStore) Append(ctx context.Context, r *receipt.Receipt) (string, error) {
	if s.raced == nil && r.ReceiptType == receipt.TypeAnchor {
		s.raced = receipt.New(receipt.TypeContract, map[string]any{"contract_id": "C-RACED"})
		if _, err := s.Store.Append(ctx, s.raced); err != nil {
			return "", err
		}
	}
	return s.Store.Append(ctx, r)
}

func TestAnchorPendingCoversRacedWrites(t *testing.T) {
	ctx := context.Background()
	store := &interleavedStore{Store: ledger.NewMemoryStore()}
	a := New(store, nil)

	appendContract(t, store, "C-1")
	first, err := a.AnchorPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)
	require.NotNil(t, store.raced)
	assert.False(t, Verify(store.raced, first))

	// The receipt that slipped in while the anchor was being appended must
	// be covered by the next pass, not skipped forever.
	next, err := a.AnchorPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, 1.0, next.Num("batch_size"))
	assert.True(t, Verify(store.raced, next))
}

func TestAnchorPendingAdvancesCursor(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	a := New(store, nil)

	r1 := appendContract(t, store, "C-1")
	r2 := appendContract(t, store, "C-2")

	anchor, err := a.AnchorPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, anchor)
	assert.Equal(t, 2.0, anchor.Num("batch_size"))
	assert.True(t, Verify(r1, anchor))
	assert.True(t, Verify(r2, anchor))

	// Nothing new: no anchor emitted.
	again, err := a.AnchorPending(ctx)
	require.NoError(t, err)
	assert.Nil(t, again)

	// New receipts get their own batch; earlier ones are not re-anchored.
	r3 := appendContract(t, store, "C-3")
	next, err := a.AnchorPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, 1.0, next.Num("batch_size"))
	assert.True(t, Verify(r3, next))
	assert.False(t, Verify(r1, next))
}
