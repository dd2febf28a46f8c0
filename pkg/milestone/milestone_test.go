package milestone

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shieldproof-labs/shieldproof/pkg/canonical"
	"github.com/shieldproof-labs/shieldproof/pkg/contract"
	"github.com/shieldproof-labs/shieldproof/pkg/ledger"
	"github.com/shieldproof-labs/shieldproof/pkg/receipt"
	"github.com/shieldproof-labs/shieldproof/pkg/stoprule"
)

type fixture struct {
	store *ledger.MemoryStore
	reg   *contract.Registry
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := ledger.NewMemoryStore()
	reg := contract.NewRegistry(store)
	svc := NewService(store, reg, WithClock(func() time.Time {
		return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	}))

	_, err := reg.Register(context.Background(), contract.RegisterInput{
		ContractID: "C-1",
		Contractor: "Vector Dynamics",
		Amount:     1000,
		Milestones: []contract.MilestoneInput{
			{ID: "M1", Description: "Phase 1", Amount: 600},
			{ID: "M2", Description: "Phase 2", Amount: 400},
		},
		Terms: map[string]any{},
	})
	require.NoError(t, err)
	return &fixture{store: store, reg: reg, svc: svc}
}

func requireViolation(t *testing.T, err error, metric string) *stoprule.Violation {
	t.Helper()
	var v *stoprule.Violation
	require.True(t, errors.As(err, &v), "expected stoprule violation, got %v", err)
	assert.Equal(t, metric, v.Metric)
	return v
}

func TestSubmitDeliverable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	payload := []byte("phase 1 report")
	r, err := f.svc.SubmitDeliverable(ctx, "C-1", "M1", payload)
	require.NoError(t, err)
	assert.Equal(t, canonical.DualHash(payload), r.Str("deliverable_hash"))

	m, err := f.svc.Get(ctx, "C-1", "M1")
	require.NoError(t, err)
	assert.Equal(t, contract.StatusDelivered, m.Status)
	assert.Equal(t, canonical.DualHash(payload), m.DeliverableHash)
}

func TestSubmitDeliverableUnknownContract(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.SubmitDeliverable(context.Background(), "C-missing", "M1", []byte("x"))
	requireViolation(t, err, stoprule.MetricUnknownContract)
}

func TestSubmitDeliverableUnknownMilestone(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.SubmitDeliverable(context.Background(), "C-1", "M9", []byte("x"))
	requireViolation(t, err, stoprule.MetricUnknownMilestone)
}

func TestVerifyPassed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.SubmitDeliverable(ctx, "C-1", "M1", []byte("x"))
	require.NoError(t, err)

	r, err := f.svc.Verify(ctx, "C-1", "M1", "AUDITOR-7", true)
	require.NoError(t, err)
	assert.Equal(t, string(contract.StatusVerified), r.Str("status"))
	assert.Equal(t, "AUDITOR-7", r.Str("verifier_id"))
	assert.NotEmpty(t, r.Str("verification_ts"))
	assert.NotEmpty(t, r.Str("deliverable_hash"), "verification carries the deliverable hash forward")

	m, err := f.svc.Get(ctx, "C-1", "M1")
	require.NoError(t, err)
	assert.Equal(t, contract.StatusVerified, m.Status)
	assert.Equal(t, "AUDITOR-7", m.VerifierID)
}

func TestVerifyFailedDisputes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.SubmitDeliverable(ctx, "C-1", "M1", []byte("x"))
	require.NoError(t, err)

	_, err = f.svc.Verify(ctx, "C-1", "M1", "AUDITOR-7", false)
	require.NoError(t, err)

	m, err := f.svc.Get(ctx, "C-1", "M1")
	require.NoError(t, err)
	assert.Equal(t, contract.StatusDisputed, m.Status)
}

func TestVerifyAlreadyVerified(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.SubmitDeliverable(ctx, "C-1", "M1", []byte("x"))
	require.NoError(t, err)
	_, err = f.svc.Verify(ctx, "C-1", "M1", "AUDITOR-7", true)
	require.NoError(t, err)

	_, err = f.svc.Verify(ctx, "C-1", "M1", "AUDITOR-8", true)
	v := requireViolation(t, err, stoprule.MetricAlreadyVerified)
	assert.Equal(t, "M1", v.MilestoneID)

	// The decision on the ledger is still the first verifier's.
	m, err := f.svc.Get(ctx, "C-1", "M1")
	require.NoError(t, err)
	assert.Equal(t, "AUDITOR-7", m.VerifierID)
}

func TestVerifyDisputedCanBeReverified(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.SubmitDeliverable(ctx, "C-1", "M1", []byte("x"))
	require.NoError(t, err)
	_, err = f.svc.Verify(ctx, "C-1", "M1", "AUDITOR-7", false)
	require.NoError(t, err)

	// A disputed milestone may be re-examined after the dispute resolves.
	_, err = f.svc.Verify(ctx, "C-1", "M1", "AUDITOR-8", true)
	require.NoError(t, err)

	m, err := f.svc.Get(ctx, "C-1", "M1")
	require.NoError(t, err)
	assert.Equal(t, contract.StatusVerified, m.Status)
}

func TestStatusListings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.SubmitDeliverable(ctx, "C-1", "M1", []byte("a"))
	require.NoError(t, err)
	_, err = f.svc.SubmitDeliverable(ctx, "C-1", "M2", []byte("b"))
	require.NoError(t, err)
	_, err = f.svc.Verify(ctx, "C-1", "M1", "AUDITOR-7", true)
	require.NoError(t, err)
	_, err = f.svc.Verify(ctx, "C-1", "M2", "AUDITOR-7", false)
	require.NoError(t, err)

	verified, err := f.svc.ListVerified(ctx)
	require.NoError(t, err)
	require.Len(t, verified, 1)
	assert.Equal(t, "M1", verified[0].ID)
	assert.Equal(t, "C-1", verified[0].ContractID)
	assert.Equal(t, "Vector Dynamics", verified[0].Contractor)

	disputed, err := f.svc.ListDisputed(ctx)
	require.NoError(t, err)
	require.Len(t, disputed, 1)
	assert.Equal(t, "M2", disputed[0].ID)

	pending, err := f.svc.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRefoldFromReceiptsIsStable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.SubmitDeliverable(ctx, "C-1", "M1", []byte("x"))
	require.NoError(t, err)
	_, err = f.svc.Verify(ctx, "C-1", "M1", "AUDITOR-7", true)
	require.NoError(t, err)

	first, err := f.reg.Milestones(ctx, "C-1")
	require.NoError(t, err)
	second, err := f.reg.Milestones(ctx, "C-1")
	require.NoError(t, err)
	assert.Equal(t, first, second, "fold has no hidden state outside the log")

	// No state lives outside the receipts: the receipt count is exactly
	// one contract + two milestone transitions.
	all, err := f.store.All(ctx)
	require.NoError(t, err)
	types := map[string]int{}
	for _, r := range all {
		types[r.ReceiptType]++
	}
	assert.Equal(t, 1, types[receipt.TypeContract])
	assert.Equal(t, 2, types[receipt.TypeMilestone])
}
