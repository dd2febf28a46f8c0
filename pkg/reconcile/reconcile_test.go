package reconcile

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shieldproof-labs/shieldproof/pkg/contract"
	"github.com/shieldproof-labs/shieldproof/pkg/ledger"
	"github.com/shieldproof-labs/shieldproof/pkg/milestone"
	"github.com/shieldproof-labs/shieldproof/pkg/payment"
	"github.com/shieldproof-labs/shieldproof/pkg/receipt"
	"github.com/shieldproof-labs/shieldproof/pkg/stoprule"
)

type fixture struct {
	store  *ledger.MemoryStore
	reg    *contract.Registry
	ms     *milestone.Service
	gate   *payment.Gate
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := ledger.NewMemoryStore()
	reg := contract.NewRegistry(store)
	clock := func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) }
	ms := milestone.NewService(store, reg, milestone.WithClock(clock))
	gate := payment.NewGate(store, reg, payment.WithClock(clock))
	engine := NewEngine(store, reg, gate)
	return &fixture{store: store, reg: reg, ms: ms, gate: gate, engine: engine}
}

func (f *fixture) register(t *testing.T, contractID string, amount float64) {
	t.Helper()
	_, err := f.reg.Register(context.Background(), contract.RegisterInput{
		ContractID: contractID,
		Contractor: "Halcyon Group",
		Amount:     amount,
		Milestones: []contract.MilestoneInput{
			{ID: "M1", Description: "Phase 1", Amount: amount / 2},
			{ID: "M2", Description: "Phase 2", Amount: amount / 2},
		},
		Terms: map[string]any{},
	})
	require.NoError(t, err)
}

func (f *fixture) payThrough(t *testing.T, contractID, milestoneID string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.ms.SubmitDeliverable(ctx, contractID, milestoneID, []byte("deliverable"))
	require.NoError(t, err)
	_, err = f.ms.Verify(ctx, contractID, milestoneID, "auditor-1", true)
	require.NoError(t, err)
	_, err = f.gate.Release(ctx, contractID, milestoneID)
	require.NoError(t, err)
}

// $1M over two equal milestones, one verified, $600k paid: variance is
// 20% over the $500k expected spend and the contract is OVERPAID.
func TestVarianceOverpaidContract(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "C-1", 1_000_000)
	f.payThrough(t, "C-1", "M1")

	// An extra $100k payment receipt appended outside the gate, the kind
	// of drift reconciliation exists to catch.
	_, err := f.store.Append(ctx, receipt.New(receipt.TypePayment, map[string]any{
		"contract_id":  "C-1",
		"milestone_id": "M1",
		"amount":       100_000.0,
		"released_at":  "2026-05-02T00:00:00Z",
	}))
	require.NoError(t, err)

	v, err := f.engine.CheckVariance(ctx, "C-1")
	require.NoError(t, err)
	assert.Equal(t, 500_000.0, v.ExpectedSpend)
	assert.Equal(t, 600_000.0, v.ActualSpend)
	assert.InDelta(t, 0.20, v.VariancePct, 1e-9)
	assert.Equal(t, "critical", v.Severity)

	vrs, err := f.store.Query(ctx, receipt.TypeVariance, nil)
	require.NoError(t, err)
	require.Len(t, vrs, 1)
	assert.Equal(t, "critical", vrs[0].Str("severity"))
	assert.InDelta(t, 0.20, vrs[0].Num("variance_pct"), 1e-9)

	report, err := f.engine.ReconcileContract(ctx, "C-1")
	require.NoError(t, err)
	assert.Equal(t, StatusOverpaid, report.Status)
	assert.Equal(t, 100_000.0, report.Discrepancy)
	assert.Equal(t, 1, report.Anomalies)

	anomalies, err := f.store.Query(ctx, receipt.TypeAnomaly, map[string]any{"metric": stoprule.MetricOverpayment})
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.Equal(t, 100_000.0, anomalies[0].Num("delta"))
}

func TestVarianceWithinThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "C-1", 1_000_000)
	f.payThrough(t, "C-1", "M1")

	v, err := f.engine.CheckVariance(ctx, "C-1")
	require.NoError(t, err)
	assert.Zero(t, v.VariancePct)
	assert.Empty(t, v.Severity)

	vrs, err := f.store.Query(ctx, receipt.TypeVariance, nil)
	require.NoError(t, err)
	assert.Empty(t, vrs)
}

func TestVarianceWarningSeverity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "C-1", 1_000_000)
	f.payThrough(t, "C-1", "M1")

	_, err := f.store.Append(ctx, receipt.New(receipt.TypePayment, map[string]any{
		"contract_id":  "C-1",
		"milestone_id": "M1",
		"amount":       40_000.0,
		"released_at":  "2026-05-02T00:00:00Z",
	}))
	require.NoError(t, err)

	// 540k against 500k expected is 8%: past warning, short of critical.
	v, err := f.engine.CheckVariance(ctx, "C-1")
	require.NoError(t, err)
	assert.Equal(t, "warning", v.Severity)
}

func TestVarianceNothingVerified(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "C-1", 1_000_000)

	v, err := f.engine.CheckVariance(ctx, "C-1")
	require.NoError(t, err)
	assert.Zero(t, v.ExpectedSpend)
	assert.Zero(t, v.VariancePct)
	assert.Zero(t, v.MilestoneProgress)
}

func TestReconcileOnTrack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "C-1", 1_000_000)
	f.payThrough(t, "C-1", "M1")
	f.payThrough(t, "C-1", "M2")

	report, err := f.engine.ReconcileContract(ctx, "C-1")
	require.NoError(t, err)
	assert.Equal(t, StatusOnTrack, report.Status)
	assert.Equal(t, 1_000_000.0, report.AmountPaid)
	assert.Equal(t, 1_000_000.0, report.AmountVerified)
	assert.Zero(t, report.Discrepancy)
	assert.Equal(t, 2, report.MilestonesPaid)
	assert.Zero(t, report.Anomalies)
}

func TestReconcileUnverifiedPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "C-1", 1_000_000)

	// A payment receipt against a PENDING milestone cannot be produced by
	// the gate. Reconciliation still has to notice it.
	_, err := f.store.Append(ctx, receipt.New(receipt.TypePayment, map[string]any{
		"contract_id":  "C-1",
		"milestone_id": "M2",
		"amount":       500_000.0,
		"released_at":  "2026-05-02T00:00:00Z",
	}))
	require.NoError(t, err)

	report, err := f.engine.ReconcileContract(ctx, "C-1")
	require.NoError(t, err)
	assert.Equal(t, StatusUnverifiedPayment, report.Status)

	anomalies, err := f.store.Query(ctx, receipt.TypeAnomaly, map[string]any{"metric": stoprule.MetricUnverifiedPayment})
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.Equal(t, "M2", anomalies[0].Str("milestone_id"))
	assert.Equal(t, 500_000.0, anomalies[0].Num("amount"))
}

func TestReconcileDisputedWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "C-1", 1_000_000)
	f.payThrough(t, "C-1", "M1")

	_, err := f.ms.SubmitDeliverable(ctx, "C-1", "M2", []byte("deliverable"))
	require.NoError(t, err)
	_, err = f.ms.Verify(ctx, "C-1", "M2", "auditor-1", false)
	require.NoError(t, err)

	report, err := f.engine.ReconcileContract(ctx, "C-1")
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, report.Status)
	assert.Equal(t, 1, report.MilestonesDisputed)
}

func TestReconcileUnknownContract(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.ReconcileContract(context.Background(), "C-ghost")
	assert.ErrorIs(t, err, contract.ErrNotFound)
}

// Ten fully delivered, verified, and paid contracts reconcile clean: all
// ON_TRACK and zero waste.
func TestReconcileAllCleanPortfolio(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var committed float64
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("C-%d", i+1)
		amount := float64(1_000_000 * (i + 1))
		committed += amount
		f.register(t, id, amount)
		f.payThrough(t, id, "M1")
		f.payThrough(t, id, "M2")
	}

	reports, err := f.engine.ReconcileAll(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 10)
	for _, r := range reports {
		assert.Equal(t, StatusOnTrack, r.Status, "contract %s", r.ContractID)
	}

	summary, err := f.engine.WasteSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, summary.TotalContracts)
	assert.Equal(t, committed, summary.TotalCommitted)
	assert.Equal(t, committed, summary.TotalPaid)
	assert.Zero(t, summary.WasteIdentified)
	assert.Equal(t, 10, summary.ContractsOnTrack)
}

func TestWasteSummaryIdentifiesOverpayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "C-1", 1_000_000)
	f.register(t, "C-2", 2_000_000)
	f.payThrough(t, "C-1", "M1")
	f.payThrough(t, "C-2", "M1")

	_, err := f.store.Append(ctx, receipt.New(receipt.TypePayment, map[string]any{
		"contract_id":  "C-1",
		"milestone_id": "M1",
		"amount":       250_000.0,
		"released_at":  "2026-05-02T00:00:00Z",
	}))
	require.NoError(t, err)

	summary, err := f.engine.WasteSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 250_000.0, summary.WasteIdentified)
	assert.Equal(t, 1, summary.ContractsOverpaid)
	assert.Equal(t, 1, summary.ContractsOnTrack)
}

func TestFlagContracts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "C-1", 1_000_000)
	f.register(t, "C-2", 1_000_000)
	f.payThrough(t, "C-1", "M1")
	f.payThrough(t, "C-2", "M1")

	_, err := f.store.Append(ctx, receipt.New(receipt.TypePayment, map[string]any{
		"contract_id":  "C-2",
		"milestone_id": "M1",
		"amount":       100_000.0,
		"released_at":  "2026-05-02T00:00:00Z",
	}))
	require.NoError(t, err)

	flagged, err := f.engine.FlagContracts(ctx, 0)
	require.NoError(t, err)
	require.Len(t, flagged, 1)
	assert.Equal(t, "C-2", flagged[0].ContractID)
}

func TestFlagAnomaly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "C-1", 1_000_000)

	r, err := f.engine.FlagAnomaly(ctx, "C-1", "contractor under investigation")
	require.NoError(t, err)
	assert.Equal(t, stoprule.MetricManualFlag, r.Str("metric"))
	assert.Equal(t, "suspicious", r.Str("classification"))
	assert.Equal(t, "investigate", r.Str("action"))
	assert.Equal(t, -1.0, r.Num("delta"))
	assert.Equal(t, "contractor under investigation", r.Str("reason"))
}
