package ledger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shieldproof-labs/shieldproof/pkg/canonical"
	"github.com/shieldproof-labs/shieldproof/pkg/receipt"
)

func testClock() func() time.Time {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	n := 0
	return func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
}

// eachStore runs the contract tests against every backend.
func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore().WithClock(testClock()))
	})
	t.Run("jsonl", func(t *testing.T) {
		s, err := OpenJSONLStore(filepath.Join(t.TempDir(), "receipts.jsonl"))
		require.NoError(t, err)
		defer s.Close()
		fn(t, s.WithClock(testClock()))
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "receipts.db"))
		require.NoError(t, err)
		defer s.Close()
		fn(t, s.WithClock(testClock()))
	})
}

func TestAppendStampsEnvelope(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		r := receipt.New(receipt.TypeContract, map[string]any{"contract_id": "C-1", "amount": 100.0})

		id, err := s.Append(ctx, r)
		require.NoError(t, err)
		assert.NotEmpty(t, id)
		assert.Equal(t, id, r.ReceiptID)
		assert.Equal(t, DefaultTenant, r.TenantID)
		assert.False(t, r.TS.IsZero())
		assert.True(t, canonical.ValidateDualHash(r.PayloadHash))
		require.NoError(t, r.Validate())
	})
}

func TestQueryByTypeAndFields(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			_, err := s.Append(ctx, receipt.New(receipt.TypeMilestone, map[string]any{
				"contract_id":  "C-1",
				"milestone_id": fmt.Sprintf("M%d", i+1),
				"status":       "PENDING",
			}))
			require.NoError(t, err)
		}
		_, err := s.Append(ctx, receipt.New(receipt.TypePayment, map[string]any{"contract_id": "C-1"}))
		require.NoError(t, err)

		milestones, err := s.Query(ctx, receipt.TypeMilestone, map[string]any{"contract_id": "C-1"})
		require.NoError(t, err)
		assert.Len(t, milestones, 3)

		one, err := s.Query(ctx, receipt.TypeMilestone, map[string]any{"milestone_id": "M2"})
		require.NoError(t, err)
		require.Len(t, one, 1)
		assert.Equal(t, "M2", one[0].Str("milestone_id"))

		none, err := s.Query(ctx, receipt.TypeMilestone, map[string]any{"milestone_id": "M9"})
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestAppendOrderPreservedPerKey(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		statuses := []string{"PENDING", "DELIVERED", "VERIFIED", "PAID"}
		for _, st := range statuses {
			_, err := s.Append(ctx, receipt.New(receipt.TypeMilestone, map[string]any{
				"contract_id":  "C-1",
				"milestone_id": "M1",
				"status":       st,
			}))
			require.NoError(t, err)
		}

		rs, err := s.Query(ctx, receipt.TypeMilestone, map[string]any{"milestone_id": "M1"})
		require.NoError(t, err)
		require.Len(t, rs, len(statuses))
		for i, st := range statuses {
			assert.Equal(t, st, rs[i].Str("status"))
		}

		last, err := s.LatestByKey(ctx, receipt.TypeMilestone, map[string]any{"milestone_id": "M1"})
		require.NoError(t, err)
		assert.Equal(t, "PAID", last.Str("status"))
	})
}

func TestLatestByKeyNotFound(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		_, err := s.LatestByKey(context.Background(), receipt.TypeContract, map[string]any{"contract_id": "missing"})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestNumericFilterMatchesReplayedValues(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.Append(ctx, receipt.New(receipt.TypePayment, map[string]any{"contract_id": "C-1", "amount": 500000}))
		require.NoError(t, err)

		// Filters given as int must match values replayed as float64.
		rs, err := s.Query(ctx, receipt.TypePayment, map[string]any{"amount": 500000})
		require.NoError(t, err)
		assert.Len(t, rs, 1)
	})
}

func TestJSONLSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "receipts.jsonl")

	s, err := OpenJSONLStore(path)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := s.Append(ctx, receipt.New(receipt.TypeContract, map[string]any{
			"contract_id": fmt.Sprintf("C-%d", i),
		}))
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	reopened, err := OpenJSONLStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	all, err := reopened.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, r := range all {
		assert.Equal(t, fmt.Sprintf("C-%d", i), r.Str("contract_id"))
		require.NoError(t, r.Validate())
	}
}

func TestJSONLSkipsCorruptLines(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "receipts.jsonl")

	s, err := OpenJSONLStore(path)
	require.NoError(t, err)
	_, err = s.Append(ctx, receipt.New(receipt.TypeContract, map[string]any{"contract_id": "C-1"}))
	require.NoError(t, err)
	_, err = s.Append(ctx, receipt.New(receipt.TypeContract, map[string]any{"contract_id": "C-2"}))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Simulate a crash mid-append: trailing partial line.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"receipt_type":"contract","contract_id":"C-3","trunc`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := OpenJSONLStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	all, err := reopened.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2, "partial trailing line is skipped, rest of the trail survives")
}

func TestJSONLAppendAfterCrashTailSurvivesReplay(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "receipts.jsonl")

	s, err := OpenJSONLStore(path)
	require.NoError(t, err)
	_, err = s.Append(ctx, receipt.New(receipt.TypeContract, map[string]any{"contract_id": "C-1"}))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Crash mid-append: the file ends in a torn line with no newline.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"receipt_type":"contract","contract_id":"C-lost`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// Recovery truncates the torn bytes so the next append starts a fresh
	// line instead of gluing onto them.
	recovered, err := OpenJSONLStore(path)
	require.NoError(t, err)
	_, err = recovered.Append(ctx, receipt.New(receipt.TypeContract, map[string]any{"contract_id": "C-2"}))
	require.NoError(t, err)
	require.NoError(t, recovered.Close())

	reopened, err := OpenJSONLStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	all, err := reopened.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "C-1", all[0].Str("contract_id"))
	assert.Equal(t, "C-2", all[1].Str("contract_id"))
}

func TestJSONLAppendAfterCloseFails(t *testing.T) {
	s, err := OpenJSONLStore(filepath.Join(t.TempDir(), "receipts.jsonl"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Append(context.Background(), receipt.New(receipt.TypeContract, nil))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "receipts.db")

	s, err := OpenSQLiteStore(path)
	require.NoError(t, err)
	_, err = s.Append(ctx, receipt.New(receipt.TypeContract, map[string]any{"contract_id": "C-1", "amount": 1000.0}))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := OpenSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	r, err := reopened.LatestByKey(ctx, receipt.TypeContract, map[string]any{"contract_id": "C-1"})
	require.NoError(t, err)
	assert.Equal(t, 1000.0, r.Num("amount"))
	require.NoError(t, r.Validate())
}
