// Package dashboard renders the public audit view: aggregate numbers and
// per-contract status derived purely from the read API. Exports emit a
// dashboard receipt so the act of publishing is itself on the trail.
package dashboard

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/shieldproof-labs/shieldproof/pkg/contract"
	"github.com/shieldproof-labs/shieldproof/pkg/ledger"
	"github.com/shieldproof-labs/shieldproof/pkg/receipt"
	"github.com/shieldproof-labs/shieldproof/pkg/reconcile"
)

// Supported export formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// ContractReader is the slice of the registry the dashboard reads.
type ContractReader interface {
	Get(ctx context.Context, contractID string) (*contract.Contract, error)
	Milestones(ctx context.Context, contractID string) ([]contract.Milestone, error)
}

// PaymentReader is the slice of the payment gate the dashboard reads.
type PaymentReader interface {
	TotalPaid(ctx context.Context, contractID string) (float64, error)
	TotalOutstanding(ctx context.Context, contractID string) (float64, error)
}

// Service generates summaries and exports from the reconciliation engine.
type Service struct {
	store     ledger.Store
	engine    *reconcile.Engine
	contracts ContractReader
	payments  PaymentReader
	tenant    string
	clock     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

func WithTenant(tenant string) Option {
	return func(s *Service) { s.tenant = tenant }
}

// WithClock overrides the clock for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

func NewService(store ledger.Store, engine *reconcile.Engine, contracts ContractReader, payments PaymentReader, opts ...Option) *Service {
	s := &Service{
		store:     store,
		engine:    engine,
		contracts: contracts,
		payments:  payments,
		tenant:    ledger.DefaultTenant,
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Summary is the aggregate public view. It shows portfolio totals, never
// individual contract detail.
type Summary struct {
	GeneratedAt         string  `json:"generated_at"`
	TenantID            string  `json:"tenant_id"`
	TotalContracts      int     `json:"total_contracts"`
	TotalCommitted      float64 `json:"total_committed"`
	TotalPaid           float64 `json:"total_paid"`
	TotalVerified       float64 `json:"total_verified"`
	MilestonesPending   int     `json:"milestones_pending"`
	MilestonesDisputed  int     `json:"milestones_disputed"`
	WasteIdentified     float64 `json:"waste_identified"`
	ContractsOnTrack    int     `json:"contracts_on_track"`
	ContractsOverpaid   int     `json:"contracts_overpaid"`
	ContractsUnverified int     `json:"contracts_unverified"`
	ContractsDisputed   int     `json:"contracts_disputed"`
	HealthScore         float64 `json:"health_score"`
}

func (s *Service) Summary(ctx context.Context) (*Summary, error) {
	w, err := s.engine.WasteSummary(ctx)
	if err != nil {
		return nil, err
	}
	return &Summary{
		GeneratedAt:         s.clock().UTC().Format(time.RFC3339),
		TenantID:            s.tenant,
		TotalContracts:      w.TotalContracts,
		TotalCommitted:      w.TotalCommitted,
		TotalPaid:           w.TotalPaid,
		TotalVerified:       w.TotalVerified,
		MilestonesPending:   w.MilestonesPending,
		MilestonesDisputed:  w.MilestonesDisputed,
		WasteIdentified:     w.WasteIdentified,
		ContractsOnTrack:    w.ContractsOnTrack,
		ContractsOverpaid:   w.ContractsOverpaid,
		ContractsUnverified: w.ContractsUnverified,
		ContractsDisputed:   w.ContractsDisputed,
		HealthScore:         healthScore(w),
	}, nil
}

// healthScore grades the portfolio 0 to 100, weighting on-track share at
// 50%, verified share of paid funds at 30%, dispute-free share at 20%.
func healthScore(w *reconcile.WasteSummary) float64 {
	if w.TotalContracts == 0 {
		return 100
	}
	onTrack := float64(w.ContractsOnTrack) / float64(w.TotalContracts)
	verified := 1.0
	if w.TotalPaid > 0 {
		verified = w.TotalVerified / w.TotalPaid
	}
	noDisputes := 1 - float64(w.ContractsDisputed)/float64(w.TotalContracts)
	score := (onTrack*0.5 + verified*0.3 + noDisputes*0.2) * 100
	return float64(int(score*10+0.5)) / 10
}

// ByStatus groups reconciliation reports into the four classifications.
type ByStatus struct {
	OnTrack    []*reconcile.Report `json:"on_track"`
	Overpaid   []*reconcile.Report `json:"overpaid"`
	Unverified []*reconcile.Report `json:"unverified"`
	Disputed   []*reconcile.Report `json:"disputed"`
}

func (s *Service) ContractsByStatus(ctx context.Context) (*ByStatus, error) {
	reports, err := s.engine.ReconcileAll(ctx)
	if err != nil {
		return nil, err
	}
	out := &ByStatus{}
	for _, r := range reports {
		switch r.Status {
		case reconcile.StatusOverpaid:
			out.Overpaid = append(out.Overpaid, r)
		case reconcile.StatusUnverifiedPayment:
			out.Unverified = append(out.Unverified, r)
		case reconcile.StatusDisputed:
			out.Disputed = append(out.Disputed, r)
		default:
			out.OnTrack = append(out.OnTrack, r)
		}
	}
	return out, nil
}

// MilestoneView is the redacted per-milestone line on the public view.
type MilestoneView struct {
	ID     string  `json:"id"`
	Status string  `json:"status"`
	Amount float64 `json:"amount"`
}

// ContractStatus is the public view of one contract.
type ContractStatus struct {
	ContractID        string          `json:"contract_id"`
	Contractor        string          `json:"contractor"`
	AmountFixed       float64         `json:"amount_fixed"`
	AmountPaid        float64         `json:"amount_paid"`
	AmountOutstanding float64         `json:"amount_outstanding"`
	Milestones        []MilestoneView `json:"milestones"`
	CreatedAt         string          `json:"created_at"`
}

func (s *Service) ContractStatus(ctx context.Context, contractID string) (*ContractStatus, error) {
	c, err := s.contracts.Get(ctx, contractID)
	if err != nil {
		return nil, err
	}
	ms, err := s.contracts.Milestones(ctx, contractID)
	if err != nil {
		return nil, err
	}
	paid, err := s.payments.TotalPaid(ctx, contractID)
	if err != nil {
		return nil, err
	}
	outstanding, err := s.payments.TotalOutstanding(ctx, contractID)
	if err != nil {
		return nil, err
	}
	view := &ContractStatus{
		ContractID:        c.ContractID,
		Contractor:        c.Contractor,
		AmountFixed:       c.Amount,
		AmountPaid:        paid,
		AmountOutstanding: outstanding,
		Milestones:        make([]MilestoneView, 0, len(ms)),
		CreatedAt:         c.RegisteredAt.UTC().Format(time.RFC3339Nano),
	}
	for _, m := range ms {
		view.Milestones = append(view.Milestones, MilestoneView{
			ID:     m.ID,
			Status: string(m.Status),
			Amount: m.Amount,
		})
	}
	return view, nil
}

// WriteJSON writes the summary plus per-contract reconciliation reports.
func (s *Service) WriteJSON(ctx context.Context, w io.Writer) error {
	summary, err := s.Summary(ctx)
	if err != nil {
		return err
	}
	reports, err := s.engine.ReconcileAll(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"summary":   summary,
		"contracts": reports,
	})
}

// WriteCSV writes one reconciliation row per contract.
func (s *Service) WriteCSV(ctx context.Context, w io.Writer) error {
	reports, err := s.engine.ReconcileAll(ctx)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	header := []string{
		"contract_id", "contractor", "amount_fixed", "amount_paid", "status",
		"milestones_total", "milestones_verified", "milestones_paid",
		"milestones_pending", "milestones_disputed", "discrepancy",
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, r := range reports {
		row := []string{
			r.ContractID,
			r.Contractor,
			strconv.FormatFloat(r.AmountFixed, 'f', -1, 64),
			strconv.FormatFloat(r.AmountPaid, 'f', -1, 64),
			r.Status,
			strconv.Itoa(r.MilestonesTotal),
			strconv.Itoa(r.MilestonesVerified),
			strconv.Itoa(r.MilestonesPaid),
			strconv.Itoa(r.MilestonesPending),
			strconv.Itoa(r.MilestonesDisputed),
			strconv.FormatFloat(r.Discrepancy, 'f', -1, 64),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Export writes the dashboard in the given format to outputPath and emits
// a dashboard receipt recording the publication.
func (s *Service) Export(ctx context.Context, format, outputPath string) (*receipt.Receipt, error) {
	if format != FormatJSON && format != FormatCSV {
		return nil, fmt.Errorf("dashboard: unsupported format %q", format)
	}
	f, err := os.Create(outputPath)
	if err != nil {
		return nil, fmt.Errorf("dashboard: creating export: %w", err)
	}
	defer f.Close()

	if format == FormatJSON {
		err = s.WriteJSON(ctx, f)
	} else {
		err = s.WriteCSV(ctx, f)
	}
	if err != nil {
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("dashboard: closing export: %w", err)
	}

	summary, err := s.Summary(ctx)
	if err != nil {
		return nil, err
	}
	r := receipt.New(receipt.TypeDashboard, map[string]any{
		"export_format":           format,
		"output_path":             outputPath,
		"contract_count":          summary.TotalContracts,
		"total_value_usd":         summary.TotalCommitted,
		"total_paid_usd":          summary.TotalPaid,
		"contracts_over_variance": summary.ContractsOverpaid + summary.ContractsUnverified,
	})
	if _, err := s.store.Append(ctx, r); err != nil {
		return nil, fmt.Errorf("dashboard: emitting receipt: %w", err)
	}
	return r, nil
}

// WriteText renders the summary for terminals.
func (s *Service) WriteText(ctx context.Context, w io.Writer) error {
	summary, err := s.Summary(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "generated: %s\n", summary.GeneratedAt)
	fmt.Fprintf(w, "health score: %.1f%%\n", summary.HealthScore)
	fmt.Fprintf(w, "contracts: %d total, %d on track, %d overpaid, %d unverified, %d disputed\n",
		summary.TotalContracts, summary.ContractsOnTrack, summary.ContractsOverpaid,
		summary.ContractsUnverified, summary.ContractsDisputed)
	fmt.Fprintf(w, "committed: %s  paid: %s  verified: %s\n",
		FormatCurrency(summary.TotalCommitted), FormatCurrency(summary.TotalPaid),
		FormatCurrency(summary.TotalVerified))
	fmt.Fprintf(w, "waste identified: %s\n", FormatCurrency(summary.WasteIdentified))
	return nil
}

// FormatCurrency renders a dollar amount with a B/M/K suffix.
func FormatCurrency(amount float64) string {
	switch {
	case amount >= 1_000_000_000:
		return fmt.Sprintf("$%.2fB", amount/1_000_000_000)
	case amount >= 1_000_000:
		return fmt.Sprintf("$%.2fM", amount/1_000_000)
	case amount >= 1_000:
		return fmt.Sprintf("$%.2fK", amount/1_000)
	default:
		return fmt.Sprintf("$%.2f", amount)
	}
}
