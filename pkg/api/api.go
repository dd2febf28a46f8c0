// Package api is the read-only HTTP surface over the ledger. Every
// endpoint is a view derived from receipts; writes happen only through
// the registry, milestone, and payment services, never over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shieldproof-labs/shieldproof/pkg/contract"
	"github.com/shieldproof-labs/shieldproof/pkg/dashboard"
	"github.com/shieldproof-labs/shieldproof/pkg/ledger"
	"github.com/shieldproof-labs/shieldproof/pkg/receipt"
	"github.com/shieldproof-labs/shieldproof/pkg/reconcile"
)

// ContractReader lists and resolves folded contract views.
type ContractReader interface {
	Get(ctx context.Context, contractID string) (*contract.Contract, error)
	Milestones(ctx context.Context, contractID string) ([]contract.Milestone, error)
	List(ctx context.Context, filter contract.ListFilter) ([]*contract.Contract, error)
}

// PaymentReader lists payment receipts.
type PaymentReader interface {
	List(ctx context.Context, contractID string) ([]*receipt.Receipt, error)
	TotalPaid(ctx context.Context, contractID string) (float64, error)
}

// Server serves the audit read API.
type Server struct {
	log       *slog.Logger
	contracts ContractReader
	payments  PaymentReader
	engine    *reconcile.Engine
	board     *dashboard.Service
	metrics   *Metrics
	registry  *prometheus.Registry
}

func NewServer(log *slog.Logger, store ledger.Store, contracts ContractReader, payments PaymentReader, engine *reconcile.Engine, board *dashboard.Service) *Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(newLedgerCollector(store))
	return &Server{
		log:       log,
		contracts: contracts,
		payments:  payments,
		engine:    engine,
		board:     board,
		metrics:   NewMetrics(reg),
		registry:  reg,
	}
}

// Router wires the read endpoints.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/contracts", s.metrics.instrument("list_contracts", s.handleListContracts))
		r.Get("/contracts/{contractID}", s.metrics.instrument("get_contract", s.handleGetContract))
		r.Get("/contracts/{contractID}/milestones", s.metrics.instrument("get_milestones", s.handleGetMilestones))
		r.Get("/contracts/{contractID}/status", s.metrics.instrument("contract_status", s.handleContractStatus))
		r.Get("/contracts/{contractID}/variance", s.metrics.instrument("check_variance", s.handleCheckVariance))
		r.Get("/payments", s.metrics.instrument("list_payments", s.handleListPayments))
		r.Get("/reconcile", s.metrics.instrument("reconcile_all", s.handleReconcileAll))
		r.Get("/waste", s.metrics.instrument("waste_summary", s.handleWasteSummary))
		r.Get("/summary", s.metrics.instrument("summary", s.handleSummary))
	})
	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.log.InfoContext(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.code,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleListContracts(w http.ResponseWriter, r *http.Request) {
	filter := contract.ListFilter{
		Status:       contract.Status(r.URL.Query().Get("status")),
		ContractType: r.URL.Query().Get("contract_type"),
	}
	cs, err := s.contracts.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"contracts": cs, "count": len(cs)})
}

func (s *Server) handleGetContract(w http.ResponseWriter, r *http.Request) {
	c, err := s.contracts.Get(r.Context(), chi.URLParam(r, "contractID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleGetMilestones(w http.ResponseWriter, r *http.Request) {
	ms, err := s.contracts.Milestones(r.Context(), chi.URLParam(r, "contractID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"milestones": ms, "count": len(ms)})
}

func (s *Server) handleContractStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.board.ContractStatus(r.Context(), chi.URLParam(r, "contractID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCheckVariance(w http.ResponseWriter, r *http.Request) {
	v, err := s.engine.CheckVariance(r.Context(), chi.URLParam(r, "contractID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleListPayments(w http.ResponseWriter, r *http.Request) {
	payments, err := s.payments.List(r.Context(), r.URL.Query().Get("contract_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payments": payments, "count": len(payments)})
}

func (s *Server) handleReconcileAll(w http.ResponseWriter, r *http.Request) {
	reports, err := s.engine.ReconcileAll(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.metrics.ReconcileRuns.Inc()
	writeJSON(w, http.StatusOK, map[string]any{"reports": reports, "count": len(reports)})
}

func (s *Server) handleWasteSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.engine.WasteSummary(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.metrics.ReconcileRuns.Inc()
	s.metrics.WasteDollars.Set(summary.WasteIdentified)
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.board.Summary(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, contract.ErrNotFound) || errors.Is(err, ledger.ErrNotFound) {
		status = http.StatusNotFound
	}
	if status >= http.StatusInternalServerError {
		s.log.ErrorContext(r.Context(), "request failed",
			"path", r.URL.Path,
			"error", err,
			"request_id", middleware.GetReqID(r.Context()),
		)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
