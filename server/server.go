// Package server exposes the escrow synchronization API over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"escrowsync/dispute"
	"escrowsync/engine"
	"escrowsync/escrow"
	"escrowsync/middleware"
	"escrowsync/recon"
	"escrowsync/store"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	DB         *gorm.DB
	Store      *store.Store
	Engine     *engine.Engine
	Reconciler *recon.Reconciler
	Disputes   *dispute.Coordinator
	Logger     *slog.Logger
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	db         *gorm.DB
	store      *store.Store
	engine     *engine.Engine
	reconciler *recon.Reconciler
	disputes   *dispute.Coordinator
	logger     *slog.Logger

	router http.Handler
}

// New constructs a configured HTTP router with idempotency support.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		db:         cfg.DB,
		store:      cfg.Store,
		engine:     cfg.Engine,
		reconciler: cfg.Reconciler,
		disputes:   cfg.Disputes,
		logger:     logger,
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(func(next http.Handler) http.Handler { return middleware.WithIdempotency(s.db, next) })

	r.Get("/healthz", s.Healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Post("/orders", s.CreateOrder)
		api.Get("/orders/{id}", s.GetOrder)

		api.Route("/escrow", func(esc chi.Router) {
			esc.Post("/transactions", s.LogTransaction)
			esc.Post("/disputes/{id}/resolve", s.ResolveDispute)

			esc.Route("/{orderID}", func(order chi.Router) {
				order.Get("/milestones", s.ListMilestones)
				order.Get("/transactions", s.ListTransactions)
				order.Get("/disputes", s.ListDisputes)
				order.Post("/sync", s.SyncOrder)
				order.Post("/disputes", s.RaiseDispute)
				order.Post("/refund", s.RefundOrder)
				order.Post("/milestones/{index}/submit", s.SubmitMilestone)
				order.Post("/milestones/{index}/approve", s.ApproveMilestone)
			})
		})
	})
	return r
}

// Healthz reports liveness and database reachability.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(r.Context())
	}
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createOrderRequest struct {
	ClientAddress  string `json:"clientAddress"`
	BuilderAddress string `json:"builderAddress"`
	Budget         string `json:"budget"`
	Milestones     []struct {
		Title            string `json:"title"`
		Amount           string `json:"amount"`
		ApprovalDeadline int64  `json:"approvalDeadline,omitempty"`
	} `json:"milestones"`
}

// CreateOrder registers an order and its milestone schedule.
func (s *Server) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	specs := make([]store.MilestoneSpec, 0, len(req.Milestones))
	for _, m := range req.Milestones {
		specs = append(specs, store.MilestoneSpec{
			Title:            m.Title,
			Amount:           m.Amount,
			ApprovalDeadline: m.ApprovalDeadline,
		})
	}
	order, err := s.store.CreateOrder(r.Context(), req.ClientAddress, req.BuilderAddress, req.Budget, specs)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, order)
}

// GetOrder returns the order with its milestones.
func (s *Server) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathUUID(w, r, "id")
	if !ok {
		return
	}
	order, err := s.store.GetOrder(r.Context(), id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, order)
}

// ListMilestones returns the order's milestones in index order.
func (s *Server) ListMilestones(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathUUID(w, r, "orderID")
	if !ok {
		return
	}
	milestones, err := s.store.MilestonesForOrder(r.Context(), id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, milestones)
}

// ListTransactions returns the order's ledger entries, oldest first.
func (s *Server) ListTransactions(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathUUID(w, r, "orderID")
	if !ok {
		return
	}
	txs, err := s.store.TransactionsForOrder(r.Context(), id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, txs)
}

// ListDisputes returns the order's disputes, newest first.
func (s *Server) ListDisputes(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathUUID(w, r, "orderID")
	if !ok {
		return
	}
	disputes, err := s.store.DisputesForOrder(r.Context(), id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, disputes)
}

// SyncOrder reconciles the order against authoritative chain state.
func (s *Server) SyncOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathUUID(w, r, "orderID")
	if !ok {
		return
	}
	result, err := s.reconciler.Sync(r.Context(), id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

type logTransactionRequest struct {
	OrderID        uuid.UUID `json:"orderId"`
	Type           string    `json:"type"`
	MilestoneIndex *uint32   `json:"milestoneIndex,omitempty"`
	Amount         string    `json:"amount,omitempty"`
	TxHash         string    `json:"txHash"`
	FromAddress    string    `json:"fromAddress,omitempty"`
	ToAddress      string    `json:"toAddress,omitempty"`
}

// LogTransaction records a transaction broadcast outside this service, for
// example from the client's browser wallet. The entry starts pending and is
// settled by the sync service.
func (s *Server) LogTransaction(w http.ResponseWriter, r *http.Request) {
	var req logTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	txType, err := escrow.ParseTransactionType(req.Type)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entry, err := s.store.RecordTransaction(r.Context(), store.TransactionRecord{
		OrderID:        req.OrderID,
		Type:           txType,
		MilestoneIndex: req.MilestoneIndex,
		Amount:         req.Amount,
		TxHash:         req.TxHash,
		FromAddress:    req.FromAddress,
		ToAddress:      req.ToAddress,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, entry)
}

// SubmitMilestone executes the builder's milestone submission.
func (s *Server) SubmitMilestone(w http.ResponseWriter, r *http.Request) {
	id, index, ok := s.pathMilestone(w, r)
	if !ok {
		return
	}
	entry, err := s.engine.Submit(r.Context(), id, index)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entry)
}

// ApproveMilestone executes the client's approval, releasing the milestone
// amount on confirmation.
func (s *Server) ApproveMilestone(w http.ResponseWriter, r *http.Request) {
	id, index, ok := s.pathMilestone(w, r)
	if !ok {
		return
	}
	entry, err := s.engine.Approve(r.Context(), id, index)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entry)
}

// RefundOrder broadcasts a refund of the unreleased balance.
func (s *Server) RefundOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathUUID(w, r, "orderID")
	if !ok {
		return
	}
	entry, err := s.engine.Refund(r.Context(), id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entry)
}

type raiseDisputeRequest struct {
	Reason        string `json:"reason"`
	Description   string `json:"description,omitempty"`
	InitiatedBy   string `json:"initiatedBy"`
	InitiatorType string `json:"initiatorType"`
}

// RaiseDispute opens a dispute and freezes the order.
func (s *Server) RaiseDispute(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathUUID(w, r, "orderID")
	if !ok {
		return
	}
	var req raiseDisputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	initiator, err := escrow.ParseInitiatorType(req.InitiatorType)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Reason == "" {
		s.writeError(w, http.StatusBadRequest, "reason is required")
		return
	}
	d, err := s.disputes.Raise(r.Context(), id, dispute.RaiseRequest{
		Reason:        req.Reason,
		Description:   req.Description,
		InitiatedBy:   req.InitiatedBy,
		InitiatorType: initiator,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, d)
}

type resolveDisputeRequest struct {
	Outcome string `json:"outcome"`
}

// ResolveDispute closes an open dispute and unfreezes the order.
func (s *Server) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req resolveDisputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if req.Outcome == "" {
		s.writeError(w, http.StatusBadRequest, "outcome is required")
		return
	}
	d, err := s.disputes.Resolve(r.Context(), id, req.Outcome)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) pathMilestone(w http.ResponseWriter, r *http.Request) (uuid.UUID, uint32, bool) {
	id, ok := s.pathUUID(w, r, "orderID")
	if !ok {
		return uuid.Nil, 0, false
	}
	index, err := strconv.ParseUint(chi.URLParam(r, "index"), 10, 32)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid milestone index")
		return uuid.Nil, 0, false
	}
	return id, uint32(index), true
}

// respondError maps domain errors onto HTTP status codes.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, escrow.ErrStaleTransition),
		errors.Is(err, escrow.ErrInvalidTransition),
		errors.Is(err, escrow.ErrOrderFrozen),
		errors.Is(err, escrow.ErrDisputeAlreadyOpen),
		errors.Is(err, escrow.ErrSyncConflict):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, escrow.ErrSignerUnavailable):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, escrow.ErrConfirmationTimeout):
		s.writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, escrow.ErrChainUnreachable),
		errors.Is(err, escrow.ErrTransactionRejected),
		errors.Is(err, escrow.ErrChain):
		s.writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.logger.Error("request failed", "err", err)
		s.writeError(w, http.StatusBadRequest, err.Error())
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
