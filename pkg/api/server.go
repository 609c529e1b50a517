package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"reputation_consensus/pkg/arbitration"
	"reputation_consensus/pkg/compensation"
	"reputation_consensus/pkg/config"
	"reputation_consensus/pkg/consensus"
	"reputation_consensus/pkg/data"
	"reputation_consensus/pkg/fraud"
	"reputation_consensus/pkg/security"
	"reputation_consensus/pkg/trust"
)

// Server exposes the node's read surface plus the authenticated ballot
// endpoint for arbitration body members. It is a query and arbitration
// surface only: sessions and votes flow exclusively over gossip.
type Server struct {
	cfg        config.APIConfig
	engine     *consensus.Engine
	ledger     *fraud.Ledger
	arbitrator *arbitration.Arbitrator
	allocator  *compensation.Allocator
	graph      *trust.Graph
	tokens     *security.TokenManager
	logger     *zap.Logger
	httpServer *http.Server
}

// NewServer builds the HTTP server and its routes.
func NewServer(cfg config.APIConfig, engine *consensus.Engine, ledger *fraud.Ledger, arbitrator *arbitration.Arbitrator, allocator *compensation.Allocator, graph *trust.Graph, tokens *security.TokenManager, registry *prometheus.Registry, logger *zap.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		engine:     engine,
		ledger:     ledger,
		arbitrator: arbitrator,
		allocator:  allocator,
		graph:      graph,
		tokens:     tokens,
		logger:     logger,
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if registry != nil {
		router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/sessions/{txID}", s.handleGetSession).Methods(http.MethodGet)
	v1.HandleFunc("/fraud/{address}", s.handleGetFraudHistory).Methods(http.MethodGet)
	v1.HandleFunc("/accountability/{address}", s.handleGetAccountability).Methods(http.MethodGet)
	v1.HandleFunc("/disputes/{txID}", s.handleGetDispute).Methods(http.MethodGet)
	v1.HandleFunc("/disputes/{txID}/ballots", s.requireToken(s.handleSubmitBallot)).Methods(http.MethodPost)
	v1.HandleFunc("/blocks/allocations", s.handleAllocateBlock).Methods(http.MethodPost)
	v1.HandleFunc("/blocks/allocations/verify", s.handleVerifyBlock).Methods(http.MethodPost)
	v1.HandleFunc("/trust/{address}", s.requireToken(s.handleSetTrustEdge)).Methods(http.MethodPut)
	v1.HandleFunc("/trust/{address}", s.requireToken(s.handleRemoveTrustEdge)).Methods(http.MethodDelete)
	v1.HandleFunc("/trust/{address}", s.requireToken(s.handleGetTrustPath)).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the underlying HTTP handler, used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.logger.Info("Starting API server", zap.String("addr", s.cfg.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop drains in-flight requests and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	txID := mux.Vars(r)["txID"]
	session, err := s.engine.Session(r.Context(), txID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	s.writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleGetFraudHistory(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	records, err := s.ledger.History(r.Context(), address)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "listing fraud records failed")
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleGetAccountability(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	accountability, err := s.ledger.Accountability(r.Context(), address)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "loading accountability failed")
		return
	}
	s.writeJSON(w, http.StatusOK, accountability)
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	txID := mux.Vars(r)["txID"]
	dispute, err := s.arbitrator.Dispute(r.Context(), txID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "dispute not found")
		return
	}
	s.writeJSON(w, http.StatusOK, dispute)
}

type ballotRequest struct {
	Accept bool `json:"accept"`
}

func (s *Server) handleSubmitBallot(w http.ResponseWriter, r *http.Request) {
	txID := mux.Vars(r)["txID"]
	memberAddress := memberFromContext(r.Context())

	req := ballotRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := s.arbitrator.SubmitBallot(r.Context(), txID, memberAddress, req.Accept)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
	case errors.Is(err, arbitration.ErrDisputeNotFound):
		s.writeError(w, http.StatusNotFound, "dispute not found")
	case errors.Is(err, arbitration.ErrDisputeResolved):
		s.writeError(w, http.StatusConflict, "dispute already resolved")
	case errors.Is(err, arbitration.ErrNotBodyMember):
		s.writeError(w, http.StatusForbidden, "not an arbitration body member")
	case errors.Is(err, arbitration.ErrDuplicateBallot):
		s.writeError(w, http.StatusConflict, "ballot already submitted")
	default:
		s.logger.Error("Ballot submission failed",
			zap.String("txID", txID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "ballot submission failed")
	}
}

type allocateBlockRequest struct {
	Height          int64                `json:"height"`
	ProducerAddress string               `json:"producer_address"`
	BlockReward     float64              `json:"block_reward"`
	Fees            []compensation.TxFee `json:"fees"`
}

type verifyBlockRequest struct {
	Claimed *compensation.BlockCompensation `json:"claimed"`
	Fees    []compensation.TxFee            `json:"fees"`
}

// loadSessions resolves every fee's validation session so the allocator can
// attribute validator shares.
func (s *Server) loadSessions(r *http.Request, fees []compensation.TxFee) (map[string]*data.ValidationSession, error) {
	sessions := make(map[string]*data.ValidationSession, len(fees))
	for _, fee := range fees {
		session, err := s.engine.Session(r.Context(), fee.TxID)
		if err != nil {
			return nil, err
		}
		sessions[fee.TxID] = session
	}
	return sessions, nil
}

func (s *Server) handleAllocateBlock(w http.ResponseWriter, r *http.Request) {
	req := allocateBlockRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sessions, err := s.loadSessions(r, req.Fees)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "no session for transaction fee")
		return
	}

	block, err := s.allocator.AllocateBlock(req.Height, req.ProducerAddress, req.BlockReward, req.Fees, sessions)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, block)
}

func (s *Server) handleVerifyBlock(w http.ResponseWriter, r *http.Request) {
	req := verifyBlockRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Claimed == nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sessions, err := s.loadSessions(r, req.Fees)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "no session for transaction fee")
		return
	}

	if err := s.allocator.VerifyBlockPayments(req.Claimed, req.Fees, sessions); err != nil {
		if errors.Is(err, compensation.ErrPaymentMismatch) {
			s.writeJSON(w, http.StatusConflict, map[string]string{
				"status": "mismatch",
				"detail": err.Error(),
			})
			return
		}
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "valid"})
}

type trustEdgeRequest struct {
	Weight float64 `json:"weight"`
}

// handleSetTrustEdge records a web-of-trust attestation from the
// authenticated member to the subject address.
func (s *Server) handleSetTrustEdge(w http.ResponseWriter, r *http.Request) {
	subject := mux.Vars(r)["address"]
	member := memberFromContext(r.Context())

	req := trustEdgeRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.graph.SetEdge(member, subject, req.Weight)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (s *Server) handleRemoveTrustEdge(w http.ResponseWriter, r *http.Request) {
	subject := mux.Vars(r)["address"]
	member := memberFromContext(r.Context())
	s.graph.RemoveEdge(member, subject)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleGetTrustPath(w http.ResponseWriter, r *http.Request) {
	subject := mux.Vars(r)["address"]
	member := memberFromContext(r.Context())
	s.writeJSON(w, http.StatusOK, s.graph.PathExcerpt(member, subject))
}

type contextKey string

const memberContextKey contextKey = "member_address"

func memberFromContext(ctx context.Context) string {
	member, _ := ctx.Value(memberContextKey).(string)
	return member
}

// requireToken authenticates the bearer token and injects the member
// address it authorizes.
func (s *Server) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			s.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		member, err := s.tokens.Validate(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), memberContextKey, member)
		next(w, r.WithContext(ctx))
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("Writing response failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
