package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"quantbot/internal/account"
	"quantbot/internal/ports"
	"quantbot/internal/position"
	"quantbot/internal/risk"
	"quantbot/internal/strategy"
)

// StatusProvider exposes the engine summary rendered at /status.
type StatusProvider interface {
	Status(ctx context.Context) map[string]interface{}
}

// Config holds the HTTP server settings.
type Config struct {
	Addr     string
	User     string // basic auth, empty disables auth
	Password string
}

// Server is the read-mostly operator surface: engine status, positions,
// account, recent orders, and mutation endpoints for risk limits and
// strategy toggles.
type Server struct {
	cfg        Config
	logger     ports.Logger
	status     StatusProvider
	positions  *position.Manager
	account    *account.Holder
	orderRepo  ports.OrderRepository
	riskMgr    *risk.Manager
	strategies *strategy.Engine

	httpServer *http.Server
}

// New creates the operator server.
func New(cfg Config, logger ports.Logger, status StatusProvider, positions *position.Manager,
	acct *account.Holder, orderRepo ports.OrderRepository, riskMgr *risk.Manager,
	strategies *strategy.Engine) (*Server, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("server address is required")
	}
	if logger == nil || status == nil || positions == nil || acct == nil || orderRepo == nil ||
		riskMgr == nil || strategies == nil {
		return nil, fmt.Errorf("missing required dependencies for server")
	}

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		status:     status,
		positions:  positions,
		account:    acct,
		orderRepo:  orderRepo,
		riskMgr:    riskMgr,
		strategies: strategies,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.auth(s.handleStatus))
	mux.HandleFunc("GET /positions", s.auth(s.handlePositions))
	mux.HandleFunc("GET /account", s.auth(s.handleAccount))
	mux.HandleFunc("GET /orders", s.auth(s.handleOrders))
	mux.HandleFunc("PUT /config/risk", s.auth(s.handleUpdateRisk))
	mux.HandleFunc("GET /config/strategies", s.auth(s.handleStrategies))
	mux.HandleFunc("PUT /config/strategies/{name}", s.auth(s.handleToggleStrategy))

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s, nil
}

// Start serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "Operator server listening", map[string]interface{}{"addr": s.cfg.Addr})
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("operator server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// auth wraps a handler with basic auth when credentials are configured.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	if s.cfg.User == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(s.cfg.User)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.Password)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="quantbot"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.status.Status(r.Context()))
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.positions.All())
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.account.Snapshot())
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.orderRepo.FindRecent(r.Context(), 50)
	if err != nil {
		s.logger.Error(r.Context(), err, "failed to load recent orders")
		http.Error(w, "failed to load orders", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, orders)
}

// handleUpdateRisk swaps risk limits atomically. New limits apply from the
// next evaluation tick; in-flight submissions are unaffected.
func (s *Server) handleUpdateRisk(w http.ResponseWriter, r *http.Request) {
	var limits risk.Limits
	if err := json.NewDecoder(r.Body).Decode(&limits); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if err := s.riskMgr.UpdateLimits(limits); err != nil {
		http.Error(w, fmt.Sprintf("invalid risk limits: %v", err), http.StatusUnprocessableEntity)
		return
	}
	s.account.SetMaxExposure(limits.MaxExposure)
	s.logger.Info(r.Context(), "Risk limits updated via operator API", map[string]interface{}{
		"maxExposure":   limits.MaxExposure,
		"riskPerTrade":  limits.RiskPerTrade,
		"minConfidence": limits.MinConfidence,
	})
	s.writeJSON(w, http.StatusOK, s.riskMgr.Limits())
}

func (s *Server) handleStrategies(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.strategies.Enabled())
}

// handleToggleStrategy enables or disables one registered strategy. The
// change applies from the next evaluation tick; protective stops are not
// affected by disabled strategies.
func (s *Server) handleToggleStrategy(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Enabled == nil {
		http.Error(w, "request body must be {\"enabled\": true|false}", http.StatusBadRequest)
		return
	}
	if err := s.strategies.SetEnabled(name, *body.Enabled); err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			http.Error(w, fmt.Sprintf("unknown strategy %q", name), http.StatusNotFound)
			return
		}
		http.Error(w, fmt.Sprintf("failed to toggle strategy: %v", err), http.StatusInternalServerError)
		return
	}
	s.logger.Info(r.Context(), "Strategy toggled via operator API", map[string]interface{}{
		"strategy": name,
		"enabled":  *body.Enabled,
	})
	s.writeJSON(w, http.StatusOK, s.strategies.Enabled())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn(context.Background(), "failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}
