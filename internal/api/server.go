// Package api serves the operational HTTP surface: health, metrics,
// account views and the kill switch toggle.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Forzadelricondizionato/FinDashPro3/internal/domain"
	"github.com/Forzadelricondizionato/FinDashPro3/internal/engine"
	"github.com/Forzadelricondizionato/FinDashPro3/internal/infra"
	"github.com/Forzadelricondizionato/FinDashPro3/internal/ratelimit"
	"github.com/Forzadelricondizionato/FinDashPro3/internal/service"
)

const (
	checkTimeout    = 3 * time.Second
	shutdownTimeout = 10 * time.Second
)

// Pinger checks the database.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Switch is the kill switch as seen by the API.
type Switch interface {
	Status() engine.KillSwitchStatus
	Activate() error
	Deactivate() error
}

// Budget reports today's spend.
type Budget interface {
	Status() ratelimit.BudgetStatus
}

// Marks lists the latest quotes.
type Marks interface {
	All() []service.Mark
}

// History reads the order ledger and the dead-letter log.
type History interface {
	ListOrders(ctx context.Context, limit int) ([]domain.OrderRecord, error)
	DeadLetters(ctx context.Context, stream string, limit int) ([]domain.DeadLetter, error)
}

// Deps are the collaborators behind the endpoints. Nil Marks, History and
// Audit are allowed.
type Deps struct {
	DB         Pinger
	Broker     domain.Broker
	KillSwitch Switch
	Budget     Budget
	Metrics    *infra.Metrics
	Marks      Marks
	Audit      engine.AuditLog
	History    History
	Stream     string // Pipeline stream whose dead letters are listed.
}

// Server is the HTTP API.
type Server struct {
	deps    Deps
	token   string
	addr    string
	started time.Time
	handler http.Handler
}

// NewServer creates a Server. Mutating endpoints require token as a
// bearer credential.
func NewServer(addr, token string, deps Deps) *Server {
	s := &Server{deps: deps, token: token, addr: addr, started: time.Now()}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}
	mux.HandleFunc("GET /account", s.handleAccount)
	mux.HandleFunc("GET /positions", s.handlePositions)
	mux.HandleFunc("GET /budget", s.handleBudget)
	mux.HandleFunc("GET /quotes", s.handleQuotes)
	if s.deps.History != nil {
		mux.HandleFunc("GET /orders", s.handleOrders)
		mux.HandleFunc("GET /dead_letters", s.handleDeadLetters)
	}

	mux.Handle("GET /killswitch", s.authMiddleware(http.HandlerFunc(s.handleKillSwitchStatus)))
	mux.Handle("POST /killswitch", s.authMiddleware(http.HandlerFunc(s.handleKillSwitchActivate)))
	mux.Handle("DELETE /killswitch", s.authMiddleware(http.HandlerFunc(s.handleKillSwitchDeactivate)))

	s.handler = s.requestIDMiddleware(mux)
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is done, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("api listening", slog.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get("X-Request-Id")
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", rid)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			respondError(w, http.StatusUnauthorized, "auth not configured")
			return
		}
		parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			respondError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.token)) != 1 {
			respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type healthResponse struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
	OpenCircuits  []string          `json:"open_circuits,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	resp := healthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Checks:        map[string]string{},
	}

	if s.deps.DB != nil {
		if err := s.deps.DB.Ping(ctx); err != nil {
			resp.Checks["database"] = err.Error()
			resp.Status = "degraded"
		} else {
			resp.Checks["database"] = "ok"
		}
	}
	if s.deps.Broker != nil {
		if s.deps.Broker.IsConnected() {
			resp.Checks["broker"] = "ok"
		} else {
			resp.Checks["broker"] = "disconnected"
			resp.Status = "degraded"
		}
	}
	if s.deps.KillSwitch != nil && s.deps.KillSwitch.Status().Active {
		resp.Checks["kill_switch"] = "active"
	}
	if s.deps.Metrics != nil {
		resp.OpenCircuits = s.deps.Metrics.Snapshot().OpenCircuits
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, resp)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.deps.Broker.GetAccountSummary(r.Context())
	if err != nil {
		slog.Error("account summary failed", slog.Any("error", err))
		respondError(w, http.StatusBadGateway, "broker unavailable")
		return
	}
	respondJSON(w, http.StatusOK, acct)
}

type positionView struct {
	domain.Position
	MarketValue   string `json:"market_value"`
	UnrealizedPnL string `json:"unrealized_pnl"`
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.deps.Broker.GetPositions(r.Context())
	if err != nil {
		slog.Error("positions failed", slog.Any("error", err))
		respondError(w, http.StatusBadGateway, "broker unavailable")
		return
	}
	out := make([]positionView, 0, len(positions))
	for _, p := range positions {
		out = append(out, positionView{
			Position:      p,
			MarketValue:   p.MarketValue().String(),
			UnrealizedPnL: p.UnrealizedPnL().String(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstrumentID < out[j].InstrumentID })
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleBudget(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.Budget.Status())
}

func (s *Server) handleQuotes(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Marks == nil {
		respondJSON(w, http.StatusOK, []service.Mark{})
		return
	}
	respondJSON(w, http.StatusOK, s.deps.Marks.All())
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.deps.History.ListOrders(r.Context(), listLimit(r))
	if err != nil {
		slog.Error("list orders failed", slog.Any("error", err))
		respondError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	respondJSON(w, http.StatusOK, orders)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	letters, err := s.deps.History.DeadLetters(r.Context(), s.deps.Stream, listLimit(r))
	if err != nil {
		slog.Error("list dead letters failed", slog.Any("error", err))
		respondError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	respondJSON(w, http.StatusOK, letters)
}

// listLimit reads ?limit=, defaulting to 50 and capped at 500.
func listLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return 50
	}
	return min(n, 500)
}

func (s *Server) handleKillSwitchStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.KillSwitch.Status())
}

func (s *Server) handleKillSwitchActivate(w http.ResponseWriter, r *http.Request) {
	s.toggleKillSwitch(w, r, "activate", s.deps.KillSwitch.Activate)
}

func (s *Server) handleKillSwitchDeactivate(w http.ResponseWriter, r *http.Request) {
	s.toggleKillSwitch(w, r, "deactivate", s.deps.KillSwitch.Deactivate)
}

func (s *Server) toggleKillSwitch(w http.ResponseWriter, r *http.Request, action string, fn func() error) {
	if err := fn(); err != nil {
		slog.Error("kill switch toggle failed", slog.String("action", action), slog.Any("error", err))
		respondError(w, http.StatusInternalServerError, "kill switch unavailable")
		return
	}
	if s.deps.Audit != nil {
		details := map[string]string{"request_id": w.Header().Get("X-Request-Id"), "remote": r.RemoteAddr}
		if err := s.deps.Audit.AppendAudit(r.Context(), "kill_switch", "", action, details); err != nil {
			slog.Warn("kill switch audit failed", slog.Any("error", err))
		}
	}
	respondJSON(w, http.StatusOK, s.deps.KillSwitch.Status())
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response encode failed", slog.Any("error", err))
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
