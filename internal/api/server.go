// Package api is the engine's operational HTTP surface: health and
// cycle-status reads, a Prometheus scrape endpoint, and a small set of
// admin actions (kill-switch toggle, forced reconcile, high-water-mark
// reset). It is deliberately thin — there is no dashboard, no backtest
// orchestration, no strategy-tuning UI; those belong to a separate
// operator tool, not to the trading process itself.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/atlas-desktop/spotcycle/internal/cycle"
	"github.com/atlas-desktop/spotcycle/internal/events"
	"github.com/atlas-desktop/spotcycle/internal/reconcile"
	"github.com/atlas-desktop/spotcycle/internal/statestore"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

const maxRecentResults = 50

// Config parameterizes the ops server's bind address and kill-switch
// sentinel path.
type Config struct {
	Addr           string
	KillSwitchFile string
}

// Server is the C-series engine's ops HTTP surface.
type Server struct {
	logger     *zap.Logger
	cfg        Config
	router     *mux.Router
	httpServer *http.Server

	store      *statestore.Store
	reconciler *reconcile.Reconciler
	hub        *Hub

	mu      sync.Mutex
	results []cycle.Result
	started time.Time
}

// New builds the ops server. reg is the Prometheus gatherer for the
// registry the cycle pipeline's metrics were registered against, so /metrics serves
// the same collectors the pipeline populates.
func New(logger *zap.Logger, cfg Config, store *statestore.Store, reconciler *reconcile.Reconciler, bus *events.Bus, reg prometheus.Gatherer) *Server {
	s := &Server{
		logger:     logger.Named("api"),
		cfg:        cfg,
		router:     mux.NewRouter(),
		store:      store,
		reconciler: reconciler,
		hub:        NewHub(logger, bus),
		started:    time.Now(),
	}

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", s.hub.ServeWS)
	s.router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.router.HandleFunc("/admin/kill-switch", s.handleKillSwitch).Methods(http.MethodPost)
	s.router.HandleFunc("/admin/rebuild-positions", s.handleRebuildPositions).Methods(http.MethodPost)
	s.router.HandleFunc("/admin/reset-hwm", s.handleResetHWM).Methods(http.MethodPost)

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start begins serving in the background. Call Shutdown to stop.
func (s *Server) Start() {
	go func() {
		s.logger.Info("ops api listening", zap.String("addr", s.cfg.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("ops api stopped unexpectedly", zap.Error(err))
		}
	}()
}

// Shutdown stops the HTTP server and unsubscribes the websocket hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

// RecordResult appends a cycle result to the recent-history ring the
// status endpoint reports, called by the scheduler after every RunOnce.
func (s *Server) RecordResult(r cycle.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
	if len(s.results) > maxRecentResults {
		s.results = s.results[len(s.results)-maxRecentResults:]
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).String(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	results := append([]cycle.Result(nil), s.results...)
	s.mu.Unlock()

	snapshot := s.store.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"kill_switch_engaged": s.killSwitchEngaged(),
		"consecutive_reconcile_failures": s.reconciler.ConsecutiveFailures(),
		"high_water_mark":     snapshot.HighWaterMark.String(),
		"pnl_today":           snapshot.PnLToday.String(),
		"pnl_week":            snapshot.PnLWeek().String(),
		"trades_today":        snapshot.TradesToday,
		"open_positions":      len(snapshot.Positions),
		"recent_cycles":       results,
	})
}

func (s *Server) killSwitchEngaged() bool {
	if s.cfg.KillSwitchFile == "" {
		return false
	}
	_, err := os.Stat(s.cfg.KillSwitchFile)
	return err == nil
}

// handleKillSwitch toggles the kill-switch sentinel file. Body:
// {"active": true|false}.
func (s *Server) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	if s.cfg.KillSwitchFile == "" {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "no kill switch file configured"})
		return
	}

	var err error
	if body.Active {
		err = os.WriteFile(s.cfg.KillSwitchFile, []byte("engaged via ops api\n"), 0o644)
	} else {
		err = os.Remove(s.cfg.KillSwitchFile)
		if os.IsNotExist(err) {
			err = nil
		}
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	s.store.RecordEvent("kill_switch_toggled_via_api", fmt.Sprintf("active=%v", body.Active))
	writeJSON(w, http.StatusOK, map[string]any{"active": body.Active})
}

// handleRebuildPositions forces an out-of-cycle reconcile, the ops
// escape hatch for a local position ledger that has drifted from the
// exchange's authoritative view.
func (s *Server) handleRebuildPositions(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	snapshot, err := s.reconciler.Reconcile(ctx, time.Now())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account_value_usd": snapshot.AccountValueUSD.String(),
		"open_positions":     len(snapshot.Positions),
		"max_drawdown_pct":   snapshot.MaxDrawdownPct.String(),
	})
}

// handleResetHWM forces the high-water mark to the reconciler's
// current account value, clearing a stale drawdown baseline (e.g.
// after a deliberate capital withdrawal).
func (s *Server) handleResetHWM(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	snapshot, err := s.reconciler.Reconcile(ctx, time.Now())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	s.store.ResetHighWaterMark(snapshot.AccountValueUSD)
	if err := s.store.Save(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"high_water_mark": snapshot.AccountValueUSD.String()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func marshalEvent(event events.Event) ([]byte, error) {
	return json.Marshal(event)
}
