// Package server exposes the engine over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/stratlab-hq/stratlab/internal/backtest"
	"github.com/stratlab-hq/stratlab/internal/config"
	"github.com/stratlab-hq/stratlab/internal/datasource"
	"github.com/stratlab-hq/stratlab/internal/indicator"
	"github.com/stratlab-hq/stratlab/internal/logger"
	"github.com/stratlab-hq/stratlab/internal/market"
	"github.com/stratlab-hq/stratlab/internal/montecarlo"
	"github.com/stratlab-hq/stratlab/internal/store"
	"github.com/stratlab-hq/stratlab/internal/strategy"
	"github.com/stratlab-hq/stratlab/internal/types"
	"go.uber.org/zap"
)

type Server struct {
	cfg        *config.Config
	store      *store.Store
	source     datasource.Provider
	driver     *backtest.Driver
	mc         *montecarlo.Engine
	indicators indicator.Registry
	validate   *validator.Validate
	log        *logger.Logger
	httpServer *http.Server
}

func New(cfg *config.Config, st *store.Store, source datasource.Provider, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewNopLogger()
	}

	s := &Server{
		cfg:        cfg,
		store:      st,
		source:     source,
		mc:         montecarlo.NewEngine(log, cfg.Engine.Workers),
		indicators: indicator.NewRegistry(),
		validate:   validator.New(),
		log:        log,
	}

	s.driver = backtest.NewDriver(source, log,
		backtest.WithWorkers(cfg.Engine.Workers),
		backtest.WithRecorder(st),
	)

	router := mux.NewRouter()
	router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")
	router.HandleFunc("/api/v1/indicators", s.handleIndicators).Methods("GET")
	router.HandleFunc("/api/v1/strategies", s.handleListStrategies).Methods("GET")
	router.HandleFunc("/api/v1/strategies", s.handleCreateStrategy).Methods("POST")
	router.HandleFunc("/api/v1/strategies/{id}", s.handleUpdateStrategy).Methods("PUT")
	router.HandleFunc("/api/v1/strategies/{id}", s.handleDeleteStrategy).Methods("DELETE")
	router.HandleFunc("/api/v1/backtest", s.handleBacktest).Methods("POST")
	router.HandleFunc("/api/v1/montecarlo", s.handleMonteCarlo).Methods("POST")
	router.HandleFunc("/api/v1/runs", s.handleListRuns).Methods("GET")
	router.HandleFunc("/api/v1/runs", s.handleClearRuns).Methods("DELETE")
	router.HandleFunc("/api/v1/runs/{id}", s.handleGetRun).Methods("GET")
	router.HandleFunc("/api/v1/settings", s.handleGetSettings).Methods("GET")
	router.HandleFunc("/api/v1/settings", s.handlePutSettings).Methods("PUT")
	router.HandleFunc("/api/v1/settings/schema", s.handleSettingsSchema).Methods("GET")

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("http server listening", zap.String("addr", s.httpServer.Addr))

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("failed to encode response", zap.Error(err))
	}
}

// writeError maps the error taxonomy onto status codes. Strategy errors are
// the user's problem; everything unrecognized is a service error.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		vErr    *types.ValidationError
		initErr *types.InitError
		runErr  *types.RunError
	)

	status := http.StatusInternalServerError

	switch {
	case errors.As(err, &vErr):
		status = http.StatusBadRequest
	case errors.As(err, &initErr), errors.As(err, &runErr):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, types.ErrDataUnavailable), errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrDuplicateName):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
	}

	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})

		return false
	}

	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleIndicators(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"indicators": s.indicators.List()})
}

func (s *Server) handleListStrategies(w http.ResponseWriter, r *http.Request) {
	strategies, err := s.store.Strategies(r.Context())
	if err != nil {
		s.writeError(w, err)

		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"strategies": strategies})
}

type strategyRequest struct {
	Name string `json:"name"`
	Code string `json:"code"`
}

func (s *Server) handleCreateStrategy(w http.ResponseWriter, r *http.Request) {
	var req strategyRequest
	if !s.decode(w, r, &req) {
		return
	}

	if req.Name == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})

		return
	}

	if _, err := strategy.Validate(req.Code); err != nil {
		s.writeError(w, err)

		return
	}

	st, err := s.store.CreateStrategy(r.Context(), req.Name, req.Code)
	if err != nil {
		s.writeError(w, err)

		return
	}

	s.writeJSON(w, http.StatusCreated, st)
}

func (s *Server) handleUpdateStrategy(w http.ResponseWriter, r *http.Request) {
	var req strategyRequest
	if !s.decode(w, r, &req) {
		return
	}

	// Code changes are re-validated; an empty code leaves it untouched.
	if req.Code != "" {
		if _, err := strategy.Validate(req.Code); err != nil {
			s.writeError(w, err)

			return
		}
	}

	st, err := s.store.UpdateStrategy(r.Context(), mux.Vars(r)["id"], req.Name, req.Code)
	if err != nil {
		s.writeError(w, err)

		return
	}

	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleDeleteStrategy(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteStrategy(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, err)

		return
	}

	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type backtestRequest struct {
	StrategyID string   `json:"strategy_id"`
	Symbols    []string `json:"symbols"`
	StartDate  string   `json:"start_date"`
	EndDate    string   `json:"end_date"`
	TrainPct   float64  `json:"train_pct,omitempty"`
}

func (s *Server) handleBacktest(w http.ResponseWriter, r *http.Request) {
	var req backtestRequest
	if !s.decode(w, r, &req) {
		return
	}

	st, err := s.store.GetStrategy(r.Context(), req.StrategyID)
	if err != nil {
		s.writeError(w, err)

		return
	}

	settings, err := s.store.GetSettings(r.Context())
	if err != nil {
		s.writeError(w, err)

		return
	}

	record, err := s.driver.Run(r.Context(), backtest.Request{
		Strategy:  *st,
		Symbols:   req.Symbols,
		StartDate: req.StartDate,
		EndDate:   req.EndDate,
		TrainPct:  req.TrainPct,
		Settings:  settings,
	})
	if err != nil && record == nil {
		s.writeError(w, err)

		return
	}

	if err != nil {
		// The run finished but could not be persisted.
		s.log.Error("run persisted with errors", zap.Error(err))
	}

	s.writeJSON(w, http.StatusOK, record)
}

type montecarloRequest struct {
	StrategyID string `json:"strategy_id"`
	Symbol     string `json:"symbol"`
	StartDate  string `json:"start_date"`
	EndDate    string `json:"end_date"`
	NSims      int    `json:"n_sims"`
	Horizon    int    `json:"horizon"`
	Seed       int64  `json:"seed,omitempty"`
}

func (s *Server) handleMonteCarlo(w http.ResponseWriter, r *http.Request) {
	var req montecarloRequest
	if !s.decode(w, r, &req) {
		return
	}

	st, err := s.store.GetStrategy(r.Context(), req.StrategyID)
	if err != nil {
		s.writeError(w, err)

		return
	}

	settings, err := s.store.GetSettings(r.Context())
	if err != nil {
		s.writeError(w, err)

		return
	}

	candles, err := s.source.Candles(r.Context(), req.Symbol, req.StartDate, req.EndDate)
	if err != nil {
		s.writeError(w, err)

		return
	}

	stock, err := market.NewStock(req.Symbol, candles)
	if err != nil {
		s.writeError(w, err)

		return
	}

	result, err := s.mc.Run(r.Context(), stock, montecarlo.Request{
		Code:     st.Code,
		NSims:    req.NSims,
		Horizon:  req.Horizon,
		Settings: settings,
		Seed:     req.Seed,
	})
	if err != nil {
		s.writeError(w, err)

		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns(r.Context())
	if err != nil {
		s.writeError(w, err)

		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	record, err := s.store.GetRun(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)

		return
	}

	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleClearRuns(w http.ResponseWriter, r *http.Request) {
	if err := s.store.ClearRuns(r.Context()); err != nil {
		s.writeError(w, err)

		return
	}

	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.GetSettings(r.Context())
	if err != nil {
		s.writeError(w, err)

		return
	}

	s.writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	settings := types.DefaultSettings()
	if !s.decode(w, r, &settings) {
		return
	}

	if err := s.validate.Struct(settings); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})

		return
	}

	if err := s.store.SaveSettings(r.Context(), settings); err != nil {
		s.writeError(w, err)

		return
	}

	s.writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleSettingsSchema(w http.ResponseWriter, _ *http.Request) {
	schema, err := config.SettingsSchema()
	if err != nil {
		s.writeError(w, err)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(schema))
}
