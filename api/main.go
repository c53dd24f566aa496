package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/DeafMist/indication-mapper/backend/internal/bootstrap"
	"github.com/DeafMist/indication-mapper/backend/internal/config"
	"github.com/DeafMist/indication-mapper/backend/internal/logger"
	"github.com/DeafMist/indication-mapper/backend/internal/models"
	"github.com/DeafMist/indication-mapper/backend/internal/store"
)

// healthChecker is implemented by backends with a richer check than Ping.
type healthChecker interface {
	Health(ctx context.Context) error
}

type mappingSearcher interface {
	SearchMappings(ctx context.Context, drug string, q models.MappingQuery) (*models.MappingPage, error)
	GetMapping(ctx context.Context, drug, id string) (*models.Mapping, error)
	Ping(ctx context.Context) error
}

func main() {
	log := logger.New("api")
	cfg, err := config.LoadAPI()
	if err != nil {
		log.Error("load config", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	backend, err := bootstrap.OpenStore(ctx, cfg.Common, log, bootstrap.DefaultRetry)
	if err != nil {
		log.Error("open store", slog.Any("err", err))
		os.Exit(1)
	}
	defer backend.Close()

	srv := &server{
		log:     log,
		cfg:     cfg,
		store:   newCachedStore(backend, cfg.CacheSize, cfg.CacheTTL),
		limiter: newIPLimiter(cfg.RateLimit, cfg.RateWindow),
	}
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	go func() {
		log.Info("api server starting", slog.String("addr", cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server stopped", slog.Any("err", err))
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown", slog.Any("err", err))
	}
}

type server struct {
	log     *slog.Logger
	cfg     *config.API
	store   mappingSearcher
	limiter *ipLimiter
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Group(func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.middleware)
		}
		r.Get("/drugs/{drug}/mappings", s.handleMappings)
		r.Get("/drugs/{drug}/mappings/{id}", s.handleMapping)
	})
	return r
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	check := s.store.Ping
	if hc, ok := s.store.(healthChecker); ok {
		check = hc.Health
	}

	if err := check(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleMappings(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	drug := strings.TrimSpace(chi.URLParam(r, "drug"))
	if drug == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "drug is required"})
		return
	}

	params := r.URL.Query()
	q := models.MappingQuery{
		Indication: strings.TrimSpace(params.Get("indication")),
		ICD10Code:  strings.TrimSpace(params.Get("icd10code")),
		From:       clampInt(params.Get("from"), 0, 10_000),
		Size:       clampInt(params.Get("size"), s.cfg.DefaultPage, s.cfg.MaxPage),
	}

	page, err := s.store.SearchMappings(ctx, drug, q)
	if err != nil {
		if errors.Is(err, store.ErrDrugNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "no mappings found for drug " + drug})
			return
		}
		s.log.Error("search mappings", slog.String("drug", drug), slog.Any("err", err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "search failed"})
		return
	}

	if page.Items == nil {
		page = &models.MappingPage{Total: page.Total, Items: []models.Mapping{}}
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *server) handleMapping(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	drug := strings.TrimSpace(chi.URLParam(r, "drug"))
	id := strings.TrimSpace(chi.URLParam(r, "id"))

	m, err := s.store.GetMapping(ctx, drug, id)
	switch {
	case errors.Is(err, store.ErrDrugNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no mappings found for drug " + drug})
		return
	case errors.Is(err, store.ErrMappingNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "mapping " + id + " not found"})
		return
	case err != nil:
		s.log.Error("get mapping", slog.String("drug", drug), slog.String("id", id), slog.Any("err", err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "lookup failed"})
		return
	}

	writeJSON(w, http.StatusOK, m)
}

func clampInt(raw string, fallback, max int) int {
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	if value <= 0 {
		return fallback
	}
	if value > max {
		return max
	}
	return value
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
