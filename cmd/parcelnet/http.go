package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"parcelnet/internal/config"
	"parcelnet/internal/domain"
	"parcelnet/internal/metrics"
	"parcelnet/internal/orchestrator"
	"parcelnet/internal/policy"
)

// simulation is the part of the orchestrator the HTTP surface reads.
type simulation interface {
	Couriers() []policy.Candidate
	CourierStates() []domain.CourierStatus
	Queued() []domain.Parcel
	Summary(ctx context.Context) (map[domain.ParcelStatus]int, error)
	Parcel(ctx context.Context, parcelID string) (orchestrator.ParcelView, error)
	Order(urgency domain.Urgency, destination string) (string, error)
	Gatherer() prometheus.Gatherer
}

type server struct {
	cfg    config.Config
	sim    simulation
	logger *zap.Logger
}

func newServer(cfg config.Config, sim simulation, logger *zap.Logger) *server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &server{cfg: cfg, sim: sim, logger: logger}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/config", s.handleConfig)
	mux.Handle("/metrics", metrics.Handler(s.sim.Gatherer()))
	mux.HandleFunc("/couriers", s.handleCouriers)
	mux.HandleFunc("/parcels", s.handleParcels)
	mux.HandleFunc("/parcels/", s.handleParcelByID)
	return loggingMiddleware(s.logger, mux)
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"path":     s.cfg.Path,
		"store":    s.cfg.Store.Driver,
		"couriers": s.cfg.CourierIDs(),
		"policy":   s.cfg.Supervisor.Policy,
		"depot":    s.cfg.Courier.DepotPolicy,
	})
}

func (s *server) handleCouriers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"registry": s.sim.Couriers(),
		"live":     s.sim.CourierStates(),
	})
}

func (s *server) handleParcels(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		counts, err := s.sim.Summary(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"counts": counts,
			"queued": s.sim.Queued(),
		})
	case http.MethodPost:
		var req struct {
			Urgency     string `json:"urgency"`
			Destination string `json:"destination"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		urgency, err := domain.ParseUrgency(firstNonEmpty(req.Urgency, string(domain.UrgencyMedium)))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		id, err := s.sim.Order(urgency, strings.TrimSpace(req.Destination))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"parcel_id": id, "status": domain.ParcelStatusPending})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *server) handleParcelByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	parcelID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/parcels/"), "/")
	if parcelID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parcel id is required"))
		return
	}
	view, err := s.sim.Parcel(r.Context(), parcelID)
	switch {
	case errors.Is(err, domain.ErrParcelNotFound):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, view)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func loggingMiddleware(logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("took", time.Since(start)),
		)
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
