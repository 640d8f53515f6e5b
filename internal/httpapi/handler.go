package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fieldops/sync-worker/internal/clock"
	"github.com/fieldops/sync-worker/internal/ingest"
)

// Handler exposes the sync engine to the surrounding application layer
type Handler struct {
	service *ingest.Service
	logger  *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(service *ingest.Service, logger *zap.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Router builds the chi router with all sync endpoints
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/devices/handshake", h.handshake)
		r.Post("/events/batch", h.submitBatch)
	})

	return r
}

func (h *Handler) handshake(w http.ResponseWriter, r *http.Request) {
	var req ingest.HandshakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed handshake request")
		return
	}

	resp, err := h.service.Handshake(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, clock.ErrReplay):
			writeError(w, http.StatusConflict, err.Error())
		case isValidation(err):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.logger.Error("handshake failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) submitBatch(w http.ResponseWriter, r *http.Request) {
	var req ingest.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed batch request")
		return
	}

	results, err := h.service.SubmitBatch(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ingest.ErrUnknownDevice):
			writeError(w, http.StatusNotFound, err.Error())
		case isValidation(err):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.logger.Error("batch submission failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func isValidation(err error) bool {
	var vErr *ingest.ValidationError
	return errors.As(err, &vErr)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
