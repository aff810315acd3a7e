// Package handler serves the customer-facing submission endpoints.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"quotefeed/internal/ingest"
	rlmw "quotefeed/internal/ratelimit/middleware"
	submission "quotefeed/internal/submission/models"
	dErrors "quotefeed/pkg/domain-errors"
	"quotefeed/pkg/platform/httputil"
	"quotefeed/pkg/platform/middleware/metadata"
	"quotefeed/pkg/platform/sentinel"
)

// Service is the ingest gateway.
type Service interface {
	Submit(ctx context.Context, clientID string, in submission.Input) (string, error)
	Update(ctx context.Context, clientID, id string, in submission.Input) error
}

// SubmissionResponse is returned by both write endpoints.
type SubmissionResponse struct {
	RecordID string `json:"record_id"`
}

type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, logger: logger}
}

// Register adds the submission routes to r. The caller applies
// metadata.ClientMetadata so requests carry a client id.
func (h *Handler) Register(r chi.Router) {
	r.Post("/submissions", h.handleSubmit)
	r.Put("/submissions/{id}", h.handleUpdate)
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientID := clientIDOf(r)

	var in submission.Input
	if err := httputil.DecodeJSON(r, &in); err != nil {
		httputil.WriteError(w, err)
		return
	}

	id, err := h.service.Submit(ctx, clientID, in)
	if err != nil {
		h.writeError(w, r, clientID, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, SubmissionResponse{RecordID: id})
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientID := clientIDOf(r)
	id := chi.URLParam(r, "id")

	var in submission.Input
	if err := httputil.DecodeJSON(r, &in); err != nil {
		httputil.WriteError(w, err)
		return
	}

	if err := h.service.Update(ctx, clientID, id, in); err != nil {
		h.writeError(w, r, clientID, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, SubmissionResponse{RecordID: id})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, clientID string, err error) {
	ctx := r.Context()
	requestID := chimw.GetReqID(ctx)

	var limited *ingest.RateLimitedError
	switch {
	case errors.As(err, &limited):
		rlmw.WriteExceeded(w, limited.Result)
	case errors.Is(err, ingest.ErrValidation):
		if !dErrors.HasCode(err, dErrors.CodeValidation) {
			err = dErrors.Wrap(err, dErrors.CodeValidation, "invalid submission")
		}
		httputil.WriteError(w, err)
	case errors.Is(err, sentinel.ErrNotFound):
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "submission not found"))
	case errors.Is(err, ingest.ErrWrite):
		h.logger.ErrorContext(ctx, "submission write failed",
			"request_id", requestID,
			"client_id", clientID,
			"error", err,
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeWriteFailed, "submission could not be stored"))
	default:
		h.logger.ErrorContext(ctx, "submission failed",
			"request_id", requestID,
			"client_id", clientID,
			"error", err,
		)
		httputil.WriteError(w, err)
	}
}

func clientIDOf(r *http.Request) string {
	if id := metadata.GetClientID(r.Context()); id != "" {
		return id
	}
	return "ip:" + metadata.RemoteIP(r)
}
