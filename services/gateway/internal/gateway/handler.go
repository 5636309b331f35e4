package gateway

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/namegate/namegate/pkg/httpx"
)

type Handler struct {
	pipeline     *Pipeline
	logger       *zap.Logger
	maxBodyBytes int64
}

func NewHandler(p *Pipeline, logger *zap.Logger, maxBodyBytes int64) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 20
	}
	return &Handler{pipeline: p, logger: logger, maxBodyBytes: maxBodyBytes}
}

func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	r.Route("/gateway/v1", func(api chi.Router) {
		api.Post("/updates", h.HandleUpdate)
	})
}

func (h *Handler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	var req UpdateRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			httpx.WriteError(w, 413, "PAYLOAD_TOO_LARGE", "payload exceeds size limit", nil)
			return
		}
		httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
		return
	}

	outcome := h.pipeline.Process(r.Context(), req)
	if outcome.Status == StatusRejected {
		h.logger.Info("update rejected",
			zap.String("name", req.Name),
			zap.String("sender", req.Sender),
			zap.String("stage", string(outcome.Stage)),
			zap.String("reason", outcome.Reason),
		)
		httpx.WriteRejection(w, HTTPStatus(outcome), string(outcome.Stage), outcome.Reason)
		return
	}

	httpx.WriteJSON(w, 200, map[string]any{
		"request_id": httpx.NewRequestID(),
		"status":     outcome.Status,
		"node":       outcome.Node,
		"record_ref": outcome.Ref,
	})
}
