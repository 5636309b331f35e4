// Package api serves the record backend's HTTP surface: the approval
// predicate and record reads/writes consumed by the gateway, plus the
// operator endpoints for granting and revoking delegate approvals.
package api

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/namegate/namegate/pkg/httpx"
	"github.com/namegate/namegate/services/recordstore/internal/store"
)

const maxRecordBodyBytes = 1 << 20 // 1MB

// RecordStore is the persistence surface the handlers need; *store.Store
// satisfies it.
type RecordStore interface {
	Upsert(ctx context.Context, r store.Record) (bool, error)
	Get(ctx context.Context, node, recordContext string) (store.Record, error)
	IsApproved(ctx context.Context, recordContext, node, principal string) (bool, error)
	GrantApproval(ctx context.Context, recordContext, node, principal, grantedBy string) error
	RevokeApproval(ctx context.Context, recordContext, node, principal string) error
}

type Handler struct {
	store  RecordStore
	logger *zap.Logger
}

func NewHandler(st RecordStore, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: st, logger: logger}
}

func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	r.Route("/v1", func(api chi.Router) {
		api.Get("/approvals/check", h.HandleApprovalCheck)
		api.Post("/approvals", h.HandleGrantApproval)
		api.Delete("/approvals", h.HandleRevokeApproval)
		api.Put("/records", h.HandleApply)
		api.Get("/records/{node}", h.HandleGetRecord)
	})
}

func (h *Handler) HandleApprovalCheck(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	node := strings.TrimSpace(q.Get("node"))
	principal := strings.TrimSpace(q.Get("principal"))
	if node == "" || principal == "" {
		httpx.WriteError(w, 400, "BAD_QUERY", "node and principal are required", nil)
		return
	}
	approved, err := h.store.IsApproved(r.Context(), q.Get("context"), node, principal)
	if err != nil {
		httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"approved": approved})
}

type applyRequest struct {
	Node      string `json:"node"`
	Context   string `json:"context"`
	Data      string `json:"data"`
	Inception int64  `json:"inception"`
}

func (h *Handler) HandleApply(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRecordBodyBytes)
	var req applyRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			httpx.WriteError(w, 413, "PAYLOAD_TOO_LARGE", "record exceeds 1MB limit", nil)
			return
		}
		httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
		return
	}
	if strings.TrimSpace(req.Node) == "" || req.Inception <= 0 {
		httpx.WriteError(w, 400, "BAD_REQUEST", "node and inception are required", nil)
		return
	}
	payload, err := hex.DecodeString(strings.TrimPrefix(req.Data, "0x"))
	if err != nil {
		httpx.WriteError(w, 400, "BAD_REQUEST", "data must be hex", nil)
		return
	}

	replaced, err := h.store.Upsert(r.Context(), store.Record{
		Node:      req.Node,
		Context:   req.Context,
		Payload:   payload,
		Inception: req.Inception,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
		return
	}
	h.logger.Info("record applied",
		zap.String("node", req.Node),
		zap.Int64("inception", req.Inception),
		zap.Bool("replaced", replaced),
	)
	httpx.WriteJSON(w, 200, map[string]any{"status": "applied", "node": req.Node, "replaced": replaced})
}

func (h *Handler) HandleGetRecord(w http.ResponseWriter, r *http.Request) {
	node := chi.URLParam(r, "node")
	rec, err := h.store.Get(r.Context(), node, r.URL.Query().Get("context"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpx.WriteError(w, 404, "NOT_FOUND", "no record for node", nil)
			return
		}
		httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"node":           rec.Node,
		"context":        rec.Context,
		"data":           hex.EncodeToString(rec.Payload),
		"payload_sha256": rec.PayloadSHA256,
		"inception":      rec.Inception,
		"updated_at":     rec.UpdatedAt.UTC(),
	})
}

type approvalRequest struct {
	Context   string `json:"context"`
	Node      string `json:"node"`
	Principal string `json:"principal"`
	GrantedBy string `json:"granted_by,omitempty"`
}

func (h *Handler) HandleGrantApproval(w http.ResponseWriter, r *http.Request) {
	var req approvalRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
		return
	}
	if req.Node == "" || req.Principal == "" {
		httpx.WriteError(w, 400, "BAD_REQUEST", "node and principal are required", nil)
		return
	}
	if err := h.store.GrantApproval(r.Context(), req.Context, req.Node, req.Principal, req.GrantedBy); err != nil {
		httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"granted": true})
}

func (h *Handler) HandleRevokeApproval(w http.ResponseWriter, r *http.Request) {
	var req approvalRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
		return
	}
	if err := h.store.RevokeApproval(r.Context(), req.Context, req.Node, req.Principal); err != nil {
		httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"revoked": true})
}
