package escrow

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/talentpay/backend/internal/models"
	"github.com/talentpay/backend/internal/payments"
	"github.com/talentpay/backend/internal/processor"
)

type Handler struct {
	svc *Service
	log *slog.Logger
}

func NewHandler(svc *Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var vErr *models.ValidationError
	var itErr *payments.IllegalTransitionError
	var pErr *processor.Error
	switch {
	case errors.Is(err, ErrEscrowDisabled):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "escrow is disabled"})
	case errors.As(err, &vErr):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": vErr.Error()})
	case errors.Is(err, payments.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "payment not found"})
	case errors.As(err, &itErr):
		writeJSON(w, http.StatusConflict, map[string]string{"error": itErr.Error(), "status": string(itErr.Current)})
	case errors.As(err, &pErr):
		h.log.Error("processor call failed", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": pErr.Error()})
	default:
		h.log.Error("escrow operation failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func pathID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(r.PathValue("id"))
}

func (h *Handler) Hold(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payment id"})
		return
	}
	p, err := h.svc.Hold(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) Release(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payment id"})
		return
	}
	p, err := h.svc.Release(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type extendRequest struct {
	AdditionalDays int    `json:"additional_days"`
	Reason         string `json:"reason,omitempty"`
}

func (h *Handler) Extend(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payment id"})
		return
	}
	var req extendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	p, err := h.svc.Extend(r.Context(), id, req.AdditionalDays, req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payment id"})
		return
	}
	var req cancelRequest
	json.NewDecoder(r.Body).Decode(&req)
	p, err := h.svc.Cancel(r.Context(), id, req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) Details(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payment id"})
		return
	}
	d, err := h.svc.GetDetails(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}
