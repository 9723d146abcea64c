package payments

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/talentpay/backend/internal/models"
	"github.com/talentpay/backend/internal/processor"
)

// Request/response bodies use snake_case JSON. Monetary amounts travel as
// decimal strings.

type CreatePaymentRequest struct {
	ContractID  *uuid.UUID `json:"contract_id,omitempty"`
	MilestoneID *uuid.UUID `json:"milestone_id,omitempty"`
	PayerID     uuid.UUID  `json:"payer_id"`
	PayeeID     uuid.UUID  `json:"payee_id"`
	Amount      string     `json:"amount"`
	Currency    string     `json:"currency"`
	Method      string     `json:"method"`
	Description string     `json:"description,omitempty"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type RefundRequest struct {
	Amount string `json:"amount"`
	Reason string `json:"reason,omitempty"`
}

type Handler struct {
	svc       *Service
	repo      *Repository
	processor processor.Adapter
	log       *slog.Logger
}

func NewHandler(svc *Service, repo *Repository, adapter processor.Adapter, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, repo: repo, processor: adapter, log: log}
}

// writeError maps domain errors onto HTTP statuses. Validation and
// not-found errors pass through unchanged; illegal transitions surface the
// offending status as a conflict.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var vErr *models.ValidationError
	var itErr *IllegalTransitionError
	var pErr *processor.Error
	switch {
	case errors.As(err, &vErr):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": vErr.Error()})
	case errors.Is(err, ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "payment not found"})
	case errors.As(err, &itErr):
		writeJSON(w, http.StatusConflict, map[string]string{"error": itErr.Error(), "status": string(itErr.Current)})
	case errors.As(err, &pErr):
		h.log.Error("processor call failed", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": pErr.Error()})
	default:
		h.log.Error("payment operation failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid amount"})
		return
	}
	p, err := h.svc.Create(r.Context(), CreateParams{
		ContractID:  req.ContractID,
		MilestoneID: req.MilestoneID,
		PayerID:     req.PayerID,
		PayeeID:     req.PayeeID,
		Amount:      amount,
		Currency:    req.Currency,
		Method:      models.PaymentMethod(req.Method),
		Description: req.Description,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payment id"})
		return
	}
	p, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Confirm moves the payment into PROCESSING; settlement itself arrives
// asynchronously from the processor.
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payment id"})
		return
	}
	p, err := h.svc.Process(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payment id"})
		return
	}
	var req reasonRequest
	json.NewDecoder(r.Body).Decode(&req)
	p, err := h.svc.Cancel(r.Context(), id, req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Refund asks the processor to reverse the charge, then performs the
// REFUNDED transition. The refund is validated against the payment before
// the processor call; a doomed transition must not move money externally.
// A processor failure aborts before any state change.
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payment id"})
		return
	}
	var req RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid amount"})
		return
	}
	p, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := CheckRefundable(p, amount); err != nil {
		h.writeError(w, err)
		return
	}
	if p.ExternalPaymentRef != nil {
		refundRef, err := h.processor.Refund(r.Context(), *p.ExternalPaymentRef, amount, req.Reason)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.log.Info("processor refund confirmed", "payment_id", id, "refund_ref", refundRef)
	}
	updated, err := h.svc.Refund(r.Context(), id, amount, req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID, err := uuid.Parse(q.Get("user_id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id is required"})
		return
	}
	search := SearchQuery{
		UserID:    userID,
		Role:      q.Get("role"),
		Status:    models.PaymentStatus(q.Get("status")),
		Page:      intQuery(q.Get("page")),
		Limit:     intQuery(q.Get("limit")),
		SortBy:    q.Get("sort_by"),
		SortOrder: q.Get("sort_order"),
	}
	if t, ok := timeQuery(q.Get("from")); ok {
		search.From = &t
	}
	if t, ok := timeQuery(q.Get("to")); ok {
		search.To = &t
	}
	if d, ok := decimalQuery(q.Get("min_amount")); ok {
		search.MinAmount = &d
	}
	if d, ok := decimalQuery(q.Get("max_amount")); ok {
		search.MaxAmount = &d
	}
	list, err := h.repo.Search(r.Context(), search)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if list == nil {
		list = []*models.Payment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"payments": list})
}

func intQuery(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func timeQuery(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func decimalQuery(s string) (decimal.Decimal, bool) {
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}
