package reconciler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"
)

// eventSchema shapes the inbound processor webhook. Signature verification
// happens upstream of this handler; this only rejects malformed payloads
// before they are queued.
const eventSchema = `{
	"type": "object",
	"required": ["type"],
	"properties": {
		"type": {"enum": ["succeeded", "failed", "refunded"]},
		"payment_id": {"type": "string"},
		"processor_ref": {"type": "string"},
		"details": {
			"type": "object",
			"properties": {
				"amount": {"type": "string", "pattern": "^[0-9]+(\\.[0-9]{1,2})?$"},
				"reason": {"type": "string"}
			}
		}
	}
}`

var compiledEventSchema = jsonschema.MustCompileString("processor_event.json", eventSchema)

// InsertEventFunc enqueues a processor event job. Provided by main as a
// closure over river.Client.Insert.
type InsertEventFunc func(ctx context.Context, args EventArgs) error

type webhookPayload struct {
	Type         string `json:"type"`
	PaymentID    string `json:"payment_id"`
	ProcessorRef string `json:"processor_ref"`
	Details      struct {
		Amount string `json:"amount"`
		Reason string `json:"reason"`
	} `json:"details"`
}

type Handler struct {
	insert InsertEventFunc
	log    *slog.Logger
}

func NewHandler(insert InsertEventFunc, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{insert: insert, log: log}
}

// HandleProcessorEvent accepts one processor webhook. The event is made
// durable (queued) before the 202 acknowledgment goes out, so processing
// failures after acknowledgment are retried internally rather than lost.
func (h *Handler) HandleProcessorEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
		return
	}
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if err := compiledEventSchema.Validate(raw); err != nil {
		h.log.Warn("rejected malformed processor event", "error", err)
		http.Error(w, `{"error":"malformed event"}`, http.StatusBadRequest)
		return
	}
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	args := EventArgs{
		Type:         payload.Type,
		ProcessorRef: payload.ProcessorRef,
		Reason:       payload.Details.Reason,
	}
	switch payload.Type {
	case string(EventRefunded):
		if payload.ProcessorRef == "" {
			http.Error(w, `{"error":"refunded event requires processor_ref"}`, http.StatusBadRequest)
			return
		}
	default:
		id, err := uuid.Parse(payload.PaymentID)
		if err != nil {
			http.Error(w, `{"error":"invalid payment_id"}`, http.StatusBadRequest)
			return
		}
		args.PaymentID = id
	}
	if payload.Details.Amount != "" {
		amount, err := decimal.NewFromString(payload.Details.Amount)
		if err != nil {
			http.Error(w, `{"error":"invalid amount"}`, http.StatusBadRequest)
			return
		}
		args.Amount = &amount
	}

	if err := h.insert(r.Context(), args); err != nil {
		h.log.Error("failed to queue processor event", "type", args.Type, "error", err)
		http.Error(w, `{"error":"failed to queue event"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]bool{"received": true})
}
