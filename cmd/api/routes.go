package main

import (
	"net/http"

	"github.com/talentpay/backend/internal/escrow"
	"github.com/talentpay/backend/internal/ledger"
	"github.com/talentpay/backend/internal/payments"
	"github.com/talentpay/backend/internal/reconciler"
)

// registerRoutes adds the /v1/ payment API and the processor webhook to the
// given mux. Authentication and request-schema middlewares are mounted by
// the API gateway in front of this service.
func registerRoutes(
	mux *http.ServeMux,
	paymentHandler *payments.Handler,
	escrowHandler *escrow.Handler,
	ledgerHandler *ledger.Handler,
	webhookHandler *reconciler.Handler,
) {
	mux.HandleFunc("POST /v1/payments", paymentHandler.Create)
	mux.HandleFunc("GET /v1/payments", paymentHandler.Search)
	mux.HandleFunc("GET /v1/payments/{id}", paymentHandler.Get)
	mux.HandleFunc("POST /v1/payments/{id}/confirm", paymentHandler.Confirm)
	mux.HandleFunc("POST /v1/payments/{id}/cancel", paymentHandler.Cancel)
	mux.HandleFunc("POST /v1/payments/{id}/refund", paymentHandler.Refund)

	mux.HandleFunc("POST /v1/payments/{id}/escrow/hold", escrowHandler.Hold)
	mux.HandleFunc("POST /v1/payments/{id}/escrow/release", escrowHandler.Release)
	mux.HandleFunc("POST /v1/payments/{id}/escrow/extend", escrowHandler.Extend)
	mux.HandleFunc("POST /v1/payments/{id}/escrow/cancel", escrowHandler.Cancel)
	mux.HandleFunc("GET /v1/payments/{id}/escrow", escrowHandler.Details)
	mux.HandleFunc("GET /v1/payments/{id}/transactions", ledgerHandler.PaymentTransactions)

	mux.HandleFunc("GET /v1/transactions", ledgerHandler.ListTransactions)
	mux.HandleFunc("POST /v1/deposits", ledgerHandler.Deposit)
	mux.HandleFunc("POST /v1/withdrawals", ledgerHandler.Withdraw)
	mux.HandleFunc("GET /v1/users/{id}/balance", ledgerHandler.Balance)
	mux.HandleFunc("GET /v1/users/{id}/stats", ledgerHandler.Stats)

	mux.HandleFunc("POST /v1/webhooks/processor", webhookHandler.HandleProcessorEvent)
}
