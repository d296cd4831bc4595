package handler

import (
	"net/http"

	"github.com/gorilla/mux"
)

// NewRouter wires the public, webhook and operator routes. Operator routes sit behind auth.
func NewRouter(h *Handler, auth mux.MiddlewareFunc, metrics http.Handler) *mux.Router {
	r := mux.NewRouter()

	// Public routes
	r.HandleFunc("/healthz", h.Health).Methods("GET")
	if metrics != nil {
		r.Handle("/metrics", metrics).Methods("GET")
	}
	r.HandleFunc("/payments/intents/{reference}", h.GetIntent).Methods("GET")
	r.HandleFunc("/payments/{provider}", h.Initiate).Methods("POST")
	r.HandleFunc("/webhooks/{provider}", h.Webhook).Methods("POST")

	// Operator routes
	op := r.PathPrefix("/operator").Subrouter()
	op.Use(auth)
	op.HandleFunc("/intents/{id}/verify", h.Verify).Methods("POST")
	op.HandleFunc("/intents/{id}/reject", h.Reject).Methods("POST")
	op.HandleFunc("/bank-credits", h.RecordBankCredit).Methods("POST")
	op.HandleFunc("/payments/{id}", h.GetPayment).Methods("GET")
	op.HandleFunc("/payments/{id}/reverse", h.ReversePayment).Methods("POST")
	op.HandleFunc("/dead-letters", h.ListDeadLetters).Methods("GET")
	op.HandleFunc("/dead-letters/{id}/retry", h.RetryDeadLetter).Methods("POST")
	op.HandleFunc("/unattributed", h.ListUnattributed).Methods("GET")
	op.HandleFunc("/unattributed/{id}/assign", h.AssignUnattributed).Methods("POST")
	op.HandleFunc("/reports/reconciliation", h.Report).Methods("GET")

	return r
}
