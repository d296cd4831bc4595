package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/Dan9191/loan-payments/internal/integrations/provider"
	"github.com/Dan9191/loan-payments/internal/middleware"
	"github.com/Dan9191/loan-payments/internal/models"
	"github.com/Dan9191/loan-payments/internal/repository"
	"github.com/Dan9191/loan-payments/internal/service"
)

const maxBodyBytes = 1 << 20

type Handler struct {
	svc *service.Service
	log *logrus.Logger
}

func NewHandler(svc *service.Service, log *logrus.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

// errorBody is the JSON shape of every error response
type errorBody struct {
	Error             string               `json:"error"`
	Fields            []service.FieldError `json:"fields,omitempty"`
	InternalReference string               `json:"internal_reference,omitempty"`
}

// Initiate handles POST /payments/{provider}
func (h *Handler) Initiate(w http.ResponseWriter, r *http.Request) {
	var req service.InitiateRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.Initiate(r.Context(), models.Provider(mux.Vars(r)["provider"]), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetIntent handles GET /payments/intents/{reference}
func (h *Handler) GetIntent(w http.ResponseWriter, r *http.Request) {
	intent, err := h.svc.GetIntent(r.Context(), mux.Vars(r)["reference"])
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

// Webhook handles POST /webhooks/{provider}. Providers always get their ack.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.log.Warnf("Failed to read webhook body: %v", err)
	}
	ack, err := h.svc.HandleCallback(r.Context(), models.Provider(mux.Vars(r)["provider"]), raw, r.Header)
	if err != nil {
		h.fail(w, err)
		return
	}
	if ack.ContentType != "" {
		w.Header().Set("Content-Type", ack.ContentType)
	}
	w.WriteHeader(http.StatusOK)
	w.Write(ack.Body)
}

// Verify handles POST /operator/intents/{id}/verify
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req service.VerifyRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.ReviewerID = middleware.ReviewerID(r.Context())
	res, err := h.svc.Verify(r.Context(), id, req)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Reject handles POST /operator/intents/{id}/reject
func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req service.RejectRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.ReviewerID = middleware.ReviewerID(r.Context())
	res, err := h.svc.Reject(r.Context(), id, req)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RecordBankCredit handles POST /operator/bank-credits
func (h *Handler) RecordBankCredit(w http.ResponseWriter, r *http.Request) {
	var credit provider.BankCredit
	if !h.decode(w, r, &credit) {
		return
	}
	credit.ReviewerID = middleware.ReviewerID(r.Context())
	res, err := h.svc.RecordBankCredit(r.Context(), credit)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetPayment handles GET /operator/payments/{id}
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	p, err := h.svc.GetPayment(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ReversePayment handles POST /operator/payments/{id}/reverse
func (h *Handler) ReversePayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	p, err := h.svc.ReversePayment(r.Context(), id, middleware.ReviewerID(r.Context()))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ListDeadLetters handles GET /operator/dead-letters
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	all, limit, ok := h.listParams(w, r)
	if !ok {
		return
	}
	letters, err := h.svc.ListDeadLetters(r.Context(), all, limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	if letters == nil {
		letters = []*models.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, letters)
}

// RetryDeadLetter handles POST /operator/dead-letters/{id}/retry
func (h *Handler) RetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	p, err := h.svc.RetryDeadLetter(r.Context(), id, middleware.ReviewerID(r.Context()))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ListUnattributed handles GET /operator/unattributed
func (h *Handler) ListUnattributed(w http.ResponseWriter, r *http.Request) {
	all, limit, ok := h.listParams(w, r)
	if !ok {
		return
	}
	events, err := h.svc.ListUnattributed(r.Context(), all, limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	if events == nil {
		events = []*models.UnattributedEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// AssignUnattributed handles POST /operator/unattributed/{id}/assign
func (h *Handler) AssignUnattributed(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req service.AssignRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.ReviewerID = middleware.ReviewerID(r.Context())
	res, err := h.svc.AssignUnattributed(r.Context(), id, req)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Report handles GET /operator/reports/reconciliation?from=&to= (RFC 3339)
func (h *Handler) Report(w http.ResponseWriter, r *http.Request) {
	var from, to time.Time
	for name, dst := range map[string]*time.Time{"from": &from, "to": &to} {
		v := r.URL.Query().Get(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{
				Error:  "invalid query",
				Fields: []service.FieldError{{Field: name, Message: "must be an RFC 3339 timestamp"}},
			})
			return
		}
		*dst = t
	}
	report, err := h.svc.Report(r.Context(), from, to)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error:  "invalid id",
			Fields: []service.FieldError{{Field: "id", Message: "must be a UUID"}},
		})
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) listParams(w http.ResponseWriter, r *http.Request) (bool, int, bool) {
	q := r.URL.Query()
	all := q.Get("all") == "true"
	limit := 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeJSON(w, http.StatusBadRequest, errorBody{
				Error:  "invalid query",
				Fields: []service.FieldError{{Field: "limit", Message: "must be between 1 and 1000"}},
			})
			return false, 0, false
		}
		limit = n
	}
	return all, limit, true
}

// fail maps service errors to HTTP statuses
func (h *Handler) fail(w http.ResponseWriter, err error) {
	var (
		verr *service.ValidationError
		perr *service.ProviderError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation failed", Fields: verr.Fields})
	case errors.As(err, &perr):
		writeJSON(w, http.StatusBadGateway, errorBody{Error: perr.Error(), InternalReference: perr.InternalReference})
	case errors.Is(err, service.ErrUnknownProvider), errors.Is(err, repository.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.Is(err, service.ErrAlreadyReversed), errors.Is(err, repository.ErrDuplicate):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	case errors.Is(err, service.ErrNotManual):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	default:
		h.log.Errorf("Request failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
