package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"debtord/internal/model"
	"debtord/internal/service"
)

var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "debtord_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "debtord_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"method", "endpoint"})
)

type Handler struct {
	svc service.Procedures
}

func NewHandler(svc service.Procedures) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (h *Handler) CreateDebtor(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", "/debtors"))
	defer timer.ObserveDuration()

	var req struct {
		UserID               int64   `json:"user_id"`
		DemurrageRate        float64 `json:"demurrage_rate"`
		DemurrageRateCeiling float64 `json:"demurrage_rate_ceiling"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json", "POST", "/debtors")
		return
	}
	debtor, err := h.svc.CreateDebtor(r.Context(), req.UserID, req.DemurrageRate, req.DemurrageRateCeiling)
	if err != nil {
		h.respondDomainError(w, err, "POST", "/debtors")
		return
	}
	h.respondJSON(w, http.StatusCreated, debtor, "POST", "/debtors")
}

func (h *Handler) GetDebtor(w http.ResponseWriter, r *http.Request) {
	debtorID, ok := pathID(w, r, "debtorID")
	if !ok {
		return
	}
	debtor, err := h.svc.GetDebtor(r.Context(), debtorID)
	if err != nil {
		h.respondDomainError(w, err, "GET", "/debtors/{debtorID}")
		return
	}
	h.respondJSON(w, http.StatusOK, debtor, "GET", "/debtors/{debtorID}")
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	debtorID, ok := pathID(w, r, "debtorID")
	if !ok {
		return
	}
	creditorID, ok := pathID(w, r, "creditorID")
	if !ok {
		return
	}
	account, err := h.svc.GetAccount(r.Context(), debtorID, creditorID)
	if err != nil {
		h.respondDomainError(w, err, "GET", "/accounts")
		return
	}
	h.respondJSON(w, http.StatusOK, account, "GET", "/accounts")
}

func (h *Handler) CreateWithdrawalRequest(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", "/withdrawal-requests"))
	defer timer.ObserveDuration()

	debtorID, ok := pathID(w, r, "debtorID")
	if !ok {
		return
	}
	var req struct {
		OperatorBranchID int64          `json:"operator_branch_id"`
		OperatorUserID   int64          `json:"operator_user_id"`
		CreditorID       int64          `json:"creditor_id"`
		Amount           int64          `json:"amount"`
		DeadlineTS       time.Time      `json:"deadline_ts"`
		Details          map[string]any `json:"details"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json", "POST", "/withdrawal-requests")
		return
	}

	operator, err := h.svc.GetOperator(r.Context(), debtorID, req.OperatorBranchID, req.OperatorUserID)
	if err != nil {
		h.respondDomainError(w, err, "POST", "/withdrawal-requests")
		return
	}
	if !operator.CanWithdraw {
		h.respondError(w, http.StatusForbidden, "operator can not withdraw", "POST", "/withdrawal-requests")
		return
	}

	request, err := h.svc.CreateWithdrawalRequest(r.Context(), *operator, req.CreditorID, req.Amount, req.DeadlineTS, req.Details)
	if err != nil {
		h.respondDomainError(w, err, "POST", "/withdrawal-requests")
		return
	}
	h.respondJSON(w, http.StatusCreated, request, "POST", "/withdrawal-requests")
}

func (h *Handler) PrepareWithdrawal(w http.ResponseWriter, r *http.Request) {
	debtorID, ok := pathID(w, r, "debtorID")
	if !ok {
		return
	}
	creditorID, ok := pathID(w, r, "creditorID")
	if !ok {
		return
	}
	seqnum, ok := pathID(w, r, "seqnum")
	if !ok {
		return
	}
	transfer, err := h.svc.PrepareWithdrawal(r.Context(), debtorID, creditorID, seqnum)
	if err != nil {
		h.respondDomainError(w, err, "POST", "/withdrawal-requests/prepare")
		return
	}
	h.respondJSON(w, http.StatusCreated, transfer, "POST", "/withdrawal-requests/prepare")
}

func (h *Handler) PrepareDirectTransfer(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", "/transfers"))
	defer timer.ObserveDuration()

	debtorID, ok := pathID(w, r, "debtorID")
	if !ok {
		return
	}
	var req struct {
		SenderCreditorID    int64 `json:"sender_creditor_id"`
		RecipientCreditorID int64 `json:"recipient_creditor_id"`
		Amount              int64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json", "POST", "/transfers")
		return
	}
	transfer, err := h.svc.PrepareDirectTransfer(r.Context(), debtorID, req.SenderCreditorID, req.RecipientCreditorID, req.Amount)
	if err != nil {
		h.respondDomainError(w, err, "POST", "/transfers")
		return
	}
	h.respondJSON(w, http.StatusCreated, transfer, "POST", "/transfers")
}

func (h *Handler) PrepareDeposit(w http.ResponseWriter, r *http.Request) {
	debtorID, ok := pathID(w, r, "debtorID")
	if !ok {
		return
	}
	var req struct {
		RecipientCreditorID int64 `json:"recipient_creditor_id"`
		Amount              int64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json", "POST", "/deposits")
		return
	}
	transfer, err := h.svc.PrepareDeposit(r.Context(), debtorID, req.RecipientCreditorID, req.Amount)
	if err != nil {
		h.respondDomainError(w, err, "POST", "/deposits")
		return
	}
	h.respondJSON(w, http.StatusCreated, transfer, "POST", "/deposits")
}

// resolveRequest names the caller's role and, for coordinator and creditor
// calls, its identity.
type resolveRequest struct {
	Role          string         `json:"role"`
	CoordinatorID int64          `json:"coordinator_id"`
	CreditorID    int64          `json:"creditor_id"`
	Comment       map[string]any `json:"comment"`
}

func (h *Handler) CommitTransfer(w http.ResponseWriter, r *http.Request) {
	debtorID, ok := pathID(w, r, "debtorID")
	if !ok {
		return
	}
	seqnum, ok := pathID(w, r, "seqnum")
	if !ok {
		return
	}
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json", "POST", "/transfers/commit")
		return
	}

	var err error
	switch req.Role {
	case "coordinator":
		err = h.svc.CommitCoordinatorPreparedTransfer(r.Context(), debtorID, req.CoordinatorID, seqnum, req.Comment)
	case "creditor":
		err = h.svc.CommitCreditorPreparedTransfer(r.Context(), debtorID, req.CreditorID, seqnum, req.Comment)
	case "debtor":
		err = h.svc.CommitDebtorPreparedTransfer(r.Context(), debtorID, seqnum, req.Comment)
	case "guarantor":
		err = h.svc.CommitGuarantorPreparedTransfer(r.Context(), debtorID, seqnum, req.Comment)
	default:
		h.respondError(w, http.StatusBadRequest, "unknown role", "POST", "/transfers/commit")
		return
	}
	if err != nil {
		h.respondDomainError(w, err, "POST", "/transfers/commit")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "committed"}, "POST", "/transfers/commit")
}

func (h *Handler) CancelTransfer(w http.ResponseWriter, r *http.Request) {
	debtorID, ok := pathID(w, r, "debtorID")
	if !ok {
		return
	}
	seqnum, ok := pathID(w, r, "seqnum")
	if !ok {
		return
	}
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json", "POST", "/transfers/cancel")
		return
	}

	var err error
	switch req.Role {
	case "coordinator":
		err = h.svc.CancelCoordinatorPreparedTransfer(r.Context(), debtorID, req.CoordinatorID, seqnum)
	case "creditor":
		err = h.svc.CancelCreditorPreparedTransfer(r.Context(), debtorID, req.CreditorID, seqnum)
	case "debtor":
		err = h.svc.CancelDebtorPreparedTransfer(r.Context(), debtorID, seqnum)
	case "guarantor":
		err = h.svc.CancelGuarantorPreparedTransfer(r.Context(), debtorID, seqnum)
	default:
		h.respondError(w, http.StatusBadRequest, "unknown role", "POST", "/transfers/cancel")
		return
	}
	if err != nil {
		h.respondDomainError(w, err, "POST", "/transfers/cancel")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"}, "POST", "/transfers/cancel")
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// respondDomainError maps domain errors onto HTTP statuses. Conflicts never
// reach this point; they are retried inside the store.
func (h *Handler) respondDomainError(w http.ResponseWriter, err error, method, endpoint string) {
	var insufficient *model.InsufficientFundsError
	switch {
	case errors.As(err, &insufficient):
		h.respondJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":     "insufficient funds",
			"available": insufficient.Available,
		}, method, endpoint)
	case errors.Is(err, model.ErrNonPositiveAmount):
		h.respondError(w, http.StatusUnprocessableEntity, err.Error(), method, endpoint)
	case errors.Is(err, model.ErrInvalidWithdrawalRequest),
		errors.Is(err, model.ErrInvalidPreparedTransfer),
		errors.Is(err, model.ErrNotFound):
		h.respondError(w, http.StatusNotFound, err.Error(), method, endpoint)
	default:
		h.respondError(w, http.StatusInternalServerError, err.Error(), method, endpoint)
	}
}

func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload any, method, endpoint string) {
	httpReqTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) respondError(w http.ResponseWriter, code int, msg, method, endpoint string) {
	h.respondJSON(w, code, map[string]string{"error": msg}, method, endpoint)
}
