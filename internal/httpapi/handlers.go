package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"wallet-ledger/internal/domain"
	"wallet-ledger/internal/ledger"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Handlers struct {
	l   *ledger.Ledger
	log *zap.Logger
}

func NewHandlers(l *ledger.Ledger, log *zap.Logger) *Handlers {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handlers{l: l, log: log}
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

func httpStatusForErr(err error) int {
	switch {
	case err == nil:
		return http.StatusOK

	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrIdempotencyConflict):
		return http.StatusConflict

	// Context / timeouts
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout

	default:
		return http.StatusInternalServerError
	}
}

func publicErrMessage(code int, err error) string {
	// Don't leak internals on 5xx.
	if code >= 500 {
		return "internal error"
	}
	return err.Error()
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := httpStatusForErr(err)
	if code >= 500 {
		h.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeErr(w, code, publicErrMessage(code, err))
}

// requestID prefers the body, then the Idempotency-Key and X-Request-Id
// headers. There is no generated fallback: a retry must carry the same id.
func requestID(r *http.Request, fromBody string) (string, bool) {
	for _, v := range []string{fromBody, r.Header.Get("Idempotency-Key"), r.Header.Get("X-Request-Id")} {
		if v = strings.TrimSpace(v); v != "" {
			return v, true
		}
	}
	return "", false
}

func (h *Handlers) Deposit(w http.ResponseWriter, r *http.Request) {
	var req domain.DepositRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	h.single(w, r, req.Amount, req.RequestID, h.l.Deposit)
}

func (h *Handlers) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req domain.WithdrawRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	h.single(w, r, req.Amount, req.RequestID, h.l.Withdraw)
}

type balanceOp func(ctx context.Context, walletID string, amount decimal.Decimal, requestID string) (domain.BalanceResult, error)

func (h *Handlers) single(w http.ResponseWriter, r *http.Request, rawAmount json.Number, bodyRequestID string, op balanceOp) {
	walletID := chi.URLParam(r, "id")
	reqID, ok := requestID(r, bodyRequestID)
	if !ok {
		writeErr(w, http.StatusBadRequest, "requestId is required")
		return
	}
	amount, err := domain.ParseAmount(rawAmount.String())
	if err != nil {
		h.fail(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	res, err := op(ctx, walletID, amount, reqID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, domain.BalanceResponse{
		WalletID:  walletID,
		Balance:   res.Balance,
		RequestID: reqID,
		Created:   res.Created,
	})
}

func (h *Handlers) Transfer(w http.ResponseWriter, r *http.Request) {
	var req domain.TransferRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	fromID := chi.URLParam(r, "id")
	reqID, ok := requestID(r, req.RequestID)
	if !ok {
		writeErr(w, http.StatusBadRequest, "requestId is required")
		return
	}
	amount, err := domain.ParseAmount(req.Amount.String())
	if err != nil {
		h.fail(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	res, err := h.l.Transfer(ctx, fromID, req.ToWalletID, amount, reqID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, domain.TransferResponse{
		TransferID:   res.TransferID,
		FromWalletID: fromID,
		ToWalletID:   req.ToWalletID,
		Amount:       domain.FormatAmount(amount),
		Status:       res.Status,
		LastError:    res.LastError,
		RequestID:    reqID,
		FromBalance:  res.FromBalance,
		ToBalance:    res.ToBalance,
	})
}

// GET /wallet/{id}
func (h *Handlers) Wallet(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	res, err := h.l.Wallet(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GET /wallet/{id}/history?limit=&before=
func (h *Handlers) History(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := ledger.DefaultHistoryLimit
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	var before time.Time
	if v := q.Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeErr(w, http.StatusBadRequest, "before must be an RFC 3339 timestamp")
			return
		}
		before = t
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	items, err := h.l.History(ctx, chi.URLParam(r, "id"), limit, before)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// GET /wallet/{id}/stats
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	res, err := h.l.Stats(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
