package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/wallettransfer/internal/domain"
	"github.com/punchamoorthee/wallettransfer/internal/service"
	"github.com/punchamoorthee/wallettransfer/internal/store"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Metrics
var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wallet_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wallet_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"method", "endpoint"})
)

const (
	endpointTransfers = "/transfers"
	endpointTransfer  = "/transfers/{id}"
	endpointAccounts  = "/accounts"
	endpointAccount   = "/accounts/{id}"
	endpointEntries   = "/accounts/{id}/entries"
	endpointHealth    = "/health"

	maxBodyBytes = 1 << 16
)

type TransferExecutor interface {
	Execute(ctx context.Context, req domain.TransferRequest) (service.Result, error)
}

type AccountStore interface {
	Get(ctx context.Context, id int64) (domain.Account, error)
	Create(ctx context.Context, balance int64) (domain.Account, error)
}

type TransferReader interface {
	Get(ctx context.Context, id int64) (domain.Transfer, error)
	Entries(ctx context.Context, accountID int64) ([]domain.LedgerEntry, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	transfers TransferExecutor
	accounts  AccountStore
	ledger    TransferReader
	db        Pinger
	logger    zerolog.Logger
}

func NewHandler(transfers TransferExecutor, accounts AccountStore, ledger TransferReader, db Pinger, logger zerolog.Logger) *Handler {
	return &Handler{
		transfers: transfers,
		accounts:  accounts,
		ledger:    ledger,
		db:        db,
		logger:    logger,
	}
}

// transferPayload is the inbound body. Amount may be a JSON number or a
// decimal string.
type transferPayload struct {
	FromAccountID  int64           `json:"from_account_id"`
	ToAccountID    int64           `json:"to_account_id"`
	Amount         json.RawMessage `json:"amount"`
	Unit           string          `json:"unit"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type transferResponse struct {
	Transfer domain.Transfer `json:"transfer"`
	Replayed bool            `json:"replayed"`
}

type errorResponse struct {
	Error    string           `json:"error"`
	Message  string           `json:"message,omitempty"`
	Transfer *domain.Transfer `json:"transfer,omitempty"`
}

func (h *Handler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", endpointTransfers))
	defer timer.ObserveDuration()

	var p transferPayload
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "POST", endpointTransfers)
		return
	}

	if p.IdempotencyKey == "" {
		p.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	// Unparseable amounts and units are passed on as values the service
	// rejects, so validation order stays in one place.
	amount, err := parseAmount(p.Amount)
	if err != nil {
		amount = decimal.Zero
	}
	unit, err := domain.ParseUnit(p.Unit)
	if err != nil {
		unit = domain.AmountUnit(p.Unit)
	}

	res, err := h.transfers.Execute(r.Context(), domain.TransferRequest{
		FromAccountID:  p.FromAccountID,
		ToAccountID:    p.ToAccountID,
		Amount:         amount,
		Unit:           unit,
		IdempotencyKey: p.IdempotencyKey,
	})
	if err != nil {
		h.respondExecuteError(w, r, err)
		return
	}

	t := res.Transfer
	switch {
	case t.Status == domain.StatusFailed:
		h.respondJSON(w, http.StatusUnprocessableEntity,
			errorResponse{Error: t.Message, Transfer: &t}, "POST", endpointTransfers)
	case res.Replayed:
		h.respondJSON(w, http.StatusOK, transferResponse{Transfer: t, Replayed: true}, "POST", endpointTransfers)
	default:
		w.Header().Set("Location", fmt.Sprintf("/api/v1/transfers/%d", t.ID))
		h.respondJSON(w, http.StatusCreated, transferResponse{Transfer: t}, "POST", endpointTransfers)
	}
}

func (h *Handler) respondExecuteError(w http.ResponseWriter, r *http.Request, err error) {
	var de *domain.Error
	if !errors.As(err, &de) {
		h.logger.Error().Err(err).Str("request_id", RequestIDFrom(r.Context())).Msg("Transfer failed unexpectedly")
		h.respondError(w, http.StatusInternalServerError, "Internal Server Error", "POST", endpointTransfers)
		return
	}

	body := errorResponse{Error: string(de.Kind), Message: de.Message, Transfer: de.Transfer}
	switch de.Kind {
	case domain.KindInvalidRequest:
		body.Error = de.Message
		body.Transfer = nil
		h.respondJSON(w, http.StatusUnprocessableEntity, body, "POST", endpointTransfers)
	case domain.KindDuplicateRequest:
		h.respondJSON(w, http.StatusUnprocessableEntity, body, "POST", endpointTransfers)
	case domain.KindAccountNotFound:
		h.respondJSON(w, http.StatusNotFound, body, "POST", endpointTransfers)
	case domain.KindTransient:
		w.Header().Set("Retry-After", "1")
		h.respondJSON(w, http.StatusServiceUnavailable, body, "POST", endpointTransfers)
	default:
		h.respondError(w, http.StatusInternalServerError, "Internal Server Error", "POST", endpointTransfers)
	}
}

// parseAmount accepts a JSON number or string. Numbers are read from their
// literal text so no float conversion happens.
func parseAmount(raw json.RawMessage) (decimal.Decimal, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return decimal.Decimal{}, errors.New("amount is required")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return decimal.Decimal{}, err
		}
		return domain.ParseAmount(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return decimal.Decimal{}, err
	}
	return domain.ParseAmount(n.String())
}

func (h *Handler) GetTransfer(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("GET", endpointTransfer))
	defer timer.ObserveDuration()

	id, ok := h.pathID(w, r, endpointTransfer)
	if !ok {
		return
	}

	t, err := h.ledger.Get(r.Context(), id)
	if err != nil {
		h.respondReadError(w, err, "Transfer not found", endpointTransfer)
		return
	}
	h.respondJSON(w, http.StatusOK, t, "GET", endpointTransfer)
}

type accountPayload struct {
	Balance int64 `json:"balance"`
}

func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", endpointAccounts))
	defer timer.ObserveDuration()

	var p accountPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&p); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "POST", endpointAccounts)
		return
	}
	if p.Balance < 0 {
		h.respondError(w, http.StatusUnprocessableEntity, "Balance cannot be negative", "POST", endpointAccounts)
		return
	}

	acc, err := h.accounts.Create(r.Context(), p.Balance)
	if err != nil {
		h.logger.Error().Err(err).Msg("Create account failed")
		h.respondError(w, http.StatusInternalServerError, "Internal Server Error", "POST", endpointAccounts)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/accounts/%d", acc.ID))
	h.respondJSON(w, http.StatusCreated, acc, "POST", endpointAccounts)
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("GET", endpointAccount))
	defer timer.ObserveDuration()

	id, ok := h.pathID(w, r, endpointAccount)
	if !ok {
		return
	}

	acc, err := h.accounts.Get(r.Context(), id)
	if err != nil {
		h.respondReadError(w, err, "Account not found", endpointAccount)
		return
	}
	h.respondJSON(w, http.StatusOK, acc, "GET", endpointAccount)
}

func (h *Handler) GetAccountEntries(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("GET", endpointEntries))
	defer timer.ObserveDuration()

	id, ok := h.pathID(w, r, endpointEntries)
	if !ok {
		return
	}

	entries, err := h.ledger.Entries(r.Context(), id)
	if err != nil {
		h.respondReadError(w, err, "Account not found", endpointEntries)
		return
	}
	h.respondJSON(w, http.StatusOK, entries, "GET", endpointEntries)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("GET", endpointHealth))
	defer timer.ObserveDuration()

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		h.logger.Warn().Err(err).Msg("Health check failed")
		h.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "database_unreachable"}, "GET", endpointHealth)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"}, "GET", endpointHealth)
}

// Helpers
func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, endpoint string) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		h.respondError(w, http.StatusBadRequest, "Invalid id", "GET", endpoint)
		return 0, false
	}
	return id, true
}

func (h *Handler) respondReadError(w http.ResponseWriter, err error, notFound, endpoint string) {
	if errors.Is(err, store.ErrNotFound) {
		h.respondError(w, http.StatusNotFound, notFound, "GET", endpoint)
		return
	}
	h.logger.Error().Err(err).Str("endpoint", endpoint).Msg("Read failed")
	h.respondError(w, http.StatusInternalServerError, "Internal Server Error", "GET", endpoint)
}

func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpReqTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func (h *Handler) respondError(w http.ResponseWriter, code int, msg, method, endpoint string) {
	h.respondJSON(w, code, errorResponse{Error: msg}, method, endpoint)
}
