/*
handlers.go - HTTP API handlers for the points ledger

PURPOSE:
  Exposes the ledger engine, query facade and expiration scheduler via a
  REST API. Handles HTTP request/response, JSON serialization, and
  delegates every rule to the ledger package.

ENDPOINTS:
  Buyers:
    POST   /api/buyers/{id}/earn           Earn points at a store
    POST   /api/buyers/{id}/spend          Redeem points at a store
    GET    /api/buyers/{id}/balance        Balance summary
    GET    /api/buyers/{id}/transactions   Filtered history, newest first

  Transactions:
    POST   /api/transactions/{id}/reverse  Compensating reversal

  Companies:
    POST   /api/companies/{id}/credit      Fund the company pool
    GET    /api/companies/{id}             Pool balances and activity

  Directory:
    PUT    /api/stores/{id}                Upsert store approval status

  Admin:
    POST   /api/admin/adjustments          Signed manual correction
    POST   /api/admin/buyers/{id}/verify   Replay check, freezes on mismatch
    POST   /api/admin/buyers/{id}/thaw     Rebuild from the log and unfreeze
    POST   /api/admin/expirations          Run the quarterly batch now
    GET    /api/admin/expirations          Recent batch runs

  GET /api/stats, GET /health, GET /metrics

AUTHORIZATION:
  The caller identity arrives pre-validated in X-Actor-ID / X-Actor-Role
  (see actor.go). Handlers only enforce role gates; ownership rules live in
  the engine.

ERROR HANDLING:
  Errors are returned as {"error": kind, "message": ...}:
  - 400: Malformed request body or query
  - 403: Unauthorized / not owner
  - 404: Unknown buyer, transaction, company or store
  - 409: Already reversed, idempotency key reuse, run in progress
  - 422: Validation failures (amount, store status, balance)
  - 423: Balance frozen or consistency violation
  - 503: Contention or timeout, safe to retry
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/points-ledger/expiration"
	"github.com/warp/points-ledger/ledger"
	"github.com/warp/points-ledger/query"
	"go.uber.org/zap"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger is implemented by stores that can report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine    *ledger.Engine
	Query     *query.Facade
	Scheduler *expiration.Scheduler
	Runs      ledger.RunStore
	Directory ledger.DirectoryStore

	// Cache is invalidated when a store record changes. Optional.
	Cache *ledger.CachedDirectory
	// Pinger is checked by /health. Optional.
	Pinger Pinger

	Logger *zap.Logger
}

func (h *Handler) logger() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}

// =============================================================================
// BUYER HANDLERS
// =============================================================================

// Earn credits points for a purchase. Only store staff and system admins
// may issue points.
// POST /api/buyers/{id}/earn
func (h *Handler) Earn(w http.ResponseWriter, r *http.Request) {
	h.purchase(w, r, false, h.Engine.Earn)
}

// Spend redeems points. Buyers may redeem their own points.
// POST /api/buyers/{id}/spend
func (h *Handler) Spend(w http.ResponseWriter, r *http.Request) {
	h.purchase(w, r, true, h.Engine.Spend)
}

func (h *Handler) purchase(w http.ResponseWriter, r *http.Request, ownerAllowed bool, op func(context.Context, ledger.PurchaseRequest) (ledger.Result, error)) {
	buyer := ledger.BuyerID(chi.URLParam(r, "id"))
	if !canPurchase(w, r, buyer, ownerAllowed) {
		return
	}

	var req PurchaseRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := op(r.Context(), ledger.PurchaseRequest{
		BuyerID:        buyer,
		StoreID:        ledger.StoreID(req.StoreID),
		CompanyID:      ledger.CompanyID(req.CompanyID),
		Amount:         req.Amount,
		TotalCost:      req.TotalCost,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, toResultDTO(res))
}

// GetBalance returns the buyer's balance summary.
// GET /api/buyers/{id}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	buyer := ledger.BuyerID(chi.URLParam(r, "id"))
	if !h.canRead(w, r, buyer) {
		return
	}

	summary, err := h.Query.BuyerSummary(r.Context(), buyer)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(summary))
}

// GetTransactions returns the buyer's history, newest first.
// GET /api/buyers/{id}/transactions?type=earn,spend&status=failed&from=...&to=...&limit=50
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	buyer := ledger.BuyerID(chi.URLParam(r, "id"))
	if !h.canRead(w, r, buyer) {
		return
	}

	filter, err := parseHistoryFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}

	txs, err := h.Query.History(r.Context(), buyer, filter)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

func parseHistoryFilter(r *http.Request) (query.HistoryFilter, error) {
	q := r.URL.Query()
	var f query.HistoryFilter

	for _, t := range splitList(q.Get("type")) {
		typ := ledger.TxType(t)
		if !typ.Valid() {
			return f, fmt.Errorf("unknown transaction type %q", t)
		}
		f.Types = append(f.Types, typ)
	}
	for _, s := range splitList(q.Get("status")) {
		f.Statuses = append(f.Statuses, ledger.Status(s))
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("invalid from: %w", err)
		}
		f.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("invalid to: %w", err)
		}
		f.To = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid limit %q", v)
		}
		f.Limit = n
	}
	return f, nil
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

// ReverseTransaction writes a compensating transaction.
// POST /api/transactions/{id}/reverse
func (h *Handler) ReverseTransaction(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	res, err := h.Engine.Reverse(r.Context(), ledger.TransactionID(chi.URLParam(r, "id")), actor)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toResultDTO(res))
}

// =============================================================================
// COMPANY HANDLERS
// =============================================================================

// CreditCompany funds a company's pool.
// POST /api/companies/{id}/credit
func (h *Handler) CreditCompany(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, ledger.RoleSystemAdmin, ledger.RoleCompanyAdmin) {
		return
	}
	var req CreditRequest
	if !decode(w, r, &req) {
		return
	}

	c, err := h.Engine.Credit(r.Context(), ledger.CompanyID(chi.URLParam(r, "id")), req.Amount)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCompanyBalanceDTO(c))
}

// GetCompany returns pool balances and activity.
// GET /api/companies/{id}
func (h *Handler) GetCompany(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, ledger.RoleSystemAdmin, ledger.RoleCompanyAdmin) {
		return
	}
	company := ledger.CompanyID(chi.URLParam(r, "id"))

	summary, err := h.Query.CompanySummary(r.Context(), company)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	entries, err := h.Query.CompanyEntries(r.Context(), company)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCompanyDTO(summary, entries))
}

// =============================================================================
// DIRECTORY HANDLERS
// =============================================================================

// PutStore records a store's company and approval status.
// PUT /api/stores/{id}
func (h *Handler) PutStore(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, ledger.RoleSystemAdmin) {
		return
	}
	var req StoreRequest
	if !decode(w, r, &req) {
		return
	}

	info := ledger.StoreInfo{
		ID:        ledger.StoreID(chi.URLParam(r, "id")),
		CompanyID: ledger.CompanyID(req.CompanyID),
		Status:    ledger.StoreStatus(req.Status),
	}
	if info.CompanyID == "" || !info.Status.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_request", "company_id and a valid status are required", nil)
		return
	}
	if err := h.Directory.PutStore(r.Context(), info); err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	if h.Cache != nil {
		h.Cache.Invalidate(info.ID)
	}
	writeJSON(w, http.StatusOK, StoreDTO{ID: string(info.ID), CompanyID: string(info.CompanyID), Status: string(info.Status)})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// CreateAdjustment applies a signed manual correction.
// POST /api/admin/adjustments
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req AdjustmentRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := h.Engine.AdminAdjustment(r.Context(), ledger.AdjustmentRequest{
		BuyerID:        ledger.BuyerID(req.BuyerID),
		Delta:          req.Delta,
		Reason:         req.Reason,
		Actor:          actor,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, toResultDTO(res))
}

// VerifyBuyer replays the buyer log against the stored balance.
// POST /api/admin/buyers/{id}/verify
func (h *Handler) VerifyBuyer(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, ledger.RoleSystemAdmin) {
		return
	}

	b, err := h.Engine.Verify(r.Context(), ledger.BuyerID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBuyerStateDTO(b))
}

// ThawBuyer rebuilds a frozen balance from its log.
// POST /api/admin/buyers/{id}/thaw
func (h *Handler) ThawBuyer(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	b, err := h.Engine.Thaw(r.Context(), ledger.BuyerID(chi.URLParam(r, "id")), actor)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBuyerStateDTO(b))
}

// TriggerExpiration runs the quarterly batch synchronously.
// POST /api/admin/expirations
func (h *Handler) TriggerExpiration(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, ledger.RoleSystemAdmin) {
		return
	}
	var req ExpirationRequest
	if !decodeOptional(w, r, &req) {
		return
	}

	var (
		run ledger.ExpirationRun
		err error
	)
	if req.Cutoff != nil {
		run, err = h.Scheduler.Run(r.Context(), *req.Cutoff)
	} else {
		run, err = h.Scheduler.RunNow(r.Context())
	}
	switch {
	case errors.Is(err, expiration.ErrRunInProgress):
		writeError(w, http.StatusConflict, "run_in_progress", err.Error(), nil)
		return
	case err != nil:
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRunDTO(run))
}

// ListExpirationRuns returns recent batch runs, newest first.
// GET /api/admin/expirations?limit=20
func (h *Handler) ListExpirationRuns(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, ledger.RoleSystemAdmin) {
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("invalid limit %q", v), nil)
			return
		}
		limit = n
	}

	runs, err := h.Runs.ExpirationRuns(r.Context(), limit)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	dtos := make([]RunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetStats returns system-wide totals.
// GET /api/stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, ledger.RoleSystemAdmin) {
		return
	}
	stats, err := h.Query.SystemStats(r.Context())
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatsDTO(stats))
}

// Health reports whether the store is reachable.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Pinger.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// canRead lets buyers see only their own data; staff roles see everyone.
func (h *Handler) canRead(w http.ResponseWriter, r *http.Request, buyer ledger.BuyerID) bool {
	actor, ok := requireActor(w, r)
	if !ok {
		return false
	}
	if actor.Role == ledger.RoleBuyer && actor.ID != string(buyer) {
		writeError(w, http.StatusForbidden, string(ledger.KindNotOwner), ledger.ErrNotOwner.Error(), nil)
		return false
	}
	return true
}

func canPurchase(w http.ResponseWriter, r *http.Request, buyer ledger.BuyerID, ownerAllowed bool) bool {
	actor, ok := requireActor(w, r)
	if !ok {
		return false
	}
	switch actor.Role {
	case ledger.RoleStoreAdmin, ledger.RoleSystemAdmin:
		return true
	case ledger.RoleBuyer:
		if !ownerAllowed {
			break
		}
		if actor.ID == string(buyer) {
			return true
		}
		writeError(w, http.StatusForbidden, string(ledger.KindNotOwner), ledger.ErrNotOwner.Error(), nil)
		return false
	}
	writeError(w, http.StatusForbidden, string(ledger.KindUnauthorized), ledger.ErrUnauthorized.Error(), nil)
	return false
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body", err.Error())
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.Body == http.NoBody {
		return true
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body", err.Error())
		return false
	}
	return true
}

// statusFor maps a ledger failure kind to an HTTP status.
func statusFor(err error) int {
	switch kind := ledger.KindOf(err); {
	case kind == ledger.KindNotFound:
		return http.StatusNotFound
	case ledger.IsAuthorization(err):
		return http.StatusForbidden
	case kind == ledger.KindAlreadyReversed, kind == ledger.KindIdempotencyMismatch:
		return http.StatusConflict
	case kind == ledger.KindBalanceFrozen, kind == ledger.KindConsistencyViolation:
		return http.StatusLocked
	case ledger.IsRetryable(err):
		return http.StatusServiceUnavailable
	case ledger.IsClientError(err):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	kind := ledger.KindOf(err)
	message := err.Error()

	var details any
	var ibe *ledger.InsufficientBalanceError
	var rej *ledger.RejectedError
	switch {
	case errors.As(err, &ibe):
		details = map[string]any{
			"available":             ibe.Available,
			"requested":             ibe.Requested,
			"failed_transaction_id": ibe.FailedTransaction,
		}
	case errors.As(err, &rej):
		details = map[string]any{"failed_transaction_id": rej.FailedTransaction}
	}

	if status >= http.StatusInternalServerError {
		h.logger().Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("kind", string(kind)),
			zap.Error(err))
		if kind == ledger.KindInternal {
			message = "internal error"
		}
	}
	if ledger.IsRetryable(err) {
		w.Header().Set("Retry-After", "1")
	}
	writeError(w, status, string(kind), message, details)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, kind, message string, details any) {
	writeJSON(w, status, ErrorResponse{Error: kind, Message: message, Details: details})
}
