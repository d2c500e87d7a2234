/**
 * @description
 * This file defines the HTTP handlers for the balance-service's API endpoints.
 * Handlers are responsible for parsing requests, calling the appropriate service
 * method, and writing the response.
 *
 * @dependencies
 * - Chi router for URL parameter handling.
 * - The service's internal packages for app logic.
 */
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/balancetracker/balance-service/internal/app"
	"github.com/balancetracker/balance-service/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const maxBodyBytes = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// AuthHandler holds the dependencies for auth handlers.
type AuthHandler struct {
	service *app.AuthService
	errs    *errorWriter
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(service *app.AuthService, errs *errorWriter) *AuthHandler {
	return &AuthHandler{service: service, errs: errs}
}

// LoginRequest defines the expected JSON body for login and registration.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login exchanges credentials for an access token.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	user, err := h.service.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		h.errs.Respond(w, r, err)
		return
	}
	h.writeToken(w, r, user)
}

// Register creates a user and returns an access token for it.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	user, err := h.service.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		h.errs.Respond(w, r, err)
		return
	}
	h.writeToken(w, r, user)
}

func (h *AuthHandler) writeToken(w http.ResponseWriter, r *http.Request, user *domain.User) {
	token, err := h.service.IssueToken(user)
	if err != nil {
		h.errs.Respond(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

// AccountHandler holds the dependencies for account handlers.
type AccountHandler struct {
	service *app.AccountService
	errs    *errorWriter
}

// NewAccountHandler creates a new AccountHandler.
func NewAccountHandler(service *app.AccountService, errs *errorWriter) *AccountHandler {
	return &AccountHandler{service: service, errs: errs}
}

// AccountResponse is the dashboard view of an account.
type AccountResponse struct {
	ID                uuid.UUID `json:"id"`
	Name              string    `json:"name"`
	Balance           float64   `json:"balance"`
	LastBalanceUpdate time.Time `json:"last_balance_update"`
	IsBalanceFixed    bool      `json:"is_balance_fixed"`
	IsActive          bool      `json:"is_active"`
}

func newAccountResponse(a domain.Account) AccountResponse {
	return AccountResponse{
		ID:                a.ID,
		Name:              a.Name,
		Balance:           a.Balance,
		LastBalanceUpdate: a.LastBalanceUpdate,
		IsBalanceFixed:    a.IsBalanceFixed,
		IsActive:          a.IsActive,
	}
}

// ListAccounts handles listing all accounts.
func (h *AccountHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.service.ListAccounts(r.Context())
	if err != nil {
		h.errs.Respond(w, r, err)
		return
	}

	resp := make([]AccountResponse, 0, len(accounts))
	for _, a := range accounts {
		resp = append(resp, newAccountResponse(a))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetAccount handles fetching one account by id.
func (h *AccountHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid account id")
		return
	}

	account, err := h.service.GetAccount(r.Context(), id)
	if err != nil {
		h.errs.Respond(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newAccountResponse(*account))
}

// BalanceChangeHandler holds the dependencies for balance change handlers.
type BalanceChangeHandler struct {
	service *app.BalanceChangeService
	errs    *errorWriter
}

// NewBalanceChangeHandler creates a new BalanceChangeHandler.
func NewBalanceChangeHandler(service *app.BalanceChangeService, errs *errorWriter) *BalanceChangeHandler {
	return &BalanceChangeHandler{service: service, errs: errs}
}

// NewBalanceChangeRequest defines the expected JSON body for a balance observation.
type NewBalanceChangeRequest struct {
	AccountName string   `json:"account_name"`
	State       string   `json:"state"`
	Balance     *float64 `json:"balance"`
}

// BalanceChangeResponse is the caller-facing view of a recorded change.
type BalanceChangeResponse struct {
	ID          uuid.UUID                 `json:"id"`
	CreatedAt   time.Time                 `json:"created_at"`
	AccountID   uuid.UUID                 `json:"account_id"`
	StateRaw    domain.BalanceChangeState `json:"state_raw"`
	State       domain.BalanceChangeState `json:"state"`
	Balance     float64                   `json:"balance"`
	BalanceDiff float64                   `json:"balance_diff"`
}

func newBalanceChangeResponse(c domain.BalanceChange) BalanceChangeResponse {
	return BalanceChangeResponse{
		ID:          c.ID,
		CreatedAt:   c.CreatedAt,
		AccountID:   c.AccountID,
		StateRaw:    c.StateRaw,
		State:       c.State,
		Balance:     c.Balance,
		BalanceDiff: c.BalanceDiff,
	}
}

// RecordBalanceChange handles a balance observation from a machine caller.
func (h *BalanceChangeHandler) RecordBalanceChange(w http.ResponseWriter, r *http.Request) {
	var req NewBalanceChangeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Balance == nil {
		writeError(w, http.StatusBadRequest, "Field 'balance' is required")
		return
	}
	state, err := domain.ParseBalanceChangeState(req.State)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Unknown balance change state")
		return
	}

	change, err := h.service.RecordBalanceChange(r.Context(), app.NewBalanceChangeInput{
		AccountName: req.AccountName,
		State:       state,
		Balance:     *req.Balance,
	})
	if err != nil {
		h.errs.Respond(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newBalanceChangeResponse(*change))
}

// ListBalanceChanges handles listing an account's changes in an optional window.
func (h *BalanceChangeHandler) ListBalanceChanges(w http.ResponseWriter, r *http.Request) {
	accountID, err := uuid.Parse(chi.URLParam(r, "account_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid account id")
		return
	}
	from, ok := parseTimeParam(w, r, "date_from")
	if !ok {
		return
	}
	to, ok := parseTimeParam(w, r, "date_to")
	if !ok {
		return
	}

	changes, err := h.service.ListBalanceChanges(r.Context(), accountID, from, to)
	if err != nil {
		h.errs.Respond(w, r, err)
		return
	}

	resp := make([]BalanceChangeResponse, 0, len(changes))
	for _, c := range changes {
		resp = append(resp, newBalanceChangeResponse(c))
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseTimeParam(w http.ResponseWriter, r *http.Request, name string) (*time.Time, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid "+name+": expected RFC3339 timestamp")
		return nil, false
	}
	return &t, true
}

// HealthHandler serves the liveness and readiness probes.
type HealthHandler struct {
	store Pinger
}

// Liveness reports that the process is serving.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readiness reports whether the store is reachable.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	if h.store != nil {
		if err := h.store.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
