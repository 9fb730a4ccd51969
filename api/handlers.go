/*
handlers.go - HTTP handlers for the credit ledger

PURPOSE:
  The in-process collaborators described by the ledger's contract,
  expressed as HTTP endpoints: a payment-success handler calls the grant
  endpoint, a metered-operation handler calls consume before starting
  billable work, and the login flow calls the bonus endpoint.

ENDPOINTS:
  POST /api/users/{id}/grants    Issue a grant
  POST /api/users/{id}/consume   Withdraw credits (FIFO by expiry)
  GET  /api/users/{id}/balance   Spendable balance
  GET  /api/users/{id}/entries   Recent ledger entries
  POST /api/login/bonus          One-time signup bonus attempt

ERROR HANDLING:
  - 400: Validation errors, invalid input
  - 402: Insufficient credits
  - 404: Resource not found
  - 409: Duplicate transaction number
  - 422: Ledger fragmentation cap hit
  - 500: Internal errors
  The bonus endpoint never propagates gate failures: login must not break
  because a bonus was withheld or the store hiccuped.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/warp/credit-engine/bonus"
	"github.com/warp/credit-engine/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *ledger.Engine
	Gate   *bonus.Gate
	Store  ledger.TxStore
}

// NewHandler creates a new handler.
func NewHandler(engine *ledger.Engine, gate *bonus.Gate, store ledger.TxStore) *Handler {
	return &Handler{Engine: engine, Gate: gate, Store: store}
}

// =============================================================================
// GRANT
// =============================================================================

// CreateGrant issues a grant for a user.
// POST /api/users/{id}/grants
func (h *Handler) CreateGrant(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	var req GrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Credits <= 0 {
		writeError(w, http.StatusBadRequest, "Credits must be positive", nil)
		return
	}
	scene, ok := parseScene(req.Scene)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scene: "+req.Scene, nil)
		return
	}

	entry, err := h.Engine.Grant(r.Context(), ledger.GrantInput{
		User:        ledger.User{ID: userID, Email: req.Email},
		Credits:     req.Credits,
		Scene:       scene,
		Description: req.Description,
		ValidDays:   req.ValidDays,
		PeriodEnd:   req.PeriodEnd,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to issue grant", err)
		return
	}

	grantsTotal.WithLabelValues(string(scene)).Inc()
	grantedCreditsTotal.WithLabelValues(string(scene)).Add(float64(req.Credits))
	writeJSON(w, http.StatusCreated, toEntryDTO(*entry))
}

// =============================================================================
// CONSUME
// =============================================================================

// Consume withdraws credits from a user's balance.
// POST /api/users/{id}/consume
func (h *Handler) Consume(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	var req ConsumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	scene, ok := parseScene(req.Scene)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scene: "+req.Scene, nil)
		return
	}

	entry, err := h.Engine.Consume(r.Context(), userID, req.Amount, scene, req.Description, req.Metadata)
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount):
		consumptionsTotal.WithLabelValues("error").Inc()
		writeError(w, http.StatusBadRequest, "Amount must be positive", err)
	case errors.Is(err, ledger.ErrInsufficientCredits):
		consumptionsTotal.WithLabelValues("insufficient").Inc()
		writeError(w, http.StatusPaymentRequired, "Not enough credits", err)
	case errors.Is(err, ledger.ErrLedgerFragmentation):
		consumptionsTotal.WithLabelValues("fragmented").Inc()
		writeError(w, http.StatusUnprocessableEntity, "Consumption failed", err)
	case err != nil:
		consumptionsTotal.WithLabelValues("error").Inc()
		writeError(w, http.StatusInternalServerError, "Failed to consume credits", err)
	default:
		consumptionsTotal.WithLabelValues("ok").Inc()
		consumedCreditsTotal.Add(float64(req.Amount))
		writeJSON(w, http.StatusCreated, toEntryDTO(*entry))
	}
}

// =============================================================================
// BALANCE / ENTRIES
// =============================================================================

// GetBalance returns the user's spendable balance.
// GET /api/users/{id}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	balance, err := h.Engine.Balance(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{UserID: userID, Balance: balance})
}

// ListEntries returns the user's recent ledger entries.
// GET /api/users/{id}/entries?limit=N
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	entries, err := h.Store.Entries(r.Context(), userID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list entries", err)
		return
	}

	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// LOGIN BONUS
// =============================================================================

// LoginBonus attempts the one-time signup bonus. Always returns 200 with a
// BonusDTO: a withheld bonus or even a store failure must not break login.
// POST /api/login/bonus
func (h *Handler) LoginBonus(w http.ResponseWriter, r *http.Request) {
	var req LoginBonusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required", nil)
		return
	}

	claim := bonus.Claim{
		SignupIP: req.SignupIP,
		ClaimIP:  ClientIP(r),
		Country:  ClientCountry(r),
	}

	entry, err := h.Gate.Grant(r.Context(), ledger.User{ID: req.UserID, Email: req.Email}, claim)
	if err != nil {
		log.Printf("[Bonus] grant failed for user %s: %v", req.UserID, err)
		bonusTotal.WithLabelValues("error").Inc()
		writeJSON(w, http.StatusOK, BonusDTO{Granted: false})
		return
	}
	if entry == nil {
		bonusTotal.WithLabelValues("withheld").Inc()
		writeJSON(w, http.StatusOK, BonusDTO{Granted: false})
		return
	}

	dto := toEntryDTO(*entry)
	bonusTotal.WithLabelValues("granted").Inc()
	writeJSON(w, http.StatusOK, BonusDTO{Granted: true, Entry: &dto})
}

// =============================================================================
// HELPERS
// =============================================================================

func parseScene(s string) (ledger.Scene, bool) {
	switch ledger.Scene(s) {
	case ledger.ScenePayment, ledger.SceneSubscription, ledger.SceneRenewal,
		ledger.SceneGift, ledger.SceneReward:
		return ledger.Scene(s), true
	}
	return "", false
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
