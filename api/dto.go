/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal ledger model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/credit-engine/ledger"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// GrantRequest creates a grant for a user. Sent by payment/subscription
// success handlers.
type GrantRequest struct {
	Email       string     `json:"email,omitempty"`
	Credits     int64      `json:"credits"`
	Scene       string     `json:"scene"`
	Description string     `json:"description,omitempty"`
	ValidDays   int        `json:"valid_days,omitempty"`
	PeriodEnd   *time.Time `json:"period_end,omitempty"`
}

// ConsumeRequest withdraws credits ahead of a metered operation.
type ConsumeRequest struct {
	Amount      int64             `json:"amount"`
	Scene       string            `json:"scene"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// LoginBonusRequest attempts the one-time signup bonus on login. Claim IP
// and country come from request headers, not the body.
type LoginBonusRequest struct {
	UserID   string `json:"user_id"`
	Email    string `json:"email,omitempty"`
	SignupIP string `json:"signup_ip,omitempty"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// EntryDTO represents a ledger entry in API responses.
type EntryDTO struct {
	ID               string            `json:"id"`
	TransactionNo    string            `json:"transaction_no"`
	UserID           string            `json:"user_id"`
	Type             string            `json:"type"`
	Scene            string            `json:"scene"`
	Credits          int64             `json:"credits"`
	RemainingCredits int64             `json:"remaining_credits,omitempty"`
	Status           string            `json:"status"`
	ExpiresAt        *time.Time        `json:"expires_at,omitempty"`
	ConsumedDetail   []ledger.Draw     `json:"consumed_detail,omitempty"`
	Description      string            `json:"description,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// BalanceDTO is the user's spendable balance.
type BalanceDTO struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}

// BonusDTO reports the outcome of a login-bonus attempt. Granted is false
// both when a policy gate withheld the bonus and when it was never enabled;
// login proceeds either way.
type BonusDTO struct {
	Granted bool      `json:"granted"`
	Entry   *EntryDTO `json:"entry,omitempty"`
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toEntryDTO(e ledger.Entry) EntryDTO {
	return EntryDTO{
		ID:               e.ID,
		TransactionNo:    e.TransactionNo,
		UserID:           e.UserID,
		Type:             string(e.Type),
		Scene:            string(e.Scene),
		Credits:          e.Credits,
		RemainingCredits: e.RemainingCredits,
		Status:           string(e.Status),
		ExpiresAt:        e.ExpiresAt,
		ConsumedDetail:   e.ConsumedDetail,
		Description:      e.Description,
		Metadata:         e.Metadata,
		CreatedAt:        e.CreatedAt,
	}
}
