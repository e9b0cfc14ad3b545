package partners

import (
	"errors"
	"time"
)

// Partner represents a customer or supplier counterpart. The receivable and
// payable accounts are the settlement accounts used by invoice finalization;
// WithholdingRateID is a default suggestion for new invoice lines, never
// authoritative over an explicit line-level choice.
type Partner struct {
	ID                  int64     `json:"id"`
	Code                string    `json:"code"`
	Name                string    `json:"name"`
	CompanyID           int64     `json:"company_id"`
	ReceivableAccountID int64     `json:"receivable_account_id"`
	PayableAccountID    int64     `json:"payable_account_id"`
	WithholdingRateID   *int64    `json:"withholding_rate_id,omitempty"`
	Email               string    `json:"email"`
	Phone               string    `json:"phone"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// ErrNotFound indicates a missing partner.
var ErrNotFound = errors.New("partners: not found")
