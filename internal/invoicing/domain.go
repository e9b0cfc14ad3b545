package invoicing

import (
	"context"
	"errors"
	"time"

	"github.com/fontetax/fontetax/internal/ledger"
)

// DocType enumerates document kinds handled by the service.
type DocType string

const (
	DocTypeCustomerInvoice DocType = "CUSTOMER_INVOICE"
	DocTypeVendorBill      DocType = "VENDOR_BILL"
	DocTypeEntry           DocType = "ENTRY"
)

// IsInvoice reports whether the document participates in withholding.
func (t DocType) IsInvoice() bool {
	return t == DocTypeCustomerInvoice || t == DocTypeVendorBill
}

// Status enumerates document lifecycle states.
type Status string

const (
	StatusDraft  Status = "DRAFT"
	StatusPosted Status = "POSTED"
	StatusVoid   Status = "VOID"
)

// LineKind classifies invoice lines. Only PRODUCT lines carry a withholding
// binding; TAX lines are produced by regular tax computation and are never
// bound.
type LineKind string

const (
	LineKindProduct  LineKind = "PRODUCT"
	LineKindTax      LineKind = "TAX"
	LineKindRounding LineKind = "ROUNDING"
	LineKindNote     LineKind = "NOTE"
)

// Line is a single invoice line. WithholdingRateID, when set, binds the line
// to a withholding rate; the binding survives bulk line rewrites through
// positional capture (see binding.go).
type Line struct {
	ID                int64    `json:"id"`
	InvoiceID         int64    `json:"invoice_id"`
	Seq               int      `json:"seq"`
	Kind              LineKind `json:"kind"`
	Description       string   `json:"description"`
	AccountID         int64    `json:"account_id"`
	Quantity          float64  `json:"quantity"`
	UnitPrice         float64  `json:"unit_price"`
	Subtotal          float64  `json:"subtotal"`
	WithholdingRateID *int64   `json:"withholding_rate_id,omitempty"`
}

// BreakdownRow is one aggregated withholding group. Rows are keyed by rate
// identity and ordered by first encounter across the invoice lines.
type BreakdownRow struct {
	RateID     int64   `json:"rate_id"`
	RateName   string  `json:"rate_name"`
	RateCode   string  `json:"rate_code"`
	Percentage float64 `json:"percentage"`
	Base       float64 `json:"base"`
	Amount     float64 `json:"amount"`
}

// Invoice is the document aggregate. AmountUntaxed, TaxAmount, AmountTotal,
// WithholdingAmount, NetAmount and Breakdown are all derived from Lines and
// recomputed on every mutation.
type Invoice struct {
	ID                int64          `json:"id"`
	Number            string         `json:"number"`
	DocType           DocType        `json:"doc_type"`
	Status            Status         `json:"status"`
	CompanyID         int64          `json:"company_id"`
	PartnerID         int64          `json:"partner_id"`
	Date              time.Time      `json:"date"`
	AmountUntaxed     float64        `json:"amount_untaxed"`
	TaxAmount         float64        `json:"tax_amount"`
	AmountTotal       float64        `json:"amount_total"`
	WithholdingAmount float64        `json:"withholding_amount"`
	NetAmount         float64        `json:"net_amount"`
	Breakdown         []BreakdownRow `json:"breakdown,omitempty"`
	CertHash          string         `json:"cert_hash,omitempty"`
	CertifiedAt       *time.Time     `json:"certified_at,omitempty"`
	LedgerEntryID     *int64         `json:"ledger_entry_id,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	Lines             []Line         `json:"lines"`
}

// RateRef is the projection of a withholding rate the invoicing module needs
// to compute and post. The liability account may be absent; posting treats
// that as a blocking configuration error.
type RateRef struct {
	ID         int64
	Name       string
	Code       string
	Percentage float64
	AccountID  *int64
}

// RateSource resolves withholding rates referenced by invoice lines.
type RateSource interface {
	RatesByIDs(ctx context.Context, companyID int64, ids []int64) (map[int64]RateRef, error)
}

// PartnerDirectory resolves the settlement accounts and default withholding
// rate for a partner.
type PartnerDirectory interface {
	PartnerInfo(ctx context.Context, id int64) (receivableAccountID, payableAccountID int64, defaultRateID *int64, err error)
}

// FinalizedEvent carries the facts the withholding engine needs to post its
// own entries inside the finalization transaction. SettlementAccountID is
// the partner's receivable or payable account, matching the document
// direction; the engine locates the settlement line on the posted entry
// itself.
type FinalizedEvent struct {
	Invoice             Invoice
	SettlementAccountID int64
	PostedBy            int64
}

// LifecycleHooks lets the withholding module participate in the document
// lifecycle. AfterFinalize runs inside the finalization transaction and
// receives the same ledger transaction the invoice entry was posted with, so
// a hook failure rolls back the whole finalization.
type LifecycleHooks interface {
	BeforeFinalize(ctx context.Context, inv *Invoice) error
	AfterFinalize(ctx context.Context, tx ledger.TxRepository, ev FinalizedEvent) error
	BeforeCertify(ctx context.Context, inv *Invoice) error
}

var (
	// ErrNotFound indicates a missing invoice.
	ErrNotFound = errors.New("invoicing: invoice not found")
	// ErrNotDraft indicates a mutation on a finalized document.
	ErrNotDraft = errors.New("invoicing: document is not a draft")
	// ErrNotPosted indicates an action that requires a posted document.
	ErrNotPosted = errors.New("invoicing: document is not posted")
	// ErrUnknownRate indicates a line references a rate that does not exist
	// in the document's company.
	ErrUnknownRate = errors.New("invoicing: unknown withholding rate")
	// ErrNoLines indicates finalization of an empty document.
	ErrNoLines = errors.New("invoicing: document has no lines")
	// ErrAlreadyCertified indicates a repeated certification.
	ErrAlreadyCertified = errors.New("invoicing: document already certified")
)
