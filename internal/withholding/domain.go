package withholding

import (
	"errors"
	"time"
)

// Category classifies a withholding rate under Angolan tax law.
type Category string

const (
	// CategoryII is Imposto Industrial (industrial tax, services).
	CategoryII Category = "II"
	// CategoryIPU is Imposto Predial Urbano (urban property tax, rents).
	CategoryIPU Category = "IPU"
	// CategoryIAC is Imposto sobre Aplicação de Capitais (capital income).
	CategoryIAC Category = "IAC"
)

// Valid reports whether the category is a known value.
func (c Category) Valid() bool {
	switch c {
	case CategoryII, CategoryIPU, CategoryIAC:
		return true
	}
	return false
}

// Rate is a named withholding tax rate, scoped to a company. AccountID is
// the liability account credited when the withheld amount is provisioned; it
// may be left unset while the rate is being configured, but posting against
// a rate without it is a blocking error.
type Rate struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Code       string    `json:"code"`
	Category   Category  `json:"category"`
	Percentage float64   `json:"percentage"`
	AccountID  *int64    `json:"account_id,omitempty"`
	CompanyID  int64     `json:"company_id"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ReportRow aggregates withheld amounts for one rate over a period.
type ReportRow struct {
	RateID       int64    `json:"rate_id"`
	RateName     string   `json:"rate_name"`
	RateCode     string   `json:"rate_code"`
	Category     Category `json:"category"`
	Percentage   float64  `json:"percentage"`
	InvoiceCount int64    `json:"invoice_count"`
	Base         float64  `json:"base"`
	Amount       float64  `json:"amount"`
}

// InvoiceRow is one withheld invoice listed in the period report.
type InvoiceRow struct {
	InvoiceID         int64     `json:"invoice_id"`
	Number            string    `json:"number"`
	PartnerID         int64     `json:"partner_id"`
	Date              time.Time `json:"date"`
	AmountTotal       float64   `json:"amount_total"`
	WithholdingAmount float64   `json:"withholding_amount"`
	NetAmount         float64   `json:"net_amount"`
}

// Report is the per-period withholding summary used for tax filing: the
// withheld invoices of the period plus a per-rate rollup.
type Report struct {
	CompanyID   int64        `json:"company_id"`
	From        time.Time    `json:"from"`
	To          time.Time    `json:"to"`
	Invoices    []InvoiceRow `json:"invoices"`
	Rows        []ReportRow  `json:"rows"`
	TotalBase   float64      `json:"total_base"`
	TotalAmount float64      `json:"total_amount"`
	GeneratedAt time.Time    `json:"generated_at"`
}

var (
	// ErrRateNotFound indicates a missing rate.
	ErrRateNotFound = errors.New("withholding: rate not found")
	// ErrInvalidPercentage indicates a percentage outside (0, 100].
	ErrInvalidPercentage = errors.New("withholding: percentage must be between 0 and 100")
	// ErrLiabilityAccountMissing indicates a rate without a configured
	// liability account was used in posting.
	ErrLiabilityAccountMissing = errors.New("withholding: rate has no liability account configured")
	// ErrMiscJournalMissing indicates no miscellaneous-operations journal
	// exists for the company.
	ErrMiscJournalMissing = errors.New("withholding: no miscellaneous operations journal configured for company")
	// ErrNoSettlementLine indicates the posted invoice entry has no line on
	// the partner's receivable or payable account.
	ErrNoSettlementLine = errors.New("withholding: invoice has no settlement line")
	// ErrNoInvoicesInPeriod indicates a report request over a period in which
	// no posted invoice carries withholding.
	ErrNoInvoicesInPeriod = errors.New("withholding: no invoices with withholding in the selected period")
)
