package ledger

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// AccountType enumerates CoA categories.
type AccountType string

const (
	AccountTypeAsset     AccountType = "ASSET"
	AccountTypeLiability AccountType = "LIABILITY"
	AccountTypeEquity    AccountType = "EQUITY"
	AccountTypeRevenue   AccountType = "REVENUE"
	AccountTypeExpense   AccountType = "EXPENSE"
)

// JournalType enumerates journal kinds. Withholding entries always go to a
// GENERAL ("miscellaneous operations") journal so they are not confused with
// invoices by downstream consumers.
type JournalType string

const (
	JournalTypeGeneral  JournalType = "GENERAL"
	JournalTypeSale     JournalType = "SALE"
	JournalTypePurchase JournalType = "PURCHASE"
)

// EntryStatus enumerates journal-entry lifecycle values.
type EntryStatus string

const (
	EntryStatusPosted EntryStatus = "POSTED"
	EntryStatusVoid   EntryStatus = "VOID"
)

// Account models a chart of accounts node, scoped by company.
type Account struct {
	ID        int64
	Code      string
	Name      string
	Type      AccountType
	CompanyID int64
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Journal groups entries by business function within a company.
type Journal struct {
	ID        int64
	Code      string
	Name      string
	Type      JournalType
	CompanyID int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Entry captures a posted journal entry and its metadata.
type Entry struct {
	ID           int64
	Number       int64
	JournalID    int64
	CompanyID    int64
	PartnerID    *int64
	Date         time.Time
	Ref          string
	SourceModule string
	SourceID     uuid.UUID
	Status       EntryStatus
	PostedBy     int64
	PostedAt     time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Lines        []Line
}

// Line stores a debit or credit amount for an account.
type Line struct {
	ID          int64
	EntryID     int64
	AccountID   int64
	PartnerID   *int64
	Description string
	Debit       float64
	Credit      float64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Amount returns the signed magnitude of the line (debit positive).
func (l Line) Amount() float64 {
	return math.Abs(l.Debit - l.Credit)
}

// Reconciliation marks two or more lines on the same account as settled
// against each other. A line may participate in several reconciliations
// (partial settlement).
type Reconciliation struct {
	ID        int64
	AccountID int64
	LineIDs   []int64
	CreatedAt time.Time
}

// PostingLineInput describes a journal line for a posting request.
type PostingLineInput struct {
	AccountID   int64
	PartnerID   *int64
	Description string
	Debit       float64
	Credit      float64
}

// PostingInput groups fields required to create a journal entry.
type PostingInput struct {
	JournalID    int64
	CompanyID    int64
	PartnerID    *int64
	Date         time.Time
	Ref          string
	SourceModule string
	SourceID     uuid.UUID
	PostedBy     int64
	Lines        []PostingLineInput
}

var (
	// ErrUnbalanced indicates debit != credit.
	ErrUnbalanced = errors.New("ledger: journal lines must balance")
	// ErrTooFewLines indicates less than two lines.
	ErrTooFewLines = errors.New("ledger: journal entry requires at least two lines")
	// ErrJournalNotFound indicates no journal matches the lookup.
	ErrJournalNotFound = errors.New("ledger: journal not found")
	// ErrAccountNotFound indicates a missing account.
	ErrAccountNotFound = errors.New("ledger: account not found")
	// ErrEntryNotFound indicates a missing entry.
	ErrEntryNotFound = errors.New("ledger: journal entry not found")
	// ErrSourceAlreadyLinked indicates idempotency conflict.
	ErrSourceAlreadyLinked = errors.New("ledger: source already linked")
	// ErrInvalidStatus indicates action can't proceed.
	ErrInvalidStatus = errors.New("ledger: invalid status transition")
	// ErrReconcileTooFew indicates less than two lines in a reconciliation.
	ErrReconcileTooFew = errors.New("ledger: reconciliation requires at least two lines")
	// ErrReconcileMismatch indicates reconciled lines span several accounts.
	ErrReconcileMismatch = errors.New("ledger: reconciled lines must share an account")
)

// Round2 rounds a monetary amount to two decimals.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Validate ensures posting input meets minimum criteria.
func (in PostingInput) Validate() error {
	if in.JournalID == 0 {
		return errors.New("ledger: journal required")
	}
	if in.CompanyID == 0 {
		return errors.New("ledger: company required")
	}
	if len(in.Lines) < 2 {
		return ErrTooFewLines
	}
	var debit, credit float64
	for idx, line := range in.Lines {
		if line.AccountID == 0 {
			return fmt.Errorf("ledger: line %d missing account", idx)
		}
		if line.Debit < 0 || line.Credit < 0 {
			return fmt.Errorf("ledger: line %d negative amount", idx)
		}
		if line.Debit > 0 && line.Credit > 0 {
			return fmt.Errorf("ledger: line %d cannot be both debit and credit", idx)
		}
		debit += line.Debit
		credit += line.Credit
	}
	if fmt.Sprintf("%.2f", debit) != fmt.Sprintf("%.2f", credit) {
		return ErrUnbalanced
	}
	if in.SourceModule == "" {
		return errors.New("ledger: source module required")
	}
	if in.SourceID == uuid.Nil {
		return errors.New("ledger: source id required")
	}
	return nil
}
