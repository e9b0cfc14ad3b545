package invoicing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fontetax/fontetax/internal/ledger"
	"github.com/fontetax/fontetax/internal/shared"
)

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	List(ctx context.Context, companyID int64) ([]Invoice, error)
}

// AuditPort records document lifecycle events.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service coordinates the invoice lifecycle: draft mutations, finalization
// (posting to the ledger) and certification.
type Service struct {
	repo     RepositoryPort
	rates    RateSource
	partners PartnerDirectory
	hooks    LifecycleHooks
	audit    AuditPort
	now      func() time.Time
}

// NewService constructs the invoicing service.
func NewService(repo RepositoryPort, rates RateSource, partners PartnerDirectory, audit AuditPort) *Service {
	return &Service{repo: repo, rates: rates, partners: partners, audit: audit, now: time.Now}
}

// SetHooks installs lifecycle hooks. Called once during wiring; a nil hooks
// value disables withholding participation.
func (s *Service) SetHooks(hooks LifecycleHooks) {
	s.hooks = hooks
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Create stores a new draft document. The partner's default withholding rate
// is a suggestion only: it is applied to unbound PRODUCT lines solely when
// the caller opts in via prefillDefault, never implicitly, so a line sent
// without a binding stays unbound.
func (s *Service) Create(ctx context.Context, inv Invoice, prefillDefault bool) (Invoice, error) {
	if !inv.DocType.IsInvoice() && inv.DocType != DocTypeEntry {
		return Invoice{}, fmt.Errorf("invoicing: unknown document type %q", inv.DocType)
	}
	if inv.CompanyID <= 0 || inv.PartnerID <= 0 {
		return Invoice{}, errors.New("invoicing: company and partner are required")
	}
	if inv.Date.IsZero() {
		inv.Date = s.now()
	}
	if prefillDefault && inv.DocType.IsInvoice() {
		_, _, defaultRateID, err := s.partners.PartnerInfo(ctx, inv.PartnerID)
		if err != nil {
			return Invoice{}, fmt.Errorf("invoicing: resolve partner: %w", err)
		}
		applyDefaultRate(inv.Lines, defaultRateID)
	}
	if err := s.recompute(ctx, &inv); err != nil {
		return Invoice{}, err
	}
	var created Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inserted, err := tx.InsertInvoice(ctx, inv)
		if err != nil {
			return err
		}
		if inserted.Lines, err = tx.ReplaceLines(ctx, inserted.ID, inv.Lines); err != nil {
			return err
		}
		if err := tx.SaveTotals(ctx, inserted); err != nil {
			return err
		}
		created = inserted
		return nil
	})
	if err != nil {
		return Invoice{}, err
	}
	return created, nil
}

// UpdateLines replaces the full line set of a draft document. Withholding
// bindings of the current PRODUCT lines are captured by position and
// restored onto incoming lines that do not carry their own binding. When the
// PRODUCT line count changes the captured bindings are discarded without
// error, since the document's shape has genuinely changed.
func (s *Service) UpdateLines(ctx context.Context, id int64, lines []Line) (Invoice, error) {
	var updated Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.GetInvoice(ctx, id)
		if err != nil {
			return err
		}
		if inv.Status != StatusDraft {
			return ErrNotDraft
		}
		captured := captureBindings(inv.Lines)
		reapplyBindings(captured, lines)
		inv.Lines = lines
		if err := s.recompute(ctx, &inv); err != nil {
			return err
		}
		if inv.Lines, err = tx.ReplaceLines(ctx, id, inv.Lines); err != nil {
			return err
		}
		if err := tx.SaveTotals(ctx, inv); err != nil {
			return err
		}
		updated = inv
		return nil
	})
	if err != nil {
		return Invoice{}, err
	}
	return updated, nil
}

// Finalize posts a draft document. For invoice types it recomputes every
// aggregate, posts the document's journal entry and then hands the ledger
// transaction to the lifecycle hooks, so the invoice entry, every
// withholding entry and their reconciliations commit atomically or not at
// all. ENTRY documents are marked posted without touching the ledger.
func (s *Service) Finalize(ctx context.Context, id, actorID int64) (Invoice, error) {
	var finalized Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.GetInvoice(ctx, id)
		if err != nil {
			return err
		}
		if inv.Status != StatusDraft {
			return ErrNotDraft
		}
		if len(inv.Lines) == 0 {
			return ErrNoLines
		}
		if err := s.recompute(ctx, &inv); err != nil {
			return err
		}
		if s.hooks != nil {
			if err := s.hooks.BeforeFinalize(ctx, &inv); err != nil {
				return err
			}
		}
		number, err := tx.AssignNumber(ctx, inv.ID, numberPrefix(inv.DocType), inv.Date)
		if err != nil {
			return err
		}
		inv.Number = number
		if err := tx.SaveTotals(ctx, inv); err != nil {
			return err
		}

		if !inv.DocType.IsInvoice() {
			if err := tx.MarkPosted(ctx, inv.ID, 0); err != nil {
				return err
			}
			inv.Status = StatusPosted
			finalized = inv
			return nil
		}

		entry, settlementAccount, err := s.postInvoiceEntry(ctx, tx.Ledger(), inv, actorID)
		if err != nil {
			return err
		}
		if err := tx.MarkPosted(ctx, inv.ID, entry.ID); err != nil {
			return err
		}
		inv.Status = StatusPosted
		inv.LedgerEntryID = &entry.ID

		if s.hooks != nil {
			err := s.hooks.AfterFinalize(ctx, tx.Ledger(), FinalizedEvent{
				Invoice:             inv,
				SettlementAccountID: settlementAccount,
				PostedBy:            actorID,
			})
			if err != nil {
				return err
			}
		}
		finalized = inv
		return nil
	})
	if err != nil {
		return Invoice{}, err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   "invoicing.finalize",
			Entity:   "invoice",
			EntityID: fmt.Sprintf("%d", finalized.ID),
			Meta: map[string]any{
				"number":             finalized.Number,
				"amount_total":       finalized.AmountTotal,
				"withholding_amount": finalized.WithholdingAmount,
				"net_amount":         finalized.NetAmount,
			},
			At: s.now(),
		})
	}
	return finalized, nil
}

// Certify freezes a posted document for fiscal reporting. Aggregates are
// recomputed from the stored lines immediately before hashing, so the
// certified figures can never be stale.
func (s *Service) Certify(ctx context.Context, id, actorID int64) (Invoice, error) {
	var certified Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.GetInvoice(ctx, id)
		if err != nil {
			return err
		}
		if inv.Status != StatusPosted {
			return ErrNotPosted
		}
		if inv.CertHash != "" {
			return ErrAlreadyCertified
		}
		if err := s.recompute(ctx, &inv); err != nil {
			return err
		}
		if err := tx.SaveTotals(ctx, inv); err != nil {
			return err
		}
		if s.hooks != nil {
			if err := s.hooks.BeforeCertify(ctx, &inv); err != nil {
				return err
			}
		}
		at := s.now()
		hash := certHash(inv)
		if err := tx.MarkCertified(ctx, inv.ID, hash, at); err != nil {
			return err
		}
		inv.CertHash = hash
		inv.CertifiedAt = &at
		certified = inv
		return nil
	})
	if err != nil {
		return Invoice{}, err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   "invoicing.certify",
			Entity:   "invoice",
			EntityID: fmt.Sprintf("%d", certified.ID),
			Meta:     map[string]any{"cert_hash": certified.CertHash},
			At:       s.now(),
		})
	}
	return certified, nil
}

// Get loads a document with lines and breakdown.
func (s *Service) Get(ctx context.Context, id int64) (Invoice, error) {
	var inv Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		inv, err = tx.GetInvoice(ctx, id)
		return err
	})
	return inv, err
}

// List returns the documents of a company.
func (s *Service) List(ctx context.Context, companyID int64) ([]Invoice, error) {
	return s.repo.List(ctx, companyID)
}

// Outstanding returns the unsettled balance on the document's settlement
// line. Right after finalization of a withheld invoice this equals the net
// amount: the withheld part was reconciled by the withholding entries.
func (s *Service) Outstanding(ctx context.Context, id int64) (float64, error) {
	var outstanding float64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.GetInvoice(ctx, id)
		if err != nil {
			return err
		}
		if inv.Status != StatusPosted || inv.LedgerEntryID == nil {
			return ErrNotPosted
		}
		settlementAccount, err := s.settlementAccount(ctx, inv)
		if err != nil {
			return err
		}
		entry, err := tx.Ledger().GetEntryWithLines(ctx, *inv.LedgerEntryID)
		if err != nil {
			return err
		}
		for _, line := range entry.Lines {
			if line.AccountID != settlementAccount {
				continue
			}
			matched, err := tx.Ledger().MatchedAgainst(ctx, line.ID)
			if err != nil {
				return err
			}
			outstanding = ledger.Round2(line.Amount() - matched)
			return nil
		}
		return ledger.ErrEntryNotFound
	})
	return outstanding, err
}

// recompute resolves the rates referenced by the lines and rebuilds every
// derived aggregate.
func (s *Service) recompute(ctx context.Context, inv *Invoice) error {
	var rates map[int64]RateRef
	ids := boundRateIDs(inv.Lines)
	if len(ids) > 0 {
		var err error
		rates, err = s.rates.RatesByIDs(ctx, inv.CompanyID, ids)
		if err != nil {
			return fmt.Errorf("invoicing: resolve rates: %w", err)
		}
	}
	return ComputeTotals(inv, rates)
}

func (s *Service) settlementAccount(ctx context.Context, inv Invoice) (int64, error) {
	receivable, payable, _, err := s.partners.PartnerInfo(ctx, inv.PartnerID)
	if err != nil {
		return 0, fmt.Errorf("invoicing: resolve partner: %w", err)
	}
	if inv.DocType == DocTypeVendorBill {
		return payable, nil
	}
	return receivable, nil
}

// postInvoiceEntry writes the document's own journal entry: the settlement
// leg against the partner's receivable or payable account, balanced by one
// leg per product and tax line. The settlement leg is always the first line
// of the entry.
func (s *Service) postInvoiceEntry(ctx context.Context, ltx ledger.TxRepository, inv Invoice, actorID int64) (ledger.Entry, int64, error) {
	settlementAccount, err := s.settlementAccount(ctx, inv)
	if err != nil {
		return ledger.Entry{}, 0, err
	}
	journalType := ledger.JournalTypeSale
	if inv.DocType == DocTypeVendorBill {
		journalType = ledger.JournalTypePurchase
	}
	journal, err := ltx.FindJournalByType(ctx, journalType, inv.CompanyID)
	if err != nil {
		return ledger.Entry{}, 0, err
	}

	debitSettlement := inv.DocType == DocTypeCustomerInvoice
	partnerID := inv.PartnerID
	lines := []ledger.PostingLineInput{{
		AccountID:   settlementAccount,
		PartnerID:   &partnerID,
		Description: inv.Number,
	}}
	if debitSettlement {
		lines[0].Debit = inv.AmountTotal
	} else {
		lines[0].Credit = inv.AmountTotal
	}
	for _, line := range inv.Lines {
		if line.Kind == LineKindNote || line.Subtotal == 0 {
			continue
		}
		leg := ledger.PostingLineInput{
			AccountID:   line.AccountID,
			Description: line.Description,
		}
		if debitSettlement {
			leg.Credit = line.Subtotal
		} else {
			leg.Debit = line.Subtotal
		}
		lines = append(lines, leg)
	}

	input := ledger.PostingInput{
		JournalID:    journal.ID,
		CompanyID:    inv.CompanyID,
		PartnerID:    &partnerID,
		Date:         inv.Date,
		Ref:          inv.Number,
		SourceModule: "invoicing",
		SourceID:     uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("invoice:%d", inv.ID))),
		PostedBy:     actorID,
		Lines:        lines,
	}
	if err := input.Validate(); err != nil {
		return ledger.Entry{}, 0, err
	}
	entry, err := ltx.InsertEntry(ctx, input)
	if err != nil {
		return ledger.Entry{}, 0, err
	}
	inserted, err := ltx.InsertLines(ctx, entry.ID, input.Lines)
	if err != nil {
		return ledger.Entry{}, 0, err
	}
	if err := ltx.LinkSource(ctx, input.SourceModule, input.SourceID, entry.ID); err != nil {
		if errors.Is(err, ledger.ErrSourceConflict) {
			return ledger.Entry{}, 0, ledger.ErrSourceAlreadyLinked
		}
		return ledger.Entry{}, 0, err
	}
	entry.Lines = inserted
	return entry, settlementAccount, nil
}

func numberPrefix(t DocType) string {
	switch t {
	case DocTypeCustomerInvoice:
		return "INV"
	case DocTypeVendorBill:
		return "BILL"
	default:
		return "MISC"
	}
}

// certHash produces the certification digest over the document's identifying
// and monetary fields, including the withholding breakdown.
func certHash(inv Invoice) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s|%s|%d|%.2f|%.2f|%.2f|%.2f|%.2f",
		inv.Number, inv.DocType, inv.Date.Format("2006-01-02"), inv.PartnerID,
		inv.AmountUntaxed, inv.TaxAmount, inv.AmountTotal, inv.WithholdingAmount, inv.NetAmount)
	for _, row := range inv.Breakdown {
		fmt.Fprintf(&b, "|%d:%.2f:%.2f", row.RateID, row.Base, row.Amount)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
