package withholding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/fontetax/fontetax/internal/invoicing"
	"github.com/fontetax/fontetax/internal/ledger"
)

// Engine posts withholding entries during invoice finalization. It
// implements the invoicing lifecycle hooks and runs inside the finalization
// transaction, so a blocking error here rolls back the invoice entry, every
// withholding entry and all reconciliations at once.
type Engine struct {
	rates    RepositoryPort
	reporter *Reporter
	logger   *slog.Logger
}

// NewEngine constructs the posting engine. The reporter is optional; when
// set, cached period reports are invalidated after posting.
func NewEngine(rates RepositoryPort, reporter *Reporter, logger *slog.Logger) *Engine {
	return &Engine{rates: rates, reporter: reporter, logger: logger}
}

var _ invoicing.LifecycleHooks = (*Engine)(nil)

// BeforeFinalize verifies that every rate bound to the document still
// exists, so an invoice cannot be finalized against a deleted rate.
func (e *Engine) BeforeFinalize(ctx context.Context, inv *invoicing.Invoice) error {
	if !inv.DocType.IsInvoice() || len(inv.Breakdown) == 0 {
		return nil
	}
	rates, err := e.rates.ByIDs(ctx, inv.CompanyID, breakdownRateIDs(inv.Breakdown))
	if err != nil {
		return err
	}
	for _, row := range inv.Breakdown {
		if _, ok := rates[row.RateID]; !ok {
			return fmt.Errorf("%w: id %d", ErrRateNotFound, row.RateID)
		}
	}
	return nil
}

// AfterFinalize posts one balanced entry per distinct rate on the invoice:
// a debit on the invoice's settlement account and a credit on the rate's
// liability account, both carrying the invoice partner. Each entry's debit
// leg is then reconciled against the invoice's settlement line, so the
// outstanding balance drops to the net amount.
func (e *Engine) AfterFinalize(ctx context.Context, ltx ledger.TxRepository, ev invoicing.FinalizedEvent) error {
	inv := ev.Invoice
	if !inv.DocType.IsInvoice() || inv.WithholdingAmount <= 0 || inv.LedgerEntryID == nil {
		return nil
	}

	rates, err := e.rates.ByIDs(ctx, inv.CompanyID, breakdownRateIDs(inv.Breakdown))
	if err != nil {
		return err
	}

	entry, err := ltx.GetEntryWithLines(ctx, *inv.LedgerEntryID)
	if err != nil {
		return err
	}
	var settlementLine *ledger.Line
	for i := range entry.Lines {
		if entry.Lines[i].AccountID == ev.SettlementAccountID {
			settlementLine = &entry.Lines[i]
			break
		}
	}
	if settlementLine == nil {
		return fmt.Errorf("%w: invoice %s", ErrNoSettlementLine, inv.Number)
	}

	journal, err := ltx.FindJournalByType(ctx, ledger.JournalTypeGeneral, inv.CompanyID)
	if err != nil {
		if errors.Is(err, ledger.ErrJournalNotFound) {
			return ErrMiscJournalMissing
		}
		return err
	}

	// Validate every rate before posting anything, so a configuration error
	// on the last rate cannot leave earlier entries behind.
	for _, row := range inv.Breakdown {
		rate, ok := rates[row.RateID]
		if !ok {
			return fmt.Errorf("%w: id %d", ErrRateNotFound, row.RateID)
		}
		if rate.AccountID == nil {
			return fmt.Errorf("%w: %s", ErrLiabilityAccountMissing, rate.Name)
		}
	}

	partnerID := inv.PartnerID
	for _, row := range inv.Breakdown {
		rate := rates[row.RateID]
		if row.Amount <= 0 {
			continue
		}
		input := ledger.PostingInput{
			JournalID:    journal.ID,
			CompanyID:    inv.CompanyID,
			PartnerID:    &partnerID,
			Date:         inv.Date,
			Ref:          fmt.Sprintf("Withholding on Invoice: %s (%s)", inv.Number, rate.Name),
			SourceModule: "withholding",
			SourceID:     uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("withholding:%d:%d", inv.ID, rate.ID))),
			PostedBy:     ev.PostedBy,
			Lines: []ledger.PostingLineInput{
				{
					AccountID:   ev.SettlementAccountID,
					PartnerID:   &partnerID,
					Description: fmt.Sprintf("Withheld amount (%g%%)", rate.Percentage),
					Debit:       row.Amount,
				},
				{
					AccountID:   *rate.AccountID,
					PartnerID:   &partnerID,
					Description: fmt.Sprintf("Provision for %s", rate.Name),
					Credit:      row.Amount,
				},
			},
		}
		if err := input.Validate(); err != nil {
			return err
		}
		posted, err := ltx.InsertEntry(ctx, input)
		if err != nil {
			return err
		}
		lines, err := ltx.InsertLines(ctx, posted.ID, input.Lines)
		if err != nil {
			return err
		}
		if err := ltx.LinkSource(ctx, input.SourceModule, input.SourceID, posted.ID); err != nil {
			if errors.Is(err, ledger.ErrSourceConflict) {
				return ledger.ErrSourceAlreadyLinked
			}
			return err
		}
		if _, err := ltx.Reconcile(ctx, []int64{settlementLine.ID, lines[0].ID}); err != nil {
			return err
		}
		e.logger.Info("withholding entry posted",
			slog.String("invoice", inv.Number),
			slog.String("rate", rate.Name),
			slog.Float64("amount", row.Amount),
			slog.Int64("entry_id", posted.ID))
	}
	if e.reporter != nil {
		// May fire on a transaction that later rolls back; the next report
		// read simply recomputes.
		if err := e.reporter.Invalidate(ctx); err != nil {
			e.logger.Warn("report cache invalidation", slog.Any("error", err))
		}
	}
	return nil
}

// BeforeCertify checks the withholding invariant on the freshly recomputed
// figures: the total withheld amount must equal the breakdown sum.
func (e *Engine) BeforeCertify(ctx context.Context, inv *invoicing.Invoice) error {
	var sum float64
	for _, row := range inv.Breakdown {
		sum += row.Amount
	}
	if fmt.Sprintf("%.2f", sum) != fmt.Sprintf("%.2f", inv.WithholdingAmount) {
		return fmt.Errorf("withholding: breakdown sum %.2f does not match withheld amount %.2f on invoice %d", sum, inv.WithholdingAmount, inv.ID)
	}
	return nil
}

func breakdownRateIDs(rows []invoicing.BreakdownRow) []int64 {
	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.RateID)
	}
	return ids
}
