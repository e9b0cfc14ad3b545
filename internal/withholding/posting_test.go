package withholding

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/fontetax/fontetax/internal/invoicing"
	"github.com/fontetax/fontetax/internal/ledger"
)

// fakeLedger is an in-memory ledger.TxRepository for posting tests.
type fakeLedger struct {
	journals []ledger.Journal
	entries  map[int64]ledger.Entry
	sources  map[string]int64
	recons   [][]int64
	nextEnt  int64
	nextLine int64
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		journals: []ledger.Journal{{ID: 3, Code: "MISC", Type: ledger.JournalTypeGeneral, CompanyID: 1}},
		entries:  make(map[int64]ledger.Entry),
		sources:  make(map[string]int64),
	}
}

func (l *fakeLedger) GetAccount(ctx context.Context, id int64) (ledger.Account, error) {
	return ledger.Account{ID: id}, nil
}

func (l *fakeLedger) FindJournalByType(ctx context.Context, t ledger.JournalType, companyID int64) (ledger.Journal, error) {
	for _, j := range l.journals {
		if j.Type == t && j.CompanyID == companyID {
			return j, nil
		}
	}
	return ledger.Journal{}, ledger.ErrJournalNotFound
}

func (l *fakeLedger) InsertEntry(ctx context.Context, in ledger.PostingInput) (ledger.Entry, error) {
	l.nextEnt++
	entry := ledger.Entry{
		ID:           l.nextEnt,
		JournalID:    in.JournalID,
		CompanyID:    in.CompanyID,
		PartnerID:    in.PartnerID,
		Date:         in.Date,
		Ref:          in.Ref,
		SourceModule: in.SourceModule,
		SourceID:     in.SourceID,
		Status:       ledger.EntryStatusPosted,
	}
	l.entries[entry.ID] = entry
	return entry, nil
}

func (l *fakeLedger) InsertLines(ctx context.Context, entryID int64, lines []ledger.PostingLineInput) ([]ledger.Line, error) {
	entry, ok := l.entries[entryID]
	if !ok {
		return nil, ledger.ErrEntryNotFound
	}
	var out []ledger.Line
	for _, in := range lines {
		l.nextLine++
		line := ledger.Line{
			ID:          l.nextLine,
			EntryID:     entryID,
			AccountID:   in.AccountID,
			PartnerID:   in.PartnerID,
			Description: in.Description,
			Debit:       ledger.Round2(in.Debit),
			Credit:      ledger.Round2(in.Credit),
		}
		entry.Lines = append(entry.Lines, line)
		out = append(out, line)
	}
	l.entries[entryID] = entry
	return out, nil
}

func (l *fakeLedger) LinkSource(ctx context.Context, module string, ref uuid.UUID, entryID int64) error {
	key := module + ":" + ref.String()
	if _, ok := l.sources[key]; ok {
		return ledger.ErrSourceConflict
	}
	l.sources[key] = entryID
	return nil
}

func (l *fakeLedger) GetEntryWithLines(ctx context.Context, entryID int64) (ledger.Entry, error) {
	entry, ok := l.entries[entryID]
	if !ok {
		return ledger.Entry{}, ledger.ErrEntryNotFound
	}
	return entry, nil
}

func (l *fakeLedger) FindEntryByRef(ctx context.Context, ref string) (ledger.Entry, error) {
	for _, entry := range l.entries {
		if entry.Ref == ref {
			return entry, nil
		}
	}
	return ledger.Entry{}, ledger.ErrEntryNotFound
}

func (l *fakeLedger) findLine(id int64) (ledger.Line, bool) {
	for _, entry := range l.entries {
		for _, line := range entry.Lines {
			if line.ID == id {
				return line, true
			}
		}
	}
	return ledger.Line{}, false
}

func (l *fakeLedger) Reconcile(ctx context.Context, lineIDs []int64) (ledger.Reconciliation, error) {
	if len(lineIDs) < 2 {
		return ledger.Reconciliation{}, ledger.ErrReconcileTooFew
	}
	var accountID int64
	for i, id := range lineIDs {
		line, ok := l.findLine(id)
		if !ok {
			return ledger.Reconciliation{}, ledger.ErrEntryNotFound
		}
		if i == 0 {
			accountID = line.AccountID
		} else if line.AccountID != accountID {
			return ledger.Reconciliation{}, ledger.ErrReconcileMismatch
		}
	}
	l.recons = append(l.recons, append([]int64(nil), lineIDs...))
	return ledger.Reconciliation{ID: int64(len(l.recons)), AccountID: accountID, LineIDs: lineIDs}, nil
}

func (l *fakeLedger) MatchedAgainst(ctx context.Context, lineID int64) (float64, error) {
	var matched float64
	for _, group := range l.recons {
		member := false
		for _, id := range group {
			if id == lineID {
				member = true
				break
			}
		}
		if !member {
			continue
		}
		for _, id := range group {
			if id == lineID {
				continue
			}
			if line, ok := l.findLine(id); ok {
				matched += line.Amount()
			}
		}
	}
	return matched, nil
}

// memRates is an in-memory rate repository.
type memRates struct {
	rates  map[int64]Rate
	nextID int64
}

func newMemRates(rates ...Rate) *memRates {
	r := &memRates{rates: make(map[int64]Rate)}
	for _, rate := range rates {
		if rate.ID > r.nextID {
			r.nextID = rate.ID
		}
		r.rates[rate.ID] = rate
	}
	return r
}

func (r *memRates) Get(ctx context.Context, id int64) (Rate, error) {
	rate, ok := r.rates[id]
	if !ok {
		return Rate{}, ErrRateNotFound
	}
	return rate, nil
}

func (r *memRates) List(ctx context.Context, companyID int64) ([]Rate, error) {
	var out []Rate
	for _, rate := range r.rates {
		if rate.CompanyID == companyID {
			out = append(out, rate)
		}
	}
	return out, nil
}

func (r *memRates) ByIDs(ctx context.Context, companyID int64, ids []int64) (map[int64]Rate, error) {
	out := make(map[int64]Rate)
	for _, id := range ids {
		if rate, ok := r.rates[id]; ok && rate.CompanyID == companyID {
			out[id] = rate
		}
	}
	return out, nil
}

func (r *memRates) Create(ctx context.Context, rate Rate) (Rate, error) {
	r.nextID++
	rate.ID = r.nextID
	r.rates[rate.ID] = rate
	return rate, nil
}

func (r *memRates) Update(ctx context.Context, id int64, rate Rate) error {
	if _, ok := r.rates[id]; !ok {
		return ErrRateNotFound
	}
	rate.ID = id
	r.rates[id] = rate
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func acctPtr(id int64) *int64 {
	return &id
}

func testRatesRepo() *memRates {
	return newMemRates(
		Rate{ID: 1, Name: "II 6.5%", Code: "II65", Category: CategoryII, Percentage: 6.5, AccountID: acctPtr(401), CompanyID: 1, IsActive: true},
		Rate{ID: 2, Name: "IPU 10%", Code: "IPU10", Category: CategoryIPU, Percentage: 10, AccountID: acctPtr(402), CompanyID: 1, IsActive: true},
	)
}

// postedInvoice seeds the fake ledger with a finalized customer invoice:
// debit 1700 on the receivable, balanced by revenue credits.
func postedInvoice(t *testing.T, l *fakeLedger) invoicing.Invoice {
	t.Helper()
	entry, err := l.InsertEntry(context.Background(), ledger.PostingInput{
		JournalID: 1, CompanyID: 1, Date: time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC),
		Ref: "INV/2026/00001", SourceModule: "invoicing", SourceID: uuid.New(),
	})
	require.NoError(t, err)
	_, err = l.InsertLines(context.Background(), entry.ID, []ledger.PostingLineInput{
		{AccountID: 1100, Description: "INV/2026/00001", Debit: 1700},
		{AccountID: 700, Credit: 1000},
		{AccountID: 700, Credit: 500},
		{AccountID: 700, Credit: 200},
	})
	require.NoError(t, err)

	entryID := entry.ID
	return invoicing.Invoice{
		ID:                42,
		Number:            "INV/2026/00001",
		DocType:           invoicing.DocTypeCustomerInvoice,
		Status:            invoicing.StatusPosted,
		CompanyID:         1,
		PartnerID:         7,
		Date:              time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC),
		AmountUntaxed:     1700,
		AmountTotal:       1700,
		WithholdingAmount: 115,
		NetAmount:         1585,
		LedgerEntryID:     &entryID,
		Breakdown: []invoicing.BreakdownRow{
			{RateID: 1, RateName: "II 6.5%", RateCode: "II65", Percentage: 6.5, Base: 1000, Amount: 65},
			{RateID: 2, RateName: "IPU 10%", RateCode: "IPU10", Percentage: 10, Base: 500, Amount: 50},
		},
	}
}

func TestAfterFinalizePostsOneEntryPerRate(t *testing.T) {
	l := newFakeLedger()
	inv := postedInvoice(t, l)
	engine := NewEngine(testRatesRepo(), nil, testLogger())

	err := engine.AfterFinalize(context.Background(), l, invoicing.FinalizedEvent{
		Invoice: inv, SettlementAccountID: 1100, PostedBy: 9,
	})
	require.NoError(t, err)

	// The invoice entry plus one withholding entry per distinct rate.
	require.Len(t, l.entries, 3)

	first, err := l.FindEntryByRef(context.Background(), "Withholding on Invoice: INV/2026/00001 (II 6.5%)")
	require.NoError(t, err)
	require.Len(t, first.Lines, 2)
	require.Equal(t, int64(1100), first.Lines[0].AccountID)
	require.Equal(t, 65.0, first.Lines[0].Debit)
	require.Equal(t, int64(401), first.Lines[1].AccountID)
	require.Equal(t, 65.0, first.Lines[1].Credit)
	require.Equal(t, "Withheld amount (6.5%)", first.Lines[0].Description)
	require.Equal(t, "Provision for II 6.5%", first.Lines[1].Description)

	second, err := l.FindEntryByRef(context.Background(), "Withholding on Invoice: INV/2026/00001 (IPU 10%)")
	require.NoError(t, err)
	require.Equal(t, 50.0, second.Lines[0].Debit)
	require.Equal(t, int64(402), second.Lines[1].AccountID)

	// Each withholding entry was reconciled against the settlement line, so
	// the outstanding balance dropped to the net amount.
	invoiceEntry, err := l.GetEntryWithLines(context.Background(), *inv.LedgerEntryID)
	require.NoError(t, err)
	matched, err := l.MatchedAgainst(context.Background(), invoiceEntry.Lines[0].ID)
	require.NoError(t, err)
	require.Equal(t, 115.0, matched)
	require.Equal(t, inv.NetAmount, invoiceEntry.Lines[0].Amount()-matched)
}

func TestAfterFinalizeSkipsUnboundInvoices(t *testing.T) {
	l := newFakeLedger()
	inv := postedInvoice(t, l)
	inv.WithholdingAmount = 0
	inv.Breakdown = nil
	engine := NewEngine(testRatesRepo(), nil, testLogger())

	err := engine.AfterFinalize(context.Background(), l, invoicing.FinalizedEvent{
		Invoice: inv, SettlementAccountID: 1100,
	})
	require.NoError(t, err)
	require.Len(t, l.entries, 1)
}

func TestAfterFinalizeSkipsNonInvoiceDocuments(t *testing.T) {
	l := newFakeLedger()
	inv := postedInvoice(t, l)
	inv.DocType = invoicing.DocTypeEntry
	engine := NewEngine(testRatesRepo(), nil, testLogger())

	err := engine.AfterFinalize(context.Background(), l, invoicing.FinalizedEvent{
		Invoice: inv, SettlementAccountID: 1100,
	})
	require.NoError(t, err)
	require.Len(t, l.entries, 1)
}

func TestAfterFinalizeMissingLiabilityAccountBlocks(t *testing.T) {
	l := newFakeLedger()
	inv := postedInvoice(t, l)
	rates := testRatesRepo()
	broken := rates.rates[2]
	broken.AccountID = nil
	rates.rates[2] = broken
	engine := NewEngine(rates, nil, testLogger())

	err := engine.AfterFinalize(context.Background(), l, invoicing.FinalizedEvent{
		Invoice: inv, SettlementAccountID: 1100,
	})
	require.ErrorIs(t, err, ErrLiabilityAccountMissing)
	require.ErrorContains(t, err, "IPU 10%")
	// No partial posting: only the original invoice entry remains.
	require.Len(t, l.entries, 1)
}

func TestAfterFinalizeMissingJournalBlocks(t *testing.T) {
	l := newFakeLedger()
	l.journals = nil
	inv := postedInvoice(t, l)
	engine := NewEngine(testRatesRepo(), nil, testLogger())

	err := engine.AfterFinalize(context.Background(), l, invoicing.FinalizedEvent{
		Invoice: inv, SettlementAccountID: 1100,
	})
	require.ErrorIs(t, err, ErrMiscJournalMissing)
}

func TestAfterFinalizeMissingSettlementLineBlocks(t *testing.T) {
	l := newFakeLedger()
	inv := postedInvoice(t, l)
	engine := NewEngine(testRatesRepo(), nil, testLogger())

	// The partner's configured account does not appear on the entry.
	err := engine.AfterFinalize(context.Background(), l, invoicing.FinalizedEvent{
		Invoice: inv, SettlementAccountID: 9999,
	})
	require.ErrorIs(t, err, ErrNoSettlementLine)
	require.Len(t, l.entries, 1)
}

func TestAfterFinalizeRepeatedPostingConflicts(t *testing.T) {
	l := newFakeLedger()
	inv := postedInvoice(t, l)
	engine := NewEngine(testRatesRepo(), nil, testLogger())
	ev := invoicing.FinalizedEvent{Invoice: inv, SettlementAccountID: 1100}

	require.NoError(t, engine.AfterFinalize(context.Background(), l, ev))
	err := engine.AfterFinalize(context.Background(), l, ev)
	require.ErrorIs(t, err, ledger.ErrSourceAlreadyLinked)
}

func TestBeforeFinalizeRejectsUnknownRate(t *testing.T) {
	engine := NewEngine(testRatesRepo(), nil, testLogger())
	inv := &invoicing.Invoice{
		DocType:   invoicing.DocTypeCustomerInvoice,
		CompanyID: 1,
		Breakdown: []invoicing.BreakdownRow{{RateID: 99, Amount: 10}},
	}
	err := engine.BeforeFinalize(context.Background(), inv)
	require.ErrorIs(t, err, ErrRateNotFound)
}

func TestBeforeCertifyChecksBreakdownInvariant(t *testing.T) {
	engine := NewEngine(testRatesRepo(), nil, testLogger())
	inv := &invoicing.Invoice{
		ID:                1,
		WithholdingAmount: 115,
		Breakdown: []invoicing.BreakdownRow{
			{RateID: 1, Amount: 65},
			{RateID: 2, Amount: 50},
		},
	}
	require.NoError(t, engine.BeforeCertify(context.Background(), inv))

	inv.WithholdingAmount = 120
	err := engine.BeforeCertify(context.Background(), inv)
	require.Error(t, err)
	require.Contains(t, err.Error(), fmt.Sprintf("%d", inv.ID))
}
