package invoicing

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/fontetax/fontetax/internal/ledger"
)

// memLedger is an in-memory ledger.TxRepository used by the service tests.
type memLedger struct {
	accounts map[int64]ledger.Account
	journals []ledger.Journal
	entries  map[int64]ledger.Entry
	sources  map[string]int64
	recons   [][]int64
	nextEnt  int64
	nextLine int64
}

func newMemLedger() *memLedger {
	l := &memLedger{
		accounts: make(map[int64]ledger.Account),
		entries:  make(map[int64]ledger.Entry),
		sources:  make(map[string]int64),
	}
	l.journals = []ledger.Journal{
		{ID: 1, Code: "SAL", Type: ledger.JournalTypeSale, CompanyID: 1},
		{ID: 2, Code: "PUR", Type: ledger.JournalTypePurchase, CompanyID: 1},
		{ID: 3, Code: "MISC", Type: ledger.JournalTypeGeneral, CompanyID: 1},
	}
	return l
}

func (l *memLedger) clone() *memLedger {
	out := &memLedger{
		accounts: make(map[int64]ledger.Account, len(l.accounts)),
		journals: append([]ledger.Journal(nil), l.journals...),
		entries:  make(map[int64]ledger.Entry, len(l.entries)),
		sources:  make(map[string]int64, len(l.sources)),
		nextEnt:  l.nextEnt,
		nextLine: l.nextLine,
	}
	for k, v := range l.accounts {
		out.accounts[k] = v
	}
	for k, v := range l.entries {
		v.Lines = append([]ledger.Line(nil), v.Lines...)
		out.entries[k] = v
	}
	for k, v := range l.sources {
		out.sources[k] = v
	}
	for _, group := range l.recons {
		out.recons = append(out.recons, append([]int64(nil), group...))
	}
	return out
}

func (l *memLedger) restore(snap *memLedger) {
	*l = *snap
}

func (l *memLedger) GetAccount(ctx context.Context, id int64) (ledger.Account, error) {
	acc, ok := l.accounts[id]
	if !ok {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return acc, nil
}

func (l *memLedger) FindJournalByType(ctx context.Context, t ledger.JournalType, companyID int64) (ledger.Journal, error) {
	for _, j := range l.journals {
		if j.Type == t && j.CompanyID == companyID {
			return j, nil
		}
	}
	return ledger.Journal{}, ledger.ErrJournalNotFound
}

func (l *memLedger) InsertEntry(ctx context.Context, in ledger.PostingInput) (ledger.Entry, error) {
	l.nextEnt++
	entry := ledger.Entry{
		ID:           l.nextEnt,
		Number:       l.nextEnt,
		JournalID:    in.JournalID,
		CompanyID:    in.CompanyID,
		PartnerID:    in.PartnerID,
		Date:         in.Date,
		Ref:          in.Ref,
		SourceModule: in.SourceModule,
		SourceID:     in.SourceID,
		Status:       ledger.EntryStatusPosted,
		PostedBy:     in.PostedBy,
	}
	l.entries[entry.ID] = entry
	return entry, nil
}

func (l *memLedger) InsertLines(ctx context.Context, entryID int64, lines []ledger.PostingLineInput) ([]ledger.Line, error) {
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

func (l *memLedger) LinkSource(ctx context.Context, module string, ref uuid.UUID, entryID int64) error {
	key := module + ":" + ref.String()
	if _, ok := l.sources[key]; ok {
		return ledger.ErrSourceConflict
	}
	l.sources[key] = entryID
	return nil
}

func (l *memLedger) GetEntryWithLines(ctx context.Context, entryID int64) (ledger.Entry, error) {
	entry, ok := l.entries[entryID]
	if !ok {
		return ledger.Entry{}, ledger.ErrEntryNotFound
	}
	return entry, nil
}

func (l *memLedger) FindEntryByRef(ctx context.Context, ref string) (ledger.Entry, error) {
	for _, entry := range l.entries {
		if entry.Ref == ref {
			return entry, nil
		}
	}
	return ledger.Entry{}, ledger.ErrEntryNotFound
}

func (l *memLedger) findLine(id int64) (ledger.Line, bool) {
	for _, entry := range l.entries {
		for _, line := range entry.Lines {
			if line.ID == id {
				return line, true
			}
		}
	}
	return ledger.Line{}, false
}

func (l *memLedger) Reconcile(ctx context.Context, lineIDs []int64) (ledger.Reconciliation, error) {
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

func (l *memLedger) MatchedAgainst(ctx context.Context, lineID int64) (float64, error) {
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

// memRepo is an in-memory invoicing repository with rollback semantics: on
// fn error both invoice and ledger state are restored.
type memRepo struct {
	invoices map[int64]Invoice
	ledger   *memLedger
	nextInv  int64
	nextLine int64
	seq      int64
}

type memTx struct {
	repo *memRepo
}

func newMemRepo() *memRepo {
	return &memRepo{invoices: make(map[int64]Invoice), ledger: newMemLedger()}
}

func (r *memRepo) snapshot() (map[int64]Invoice, *memLedger, int64, int64, int64) {
	invoices := make(map[int64]Invoice, len(r.invoices))
	for k, v := range r.invoices {
		v.Lines = append([]Line(nil), v.Lines...)
		v.Breakdown = append([]BreakdownRow(nil), v.Breakdown...)
		invoices[k] = v
	}
	return invoices, r.ledger.clone(), r.nextInv, r.nextLine, r.seq
}

func (r *memRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	invoices, ledgerSnap, nextInv, nextLine, seq := r.snapshot()
	if err := fn(ctx, &memTx{repo: r}); err != nil {
		r.invoices = invoices
		r.ledger.restore(ledgerSnap)
		r.nextInv, r.nextLine, r.seq = nextInv, nextLine, seq
		return err
	}
	return nil
}

func (r *memRepo) List(ctx context.Context, companyID int64) ([]Invoice, error) {
	var out []Invoice
	for _, inv := range r.invoices {
		if inv.CompanyID == companyID {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (t *memTx) Ledger() ledger.TxRepository {
	return t.repo.ledger
}

func (t *memTx) GetInvoice(ctx context.Context, id int64) (Invoice, error) {
	inv, ok := t.repo.invoices[id]
	if !ok {
		return Invoice{}, ErrNotFound
	}
	inv.Lines = append([]Line(nil), inv.Lines...)
	return inv, nil
}

func (t *memTx) InsertInvoice(ctx context.Context, inv Invoice) (Invoice, error) {
	t.repo.nextInv++
	inv.ID = t.repo.nextInv
	inv.Status = StatusDraft
	inv.Lines = nil
	t.repo.invoices[inv.ID] = inv
	return inv, nil
}

func (t *memTx) ReplaceLines(ctx context.Context, invoiceID int64, lines []Line) ([]Line, error) {
	inv, ok := t.repo.invoices[invoiceID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]Line, 0, len(lines))
	for i, line := range lines {
		t.repo.nextLine++
		line.ID = t.repo.nextLine
		line.InvoiceID = invoiceID
		line.Seq = i + 1
		line.Subtotal = ledger.Round2(line.Subtotal)
		out = append(out, line)
	}
	inv.Lines = out
	t.repo.invoices[invoiceID] = inv
	return out, nil
}

func (t *memTx) SaveTotals(ctx context.Context, in Invoice) error {
	inv, ok := t.repo.invoices[in.ID]
	if !ok {
		return ErrNotFound
	}
	inv.AmountUntaxed = in.AmountUntaxed
	inv.TaxAmount = in.TaxAmount
	inv.AmountTotal = in.AmountTotal
	inv.WithholdingAmount = in.WithholdingAmount
	inv.NetAmount = in.NetAmount
	inv.Breakdown = append([]BreakdownRow(nil), in.Breakdown...)
	t.repo.invoices[in.ID] = inv
	return nil
}

func (t *memTx) AssignNumber(ctx context.Context, id int64, prefix string, date time.Time) (string, error) {
	inv, ok := t.repo.invoices[id]
	if !ok {
		return "", ErrNotFound
	}
	t.repo.seq++
	inv.Number = fmt.Sprintf("%s/%d/%05d", prefix, date.Year(), t.repo.seq)
	t.repo.invoices[id] = inv
	return inv.Number, nil
}

func (t *memTx) MarkPosted(ctx context.Context, id, entryID int64) error {
	inv, ok := t.repo.invoices[id]
	if !ok {
		return ErrNotFound
	}
	if inv.Status != StatusDraft {
		return ErrNotDraft
	}
	inv.Status = StatusPosted
	if entryID != 0 {
		inv.LedgerEntryID = &entryID
	}
	t.repo.invoices[id] = inv
	return nil
}

func (t *memTx) MarkCertified(ctx context.Context, id int64, hash string, at time.Time) error {
	inv, ok := t.repo.invoices[id]
	if !ok {
		return ErrNotFound
	}
	if inv.CertHash != "" {
		return ErrAlreadyCertified
	}
	inv.CertHash = hash
	inv.CertifiedAt = &at
	t.repo.invoices[id] = inv
	return nil
}

type stubRates struct {
	rates map[int64]RateRef
}

func (s stubRates) RatesByIDs(ctx context.Context, companyID int64, ids []int64) (map[int64]RateRef, error) {
	return s.rates, nil
}

type stubPartners struct {
	receivable  int64
	payable     int64
	defaultRate *int64
}

func (s stubPartners) PartnerInfo(ctx context.Context, id int64) (int64, int64, *int64, error) {
	return s.receivable, s.payable, s.defaultRate, nil
}

type recordingHooks struct {
	beforeFinalizeErr error
	afterFinalizeErr  error
	beforeCertifyErr  error
	finalized         []FinalizedEvent
	certified         int
}

func (h *recordingHooks) BeforeFinalize(ctx context.Context, inv *Invoice) error {
	return h.beforeFinalizeErr
}

func (h *recordingHooks) AfterFinalize(ctx context.Context, tx ledger.TxRepository, ev FinalizedEvent) error {
	if h.afterFinalizeErr != nil {
		return h.afterFinalizeErr
	}
	h.finalized = append(h.finalized, ev)
	return nil
}

func (h *recordingHooks) BeforeCertify(ctx context.Context, inv *Invoice) error {
	h.certified++
	return h.beforeCertifyErr
}

func newTestService(repo *memRepo, hooks LifecycleHooks, defaultRate *int64) *Service {
	acc1, acc2 := int64(401), int64(402)
	svc := NewService(repo, stubRates{rates: map[int64]RateRef{
		1: {ID: 1, Name: "II 6.5%", Code: "II65", Percentage: 6.5, AccountID: &acc1},
		2: {ID: 2, Name: "IPU 10%", Code: "IPU10", Percentage: 10, AccountID: &acc2},
	}}, stubPartners{receivable: 1100, payable: 2100, defaultRate: defaultRate}, nil)
	svc.SetHooks(hooks)
	return svc
}

func draftInvoice(lines ...Line) Invoice {
	return Invoice{
		DocType:   DocTypeCustomerInvoice,
		CompanyID: 1,
		PartnerID: 7,
		Date:      time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC),
		Lines:     lines,
	}
}

func TestCreateDefaultRateIsOnlyASuggestion(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, nil, ratePtr(1))

	// The partner carries a default rate, but a line sent without a binding
	// must stay unbound unless the caller asked for the prefill.
	created, err := svc.Create(context.Background(), draftInvoice(
		Line{Kind: LineKindProduct, AccountID: 700, Subtotal: 1000},
		Line{Kind: LineKindProduct, AccountID: 700, Subtotal: 200},
	), false)
	require.NoError(t, err)
	require.Nil(t, created.Lines[0].WithholdingRateID)
	require.Nil(t, created.Lines[1].WithholdingRateID)
	require.Zero(t, created.WithholdingAmount)
	require.Equal(t, 1200.0, created.NetAmount)
}

func TestCreatePrefillsDefaultRateOnRequest(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, nil, ratePtr(1))

	created, err := svc.Create(context.Background(), draftInvoice(
		Line{Kind: LineKindProduct, AccountID: 700, Subtotal: 1000},
		Line{Kind: LineKindProduct, AccountID: 700, Subtotal: 200, WithholdingRateID: ratePtr(2)},
	), true)
	require.NoError(t, err)
	require.Equal(t, int64(1), *created.Lines[0].WithholdingRateID)
	require.Equal(t, int64(2), *created.Lines[1].WithholdingRateID)
	require.Equal(t, 85.0, created.WithholdingAmount)
	require.Equal(t, 1115.0, created.NetAmount)
}

func TestUpdateLinesPreservesBindings(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, nil, nil)

	created, err := svc.Create(context.Background(), draftInvoice(
		Line{Kind: LineKindProduct, AccountID: 700, Subtotal: 1000, WithholdingRateID: ratePtr(1)},
	), false)
	require.NoError(t, err)

	// Bulk rewrite without the withholding field.
	updated, err := svc.UpdateLines(context.Background(), created.ID, []Line{
		{Kind: LineKindProduct, AccountID: 700, Subtotal: 2000},
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), *updated.Lines[0].WithholdingRateID)
	require.Equal(t, 130.0, updated.WithholdingAmount)
}

func TestUpdateLinesCountMismatchDropsBindings(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, nil, nil)

	created, err := svc.Create(context.Background(), draftInvoice(
		Line{Kind: LineKindProduct, AccountID: 700, Subtotal: 1000, WithholdingRateID: ratePtr(1)},
	), false)
	require.NoError(t, err)

	updated, err := svc.UpdateLines(context.Background(), created.ID, []Line{
		{Kind: LineKindProduct, AccountID: 700, Subtotal: 500},
		{Kind: LineKindProduct, AccountID: 700, Subtotal: 500},
	})
	require.NoError(t, err)
	require.Nil(t, updated.Lines[0].WithholdingRateID)
	require.Nil(t, updated.Lines[1].WithholdingRateID)
	require.Zero(t, updated.WithholdingAmount)
}

func TestUpdateLinesRejectedWhenPosted(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, nil, nil)

	created, err := svc.Create(context.Background(), draftInvoice(
		Line{Kind: LineKindProduct, AccountID: 700, Subtotal: 1000},
	), false)
	require.NoError(t, err)
	_, err = svc.Finalize(context.Background(), created.ID, 1)
	require.NoError(t, err)

	_, err = svc.UpdateLines(context.Background(), created.ID, []Line{
		{Kind: LineKindProduct, AccountID: 700, Subtotal: 5},
	})
	require.ErrorIs(t, err, ErrNotDraft)
}

func TestFinalizePostsBalancedEntry(t *testing.T) {
	repo := newMemRepo()
	hooks := &recordingHooks{}
	svc := newTestService(repo, hooks, nil)

	created, err := svc.Create(context.Background(), draftInvoice(
		Line{Kind: LineKindProduct, AccountID: 700, Subtotal: 1000, WithholdingRateID: ratePtr(1)},
		Line{Kind: LineKindTax, AccountID: 240, Subtotal: 140},
	), false)
	require.NoError(t, err)

	finalized, err := svc.Finalize(context.Background(), created.ID, 9)
	require.NoError(t, err)
	require.Equal(t, StatusPosted, finalized.Status)
	require.NotEmpty(t, finalized.Number)
	require.NotNil(t, finalized.LedgerEntryID)

	entry, err := repo.ledger.GetEntryWithLines(context.Background(), *finalized.LedgerEntryID)
	require.NoError(t, err)
	require.Len(t, entry.Lines, 3)
	// Settlement leg first: debit receivable for the gross total.
	require.Equal(t, int64(1100), entry.Lines[0].AccountID)
	require.Equal(t, 1140.0, entry.Lines[0].Debit)
	var debit, credit float64
	for _, line := range entry.Lines {
		debit += line.Debit
		credit += line.Credit
	}
	require.Equal(t, debit, credit)

	require.Len(t, hooks.finalized, 1)
	require.Equal(t, int64(1100), hooks.finalized[0].SettlementAccountID)
	require.Equal(t, int64(9), hooks.finalized[0].PostedBy)
	require.Equal(t, finalized.ID, hooks.finalized[0].Invoice.ID)
}

func TestFinalizeVendorBillCreditsSettlement(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, nil, nil)

	inv := draftInvoice(Line{Kind: LineKindProduct, AccountID: 600, Subtotal: 800})
	inv.DocType = DocTypeVendorBill
	created, err := svc.Create(context.Background(), inv, false)
	require.NoError(t, err)

	finalized, err := svc.Finalize(context.Background(), created.ID, 1)
	require.NoError(t, err)
	entry, err := repo.ledger.GetEntryWithLines(context.Background(), *finalized.LedgerEntryID)
	require.NoError(t, err)
	require.Equal(t, int64(2100), entry.Lines[0].AccountID)
	require.Equal(t, 800.0, entry.Lines[0].Credit)
}

func TestFinalizeHookErrorRollsBackEverything(t *testing.T) {
	repo := newMemRepo()
	hookErr := errors.New("liability account missing")
	hooks := &recordingHooks{afterFinalizeErr: hookErr}
	svc := newTestService(repo, hooks, nil)

	created, err := svc.Create(context.Background(), draftInvoice(
		Line{Kind: LineKindProduct, AccountID: 700, Subtotal: 1000, WithholdingRateID: ratePtr(1)},
	), false)
	require.NoError(t, err)

	_, err = svc.Finalize(context.Background(), created.ID, 1)
	require.ErrorIs(t, err, hookErr)

	got, err := svc.Get(context.Background(), created.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDraft, got.Status)
	require.Nil(t, got.LedgerEntryID)
	require.Empty(t, repo.ledger.entries)
}

func TestFinalizeTwiceRejected(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, nil, nil)

	created, err := svc.Create(context.Background(), draftInvoice(
		Line{Kind: LineKindProduct, AccountID: 700, Subtotal: 100},
	), false)
	require.NoError(t, err)
	_, err = svc.Finalize(context.Background(), created.ID, 1)
	require.NoError(t, err)
	_, err = svc.Finalize(context.Background(), created.ID, 1)
	require.ErrorIs(t, err, ErrNotDraft)
}

func TestCertifyRecomputesBeforeHashing(t *testing.T) {
	repo := newMemRepo()
	hooks := &recordingHooks{}
	svc := newTestService(repo, hooks, nil)

	created, err := svc.Create(context.Background(), draftInvoice(
		Line{Kind: LineKindProduct, AccountID: 700, Subtotal: 1000, WithholdingRateID: ratePtr(1)},
	), false)
	require.NoError(t, err)
	_, err = svc.Finalize(context.Background(), created.ID, 1)
	require.NoError(t, err)

	// Corrupt the stored aggregates; certification must not trust them.
	stale := repo.invoices[created.ID]
	stale.WithholdingAmount = 0
	stale.NetAmount = stale.AmountTotal
	repo.invoices[created.ID] = stale

	certified, err := svc.Certify(context.Background(), created.ID, 1)
	require.NoError(t, err)
	require.Equal(t, 65.0, certified.WithholdingAmount)
	require.Equal(t, 935.0, certified.NetAmount)
	require.NotEmpty(t, certified.CertHash)
	require.NotNil(t, certified.CertifiedAt)
	require.Equal(t, 1, hooks.certified)

	_, err = svc.Certify(context.Background(), created.ID, 1)
	require.ErrorIs(t, err, ErrAlreadyCertified)
}

func TestCertifyRequiresPostedDocument(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, nil, nil)

	created, err := svc.Create(context.Background(), draftInvoice(
		Line{Kind: LineKindProduct, AccountID: 700, Subtotal: 100},
	), false)
	require.NoError(t, err)
	_, err = svc.Certify(context.Background(), created.ID, 1)
	require.ErrorIs(t, err, ErrNotPosted)
}

func TestFinalizeEmptyDocumentRejected(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, nil, nil)

	created, err := svc.Create(context.Background(), draftInvoice(), false)
	require.NoError(t, err)
	_, err = svc.Finalize(context.Background(), created.ID, 1)
	require.ErrorIs(t, err, ErrNoLines)
}
