package withholding

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/fontetax/fontetax/internal/ledger"
)

// ReportRepository is the read side used by the reporter.
type ReportRepository interface {
	WithheldInvoices(ctx context.Context, companyID int64, from, to time.Time) ([]InvoiceRow, error)
	ReportRows(ctx context.Context, companyID int64, from, to time.Time) ([]ReportRow, error)
}

// Reporter builds period withholding summaries. Results are cached in Redis
// and concurrent identical requests are collapsed to a single database load.
type Reporter struct {
	repo  ReportRepository
	cache *Cache
	group singleflight.Group
	now   func() time.Time
}

// NewReporter constructs the reporter.
func NewReporter(repo ReportRepository, cache *Cache) *Reporter {
	return &Reporter{repo: repo, cache: cache, now: time.Now}
}

// WithNow overrides the clock for testing.
func (r *Reporter) WithNow(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

// PeriodReport lists every posted invoice with positive withholding in
// [from, to] together with a per-rate rollup of the withheld amounts. When
// no such invoice exists the report is not produced and ErrNoInvoicesInPeriod
// is returned instead.
func (r *Reporter) PeriodReport(ctx context.Context, companyID int64, from, to time.Time) (Report, error) {
	if companyID <= 0 {
		return Report{}, errors.New("withholding: report company is required")
	}
	if to.Before(from) {
		return Report{}, errors.New("withholding: report period end precedes start")
	}
	key, err := r.cache.BuildKey(ctx, keyReport(companyID, from, to))
	if err != nil {
		return Report{}, err
	}
	result, err, _ := r.group.Do(key, func() (any, error) {
		var report Report
		err := r.cache.FetchJSON(ctx, key, &report, func(ctx context.Context) (any, error) {
			return r.build(ctx, companyID, from, to)
		})
		return report, err
	})
	if err != nil {
		return Report{}, err
	}
	return result.(Report), nil
}

// Invalidate drops every cached report. Called when posted figures change,
// typically after a finalization.
func (r *Reporter) Invalidate(ctx context.Context) error {
	return r.cache.Bump(ctx)
}

func (r *Reporter) build(ctx context.Context, companyID int64, from, to time.Time) (Report, error) {
	invoices, err := r.repo.WithheldInvoices(ctx, companyID, from, to)
	if err != nil {
		return Report{}, err
	}
	if len(invoices) == 0 {
		return Report{}, ErrNoInvoicesInPeriod
	}
	rows, err := r.repo.ReportRows(ctx, companyID, from, to)
	if err != nil {
		return Report{}, err
	}
	report := Report{
		CompanyID:   companyID,
		From:        from,
		To:          to,
		Invoices:    invoices,
		Rows:        rows,
		GeneratedAt: r.now(),
	}
	var base, amount float64
	for i := range rows {
		rows[i].Base = ledger.Round2(rows[i].Base)
		rows[i].Amount = ledger.Round2(rows[i].Amount)
		base += rows[i].Base
		amount += rows[i].Amount
	}
	report.TotalBase = ledger.Round2(base)
	report.TotalAmount = ledger.Round2(amount)
	return report, nil
}
