package withholding

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fontetax/fontetax/internal/shared"
)

// Repository provides PostgreSQL backed persistence for rates and the
// period report.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const rateColumns = `id, name, code, category, percentage, account_id, company_id, is_active, created_at, updated_at`

// Get retrieves a rate by ID.
func (r *Repository) Get(ctx context.Context, id int64) (Rate, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+rateColumns+` FROM withholding_rates WHERE id=$1`, id)
	return scanRate(row)
}

// List returns the rates of a company ordered by code.
func (r *Repository) List(ctx context.Context, companyID int64) ([]Rate, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+rateColumns+` FROM withholding_rates WHERE company_id=$1 ORDER BY code`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Rate
	for rows.Next() {
		rate, err := scanRate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rate)
	}
	return out, rows.Err()
}

// ByIDs resolves rates by ID within a company.
func (r *Repository) ByIDs(ctx context.Context, companyID int64, ids []int64) (map[int64]Rate, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+rateColumns+` FROM withholding_rates WHERE company_id=$1 AND id = ANY($2)`, companyID, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64]Rate, len(ids))
	for rows.Next() {
		rate, err := scanRate(rows)
		if err != nil {
			return nil, err
		}
		out[rate.ID] = rate
	}
	return out, rows.Err()
}

// Create inserts a rate.
func (r *Repository) Create(ctx context.Context, rate Rate) (Rate, error) {
	err := r.pool.QueryRow(ctx, `INSERT INTO withholding_rates (name, code, category, percentage, account_id, company_id, is_active)
VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id, created_at, updated_at`,
		rate.Name, rate.Code, rate.Category, rate.Percentage, rate.AccountID, rate.CompanyID, rate.IsActive).
		Scan(&rate.ID, &rate.CreatedAt, &rate.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Rate{}, shared.ErrDuplicateCode
		}
		return Rate{}, err
	}
	return rate, nil
}

// Update rewrites a rate.
func (r *Repository) Update(ctx context.Context, id int64, rate Rate) error {
	cmd, err := r.pool.Exec(ctx, `UPDATE withholding_rates SET name=$2, code=$3, category=$4, percentage=$5, account_id=$6, is_active=$7, updated_at=NOW()
WHERE id=$1`, id, rate.Name, rate.Code, rate.Category, rate.Percentage, rate.AccountID, rate.IsActive)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return shared.ErrDuplicateCode
		}
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrRateNotFound
	}
	return nil
}

// WithheldInvoices lists the posted invoice documents of a company carrying
// positive withholding in the period, ordered by date.
func (r *Repository) WithheldInvoices(ctx context.Context, companyID int64, from, to time.Time) ([]InvoiceRow, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, number, partner_id, date, amount_total, withholding_amount, net_amount
FROM invoices
WHERE company_id=$1 AND status='POSTED' AND doc_type IN ('CUSTOMER_INVOICE','VENDOR_BILL')
  AND withholding_amount > 0 AND date >= $2 AND date <= $3
ORDER BY date, id`, companyID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []InvoiceRow
	for rows.Next() {
		var row InvoiceRow
		if err := rows.Scan(&row.InvoiceID, &row.Number, &row.PartnerID, &row.Date, &row.AmountTotal, &row.WithholdingAmount, &row.NetAmount); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ReportRows aggregates the stored per-invoice breakdown rows over a period,
// grouped by rate.
func (r *Repository) ReportRows(ctx context.Context, companyID int64, from, to time.Time) ([]ReportRow, error) {
	rows, err := r.pool.Query(ctx, `SELECT w.rate_id, w.rate_name, w.rate_code, COALESCE(t.category, ''), w.percentage,
  COUNT(DISTINCT w.invoice_id), SUM(w.base), SUM(w.amount)
FROM invoice_withholding_rows w
JOIN invoices i ON i.id = w.invoice_id
LEFT JOIN withholding_rates t ON t.id = w.rate_id
WHERE i.company_id=$1 AND i.status='POSTED' AND i.doc_type IN ('CUSTOMER_INVOICE','VENDOR_BILL') AND i.date >= $2 AND i.date <= $3
GROUP BY w.rate_id, w.rate_name, w.rate_code, t.category, w.percentage
ORDER BY w.rate_code`, companyID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ReportRow
	for rows.Next() {
		var row ReportRow
		if err := rows.Scan(&row.RateID, &row.RateName, &row.RateCode, &row.Category, &row.Percentage, &row.InvoiceCount, &row.Base, &row.Amount); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

type rateScanner interface {
	Scan(dest ...any) error
}

func scanRate(row rateScanner) (Rate, error) {
	var rate Rate
	err := row.Scan(&rate.ID, &rate.Name, &rate.Code, &rate.Category, &rate.Percentage, &rate.AccountID, &rate.CompanyID, &rate.IsActive, &rate.CreatedAt, &rate.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Rate{}, ErrRateNotFound
		}
		return Rate{}, err
	}
	return rate, nil
}
