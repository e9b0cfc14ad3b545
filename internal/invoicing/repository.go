package invoicing

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fontetax/fontetax/internal/ledger"
)

// Repository persists invoices and their lines.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional invoice operations. Ledger returns a
// ledger repository bound to the same transaction, so invoice finalization
// and every entry posted for it commit or roll back together.
type TxRepository interface {
	GetInvoice(ctx context.Context, id int64) (Invoice, error)
	InsertInvoice(ctx context.Context, inv Invoice) (Invoice, error)
	ReplaceLines(ctx context.Context, invoiceID int64, lines []Line) ([]Line, error)
	SaveTotals(ctx context.Context, inv Invoice) error
	AssignNumber(ctx context.Context, id int64, prefix string, date time.Time) (string, error)
	MarkPosted(ctx context.Context, id, entryID int64) error
	MarkCertified(ctx context.Context, id int64, hash string, at time.Time) error
	Ledger() ledger.TxRepository
}

type txRepository struct {
	tx     pgx.Tx
	ledger ledger.TxRepository
}

// WithTx executes fn within a repeatable-read transaction shared with the
// ledger.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("invoicing repository not initialised")
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	wrapper := &txRepository{tx: tx, ledger: ledger.NewTxRepository(tx)}
	if err := fn(ctx, wrapper); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// List returns invoice headers for a company, newest first.
func (r *Repository) List(ctx context.Context, companyID int64) ([]Invoice, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, number, doc_type, status, company_id, partner_id, date,
  amount_untaxed, tax_amount, amount_total, withholding_amount, net_amount,
  cert_hash, certified_at, ledger_entry_id, created_at, updated_at
FROM invoices WHERE company_id=$1 ORDER BY id DESC`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (r *txRepository) Ledger() ledger.TxRepository {
	return r.ledger
}

func (r *txRepository) GetInvoice(ctx context.Context, id int64) (Invoice, error) {
	row := r.tx.QueryRow(ctx, `SELECT id, number, doc_type, status, company_id, partner_id, date,
  amount_untaxed, tax_amount, amount_total, withholding_amount, net_amount,
  cert_hash, certified_at, ledger_entry_id, created_at, updated_at
FROM invoices WHERE id=$1`, id)
	inv, err := scanInvoice(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invoice{}, ErrNotFound
		}
		return Invoice{}, err
	}
	if inv.Lines, err = r.invoiceLines(ctx, id); err != nil {
		return Invoice{}, err
	}
	if inv.Breakdown, err = r.breakdownRows(ctx, id); err != nil {
		return Invoice{}, err
	}
	return inv, nil
}

func (r *txRepository) InsertInvoice(ctx context.Context, inv Invoice) (Invoice, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO invoices (number, doc_type, status, company_id, partner_id, date)
VALUES ('', $1, 'DRAFT', $2, $3, $4) RETURNING id, created_at, updated_at`,
		inv.DocType, inv.CompanyID, inv.PartnerID, inv.Date).
		Scan(&inv.ID, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return Invoice{}, err
	}
	inv.Status = StatusDraft
	inv.Number = ""
	return inv, nil
}

func (r *txRepository) ReplaceLines(ctx context.Context, invoiceID int64, lines []Line) ([]Line, error) {
	if _, err := r.tx.Exec(ctx, `DELETE FROM invoice_lines WHERE invoice_id=$1`, invoiceID); err != nil {
		return nil, err
	}
	out := make([]Line, 0, len(lines))
	for i, line := range lines {
		line.InvoiceID = invoiceID
		line.Seq = i + 1
		err := r.tx.QueryRow(ctx, `INSERT INTO invoice_lines (invoice_id, seq, kind, description, account_id, quantity, unit_price, subtotal, withholding_rate_id)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) RETURNING id`,
			invoiceID, line.Seq, line.Kind, line.Description, line.AccountID, line.Quantity, line.UnitPrice, ledger.Round2(line.Subtotal), line.WithholdingRateID).
			Scan(&line.ID)
		if err != nil {
			return nil, err
		}
		line.Subtotal = ledger.Round2(line.Subtotal)
		out = append(out, line)
	}
	return out, nil
}

func (r *txRepository) SaveTotals(ctx context.Context, inv Invoice) error {
	_, err := r.tx.Exec(ctx, `UPDATE invoices SET amount_untaxed=$2, tax_amount=$3, amount_total=$4,
  withholding_amount=$5, net_amount=$6, updated_at=NOW() WHERE id=$1`,
		inv.ID, inv.AmountUntaxed, inv.TaxAmount, inv.AmountTotal, inv.WithholdingAmount, inv.NetAmount)
	if err != nil {
		return err
	}
	if _, err := r.tx.Exec(ctx, `DELETE FROM invoice_withholding_rows WHERE invoice_id=$1`, inv.ID); err != nil {
		return err
	}
	for i, row := range inv.Breakdown {
		_, err := r.tx.Exec(ctx, `INSERT INTO invoice_withholding_rows (invoice_id, seq, rate_id, rate_name, rate_code, percentage, base, amount)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			inv.ID, i+1, row.RateID, row.RateName, row.RateCode, row.Percentage, row.Base, row.Amount)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *txRepository) AssignNumber(ctx context.Context, id int64, prefix string, date time.Time) (string, error) {
	var number string
	err := r.tx.QueryRow(ctx, `UPDATE invoices
SET number = $2 || '/' || to_char($3::date, 'YYYY') || '/' || lpad(nextval('invoice_number_seq')::text, 5, '0'),
    updated_at = NOW()
WHERE id=$1 RETURNING number`, id, prefix, date).Scan(&number)
	return number, err
}

func (r *txRepository) MarkPosted(ctx context.Context, id, entryID int64) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE invoices SET status='POSTED', ledger_entry_id=NULLIF($2,0), updated_at=NOW() WHERE id=$1 AND status='DRAFT'`, id, entryID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotDraft
	}
	return nil
}

func (r *txRepository) MarkCertified(ctx context.Context, id int64, hash string, at time.Time) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE invoices SET cert_hash=$2, certified_at=$3, updated_at=NOW() WHERE id=$1 AND cert_hash=''`, id, hash, at)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrAlreadyCertified
	}
	return nil
}

func (r *txRepository) invoiceLines(ctx context.Context, invoiceID int64) ([]Line, error) {
	rows, err := r.tx.Query(ctx, `SELECT id, invoice_id, seq, kind, description, account_id, quantity, unit_price, subtotal, withholding_rate_id
FROM invoice_lines WHERE invoice_id=$1 ORDER BY seq ASC`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []Line
	for rows.Next() {
		var line Line
		if err := rows.Scan(&line.ID, &line.InvoiceID, &line.Seq, &line.Kind, &line.Description, &line.AccountID, &line.Quantity, &line.UnitPrice, &line.Subtotal, &line.WithholdingRateID); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func (r *txRepository) breakdownRows(ctx context.Context, invoiceID int64) ([]BreakdownRow, error) {
	rows, err := r.tx.Query(ctx, `SELECT rate_id, rate_name, rate_code, percentage, base, amount
FROM invoice_withholding_rows WHERE invoice_id=$1 ORDER BY seq ASC`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []BreakdownRow
	for rows.Next() {
		var row BreakdownRow
		if err := rows.Scan(&row.RateID, &row.RateName, &row.RateCode, &row.Percentage, &row.Base, &row.Amount); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

type invoiceScanner interface {
	Scan(dest ...any) error
}

func scanInvoice(row invoiceScanner) (Invoice, error) {
	var inv Invoice
	err := row.Scan(&inv.ID, &inv.Number, &inv.DocType, &inv.Status, &inv.CompanyID, &inv.PartnerID, &inv.Date,
		&inv.AmountUntaxed, &inv.TaxAmount, &inv.AmountTotal, &inv.WithholdingAmount, &inv.NetAmount,
		&inv.CertHash, &inv.CertifiedAt, &inv.LedgerEntryID, &inv.CreatedAt, &inv.UpdatedAt)
	return inv, err
}
