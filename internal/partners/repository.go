package partners

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fontetax/fontetax/internal/shared"
)

// Repository provides PostgreSQL backed persistence for partners.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Get retrieves a partner by ID.
func (r *Repository) Get(ctx context.Context, id int64) (Partner, error) {
	var p Partner
	err := r.pool.QueryRow(ctx, `SELECT id, code, name, company_id, receivable_account_id, payable_account_id, withholding_rate_id, email, phone, created_at, updated_at
FROM partners WHERE id=$1`, id).
		Scan(&p.ID, &p.Code, &p.Name, &p.CompanyID, &p.ReceivableAccountID, &p.PayableAccountID, &p.WithholdingRateID, &p.Email, &p.Phone, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Partner{}, ErrNotFound
		}
		return Partner{}, err
	}
	return p, nil
}

// List returns partners scoped to a company.
func (r *Repository) List(ctx context.Context, companyID int64) ([]Partner, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, code, name, company_id, receivable_account_id, payable_account_id, withholding_rate_id, email, phone, created_at, updated_at
FROM partners WHERE company_id=$1 ORDER BY name`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Partner
	for rows.Next() {
		var p Partner
		if err := rows.Scan(&p.ID, &p.Code, &p.Name, &p.CompanyID, &p.ReceivableAccountID, &p.PayableAccountID, &p.WithholdingRateID, &p.Email, &p.Phone, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Create inserts a partner.
func (r *Repository) Create(ctx context.Context, p Partner) (Partner, error) {
	err := r.pool.QueryRow(ctx, `INSERT INTO partners (code, name, company_id, receivable_account_id, payable_account_id, withholding_rate_id, email, phone)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id, created_at, updated_at`,
		p.Code, p.Name, p.CompanyID, p.ReceivableAccountID, p.PayableAccountID, p.WithholdingRateID, p.Email, p.Phone).
		Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Partner{}, shared.ErrDuplicateCode
		}
		return Partner{}, err
	}
	return p, nil
}

// Update rewrites a partner record.
func (r *Repository) Update(ctx context.Context, id int64, p Partner) error {
	cmd, err := r.pool.Exec(ctx, `UPDATE partners SET code=$2, name=$3, receivable_account_id=$4, payable_account_id=$5, withholding_rate_id=$6, email=$7, phone=$8, updated_at=NOW()
WHERE id=$1`, id, p.Code, p.Name, p.ReceivableAccountID, p.PayableAccountID, p.WithholdingRateID, p.Email, p.Phone)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetDefaultRate updates only the partner's default withholding rate.
func (r *Repository) SetDefaultRate(ctx context.Context, id int64, rateID *int64) error {
	cmd, err := r.pool.Exec(ctx, `UPDATE partners SET withholding_rate_id=$2, updated_at=NOW() WHERE id=$1`, id, rateID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
