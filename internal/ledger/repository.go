package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists ledger entities.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional ledger operations. Modules that post
// entries together with their own writes obtain one through WithTx or wrap a
// shared pgx.Tx via NewTxRepository.
type TxRepository interface {
	GetAccount(ctx context.Context, id int64) (Account, error)
	FindJournalByType(ctx context.Context, t JournalType, companyID int64) (Journal, error)
	InsertEntry(ctx context.Context, in PostingInput) (Entry, error)
	InsertLines(ctx context.Context, entryID int64, lines []PostingLineInput) ([]Line, error)
	LinkSource(ctx context.Context, module string, ref uuid.UUID, entryID int64) error
	GetEntryWithLines(ctx context.Context, entryID int64) (Entry, error)
	FindEntryByRef(ctx context.Context, ref string) (Entry, error)
	Reconcile(ctx context.Context, lineIDs []int64) (Reconciliation, error)
	MatchedAgainst(ctx context.Context, lineID int64) (float64, error)
}

type txRepository struct {
	tx pgx.Tx
}

// NewTxRepository wraps an open transaction so other modules can post ledger
// entries atomically with their own writes.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

// WithTx executes fn within a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("ledger repository not initialised")
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	wrapper := &txRepository{tx: tx}
	if err := fn(ctx, wrapper); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// ListAccounts returns the chart of accounts for a company.
func (r *Repository) ListAccounts(ctx context.Context, companyID int64) ([]Account, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, code, name, type, company_id, is_active, created_at, updated_at
FROM accounts WHERE company_id=$1 ORDER BY code`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var accounts []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.Code, &a.Name, &a.Type, &a.CompanyID, &a.IsActive, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// ListJournals returns the journals configured for a company.
func (r *Repository) ListJournals(ctx context.Context, companyID int64) ([]Journal, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, code, name, type, company_id, created_at, updated_at
FROM journals WHERE company_id=$1 ORDER BY code`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var journals []Journal
	for rows.Next() {
		var j Journal
		if err := rows.Scan(&j.ID, &j.Code, &j.Name, &j.Type, &j.CompanyID, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		journals = append(journals, j)
	}
	return journals, rows.Err()
}

// GetEntryWithLines loads an entry outside a transaction.
func (r *Repository) GetEntryWithLines(ctx context.Context, entryID int64) (Entry, error) {
	var entry Entry
	err := r.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		entry, err = tx.GetEntryWithLines(ctx, entryID)
		return err
	})
	return entry, err
}

// ErrSourceConflict indicates the source link already exists.
var ErrSourceConflict = errors.New("ledger: source link conflict")

func (r *txRepository) GetAccount(ctx context.Context, id int64) (Account, error) {
	var a Account
	err := r.tx.QueryRow(ctx, `SELECT id, code, name, type, company_id, is_active, created_at, updated_at
FROM accounts WHERE id=$1`, id).
		Scan(&a.ID, &a.Code, &a.Name, &a.Type, &a.CompanyID, &a.IsActive, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, err
	}
	return a, nil
}

func (r *txRepository) FindJournalByType(ctx context.Context, t JournalType, companyID int64) (Journal, error) {
	var j Journal
	err := r.tx.QueryRow(ctx, `SELECT id, code, name, type, company_id, created_at, updated_at
FROM journals WHERE type=$1 AND company_id=$2 ORDER BY id LIMIT 1`, t, companyID).
		Scan(&j.ID, &j.Code, &j.Name, &j.Type, &j.CompanyID, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Journal{}, ErrJournalNotFound
		}
		return Journal{}, err
	}
	return j, nil
}

func (r *txRepository) InsertEntry(ctx context.Context, in PostingInput) (Entry, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO journal_entries (journal_id, company_id, partner_id, date, ref, source_module, source_id, posted_by, status)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,'POSTED') RETURNING id, number, posted_at, created_at, updated_at`,
		in.JournalID, in.CompanyID, nullIntPtr(in.PartnerID), in.Date, in.Ref, in.SourceModule, in.SourceID, nullInt(in.PostedBy))
	entry := Entry{
		JournalID:    in.JournalID,
		CompanyID:    in.CompanyID,
		PartnerID:    in.PartnerID,
		Date:         in.Date,
		Ref:          in.Ref,
		SourceModule: in.SourceModule,
		SourceID:     in.SourceID,
		Status:       EntryStatusPosted,
		PostedBy:     in.PostedBy,
	}
	if err := row.Scan(&entry.ID, &entry.Number, &entry.PostedAt, &entry.CreatedAt, &entry.UpdatedAt); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

func (r *txRepository) InsertLines(ctx context.Context, entryID int64, lines []PostingLineInput) ([]Line, error) {
	out := make([]Line, 0, len(lines))
	for _, line := range lines {
		var inserted Line
		err := r.tx.QueryRow(ctx, `INSERT INTO journal_lines (entry_id, account_id, partner_id, description, debit, credit)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id, created_at, updated_at`,
			entryID, line.AccountID, nullIntPtr(line.PartnerID), line.Description, Round2(line.Debit), Round2(line.Credit)).
			Scan(&inserted.ID, &inserted.CreatedAt, &inserted.UpdatedAt)
		if err != nil {
			return nil, err
		}
		inserted.EntryID = entryID
		inserted.AccountID = line.AccountID
		inserted.PartnerID = line.PartnerID
		inserted.Description = line.Description
		inserted.Debit = Round2(line.Debit)
		inserted.Credit = Round2(line.Credit)
		out = append(out, inserted)
	}
	return out, nil
}

func (r *txRepository) LinkSource(ctx context.Context, module string, ref uuid.UUID, entryID int64) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO source_links (module, ref_id, entry_id) VALUES ($1,$2,$3)`, module, ref, entryID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.ConstraintName == "uq_source_links" {
			return ErrSourceConflict
		}
		return err
	}
	return nil
}

func (r *txRepository) GetEntryWithLines(ctx context.Context, entryID int64) (Entry, error) {
	var entry Entry
	err := r.tx.QueryRow(ctx, `SELECT id, number, journal_id, company_id, partner_id, date, ref, source_module, source_id, status, posted_by, posted_at, created_at, updated_at
FROM journal_entries WHERE id=$1`, entryID).
		Scan(&entry.ID, &entry.Number, &entry.JournalID, &entry.CompanyID, &entry.PartnerID, &entry.Date, &entry.Ref, &entry.SourceModule, &entry.SourceID, &entry.Status, &entry.PostedBy, &entry.PostedAt, &entry.CreatedAt, &entry.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, ErrEntryNotFound
		}
		return Entry{}, err
	}
	lines, err := r.entryLines(ctx, entryID)
	if err != nil {
		return Entry{}, err
	}
	entry.Lines = lines
	return entry, nil
}

func (r *txRepository) FindEntryByRef(ctx context.Context, ref string) (Entry, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `SELECT id FROM journal_entries WHERE ref=$1 ORDER BY id LIMIT 1`, ref).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, ErrEntryNotFound
		}
		return Entry{}, err
	}
	return r.GetEntryWithLines(ctx, id)
}

func (r *txRepository) entryLines(ctx context.Context, entryID int64) ([]Line, error) {
	rows, err := r.tx.Query(ctx, `SELECT id, entry_id, account_id, partner_id, description, debit, credit, created_at, updated_at
FROM journal_lines WHERE entry_id=$1 ORDER BY id ASC`, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []Line
	for rows.Next() {
		var line Line
		if err := rows.Scan(&line.ID, &line.EntryID, &line.AccountID, &line.PartnerID, &line.Description, &line.Debit, &line.Credit, &line.CreatedAt, &line.UpdatedAt); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func (r *txRepository) Reconcile(ctx context.Context, lineIDs []int64) (Reconciliation, error) {
	if len(lineIDs) < 2 {
		return Reconciliation{}, ErrReconcileTooFew
	}
	var accountID int64
	for i, lineID := range lineIDs {
		var acc int64
		if err := r.tx.QueryRow(ctx, `SELECT account_id FROM journal_lines WHERE id=$1`, lineID).Scan(&acc); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return Reconciliation{}, ErrEntryNotFound
			}
			return Reconciliation{}, err
		}
		if i == 0 {
			accountID = acc
		} else if acc != accountID {
			return Reconciliation{}, ErrReconcileMismatch
		}
	}
	var rec Reconciliation
	rec.AccountID = accountID
	rec.LineIDs = append(rec.LineIDs, lineIDs...)
	err := r.tx.QueryRow(ctx, `INSERT INTO reconciliations (account_id) VALUES ($1) RETURNING id, created_at`, accountID).
		Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return Reconciliation{}, err
	}
	for _, lineID := range lineIDs {
		if _, err := r.tx.Exec(ctx, `INSERT INTO reconciliation_lines (reconciliation_id, line_id) VALUES ($1,$2)`, rec.ID, lineID); err != nil {
			return Reconciliation{}, err
		}
	}
	return rec, nil
}

func (r *txRepository) MatchedAgainst(ctx context.Context, lineID int64) (float64, error) {
	var matched float64
	err := r.tx.QueryRow(ctx, `SELECT COALESCE(SUM(ABS(jl.debit - jl.credit)), 0)
FROM reconciliation_lines rl
JOIN journal_lines jl ON jl.id = rl.line_id
WHERE rl.reconciliation_id IN (SELECT reconciliation_id FROM reconciliation_lines WHERE line_id = $1)
  AND rl.line_id <> $1`, lineID).Scan(&matched)
	if err != nil {
		return 0, err
	}
	return matched, nil
}

func nullInt(val int64) any {
	if val == 0 {
		return nil
	}
	return val
}

func nullIntPtr(val *int64) any {
	if val == nil {
		return nil
	}
	if *val == 0 {
		return nil
	}
	return *val
}
