package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fontetax/fontetax/internal/shared"
)

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListAccounts(ctx context.Context, companyID int64) ([]Account, error)
	ListJournals(ctx context.Context, companyID int64) ([]Journal, error)
}

// AuditPort records ledger events for compliance.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service coordinates posting and reconciling journal entries.
type Service struct {
	repo  RepositoryPort
	audit AuditPort
	now   func() time.Time
}

// NewService constructs the ledger service.
func NewService(repo RepositoryPort, audit AuditPort) *Service {
	return &Service{repo: repo, audit: audit, now: time.Now}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// PostEntry validates and persists a new, immediately posted journal entry.
func (s *Service) PostEntry(ctx context.Context, input PostingInput) (Entry, error) {
	if err := input.Validate(); err != nil {
		return Entry{}, err
	}
	var entry Entry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inserted, err := tx.InsertEntry(ctx, input)
		if err != nil {
			return err
		}
		lines, err := tx.InsertLines(ctx, inserted.ID, input.Lines)
		if err != nil {
			return err
		}
		if err := tx.LinkSource(ctx, input.SourceModule, input.SourceID, inserted.ID); err != nil {
			if errors.Is(err, ErrSourceConflict) {
				return ErrSourceAlreadyLinked
			}
			return err
		}
		inserted.Lines = lines
		entry = inserted
		return nil
	})
	if err != nil {
		return Entry{}, err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  input.PostedBy,
			Action:   "ledger.post",
			Entity:   "journal_entry",
			EntityID: fmt.Sprintf("%d", entry.ID),
			Meta: map[string]any{
				"number":        entry.Number,
				"ref":           entry.Ref,
				"source_module": input.SourceModule,
				"source_id":     input.SourceID.String(),
			},
			At: s.now(),
		})
	}
	return entry, nil
}

// ReconcileLines marks the given lines as settled against each other.
func (s *Service) ReconcileLines(ctx context.Context, actorID int64, lineIDs []int64) (Reconciliation, error) {
	var rec Reconciliation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		rec, err = tx.Reconcile(ctx, lineIDs)
		return err
	})
	if err != nil {
		return Reconciliation{}, err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   "ledger.reconcile",
			Entity:   "reconciliation",
			EntityID: fmt.Sprintf("%d", rec.ID),
			Meta:     map[string]any{"line_ids": rec.LineIDs},
			At:       s.now(),
		})
	}
	return rec, nil
}

// GetEntry loads an entry with its lines.
func (s *Service) GetEntry(ctx context.Context, entryID int64) (Entry, error) {
	var entry Entry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		entry, err = tx.GetEntryWithLines(ctx, entryID)
		return err
	})
	return entry, err
}

// FindEntryByRef resolves an entry by its human-readable reference.
func (s *Service) FindEntryByRef(ctx context.Context, ref string) (Entry, error) {
	var entry Entry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		entry, err = tx.FindEntryByRef(ctx, ref)
		return err
	})
	return entry, err
}

// ListAccounts retrieves the chart of accounts for a company.
func (s *Service) ListAccounts(ctx context.Context, companyID int64) ([]Account, error) {
	return s.repo.ListAccounts(ctx, companyID)
}

// ListJournals retrieves the journals configured for a company.
func (s *Service) ListJournals(ctx context.Context, companyID int64) ([]Journal, error) {
	return s.repo.ListJournals(ctx, companyID)
}
