package partners

import (
	"context"
	"errors"
	"strings"
)

// Repository is the persistence contract used by the service.
type RepositoryPort interface {
	Get(ctx context.Context, id int64) (Partner, error)
	List(ctx context.Context, companyID int64) ([]Partner, error)
	Create(ctx context.Context, p Partner) (Partner, error)
	Update(ctx context.Context, id int64, p Partner) error
	SetDefaultRate(ctx context.Context, id int64, rateID *int64) error
}

type Service struct {
	repo RepositoryPort
}

func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

func (s *Service) Get(ctx context.Context, id int64) (Partner, error) {
	if id <= 0 {
		return Partner{}, errors.New("invalid partner ID")
	}
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, companyID int64) ([]Partner, error) {
	return s.repo.List(ctx, companyID)
}

func (s *Service) Create(ctx context.Context, p Partner) (Partner, error) {
	if err := s.validate(p); err != nil {
		return Partner{}, err
	}
	return s.repo.Create(ctx, p)
}

func (s *Service) Update(ctx context.Context, id int64, p Partner) error {
	if id <= 0 {
		return errors.New("invalid partner ID")
	}
	if err := s.validate(p); err != nil {
		return err
	}
	return s.repo.Update(ctx, id, p)
}

// SetDefaultRate assigns (or clears, with nil) the partner's default
// withholding rate. Existing invoices are unaffected.
func (s *Service) SetDefaultRate(ctx context.Context, id int64, rateID *int64) error {
	if id <= 0 {
		return errors.New("invalid partner ID")
	}
	return s.repo.SetDefaultRate(ctx, id, rateID)
}

// PartnerInfo resolves the settlement accounts and default withholding rate
// for a partner. It satisfies the directory contract used by invoicing.
func (s *Service) PartnerInfo(ctx context.Context, id int64) (receivableAccountID, payableAccountID int64, defaultRateID *int64, err error) {
	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return 0, 0, nil, err
	}
	return p.ReceivableAccountID, p.PayableAccountID, p.WithholdingRateID, nil
}

func (s *Service) validate(p Partner) error {
	if strings.TrimSpace(p.Code) == "" {
		return errors.New("partner code is required")
	}
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("partner name is required")
	}
	if p.CompanyID <= 0 {
		return errors.New("partner company is required")
	}
	if p.ReceivableAccountID <= 0 || p.PayableAccountID <= 0 {
		return errors.New("partner settlement accounts are required")
	}
	return nil
}
