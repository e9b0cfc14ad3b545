package withholding

import (
	"context"
	"errors"
	"strings"

	"github.com/fontetax/fontetax/internal/invoicing"
)

// RepositoryPort is the persistence contract used by the service.
type RepositoryPort interface {
	Get(ctx context.Context, id int64) (Rate, error)
	List(ctx context.Context, companyID int64) ([]Rate, error)
	ByIDs(ctx context.Context, companyID int64, ids []int64) (map[int64]Rate, error)
	Create(ctx context.Context, rate Rate) (Rate, error)
	Update(ctx context.Context, id int64, rate Rate) error
}

// Service manages the rate registry. It also implements the rate source
// contract invoicing computes against.
type Service struct {
	repo RepositoryPort
}

// NewService constructs the withholding rate service.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

func (s *Service) Get(ctx context.Context, id int64) (Rate, error) {
	if id <= 0 {
		return Rate{}, ErrRateNotFound
	}
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, companyID int64) ([]Rate, error) {
	return s.repo.List(ctx, companyID)
}

func (s *Service) Create(ctx context.Context, rate Rate) (Rate, error) {
	if err := s.validate(rate); err != nil {
		return Rate{}, err
	}
	rate.IsActive = true
	return s.repo.Create(ctx, rate)
}

func (s *Service) Update(ctx context.Context, id int64, rate Rate) error {
	if id <= 0 {
		return ErrRateNotFound
	}
	if err := s.validate(rate); err != nil {
		return err
	}
	return s.repo.Update(ctx, id, rate)
}

// RatesByIDs satisfies the rate source contract of the invoicing module.
func (s *Service) RatesByIDs(ctx context.Context, companyID int64, ids []int64) (map[int64]invoicing.RateRef, error) {
	rates, err := s.repo.ByIDs(ctx, companyID, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]invoicing.RateRef, len(rates))
	for id, rate := range rates {
		out[id] = invoicing.RateRef{
			ID:         rate.ID,
			Name:       rate.Name,
			Code:       rate.Code,
			Percentage: rate.Percentage,
			AccountID:  rate.AccountID,
		}
	}
	return out, nil
}

func (s *Service) validate(rate Rate) error {
	if strings.TrimSpace(rate.Name) == "" {
		return errors.New("withholding: rate name is required")
	}
	if strings.TrimSpace(rate.Code) == "" {
		return errors.New("withholding: rate code is required")
	}
	if !rate.Category.Valid() {
		return errors.New("withholding: unknown rate category")
	}
	if rate.Percentage <= 0 || rate.Percentage > 100 {
		return ErrInvalidPercentage
	}
	if rate.CompanyID <= 0 {
		return errors.New("withholding: rate company is required")
	}
	return nil
}
