package catalog

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/example/ride-booking/internal/apperr"
	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/pricing"
	"github.com/example/ride-booking/internal/storage"
)

type PromoInput struct {
	Code          string              `json:"code" validate:"required,alphanum,max=32"`
	Description   string              `json:"description" validate:"omitempty,max=500"`
	DiscountType  models.DiscountType `json:"discountType" validate:"required,oneof=percentage fixed"`
	DiscountValue float64             `json:"discountValue" validate:"gt=0"`
	MaxDiscount   float64             `json:"maxDiscount" validate:"gte=0"`
	MinAmount     float64             `json:"minAmount" validate:"gte=0"`
	ValidFrom     time.Time           `json:"validFrom"`
	ValidUntil    time.Time           `json:"validUntil"`
	UsageLimit    int                 `json:"usageLimit" validate:"gte=0"`
}

func (s *Service) CreatePromo(ctx context.Context, in PromoInput) (*models.PromoCode, error) {
	code := pricing.NormalizeCode(in.Code)
	if code == "" {
		return nil, apperr.Validation("code is required")
	}
	switch in.DiscountType {
	case models.DiscountPercentage:
		if in.DiscountValue <= 0 || in.DiscountValue > 100 {
			return nil, apperr.Validation("percentage discount must be between 0 and 100")
		}
	case models.DiscountFixed:
		if in.DiscountValue <= 0 {
			return nil, apperr.Validation("fixed discount must be positive")
		}
	default:
		return nil, apperr.Validation("discount type must be percentage or fixed")
	}
	if !in.ValidUntil.IsZero() && !in.ValidUntil.After(in.ValidFrom) {
		return nil, apperr.Validation("validUntil must be after validFrom")
	}
	p := &models.PromoCode{
		Code:          code,
		Description:   strings.TrimSpace(in.Description),
		DiscountType:  in.DiscountType,
		DiscountValue: in.DiscountValue,
		MaxDiscount:   in.MaxDiscount,
		MinAmount:     in.MinAmount,
		ValidFrom:     in.ValidFrom.UTC(),
		ValidUntil:    in.ValidUntil.UTC(),
		UsageLimit:    in.UsageLimit,
		Active:        true,
	}
	if err := s.store.Promos.Create(ctx, p); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, apperr.Conflict("promo code already exists")
		}
		return nil, err
	}
	return p, nil
}

func (s *Service) ListPromos(ctx context.Context, f storage.PromoFilter, page storage.Page) ([]*models.PromoCode, int64, error) {
	return s.store.Promos.Find(ctx, f, page)
}

func (s *Service) findPromo(ctx context.Context, code string) (*models.PromoCode, error) {
	p, err := s.store.Promos.FindOne(ctx, storage.PromoFilter{Code: code})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.Validation("invalid promo code")
	}
	return p, err
}

// PromoCheck is the answer to a promo validation request.
type PromoCheck struct {
	Code     string  `json:"code"`
	Discount float64 `json:"discount"`
	Total    float64 `json:"total"`
}

// ValidatePromo reports what code would take off amount right now.
func (s *Service) ValidatePromo(ctx context.Context, code string, amount float64) (*PromoCheck, error) {
	code = pricing.NormalizeCode(code)
	if code == "" {
		return nil, apperr.Validation("code is required")
	}
	if amount < 0 {
		return nil, apperr.Validation("amount cannot be negative")
	}
	p, err := s.findPromo(ctx, code)
	if err != nil {
		return nil, err
	}
	d, err := pricing.Discount(p, amount, s.now())
	if err != nil {
		return nil, err
	}
	return &PromoCheck{Code: p.Code, Discount: d, Total: pricing.Round2(amount - d)}, nil
}

// SetPromoActive switches a promo code on or off.
func (s *Service) SetPromoActive(ctx context.Context, code string, active bool) (*models.PromoCode, error) {
	p, err := s.store.Promos.FindOne(ctx, storage.PromoFilter{Code: pricing.NormalizeCode(code)})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("promo code")
	}
	if err != nil {
		return nil, err
	}
	p.Active = active
	if err := s.store.Promos.Update(ctx, p); err != nil {
		return nil, storage.APIError(err)
	}
	return p, nil
}
