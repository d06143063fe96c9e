// Package pricing computes route fares and promo discounts.
package pricing

import (
	"math"
	"strings"
	"time"

	"github.com/example/ride-booking/internal/apperr"
	"github.com/example/ride-booking/internal/models"
)

type Breakdown struct {
	BaseFare         float64 `json:"baseFare"`
	DistanceFare     float64 `json:"distanceFare"`
	TimeFare         float64 `json:"timeFare"`
	PeakMultiplier   float64 `json:"peakMultiplier"`
	DemandMultiplier float64 `json:"demandMultiplier"`
	Passengers       int     `json:"passengers"`
	Total            float64 `json:"total"`
}

// Calculate prices one departure of r:
//
//	base + km*perKm + min*perMin, then × peak × demand when dynamic pricing
//	is on, then × passengers when more than one, rounded to cents.
//
// departure is read in its own location; callers convert it to the
// operating time zone first.
func Calculate(r *models.Route, passengers int, departure time.Time) Breakdown {
	p := r.Pricing
	b := Breakdown{
		BaseFare:         p.BasePrice,
		DistanceFare:     Round2(r.DistanceMeters / 1000 * p.PricePerKm),
		TimeFare:         Round2(r.DurationSeconds / 60 * p.PricePerMinute),
		PeakMultiplier:   1,
		DemandMultiplier: 1,
		Passengers:       passengers,
	}
	price := p.BasePrice + r.DistanceMeters/1000*p.PricePerKm + r.DurationSeconds/60*p.PricePerMinute
	if p.DynamicPricing {
		b.PeakMultiplier = PeakMultiplier(p.PeakHours, departure)
		if p.DemandMultiplier > 0 {
			b.DemandMultiplier = p.DemandMultiplier
		}
		price *= b.PeakMultiplier
		price *= b.DemandMultiplier
	}
	if passengers > 1 {
		price *= float64(passengers)
	}
	b.Total = Round2(price)
	return b
}

// PeakMultiplier returns the multiplier of the first window containing t,
// or 1. Later overlapping windows are ignored.
func PeakMultiplier(windows []models.PeakWindow, t time.Time) float64 {
	for _, w := range windows {
		if w.Contains(t) {
			if w.Multiplier <= 0 {
				return 1
			}
			return w.Multiplier
		}
	}
	return 1
}

// Discount returns what promo takes off amount at now. The result never
// exceeds amount.
func Discount(promo *models.PromoCode, amount float64, now time.Time) (float64, error) {
	if promo == nil {
		return 0, nil
	}
	if !promo.Active {
		return 0, apperr.Validation("promo code is not active")
	}
	if !promo.ValidFrom.IsZero() && now.Before(promo.ValidFrom) {
		return 0, apperr.Validation("promo code is not valid yet")
	}
	if !promo.ValidUntil.IsZero() && now.After(promo.ValidUntil) {
		return 0, apperr.Validation("promo code has expired")
	}
	if promo.UsageLimit > 0 && promo.UsageCount >= promo.UsageLimit {
		return 0, apperr.Validation("promo code usage limit reached")
	}
	return Reapply(promo, amount)
}

// Reapply prices a promo the booking already redeemed against a new
// amount. Activity, the validity window and the usage limit were settled
// at redemption and are not checked again.
func Reapply(promo *models.PromoCode, amount float64) (float64, error) {
	if promo == nil {
		return 0, nil
	}
	if amount < promo.MinAmount {
		return 0, apperr.Validation("order amount is below the promo code minimum")
	}
	var d float64
	switch promo.DiscountType {
	case models.DiscountPercentage:
		d = amount * promo.DiscountValue / 100
		if promo.MaxDiscount > 0 && d > promo.MaxDiscount {
			d = promo.MaxDiscount
		}
	case models.DiscountFixed:
		d = promo.DiscountValue
	default:
		return 0, apperr.Validation("unknown promo discount type")
	}
	if d > amount {
		d = amount
	}
	return Round2(d), nil
}

// NormalizeCode upper-cases and trims a promo code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
