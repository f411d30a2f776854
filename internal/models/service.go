package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// MinServiceDuration is the shortest service an administrator may add.
const MinServiceDuration = 15

// Service is a catalog entry.
type Service struct {
	ID              int64           `json:"id"`
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	DurationMinutes int             `json:"duration_min"`
	Price           decimal.Decimal `json:"price"`
	Enabled         bool            `json:"enabled"`
}

func (s Service) Duration() time.Duration {
	return time.Duration(s.DurationMinutes) * time.Minute
}

func (s Service) Snapshot() ServiceSnapshot {
	return ServiceSnapshot{
		ServiceID:       s.ID,
		Name:            s.Name,
		DurationMinutes: s.DurationMinutes,
		Price:           s.Price,
	}
}

// SnapshotServices copies services in order and returns their combined
// duration and price.
func SnapshotServices(services []Service) ([]ServiceSnapshot, time.Duration, decimal.Decimal) {
	snaps := make([]ServiceSnapshot, 0, len(services))
	var total time.Duration
	price := decimal.Zero
	for _, s := range services {
		snaps = append(snaps, s.Snapshot())
		total += s.Duration()
		price = price.Add(s.Price)
	}
	return snaps, total, price
}

// AvailabilityOverride replaces the default template for one service on one
// date. An empty Slots list closes the service for that date.
type AvailabilityOverride struct {
	ServiceID int64     `json:"service_id"`
	Date      string    `json:"date"`
	Slots     []string  `json:"slots"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (o *AvailabilityOverride) IsClosed() bool {
	return len(o.Slots) == 0
}

// PromoRedemption records a promo code used at a partner.
type PromoRedemption struct {
	ID         int64     `json:"id"`
	SubjectID  int64     `json:"subject_id"`
	PromoCode  string    `json:"promo_code"`
	PartnerID  int64     `json:"partner_id"`
	RedeemedAt time.Time `json:"redeemed_at"`
}

// Partner is the read-only slice of the partner directory used here.
type Partner struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	OwnerUserID int64  `json:"owner_user_id"`
}
