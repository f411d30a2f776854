package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"zapis/internal/catalog"
	"zapis/internal/models"
	"zapis/internal/slots"
)

// OverrideStore persists per-service, per-date availability overrides.
type OverrideStore interface {
	slots.OverrideStore
	UpsertAvailabilityOverride(ctx context.Context, o *models.AvailabilityOverride) error
	DeleteAvailabilityOverride(ctx context.Context, serviceID int64, date string) (bool, error)
	ListOverrideDates(ctx context.Context, serviceID int64, from string) ([]string, error)
}

// Availability lets administrators replace the default template for one
// service on one date.
type Availability struct {
	store   OverrideStore
	catalog Catalog
	hours   slots.WorkingHours
	logger  zerolog.Logger
	now     func() time.Time
}

func NewAvailability(store OverrideStore, catalog Catalog, hours slots.WorkingHours, logger zerolog.Logger, now func() time.Time) *Availability {
	if now == nil {
		now = time.Now
	}
	return &Availability{
		store:   store,
		catalog: catalog,
		hours:   hours,
		logger:  logger.With().Str("component", "availability").Logger(),
		now:     now,
	}
}

// Set stores the allowed starts for the service on date. An empty list closes
// the service that day.
func (a *Availability) Set(ctx context.Context, actor Actor, serviceID int64, date string, raw []string) (*models.AvailabilityOverride, error) {
	day, err := a.check(ctx, actor, serviceID, date)
	if err != nil {
		return nil, err
	}
	if day.Before(a.hours.DayStart(a.now())) {
		return nil, withMsg(ErrDateInvalid, "%s is in the past", date)
	}

	normalized, err := a.hours.ValidateSlots(raw)
	if err != nil {
		return nil, withMsg(ErrSlotInvalid, "%v", err)
	}

	o := &models.AvailabilityOverride{
		ServiceID: serviceID,
		Date:      day.Format(slots.DateLayout),
		Slots:     normalized,
		UpdatedAt: a.now(),
	}
	if err := a.store.UpsertAvailabilityOverride(ctx, o); err != nil {
		return nil, fmt.Errorf("upsert override: %w", err)
	}

	a.logger.Info().
		Int64("service_id", serviceID).
		Str("date", o.Date).
		Int("slots", len(o.Slots)).
		Int64("admin_id", actor.UserID).
		Msg("availability override saved")
	return o, nil
}

// Get returns the override for the date. configured is false when the
// default template applies; slots are then the template starts.
func (a *Availability) Get(ctx context.Context, actor Actor, serviceID int64, date string) ([]string, bool, error) {
	day, err := a.check(ctx, actor, serviceID, date)
	if err != nil {
		return nil, false, err
	}

	o, err := a.store.GetAvailabilityOverride(ctx, serviceID, day.Format(slots.DateLayout))
	if err != nil {
		return nil, false, fmt.Errorf("get override: %w", err)
	}
	if o != nil {
		return append([]string{}, o.Slots...), true, nil
	}

	services, err := a.catalog.Resolve(ctx, []int64{serviceID})
	if err != nil {
		return nil, false, fmt.Errorf("resolve service: %w", err)
	}
	template := a.hours.Template(day, services[0].Duration())
	out := make([]string, len(template))
	for i, t := range template {
		out[i] = t.Format(slots.ClockLayout)
	}
	return out, false, nil
}

// Delete removes the override so the default template applies again.
func (a *Availability) Delete(ctx context.Context, actor Actor, serviceID int64, date string) error {
	day, err := a.check(ctx, actor, serviceID, date)
	if err != nil {
		return err
	}
	removed, err := a.store.DeleteAvailabilityOverride(ctx, serviceID, day.Format(slots.DateLayout))
	if err != nil {
		return fmt.Errorf("delete override: %w", err)
	}
	if removed {
		a.logger.Info().Int64("service_id", serviceID).Str("date", date).Msg("availability override removed")
	}
	return nil
}

// Dates lists today's and later dates that carry an override for the service.
func (a *Availability) Dates(ctx context.Context, actor Actor, serviceID int64) ([]string, error) {
	if !actor.Admin {
		return nil, ErrForbidden
	}
	if err := a.checkService(ctx, serviceID); err != nil {
		return nil, err
	}
	from := a.hours.DayStart(a.now()).Format(slots.DateLayout)
	dates, err := a.store.ListOverrideDates(ctx, serviceID, from)
	if err != nil {
		return nil, fmt.Errorf("list override dates: %w", err)
	}
	return dates, nil
}

func (a *Availability) check(ctx context.Context, actor Actor, serviceID int64, date string) (time.Time, error) {
	if !actor.Admin {
		return time.Time{}, ErrForbidden
	}
	if err := a.checkService(ctx, serviceID); err != nil {
		return time.Time{}, err
	}
	day, err := slots.ParseDate(date, a.hours.Location)
	if err != nil {
		return time.Time{}, withMsg(ErrDateInvalid, "%v", err)
	}
	return day, nil
}

func (a *Availability) checkService(ctx context.Context, serviceID int64) error {
	if serviceID <= 0 {
		return ErrServicesRequired
	}
	if _, err := a.catalog.Resolve(ctx, []int64{serviceID}); err != nil {
		if errors.Is(err, catalog.ErrUnknownService) {
			return withMsg(ErrServicesInvalid, "%v", err)
		}
		return fmt.Errorf("resolve service: %w", err)
	}
	return nil
}
