package slots

import (
	"context"
	"fmt"
	"sort"
	"time"

	"zapis/internal/models"
)

// OverrideStore reads admin availability overrides. A nil override with a nil
// error means the default template applies.
type OverrideStore interface {
	GetAvailabilityOverride(ctx context.Context, serviceID int64, date string) (*models.AvailabilityOverride, error)
}

// Resolver computes bookable start times from the default template and the
// per-service overrides.
type Resolver struct {
	hours       WorkingHours
	horizonDays int
	overrides   OverrideStore
	now         func() time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// NewResolver creates a resolver. horizonDays <= 0 means 30.
func NewResolver(hours WorkingHours, horizonDays int, overrides OverrideStore, opts ...Option) *Resolver {
	if horizonDays <= 0 {
		horizonDays = 30
	}
	r := &Resolver{
		hours:       hours,
		horizonDays: horizonDays,
		overrides:   overrides,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Resolver) Hours() WorkingHours { return r.hours }

func (r *Resolver) HorizonDays() int { return r.horizonDays }

// HorizonEnd is the first instant beyond the booking horizon.
func (r *Resolver) HorizonEnd() time.Time {
	return r.hours.DayStart(r.now()).AddDate(0, 0, r.horizonDays)
}

// InHorizon reports whether t is in the future and before the horizon end.
func (r *Resolver) InHorizon(t time.Time) bool {
	return t.After(r.now()) && t.Before(r.HorizonEnd())
}

// AllowedStartTimes returns the sorted starts on date that every service
// accepts, that lie in the future and inside the horizon, and that leave room
// for the combined duration before closing.
func (r *Resolver) AllowedStartTimes(ctx context.Context, date time.Time, services []models.Service) ([]time.Time, error) {
	if len(services) == 0 {
		return nil, nil
	}

	day := r.hours.DayStart(date)
	var (
		common []time.Time
		total  time.Duration
	)
	for i, svc := range services {
		total += svc.Duration()

		starts, err := r.serviceStarts(ctx, day, svc)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			common = starts
		} else {
			common = intersect(common, starts)
		}
		if len(common) == 0 {
			return nil, nil
		}
	}

	out := make([]time.Time, 0, len(common))
	for _, start := range common {
		if !r.InHorizon(start) {
			continue
		}
		if !r.hours.Contains(start, start.Add(total)) {
			continue
		}
		out = append(out, start)
	}
	return out, nil
}

// AvailableDates returns the days from today, for horizonDays days, that have
// at least one allowed start. horizonDays <= 0 means the resolver's horizon.
func (r *Resolver) AvailableDates(ctx context.Context, services []models.Service, horizonDays int) ([]time.Time, error) {
	if horizonDays <= 0 {
		horizonDays = r.horizonDays
	}

	today := r.hours.DayStart(r.now())
	var dates []time.Time
	for i := 0; i < horizonDays; i++ {
		day := today.AddDate(0, 0, i)
		starts, err := r.AllowedStartTimes(ctx, day, services)
		if err != nil {
			return nil, err
		}
		if len(starts) > 0 {
			dates = append(dates, day)
		}
	}
	return dates, nil
}

// IsAllowedStart reports whether start is among the allowed starts of its day.
func (r *Resolver) IsAllowedStart(ctx context.Context, start time.Time, services []models.Service) (bool, error) {
	starts, err := r.AllowedStartTimes(ctx, start, services)
	if err != nil {
		return false, err
	}
	for _, s := range starts {
		if s.Equal(start) {
			return true, nil
		}
	}
	return false, nil
}

func (r *Resolver) serviceStarts(ctx context.Context, day time.Time, svc models.Service) ([]time.Time, error) {
	if r.overrides != nil {
		override, err := r.overrides.GetAvailabilityOverride(ctx, svc.ID, day.Format(DateLayout))
		if err != nil {
			return nil, fmt.Errorf("get override for service %d: %w", svc.ID, err)
		}
		if override != nil {
			return r.overrideStarts(day, override), nil
		}
	}
	return r.hours.Template(day, svc.Duration()), nil
}

func (r *Resolver) overrideStarts(day time.Time, o *models.AvailabilityOverride) []time.Time {
	starts := make([]time.Time, 0, len(o.Slots))
	for _, s := range o.Slots {
		off, err := ParseClock(s)
		if err != nil {
			continue // validated on write
		}
		starts = append(starts, r.hours.At(day, off))
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })
	return starts
}

func intersect(a, b []time.Time) []time.Time {
	in := make(map[int64]struct{}, len(b))
	for _, t := range b {
		in[t.Unix()] = struct{}{}
	}
	var out []time.Time
	for _, t := range a {
		if _, ok := in[t.Unix()]; ok {
			out = append(out, t)
		}
	}
	return out
}
