package slots

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zapis/internal/models"
)

type fakeOverrides struct {
	rows map[string]*models.AvailabilityOverride
	err  error
}

func (f *fakeOverrides) set(serviceID int64, date string, slots ...string) {
	if f.rows == nil {
		f.rows = make(map[string]*models.AvailabilityOverride)
	}
	f.rows[fmt.Sprintf("%d/%s", serviceID, date)] = &models.AvailabilityOverride{
		ServiceID: serviceID,
		Date:      date,
		Slots:     slots,
	}
}

func (f *fakeOverrides) GetAvailabilityOverride(ctx context.Context, serviceID int64, date string) (*models.AvailabilityOverride, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.rows[fmt.Sprintf("%d/%s", serviceID, date)], nil
}

func moscow(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Moscow")
	require.NoError(t, err)
	return loc
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

var (
	groom = models.Service{ID: 1, Name: "Груминг", DurationMinutes: 30}
	bath  = models.Service{ID: 2, Name: "Купание", DurationMinutes: 45}
)

func clocks(ts []time.Time) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.Format(ClockLayout)
	}
	return out
}

func TestAllowedStartTimes_DefaultTemplateIntersection(t *testing.T) {
	loc := moscow(t)
	now := time.Date(2025, 6, 9, 12, 0, 0, 0, loc)
	r := NewResolver(DefaultWorkingHours(loc), 30, &fakeOverrides{}, WithClock(fixedClock(now)))

	date := time.Date(2025, 6, 10, 0, 0, 0, 0, loc)
	starts, err := r.AllowedStartTimes(context.Background(), date, []models.Service{groom, bath})
	require.NoError(t, err)
	require.NotEmpty(t, starts)

	assert.Equal(t, "10:00", starts[0].Format(ClockLayout))
	assert.Equal(t, "19:30", starts[len(starts)-1].Format(ClockLayout))
	assert.Len(t, starts, 20)

	latest := time.Date(2025, 6, 10, 19, 45, 0, 0, loc)
	for i, s := range starts {
		assert.False(t, s.After(latest), "start %s leaves no room for 75 minutes", s)
		assert.Equal(t, 0, s.Minute()%30)
		if i > 0 {
			assert.Equal(t, 30*time.Minute, s.Sub(starts[i-1]))
		}
	}
}

func TestAllowedStartTimes_SingleServiceTrailingMargin(t *testing.T) {
	loc := moscow(t)
	now := time.Date(2025, 6, 9, 12, 0, 0, 0, loc)
	r := NewResolver(DefaultWorkingHours(loc), 30, nil, WithClock(fixedClock(now)))

	date := time.Date(2025, 6, 10, 0, 0, 0, 0, loc)

	starts, err := r.AllowedStartTimes(context.Background(), date, []models.Service{groom})
	require.NoError(t, err)
	assert.Len(t, starts, 22)
	assert.Equal(t, "20:30", starts[len(starts)-1].Format(ClockLayout))

	starts, err = r.AllowedStartTimes(context.Background(), date, []models.Service{bath})
	require.NoError(t, err)
	assert.Equal(t, "20:00", starts[len(starts)-1].Format(ClockLayout))
}

func TestAllowedStartTimes_Overrides(t *testing.T) {
	loc := moscow(t)
	now := time.Date(2025, 6, 9, 12, 0, 0, 0, loc)
	date := time.Date(2025, 6, 10, 0, 0, 0, 0, loc)

	t.Run("empty override closes the day", func(t *testing.T) {
		store := &fakeOverrides{}
		store.set(groom.ID, "2025-06-10")
		r := NewResolver(DefaultWorkingHours(loc), 30, store, WithClock(fixedClock(now)))

		starts, err := r.AllowedStartTimes(context.Background(), date, []models.Service{groom})
		require.NoError(t, err)
		assert.Empty(t, starts)

		starts, err = r.AllowedStartTimes(context.Background(), date, []models.Service{bath, groom})
		require.NoError(t, err)
		assert.Empty(t, starts)
	})

	t.Run("override replaces template", func(t *testing.T) {
		store := &fakeOverrides{}
		store.set(groom.ID, "2025-06-10", "12:00", "10:00", "11:00")
		r := NewResolver(DefaultWorkingHours(loc), 30, store, WithClock(fixedClock(now)))

		starts, err := r.AllowedStartTimes(context.Background(), date, []models.Service{groom, bath})
		require.NoError(t, err)
		assert.Equal(t, []string{"10:00", "11:00", "12:00"}, clocks(starts))
	})

	t.Run("override on another date does not apply", func(t *testing.T) {
		store := &fakeOverrides{}
		store.set(groom.ID, "2025-06-11")
		r := NewResolver(DefaultWorkingHours(loc), 30, store, WithClock(fixedClock(now)))

		starts, err := r.AllowedStartTimes(context.Background(), date, []models.Service{groom})
		require.NoError(t, err)
		assert.Len(t, starts, 22)
	})

	t.Run("store error", func(t *testing.T) {
		store := &fakeOverrides{err: errors.New("db down")}
		r := NewResolver(DefaultWorkingHours(loc), 30, store, WithClock(fixedClock(now)))

		_, err := r.AllowedStartTimes(context.Background(), date, []models.Service{groom})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "db down")
	})
}

func TestAllowedStartTimes_FiltersPastAndHorizon(t *testing.T) {
	loc := moscow(t)
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, loc)
	r := NewResolver(DefaultWorkingHours(loc), 30, nil, WithClock(fixedClock(now)))

	starts, err := r.AllowedStartTimes(context.Background(), now, []models.Service{groom})
	require.NoError(t, err)
	require.NotEmpty(t, starts)
	assert.Equal(t, "12:30", starts[0].Format(ClockLayout))
	for _, s := range starts {
		assert.True(t, s.After(now))
	}

	past, err := r.AllowedStartTimes(context.Background(), now.AddDate(0, 0, -1), []models.Service{groom})
	require.NoError(t, err)
	assert.Empty(t, past)

	last, err := r.AllowedStartTimes(context.Background(), time.Date(2025, 7, 9, 0, 0, 0, 0, loc), []models.Service{groom})
	require.NoError(t, err)
	assert.NotEmpty(t, last)

	beyond, err := r.AllowedStartTimes(context.Background(), time.Date(2025, 7, 10, 0, 0, 0, 0, loc), []models.Service{groom})
	require.NoError(t, err)
	assert.Empty(t, beyond)
}

func TestAllowedStartTimes_CombinationTooLong(t *testing.T) {
	loc := moscow(t)
	now := time.Date(2025, 6, 9, 12, 0, 0, 0, loc)
	r := NewResolver(DefaultWorkingHours(loc), 30, nil, WithClock(fixedClock(now)))

	long := models.Service{ID: 3, DurationMinutes: 360}
	longer := models.Service{ID: 4, DurationMinutes: 330}

	date := time.Date(2025, 6, 10, 0, 0, 0, 0, loc)
	starts, err := r.AllowedStartTimes(context.Background(), date, []models.Service{long, longer})
	require.NoError(t, err)
	assert.Empty(t, starts)

	starts, err = r.AllowedStartTimes(context.Background(), date, nil)
	require.NoError(t, err)
	assert.Empty(t, starts)
}

func TestAvailableDates(t *testing.T) {
	loc := moscow(t)
	now := time.Date(2025, 6, 9, 12, 0, 0, 0, loc)
	store := &fakeOverrides{}
	store.set(groom.ID, "2025-06-10")
	r := NewResolver(DefaultWorkingHours(loc), 30, store, WithClock(fixedClock(now)))

	dates, err := r.AvailableDates(context.Background(), []models.Service{groom}, 3)
	require.NoError(t, err)

	got := make([]string, len(dates))
	for i, d := range dates {
		got[i] = d.Format(DateLayout)
	}
	assert.Equal(t, []string{"2025-06-09", "2025-06-11"}, got)

	late := NewResolver(DefaultWorkingHours(loc), 30, nil, WithClock(fixedClock(time.Date(2025, 6, 9, 20, 45, 0, 0, loc))))
	dates, err = late.AvailableDates(context.Background(), []models.Service{groom}, 2)
	require.NoError(t, err)
	require.Len(t, dates, 1)
	assert.Equal(t, "2025-06-10", dates[0].Format(DateLayout))

	all, err := r.AvailableDates(context.Background(), []models.Service{bath}, 0)
	require.NoError(t, err)
	assert.Len(t, all, 30)
}

func TestIsAllowedStart(t *testing.T) {
	loc := moscow(t)
	now := time.Date(2025, 6, 9, 12, 0, 0, 0, loc)
	r := NewResolver(DefaultWorkingHours(loc), 30, nil, WithClock(fixedClock(now)))

	ok, err := r.IsAllowedStart(context.Background(), time.Date(2025, 6, 10, 10, 30, 0, 0, loc), []models.Service{groom})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.IsAllowedStart(context.Background(), time.Date(2025, 6, 10, 10, 15, 0, 0, loc), []models.Service{groom})
	require.NoError(t, err)
	assert.False(t, ok)
}
