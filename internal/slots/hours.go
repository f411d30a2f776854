package slots

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	DateLayout  = "2006-01-02"
	ClockLayout = "15:04"
)

var (
	// ErrInvalidSlot is returned for override slots that are malformed, off the
	// step grid or outside working hours.
	ErrInvalidSlot = errors.New("invalid slot")
	// ErrInvalidDate is returned for dates not in YYYY-MM-DD form.
	ErrInvalidDate = errors.New("invalid date")
)

// WorkingHours is the default daily template shared by every service.
type WorkingHours struct {
	Open     time.Duration // offset from midnight, "10:00"
	Close    time.Duration // offset from midnight, "21:00"
	Step     time.Duration
	Location *time.Location
}

// DefaultWorkingHours returns 10:00-21:00 on a 30 minute grid.
func DefaultWorkingHours(loc *time.Location) WorkingHours {
	if loc == nil {
		loc = time.UTC
	}
	return WorkingHours{
		Open:     10 * time.Hour,
		Close:    21 * time.Hour,
		Step:     30 * time.Minute,
		Location: loc,
	}
}

func (h WorkingHours) loc() *time.Location {
	if h.Location == nil {
		return time.UTC
	}
	return h.Location
}

// DayStart returns local midnight of the day containing t.
func (h WorkingHours) DayStart(t time.Time) time.Time {
	y, m, d := t.In(h.loc()).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, h.loc())
}

// At returns the wall-clock instant offset from midnight of day.
func (h WorkingHours) At(day time.Time, offset time.Duration) time.Time {
	y, m, d := day.In(h.loc()).Date()
	hour := int(offset / time.Hour)
	minute := int(offset % time.Hour / time.Minute)
	return time.Date(y, m, d, hour, minute, 0, 0, h.loc())
}

// OffsetOf returns the wall-clock offset of t from its local midnight.
func (h WorkingHours) OffsetOf(t time.Time) time.Duration {
	lt := t.In(h.loc())
	return time.Duration(lt.Hour())*time.Hour +
		time.Duration(lt.Minute())*time.Minute +
		time.Duration(lt.Second())*time.Second +
		time.Duration(lt.Nanosecond())
}

// OnGrid reports whether t falls exactly on a step boundary.
func (h WorkingHours) OnGrid(t time.Time) bool {
	if h.Step <= 0 {
		return true
	}
	return h.OffsetOf(t)%h.Step == 0
}

// Contains reports whether [start, end) lies within the working hours of the
// day start belongs to.
func (h WorkingHours) Contains(start, end time.Time) bool {
	if !start.Before(end) {
		return false
	}
	day := h.DayStart(start)
	return !start.Before(h.At(day, h.Open)) && !end.After(h.At(day, h.Close))
}

// Template returns the default starts for a service of the given duration:
// every grid time from open while the service still ends by close.
func (h WorkingHours) Template(day time.Time, duration time.Duration) []time.Time {
	if h.Step <= 0 || duration <= 0 {
		return nil
	}
	var starts []time.Time
	for off := h.Open; off+duration <= h.Close; off += h.Step {
		starts = append(starts, h.At(day, off))
	}
	return starts
}

// ValidateSlots checks admin-submitted "HH:MM" slots and returns them sorted
// and de-duplicated. Nothing is rounded.
func (h WorkingHours) ValidateSlots(raw []string) ([]string, error) {
	seen := make(map[time.Duration]struct{}, len(raw))
	offsets := make([]time.Duration, 0, len(raw))
	for _, s := range raw {
		off, err := ParseClock(s)
		if err != nil {
			return nil, err
		}
		if h.Step > 0 && off%h.Step != 0 {
			return nil, fmt.Errorf("%w: '%s' is not aligned to the %d minute step", ErrInvalidSlot, s, int(h.Step.Minutes()))
		}
		if off < h.Open || off >= h.Close {
			return nil, fmt.Errorf("%w: '%s' is outside working hours", ErrInvalidSlot, s)
		}
		if _, dup := seen[off]; dup {
			continue
		}
		seen[off] = struct{}{}
		offsets = append(offsets, off)
	}

	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	out := make([]string, len(offsets))
	for i, off := range offsets {
		out[i] = FormatClock(off)
	}
	return out, nil
}

// ParseClock parses a strict "HH:MM" time of day.
func ParseClock(s string) (time.Duration, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 || len(parts[0]) != 2 || len(parts[1]) != 2 {
		return 0, fmt.Errorf("%w: invalid format '%s', expected HH:MM", ErrInvalidSlot, s)
	}

	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("%w: invalid hour in '%s'", ErrInvalidSlot, s)
	}

	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("%w: invalid minute in '%s'", ErrInvalidSlot, s)
	}

	return time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute, nil
}

func FormatClock(off time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(off/time.Hour), int(off%time.Hour/time.Minute))
}

// ParseDate parses YYYY-MM-DD as local midnight.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	d, err := time.ParseInLocation(DateLayout, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: '%s', expected YYYY-MM-DD", ErrInvalidDate, s)
	}
	return d, nil
}
