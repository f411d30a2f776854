package booking

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"zapis/internal/catalog"
	"zapis/internal/models"
	"zapis/internal/slots"
)

// memStore keeps appointments in memory. WithinTx holds mu for the whole
// callback, which serializes writers the way an immediate sqlite
// transaction does.
type memStore struct {
	mu       sync.Mutex
	appts    map[int64]*models.Appointment
	nextID   int64
	profiles map[int64]bool

	overrides map[string]*models.AvailabilityOverride
}

func newMemStore() *memStore {
	return &memStore{
		appts:     make(map[int64]*models.Appointment),
		profiles:  make(map[int64]bool),
		overrides: make(map[string]*models.AvailabilityOverride),
	}
}

type memTx struct{ m *memStore }

func (m *memStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(memTx{m: m})
}

func (m *memStore) GetAppointment(ctx context.Context, id int64) (*models.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(id), nil
}

func (m *memStore) OverlappingAppointments(ctx context.Context, start, end time.Time, excludeID int64) ([]models.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overlapping(start, end, excludeID), nil
}

func (m *memStore) ListAppointments(ctx context.Context, f models.AppointmentFilter) ([]models.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Appointment
	for _, a := range m.appts {
		if f.SubjectID != nil && a.SubjectID != *f.SubjectID {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if !f.StartFrom.IsZero() && a.StartTime.Before(f.StartFrom) {
			continue
		}
		if !f.StartBefore.IsZero() && !a.StartTime.Before(f.StartBefore) {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if f.Descending {
			return out[i].StartTime.After(out[j].StartTime)
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out, nil
}

func (m *memStore) HasCompletedProfile(ctx context.Context, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profiles[userID], nil
}

func (m *memStore) GetAvailabilityOverride(ctx context.Context, serviceID int64, date string) (*models.AvailabilityOverride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.overrides[fmt.Sprintf("%d/%s", serviceID, date)]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (m *memStore) UpsertAvailabilityOverride(ctx context.Context, o *models.AvailabilityOverride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.overrides[fmt.Sprintf("%d/%s", o.ServiceID, o.Date)] = &cp
	return nil
}

func (m *memStore) DeleteAvailabilityOverride(ctx context.Context, serviceID int64, date string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fmt.Sprintf("%d/%s", serviceID, date)
	_, ok := m.overrides[key]
	delete(m.overrides, key)
	return ok, nil
}

func (m *memStore) ListOverrideDates(ctx context.Context, serviceID int64, from string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var dates []string
	prefix := fmt.Sprintf("%d/", serviceID)
	for key, o := range m.overrides {
		if strings.HasPrefix(key, prefix) && o.Date >= from {
			dates = append(dates, o.Date)
		}
	}
	sort.Strings(dates)
	return dates, nil
}

func (m *memStore) get(id int64) *models.Appointment {
	a, ok := m.appts[id]
	if !ok {
		return nil
	}
	cp := *a
	cp.Services = append([]models.ServiceSnapshot(nil), a.Services...)
	return &cp
}

func (m *memStore) overlapping(start, end time.Time, excludeID int64) []models.Appointment {
	var out []models.Appointment
	for _, a := range m.appts {
		if a.ID == excludeID || a.Status != models.StatusConfirmed {
			continue
		}
		if a.StartTime.Before(end) && a.EndTime.After(start) {
			out = append(out, *a)
		}
	}
	return out
}

func (t memTx) GetAppointment(ctx context.Context, id int64) (*models.Appointment, error) {
	return t.m.get(id), nil
}

func (t memTx) OverlappingAppointments(ctx context.Context, start, end time.Time, excludeID int64) ([]models.Appointment, error) {
	return t.m.overlapping(start, end, excludeID), nil
}

func (t memTx) InsertAppointment(ctx context.Context, appt *models.Appointment) error {
	t.m.nextID++
	appt.ID = t.m.nextID
	cp := *appt
	t.m.appts[appt.ID] = &cp
	return nil
}

func (t memTx) UpdateAppointment(ctx context.Context, id int64, p models.AppointmentPatch) error {
	a, ok := t.m.appts[id]
	if !ok {
		return fmt.Errorf("appointment %d not found", id)
	}
	if p.StartTime != nil {
		a.StartTime = *p.StartTime
	}
	if p.EndTime != nil {
		a.EndTime = *p.EndTime
	}
	if p.Services != nil {
		a.Services = p.Services
	}
	if p.TotalPrice != nil {
		a.TotalPrice = *p.TotalPrice
	}
	if p.Comment != nil {
		a.Comment = *p.Comment
	}
	if p.PromoCode != nil {
		a.PromoCode = *p.PromoCode
	}
	if p.Status != nil {
		a.Status = *p.Status
	}
	if p.CancelReason != nil {
		a.CancelReason = *p.CancelReason
	}
	if p.ResetNotifications {
		a.Reminder24Sent = false
		a.Reminder3Sent = false
		a.FollowupSent = false
	}
	if !p.UpdatedAt.IsZero() {
		a.UpdatedAt = p.UpdatedAt
	}
	return nil
}

// setFlags is a test hook standing in for the reminder sweeper.
func (m *memStore) setFlags(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.appts[id]
	a.Reminder24Sent = true
	a.Reminder3Sent = true
	a.FollowupSent = true
}

type fakeCatalog struct {
	services map[int64]models.Service
}

func (c *fakeCatalog) Resolve(ctx context.Context, ids []int64) ([]models.Service, error) {
	out := make([]models.Service, 0, len(ids))
	for _, id := range ids {
		svc, ok := c.services[id]
		if !ok {
			return nil, fmt.Errorf("%w: %d", catalog.ErrUnknownService, id)
		}
		out = append(out, svc)
	}
	return out, nil
}

type sentMessage struct {
	to   int64
	text string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (n *recordingNotifier) Send(ctx context.Context, recipientID int64, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentMessage{to: recipientID, text: text})
	return n.err
}

func (n *recordingNotifier) to(id int64) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, m := range n.sent {
		if m.to == id {
			out = append(out, m.text)
		}
	}
	return out
}

func (n *recordingNotifier) reset() {
	n.mu.Lock()
	n.sent = nil
	n.mu.Unlock()
}

type staticAdmins []int64

func (a staticAdmins) Admins() []int64 { return a }

const (
	adminID  int64 = 900
	aliceID  int64 = 1
	bobID    int64 = 2
	noFormID int64 = 3
	groomID  int64 = 10
	bathID   int64 = 11
	nailsID  int64 = 12
)

type fixture struct {
	store    *memStore
	notifier *recordingNotifier
	svc      *Service
	avail    *Availability
	cat      *fakeCatalog
	resolver *slots.Resolver
	loc      *time.Location
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Moscow")
	require.NoError(t, err)

	now := time.Date(2025, 6, 9, 12, 0, 0, 0, loc)
	clock := func() time.Time { return now }

	store := newMemStore()
	store.profiles[aliceID] = true
	store.profiles[bobID] = true

	cat := &fakeCatalog{services: map[int64]models.Service{
		groomID: {ID: groomID, Name: "Груминг", DurationMinutes: 30, Price: decimal.NewFromInt(1500), Enabled: true},
		bathID:  {ID: bathID, Name: "Купание", DurationMinutes: 45, Price: decimal.NewFromInt(900), Enabled: true},
		nailsID: {ID: nailsID, Name: "Когти", DurationMinutes: 15, Price: decimal.NewFromInt(300), Enabled: true},
	}}

	hours := slots.DefaultWorkingHours(loc)
	resolver := slots.NewResolver(hours, 30, store, slots.WithClock(clock))
	notifier := &recordingNotifier{}
	logger := zerolog.New(io.Discard)

	return &fixture{
		store:    store,
		notifier: notifier,
		svc:      NewService(store, cat, resolver, notifier, staticAdmins{adminID}, logger, WithClock(clock)),
		avail:    NewAvailability(store, cat, hours, logger, clock),
		cat:      cat,
		resolver: resolver,
		loc:      loc,
		now:      now,
	}
}

// at returns a wall-clock time on 2025-06-10, the day after the fixture clock.
func (f *fixture) at(h, m int) time.Time {
	return time.Date(2025, 6, 10, h, m, 0, 0, f.loc)
}
