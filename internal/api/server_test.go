package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zapis/internal/access"
	"zapis/internal/booking"
	"zapis/internal/catalog"
	"zapis/internal/db"
	"zapis/internal/models"
	"zapis/internal/promo"
	"zapis/internal/slots"
)

const (
	adminID   int64 = 900
	aliceID   int64 = 1
	bobID     int64 = 2
	noFormID  int64 = 3
	ownerID   int64 = 500
	partnerID int64 = 7
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent map[int64]int
}

func (n *recordingNotifier) Send(_ context.Context, id int64, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sent == nil {
		n.sent = make(map[int64]int)
	}
	n.sent[id]++
	return nil
}

func (n *recordingNotifier) count(id int64) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent[id]
}

type fakeExporter struct {
	calls int
	err   error
}

func (e *fakeExporter) ExportNow(context.Context) error {
	e.calls++
	return e.err
}

type fixture struct {
	server   *HTTPServer
	store    *db.DB
	notifier *recordingNotifier
	exporter *fakeExporter
	groomID  int64
	bathID   int64
	loc      *time.Location
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	loc, err := time.LoadLocation("Europe/Moscow")
	require.NoError(t, err)
	now := time.Date(2030, 6, 9, 12, 0, 0, 0, loc)
	clock := func() time.Time { return now }
	logger := zerolog.Nop()

	store, err := db.NewDB(filepath.Join(t.TempDir(), "api.db"), logger, db.WithLocation(loc))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.UpsertUser(ctx, aliceID, "Алиса", "+79990000001", "ALICE5"))
	require.NoError(t, store.UpsertUser(ctx, bobID, "Борис", "+79990000002", ""))
	require.NoError(t, store.UpsertUser(ctx, noFormID, "Без телефона", "", ""))
	require.NoError(t, store.UpsertPartner(ctx, models.Partner{ID: partnerID, Name: "ЗооЛэнд", OwnerUserID: ownerID}))

	groom := &models.Service{Name: "Груминг", DurationMinutes: 30, Price: decimal.NewFromInt(1500), Enabled: true}
	bath := &models.Service{Name: "Купание", DurationMinutes: 45, Price: decimal.NewFromInt(900), Enabled: true}
	require.NoError(t, store.CreateService(ctx, groom))
	require.NoError(t, store.CreateService(ctx, bath))

	cat := catalog.New(store, time.Minute, clock, logger)
	hours := slots.DefaultWorkingHours(loc)
	resolver := slots.NewResolver(hours, 30, store, slots.WithClock(clock))
	admins := access.NewService([]int64{adminID}, logger)
	notifier := &recordingNotifier{}
	exporter := &fakeExporter{}

	server := NewHTTPServer(0, Deps{
		Bookings:     booking.NewService(store, cat, resolver, notifier, admins, logger, booking.WithClock(clock)),
		Availability: booking.NewAvailability(store, cat, hours, logger, clock),
		Catalog:      cat,
		Access:       admins,
		Promo:        promo.NewManager(store, notifier, 31*24*time.Hour, time.Hour, logger, promo.WithClock(clock)),
		Exporter:     exporter,
		BotToken:     testBotToken,
		InitDataAge:  24 * time.Hour,
		Location:     loc,
		Now:          clock,
	}, logger)

	return &fixture{
		server:   server,
		store:    store,
		notifier: notifier,
		exporter: exporter,
		groomID:  groom.ID,
		bathID:   bath.ID,
		loc:      loc,
		now:      now,
	}
}

func (f *fixture) initData(t *testing.T, userID int64) string {
	return signInitData(t, testBotToken, WebAppUser{ID: userID, FirstName: "Test"}, f.now.Add(-time.Minute))
}

// at returns a wall-clock time on 2030-06-10, the day after the fixture clock.
func (f *fixture) at(h, m int) time.Time {
	return time.Date(2030, 6, 10, h, m, 0, 0, f.loc)
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
	}
	return rec, out
}

func (f *fixture) post(t *testing.T, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	return f.do(t, http.MethodPost, path, body)
}

func (f *fixture) createFor(t *testing.T, userID int64, start time.Time, serviceIDs ...int64) int64 {
	t.Helper()
	rec, out := f.post(t, "/api/booking/create", map[string]any{
		"initData": f.initData(t, userID),
		"booking":  map[string]any{"service_ids": serviceIDs, "start_ts": start.Unix()},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return int64(out["booking"].(map[string]any)["id"].(float64))
}

func ids(list ...int64) string {
	var buf bytes.Buffer
	for i, id := range list {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(strconv.FormatInt(id, 10))
	}
	return buf.String()
}

func TestPublicCatalogAndSlots(t *testing.T) {
	f := newFixture(t)

	rec, out := f.do(t, http.MethodGet, "/api/booking/services", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, out["services"], 2)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec, out = f.do(t, http.MethodGet, "/api/booking/slots?date=2030-06-10&service_ids="+ids(f.groomID, f.bathID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := out["slots"].([]any)
	require.Len(t, list, 20)
	assert.Equal(t, "10:00", list[0].(map[string]any)["label"])
	assert.Equal(t, "19:30", list[19].(map[string]any)["label"])
	assert.Equal(t, float64(f.at(10, 0).Unix()), list[0].(map[string]any)["start_ts"])
	assert.Equal(t, float64(75), out["duration_min"])

	rec, out = f.do(t, http.MethodGet, "/api/booking/dates?service_ids="+ids(f.groomID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, out["dates"], "2030-06-10")
	assert.NotContains(t, out["dates"], "2030-07-09")
}

func TestPublicValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantError  string
	}{
		{"bad date", "/api/booking/slots?date=10.06.2030&service_ids=1", http.StatusBadRequest, "date_invalid"},
		{"no services", "/api/booking/slots?date=2030-06-10", http.StatusBadRequest, "services_required"},
		{"junk services", "/api/booking/slots?date=2030-06-10&service_ids=a,b", http.StatusBadRequest, "services_invalid"},
		{"unknown service", "/api/booking/dates?service_ids=999", http.StatusBadRequest, "services_invalid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, out := f.do(t, http.MethodGet, tt.path, nil)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantError, out["error"])
		})
	}

	rec, _ := f.do(t, http.MethodPost, "/api/booking/services", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCreateBooking(t *testing.T) {
	f := newFixture(t)

	id := f.createFor(t, aliceID, f.at(10, 0), f.groomID, f.bathID)
	assert.NotZero(t, id)
	assert.Equal(t, 1, f.notifier.count(aliceID))
	assert.Equal(t, 1, f.notifier.count(adminID))

	rec, out := f.do(t, http.MethodGet, "/api/booking/slots?date=2030-06-10&service_ids="+ids(f.groomID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	for _, s := range out["slots"].([]any) {
		label := s.(map[string]any)["label"]
		assert.NotContains(t, []string{"10:00", "10:30", "11:00"}, label)
	}

	tests := []struct {
		name       string
		body       any
		wantStatus int
		wantError  string
	}{
		{
			name:       "no initData",
			body:       map[string]any{"booking": map[string]any{"service_ids": []int64{f.groomID}, "start_ts": f.at(15, 0).Unix()}},
			wantStatus: http.StatusUnauthorized,
			wantError:  "tg_required",
		},
		{
			name:       "forged initData",
			body:       map[string]any{"initData": "user=%7B%22id%22%3A2%7D&auth_date=1&hash=00", "booking": map[string]any{}},
			wantStatus: http.StatusUnauthorized,
			wantError:  "init_data_invalid",
		},
		{
			name:       "unknown field",
			body:       `{"initData":"x","booking":{},"extra":1}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "bad_request",
		},
		{
			name:       "overlap",
			body:       map[string]any{"initData": f.initData(t, bobID), "booking": map[string]any{"service_ids": []int64{f.groomID}, "start_ts": f.at(10, 30).Unix()}},
			wantStatus: http.StatusConflict,
			wantError:  "slot_busy",
		},
		{
			name:       "no services",
			body:       map[string]any{"initData": f.initData(t, bobID), "booking": map[string]any{"start_ts": f.at(15, 0).Unix()}},
			wantStatus: http.StatusBadRequest,
			wantError:  "services_required",
		},
		{
			name:       "no start",
			body:       map[string]any{"initData": f.initData(t, bobID), "booking": map[string]any{"service_ids": []int64{f.groomID}}},
			wantStatus: http.StatusBadRequest,
			wantError:  "start_ts_required",
		},
		{
			name:       "in the past",
			body:       map[string]any{"initData": f.initData(t, bobID), "booking": map[string]any{"service_ids": []int64{f.groomID}, "start_ts": f.now.Add(-time.Hour).Unix()}},
			wantStatus: http.StatusConflict,
			wantError:  "slot_unavailable",
		},
		{
			name:       "no profile",
			body:       map[string]any{"initData": f.initData(t, noFormID), "booking": map[string]any{"service_ids": []int64{f.groomID}, "start_ts": f.at(15, 0).Unix()}},
			wantStatus: http.StatusForbidden,
			wantError:  "form_required",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, out := f.post(t, "/api/booking/create", tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantError, out["error"])
		})
	}
}

func TestListRescheduleCancel(t *testing.T) {
	f := newFixture(t)
	id := f.createFor(t, aliceID, f.at(11, 0), f.groomID)

	rec, out := f.post(t, "/api/booking/list", map[string]any{"initData": f.initData(t, aliceID), "kind": "upcoming"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, out["bookings"], 1)

	rec, out = f.post(t, "/api/booking/list", map[string]any{"initData": f.initData(t, aliceID), "kind": "someday"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "bad_request", out["error"])

	rec, out = f.post(t, "/api/booking/reschedule", map[string]any{
		"initData": f.initData(t, aliceID),
		"booking":  map[string]any{"id": id, "service_ids": []int64{f.groomID}, "start_ts": f.at(14, 0).Unix(), "comment": "попозже"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view := out["booking"].(map[string]any)
	assert.Equal(t, "14:00", view["time"])
	assert.Equal(t, "попозже", view["comment"])

	stored, err := f.store.GetAppointment(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, stored.UpdatedAt.Equal(f.now), "updated_at follows the service clock")
	assert.True(t, stored.CreatedAt.Equal(f.now))

	rec, out = f.post(t, "/api/booking/cancel", map[string]any{"initData": f.initData(t, bobID), "booking_id": id})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", out["error"])

	rec, out = f.post(t, "/api/booking/cancel", map[string]any{"initData": f.initData(t, aliceID), "booking_id": 4242})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "booking_not_found", out["error"])

	rec, out = f.post(t, "/api/booking/cancel", map[string]any{"initData": f.initData(t, aliceID), "booking_id": id})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelled", out["booking"].(map[string]any)["status"])

	rec, out = f.post(t, "/api/booking/cancel", map[string]any{"initData": f.initData(t, aliceID), "booking_id": id})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "booking_not_allowed", out["error"])
}

func TestHasForm(t *testing.T) {
	f := newFixture(t)

	rec, out := f.post(t, "/api/profile/has_form", map[string]any{"initData": f.initData(t, aliceID)})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["has_form"])

	_, out = f.post(t, "/api/profile/has_form", map[string]any{"initData": f.initData(t, noFormID)})
	assert.Equal(t, false, out["has_form"])
}

func TestAdminGating(t *testing.T) {
	f := newFixture(t)

	rec, out := f.post(t, "/api/admin/me", map[string]any{"initData": f.initData(t, aliceID)})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, out["is_admin"])

	rec, out = f.post(t, "/api/admin/me", map[string]any{"initData": f.initData(t, adminID)})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["is_admin"])

	for _, path := range []string{
		"/api/admin/bookings/upcoming",
		"/api/admin/export",
	} {
		rec, out = f.post(t, path, map[string]any{"initData": f.initData(t, aliceID)})
		assert.Equal(t, http.StatusForbidden, rec.Code, path)
		assert.Equal(t, "forbidden", out["error"], path)
	}

	rec, _ = f.post(t, "/api/admin/availability/set", map[string]any{"initData": f.initData(t, aliceID), "service_id": f.groomID, "date": "2030-06-11"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdminAvailability(t *testing.T) {
	f := newFixture(t)
	admin := f.initData(t, adminID)

	rec, out := f.post(t, "/api/admin/availability/set", map[string]any{
		"initData": admin, "service_id": f.groomID, "date": "2030-06-11", "slots": []string{"12:00", "10:00", "12:00"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []any{"10:00", "12:00"}, out["slots"])

	rec, out = f.post(t, "/api/admin/availability/set", map[string]any{
		"initData": admin, "service_id": f.groomID, "date": "2030-06-11", "slots": []string{"10:15"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "slot_invalid", out["error"])

	rec, out = f.post(t, "/api/admin/availability/get", map[string]any{"initData": admin, "service_id": f.groomID, "date": "2030-06-11"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["configured"])

	rec, out = f.do(t, http.MethodGet, "/api/booking/slots?date=2030-06-11&service_ids="+ids(f.groomID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, out["slots"], 2)

	rec, out = f.post(t, "/api/admin/availability/dates", map[string]any{"initData": admin, "service_id": f.groomID})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"2030-06-11"}, out["dates"])

	rec, _ = f.post(t, "/api/admin/availability/delete", map[string]any{"initData": admin, "service_id": f.groomID, "date": "2030-06-11"})
	require.Equal(t, http.StatusOK, rec.Code)

	_, out = f.post(t, "/api/admin/availability/get", map[string]any{"initData": admin, "service_id": f.groomID, "date": "2030-06-11"})
	assert.Equal(t, false, out["configured"])
}

func TestAdminBookings(t *testing.T) {
	f := newFixture(t)
	admin := f.initData(t, adminID)

	rec, out := f.post(t, "/api/admin/booking/create", map[string]any{"initData": admin, "start_ts": f.at(15, 0).Unix(), "comment": "обед"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	external := out["booking"].(map[string]any)
	assert.Equal(t, true, external["external"])
	assert.Equal(t, float64(60), external["duration_min"])
	externalID := int64(external["id"].(float64))

	rec, out = f.post(t, "/api/admin/booking/create", map[string]any{"initData": admin, "start_ts": f.at(15, 30).Unix()})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "slot_busy", out["error"])

	aliceBooking := f.createFor(t, aliceID, f.at(10, 0), f.groomID)

	rec, out = f.post(t, "/api/admin/bookings/upcoming", map[string]any{"initData": admin})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, out["bookings"], 2)

	rec, out = f.post(t, "/api/admin/booking/details", map[string]any{"initData": admin, "booking_id": aliceBooking})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(aliceID), out["booking"].(map[string]any)["subject_id"])

	rec, out = f.post(t, "/api/admin/booking/update", map[string]any{
		"initData": admin, "booking_id": aliceBooking, "service_ids": []int64{f.groomID}, "start_ts": f.at(12, 15).Unix(),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "12:15", out["booking"].(map[string]any)["time"])

	rec, out = f.post(t, "/api/admin/booking/cancel", map[string]any{"initData": admin, "booking_id": aliceBooking})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "reason_required", out["error"])

	rec, out = f.post(t, "/api/admin/booking/cancel", map[string]any{"initData": admin, "booking_id": aliceBooking, "reason": "заболел мастер"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "заболел мастер", out["booking"].(map[string]any)["cancel_reason"])

	rec, _ = f.post(t, "/api/admin/booking/cancel", map[string]any{"initData": admin, "booking_id": externalID, "reason": "освободилось"})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminAddService(t *testing.T) {
	f := newFixture(t)
	admin := f.initData(t, adminID)

	rec, out := f.post(t, "/api/admin/services/add", map[string]any{"initData": admin, "name": "Стрижка когтей", "duration_min": 15, "price": "300.00"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Стрижка когтей", out["service"].(map[string]any)["name"])

	_, out = f.do(t, http.MethodGet, "/api/booking/services", nil)
	assert.Len(t, out["services"], 3)

	rec, out = f.post(t, "/api/admin/services/add", map[string]any{"initData": admin, "name": "Мини", "duration_min": 5, "price": 100})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "service_invalid", out["error"])
}

func TestPromoRedeem(t *testing.T) {
	f := newFixture(t)

	rec, out := f.post(t, "/api/promo/redeem", map[string]any{"initData": f.initData(t, bobID), "promo_code": "ALICE5", "partner_id": partnerID})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", out["error"])

	rec, out = f.post(t, "/api/promo/redeem", map[string]any{"initData": f.initData(t, ownerID), "promo_code": "NOPE", "partner_id": partnerID})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "promo_not_found", out["error"])

	rec, out = f.post(t, "/api/promo/redeem", map[string]any{"initData": f.initData(t, ownerID), "promo_code": "ALICE5", "partner_id": partnerID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float64(aliceID), out["redemption"].(map[string]any)["subject_id"])

	rec, out = f.post(t, "/api/promo/redeem", map[string]any{"initData": f.initData(t, adminID), "promo_code": "ALICE5", "partner_id": partnerID})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "promo_cooldown", out["error"])
}

func TestAdminExport(t *testing.T) {
	f := newFixture(t)
	admin := f.initData(t, adminID)

	rec, _ := f.post(t, "/api/admin/export", map[string]any{"initData": admin})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.exporter.calls)

	f.exporter.err = errors.New("telegram down")
	rec, out := f.post(t, "/api/admin/export", map[string]any{"initData": admin})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal", out["error"])

	f.server.Exporter = nil
	rec, out = f.post(t, "/api/admin/export", map[string]any{"initData": admin})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "export_disabled", out["error"])
}

func TestRequestIDIsEchoed(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/api/booking/services", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestHealthHandler(t *testing.T) {
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("connection refused") }

	h := HealthHandler(map[string]Check{"db": ok})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	h = HealthHandler(map[string]Check{"db": ok, "redis": down})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}
