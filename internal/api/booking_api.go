package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"zapis/internal/booking"
	"zapis/internal/models"
	"zapis/internal/slots"
)

// BookingView is an appointment as the WebApp sees it. Times are unix
// seconds plus local date and clock strings.
type BookingView struct {
	ID           int64                    `json:"id"`
	SubjectID    int64                    `json:"subject_id"`
	StartTS      int64                    `json:"start_ts"`
	EndTS        int64                    `json:"end_ts"`
	Date         string                   `json:"date"`
	Time         string                   `json:"time"`
	DurationMin  int                      `json:"duration_min"`
	Services     []models.ServiceSnapshot `json:"services"`
	TotalPrice   decimal.Decimal          `json:"total_price"`
	Comment      string                   `json:"comment,omitempty"`
	PromoCode    string                   `json:"promo_code,omitempty"`
	Status       string                   `json:"status"`
	CancelReason string                   `json:"cancel_reason,omitempty"`
	External     bool                     `json:"external"`
}

// SlotView is one bookable start.
type SlotView struct {
	StartTS int64  `json:"start_ts"`
	Label   string `json:"label"`
}

func (s *HTTPServer) bookingView(a *models.Appointment) BookingView {
	start := a.StartTime.In(s.Location)
	services := a.Services
	if services == nil {
		services = []models.ServiceSnapshot{}
	}
	return BookingView{
		ID:           a.ID,
		SubjectID:    a.SubjectID,
		StartTS:      a.StartTime.Unix(),
		EndTS:        a.EndTime.Unix(),
		Date:         start.Format(slots.DateLayout),
		Time:         start.Format(slots.ClockLayout),
		DurationMin:  int(a.Duration() / time.Minute),
		Services:     services,
		TotalPrice:   a.TotalPrice,
		Comment:      a.Comment,
		PromoCode:    a.PromoCode,
		Status:       string(a.Status),
		CancelReason: a.CancelReason,
		External:     a.IsExternal(),
	}
}

func (s *HTTPServer) bookingViews(appts []models.Appointment) []BookingView {
	out := make([]BookingView, 0, len(appts))
	for i := range appts {
		out = append(out, s.bookingView(&appts[i]))
	}
	return out
}

// unixTime converts request timestamps. Zero stays the zero time so that a
// missing start is reported as such.
func (s *HTTPServer) unixTime(ts int64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0).In(s.Location)
}

// parseServiceIDs reads a comma separated id list.
func parseServiceIDs(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			return nil, booking.ErrServicesInvalid
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, booking.ErrServicesRequired
	}
	return ids, nil
}

// GET /api/booking/services
func (s *HTTPServer) handleServices(w http.ResponseWriter, r *http.Request) {
	services, err := s.Catalog.List(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if services == nil {
		services = []models.Service{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": services})
}

// GET /api/booking/dates?service_ids=1,2
func (s *HTTPServer) handleDates(w http.ResponseWriter, r *http.Request) {
	ids, err := parseServiceIDs(r.URL.Query().Get("service_ids"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	dates, err := s.Bookings.AvailableDates(r.Context(), ids)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	out := make([]string, 0, len(dates))
	for _, d := range dates {
		out = append(out, d.In(s.Location).Format(slots.DateLayout))
	}
	writeJSON(w, http.StatusOK, map[string]any{"dates": out})
}

// GET /api/booking/slots?date=YYYY-MM-DD&service_ids=1,2
func (s *HTTPServer) handleSlots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	day, err := slots.ParseDate(q.Get("date"), s.Location)
	if err != nil {
		writeError(w, http.StatusBadRequest, booking.ErrDateInvalid.Code)
		return
	}
	ids, err := parseServiceIDs(q.Get("service_ids"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	starts, duration, err := s.Bookings.FreeStartTimes(r.Context(), day, ids)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	out := make([]SlotView, 0, len(starts))
	for _, t := range starts {
		out = append(out, SlotView{StartTS: t.Unix(), Label: t.In(s.Location).Format(slots.ClockLayout)})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"slots":        out,
		"duration_min": int(duration / time.Minute),
	})
}

type bookingPayload struct {
	ID         int64   `json:"id,omitempty"`
	ServiceIDs []int64 `json:"service_ids"`
	StartTS    int64   `json:"start_ts"`
	Comment    *string `json:"comment,omitempty"`
	PromoCode  *string `json:"promo_code,omitempty"`
}

type bookingRequest struct {
	InitData string         `json:"initData"`
	Booking  bookingPayload `json:"booking"`
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return strings.TrimSpace(*p)
}

// POST /api/booking/create
func (s *HTTPServer) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	var req bookingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user, ok := s.authenticate(w, req.InitData)
	if !ok {
		return
	}

	appt, err := s.Bookings.Create(r.Context(), booking.SubjectActor(user.ID), booking.CreateRequest{
		ServiceIDs: req.Booking.ServiceIDs,
		StartTime:  s.unixTime(req.Booking.StartTS),
		Comment:    deref(req.Booking.Comment),
		PromoCode:  deref(req.Booking.PromoCode),
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"booking": s.bookingView(appt)})
}

// POST /api/booking/reschedule
func (s *HTTPServer) handleRescheduleBooking(w http.ResponseWriter, r *http.Request) {
	var req bookingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user, ok := s.authenticate(w, req.InitData)
	if !ok {
		return
	}

	appt, err := s.Bookings.Reschedule(r.Context(), booking.SubjectActor(user.ID), booking.RescheduleRequest{
		AppointmentID: req.Booking.ID,
		ServiceIDs:    req.Booking.ServiceIDs,
		StartTime:     s.unixTime(req.Booking.StartTS),
		Comment:       req.Booking.Comment,
		PromoCode:     req.Booking.PromoCode,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"booking": s.bookingView(appt)})
}

type cancelRequest struct {
	InitData  string `json:"initData"`
	BookingID int64  `json:"booking_id"`
	Reason    string `json:"reason,omitempty"`
}

// POST /api/booking/cancel
func (s *HTTPServer) handleCancelBooking(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user, ok := s.authenticate(w, req.InitData)
	if !ok {
		return
	}

	appt, err := s.Bookings.Cancel(r.Context(), booking.SubjectActor(user.ID), req.BookingID, "")
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"booking": s.bookingView(appt)})
}

type listRequest struct {
	InitData string `json:"initData"`
	Kind     string `json:"kind"`
}

// POST /api/booking/list
func (s *HTTPServer) handleListBookings(w http.ResponseWriter, r *http.Request) {
	var req listRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user, ok := s.authenticate(w, req.InitData)
	if !ok {
		return
	}

	kind := booking.ListKind(req.Kind)
	switch kind {
	case "":
		kind = booking.ListUpcoming
	case booking.ListUpcoming, booking.ListPast:
	default:
		writeError(w, http.StatusBadRequest, "bad_request")
		return
	}

	appts, err := s.Bookings.ListForSubject(r.Context(), user.ID, kind)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bookings": s.bookingViews(appts)})
}

type initDataRequest struct {
	InitData string `json:"initData"`
}

// POST /api/profile/has_form
func (s *HTTPServer) handleHasForm(w http.ResponseWriter, r *http.Request) {
	var req initDataRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user, ok := s.authenticate(w, req.InitData)
	if !ok {
		return
	}

	has, err := s.Bookings.HasCompletedProfile(r.Context(), user.ID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"has_form": has})
}

type promoRedeemRequest struct {
	InitData  string `json:"initData"`
	PromoCode string `json:"promo_code"`
	PartnerID int64  `json:"partner_id"`
}

// POST /api/promo/redeem
func (s *HTTPServer) handlePromoRedeem(w http.ResponseWriter, r *http.Request) {
	var req promoRedeemRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user, ok := s.authenticate(w, req.InitData)
	if !ok {
		return
	}

	redemption, err := s.Promo.RedeemCode(r.Context(), user.ID, s.Access.IsAdmin(user.ID), req.PromoCode, req.PartnerID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"redemption": redemption})
}
