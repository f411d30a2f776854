package api

import (
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"zapis/internal/booking"
	"zapis/internal/models"
)

// POST /api/admin/me
func (s *HTTPServer) handleAdminMe(w http.ResponseWriter, r *http.Request) {
	var req initDataRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user, ok := s.authenticate(w, req.InitData)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":  user.ID,
		"is_admin": s.Access.IsAdmin(user.ID),
	})
}

type availabilityRequest struct {
	InitData  string   `json:"initData"`
	ServiceID int64    `json:"service_id"`
	Date      string   `json:"date,omitempty"`
	Slots     []string `json:"slots,omitempty"`
}

// POST /api/admin/availability/set
func (s *HTTPServer) handleAvailabilitySet(w http.ResponseWriter, r *http.Request) {
	var req availabilityRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	actor, ok := s.authenticateAdmin(w, req.InitData)
	if !ok {
		return
	}

	o, err := s.Availability.Set(r.Context(), actor, req.ServiceID, req.Date, req.Slots)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service_id": o.ServiceID,
		"date":       o.Date,
		"slots":      o.Slots,
	})
}

// POST /api/admin/availability/get
func (s *HTTPServer) handleAvailabilityGet(w http.ResponseWriter, r *http.Request) {
	var req availabilityRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	actor, ok := s.authenticateAdmin(w, req.InitData)
	if !ok {
		return
	}

	slotList, configured, err := s.Availability.Get(r.Context(), actor, req.ServiceID, req.Date)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"slots":      slotList,
		"configured": configured,
	})
}

// POST /api/admin/availability/delete
func (s *HTTPServer) handleAvailabilityDelete(w http.ResponseWriter, r *http.Request) {
	var req availabilityRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	actor, ok := s.authenticateAdmin(w, req.InitData)
	if !ok {
		return
	}

	if err := s.Availability.Delete(r.Context(), actor, req.ServiceID, req.Date); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// POST /api/admin/availability/dates
func (s *HTTPServer) handleAvailabilityDates(w http.ResponseWriter, r *http.Request) {
	var req availabilityRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	actor, ok := s.authenticateAdmin(w, req.InitData)
	if !ok {
		return
	}

	dates, err := s.Availability.Dates(r.Context(), actor, req.ServiceID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dates": dates})
}

// POST /api/admin/bookings/upcoming
func (s *HTTPServer) handleAdminUpcoming(w http.ResponseWriter, r *http.Request) {
	var req initDataRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if _, ok := s.authenticateAdmin(w, req.InitData); !ok {
		return
	}

	appts, err := s.Bookings.ListUpcoming(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bookings": s.bookingViews(appts)})
}

type adminBookingRequest struct {
	InitData        string  `json:"initData"`
	BookingID       int64   `json:"booking_id,omitempty"`
	SubjectID       int64   `json:"subject_id,omitempty"`
	ServiceIDs      []int64 `json:"service_ids,omitempty"`
	StartTS         int64   `json:"start_ts,omitempty"`
	DurationMinutes int     `json:"duration_min,omitempty"`
	Comment         string  `json:"comment,omitempty"`
	Reason          string  `json:"reason,omitempty"`
}

// POST /api/admin/booking/details
func (s *HTTPServer) handleAdminBookingDetails(w http.ResponseWriter, r *http.Request) {
	var req adminBookingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	actor, ok := s.authenticateAdmin(w, req.InitData)
	if !ok {
		return
	}

	appt, err := s.Bookings.Get(r.Context(), actor, req.BookingID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"booking": s.bookingView(appt)})
}

// POST /api/admin/booking/create
func (s *HTTPServer) handleAdminCreateBooking(w http.ResponseWriter, r *http.Request) {
	var req adminBookingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	actor, ok := s.authenticateAdmin(w, req.InitData)
	if !ok {
		return
	}

	appt, err := s.Bookings.CreateAdmin(r.Context(), actor, booking.AdminCreateRequest{
		SubjectID:       req.SubjectID,
		ServiceIDs:      req.ServiceIDs,
		StartTime:       s.unixTime(req.StartTS),
		DurationMinutes: req.DurationMinutes,
		Comment:         strings.TrimSpace(req.Comment),
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"booking": s.bookingView(appt)})
}

// POST /api/admin/booking/update
func (s *HTTPServer) handleAdminUpdateBooking(w http.ResponseWriter, r *http.Request) {
	var req adminBookingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	actor, ok := s.authenticateAdmin(w, req.InitData)
	if !ok {
		return
	}

	appt, err := s.Bookings.Reschedule(r.Context(), actor, booking.RescheduleRequest{
		AppointmentID: req.BookingID,
		ServiceIDs:    req.ServiceIDs,
		StartTime:     s.unixTime(req.StartTS),
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"booking": s.bookingView(appt)})
}

// POST /api/admin/booking/cancel
func (s *HTTPServer) handleAdminCancelBooking(w http.ResponseWriter, r *http.Request) {
	var req adminBookingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	actor, ok := s.authenticateAdmin(w, req.InitData)
	if !ok {
		return
	}

	appt, err := s.Bookings.Cancel(r.Context(), actor, req.BookingID, req.Reason)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"booking": s.bookingView(appt)})
}

type addServiceRequest struct {
	InitData        string          `json:"initData"`
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	DurationMinutes int             `json:"duration_min"`
	Price           decimal.Decimal `json:"price"`
}

// POST /api/admin/services/add
func (s *HTTPServer) handleAdminAddService(w http.ResponseWriter, r *http.Request) {
	var req addServiceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if _, ok := s.authenticateAdmin(w, req.InitData); !ok {
		return
	}

	svc, err := s.Catalog.AddService(r.Context(), models.Service{
		Name:            req.Name,
		Description:     req.Description,
		DurationMinutes: req.DurationMinutes,
		Price:           req.Price,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"service": svc})
}

// POST /api/admin/export
func (s *HTTPServer) handleAdminExport(w http.ResponseWriter, r *http.Request) {
	var req initDataRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if _, ok := s.authenticateAdmin(w, req.InitData); !ok {
		return
	}
	if s.Exporter == nil {
		writeError(w, http.StatusServiceUnavailable, "export_disabled")
		return
	}

	if err := s.Exporter.ExportNow(r.Context()); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
