package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"zapis/internal/access"
	"zapis/internal/booking"
	"zapis/internal/catalog"
	"zapis/internal/metrics"
	"zapis/internal/promo"
)

const maxBodyBytes = 1 << 20

// Exporter sends the audit workbook to administrators on demand.
type Exporter interface {
	ExportNow(ctx context.Context) error
}

// Deps are the services behind the HTTP API. Exporter may be nil when the
// audit export is disabled.
type Deps struct {
	Bookings     *booking.Service
	Availability *booking.Availability
	Catalog      *catalog.Cache
	Access       *access.Service
	Promo        *promo.Manager
	Exporter     Exporter
	BotToken     string
	InitDataAge  time.Duration
	Location     *time.Location
	Now          func() time.Time
}

// HTTPServer serves the WebApp JSON API.
type HTTPServer struct {
	Deps
	server *http.Server
	logger zerolog.Logger
}

func NewHTTPServer(port int, deps Deps, logger zerolog.Logger) *HTTPServer {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Location == nil {
		deps.Location = time.Local
	}
	s := &HTTPServer{
		Deps:   deps,
		logger: logger.With().Str("component", "api").Logger(),
	}

	mux := http.NewServeMux()
	s.routes(mux)
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.middleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return s
}

// Handler returns the full handler chain, for tests and embedding.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/booking/services", s.handleServices)
	mux.HandleFunc("GET /api/booking/dates", s.handleDates)
	mux.HandleFunc("GET /api/booking/slots", s.handleSlots)

	mux.HandleFunc("POST /api/booking/create", s.handleCreateBooking)
	mux.HandleFunc("POST /api/booking/reschedule", s.handleRescheduleBooking)
	mux.HandleFunc("POST /api/booking/cancel", s.handleCancelBooking)
	mux.HandleFunc("POST /api/booking/list", s.handleListBookings)
	mux.HandleFunc("POST /api/profile/has_form", s.handleHasForm)
	mux.HandleFunc("POST /api/promo/redeem", s.handlePromoRedeem)

	mux.HandleFunc("POST /api/admin/me", s.handleAdminMe)
	mux.HandleFunc("POST /api/admin/availability/set", s.handleAvailabilitySet)
	mux.HandleFunc("POST /api/admin/availability/get", s.handleAvailabilityGet)
	mux.HandleFunc("POST /api/admin/availability/delete", s.handleAvailabilityDelete)
	mux.HandleFunc("POST /api/admin/availability/dates", s.handleAvailabilityDates)
	mux.HandleFunc("POST /api/admin/bookings/upcoming", s.handleAdminUpcoming)
	mux.HandleFunc("POST /api/admin/booking/details", s.handleAdminBookingDetails)
	mux.HandleFunc("POST /api/admin/booking/create", s.handleAdminCreateBooking)
	mux.HandleFunc("POST /api/admin/booking/update", s.handleAdminUpdateBooking)
	mux.HandleFunc("POST /api/admin/booking/cancel", s.handleAdminCancelBooking)
	mux.HandleFunc("POST /api/admin/services/add", s.handleAdminAddService)
	mux.HandleFunc("POST /api/admin/export", s.handleAdminExport)
}

// Start blocks serving requests until Shutdown is called.
func (s *HTTPServer) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// middleware tags every response with a request id, recovers panics, logs
// the request and counts it by route pattern.
func (s *HTTPServer) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		started := time.Now()
		defer func() {
			if p := recover(); p != nil {
				s.logger.Error().Str("request_id", reqID).Interface("panic", p).Msg("handler panic")
				writeError(rec, http.StatusInternalServerError, "internal")
			}

			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			metrics.IncHTTP(route, strconv.Itoa(rec.status))
			s.logger.Info().
				Str("request_id", reqID).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rec.status).
				Dur("duration", time.Since(started)).
				Msg("http request")
		}()

		next.ServeHTTP(rec, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errCode string) {
	writeJSON(w, code, map[string]string{"error": errCode})
}

// decodeJSON reads a strict JSON body into dst. On failure it answers 400
// and returns false.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request")
		return false
	}
	return true
}

// authenticate validates initData and answers 401 when it is missing or
// invalid.
func (s *HTTPServer) authenticate(w http.ResponseWriter, initData string) (*WebAppUser, bool) {
	user, err := ValidateInitData(initData, s.BotToken, s.InitDataAge, s.Now())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return nil, false
	}
	return user, true
}

// authenticateAdmin additionally requires an administrator and answers 403
// otherwise.
func (s *HTTPServer) authenticateAdmin(w http.ResponseWriter, initData string) (booking.Actor, bool) {
	user, ok := s.authenticate(w, initData)
	if !ok {
		return booking.Actor{}, false
	}
	if !s.Access.IsAdmin(user.ID) {
		writeError(w, http.StatusForbidden, booking.ErrForbidden.Code)
		return booking.Actor{}, false
	}
	return booking.AdminActor(user.ID), true
}

// writeServiceError maps domain errors to status codes. Unknown errors are
// logged and reported as internal.
func (s *HTTPServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if be, ok := booking.AsError(err); ok {
		writeError(w, kindStatus(be.Kind), be.Code)
		return
	}

	switch {
	case errors.Is(err, catalog.ErrInvalidService):
		writeError(w, http.StatusBadRequest, "service_invalid")
	case errors.Is(err, catalog.ErrUnknownService):
		writeError(w, http.StatusBadRequest, booking.ErrServicesInvalid.Code)
	case errors.Is(err, promo.ErrPromoNotFound):
		writeError(w, http.StatusNotFound, "promo_not_found")
	case errors.Is(err, promo.ErrPartnerNotFound):
		writeError(w, http.StatusNotFound, "partner_not_found")
	case errors.Is(err, promo.ErrCooldown):
		writeError(w, http.StatusConflict, "promo_cooldown")
	case errors.Is(err, promo.ErrForbidden):
		writeError(w, http.StatusForbidden, booking.ErrForbidden.Code)
	default:
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal")
	}
}

func kindStatus(k booking.Kind) int {
	switch k {
	case booking.KindValidation:
		return http.StatusBadRequest
	case booking.KindConflict:
		return http.StatusConflict
	case booking.KindAuthorization:
		return http.StatusForbidden
	case booking.KindNotFound:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
