package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"zapis/internal/catalog"
	"zapis/internal/metrics"
	"zapis/internal/models"
	"zapis/internal/slots"
)

// Actor is the caller of a lifecycle operation.
type Actor struct {
	UserID int64
	Admin  bool
}

func SubjectActor(userID int64) Actor { return Actor{UserID: userID} }

func AdminActor(userID int64) Actor { return Actor{UserID: userID, Admin: true} }

func (a Actor) label() string {
	if a.Admin {
		return "admin"
	}
	return "subject"
}

// CreateRequest is a subject booking.
type CreateRequest struct {
	ServiceIDs []int64
	StartTime  time.Time
	Comment    string
	PromoCode  string
}

// AdminCreateRequest books time on behalf of a subject or, with SubjectID 0,
// blocks it out. Without services the booking lasts DurationMinutes, or the
// configured external duration when that is zero too.
type AdminCreateRequest struct {
	SubjectID       int64
	ServiceIDs      []int64
	StartTime       time.Time
	DurationMinutes int
	Comment         string
}

// RescheduleRequest moves an appointment. Nil Comment and PromoCode keep the
// current values.
type RescheduleRequest struct {
	AppointmentID int64
	ServiceIDs    []int64
	StartTime     time.Time
	Comment       *string
	PromoCode     *string
}

type ListKind string

const (
	ListUpcoming ListKind = "upcoming"
	ListPast     ListKind = "past"
)

// Service runs the appointment state machine.
type Service struct {
	store     Store
	catalog   Catalog
	resolver  *slots.Resolver
	conflicts ConflictChecker
	notifier  Notifier
	admins    AdminDirectory
	logger    zerolog.Logger
	now       func() time.Time

	externalDuration time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now. Pass the same clock to the resolver.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithExternalDuration sets the length of admin bookings without services.
func WithExternalDuration(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.externalDuration = d
		}
	}
}

// NewService creates the lifecycle service.
func NewService(
	store Store,
	catalog Catalog,
	resolver *slots.Resolver,
	notifier Notifier,
	admins AdminDirectory,
	logger zerolog.Logger,
	opts ...Option,
) *Service {
	s := &Service{
		store:            store,
		catalog:          catalog,
		resolver:         resolver,
		notifier:         notifier,
		admins:           admins,
		logger:           logger.With().Str("component", "booking").Logger(),
		now:              time.Now,
		externalDuration: 60 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create books an appointment for the calling subject.
func (s *Service) Create(ctx context.Context, actor Actor, req CreateRequest) (*models.Appointment, error) {
	appt, err := s.create(ctx, actor, req)
	return appt, s.reject(err)
}

func (s *Service) create(ctx context.Context, actor Actor, req CreateRequest) (*models.Appointment, error) {
	if actor.UserID <= 0 {
		return nil, ErrForbidden
	}
	if !actor.Admin {
		if err := s.requireProfile(ctx, actor.UserID); err != nil {
			return nil, err
		}
	}

	services, err := s.resolveServices(ctx, req.ServiceIDs)
	if err != nil {
		return nil, err
	}
	snaps, duration, price := models.SnapshotServices(services)

	if err := s.validateStart(ctx, req.StartTime, duration, services, false); err != nil {
		return nil, err
	}

	now := s.now()
	appt := &models.Appointment{
		SubjectID:  actor.UserID,
		StartTime:  req.StartTime,
		EndTime:    req.StartTime.Add(duration),
		Services:   snaps,
		TotalPrice: price,
		Comment:    strings.TrimSpace(req.Comment),
		PromoCode:  strings.TrimSpace(req.PromoCode),
		Status:     models.StatusConfirmed,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.insert(ctx, appt); err != nil {
		return nil, err
	}

	metrics.IncAppointment("created", actor.label())
	s.logger.Info().
		Int64("appointment_id", appt.ID).
		Int64("subject_id", appt.SubjectID).
		Time("start", appt.StartTime).
		Msg("appointment created")

	s.notify(ctx, appt.SubjectID, s.createdMessage(appt))
	s.notifyAdmins(ctx, s.adminCreatedMessage(appt))
	return appt, nil
}

// CreateAdmin books time as an administrator. The allowed start set, the
// horizon and the profile check are skipped; working hours and conflicts are
// not.
func (s *Service) CreateAdmin(ctx context.Context, actor Actor, req AdminCreateRequest) (*models.Appointment, error) {
	appt, err := s.createAdmin(ctx, actor, req)
	return appt, s.reject(err)
}

func (s *Service) createAdmin(ctx context.Context, actor Actor, req AdminCreateRequest) (*models.Appointment, error) {
	if !actor.Admin {
		return nil, ErrForbidden
	}
	if req.SubjectID < 0 {
		return nil, ErrForbidden
	}

	var (
		snaps    []models.ServiceSnapshot
		services []models.Service
		duration time.Duration
	)
	price := decimal.Zero
	if len(req.ServiceIDs) > 0 {
		var err error
		services, err = s.resolveServices(ctx, req.ServiceIDs)
		if err != nil {
			return nil, err
		}
		snaps, duration, price = models.SnapshotServices(services)
	} else {
		if req.DurationMinutes < 0 {
			return nil, ErrDurationInvalid
		}
		duration = s.externalDuration
		if req.DurationMinutes > 0 {
			duration = time.Duration(req.DurationMinutes) * time.Minute
		}
	}

	if err := s.validateStart(ctx, req.StartTime, duration, services, true); err != nil {
		return nil, err
	}

	now := s.now()
	appt := &models.Appointment{
		SubjectID:  req.SubjectID,
		StartTime:  req.StartTime,
		EndTime:    req.StartTime.Add(duration),
		Services:   snaps,
		TotalPrice: price,
		Comment:    strings.TrimSpace(req.Comment),
		Status:     models.StatusConfirmed,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.insert(ctx, appt); err != nil {
		return nil, err
	}

	metrics.IncAppointment("created", actor.label())
	s.logger.Info().
		Int64("appointment_id", appt.ID).
		Int64("subject_id", appt.SubjectID).
		Int64("admin_id", actor.UserID).
		Time("start", appt.StartTime).
		Msg("appointment created by admin")

	if !appt.IsExternal() {
		s.notify(ctx, appt.SubjectID, s.createdMessage(appt))
	}
	s.notifyAdmins(ctx, s.adminCreatedMessage(appt))
	return appt, nil
}

// Cancel moves a confirmed appointment to cancelled. Subjects may cancel their
// own future appointments; administrators may cancel any with a reason.
func (s *Service) Cancel(ctx context.Context, actor Actor, id int64, reason string) (*models.Appointment, error) {
	appt, err := s.cancel(ctx, actor, id, reason)
	return appt, s.reject(err)
}

func (s *Service) cancel(ctx context.Context, actor Actor, id int64, reason string) (*models.Appointment, error) {
	reason = strings.TrimSpace(reason)
	if actor.Admin && reason == "" {
		return nil, ErrReasonRequired
	}

	appt, err := s.loadForChange(ctx, actor, id)
	if err != nil {
		return nil, err
	}

	status := models.StatusCancelled
	patch := models.AppointmentPatch{Status: &status, UpdatedAt: s.now()}
	if actor.Admin {
		patch.CancelReason = &reason
	}

	err = s.store.WithinTx(ctx, func(tx Tx) error {
		current, err := tx.GetAppointment(ctx, id)
		if err != nil {
			return err
		}
		if current == nil {
			return ErrNotFound
		}
		if !current.IsConfirmed() {
			return ErrNotAllowed
		}
		return tx.UpdateAppointment(ctx, id, patch)
	})
	if err != nil {
		return nil, err
	}

	appt.Status = models.StatusCancelled
	if actor.Admin {
		appt.CancelReason = reason
	}
	appt.UpdatedAt = patch.UpdatedAt

	metrics.IncAppointment("cancelled", actor.label())
	s.logger.Info().
		Int64("appointment_id", appt.ID).
		Int64("actor_id", actor.UserID).
		Bool("admin", actor.Admin).
		Msg("appointment cancelled")

	if actor.Admin {
		if !appt.IsExternal() {
			s.notify(ctx, appt.SubjectID, s.cancelledByAdminMessage(appt))
		}
	} else {
		s.notifyAdmins(ctx, s.cancelledBySubjectMessage(appt))
	}
	return appt, nil
}

// Reschedule moves a confirmed appointment to a new interval, re-running
// every create check with the appointment itself excluded from the conflict
// check, and clears all notification flags.
func (s *Service) Reschedule(ctx context.Context, actor Actor, req RescheduleRequest) (*models.Appointment, error) {
	appt, err := s.reschedule(ctx, actor, req)
	return appt, s.reject(err)
}

func (s *Service) reschedule(ctx context.Context, actor Actor, req RescheduleRequest) (*models.Appointment, error) {
	appt, err := s.loadForChange(ctx, actor, req.AppointmentID)
	if err != nil {
		return nil, err
	}
	if !actor.Admin {
		if err := s.requireProfile(ctx, actor.UserID); err != nil {
			return nil, err
		}
	}

	snaps := appt.Services
	duration := appt.Duration()
	price := appt.TotalPrice
	var services []models.Service
	if len(req.ServiceIDs) > 0 || !actor.Admin {
		services, err = s.resolveServices(ctx, req.ServiceIDs)
		if err != nil {
			return nil, err
		}
		snaps, duration, price = models.SnapshotServices(services)
	}

	if err := s.validateStart(ctx, req.StartTime, duration, services, actor.Admin); err != nil {
		return nil, err
	}

	start := req.StartTime
	end := start.Add(duration)
	patch := models.AppointmentPatch{
		StartTime:          &start,
		EndTime:            &end,
		Services:           snaps,
		TotalPrice:         &price,
		ResetNotifications: true,
		UpdatedAt:          s.now(),
	}
	if req.Comment != nil {
		c := strings.TrimSpace(*req.Comment)
		patch.Comment = &c
	}
	if req.PromoCode != nil {
		p := strings.TrimSpace(*req.PromoCode)
		patch.PromoCode = &p
	}

	err = s.store.WithinTx(ctx, func(tx Tx) error {
		current, err := tx.GetAppointment(ctx, appt.ID)
		if err != nil {
			return err
		}
		if current == nil {
			return ErrNotFound
		}
		if !current.IsConfirmed() {
			return ErrNotAllowed
		}
		busy, err := s.conflicts.HasConflict(ctx, tx, start, end, appt.ID)
		if err != nil {
			return err
		}
		if busy {
			return ErrSlotBusy
		}
		return tx.UpdateAppointment(ctx, appt.ID, patch)
	})
	if err != nil {
		return nil, err
	}

	prevStart := appt.StartTime
	appt.StartTime = start
	appt.EndTime = end
	appt.Services = snaps
	appt.TotalPrice = price
	if patch.Comment != nil {
		appt.Comment = *patch.Comment
	}
	if patch.PromoCode != nil {
		appt.PromoCode = *patch.PromoCode
	}
	appt.Reminder24Sent = false
	appt.Reminder3Sent = false
	appt.FollowupSent = false
	appt.UpdatedAt = patch.UpdatedAt

	metrics.IncAppointment("rescheduled", actor.label())
	s.logger.Info().
		Int64("appointment_id", appt.ID).
		Int64("actor_id", actor.UserID).
		Time("from", prevStart).
		Time("to", start).
		Msg("appointment rescheduled")

	if !appt.IsExternal() {
		s.notify(ctx, appt.SubjectID, s.rescheduledMessage(appt, prevStart))
	}
	s.notifyAdmins(ctx, s.adminRescheduledMessage(appt, prevStart))
	return appt, nil
}

// Get returns one appointment. Subjects only see their own.
func (s *Service) Get(ctx context.Context, actor Actor, id int64) (*models.Appointment, error) {
	if id <= 0 {
		return nil, ErrNotFound
	}
	appt, err := s.store.GetAppointment(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	if appt == nil {
		return nil, ErrNotFound
	}
	if !actor.Admin && appt.SubjectID != actor.UserID {
		return nil, ErrForbidden
	}
	return appt, nil
}

// ListForSubject returns a subject's upcoming confirmed appointments in start
// order, or past appointments of any status newest first.
func (s *Service) ListForSubject(ctx context.Context, subjectID int64, kind ListKind) ([]models.Appointment, error) {
	if subjectID <= 0 {
		return nil, ErrForbidden
	}
	now := s.now()
	filter := models.AppointmentFilter{SubjectID: &subjectID}
	switch kind {
	case ListPast:
		filter.StartBefore = now
		filter.Descending = true
		filter.Limit = 50
	default:
		filter.Status = models.StatusConfirmed
		filter.StartFrom = now
	}
	return s.store.ListAppointments(ctx, filter)
}

// ListUpcoming returns every confirmed appointment that has not started yet.
func (s *Service) ListUpcoming(ctx context.Context) ([]models.Appointment, error) {
	return s.store.ListAppointments(ctx, models.AppointmentFilter{
		Status:    models.StatusConfirmed,
		StartFrom: s.now(),
	})
}

// FreeStartTimes returns the allowed starts on date that are not taken, and
// the combined duration of the services.
func (s *Service) FreeStartTimes(ctx context.Context, date time.Time, serviceIDs []int64) ([]time.Time, time.Duration, error) {
	services, err := s.resolveServices(ctx, serviceIDs)
	if err != nil {
		return nil, 0, err
	}
	_, duration, _ := models.SnapshotServices(services)

	allowed, err := s.resolver.AllowedStartTimes(ctx, date, services)
	if err != nil {
		return nil, 0, err
	}
	free, err := s.conflicts.FreeStarts(ctx, s.store, allowed, duration)
	if err != nil {
		return nil, 0, err
	}
	return free, duration, nil
}

// AvailableDates returns the days in the horizon with at least one allowed
// start for the services.
func (s *Service) AvailableDates(ctx context.Context, serviceIDs []int64) ([]time.Time, error) {
	services, err := s.resolveServices(ctx, serviceIDs)
	if err != nil {
		return nil, err
	}
	return s.resolver.AvailableDates(ctx, services, s.resolver.HorizonDays())
}

// HasCompletedProfile reports whether the subject filled in the intake form.
func (s *Service) HasCompletedProfile(ctx context.Context, userID int64) (bool, error) {
	return s.store.HasCompletedProfile(ctx, userID)
}

func (s *Service) resolveServices(ctx context.Context, ids []int64) ([]models.Service, error) {
	if len(ids) == 0 {
		return nil, ErrServicesRequired
	}
	services, err := s.catalog.Resolve(ctx, ids)
	if err != nil {
		if errors.Is(err, catalog.ErrUnknownService) {
			return nil, withMsg(ErrServicesInvalid, "%v", err)
		}
		return nil, fmt.Errorf("resolve services: %w", err)
	}
	if len(services) == 0 {
		return nil, ErrServicesRequired
	}
	return services, nil
}

// validateStart checks a candidate start in the order callers see the most
// specific failure first. bypass skips the allowed set and the horizon.
func (s *Service) validateStart(ctx context.Context, start time.Time, duration time.Duration, services []models.Service, bypass bool) error {
	if start.IsZero() {
		return ErrStartRequired
	}
	if duration <= 0 {
		return ErrDurationInvalid
	}

	now := s.now()
	if !start.After(now) {
		return withMsg(ErrSlotUnavailable, "start %s is in the past", start.Format(time.RFC3339))
	}
	if !bypass && !s.resolver.InHorizon(start) {
		return withMsg(ErrSlotUnavailable, "start %s is beyond the booking horizon", start.Format(time.RFC3339))
	}

	hours := s.resolver.Hours()
	if !hours.Contains(start, start.Add(duration)) {
		return ErrOutsideWorkingHours
	}
	if bypass {
		return nil
	}

	if !hours.OnGrid(start) {
		return ErrStartInvalid
	}
	ok, err := s.resolver.IsAllowedStart(ctx, start, services)
	if err != nil {
		return fmt.Errorf("allowed start times: %w", err)
	}
	if !ok {
		return ErrSlotNotAllowed
	}
	return nil
}

func (s *Service) requireProfile(ctx context.Context, userID int64) error {
	ok, err := s.store.HasCompletedProfile(ctx, userID)
	if err != nil {
		return fmt.Errorf("check profile: %w", err)
	}
	if !ok {
		return ErrFormRequired
	}
	return nil
}

// loadForChange fetches an appointment and applies the ownership rules shared
// by cancel and reschedule.
func (s *Service) loadForChange(ctx context.Context, actor Actor, id int64) (*models.Appointment, error) {
	if id <= 0 {
		return nil, ErrNotFound
	}
	if !actor.Admin && actor.UserID <= 0 {
		return nil, ErrForbidden
	}

	appt, err := s.store.GetAppointment(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	if appt == nil {
		return nil, ErrNotFound
	}

	if !actor.Admin {
		if appt.SubjectID != actor.UserID {
			return nil, ErrForbidden
		}
		if !appt.StartTime.After(s.now()) {
			return nil, ErrNotAllowed
		}
	}
	if !appt.IsConfirmed() {
		return nil, ErrNotAllowed
	}
	return appt, nil
}

func (s *Service) insert(ctx context.Context, appt *models.Appointment) error {
	return s.store.WithinTx(ctx, func(tx Tx) error {
		busy, err := s.conflicts.HasConflict(ctx, tx, appt.StartTime, appt.EndTime, 0)
		if err != nil {
			return err
		}
		if busy {
			return ErrSlotBusy
		}
		return tx.InsertAppointment(ctx, appt)
	})
}

// reject counts booking errors by code and passes err through.
func (s *Service) reject(err error) error {
	if err == nil {
		return nil
	}
	if be, ok := AsError(err); ok {
		metrics.IncBookingRejected(be.Code)
		s.logger.Debug().Str("code", be.Code).Str("detail", be.Msg).Msg("booking rejected")
		return err
	}
	metrics.IncBookingRejected("internal")
	return err
}

func (s *Service) notify(ctx context.Context, recipientID int64, text string) {
	if s.notifier == nil || recipientID <= 0 {
		return
	}
	if err := s.notifier.Send(ctx, recipientID, text); err != nil {
		s.logger.Warn().Err(err).Int64("recipient_id", recipientID).Msg("Failed to send booking notification")
	}
}

func (s *Service) notifyAdmins(ctx context.Context, text string) {
	if s.admins == nil {
		return
	}
	for _, id := range s.admins.Admins() {
		s.notify(ctx, id, text)
	}
}
