package reminders

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"zapis/internal/metrics"
	"zapis/internal/models"
)

const (
	remindDayBefore   = 24 * time.Hour
	remindHoursBefore = 3 * time.Hour
	followUpAfter     = 6 * 24 * time.Hour
	followUpUntil     = 7 * 24 * time.Hour

	defaultInterval = 30 * time.Minute
	sweepTimeout    = 5 * time.Minute
)

// ErrSweepRunning is returned by RunOnce while another sweep holds the lock.
var ErrSweepRunning = errors.New("reminder sweep already running")

// Store is the appointment storage used by the sweeper.
type Store interface {
	ReminderCandidates(ctx context.Context, from, to time.Time) ([]models.Appointment, error)
	ClaimNotification(ctx context.Context, id int64, kind models.NotificationKind, start time.Time) (bool, error)
	ReleaseNotification(ctx context.Context, id int64, kind models.NotificationKind) error
}

type Notifier interface {
	Send(ctx context.Context, recipientID int64, text string) error
}

// Stats summarizes one sweep.
type Stats struct {
	Candidates int
	Sent       int
	Failed     int
	// Lost counts claims won by a concurrent sweep.
	Lost       int
}

// Sweeper periodically sends the 24h, 3h and follow-up notices. Each notice
// is claimed in storage before it is sent, so it goes out at most once per
// flag even when sweeps overlap.
type Sweeper struct {
	store    Store
	notifier Notifier
	interval time.Duration
	loc      *time.Location
	now      func() time.Time
	logger   zerolog.Logger

	sweepMu sync.Mutex

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

type Option func(*Sweeper)

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

func NewSweeper(store Store, notifier Notifier, interval time.Duration, loc *time.Location, logger zerolog.Logger, opts ...Option) *Sweeper {
	if interval <= 0 {
		interval = defaultInterval
	}
	if loc == nil {
		loc = time.Local
	}
	s := &Sweeper{
		store:    store,
		notifier: notifier,
		interval: interval,
		loc:      loc,
		now:      time.Now,
		logger:   logger.With().Str("component", "reminders").Logger(),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs a sweep every interval until ctx is done or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info().Dur("interval", s.interval).Msg("reminder sweeper started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("reminder sweeper stopped by context")
			return
		case <-s.stopCh:
			s.logger.Info().Msg("reminder sweeper stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) Stop() {
	s.mu.Lock()
	if s.running {
		s.running = false
		close(s.stopCh)
	}
	s.mu.Unlock()
}

func (s *Sweeper) tick(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	stats, err := s.RunOnce(ctx)
	switch {
	case errors.Is(err, ErrSweepRunning):
		s.logger.Warn().Msg("previous reminder sweep still running, skipping tick")
	case err != nil:
		s.logger.Error().Err(err).Msg("reminder sweep failed")
	case stats.Sent > 0 || stats.Failed > 0:
		s.logger.Info().
			Int("candidates", stats.Candidates).
			Int("sent", stats.Sent).
			Int("failed", stats.Failed).
			Int("lost", stats.Lost).
			Msg("reminder sweep finished")
	}
}

// RunOnce performs a single sweep. Per appointment errors are logged and
// counted, they never abort the sweep.
func (s *Sweeper) RunOnce(ctx context.Context) (Stats, error) {
	if !s.sweepMu.TryLock() {
		return Stats{}, ErrSweepRunning
	}
	defer s.sweepMu.Unlock()
	defer metrics.ObserveSweep("reminders", time.Now())

	now := s.now()
	candidates, err := s.store.ReminderCandidates(ctx, now.Add(-followUpUntil), now.Add(remindDayBefore))
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{Candidates: len(candidates)}
	for i := range candidates {
		appt := &candidates[i]
		for _, kind := range DueNotifications(appt, now) {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			s.deliver(ctx, appt, kind, &stats)
		}
	}
	return stats, nil
}

func (s *Sweeper) deliver(ctx context.Context, appt *models.Appointment, kind models.NotificationKind, stats *Stats) {
	log := s.logger.With().Int64("appointment_id", appt.ID).Str("kind", string(kind)).Logger()

	claimed, err := s.store.ClaimNotification(ctx, appt.ID, kind, appt.StartTime)
	if err != nil {
		log.Error().Err(err).Msg("claim notification")
		stats.Failed++
		metrics.IncNotification(string(kind), "error")
		return
	}
	if !claimed {
		stats.Lost++
		return
	}

	if err := s.notifier.Send(ctx, appt.SubjectID, s.text(appt, kind)); err != nil {
		log.Error().Err(err).Int64("subject_id", appt.SubjectID).Msg("send notification")
		stats.Failed++
		metrics.IncNotification(string(kind), "error")
		// освобождаем флаг, чтобы следующий проход повторил отправку
		if relErr := s.store.ReleaseNotification(ctx, appt.ID, kind); relErr != nil {
			log.Error().Err(relErr).Msg("release notification")
		}
		return
	}

	stats.Sent++
	metrics.IncNotification(string(kind), "sent")
	log.Debug().Int64("subject_id", appt.SubjectID).Msg("notification sent")
}

func (s *Sweeper) text(appt *models.Appointment, kind models.NotificationKind) string {
	switch kind {
	case models.NotificationReminder24h:
		return dayBeforeMessage(appt, s.loc)
	case models.NotificationReminder3h:
		return hoursBeforeMessage(appt, s.loc)
	default:
		return followUpMessage(appt)
	}
}

// DueNotifications lists the unsent notices whose window contains now.
// External and unconfirmed appointments get none.
func DueNotifications(appt *models.Appointment, now time.Time) []models.NotificationKind {
	if !appt.IsConfirmed() || appt.IsExternal() {
		return nil
	}

	var due []models.NotificationKind
	for _, kind := range models.NotificationKinds {
		if !appt.NotificationSent(kind) && inWindow(kind, appt.StartTime, now) {
			due = append(due, kind)
		}
	}
	return due
}

func inWindow(kind models.NotificationKind, start, now time.Time) bool {
	untilStart := start.Sub(now)
	switch kind {
	case models.NotificationReminder24h:
		return untilStart > remindHoursBefore && untilStart <= remindDayBefore
	case models.NotificationReminder3h:
		return untilStart > 0 && untilStart <= remindHoursBefore
	case models.NotificationFollowUp:
		sinceStart := -untilStart
		return sinceStart >= followUpAfter && sinceStart < followUpUntil
	}
	return false
}
