package promo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"zapis/internal/metrics"
	"zapis/internal/models"
)

const (
	defaultCooldown = 31 * 24 * time.Hour
	defaultInterval = time.Hour
	sweepTimeout    = 5 * time.Minute
)

var (
	ErrPromoNotFound   = errors.New("promo_not_found")
	ErrPartnerNotFound = errors.New("partner_not_found")
	ErrCooldown        = errors.New("promo_cooldown")
	ErrForbidden       = errors.New("forbidden")
	ErrSweepRunning    = errors.New("promo sweep already running")
)

type Store interface {
	InsertRedemption(ctx context.Context, r *models.PromoRedemption) error
	HasActiveRedemption(ctx context.Context, code string, partnerID int64, since time.Time) (bool, error)
	ExpiredRedemptions(ctx context.Context, cutoff time.Time) ([]models.PromoRedemption, error)
	DeleteRedemption(ctx context.Context, id int64) (bool, error)
	GetPartner(ctx context.Context, partnerID int64) (*models.Partner, error)
	UserByPromoCode(ctx context.Context, code string) (int64, bool, error)
}

type Notifier interface {
	Send(ctx context.Context, recipientID int64, text string) error
}

// Manager keeps promo redemptions and tells subjects when a code can be used
// at a partner again.
type Manager struct {
	store    Store
	notifier Notifier
	cooldown time.Duration
	interval time.Duration
	now      func() time.Time
	logger   zerolog.Logger

	sweepMu sync.Mutex

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(store Store, notifier Notifier, cooldown, interval time.Duration, logger zerolog.Logger, opts ...Option) *Manager {
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	m := &Manager{
		store:    store,
		notifier: notifier,
		cooldown: cooldown,
		interval: interval,
		now:      time.Now,
		logger:   logger.With().Str("component", "promo").Logger(),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Redeem records that subjectID used code at partnerID now. It does not
// check the cooldown.
func (m *Manager) Redeem(ctx context.Context, subjectID int64, code string, partnerID int64) (*models.PromoRedemption, error) {
	r := &models.PromoRedemption{
		SubjectID:  subjectID,
		PromoCode:  code,
		PartnerID:  partnerID,
		RedeemedAt: m.now(),
	}
	if err := m.store.InsertRedemption(ctx, r); err != nil {
		return nil, err
	}
	metrics.IncPromo("redeemed")
	m.logger.Info().
		Int64("subject_id", subjectID).
		Str("promo_code", code).
		Int64("partner_id", partnerID).
		Msg("promo redeemed")
	return r, nil
}

// IsOnCooldown reports whether code was redeemed at partnerID within the
// cooldown.
func (m *Manager) IsOnCooldown(ctx context.Context, code string, partnerID int64) (bool, error) {
	return m.store.HasActiveRedemption(ctx, code, partnerID, m.now().Add(-m.cooldown))
}

// RedeemCode is the partner-facing redemption: the caller must be an
// administrator or own the partner, the code must belong to a user and must
// not be on cooldown at this partner.
func (m *Manager) RedeemCode(ctx context.Context, callerID int64, callerAdmin bool, code string, partnerID int64) (*models.PromoRedemption, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, ErrPromoNotFound
	}

	partner, err := m.store.GetPartner(ctx, partnerID)
	if err != nil {
		return nil, err
	}
	if partner == nil {
		return nil, ErrPartnerNotFound
	}
	if !callerAdmin && partner.OwnerUserID != callerID {
		return nil, ErrForbidden
	}

	subjectID, found, err := m.store.UserByPromoCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrPromoNotFound
	}

	active, err := m.IsOnCooldown(ctx, code, partnerID)
	if err != nil {
		return nil, err
	}
	if active {
		metrics.IncPromo("cooldown_rejected")
		return nil, ErrCooldown
	}
	return m.Redeem(ctx, subjectID, code, partnerID)
}

// Start runs ReArmSweep every interval until ctx is done or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	m.logger.Info().Dur("interval", m.interval).Dur("cooldown", m.cooldown).Msg("promo sweeper started")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("promo sweeper stopped by context")
			return
		case <-m.stopCh:
			m.logger.Info().Msg("promo sweeper stopped")
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Manager) Stop() {
	m.mu.Lock()
	if m.running {
		m.running = false
		close(m.stopCh)
	}
	m.mu.Unlock()
}

func (m *Manager) tick(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	n, err := m.ReArmSweep(ctx)
	switch {
	case errors.Is(err, ErrSweepRunning):
		m.logger.Warn().Msg("previous promo sweep still running, skipping tick")
	case err != nil:
		m.logger.Error().Err(err).Msg("promo sweep failed")
	case n > 0:
		m.logger.Info().Int("rearmed", n).Msg("promo sweep finished")
	}
}

// ReArmSweep deletes redemptions older than the cooldown and notifies the
// subject of each one this call actually removed. It returns the number of
// rows removed.
func (m *Manager) ReArmSweep(ctx context.Context) (int, error) {
	if !m.sweepMu.TryLock() {
		return 0, ErrSweepRunning
	}
	defer m.sweepMu.Unlock()
	defer metrics.ObserveSweep("promo", time.Now())

	expired, err := m.store.ExpiredRedemptions(ctx, m.now().Add(-m.cooldown))
	if err != nil {
		return 0, fmt.Errorf("list expired redemptions: %w", err)
	}

	names := make(map[int64]string)
	rearmed := 0
	for _, r := range expired {
		if ctx.Err() != nil {
			return rearmed, ctx.Err()
		}
		log := m.logger.With().Int64("redemption_id", r.ID).Int64("subject_id", r.SubjectID).Logger()

		removed, err := m.store.DeleteRedemption(ctx, r.ID)
		if err != nil {
			log.Error().Err(err).Msg("delete redemption")
			continue
		}
		if !removed {
			continue
		}
		rearmed++
		metrics.IncPromo("rearmed")

		name, ok := names[r.PartnerID]
		if !ok {
			name = m.partnerName(ctx, r.PartnerID)
			names[r.PartnerID] = name
		}
		if err := m.notifier.Send(ctx, r.SubjectID, ReArmMessage(name)); err != nil {
			log.Error().Err(err).Msg("send re-arm notice")
			metrics.IncNotification("promo_rearm", "error")
			continue
		}
		metrics.IncNotification("promo_rearm", "sent")
	}
	return rearmed, nil
}

func (m *Manager) partnerName(ctx context.Context, partnerID int64) string {
	p, err := m.store.GetPartner(ctx, partnerID)
	if err != nil {
		m.logger.Warn().Err(err).Int64("partner_id", partnerID).Msg("load partner")
	}
	if p == nil || strings.TrimSpace(p.Name) == "" {
		return strconv.FormatInt(partnerID, 10)
	}
	return p.Name
}

func ReArmMessage(partnerName string) string {
	return fmt.Sprintf("🔋 Теперь вы снова можете использовать промокод у партнёра %s!", partnerName)
}
