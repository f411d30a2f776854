package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"zapis/internal/models"
)

// ErrUnknownService is returned when a requested id is not an enabled service.
var ErrUnknownService = errors.New("unknown service")

const redisKey = "zapis:catalog:services"

// ErrInvalidService is returned by AddService for incomplete entries.
var ErrInvalidService = errors.New("invalid service")

// Store reads enabled services from storage and appends new ones.
type Store interface {
	ListServices(ctx context.Context) ([]models.Service, error)
	CreateService(ctx context.Context, svc *models.Service) error
}

// Cache keeps the service catalog in memory for ttl. An optional redis layer
// lets several processes share one copy between reloads.
type Cache struct {
	loader Store
	ttl    time.Duration
	now    func() time.Time
	logger zerolog.Logger

	redis *redis.Client

	mu       sync.RWMutex
	services []models.Service
	byID     map[int64]models.Service
	loadedAt time.Time
}

// New creates a catalog cache. ttl <= 0 means 5 minutes.
func New(loader Store, ttl time.Duration, now func() time.Time, logger zerolog.Logger) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &Cache{
		loader: loader,
		ttl:    ttl,
		now:    now,
		logger: logger.With().Str("component", "catalog").Logger(),
	}
}

// UseRedisCache configures the shared redis layer.
func (c *Cache) UseRedisCache(client *redis.Client) {
	c.redis = client
}

// List returns the enabled services in catalog order.
func (c *Cache) List(ctx context.Context) ([]models.Service, error) {
	services, _, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return append([]models.Service(nil), services...), nil
}

// Resolve returns the services for ids in request order. Repeated ids are
// collapsed to their first occurrence.
func (c *Cache) Resolve(ctx context.Context, ids []int64) ([]models.Service, error) {
	_, byID, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[int64]struct{}, len(ids))
	out := make([]models.Service, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		svc, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrUnknownService, id)
		}
		out = append(out, svc)
	}
	return out, nil
}

// snapshot returns the loaded services and their index, reloading when
// stale. store replaces both and never mutates them, so they stay valid
// after the lock is released even if Invalidate runs.
func (c *Cache) snapshot(ctx context.Context) ([]models.Service, map[int64]models.Service, error) {
	c.mu.RLock()
	if c.fresh() {
		services, byID := c.services, c.byID
		c.mu.RUnlock()
		return services, byID, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fresh() {
		return c.services, c.byID, nil
	}

	services, ok := c.readCache(ctx)
	if !ok {
		var err error
		services, err = c.loader.ListServices(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("load services: %w", err)
		}
		c.writeCache(ctx, services)
	}

	c.store(services)
	return c.services, c.byID, nil
}

// AddService validates and stores a new enabled service, then drops the
// cached copies so it shows up on the next read.
func (c *Cache) AddService(ctx context.Context, svc models.Service) (*models.Service, error) {
	svc.Name = strings.TrimSpace(svc.Name)
	svc.Description = strings.TrimSpace(svc.Description)
	switch {
	case svc.Name == "":
		return nil, fmt.Errorf("%w: name is required", ErrInvalidService)
	case svc.DurationMinutes < models.MinServiceDuration:
		return nil, fmt.Errorf("%w: duration must be at least %d minutes", ErrInvalidService, models.MinServiceDuration)
	case svc.Price.IsNegative():
		return nil, fmt.Errorf("%w: price must not be negative", ErrInvalidService)
	}
	svc.Enabled = true

	if err := c.loader.CreateService(ctx, &svc); err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}
	c.Invalidate(ctx)

	c.logger.Info().Int64("service_id", svc.ID).Str("name", svc.Name).Msg("service added")
	return &svc, nil
}

// Invalidate drops the in-memory and shared copies. The next read reloads.
func (c *Cache) Invalidate(ctx context.Context) {
	c.mu.Lock()
	c.services = nil
	c.byID = nil
	c.loadedAt = time.Time{}
	c.mu.Unlock()

	if c.redis != nil {
		if err := c.redis.Del(ctx, redisKey).Err(); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to drop shared catalog")
		}
	}
}

func (c *Cache) fresh() bool {
	return c.byID != nil && c.now().Sub(c.loadedAt) < c.ttl
}

func (c *Cache) store(services []models.Service) {
	c.services = append([]models.Service(nil), services...)
	c.byID = make(map[int64]models.Service, len(services))
	for _, s := range services {
		c.byID[s.ID] = s
	}
	c.loadedAt = c.now()
}

func (c *Cache) readCache(ctx context.Context) ([]models.Service, bool) {
	if c.redis == nil {
		return nil, false
	}
	val, err := c.redis.Get(ctx, redisKey).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn().Err(err).Msg("Shared catalog read failed")
		}
		return nil, false
	}
	var services []models.Service
	if err := json.Unmarshal([]byte(val), &services); err != nil {
		return nil, false
	}
	return services, true
}

func (c *Cache) writeCache(ctx context.Context, services []models.Service) {
	if c.redis == nil {
		return
	}
	data, err := json.Marshal(services)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, redisKey, data, c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Msg("Shared catalog write failed")
	}
}
