// Package access decides who may use administrative operations.
package access

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Service holds the administrator list. It is replaced wholesale when the
// config file is reloaded.
type Service struct {
	mu     sync.RWMutex
	admins map[int64]struct{}
	logger zerolog.Logger
}

// NewService creates an access service for the given administrator ids.
func NewService(admins []int64, logger zerolog.Logger) *Service {
	s := &Service{logger: logger.With().Str("component", "access").Logger()}
	s.set(admins)
	return s
}

// IsAdmin reports whether the Telegram user is an administrator.
func (s *Service) IsAdmin(userID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.admins[userID]
	return ok
}

// Admins returns the administrator ids in ascending order.
func (s *Service) Admins() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int64, 0, len(s.admins))
	for id := range s.admins {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Update swaps the administrator list.
func (s *Service) Update(admins []int64) {
	s.set(admins)
	s.logger.Info().Int("admins", len(admins)).Msg("administrator list updated")
}

func (s *Service) set(admins []int64) {
	m := make(map[int64]struct{}, len(admins))
	for _, id := range admins {
		m[id] = struct{}{}
	}
	s.mu.Lock()
	s.admins = m
	s.mu.Unlock()
}
