// Package lock implements time-bounded exclusive leases over named tasks,
// persisted as one row per task in a region store.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"regioncron/internal/domain"
)

type Store interface {
	ClaimLock(ctx context.Context, l domain.TaskLock) (bool, error)
	DeleteLock(ctx context.Context, taskName, holderID string) (bool, error)
}

type Manager struct {
	store Store
	now   func() time.Time
	log   zerolog.Logger
}

type Option func(*Manager)

// WithClock overrides the wall clock used to stamp leases.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(s Store, log zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{store: s, now: time.Now, log: log}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Acquire claims taskName for holderID until now+lease. It returns false,
// without error, when another holder's lease is still valid. Store errors
// are returned as-is and never retried here.
func (m *Manager) Acquire(ctx context.Context, taskName, holderID string, lease time.Duration) (bool, error) {
	if taskName == "" || holderID == "" {
		return false, errors.New("task name and holder id are required")
	}
	if lease <= 0 {
		return false, fmt.Errorf("lease must be positive, got %s", lease)
	}
	now := m.now()
	ok, err := m.store.ClaimLock(ctx, domain.TaskLock{
		TaskName:   taskName,
		HolderID:   holderID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(lease),
	})
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", taskName, err)
	}
	return ok, nil
}

// Release drops the lock if holderID still owns it. Losing the lock to
// another holder after expiry is not an error.
func (m *Manager) Release(ctx context.Context, taskName, holderID string) error {
	ok, err := m.store.DeleteLock(ctx, taskName, holderID)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", taskName, err)
	}
	if !ok {
		m.log.Debug().Str("task", taskName).Str("holder", holderID).Msg("lock already taken over, nothing to release")
	}
	return nil
}
