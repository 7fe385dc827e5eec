// Package fileimport wires file import maintenance onto the scheduler and the
// notification relay: the periodic expiry sweep over every region, and the
// started/finished notifications emitted by import workers.
package fileimport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"regioncron/internal/domain"
	"regioncron/internal/events"
)

const expiredMessage = "File import job timed out"

type Uploads interface {
	ListPendingUploads(ctx context.Context, cutoff time.Time) ([]domain.FileUpload, error)
	ExpireUpload(ctx context.Context, id, message string, at time.Time) (bool, error)
}

// Sweeper expires stale uploads in one region.
type Sweeper struct {
	region  string
	uploads Uploads
	events  events.Emitter
	now     func() time.Time
}

type SweeperOption func(*Sweeper)

func WithClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) { s.now = now }
}

func NewSweeper(region string, uploads Uploads, em events.Emitter, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{region: region, uploads: uploads, events: em, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Sweeper) Region() string { return s.region }

type Result struct {
	Region  string `json:"region"`
	Scanned int    `json:"scanned"`
	Expired int    `json:"expired"`
	Failed  int    `json:"failed"`
}

// Sweep moves every pending or processing upload created more than threshold
// ago to expired and emits a FileImportExpired event for each. A failure on
// one upload does not stop the others; the upload stays non-terminal and is
// picked up again by the next sweep. Uploads that reached a terminal status
// concurrently are left alone.
func (s *Sweeper) Sweep(ctx context.Context, threshold time.Duration, log zerolog.Logger) (Result, error) {
	res := Result{Region: s.region}
	now := s.now()
	cutoff := now.Add(-threshold)

	pending, err := s.uploads.ListPendingUploads(ctx, cutoff)
	if err != nil {
		return res, fmt.Errorf("list pending uploads: %w", err)
	}
	res.Scanned = len(pending)

	var errs []error
	for _, u := range pending {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		ok, err := s.uploads.ExpireUpload(ctx, u.ID, expiredMessage, now)
		if err != nil {
			res.Failed++
			errs = append(errs, fmt.Errorf("expire upload %s: %w", u.ID, err))
			log.Error().Err(err).Str("item_id", u.ID).Msg("failed to expire upload")
			continue
		}
		if !ok {
			continue
		}
		res.Expired++

		prior := u.Status
		u.Status = domain.StatusExpired
		u.Message = expiredMessage
		u.UpdatedAt = now
		s.events.Emit(ctx, events.Event{
			Name:        events.FileImportExpired,
			Region:      s.region,
			ProjectID:   u.ProjectID,
			Upload:      u,
			PriorStatus: prior,
		})
		log.Info().
			Str("item_id", u.ID).
			Str("project_id", u.ProjectID).
			Str("prior_status", string(prior)).
			Time("created_at", u.CreatedAt).
			Msg("upload expired")
	}
	return res, errors.Join(errs...)
}
