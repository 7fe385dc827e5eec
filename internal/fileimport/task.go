package fileimport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"regioncron/internal/events"
	"regioncron/internal/region"
	"regioncron/internal/scheduler"
	"regioncron/internal/worker"
)

const (
	TaskName = "FileImportExpiry"
	// CronSpec fires every five minutes.
	CronSpec = "*/5 * * * *"
	// Buffer is added to the configured limit so a slow but live import is
	// not expired while it is still finishing.
	Buffer = time.Minute
)

// Threshold is the age after which a non-terminal upload is expired.
func Threshold(timeLimitMinutes int) time.Duration {
	return time.Duration(timeLimitMinutes)*time.Minute + Buffer
}

// Outcome is the result of one region's sweep within a firing.
type Outcome struct {
	Result
	Err error `json:"-"`
}

// SweepAll runs every sweeper concurrently and returns once all of them have
// settled. Outcomes are returned in sweeper order.
func SweepAll(ctx context.Context, sweepers []*Sweeper, threshold time.Duration, log zerolog.Logger) []Outcome {
	outcomes := make([]Outcome, len(sweepers))
	pool := worker.NewPool(len(sweepers), log)
	for i, sw := range sweepers {
		i, sw := i, sw
		outcomes[i] = Outcome{Result: Result{Region: sw.Region()}, Err: errors.New("sweep not started")}
		pool.Go(ctx, func(ctx context.Context) {
			rlog := log.With().Str("region", sw.Region()).Logger()
			defer func() {
				if r := recover(); r != nil {
					outcomes[i] = Outcome{Result: Result{Region: sw.Region()}, Err: worker.PanicError(r)}
				}
			}()
			res, err := sw.Sweep(ctx, threshold, rlog)
			outcomes[i] = Outcome{Result: res, Err: err}
		})
	}
	pool.Wait()

	for _, o := range outcomes {
		ev := log.Info()
		if o.Err != nil {
			ev = log.Error().Err(o.Err)
		}
		ev.Str("region", o.Region).
			Int("scanned", o.Scanned).
			Int("expired", o.Expired).
			Int("failed", o.Failed).
			Msg("region sweep finished")
	}
	return outcomes
}

// ExpiryTask returns the scheduler handler that sweeps every region. The
// firing fails if any region failed, after all regions have settled.
func ExpiryTask(sweepers []*Sweeper, threshold time.Duration) scheduler.Handler {
	return func(ctx context.Context, _ time.Time, log zerolog.Logger) error {
		outcomes := SweepAll(ctx, sweepers, threshold, log)
		var (
			errs    []error
			expired int
		)
		for _, o := range outcomes {
			expired += o.Expired
			if o.Err != nil {
				errs = append(errs, fmt.Errorf("region %s: %w", o.Region, o.Err))
			}
		}
		log.Info().
			Int("regions", len(outcomes)).
			Int("failed_regions", len(errs)).
			Int("expired", expired).
			Dur("threshold", threshold).
			Msg("file import expiry sweep finished")
		return errors.Join(errs...)
	}
}

type Config struct {
	TimeLimitMinutes int
	// Lease overrides the lock lease when the sweep may run longer than the
	// five minute firing interval.
	Lease time.Duration
}

// Schedule builds one sweeper per known region and registers the expiry task.
func Schedule(s *scheduler.Scheduler, regions *region.Registry, em events.Emitter, cfg Config) (*scheduler.Handle, error) {
	if cfg.TimeLimitMinutes <= 0 {
		return nil, fmt.Errorf("time limit must be positive, got %d", cfg.TimeLimitMinutes)
	}
	var sweepers []*Sweeper
	for _, reg := range regions.All() {
		sweepers = append(sweepers, NewSweeper(reg.Key, reg.Store, em))
	}
	return s.Schedule(CronSpec, TaskName, ExpiryTask(sweepers, Threshold(cfg.TimeLimitMinutes)), scheduler.WithLease(cfg.Lease))
}
