package fileimport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"regioncron/internal/domain"
	"regioncron/internal/lock"
	"regioncron/internal/region"
	"regioncron/internal/scheduler"
	"regioncron/internal/testutil"
)

func TestThreshold(t *testing.T) {
	assert.Equal(t, 11*time.Minute, Threshold(10))
	assert.Equal(t, 6*time.Minute, Threshold(5))
}

func TestSweepAllIsolatesRegionFailures(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	healthy := testutil.OpenStore(t, "us")
	broken := testutil.OpenStore(t, "eu")
	id := seed(t, healthy, "p1", 7*time.Minute, domain.StatusPending, now)
	seed(t, broken, "p2", 7*time.Minute, domain.StatusPending, now)

	rec := &recorder{}
	sweepers := []*Sweeper{
		NewSweeper("eu", &flakyUploads{Uploads: broken, listErr: errors.New("region offline")}, rec),
		NewSweeper("us", healthy, rec),
	}

	outcomes := SweepAll(ctx, sweepers, 6*time.Minute, zerolog.Nop())
	require.Len(t, outcomes, 2)
	assert.Equal(t, "eu", outcomes[0].Region)
	assert.Error(t, outcomes[0].Err)
	assert.Equal(t, "us", outcomes[1].Region)
	assert.NoError(t, outcomes[1].Err)
	assert.Equal(t, 1, outcomes[1].Expired)
	assert.Equal(t, domain.StatusExpired, status(t, healthy, id))

	err := ExpiryTask(sweepers, 6*time.Minute)(ctx, now, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "region eu")
	assert.NotContains(t, err.Error(), "region us")
}

func TestSweepAllRecoversPanickingRegion(t *testing.T) {
	healthy := testutil.OpenStore(t, "us")
	rec := &recorder{}
	sweepers := []*Sweeper{
		NewSweeper("eu", nil, rec),
		NewSweeper("us", healthy, rec),
	}
	outcomes := SweepAll(context.Background(), sweepers, time.Minute, zerolog.Nop())
	assert.Error(t, outcomes[0].Err)
	assert.NoError(t, outcomes[1].Err)
}

func TestScheduleRegistersExpiryTask(t *testing.T) {
	def := testutil.OpenStore(t, "default")
	eu := testutil.OpenStore(t, "eu")
	reg, err := region.New(0,
		&region.Region{Key: region.DefaultKey, Store: def},
		&region.Region{Key: "eu", Store: eu},
	)
	require.NoError(t, err)

	s := scheduler.New(context.Background(), lock.NewManager(def, zerolog.Nop()), "proc-a", zerolog.Nop())
	h, err := Schedule(s, reg, &recorder{}, Config{TimeLimitMinutes: 10})
	require.NoError(t, err)
	assert.Equal(t, TaskName, h.Name())

	tasks := s.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, CronSpec, tasks[0].Spec)
	assert.Equal(t, 5*time.Minute, tasks[0].Lease)

	_, err = Schedule(s, reg, &recorder{}, Config{})
	assert.Error(t, err)
}
