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
	"regioncron/internal/events"
	"regioncron/internal/store"
	"regioncron/internal/testutil"
)

func seed(t *testing.T, s *store.Store, project string, age time.Duration, status domain.UploadStatus, now time.Time) string {
	t.Helper()
	id, err := s.SaveUpload(context.Background(), domain.FileUpload{
		ProjectID: project,
		FileName:  "model.ifc",
		FileType:  "ifc",
		Status:    status,
		CreatedAt: now.Add(-age),
	})
	require.NoError(t, err)
	return id
}

func status(t *testing.T, s *store.Store, id string) domain.UploadStatus {
	t.Helper()
	u, err := s.GetUpload(context.Background(), id)
	require.NoError(t, err)
	return u.Status
}

func TestSweepBoundary(t *testing.T) {
	ctx := context.Background()
	s := testutil.OpenStore(t, "eu")
	now := time.Now()
	rec := &recorder{}
	sw := NewSweeper("eu", s, rec, WithClock(func() time.Time { return now }))

	old := seed(t, s, "p1", 7*time.Minute, domain.StatusPending, now)
	oldProcessing := seed(t, s, "p1", 7*time.Minute, domain.StatusProcessing, now)
	young := seed(t, s, "p1", 5*time.Minute, domain.StatusPending, now)
	justInside := seed(t, s, "p1", 6*time.Minute-time.Second, domain.StatusPending, now)
	justOutside := seed(t, s, "p1", 6*time.Minute+time.Second, domain.StatusProcessing, now)

	res, err := sw.Sweep(ctx, 6*time.Minute, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, Result{Region: "eu", Scanned: 3, Expired: 3}, res)

	assert.Equal(t, domain.StatusExpired, status(t, s, old))
	assert.Equal(t, domain.StatusExpired, status(t, s, oldProcessing))
	assert.Equal(t, domain.StatusExpired, status(t, s, justOutside))
	assert.Equal(t, domain.StatusPending, status(t, s, young))
	assert.Equal(t, domain.StatusPending, status(t, s, justInside))

	evs := rec.All()
	require.Len(t, evs, 3)
	byID := map[string]events.Event{}
	for _, e := range evs {
		assert.Equal(t, events.FileImportExpired, e.Name)
		assert.Equal(t, "eu", e.Region)
		assert.Equal(t, "p1", e.ProjectID)
		assert.Equal(t, domain.StatusExpired, e.Upload.Status)
		byID[e.Upload.ID] = e
	}
	assert.Equal(t, domain.StatusPending, byID[old].PriorStatus)
	assert.Equal(t, domain.StatusProcessing, byID[oldProcessing].PriorStatus)
}

func TestSweepIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := testutil.OpenStore(t, "eu")
	now := time.Now()
	rec := &recorder{}
	sw := NewSweeper("eu", s, rec, WithClock(func() time.Time { return now }))

	seed(t, s, "p1", time.Hour, domain.StatusPending, now)
	seed(t, s, "p1", time.Hour, domain.StatusSuccess, now)
	seed(t, s, "p1", time.Hour, domain.StatusError, now)

	first, err := sw.Sweep(ctx, 11*time.Minute, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 1, first.Expired)

	second, err := sw.Sweep(ctx, 11*time.Minute, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, Result{Region: "eu"}, second)
	assert.Len(t, rec.All(), 1)
}

// flakyUploads fails to expire the listed ids and can simulate a concurrent
// transition to a terminal status.
type flakyUploads struct {
	Uploads
	failIDs map[string]bool
	raceIDs map[string]bool
	listErr error
}

func (f *flakyUploads) ListPendingUploads(ctx context.Context, cutoff time.Time) ([]domain.FileUpload, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.Uploads.ListPendingUploads(ctx, cutoff)
}

func (f *flakyUploads) ExpireUpload(ctx context.Context, id, msg string, at time.Time) (bool, error) {
	if f.failIDs[id] {
		return false, errors.New("deadlock detected")
	}
	if f.raceIDs[id] {
		return false, nil
	}
	return f.Uploads.ExpireUpload(ctx, id, msg, at)
}

func TestSweepContinuesPastItemFailures(t *testing.T) {
	ctx := context.Background()
	s := testutil.OpenStore(t, "eu")
	now := time.Now()
	a := seed(t, s, "p1", time.Hour, domain.StatusPending, now)
	b := seed(t, s, "p1", 2*time.Hour, domain.StatusPending, now)
	c := seed(t, s, "p1", 3*time.Hour, domain.StatusPending, now)

	rec := &recorder{}
	flaky := &flakyUploads{Uploads: s, failIDs: map[string]bool{b: true}, raceIDs: map[string]bool{c: true}}
	sw := NewSweeper("eu", flaky, rec)

	res, err := sw.Sweep(ctx, time.Minute, zerolog.Nop())
	assert.Error(t, err)
	assert.Equal(t, Result{Region: "eu", Scanned: 3, Expired: 1, Failed: 1}, res)
	assert.Equal(t, domain.StatusExpired, status(t, s, a))
	assert.Equal(t, domain.StatusPending, status(t, s, b), "failed item stays open for the next sweep")
	assert.Len(t, rec.All(), 1, "no event for items that were not transitioned")

	// next firing picks the failed item up
	res, err = NewSweeper("eu", s, rec).Sweep(ctx, time.Minute, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Expired)
	assert.Equal(t, domain.StatusExpired, status(t, s, b))
}
