package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"regioncron/internal/domain"
	"regioncron/internal/store"
	"regioncron/internal/testutil"
)

func TestRebind(t *testing.T) {
	q := `SELECT a FROM t WHERE a=? AND b IN (?, ?)`
	assert.Equal(t, q, store.SQLite.Rebind(q))
	assert.Equal(t, `SELECT a FROM t WHERE a=$1 AND b IN ($2, $3)`, store.Postgres.Rebind(q))
}

func TestDialectFor(t *testing.T) {
	assert.Equal(t, store.Postgres, store.DialectFor("postgres://u:p@localhost/db"))
	assert.Equal(t, store.Postgres, store.DialectFor("postgresql://localhost/db"))
	assert.Equal(t, store.SQLite, store.DialectFor("/var/lib/regioncron/eu.db"))
	assert.Equal(t, store.SQLite, store.DialectFor(":memory:"))
}

func TestClaimLock(t *testing.T) {
	ctx := context.Background()
	s := testutil.OpenStore(t, "locks")
	now := time.Now().Truncate(time.Millisecond)

	lock := func(holder string, at time.Time) domain.TaskLock {
		return domain.TaskLock{TaskName: "FileImportExpiry", HolderID: holder, AcquiredAt: at, ExpiresAt: at.Add(time.Minute)}
	}

	ok, err := s.ClaimLock(ctx, lock("a", now))
	require.NoError(t, err)
	assert.True(t, ok, "absent row is claimable")

	ok, err = s.ClaimLock(ctx, lock("b", now.Add(30*time.Second)))
	require.NoError(t, err)
	assert.False(t, ok, "valid lease blocks other holders")

	ok, err = s.ClaimLock(ctx, lock("b", now.Add(time.Minute)))
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is claimable")

	locks, err := s.ListLocks(ctx)
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, "b", locks[0].HolderID)
	assert.True(t, locks[0].ExpiresAt.Equal(now.Add(2*time.Minute)))
}

func TestDeleteLockOnlyByHolder(t *testing.T) {
	ctx := context.Background()
	s := testutil.OpenStore(t, "locks")
	now := time.Now()

	_, err := s.ClaimLock(ctx, domain.TaskLock{TaskName: "t", HolderID: "a", AcquiredAt: now, ExpiresAt: now.Add(time.Minute)})
	require.NoError(t, err)

	ok, err := s.DeleteLock(ctx, "t", "b")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.DeleteLock(ctx, "t", "a")
	require.NoError(t, err)
	assert.True(t, ok)

	locks, err := s.ListLocks(ctx)
	require.NoError(t, err)
	assert.Empty(t, locks)
}

func TestUploadsLifecycle(t *testing.T) {
	ctx := context.Background()
	s := testutil.OpenStore(t, "uploads")
	now := time.Now()

	oldID, err := s.SaveUpload(ctx, domain.FileUpload{ProjectID: "p1", FileName: "a.ifc", CreatedAt: now.Add(-10 * time.Minute)})
	require.NoError(t, err)
	freshID, err := s.SaveUpload(ctx, domain.FileUpload{ProjectID: "p1", FileName: "b.ifc", CreatedAt: now})
	require.NoError(t, err)
	doneID, err := s.SaveUpload(ctx, domain.FileUpload{ProjectID: "p1", FileName: "c.ifc", Status: domain.StatusSuccess, CreatedAt: now.Add(-time.Hour)})
	require.NoError(t, err)

	pending, err := s.ListPendingUploads(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, oldID, pending[0].ID)
	assert.Equal(t, "main", pending[0].BranchName)

	started, err := s.StartUpload(ctx, freshID, now)
	require.NoError(t, err)
	assert.True(t, started)
	started, err = s.StartUpload(ctx, freshID, now)
	require.NoError(t, err)
	assert.False(t, started, "only pending uploads start")

	expired, err := s.ExpireUpload(ctx, oldID, "timed out", now)
	require.NoError(t, err)
	assert.True(t, expired)
	expired, err = s.ExpireUpload(ctx, doneID, "timed out", now)
	require.NoError(t, err)
	assert.False(t, expired, "terminal uploads are never re-transitioned")

	u, err := s.GetUpload(ctx, oldID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, u.Status)
	assert.Equal(t, "timed out", u.Message)

	_, err = s.GetUpload(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRouting(t *testing.T) {
	ctx := context.Background()
	s := testutil.OpenStore(t, "routing")

	_, err := s.ProjectRegion(ctx, "p1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.AssignProject(ctx, "p1", "eu"))
	require.NoError(t, s.AssignProject(ctx, "p1", "us"))
	key, err := s.ProjectRegion(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "us", key)

	require.NoError(t, s.RegisterRegion(ctx, "eu", "/data/eu.db"))
	require.NoError(t, s.RegisterRegion(ctx, "eu", "/data/eu2.db"))
	regions, err := s.ListRegions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []store.RegionRow{{Key: "eu", DSN: "/data/eu2.db"}}, regions)
}
