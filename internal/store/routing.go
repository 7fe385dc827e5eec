package store

import (
	"context"
	"database/sql"
	"errors"
)

type RegionRow struct {
	Key string
	DSN string
}

// ListRegions reads the runtime region registry kept in the default store.
func (s *Store) ListRegions(ctx context.Context) ([]RegionRow, error) {
	rows, err := s.query(ctx, `SELECT region_key, dsn FROM regions ORDER BY region_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RegionRow
	for rows.Next() {
		var r RegionRow
		if err := rows.Scan(&r.Key, &r.DSN); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) RegisterRegion(ctx context.Context, key, dsn string) error {
	_, err := s.exec(ctx, `
INSERT INTO regions (region_key, dsn) VALUES (?, ?)
ON CONFLICT (region_key) DO UPDATE SET dsn = excluded.dsn`, key, dsn)
	return err
}

// ProjectRegion returns the region key a project lives in, or ErrNotFound
// when the project has no explicit placement.
func (s *Store) ProjectRegion(ctx context.Context, projectID string) (string, error) {
	var key string
	err := s.queryRow(ctx, `SELECT region_key FROM project_regions WHERE project_id=?`, projectID).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return key, err
}

func (s *Store) AssignProject(ctx context.Context, projectID, regionKey string) error {
	_, err := s.exec(ctx, `
INSERT INTO project_regions (project_id, region_key) VALUES (?, ?)
ON CONFLICT (project_id) DO UPDATE SET region_key = excluded.region_key`, projectID, regionKey)
	return err
}
