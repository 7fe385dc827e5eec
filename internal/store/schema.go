package store

import "context"

const schema = `
CREATE TABLE IF NOT EXISTS task_locks (
  task_name TEXT PRIMARY KEY,
  holder_id TEXT NOT NULL,
  acquired_at BIGINT NOT NULL,
  expires_at BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS file_uploads (
  id TEXT PRIMARY KEY,
  project_id TEXT NOT NULL,
  branch_name TEXT NOT NULL DEFAULT 'main',
  file_name TEXT NOT NULL,
  file_type TEXT NOT NULL DEFAULT '',
  file_size BIGINT NOT NULL DEFAULT 0,
  user_id TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL CHECK(status IN ('pending','processing','success','error','expired')) DEFAULT 'pending',
  message TEXT NOT NULL DEFAULT '',
  created_at BIGINT NOT NULL,
  updated_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_file_uploads_status ON file_uploads(status, created_at);
CREATE TABLE IF NOT EXISTS project_regions (
  project_id TEXT PRIMARY KEY,
  region_key TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS regions (
  region_key TEXT PRIMARY KEY,
  dsn TEXT NOT NULL
);
`

// EnsureSchema creates tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}
