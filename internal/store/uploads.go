package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"regioncron/internal/domain"
)

const uploadColumns = `id,project_id,branch_name,file_name,file_type,file_size,user_id,status,message,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanUpload(row scanner) (domain.FileUpload, error) {
	var (
		u                domain.FileUpload
		status           string
		created, updated int64
	)
	if err := row.Scan(&u.ID, &u.ProjectID, &u.BranchName, &u.FileName, &u.FileType, &u.FileSize, &u.UserID, &status, &u.Message, &created, &updated); err != nil {
		return domain.FileUpload{}, err
	}
	u.Status = domain.UploadStatus(status)
	u.CreatedAt = fromMillis(created)
	u.UpdatedAt = fromMillis(updated)
	return u, nil
}

// SaveUpload inserts a new upload and returns its id.
func (s *Store) SaveUpload(ctx context.Context, u domain.FileUpload) (string, error) {
	id := u.ID
	if id == "" {
		id = "upl_" + uuid.NewString()
	}
	if u.BranchName == "" {
		u.BranchName = "main"
	}
	if u.Status == "" {
		u.Status = domain.StatusPending
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	_, err := s.exec(ctx, `
INSERT INTO file_uploads (`+uploadColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		id, u.ProjectID, u.BranchName, u.FileName, u.FileType, u.FileSize, u.UserID,
		string(u.Status), u.Message, millis(u.CreatedAt), millis(u.CreatedAt))
	return id, err
}

func (s *Store) GetUpload(ctx context.Context, id string) (domain.FileUpload, error) {
	u, err := scanUpload(s.queryRow(ctx, `SELECT `+uploadColumns+` FROM file_uploads WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.FileUpload{}, ErrNotFound
	}
	return u, err
}

// ListPendingUploads returns non-terminal uploads created strictly before cutoff.
func (s *Store) ListPendingUploads(ctx context.Context, cutoff time.Time) ([]domain.FileUpload, error) {
	rows, err := s.query(ctx, `
SELECT `+uploadColumns+`
FROM file_uploads
WHERE status IN ('pending','processing') AND created_at < ?
ORDER BY created_at ASC`, millis(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var uploads []domain.FileUpload
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, err
		}
		uploads = append(uploads, u)
	}
	return uploads, rows.Err()
}

// ExpireUpload moves a non-terminal upload to expired. It reports false when
// the upload was already terminal (or gone), leaving it untouched.
func (s *Store) ExpireUpload(ctx context.Context, id, message string, at time.Time) (bool, error) {
	res, err := s.exec(ctx, `
UPDATE file_uploads SET status='expired', message=?, updated_at=?
WHERE id=? AND status IN ('pending','processing')`, message, millis(at), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// StartUpload moves a pending upload to processing.
func (s *Store) StartUpload(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.exec(ctx, `
UPDATE file_uploads SET status='processing', updated_at=?
WHERE id=? AND status='pending'`, millis(at), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// FinishUpload records a result for a non-terminal upload.
func (s *Store) FinishUpload(ctx context.Context, id string, status domain.UploadStatus, message string, at time.Time) (bool, error) {
	res, err := s.exec(ctx, `
UPDATE file_uploads SET status=?, message=?, updated_at=?
WHERE id=? AND status IN ('pending','processing')`, string(status), message, millis(at), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
