package domain

import "time"

type UploadStatus string

const (
	StatusPending    UploadStatus = "pending"
	StatusProcessing UploadStatus = "processing"
	StatusSuccess    UploadStatus = "success"
	StatusError      UploadStatus = "error"
	StatusExpired    UploadStatus = "expired"
)

// Terminal reports whether the status can no longer be changed by the sweep
// or by start notifications.
func (s UploadStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusError, StatusExpired:
		return true
	}
	return false
}

// FileUpload is a pending work item scoped to one region.
type FileUpload struct {
	ID         string
	ProjectID  string
	BranchName string
	FileName   string
	FileType   string
	FileSize   int64
	UserID     string
	Status     UploadStatus
	Message    string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type TaskLock struct {
	TaskName   string
	HolderID   string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Valid reports whether the lease is still held at now.
func (l TaskLock) Valid(now time.Time) bool {
	return now.Before(l.ExpiresAt)
}
