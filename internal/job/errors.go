package job

import "errors"

var (
	// ErrNotFound covers unknown jobs and jobs owned by another session alike.
	ErrNotFound          = errors.New("job not found")
	ErrCapacity          = errors.New("job queue is full, try again later")
	ErrConflict          = errors.New("session already has an active job")
	ErrNotReady          = errors.New("job not completed successfully")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrArchiveTooSmall   = errors.New("final archive was too small; preview may not be rippable")
)
