package storage

import (
	"errors"
	"fmt"

	"lecture-assistant/pkg/models"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrJobExists         = errors.New("job already exists")
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// JobStore keeps one record per job. UpdateJob is atomic per record: fn sees the
// current record and its changes are written only if fn returns nil.
type JobStore interface {
	CreateJob(job *models.Job) error
	GetJob(id string) (*models.Job, error)
	ListJobs() ([]*models.Job, error)
	UpdateJob(id string, fn func(*models.Job) error) (*models.Job, error)
	DeleteJob(id string) error
	ClearJobs() error
}

type SessionStore interface {
	AddSession(session *models.Session) error
	ListSessions() ([]*models.Session, error)
	ClearSessions() error
}

// Store is the full record store used by the service.
type Store interface {
	JobStore
	SessionStore
}

// Transition moves job to status, enforcing queued -> processing -> done|error.
// Setting the current status again is a no-op.
func Transition(job *models.Job, to models.JobStatus) error {
	from := job.Status
	if from == to {
		return nil
	}
	ok := false
	switch from {
	case models.StatusQueued:
		ok = to == models.StatusProcessing || to == models.StatusError
	case models.StatusProcessing:
		ok = to == models.StatusDone || to == models.StatusError
	}
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	job.Status = to
	return nil
}
