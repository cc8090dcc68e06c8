package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"lecture-assistant/pkg/config"
	"lecture-assistant/pkg/logging"
	"lecture-assistant/pkg/models"
	"lecture-assistant/pkg/storage"
)

var (
	ErrQueueFull     = errors.New("pipeline queue is full")
	ErrAlreadyActive = errors.New("job for this media is already queued or running")
	ErrShuttingDown  = errors.New("pipeline is shutting down")
	ErrNotStarted    = errors.New("pipeline is not started")
)

// JobRunner processes one job to a terminal state.
type JobRunner interface {
	Run(ctx context.Context, jobID string) error
}

// Manager schedules jobs onto a worker pool. At most one job per media id is
// queued or running at a time; a full queue rejects new work instead of blocking.
type Manager struct {
	config config.PipelineConfig
	runner JobRunner
	jobs   storage.JobStore
	log    logrus.FieldLogger

	pool *WorkerPool

	mu      sync.Mutex
	active  map[string]struct{}
	started bool
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
}

func NewManager(cfg config.PipelineConfig, runner JobRunner, jobs storage.JobStore, log logrus.FieldLogger) *Manager {
	m := &Manager{
		config: cfg,
		runner: runner,
		jobs:   jobs,
		log:    logging.OrDiscard(log),
		active: make(map[string]struct{}),
	}
	m.pool = NewWorkerPool(cfg.Workers, cfg.QueueSize, m.process)
	return m
}

func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("pipeline already started")
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.started = true

	m.log.WithFields(logrus.Fields{
		"workers":    m.pool.workers,
		"queue_size": cap(m.pool.taskQueue),
	}).Info("pipeline manager starting")
	m.pool.Start(m.ctx)
	return nil
}

// Stop cancels running jobs and waits for the workers to exit. Jobs still queued
// are marked as failed.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started || m.closed {
		m.closed = true
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.log.Info("pipeline manager stopping")
	m.cancel()
	for _, id := range m.pool.Stop() {
		m.abandon(id)
	}
	m.log.Info("pipeline manager stopped")
}

// Submit queues jobID for processing.
func (m *Manager) Submit(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	log := m.log.WithField("job_id", jobID)
	switch {
	case m.closed:
		return ErrShuttingDown
	case !m.started:
		return ErrNotStarted
	}
	if _, busy := m.active[jobID]; busy {
		log.Warn("rejecting job, media already active")
		return fmt.Errorf("%w: %s", ErrAlreadyActive, jobID)
	}
	if !m.pool.TrySubmit(jobID) {
		log.Warn("rejecting job, queue full")
		return ErrQueueFull
	}
	m.active[jobID] = struct{}{}
	log.Info("job queued")
	return nil
}

// Active reports whether jobID is queued or running.
func (m *Manager) Active(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[jobID]
	return ok
}

func (m *Manager) process(ctx context.Context, jobID string) {
	defer m.release(jobID)
	if ctx.Err() != nil {
		m.abandon(jobID)
		return
	}
	if err := m.runner.Run(ctx, jobID); err != nil {
		m.log.WithField("job_id", jobID).WithError(err).Debug("job finished with error")
	}
}

func (m *Manager) abandon(jobID string) {
	defer m.release(jobID)
	_, err := m.jobs.UpdateJob(jobID, func(j *models.Job) error {
		if err := storage.Transition(j, models.StatusError); err != nil {
			return err
		}
		j.Progress = 0
		j.Stage = "error"
		j.Error = ErrShuttingDown.Error()
		return nil
	})
	if err != nil {
		m.log.WithField("job_id", jobID).WithError(err).Warn("could not mark abandoned job")
	}
}

func (m *Manager) release(jobID string) {
	m.mu.Lock()
	delete(m.active, jobID)
	m.mu.Unlock()
}
