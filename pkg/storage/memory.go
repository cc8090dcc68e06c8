package storage

import (
	"sort"
	"sync"
	"time"

	"lecture-assistant/pkg/models"
)

type memoryStore struct {
	jobs     map[string]*models.Job
	sessions []*models.Session
	mu       sync.RWMutex
}

// NewMemoryStore returns a process-local Store. Records are copied in and out.
func NewMemoryStore() Store {
	return &memoryStore{
		jobs: make(map[string]*models.Job),
	}
}

func (s *memoryStore) CreateJob(job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return ErrJobExists
	}
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *memoryStore) GetJob(id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[id]
	if !exists {
		return nil, ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *memoryStore) ListJobs() ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*models.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		cp := *job
		jobs = append(jobs, &cp)
	}
	sortJobs(jobs)
	return jobs, nil
}

func (s *memoryStore) UpdateJob(id string, fn func(*models.Job) error) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[id]
	if !exists {
		return nil, ErrJobNotFound
	}
	cp := *job
	if err := fn(&cp); err != nil {
		return nil, err
	}
	cp.UpdatedAt = time.Now().UTC()
	s.jobs[id] = &cp
	out := cp
	return &out, nil
}

func (s *memoryStore) DeleteJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

func (s *memoryStore) ClearJobs() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = make(map[string]*models.Job)
	return nil
}

func (s *memoryStore) AddSession(session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *session
	s.sessions = append(s.sessions, &cp)
	return nil
}

func (s *memoryStore) ListSessions() ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Session, len(s.sessions))
	for i, session := range s.sessions {
		cp := *session
		out[i] = &cp
	}
	return out, nil
}

func (s *memoryStore) ClearSessions() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = nil
	return nil
}

func sortJobs(jobs []*models.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
}
