package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v3"

	"lecture-assistant/pkg/models"
)

const (
	jobPrefix     = "job/"
	sessionPrefix = "session/"

	maxConflictRetries = 5
)

// OpenDB opens the badger database under path. An empty path or ":memory:" opens an
// in-memory database.
func OpenDB(path string) (*badger.DB, error) {
	var opts badger.Options
	if path == "" || path == ":memory:" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, 0755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
		opts = badger.DefaultOptions(filepath.Join(path, "badger"))
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	return db, nil
}

type diskStore struct {
	db *badger.DB
}

// NewDiskStore returns a Store persisted in db. The caller owns db and closes it.
func NewDiskStore(db *badger.DB) Store {
	return &diskStore{db: db}
}

func jobKey(id string) []byte {
	return []byte(jobPrefix + id)
}

func (s *diskStore) CreateJob(job *models.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(jobKey(job.ID))
		switch {
		case err == nil:
			return ErrJobExists
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		return txn.Set(jobKey(job.ID), data)
	})
}

func (s *diskStore) GetJob(id string) (*models.Job, error) {
	var job models.Job
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, jobKey(id), &job)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

func (s *diskStore) ListJobs() ([]*models.Job, error) {
	var jobs []*models.Job
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, []byte(jobPrefix), func(val []byte) error {
			var job models.Job
			if err := json.Unmarshal(val, &job); err != nil {
				return err
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	sortJobs(jobs)
	return jobs, nil
}

// UpdateJob runs fn inside a badger transaction, retrying on write conflicts.
func (s *diskStore) UpdateJob(id string, fn func(*models.Job) error) (*models.Job, error) {
	var updated models.Job
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = s.db.Update(func(txn *badger.Txn) error {
			var job models.Job
			if err := getJSON(txn, jobKey(id), &job); err != nil {
				return err
			}
			if err := fn(&job); err != nil {
				return err
			}
			job.UpdatedAt = time.Now().UTC()
			data, err := json.Marshal(&job)
			if err != nil {
				return fmt.Errorf("failed to marshal job: %w", err)
			}
			updated = job
			return txn.Set(jobKey(id), data)
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *diskStore) DeleteJob(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(jobKey(id))
	})
}

func (s *diskStore) ClearJobs() error {
	return s.db.DropPrefix([]byte(jobPrefix))
}

func (s *diskStore) AddSession(session *models.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	key := fmt.Sprintf("%s%020d/%s", sessionPrefix, session.CreatedAt.UnixNano(), session.ID)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

func (s *diskStore) ListSessions() ([]*models.Session, error) {
	var sessions []*models.Session
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, []byte(sessionPrefix), func(val []byte) error {
			var session models.Session
			if err := json.Unmarshal(val, &session); err != nil {
				return err
			}
			sessions = append(sessions, &session)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

func (s *diskStore) ClearSessions() error {
	return s.db.DropPrefix([]byte(sessionPrefix))
}

func getJSON(txn *badger.Txn, key []byte, v interface{}) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func scanPrefix(txn *badger.Txn, prefix []byte, fn func(val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if err := it.Item().Value(fn); err != nil {
			return err
		}
	}
	return nil
}
