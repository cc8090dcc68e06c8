package progress

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"lecture-assistant/pkg/logging"
	"lecture-assistant/pkg/models"
)

// Listener receives progress events. Send must not block for long; slow
// listeners delay every other listener of the same report.
type Listener interface {
	Send(event models.ProgressEvent) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(models.ProgressEvent) error

func (f ListenerFunc) Send(event models.ProgressEvent) error {
	return f(event)
}

// Reporter is what pipeline stages call.
type Reporter interface {
	Report(jobID string, percent int, stage string)
}

// Hub fans progress events out to the listeners registered at the time of the report.
// Delivery is best effort: a listener whose Send fails is dropped and the others still
// receive the event. Late listeners get no replay; job records are the source of truth.
type Hub struct {
	mu        sync.RWMutex
	listeners map[string]Listener
	log       logrus.FieldLogger
}

func NewHub(log logrus.FieldLogger) *Hub {
	return &Hub{
		listeners: make(map[string]Listener),
		log:       logging.OrDiscard(log),
	}
}

// Register adds l and returns a function that removes it.
func (h *Hub) Register(l Listener) (unregister func()) {
	id := uuid.NewString()
	h.mu.Lock()
	h.listeners[id] = l
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.listeners, id)
		h.mu.Unlock()
	}
}

// Len returns the number of registered listeners.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}

func (h *Hub) Report(jobID string, percent int, stage string) {
	event := models.ProgressEvent{JobID: jobID, Progress: percent, Step: stage}

	h.mu.RLock()
	targets := make(map[string]Listener, len(h.listeners))
	for id, l := range h.listeners {
		targets[id] = l
	}
	h.mu.RUnlock()

	var failed []string
	for id, l := range targets {
		if err := l.Send(event); err != nil {
			h.log.WithError(err).WithField("job_id", jobID).Debug("dropping progress listener")
			failed = append(failed, id)
		}
	}
	if len(failed) > 0 {
		h.mu.Lock()
		for _, id := range failed {
			delete(h.listeners, id)
		}
		h.mu.Unlock()
	}
}

// Recorder keeps every event it receives. It is used to observe a run in tests
// and by callers that want a per-job history.
type Recorder struct {
	mu     sync.Mutex
	events []models.ProgressEvent
}

func (r *Recorder) Send(event models.ProgressEvent) error {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	return nil
}

// Events returns the events recorded for jobID, in arrival order.
func (r *Recorder) Events(jobID string) []models.ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.ProgressEvent
	for _, e := range r.events {
		if e.JobID == jobID {
			out = append(out, e)
		}
	}
	return out
}
