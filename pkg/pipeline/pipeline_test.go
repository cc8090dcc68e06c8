package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"lecture-assistant/pkg/config"
	"lecture-assistant/pkg/models"
	"lecture-assistant/pkg/storage"
)

// blockingRunner signals when a job starts and holds it until released or cancelled.
type blockingRunner struct {
	started chan string
	release chan struct{}
	done    chan string
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{
		started: make(chan string, 10),
		release: make(chan struct{}),
		done:    make(chan string, 10),
	}
}

func (b *blockingRunner) Run(ctx context.Context, jobID string) error {
	b.started <- jobID
	defer func() { b.done <- jobID }()
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func waitFor(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("got job %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
}

func TestManagerAdmissionControl(t *testing.T) {
	runner := newBlockingRunner()
	m := NewManager(config.PipelineConfig{Workers: 1, QueueSize: 1}, runner, storage.NewMemoryStore(), nil)

	if err := m.Submit("a.mp4"); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("submit before start err = %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	if err := m.Submit("a.mp4"); err != nil {
		t.Fatalf("Submit a: %v", err)
	}
	waitFor(t, runner.started, "a.mp4")

	if err := m.Submit("a.mp4"); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("running duplicate err = %v", err)
	}
	if err := m.Submit("b.mp4"); err != nil {
		t.Fatalf("Submit b: %v", err)
	}
	if err := m.Submit("b.mp4"); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("queued duplicate err = %v", err)
	}
	if err := m.Submit("c.mp4"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("full queue err = %v", err)
	}
	if !m.Active("a.mp4") || !m.Active("b.mp4") || m.Active("c.mp4") {
		t.Fatal("active set is wrong")
	}

	close(runner.release)
	waitFor(t, runner.done, "a.mp4")
	waitFor(t, runner.started, "b.mp4")
	waitFor(t, runner.done, "b.mp4")

	deadline := time.Now().Add(2 * time.Second)
	for m.Active("a.mp4") || m.Active("b.mp4") {
		if time.Now().After(deadline) {
			t.Fatal("finished jobs still active")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := m.Submit("a.mp4"); err != nil {
		t.Fatalf("resubmit after finish: %v", err)
	}
}

func TestManagerStopAbandonsQueuedJobs(t *testing.T) {
	runner := newBlockingRunner()
	store := storage.NewMemoryStore()
	for _, id := range []string{"a.mp4", "b.mp4"} {
		if err := store.CreateJob(models.NewJob(id)); err != nil {
			t.Fatal(err)
		}
	}
	m := NewManager(config.PipelineConfig{Workers: 1, QueueSize: 2}, runner, store, nil)
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := m.Submit("a.mp4"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, runner.started, "a.mp4")
	if err := m.Submit("b.mp4"); err != nil {
		t.Fatal(err)
	}

	m.Stop()

	waitFor(t, runner.done, "a.mp4")
	job, _ := store.GetJob("b.mp4")
	if job.Status != models.StatusError || job.Error != ErrShuttingDown.Error() {
		t.Fatalf("queued job after stop = %+v", job)
	}
	if err := m.Submit("c.mp4"); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("submit after stop err = %v", err)
	}
	m.Stop()
}

func TestWorkerPoolRunsEverySubmittedJob(t *testing.T) {
	seen := make(chan string, 5)
	pool := NewWorkerPool(3, 5, func(_ context.Context, id string) { seen <- id })
	pool.Start(context.Background())
	for _, id := range []string{"1", "2", "3", "4", "5"} {
		if !pool.TrySubmit(id) {
			t.Fatalf("queue rejected %s", id)
		}
	}
	if pending := pool.Stop(); len(pending) != 0 {
		t.Fatalf("pending = %v", pending)
	}
	close(seen)
	got := map[string]bool{}
	for id := range seen {
		got[id] = true
	}
	if len(got) != 5 {
		t.Fatalf("ran %v", got)
	}
}
