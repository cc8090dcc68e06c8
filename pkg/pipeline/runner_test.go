package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"lecture-assistant/pkg/media"
	"lecture-assistant/pkg/models"
	"lecture-assistant/pkg/progress"
	"lecture-assistant/pkg/storage"
	"lecture-assistant/pkg/transcribe"
)

const testJob = "lecture_20240101T000000.mp4"

// ffmpegFake answers ffprobe with a fixed duration and writes ffmpeg outputs.
type ffmpegFake struct {
	mu         sync.Mutex
	duration   float64
	audioBytes int
	extractErr error
	probeErr   error
	calls      []string
}

func (f *ffmpegFake) Run(_ context.Context, name string, args ...string) (media.CommandResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name+" "+strings.Join(args, " "))
	f.mu.Unlock()

	if name == "ffprobe" {
		if f.probeErr != nil {
			return media.CommandResult{ExitCode: 1, Stderr: "moov atom not found"}, f.probeErr
		}
		return media.CommandResult{Stdout: fmt.Sprintf(`{"format":{"duration":"%.3f","format_name":"mp3"}}`, f.duration)}, nil
	}
	out := args[len(args)-1]
	isSegment := strings.Contains(out, "_chunk_")
	if !isSegment && f.extractErr != nil {
		return media.CommandResult{ExitCode: 1, Stderr: "Invalid data found when processing input"}, f.extractErr
	}
	size := 16
	if !isSegment {
		size = f.audioBytes
	}
	return media.CommandResult{}, os.WriteFile(out, make([]byte, size), 0o644)
}

// scriptedClient returns per-file transcripts with local word times and can fail.
type scriptedClient struct {
	mu       sync.Mutex
	failures map[string]int
	calls    map[string]int
}

func (c *scriptedClient) Transcribe(_ context.Context, path string) (transcribe.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = make(map[string]int)
	}
	name := filepath.Base(path)
	c.calls[name]++
	if c.failures[name] > 0 {
		c.failures[name]--
		return transcribe.Result{}, errors.New("API error 503: overloaded")
	}
	return transcribe.Result{
		Text: "words from " + name,
		Words: []models.WordTimestamp{
			{Word: "words", Start: 1.0, End: 1.4},
			{Word: "from", Start: 590.0, End: 590.5},
		},
	}, nil
}

type recordingIndexer struct {
	err  error
	jobs []string
}

func (r *recordingIndexer) Index(_ context.Context, jobID string) (int, error) {
	r.jobs = append(r.jobs, jobID)
	if r.err != nil {
		return 0, r.err
	}
	return 3, nil
}

type harness struct {
	dir      string
	store    storage.Store
	ffmpeg   *ffmpegFake
	client   *scriptedClient
	indexer  *recordingIndexer
	recorder *progress.Recorder
	runner   *Runner
}

func newHarness(t *testing.T, threshold int64) *harness {
	t.Helper()
	h := &harness{
		dir:      t.TempDir(),
		store:    storage.NewMemoryStore(),
		ffmpeg:   &ffmpegFake{duration: 1200, audioBytes: 100},
		client:   &scriptedClient{failures: map[string]int{}},
		indexer:  &recordingIndexer{},
		recorder: &progress.Recorder{},
	}
	hub := progress.NewHub(nil)
	hub.Register(h.recorder)

	tool := media.NewTool("ffmpeg", "ffprobe", media.WithRunner(h.ffmpeg))
	orch := transcribe.NewOrchestrator(h.client, transcribe.WithSleeper(func(context.Context, time.Duration) error { return nil }))
	h.runner = NewRunner(RunnerConfig{
		UploadDir:      h.dir,
		ChunkThreshold: threshold,
		ChunkDuration:  600,
	}, Deps{
		Jobs:        h.store,
		Audio:       tool,
		Transcriber: orch,
		Transcripts: storage.NewTranscriptStore(h.dir),
		Indexer:     h.indexer,
		Reporter:    hub,
	})

	if err := os.WriteFile(filepath.Join(h.dir, testJob), []byte("video"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := h.store.CreateJob(models.NewJob(testJob)); err != nil {
		t.Fatal(err)
	}
	return h
}

type step struct {
	progress int
	stage    string
}

func steps(events []models.ProgressEvent) []step {
	out := make([]step, len(events))
	for i, e := range events {
		out[i] = step{e.Progress, e.Step}
	}
	return out
}

func assertSteps(t *testing.T, got []models.ProgressEvent, want []step) {
	t.Helper()
	gs := steps(got)
	if len(gs) != len(want) {
		t.Fatalf("events = %v, want %v", gs, want)
	}
	for i := range want {
		if gs[i] != want[i] {
			t.Fatalf("event %d = %v, want %v (all: %v)", i, gs[i], want[i], gs)
		}
	}
}

// Progress never decreases until the terminal event, which is 100 or 0.
func assertProgressShape(t *testing.T, events []models.ProgressEvent) {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("no progress events")
	}
	last := events[len(events)-1]
	if last.Progress != 100 && last.Progress != 0 {
		t.Fatalf("terminal progress = %d", last.Progress)
	}
	for i := 1; i < len(events)-1; i++ {
		if events[i].Progress < events[i-1].Progress {
			t.Fatalf("progress decreased at event %d: %v", i, steps(events))
		}
	}
}

func TestRunChunkedLecture(t *testing.T) {
	h := newHarness(t, 50)

	if err := h.runner.Run(context.Background(), testJob); err != nil {
		t.Fatalf("Run: %v", err)
	}

	assertSteps(t, h.recorder.Events(testJob), []step{
		{5, "uploading"},
		{10, "extracting_audio"},
		{30, "audio_extracted"},
		{35, "chunking_large_audio"},
		{40, "transcribing_chunk_1_of_2"},
		{50, "transcribing_chunk_2_of_2"},
		{60, "transcription_done"},
		{70, "chunking_and_embedding"},
		{100, "done"},
	})

	job, _ := h.store.GetJob(testJob)
	if job.Status != models.StatusDone || job.Progress != 100 || job.Stage != "done" {
		t.Fatalf("job = %+v", job)
	}
	if job.TranscriptLength == 0 || job.TranscriptPath == "" {
		t.Fatalf("transcript not recorded: %+v", job)
	}

	tr, err := storage.NewTranscriptStore(h.dir).Load(testJob)
	if err != nil {
		t.Fatalf("load transcript: %v", err)
	}
	wantText := "words from lecture_20240101T000000.audio_chunk_000.mp3 words from lecture_20240101T000000.audio_chunk_001.mp3"
	if tr.Text != wantText {
		t.Fatalf("text = %q", tr.Text)
	}
	if len(tr.Words) != 4 || tr.Words[2].Start != 601.0 || tr.Words[3].End != 1190.5 {
		t.Fatalf("words not offset by segment start: %+v", tr.Words)
	}
	for i := 1; i < len(tr.Words); i++ {
		if tr.Words[i].Start < tr.Words[i-1].Start {
			t.Fatalf("words out of order: %+v", tr.Words)
		}
	}

	if len(h.indexer.jobs) != 1 || h.indexer.jobs[0] != testJob {
		t.Fatalf("indexed = %v", h.indexer.jobs)
	}
	for _, name := range []string{"lecture_20240101T000000.audio.mp3", "lecture_20240101T000000.audio_chunk_000.mp3", "lecture_20240101T000000.audio_chunk_001.mp3"} {
		if _, err := os.Stat(filepath.Join(h.dir, name)); !os.IsNotExist(err) {
			t.Errorf("%s should have been removed", name)
		}
	}
	assertProgressShape(t, h.recorder.Events(testJob))
}

func TestRunSingleShot(t *testing.T) {
	h := newHarness(t, DefaultChunkThreshold)

	if err := h.runner.Run(context.Background(), testJob); err != nil {
		t.Fatalf("Run: %v", err)
	}
	assertSteps(t, h.recorder.Events(testJob), []step{
		{5, "uploading"},
		{10, "extracting_audio"},
		{30, "audio_extracted"},
		{40, "transcribing_audio"},
		{60, "transcription_done"},
		{70, "chunking_and_embedding"},
		{100, "done"},
	})
	for _, call := range h.ffmpeg.calls {
		if strings.HasPrefix(call, "ffprobe") {
			t.Fatalf("small audio should not be probed for chunking: %s", call)
		}
	}
	tr, _ := storage.NewTranscriptStore(h.dir).Load(testJob)
	if tr.Words[1].Start != 590.0 {
		t.Fatalf("single shot words must not be shifted: %+v", tr.Words)
	}
}

func TestRunRetriesTransientTranscriptionFailures(t *testing.T) {
	h := newHarness(t, 50)
	h.client.failures["lecture_20240101T000000.audio_chunk_001.mp3"] = 2

	if err := h.runner.Run(context.Background(), testJob); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := h.client.calls["lecture_20240101T000000.audio_chunk_001.mp3"]; got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
	job, _ := h.store.GetJob(testJob)
	if job.Status != models.StatusDone {
		t.Fatalf("status = %s", job.Status)
	}
}

func TestRunFailures(t *testing.T) {
	cases := []struct {
		name      string
		threshold int64
		setup     func(h *harness)
		is        error
		message   string
		lastStage string
	}{
		{
			name:      "extraction",
			threshold: 50,
			setup:     func(h *harness) { h.ffmpeg.extractErr = errors.New("exit status 1") },
			message:   "Audio extraction failed: ",
			lastStage: "extracting_audio",
		},
		{
			name:      "chunking",
			threshold: 50,
			setup:     func(h *harness) { h.ffmpeg.probeErr = errors.New("exit status 1") },
			is:        media.ErrChunking,
			message:   "Failed to chunk large audio file",
			lastStage: "chunking_large_audio",
		},
		{
			name:      "transcription of a segment",
			threshold: 50,
			setup:     func(h *harness) { h.client.failures["lecture_20240101T000000.audio_chunk_001.mp3"] = 3 },
			is:        transcribe.ErrTranscription,
			message:   "Transcription failed for chunk 2: API error 503: overloaded",
			lastStage: "transcribing_chunk_2_of_2",
		},
		{
			name:      "single shot transcription",
			threshold: DefaultChunkThreshold,
			setup:     func(h *harness) { h.client.failures["lecture_20240101T000000.audio.mp3"] = 3 },
			is:        transcribe.ErrTranscription,
			message:   "Transcription failed after 3 attempts: API error 503: overloaded",
			lastStage: "transcribing_audio",
		},
		{
			name:      "indexing",
			threshold: DefaultChunkThreshold,
			setup:     func(h *harness) { h.indexer.err = errors.New("indexing failed: quota") },
			message:   "indexing failed: quota",
			lastStage: "chunking_and_embedding",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, tc.threshold)
			tc.setup(h)

			err := h.runner.Run(context.Background(), testJob)
			if err == nil {
				t.Fatal("expected error")
			}
			if tc.is != nil && !errors.Is(err, tc.is) {
				t.Fatalf("err = %v, want %v", err, tc.is)
			}

			job, _ := h.store.GetJob(testJob)
			if job.Status != models.StatusError || job.Progress != 0 {
				t.Fatalf("job = %+v", job)
			}
			if !strings.HasPrefix(job.Error, tc.message) {
				t.Fatalf("job error = %q, want prefix %q", job.Error, tc.message)
			}

			events := h.recorder.Events(testJob)
			assertProgressShape(t, events)
			if last := events[len(events)-1]; last.Progress != 0 || last.Step != "error" {
				t.Fatalf("terminal event = %+v", last)
			}
			if before := events[len(events)-2]; before.Step != tc.lastStage {
				t.Fatalf("last stage before failure = %q, want %q", before.Step, tc.lastStage)
			}
			for _, name := range []string{"lecture_20240101T000000.audio_chunk_000.mp3", "lecture_20240101T000000.audio_chunk_001.mp3"} {
				if _, err := os.Stat(filepath.Join(h.dir, name)); !os.IsNotExist(err) {
					t.Errorf("segment %s left behind", name)
				}
			}
		})
	}
}

func TestRunRejectsFinishedJob(t *testing.T) {
	h := newHarness(t, DefaultChunkThreshold)
	if err := h.runner.Run(context.Background(), testJob); err != nil {
		t.Fatal(err)
	}
	err := h.runner.Run(context.Background(), testJob)
	if !errors.Is(err, storage.ErrInvalidTransition) {
		t.Fatalf("err = %v", err)
	}
	job, _ := h.store.GetJob(testJob)
	if job.Status != models.StatusDone || job.Progress != 100 {
		t.Fatalf("finished job was modified: %+v", job)
	}
}

func TestAudioPath(t *testing.T) {
	r := NewRunner(RunnerConfig{UploadDir: "uploads"}, Deps{})
	tests := []struct {
		jobID, want string
	}{
		{"talk.v2_20240101T000000.mov", "talk.v2_20240101T000000.audio.mp3"},
		{"talk_20240101T000000.mp3", "talk_20240101T000000.audio.mp3"},
	}
	for _, tt := range tests {
		got := r.AudioPath(tt.jobID)
		if got != filepath.Join("uploads", tt.want) {
			t.Errorf("AudioPath(%q) = %q", tt.jobID, got)
		}
		if got == r.SourcePath(tt.jobID) {
			t.Errorf("AudioPath(%q) overwrites the upload", tt.jobID)
		}
	}
}

func TestRunAudioUploadKeepsSource(t *testing.T) {
	h := newHarness(t, 50)
	const jobID = "talk_20240101T000000.mp3"
	source := filepath.Join(h.dir, jobID)
	if err := os.WriteFile(source, []byte("lecture audio"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := h.store.CreateJob(models.NewJob(jobID)); err != nil {
		t.Fatal(err)
	}

	if err := h.runner.Run(context.Background(), jobID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var extract string
	for _, call := range h.ffmpeg.calls {
		if strings.HasPrefix(call, "ffmpeg") && !strings.Contains(call, "_chunk_") {
			extract = call
		}
	}
	if !strings.Contains(extract, "-i "+source+" ") || !strings.HasSuffix(extract, " "+filepath.Join(h.dir, "talk_20240101T000000.audio.mp3")) {
		t.Fatalf("extraction call = %q", extract)
	}
	data, err := os.ReadFile(source)
	if err != nil || string(data) != "lecture audio" {
		t.Fatalf("uploaded source after run = %q, %v", data, err)
	}
	job, _ := h.store.GetJob(jobID)
	if job.Status != models.StatusDone {
		t.Fatalf("job = %+v", job)
	}
}
