package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"lecture-assistant/pkg/logging"
	"lecture-assistant/pkg/models"
	"lecture-assistant/pkg/progress"
	"lecture-assistant/pkg/storage"
)

// DefaultChunkThreshold is the largest audio file sent to transcription in one piece.
const DefaultChunkThreshold = 24 * 1024 * 1024

// AudioTool extracts and splits audio.
type AudioTool interface {
	ExtractAudio(ctx context.Context, src, dest string) error
	Chunk(ctx context.Context, jobID, audioPath string, maxDuration float64) ([]models.AudioSegment, error)
}

// Transcriber turns audio into a transcript in source-media time.
type Transcriber interface {
	TranscribeOne(ctx context.Context, audioPath string) (models.Transcript, error)
	TranscribeAll(ctx context.Context, segments []models.AudioSegment, onSegment func(i, total int)) (models.Transcript, error)
}

// TranscriptSaver persists a transcript and returns the text file path.
type TranscriptSaver interface {
	Save(jobID string, tr models.Transcript) (string, error)
}

// Indexer makes a job's transcript searchable.
type Indexer interface {
	Index(ctx context.Context, jobID string) (int, error)
}

type RunnerConfig struct {
	UploadDir      string
	ChunkThreshold int64
	ChunkDuration  float64
}

// Runner drives one job from its uploaded file to an indexed transcript.
type Runner struct {
	cfg         RunnerConfig
	jobs        storage.JobStore
	audio       AudioTool
	transcriber Transcriber
	transcripts TranscriptSaver
	indexer     Indexer
	reporter    progress.Reporter
	log         logrus.FieldLogger
	stat        func(string) (os.FileInfo, error)
	remove      func(string) error
}

type Deps struct {
	Jobs        storage.JobStore
	Audio       AudioTool
	Transcriber Transcriber
	Transcripts TranscriptSaver
	Indexer     Indexer
	Reporter    progress.Reporter
	Logger      logrus.FieldLogger
}

func NewRunner(cfg RunnerConfig, deps Deps) *Runner {
	if cfg.ChunkThreshold <= 0 {
		cfg.ChunkThreshold = DefaultChunkThreshold
	}
	reporter := deps.Reporter
	if reporter == nil {
		reporter = progress.NewHub(nil)
	}
	return &Runner{
		cfg:         cfg,
		jobs:        deps.Jobs,
		audio:       deps.Audio,
		transcriber: deps.Transcriber,
		transcripts: deps.Transcripts,
		indexer:     deps.Indexer,
		reporter:    reporter,
		log:         logging.OrDiscard(deps.Logger),
		stat:        os.Stat,
		remove:      os.Remove,
	}
}

// SourcePath is where the uploaded file for jobID lives.
func (r *Runner) SourcePath(jobID string) string {
	return filepath.Join(r.cfg.UploadDir, jobID)
}

// AudioPath is where the extracted audio for jobID is written. The ".audio" infix keeps
// it apart from the upload itself when the upload is already an mp3.
func (r *Runner) AudioPath(jobID string) string {
	base := filepath.Base(jobID)
	return filepath.Join(r.cfg.UploadDir, strings.TrimSuffix(base, filepath.Ext(base))+".audio.mp3")
}

// Run processes jobID to a terminal state. The returned error is also recorded on the
// job; the job record, not the return value, is the result callers should read.
func (r *Runner) Run(ctx context.Context, jobID string) error {
	log := r.log.WithField("job_id", jobID)
	log.Info("job started")

	run := &jobRun{Runner: r, jobID: jobID, log: log}
	if err := run.start(); err != nil {
		return r.fail(jobID, log, err)
	}
	for _, stage := range run.stages() {
		if err := stage(ctx); err != nil {
			return r.fail(jobID, log, err)
		}
	}
	if err := run.finish(); err != nil {
		return r.fail(jobID, log, err)
	}
	log.Info("job done")
	return nil
}

func (r *Runner) fail(jobID string, log logrus.FieldLogger, cause error) error {
	log.WithError(cause).Error("job failed")
	_, err := r.jobs.UpdateJob(jobID, func(j *models.Job) error {
		if err := storage.Transition(j, models.StatusError); err != nil {
			return err
		}
		j.Progress = 0
		j.Stage = "error"
		j.Error = cause.Error()
		return nil
	})
	if err != nil && !errors.Is(err, storage.ErrJobNotFound) {
		log.WithError(err).Warn("could not record job failure")
	}
	r.reporter.Report(jobID, 0, "error")
	return cause
}
