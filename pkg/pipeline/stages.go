package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"lecture-assistant/pkg/models"
	"lecture-assistant/pkg/storage"
)

// StageError is a stage failure. Message is what the job record shows; Err keeps the cause.
type StageError struct {
	Stage   string
	Message string
	Err     error
}

func (e *StageError) Error() string {
	return e.Message
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// jobRun carries the state one Run passes between its stages.
type jobRun struct {
	*Runner
	jobID      string
	log        logrus.FieldLogger
	audioPath  string
	transcript models.Transcript
	textPath   string
}

func (j *jobRun) stages() []func(context.Context) error {
	return []func(context.Context) error{
		j.extract,
		j.transcribe,
		j.persist,
		j.index,
	}
}

// step records progress on the job and broadcasts it.
func (j *jobRun) step(percent int, stage string) error {
	_, err := j.jobs.UpdateJob(j.jobID, func(job *models.Job) error {
		job.Progress = percent
		job.Stage = stage
		return nil
	})
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	j.log.WithFields(logrus.Fields{"progress": percent, "stage": stage}).Debug("progress")
	j.reporter.Report(j.jobID, percent, stage)
	return nil
}

func (j *jobRun) start() error {
	_, err := j.jobs.UpdateJob(j.jobID, func(job *models.Job) error {
		if err := storage.Transition(job, models.StatusProcessing); err != nil {
			return err
		}
		job.Progress = 5
		job.Stage = "uploading"
		job.Error = ""
		return nil
	})
	if err != nil {
		return err
	}
	j.reporter.Report(j.jobID, 5, "uploading")
	return nil
}

func (j *jobRun) extract(ctx context.Context) error {
	if err := j.step(10, "extracting_audio"); err != nil {
		return err
	}
	j.audioPath = j.AudioPath(j.jobID)
	if err := j.audio.ExtractAudio(ctx, j.SourcePath(j.jobID), j.audioPath); err != nil {
		return &StageError{Stage: "extracting_audio", Message: fmt.Sprintf("Audio extraction failed: %v", err), Err: err}
	}
	return j.step(30, "audio_extracted")
}

func (j *jobRun) transcribe(ctx context.Context) error {
	info, err := j.stat(j.audioPath)
	if err != nil {
		return &StageError{Stage: "audio_extracted", Message: fmt.Sprintf("Audio extraction failed: %v", err), Err: err}
	}
	size := info.Size()
	log := j.log.WithField("audio_size", humanize.Bytes(uint64(size)))

	if size <= j.cfg.ChunkThreshold {
		log.Info("transcribing audio in one piece")
		if err := j.step(40, "transcribing_audio"); err != nil {
			return err
		}
		j.transcript, err = j.transcriber.TranscribeOne(ctx, j.audioPath)
		if err != nil {
			return err
		}
		return j.step(60, "transcription_done")
	}

	log.WithField("threshold", humanize.Bytes(uint64(j.cfg.ChunkThreshold))).Info("audio over size limit, chunking")
	if err := j.step(35, "chunking_large_audio"); err != nil {
		return err
	}
	segments, err := j.audio.Chunk(ctx, j.jobID, j.audioPath, j.cfg.ChunkDuration)
	if err != nil {
		return &StageError{Stage: "chunking_large_audio", Message: "Failed to chunk large audio file", Err: err}
	}
	j.log.WithField("segments", len(segments)).Info("audio chunked")

	var stepErr error
	j.transcript, err = j.transcriber.TranscribeAll(ctx, segments, func(i, total int) {
		if stepErr == nil {
			stepErr = j.step(40+i*20/total, fmt.Sprintf("transcribing_chunk_%d_of_%d", i+1, total))
		}
	})
	if err != nil {
		return err
	}
	if stepErr != nil {
		return stepErr
	}
	return j.step(60, "transcription_done")
}

func (j *jobRun) persist(context.Context) error {
	path, err := j.transcripts.Save(j.jobID, j.transcript)
	if err != nil {
		return &StageError{Stage: "transcription_done", Message: fmt.Sprintf("Failed to save transcript: %v", err), Err: err}
	}
	j.textPath = path
	j.log.WithFields(logrus.Fields{
		"transcript": path,
		"characters": len(j.transcript.Text),
		"words":      len(j.transcript.Words),
	}).Info("transcript saved")
	return nil
}

func (j *jobRun) index(ctx context.Context) error {
	if err := j.step(70, "chunking_and_embedding"); err != nil {
		return err
	}
	if _, err := j.indexer.Index(ctx, j.jobID); err != nil {
		return err
	}
	if err := j.remove(j.audioPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		j.log.WithError(err).Warn("failed to remove extracted audio")
	}
	return nil
}

func (j *jobRun) finish() error {
	_, err := j.jobs.UpdateJob(j.jobID, func(job *models.Job) error {
		if err := storage.Transition(job, models.StatusDone); err != nil {
			return err
		}
		job.Progress = 100
		job.Stage = "done"
		job.AudioPath = j.audioPath
		job.TranscriptPath = j.textPath
		job.TranscriptLength = len(j.transcript.Text)
		return nil
	})
	if err != nil {
		return err
	}
	j.reporter.Report(j.jobID, 100, "done")
	return nil
}
