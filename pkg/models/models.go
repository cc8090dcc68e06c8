package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusDone       JobStatus = "done"
	StatusError      JobStatus = "error"
)

// Terminal reports whether no further transitions are allowed out of s.
func (s JobStatus) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// Job is the record of one ingestion run. The ID is the stored upload filename.
type Job struct {
	ID               string    `json:"filename"`
	Status           JobStatus `json:"status"`
	Progress         int       `json:"progress"`
	Stage            string    `json:"step,omitempty"`
	Error            string    `json:"error,omitempty"`
	AudioPath        string    `json:"audio_path,omitempty"`
	TranscriptPath   string    `json:"transcript_path,omitempty"`
	TranscriptLength int       `json:"transcript_length,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func NewJob(filename string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:        filename,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AudioSegment is one independently decodable slice of the extracted audio.
type AudioSegment struct {
	JobID       string  `json:"job_id"`
	Index       int     `json:"index"`
	StartOffset float64 `json:"start_offset"`
	Duration    float64 `json:"duration"`
	Path        string  `json:"path"`
}

// WordTimestamp holds a word and its time in the full source media, in seconds.
type WordTimestamp struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Transcript is merged transcription output for a whole job.
type Transcript struct {
	Text  string          `json:"text"`
	Words []WordTimestamp `json:"words"`
}

type TranscriptChunk struct {
	JobID string  `json:"video_id"`
	Index int     `json:"chunk_index"`
	Text  string  `json:"text"`
	Start float64 `json:"start_time"`
	End   float64 `json:"end_time"`
}

// Metadata returns the fields stored alongside the chunk text in a collection.
func (c TranscriptChunk) Metadata() map[string]interface{} {
	return map[string]interface{}{
		"video_id":      c.JobID,
		"chunk_index":   c.Index,
		"start_time":    c.Start,
		"end_time":      c.End,
		"timestamp":     FormatTimestamp(c.Start),
		"timestamp_end": FormatTimestamp(c.End),
	}
}

// FormatTimestamp renders seconds as MM:SS. Minutes are not wrapped into hours.
func FormatTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	total := int(seconds)
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}

type Session struct {
	ID        string    `json:"session_id"`
	Filename  string    `json:"filename"`
	CreatedAt time.Time `json:"created_at"`
}

func NewSession(filename string) *Session {
	return &Session{
		ID:        uuid.New().String(),
		Filename:  filename,
		CreatedAt: time.Now().UTC(),
	}
}

// ProgressEvent is pushed to listeners as a job moves through its stages.
type ProgressEvent struct {
	JobID    string `json:"filename"`
	Progress int    `json:"progress"`
	Step     string `json:"step,omitempty"`
}
