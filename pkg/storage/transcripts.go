package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"lecture-assistant/pkg/models"
)

// TranscriptStore keeps transcripts as files next to the uploads:
// <base>.transcript.txt for the text and <base>.transcript_detailed.json for text plus word timestamps.
type TranscriptStore struct {
	dir string
}

func NewTranscriptStore(dir string) *TranscriptStore {
	return &TranscriptStore{dir: dir}
}

func baseName(jobID string) string {
	name := filepath.Base(jobID)
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// TextPath returns where the plain transcript for jobID is stored.
func (s *TranscriptStore) TextPath(jobID string) string {
	return filepath.Join(s.dir, baseName(jobID)+".transcript.txt")
}

// DetailPath returns where the word-level transcript for jobID is stored.
func (s *TranscriptStore) DetailPath(jobID string) string {
	return filepath.Join(s.dir, baseName(jobID)+".transcript_detailed.json")
}

// Save writes both files and returns the text path.
func (s *TranscriptStore) Save(jobID string, tr models.Transcript) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create transcript directory: %w", err)
	}
	textPath := s.TextPath(jobID)
	if err := os.WriteFile(textPath, []byte(tr.Text), 0o644); err != nil {
		return "", fmt.Errorf("write transcript: %w", err)
	}
	if tr.Words == nil {
		tr.Words = []models.WordTimestamp{}
	}
	data, err := json.MarshalIndent(tr, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode detailed transcript: %w", err)
	}
	if err := os.WriteFile(s.DetailPath(jobID), data, 0o644); err != nil {
		return "", fmt.Errorf("write detailed transcript: %w", err)
	}
	return textPath, nil
}

// Load reads the transcript text and, when present, its word timestamps.
// A missing detail file yields an empty word list.
func (s *TranscriptStore) Load(jobID string) (models.Transcript, error) {
	text, err := os.ReadFile(s.TextPath(jobID))
	if err != nil {
		return models.Transcript{}, fmt.Errorf("read transcript for %s: %w", jobID, err)
	}
	tr := models.Transcript{Text: string(text), Words: []models.WordTimestamp{}}

	data, err := os.ReadFile(s.DetailPath(jobID))
	switch {
	case os.IsNotExist(err):
		return tr, nil
	case err != nil:
		return models.Transcript{}, fmt.Errorf("read detailed transcript for %s: %w", jobID, err)
	}
	var detail models.Transcript
	if err := json.Unmarshal(data, &detail); err != nil {
		return models.Transcript{}, fmt.Errorf("decode detailed transcript for %s: %w", jobID, err)
	}
	if detail.Words != nil {
		tr.Words = detail.Words
	}
	return tr, nil
}
