package index

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"lecture-assistant/pkg/llm"
	"lecture-assistant/pkg/logging"
	"lecture-assistant/pkg/models"
	"lecture-assistant/pkg/vectorstore"
)

// ErrIndexing wraps every failure of Index.
var ErrIndexing = errors.New("indexing failed")

const embedBatchSize = 100

// TranscriptSource loads a persisted transcript with its word timestamps.
type TranscriptSource interface {
	Load(jobID string) (models.Transcript, error)
}

// VectorWriter stores embedded documents in a named collection.
type VectorWriter interface {
	Upsert(ctx context.Context, collection string, docs []vectorstore.Document) error
}

type Indexer struct {
	transcripts TranscriptSource
	embedder    llm.Embedder
	vectors     VectorWriter
	splitter    *Splitter
	log         logrus.FieldLogger
}

type Option func(*Indexer)

func WithSplitter(s *Splitter) Option {
	return func(ix *Indexer) {
		ix.splitter = s
	}
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(ix *Indexer) {
		ix.log = log
	}
}

func NewIndexer(transcripts TranscriptSource, embedder llm.Embedder, vectors VectorWriter, opts ...Option) *Indexer {
	ix := &Indexer{
		transcripts: transcripts,
		embedder:    embedder,
		vectors:     vectors,
	}
	for _, opt := range opts {
		opt(ix)
	}
	if ix.splitter == nil {
		ix.splitter = NewSplitter(DefaultChunkSize, DefaultChunkOverlap)
	}
	ix.log = logging.OrDiscard(ix.log)
	return ix
}

// Chunks splits a transcript into windows and attaches their estimated time spans.
func (ix *Indexer) Chunks(jobID string, tr models.Transcript) []models.TranscriptChunk {
	windows := ix.splitter.Split(tr.Text)
	chunks := make([]models.TranscriptChunk, 0, len(windows))
	for i, w := range windows {
		start, end := Align(w, tr.Words)
		chunks = append(chunks, models.TranscriptChunk{
			JobID: jobID,
			Index: i,
			Text:  w,
			Start: start,
			End:   end,
		})
	}
	return chunks
}

// Index embeds the job's transcript windows into the job's collection and returns
// how many were written. Documents get fresh ids, so indexing a job twice appends.
func (ix *Indexer) Index(ctx context.Context, jobID string) (int, error) {
	log := ix.log.WithField("job_id", jobID)

	tr, err := ix.transcripts.Load(jobID)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrIndexing, err)
	}
	chunks := ix.Chunks(jobID, tr)
	if len(chunks) == 0 {
		log.Warn("transcript is empty, nothing to index")
		return 0, nil
	}
	log.WithFields(logrus.Fields{"windows": len(chunks), "words": len(tr.Words)}).Info("indexing transcript")

	collection := CollectionName(jobID)
	for startIdx := 0; startIdx < len(chunks); startIdx += embedBatchSize {
		batch := chunks[startIdx:min(startIdx+embedBatchSize, len(chunks))]
		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}
		vecs, err := ix.embedder.Embed(ctx, texts)
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrIndexing, err)
		}
		if len(vecs) != len(batch) {
			return 0, fmt.Errorf("%w: got %d embeddings for %d windows", ErrIndexing, len(vecs), len(batch))
		}
		docs := make([]vectorstore.Document, len(batch))
		for i, c := range batch {
			docs[i] = vectorstore.Document{
				ID:        uuid.NewString(),
				Text:      c.Text,
				Metadata:  c.Metadata(),
				Embedding: vecs[i],
			}
		}
		if err := ix.vectors.Upsert(ctx, collection, docs); err != nil {
			return 0, fmt.Errorf("%w: %w", ErrIndexing, err)
		}
	}

	log.WithField("collection", collection).Info("transcript indexed")
	return len(chunks), nil
}
