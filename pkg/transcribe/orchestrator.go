package transcribe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"lecture-assistant/pkg/logging"
	"lecture-assistant/pkg/models"
)

// ErrTranscription marks a unit that kept failing after every attempt.
var ErrTranscription = errors.New("transcription failed")

const (
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 2 * time.Second
)

// Error reports which unit failed. Segment is -1 for single-shot transcription.
// Attempts counts the requests actually made, which is fewer than the retry limit
// when the context ends first.
type Error struct {
	Segment  int
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	if e.Segment < 0 {
		noun := "attempts"
		if e.Attempts == 1 {
			noun = "attempt"
		}
		return fmt.Sprintf("Transcription failed after %d %s: %v", e.Attempts, noun, e.Err)
	}
	return fmt.Sprintf("Transcription failed for chunk %d: %v", e.Segment+1, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == ErrTranscription
}

// Orchestrator drives audio through a Client with bounded retries and merges segment results.
type Orchestrator struct {
	client      Client
	maxAttempts int
	retryDelay  time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	remove      func(string) error
	log         logrus.FieldLogger
}

type Option func(*Orchestrator)

func WithRetry(maxAttempts int, delay time.Duration) Option {
	return func(o *Orchestrator) {
		if maxAttempts > 0 {
			o.maxAttempts = maxAttempts
		}
		if delay >= 0 {
			o.retryDelay = delay
		}
	}
}

// WithSleeper overrides how backoff waits are performed.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) {
		if sleep != nil {
			o.sleep = sleep
		}
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(o *Orchestrator) {
		o.log = logging.OrDiscard(l)
	}
}

func NewOrchestrator(client Client, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		client:      client,
		maxAttempts: DefaultMaxAttempts,
		retryDelay:  DefaultRetryDelay,
		sleep:       sleepContext,
		remove:      os.Remove,
		log:         logging.Discard(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// TranscribeOne transcribes a single file. Word times are returned unshifted.
func (o *Orchestrator) TranscribeOne(ctx context.Context, audioPath string) (models.Transcript, error) {
	res, err := o.withRetry(ctx, audioPath, -1)
	if err != nil {
		return models.Transcript{}, err
	}
	words := res.Words
	if words == nil {
		words = []models.WordTimestamp{}
	}
	return models.Transcript{Text: res.Text, Words: words}, nil
}

// TranscribeAll transcribes segments in order. Each segment's word times are shifted by
// its start offset so the merged list is in source-media time. onSegment, when set, is
// called before a segment's first attempt with its index and the segment count.
//
// Segment files are deleted once transcribed. When a segment exhausts its attempts the
// run stops there: the remaining segment files are deleted and an *Error is returned.
// Results from earlier segments are not returned.
func (o *Orchestrator) TranscribeAll(ctx context.Context, segments []models.AudioSegment, onSegment func(i, total int)) (models.Transcript, error) {
	texts := make([]string, 0, len(segments))
	words := make([]models.WordTimestamp, 0)

	for i, seg := range segments {
		if onSegment != nil {
			onSegment(i, len(segments))
		}
		res, err := o.withRetry(ctx, seg.Path, seg.Index)
		if err != nil {
			o.cleanup(segments[i:])
			return models.Transcript{}, err
		}

		if text := strings.TrimSpace(res.Text); text != "" {
			texts = append(texts, text)
		}
		words = append(words, ShiftWords(res.Words, seg.StartOffset)...)
		o.cleanup(segments[i : i+1])

		o.log.WithFields(logrus.Fields{
			"job_id":  seg.JobID,
			"segment": seg.Index,
			"words":   len(res.Words),
		}).Debug("segment transcribed")
	}

	return models.Transcript{Text: strings.Join(texts, " "), Words: words}, nil
}

// ShiftWords returns a copy of words with offset added to every start and end.
func ShiftWords(words []models.WordTimestamp, offset float64) []models.WordTimestamp {
	out := make([]models.WordTimestamp, len(words))
	for i, w := range words {
		out[i] = models.WordTimestamp{Word: w.Word, Start: w.Start + offset, End: w.End + offset}
	}
	return out
}

func (o *Orchestrator) withRetry(ctx context.Context, path string, segment int) (Result, error) {
	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		attempts = attempt
		res, err := o.client.Transcribe(ctx, path)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}

		o.log.WithFields(logrus.Fields{
			"audio":   path,
			"segment": segment,
			"attempt": attempt,
		}).WithError(err).Warn("transcription attempt failed")

		if attempt == o.maxAttempts {
			break
		}
		if err := o.sleep(ctx, o.retryDelay); err != nil {
			lastErr = err
			break
		}
	}
	return Result{}, &Error{Segment: segment, Attempts: attempts, Err: lastErr}
}

func (o *Orchestrator) cleanup(segments []models.AudioSegment) {
	for _, seg := range segments {
		if err := o.remove(seg.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			o.log.WithError(err).WithField("segment", seg.Path).Warn("failed to remove segment file")
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
