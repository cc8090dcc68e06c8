package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"lecture-assistant/pkg/logging"
	"lecture-assistant/pkg/models"
)

var (
	// ErrUnreadableMedia is returned when the container cannot be probed or has no duration.
	ErrUnreadableMedia = errors.New("unreadable media")
	// ErrChunking is returned when splitting audio fails. Chunking is never retried.
	ErrChunking = errors.New("chunking failed")
)

// DefaultChunkDuration is the segment length in seconds used when none is configured.
const DefaultChunkDuration = 600.0

// Info holds the facts the pipeline needs about a media file.
type Info struct {
	Duration   float64
	FormatName string
	Size       int64
}

// Tool wraps ffmpeg and ffprobe.
type Tool struct {
	ffmpegPath  string
	ffprobePath string
	runner      CommandRunner
	remove      func(string) error
	log         logrus.FieldLogger
}

type Option func(*Tool)

// WithRunner replaces the command runner.
func WithRunner(r CommandRunner) Option {
	return func(t *Tool) {
		if r != nil {
			t.runner = r
		}
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(t *Tool) {
		t.log = logging.OrDiscard(l)
	}
}

func NewTool(ffmpegPath, ffprobePath string, opts ...Option) *Tool {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	t := &Tool{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		runner:      ExecRunner{},
		remove:      os.Remove,
		log:         logging.Discard(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

type probeOutput struct {
	Format struct {
		Duration   string `json:"duration"`
		FormatName string `json:"format_name"`
		Size       string `json:"size"`
	} `json:"format"`
}

// Probe reads the container duration and format with ffprobe. It has no side effects.
func (t *Tool) Probe(ctx context.Context, path string) (Info, error) {
	args := []string{"-v", "quiet", "-print_format", "json", "-show_format", path}
	res, err := t.runner.Run(ctx, t.ffprobePath, args...)
	if err != nil {
		cmdErr := &CommandError{Op: "probe", Command: t.ffprobePath, ExitCode: res.ExitCode, Stderr: res.Stderr, Err: err}
		return Info{}, fmt.Errorf("%w: %w", ErrUnreadableMedia, cmdErr)
	}

	var out probeOutput
	if err := json.Unmarshal([]byte(res.Stdout), &out); err != nil {
		return Info{}, fmt.Errorf("%w: decode ffprobe output for %s: %v", ErrUnreadableMedia, path, err)
	}
	raw := strings.TrimSpace(out.Format.Duration)
	if raw == "" {
		return Info{}, fmt.Errorf("%w: no duration reported for %s", ErrUnreadableMedia, path)
	}
	duration, err := strconv.ParseFloat(raw, 64)
	if err != nil || duration < 0 || math.IsNaN(duration) || math.IsInf(duration, 0) {
		return Info{}, fmt.Errorf("%w: invalid duration %q for %s", ErrUnreadableMedia, raw, path)
	}

	info := Info{Duration: duration, FormatName: out.Format.FormatName}
	if out.Format.Size != "" {
		info.Size, _ = strconv.ParseInt(out.Format.Size, 10, 64)
	}
	return info, nil
}

// ExtractAudio writes the full-length audio track of src to dest as mp3, dropping video.
func (t *Tool) ExtractAudio(ctx context.Context, src, dest string) error {
	if filepath.Clean(src) == filepath.Clean(dest) {
		return fmt.Errorf("extract audio: output %s would overwrite the input", dest)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create audio directory: %w", err)
	}
	args := []string{"-hide_banner", "-nostdin", "-y", "-i", src, "-vn", "-acodec", "libmp3lame", dest}
	res, err := t.runner.Run(ctx, t.ffmpegPath, args...)
	if err != nil {
		return &CommandError{Op: "extract audio", Command: t.ffmpegPath, ExitCode: res.ExitCode, Stderr: res.Stderr, Err: err}
	}
	t.log.WithFields(logrus.Fields{"source": src, "audio": dest}).Debug("audio track extracted")
	return nil
}

// SegmentCount returns how many segments of at most maxDuration seconds cover total seconds.
func SegmentCount(total, maxDuration float64) int {
	if total <= 0 || maxDuration <= 0 {
		return 0
	}
	return int(math.Ceil(total / maxDuration))
}

// SegmentBounds returns the [start, start+duration) window of segment i.
func SegmentBounds(i int, total, maxDuration float64) (start, duration float64) {
	start = float64(i) * maxDuration
	end := math.Min(total, start+maxDuration)
	return start, end - start
}

// SegmentPath names segment i of audioPath; re-chunking the same file overwrites it.
func SegmentPath(audioPath string, i int) string {
	base := strings.TrimSuffix(audioPath, filepath.Ext(audioPath))
	return fmt.Sprintf("%s_chunk_%03d.mp3", base, i)
}

// Chunk splits audioPath into independently encoded segments of at most maxDuration seconds.
// Any extraction failure removes the segments already written and returns ErrChunking.
func (t *Tool) Chunk(ctx context.Context, jobID, audioPath string, maxDuration float64) ([]models.AudioSegment, error) {
	if maxDuration <= 0 {
		maxDuration = DefaultChunkDuration
	}
	info, err := t.Probe(ctx, audioPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrChunking, err)
	}

	n := SegmentCount(info.Duration, maxDuration)
	if n == 0 {
		return nil, fmt.Errorf("%w: %s produced zero segments (duration %.3fs)", ErrChunking, audioPath, info.Duration)
	}

	segments := make([]models.AudioSegment, 0, n)
	for i := 0; i < n; i++ {
		start, dur := SegmentBounds(i, info.Duration, maxDuration)
		out := SegmentPath(audioPath, i)
		args := []string{
			"-hide_banner", "-nostdin", "-y",
			"-ss", strconv.FormatFloat(start, 'f', 3, 64),
			"-t", strconv.FormatFloat(dur, 'f', 3, 64),
			"-i", audioPath,
			"-vn", "-acodec", "libmp3lame",
			out,
		}
		res, err := t.runner.Run(ctx, t.ffmpegPath, args...)
		if err != nil {
			t.removeSegments(segments)
			_ = t.remove(out)
			cmdErr := &CommandError{Op: fmt.Sprintf("extract segment %d", i), Command: t.ffmpegPath, ExitCode: res.ExitCode, Stderr: res.Stderr, Err: err}
			return nil, fmt.Errorf("%w: %w", ErrChunking, cmdErr)
		}
		segments = append(segments, models.AudioSegment{
			JobID:       jobID,
			Index:       i,
			StartOffset: start,
			Duration:    dur,
			Path:        out,
		})
	}

	t.log.WithFields(logrus.Fields{
		"job_id":   jobID,
		"duration": info.Duration,
		"segments": len(segments),
	}).Info("audio split into segments")
	return segments, nil
}

func (t *Tool) removeSegments(segments []models.AudioSegment) {
	for _, seg := range segments {
		if err := t.remove(seg.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			t.log.WithError(err).WithField("segment", seg.Path).Warn("failed to remove segment")
		}
	}
}
