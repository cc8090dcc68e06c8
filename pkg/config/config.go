package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	Server        ServerConfig        `toml:"server"`
	Pipeline      PipelineConfig      `toml:"pipeline"`
	Media         MediaConfig         `toml:"media"`
	Transcription TranscriptionConfig `toml:"transcription"`
	Index         IndexConfig         `toml:"index"`
	Retrieval     RetrievalConfig     `toml:"retrieval"`
	OpenAI        OpenAIConfig        `toml:"openai"`
	Log           LogConfig           `toml:"log"`
	StoragePath   string              `toml:"storage_path"`
	UploadDir     string              `toml:"upload_dir"`
}

// ServerConfig bounds only the request headers by default: upload bodies can take
// minutes and a query may wait on two model calls. A zero write timeout means none.
type ServerConfig struct {
	Address                  string `toml:"address"`
	ReadHeaderTimeoutSeconds int    `toml:"read_header_timeout_seconds"`
	WriteTimeoutSeconds      int    `toml:"write_timeout_seconds"`
}

type PipelineConfig struct {
	Workers        int   `toml:"workers"`
	QueueSize      int   `toml:"queue_size"`
	MaxUploadBytes int64 `toml:"max_upload_bytes"`
}

type MediaConfig struct {
	FFmpegPath       string  `toml:"ffmpeg_path"`
	FFprobePath      string  `toml:"ffprobe_path"`
	ChunkDurationSec float64 `toml:"chunk_duration_seconds"`
}

type TranscriptionConfig struct {
	Model             string `toml:"model"`
	MaxAttempts       int    `toml:"max_attempts"`
	RetryDelaySeconds int    `toml:"retry_delay_seconds"`
	TimeoutSeconds    int    `toml:"timeout_seconds"`
}

type IndexConfig struct {
	ChunkSize    int `toml:"chunk_size"`
	ChunkOverlap int `toml:"chunk_overlap"`
}

type RetrievalConfig struct {
	TopK                int     `toml:"top_k"`
	MaxResults          int     `toml:"max_results"`
	DistanceThreshold   float64 `toml:"distance_threshold"`
	CacheTTLSeconds     int     `toml:"cache_ttl_seconds"`
	CacheMaxEntries     int     `toml:"cache_max_entries"`
	QueryTimeoutSeconds int     `toml:"query_timeout_seconds"`
}

type OpenAIConfig struct {
	APIKey         string  `toml:"api_key"`
	BaseURL        string  `toml:"base_url"`
	EmbeddingModel string  `toml:"embedding_model"`
	ChatModel      string  `toml:"chat_model"`
	Temperature    float64 `toml:"temperature"`
	TimeoutSeconds int     `toml:"timeout_seconds"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:                  ":8000",
			ReadHeaderTimeoutSeconds: 10,
		},
		Pipeline: PipelineConfig{
			Workers:        1,
			QueueSize:      16,
			MaxUploadBytes: 24 * 1024 * 1024,
		},
		Media: MediaConfig{
			FFmpegPath:       "ffmpeg",
			FFprobePath:      "ffprobe",
			ChunkDurationSec: 600,
		},
		Transcription: TranscriptionConfig{
			Model:             "whisper-1",
			MaxAttempts:       3,
			RetryDelaySeconds: 2,
			TimeoutSeconds:    600,
		},
		Index: IndexConfig{
			ChunkSize:    800,
			ChunkOverlap: 150,
		},
		Retrieval: RetrievalConfig{
			TopK:              8,
			MaxResults:        4,
			DistanceThreshold: 2.0,
			CacheTTLSeconds:   600,
			CacheMaxEntries:   1024,

			// One embedding call plus one chat call at the OpenAI timeout, with headroom.
			QueryTimeoutSeconds: 150,
		},
		OpenAI: OpenAIConfig{
			BaseURL:        "https://api.openai.com/v1",
			EmbeddingModel: "text-embedding-3-small",
			ChatModel:      "gpt-4o-mini",
			Temperature:    0.2,
			TimeoutSeconds: 60,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
		StoragePath: "./data",
		UploadDir:   "./uploads",
	}
}

// Load builds the configuration from defaults, an optional TOML file,
// a .env file in the working directory and the process environment,
// each layer overriding the previous one.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config file %s: %w", path, err)
			}
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.OpenAI.APIKey, "OPENAI_API_KEY")
	setString(&cfg.OpenAI.BaseURL, "OPENAI_BASE_URL")
	setString(&cfg.Server.Address, "LECTURE_ADDRESS")
	setString(&cfg.StoragePath, "LECTURE_STORAGE_PATH")
	setString(&cfg.UploadDir, "LECTURE_UPLOAD_DIR")
	setString(&cfg.Media.FFmpegPath, "LECTURE_FFMPEG")
	setString(&cfg.Media.FFprobePath, "LECTURE_FFPROBE")
	setString(&cfg.Log.Level, "LECTURE_LOG_LEVEL")
	setString(&cfg.Log.Format, "LECTURE_LOG_FORMAT")
	setInt(&cfg.Pipeline.Workers, "LECTURE_WORKERS")
	setInt(&cfg.Pipeline.QueueSize, "LECTURE_QUEUE_SIZE")
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

// Seconds converts a whole-second config value to a time.Duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Pipeline.Workers < 1:
		return fmt.Errorf("pipeline.workers must be >= 1, got %d", c.Pipeline.Workers)
	case c.Pipeline.QueueSize < 1:
		return fmt.Errorf("pipeline.queue_size must be >= 1, got %d", c.Pipeline.QueueSize)
	case c.Pipeline.MaxUploadBytes <= 0:
		return fmt.Errorf("pipeline.max_upload_bytes must be positive")
	case c.Media.ChunkDurationSec <= 0:
		return fmt.Errorf("media.chunk_duration_seconds must be positive")
	case c.Transcription.MaxAttempts < 1:
		return fmt.Errorf("transcription.max_attempts must be >= 1")
	case c.Index.ChunkSize <= 0 || c.Index.ChunkOverlap < 0 || c.Index.ChunkOverlap >= c.Index.ChunkSize:
		return fmt.Errorf("index: invalid chunk_size %d / chunk_overlap %d", c.Index.ChunkSize, c.Index.ChunkOverlap)
	case c.Retrieval.TopK < 1 || c.Retrieval.MaxResults < 1:
		return fmt.Errorf("retrieval: top_k and max_results must be >= 1")
	case c.Retrieval.QueryTimeoutSeconds < 1:
		return fmt.Errorf("retrieval.query_timeout_seconds must be >= 1")
	case c.Server.WriteTimeoutSeconds > 0 && c.Server.WriteTimeoutSeconds <= c.Retrieval.QueryTimeoutSeconds:
		return fmt.Errorf("server.write_timeout_seconds (%d) must exceed retrieval.query_timeout_seconds (%d) or be 0",
			c.Server.WriteTimeoutSeconds, c.Retrieval.QueryTimeoutSeconds)
	}
	return nil
}
