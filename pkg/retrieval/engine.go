package retrieval

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"lecture-assistant/pkg/index"
	"lecture-assistant/pkg/llm"
	"lecture-assistant/pkg/logging"
	"lecture-assistant/pkg/models"
	"lecture-assistant/pkg/vectorstore"
)

const (
	DefaultTopK              = 8
	DefaultMaxResults        = 4
	DefaultDistanceThreshold = 2.0
	DefaultCacheTTL          = 10 * time.Minute
	DefaultCacheMaxEntries   = 1024

	contextSeparator = "\n---\n"
)

const (
	msgEmptyQuestion = "Please provide a valid question."
	msgNoResults     = "I couldn't find relevant information in the lecture to answer your question. Please try rephrasing your question."
)

const systemPrompt = "You are a helpful lecture assistant. Use the provided context to answer the user's question. " +
	"Always include relevant timestamps from the context if available. " +
	"If you cannot answer the question based on the context, say so clearly. " +
	"When timestamps are available, format them as [MM:SS] in your response."

// Answer is what a question resolves to. Failures are reported in Text.
type Answer struct {
	Text       string   `json:"answer"`
	Timestamps []string `json:"timestamps"`
}

// VectorSearcher is the read side of the vector collections.
type VectorSearcher interface {
	Exists(collection string) (bool, error)
	Search(ctx context.Context, collection string, query []float32, k int) ([]vectorstore.Result, error)
}

type Options struct {
	TopK              int
	MaxResults        int
	DistanceThreshold float64
	CacheTTL          time.Duration
	CacheMaxEntries   int
	Logger            logrus.FieldLogger
}

// Engine answers questions about one lecture at a time from its indexed windows.
type Engine struct {
	vectors  VectorSearcher
	embedder llm.Embedder
	chat     llm.ChatCompleter
	opts     Options
	log      logrus.FieldLogger

	memoMu sync.Mutex
	memo   *cache.Cache
}

func NewEngine(vectors VectorSearcher, embedder llm.Embedder, chat llm.ChatCompleter, opts Options) *Engine {
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = DefaultMaxResults
	}
	if opts.DistanceThreshold <= 0 {
		opts.DistanceThreshold = DefaultDistanceThreshold
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.CacheMaxEntries <= 0 {
		opts.CacheMaxEntries = DefaultCacheMaxEntries
	}
	return &Engine{
		vectors:  vectors,
		embedder: embedder,
		chat:     chat,
		opts:     opts,
		log:      logging.OrDiscard(opts.Logger),
		memo:     cache.New(opts.CacheTTL, 2*opts.CacheTTL),
	}
}

// Answer never fails: every error becomes an explanatory answer with no timestamps.
func (e *Engine) Answer(ctx context.Context, lectureID, question string) Answer {
	question = strings.TrimSpace(question)
	if question == "" {
		return failure(msgEmptyQuestion)
	}
	log := e.log.WithField("lecture_id", lectureID)
	collection := index.CollectionName(lectureID)

	ok, err := e.vectors.Exists(collection)
	if err == nil && !ok {
		err = fmt.Errorf("%w: %s", vectorstore.ErrCollectionNotFound, collection)
	}
	if err != nil {
		log.WithError(err).Warn("vector collection unavailable")
		return failure(fmt.Sprintf("Error accessing vector database for %s. Please ensure the lecture has been processed. Error: %v", lectureID, err))
	}

	results, err := e.search(ctx, lectureID, collection, question)
	if err != nil {
		log.WithError(err).Warn("search failed")
		return failure(fmt.Sprintf("Error searching for relevant content: %v", err))
	}

	docs := e.relevant(results)
	if len(docs) == 0 {
		return failure(msgNoResults)
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Text
	}
	timestamps := collectTimestamps(docs)

	reply, err := e.chat.Complete(ctx, systemPrompt, UserPrompt(strings.Join(texts, contextSeparator), timestamps, question))
	if err != nil {
		log.WithError(err).Warn("answer synthesis failed")
		return failure(fmt.Sprintf("Error generating response: %v", err))
	}
	log.WithFields(logrus.Fields{"context_chunks": len(docs), "timestamps": len(timestamps)}).Info("answered question")
	return Answer{Text: reply, Timestamps: timestamps}
}

// UserPrompt renders the human turn sent with the retrieved context.
func UserPrompt(contextText string, timestamps []string, question string) string {
	available := "No timestamps available"
	if len(timestamps) > 0 {
		available = strings.Join(timestamps, ", ")
	}
	return fmt.Sprintf("Context:\n%s\n\nAvailable timestamps: %s\n\nQuestion: %s\nAnswer (include timestamps when relevant):",
		contextText, available, question)
}

// ClearCache drops every memoized search.
func (e *Engine) ClearCache() {
	e.memo.Flush()
}

func (e *Engine) search(ctx context.Context, lectureID, collection, question string) ([]vectorstore.Result, error) {
	key := memoKey(lectureID, question)
	if cached, ok := e.memo.Get(key); ok {
		return cached.([]vectorstore.Result), nil
	}

	vecs, err := e.embedder.Embed(ctx, []string{question})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("got %d embeddings for one question", len(vecs))
	}
	results, err := e.vectors.Search(ctx, collection, vecs[0], e.opts.TopK)
	if err != nil {
		return nil, err
	}
	e.remember(key, results)
	return results, nil
}

// memoKey length-prefixes the lecture id so no (lecture, question) pair shares a key
// with another, whatever characters either contains.
func memoKey(lectureID, question string) string {
	return fmt.Sprintf("%d:%s:%s", len(lectureID), lectureID, question)
}

// remember stores results, evicting the entry closest to expiry when the memo is full.
func (e *Engine) remember(key string, results []vectorstore.Result) {
	e.memoMu.Lock()
	defer e.memoMu.Unlock()

	if e.memo.ItemCount() >= e.opts.CacheMaxEntries {
		e.memo.DeleteExpired()
	}
	if e.memo.ItemCount() >= e.opts.CacheMaxEntries {
		var oldestKey string
		var oldest int64
		for k, item := range e.memo.Items() {
			if oldestKey == "" || item.Expiration < oldest {
				oldestKey, oldest = k, item.Expiration
			}
		}
		e.memo.Delete(oldestKey)
	}
	e.memo.SetDefault(key, results)
}

func (e *Engine) relevant(results []vectorstore.Result) []vectorstore.Document {
	var docs []vectorstore.Document
	for _, r := range results {
		if r.Distance > e.opts.DistanceThreshold {
			continue
		}
		docs = append(docs, r.Document)
		if len(docs) == e.opts.MaxResults {
			break
		}
	}
	return docs
}

func collectTimestamps(docs []vectorstore.Document) []string {
	seen := make(map[string]bool)
	timestamps := []string{}
	for _, d := range docs {
		ts, ok := timestampOf(d.Metadata)
		if !ok || seen[ts] {
			continue
		}
		seen[ts] = true
		timestamps = append(timestamps, ts)
	}
	return timestamps
}

func timestampOf(md map[string]interface{}) (string, bool) {
	if ts, ok := md["timestamp"].(string); ok && ts != "" {
		return ts, true
	}
	switch v := md["start_time"].(type) {
	case float64:
		return models.FormatTimestamp(v), true
	case float32:
		return models.FormatTimestamp(float64(v)), true
	case int:
		return models.FormatTimestamp(float64(v)), true
	}
	return "", false
}

func failure(msg string) Answer {
	return Answer{Text: msg, Timestamps: []string{}}
}
