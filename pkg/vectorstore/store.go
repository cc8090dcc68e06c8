package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v3"
)

var (
	ErrCollectionNotFound = errors.New("collection not found")
	ErrDimensionMismatch  = errors.New("embedding dimension mismatch")
)

const (
	collectionPrefix = "collection/"
	documentPrefix   = "vector/"
)

// Document is one embedded text with its metadata.
type Document struct {
	ID        string                 `json:"id"`
	Text      string                 `json:"text"`
	Metadata  map[string]interface{} `json:"metadata"`
	Embedding []float32              `json:"embedding"`
}

// Result is a search hit. Distance is squared euclidean; lower is closer.
type Result struct {
	Document Document
	Distance float64
}

type collectionInfo struct {
	Name      string    `json:"name"`
	Dimension int       `json:"dimension"`
	CreatedAt time.Time `json:"created_at"`
}

// Store keeps named collections of documents in badger and answers
// nearest-neighbour queries by exhaustive scan.
type Store struct {
	db *badger.DB
}

func New(db *badger.DB) *Store {
	return &Store{db: db}
}

func collectionKey(name string) []byte {
	return []byte(collectionPrefix + name)
}

func documentsPrefix(collection string) []byte {
	return []byte(documentPrefix + collection + "/")
}

func documentKey(collection, id string) []byte {
	return append(documentsPrefix(collection), id...)
}

// Upsert writes docs into collection, creating it if needed. Documents with an
// existing ID are replaced. All embeddings in a collection share one dimension.
func (s *Store) Upsert(ctx context.Context, collection string, docs []Document) error {
	if collection == "" {
		return errors.New("collection name required")
	}
	if len(docs) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	info, err := s.ensureCollection(collection, len(docs[0].Embedding))
	if err != nil {
		return err
	}
	for _, doc := range docs {
		if doc.ID == "" {
			return errors.New("document id required")
		}
		if len(doc.Embedding) == 0 || len(doc.Embedding) != info.Dimension {
			return fmt.Errorf("%w: document %s has %d, collection %s has %d",
				ErrDimensionMismatch, doc.ID, len(doc.Embedding), collection, info.Dimension)
		}
	}

	// A lecture can produce more vectors than fit in one transaction.
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, doc := range docs {
		data, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encode document %s: %w", doc.ID, err)
		}
		if err := wb.Set(documentKey(collection, doc.ID), data); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func (s *Store) ensureCollection(collection string, dimension int) (collectionInfo, error) {
	var info collectionInfo
	err := s.db.Update(func(txn *badger.Txn) error {
		err := getJSON(txn, collectionKey(collection), &info)
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		info = collectionInfo{Name: collection, Dimension: dimension, CreatedAt: time.Now().UTC()}
		return setJSON(txn, collectionKey(collection), info)
	})
	return info, err
}

// Exists reports whether collection has been created.
func (s *Store) Exists(collection string) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(collectionKey(collection))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Count returns the number of documents in collection.
func (s *Store) Count(collection string) (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := txn.Get(collectionKey(collection)); err != nil {
			return err
		}
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := documentsPrefix(collection)
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}
	return n, err
}

// Search returns up to k documents closest to query, nearest first.
func (s *Store) Search(ctx context.Context, collection string, query []float32, k int) ([]Result, error) {
	if k <= 0 {
		return nil, nil
	}
	var results []Result
	err := s.db.View(func(txn *badger.Txn) error {
		var info collectionInfo
		if err := getJSON(txn, collectionKey(collection), &info); err != nil {
			return err
		}
		if len(query) != info.Dimension {
			return fmt.Errorf("%w: query has %d, collection %s has %d",
				ErrDimensionMismatch, len(query), collection, info.Dimension)
		}

		prefix := documentsPrefix(collection)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var doc Document
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &doc)
			}); err != nil {
				return fmt.Errorf("decode document: %w", err)
			}
			results = append(results, Result{Document: doc, Distance: SquaredL2(query, doc.Embedding)})
		}
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}
	if err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Distance < results[j].Distance
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Drop removes collection and its documents. Dropping a missing collection is not an error.
func (s *Store) Drop(collection string) error {
	if err := s.db.DropPrefix(documentsPrefix(collection)); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(collectionKey(collection))
	})
}

// Clear removes every collection.
func (s *Store) Clear() error {
	return s.db.DropPrefix([]byte(collectionPrefix), []byte(documentPrefix))
}

// SquaredL2 is the squared euclidean distance between equal-length vectors.
func SquaredL2(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}

func getJSON(txn *badger.Txn, key []byte, v interface{}) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}
