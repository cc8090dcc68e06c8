package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/dgraph-io/badger/v3"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func doc(id string, vec ...float32) Document {
	return Document{
		ID:        id,
		Text:      "text " + id,
		Metadata:  map[string]interface{}{"timestamp": "00:00", "chunk_index": 1},
		Embedding: vec,
	}
}

func TestSearchOrdersByDistance(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	docs := []Document{
		doc("far", 3, 0),
		doc("near", 1, 0),
		doc("exact", 0, 0),
		doc("mid", 0, 2),
	}
	if err := store.Upsert(ctx, "lecture_a", docs); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	results, err := store.Search(ctx, "lecture_a", []float32{0, 0}, 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	want := []struct {
		id   string
		dist float64
	}{{"exact", 0}, {"near", 1}, {"mid", 4}}
	if len(results) != len(want) {
		t.Fatalf("got %d results", len(results))
	}
	for i, w := range want {
		if results[i].Document.ID != w.id || results[i].Distance != w.dist {
			t.Errorf("result %d = %s/%v, want %s/%v", i, results[i].Document.ID, results[i].Distance, w.id, w.dist)
		}
	}
	if results[0].Document.Metadata["timestamp"] != "00:00" {
		t.Errorf("metadata not round-tripped: %v", results[0].Document.Metadata)
	}
}

func TestCollectionsAreIsolated(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.Upsert(ctx, "lecture_a", []Document{doc("1", 1)}); err != nil {
		t.Fatal(err)
	}
	if err := store.Upsert(ctx, "lecture_ab", []Document{doc("2", 1), doc("3", 2)}); err != nil {
		t.Fatal(err)
	}
	if n, _ := store.Count("lecture_a"); n != 1 {
		t.Fatalf("lecture_a count = %d", n)
	}
	if n, _ := store.Count("lecture_ab"); n != 2 {
		t.Fatalf("lecture_ab count = %d", n)
	}
}

func TestUpsertAppendsAndReplaces(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.Upsert(ctx, "c", []Document{doc("1", 1), doc("2", 2)}); err != nil {
		t.Fatal(err)
	}
	if err := store.Upsert(ctx, "c", []Document{doc("2", 5), doc("3", 3)}); err != nil {
		t.Fatal(err)
	}
	n, err := store.Count("c")
	if err != nil || n != 3 {
		t.Fatalf("count = %d, err = %v", n, err)
	}
	results, _ := store.Search(ctx, "c", []float32{5}, 1)
	if results[0].Document.ID != "2" {
		t.Fatalf("replaced doc not found, got %s", results[0].Document.ID)
	}
}

func TestUpsertManyDocuments(t *testing.T) {
	store := newTestStore(t)
	docs := make([]Document, 500)
	for i := range docs {
		vec := make([]float32, 64)
		vec[i%64] = float32(i)
		docs[i] = doc(fmt.Sprintf("d%03d", i), vec...)
	}
	if err := store.Upsert(context.Background(), "big", docs); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if n, _ := store.Count("big"); n != 500 {
		t.Fatalf("count = %d", n)
	}
}

func TestMissingCollection(t *testing.T) {
	store := newTestStore(t)
	if ok, err := store.Exists("nope"); ok || err != nil {
		t.Fatalf("Exists = %v, %v", ok, err)
	}
	if _, err := store.Search(context.Background(), "nope", []float32{1}, 4); !errors.Is(err, ErrCollectionNotFound) {
		t.Fatalf("Search err = %v", err)
	}
	if _, err := store.Count("nope"); !errors.Is(err, ErrCollectionNotFound) {
		t.Fatalf("Count err = %v", err)
	}
}

func TestDimensionMismatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.Upsert(ctx, "c", []Document{doc("1", 1, 2)}); err != nil {
		t.Fatal(err)
	}
	if err := store.Upsert(ctx, "c", []Document{doc("2", 1)}); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("Upsert err = %v", err)
	}
	if _, err := store.Search(ctx, "c", []float32{1}, 1); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("Search err = %v", err)
	}
}

func TestDropAndClear(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for _, name := range []string{"a", "b"} {
		if err := store.Upsert(ctx, name, []Document{doc("1", 1)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.Drop("a"); err != nil {
		t.Fatalf("Drop: %v", err)
	}
	if ok, _ := store.Exists("a"); ok {
		t.Fatal("a should be gone")
	}
	if ok, _ := store.Exists("b"); !ok {
		t.Fatal("b should survive dropping a")
	}
	if err := store.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if ok, _ := store.Exists("b"); ok {
		t.Fatal("b should be gone after Clear")
	}
}
