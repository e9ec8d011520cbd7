package memory

import (
	"fmt"
	"testing"
)

func TestVectorIndex_QueryBound(t *testing.T) {
	ix := NewVectorIndex(3, 0)

	if got := ix.Query([]float32{1, 0, 0}, 5); len(got) != 0 {
		t.Fatalf("empty index returned %d results, want 0", len(got))
	}

	for i := 0; i < 10; i++ {
		if err := ix.Insert(fmt.Sprintf("rec-%d", i), []float32{1, float32(i), 0}); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	for _, k := range []int{0, 1, 3, 10, 50} {
		got := ix.Query([]float32{1, 1, 0}, k)
		if len(got) > k {
			t.Errorf("Query(k=%d) returned %d results", k, len(got))
		}
	}
	if got := ix.Query([]float32{1, 1, 0}, 50); len(got) != 10 {
		t.Errorf("Query(k=50) returned %d results, want all 10", len(got))
	}
}

func TestVectorIndex_OrderedBySimilarity(t *testing.T) {
	ix := NewVectorIndex(2, 0)
	vectors := map[string][]float32{
		"identical":  {1, 0},
		"close":      {1, 0.2},
		"orthogonal": {0, 1},
	}
	for id, vec := range vectors {
		if err := ix.Insert(id, vec); err != nil {
			t.Fatalf("Insert(%s): %v", id, err)
		}
	}

	got := ix.Query([]float32{1, 0}, 3)
	if len(got) != 3 {
		t.Fatalf("got %d results, want 3", len(got))
	}
	wantOrder := []string{"identical", "close", "orthogonal"}
	for i, want := range wantOrder {
		if got[i].ID != want {
			t.Errorf("result[%d] = %s (%.3f), want %s", i, got[i].ID, got[i].Similarity, want)
		}
	}
	for i := 1; i < len(got); i++ {
		if got[i].Similarity > got[i-1].Similarity {
			t.Errorf("similarities not descending: %v", got)
		}
	}
}

func TestVectorIndex_DimensionMismatch(t *testing.T) {
	ix := NewVectorIndex(4, 0)
	err := ix.Insert("rec", []float32{1, 2})
	if err == nil {
		t.Fatal("expected error for wrong dimension")
	}
	if !IsDimensionMismatch(err) {
		t.Fatalf("expected DimensionMismatchError, got %T: %v", err, err)
	}
}

func TestVectorIndex_ReinsertTombstonesOldSlot(t *testing.T) {
	ix := NewVectorIndex(2, 0)
	if err := ix.Insert("rec", []float32{1, 0}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := ix.Insert("rec", []float32{0, 1}); err != nil {
		t.Fatalf("re-Insert: %v", err)
	}

	if ix.Len() != 1 {
		t.Fatalf("Len = %d after re-insert, want 1", ix.Len())
	}

	got := ix.Query([]float32{0, 1}, 10)
	if len(got) != 1 {
		t.Fatalf("got %d results, want 1", len(got))
	}
	if got[0].ID != "rec" || got[0].Similarity < 0.99 {
		t.Errorf("query returned stale vector: %+v", got[0])
	}
}

func TestVectorIndex_RemoveTombstones(t *testing.T) {
	ix := NewVectorIndex(2, 0)
	if err := ix.Insert("keep", []float32{1, 0}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := ix.Insert("drop", []float32{0, 1}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	ix.Remove("drop")
	ix.Remove("missing") // no-op

	if ix.Len() != 1 {
		t.Fatalf("Len = %d, want 1", ix.Len())
	}
	got := ix.Query([]float32{0, 1}, 10)
	for _, m := range got {
		if m.ID == "drop" {
			t.Error("tombstoned id returned from query")
		}
	}
}

func TestVectorIndex_GrowthKeepsLiveVectors(t *testing.T) {
	// Start tiny so inserts force several doublings.
	ix := NewVectorIndex(2, 2)
	const n = 100
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("rec-%d", i)
		if err := ix.Insert(id, []float32{1, float32(i)}); err != nil {
			t.Fatalf("Insert(%s): %v", id, err)
		}
	}
	// A handful of replacements mixed in, to exercise tombstone compaction.
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("rec-%d", i)
		if err := ix.Insert(id, []float32{1, float32(i)}); err != nil {
			t.Fatalf("re-Insert(%s): %v", id, err)
		}
	}

	if ix.Len() != n {
		t.Fatalf("Len = %d, want %d", ix.Len(), n)
	}
	got := ix.Query([]float32{1, 1}, n*2)
	if len(got) != n {
		t.Fatalf("query returned %d live vectors, want %d", len(got), n)
	}
	seen := make(map[string]bool, len(got))
	for _, m := range got {
		if seen[m.ID] {
			t.Errorf("duplicate id %s in results", m.ID)
		}
		seen[m.ID] = true
	}
}
