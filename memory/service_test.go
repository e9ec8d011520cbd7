package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lumachat/memoryd/docstore"
)

func TestEmbeddingService_RebuildLoadsOnlyEmbeddedRecords(t *testing.T) {
	h := newTestHarness(t)
	defer h.drain()
	ctx := context.Background()

	withVec := saveMemoryAt(t, h, "User adopted a cat named Mochi", 1000)
	if err := h.store.Update(ctx, withVec.ID, map[string]interface{}{
		"embedding": EncodeEmbedding([]float32{1, 0}),
	}); err != nil {
		t.Fatalf("seed embedding: %v", err)
	}
	saveMemoryAt(t, h, "User works as a teacher", 2000) // no embedding

	// Fresh service simulating a process boot against existing data.
	embeds := NewEmbeddingService(stubEmbedder{}, h.store, stubDim, zerolog.Nop())
	if err := embeds.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}

	matches := embeds.SearchSimilar(ctx, CategoryUserMemory, []float32{1, 0}, 10)
	if len(matches) != 1 {
		t.Fatalf("index holds %d records, want only the embedded one", len(matches))
	}
	if matches[0].ID != withVec.ID {
		t.Errorf("index holds %s, want %s", matches[0].ID, withVec.ID)
	}
}

func TestEmbeddingService_ConcurrentInit(t *testing.T) {
	h := newTestHarness(t)
	defer h.drain()

	embeds := NewEmbeddingService(stubEmbedder{}, h.store, stubDim, zerolog.Nop())

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- embeds.Init(context.Background())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Init: %v", err)
		}
	}
}

func TestEmbeddingService_InitWaitRespectsContext(t *testing.T) {
	h := newTestHarness(t)
	defer h.drain()

	embeds := NewEmbeddingService(stubEmbedder{}, h.store, stubDim, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := embeds.Init(ctx); err != nil {
		t.Fatalf("Init with live context: %v", err)
	}

	// Ready state ignores an expired context.
	expired, cancelExpired := context.WithCancel(context.Background())
	cancelExpired()
	if err := embeds.Init(expired); err != nil {
		t.Errorf("Init after ready must be a no-op, got: %v", err)
	}
}

func TestEmbeddingService_GenerateEmbeddingDimensionCheck(t *testing.T) {
	h := newTestHarness(t)
	defer h.drain()

	// Service configured for a different dimension than the model produces.
	embeds := NewEmbeddingService(stubEmbedder{}, h.store, 5, zerolog.Nop())
	_, err := embeds.GenerateEmbedding(context.Background(), "some text")
	if err == nil {
		t.Fatal("expected dimension mismatch")
	}
	if !IsDimensionMismatch(err) {
		t.Errorf("got %T: %v, want DimensionMismatchError", err, err)
	}
}

func TestEmbeddingService_BackfillRecordPersistsAndIndexes(t *testing.T) {
	h := newTestHarness(t)
	defer h.drain()
	ctx := context.Background()

	mem := saveMemoryAt(t, h, "User adopted a cat named Mochi", 1000)
	rec, err := loadRecord(ctx, h.store, mem.ID)
	if err != nil {
		t.Fatalf("load record: %v", err)
	}

	if err := h.embeds.BackfillRecord(ctx, rec); err != nil {
		t.Fatalf("BackfillRecord: %v", err)
	}

	row, err := h.store.Get(ctx, mem.ID)
	if err != nil {
		t.Fatalf("store get: %v", err)
	}
	if len(row.Embedding) == 0 {
		t.Error("embedding not persisted")
	}
	if row.UpdatedAt != 1000 {
		t.Errorf("backfill bumped updated_at to %d, want untouched 1000", row.UpdatedAt)
	}

	matches := h.embeds.SearchSimilar(ctx, CategoryUserMemory, []float32{1, 0}, 10)
	if len(matches) != 1 || matches[0].ID != mem.ID {
		t.Errorf("index matches = %+v, want the backfilled record", matches)
	}
}

func loadRecord(ctx context.Context, store *docstore.Store, id string) (Record, error) {
	row, err := store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return RecordFromRow(row)
}
