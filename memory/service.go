package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lumachat/memoryd/docstore"
)

type initState int

const (
	stateUninit initState = iota
	stateInitializing
	stateReady
)

// EmbeddingService owns the embedder handle and one vector index per memory
// category. It is constructed once at startup and shared by reference.
// Initialization (index rebuild from the store) runs at most once; concurrent
// callers arriving mid-initialization wait on the in-flight run instead of
// starting a second one.
type EmbeddingService struct {
	embedder Embedder
	store    *docstore.Store
	dim      int
	indexes  map[Category]*VectorIndex
	logger   zerolog.Logger

	mu       sync.Mutex
	state    initState
	initDone chan struct{}
}

// NewEmbeddingService creates the service. dim is the embedding dimension the
// configured model produces.
func NewEmbeddingService(embedder Embedder, store *docstore.Store, dim int, logger zerolog.Logger) *EmbeddingService {
	indexes := make(map[Category]*VectorIndex, 3)
	for _, cat := range Categories() {
		indexes[cat] = NewVectorIndex(dim, 0)
	}
	return &EmbeddingService{
		embedder: embedder,
		store:    store,
		dim:      dim,
		indexes:  indexes,
		logger:   logger.With().Str("component", "embeddingService").Logger(),
	}
}

// Dim returns the configured embedding dimension.
func (s *EmbeddingService) Dim() int { return s.dim }

// Init rebuilds the indexes from the store, once. Safe to call from any
// number of goroutines; all of them observe the same single rebuild.
func (s *EmbeddingService) Init(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case stateReady:
		s.mu.Unlock()
		return nil
	case stateInitializing:
		done := s.initDone
		s.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("waiting for index rebuild: %w", ctx.Err())
		}
	}

	s.state = stateInitializing
	s.initDone = make(chan struct{})
	done := s.initDone
	s.mu.Unlock()

	s.rebuild(ctx)

	s.mu.Lock()
	s.state = stateReady
	s.mu.Unlock()
	close(done)
	return nil
}

// rebuild scans the store per category for records that already carry a
// persisted embedding, in store-iteration order. Failures degrade to an
// emptier index, never an error: the store copy stays authoritative.
func (s *EmbeddingService) rebuild(ctx context.Context) {
	for _, cat := range Categories() {
		rows, err := s.store.Query(ctx, &docstore.Query{
			Filter: map[string]interface{}{"category": string(cat)},
		})
		if err != nil {
			s.logger.Warn().Err(err).Str("category", string(cat)).Msg("Index rebuild scan failed, category starts empty")
			continue
		}

		loaded := 0
		skipped := 0
		for _, row := range rows {
			vec, err := DecodeEmbedding(row.Embedding)
			if err != nil || len(vec) == 0 {
				skipped++
				continue
			}
			if err := s.indexes[cat].Insert(row.ID, vec); err != nil {
				s.logger.Warn().Err(err).Str("id", row.ID).Msg("Skipping record during index rebuild")
				skipped++
				continue
			}
			loaded++
		}
		s.logger.Info().
			Str("category", string(cat)).
			Int("loaded", loaded).
			Int("withoutEmbedding", skipped).
			Msg("Vector index rebuilt")
	}
}

// GenerateEmbedding embeds text with the configured model. Callers arriving
// before initialization completes wait for it.
func (s *EmbeddingService) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("generate embedding: %w", err)
	}
	if len(vec) != s.dim {
		return nil, &DimensionMismatchError{Want: s.dim, Got: len(vec)}
	}
	return vec, nil
}

// AddToIndex inserts an embedding into the category's index.
func (s *EmbeddingService) AddToIndex(cat Category, id string, vec []float32) error {
	ix, ok := s.indexes[cat]
	if !ok {
		return fmt.Errorf("unknown category %q", cat)
	}
	return ix.Insert(id, vec)
}

// RemoveFromIndex tombstones the id in the category's index.
func (s *EmbeddingService) RemoveFromIndex(cat Category, id string) {
	if ix, ok := s.indexes[cat]; ok {
		ix.Remove(id)
	}
}

// SearchSimilar returns up to k nearest ids for the query vector within one
// category. Unknown categories yield an empty result.
func (s *EmbeddingService) SearchSimilar(ctx context.Context, cat Category, vec []float32, k int) []Match {
	if err := s.Init(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("SearchSimilar: initialization wait failed")
		return nil
	}
	ix, ok := s.indexes[cat]
	if !ok {
		return nil
	}
	return ix.Query(vec, k)
}

// BackfillRecord computes, persists, and indexes an embedding for a record
// saved without one. Records with no embeddable text are left alone.
func (s *EmbeddingService) BackfillRecord(ctx context.Context, rec Record) error {
	text := rec.EmbeddableText()
	if text == "" {
		return nil
	}
	vec, err := s.GenerateEmbedding(ctx, text)
	if err != nil {
		return err
	}

	base := rec.Base()
	// Keep updated_at untouched: a backfill is invisible to recency ranking.
	update := map[string]interface{}{
		"embedding": EncodeEmbedding(vec),
	}
	if !base.UpdatedAt.IsZero() {
		update["updated_at"] = base.UpdatedAt.Unix()
	}
	if err := s.store.Update(ctx, base.ID, update); err != nil {
		return fmt.Errorf("persist embedding: %w", err)
	}
	base.Embedding = vec

	if err := s.AddToIndex(rec.Category(), base.ID, vec); err != nil {
		// The durable copy is written; the index will pick it up on next boot.
		s.logger.Warn().Err(err).Str("id", base.ID).Msg("Embedding persisted but index insert failed")
	}
	return nil
}
