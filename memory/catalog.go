package memory

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/lumachat/memoryd/docstore"
)

const (
	defaultSearchLimit = 10
	// Embedding a query is on the synchronous retrieval path; keep it short.
	queryEmbedTimeout = 2 * time.Second
)

// Catalog owns the lifecycle of all memory records and mediates between the
// document store (authoritative) and the per-category vector indexes
// (best-effort accelerator).
type Catalog struct {
	store  *docstore.Store
	embeds *EmbeddingService
	tasks  *TaskQueue
	logger zerolog.Logger
}

// NewCatalog wires the catalog over its collaborators.
func NewCatalog(store *docstore.Store, embeds *EmbeddingService, tasks *TaskQueue, logger zerolog.Logger) *Catalog {
	return &Catalog{
		store:  store,
		embeds: embeds,
		tasks:  tasks,
		logger: logger.With().Str("component", "memoryCatalog").Logger(),
	}
}

// SaveChatHistory upserts the transcript record for a session. Re-saving the
// same session updates in place and preserves the original created_at. The
// embedding is recomputed in the background since the text changed.
func (c *Catalog) SaveChatHistory(ctx context.Context, userID, sessionID string, messages []Message) (*ChatHistoryMemory, error) {
	rec := &ChatHistoryMemory{
		base:      Base{UserID: userID},
		SessionID: sessionID,
		Messages:  messages,
	}
	if err := c.upsertBySession(ctx, rec, sessionID); err != nil {
		return nil, err
	}
	return rec, nil
}

// SaveSessionSummary upserts the summary record for a session, preserving the
// original created_at on replacement.
func (c *Catalog) SaveSessionSummary(ctx context.Context, summary *SessionSummary) (*SessionSummary, error) {
	if summary == nil {
		return nil, errors.New("summary is nil")
	}
	if err := c.upsertBySession(ctx, summary, summary.SessionID); err != nil {
		return nil, err
	}
	return summary, nil
}

// upsertBySession finds the live record for (category, user, session) and
// either updates it in place or creates it, then schedules an embedding
// backfill when the record carries embeddable text.
func (c *Catalog) upsertBySession(ctx context.Context, rec Record, sessionID string) error {
	if sessionID == "" {
		return errors.New("session id is empty")
	}
	base := rec.Base()

	existing, err := c.store.Query(ctx, &docstore.Query{
		Filter: map[string]interface{}{
			"category":   string(rec.Category()),
			"user_id":    base.UserID,
			"session_id": sessionID,
		},
		Limit: 1,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if len(existing) > 0 {
		prev := existing[0]
		base.ID = prev.ID
		base.CreatedAt = time.Unix(prev.CreatedAt, 0)
		base.AccessCount = prev.AccessCount
		base.UpdatedAt = time.Now()
		// Content changed, so the stored embedding is stale.
		base.Embedding = nil

		row, err := RowFromRecord(rec)
		if err != nil {
			return err
		}
		err = c.store.Update(ctx, prev.ID, map[string]interface{}{
			"payload":   row.Payload,
			"metadata":  row.Metadata,
			"embedding": nil,
		})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		c.embeds.RemoveFromIndex(rec.Category(), prev.ID)
	} else {
		row, err := RowFromRecord(rec)
		if err != nil {
			return err
		}
		stored, err := c.store.Create(ctx, row)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		base.ID = stored.ID
		base.CreatedAt = time.Unix(stored.CreatedAt, 0)
		base.UpdatedAt = time.Unix(stored.UpdatedAt, 0)
	}

	c.scheduleBackfill(rec)
	return nil
}

// SaveUserMemory creates a new user memory record. Append-only: extraction
// may legitimately produce near-duplicates across sessions.
func (c *Catalog) SaveUserMemory(ctx context.Context, mem *UserMemory) (*UserMemory, error) {
	if mem == nil {
		return nil, errors.New("memory is nil")
	}
	mem.Importance = ClampImportance(mem.Importance)
	row, err := RowFromRecord(mem)
	if err != nil {
		return nil, err
	}
	stored, err := c.store.Create(ctx, row)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	mem.ID = stored.ID
	mem.CreatedAt = time.Unix(stored.CreatedAt, 0)
	mem.UpdatedAt = time.Unix(stored.UpdatedAt, 0)

	c.scheduleBackfill(mem)
	return mem, nil
}

// scheduleBackfill hands the record to the background queue when it has
// embeddable text and no embedding yet. Drops are fine: the sweep in
// BackfillMissingEmbeddings picks strays up later.
func (c *Catalog) scheduleBackfill(rec Record) {
	if rec.EmbeddableText() == "" || len(rec.Base().Embedding) > 0 {
		return
	}
	id := rec.Base().ID
	c.tasks.TrySubmit("embedding-backfill", func(ctx context.Context) error {
		row, err := c.store.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("load record for backfill: %w", err)
		}
		fresh, err := RecordFromRow(row)
		if err != nil {
			return err
		}
		if len(fresh.Base().Embedding) > 0 {
			return nil
		}
		return c.embeds.BackfillRecord(ctx, fresh)
	})
}

// GetChatHistory returns the transcript record for a session, or nil when
// none exists.
func (c *Catalog) GetChatHistory(ctx context.Context, userID, sessionID string) (*ChatHistoryMemory, error) {
	rec, err := c.getBySession(ctx, CategoryChatHistory, userID, sessionID)
	if err != nil || rec == nil {
		return nil, err
	}
	history, ok := rec.(*ChatHistoryMemory)
	if !ok {
		return nil, fmt.Errorf("unexpected record type %T", rec)
	}
	return history, nil
}

// GetSessionSummary returns the summary record for a session, or nil when
// none exists.
func (c *Catalog) GetSessionSummary(ctx context.Context, userID, sessionID string) (*SessionSummary, error) {
	rec, err := c.getBySession(ctx, CategorySessionSummary, userID, sessionID)
	if err != nil || rec == nil {
		return nil, err
	}
	summary, ok := rec.(*SessionSummary)
	if !ok {
		return nil, fmt.Errorf("unexpected record type %T", rec)
	}
	return summary, nil
}

func (c *Catalog) getBySession(ctx context.Context, cat Category, userID, sessionID string) (Record, error) {
	rows, err := c.store.Query(ctx, &docstore.Query{
		Filter: map[string]interface{}{
			"category":   string(cat),
			"user_id":    userID,
			"session_id": sessionID,
		},
		Limit: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	rec, err := RecordFromRow(rows[0])
	if err != nil {
		return nil, err
	}
	c.recordAccess(rec)
	return rec, nil
}

// GetUserMemories lists a user's memories sorted by the given strategy
// (recency, importance, or access_count).
func (c *Catalog) GetUserMemories(ctx context.Context, userID string, sortBy SortBy, limit, offset int) ([]*UserMemory, error) {
	recs, err := c.Search(ctx, &MemoryQuery{
		UserID:   userID,
		Category: CategoryUserMemory,
		SortBy:   sortBy,
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		return nil, err
	}
	return lo.FilterMap(recs, func(rec Record, _ int) (*UserMemory, bool) {
		mem, ok := rec.(*UserMemory)
		return mem, ok
	}), nil
}

// DeleteMemory removes a single record by id, from both the store and its
// category index.
func (c *Catalog) DeleteMemory(ctx context.Context, id string) (bool, error) {
	row, err := c.store.Get(ctx, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	deleted, err := c.store.Delete(ctx, map[string]interface{}{"id": id})
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if deleted {
		c.embeds.RemoveFromIndex(Category(row.Category), id)
	}
	return deleted, nil
}

// DeleteSessionMemories cascades over a session: its chat history and its
// summary. Extracted user memories survive; they outlive their source
// session on purpose.
func (c *Catalog) DeleteSessionMemories(ctx context.Context, userID, sessionID string) (bool, error) {
	removed := false
	for _, cat := range []Category{CategoryChatHistory, CategorySessionSummary} {
		filter := map[string]interface{}{
			"category":   string(cat),
			"user_id":    userID,
			"session_id": sessionID,
		}
		rows, err := c.store.Query(ctx, &docstore.Query{Filter: filter})
		if err != nil {
			return removed, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		if len(rows) == 0 {
			continue
		}
		deleted, err := c.store.Delete(ctx, filter)
		if err != nil {
			return removed, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		if deleted {
			removed = true
			for _, row := range rows {
				c.embeds.RemoveFromIndex(cat, row.ID)
			}
		}
	}
	return removed, nil
}

// Search runs the retrieval pipeline: structural filters against the store
// (authoritative), an optional vector re-rank that falls back on any failure,
// the sort_by ranking, then pagination. A completely unavailable store yields
// an empty result and a warning, not an error.
func (c *Catalog) Search(ctx context.Context, q *MemoryQuery) ([]Record, error) {
	if q == nil {
		return nil, errors.New("query is nil")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	cat := q.Category
	if cat == "" {
		cat = CategoryUserMemory
	}

	candidates := c.structuralCandidates(ctx, q, cat)
	if len(candidates) == 0 {
		return []Record{}, nil
	}

	var ranked []Record
	if q.UseVectorSearch || q.SortBy == SortByVector {
		ranked = c.rankByVector(ctx, q, cat, candidates)
	}
	if ranked == nil {
		ranked = rankBySort(q, candidates)
	}

	// Pagination after ranking: offset is a rank cursor, not a storage cursor.
	if q.Offset > 0 {
		if q.Offset >= len(ranked) {
			return []Record{}, nil
		}
		ranked = ranked[q.Offset:]
	}
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}

	for _, rec := range ranked {
		c.recordAccess(rec)
	}
	return ranked, nil
}

// structuralCandidates loads and decodes every record passing the
// exact-match filters. Store failure degrades to no candidates.
func (c *Catalog) structuralCandidates(ctx context.Context, q *MemoryQuery, cat Category) []Record {
	filter := map[string]interface{}{
		"category": string(cat),
		"user_id":  q.UserID,
	}
	if q.MemoryType != nil {
		filter["memory_type"] = string(*q.MemoryType)
	}
	if q.SessionID != nil {
		filter["session_id"] = *q.SessionID
	}

	rows, err := c.store.Query(ctx, &docstore.Query{
		Filter:  filter,
		OrderBy: "updated_at",
		Desc:    true,
	})
	if err != nil {
		c.logger.Warn().Err(err).Msg("Search: store query failed, returning no results")
		return nil
	}

	candidates := lo.FilterMap(rows, func(row *docstore.Row, _ int) (Record, bool) {
		rec, err := RecordFromRow(row)
		if err != nil {
			c.logger.Warn().Err(err).Str("id", row.ID).Msg("Search: skipping undecodable record")
			return nil, false
		}
		return rec, true
	})

	if len(q.MetadataFilter) > 0 {
		candidates = lo.Filter(candidates, func(rec Record, _ int) bool {
			return matchesMetadata(rec.Base().Metadata, q.MetadataFilter)
		})
	}
	return candidates
}

// rankByVector re-ranks candidates by index similarity. Any failure (no
// embedding derivable, timeout, index miss) returns nil so the caller falls
// back to the sort_by ranking.
func (c *Catalog) rankByVector(ctx context.Context, q *MemoryQuery, cat Category, candidates []Record) []Record {
	queryVec := q.Embedding
	if len(queryVec) == 0 {
		if q.Query == "" {
			return nil
		}
		embedCtx, cancel := context.WithTimeout(ctx, queryEmbedTimeout)
		defer cancel()
		vec, err := c.embeds.GenerateEmbedding(embedCtx, q.Query)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Search: query embedding failed, falling back to keyword ranking")
			return nil
		}
		queryVec = vec
	}

	byID := make(map[string]Record, len(candidates))
	for _, rec := range candidates {
		byID[rec.Base().ID] = rec
	}

	// Over-fetch so index entries outside the filtered candidate set don't
	// starve the result.
	matches := c.embeds.SearchSimilar(ctx, cat, queryVec, len(candidates))
	if len(matches) == 0 {
		return nil
	}

	ranked := lo.FilterMap(matches, func(m Match, _ int) (Record, bool) {
		rec, ok := byID[m.ID]
		return rec, ok
	})
	if len(ranked) == 0 {
		return nil
	}
	return ranked
}

func rankBySort(q *MemoryQuery, candidates []Record) []Record {
	ranked := make([]Record, len(candidates))
	copy(ranked, candidates)

	switch q.SortBy {
	case SortByImportance:
		sort.SliceStable(ranked, func(i, j int) bool {
			return importanceOf(ranked[i]) > importanceOf(ranked[j])
		})
	case SortByAccessCount:
		sort.SliceStable(ranked, func(i, j int) bool {
			return ranked[i].Base().AccessCount > ranked[j].Base().AccessCount
		})
	case SortByRelevance:
		scores := lo.Map(ranked, func(rec Record, _ int) float64 {
			return relevanceScore(q.Query, rec)
		})
		idx := make([]int, len(ranked))
		for i := range idx {
			idx[i] = i
		}
		sort.SliceStable(idx, func(i, j int) bool {
			return scores[idx[i]] > scores[idx[j]]
		})
		out := make([]Record, len(ranked))
		for i, at := range idx {
			out[i] = ranked[at]
		}
		return out
	default: // recency
		sort.SliceStable(ranked, func(i, j int) bool {
			return ranked[i].Base().UpdatedAt.After(ranked[j].Base().UpdatedAt)
		})
	}
	return ranked
}

func importanceOf(rec Record) int {
	if mem, ok := rec.(*UserMemory); ok {
		return mem.Importance
	}
	return 0
}

func matchesMetadata(meta, want map[string]interface{}) bool {
	if len(meta) == 0 {
		return false
	}
	for k, v := range want {
		got, ok := meta[k]
		if !ok || !reflect.DeepEqual(got, v) {
			return false
		}
	}
	return true
}

// recordAccess bumps access statistics in the background. Best effort: a
// dropped or failed write costs statistics, never correctness.
func (c *Catalog) recordAccess(rec Record) {
	base := rec.Base()
	id := base.ID
	count := base.AccessCount + 1
	c.tasks.TrySubmit("access-bookkeeping", func(ctx context.Context) error {
		return c.store.Update(ctx, id, map[string]interface{}{
			"access_count":  count,
			"last_accessed": time.Now().Unix(),
			"updated_at":    base.UpdatedAt.Unix(),
		})
	})
}

// BackfillMissingEmbeddings sweeps the store for records persisted without an
// embedding and queues a backfill for each. Returns how many were queued.
// Run at startup and on a schedule; drops are retried by the next sweep.
func (c *Catalog) BackfillMissingEmbeddings(ctx context.Context) (int, error) {
	queued := 0
	for _, cat := range Categories() {
		rows, err := c.store.Query(ctx, &docstore.Query{
			Filter: map[string]interface{}{"category": string(cat)},
		})
		if err != nil {
			return queued, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		for _, row := range rows {
			if len(row.Embedding) > 0 {
				continue
			}
			rec, err := RecordFromRow(row)
			if err != nil {
				c.logger.Warn().Err(err).Str("id", row.ID).Msg("Backfill sweep: skipping undecodable record")
				continue
			}
			if rec.EmbeddableText() == "" {
				continue
			}
			fresh := rec
			if c.tasks.TrySubmit("embedding-backfill", func(ctx context.Context) error {
				return c.embeds.BackfillRecord(ctx, fresh)
			}) {
				queued++
			}
		}
	}
	c.logger.Info().Int("queued", queued).Msg("Embedding backfill sweep queued tasks")
	return queued, nil
}
