package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	memorySearchTimeout = 3 * time.Second
	summaryFetchTimeout = 2 * time.Second
	defaultEnhanceLimit = 5
)

// EnhancedContext is the augmentation handed back to the chat pipeline.
type EnhancedContext struct {
	RelevantMemories []Record
	SessionSummary   *SessionSummary
	ContextText      string
}

// Augmenter is the entry-point façade: given a user message, it assembles an
// injectable context block from relevant memories and the session summary.
// Every lookup degrades independently; a conversation turn never fails
// because memory retrieval did.
type Augmenter struct {
	catalog *Catalog
	limit   int
	logger  zerolog.Logger
}

// NewAugmenter creates the façade over the catalog. limit caps how many
// memories are injected; non-positive means the default.
func NewAugmenter(catalog *Catalog, limit int, logger zerolog.Logger) *Augmenter {
	if limit <= 0 {
		limit = defaultEnhanceLimit
	}
	return &Augmenter{
		catalog: catalog,
		limit:   limit,
		logger:  logger.With().Str("component", "contextAugmenter").Logger(),
	}
}

// Enhance looks up memories relevant to the user message and the current
// session's summary, each under its own timeout. A timed-out or failed
// lookup leaves its piece empty; Enhance itself never returns an error.
func (a *Augmenter) Enhance(ctx context.Context, userID, userMessage string, sessionID string) *EnhancedContext {
	out := &EnhancedContext{RelevantMemories: []Record{}}

	searchCtx, cancelSearch := context.WithTimeout(ctx, memorySearchTimeout)
	defer cancelSearch()
	memories, err := a.catalog.Search(searchCtx, &MemoryQuery{
		UserID:          userID,
		Query:           userMessage,
		Category:        CategoryUserMemory,
		SortBy:          SortByRelevance,
		UseVectorSearch: true,
		Limit:           a.limit,
	})
	if err != nil {
		a.logger.Warn().Err(err).Str("userID", userID).Msg("Enhance: memory search failed, continuing without memories")
	} else {
		out.RelevantMemories = memories
	}

	if sessionID != "" {
		summaryCtx, cancelSummary := context.WithTimeout(ctx, summaryFetchTimeout)
		defer cancelSummary()
		summary, err := a.catalog.GetSessionSummary(summaryCtx, userID, sessionID)
		if err != nil {
			a.logger.Warn().Err(err).Str("sessionID", sessionID).Msg("Enhance: summary fetch failed, continuing without summary")
		} else {
			out.SessionSummary = summary
		}
	}

	out.ContextText = buildContextText(out.RelevantMemories, out.SessionSummary)
	return out
}

// buildContextText renders the injectable block: summary first, then a
// numbered memory list. Empty inputs produce an empty string, never a
// placeholder.
func buildContextText(memories []Record, summary *SessionSummary) string {
	var b strings.Builder

	if summary != nil && strings.TrimSpace(summary.Summary) != "" {
		b.WriteString("Previous session summary: ")
		b.WriteString(strings.TrimSpace(summary.Summary))
		b.WriteString("\n")
	}

	n := 0
	for _, rec := range memories {
		mem, ok := rec.(*UserMemory)
		if !ok || strings.TrimSpace(mem.Content) == "" {
			continue
		}
		if n == 0 {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString("Relevant memories about the user:\n")
		}
		n++
		b.WriteString(fmt.Sprintf("%d. %s (%s)\n", n, strings.TrimSpace(mem.Content), mem.MemoryType))
	}

	return strings.TrimRight(b.String(), " \n\t")
}
