package memory

import (
	"strings"
)

// relevanceScore is the keyword-overlap ranking used when no query embedding
// is in play: occurrences of each query term in the record text,
// case-insensitive, summed and normalized by the query term count.
func relevanceScore(query string, rec Record) float64 {
	terms := strings.Fields(strings.ToLower(strings.TrimSpace(query)))
	if len(terms) == 0 {
		return 0
	}

	text := strings.ToLower(searchableText(rec))
	if text == "" {
		return 0
	}

	hits := 0
	for _, term := range terms {
		hits += strings.Count(text, term)
	}
	return float64(hits) / float64(len(terms))
}

// searchableText is the text a keyword match runs over. Wider than
// EmbeddableText for summaries: topics and key points count too.
func searchableText(rec Record) string {
	switch m := rec.(type) {
	case *SessionSummary:
		parts := append([]string{m.Summary}, m.Topics...)
		parts = append(parts, m.KeyPoints...)
		return strings.Join(parts, "\n")
	default:
		return rec.EmbeddableText()
	}
}
