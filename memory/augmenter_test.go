package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestAugmenter_EnhanceWithMemoriesAndSummary(t *testing.T) {
	h := newTestHarness(t)
	defer h.drain()
	ctx := context.Background()

	saveMemoryAt(t, h, "User has two pets: a cat and a dog", 2000)
	saveMemoryAt(t, h, "User works as a teacher", 1000)
	if _, err := h.catalog.SaveSessionSummary(ctx, &SessionSummary{
		base:      Base{UserID: "user-1"},
		SessionID: "sess-1",
		Summary:   "Talked about daily routines.",
	}); err != nil {
		t.Fatalf("SaveSessionSummary: %v", err)
	}

	aug := NewAugmenter(h.catalog, 5, zerolog.Nop())
	got := aug.Enhance(ctx, "user-1", "tell me about my pets", "sess-1")

	if len(got.RelevantMemories) == 0 {
		t.Fatal("no relevant memories returned")
	}
	if got.SessionSummary == nil || got.SessionSummary.Summary != "Talked about daily routines." {
		t.Errorf("SessionSummary = %+v", got.SessionSummary)
	}

	text := got.ContextText
	if !strings.Contains(text, "Previous session summary: Talked about daily routines.") {
		t.Errorf("context text missing summary block:\n%s", text)
	}
	if !strings.Contains(text, "1. User has two pets: a cat and a dog (fact)") {
		t.Errorf("context text missing numbered memory line:\n%s", text)
	}
	summaryAt := strings.Index(text, "Previous session summary")
	memoriesAt := strings.Index(text, "Relevant memories")
	if summaryAt < 0 || memoriesAt < 0 || summaryAt > memoriesAt {
		t.Errorf("summary block must come before memories:\n%s", text)
	}
	if strings.HasSuffix(text, "\n") || strings.HasSuffix(text, " ") {
		t.Error("context text has trailing whitespace")
	}
}

func TestAugmenter_DegradeNotFail(t *testing.T) {
	h := newTestHarness(t)
	defer h.drain()

	// Every store call fails from here on.
	_ = h.db.Close()

	aug := NewAugmenter(h.catalog, 5, zerolog.Nop())
	got := aug.Enhance(context.Background(), "user-1", "anything at all", "sess-1")

	if got == nil {
		t.Fatal("Enhance returned nil")
	}
	if len(got.RelevantMemories) != 0 {
		t.Errorf("RelevantMemories = %d entries, want 0", len(got.RelevantMemories))
	}
	if got.SessionSummary != nil {
		t.Errorf("SessionSummary = %+v, want nil", got.SessionSummary)
	}
	if got.ContextText != "" {
		t.Errorf("ContextText = %q, want empty", got.ContextText)
	}
}

func TestAugmenter_EmptyInputsEmptyText(t *testing.T) {
	if got := buildContextText(nil, nil); got != "" {
		t.Errorf("buildContextText(nil, nil) = %q, want empty", got)
	}
	if got := buildContextText([]Record{}, &SessionSummary{Summary: "   "}); got != "" {
		t.Errorf("blank summary produced %q, want empty", got)
	}
}

func TestAugmenter_NoSessionSkipsSummaryFetch(t *testing.T) {
	h := newTestHarness(t)
	defer h.drain()

	saveMemoryAt(t, h, "User has two pets: a cat and a dog", 1000)

	aug := NewAugmenter(h.catalog, 5, zerolog.Nop())
	got := aug.Enhance(context.Background(), "user-1", "pets", "")
	if got.SessionSummary != nil {
		t.Errorf("summary fetched without a session id: %+v", got.SessionSummary)
	}
	if len(got.RelevantMemories) == 0 {
		t.Error("memories missing without a session id")
	}
}
