package memory

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lumachat/memoryd/llm"
)

// stubLLM returns a canned completion and remembers whether it was called.
type stubLLM struct {
	resp   string
	err    error
	called bool
}

func (s *stubLLM) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	s.called = true
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Response{Text: s.resp}, nil
}

func newTestExtractor(t *testing.T, h *testHarness, client llm.Client) *Extractor {
	t.Helper()
	return NewExtractor(h.catalog, client, "test-model", zerolog.Nop())
}

func mochiTranscript() []Message {
	return []Message{
		{Role: "user", Content: "I just adopted a cat named Mochi yesterday and she is absolutely adorable and very playful around the apartment"},
		{Role: "assistant", Content: "That is wonderful news! Cats like Mochi can be great companions. How is she settling into her new home so far?"},
	}
}

func TestExtractor_MochiScenario(t *testing.T) {
	h := newTestHarness(t)
	defer h.drain()

	client := &stubLLM{resp: `[{"content": "User adopted a cat named Mochi", "type": "personal_info", "importance": 3, "confidence": 0.9}]`}
	ext := newTestExtractor(t, h, client)

	got, err := ext.ExtractUserMemories(context.Background(), "user-1", "sess-1", mochiTranscript())
	if err != nil {
		t.Fatalf("ExtractUserMemories: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("extracted %d memories, want 1", len(got))
	}
	mem := got[0]
	if mem.MemoryType != TypePersonalInfo && mem.MemoryType != TypeFact {
		t.Errorf("memory_type = %s, want personal_info or fact", mem.MemoryType)
	}
	if mem.Importance < MinImportance || mem.Importance > MaxImportance {
		t.Errorf("importance = %d, want within [1,4]", mem.Importance)
	}
	if want := "Mochi"; !strings.Contains(mem.Content, want) {
		t.Errorf("content %q does not mention %q", mem.Content, want)
	}
	if mem.Metadata["extracted"] != true {
		t.Errorf("metadata = %v, want extracted=true", mem.Metadata)
	}
	if mem.SourceSessionID == nil || *mem.SourceSessionID != "sess-1" {
		t.Errorf("source session = %v, want sess-1", mem.SourceSessionID)
	}
}

func TestExtractor_ImportanceClampTable(t *testing.T) {
	h := newTestHarness(t)
	defer h.drain()

	client := &stubLLM{resp: `[
		{"content": "raw -5", "type": "fact", "importance": -5, "confidence": 0.5},
		{"content": "raw 0", "type": "fact", "importance": 0, "confidence": 0.5},
		{"content": "raw 1", "type": "fact", "importance": 1, "confidence": 0.5},
		{"content": "raw 4", "type": "fact", "importance": 4, "confidence": 0.5},
		{"content": "raw 9", "type": "fact", "importance": 9, "confidence": 0.5}
	]`}
	ext := newTestExtractor(t, h, client)

	got, err := ext.ExtractUserMemories(context.Background(), "user-1", "sess-1", mochiTranscript())
	if err != nil {
		t.Fatalf("ExtractUserMemories: %v", err)
	}
	want := []int{1, 1, 1, 4, 4}
	if len(got) != len(want) {
		t.Fatalf("extracted %d memories, want %d", len(got), len(want))
	}
	for i, mem := range got {
		if mem.Importance != want[i] {
			t.Errorf("memory %q importance = %d, want %d", mem.Content, mem.Importance, want[i])
		}
	}
}

func TestExtractor_FenceAndBareResponsesMatch(t *testing.T) {
	payload := `[{"content": "User plays the violin", "type": "fact", "importance": 2, "confidence": 0.8}]`

	extract := func(resp string) []*UserMemory {
		h := newTestHarness(t)
		defer h.drain()
		ext := newTestExtractor(t, h, &stubLLM{resp: resp})
		got, err := ext.ExtractUserMemories(context.Background(), "user-1", "sess-1", mochiTranscript())
		if err != nil {
			t.Fatalf("ExtractUserMemories: %v", err)
		}
		return got
	}

	bare := extract(payload)
	fenced := extract("```json\n" + payload + "\n```")

	if len(bare) != 1 || len(fenced) != 1 {
		t.Fatalf("got %d bare / %d fenced memories, want 1 each", len(bare), len(fenced))
	}
	if bare[0].Content != fenced[0].Content ||
		bare[0].MemoryType != fenced[0].MemoryType ||
		bare[0].Importance != fenced[0].Importance {
		t.Errorf("fence changed the result: bare=%+v fenced=%+v", bare[0], fenced[0])
	}
}

func TestExtractor_GarbageResponseYieldsNothing(t *testing.T) {
	h := newTestHarness(t)
	defer h.drain()
	ext := newTestExtractor(t, h, &stubLLM{resp: "Sorry, I cannot help with that."})

	got, err := ext.ExtractUserMemories(context.Background(), "user-1", "sess-1", mochiTranscript())
	if err != nil {
		t.Fatalf("garbage output must not surface an error, got: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("extracted %d memories from garbage, want 0", len(got))
	}
}

func TestExtractor_DropsIncompleteCandidates(t *testing.T) {
	h := newTestHarness(t)
	defer h.drain()
	ext := newTestExtractor(t, h, &stubLLM{resp: `[
		{"type": "fact", "importance": 2},
		{"content": "no type at all"},
		{"content": "User collects vinyl records", "type": "preference", "importance": 2, "confidence": 0.8}
	]`})

	got, err := ext.ExtractUserMemories(context.Background(), "user-1", "sess-1", mochiTranscript())
	if err != nil {
		t.Fatalf("ExtractUserMemories: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("extracted %d memories, want only the complete one", len(got))
	}
	if got[0].Content != "User collects vinyl records" {
		t.Errorf("kept %q", got[0].Content)
	}
}

func TestExtractor_ShortTranscriptSkipsLLM(t *testing.T) {
	h := newTestHarness(t)
	defer h.drain()
	client := &stubLLM{resp: "[]"}
	ext := newTestExtractor(t, h, client)

	got, err := ext.ExtractUserMemories(context.Background(), "user-1", "sess-1", []Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	})
	if err != nil {
		t.Fatalf("ExtractUserMemories: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("extracted %d memories from a two-word chat", len(got))
	}
	if client.called {
		t.Error("LLM was called for a transcript below the word threshold")
	}
}

func TestExtractor_GenerateSessionSummary(t *testing.T) {
	h := newTestHarness(t)
	defer h.drain()
	ext := newTestExtractor(t, h, &stubLLM{
		resp: `{"summary": "User talked about adopting Mochi.", "topics": ["pets", "Pets", "cats"], "key_points": ["adopted a cat named Mochi"]}`,
	})

	start := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	end := start.Add(15 * time.Minute)
	messages := []Message{
		{Role: "user", Content: "I adopted a cat", Timestamp: start},
		{Role: "assistant", Content: "Congratulations!", Timestamp: end},
	}

	got, err := ext.GenerateSessionSummary(context.Background(), "user-1", "sess-1", messages)
	if err != nil {
		t.Fatalf("GenerateSessionSummary: %v", err)
	}
	if got == nil {
		t.Fatal("summary is nil")
	}
	if got.Summary != "User talked about adopting Mochi." {
		t.Errorf("Summary = %q", got.Summary)
	}
	if len(got.Topics) != 3 {
		t.Errorf("Topics = %v, want case-sensitive dedup of 3 entries", got.Topics)
	}
	if !got.StartTime.Equal(start) || !got.EndTime.Equal(end) {
		t.Errorf("bounds = %v..%v, want %v..%v", got.StartTime, got.EndTime, start, end)
	}

	stored, err := h.catalog.GetSessionSummary(context.Background(), "user-1", "sess-1")
	if err != nil {
		t.Fatalf("GetSessionSummary: %v", err)
	}
	if stored == nil || stored.Summary != got.Summary {
		t.Errorf("summary not persisted: %+v", stored)
	}
}

func TestExtractor_ProcessConversationGates(t *testing.T) {
	h := newTestHarness(t)
	defer h.drain()
	client := &stubLLM{resp: `[{"content": "User adopted a cat named Mochi", "type": "personal_info", "importance": 3, "confidence": 0.9}]`}
	ext := newTestExtractor(t, h, client)
	ctx := context.Background()

	// One message: transcript saved, nothing else runs.
	result, err := ext.ProcessConversation(ctx, "user-1", "sess-1", []Message{
		{Role: "user", Content: "hello there, anyone home?"},
	}, ProcessOptions{ExtractMemories: true, GenerateSummary: true})
	if err != nil {
		t.Fatalf("ProcessConversation: %v", err)
	}
	if result.History == nil {
		t.Error("transcript was not saved")
	}
	if client.called {
		t.Error("LLM called below the extraction threshold")
	}
	if result.Summary != nil {
		t.Error("summary generated below the message threshold")
	}

	history, err := h.catalog.GetChatHistory(ctx, "user-1", "sess-1")
	if err != nil || history == nil {
		t.Fatalf("GetChatHistory: %v, %v", history, err)
	}
}

func TestExtractor_ProcessConversationSummaryAtThreshold(t *testing.T) {
	h := newTestHarness(t)
	defer h.drain()
	ext := newTestExtractor(t, h, &stubLLM{
		resp: `{"summary": "A long chat about pets.", "topics": ["pets"], "key_points": []}`,
	})

	messages := make([]Message, 0, minMessagesForSummary)
	for i := 0; i < minMessagesForSummary; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		messages = append(messages, Message{Role: role, Content: "another turn about the new cat at home"})
	}

	result, err := ext.ProcessConversation(context.Background(), "user-1", "sess-1", messages, ProcessOptions{
		GenerateSummary: true,
	})
	if err != nil {
		t.Fatalf("ProcessConversation: %v", err)
	}
	if result.Summary == nil {
		t.Fatal("no summary at the message threshold")
	}
	if result.Summary.Summary != "A long chat about pets." {
		t.Errorf("Summary = %q", result.Summary.Summary)
	}
}
