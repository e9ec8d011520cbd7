package memory

import (
	"errors"
	"reflect"
	"testing"
)

const memoryJSON = `[
  {"content": "User adopted a cat named Mochi", "type": "personal_info", "importance": 3, "confidence": 0.9},
  {"content": "User prefers tea over coffee", "type": "preference", "importance": 2, "confidence": 0.7}
]`

func TestParseMemoryResponse_FenceEquivalence(t *testing.T) {
	variants := map[string]string{
		"bare":          memoryJSON,
		"json fence":    "```json\n" + memoryJSON + "\n```",
		"plain fence":   "```\n" + memoryJSON + "\n```",
		"prose wrapped": "Here are the extracted memories:\n\n" + memoryJSON + "\n\nLet me know if you need more.",
	}

	var baseline []extractedMemory
	for name, input := range variants {
		got, err := parseMemoryResponse(input)
		if err != nil {
			t.Fatalf("%s: parseMemoryResponse: %v", name, err)
		}
		if baseline == nil {
			baseline = got
			continue
		}
		if !reflect.DeepEqual(got, baseline) {
			t.Errorf("%s: parsed %+v, want %+v", name, got, baseline)
		}
	}

	if len(baseline) != 2 {
		t.Fatalf("parsed %d memories, want 2", len(baseline))
	}
	if baseline[0].Content != "User adopted a cat named Mochi" || baseline[0].Type != "personal_info" {
		t.Errorf("first memory = %+v", baseline[0])
	}
}

func TestParseMemoryResponse_DefaultsReported(t *testing.T) {
	got, err := parseMemoryResponse(`[{"content": "likes jazz"}]`)
	if err != nil {
		t.Fatalf("parseMemoryResponse: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("parsed %d memories, want 1", len(got))
	}
	mem := got[0]
	if mem.Importance != defaultImportance || mem.Confidence != defaultConfidence {
		t.Errorf("defaults not applied: %+v", mem)
	}
	wantDefaulted := []string{"type", "importance", "confidence"}
	if !reflect.DeepEqual(mem.Defaulted, wantDefaulted) {
		t.Errorf("Defaulted = %v, want %v", mem.Defaulted, wantDefaulted)
	}
}

func TestParseMemoryResponse_Garbage(t *testing.T) {
	for _, input := range []string{
		"",
		"I could not find anything to extract.",
		"```json\nnot json at all\n```",
		`{"content": "an object, not an array"}`,
	} {
		_, err := parseMemoryResponse(input)
		if err == nil {
			t.Errorf("parseMemoryResponse(%q): expected error", input)
			continue
		}
		if !errors.Is(err, ErrParseFailure) {
			t.Errorf("parseMemoryResponse(%q): error %v is not ErrParseFailure", input, err)
		}
	}
}

func TestParseSummaryResponse_Defaults(t *testing.T) {
	got, err := parseSummaryResponse("```json\n" + `{"summary": "Talked about pets."}` + "\n```")
	if err != nil {
		t.Fatalf("parseSummaryResponse: %v", err)
	}
	if got.Summary != "Talked about pets." {
		t.Errorf("Summary = %q", got.Summary)
	}
	if got.Topics == nil || len(got.Topics) != 0 {
		t.Errorf("Topics = %v, want empty slice", got.Topics)
	}
	if got.KeyPoints == nil || len(got.KeyPoints) != 0 {
		t.Errorf("KeyPoints = %v, want empty slice", got.KeyPoints)
	}
	wantDefaulted := []string{"topics", "key_points"}
	if !reflect.DeepEqual(got.Defaulted, wantDefaulted) {
		t.Errorf("Defaulted = %v, want %v", got.Defaulted, wantDefaulted)
	}
}

func TestParseSummaryResponse_Full(t *testing.T) {
	got, err := parseSummaryResponse(`{"summary": "Pets and plans.", "topics": ["pets", "travel"], "key_points": ["adopted a cat"]}`)
	if err != nil {
		t.Fatalf("parseSummaryResponse: %v", err)
	}
	if got.Summary != "Pets and plans." || len(got.Topics) != 2 || len(got.KeyPoints) != 1 {
		t.Errorf("parsed %+v", got)
	}
	if len(got.Defaulted) != 0 {
		t.Errorf("Defaulted = %v, want none", got.Defaulted)
	}
}

func TestExtractJSONBlock_NestedBraces(t *testing.T) {
	input := `The result: {"a": {"b": "with } inside a string"}, "c": [1, 2]} trailing prose`
	want := `{"a": {"b": "with } inside a string"}, "c": [1, 2]}`
	if got := extractJSONBlock(input); got != want {
		t.Errorf("extractJSONBlock = %q, want %q", got, want)
	}
}
