package memory

import (
	"encoding/json"
	"fmt"
	"strings"
)

// LLM responses are supposed to be bare JSON but routinely arrive wrapped in
// Markdown code fences or surrounded by prose. Parsing is two-stage: a
// fence-aware scanner picks the best-guess JSON substring, then a strict
// decode runs over it, recording which fields had to be defaulted.

// extractJSONBlock returns the JSON substring of a model response. Fenced
// blocks win; otherwise the outermost bracket/brace span is taken.
func extractJSONBlock(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if block, ok := fencedBlock(s); ok {
		return block
	}

	// No fence: take from the first opening bracket to its match.
	start := strings.IndexAny(s, "[{")
	if start < 0 {
		return ""
	}
	end := matchBracket(s, start)
	if end < 0 {
		// Unterminated; hand the tail to the decoder and let it complain.
		return s[start:]
	}
	return s[start : end+1]
}

// fencedBlock scans for a ``` or ```json fence and returns its content.
func fencedBlock(s string) (string, bool) {
	const fence = "```"
	open := strings.Index(s, fence)
	if open < 0 {
		return "", false
	}
	rest := s[open+len(fence):]
	// Skip a language tag on the opening fence line.
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		tag := strings.TrimSpace(rest[:nl])
		if tag == "" || !strings.ContainsAny(tag, "[{") {
			rest = rest[nl+1:]
		}
	}
	closing := strings.Index(rest, fence)
	if closing < 0 {
		return strings.TrimSpace(rest), true
	}
	return strings.TrimSpace(rest[:closing]), true
}

// matchBracket returns the index of the bracket matching s[start], honoring
// strings and escapes, or -1 if the span never closes.
func matchBracket(s string, start int) int {
	openChar := s[start]
	var closeChar byte
	switch openChar {
	case '[':
		closeChar = ']'
	case '{':
		closeChar = '}'
	default:
		return -1
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case openChar:
			depth++
		case closeChar:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// extractedMemory is one candidate memory as emitted by the model, before
// validation and clamping.
type extractedMemory struct {
	Content    string
	Type       string
	Importance int
	Confidence float64
	// Defaulted lists fields the model omitted or mistyped.
	Defaulted []string
}

type rawExtractedMemory struct {
	Content    *string      `json:"content"`
	Type       *string      `json:"type"`
	Importance *json.Number `json:"importance"`
	Confidence *json.Number `json:"confidence"`
}

const (
	defaultImportance = 2
	defaultConfidence = 0.5
)

// parseMemoryResponse decodes a model response expected to hold a JSON array
// of memory objects. Undecodable input is a wrapped ErrParseFailure; callers
// on the extraction path swallow it and proceed with nothing.
func parseMemoryResponse(response string) ([]extractedMemory, error) {
	block := extractJSONBlock(response)
	if block == "" {
		return nil, fmt.Errorf("%w: no JSON found in response", ErrParseFailure)
	}

	var raws []rawExtractedMemory
	if err := json.Unmarshal([]byte(block), &raws); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParseFailure, err)
	}

	out := make([]extractedMemory, 0, len(raws))
	for _, raw := range raws {
		mem := extractedMemory{
			Importance: defaultImportance,
			Confidence: defaultConfidence,
		}
		if raw.Content != nil {
			mem.Content = strings.TrimSpace(*raw.Content)
		} else {
			mem.Defaulted = append(mem.Defaulted, "content")
		}
		if raw.Type != nil {
			mem.Type = strings.TrimSpace(strings.ToLower(*raw.Type))
		} else {
			mem.Defaulted = append(mem.Defaulted, "type")
		}
		if raw.Importance != nil {
			if f, err := raw.Importance.Float64(); err == nil {
				mem.Importance = int(f)
			} else {
				mem.Defaulted = append(mem.Defaulted, "importance")
			}
		} else {
			mem.Defaulted = append(mem.Defaulted, "importance")
		}
		if raw.Confidence != nil {
			if f, err := raw.Confidence.Float64(); err == nil {
				mem.Confidence = f
			} else {
				mem.Defaulted = append(mem.Defaulted, "confidence")
			}
		} else {
			mem.Defaulted = append(mem.Defaulted, "confidence")
		}
		out = append(out, mem)
	}
	return out, nil
}

// extractedSummary is the decoded summary object with defaulting applied.
type extractedSummary struct {
	Summary   string
	Topics    []string
	KeyPoints []string
	Defaulted []string
}

type rawExtractedSummary struct {
	Summary   *string  `json:"summary"`
	Topics    []string `json:"topics"`
	KeyPoints []string `json:"key_points"`
}

// parseSummaryResponse decodes a model response expected to hold a single
// JSON object with summary/topics/key_points. Missing fields are defaulted.
func parseSummaryResponse(response string) (*extractedSummary, error) {
	block := extractJSONBlock(response)
	if block == "" {
		return nil, fmt.Errorf("%w: no JSON found in response", ErrParseFailure)
	}

	var raw rawExtractedSummary
	if err := json.Unmarshal([]byte(block), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParseFailure, err)
	}

	out := &extractedSummary{
		Topics:    raw.Topics,
		KeyPoints: raw.KeyPoints,
	}
	if raw.Summary != nil {
		out.Summary = strings.TrimSpace(*raw.Summary)
	} else {
		out.Defaulted = append(out.Defaulted, "summary")
	}
	if out.Topics == nil {
		out.Topics = []string{}
		out.Defaulted = append(out.Defaulted, "topics")
	}
	if out.KeyPoints == nil {
		out.KeyPoints = []string{}
		out.Defaulted = append(out.Defaulted, "key_points")
	}
	return out, nil
}
