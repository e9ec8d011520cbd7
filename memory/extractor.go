package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/lumachat/memoryd/llm"
)

const (
	// Extraction thresholds are size-based, not time-based. Too few turns is
	// noise; re-running on every turn is cost.
	minMessagesForExtraction = 2
	minMessagesForSummary    = 5
	resummarizeThreshold     = 20
	minTranscriptWords       = 20

	extractionMaxTokens = 1024
	summaryMaxTokens    = 512
)

const extractionSystemPrompt = `You analyze conversations and extract durable facts about the user for long-term memory.

Extract only information worth remembering across sessions: personal details, stable preferences, opinions, factual statements about the user's life, and concrete plans.

Respond with a JSON array only, no prose. Each element:
{"content": "the memory as one sentence", "type": "personal_info|preference|opinion|fact|plan", "importance": 1-4, "confidence": 0.0-1.0}

importance: 1 = minor detail, 4 = critical. Return [] if nothing is worth remembering.`

const summarySystemPrompt = `You summarize a conversation session for long-term memory.

Respond with a JSON object only, no prose:
{"summary": "2-3 sentence summary", "topics": ["topic", ...], "key_points": ["point", ...]}`

// ProcessOptions controls which stages of ProcessConversation run. The two
// stages are independent; skipping one never affects the other.
type ProcessOptions struct {
	ExtractMemories bool
	GenerateSummary bool
	// ForceSummary re-generates the summary even if one stage gate would skip
	// it, used for periodic re-summarization of long sessions.
	ForceSummary bool
}

// ProcessResult reports what one conversation batch produced.
type ProcessResult struct {
	History           *ChatHistoryMemory
	ExtractedMemories []*UserMemory
	Summary           *SessionSummary
}

// Extractor turns conversation transcripts into structured long-term
// memories and session summaries via an LLM, then persists them through the
// catalog.
type Extractor struct {
	catalog *Catalog
	client  llm.Client
	model   string
	logger  zerolog.Logger
}

// NewExtractor creates an extractor using the given completion client. model
// may be empty when the client carries its own default.
func NewExtractor(catalog *Catalog, client llm.Client, model string, logger zerolog.Logger) *Extractor {
	return &Extractor{
		catalog: catalog,
		client:  client,
		model:   model,
		logger:  logger.With().Str("component", "memoryExtractor").Logger(),
	}
}

// ProcessConversation saves the transcript, then runs extraction and
// summarization when the batch is large enough. Extraction and summary
// failures are logged and leave their slice/field empty; only a failure to
// persist the transcript itself is an error.
func (e *Extractor) ProcessConversation(ctx context.Context, userID, sessionID string, messages []Message, opts ProcessOptions) (*ProcessResult, error) {
	history, err := e.catalog.SaveChatHistory(ctx, userID, sessionID, messages)
	if err != nil {
		return nil, fmt.Errorf("save chat history: %w", err)
	}
	result := &ProcessResult{History: history}

	if opts.ExtractMemories && len(messages) >= minMessagesForExtraction {
		memories, err := e.ExtractUserMemories(ctx, userID, sessionID, messages)
		if err != nil {
			e.logger.Warn().Err(err).Str("sessionID", sessionID).Msg("Memory extraction failed, continuing without")
		} else {
			result.ExtractedMemories = memories
		}
	}

	wantSummary := opts.GenerateSummary && len(messages) >= minMessagesForSummary
	if opts.ForceSummary && len(messages) >= resummarizeThreshold {
		wantSummary = true
	}
	if wantSummary {
		summary, err := e.GenerateSessionSummary(ctx, userID, sessionID, messages)
		if err != nil {
			e.logger.Warn().Err(err).Str("sessionID", sessionID).Msg("Summary generation failed, continuing without")
		} else {
			result.Summary = summary
		}
	}

	return result, nil
}

// ExtractUserMemories renders the transcript, prompts the model for
// candidate memories, validates and clamps them, and persists the survivors.
// A transcript too short to carry signal yields nothing. Non-conforming
// model output yields nothing rather than an error.
func (e *Extractor) ExtractUserMemories(ctx context.Context, userID, sessionID string, messages []Message) ([]*UserMemory, error) {
	transcript := renderTranscript(messages)
	if wordCount(transcript) < minTranscriptWords {
		e.logger.Debug().Str("sessionID", sessionID).Msg("Transcript too short, skipping extraction")
		return nil, nil
	}

	resp, err := e.client.Complete(ctx, &llm.Request{
		Model:     e.model,
		System:    extractionSystemPrompt,
		Prompt:    "Conversation:\n" + transcript,
		MaxTokens: extractionMaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("extraction completion: %w", err)
	}

	parsed, err := parseMemoryResponse(resp.Text)
	if err != nil {
		e.logger.Warn().Err(err).Str("sessionID", sessionID).Msg("Unparseable extraction response, treating as empty")
		return nil, nil
	}

	sid := sessionID
	var saved []*UserMemory
	for _, cand := range parsed {
		// Candidates missing content or type carry no usable memory.
		if cand.Content == "" || cand.Type == "" {
			e.logger.Debug().Strs("defaulted", cand.Defaulted).Msg("Dropping incomplete memory candidate")
			continue
		}
		memType := MemoryType(cand.Type)
		if !ValidMemoryType(memType) {
			memType = TypeFact
		}

		mem := &UserMemory{
			base: Base{
				UserID: userID,
				Metadata: map[string]interface{}{
					"extracted":  true,
					"confidence": ClampConfidence(cand.Confidence),
				},
			},
			Content:         cand.Content,
			MemoryType:      memType,
			Importance:      ClampImportance(cand.Importance),
			SourceSessionID: &sid,
		}
		stored, err := e.catalog.SaveUserMemory(ctx, mem)
		if err != nil {
			e.logger.Warn().Err(err).Str("sessionID", sessionID).Msg("Failed to persist extracted memory")
			continue
		}
		saved = append(saved, stored)
	}

	e.logger.Info().
		Str("sessionID", sessionID).
		Int("candidates", len(parsed)).
		Int("saved", len(saved)).
		Msg("Memory extraction finished")
	return saved, nil
}

// GenerateSessionSummary prompts the model for a structured summary of the
// session and upserts it. Missing response fields are defaulted; an empty
// summary text is rejected as no-signal.
func (e *Extractor) GenerateSessionSummary(ctx context.Context, userID, sessionID string, messages []Message) (*SessionSummary, error) {
	transcript := renderTranscript(messages)
	if transcript == "" {
		return nil, nil
	}

	resp, err := e.client.Complete(ctx, &llm.Request{
		Model:     e.model,
		System:    summarySystemPrompt,
		Prompt:    "Conversation:\n" + transcript,
		MaxTokens: summaryMaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("summary completion: %w", err)
	}

	parsed, err := parseSummaryResponse(resp.Text)
	if err != nil {
		e.logger.Warn().Err(err).Str("sessionID", sessionID).Msg("Unparseable summary response, treating as empty")
		return nil, nil
	}
	if parsed.Summary == "" {
		e.logger.Warn().Str("sessionID", sessionID).Msg("Model produced empty summary text, skipping")
		return nil, nil
	}

	start, end := sessionBounds(messages)
	summary := &SessionSummary{
		base: Base{
			UserID: userID,
			Metadata: map[string]interface{}{
				"generated": true,
			},
		},
		SessionID: sessionID,
		Summary:   parsed.Summary,
		Topics:    dedupTopics(parsed.Topics),
		KeyPoints: parsed.KeyPoints,
		StartTime: start,
		EndTime:   end,
	}
	return e.catalog.SaveSessionSummary(ctx, summary)
}

// renderTranscript flattens messages into "Role: content" lines.
func renderTranscript(messages []Message) string {
	lines := lo.FilterMap(messages, func(msg Message, _ int) (string, bool) {
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			return "", false
		}
		role := msg.Role
		if role == "" {
			role = "user"
		}
		return strings.ToUpper(role[:1]) + role[1:] + ": " + content, true
	})
	return strings.Join(lines, "\n")
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}

// sessionBounds takes the first and last message timestamps, falling back to
// now when the transcript carries none.
func sessionBounds(messages []Message) (time.Time, time.Time) {
	now := time.Now()
	start, end := now, now
	for _, msg := range messages {
		if !msg.Timestamp.IsZero() {
			start = msg.Timestamp
			break
		}
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if !messages[i].Timestamp.IsZero() {
			end = messages[i].Timestamp
			break
		}
	}
	return start, end
}

func dedupTopics(topics []string) []string {
	cleaned := lo.FilterMap(topics, func(t string, _ int) (string, bool) {
		t = strings.TrimSpace(t)
		return t, t != ""
	})
	return lo.Uniq(cleaned)
}
