package memory

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/lumachat/memoryd/docstore"
)

// Category identifies one of the three memory collections. Each category has
// its own vector index and its own payload schema.
type Category string

const (
	CategoryChatHistory    Category = "chat_history"
	CategoryUserMemory     Category = "user_memory"
	CategorySessionSummary Category = "session_summary"
)

// Categories lists all memory categories in a stable order.
func Categories() []Category {
	return []Category{CategoryChatHistory, CategoryUserMemory, CategorySessionSummary}
}

// MemoryType classifies a user memory.
type MemoryType string

const (
	TypePersonalInfo MemoryType = "personal_info"
	TypePreference   MemoryType = "preference"
	TypeOpinion      MemoryType = "opinion"
	TypeFact         MemoryType = "fact"
	TypePlan         MemoryType = "plan"
)

// ValidMemoryType reports whether t is one of the known memory types.
func ValidMemoryType(t MemoryType) bool {
	switch t {
	case TypePersonalInfo, TypePreference, TypeOpinion, TypeFact, TypePlan:
		return true
	}
	return false
}

const (
	// MinImportance and MaxImportance bound the importance scale (4 = critical).
	MinImportance = 1
	MaxImportance = 4
)

// ClampImportance forces an importance value into [1,4]. Out-of-range values
// from extraction are clamped, never rejected.
func ClampImportance(v int) int {
	if v < MinImportance {
		return MinImportance
	}
	if v > MaxImportance {
		return MaxImportance
	}
	return v
}

// ClampConfidence forces a confidence value into [0,1].
func ClampConfidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Base carries the fields shared by all memory categories.
type Base struct {
	ID           string
	UserID       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Embedding    []float32
	Metadata     map[string]interface{}
	AccessCount  int
	LastAccessed time.Time
}

// base aliases Base so records can embed the shared fields (keeping field
// promotion) without the embedded field name colliding with the Record
// interface's Base method.
type base = Base

// Record is the closed sum over the three memory categories.
type Record interface {
	Category() Category
	// Base exposes the shared fields for mutation by the catalog.
	Base() *Base
	// EmbeddableText is the text the embedding is computed over. Empty means
	// the record has nothing worth indexing.
	EmbeddableText() string
}

// Message is a single conversation turn inside a chat history record.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// ChatHistoryMemory holds the raw transcript of one session. At most one live
// record exists per session id.
type ChatHistoryMemory struct {
	base
	SessionID string
	Messages  []Message
}

func (m *ChatHistoryMemory) Category() Category { return CategoryChatHistory }
func (m *ChatHistoryMemory) Base() *Base        { return &m.base }

func (m *ChatHistoryMemory) EmbeddableText() string {
	lines := lo.Map(m.Messages, func(msg Message, _ int) string {
		return msg.Role + ": " + msg.Content
	})
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// UserMemory is a single extracted long-term fact about the user.
type UserMemory struct {
	base
	Content         string
	MemoryType      MemoryType
	Importance      int
	SourceSessionID *string
}

func (m *UserMemory) Category() Category     { return CategoryUserMemory }
func (m *UserMemory) Base() *Base            { return &m.base }
func (m *UserMemory) EmbeddableText() string { return strings.TrimSpace(m.Content) }

// SessionSummary is the distilled view of one session. At most one live
// summary exists per session id; later summaries replace earlier ones.
type SessionSummary struct {
	base
	SessionID string
	Summary   string
	StartTime time.Time
	EndTime   time.Time
	Topics    []string
	KeyPoints []string
}

func (m *SessionSummary) Category() Category     { return CategorySessionSummary }
func (m *SessionSummary) Base() *Base            { return &m.base }
func (m *SessionSummary) EmbeddableText() string { return strings.TrimSpace(m.Summary) }

// SortBy selects the ranking strategy for Search.
type SortBy string

const (
	SortByRecency     SortBy = "recency"
	SortByImportance  SortBy = "importance"
	SortByAccessCount SortBy = "access_count"
	SortByRelevance   SortBy = "relevance"
	SortByVector      SortBy = "vector"
)

// MemoryQuery describes one retrieval request. It is transient, never
// persisted.
type MemoryQuery struct {
	UserID          string
	Query           string
	Category        Category
	MemoryType      *MemoryType
	SessionID       *string
	MetadataFilter  map[string]interface{}
	Limit           int
	Offset          int
	SortBy          SortBy
	Embedding       []float32 // optional precomputed query embedding
	UseVectorSearch bool
}

// payload schemas: the JSON documents stored in memory_records.payload.

type chatHistoryPayload struct {
	Messages []messagePayload `json:"messages"`
}

type messagePayload struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type userMemoryPayload struct {
	Content         string  `json:"content"`
	SourceSessionID *string `json:"source_session_id,omitempty"`
}

type sessionSummaryPayload struct {
	Summary   string   `json:"summary"`
	Topics    []string `json:"topics"`
	KeyPoints []string `json:"key_points"`
	StartTime int64    `json:"start_time,omitempty"`
	EndTime   int64    `json:"end_time,omitempty"`
}

// RowFromRecord converts a record into its stored representation.
func RowFromRecord(rec Record) (*docstore.Row, error) {
	if rec == nil {
		return nil, fmt.Errorf("record is nil")
	}
	base := rec.Base()
	row := &docstore.Row{
		ID:          base.ID,
		Category:    string(rec.Category()),
		UserID:      base.UserID,
		AccessCount: base.AccessCount,
		Embedding:   EncodeEmbedding(base.Embedding),
	}
	if !base.LastAccessed.IsZero() {
		row.LastAccessed = base.LastAccessed.Unix()
	}
	if !base.CreatedAt.IsZero() {
		row.CreatedAt = base.CreatedAt.Unix()
	}
	if !base.UpdatedAt.IsZero() {
		row.UpdatedAt = base.UpdatedAt.Unix()
	}
	if len(base.Metadata) > 0 {
		meta, err := json.Marshal(base.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
		row.Metadata = meta
	}

	var (
		payload interface{}
		err     error
	)
	switch m := rec.(type) {
	case *ChatHistoryMemory:
		row.SessionID = &m.SessionID
		payload = chatHistoryPayload{
			Messages: lo.Map(m.Messages, func(msg Message, _ int) messagePayload {
				p := messagePayload{Role: msg.Role, Content: msg.Content}
				if !msg.Timestamp.IsZero() {
					p.Timestamp = msg.Timestamp.Unix()
				}
				return p
			}),
		}
	case *UserMemory:
		mt := string(m.MemoryType)
		row.MemoryType = &mt
		row.Importance = ClampImportance(m.Importance)
		payload = userMemoryPayload{
			Content:         m.Content,
			SourceSessionID: m.SourceSessionID,
		}
	case *SessionSummary:
		row.SessionID = &m.SessionID
		p := sessionSummaryPayload{
			Summary:   m.Summary,
			Topics:    m.Topics,
			KeyPoints: m.KeyPoints,
		}
		if p.Topics == nil {
			p.Topics = []string{}
		}
		if p.KeyPoints == nil {
			p.KeyPoints = []string{}
		}
		if !m.StartTime.IsZero() {
			p.StartTime = m.StartTime.Unix()
		}
		if !m.EndTime.IsZero() {
			p.EndTime = m.EndTime.Unix()
		}
		payload = p
	default:
		return nil, fmt.Errorf("unknown record type %T", rec)
	}

	row.Payload, err = json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return row, nil
}

// RecordFromRow decodes a stored row into its category's record type.
// Malformed optional fields fall back to defaults; only an unknown category
// or an undecodable payload is an error.
func RecordFromRow(row *docstore.Row) (Record, error) {
	if row == nil {
		return nil, fmt.Errorf("row is nil")
	}

	base := Base{
		ID:          row.ID,
		UserID:      row.UserID,
		AccessCount: row.AccessCount,
		CreatedAt:   time.Unix(row.CreatedAt, 0),
		UpdatedAt:   time.Unix(row.UpdatedAt, 0),
	}
	if row.LastAccessed > 0 {
		base.LastAccessed = time.Unix(row.LastAccessed, 0)
	}
	if vec, err := DecodeEmbedding(row.Embedding); err == nil {
		base.Embedding = vec
	}
	if len(row.Metadata) > 0 {
		_ = json.Unmarshal(row.Metadata, &base.Metadata)
	}

	switch Category(row.Category) {
	case CategoryChatHistory:
		var p chatHistoryPayload
		if err := json.Unmarshal(row.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode chat history payload: %w", err)
		}
		rec := &ChatHistoryMemory{base: base}
		if row.SessionID != nil {
			rec.SessionID = *row.SessionID
		}
		rec.Messages = lo.Map(p.Messages, func(mp messagePayload, _ int) Message {
			msg := Message{Role: mp.Role, Content: mp.Content}
			if mp.Timestamp > 0 {
				msg.Timestamp = time.Unix(mp.Timestamp, 0)
			}
			return msg
		})
		return rec, nil

	case CategoryUserMemory:
		var p userMemoryPayload
		if err := json.Unmarshal(row.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode user memory payload: %w", err)
		}
		rec := &UserMemory{
			base:            base,
			Content:         p.Content,
			Importance:      ClampImportance(row.Importance),
			SourceSessionID: p.SourceSessionID,
		}
		if row.MemoryType != nil {
			rec.MemoryType = MemoryType(*row.MemoryType)
		}
		if !ValidMemoryType(rec.MemoryType) {
			rec.MemoryType = TypeFact
		}
		return rec, nil

	case CategorySessionSummary:
		var p sessionSummaryPayload
		if err := json.Unmarshal(row.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode session summary payload: %w", err)
		}
		rec := &SessionSummary{
			base:      base,
			Summary:   p.Summary,
			Topics:    p.Topics,
			KeyPoints: p.KeyPoints,
		}
		if rec.Topics == nil {
			rec.Topics = []string{}
		}
		if rec.KeyPoints == nil {
			rec.KeyPoints = []string{}
		}
		if row.SessionID != nil {
			rec.SessionID = *row.SessionID
		}
		if p.StartTime > 0 {
			rec.StartTime = time.Unix(p.StartTime, 0)
		}
		if p.EndTime > 0 {
			rec.EndTime = time.Unix(p.EndTime, 0)
		}
		return rec, nil
	}

	return nil, fmt.Errorf("unknown memory category %q", row.Category)
}
