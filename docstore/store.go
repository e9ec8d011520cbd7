// Package docstore provides a generic document store for memory records,
// backed by SQLite. Filters are exact-match equality on top-level columns
// only; callers that need ranking or similarity do it above this layer.
package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a record id does not exist.
var ErrNotFound = errors.New("docstore: record not found")

// Row is a single stored record. Payload and Metadata hold JSON documents;
// the remaining columns are filterable top-level fields.
type Row struct {
	ID           string
	Category     string
	UserID       string
	SessionID    *string
	MemoryType   *string
	Importance   int
	AccessCount  int
	LastAccessed int64
	CreatedAt    int64
	UpdatedAt    int64
	Embedding    []byte
	Metadata     []byte
	Payload      []byte
}

// Query describes an exact-match query over memory_records.
type Query struct {
	Filter  map[string]interface{} // column -> value, exact match only
	OrderBy string                 // column name; empty = no explicit order
	Desc    bool
	Limit   int
	Offset  int
}

// filterableColumns guards against arbitrary SQL identifiers in filters and
// sort clauses.
var filterableColumns = map[string]bool{
	"id":            true,
	"category":      true,
	"user_id":       true,
	"session_id":    true,
	"memory_type":   true,
	"importance":    true,
	"access_count":  true,
	"last_accessed": true,
	"created_at":    true,
	"updated_at":    true,
}

func recordColumns() []string {
	return []string{
		"id", "category", "user_id", "session_id", "memory_type",
		"importance", "access_count", "last_accessed",
		"created_at", "updated_at", "embedding", "metadata", "payload",
	}
}

// Store persists memory records.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewStore creates a Store over the given database handle.
func NewStore(db *sql.DB, logger zerolog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.With().Str("component", "docstore").Logger(),
	}
}

func now() int64 { return time.Now().Unix() }

// Create inserts a new record. A missing id is assigned, missing timestamps
// default to now. The stored row is returned.
func (s *Store) Create(ctx context.Context, row *Row) (*Row, error) {
	if row == nil {
		return nil, errors.New("docstore: row is nil")
	}
	if row.Category == "" {
		return nil, errors.New("docstore: category is empty")
	}
	stored := *row
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	nowUnix := now()
	if stored.CreatedAt == 0 {
		stored.CreatedAt = nowUnix
	}
	if stored.UpdatedAt == 0 {
		stored.UpdatedAt = nowUnix
	}

	query := sq.Insert("memory_records").
		Columns(recordColumns()...).
		Values(stored.ID, stored.Category, stored.UserID, nullable(stored.SessionID), nullable(stored.MemoryType),
			stored.Importance, stored.AccessCount, stored.LastAccessed,
			stored.CreatedAt, stored.UpdatedAt, stored.Embedding, stored.Metadata, stored.Payload)

	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, queryStr, args...); err != nil {
		s.logger.Error().Err(err).Str("category", stored.Category).Msg("Failed to insert record")
		return nil, fmt.Errorf("insert record: %w", err)
	}

	s.logger.Debug().
		Str("id", stored.ID).
		Str("category", stored.Category).
		Str("user_id", stored.UserID).
		Msg("Record created")
	return &stored, nil
}

// Get loads a single record by id.
func (s *Store) Get(ctx context.Context, id string) (*Row, error) {
	rows, err := s.Query(ctx, &Query{Filter: map[string]interface{}{"id": id}, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0], nil
}

// Query returns records matching the exact-match filter, optionally sorted
// and paginated.
func (s *Store) Query(ctx context.Context, q *Query) ([]*Row, error) {
	if q == nil {
		q = &Query{}
	}
	builder := sq.Select(recordColumns()...).From("memory_records")

	where, err := buildWhere(q.Filter)
	if err != nil {
		return nil, err
	}
	if where != nil {
		builder = builder.Where(where)
	}
	if q.OrderBy != "" {
		if !filterableColumns[q.OrderBy] {
			return nil, fmt.Errorf("docstore: cannot sort by column %q", q.OrderBy)
		}
		dir := "ASC"
		if q.Desc {
			dir = "DESC"
		}
		builder = builder.OrderBy(q.OrderBy + " " + dir)
	}
	if q.Limit > 0 {
		builder = builder.Limit(uint64(q.Limit))
	}
	if q.Offset > 0 {
		builder = builder.Offset(uint64(q.Offset))
	}

	queryStr, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		s.logger.Error().Err(err).Msg("Query failed")
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var out []*Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Update applies a partial update to the record with the given id. The
// updated_at column is bumped unless the caller sets it explicitly.
func (s *Store) Update(ctx context.Context, id string, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}
	builder := sq.Update("memory_records").Where(sq.Eq{"id": id})
	for col, val := range fields {
		if !filterableColumns[col] && col != "embedding" && col != "metadata" && col != "payload" {
			return fmt.Errorf("docstore: cannot update column %q", col)
		}
		builder = builder.Set(col, val)
	}
	if _, ok := fields["updated_at"]; !ok {
		builder = builder.Set("updated_at", now())
	}

	queryStr, args, err := builder.ToSql()
	if err != nil {
		return fmt.Errorf("build update query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, queryStr, args...)
	if err != nil {
		s.logger.Error().Err(err).Str("id", id).Msg("Failed to update record")
		return fmt.Errorf("update record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes all records matching the filter and reports whether any row
// was deleted.
func (s *Store) Delete(ctx context.Context, filter map[string]interface{}) (bool, error) {
	where, err := buildWhere(filter)
	if err != nil {
		return false, err
	}
	builder := sq.Delete("memory_records")
	if where != nil {
		builder = builder.Where(where)
	} else {
		return false, errors.New("docstore: refusing to delete without a filter")
	}

	queryStr, args, err := builder.ToSql()
	if err != nil {
		return false, fmt.Errorf("build delete query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, queryStr, args...)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to delete records")
		return false, fmt.Errorf("delete records: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	s.logger.Debug().Int64("deleted", affected).Msg("Records deleted")
	return affected > 0, nil
}

func buildWhere(filter map[string]interface{}) (sq.Sqlizer, error) {
	if len(filter) == 0 {
		return nil, nil
	}
	eq := sq.Eq{}
	for col, val := range filter {
		if !filterableColumns[col] {
			return nil, fmt.Errorf("docstore: cannot filter on column %q", col)
		}
		eq[col] = val
	}
	return eq, nil
}

func scanRow(rows *sql.Rows) (*Row, error) {
	var (
		row        Row
		sessionID  sql.NullString
		memoryType sql.NullString
		metadata   []byte
	)
	if err := rows.Scan(&row.ID, &row.Category, &row.UserID, &sessionID, &memoryType,
		&row.Importance, &row.AccessCount, &row.LastAccessed,
		&row.CreatedAt, &row.UpdatedAt, &row.Embedding, &metadata, &row.Payload); err != nil {
		return nil, fmt.Errorf("scan record: %w", err)
	}
	if sessionID.Valid {
		v := sessionID.String
		row.SessionID = &v
	}
	if memoryType.Valid {
		v := memoryType.String
		row.MemoryType = &v
	}
	row.Metadata = metadata
	return &row, nil
}

func nullable(ptr *string) interface{} {
	if ptr == nil {
		return nil
	}
	return *ptr
}
