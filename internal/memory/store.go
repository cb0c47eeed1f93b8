package memory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"xerus/internal/crypto"
	"xerus/internal/database"
	"xerus/internal/models"
)

// QueryFilter describes a ranked retrieval against the durable store. The
// zero value of a field disables that predicate.
type QueryFilter struct {
	AgentID string
	UserID  string
	Now     time.Time

	MinRelevance float64
	SessionID    string // non-empty: exact match
	ContextTypes []models.ContextType
	SinksOnly    bool
	ExcludeSinks bool
	Limit        int
}

// Store is the durable backend for working-memory entries. Implementations
// must order Query results by attention_sink DESC, relevance DESC,
// created_at DESC, and pick EvictWindow victims by ascending relevance then
// ascending age among non-sink live entries.
type Store interface {
	// Insert persists a new entry.
	Insert(ctx context.Context, entry *models.ContextEntry) error

	// Query returns live entries matching the filter, ranked.
	Query(ctx context.Context, f QueryFilter) ([]*models.ContextEntry, error)

	// CountWindow counts live non-sink entries for the scope.
	CountWindow(ctx context.Context, agentID, userID string, now time.Time) (int, error)

	// EvictWindow deletes up to excess least-relevant, oldest non-sink live
	// entries and returns the IDs it removed.
	EvictWindow(ctx context.Context, agentID, userID string, excess int, now time.Time) ([]string, error)

	// DeleteExpired removes every entry (sinks included) past its TTL.
	DeleteExpired(ctx context.Context, agentID, userID string, now time.Time) (int, error)

	// LoadScope returns all live entries for the scope, for mirror hydration.
	LoadScope(ctx context.Context, agentID, userID string, now time.Time) ([]*models.ContextEntry, error)
}

// SQLStore implements Store over SQLite or MySQL.
type SQLStore struct {
	db    *database.DB
	codec entryCodec
}

// NewSQLStore creates a SQL-backed store. enc may be nil (no at-rest
// encryption).
func NewSQLStore(db *database.DB, enc *crypto.EncryptionService) *SQLStore {
	return &SQLStore{
		db:    db,
		codec: entryCodec{enc: enc},
	}
}

const entryColumns = "id, agent_id, user_id, session_id, content, context_type, relevance_score, attention_sink, token_count, metadata, created_at, expires_at"

// Insert persists a new entry.
func (s *SQLStore) Insert(ctx context.Context, entry *models.ContextEntry) error {
	content, err := s.codec.encodeContent(entry.UserID, entry.Content)
	if err != nil {
		return err
	}
	metadata, err := s.codec.encodeMetadata(entry.UserID, entry.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO context_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.AgentID,
		entry.UserID,
		entry.SessionID,
		content,
		string(entry.ContextType),
		entry.RelevanceScore,
		entry.AttentionSink,
		entry.TokenCount,
		nullString(metadata),
		entry.CreatedAt.UnixMilli(),
		entry.ExpiresAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert context entry: %w", err)
	}
	return nil
}

// Query returns live entries matching the filter, ranked sinks-first.
func (s *SQLStore) Query(ctx context.Context, f QueryFilter) ([]*models.ContextEntry, error) {
	var (
		conds = []string{"agent_id = ?", "user_id = ?", "expires_at > ?"}
		args  = []any{f.AgentID, f.UserID, f.Now.UnixMilli()}
	)

	if f.MinRelevance > 0 {
		conds = append(conds, "relevance_score >= ?")
		args = append(args, f.MinRelevance)
	}
	if f.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if len(f.ContextTypes) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(f.ContextTypes)), ", ")
		conds = append(conds, "context_type IN ("+placeholders+")")
		for _, ct := range f.ContextTypes {
			args = append(args, string(ct))
		}
	}
	if f.SinksOnly {
		conds = append(conds, "attention_sink = ?")
		args = append(args, true)
	}
	if f.ExcludeSinks {
		conds = append(conds, "attention_sink = ?")
		args = append(args, false)
	}

	query := "SELECT " + entryColumns + " FROM context_entries WHERE " + strings.Join(conds, " AND ") +
		" ORDER BY attention_sink DESC, relevance_score DESC, created_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query context entries: %w", err)
	}
	defer rows.Close()

	return s.scanEntries(rows)
}

// CountWindow counts live non-sink entries for the scope.
func (s *SQLStore) CountWindow(ctx context.Context, agentID, userID string, now time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM context_entries
		WHERE agent_id = ? AND user_id = ? AND attention_sink = ? AND expires_at > ?`,
		agentID, userID, false, now.UnixMilli(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count window entries: %w", err)
	}
	return count, nil
}

// EvictWindow deletes the excess least-relevant, oldest non-sink entries.
func (s *SQLStore) EvictWindow(ctx context.Context, agentID, userID string, excess int, now time.Time) ([]string, error) {
	if excess <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM context_entries
		WHERE agent_id = ? AND user_id = ? AND attention_sink = ? AND expires_at > ?
		ORDER BY relevance_score ASC, created_at ASC
		LIMIT ?`,
		agentID, userID, false, now.UnixMilli(), excess,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to select eviction victims: %w", err)
	}
	defer rows.Close()

	var victims []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan victim id: %w", err)
		}
		victims = append(victims, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read eviction victims: %w", err)
	}
	if len(victims) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(victims)), ", ")
	args := make([]any, 0, len(victims))
	for _, id := range victims {
		args = append(args, id)
	}

	if _, err := s.db.ExecContext(ctx, "DELETE FROM context_entries WHERE id IN ("+placeholders+")", args...); err != nil {
		return nil, fmt.Errorf("failed to evict window entries: %w", err)
	}
	return victims, nil
}

// DeleteExpired removes every entry past its TTL, sinks included.
func (s *SQLStore) DeleteExpired(ctx context.Context, agentID, userID string, now time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM context_entries
		WHERE agent_id = ? AND user_id = ? AND expires_at <= ?`,
		agentID, userID, now.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired entries: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(deleted), nil
}

// LoadScope returns all live entries for the scope.
func (s *SQLStore) LoadScope(ctx context.Context, agentID, userID string, now time.Time) ([]*models.ContextEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM context_entries
		WHERE agent_id = ? AND user_id = ? AND expires_at > ?
		ORDER BY attention_sink DESC, relevance_score DESC, created_at DESC`,
		agentID, userID, now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load scope entries: %w", err)
	}
	defer rows.Close()

	return s.scanEntries(rows)
}

func (s *SQLStore) scanEntries(rows *sql.Rows) ([]*models.ContextEntry, error) {
	var entries []*models.ContextEntry

	for rows.Next() {
		var (
			entry       models.ContextEntry
			contextType string
			content     string
			metadata    sql.NullString
			createdAt   int64
			expiresAt   int64
		)

		if err := rows.Scan(
			&entry.ID,
			&entry.AgentID,
			&entry.UserID,
			&entry.SessionID,
			&content,
			&contextType,
			&entry.RelevanceScore,
			&entry.AttentionSink,
			&entry.TokenCount,
			&metadata,
			&createdAt,
			&expiresAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan context entry: %w", err)
		}

		decoded, err := s.codec.decodeContent(entry.UserID, content)
		if err != nil {
			return nil, err
		}
		entry.Content = decoded

		if metadata.Valid {
			md, err := s.codec.decodeMetadata(entry.UserID, metadata.String)
			if err != nil {
				return nil, err
			}
			entry.Metadata = md
		}

		entry.ContextType = models.ContextType(contextType)
		entry.CreatedAt = time.UnixMilli(createdAt).UTC()
		entry.ExpiresAt = time.UnixMilli(expiresAt).UTC()

		entries = append(entries, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read context entries: %w", err)
	}
	return entries, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
