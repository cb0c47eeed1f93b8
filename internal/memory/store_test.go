package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"xerus/internal/crypto"
	"xerus/internal/database"
	"xerus/internal/models"
)

func newTestStore(t *testing.T, enc *crypto.EncryptionService) *SQLStore {
	t.Helper()

	db, err := database.New(":memory:")
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Initialize(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}
	return NewSQLStore(db, enc)
}

func testEntry(score float64, sink bool, createdAt time.Time) *models.ContextEntry {
	return &models.ContextEntry{
		ID:             uuid.NewString(),
		AgentID:        "agent-1",
		UserID:         "user-1",
		SessionID:      models.DefaultSessionID,
		Content:        "test content",
		ContextType:    models.ContextTypeText,
		RelevanceScore: score,
		AttentionSink:  sink,
		TokenCount:     3,
		CreatedAt:      createdAt,
		ExpiresAt:      createdAt.Add(time.Hour),
	}
}

func TestSQLStoreRoundTrip(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	entry := testEntry(0.8, true, now)
	entry.SessionID = "session-42"
	entry.Content = map[string]any{"text": "what happened?", "line": float64(12)}
	entry.ContextType = models.ContextTypeToolResult
	entry.Metadata = &models.Metadata{
		IsImportant: true,
		UserRating:  0.9,
		Extra:       map[string]any{"origin": "test"},
	}

	if err := store.Insert(ctx, entry); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	entries, err := store.LoadScope(ctx, "agent-1", "user-1", now)
	if err != nil {
		t.Fatalf("LoadScope failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("LoadScope returned %d entries, want 1", len(entries))
	}

	got := entries[0]
	if got.ID != entry.ID || got.SessionID != "session-42" || !got.AttentionSink {
		t.Errorf("entry fields lost in round trip: %+v", got)
	}
	if got.ContextType != models.ContextTypeToolResult {
		t.Errorf("ContextType = %v, want tool_result", got.ContextType)
	}
	content, ok := got.Content.(map[string]any)
	if !ok || content["text"] != "what happened?" || content["line"] != float64(12) {
		t.Errorf("content lost in round trip: %#v", got.Content)
	}
	if got.Metadata == nil || !got.Metadata.IsImportant || got.Metadata.UserRating != 0.9 {
		t.Errorf("metadata lost in round trip: %+v", got.Metadata)
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, now)
	}
}

func TestSQLStoreEncryptedRoundTrip(t *testing.T) {
	key, err := crypto.GenerateMasterKey()
	if err != nil {
		t.Fatalf("GenerateMasterKey failed: %v", err)
	}
	enc, err := crypto.NewEncryptionService(key)
	if err != nil {
		t.Fatalf("NewEncryptionService failed: %v", err)
	}

	store := newTestStore(t, enc)
	ctx := context.Background()
	now := time.Now().UTC()

	entry := testEntry(0.6, false, now)
	entry.Content = "private conversation content"
	entry.Metadata = &models.Metadata{FollowUp: true}

	if err := store.Insert(ctx, entry); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	// The raw column must not contain the plaintext.
	var raw string
	err = store.db.QueryRow("SELECT content FROM context_entries WHERE id = ?", entry.ID).Scan(&raw)
	if err != nil {
		t.Fatalf("raw select failed: %v", err)
	}
	if raw == `"private conversation content"` {
		t.Fatal("content stored in plaintext despite encryption being enabled")
	}

	entries, err := store.LoadScope(ctx, "agent-1", "user-1", now)
	if err != nil {
		t.Fatalf("LoadScope failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Content != "private conversation content" {
		t.Fatalf("decrypted content mismatch: %#v", entries[0].Content)
	}
	if entries[0].Metadata == nil || !entries[0].Metadata.FollowUp {
		t.Errorf("decrypted metadata mismatch: %+v", entries[0].Metadata)
	}
}

func TestSQLStoreQueryOrdering(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	lowSink := testEntry(0.4, true, now.Add(-3*time.Minute))
	highText := testEntry(0.95, false, now.Add(-2*time.Minute))
	midText := testEntry(0.6, false, now.Add(-1*time.Minute))

	for _, e := range []*models.ContextEntry{midText, lowSink, highText} {
		if err := store.Insert(ctx, e); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	entries, err := store.Query(ctx, QueryFilter{AgentID: "agent-1", UserID: "user-1", Now: now})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}

	want := []string{lowSink.ID, highText.ID, midText.ID}
	if len(entries) != len(want) {
		t.Fatalf("Query returned %d entries, want %d", len(entries), len(want))
	}
	for i, id := range want {
		if entries[i].ID != id {
			t.Errorf("Query[%d] = %s, want %s (sink must rank above higher scores)", i, entries[i].ID, id)
		}
	}
}

func TestSQLStoreQueryFilters(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	sink := testEntry(0.9, true, now.Add(-4*time.Minute))
	inSession := testEntry(0.7, false, now.Add(-3*time.Minute))
	inSession.SessionID = "session-a"
	screenshot := testEntry(0.5, false, now.Add(-2*time.Minute))
	screenshot.ContextType = models.ContextTypeScreenshot
	faint := testEntry(0.05, false, now.Add(-1*time.Minute))

	for _, e := range []*models.ContextEntry{sink, inSession, screenshot, faint} {
		if err := store.Insert(ctx, e); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	base := QueryFilter{AgentID: "agent-1", UserID: "user-1", Now: now}

	t.Run("min relevance", func(t *testing.T) {
		f := base
		f.MinRelevance = 0.1
		entries, err := store.Query(ctx, f)
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		for _, e := range entries {
			if e.ID == faint.ID {
				t.Error("entry below min relevance was returned")
			}
		}
		if len(entries) != 3 {
			t.Errorf("got %d entries, want 3", len(entries))
		}
	})

	t.Run("session scope", func(t *testing.T) {
		f := base
		f.SessionID = "session-a"
		entries, err := store.Query(ctx, f)
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(entries) != 1 || entries[0].ID != inSession.ID {
			t.Errorf("session filter returned %d entries", len(entries))
		}
	})

	t.Run("context types", func(t *testing.T) {
		f := base
		f.ContextTypes = []models.ContextType{models.ContextTypeScreenshot, models.ContextTypeAudio}
		entries, err := store.Query(ctx, f)
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(entries) != 1 || entries[0].ID != screenshot.ID {
			t.Errorf("type filter returned %d entries", len(entries))
		}
	})

	t.Run("exclude sinks", func(t *testing.T) {
		f := base
		f.ExcludeSinks = true
		entries, err := store.Query(ctx, f)
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		for _, e := range entries {
			if e.AttentionSink {
				t.Error("sink returned despite ExcludeSinks")
			}
		}
	})

	t.Run("sinks only", func(t *testing.T) {
		f := base
		f.SinksOnly = true
		entries, err := store.Query(ctx, f)
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(entries) != 1 || entries[0].ID != sink.ID {
			t.Errorf("SinksOnly returned %d entries", len(entries))
		}
	})

	t.Run("limit", func(t *testing.T) {
		f := base
		f.Limit = 2
		entries, err := store.Query(ctx, f)
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(entries) != 2 {
			t.Errorf("limit returned %d entries, want 2", len(entries))
		}
	})

	t.Run("foreign scope sees nothing", func(t *testing.T) {
		entries, err := store.Query(ctx, QueryFilter{AgentID: "agent-2", UserID: "user-1", Now: now})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(entries) != 0 {
			t.Errorf("foreign scope returned %d entries", len(entries))
		}
	})
}

func TestSQLStoreEvictWindow(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	// Relevance 0.2, 0.9, 0.4 with a window of 2: the 0.2 entry goes.
	weakest := testEntry(0.2, false, now.Add(-3*time.Minute))
	strongest := testEntry(0.9, false, now.Add(-2*time.Minute))
	middle := testEntry(0.4, false, now.Add(-1*time.Minute))

	for _, e := range []*models.ContextEntry{weakest, strongest, middle} {
		if err := store.Insert(ctx, e); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	count, err := store.CountWindow(ctx, "agent-1", "user-1", now)
	if err != nil {
		t.Fatalf("CountWindow failed: %v", err)
	}
	if count != 3 {
		t.Fatalf("CountWindow = %d, want 3", count)
	}

	victims, err := store.EvictWindow(ctx, "agent-1", "user-1", count-2, now)
	if err != nil {
		t.Fatalf("EvictWindow failed: %v", err)
	}
	if len(victims) != 1 || victims[0] != weakest.ID {
		t.Fatalf("EvictWindow victims = %v, want [%s]", victims, weakest.ID)
	}

	entries, err := store.LoadScope(ctx, "agent-1", "user-1", now)
	if err != nil {
		t.Fatalf("LoadScope failed: %v", err)
	}
	if len(entries) != 2 || entries[0].ID != strongest.ID || entries[1].ID != middle.ID {
		t.Fatalf("survivors wrong: got %d entries", len(entries))
	}
}

func TestSQLStoreEvictWindowSkipsSinks(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	sink := testEntry(0.1, true, now.Add(-2*time.Minute))
	text := testEntry(0.5, false, now.Add(-1*time.Minute))

	for _, e := range []*models.ContextEntry{sink, text} {
		if err := store.Insert(ctx, e); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	victims, err := store.EvictWindow(ctx, "agent-1", "user-1", 1, now)
	if err != nil {
		t.Fatalf("EvictWindow failed: %v", err)
	}
	if len(victims) != 1 || victims[0] != text.ID {
		t.Fatalf("EvictWindow victims = %v, want the non-sink entry", victims)
	}
}

func TestSQLStoreDeleteExpired(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	liveText := testEntry(0.5, false, now.Add(-10*time.Minute))
	deadText := testEntry(0.5, false, now.Add(-2*time.Hour))
	deadSink := testEntry(0.9, true, now.Add(-3*time.Hour))

	for _, e := range []*models.ContextEntry{liveText, deadText, deadSink} {
		if err := store.Insert(ctx, e); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	deleted, err := store.DeleteExpired(ctx, "agent-1", "user-1", now)
	if err != nil {
		t.Fatalf("DeleteExpired failed: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("DeleteExpired removed %d entries, want 2 (sinks expire too)", deleted)
	}

	entries, err := store.LoadScope(ctx, "agent-1", "user-1", now)
	if err != nil {
		t.Fatalf("LoadScope failed: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != liveText.ID {
		t.Fatalf("wrong survivor after DeleteExpired")
	}
}
