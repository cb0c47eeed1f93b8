package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"xerus/internal/config"
	"xerus/internal/models"
)

// fakeClock lets tests advance time between operations.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func testConfig() config.MemoryConfig {
	cfg := config.DefaultMemoryConfig()
	cfg.CleanupInterval = time.Minute
	return cfg
}

func newTestMemory(t *testing.T, cfg config.MemoryConfig) (*WorkingMemory, *fakeClock) {
	t.Helper()

	wm := NewWorkingMemory(Options{
		AgentID: "agent-1",
		UserID:  "user-1",
		Config:  cfg,
		Store:   newTestStore(t, nil),
	})

	clock := &fakeClock{now: time.Now().UTC()}
	wm.now = clock.Now

	if err := wm.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	t.Cleanup(wm.Shutdown)

	return wm, clock
}

func TestStoreAdmits(t *testing.T) {
	wm, _ := newTestMemory(t, testConfig())

	result := wm.Store(context.Background(), "how do I debug this?", models.StoreContext{IsUserInitiated: true}, nil)
	if !result.Stored {
		t.Fatalf("Store rejected a relevant entry: %+v", result)
	}
	if result.ID == "" {
		t.Error("stored result has no ID")
	}
	if result.RelevanceScore != 0.7 {
		t.Errorf("RelevanceScore = %v, want 0.7", result.RelevanceScore)
	}
	if result.IsAttentionSink {
		t.Error("plain question promoted to attention sink")
	}
}

func TestStoreAdmissionGate(t *testing.T) {
	cfg := testConfig()
	cfg.RelevanceThreshold = 0.6
	wm, _ := newTestMemory(t, cfg)

	result := wm.Store(context.Background(), "ok", models.StoreContext{}, nil)
	if result.Stored {
		t.Fatal("Store admitted an entry below the relevance threshold")
	}
	if result.Reason != models.RejectLowRelevance {
		t.Errorf("Reason = %q, want %q", result.Reason, models.RejectLowRelevance)
	}
	if result.Error != "" {
		t.Errorf("rejection carried an error: %q", result.Error)
	}
	if result.RelevanceScore != 0.5 {
		t.Errorf("RelevanceScore = %v, want 0.5", result.RelevanceScore)
	}

	if got := wm.GetContext(10); len(got) != 0 {
		t.Errorf("rejected entry is visible in context: %d entries", len(got))
	}
}

func TestStoreForceOverridesGate(t *testing.T) {
	cfg := testConfig()
	cfg.RelevanceThreshold = 0.6
	wm, _ := newTestMemory(t, cfg)

	result := wm.Store(context.Background(), "ok", models.StoreContext{}, &models.Metadata{ForceStore: true})
	if !result.Stored {
		t.Fatalf("ForceStore did not bypass the admission gate: %+v", result)
	}
	if result.RelevanceScore != 0.5 {
		t.Errorf("ForceStore changed the score: %v", result.RelevanceScore)
	}
}

func TestWindowBound(t *testing.T) {
	cfg := testConfig()
	cfg.MaxEntries = 3
	wm, clock := newTestMemory(t, cfg)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		clock.Advance(time.Second)
		if result := wm.Store(ctx, "plain observation", models.StoreContext{}, nil); !result.Stored {
			t.Fatalf("Store %d failed: %+v", i, result)
		}
	}

	count, err := wm.store.CountWindow(ctx, "agent-1", "user-1", clock.Now())
	if err != nil {
		t.Fatalf("CountWindow failed: %v", err)
	}
	if count != 3 {
		t.Errorf("window holds %d entries, want 3", count)
	}
	if got := wm.GetContext(10); len(got) != 3 {
		t.Errorf("GetContext returned %d entries, want 3", len(got))
	}
}

func TestSinksExemptFromWindowEviction(t *testing.T) {
	cfg := testConfig()
	cfg.MaxEntries = 2
	wm, clock := newTestMemory(t, cfg)
	ctx := context.Background()

	sinkResult := wm.Store(ctx, "fatal error: connection refused", models.StoreContext{}, nil)
	if !sinkResult.Stored || !sinkResult.IsAttentionSink {
		t.Fatalf("error content not promoted to sink: %+v", sinkResult)
	}

	for i := 0; i < 4; i++ {
		clock.Advance(time.Second)
		wm.Store(ctx, "plain observation", models.StoreContext{}, nil)
	}

	sinks := wm.GetAttentionSinks(ctx)
	if len(sinks) != 1 || sinks[0].ID != sinkResult.ID {
		t.Fatalf("sink evicted by window maintenance: %d sinks", len(sinks))
	}

	count, err := wm.store.CountWindow(ctx, "agent-1", "user-1", clock.Now())
	if err != nil {
		t.Fatalf("CountWindow failed: %v", err)
	}
	if count != 2 {
		t.Errorf("non-sink window holds %d entries, want 2", count)
	}
}

func TestRetrieveRanksSinksFirst(t *testing.T) {
	wm, clock := newTestMemory(t, testConfig())
	ctx := context.Background()

	// A sink with a modest score must outrank a higher-scored plain entry.
	sink := wm.Store(ctx, "session preferences loaded", models.StoreContext{}, &models.Metadata{IsAttentionSink: true})
	if !sink.IsAttentionSink {
		t.Fatalf("expected sink promotion: %+v", sink)
	}
	clock.Advance(time.Second)
	plain := wm.Store(ctx, "how should the retry limit be set?", models.StoreContext{IsUserInitiated: true}, nil)
	if plain.IsAttentionSink {
		t.Fatalf("plain question promoted to sink: %+v", plain)
	}
	if plain.RelevanceScore <= sink.RelevanceScore {
		t.Fatalf("test setup wrong: plain %v should outscore sink %v", plain.RelevanceScore, sink.RelevanceScore)
	}

	entries := wm.Retrieve(ctx, "", models.DefaultRetrieveOptions())
	if len(entries) != 2 {
		t.Fatalf("Retrieve returned %d entries, want 2", len(entries))
	}
	if entries[0].ID != sink.ID {
		t.Errorf("sink not ranked first")
	}
}

func TestRetrieveExcludesSinksWhenAsked(t *testing.T) {
	wm, clock := newTestMemory(t, testConfig())
	ctx := context.Background()

	wm.Store(ctx, "fatal error in session", models.StoreContext{}, nil)
	clock.Advance(time.Second)
	plain := wm.Store(ctx, "plain observation", models.StoreContext{}, nil)

	opts := models.DefaultRetrieveOptions()
	opts.IncludeAttentionSinks = false

	entries := wm.Retrieve(ctx, "", opts)
	if len(entries) != 1 || entries[0].ID != plain.ID {
		t.Fatalf("sink leaked into sink-excluded retrieval: %d entries", len(entries))
	}
}

func TestRetrieveSessionScope(t *testing.T) {
	wm, clock := newTestMemory(t, testConfig())
	ctx := context.Background()

	inSession := wm.Store(ctx, "session observation", models.StoreContext{SessionID: "session-a"}, nil)
	clock.Advance(time.Second)
	wm.Store(ctx, "unscoped observation", models.StoreContext{}, nil)

	opts := models.DefaultRetrieveOptions()
	opts.SessionOnly = true

	entries := wm.Retrieve(ctx, "session-a", opts)
	if len(entries) != 1 || entries[0].ID != inSession.ID {
		t.Fatalf("session retrieval returned %d entries", len(entries))
	}

	// Empty session with SessionOnly falls back to the default session.
	entries = wm.Retrieve(ctx, "", opts)
	if len(entries) != 1 || entries[0].SessionID != models.DefaultSessionID {
		t.Fatalf("default-session fallback returned %d entries", len(entries))
	}
}

func TestExpirationSweep(t *testing.T) {
	cfg := testConfig()
	cfg.EntryTTL = time.Hour
	wm, clock := newTestMemory(t, cfg)
	ctx := context.Background()

	sink := wm.Store(ctx, "fatal error at startup", models.StoreContext{}, nil)
	if !sink.IsAttentionSink {
		t.Fatalf("expected sink promotion: %+v", sink)
	}
	wm.Store(ctx, "plain observation", models.StoreContext{}, nil)

	clock.Advance(2 * time.Hour)
	wm.sweepExpired(ctx)

	if got := wm.GetContext(10); len(got) != 0 {
		t.Errorf("expired entries still visible: %d", len(got))
	}
	if sinks := wm.GetAttentionSinks(ctx); len(sinks) != 0 {
		t.Errorf("sinks survived the TTL sweep: %d", len(sinks))
	}

	stats := wm.GetStats()
	if stats["total_expired"].(int64) != 2 {
		t.Errorf("total_expired = %v, want 2", stats["total_expired"])
	}
}

func TestInitializeIdempotent(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	seeded := testEntry(0.8, true, now.Add(-time.Minute))
	if err := store.Insert(ctx, seeded); err != nil {
		t.Fatalf("seed insert failed: %v", err)
	}

	wm := NewWorkingMemory(Options{
		AgentID: "agent-1",
		UserID:  "user-1",
		Config:  testConfig(),
		Store:   store,
	})
	t.Cleanup(wm.Shutdown)

	for i := 0; i < 3; i++ {
		if err := wm.Initialize(ctx); err != nil {
			t.Fatalf("Initialize call %d failed: %v", i, err)
		}
	}

	got := wm.GetContext(10)
	if len(got) != 1 || got[0].ID != seeded.ID {
		t.Fatalf("mirror not hydrated from store: %d entries", len(got))
	}

	stats := wm.GetStats()
	if stats["attention_sinks"].(int) != 1 {
		t.Errorf("attention_sinks = %v, want 1", stats["attention_sinks"])
	}
}

// brokenStore fails every operation, for failure-path tests.
type brokenStore struct{}

var errBroken = errors.New("backend unavailable")

func (brokenStore) Insert(context.Context, *models.ContextEntry) error { return errBroken }

func (brokenStore) Query(context.Context, QueryFilter) ([]*models.ContextEntry, error) {
	return nil, errBroken
}

func (brokenStore) CountWindow(context.Context, string, string, time.Time) (int, error) {
	return 0, errBroken
}

func (brokenStore) EvictWindow(context.Context, string, string, int, time.Time) ([]string, error) {
	return nil, errBroken
}

func (brokenStore) DeleteExpired(context.Context, string, string, time.Time) (int, error) {
	return 0, errBroken
}

func (brokenStore) LoadScope(context.Context, string, string, time.Time) ([]*models.ContextEntry, error) {
	return nil, errBroken
}

func TestInitializeFailsOnStoreLoad(t *testing.T) {
	wm := NewWorkingMemory(Options{
		AgentID: "agent-1",
		UserID:  "user-1",
		Config:  testConfig(),
		Store:   brokenStore{},
	})

	if err := wm.Initialize(context.Background()); !errors.Is(err, errBroken) {
		t.Fatalf("Initialize error = %v, want backend failure", err)
	}
}

func TestStoreFailureIsStructured(t *testing.T) {
	wm := NewWorkingMemory(Options{
		AgentID: "agent-1",
		UserID:  "user-1",
		Config:  testConfig(),
		Store:   brokenStore{},
	})

	result := wm.Store(context.Background(), "observation", models.StoreContext{}, nil)
	if result.Stored {
		t.Fatal("Store reported success against a broken backend")
	}
	if result.Error == "" {
		t.Error("failure result carries no error detail")
	}
	if result.RelevanceScore != 0.5 {
		t.Errorf("failure result lost the computed score: %v", result.RelevanceScore)
	}
}

func TestRetrieveFailsOpen(t *testing.T) {
	wm := NewWorkingMemory(Options{
		AgentID: "agent-1",
		UserID:  "user-1",
		Config:  testConfig(),
		Store:   brokenStore{},
	})

	entries := wm.Retrieve(context.Background(), "", models.DefaultRetrieveOptions())
	if entries == nil {
		t.Fatal("Retrieve returned nil instead of an empty slice")
	}
	if len(entries) != 0 {
		t.Fatalf("Retrieve returned %d entries from a broken backend", len(entries))
	}

	if sinks := wm.GetAttentionSinks(context.Background()); sinks == nil || len(sinks) != 0 {
		t.Fatal("GetAttentionSinks did not fail open")
	}
}
