package memory

import (
	"context"
	"log"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"xerus/internal/config"
	"xerus/internal/logging"
	"xerus/internal/models"
)

// WorkingMemory is the per-(agent, user) conversational context cache: a
// relevance-scored sliding window over recent observations, with attention
// sinks pinned across window evictions and a periodic TTL sweep.
//
// Writes go to the durable store first and are then reflected into the
// in-process mirror; reads are served from the mirror or the store's ranked
// queries. Store never returns an error to the caller: persistence failures
// come back inside StoreResult so a failed write cannot take down the
// pipeline that produced the observation.
type WorkingMemory struct {
	agentID string
	userID  string
	cfg     config.MemoryConfig

	store   Store
	mirror  *contextMirror
	conv    ConversationMemory
	rules   func() config.ScoringRules
	metrics *Metrics
	logger  *slog.Logger

	// now is the clock; tests substitute it.
	now func() time.Time

	mu          sync.Mutex
	initialized bool
	scheduler   gocron.Scheduler
	sinkCount   int

	statStored   int64
	statRejected int64
	statEvicted  int64
	statExpired  int64
}

// Options configures a WorkingMemory instance. Store is required; everything
// else has a working zero value.
type Options struct {
	AgentID string
	UserID  string
	Config  config.MemoryConfig
	Store   Store

	// Rules supplies the current scoring rules, typically
	// (*config.ScoringWatcher).Rules. Nil means built-in defaults.
	Rules func() config.ScoringRules

	// Conversation is the optional verbatim-recall helper. Nil means noop.
	Conversation ConversationMemory

	// Metrics may be nil (tests).
	Metrics *Metrics
}

// NewWorkingMemory builds a cache instance. Call Initialize before use.
func NewWorkingMemory(opts Options) *WorkingMemory {
	cfg := opts.Config
	if cfg.MaxEntries <= 0 {
		cfg = config.DefaultMemoryConfig()
	}

	rules := opts.Rules
	if rules == nil {
		defaults := config.DefaultScoringRules()
		rules = func() config.ScoringRules { return defaults }
	}

	conv := opts.Conversation
	if conv == nil {
		conv = NoopConversationMemory{}
	}

	return &WorkingMemory{
		agentID: opts.AgentID,
		userID:  opts.UserID,
		cfg:     cfg,
		store:   opts.Store,
		mirror:  newContextMirror(cfg.EntryTTL, cfg.CleanupInterval),
		conv:    conv,
		rules:   rules,
		metrics: opts.Metrics,
		logger:  logging.WithScope(opts.AgentID, opts.UserID),
		now:     time.Now,
	}
}

// Initialize hydrates the mirror from the durable store and starts the
// expiration sweep. Idempotent: repeated calls after a successful first run
// are no-ops. Only a failed store load is returned as an error; scheduler
// and conversation-memory problems degrade with a log line.
func (wm *WorkingMemory) Initialize(ctx context.Context) error {
	wm.mu.Lock()
	defer wm.mu.Unlock()

	if wm.initialized {
		return nil
	}

	now := wm.now()
	entries, err := wm.store.LoadScope(ctx, wm.agentID, wm.userID, now)
	if err != nil {
		return err
	}

	wm.mirror.Replace(entries, wm.cfg.EntryTTL, wm.cfg.CleanupInterval, now)
	wm.sinkCount = countSinks(entries)

	wm.startSweep()

	if err := wm.conv.Initialize(ctx); err != nil {
		wm.logger.Warn("conversation memory unavailable, continuing without it", "error", err)
		wm.conv = NoopConversationMemory{}
	}

	wm.initialized = true
	log.Printf("🧠 [MEMORY] Working memory ready for %s/%s (%d entries, %d sinks)",
		wm.agentID, wm.userID, len(entries), wm.sinkCount)
	return nil
}

// startSweep schedules the TTL sweep: a cron expression when configured and
// valid, otherwise a fixed interval. Called with wm.mu held.
func (wm *WorkingMemory) startSweep() {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		wm.logger.Warn("failed to create sweep scheduler, TTL sweep disabled", "error", err)
		return
	}

	job := gocron.DurationJob(wm.cfg.CleanupInterval)
	if expr := wm.cfg.SweepCron; expr != "" {
		if _, err := cron.ParseStandard(expr); err != nil {
			wm.logger.Warn("invalid sweep cron expression, falling back to interval",
				"cron", expr, "error", err)
		} else {
			job = gocron.CronJob(expr, false)
		}
	}

	if _, err := scheduler.NewJob(job, gocron.NewTask(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		wm.sweepExpired(ctx)
	})); err != nil {
		wm.logger.Warn("failed to schedule TTL sweep", "error", err)
		return
	}

	scheduler.Start()
	wm.scheduler = scheduler
}

// Store scores an observation, applies the admission gate, and persists it.
// The returned StoreResult always carries the computed relevance score;
// persistence failures are reported via its Error field, never a panic or a
// returned error.
func (wm *WorkingMemory) Store(ctx context.Context, content any, sc models.StoreContext, md *models.Metadata) models.StoreResult {
	start := time.Now()
	now := wm.now()
	rules := wm.rules()

	score := relevanceScore(content, sc, md, rules, now)

	forced := md != nil && md.ForceStore
	if score < wm.cfg.RelevanceThreshold && !forced {
		wm.metrics.RecordRejected()
		wm.mu.Lock()
		wm.statRejected++
		wm.mu.Unlock()
		return models.StoreResult{
			Stored:         false,
			RelevanceScore: score,
			Reason:         models.RejectLowRelevance,
			ResponseTime:   time.Since(start),
		}
	}

	sessionID := sc.SessionID
	if sessionID == "" {
		sessionID = models.DefaultSessionID
	}

	entry := &models.ContextEntry{
		ID:             uuid.NewString(),
		AgentID:        wm.agentID,
		UserID:         wm.userID,
		SessionID:      sessionID,
		Content:        content,
		ContextType:    classifyContextType(content, sc, md),
		RelevanceScore: score,
		AttentionSink:  sinkEligible(score, content, sc, md, wm.cfg.SinkThreshold),
		TokenCount:     estimateTokens(contentText(content)),
		Metadata:       md,
		CreatedAt:      now.UTC(),
		ExpiresAt:      now.UTC().Add(wm.cfg.EntryTTL),
	}

	wm.mu.Lock()
	if err := wm.store.Insert(ctx, entry); err != nil {
		wm.mu.Unlock()
		wm.logger.Error("failed to persist context entry", "error", err, "session_id", sessionID)
		return models.StoreResult{
			Stored:         false,
			RelevanceScore: score,
			Error:          err.Error(),
			ResponseTime:   time.Since(start),
		}
	}

	wm.mirror.Insert(entry, now)
	wm.statStored++
	wm.metrics.RecordStored()

	if entry.AttentionSink {
		wm.sinkCount++
		wm.metrics.RecordSinkPromotion()
	} else {
		wm.maintainWindowLocked(ctx, now)
	}
	wm.mu.Unlock()

	if text, ok := content.(string); ok {
		role := sc.Source
		if role == "" {
			role = "agent"
		}
		if err := wm.conv.AddMessage(ctx, sessionID, Message{
			Role:      role,
			Content:   text,
			CreatedAt: now.UTC(),
		}); err != nil {
			logging.WithSession(wm.logger, sessionID).Warn("conversation memory write failed", "error", err)
		}
	}

	return models.StoreResult{
		Stored:          true,
		ID:              entry.ID,
		RelevanceScore:  score,
		IsAttentionSink: entry.AttentionSink,
		ResponseTime:    time.Since(start),
	}
}

// maintainWindowLocked evicts the least relevant, oldest non-sink entries
// until the window fits MaxEntries. Called with wm.mu held.
func (wm *WorkingMemory) maintainWindowLocked(ctx context.Context, now time.Time) {
	count, err := wm.store.CountWindow(ctx, wm.agentID, wm.userID, now)
	if err != nil {
		wm.logger.Error("failed to count window entries", "error", err)
		return
	}

	excess := count - wm.cfg.MaxEntries
	if excess <= 0 {
		return
	}

	victims, err := wm.store.EvictWindow(ctx, wm.agentID, wm.userID, excess, now)
	if err != nil {
		wm.logger.Error("failed to evict window entries", "error", err)
		return
	}

	wm.mirror.Remove(victims...)
	wm.statEvicted += int64(len(victims))
	wm.metrics.RecordEvictions(len(victims))
}

// Retrieve returns ranked live entries from the durable store. It fails
// open: any backend error is logged and counted, and the caller gets an
// empty slice rather than an error.
func (wm *WorkingMemory) Retrieve(ctx context.Context, sessionID string, opts models.RetrieveOptions) []*models.ContextEntry {
	filter := QueryFilter{
		AgentID:      wm.agentID,
		UserID:       wm.userID,
		Now:          wm.now(),
		MinRelevance: opts.MinRelevance,
		ContextTypes: opts.ContextTypes,
		ExcludeSinks: !opts.IncludeAttentionSinks,
		Limit:        opts.Limit,
	}
	if opts.SessionOnly {
		filter.SessionID = sessionID
		if filter.SessionID == "" {
			filter.SessionID = models.DefaultSessionID
		}
	}

	entries, err := wm.store.Query(ctx, filter)
	if err != nil {
		wm.logger.Error("retrieval failed, returning empty context", "error", err)
		wm.metrics.RecordRetrievalFailure()
		return []*models.ContextEntry{}
	}
	if entries == nil {
		entries = []*models.ContextEntry{}
	}
	return entries
}

// GetContext returns up to limit ranked entries from the in-process mirror
// without touching the durable store. Entries with relevance scores within
// 0.1 of each other tie and rank by recency.
func (wm *WorkingMemory) GetContext(limit int) []*models.ContextEntry {
	if limit <= 0 {
		limit = models.DefaultRetrieveOptions().Limit
	}

	entries := wm.mirror.Snapshot(wm.now())
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

// GetAttentionSinks returns the live attention sinks for this scope, ranked.
// Like Retrieve it fails open.
func (wm *WorkingMemory) GetAttentionSinks(ctx context.Context) []*models.ContextEntry {
	entries, err := wm.store.Query(ctx, QueryFilter{
		AgentID:   wm.agentID,
		UserID:    wm.userID,
		Now:       wm.now(),
		SinksOnly: true,
	})
	if err != nil {
		wm.logger.Error("attention sink retrieval failed", "error", err)
		wm.metrics.RecordRetrievalFailure()
		return []*models.ContextEntry{}
	}
	if entries == nil {
		entries = []*models.ContextEntry{}
	}
	return entries
}

// SyncWithSlidingWindow ingests a snapshot of the UI-side short-term buffer.
// Each item runs through the normal Store path, so scoring, the admission
// gate, and sink promotion apply uniformly. Rejections below the relevance
// threshold count as Skipped; nil content and persistence failures count as
// Errors.
func (wm *WorkingMemory) SyncWithSlidingWindow(ctx context.Context, entries []models.SlidingWindowEntry) models.SyncResult {
	var result models.SyncResult

	for _, item := range entries {
		if item.Content == nil {
			result.Errors++
			continue
		}

		sc := models.StoreContext{
			SessionID: item.SessionID,
			Source:    "sliding_window",
		}
		if item.Timestamp > 0 {
			sc.Timestamp = time.UnixMilli(item.Timestamp).UTC()
		}

		md := &models.Metadata{
			IsImportant:     item.IsImportant,
			IsAttentionSink: item.IsImportant || item.Relevance > 0.8,
		}

		res := wm.Store(ctx, item.Content, sc, md)
		switch {
		case res.Stored:
			result.Synced++
		case res.Reason == models.RejectLowRelevance:
			result.Skipped++
		default:
			result.Errors++
		}
	}

	wm.metrics.RecordSync("synced", result.Synced)
	wm.metrics.RecordSync("skipped", result.Skipped)
	wm.metrics.RecordSync("errors", result.Errors)

	wm.logger.Info("sliding window sync complete",
		"synced", result.Synced, "skipped", result.Skipped, "errors", result.Errors)
	return result
}

// sweepExpired removes every entry past its TTL, attention sinks included,
// then rebuilds the mirror from the surviving rows. Failures are logged and
// retried on the next tick.
func (wm *WorkingMemory) sweepExpired(ctx context.Context) {
	wm.mu.Lock()
	defer wm.mu.Unlock()

	now := wm.now()
	deleted, err := wm.store.DeleteExpired(ctx, wm.agentID, wm.userID, now)
	if err != nil {
		wm.logger.Error("expiration sweep failed", "error", err)
		return
	}

	entries, err := wm.store.LoadScope(ctx, wm.agentID, wm.userID, now)
	if err != nil {
		wm.logger.Error("failed to reload scope after sweep", "error", err)
		return
	}

	wm.mirror.Replace(entries, wm.cfg.EntryTTL, wm.cfg.CleanupInterval, now)
	wm.sinkCount = countSinks(entries)
	wm.statExpired += int64(deleted)
	wm.metrics.RecordExpired(deleted)

	if deleted > 0 {
		log.Printf("🧹 [MEMORY] Swept %d expired entries for %s/%s", deleted, wm.agentID, wm.userID)
	}
}

// Shutdown stops the sweep scheduler. The durable store is managed by the
// caller. The scheduler is stopped outside wm.mu: Shutdown waits for a
// running sweep, and the sweep takes the same lock.
func (wm *WorkingMemory) Shutdown() {
	wm.mu.Lock()
	scheduler := wm.scheduler
	wm.scheduler = nil
	wm.mu.Unlock()

	if scheduler != nil {
		if err := scheduler.Shutdown(); err != nil {
			wm.logger.Warn("sweep scheduler shutdown failed", "error", err)
		}
	}
}

// GetStats reports cache activity for the stats endpoint.
func (wm *WorkingMemory) GetStats() map[string]interface{} {
	wm.mu.Lock()
	defer wm.mu.Unlock()

	return map[string]interface{}{
		"agent_id":        wm.agentID,
		"user_id":         wm.userID,
		"initialized":     wm.initialized,
		"cached_entries":  wm.mirror.Len(),
		"attention_sinks": wm.sinkCount,
		"total_stored":    wm.statStored,
		"total_rejected":  wm.statRejected,
		"total_evicted":   wm.statEvicted,
		"total_expired":   wm.statExpired,
	}
}

func countSinks(entries []*models.ContextEntry) int {
	var n int
	for _, e := range entries {
		if e.AttentionSink {
			n++
		}
	}
	return n
}
