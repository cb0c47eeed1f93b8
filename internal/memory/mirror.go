package memory

import (
	"sort"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"

	"xerus/internal/models"
)

// closeScoreTolerance is the relevance band within which two entries are
// considered equally relevant and ranked by recency instead.
const closeScoreTolerance = 0.1

// contextMirror is the in-process read path: a TTL cache keyed by entry ID
// that shadows the durable store for a single agent/user scope. Reads never
// touch the database; writes go through the store first and are then
// reflected here.
type contextMirror struct {
	mu    sync.RWMutex
	cache *cache.Cache
}

func newContextMirror(defaultTTL, cleanupInterval time.Duration) *contextMirror {
	return &contextMirror{
		cache: cache.New(defaultTTL, cleanupInterval),
	}
}

// Insert reflects a freshly stored entry. The cache TTL tracks the entry's
// own expiry so the mirror never serves an entry the store considers dead.
func (m *contextMirror) Insert(entry *models.ContextEntry, now time.Time) {
	ttl := entry.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	m.cache.Set(entry.ID, entry, ttl)
}

// Remove drops evicted entries by ID.
func (m *contextMirror) Remove(ids ...string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range ids {
		m.cache.Delete(id)
	}
}

// Replace swaps the mirror contents wholesale, used after scope hydration
// and after the expiration sweep.
func (m *contextMirror) Replace(entries []*models.ContextEntry, defaultTTL, cleanupInterval time.Duration, now time.Time) {
	fresh := cache.New(defaultTTL, cleanupInterval)
	for _, entry := range entries {
		if ttl := entry.ExpiresAt.Sub(now); ttl > 0 {
			fresh.Set(entry.ID, entry, ttl)
		}
	}

	m.mu.Lock()
	old := m.cache
	m.cache = fresh
	m.mu.Unlock()

	if old != nil {
		old.Flush()
	}
}

// Snapshot returns the live entries, ranked.
func (m *contextMirror) Snapshot(now time.Time) []*models.ContextEntry {
	m.mu.RLock()
	items := m.cache.Items()
	m.mu.RUnlock()

	entries := make([]*models.ContextEntry, 0, len(items))
	for _, item := range items {
		entry, ok := item.Object.(*models.ContextEntry)
		if !ok || entry.Expired(now) {
			continue
		}
		entries = append(entries, entry)
	}

	rankEntries(entries)
	return entries
}

// Len returns the number of cached entries, expired ones included until the
// cache janitor collects them.
func (m *contextMirror) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cache.ItemCount()
}

// rankEntries sorts sinks first, then by relevance, then by recency. Scores
// within closeScoreTolerance of each other tie and fall through to recency,
// so a brand-new 0.65 entry outranks an old 0.7 one.
func rankEntries(entries []*models.ContextEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.AttentionSink != b.AttentionSink {
			return a.AttentionSink
		}
		diff := a.RelevanceScore - b.RelevanceScore
		if diff > closeScoreTolerance {
			return true
		}
		if diff < -closeScoreTolerance {
			return false
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
}
