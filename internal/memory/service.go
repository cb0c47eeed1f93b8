package memory

import (
	"context"
	"sync"

	"xerus/internal/config"
)

// Service manages one WorkingMemory instance per (agent, user) scope,
// creating and initializing them lazily on first use.
type Service struct {
	cfg     config.MemoryConfig
	store   Store
	rules   func() config.ScoringRules
	conv    ConversationMemory
	metrics *Metrics

	mu     sync.Mutex
	caches map[string]*WorkingMemory
}

// NewService creates the registry. The store and optional collaborators are
// shared by every cache instance.
func NewService(cfg config.MemoryConfig, store Store, rules func() config.ScoringRules, conv ConversationMemory, metrics *Metrics) *Service {
	return &Service{
		cfg:     cfg,
		store:   store,
		rules:   rules,
		conv:    conv,
		metrics: metrics,
		caches:  make(map[string]*WorkingMemory),
	}
}

// Cache returns the initialized working memory for the scope, creating it on
// first access.
func (s *Service) Cache(ctx context.Context, agentID, userID string) (*WorkingMemory, error) {
	key := agentID + ":" + userID

	s.mu.Lock()
	wm, ok := s.caches[key]
	if !ok {
		wm = NewWorkingMemory(Options{
			AgentID:      agentID,
			UserID:       userID,
			Config:       s.cfg,
			Store:        s.store,
			Rules:        s.rules,
			Conversation: s.conv,
			Metrics:      s.metrics,
		})
		s.caches[key] = wm
	}
	s.mu.Unlock()

	if err := wm.Initialize(ctx); err != nil {
		return nil, err
	}
	return wm, nil
}

// Stats returns per-scope stats for every live cache.
func (s *Service) Stats() []map[string]interface{} {
	s.mu.Lock()
	caches := make([]*WorkingMemory, 0, len(s.caches))
	for _, wm := range s.caches {
		caches = append(caches, wm)
	}
	s.mu.Unlock()

	stats := make([]map[string]interface{}, 0, len(caches))
	for _, wm := range caches {
		stats = append(stats, wm.GetStats())
	}
	return stats
}

// Shutdown stops every cache's sweep scheduler.
func (s *Service) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, wm := range s.caches {
		wm.Shutdown()
	}
}
