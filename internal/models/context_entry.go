package models

import (
	"time"
)

// ContextType classifies what kind of observation a context entry holds.
type ContextType string

const (
	ContextTypeScreenshot ContextType = "screenshot"
	ContextTypeAudio      ContextType = "audio"
	ContextTypeToolResult ContextType = "tool_result"
	ContextTypeText       ContextType = "text"
)

// DefaultSessionID is used when the caller does not scope an entry to a session.
const DefaultSessionID = "default"

// ContextEntry is a single scored observation in an agent's working memory.
// Entries are immutable after creation: they are only ever inserted, evicted
// by the sliding-window pass, or removed by the expiration sweep.
type ContextEntry struct {
	ID             string      `bson:"_id" json:"id"`
	AgentID        string      `bson:"agentId" json:"agent_id"`
	UserID         string      `bson:"userId" json:"user_id"`
	SessionID      string      `bson:"sessionId" json:"session_id"`
	Content        any         `bson:"content" json:"content"`
	ContextType    ContextType `bson:"contextType" json:"context_type"`
	RelevanceScore float64     `bson:"relevanceScore" json:"relevance_score"`
	AttentionSink  bool        `bson:"attentionSink" json:"attention_sink"`
	TokenCount     int         `bson:"tokenCount" json:"token_count"`
	Metadata       *Metadata   `bson:"metadata,omitempty" json:"metadata,omitempty"`
	CreatedAt      time.Time   `bson:"createdAt" json:"created_at"`
	ExpiresAt      time.Time   `bson:"expiresAt" json:"expires_at"`
}

// Expired reports whether the entry's TTL has elapsed at the given instant.
func (e *ContextEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}

// StoreContext carries the situational flags the orchestrator knows about an
// observation at the moment it is captured. All fields are optional.
type StoreContext struct {
	SessionID          string    `json:"session_id,omitempty"`
	Source             string    `json:"source,omitempty"`
	HasScreenshot      bool      `json:"has_screenshot,omitempty"`
	HasAudio           bool      `json:"has_audio,omitempty"`
	IsUserInitiated    bool      `json:"is_user_initiated,omitempty"`
	SessionStart       bool      `json:"session_start,omitempty"`
	ConversationLength int       `json:"conversation_length,omitempty"`
	Timestamp          time.Time `json:"timestamp,omitempty"`
}

// Metadata is the caller-supplied annotation bag stored verbatim with an
// entry. Known flags influence scoring and sink promotion; anything else
// rides along in Extra.
type Metadata struct {
	IsImportant     bool           `bson:"isImportant,omitempty" json:"is_important,omitempty"`
	IsAttentionSink bool           `bson:"isAttentionSink,omitempty" json:"is_attention_sink,omitempty"`
	IsToolResult    bool           `bson:"isToolResult,omitempty" json:"is_tool_result,omitempty"`
	FollowUp        bool           `bson:"followUp,omitempty" json:"follow_up,omitempty"`
	ForceStore      bool           `bson:"forceStore,omitempty" json:"force_store,omitempty"`
	UserRating      float64        `bson:"userRating,omitempty" json:"user_rating,omitempty"`
	Extra           map[string]any `bson:"extra,omitempty" json:"extra,omitempty"`
}

// RejectLowRelevance is the admission-gate rejection reason. It is an
// intentional non-write, not an error.
const RejectLowRelevance = "low_relevance"

// StoreResult is the structured outcome of a Store call. Persistence
// failures are reported through Error rather than a returned error so a
// failed write can never take down the calling pipeline.
type StoreResult struct {
	Stored          bool          `json:"stored"`
	ID              string        `json:"id,omitempty"`
	RelevanceScore  float64       `json:"relevance_score"`
	IsAttentionSink bool          `json:"is_attention_sink,omitempty"`
	Reason          string        `json:"reason,omitempty"`
	Error           string        `json:"error,omitempty"`
	ResponseTime    time.Duration `json:"response_time"`
}

// RetrieveOptions tunes a ranked retrieval. Use DefaultRetrieveOptions for
// the standard settings.
type RetrieveOptions struct {
	Limit                 int
	IncludeAttentionSinks bool
	MinRelevance          float64
	ContextTypes          []ContextType
	SessionOnly           bool
}

// DefaultRetrieveOptions returns the standard retrieval settings: up to 10
// entries, sinks included, minimum relevance 0.1.
func DefaultRetrieveOptions() RetrieveOptions {
	return RetrieveOptions{
		Limit:                 10,
		IncludeAttentionSinks: true,
		MinRelevance:          0.1,
	}
}

// SlidingWindowEntry is one snapshot item pushed from the UI-side short-term
// buffer over the real-time sync channel.
type SlidingWindowEntry struct {
	Content     any     `json:"content"`
	SessionID   string  `json:"session_id,omitempty"`
	Timestamp   int64   `json:"timestamp,omitempty"` // unix milliseconds from the frontend buffer
	IsImportant bool    `json:"is_important,omitempty"`
	Relevance   float64 `json:"relevance,omitempty"`
	Index       int     `json:"index"`
}

// SyncResult summarizes a bulk sliding-window sync. Skipped counts
// admission-gate rejections, which are expected and not failures.
type SyncResult struct {
	Synced  int `json:"synced"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}
