package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Message is one turn of recent conversation history, kept alongside the
// scored context entries as cheap verbatim recall.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ConversationMemory stores recent conversation turns per session. It is a
// best-effort layer: callers log failures and carry on.
type ConversationMemory interface {
	Initialize(ctx context.Context) error
	AddMessage(ctx context.Context, sessionID string, msg Message) error
	LoadContext(ctx context.Context, sessionID string, limit int) ([]Message, error)
}

// NoopConversationMemory is used when no Redis is configured.
type NoopConversationMemory struct{}

func (NoopConversationMemory) Initialize(context.Context) error { return nil }

func (NoopConversationMemory) AddMessage(context.Context, string, Message) error { return nil }

func (NoopConversationMemory) LoadContext(context.Context, string, int) ([]Message, error) {
	return nil, nil
}

const (
	conversationKeyPrefix = "xerus:conversation:"
	conversationMaxTurns  = 100
	conversationTTL       = 24 * time.Hour
)

// RedisConversationMemory keeps per-session turn lists in Redis, capped at
// the last conversationMaxTurns messages.
type RedisConversationMemory struct {
	client *redis.Client
}

// NewRedisConversationMemory builds a Redis-backed conversation memory from
// a redis:// URL.
func NewRedisConversationMemory(redisURL string) (*RedisConversationMemory, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	return &RedisConversationMemory{client: redis.NewClient(opts)}, nil
}

// Initialize verifies connectivity.
func (r *RedisConversationMemory) Initialize(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	logrus.Info("Conversation memory connected to Redis")
	return nil
}

// AddMessage appends a turn to the session list and trims to the cap.
func (r *RedisConversationMemory) AddMessage(ctx context.Context, sessionID string, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to serialize message: %w", err)
	}

	key := conversationKeyPrefix + sessionID
	pipe := r.client.Pipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, -conversationMaxTurns, -1)
	pipe.Expire(ctx, key, conversationTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		logrus.WithFields(logrus.Fields{
			"session_id": sessionID,
			"error":      err,
		}).Warn("Failed to append conversation message")
		return fmt.Errorf("failed to append conversation message: %w", err)
	}
	return nil
}

// LoadContext returns the most recent turns for a session, oldest first.
func (r *RedisConversationMemory) LoadContext(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = conversationMaxTurns
	}

	key := conversationKeyPrefix + sessionID
	raw, err := r.client.LRange(ctx, key, int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation context: %w", err)
	}

	messages := make([]Message, 0, len(raw))
	for _, item := range raw {
		var msg Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			logrus.WithField("session_id", sessionID).Warn("Skipping malformed conversation message")
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// Close releases the Redis connection.
func (r *RedisConversationMemory) Close() error {
	return r.client.Close()
}
