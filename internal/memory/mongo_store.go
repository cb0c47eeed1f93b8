package memory

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"xerus/internal/crypto"
	"xerus/internal/database"
	"xerus/internal/models"
)

// MongoStore implements Store over MongoDB. Content and metadata are stored
// as the same codec strings the SQL store writes, so encrypted payloads stay
// portable between backends.
type MongoStore struct {
	coll  *mongo.Collection
	codec entryCodec
}

// mongoEntry is the persisted document shape. Timestamps are unix
// milliseconds, matching the SQL schema.
type mongoEntry struct {
	ID             string  `bson:"_id"`
	AgentID        string  `bson:"agentId"`
	UserID         string  `bson:"userId"`
	SessionID      string  `bson:"sessionId"`
	Content        string  `bson:"content"`
	ContextType    string  `bson:"contextType"`
	RelevanceScore float64 `bson:"relevanceScore"`
	AttentionSink  bool    `bson:"attentionSink"`
	TokenCount     int     `bson:"tokenCount"`
	Metadata       string  `bson:"metadata,omitempty"`
	CreatedAt      int64   `bson:"createdAt"`
	ExpiresAt      int64   `bson:"expiresAt"`
}

// NewMongoStore creates a Mongo-backed store. enc may be nil.
func NewMongoStore(db *database.MongoDB, enc *crypto.EncryptionService) *MongoStore {
	return &MongoStore{
		coll:  db.Collection(database.CollectionContextEntries),
		codec: entryCodec{enc: enc},
	}
}

// Insert persists a new entry.
func (s *MongoStore) Insert(ctx context.Context, entry *models.ContextEntry) error {
	content, err := s.codec.encodeContent(entry.UserID, entry.Content)
	if err != nil {
		return err
	}
	metadata, err := s.codec.encodeMetadata(entry.UserID, entry.Metadata)
	if err != nil {
		return err
	}

	doc := mongoEntry{
		ID:             entry.ID,
		AgentID:        entry.AgentID,
		UserID:         entry.UserID,
		SessionID:      entry.SessionID,
		Content:        content,
		ContextType:    string(entry.ContextType),
		RelevanceScore: entry.RelevanceScore,
		AttentionSink:  entry.AttentionSink,
		TokenCount:     entry.TokenCount,
		Metadata:       metadata,
		CreatedAt:      entry.CreatedAt.UnixMilli(),
		ExpiresAt:      entry.ExpiresAt.UnixMilli(),
	}

	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to insert context entry: %w", err)
	}
	return nil
}

// Query returns live entries matching the filter, ranked sinks-first.
func (s *MongoStore) Query(ctx context.Context, f QueryFilter) ([]*models.ContextEntry, error) {
	filter := bson.M{
		"agentId":   f.AgentID,
		"userId":    f.UserID,
		"expiresAt": bson.M{"$gt": f.Now.UnixMilli()},
	}
	if f.MinRelevance > 0 {
		filter["relevanceScore"] = bson.M{"$gte": f.MinRelevance}
	}
	if f.SessionID != "" {
		filter["sessionId"] = f.SessionID
	}
	if len(f.ContextTypes) > 0 {
		types := make([]string, 0, len(f.ContextTypes))
		for _, ct := range f.ContextTypes {
			types = append(types, string(ct))
		}
		filter["contextType"] = bson.M{"$in": types}
	}
	if f.SinksOnly {
		filter["attentionSink"] = true
	}
	if f.ExcludeSinks {
		filter["attentionSink"] = false
	}

	opts := options.Find().SetSort(bson.D{
		{Key: "attentionSink", Value: -1},
		{Key: "relevanceScore", Value: -1},
		{Key: "createdAt", Value: -1},
	})
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}

	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query context entries: %w", err)
	}
	defer cursor.Close(ctx)

	return s.decodeCursor(ctx, cursor)
}

// CountWindow counts live non-sink entries for the scope.
func (s *MongoStore) CountWindow(ctx context.Context, agentID, userID string, now time.Time) (int, error) {
	count, err := s.coll.CountDocuments(ctx, bson.M{
		"agentId":       agentID,
		"userId":        userID,
		"attentionSink": false,
		"expiresAt":     bson.M{"$gt": now.UnixMilli()},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count window entries: %w", err)
	}
	return int(count), nil
}

// EvictWindow deletes the excess least-relevant, oldest non-sink entries.
func (s *MongoStore) EvictWindow(ctx context.Context, agentID, userID string, excess int, now time.Time) ([]string, error) {
	if excess <= 0 {
		return nil, nil
	}

	filter := bson.M{
		"agentId":       agentID,
		"userId":        userID,
		"attentionSink": false,
		"expiresAt":     bson.M{"$gt": now.UnixMilli()},
	}
	opts := options.Find().
		SetSort(bson.D{
			{Key: "relevanceScore", Value: 1},
			{Key: "createdAt", Value: 1},
		}).
		SetLimit(int64(excess)).
		SetProjection(bson.M{"_id": 1})

	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to select eviction victims: %w", err)
	}
	defer cursor.Close(ctx)

	var victims []string
	for cursor.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode victim id: %w", err)
		}
		victims = append(victims, doc.ID)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("failed to read eviction victims: %w", err)
	}
	if len(victims) == 0 {
		return nil, nil
	}

	if _, err := s.coll.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": victims}}); err != nil {
		return nil, fmt.Errorf("failed to evict window entries: %w", err)
	}
	return victims, nil
}

// DeleteExpired removes every entry past its TTL, sinks included.
func (s *MongoStore) DeleteExpired(ctx context.Context, agentID, userID string, now time.Time) (int, error) {
	result, err := s.coll.DeleteMany(ctx, bson.M{
		"agentId":   agentID,
		"userId":    userID,
		"expiresAt": bson.M{"$lte": now.UnixMilli()},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired entries: %w", err)
	}
	return int(result.DeletedCount), nil
}

// LoadScope returns all live entries for the scope.
func (s *MongoStore) LoadScope(ctx context.Context, agentID, userID string, now time.Time) ([]*models.ContextEntry, error) {
	filter := bson.M{
		"agentId":   agentID,
		"userId":    userID,
		"expiresAt": bson.M{"$gt": now.UnixMilli()},
	}
	opts := options.Find().SetSort(bson.D{
		{Key: "attentionSink", Value: -1},
		{Key: "relevanceScore", Value: -1},
		{Key: "createdAt", Value: -1},
	})

	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to load scope entries: %w", err)
	}
	defer cursor.Close(ctx)

	return s.decodeCursor(ctx, cursor)
}

func (s *MongoStore) decodeCursor(ctx context.Context, cursor *mongo.Cursor) ([]*models.ContextEntry, error) {
	var entries []*models.ContextEntry

	for cursor.Next(ctx) {
		var doc mongoEntry
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode context entry: %w", err)
		}

		content, err := s.codec.decodeContent(doc.UserID, doc.Content)
		if err != nil {
			return nil, err
		}
		metadata, err := s.codec.decodeMetadata(doc.UserID, doc.Metadata)
		if err != nil {
			return nil, err
		}

		entries = append(entries, &models.ContextEntry{
			ID:             doc.ID,
			AgentID:        doc.AgentID,
			UserID:         doc.UserID,
			SessionID:      doc.SessionID,
			Content:        content,
			ContextType:    models.ContextType(doc.ContextType),
			RelevanceScore: doc.RelevanceScore,
			AttentionSink:  doc.AttentionSink,
			TokenCount:     doc.TokenCount,
			Metadata:       metadata,
			CreatedAt:      time.UnixMilli(doc.CreatedAt).UTC(),
			ExpiresAt:      time.UnixMilli(doc.ExpiresAt).UTC(),
		})
	}

	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("failed to read context entries: %w", err)
	}
	return entries, nil
}
