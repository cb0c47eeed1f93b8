package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// MongoDB wraps the MongoDB client and database
type MongoDB struct {
	client   *mongo.Client
	database *mongo.Database
}

// CollectionContextEntries holds the working-memory rows when MongoDB is the
// durable store.
const CollectionContextEntries = "context_entries"

// NewMongoDB creates a new MongoDB connection with connection pooling
func NewMongoDB(uri string) (*MongoDB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(50).
		SetMinPoolSize(5).
		SetMaxConnIdleTime(30 * time.Second).
		SetServerSelectionTimeout(5 * time.Second).
		SetConnectTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	db := &MongoDB{
		client:   client,
		database: client.Database("xerus"),
	}

	if err := db.ensureIndexes(ctx); err != nil {
		return nil, err
	}

	log.Println("✅ MongoDB connected")
	return db, nil
}

// Collection returns a handle to the named collection.
func (m *MongoDB) Collection(name string) *mongo.Collection {
	return m.database.Collection(name)
}

// Close disconnects from MongoDB.
func (m *MongoDB) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// ensureIndexes creates the compound indexes backing scope queries, ranked
// retrieval, and the expiration sweep.
func (m *MongoDB) ensureIndexes(ctx context.Context) error {
	coll := m.database.Collection(CollectionContextEntries)

	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "agentId", Value: 1},
				{Key: "userId", Value: 1},
				{Key: "expiresAt", Value: 1},
			},
		},
		{
			Keys: bson.D{
				{Key: "agentId", Value: 1},
				{Key: "userId", Value: 1},
				{Key: "attentionSink", Value: -1},
				{Key: "relevanceScore", Value: -1},
				{Key: "createdAt", Value: -1},
			},
		},
		{
			Keys: bson.D{
				{Key: "agentId", Value: 1},
				{Key: "userId", Value: 1},
				{Key: "sessionId", Value: 1},
			},
		},
	}

	if _, err := coll.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create context entry indexes: %w", err)
	}
	return nil
}
