package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// MongoConfig holds the document store connection settings.
type MongoConfig struct {
	URI            string
	Database       string
	ConnectTimeout time.Duration
}

// Mongo is the MongoDB-backed document store.
type Mongo struct {
	client *mongo.Client
	db     *mongo.Database
	name   string
}

// Connect opens a MongoDB connection and verifies it with a ping.
func Connect(ctx context.Context, cfg MongoConfig) (*Mongo, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("mongodb uri is required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("mongodb database is required")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	opts := options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetServerSelectionTimeout(cfg.ConnectTimeout)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	return &Mongo{
		client: client,
		db:     client.Database(cfg.Database),
		name:   cfg.Database,
	}, nil
}

// DatabaseExists reports whether the configured database already exists on
// the server. MongoDB creates a database on first insert, so an existing
// database means an earlier run stored data.
func (m *Mongo) DatabaseExists(ctx context.Context) (bool, error) {
	names, err := m.client.ListDatabaseNames(ctx, bson.D{{Key: "name", Value: m.name}})
	if err != nil {
		return false, fmt.Errorf("list databases: %w", err)
	}
	for _, n := range names {
		if n == m.name {
			return true, nil
		}
	}
	return false, nil
}

// InsertMany inserts docs into collection in order.
func (m *Mongo) InsertMany(ctx context.Context, collection string, docs []interface{}) error {
	if len(docs) == 0 {
		return nil
	}
	_, err := m.db.Collection(collection).InsertMany(ctx, docs, options.InsertMany().SetOrdered(true))
	if err != nil {
		return fmt.Errorf("insert into %s: %w", collection, err)
	}
	return nil
}

// Count returns the number of documents in collection.
func (m *Mongo) Count(ctx context.Context, collection string) (int64, error) {
	n, err := m.db.Collection(collection).CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", collection, err)
	}
	return n, nil
}

// Database returns the configured database name.
func (m *Mongo) Database() string {
	return m.name
}

// Close disconnects from the server.
func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
