//go:build integration

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/bson"
)

// setupMongo starts a MongoDB container and returns its connection URI
func setupMongo(t *testing.T) (string, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "mongo:7",
		ExposedPorts: []string{"27017/tcp"},
		WaitingFor:   wait.ForLog("Waiting for connections").WithStartupTimeout(60 * time.Second),
	}

	mongoContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start MongoDB container: %v", err)
	}

	endpoint, err := mongoContainer.Endpoint(ctx, "mongodb")
	if err != nil {
		t.Fatalf("Failed to get MongoDB endpoint: %v", err)
	}

	cleanup := func() {
		mongoContainer.Terminate(ctx)
	}

	return endpoint, cleanup
}

func TestMongo_Integration_DatabaseExists(t *testing.T) {
	uri, cleanup := setupMongo(t)
	defer cleanup()

	ctx := context.Background()
	m, err := Connect(ctx, MongoConfig{URI: uri, Database: "covid"})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer m.Close(ctx)

	exists, err := m.DatabaseExists(ctx)
	if err != nil {
		t.Fatalf("DatabaseExists() error = %v", err)
	}
	if exists {
		t.Error("Fresh server should not have the database")
	}

	if err := m.InsertMany(ctx, "hospitalizace", []interface{}{bson.D{{Key: "datum", Value: "2024-10-21"}}}); err != nil {
		t.Fatalf("InsertMany() error = %v", err)
	}

	exists, err = m.DatabaseExists(ctx)
	if err != nil {
		t.Fatalf("DatabaseExists() error = %v", err)
	}
	if !exists {
		t.Error("Database should exist after the first insert")
	}
}

func TestMongo_Integration_SinkPartialFailure(t *testing.T) {
	uri, cleanup := setupMongo(t)
	defer cleanup()

	ctx := context.Background()
	m, err := Connect(ctx, MongoConfig{URI: uri, Database: "covid"})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer m.Close(ctx)

	// Batch 2 carries a duplicate _id, so the ordered insert stops there.
	records := makeRecords(25)
	for i := range records {
		records[i] = append(records[i], bson.E{Key: "_id", Value: i})
	}
	records[12] = bson.D{{Key: "_id", Value: 11}}

	sink := NewSink(m, 10)
	res, err := sink.InsertBatch(ctx, "ockovani", records)

	var perr *PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("Expected *PersistenceError, got %v", err)
	}
	if perr.Batch != 2 {
		t.Errorf("failing batch = %d, want 2", perr.Batch)
	}
	if res.SkippedBatches != 1 {
		t.Errorf("SkippedBatches = %d, want 1", res.SkippedBatches)
	}

	// Batch 1 fully committed, batch 2 up to the duplicate, batch 3 never ran.
	n, err := m.Count(ctx, "ockovani")
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 12 {
		t.Errorf("documents = %d, want 12", n)
	}
}
