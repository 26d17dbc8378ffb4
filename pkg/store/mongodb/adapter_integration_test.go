package mongodb

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/nimburion/places/pkg/observability/logger"
	"github.com/nimburion/places/pkg/repository/document"
	"github.com/nimburion/places/pkg/testutil"
)

func TestAdapter_Integration(t *testing.T) {
	testutil.RequireIntegration(t)

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForListeningPort("27017/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start MongoDB container: %v", err)
	}
	testutil.Terminate(t, container)

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	port, err := container.MappedPort(ctx, "27017/tcp")
	if err != nil {
		t.Fatal(err)
	}

	adapter, err := NewAdapter(Config{
		URL:      fmt.Sprintf("mongodb://%s:%s", host, port.Port()),
		Database: "places",
	}, logger.NewNop())
	if err != nil {
		t.Fatalf("NewAdapter() error = %v", err)
	}
	defer adapter.Close()

	if err := adapter.EnsureIndexes(ctx, "places", mongo.IndexModel{Keys: bson.D{{Key: "title", Value: 1}}}); err != nil {
		t.Fatalf("EnsureIndexes() error = %v", err)
	}
	for i, title := range []string{"Lighthouse", "Harbor", "Market"} {
		if err := adapter.InsertOne(ctx, "places", bson.M{"_id": fmt.Sprint(i), "title": title}); err != nil {
			t.Fatalf("InsertOne() error = %v", err)
		}
	}

	docs, err := adapter.Find(ctx, "places", bson.D{}, document.FindOptions{
		Sort:  bson.D{{Key: "title", Value: 1}},
		Limit: 2,
	})
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if len(docs) != 2 || docs[0]["title"] != "Harbor" || docs[1]["title"] != "Lighthouse" {
		t.Fatalf("docs = %v", docs)
	}

	matched, err := adapter.UpdateOne(ctx, "places", bson.D{{Key: "_id", Value: "2"}}, bson.D{{Key: "$set", Value: bson.M{"title": "Bazaar"}}})
	if err != nil || matched != 1 {
		t.Fatalf("UpdateOne() matched=%d err=%v", matched, err)
	}
	if _, err := adapter.FindOne(ctx, "places", bson.D{{Key: "title", Value: "Market"}}, nil); err != mongo.ErrNoDocuments {
		t.Fatalf("FindOne() error = %v, want mongo.ErrNoDocuments", err)
	}

	deleted, err := adapter.DeleteOne(ctx, "places", bson.D{{Key: "_id", Value: "0"}})
	if err != nil || deleted != 1 {
		t.Fatalf("DeleteOne() deleted=%d err=%v", deleted, err)
	}
	count, err := adapter.CountDocuments(ctx, "places", bson.D{})
	if err != nil || count != 2 {
		t.Fatalf("CountDocuments() = %d, %v", count, err)
	}
}
