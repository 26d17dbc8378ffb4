package migrate

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// IndexEnsurer creates indexes on a collection; the mongodb adapter
// implements it.
type IndexEnsurer interface {
	EnsureIndexes(ctx context.Context, collection string, models ...mongo.IndexModel) error
}

// MongoIndexes is the index set the places service relies on: a unique
// email, the owner lookup, the default sort and one text index per
// collection covering its full-text fields. Text indexes use language
// "none" so no word is stemmed or dropped as a stop word.
func MongoIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		"users": {
			{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetName("users_email_key").SetUnique(true)},
			{
				Keys:    bson.D{{Key: "name", Value: "text"}},
				Options: options.Index().SetName("users_text_idx").SetDefaultLanguage("none"),
			},
		},
		"places": {
			{Keys: bson.D{{Key: "creatorId", Value: 1}}, Options: options.Index().SetName("places_creator_id_idx")},
			{Keys: bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}, Options: options.Index().SetName("places_created_at_idx")},
			{
				Keys:    bson.D{{Key: "title", Value: "text"}, {Key: "description", Value: "text"}},
				Options: options.Index().SetName("places_text_idx").SetDefaultLanguage("none"),
			},
		},
	}
}

// MongoMigrator ensures MongoIndexes. Index creation is idempotent, so Up
// always reports every collection and Down is unsupported.
type MongoMigrator struct {
	db      IndexEnsurer
	indexes map[string][]mongo.IndexModel
}

var _ Migrator = (*MongoMigrator)(nil)

// NewMongoMigrator creates a migrator for db.
func NewMongoMigrator(db IndexEnsurer) (*MongoMigrator, error) {
	if db == nil {
		return nil, errors.New("mongodb adapter is required")
	}
	return &MongoMigrator{db: db, indexes: MongoIndexes()}, nil
}

func (m *MongoMigrator) Up(ctx context.Context) (int, error) {
	count := 0
	for _, collection := range []string{"users", "places"} {
		if err := m.db.EnsureIndexes(ctx, collection, m.indexes[collection]...); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (m *MongoMigrator) Down(context.Context, int) (int, error) {
	return 0, errors.New("mongodb migrations cannot be reverted; drop the indexes manually")
}

func (m *MongoMigrator) Status(context.Context) (*Status, error) {
	return &Status{Pending: []PendingMigration{}}, nil
}
