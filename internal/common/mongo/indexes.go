package mongo

import (
	"context"
	"log/slog"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go.flowcatalyst.tech/dispatcher/internal/common/repository"
)

// Registry collection names
const (
	CollectionDispatchPools = "dispatch_pools"
	CollectionSubscriptions = "subscriptions"
)

// IndexDefinition defines a MongoDB index
type IndexDefinition struct {
	Collection string
	Keys       bson.D
	Options    *options.IndexOptions
}

// RegistryIndexes are the indexes the registry queries rely on
func RegistryIndexes() []IndexDefinition {
	return []IndexDefinition{
		{
			Collection: CollectionDispatchPools,
			Keys:       bson.D{{Key: "code", Value: 1}},
			Options:    options.Index().SetUnique(true),
		},
		{
			Collection: CollectionDispatchPools,
			Keys:       bson.D{{Key: "status", Value: 1}},
		},
		{
			Collection: CollectionSubscriptions,
			Keys:       bson.D{{Key: "code", Value: 1}},
			Options:    options.Index().SetUnique(true).SetSparse(true),
		},
		{
			Collection: CollectionSubscriptions,
			Keys:       bson.D{{Key: "status", Value: 1}, {Key: "dispatchPoolCode", Value: 1}},
		},
	}
}

// IndexInitializer creates indexes on startup
type IndexInitializer struct {
	client  *Client
	indexes []IndexDefinition
}

// NewIndexInitializer creates an initializer for the given indexes
func NewIndexInitializer(client *Client, indexes []IndexDefinition) *IndexInitializer {
	return &IndexInitializer{client: client, indexes: indexes}
}

// Initialize creates every index. Failures are logged, not returned: an
// index that already exists with other options should not stop startup.
func (i *IndexInitializer) Initialize(ctx context.Context) error {
	created := 0
	for _, idx := range i.indexes {
		if err := i.createIndex(ctx, idx); err != nil {
			slog.Warn("Failed to create index (may already exist)",
				"error", err,
				"collection", idx.Collection)
			continue
		}
		created++
	}

	slog.Info("Index initialization complete", "count", created)
	return ctx.Err()
}

func (i *IndexInitializer) createIndex(ctx context.Context, idx IndexDefinition) error {
	return repository.Do(ctx, repository.Op{Collection: idx.Collection, Name: "create_index"}, func() error {
		_, err := i.client.Collection(idx.Collection).Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    idx.Keys,
			Options: idx.Options,
		})
		return err
	})
}
