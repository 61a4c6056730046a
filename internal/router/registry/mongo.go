package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	fcmongo "go.flowcatalyst.tech/dispatcher/internal/common/mongo"
	"go.flowcatalyst.tech/dispatcher/internal/common/repository"
	"go.flowcatalyst.tech/dispatcher/internal/router/model"
)

// StatusActive is the only status the dispatcher loads
const StatusActive = "ACTIVE"

type poolDocument struct {
	ID              string `bson:"_id"`
	Code            string `bson:"code"`
	Name            string `bson:"name,omitempty"`
	Description     string `bson:"description,omitempty"`
	ClientID        string `bson:"clientId,omitempty"`
	Concurrency     int    `bson:"concurrency"`
	RateLimitPerMin *int   `bson:"rateLimitPerMin,omitempty"`
	Status          string `bson:"status"`
}

func (d *poolDocument) toModel() model.DispatchPool {
	concurrency := d.Concurrency
	if concurrency < 1 {
		concurrency = model.DefaultPoolConcurrency
	}
	return model.DispatchPool{
		Code:        d.Code,
		Name:        d.Name,
		Description: d.Description,
		Concurrency: concurrency,
		RateLimit:   d.RateLimitPerMin,
		ClientID:    d.ClientID,
	}
}

type configEntry struct {
	Key   string `bson:"key"`
	Value string `bson:"value"`
}

type subscriptionDocument struct {
	ID               string        `bson:"_id"`
	Code             string        `bson:"code"`
	ClientID         string        `bson:"clientId,omitempty"`
	Target           string        `bson:"target"`
	DispatchPoolCode string        `bson:"dispatchPoolCode,omitempty"`
	Mode             string        `bson:"mode,omitempty"`
	TimeoutSeconds   int           `bson:"timeoutSeconds,omitempty"`
	AuthToken        string        `bson:"authToken,omitempty"`
	SigningSecret    string        `bson:"signingSecret,omitempty"`
	CustomConfig     []configEntry `bson:"customConfig,omitempty"`
	Status           string        `bson:"status"`
}

// toModel converts the stored form. customConfig entries become request
// headers; an unknown mode falls back to the IMMEDIATE default.
func (d *subscriptionDocument) toModel() *model.Subscription {
	mode, err := model.ParseDispatchMode(d.Mode)
	if err != nil {
		slog.Warn("Subscription has an unknown dispatch mode, using default",
			"subscriptionId", d.ID,
			"mode", d.Mode)
		mode = ""
	}

	var headers map[string]string
	if len(d.CustomConfig) > 0 {
		headers = make(map[string]string, len(d.CustomConfig))
		for _, e := range d.CustomConfig {
			headers[e.Key] = e.Value
		}
	}

	return &model.Subscription{
		ID:               d.ID,
		Code:             d.Code,
		ClientID:         d.ClientID,
		TargetURL:        d.Target,
		DispatchPoolCode: d.DispatchPoolCode,
		Mode:             mode,
		Timeout:          time.Duration(d.TimeoutSeconds) * time.Second,
		AuthToken:        d.AuthToken,
		SigningSecret:    d.SigningSecret,
		Headers:          headers,
	}
}

// Mongo reads definitions from the dispatch_pools and subscriptions collections
type Mongo struct {
	pools         *mongo.Collection
	subscriptions *mongo.Collection
}

var _ Registry = (*Mongo)(nil)

var (
	poolByCode       = repository.Op{Collection: fcmongo.CollectionDispatchPools, Name: "pool_by_code"}
	activePools      = repository.Op{Collection: fcmongo.CollectionDispatchPools, Name: "active_pools"}
	subscriptionByID = repository.Op{Collection: fcmongo.CollectionSubscriptions, Name: "subscription_by_id"}
)

// NewMongo creates a registry over db
func NewMongo(db *mongo.Database) *Mongo {
	return &Mongo{
		pools:         db.Collection(fcmongo.CollectionDispatchPools),
		subscriptions: db.Collection(fcmongo.CollectionSubscriptions),
	}
}

// Pool finds an active pool by code
func (m *Mongo) Pool(ctx context.Context, code string) (*model.DispatchPool, error) {
	doc, err := repository.Observe(ctx, poolByCode, func() (*poolDocument, error) {
		var d poolDocument
		if err := m.pools.FindOne(ctx, bson.M{"code": code, "status": StatusActive}).Decode(&d); err != nil {
			return nil, err
		}
		return &d, nil
	})
	if err != nil {
		return nil, fmt.Errorf("pool %s: %w", code, err)
	}
	p := doc.toModel()
	return &p, nil
}

// Pools finds every active pool
func (m *Mongo) Pools(ctx context.Context) ([]model.DispatchPool, error) {
	docs, err := repository.Observe(ctx, activePools, func() ([]poolDocument, error) {
		opts := options.Find().SetSort(bson.D{{Key: "code", Value: 1}})
		cursor, err := m.pools.Find(ctx, bson.M{"status": StatusActive}, opts)
		if err != nil {
			return nil, err
		}
		defer cursor.Close(ctx)

		var docs []poolDocument
		if err := cursor.All(ctx, &docs); err != nil {
			return nil, err
		}
		return docs, nil
	})
	if err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}

	pools := make([]model.DispatchPool, 0, len(docs))
	for i := range docs {
		pools = append(pools, docs[i].toModel())
	}
	return pools, nil
}

// Subscription finds an active subscription by id or code
func (m *Mongo) Subscription(ctx context.Context, id string) (*model.Subscription, error) {
	doc, err := repository.Observe(ctx, subscriptionByID, func() (*subscriptionDocument, error) {
		filter := bson.M{
			"status": StatusActive,
			"$or":    []bson.M{{"_id": id}, {"code": id}},
		}
		var d subscriptionDocument
		if err := m.subscriptions.FindOne(ctx, filter).Decode(&d); err != nil {
			return nil, err
		}
		return &d, nil
	})
	if err != nil {
		return nil, fmt.Errorf("subscription %s: %w", id, err)
	}
	return doc.toModel(), nil
}
