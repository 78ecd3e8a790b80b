// Package graphstore is the Graph Store Adapter:
// tenant-scoped read/write over a property graph with a vector index,
// serialized writes, timeouts, and retries.
//
// The backing store is MongoDB (Atlas Search / Atlas Vector Search),
// accessed through go.mongodb.org/mongo-driver over property-graph-shaped
// task/knowledge collections. Entities and relationships are stored as
// flat documents; "Cypher-like" traversal is implemented as bounded BFS
// over the relationships collection rather than a native graph query
// language, since Mongo has no Cypher dialect.
package graphstore

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sibyl-platform/sibyl/internal/entity"
	"github.com/sibyl-platform/sibyl/internal/sibylerr"
)

const (
	entitiesCollection = "entities"
	relationshipsCollection = "relationships"

	maxRetries = 4
	retryBaseBackoff = 50 * time.Millisecond
)

// Config configures the Adapter.
type Config struct {
	URI string
	Database string
	WriteSemaphoreWidth int64
	QueryTimeout time.Duration
	VectorTimeout time.Duration
	EmbeddingDimension int
}

// Adapter is the process-wide singleton graph client. Construct once via Connect, Close on
// shutdown.
type Adapter struct {
	client *mongo.Client
	db *mongo.Database
	writeSem *semaphore.Weighted
	cfg Config
	logger *zap.Logger

	indexedTenants map[string]bool
}

// Connect establishes the Mongo client and returns a ready Adapter.
// Callers must call Close for a clean teardown.
func Connect(ctx context.Context, cfg Config, logger *zap.Logger) (*Adapter, error) {
	if cfg.WriteSemaphoreWidth <= 0 {
		cfg.WriteSemaphoreWidth = 20
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 10 * time.Second
	}
	if cfg.VectorTimeout <= 0 {
		cfg.VectorTimeout = 15 * time.Second
	}

	clientOpts := options.Client().ApplyURI(cfg.URI).SetServerSelectionTimeout(5 * time.Second)
	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, sibylerr.UpstreamUnavailable("mongo", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, sibylerr.UpstreamUnavailable("mongo", err)
	}

	return &Adapter{
		client: client,
		db: client.Database(cfg.Database),
		writeSem: semaphore.NewWeighted(cfg.WriteSemaphoreWidth),
		cfg: cfg,
		logger: logger,
		indexedTenants: make(map[string]bool),
	}, nil
}

// Close tears down the Mongo connection.
func (a *Adapter) Close(ctx context.Context) error {
	return a.client.Disconnect(ctx)
}

func (a *Adapter) entities() *mongo.Collection { return a.db.Collection(entitiesCollection) }
func (a *Adapter) relationships() *mongo.Collection { return a.db.Collection(relationshipsCollection) }

func requireTenant(tenantID, op string) error {
	if tenantID == "" {
		return sibylerr.TenantMissing(op)
	}
	return nil
}

// EnsureIndexes creates, idempotently, the standard indexes for a
// tenant on first use: a vector index on name_embedding, range indexes
// on (project_id, status) and entity_type. Failure to create an
// existing index is not fatal.
func (a *Adapter) EnsureIndexes(ctx context.Context, tenantID string) error {
	if err := requireTenant(tenantID, "EnsureIndexes"); err != nil {
		return err
	}
	if a.indexedTenants[tenantID] {
		return nil
	}

	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "organization_id", Value: 1}, {Key: "project_id", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "organization_id", Value: 1}, {Key: "entity_type", Value: 1}}},
		{Keys: bson.D{{Key: "organization_id", Value: 1}, {Key: "_id", Value: 1}}, Options: options.Index().SetUnique(true)},
	}
	if _, err := a.entities().Indexes().CreateMany(ctx, models); err != nil {
		a.logger.Warn("range index creation failed (non-fatal)", zap.Error(err), zap.String("tenant_id", tenantID))
	}

	// Atlas-style vector search index; created via the search-index
	// helper collection command. Non-fatal if the backing store lacks
	// Atlas Search (e.g. community Mongo in local dev/tests).
	vectorIndex := mongo.SearchIndexModel{
		Definition: bson.D{
			{Key: "fields", Value: bson.A{
				bson.D{
					{Key: "type", Value: "vector"},
					{Key: "path", Value: "name_embedding"},
					{Key: "numDimensions", Value: a.cfg.EmbeddingDimension},
					{Key: "similarity", Value: "cosine"},
				},
			}},
		},
		Options: options.SearchIndexes().SetName(fmt.Sprintf("name_embedding_vec_%s", tenantID)).SetType("vectorSearch"),
	}
	if _, err := a.entities().SearchIndexes().CreateOne(ctx, vectorIndex); err != nil {
		a.logger.Warn("vector index creation failed (non-fatal)", zap.Error(err), zap.String("tenant_id", tenantID))
	}

	a.indexedTenants[tenantID] = true
	return nil
}

// withRetry runs fn with bounded exponential backoff on transient
// connection errors; persistent failures surface as UpstreamUnavailable.
func withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			backoff := retryBaseBackoff * time.Duration(1<<uint(attempt-1))
			jitter := time.Duration(rand.Int63n(int64(backoff / 2)))
			select {
			case <-time.After(backoff + jitter):
			case <-ctx.Done():
				return sibylerr.Timeout(op)
			}
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransient(err) {
			return err
		}
	}
	return sibylerr.UpstreamUnavailable("mongo", lastErr)
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.HasErrorLabel("TransientTransactionError") || cmdErr.HasErrorLabel("RetryableWriteError")
	}
	return mongo.IsNetworkError(err)
}

// ExecuteWrite serializes fn behind the process-wide write semaphore
// and a per-operation timeout, per shared-resource policy.
func (a *Adapter) ExecuteWrite(ctx context.Context, tenantID, op string, fn func(ctx context.Context) error) error {
	if err := requireTenant(tenantID, op); err != nil {
		return err
	}
	if err := a.writeSem.Acquire(ctx, 1); err != nil {
		return sibylerr.Timeout(op)
	}
	defer a.writeSem.Release(1)

	wctx, cancel := context.WithTimeout(ctx, a.cfg.QueryTimeout)
	defer cancel()
	return withRetry(wctx, op, fn)
}

// ExecuteRead runs fn under a per-operation read timeout with retry,
// without the write semaphore (reads are not write-serialized).
func (a *Adapter) ExecuteRead(ctx context.Context, tenantID, op string, fn func(ctx context.Context) error) error {
	if err := requireTenant(tenantID, op); err != nil {
		return err
	}
	rctx, cancel := context.WithTimeout(ctx, a.cfg.QueryTimeout)
	defer cancel()
	return withRetry(rctx, op, fn)
}

// UpsertEntity idempotently creates or updates an entity document.
// Creation is idempotent on id.
func (a *Adapter) UpsertEntity(ctx context.Context, tenantID string, h entity.Header, payload bson.M) error {
	return a.ExecuteWrite(ctx, tenantID, "UpsertEntity", func(ctx context.Context) error {
		doc := bson.M{
			"_id": h.ID,
			"entity_type": h.EntityType,
			"name": h.Name,
			"description": h.Description,
			"content": h.Content,
			"organization_id": tenantID,
			"project_id": h.ProjectID,
			"metadata": h.Metadata,
			"name_embedding": h.NameEmbedding,
			"created_at": h.CreatedAt,
			"updated_at": h.UpdatedAt,
		}
		for k, v := range payload {
			doc[k] = v
		}
		_, err := a.entities().UpdateOne(ctx,
			bson.M{"_id": h.ID, "organization_id": tenantID},
			bson.M{"$set": doc},
			options.Update().SetUpsert(true),
		)
		return err
	})
}

// GetEntity fetches a single entity by id within tenantID's scope.
func (a *Adapter) GetEntity(ctx context.Context, tenantID, id string) (bson.M, error) {
	var result bson.M
	err := a.ExecuteRead(ctx, tenantID, "GetEntity", func(ctx context.Context) error {
		return a.entities().FindOne(ctx, bson.M{"_id": id, "organization_id": tenantID}).Decode(&result)
	})
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, sibylerr.NotFound("entity", id)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// DeleteEntity removes an entity and its incident relationships.
func (a *Adapter) DeleteEntity(ctx context.Context, tenantID, id string) error {
	return a.ExecuteWrite(ctx, tenantID, "DeleteEntity", func(ctx context.Context) error {
		if _, err := a.entities().DeleteOne(ctx, bson.M{"_id": id, "organization_id": tenantID}); err != nil {
			return err
		}
		_, err := a.relationships().DeleteMany(ctx, bson.M{
			"group_id": tenantID,
			"$or": bson.A{bson.M{"source_id": id}, bson.M{"target_id": id}},
		})
		return err
	})
}

// Query executes an arbitrary tenant-scoped filter against entities,
// standing in for generic executeRead(query, params).
func (a *Adapter) Query(ctx context.Context, tenantID string, filter bson.M, limit int64) ([]bson.M, error) {
	var out []bson.M
	err := a.ExecuteRead(ctx, tenantID, "Query", func(ctx context.Context) error {
		filter["organization_id"] = tenantID
		opts := options.Find()
		if limit > 0 {
			opts.SetLimit(limit)
		}
		cur, err := a.entities().Find(ctx, filter, opts)
		if err != nil {
			return err
		}
		defer cur.Close(ctx)
		return cur.All(ctx, &out)
	})
	return out, err
}

// VectorHit is one result of a native vector-index search.
type VectorHit struct {
	Entity bson.M
	Score float64
}

// VectorSearch runs a $vectorSearch aggregation over name_embedding,
// scoped to tenantID and (optionally) a set of entity kinds.
func (a *Adapter) VectorSearch(ctx context.Context, tenantID string, kinds []entity.Kind, embedding []float32, k int) ([]VectorHit, error) {
	if err := requireTenant(tenantID, "VectorSearch"); err != nil {
		return nil, err
	}
	vctx, cancel := context.WithTimeout(ctx, a.cfg.VectorTimeout)
	defer cancel()
	filter := bson.M{"organization_id": tenantID}
	if len(kinds) > 0 {
		filter["entity_type"] = bson.M{"$in": kinds}
	}

	pipeline := mongo.Pipeline{
		{{Key: "$vectorSearch", Value: bson.D{
			{Key: "index", Value: fmt.Sprintf("name_embedding_vec_%s", tenantID)},
			{Key: "path", Value: "name_embedding"},
			{Key: "queryVector", Value: embedding},
			{Key: "numCandidates", Value: k * 10},
			{Key: "limit", Value: k},
			{Key: "filter", Value: filter},
		}}},
		{{Key: "$addFields", Value: bson.D{{Key: "score", Value: bson.D{{Key: "$meta", Value: "vectorSearchScore"}}}}}},
	}

	var hits []VectorHit
	err := withRetry(vctx, "VectorSearch", func(ctx context.Context) error {
		cur, err := a.entities().Aggregate(ctx, pipeline)
		if err != nil {
			return err
		}
		defer cur.Close(ctx)
		var docs []bson.M
		if err := cur.All(ctx, &docs); err != nil {
			return err
		}
		hits = hits[:0]
		for _, d := range docs {
			score, _ := d["score"].(float64)
			hits = append(hits, VectorHit{Entity: d, Score: score})
		}
		return nil
	})
	return hits, err
}

// UpsertRelationship writes (or reweights) an edge between two entities.
func (a *Adapter) UpsertRelationship(ctx context.Context, rel entity.Relationship) error {
	return a.ExecuteWrite(ctx, rel.GroupID, "UpsertRelationship", func(ctx context.Context) error {
		_, err := a.relationships().UpdateOne(ctx,
			bson.M{"source_id": rel.SourceID, "target_id": rel.TargetID, "relationship_type": rel.RelationshipType, "group_id": rel.GroupID},
			bson.M{"$set": bson.M{
				"weight": rel.Weight,
				"metadata": rel.Metadata,
				"created_at": rel.CreatedAt,
			}},
			options.Update().SetUpsert(true),
		)
		return err
	})
}

// Neighbors returns the relationships of the given types (empty = all
// types) leaving id when outgoing is true, or arriving at id when it is
// false, used by the retrieval engine's graph traversal and the
// dependency DFS.
func (a *Adapter) Neighbors(ctx context.Context, tenantID, id string, types []entity.RelationshipType, outgoing bool) ([]entity.Relationship, error) {
	var out []entity.Relationship
	err := a.ExecuteRead(ctx, tenantID, "Neighbors", func(ctx context.Context) error {
		field := "source_id"
		if !outgoing {
			field = "target_id"
		}
		filter := bson.M{"group_id": tenantID, field: id}
		if len(types) > 0 {
			filter["relationship_type"] = bson.M{"$in": types}
		}
		cur, err := a.relationships().Find(ctx, filter)
		if err != nil {
			return err
		}
		defer cur.Close(ctx)
		return cur.All(ctx, &out)
	})
	return out, err
}

// AllRelationships returns every relationship within a tenant, used by
// community detection to build its in-memory graph export without walking node-by-node.
func (a *Adapter) AllRelationships(ctx context.Context, tenantID string) ([]entity.Relationship, error) {
	var out []entity.Relationship
	err := a.ExecuteRead(ctx, tenantID, "AllRelationships", func(ctx context.Context) error {
		cur, err := a.relationships().Find(ctx, bson.M{"group_id": tenantID})
		if err != nil {
			return err
		}
		defer cur.Close(ctx)
		return cur.All(ctx, &out)
	})
	return out, err
}

// RedirectRelationships moves every edge touching fromID onto toID,
// preserving edge types/properties, as used by entity-dedup merge.
func (a *Adapter) RedirectRelationships(ctx context.Context, tenantID, fromID, toID string) error {
	return a.ExecuteWrite(ctx, tenantID, "RedirectRelationships", func(ctx context.Context) error {
		if _, err := a.relationships().UpdateMany(ctx,
			bson.M{"group_id": tenantID, "source_id": fromID},
			bson.M{"$set": bson.M{"source_id": toID}},
		); err != nil {
			return err
		}
		_, err := a.relationships().UpdateMany(ctx,
			bson.M{"group_id": tenantID, "target_id": fromID},
			bson.M{"$set": bson.M{"target_id": toID}},
		)
		return err
	})
}
