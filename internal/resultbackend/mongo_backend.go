package resultbackend

import (
	"context"
	"encoding/json"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/qcgateway/qcgateway/internal/apierr"
	"github.com/qcgateway/qcgateway/internal/compute"
	"github.com/qcgateway/qcgateway/internal/state"
)

// documentStore is the thin slice of *mongo.Collection behavior the backend
// needs, owned by this package so unit tests can fake it without a live
// MongoDB. Mirrors the store/db driver-adapter pattern: the concrete mongo
// types stay behind this seam. findOne receives the same kind of struct
// pointer the caller passed to insertOne for that id, so a fake can just
// keep typed values around instead of round-tripping through bson.
type documentStore interface {
	insertOne(ctx context.Context, doc any) error
	findOne(ctx context.Context, id string, dest any) error
	deleteOne(ctx context.Context, id string) error
	deleteMany(ctx context.Context, ids []string) error
}

type dagDoc struct {
	ID  string          `bson:"_id"`
	Dag json.RawMessage `bson:"dag"`
}

type leafDoc struct {
	ID     string          `bson:"_id"`
	State  string          `bson:"state"`
	Output json.RawMessage `bson:"output,omitempty"`
}

// MongoBackend persists one document per DAG in a "dags" collection and one
// document per leaf result in a sibling "leaf_results" collection,
// mirroring the original's celery backend.set/backend.get/backend.delete +
// result.forget() idiom over a durable document store.
type MongoBackend struct {
	dags    documentStore
	results documentStore
}

// NewMongoBackend connects to uri/db and returns a ready Client. The
// returned value is safe for concurrent use; connect once at startup.
func NewMongoBackend(ctx context.Context, uri, db string) (*MongoBackend, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, apierr.Wrap(apierr.KindBackendUnavailable, "connect to mongo", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		return nil, apierr.Wrap(apierr.KindBackendUnavailable, "ping mongo", err)
	}
	database := client.Database(db)
	return &MongoBackend{
		dags:    &mongoCollectionAdapter{coll: database.Collection("dags")},
		results: &mongoCollectionAdapter{coll: database.Collection("leaf_results")},
	}, nil
}

func (b *MongoBackend) PutDAG(ctx context.Context, id string, dagBlob []byte) error {
	if err := b.dags.insertOne(ctx, dagDoc{ID: id, Dag: dagBlob}); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return apierr.Wrap(apierr.KindBackendUnavailable, "put dag", err)
	}
	return nil
}

func (b *MongoBackend) GetDAG(ctx context.Context, id string) ([]byte, error) {
	var doc dagDoc
	if err := b.dags.findOne(ctx, id, &doc); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, apierr.Wrap(apierr.KindBackendUnavailable, "get dag", err)
	}
	return doc.Dag, nil
}

func (b *MongoBackend) DeleteDAG(ctx context.Context, id string, leafIDs []string) error {
	if err := b.dags.deleteOne(ctx, id); err != nil {
		return apierr.Wrap(apierr.KindBackendUnavailable, "delete dag", err)
	}
	if err := b.results.deleteMany(ctx, leafIDs); err != nil {
		return apierr.Wrap(apierr.KindBackendUnavailable, "delete leaf results", err)
	}
	return nil
}

func (b *MongoBackend) ProbeReady(ctx context.Context, leafID string) (LeafResult, error) {
	var doc leafDoc
	if err := b.results.findOne(ctx, leafID, &doc); err != nil {
		if err == mongo.ErrNoDocuments {
			return LeafResult{Ready: false, State: state.Pending}, nil
		}
		return LeafResult{}, apierr.Wrap(apierr.KindBackendUnavailable, "probe ready", err)
	}
	st := state.FromBroker(doc.State)
	result := LeafResult{Ready: state.IsTerminal(st), State: st}
	if len(doc.Output) > 0 {
		var out compute.Output
		if err := json.Unmarshal(doc.Output, &out); err != nil {
			return LeafResult{}, apierr.Wrap(apierr.KindBackendUnavailable, "decode leaf output", err)
		}
		result.Output = &out
	}
	return result, nil
}

// mongoCollectionAdapter is the only place *mongo.Collection is touched
// directly.
type mongoCollectionAdapter struct {
	coll *mongo.Collection
}

func (a *mongoCollectionAdapter) insertOne(ctx context.Context, doc any) error {
	_, err := a.coll.InsertOne(ctx, doc)
	return err
}

func (a *mongoCollectionAdapter) findOne(ctx context.Context, id string, dest any) error {
	return a.coll.FindOne(ctx, bson.M{"_id": id}).Decode(dest)
}

func (a *mongoCollectionAdapter) deleteOne(ctx context.Context, id string) error {
	_, err := a.coll.DeleteOne(ctx, bson.M{"_id": id})
	return err
}

func (a *mongoCollectionAdapter) deleteMany(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := a.coll.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	return err
}
