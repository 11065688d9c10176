package docs

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// RevisionStore is the history store: it exclusively owns DocumentRevision
// records. All writes happen inside an engine transaction.
type RevisionStore interface {
	AllByDocumentID(ctx context.Context, documentID string) ([]DocumentRevision, error)
	Insert(ctx context.Context, rev *DocumentRevision) error
	InsertMany(ctx context.Context, revs []DocumentRevision) error
	DeleteByIDs(ctx context.Context, ids []string) error
	DeleteByDocumentID(ctx context.Context, documentID string) error
	SaveCDNResources(ctx context.Context, revisionID string, resources []string) error
}

// ProjectionStore holds the Document projection records, one per document id.
type ProjectionStore interface {
	Get(ctx context.Context, documentID string) (*Document, error)
	AllIDs(ctx context.Context) ([]string, error)
	Save(ctx context.Context, doc *Document) error
	Delete(ctx context.Context, documentID string) error
}

// OrderSource hands out the globally monotonically increasing revision order.
// NextOrder is called inside the operation's transaction so that a crashed
// commit cannot leave gaps or reorderings behind.
type OrderSource interface {
	NextOrder(ctx context.Context) (int64, error)
}

const (
	revisionsCollection   = "documentRevisions"
	projectionsCollection = "documents"
	countersCollection    = "counters"
)

// MongoRevisionStore implements RevisionStore on a Mongo collection.
type MongoRevisionStore struct {
	col *mongo.Collection
}

func NewMongoRevisionStore(db *mongo.Database) *MongoRevisionStore {
	return &MongoRevisionStore{col: db.Collection(revisionsCollection)}
}

// EnsureIndexes creates the (documentId, order) index the engine reads by.
func (s *MongoRevisionStore) EnsureIndexes(ctx context.Context) error {
	idx := mongo.IndexModel{Keys: bson.D{{Key: "documentId", Value: 1}, {Key: "order", Value: 1}}}
	if _, err := s.col.Indexes().CreateOne(ctx, idx); err != nil {
		return fmt.Errorf("ensure revision index: %w", err)
	}
	return nil
}

func (s *MongoRevisionStore) AllByDocumentID(ctx context.Context, documentID string) ([]DocumentRevision, error) {
	opts := options.Find().SetSort(bson.D{{Key: "order", Value: 1}})
	cur, err := s.col.Find(ctx, bson.M{"documentId": documentID}, opts)
	if err != nil {
		return nil, fmt.Errorf("find revisions: %w", err)
	}
	defer cur.Close(ctx)
	out := []DocumentRevision{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode revisions: %w", err)
	}
	return out, nil
}

func (s *MongoRevisionStore) Insert(ctx context.Context, rev *DocumentRevision) error {
	if _, err := s.col.InsertOne(ctx, rev); err != nil {
		return fmt.Errorf("insert revision: %w", err)
	}
	return nil
}

func (s *MongoRevisionStore) InsertMany(ctx context.Context, revs []DocumentRevision) error {
	if len(revs) == 0 {
		return nil
	}
	docs := make([]interface{}, len(revs))
	for i := range revs {
		docs[i] = revs[i]
	}
	if _, err := s.col.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("insert revisions: %w", err)
	}
	return nil
}

func (s *MongoRevisionStore) DeleteByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.col.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}}); err != nil {
		return fmt.Errorf("delete revisions: %w", err)
	}
	return nil
}

func (s *MongoRevisionStore) DeleteByDocumentID(ctx context.Context, documentID string) error {
	if _, err := s.col.DeleteMany(ctx, bson.M{"documentId": documentID}); err != nil {
		return fmt.Errorf("delete revisions of %s: %w", documentID, err)
	}
	return nil
}

func (s *MongoRevisionStore) SaveCDNResources(ctx context.Context, revisionID string, resources []string) error {
	res, err := s.col.UpdateOne(ctx, bson.M{"_id": revisionID}, bson.M{"$set": bson.M{"cdnResources": resources}})
	if err != nil {
		return fmt.Errorf("save cdnResources: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// MongoProjectionStore implements ProjectionStore on a Mongo collection.
type MongoProjectionStore struct {
	col *mongo.Collection
}

func NewMongoProjectionStore(db *mongo.Database) *MongoProjectionStore {
	return &MongoProjectionStore{col: db.Collection(projectionsCollection)}
}

func (s *MongoProjectionStore) Get(ctx context.Context, documentID string) (*Document, error) {
	var doc Document
	if err := s.col.FindOne(ctx, bson.M{"_id": documentID}).Decode(&doc); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find document: %w", err)
	}
	return &doc, nil
}

func (s *MongoProjectionStore) AllIDs(ctx context.Context) ([]string, error) {
	opts := options.Find().SetProjection(bson.M{"_id": 1}).SetSort(bson.D{{Key: "_id", Value: 1}})
	cur, err := s.col.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("list document ids: %w", err)
	}
	defer cur.Close(ctx)
	ids := []string{}
	for cur.Next(ctx) {
		var row struct {
			ID string `bson:"_id"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, fmt.Errorf("decode document id: %w", err)
		}
		ids = append(ids, row.ID)
	}
	return ids, cur.Err()
}

func (s *MongoProjectionStore) Save(ctx context.Context, doc *Document) error {
	opts := options.Replace().SetUpsert(true)
	if _, err := s.col.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, opts); err != nil {
		return fmt.Errorf("save document: %w", err)
	}
	return nil
}

func (s *MongoProjectionStore) Delete(ctx context.Context, documentID string) error {
	res, err := s.col.DeleteOne(ctx, bson.M{"_id": documentID})
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// MongoOrderSource allocates revision orders from a counters document via an
// atomic $inc upsert.
type MongoOrderSource struct {
	col *mongo.Collection
}

func NewMongoOrderSource(db *mongo.Database) *MongoOrderSource {
	return &MongoOrderSource{col: db.Collection(countersCollection)}
}

func (s *MongoOrderSource) NextOrder(ctx context.Context) (int64, error) {
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var row struct {
		Seq int64 `bson:"seq"`
	}
	err := s.col.FindOneAndUpdate(ctx,
		bson.M{"_id": "revisionOrder"},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		opts,
	).Decode(&row)
	if err != nil {
		return 0, fmt.Errorf("next revision order: %w", err)
	}
	return row.Seq, nil
}
