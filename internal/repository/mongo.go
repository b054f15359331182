package repository

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/example/passport-check/internal/photostore"
)

// MongoCollectionName is the collection holding one document per owner.
const MongoCollectionName = "passport_photo_collections"

// MongoCollectionRepository persists photo collections as MongoDB documents.
type MongoCollectionRepository struct {
	retryPolicy
	coll *mongo.Collection
}

// NewMongoCollectionRepository creates a repository over db.
func NewMongoCollectionRepository(db *mongo.Database, logger *zap.Logger) *MongoCollectionRepository {
	return &MongoCollectionRepository{
		retryPolicy: defaultRetryPolicy(logger.Named("mongo_collection_repository")),
		coll:        db.Collection(MongoCollectionName),
	}
}

// EnsureIndexes creates the unique owner index the insert path relies on.
func (r *MongoCollectionRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "owner_id", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("owner_id_unique"),
	})
	return err
}

// Load implements photostore.Repository.
func (r *MongoCollectionRepository) Load(ctx context.Context, ownerID string) (*photostore.Document, error) {
	var doc photostore.Document
	err := r.executeWithRetry(ctx, "repository.mongo_load_collection", ownerID, func() error {
		err := r.coll.FindOne(ctx, bson.M{"owner_id": ownerID}).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return photostore.ErrNoDocument
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// Save implements photostore.Repository.
func (r *MongoCollectionRepository) Save(ctx context.Context, doc *photostore.Document, expectedVersion int64) error {
	return r.executeOnce("repository.mongo_save_collection", doc.OwnerID, func() error {
		if expectedVersion == 0 {
			_, err := r.coll.InsertOne(ctx, doc)
			if mongo.IsDuplicateKeyError(err) {
				return photostore.ErrVersionConflict
			}
			return err
		}

		filter := bson.M{"owner_id": doc.OwnerID, "version": expectedVersion}
		res, err := r.coll.ReplaceOne(ctx, filter, doc)
		if err != nil {
			return err
		}
		if res.MatchedCount == 0 {
			return photostore.ErrVersionConflict
		}
		return nil
	})
}
