package kv

import (
	"context"
	"encoding/json"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"wc_sign/internal/storage"
)

type (
	// KVRepo implements storage.Storage with one document per key.
	KVRepo struct {
		collection *mongo.Collection
	}

	item struct {
		Key   string `bson:"_id"`
		Value string `bson:"value"`
	}
)

func NewKVRepo(db *mongo.Database) *KVRepo {
	return &KVRepo{
		collection: db.Collection("kv"),
	}
}

func (r *KVRepo) Init(ctx context.Context) error {
	return r.collection.Database().Client().Ping(ctx, nil)
}

func (r *KVRepo) Keys(ctx context.Context) ([]string, error) {
	cur, err := r.collection.Find(ctx, bson.M{}, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var keys []string
	for cur.Next(ctx) {
		var it item
		if err := cur.Decode(&it); err != nil {
			return nil, err
		}
		keys = append(keys, it.Key)
	}
	return keys, cur.Err()
}

func (r *KVRepo) GetItem(ctx context.Context, key string) (json.RawMessage, error) {
	var it item
	err := r.collection.FindOne(ctx, bson.M{"_id": key}).Decode(&it)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(it.Value), nil
}

func (r *KVRepo) SetItem(ctx context.Context, key string, value json.RawMessage) error {
	_, err := r.collection.ReplaceOne(ctx,
		bson.M{"_id": key},
		item{Key: key, Value: string(value)},
		options.Replace().SetUpsert(true),
	)
	return err
}

func (r *KVRepo) RemoveItem(ctx context.Context, key string) error {
	_, err := r.collection.DeleteOne(ctx, bson.M{"_id": key})
	return err
}

func (r *KVRepo) Clear(ctx context.Context) error {
	_, err := r.collection.DeleteMany(ctx, bson.M{})
	return err
}

func (r *KVRepo) Close() error { return nil }
