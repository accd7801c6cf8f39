package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const itemsBucket = "items"

// BoltStorage keeps items in a single bbolt bucket. bbolt serializes
// writers and commits each update atomically.
type BoltStorage struct {
	path string
	db   *bolt.DB
}

func NewBoltStorage(path string) *BoltStorage {
	return &BoltStorage{path: path}
}

func (b *BoltStorage) Init(context.Context) error {
	if b.db != nil {
		return nil
	}
	db, err := bolt.Open(b.path, 0o600, &bolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return fmt.Errorf("storage: open bolt %s: %w", b.path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(itemsBucket))
		return err
	}); err != nil {
		db.Close()
		return err
	}
	b.db = db
	return nil
}

func (b *BoltStorage) Keys(context.Context) ([]string, error) {
	var keys []string
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(itemsBucket)).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

func (b *BoltStorage) GetItem(_ context.Context, key string) (json.RawMessage, error) {
	var out json.RawMessage
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(itemsBucket)).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		// v is only valid for the life of the transaction
		out = clone(v)
		return nil
	})
	return out, err
}

func (b *BoltStorage) SetItem(_ context.Context, key string, value json.RawMessage) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(itemsBucket)).Put([]byte(key), value)
	})
}

func (b *BoltStorage) RemoveItem(_ context.Context, key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(itemsBucket)).Delete([]byte(key))
	})
}

func (b *BoltStorage) Clear(context.Context) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(itemsBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucket([]byte(itemsBucket))
		return err
	})
}

func (b *BoltStorage) Close() error {
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}
