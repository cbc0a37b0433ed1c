package repository

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const defaultCASAttempts = 10

type mongoDocument struct {
	Key       string    `bson:"_id"`
	Value     string    `bson:"value"`
	Version   int64     `bson:"version"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

// MongoRepository хранит документы в коллекции MongoDB. Атомарность обновления
// обеспечивается сравнением поля version (compare-and-swap) с повтором при проигрыше.
type MongoRepository struct {
	client   *mongo.Client
	coll     *mongo.Collection
	attempts int
	now      func() time.Time
}

// NewMongoRepository подключается к MongoDB и возвращает репозиторий над коллекцией documents.
func NewMongoRepository(ctx context.Context, uri, database string) (*MongoRepository, error) {
	if uri == "" || database == "" {
		return nil, errors.New("mongo repository: uri and database are required")
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	return &MongoRepository{
		client:   client,
		coll:     client.Database(database).Collection(documentsCollection),
		attempts: defaultCASAttempts,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Get возвращает значение документа.
func (r *MongoRepository) Get(ctx context.Context, key string) ([]byte, error) {
	var doc mongoDocument
	err := r.coll.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrDocumentNotFound
		}
		return nil, fmt.Errorf("get document %s: %w", key, err)
	}
	return []byte(doc.Value), nil
}

// TransactionalUpdate читает документ, вычисляет новое значение и записывает его
// только если version не изменилась. Первая запись защищена уникальностью _id.
func (r *MongoRepository) TransactionalUpdate(ctx context.Context, key string, fn UpdateFunc) ([]byte, error) {
	for attempt := 0; attempt < r.attempts; attempt++ {
		var doc mongoDocument
		exists := true
		err := r.coll.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			exists = false
		} else if err != nil {
			return nil, fmt.Errorf("%w: read %s: %w", ErrUnavailable, key, err)
		}

		var current []byte
		if exists {
			current = []byte(doc.Value)
		}

		next, err := fn(current, exists)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return current, nil
		}

		now := r.now()
		if !exists {
			_, err := r.coll.InsertOne(ctx, mongoDocument{
				Key:       key,
				Value:     string(next),
				Version:   1,
				UpdatedAt: now,
			})
			if mongo.IsDuplicateKeyError(err) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("%w: insert %s: %w", ErrUnavailable, key, err)
			}
			return next, nil
		}

		res, err := r.coll.UpdateOne(ctx,
			bson.M{"_id": key, "version": doc.Version},
			bson.M{
				"$set": bson.M{"value": string(next), "updatedAt": now},
				"$inc": bson.M{"version": 1},
			},
		)
		if err != nil {
			return nil, fmt.Errorf("%w: update %s: %w", ErrUnavailable, key, err)
		}
		if res.MatchedCount == 0 {
			continue
		}
		return next, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrConflict, key)
}

// List возвращает документы с ключами, начинающимися с prefix.
func (r *MongoRepository) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	filter := bson.M{"_id": bson.M{"$regex": "^" + regexp.QuoteMeta(prefix)}}
	cur, err := r.coll.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("find documents: %w", err)
	}
	defer cur.Close(ctx)

	res := make(map[string][]byte)
	for cur.Next(ctx) {
		var doc mongoDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode document: %w", err)
		}
		res[doc.Key] = []byte(doc.Value)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("cursor error: %w", err)
	}
	return res, nil
}

// Delete удаляет документ.
func (r *MongoRepository) Delete(ctx context.Context, key string) error {
	if _, err := r.coll.DeleteOne(ctx, bson.M{"_id": key}); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// Ping проверяет доступность MongoDB.
func (r *MongoRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx, readpref.Primary())
}

// Close отключает клиента MongoDB.
func (r *MongoRepository) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.client.Disconnect(ctx)
}
