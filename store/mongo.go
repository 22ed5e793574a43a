package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const mongoTimeout = 15 * time.Second

// MongoStore keeps users in a MongoDB collection keyed by _id = subject.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	now        func() time.Time
}

// OpenMongo connects and pings MongoDB.
func OpenMongo(ctx context.Context, uri, dbName string) (*MongoStore, error) {
	if uri == "" || dbName == "" {
		return nil, errors.New("mongo uri and database are required")
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	return &MongoStore{
		client:     client,
		collection: client.Database(dbName).Collection("users"),
		now:        time.Now,
	}, nil
}

// UpsertUser performs a single FindOneAndUpdate with upsert, which MongoDB
// applies atomically per document. Only the written fields are $set.
func (s *MongoStore) UpsertUser(c context.Context, attrs UserAttributes) (*User, error) {
	if attrs.ID == "" {
		return nil, errors.New("user id required")
	}
	ctx, cancel := context.WithTimeout(c, mongoTimeout)
	defer cancel()

	raw, err := bson.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("encode user: %w", err)
	}
	var fields bson.M
	if err := bson.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("encode user: %w", err)
	}
	set := bson.M{}
	for _, f := range attrs.written() {
		set[f] = fields[f]
	}

	now := s.now().UTC()
	set["updated_at"] = now
	update := bson.M{
		"$set":         set,
		"$setOnInsert": bson.M{"created_at": now},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var user User
	err = s.collection.FindOneAndUpdate(ctx, bson.M{"_id": attrs.ID}, update, opts).Decode(&user)
	if err != nil {
		return nil, fmt.Errorf("upsert user %s: %w", attrs.ID, handleMongoError(err))
	}
	return &user, nil
}

// GetUser loads a user document.
func (s *MongoStore) GetUser(c context.Context, id string) (*User, error) {
	ctx, cancel := context.WithTimeout(c, mongoTimeout)
	defer cancel()

	var user User
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&user)
	if err != nil {
		return nil, handleMongoError(err)
	}
	return &user, nil
}

// Close disconnects the client.
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func handleMongoError(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrUserNotFound
	}
	return err
}
