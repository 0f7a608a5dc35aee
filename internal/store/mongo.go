package store

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// MongoConfig holds connection parameters for the MongoDB backend.
type MongoConfig struct {
	URI        string
	Database   string
	Collection string
}

// DefaultMongoConfig returns defaults suitable for local development.
func DefaultMongoConfig() MongoConfig {
	return MongoConfig{
		URI:        "mongodb://localhost:27017",
		Database:   "duochat",
		Collection: "messages",
	}
}

// MongoStore stores messages as documents keyed by _id.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
	logger *zap.Logger
}

// NewMongoStore connects, pings and ensures the unread-lookup index exists.
func NewMongoStore(ctx context.Context, cfg MongoConfig, logger *zap.Logger) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("store: connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("store: ping mongo: %w", err)
	}

	s := &MongoStore{
		client: client,
		coll:   client.Database(cfg.Database).Collection(cfg.Collection),
		logger: logger,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	logger.Info("mongo message store ready",
		zap.String("database", cfg.Database),
		zap.String("collection", cfg.Collection))
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "senderId", Value: 1}, {Key: "receiverId", Value: 1}, {Key: "isRead", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("store: create unread index: %w", err)
	}
	_, err = s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "senderId", Value: 1}, {Key: "receiverId", Value: 1}, {Key: "createdAt", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("store: create conversation index: %w", err)
	}
	return nil
}

func (s *MongoStore) Create(ctx context.Context, msg *Message) error {
	if err := validate(msg); err != nil {
		return err
	}
	if _, err := s.coll.InsertOne(ctx, msg); err != nil {
		return fmt.Errorf("store: insert message: %w", err)
	}
	return nil
}

// MarkRead collects the unread ids and flips each one with a conditional
// update. Only ids whose update matched an unread document are reported, so a
// concurrent flip of the same conversation never reports an id twice.
func (s *MongoStore) MarkRead(ctx context.Context, readerID, senderID string) (ReadResult, error) {
	filter := bson.M{"senderId": senderID, "receiverId": readerID, "isRead": false}
	cursor, err := s.coll.Find(ctx, filter,
		options.Find().SetProjection(bson.M{"_id": 1}).SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return ReadResult{}, fmt.Errorf("store: mark read find: %w", err)
	}
	var docs []struct {
		ID string `bson:"_id"`
	}
	if err := cursor.All(ctx, &docs); err != nil {
		return ReadResult{}, fmt.Errorf("store: mark read decode: %w", err)
	}

	res := ReadResult{MessageIDs: []string{}}
	set := bson.M{"$set": bson.M{"isRead": true}}
	for _, d := range docs {
		update, err := s.coll.UpdateOne(ctx, bson.M{"_id": d.ID, "isRead": false}, set)
		if err != nil {
			return res, fmt.Errorf("store: mark read update %s: %w", d.ID, err)
		}
		if update.ModifiedCount == 1 {
			res.MessageIDs = append(res.MessageIDs, d.ID)
		}
	}
	res.ModifiedCount = int64(len(res.MessageIDs))

	if len(res.MessageIDs) != len(docs) {
		s.logger.Debug("concurrent read flip",
			zap.String("reader", readerID),
			zap.String("sender", senderID),
			zap.Int("found", len(docs)),
			zap.Int64("modified", res.ModifiedCount))
	}
	return res, nil
}

func (s *MongoStore) Conversation(ctx context.Context, a, b string, limit int) ([]Message, error) {
	filter := bson.M{"$or": []bson.M{
		{"senderId": a, "receiverId": b},
		{"senderId": b, "receiverId": a},
	}}
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("store: conversation: %w", err)
	}
	var out []Message
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("store: conversation decode: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
