package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"github.com/mschirtzinger/shopsync/internal/schema"
)

// DefaultTimeout bounds a single remote call when MongoConfig.Timeout is zero.
const DefaultTimeout = 10 * time.Second

// MongoConfig configures the MongoDB adapter.
type MongoConfig struct {
	URI      string
	Database string
	Timeout  time.Duration
}

// Mongo stores documents in MongoDB. Each shopsync collection maps to a
// MongoDB collection of the same name; a document is stored as
// {_id: key, data: <document>, updated_at: <time>}.
type Mongo struct {
	client  *mongo.Client
	db      *mongo.Database
	timeout time.Duration
	logger  *zap.Logger
}

// record is the stored shape of one document.
type record struct {
	ID        string    `bson:"_id"`
	Data      any       `bson:"data"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// ConnectMongo creates a client for cfg. The driver connects lazily, so an
// unreachable server does not fail here; use Ping to probe reachability.
func ConnectMongo(ctx context.Context, cfg MongoConfig, logger *zap.Logger) (*Mongo, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.URI == "" {
		return nil, fmt.Errorf("mongo uri is required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("mongo database is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	opts := options.Client().
		ApplyURI(cfg.URI).
		SetServerSelectionTimeout(timeout).
		SetConnectTimeout(timeout)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create mongo client: %w", err)
	}

	logger = logger.Named("mongo")
	logger.Info("Mongo client created", zap.String("database", cfg.Database))

	return &Mongo{
		client:  client,
		db:      client.Database(cfg.Database),
		timeout: timeout,
		logger:  logger,
	}, nil
}

// Close disconnects the client.
func (m *Mongo) Close(ctx context.Context) error {
	m.logger.Info("Disconnecting from MongoDB")
	return m.client.Disconnect(ctx)
}

// Get implements Store.
func (m *Mongo) Get(ctx context.Context, path string) (schema.Document, error) {
	c, key, err := schema.SplitPath(path)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var rec record
	err = m.db.Collection(string(c)).FindOne(ctx, bson.M{"_id": key}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, classify("get "+path, err)
	}
	return decodeData(rec.Data)
}

// Set implements Store.
func (m *Mongo) Set(ctx context.Context, path string, doc schema.Document) error {
	c, key, err := schema.SplitPath(path)
	if err != nil {
		return err
	}
	value, err := encodeData(doc)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	rec := record{ID: key, Data: value, UpdatedAt: time.Now().UTC()}
	_, err = m.db.Collection(string(c)).ReplaceOne(ctx, bson.M{"_id": key}, rec, options.Replace().SetUpsert(true))
	return classify("set "+path, err)
}

// Update implements Store. Each top-level field of patch is set under data.
func (m *Mongo) Update(ctx context.Context, path string, patch schema.Document) error {
	c, key, err := schema.SplitPath(path)
	if err != nil {
		return err
	}
	var fields map[string]any
	if err := decodeNumbers(patch, &fields); err != nil || fields == nil {
		return fmt.Errorf("%w: patch must be a JSON object", schema.ErrInvalid)
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	set := bson.M{"updated_at": time.Now().UTC()}
	for k, v := range fields {
		set["data."+k] = v
	}
	_, err = m.db.Collection(string(c)).UpdateOne(ctx, bson.M{"_id": key}, bson.M{"$set": set}, options.Update().SetUpsert(true))
	return classify("update "+path, err)
}

// Delete implements Store.
func (m *Mongo) Delete(ctx context.Context, path string) error {
	c, key, err := schema.SplitPath(path)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	_, err = m.db.Collection(string(c)).DeleteOne(ctx, bson.M{"_id": key})
	return classify("delete "+path, err)
}

// List implements Store.
func (m *Mongo) List(ctx context.Context, c schema.Collection) (map[string]schema.Document, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("%w: unknown collection %q", schema.ErrInvalid, c)
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	cursor, err := m.db.Collection(string(c)).Find(ctx, bson.M{})
	if err != nil {
		return nil, classify("list "+string(c), err)
	}
	var recs []record
	if err := cursor.All(ctx, &recs); err != nil {
		return nil, classify("list "+string(c), err)
	}

	out := make(map[string]schema.Document, len(recs))
	for _, rec := range recs {
		if err := c.ValidateKey(rec.ID); err != nil {
			m.logger.Warn("Skipping remote document with invalid key",
				zap.String("collection", string(c)), zap.String("id", rec.ID))
			continue
		}
		doc, err := decodeData(rec.Data)
		if err != nil {
			m.logger.Warn("Skipping undecodable remote document",
				zap.String("collection", string(c)), zap.String("id", rec.ID), zap.Error(err))
			continue
		}
		out[rec.ID] = doc
	}
	return out, nil
}

// Ping implements Store.
func (m *Mongo) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return classify("ping", m.client.Ping(ctx, readpref.Primary()))
}

// classify marks connectivity failures with ErrUnavailable.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, mongo.ErrClientDisconnected) {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
	}
	return fmt.Errorf("mongo %s: %w", op, err)
}

// encodeData converts a document into values for the BSON encoder. Numbers
// stay json.Number, which the driver stores as int64 when integral and as a
// double otherwise, so integers beyond 2^53 keep every digit.
func encodeData(doc schema.Document) (any, error) {
	var v any
	if err := decodeNumbers(doc, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func decodeNumbers(doc schema.Document, v any) error {
	if doc.IsNull() {
		return fmt.Errorf("%w: document is empty", schema.ErrInvalid)
	}
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", schema.ErrInvalid, err)
	}
	return nil
}

func decodeData(v any) (schema.Document, error) {
	return schema.NewDocument(normalize(v))
}

// normalize converts BSON container types decoded into interface values
// into plain maps and slices so they marshal as JSON objects and arrays.
func normalize(v any) any {
	switch t := v.(type) {
	case primitive.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Key] = normalize(e.Value)
		}
		return out
	case primitive.M:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case primitive.A:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	case primitive.DateTime:
		return t.Time().UTC().Format(time.RFC3339Nano)
	case primitive.ObjectID:
		return t.Hex()
	default:
		return v
	}
}
