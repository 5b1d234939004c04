// Package docstore looks up reference values in a MongoDB database for the
// lookup transform.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"scriptflow/internal/logging"
)

const (
	DefaultDatabase = "data_platform"
	DefaultTimeout  = 5 * time.Second
)

type Config struct {
	URI      string
	Database string
	// Timeout bounds every operation the client runs.
	Timeout time.Duration
}

// Mongo finds single field values by exact match on a collection.
type Mongo struct {
	client *mongo.Client
	db     *mongo.Database
}

// Dial connects lazily: a bad URI fails here, an unreachable server on the
// first query.
func Dial(cfg Config) (*Mongo, error) {
	if strings.TrimSpace(cfg.URI) == "" {
		return nil, errors.New("docstore: uri must not be empty")
	}
	if cfg.Database == "" {
		cfg.Database = DefaultDatabase
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.URI).SetTimeout(cfg.Timeout))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	logging.L().Debug("docstore client created", "database", cfg.Database)
	return &Mongo{client: client, db: client.Database(cfg.Database)}, nil
}

func (m *Mongo) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, nil)
}

// FindValue returns field of the first document in collection whose fields
// equal filter, or nil when nothing matches. field may be a dotted path.
func (m *Mongo) FindValue(ctx context.Context, collection string, filter []Match, field string) (any, error) {
	q := make(bson.D, 0, len(filter))
	for _, f := range filter {
		q = append(q, bson.E{Key: f.Field, Value: toBSON(f.Value)})
	}
	proj := bson.D{{Key: "_id", Value: 0}, {Key: field, Value: 1}}

	var doc bson.D
	err := m.db.Collection(collection).FindOne(ctx, q, options.FindOne().SetProjection(proj)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find in %s: %w", collection, err)
	}
	return fromBSON(pathValue(doc, field)), nil
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// Match is one equality term of a lookup filter.
type Match struct {
	Field string
	Value any
}

// toBSON maps row values the driver has no codec for.
func toBSON(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if d, err := bson.ParseDecimal128(string(n)); err == nil {
		return d
	}
	return string(n)
}

// fromBSON turns driver values into the plain Go values the codec decodes.
func fromBSON(v any) any {
	switch x := v.(type) {
	case bson.DateTime:
		return x.Time().UTC()
	case bson.Timestamp:
		return time.Unix(int64(x.T), 0).UTC()
	case bson.Decimal128:
		return json.Number(x.String())
	case bson.ObjectID:
		return x.Hex()
	case bson.Binary:
		return x.Data
	case bson.A:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = fromBSON(e)
		}
		return out
	case bson.D:
		out := make(map[string]any, len(x))
		for _, e := range x {
			out[e.Key] = fromBSON(e.Value)
		}
		return out
	case bson.M:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = fromBSON(e)
		}
		return out
	}
	return v
}

func pathValue(doc bson.D, path string) any {
	var cur any = doc
	for _, key := range strings.Split(path, ".") {
		switch d := cur.(type) {
		case bson.D:
			cur = nil
			for _, e := range d {
				if e.Key == key {
					cur = e.Value
					break
				}
			}
		case bson.M:
			cur = d[key]
		default:
			return nil
		}
	}
	return cur
}
