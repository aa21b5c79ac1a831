// Package mongo stores map entries as MongoDB documents, one document per
// key with the key as _id.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"
	"github.com/maxpert/driftmap/cfg"
	"github.com/maxpert/driftmap/store"
	"github.com/rs/zerolog/log"
)

const (
	idField     = "_id"
	valueField  = "value"
	scalarField = "_scalar" // Marks documents wrapping a non-document value
)

func init() {
	store.RegisterBackend(cfg.StoreMongo, func(c cfg.StoreConfiguration) (store.MapStore, error) {
		return New(Config{
			URL:            c.Mongo.URL,
			Database:       c.Mongo.Database,
			Collection:     c.Mongo.Collection,
			ConnectTimeout: time.Duration(c.ConnectTimeoutMS) * time.Millisecond,
			SocketTimeout:  time.Duration(c.CallTimeoutMS) * time.Millisecond,
		})
	})
}

// Config configures the backend.
type Config struct {
	URL            string
	Database       string
	Collection     string
	ConnectTimeout time.Duration
	SocketTimeout  time.Duration
}

// Store implements store.MapStore on a MongoDB collection.
type Store struct {
	config Config

	mu      sync.RWMutex
	session *mgo.Session
}

// New validates config. The connection is made by Open.
func New(config Config) (*Store, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("mongo url is required")
	}
	if config.Database == "" || config.Collection == "" {
		return nil, fmt.Errorf("mongo database and collection are required")
	}
	return &Store{config: config}, nil
}

func (s *Store) Name() string { return "mongo" }

func (s *Store) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		return nil
	}

	info, err := mgo.ParseURL(s.config.URL)
	if err != nil {
		return fmt.Errorf("invalid mongo url: %w", err)
	}
	info.Timeout = s.config.ConnectTimeout
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); info.Timeout <= 0 || d < info.Timeout {
			info.Timeout = d
		}
	}

	session, err := mgo.DialWithInfo(info)
	if err != nil {
		return &store.ConnectivityError{Backend: "mongo", Err: err}
	}
	if s.config.SocketTimeout > 0 {
		session.SetSocketTimeout(s.config.SocketTimeout)
	}
	session.SetMode(mgo.Primary, true)

	s.session = session
	log.Info().
		Strs("addrs", info.Addrs).
		Str("database", s.config.Database).
		Str("collection", s.config.Collection).
		Msg("Connected to MongoDB")
	return nil
}

func (s *Store) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		s.session.Close()
		s.session = nil
	}
	return nil
}

// collection returns a copied session bound to ctx's deadline. The caller
// must close the returned session.
func (s *Store) collection(ctx context.Context) (*mgo.Session, *mgo.Collection, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	s.mu.RLock()
	root := s.session
	s.mu.RUnlock()
	if root == nil {
		return nil, nil, store.ErrClosed
	}

	session := root.Copy()
	if dl, ok := ctx.Deadline(); ok {
		session.SetSocketTimeout(time.Until(dl))
	}
	return session, session.DB(s.config.Database).C(s.config.Collection), nil
}

func (s *Store) Load(ctx context.Context, key string) (any, bool, error) {
	session, coll, err := s.collection(ctx)
	if err != nil {
		return nil, false, err
	}
	defer session.Close()

	var doc bson.M
	err = coll.FindId(key).One(&doc)
	if errors.Is(err, mgo.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return fromDocument(doc), true, nil
}

func (s *Store) LoadAll(ctx context.Context, keys []string) (map[string]any, error) {
	session, coll, err := s.collection(ctx)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	out := make(map[string]any, len(keys))
	it := coll.Find(bson.M{idField: bson.M{"$in": keys}}).Iter()
	var doc bson.M
	for it.Next(&doc) {
		if id, ok := doc[idField].(string); ok {
			out[id] = fromDocument(doc)
		}
		doc = nil
	}
	if err := it.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) LoadAllKeys(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		s.mu.RLock()
		root := s.session
		s.mu.RUnlock()
		if root == nil {
			yield("", store.ErrClosed)
			return
		}

		// Key streaming can outlive a single call timeout
		session := root.Copy()
		defer session.Close()
		coll := session.DB(s.config.Database).C(s.config.Collection)

		it := coll.Find(nil).Select(bson.M{idField: 1}).Batch(1000).Iter()
		var doc struct {
			ID string `bson:"_id"`
		}
		for it.Next(&doc) {
			if err := ctx.Err(); err != nil {
				it.Close()
				yield("", err)
				return
			}
			if !yield(doc.ID, nil) {
				it.Close()
				return
			}
		}
		if err := it.Close(); err != nil {
			yield("", err)
		}
	}
}

// StoreAll upserts entries with an unordered bulk write. Per-document
// failures are reported as a partial failure.
func (s *Store) StoreAll(ctx context.Context, entries map[string]any) error {
	session, coll, err := s.collection(ctx)
	if err != nil {
		return err
	}
	defer session.Close()

	keys := make([]string, 0, len(entries))
	bulk := coll.Bulk()
	bulk.Unordered()
	for k, v := range entries {
		keys = append(keys, k)
		bulk.Upsert(bson.M{idField: k}, toDocument(k, v))
	}

	_, err = bulk.Run()
	if err == nil {
		return nil
	}

	var bulkErr *mgo.BulkError
	if !errors.As(err, &bulkErr) {
		return err
	}
	failed := make(map[string]error)
	for _, c := range bulkErr.Cases() {
		if c.Index >= 0 && c.Index < len(keys) {
			failed[keys[c.Index]] = c.Err
			continue
		}
		// Case without an operation index: the whole batch is suspect
		return err
	}
	return &store.PartialFailureError{Op: "store_all", Failed: failed}
}

func (s *Store) DeleteAll(ctx context.Context, keys []string) error {
	session, coll, err := s.collection(ctx)
	if err != nil {
		return err
	}
	defer session.Close()

	_, err = coll.RemoveAll(bson.M{idField: bson.M{"$in": keys}})
	return err
}

// toDocument builds the stored document. Document values are stored as-is
// with _id set to key; other values are wrapped.
func toDocument(key string, value any) bson.M {
	if m, ok := value.(map[string]any); ok {
		doc := make(bson.M, len(m)+1)
		for k, v := range m {
			doc[k] = v
		}
		doc[idField] = key
		return doc
	}
	return bson.M{idField: key, valueField: value, scalarField: true}
}

// fromDocument reverses toDocument, returning plain Go maps and slices.
func fromDocument(doc bson.M) any {
	if wrapped, _ := doc[scalarField].(bool); wrapped {
		return normalize(doc[valueField])
	}
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		if k == idField {
			continue
		}
		out[k] = normalize(v)
	}
	return out
}

// normalize converts bson container types to map[string]any and []any so
// predicates see the same shapes as for in-memory values.
func normalize(v any) any {
	switch t := v.(type) {
	case bson.M:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalize(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalize(e)
		}
		return out
	case bson.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Name] = normalize(e.Value)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case int:
		return int64(t)
	case int32:
		return int64(t)
	}
	return v
}
