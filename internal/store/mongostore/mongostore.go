// Package mongostore implements the DocumentStore on MongoDB. Subcollections
// share one Mongo collection per name and are told apart by a parent field;
// every document carries a version counter for optimistic transactions.
// Live queries need change streams, so the server must run as a replica set.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"anon-forum/internal/store"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	idField      = "_id"
	versionField = "_v"
	parentField  = "_parent"
)

type Store struct {
	Client *mongo.Client
	db     *mongo.Database
	logger *slog.Logger
}

var _ store.DocumentStore = (*Store)(nil)

func New(ctx context.Context, uri, dbName string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	serverAPI := options.ServerAPI(options.ServerAPIVersion1)
	opts := options.Client().ApplyURI(uri).SetServerAPIOptions(serverAPI)

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	// Ping the database to verify connection
	if err := client.Database("admin").RunCommand(connectCtx, bson.D{{Key: "ping", Value: 1}}).Err(); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	logger.Info("connected to MongoDB", "database", dbName)

	return &Store{
		Client: client,
		db:     client.Database(dbName),
		logger: logger,
	}, nil
}

// EnsureIndexes creates the indexes the feed and reply queries sort on.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.db.Collection(store.Posts).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: store.CreatedAtField, Value: -1}}},
		{Keys: bson.D{{Key: "upvotes", Value: -1}, {Key: store.CreatedAtField, Value: 1}}},
		{Keys: bson.D{{Key: "authorId", Value: 1}, {Key: store.CreatedAtField, Value: -1}}},
	})
	if err != nil {
		return mapErr(err)
	}
	_, err = s.db.Collection(store.Replies).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: parentField, Value: 1}, {Key: store.CreatedAtField, Value: 1}},
	})
	return mapErr(err)
}

func (s *Store) collection(path store.CollectionPath) *mongo.Collection {
	return s.db.Collection(path.Name)
}

func scope(path store.CollectionPath) bson.M {
	if path.ParentID == "" {
		return bson.M{}
	}
	return bson.M{parentField: path.ParentID}
}

func docFilter(path store.CollectionPath, id string) bson.M {
	f := scope(path)
	f[idField] = id
	return f
}

// toDocument strips the bookkeeping fields off a raw Mongo document.
func toDocument(path store.CollectionPath, raw bson.M) (*store.Document, error) {
	id, ok := raw[idField].(string)
	if !ok {
		return nil, fmt.Errorf("document in %s has non-string id %v", path, raw[idField])
	}
	doc := &store.Document{ID: id, Path: path, Fields: bson.M{}}
	for k, v := range raw {
		switch k {
		case idField, parentField:
		case versionField:
			switch n := v.(type) {
			case int32:
				doc.Version = int64(n)
			case int64:
				doc.Version = n
			}
		default:
			doc.Fields[k] = v
		}
	}
	switch t := raw[store.CreatedAtField].(type) {
	case primitive.DateTime:
		doc.CreatedAt = t.Time().UTC()
	case time.Time:
		doc.CreatedAt = t
	}
	return doc, nil
}

// Insert upserts against a filter the existing document can never match, so
// a taken id surfaces as a duplicate key instead of overwriting anything.
func (s *Store) Insert(ctx context.Context, path store.CollectionPath, id string, fields bson.M) (*store.Document, error) {
	if id == "" {
		id = store.NewID()
	}
	filter := docFilter(path, id)
	filter[store.CreatedAtField] = bson.M{"$exists": false}

	onInsert := bson.M{versionField: int64(1)}
	for k, v := range fields {
		if k == store.CreatedAtField || k == idField {
			continue
		}
		onInsert[k] = v
	}

	update := bson.M{
		"$setOnInsert": onInsert,
		"$currentDate": bson.M{store.CreatedAtField: true},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var raw bson.M
	if err := s.collection(path).FindOneAndUpdate(ctx, filter, update, opts).Decode(&raw); err != nil {
		return nil, fmt.Errorf("insert %s/%s: %w", path, id, mapErr(err))
	}
	return toDocument(path, raw)
}

func (s *Store) Get(ctx context.Context, path store.CollectionPath, id string) (*store.Document, error) {
	var raw bson.M
	if err := s.collection(path).FindOne(ctx, docFilter(path, id)).Decode(&raw); err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", path, id, mapErr(err))
	}
	return toDocument(path, raw)
}

func (s *Store) Query(ctx context.Context, q store.Query) ([]*store.Document, error) {
	filter := scope(q.Path)
	for _, f := range q.Where {
		filter[f.Field] = f.Value
	}

	// createdAt then _id break ties in commit order.
	sortSpec := bson.D{}
	if q.OrderBy != "" {
		dir := 1
		if q.Desc {
			dir = -1
		}
		sortSpec = append(sortSpec, bson.E{Key: q.OrderBy, Value: dir})
	}
	if q.OrderBy != store.CreatedAtField {
		sortSpec = append(sortSpec, bson.E{Key: store.CreatedAtField, Value: 1})
	}
	sortSpec = append(sortSpec, bson.E{Key: idField, Value: 1})

	opts := options.Find().SetSort(sortSpec)
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}

	cursor, err := s.collection(q.Path).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Path, mapErr(err))
	}
	defer cursor.Close(ctx)

	var docs []*store.Document
	for cursor.Next(ctx) {
		var raw bson.M
		if err := cursor.Decode(&raw); err != nil {
			s.logger.Warn("skipping undecodable document", "path", q.Path.String(), "error", err)
			continue
		}
		doc, err := toDocument(q.Path, raw)
		if err != nil {
			s.logger.Warn("skipping document", "path", q.Path.String(), "error", err)
			continue
		}
		docs = append(docs, doc)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Path, mapErr(err))
	}
	return docs, nil
}

func (s *Store) Count(ctx context.Context, path store.CollectionPath) (int, error) {
	n, err := s.collection(path).CountDocuments(ctx, scope(path))
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", path, mapErr(err))
	}
	return int(n), nil
}

func (s *Store) Increment(ctx context.Context, path store.CollectionPath, id, field string, delta int64) error {
	update := bson.M{"$inc": bson.M{field: delta, versionField: int64(1)}}
	result, err := s.collection(path).UpdateOne(ctx, docFilter(path, id), update)
	if err != nil {
		return fmt.Errorf("increment %s/%s: %w", path, id, mapErr(err))
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("increment %s/%s: %w", path, id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) Set(ctx context.Context, path store.CollectionPath, id string, fields bson.M) error {
	result, err := s.collection(path).UpdateOne(ctx, docFilter(path, id), setUpdate(fields))
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", path, id, mapErr(err))
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("set %s/%s: %w", path, id, store.ErrNotFound)
	}
	return nil
}

func setUpdate(fields bson.M) bson.M {
	set := bson.M{}
	for k, v := range fields {
		if k == store.CreatedAtField || k == idField || k == versionField || k == parentField {
			continue
		}
		set[k] = v
	}
	update := bson.M{"$inc": bson.M{versionField: int64(1)}}
	if len(set) > 0 {
		update["$set"] = set
	}
	return update
}

// RunTransaction commits with a compare-and-set on the version read.
func (s *Store) RunTransaction(ctx context.Context, path store.CollectionPath, id string, fn store.TxFunc) error {
	doc, err := s.Get(ctx, path, id)
	if err != nil {
		return err
	}
	fields, err := fn(doc)
	if err != nil {
		return err
	}
	if fields == nil {
		return nil
	}

	filter := docFilter(path, id)
	filter[versionField] = doc.Version
	result, err := s.collection(path).UpdateOne(ctx, filter, setUpdate(fields))
	if err != nil {
		return fmt.Errorf("commit %s/%s: %w", path, id, mapErr(err))
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("commit %s/%s at version %d: %w", path, id, doc.Version, store.ErrConflict)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, path store.CollectionPath, id string) error {
	result, err := s.collection(path).DeleteOne(ctx, docFilter(path, id))
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", path, id, mapErr(err))
	}
	if result.DeletedCount == 0 {
		return fmt.Errorf("delete %s/%s: %w", path, id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteAll(ctx context.Context, path store.CollectionPath) (int, error) {
	result, err := s.collection(path).DeleteMany(ctx, scope(path))
	if err != nil {
		return 0, fmt.Errorf("delete all %s: %w", path, mapErr(err))
	}
	return int(result.DeletedCount), nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.Client.Disconnect(ctx)
}

// fingerprint identifies a snapshot by ids and versions, in order.
func fingerprint(docs []*store.Document) string {
	var b strings.Builder
	for _, d := range docs {
		b.WriteString(d.ID)
		b.WriteByte('@')
		b.WriteString(strconv.FormatInt(d.Version, 10))
		b.WriteByte(';')
	}
	return b.String()
}

// mapErr translates driver errors into store sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var serverErr mongo.ServerError
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return store.ErrNotFound
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("%w: %v", store.ErrExists, err)
	case errors.Is(err, mongo.ErrClientDisconnected), mongo.IsNetworkError(err), mongo.IsTimeout(err):
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	case errors.As(err, &serverErr) && (serverErr.HasErrorCode(13) || serverErr.HasErrorCode(18)):
		return fmt.Errorf("%w: %v", store.ErrPermissionDenied, err)
	default:
		return err
	}
}
