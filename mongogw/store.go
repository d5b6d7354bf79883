package mongogw

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang/glog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ideas6k/ideas/ideas"
)

// document store gateway directly against mongodb.
//
// path mapping: `col/<id>` is document `<id>` in collection `col`.
// `col/<id>/sub/<id2>` is document `<id>/<id2>` in collection `col_sub`,
// with the parent id kept in a `parent` field so the subcollection can be
// queried as `col/<id>/sub`.
//
// subscriptions run an initial find and then watch a change stream,
// re-running the find on every relevant change so each delivery is a
// complete snapshot. a change stream error is terminal for the listener.

const fieldDocumentId = "_id"
const fieldParent = "parent"

type StoreSettings struct {
	ConnectTimeout         time.Duration
	ServerSelectionTimeout time.Duration
	PingTimeout            time.Duration
	QueryTimeout           time.Duration
}

func DefaultStoreSettings() *StoreSettings {
	return &StoreSettings{
		ConnectTimeout:         30 * time.Second,
		ServerSelectionTimeout: 10 * time.Second,
		PingTimeout:            10 * time.Second,
		QueryTimeout:           15 * time.Second,
	}
}

type Store struct {
	ctx    context.Context
	cancel context.CancelFunc

	client   *mongo.Client
	db       *mongo.Database
	settings *StoreSettings
}

func Connect(ctx context.Context, uri string, dbName string, settings *StoreSettings) (*Store, error) {
	cancelCtx, cancel := context.WithCancel(ctx)

	clientOptions := options.Client().ApplyURI(uri)
	clientOptions.SetServerSelectionTimeout(settings.ServerSelectionTimeout)

	connectCtx, connectCancel := context.WithTimeout(cancelCtx, settings.ConnectTimeout)
	defer connectCancel()
	client, err := mongo.Connect(connectCtx, clientOptions)
	if err != nil {
		cancel()
		return nil, err
	}

	pingCtx, pingCancel := context.WithTimeout(cancelCtx, settings.PingTimeout)
	defer pingCancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		client.Disconnect(cancelCtx)
		cancel()
		return nil, err
	}

	return &Store{
		ctx:      cancelCtx,
		cancel:   cancel,
		client:   client,
		db:       client.Database(dbName),
		settings: settings,
	}, nil
}

func ConnectWithDefaults(ctx context.Context, uri string, dbName string) (*Store, error) {
	return Connect(ctx, uri, dbName, DefaultStoreSettings())
}

func (self *Store) Close() error {
	self.cancel()
	disconnectCtx, disconnectCancel := context.WithTimeout(context.Background(), self.settings.ConnectTimeout)
	defer disconnectCancel()
	return self.client.Disconnect(disconnectCtx)
}

// `col/<id>` and `col/<id>/sub/<id2>`
type documentAddress struct {
	collection string
	documentId string
	parent     string
}

func splitPath(path string) (*documentAddress, error) {
	segments := strings.Split(path, "/")
	switch len(segments) {
	case 2:
		return &documentAddress{
			collection: segments[0],
			documentId: segments[1],
		}, nil
	case 4:
		return &documentAddress{
			collection: segments[0] + "_" + segments[2],
			documentId: segments[1] + "/" + segments[3],
			parent:     segments[1],
		}, nil
	default:
		return nil, fmt.Errorf("bad document path: %s", path)
	}
}

// `col` and `col/<id>/sub`
type collectionAddress struct {
	collection string
	parent     string
}

func splitCollection(collection string) (*collectionAddress, error) {
	segments := strings.Split(collection, "/")
	switch len(segments) {
	case 1:
		return &collectionAddress{
			collection: segments[0],
		}, nil
	case 3:
		return &collectionAddress{
			collection: segments[0] + "_" + segments[2],
			parent:     segments[1],
		}, nil
	default:
		return nil, fmt.Errorf("bad collection path: %s", collection)
	}
}

// rebuild the abstract path from the mongo collection name and _id
func documentPath(collection string, documentId string) string {
	if i := strings.Index(documentId, "/"); 0 <= i {
		if j := strings.Index(collection, "_"); 0 <= j {
			return fmt.Sprintf(
				"%s/%s/%s/%s",
				collection[:j],
				documentId[:i],
				collection[j+1:],
				documentId[i+1:],
			)
		}
	}
	return fmt.Sprintf("%s/%s", collection, documentId)
}

func documentFromBson(collection string, raw bson.M) *ideas.Document {
	documentId, _ := raw[fieldDocumentId].(string)
	fields := make(map[string]any, len(raw))
	for field, value := range raw {
		if field == fieldDocumentId || field == fieldParent {
			continue
		}
		fields[field] = fieldValueFromBson(value)
	}
	return &ideas.Document{
		Path:   documentPath(collection, documentId),
		Id:     localDocumentId(documentId),
		Fields: fields,
	}
}

func localDocumentId(documentId string) string {
	if i := strings.LastIndex(documentId, "/"); 0 <= i {
		return documentId[i+1:]
	}
	return documentId
}

func fieldValueFromBson(value any) any {
	switch v := value.(type) {
	case primitive.DateTime:
		return v.Time()
	case primitive.A:
		out := make([]any, 0, len(v))
		for _, item := range v {
			out = append(out, fieldValueFromBson(item))
		}
		return out
	case bson.M:
		out := make(map[string]any, len(v))
		for field, item := range v {
			out[field] = fieldValueFromBson(item)
		}
		return out
	case int32:
		return int(v)
	default:
		return value
	}
}

// split the sentinel fields out so they can be applied with $currentDate
func splitSentinels(fields map[string]any) (bson.M, []string) {
	plain := bson.M{}
	sentinels := []string{}
	for field, value := range fields {
		if ideas.IsServerTimestamp(value) {
			sentinels = append(sentinels, field)
		} else {
			plain[field] = value
		}
	}
	return plain, sentinels
}

func queryFilter(address *collectionAddress, query ideas.Query) bson.M {
	filter := bson.M{}
	if address.parent != "" {
		filter[fieldParent] = address.parent
	}
	for _, where := range query.Where {
		filter[where.Field] = where.Value
	}
	return filter
}

func (self *Store) runQuery(ctx context.Context, query ideas.Query) ([]*ideas.Document, error) {
	address, err := splitCollection(query.Collection)
	if err != nil {
		return nil, err
	}

	findOptions := options.Find()
	if query.OrderBy != nil {
		direction := 1
		if query.OrderBy.Desc {
			direction = -1
		}
		findOptions.SetSort(bson.D{{Key: query.OrderBy.Field, Value: direction}})
	}

	queryCtx, queryCancel := context.WithTimeout(ctx, self.settings.QueryTimeout)
	defer queryCancel()
	cursor, err := self.db.Collection(address.collection).Find(queryCtx, queryFilter(address, query), findOptions)
	if err != nil {
		return nil, err
	}
	var raws []bson.M
	if err := cursor.All(queryCtx, &raws); err != nil {
		return nil, err
	}

	docs := make([]*ideas.Document, 0, len(raws))
	for _, raw := range raws {
		docs = append(docs, documentFromBson(address.collection, raw))
	}
	return docs, nil
}

func (self *Store) GetOnce(ctx context.Context, path string) (*ideas.Document, error) {
	address, err := splitPath(path)
	if err != nil {
		return nil, err
	}

	queryCtx, queryCancel := context.WithTimeout(ctx, self.settings.QueryTimeout)
	defer queryCancel()
	var raw bson.M
	err = self.db.Collection(address.collection).FindOne(queryCtx, bson.M{
		fieldDocumentId: address.documentId,
	}).Decode(&raw)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return documentFromBson(address.collection, raw), nil
}

func (self *Store) GetAll(ctx context.Context, query ideas.Query) ([]*ideas.Document, error) {
	return self.runQuery(ctx, query)
}

func (self *Store) Create(ctx context.Context, collection string, fields map[string]any) (string, error) {
	address, err := splitCollection(collection)
	if err != nil {
		return "", err
	}
	documentId := ideas.NewId().String()
	fullId := documentId
	if address.parent != "" {
		fullId = address.parent + "/" + documentId
	}
	// upsert by the pre-generated id so the creation time is server assigned
	if err := self.upsert(ctx, address.collection, fullId, address.parent, fields); err != nil {
		return "", err
	}
	return documentId, nil
}

func (self *Store) Set(ctx context.Context, path string, fields map[string]any) error {
	address, err := splitPath(path)
	if err != nil {
		return err
	}
	return self.upsert(ctx, address.collection, address.documentId, address.parent, fields)
}

func (self *Store) upsert(ctx context.Context, collection string, documentId string, parent string, fields map[string]any) error {
	plain, sentinels := splitSentinels(fields)
	if parent != "" {
		plain[fieldParent] = parent
	}

	update := bson.M{
		"$set": plain,
	}
	if 0 < len(sentinels) {
		currentDate := bson.M{}
		for _, field := range sentinels {
			currentDate[field] = true
		}
		update["$currentDate"] = currentDate
	}

	writeCtx, writeCancel := context.WithTimeout(ctx, self.settings.QueryTimeout)
	defer writeCancel()
	_, err := self.db.Collection(collection).UpdateOne(
		writeCtx,
		bson.M{fieldDocumentId: documentId},
		update,
		options.Update().SetUpsert(true),
	)
	return err
}

func (self *Store) Update(ctx context.Context, path string, updates []ideas.FieldUpdate) error {
	address, err := splitPath(path)
	if err != nil {
		return err
	}

	update, err := updateDocument(updates)
	if err != nil {
		return err
	}

	writeCtx, writeCancel := context.WithTimeout(ctx, self.settings.QueryTimeout)
	defer writeCancel()
	result, err := self.db.Collection(address.collection).UpdateOne(
		writeCtx,
		bson.M{fieldDocumentId: address.documentId},
		update,
	)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("%s: %w", path, ideas.ErrNotFound)
	}
	return nil
}

func updateDocument(updates []ideas.FieldUpdate) (bson.M, error) {
	set := bson.M{}
	currentDate := bson.M{}
	addToSet := bson.M{}
	pull := bson.M{}
	for _, update := range updates {
		switch update.Op {
		case ideas.FieldUpdateOpSet:
			if ideas.IsServerTimestamp(update.Value) {
				currentDate[update.Field] = true
			} else {
				set[update.Field] = update.Value
			}
		case ideas.FieldUpdateOpAddToSet:
			addToSet[update.Field] = update.Value
		case ideas.FieldUpdateOpRemoveFromSet:
			pull[update.Field] = update.Value
		default:
			return nil, fmt.Errorf("bad field update op: %s", update.Op)
		}
	}

	update := bson.M{}
	if 0 < len(set) {
		update["$set"] = set
	}
	if 0 < len(currentDate) {
		update["$currentDate"] = currentDate
	}
	if 0 < len(addToSet) {
		update["$addToSet"] = addToSet
	}
	if 0 < len(pull) {
		update["$pull"] = pull
	}
	if len(update) == 0 {
		return nil, fmt.Errorf("empty update")
	}
	return update, nil
}

func (self *Store) SubscribeQuery(ctx context.Context, query ideas.Query, callback ideas.QuerySnapshotFunction, errorCallback ideas.ErrorFunction) func() {
	subCtx, subCancel := context.WithCancel(self.ctx)
	go self.watch(subCtx, query.Collection, nil, func(watchCtx context.Context) error {
		docs, err := self.runQuery(watchCtx, query)
		if err != nil {
			return err
		}
		ideas.HandleError(func() {
			callback(docs)
		})
		return nil
	}, errorCallback)
	return subCancel
}

func (self *Store) SubscribeDocument(ctx context.Context, path string, callback ideas.DocumentSnapshotFunction, errorCallback ideas.ErrorFunction) func() {
	address, err := splitPath(path)
	if err != nil {
		go ideas.HandleError(func() {
			errorCallback(err)
		})
		return func() {}
	}

	subCtx, subCancel := context.WithCancel(self.ctx)
	match := bson.M{"documentKey._id": address.documentId}
	go self.watch(subCtx, address.collection, match, func(watchCtx context.Context) error {
		doc, err := self.GetOnce(watchCtx, path)
		if err != nil {
			return err
		}
		ideas.HandleError(func() {
			callback(doc)
		})
		return nil
	}, errorCallback)
	return subCancel
}

// one goroutine per subscription: deliver an initial snapshot, then
// redeliver on every change stream event until the subscription context
// is canceled. deliveries are in order because they all run here.
func (self *Store) watch(
	ctx context.Context,
	collection string,
	match bson.M,
	deliver func(ctx context.Context) error,
	errorCallback ideas.ErrorFunction,
) {
	fail := func(err error) {
		select {
		case <-ctx.Done():
			// unsubscribed, not an error
		default:
			glog.Infof("[mongo]watch %s error = %s\n", collection, err)
			ideas.HandleError(func() {
				errorCallback(err)
			})
		}
	}

	address, err := splitCollection(collection)
	if err != nil {
		fail(err)
		return
	}

	pipeline := mongo.Pipeline{}
	if match != nil {
		pipeline = append(pipeline, bson.D{{Key: "$match", Value: match}})
	}
	stream, err := self.db.Collection(address.collection).Watch(ctx, pipeline)
	if err != nil {
		fail(err)
		return
	}
	defer stream.Close(context.Background())

	if err := deliver(ctx); err != nil {
		fail(err)
		return
	}

	for stream.Next(ctx) {
		if err := deliver(ctx); err != nil {
			fail(err)
			return
		}
	}
	if err := stream.Err(); err != nil {
		fail(err)
	}
}
