package ideas

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// in-process document store with live subscriptions. the reference
// implementation of the `DocumentStore` contract, used by the package
// tests and by demo/dev modes.
type MemoryStore struct {
	stateLock sync.Mutex

	// path -> fields
	docs map[string]map[string]any

	// strictly increasing server-assigned time
	lastServerTime time.Time

	subs map[int]*memorySubscription
	nextSubId int
}

type memorySubscription struct {
	ctx    context.Context
	cancel context.CancelFunc

	// query subscriptions match a collection, document subscriptions a path
	collection string
	path       string

	// coalescing signal. snapshots are complete, so dropped intermediate
	// signals are unobservable.
	notify chan struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: map[string]map[string]any{},
		subs: map[int]*memorySubscription{},
	}
}

// the collection that owns a document path, i.e. the path minus the last
// segment. "prompts/X/ratings/U" belongs to "prompts/X/ratings".
func collectionOfPath(path string) string {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return ""
	}
	return path[:i]
}

func documentIdOfPath(path string) string {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return path
	}
	return path[i+1:]
}

func (self *MemoryStore) serverNow() time.Time {
	now := time.Now().UTC()
	if !self.lastServerTime.Before(now) {
		now = self.lastServerTime.Add(time.Microsecond)
	}
	self.lastServerTime = now
	return now
}

// must be called with `stateLock`
func (self *MemoryStore) resolveFields(fields map[string]any) map[string]any {
	resolved := map[string]any{}
	for field, value := range fields {
		if IsServerTimestamp(value) {
			resolved[field] = self.serverNow()
		} else {
			resolved[field] = copyFieldValue(value)
		}
	}
	return resolved
}

func copyFieldValue(value any) any {
	switch v := value.(type) {
	case []any:
		return slices.Clone(v)
	case []string:
		return slices.Clone(v)
	default:
		return v
	}
}

func copyFields(fields map[string]any) map[string]any {
	copied := map[string]any{}
	for field, value := range fields {
		copied[field] = copyFieldValue(value)
	}
	return copied
}

func (self *MemoryStore) documentAt(path string) *Document {
	fields, ok := self.docs[path]
	if !ok {
		return nil
	}
	return &Document{
		Path:   path,
		Id:     documentIdOfPath(path),
		Fields: copyFields(fields),
	}
}

// must be called with `stateLock`
func (self *MemoryStore) runQuery(query Query) []*Document {
	docs := []*Document{}
	for path := range self.docs {
		if collectionOfPath(path) != query.Collection {
			continue
		}
		doc := self.documentAt(path)
		match := true
		for _, filter := range query.Where {
			if doc.Fields[filter.Field] != filter.Value {
				match = false
				break
			}
		}
		if match {
			docs = append(docs, doc)
		}
	}
	if query.OrderBy != nil {
		orderBy := *query.OrderBy
		slices.SortFunc(docs, func(a *Document, b *Document) int {
			c := compareFieldValues(a.Fields[orderBy.Field], b.Fields[orderBy.Field])
			if orderBy.Desc {
				return -c
			}
			return c
		})
	} else {
		// stable iteration order for repeatable snapshots
		slices.SortFunc(docs, func(a *Document, b *Document) int {
			return strings.Compare(a.Path, b.Path)
		})
	}
	return docs
}

func compareFieldValues(a any, b any) int {
	switch av := a.(type) {
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Compare(bv)
		}
	case float64:
		if bv, ok := b.(float64); ok {
			switch {
			case av < bv:
				return -1
			case bv < av:
				return 1
			default:
				return 0
			}
		}
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv)
		}
	}
	return 0
}

// must be called after a mutation, with `stateLock` released.
// signals every subscription whose target contains the path.
func (self *MemoryStore) changed(path string) {
	collection := collectionOfPath(path)

	self.stateLock.Lock()
	subs := maps.Values(self.subs)
	self.stateLock.Unlock()

	for _, sub := range subs {
		if sub.path != "" && sub.path != path {
			continue
		}
		if sub.collection != "" && sub.collection != collection {
			continue
		}
		select {
		case sub.notify <- struct{}{}:
		default:
		}
	}
}

func (self *MemoryStore) addSubscription(ctx context.Context, sub *memorySubscription, deliver func()) func() {
	subCtx, subCancel := context.WithCancel(ctx)
	sub.ctx = subCtx
	sub.cancel = subCancel
	sub.notify = make(chan struct{}, 1)

	self.stateLock.Lock()
	subId := self.nextSubId
	self.nextSubId += 1
	self.subs[subId] = sub
	self.stateLock.Unlock()

	unsub := func() {
		subCancel()
		self.stateLock.Lock()
		delete(self.subs, subId)
		self.stateLock.Unlock()
	}

	go func() {
		// initial snapshot, then one delivery per coalesced change
		deliver()
		for {
			select {
			case <-subCtx.Done():
				return
			case <-sub.notify:
				deliver()
			}
		}
	}()

	return unsub
}

func (self *MemoryStore) SubscribeQuery(ctx context.Context, query Query, callback QuerySnapshotFunction, errorCallback ErrorFunction) func() {
	sub := &memorySubscription{
		collection: query.Collection,
	}
	return self.addSubscription(ctx, sub, func() {
		self.stateLock.Lock()
		docs := self.runQuery(query)
		self.stateLock.Unlock()

		select {
		case <-sub.ctx.Done():
			return
		default:
		}
		HandleError(func() {
			callback(docs)
		})
	})
}

func (self *MemoryStore) SubscribeDocument(ctx context.Context, path string, callback DocumentSnapshotFunction, errorCallback ErrorFunction) func() {
	sub := &memorySubscription{
		path: path,
	}
	return self.addSubscription(ctx, sub, func() {
		self.stateLock.Lock()
		doc := self.documentAt(path)
		self.stateLock.Unlock()

		select {
		case <-sub.ctx.Done():
			return
		default:
		}
		HandleError(func() {
			callback(doc)
		})
	})
}

func (self *MemoryStore) GetOnce(ctx context.Context, path string) (*Document, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.documentAt(path), nil
}

func (self *MemoryStore) GetAll(ctx context.Context, query Query) ([]*Document, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.runQuery(query), nil
}

func (self *MemoryStore) Create(ctx context.Context, collection string, fields map[string]any) (string, error) {
	id := NewId().String()
	path := fmt.Sprintf("%s/%s", collection, id)

	self.stateLock.Lock()
	self.docs[path] = self.resolveFields(fields)
	self.stateLock.Unlock()

	self.changed(path)
	return id, nil
}

func (self *MemoryStore) Set(ctx context.Context, path string, fields map[string]any) error {
	self.stateLock.Lock()
	self.docs[path] = self.resolveFields(fields)
	self.stateLock.Unlock()

	self.changed(path)
	return nil
}

func (self *MemoryStore) Update(ctx context.Context, path string, updates []FieldUpdate) error {
	self.stateLock.Lock()
	fields, ok := self.docs[path]
	if !ok {
		self.stateLock.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	for _, update := range updates {
		switch update.Op {
		case FieldUpdateOpSet:
			if IsServerTimestamp(update.Value) {
				fields[update.Field] = self.serverNow()
			} else {
				fields[update.Field] = copyFieldValue(update.Value)
			}
		case FieldUpdateOpAddToSet:
			values := fieldValueList(fields[update.Field])
			if !slices.Contains(values, update.Value) {
				values = append(values, update.Value)
			}
			fields[update.Field] = values
		case FieldUpdateOpRemoveFromSet:
			values := fieldValueList(fields[update.Field])
			if i := slices.Index(values, update.Value); 0 <= i {
				values = slices.Delete(values, i, i+1)
			}
			fields[update.Field] = values
		}
	}
	self.stateLock.Unlock()

	self.changed(path)
	return nil
}

func fieldValueList(value any) []any {
	switch v := value.(type) {
	case []any:
		return slices.Clone(v)
	case []string:
		values := make([]any, len(v))
		for i, s := range v {
			values[i] = s
		}
		return values
	default:
		return []any{}
	}
}

// removes a document directly, outside the gateway contract.
// tests use this to simulate concurrent deletion by another client.
func (self *MemoryStore) Delete(path string) {
	self.stateLock.Lock()
	delete(self.docs, path)
	self.stateLock.Unlock()

	self.changed(path)
}
