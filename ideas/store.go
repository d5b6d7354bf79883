package ideas

import (
	"context"
	"fmt"
)

// the remote document store is consumed as an abstract capability.
// implementations: MemoryStore (in process), wsstore.Store (sync endpoint
// over a websocket listen channel), mongogw.Store (direct mongodb).

const CollectionPrompts = "prompts"
const CollectionUsers = "users"

func PromptPath(promptId Id) string {
	return fmt.Sprintf("%s/%s", CollectionPrompts, promptId)
}

func UserPath(identityId string) string {
	return fmt.Sprintf("%s/%s", CollectionUsers, identityId)
}

func RatingsCollection(promptId Id) string {
	return fmt.Sprintf("%s/%s/ratings", CollectionPrompts, promptId)
}

func RatingPath(promptId Id, identityId string) string {
	return fmt.Sprintf("%s/%s/ratings/%s", CollectionPrompts, promptId, identityId)
}

type Document struct {
	Path string
	// last path segment
	Id     string
	Fields map[string]any
}

// equality filter
type Filter struct {
	Field string
	Value any
}

type Order struct {
	Field string
	Desc  bool
}

type Query struct {
	Collection string
	Where      []Filter
	OrderBy    *Order
}

func Where(field string, value any) Filter {
	return Filter{
		Field: field,
		Value: value,
	}
}

func OrderByDesc(field string) *Order {
	return &Order{
		Field: field,
		Desc:  true,
	}
}

type FieldUpdateOp string

const (
	FieldUpdateOpSet           FieldUpdateOp = "set"
	FieldUpdateOpAddToSet      FieldUpdateOp = "addToSet"
	FieldUpdateOpRemoveFromSet FieldUpdateOp = "removeFromSet"
)

type FieldUpdate struct {
	Field string
	Op    FieldUpdateOp
	Value any
}

func SetField(field string, value any) FieldUpdate {
	return FieldUpdate{Field: field, Op: FieldUpdateOpSet, Value: value}
}

// atomic set add. commutative and idempotent, so arbitrary interleaving
// of updates to the same field from multiple sessions converges.
func AddToSet(field string, value any) FieldUpdate {
	return FieldUpdate{Field: field, Op: FieldUpdateOpAddToSet, Value: value}
}

func RemoveFromSet(field string, value any) FieldUpdate {
	return FieldUpdate{Field: field, Op: FieldUpdateOpRemoveFromSet, Value: value}
}

// sentinel usable as a field value in `Create` and `Set`.
// resolved by the store to an ordering-comparable server time.
type ServerTimestampSentinel struct{}

var ServerTimestamp = ServerTimestampSentinel{}

func IsServerTimestamp(value any) bool {
	_, ok := value.(ServerTimestampSentinel)
	return ok
}

// a complete result set for the subscribed query
type QuerySnapshotFunction = func(docs []*Document)

// nil means the document is absent
type DocumentSnapshotFunction = func(doc *Document)

type ErrorFunction = func(err error)

// completion of an asynchronous mutation
type CompleteFunction = func(err error)

type DocumentStore interface {
	// snapshots for one subscription are delivered in order, from a single
	// goroutine, until the returned unsubscribe is called.
	// a listener error is terminal for that listener.
	SubscribeQuery(ctx context.Context, query Query, callback QuerySnapshotFunction, errorCallback ErrorFunction) func()
	SubscribeDocument(ctx context.Context, path string, callback DocumentSnapshotFunction, errorCallback ErrorFunction) func()

	GetOnce(ctx context.Context, path string) (*Document, error)
	GetAll(ctx context.Context, query Query) ([]*Document, error)

	Create(ctx context.Context, collection string, fields map[string]any) (string, error)
	// full overwrite
	Set(ctx context.Context, path string, fields map[string]any) error
	Update(ctx context.Context, path string, updates []FieldUpdate) error
}

// optional warm start for the global feed. the cached feed is served to
// readers until the first live snapshot replaces it.
type SnapshotCache interface {
	LoadFeed(ctx context.Context) ([]*Prompt, error)
	StoreFeed(ctx context.Context, prompts []*Prompt) error
}
