package wsstore

import (
	"strings"

	"github.com/ideas6k/ideas/ideas"
)

// json frames over a single websocket. every client frame carries a
// request id. mutations and reads are answered by exactly one result or
// error frame with the same id. subscriptions stream snapshot frames
// with the subscribe request id until unsubscribed, and an error frame
// on that id is terminal for the subscription.

const (
	opSubscribeQuery    = "subscribe-query"
	opSubscribeDocument = "subscribe-document"
	opUnsubscribe       = "unsubscribe"
	opGet               = "get"
	opGetAll            = "get-all"
	opCreate            = "create"
	opSet               = "set"
	opUpdate            = "update"
)

const (
	frameTypeResult   = "result"
	frameTypeError    = "error"
	frameTypeSnapshot = "snapshot"
)

// resolved server side to the write time
const serverTimestampKey = "__server_timestamp__"

type clientFrame struct {
	Id         int64             `json:"id"`
	Op         string            `json:"op"`
	Target     int64             `json:"target,omitempty"`
	Path       string            `json:"path,omitempty"`
	Collection string            `json:"collection,omitempty"`
	Query      *wireQuery        `json:"query,omitempty"`
	Fields     map[string]any    `json:"fields,omitempty"`
	Updates    []wireFieldUpdate `json:"updates,omitempty"`
}

type serverFrame struct {
	Id    int64           `json:"id"`
	Type  string          `json:"type"`
	Error string          `json:"error,omitempty"`
	Path  string          `json:"path,omitempty"`
	Doc   *wireDocument   `json:"doc,omitempty"`
	Docs  []*wireDocument `json:"docs,omitempty"`
}

type wireQuery struct {
	Collection string      `json:"collection"`
	Where      []wireWhere `json:"where,omitempty"`
	OrderBy    *wireOrder  `json:"orderBy,omitempty"`
}

type wireWhere struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

type wireOrder struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc,omitempty"`
}

type wireFieldUpdate struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Value any    `json:"value"`
}

type wireDocument struct {
	Path   string         `json:"path"`
	Fields map[string]any `json:"fields"`
}

func queryToWire(query ideas.Query) *wireQuery {
	out := &wireQuery{
		Collection: query.Collection,
	}
	for _, filter := range query.Where {
		out.Where = append(out.Where, wireWhere{
			Field: filter.Field,
			Value: filter.Value,
		})
	}
	if query.OrderBy != nil {
		out.OrderBy = &wireOrder{
			Field: query.OrderBy.Field,
			Desc:  query.OrderBy.Desc,
		}
	}
	return out
}

func updatesToWire(updates []ideas.FieldUpdate) []wireFieldUpdate {
	out := make([]wireFieldUpdate, 0, len(updates))
	for _, update := range updates {
		out = append(out, wireFieldUpdate{
			Field: update.Field,
			Op:    string(update.Op),
			Value: encodeFieldValue(update.Value),
		})
	}
	return out
}

func encodeFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for field, value := range fields {
		out[field] = encodeFieldValue(value)
	}
	return out
}

func encodeFieldValue(value any) any {
	if ideas.IsServerTimestamp(value) {
		return map[string]any{serverTimestampKey: true}
	}
	return value
}

func documentFromWire(doc *wireDocument) *ideas.Document {
	if doc == nil {
		return nil
	}
	return &ideas.Document{
		Path:   doc.Path,
		Id:     documentIdOfPath(doc.Path),
		Fields: doc.Fields,
	}
}

func documentsFromWire(docs []*wireDocument) []*ideas.Document {
	out := make([]*ideas.Document, 0, len(docs))
	for _, doc := range docs {
		out = append(out, documentFromWire(doc))
	}
	return out
}

func documentIdOfPath(path string) string {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return path
	}
	return path[i+1:]
}
