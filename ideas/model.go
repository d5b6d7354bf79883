package ideas

import (
	"errors"
	"math"
	"time"
)

var ErrUnauthenticated = errors.New("not signed in")
var ErrRatingOutOfRange = errors.New("rating must be between 1 and 5")
var ErrNotAuthor = errors.New("prompt not authored by the current identity")
var ErrNotFound = errors.New("not found")

// a shared content entity rated and favorited by identities
type Prompt struct {
	Id       Id
	Title    string
	Text     string
	Category string
	// author display name at submission time
	Author   string
	AuthorId string
	// mean of all per-identity ratings, rounded to 1 decimal. 0 when unrated.
	Rating   float64
	Approved bool
	// server-assigned
	CreatedAt time.Time
}

// the author-provided fields of a prompt
type PromptDraft struct {
	Title    string
	Text     string
	Category string
}

type UserProfile struct {
	// identity id
	Id    string
	Email string
	// prompt ids. no duplicates, order irrelevant.
	Favorites []Id
}

const fieldTitle = "title"
const fieldText = "text"
const fieldCategory = "category"
const fieldAuthor = "author"
const fieldAuthorId = "authorId"
const fieldRating = "rating"
const fieldApproved = "approved"
const fieldCreatedAt = "createdAt"
const fieldEmail = "email"
const fieldFavorites = "favorites"

func (self *Prompt) fields() map[string]any {
	return map[string]any{
		fieldTitle:     self.Title,
		fieldText:      self.Text,
		fieldCategory:  self.Category,
		fieldAuthor:    self.Author,
		fieldAuthorId:  self.AuthorId,
		fieldRating:    self.Rating,
		fieldApproved:  self.Approved,
		fieldCreatedAt: ServerTimestamp,
	}
}

func promptFromDocument(doc *Document) (*Prompt, error) {
	promptId, err := ParseId(doc.Id)
	if err != nil {
		return nil, err
	}
	return &Prompt{
		Id:        promptId,
		Title:     documentString(doc, fieldTitle),
		Text:      documentString(doc, fieldText),
		Category:  documentString(doc, fieldCategory),
		Author:    documentString(doc, fieldAuthor),
		AuthorId:  documentString(doc, fieldAuthorId),
		Rating:    documentFloat(doc, fieldRating),
		Approved:  documentBool(doc, fieldApproved),
		CreatedAt: documentTime(doc, fieldCreatedAt),
	}, nil
}

func promptsFromDocuments(docs []*Document, warn LogFunction) []*Prompt {
	prompts := []*Prompt{}
	for _, doc := range docs {
		prompt, err := promptFromDocument(doc)
		if err != nil {
			// a malformed remote document degrades to a skip, never a crash
			warn("drop malformed prompt %s = %s", doc.Path, err)
			continue
		}
		prompts = append(prompts, prompt)
	}
	return prompts
}

func favoritesFromDocument(doc *Document) map[Id]bool {
	favorites := map[Id]bool{}
	for _, favoriteStr := range documentStringList(doc, fieldFavorites) {
		favoriteId, err := ParseId(favoriteStr)
		if err != nil {
			continue
		}
		favorites[favoriteId] = true
	}
	return favorites
}

// round half away from zero to 1 decimal place
func RoundRating(meanRating float64) float64 {
	return math.Round(meanRating*10) / 10
}

func documentString(doc *Document, field string) string {
	if value, ok := doc.Fields[field].(string); ok {
		return value
	}
	return ""
}

func documentBool(doc *Document, field string) bool {
	if value, ok := doc.Fields[field].(bool); ok {
		return value
	}
	return false
}

func documentFloat(doc *Document, field string) float64 {
	switch value := doc.Fields[field].(type) {
	case float64:
		return value
	case float32:
		return float64(value)
	case int:
		return float64(value)
	case int32:
		return float64(value)
	case int64:
		return float64(value)
	default:
		return 0
	}
}

func documentInt(doc *Document, field string) int {
	return int(documentFloat(doc, field))
}

func documentTime(doc *Document, field string) time.Time {
	switch value := doc.Fields[field].(type) {
	case time.Time:
		return value
	case string:
		// json adapters carry timestamps as rfc 3339
		if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
			return t
		}
		return time.Time{}
	default:
		return time.Time{}
	}
}

func documentStringList(doc *Document, field string) []string {
	values := []string{}
	switch list := doc.Fields[field].(type) {
	case []string:
		values = append(values, list...)
	case []any:
		for _, item := range list {
			if value, ok := item.(string); ok {
				values = append(values, value)
			}
		}
	}
	return values
}
