package ideas

import (
	"context"
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func seedPrompt(t *testing.T, ctx context.Context, store DocumentStore, title string, authorId string) Id {
	t.Helper()
	prompt := &Prompt{
		Title:    title,
		AuthorId: authorId,
		Approved: true,
	}
	idStr, err := store.Create(ctx, CollectionPrompts, prompt.fields())
	assert.Equal(t, err, nil)
	promptId, err := ParseId(idStr)
	assert.Equal(t, err, nil)
	return promptId
}

func promptRating(t *testing.T, ctx context.Context, store DocumentStore, promptId Id) float64 {
	t.Helper()
	doc, err := store.GetOnce(ctx, PromptPath(promptId))
	assert.Equal(t, err, nil)
	assert.NotEqual(t, doc, nil)
	return documentFloat(doc, fieldRating)
}

// identity U rates 4, identity V rates 2 -> mean 3.0.
// U then changes the rating to 2 -> mean 2.0.
func TestSubmitRatingMeanScenario(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()

	authU := NewMemoryAuth()
	sessionU := NewSessionWithDefaults(ctx, store, authU)
	defer sessionU.Close()
	sessionU.Start()
	authU.SetIdentity(testIdentity("u"))

	authV := NewMemoryAuth()
	sessionV := NewSessionWithDefaults(ctx, store, authV)
	defer sessionV.Close()
	sessionV.Start()
	authV.SetIdentity(testIdentity("v"))

	promptId := seedPrompt(t, ctx, store, "rated", "seed")

	err := sessionU.SubmitRatingSync(ctx, promptId, 4)
	assert.Equal(t, err, nil)
	assert.Equal(t, 4.0, promptRating(t, ctx, store, promptId))

	err = sessionV.SubmitRatingSync(ctx, promptId, 2)
	assert.Equal(t, err, nil)
	assert.Equal(t, 3.0, promptRating(t, ctx, store, promptId))

	// last write per identity wins, no history
	err = sessionU.SubmitRatingSync(ctx, promptId, 2)
	assert.Equal(t, err, nil)
	assert.Equal(t, 2.0, promptRating(t, ctx, store, promptId))

	// the recomputed mean flows back into the feed
	awaitCondition(t, "feed mean", func() bool {
		for _, prompt := range sessionU.Prompts() {
			if prompt.Id == promptId {
				return prompt.Rating == 2.0
			}
		}
		return false
	})
}

func TestSubmitRatingRounding(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()

	authU := NewMemoryAuth()
	sessionU := NewSessionWithDefaults(ctx, store, authU)
	defer sessionU.Close()
	sessionU.Start()
	authU.SetIdentity(testIdentity("u"))

	authV := NewMemoryAuth()
	sessionV := NewSessionWithDefaults(ctx, store, authV)
	defer sessionV.Close()
	sessionV.Start()
	authV.SetIdentity(testIdentity("v"))

	promptId := seedPrompt(t, ctx, store, "rated", "seed")

	// {4, 3} -> 3.5
	err := sessionU.SubmitRatingSync(ctx, promptId, 4)
	assert.Equal(t, err, nil)
	err = sessionV.SubmitRatingSync(ctx, promptId, 3)
	assert.Equal(t, err, nil)
	assert.Equal(t, 3.5, promptRating(t, ctx, store, promptId))

	// {4, 3, 3} -> 3.333... -> 3.3
	authW := NewMemoryAuth()
	sessionW := NewSessionWithDefaults(ctx, store, authW)
	defer sessionW.Close()
	sessionW.Start()
	authW.SetIdentity(testIdentity("w"))

	err = sessionW.SubmitRatingSync(ctx, promptId, 3)
	assert.Equal(t, err, nil)
	assert.Equal(t, 3.3, promptRating(t, ctx, store, promptId))
}

func TestSubmitRatingPreconditions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	auth := NewMemoryAuth()

	session := NewSessionWithDefaults(ctx, store, auth)
	defer session.Close()
	session.Start()

	promptId := seedPrompt(t, ctx, store, "rated", "seed")

	// unauthenticated: rejected synchronously, no remote write
	err := session.SubmitRating(promptId, 4, nil)
	assert.Equal(t, true, errors.Is(err, ErrUnauthenticated))

	auth.SetIdentity(testIdentity("u"))

	// out of range: rejected before any remote call
	for _, rating := range []int{-1, 0, 6, 100} {
		err = session.SubmitRating(promptId, rating, nil)
		assert.Equal(t, true, errors.Is(err, ErrRatingOutOfRange))
	}

	docs, err := store.GetAll(ctx, Query{Collection: RatingsCollection(promptId)})
	assert.Equal(t, err, nil)
	assert.Equal(t, 0, len(docs))
	assert.Equal(t, 0.0, promptRating(t, ctx, store, promptId))
}

func TestUserRating(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	auth := NewMemoryAuth()

	session := NewSessionWithDefaults(ctx, store, auth)
	defer session.Close()
	session.Start()
	auth.SetIdentity(testIdentity("u"))

	promptId := seedPrompt(t, ctx, store, "rated", "seed")

	rating, ok, err := session.UserRating(ctx, promptId)
	assert.Equal(t, err, nil)
	assert.Equal(t, false, ok)
	assert.Equal(t, 0, rating)

	err = session.SubmitRatingSync(ctx, promptId, 5)
	assert.Equal(t, err, nil)

	rating, ok, err = session.UserRating(ctx, promptId)
	assert.Equal(t, err, nil)
	assert.Equal(t, true, ok)
	assert.Equal(t, 5, rating)
}

func TestRoundRating(t *testing.T) {
	assert.Equal(t, 3.5, RoundRating(3.5))
	assert.Equal(t, 3.3, RoundRating(10.0/3.0))
	assert.Equal(t, 3.7, RoundRating(11.0/3.0))
	assert.Equal(t, 0.0, RoundRating(0))
	assert.Equal(t, 5.0, RoundRating(5))
}
