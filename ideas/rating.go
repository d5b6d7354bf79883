package ideas

import (
	"context"
	"fmt"

	"github.com/golang/glog"
)

// ratings are written last-write-wins per identity, then the prompt's mean
// is recomputed from a full scan of all ratings and persisted rounded to
// 1 decimal.
//
// the full recomputation trades scalability for correctness by
// construction: no running-sum drift and no separate count field.
// two submissions from different identities can interleave their scans,
// and the later-completing write's mean wins, transiently dropping the
// other update. the mean converges once writes stop. cross-client locking
// is deliberately not attempted here.
func (self *Session) SubmitRating(promptId Id, rating int, callback CompleteFunction) error {
	if callback == nil {
		callback = func(err error) {}
	}

	self.stateLock.Lock()
	if self.identity == nil {
		self.stateLock.Unlock()
		return ErrUnauthenticated
	}
	identityId := self.identity.Id
	self.stateLock.Unlock()

	if rating < 1 || 5 < rating {
		return fmt.Errorf("%w: %d", ErrRatingOutOfRange, rating)
	}

	go HandleError(func() {
		err := self.submitRating(promptId, identityId, rating)
		if err != nil {
			glog.Infof("[rating]submit %s = %s\n", promptId, err)
			self.notifyNotice(&Notice{
				Message: "Could not submit your rating. Please try again.",
				Err:     err,
			})
		}
		callback(err)
	})

	return nil
}

func (self *Session) submitRating(promptId Id, identityId string, rating int) error {
	err := self.store.Set(self.ctx, RatingPath(promptId, identityId), map[string]any{
		fieldRating: rating,
	})
	if err != nil {
		return err
	}

	docs, err := self.store.GetAll(self.ctx, Query{
		Collection: RatingsCollection(promptId),
	})
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return nil
	}

	sum := 0
	for _, doc := range docs {
		sum += documentInt(doc, fieldRating)
	}
	meanRating := RoundRating(float64(sum) / float64(len(docs)))

	// the local copy is not updated here. the feed snapshot confirms the
	// new mean, which keeps the prompt collection the single source.
	return self.store.Update(self.ctx, PromptPath(promptId), []FieldUpdate{
		SetField(fieldRating, meanRating),
	})
}

func (self *Session) SubmitRatingSync(ctx context.Context, promptId Id, rating int) error {
	c := make(chan error, 1)
	if err := self.SubmitRating(promptId, rating, func(err error) {
		c <- err
	}); err != nil {
		return err
	}
	select {
	case err := <-c:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// the current identity's own rating of a prompt. ok is false when the
// identity has not rated it yet.
func (self *Session) UserRating(ctx context.Context, promptId Id) (rating int, ok bool, err error) {
	self.stateLock.Lock()
	if self.identity == nil {
		self.stateLock.Unlock()
		return 0, false, ErrUnauthenticated
	}
	identityId := self.identity.Id
	self.stateLock.Unlock()

	doc, err := self.store.GetOnce(ctx, RatingPath(promptId, identityId))
	if err != nil {
		return 0, false, err
	}
	if doc == nil {
		return 0, false, nil
	}
	return documentInt(doc, fieldRating), true, nil
}
