package ideas

import (
	"context"

	"github.com/golang/glog"
)

// toggling a favorite is the one optimistic mutation: the local flip is
// visible to readers before the remote write is confirmed, and is
// deterministically reverted if that write fails.
//
// each in-flight toggle captures its own (pre-state, target) pair, so a
// failing toggle only reverts if local state still equals its own target.
// a later successful toggle is never undone by an earlier failing one.
func (self *Session) ToggleFavorite(promptId Id, callback CompleteFunction) error {
	if callback == nil {
		callback = func(err error) {}
	}

	self.stateLock.Lock()
	if self.identity == nil {
		self.stateLock.Unlock()
		return ErrUnauthenticated
	}
	identityId := self.identity.Id
	epoch := self.bindEpoch
	wasFavorite := self.favorites[promptId]
	if wasFavorite {
		delete(self.favorites, promptId)
	} else {
		self.favorites[promptId] = true
	}
	self.stateLock.Unlock()

	self.notifyStateChange()

	// the remote operators are commutative and idempotent, so interleaved
	// toggles from other sessions of the same identity converge without a lock
	var update FieldUpdate
	if wasFavorite {
		update = RemoveFromSet(fieldFavorites, promptId.String())
	} else {
		update = AddToSet(fieldFavorites, promptId.String())
	}

	go HandleError(func() {
		err := self.store.Update(self.ctx, UserPath(identityId), []FieldUpdate{update})
		if err == nil {
			// the next profile snapshot reconfirms the same membership
			callback(nil)
			return
		}

		target := !wasFavorite
		reverted := false
		self.applyWithEpoch(epoch, func() {
			if self.favorites[promptId] != target {
				// a newer toggle already moved the state. leave it alone.
				return
			}
			if wasFavorite {
				self.favorites[promptId] = true
			} else {
				delete(self.favorites, promptId)
			}
			reverted = true
		})

		glog.Infof("[favorite]revert %s (reverted=%t) = %s\n", promptId, reverted, err)
		if reverted {
			self.notifyStateChange()
		}
		self.notifyNotice(&Notice{
			Message: "Could not update favorites. Please try again.",
			Err:     err,
		})
		callback(err)
	})

	return nil
}

func (self *Session) ToggleFavoriteSync(ctx context.Context, promptId Id) error {
	c := make(chan error, 1)
	if err := self.ToggleFavorite(promptId, func(err error) {
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
