package ideas

import (
	"context"

	"github.com/golang/glog"
)

type SubmitPromptCallback = func(promptId Id, err error)

// prompt submission is not optimistic: the local collections update only
// once the feed snapshot confirms the write. unconfirmed authored content
// is never shown as if persisted.
func (self *Session) SubmitPrompt(draft *PromptDraft, callback SubmitPromptCallback) error {
	if callback == nil {
		callback = func(promptId Id, err error) {}
	}

	self.stateLock.Lock()
	if self.identity == nil {
		self.stateLock.Unlock()
		return ErrUnauthenticated
	}
	identity := copyIdentity(self.identity)
	self.stateLock.Unlock()

	prompt := &Prompt{
		Title:    draft.Title,
		Text:     draft.Text,
		Category: draft.Category,
		Author:   identity.AuthorName(),
		AuthorId: identity.Id,
		Rating:   0,
		// automatically approved. there is no moderation queue.
		Approved: true,
	}

	go HandleError(func() {
		idStr, err := self.store.Create(self.ctx, CollectionPrompts, prompt.fields())
		if err != nil {
			glog.Infof("[submit]create = %s\n", err)
			self.notifyNotice(&Notice{
				Message: "Failed to submit prompt. Please try again.",
				Err:     err,
			})
			callback(Id{}, err)
			return
		}
		promptId, err := ParseId(idStr)
		callback(promptId, err)
	})

	return nil
}

func (self *Session) SubmitPromptSync(ctx context.Context, draft *PromptDraft) (Id, error) {
	type result struct {
		promptId Id
		err      error
	}
	c := make(chan result, 1)
	if err := self.SubmitPrompt(draft, func(promptId Id, err error) {
		c <- result{promptId: promptId, err: err}
	}); err != nil {
		return Id{}, err
	}
	select {
	case r := <-c:
		return r.promptId, r.err
	case <-ctx.Done():
		return Id{}, ctx.Err()
	}
}

// replaces the content fields wholesale and re-asserts the approved flag.
// only the authoring identity may edit, checked against the synced
// authored collection.
func (self *Session) UpdatePrompt(promptId Id, draft *PromptDraft, callback CompleteFunction) error {
	if callback == nil {
		callback = func(err error) {}
	}

	self.stateLock.Lock()
	if self.identity == nil {
		self.stateLock.Unlock()
		return ErrUnauthenticated
	}
	self.stateLock.Unlock()

	if self.myPromptById(promptId) == nil {
		return ErrNotAuthor
	}

	go HandleError(func() {
		err := self.store.Update(self.ctx, PromptPath(promptId), []FieldUpdate{
			SetField(fieldTitle, draft.Title),
			SetField(fieldText, draft.Text),
			SetField(fieldCategory, draft.Category),
			SetField(fieldApproved, true),
		})
		if err != nil {
			glog.Infof("[submit]update %s = %s\n", promptId, err)
			self.notifyNotice(&Notice{
				Message: "Failed to update prompt. Please try again.",
				Err:     err,
			})
		}
		callback(err)
	})

	return nil
}

func (self *Session) UpdatePromptSync(ctx context.Context, promptId Id, draft *PromptDraft) error {
	c := make(chan error, 1)
	if err := self.UpdatePrompt(promptId, draft, func(err error) {
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

// write-through to the identity gateway. the gateway emits an identity
// change event on success, which rebinds the identity-scoped listeners.
func (self *Session) UpdateDisplayName(displayName string, callback CompleteFunction) error {
	if callback == nil {
		callback = func(err error) {}
	}

	self.stateLock.Lock()
	if self.identity == nil {
		self.stateLock.Unlock()
		return ErrUnauthenticated
	}
	self.stateLock.Unlock()

	go HandleError(func() {
		err := self.auth.UpdateDisplayName(self.ctx, displayName)
		if err != nil {
			glog.Infof("[profile]update display name = %s\n", err)
			self.notifyNotice(&Notice{
				Message: "Failed to update profile. Please try again.",
				Err:     err,
			})
		}
		callback(err)
	})

	return nil
}

func (self *Session) SignOut(ctx context.Context) error {
	// teardown follows from the identity change event
	return self.auth.SignOut(ctx)
}
