package ideas

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"
)

// a store that never delivers snapshots, so optimistic local state can be
// observed without listener interference
type noSnapshotStore struct {
	*faultStore
}

func newNoSnapshotStore() *noSnapshotStore {
	return &noSnapshotStore{
		faultStore: newFaultStore(),
	}
}

func (self *noSnapshotStore) SubscribeQuery(ctx context.Context, query Query, callback QuerySnapshotFunction, errorCallback ErrorFunction) func() {
	return func() {}
}

func (self *noSnapshotStore) SubscribeDocument(ctx context.Context, path string, callback DocumentSnapshotFunction, errorCallback ErrorFunction) func() {
	return func() {}
}

func signInWithProfile(t *testing.T, ctx context.Context, store DocumentStore, auth *MemoryAuth, identityId string) {
	t.Helper()
	err := store.Set(ctx, UserPath(identityId), map[string]any{
		fieldEmail:     identityId + "@example.com",
		fieldFavorites: []string{},
	})
	assert.Equal(t, err, nil)
	auth.SetIdentity(testIdentity(identityId))
}

func TestToggleFavoriteRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	auth := NewMemoryAuth()

	session := NewSessionWithDefaults(ctx, store, auth)
	defer session.Close()
	session.Start()

	auth.SetIdentity(testIdentity("u1"))
	awaitCondition(t, "profile created", func() bool {
		doc, _ := store.GetOnce(ctx, UserPath("u1"))
		return doc != nil
	})

	promptId := NewId()

	err := session.ToggleFavoriteSync(ctx, promptId)
	assert.Equal(t, err, nil)

	// the remote set mirrors the toggle, and the listener snapshot
	// reconfirms the optimistic membership
	awaitCondition(t, "remote favorite added", func() bool {
		doc, _ := store.GetOnce(ctx, UserPath("u1"))
		favorites := documentStringList(doc, fieldFavorites)
		return len(favorites) == 1 && favorites[0] == promptId.String()
	})
	awaitCondition(t, "local favorite added", func() bool {
		return session.IsFavorite(promptId)
	})

	// toggled twice returns membership to its original state
	err = session.ToggleFavoriteSync(ctx, promptId)
	assert.Equal(t, err, nil)
	awaitCondition(t, "remote favorite removed", func() bool {
		doc, _ := store.GetOnce(ctx, UserPath("u1"))
		return len(documentStringList(doc, fieldFavorites)) == 0
	})
	awaitCondition(t, "local favorite removed", func() bool {
		return !session.IsFavorite(promptId)
	})
}

func TestToggleFavoriteUnauthenticated(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	auth := NewMemoryAuth()

	session := NewSessionWithDefaults(ctx, store, auth)
	defer session.Close()
	session.Start()

	promptId := NewId()
	err := session.ToggleFavorite(promptId, nil)
	assert.Equal(t, true, errors.Is(err, ErrUnauthenticated))
	assert.Equal(t, false, session.IsFavorite(promptId))
}

func TestToggleFavoriteOptimisticImmediate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newNoSnapshotStore()
	auth := NewMemoryAuth()

	session := NewSessionWithDefaults(ctx, store, auth)
	defer session.Close()
	session.Start()

	signInWithProfile(t, ctx, store, auth, "u1")

	promptId := NewId()

	// the local flip is visible before the remote write resolves
	err := session.ToggleFavorite(promptId, nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, true, session.IsFavorite(promptId))
}

func TestToggleFavoriteRollback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newNoSnapshotStore()
	auth := NewMemoryAuth()

	session := NewSessionWithDefaults(ctx, store, auth)
	defer session.Close()

	notices := make(chan *Notice, 8)
	unsubNotices := session.AddNoticeCallback(func(notice *Notice) {
		notices <- notice
	})
	defer unsubNotices()

	session.Start()
	signInWithProfile(t, ctx, store, auth, "u1")

	remoteErr := errors.New("remote unavailable")
	store.setUpdateErr(func(path string) error {
		if path == UserPath("u1") {
			return remoteErr
		}
		return nil
	})

	promptId := NewId()

	// locally added immediately, removed again once the remote write fails
	outcome := make(chan error, 1)
	err := session.ToggleFavorite(promptId, func(err error) {
		outcome <- err
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, true, session.IsFavorite(promptId))

	assert.Equal(t, true, errors.Is(<-outcome, remoteErr))
	awaitCondition(t, "favorite reverted", func() bool {
		return !session.IsFavorite(promptId)
	})
	notice := <-notices
	assert.Equal(t, true, errors.Is(notice.Err, remoteErr))

	// the remote set was never changed
	doc, _ := store.GetOnce(ctx, UserPath("u1"))
	assert.Equal(t, 0, len(documentStringList(doc, fieldFavorites)))
}

// an earlier failing toggle must not undo a later successful one.
// the first toggle's remote write is held in flight until the second has
// completed, then fails. local state stays with the second toggle.
func TestToggleFavoriteConcurrent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newNoSnapshotStore()
	auth := NewMemoryAuth()

	session := NewSessionWithDefaults(ctx, store, auth)
	defer session.Close()
	session.Start()

	signInWithProfile(t, ctx, store, auth, "u1")

	promptId := NewId()
	remoteErr := errors.New("remote unavailable")
	release := make(chan struct{})
	first := true
	mutex := sync.Mutex{}
	store.setUpdateErr(func(path string) error {
		mutex.Lock()
		isFirst := first
		first = false
		mutex.Unlock()
		if isFirst {
			<-release
			return remoteErr
		}
		return nil
	})

	firstOutcome := make(chan error, 1)
	err := session.ToggleFavorite(promptId, func(err error) {
		firstOutcome <- err
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, true, session.IsFavorite(promptId))

	// the second toggle resolves while the first is still in flight
	err = session.ToggleFavoriteSync(ctx, promptId)
	assert.Equal(t, err, nil)
	assert.Equal(t, false, session.IsFavorite(promptId))

	close(release)
	assert.Equal(t, true, errors.Is(<-firstOutcome, remoteErr))

	// local state reflects the most recent toggle, not the failed rollback
	assert.Equal(t, false, session.IsFavorite(promptId))
}

// a toggle whose remote write is still in flight when the identity
// changes must not revert state that now belongs to the new identity.
// the stale completion arrives after the new identity has favorited the
// same prompt, so its target matches the local value and only the epoch
// distinguishes it from a legitimate revert.
func TestToggleFavoriteRevertSkippedAfterRebind(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newNoSnapshotStore()
	auth := NewMemoryAuth()

	session := NewSessionWithDefaults(ctx, store, auth)
	defer session.Close()
	session.Start()

	signInWithProfile(t, ctx, store, auth, "u1")

	promptId := NewId()
	remoteErr := errors.New("remote unavailable")
	release := make(chan struct{})
	store.setUpdateErr(func(path string) error {
		if path == UserPath("u1") {
			<-release
			return remoteErr
		}
		return nil
	})

	firstOutcome := make(chan error, 1)
	err := session.ToggleFavorite(promptId, func(err error) {
		firstOutcome <- err
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, true, session.IsFavorite(promptId))

	// rebind to another identity while the write is held in flight
	signInWithProfile(t, ctx, store, auth, "u2")
	assert.Equal(t, false, session.IsFavorite(promptId))

	err = session.ToggleFavoriteSync(ctx, promptId)
	assert.Equal(t, err, nil)
	assert.Equal(t, true, session.IsFavorite(promptId))

	close(release)
	assert.Equal(t, true, errors.Is(<-firstOutcome, remoteErr))

	// the stale failure completed without touching the new identity's state
	assert.Equal(t, true, session.IsFavorite(promptId))
	doc, _ := store.GetOnce(ctx, UserPath("u2"))
	favorites := documentStringList(doc, fieldFavorites)
	assert.Equal(t, 1, len(favorites))
	assert.Equal(t, promptId.String(), favorites[0])
}
